// Package session defines the session records delivered by snapshots and the
// render signature derived from them.
package session

import "time"

// Record is one active or historical visit as delivered by a snapshot.
// The core treats it as immutable once decoded.
type Record struct {
	ID        string    `json:"id"`
	LastSeen  time.Time `json:"last_seen"`
	StartedAt time.Time `json:"started_at"`

	HasPurchased  bool      `json:"has_purchased"`
	PurchasedAt   time.Time `json:"purchased_at,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	CheckoutToken string    `json:"checkout_token,omitempty"`
	OrderTotal    float64   `json:"order_total,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	CartValue     float64   `json:"cart_value,omitempty"`

	Device         string   `json:"device,omitempty"`
	Country        string   `json:"country,omitempty"`
	VisitCount     int      `json:"visit_count,omitempty"`
	Returning      bool     `json:"returning,omitempty"`
	ProductHandles []string `json:"product_handles,omitempty"`

	// Attribution.
	Source      string `json:"source,omitempty"`
	Medium      string `json:"medium,omitempty"`
	Campaign    string `json:"campaign,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
	LandingPage string `json:"landing_page,omitempty"`
}

// IsReturning reports the returning-visitor flag, falling back to the visit
// count when the source did not set it.
func (r Record) IsReturning() bool {
	return r.Returning || r.VisitCount > 1
}
