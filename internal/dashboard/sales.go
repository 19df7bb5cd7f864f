package dashboard

import (
	"context"
	"strconv"
	"time"

	"salewatch/internal/eventbus"
	"salewatch/internal/latest"
	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/internal/stream"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

// Origins of a sale observation.
const (
	OriginSnapshot = "snapshot"
	OriginPoll     = "poll"
	OriginStream   = "stream"
	OriginManual   = "manual"
)

// maxTracked bounds the purchase-flag memory before absent sessions are
// forgotten.
const maxTracked = 4096

// Announcement is published with eventbus.SaleAnnounced.
type Announcement struct {
	Sale   sale.Latest  `json:"sale"`
	Origin string       `json:"origin"`
	Keys   []string     `json:"keys"`
	Token  latest.Token `json:"token"`
}

var _ stream.Handler = (*Dashboard)(nil)

// detectSales announces sessions whose purchase flag flipped since the last
// observation, and purchases first seen close to startup. full marks recs as
// a complete snapshot.
func (db *Dashboard) detectSales(ctx context.Context, recs []session.Record, full bool) {
	cutoff := db.boot.Add(-db.options().BootLookback)
	var found []session.Record

	db.mu.Lock()
	for _, rec := range recs {
		if rec.ID == "" {
			continue
		}
		prev, known := db.purchased[rec.ID]
		db.purchased[rec.ID] = rec.HasPurchased
		if !rec.HasPurchased {
			continue
		}
		switch {
		case known && !prev:
			found = append(found, rec)
		case !known && !rec.PurchasedAt.IsZero() && !rec.PurchasedAt.Before(cutoff):
			found = append(found, rec)
		}
	}
	if full && len(db.purchased) > maxTracked {
		present := make(map[string]struct{}, len(recs))
		for _, rec := range recs {
			present[rec.ID] = struct{}{}
		}
		for id := range db.purchased {
			if _, ok := present[id]; !ok {
				delete(db.purchased, id)
			}
		}
	}
	db.mu.Unlock()

	for _, rec := range found {
		db.HandleSale(ctx, sale.FromSessionLatest(rec), OriginSnapshot)
	}
}

// HandleSale gates one sale observation through dedup and announces it. It
// reports whether the sale was announced.
func (db *Dashboard) HandleSale(ctx context.Context, l sale.Latest, origin string) bool {
	keys := sale.Keys(sale.FromLatest(l))
	log := db.log.With(logx.String("origin", origin), logx.String("key", sale.Primary(keys)))
	db.gateMu.Lock()
	if !db.d.Dedup.ShouldAnnounce(keys) {
		db.gateMu.Unlock()
		db.duplicates.Add(1)
		log.Debug("duplicate sale ignored")
		eventbus.Publish(db.d.Bus, eventbus.SaleDuplicate, Announcement{Sale: l, Origin: origin, Keys: keys})
		return false
	}
	db.d.Dedup.Remember(ctx, keys)
	db.gateMu.Unlock()

	content := toast.FromLatest(l, SaleTitle)
	tok := db.d.Toast.Trigger(content, db.options().PinNewSales)

	claim := keys
	if len(claim) == 0 {
		claim = []string{sale.PrefixTS + strconv.FormatInt(time.Now().UnixMilli(), 10)}
	}
	db.d.Arbiter.RequestSoundClaim(claim[0], claim[1:]...)
	db.d.Recent.Merge(l)

	db.announced.Add(1)
	log.Info("sale announced", logx.Bool("partial", content.Partial()))
	eventbus.Publish(db.d.Bus, eventbus.SaleAnnounced, Announcement{Sale: l, Origin: origin, Keys: keys, Token: tok})

	if content.Partial() {
		db.refine(tok, l, false)
	}
	return true
}

// ManualTrigger re-shows the most recent sale. It bypasses dedup and the
// arbiter and always plays locally.
func (db *Dashboard) ManualTrigger(persist bool) latest.Token {
	var l sale.Latest
	if items := db.d.Recent.Items(); len(items) > 0 {
		l = items[0]
	}
	content := toast.FromLatest(l, ManualTitle)
	content.Manual = true
	tok := db.d.Toast.Trigger(content, persist)
	db.d.Arbiter.PlayManual()
	db.log.Info("manual trigger", logx.Bool("persist", persist))
	db.refine(tok, l, true)
	return tok
}

// refine looks up the latest sale and fills the banner shown under tok.
// Only the newest lookup is applied.
func (db *Dashboard) refine(tok latest.Token, l sale.Latest, manual bool) {
	keys := sale.Keys(sale.FromLatest(l))
	timeout := db.options().LookupTimeout
	src := db.d.Cache.Source()
	title := SaleTitle
	if manual {
		title = ManualTitle
	}

	latest.Run(db.baseCtx(), &db.lookup, func(ctx context.Context) (sale.Latest, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return src.LatestSale(ctx)
	}, func(res sale.Latest) {
		if res.IsZero() {
			return
		}
		resKeys := sale.Keys(sale.FromLatest(res))
		var merged sale.Latest
		switch {
		case manual:
			merged = res
			if sale.Overlap(keys, resKeys) {
				merged = res.Fill(l)
			}
		case len(keys) == 0 || sale.Overlap(keys, resKeys):
			merged = l.Fill(res)
		default:
			db.log.Debug("lookup returned another sale", logx.String("key", sale.Primary(resKeys)))
			return
		}
		content := toast.FromLatest(merged, title)
		content.Manual = manual
		db.d.Toast.Refine(content, tok)
		db.d.Recent.Merge(merged)
		if manual {
			db.d.Dedup.Remember(db.baseCtx(), resKeys)
		}
	}, func(err error) {
		db.log.Warn("sale lookup failed", logx.Err(err))
	})
}

// PollLatestSale checks the latest-sale lookup for a sale no other channel
// delivered. Sales older than the boot lookback are remembered silently.
func (db *Dashboard) PollLatestSale(ctx context.Context) error {
	opts := db.options()
	lctx, cancel := context.WithTimeout(ctx, opts.LookupTimeout)
	res, err := db.d.Cache.Source().LatestSale(lctx)
	cancel()
	if err != nil {
		db.fail(err)
		return err
	}
	if res.IsZero() {
		return nil
	}
	cutoff := db.boot.Add(-opts.BootLookback)
	if !res.PurchasedAt.IsZero() && res.PurchasedAt.Before(cutoff) {
		keys := sale.Keys(sale.FromLatest(res))
		db.gateMu.Lock()
		fresh := db.d.Dedup.ShouldAnnounce(keys)
		if fresh {
			db.d.Dedup.Remember(ctx, keys)
		}
		db.gateMu.Unlock()
		if fresh {
			db.d.Recent.Merge(res)
		}
		return nil
	}
	db.HandleSale(ctx, res, OriginPoll)
	return nil
}

// OnSession folds a pushed session into the current snapshot.
func (db *Dashboard) OnSession(ctx context.Context, rec session.Record) {
	if rec.ID == "" {
		return
	}
	tok := db.rows.Next()
	db.mu.Lock()
	recs := make([]session.Record, 0, len(db.records)+1)
	found := false
	for _, cur := range db.records {
		if cur.ID == rec.ID {
			cur, found = rec, true
		}
		recs = append(recs, cur)
	}
	if !found {
		recs = append([]session.Record{rec}, recs...)
	}
	db.records = recs
	view := db.view
	pageSize := db.opts.PageSize
	db.mu.Unlock()

	db.applyMu.Lock()
	if db.rows.Valid(tok) {
		st, err := db.d.Reconciler.Reconcile(ctx, db.d.Tree, view.apply(recs, pageSize))
		if st.Mutations() > 0 {
			eventbus.Publish(db.d.Bus, eventbus.RowsChanged, st)
		}
		if err != nil {
			db.log.Debug("pushed session not applied", logx.Err(err))
		}
	}
	db.applyMu.Unlock()
	db.detectSales(ctx, []session.Record{rec}, false)
}

func (db *Dashboard) OnSale(ctx context.Context, l sale.Latest) {
	db.HandleSale(ctx, l, OriginStream)
}

func (db *Dashboard) OnSessionsChanged(ctx context.Context) {
	if err := db.RefreshSessions(ctx, true); err != nil {
		db.log.Debug("refresh on push failed", logx.Err(err))
	}
}
