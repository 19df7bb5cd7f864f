// Package snapshot fetches session snapshots and sale lookups from the
// dashboard API.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/pkg/logx"
)

// ErrStatus wraps non-2xx responses.
var ErrStatus = errors.New("snapshot: unexpected status")

// Query selects a sessions snapshot.
type Query struct {
	Range string `json:"range"`
	Limit int    `json:"limit"`
}

func (q Query) key() string {
	return q.Range + "|" + strconv.Itoa(q.Limit)
}

// Source is the snapshot API.
type Source interface {
	Sessions(ctx context.Context, q Query) ([]session.Record, error)
	LatestSale(ctx context.Context) (sale.Latest, error)
	RecentSales(ctx context.Context, limit int) ([]sale.Latest, error)
}

type HTTPConfig struct {
	BaseURL      string
	Token        string
	SessionsPath string
	LatestPath   string
	RecentPath   string
	Timeout      time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.SessionsPath == "" {
		c.SessionsPath = "/api/sessions"
	}
	if c.LatestPath == "" {
		c.LatestPath = "/api/sales/latest"
	}
	if c.RecentPath == "" {
		c.RecentPath = "/api/sales/recent"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// HTTPSource reads the JSON API over HTTP.
type HTTPSource struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client
	log    logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTPSource, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("source.base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("source.base_url: unsupported scheme %q", base.Scheme)
	}
	return &HTTPSource{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With(logx.String("comp", "snapshot")),
	}, nil
}

func (s *HTTPSource) Sessions(ctx context.Context, q Query) ([]session.Record, error) {
	params := url.Values{}
	if q.Range != "" {
		params.Set("range", q.Range)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	body, err := s.get(ctx, s.cfg.SessionsPath, params)
	if err != nil {
		return nil, err
	}
	return decodeSessions(body)
}

func (s *HTTPSource) LatestSale(ctx context.Context) (sale.Latest, error) {
	body, err := s.get(ctx, s.cfg.LatestPath, nil)
	if err != nil {
		return sale.Latest{}, err
	}
	var l sale.Latest
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return l, nil
	}
	if err := json.Unmarshal(body, &l); err != nil {
		return sale.Latest{}, fmt.Errorf("decode latest sale: %w", err)
	}
	return l, nil
}

func (s *HTTPSource) RecentSales(ctx context.Context, limit int) ([]sale.Latest, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := s.get(ctx, s.cfg.RecentPath, params)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Sales []sale.Latest `json:"sales"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wrapped.Sales); err != nil {
			return nil, fmt.Errorf("decode recent sales: %w", err)
		}
		return wrapped.Sales, nil
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode recent sales: %w", err)
	}
	return wrapped.Sales, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s.log.Debug("fetched", logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %d", ErrStatus, path, resp.StatusCode)
	}
	return body, nil
}

// decodeSessions accepts a bare array or {"sessions": [...]}.
func decodeSessions(body []byte) ([]session.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var recs []session.Record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
		return recs, nil
	}
	var wrapped struct {
		Sessions []session.Record `json:"sessions"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return wrapped.Sessions, nil
}
