// Package arbiter decides which instance plays the alert for a sale.
//
// The shared store has no compare-and-swap, so the claim is advisory: an
// instance writes its claim, waits briefly and plays only if the claim it
// reads back is still its own. Two instances writing inside the same delay
// can both win and both play.
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"salewatch/internal/sound"
	"salewatch/internal/storage"
	"salewatch/pkg/logx"
)

const (
	ClaimKeyPrefix    = "salewatch:sound_claim:v1:"
	DefaultWindow     = 8 * time.Second
	DefaultClaimDelay = 65 * time.Millisecond
)

// Claim is the record written under ClaimKeyPrefix+dedupeKey.
type Claim struct {
	TabID       string `json:"tab_id"`
	ClaimedAtMs int64  `json:"claimed_at_ms"`
}

type Options struct {
	// Window suppresses repeats of a key (or a related key) and bounds how
	// long a foreign claim counts as fresh.
	Window time.Duration
	// ClaimDelay is the wait between writing and re-reading a claim.
	ClaimDelay time.Duration
	// OpTimeout bounds each store call.
	OpTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.ClaimDelay <= 0 {
		o.ClaimDelay = DefaultClaimDelay
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 2 * time.Second
	}
	return o
}

// Outcome of one claim attempt, reported to OnResult.
type Outcome string

const (
	Played         Outcome = "played"
	PlayedLocal    Outcome = "played_local"
	SuppressedHere Outcome = "suppressed_window"
	LostClaim      Outcome = "suppressed_claim"
)

type Arbiter struct {
	kv     storage.Store
	tabID  string
	log    logx.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	opts   Options
	player sound.Player
	recent map[string]time.Time

	// OnResult, if set, observes every decision. Set before first use.
	OnResult func(key string, o Outcome)
}

// New returns an Arbiter. A nil kv makes every claim local.
func New(kv storage.Store, player sound.Player, tabID string, opts Options, log logx.Logger) *Arbiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if player == nil {
		player = sound.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Arbiter{
		kv:     kv,
		tabID:  tabID,
		log:    log.With(logx.String("comp", "arbiter"), logx.String("tab", tabID)),
		ctx:    ctx,
		cancel: cancel,
		opts:   opts.withDefaults(),
		player: player,
		recent: map[string]time.Time{},
	}
}

func (a *Arbiter) TabID() string { return a.tabID }

func (a *Arbiter) SetOptions(opts Options) {
	a.mu.Lock()
	a.opts = opts.withDefaults()
	a.mu.Unlock()
}

func (a *Arbiter) SetPlayer(p sound.Player) {
	if p == nil {
		p = sound.Nop{}
	}
	a.mu.Lock()
	a.player = p
	a.mu.Unlock()
}

// RequestSoundClaim asks to play the alert for dedupeKey. related keys
// describe the same sale as seen by other channels. It returns immediately.
func (a *Arbiter) RequestSoundClaim(dedupeKey string, related ...string) {
	keys := uniq(append([]string{dedupeKey}, related...))
	a.mu.Lock()
	opts := a.opts
	now := time.Now()
	for k, at := range a.recent {
		if now.Sub(at) >= opts.Window {
			delete(a.recent, k)
		}
	}
	suppressed := false
	for _, k := range keys {
		if _, ok := a.recent[k]; ok {
			suppressed = true
		}
		a.recent[k] = now
	}
	a.mu.Unlock()

	if suppressed {
		a.log.Debug("sound suppressed by window", logx.String("key", dedupeKey))
		a.report(dedupeKey, SuppressedHere)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.claim(keys, opts)
	}()
}

func (a *Arbiter) claim(keys []string, opts Options) {
	if len(keys) == 0 || a.kv == nil {
		a.play(first(keys), PlayedLocal)
		return
	}
	key := keys[0]
	storeKey := ClaimKeyPrefix + key

	if c, ok := a.read(storeKey, opts); ok && c.TabID != a.tabID && fresh(c, opts.Window) {
		a.log.Debug("fresh foreign claim", logx.String("key", key), logx.String("owner", c.TabID))
		a.report(key, LostClaim)
		return
	}

	b, _ := json.Marshal(Claim{TabID: a.tabID, ClaimedAtMs: time.Now().UnixMilli()})
	wctx, cancel := context.WithTimeout(a.ctx, opts.OpTimeout)
	err := a.kv.Set(wctx, storeKey, string(b))
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		a.log.Debug("claim write failed; playing locally", logx.String("key", key), logx.Err(err))
		a.play(key, PlayedLocal)
		return
	}

	t := time.NewTimer(opts.ClaimDelay)
	select {
	case <-a.ctx.Done():
		t.Stop()
		return
	case <-t.C:
	}

	c, ok := a.read(storeKey, opts)
	if !ok {
		a.play(key, PlayedLocal)
		return
	}
	if c.TabID != a.tabID {
		a.log.Debug("claim lost", logx.String("key", key), logx.String("owner", c.TabID))
		a.report(key, LostClaim)
		return
	}
	a.play(key, Played)
	time.AfterFunc(opts.Window, func() { a.release(storeKey, opts) })
}

// read returns the stored claim; ok is false when the store failed or
// holds something unreadable.
func (a *Arbiter) read(storeKey string, opts Options) (Claim, bool) {
	ctx, cancel := context.WithTimeout(a.ctx, opts.OpTimeout)
	defer cancel()
	raw, err := a.kv.Get(ctx, storeKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.log.Debug("claim read failed", logx.String("key", storeKey), logx.Err(err))
		}
		return Claim{}, false
	}
	var c Claim
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.TabID == "" {
		return Claim{}, false
	}
	return c, true
}

func (a *Arbiter) release(storeKey string, opts Options) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.OpTimeout)
	defer cancel()
	c, ok := a.read(storeKey, opts)
	if ok && c.TabID != a.tabID {
		return
	}
	if err := a.kv.Delete(ctx, storeKey); err != nil {
		a.log.Debug("claim cleanup failed", logx.String("key", storeKey), logx.Err(err))
	}
}

// PlayManual plays immediately, ignoring windows and claims.
func (a *Arbiter) PlayManual() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.play("manual", PlayedLocal)
	}()
}

func (a *Arbiter) play(key string, o Outcome) {
	a.mu.Lock()
	p := a.player
	a.mu.Unlock()
	if err := p.Play(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("sound failed", logx.String("key", key), logx.Err(err))
	}
	a.report(key, o)
}

func (a *Arbiter) report(key string, o Outcome) {
	if a.OnResult != nil {
		a.OnResult(key, o)
	}
}

// Wait blocks until in-flight claims finish.
func (a *Arbiter) Wait() { a.wg.Wait() }

// Close abandons pending claims.
func (a *Arbiter) Close() {
	a.cancel()
	a.wg.Wait()
}

func fresh(c Claim, window time.Duration) bool {
	return time.Since(time.UnixMilli(c.ClaimedAtMs)) < window
}

func uniq(in []string) []string {
	out := in[:0:0]
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func first(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
