// Package scheduler triggers the periodic polls (sessions snapshot, latest
// sale) on cron or interval schedules.
//
// A job never overlaps itself: a trigger that fires while the previous run is
// still going is skipped.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"salewatch/pkg/logx"
)

type Config struct {
	Timezone string // IANA name; empty means local
	// Spread delays the first run of interval jobs by a random amount.
	Spread bool
}

type Job func(ctx context.Context) error

type def struct {
	name    string
	parsed  Parsed
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	lastErr atomic.Value // string
}

// Info describes one registered schedule.
type Info struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Running bool      `json:"running"`
	Runs    uint64    `json:"runs"`
	Skips   uint64    `json:"skips"`
	LastErr string    `json:"last_err,omitempty"`
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	ctx  context.Context
	loc  *time.Location
	defs map[string]*def
	wg   sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		cfg: cfg,
		// SecondOptional accepts 5- and 6-field expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

// Add registers job under name, replacing any schedule with that name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	p, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if p.Kind == KindCron {
		if _, err := s.parser.Parse(p.Cron); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, parsed: p, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", p.String()))
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Start begins triggering. Jobs receive contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs running")
	}
}

// Apply updates the timezone; a running scheduler restarts with it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	<-s.c.Stop().Done()
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		_ = s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// RunNow triggers name immediately, subject to the no-overlap rule.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	d, ok := s.defs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok || ctx == nil {
		return false
	}
	return s.fire(ctx, d)
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		info := Info{
			Name:    d.name,
			Spec:    d.parsed.String(),
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skips:   d.skips.Load(),
		}
		if v, ok := d.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) registerLocked(d *def) error {
	ctx := s.ctx
	job := cron.FuncJob(func() { s.fire(ctx, d) })
	if d.parsed.Kind == KindInterval {
		sched := cron.Schedule(cron.Every(d.parsed.Every))
		if s.cfg.Spread {
			var jitter time.Duration
			sched, jitter = intervalWithSpread(d.parsed.Every, time.Now().In(s.loc), d.name)
			s.log.Debug("startup spread", logx.String("name", d.name), logx.Duration("jitter", jitter))
		}
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.parsed.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) fire(ctx context.Context, d *def) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.skips.Add(1)
		s.log.Debug("previous run still active; skipped", logx.String("name", d.name))
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer d.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled job panicked", logx.String("name", d.name), logx.Any("panic", r))
			}
		}()
		jctx, cancel := ctx, context.CancelFunc(func() {})
		if d.timeout > 0 {
			jctx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		defer cancel()
		d.runs.Add(1)
		start := time.Now()
		if err := d.job(jctx); err != nil && !errors.Is(err, context.Canceled) {
			d.lastErr.Store(err.Error())
			s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		d.lastErr.Store("")
	}()
	return true
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
