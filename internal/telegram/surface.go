package telegram

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"salewatch/internal/latest"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

// Sender performs the three message operations the banner needs.
type Sender interface {
	Send(ctx context.Context, text string) (int, error)
	Edit(ctx context.Context, msgID int, text string) error
	Delete(ctx context.Context, msgID int) error
}

const (
	DefaultRatePerSec = 1
	maxAttempts       = 3
)

// Surface mirrors the banner into a chat: one message per banner token,
// sent on show, edited on change and deleted on hide. Only the newest view
// is delivered; intermediate states are skipped.
type Surface struct {
	s       Sender
	limiter *rate.Limiter
	log     logx.Logger

	mu      sync.Mutex
	pending *toast.View
	wake    chan struct{}

	// Owned by Run.
	token latest.Token
	msgID int
	text  string
}

func NewSurface(s Sender, perSec int, log logx.Logger) *Surface {
	if log.IsZero() {
		log = logx.Nop()
	}
	if perSec <= 0 {
		perSec = DefaultRatePerSec
	}
	return &Surface{
		s:       s,
		limiter: rate.NewLimiter(rate.Limit(perSec), 2),
		log:     log.With(logx.String("comp", "telegram.surface")),
		wake:    make(chan struct{}, 1),
	}
}

// Render implements toast.Surface. It never blocks.
func (s *Surface) Render(v toast.View) {
	s.mu.Lock()
	s.pending = &v
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run delivers views until ctx ends. The current message is left in place
// on exit.
func (s *Surface) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
		s.mu.Lock()
		v := s.pending
		s.pending = nil
		s.mu.Unlock()
		if v != nil {
			s.apply(ctx, *v)
		}
	}
}

func (s *Surface) apply(ctx context.Context, v toast.View) {
	text := Format(v)
	switch {
	case v.State == toast.Hidden:
		s.drop(ctx)
	case s.msgID != 0 && s.token == v.Token:
		if text == s.text {
			return
		}
		if err := s.retry(ctx, func() error { return s.s.Edit(ctx, s.msgID, text) }); err != nil {
			s.log.Warn("banner edit failed", logx.Int("msg_id", s.msgID), logx.Err(err))
			return
		}
		s.text = text
	default:
		s.drop(ctx)
		var id int
		err := s.retry(ctx, func() error {
			var err error
			id, err = s.s.Send(ctx, text)
			return err
		})
		if err != nil {
			s.log.Warn("banner send failed", logx.Err(err))
			return
		}
		s.token, s.msgID, s.text = v.Token, id, text
	}
}

func (s *Surface) drop(ctx context.Context) {
	if s.msgID == 0 {
		return
	}
	id := s.msgID
	s.token, s.msgID, s.text = 0, 0, ""
	if err := s.retry(ctx, func() error { return s.s.Delete(ctx, id) }); err != nil {
		s.log.Debug("banner delete failed", logx.Int("msg_id", id), logx.Err(err))
	}
}

// retry runs op under the rate limit with jittered backoff. Flood errors
// wait the interval Telegram asks for.
func (s *Surface) retry(ctx context.Context, op func() error) error {
	backoff := 300 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err = op(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)))
		var flood tele.FloodError
		if errors.As(err, &flood) && flood.RetryAfter > 0 {
			wait = time.Duration(flood.RetryAfter) * time.Second
		}
		s.log.Debug("telegram call failed; retrying", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return err
}
