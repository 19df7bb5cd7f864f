// Package latest implements the "newest wins" rule for asynchronous work.
//
// Every operation that may complete out of order takes a Token from a Seq
// before it starts. When its result arrives, the result is applied only if the
// token is still the current one; any later Next() call invalidates it. The
// underlying work is never cancelled, only its result discarded.
package latest

import (
	"context"
	"sync"
)

// Token identifies one issued operation. The zero Token is never current
// once Next has been called.
type Token uint64

// Seq issues monotonically increasing tokens. The zero value is ready to use.
type Seq struct {
	mu sync.Mutex
	n  uint64
}

// Next issues a new token and makes it the current one. It waits for a
// running Apply to return.
func (s *Seq) Next() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return Token(s.n)
}

// Current returns the most recently issued token.
func (s *Seq) Current() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Token(s.n)
}

// Valid reports whether t is still the most recently issued token.
func (s *Seq) Valid(t Token) bool { return s.Current() == t }

// Apply calls fn only if t is current, and no token is issued until fn
// returns. fn must not call Next on the same Seq.
func (s *Seq) Apply(t Token, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n != uint64(t) {
		return false
	}
	fn()
	return true
}

// Run executes fn in a new goroutine under a freshly issued token and calls
// apply with its result only if no newer token was issued in the meantime.
// apply runs under Apply, so the check and the apply are one step. Errors
// from fn are passed to onErr (when non-nil) under the same rule.
//
// Run returns the issued token so callers can correlate later completions.
func Run[T any](ctx context.Context, s *Seq, fn func(context.Context) (T, error), apply func(T), onErr func(error)) Token {
	tok := s.Next()
	go func() {
		v, err := fn(ctx)
		s.Apply(tok, func() {
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				return
			}
			if apply != nil {
				apply(v)
			}
		})
	}()
	return tok
}
