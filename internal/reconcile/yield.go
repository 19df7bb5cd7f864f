package reconcile

import (
	"context"
	"runtime"
	"time"
)

// Yielder hands control back to the display between reconcile chunks.
type Yielder interface {
	Yield(ctx context.Context) error
}

// YieldFunc adapts a function to Yielder.
type YieldFunc func(ctx context.Context) error

func (f YieldFunc) Yield(ctx context.Context) error { return f(ctx) }

// GoschedYielder only lets other goroutines run.
type GoschedYielder struct{}

func (GoschedYielder) Yield(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// FrameYielder waits for the next display frame.
type FrameYielder struct {
	Interval time.Duration // default 16ms
}

func (y FrameYielder) Yield(ctx context.Context) error {
	d := y.Interval
	if d <= 0 {
		d = 16 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
