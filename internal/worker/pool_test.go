// README: Worker pool tests: bounded queue, drain on close, panics and per-job timeout.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(1, 1, 0)
	var ran atomic.Int32
	job := func(context.Context) error { ran.Add(1); return nil }

	if !p.Go("first", job) {
		t.Fatalf("first job should be queued")
	}
	if p.Go("second", job) {
		t.Fatalf("second job should be dropped while the queue is full")
	}
	p.Start(context.Background())
	p.Close()
	if ran.Load() != 1 {
		t.Fatalf("ran %d jobs, want 1", ran.Load())
	}
	if p.Go("late", job) {
		t.Fatalf("closed pool must refuse jobs")
	}
}

func TestPoolSurvivesPanicsAndErrors(t *testing.T) {
	p := NewPool(1, 4, 0)
	p.Start(context.Background())
	var ran atomic.Int32
	p.Go("panics", func(context.Context) error { panic("boom") })
	p.Go("fails", func(context.Context) error { return errors.New("nope") })
	p.Go("works", func(context.Context) error { ran.Add(1); return nil })
	p.Close()
	if ran.Load() != 1 {
		t.Fatalf("job after a panic did not run")
	}
}

func TestPoolAppliesJobTimeout(t *testing.T) {
	p := NewPool(1, 1, 20*time.Millisecond)
	p.Start(context.Background())
	var got atomic.Value
	p.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		got.Store(ctx.Err())
		return ctx.Err()
	})
	p.Close()
	if err, _ := got.Load().(error); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInlineCollectsErrors(t *testing.T) {
	r := &Inline{}
	boom := errors.New("boom")
	r.Go("a", func(context.Context) error { return nil })
	r.Go("b", func(context.Context) error { return boom })
	if len(r.Errs) != 1 || !errors.Is(r.Errs[0], boom) {
		t.Fatalf("unexpected errors %v", r.Errs)
	}
}
