package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGuard(limits Limits) *Guard {
	return New(limits, zerolog.Nop(), nil)
}

func TestGuard_RowLimit(t *testing.T) {
	g := newTestGuard(Limits{Timeout: time.Second, MaxRows: 10})

	emitted := 0
	err := g.Run(context.Background(), "q1", Limits{}, func(ctx context.Context, row RowFunc) error {
		for i := 0; i < 100; i++ {
			if err := row(); err != nil {
				return err
			}
			emitted++
		}
		return nil
	})
	if !errors.Is(err, ErrRowLimit) {
		t.Fatalf("expected ErrRowLimit, got %v", err)
	}
	if emitted > 10 {
		t.Fatalf("producer kept emitting past the limit: %d rows", emitted)
	}
}

func TestGuard_Timeout(t *testing.T) {
	g := newTestGuard(Limits{Timeout: 20 * time.Millisecond, MaxRows: 100000})

	err := g.Run(context.Background(), "slow", Limits{}, func(ctx context.Context, row RowFunc) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
				if err := row(); err != nil {
					return err
				}
			}
		}
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestGuard_ConcurrentSameID(t *testing.T) {
	g := newTestGuard(Limits{Timeout: time.Second})

	inside := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Run(context.Background(), "dup", Limits{}, func(ctx context.Context, row RowFunc) error {
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside
	err := g.Run(context.Background(), "dup", Limits{}, func(ctx context.Context, row RowFunc) error {
		return nil
	})
	if !errors.Is(err, ErrConcurrentQuery) {
		t.Fatalf("expected ErrConcurrentQuery, got %v", err)
	}
	close(release)
	wg.Wait()

	// Different ids never collide.
	if err := g.Run(context.Background(), "other", Limits{}, func(ctx context.Context, row RowFunc) error {
		return nil
	}); err != nil {
		t.Fatalf("distinct id should run: %v", err)
	}
}

func TestGuard_ReleasesSlotOnAllPaths(t *testing.T) {
	g := newTestGuard(Limits{Timeout: 50 * time.Millisecond, MaxRows: 5})

	runs := []func() error{
		func() error { // clean exit
			return g.Run(context.Background(), "q", Limits{}, func(ctx context.Context, row RowFunc) error {
				return nil
			})
		},
		func() error { // producer error
			return g.Run(context.Background(), "q", Limits{}, func(ctx context.Context, row RowFunc) error {
				return errors.New("producer blew up")
			})
		},
		func() error { // row limit
			return g.Run(context.Background(), "q", Limits{}, func(ctx context.Context, row RowFunc) error {
				for i := 0; i < 20; i++ {
					if err := row(); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	for i, run := range runs {
		_ = run()
		if got := g.InFlight(); got != 0 {
			t.Fatalf("run %d leaked a slot: InFlight=%d", i, got)
		}
	}
}

func TestGuard_ProducerErrorPropagates(t *testing.T) {
	g := newTestGuard(Limits{Timeout: time.Second})
	want := errors.New("storage failure")

	err := g.Run(context.Background(), "q", Limits{}, func(ctx context.Context, row RowFunc) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected producer error back, got %v", err)
	}
}

func TestGuard_PerCallLimitsOverrideDefaults(t *testing.T) {
	g := newTestGuard(Limits{Timeout: time.Second, MaxRows: 100000})

	err := g.Run(context.Background(), "q", Limits{MaxRows: 3}, func(ctx context.Context, row RowFunc) error {
		for i := 0; i < 10; i++ {
			if err := row(); err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, ErrRowLimit) {
		t.Fatalf("per-call row limit should fire, got %v", err)
	}
}
