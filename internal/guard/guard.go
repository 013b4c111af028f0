// Package guard protects streaming database reads with a combined
// timeout, row-count, and memory-delta limiter. Every multi-hop
// traversal runs under it.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/polkatrace/graph-engine/internal/metrics"
)

var (
	ErrConcurrentQuery = errors.New("CONCURRENT_QUERY")
	ErrRowLimit        = errors.New("ROW_LIMIT_EXCEEDED")
	ErrMemoryLimit     = errors.New("MEMORY_LIMIT_EXCEEDED")
	ErrTimeout         = errors.New("QUERY_TIMEOUT")
)

// Limits bounds one guarded query. Zero values take the guard defaults.
type Limits struct {
	Timeout        time.Duration
	MaxRows        int
	MaxMemoryBytes uint64
}

// memSampleEvery is how many rows pass between RSS samples. Sampling
// per row would dominate the query cost.
const memSampleEvery = 256

// RowFunc is invoked by the producer once per emitted row. A non-nil
// return means a limit fired and the producer must stop and propagate
// the error.
type RowFunc func() error

// Guard tracks in-flight query ids and enforces per-query limits.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	defaults Limits
	proc     *process.Process
	log      zerolog.Logger
	met      *metrics.Metrics
}

// New builds a Guard, filling any zero limit with its default:
// 5 s timeout, 10 000 rows, 100 MiB memory delta.
func New(defaults Limits, log zerolog.Logger, met *metrics.Metrics) *Guard {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 5 * time.Second
	}
	if defaults.MaxRows <= 0 {
		defaults.MaxRows = 10000
	}
	if defaults.MaxMemoryBytes == 0 {
		defaults.MaxMemoryBytes = 100 << 20
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Memory capping degrades to row/time capping only.
		log.Warn().Err(err).Msg("cannot attach to own process, memory cap disabled")
		proc = nil
	}
	return &Guard{
		inflight: make(map[string]struct{}),
		defaults: defaults,
		proc:     proc,
		log:      log.With().Str("component", "guard").Logger(),
		met:      met,
	}
}

func (g *Guard) acquire(queryID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[queryID]; busy {
		return fmt.Errorf("%w: query %q already in flight", ErrConcurrentQuery, queryID)
	}
	g.inflight[queryID] = struct{}{}
	return nil
}

func (g *Guard) release(queryID string) {
	g.mu.Lock()
	delete(g.inflight, queryID)
	g.mu.Unlock()
}

func (g *Guard) rss() uint64 {
	if g.proc == nil {
		return 0
	}
	info, err := g.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

func (g *Guard) abort(cause string) {
	if g.met != nil {
		g.met.GuardAborts.WithLabelValues(cause).Inc()
	}
}

// Run executes producer under the guard. The producer receives a
// derived context (cancelled on timeout or limit breach) and must call
// row() once per emitted row. The slot is released on every exit path,
// including producer panics.
func (g *Guard) Run(ctx context.Context, queryID string, limits Limits, producer func(ctx context.Context, row RowFunc) error) error {
	if limits.Timeout <= 0 {
		limits.Timeout = g.defaults.Timeout
	}
	if limits.MaxRows <= 0 {
		limits.MaxRows = g.defaults.MaxRows
	}
	if limits.MaxMemoryBytes == 0 {
		limits.MaxMemoryBytes = g.defaults.MaxMemoryBytes
	}

	if err := g.acquire(queryID); err != nil {
		g.abort("concurrent")
		return err
	}
	defer g.release(queryID)

	qctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	baseline := g.rss()
	rows := 0
	var limitErr error

	row := func() error {
		rows++
		if rows > limits.MaxRows {
			limitErr = fmt.Errorf("%w: query %q exceeded %d rows", ErrRowLimit, queryID, limits.MaxRows)
			cancel()
			return limitErr
		}
		if baseline > 0 && rows%memSampleEvery == 0 {
			if now := g.rss(); now > baseline && now-baseline > limits.MaxMemoryBytes {
				limitErr = fmt.Errorf("%w: query %q grew %d bytes", ErrMemoryLimit, queryID, now-baseline)
				cancel()
				return limitErr
			}
		}
		return qctx.Err()
	}

	start := time.Now()
	err := producer(qctx, row)

	switch {
	case limitErr != nil:
		cause := "rows"
		if errors.Is(limitErr, ErrMemoryLimit) {
			cause = "memory"
		}
		g.abort(cause)
		g.log.Warn().Str("query", queryID).Int("rows", rows).Dur("elapsed", time.Since(start)).Err(limitErr).Msg("query aborted by limit")
		return limitErr
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && errors.Is(qctx.Err(), context.DeadlineExceeded)):
		g.abort("timeout")
		g.log.Warn().Str("query", queryID).Int("rows", rows).Msg("query timed out")
		return fmt.Errorf("%w: query %q exceeded %s", ErrTimeout, queryID, limits.Timeout)
	default:
		return err
	}
}

// InFlight reports the current number of guarded queries.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
