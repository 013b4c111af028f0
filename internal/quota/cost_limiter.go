// Package quota implements the per-caller cost-based rate limiter.
// Each operation debits a fixed cost against a sliding-window budget;
// callers that exhaust the budget are refused with retry metadata.
package quota

import (
	"sync"
	"time"
)

// Operation costs in budget units. Graph assembly dominates because it
// fans out into traversals and upstream fetches.
const (
	CostGraphQuery    = 50
	CostPatterns      = 40
	CostPath          = 35
	CostMetrics       = 30
	CostExpand        = 25
	CostSave          = 20
	CostSearch        = 10
	CostRelationships = 10
	CostAccountFetch  = 5
	CostTransfers     = 5
)

const cleanupIdleWindows = 10

type admission struct {
	cost int
	at   time.Time
}

type callerWindow struct {
	mu         sync.Mutex
	admissions []admission
	lastSeen   time.Time
}

// Decision is the limiter's verdict, echoed into response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// CostLimiter holds one sliding window per caller identity.
type CostLimiter struct {
	window time.Duration
	budget int

	mu      sync.Mutex
	callers map[string]*callerWindow

	stop chan struct{}
}

// NewCostLimiter defaults to a 60 s window and 100 unit budget.
// A background loop evicts callers idle for several windows so
// transient identities cannot grow the map without bound.
func NewCostLimiter(window time.Duration, budget int) *CostLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	if budget <= 0 {
		budget = 100
	}
	l := &CostLimiter{
		window:  window,
		budget:  budget,
		callers: make(map[string]*callerWindow),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Close stops the eviction loop.
func (l *CostLimiter) Close() { close(l.stop) }

func (l *CostLimiter) caller(key string) *callerWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	cw, ok := l.callers[key]
	if !ok {
		cw = &callerWindow{}
		l.callers[key] = cw
	}
	return cw
}

// Charge expires stale admissions, then admits iff the remaining spend
// plus cost fits the budget. Admitted charges are recorded; refusals
// carry when the oldest admission rolls out of the window.
func (l *CostLimiter) Charge(key string, cost int) Decision {
	cw := l.caller(key)

	cw.mu.Lock()
	defer cw.mu.Unlock()

	now := time.Now()
	cw.lastSeen = now
	cutoff := now.Add(-l.window)

	kept := cw.admissions[:0]
	spent := 0
	for _, a := range cw.admissions {
		if a.at.After(cutoff) {
			kept = append(kept, a)
			spent += a.cost
		}
	}
	cw.admissions = kept

	d := Decision{Limit: l.budget, ResetAt: now.Add(l.window)}
	if len(cw.admissions) > 0 {
		d.ResetAt = cw.admissions[0].at.Add(l.window)
	}

	if spent+cost <= l.budget {
		cw.admissions = append(cw.admissions, admission{cost: cost, at: now})
		d.Allowed = true
		d.Remaining = l.budget - spent - cost
		return d
	}

	d.Remaining = l.budget - spent
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	// Wait until enough early admissions expire to fit this cost.
	freed := 0
	need := spent + cost - l.budget
	for _, a := range cw.admissions {
		freed += a.cost
		if freed >= need {
			d.RetryAfter = a.at.Add(l.window).Sub(now)
			break
		}
	}
	if d.RetryAfter <= 0 {
		d.RetryAfter = l.window
	}
	return d
}

// cleanupLoop evicts callers idle longer than several full windows.
func (l *CostLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(cleanupIdleWindows) * l.window)
			l.mu.Lock()
			for key, cw := range l.callers {
				cw.mu.Lock()
				idle := cw.lastSeen.Before(cutoff)
				cw.mu.Unlock()
				if idle {
					delete(l.callers, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
