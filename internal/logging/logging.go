package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Components derive their own loggers via
// log.With().Str("component", ...) so every line is attributable.
func New(level string, jsonFormat bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if jsonFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

// ErrorLimiter rate-limits error logging per key (caller identity) so a
// misbehaving client cannot amplify itself into a log flood. Errors past
// the per-window allowance are counted and summarized when the window
// rolls over.
type ErrorLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	maxPer   int
	counts   map[string]int
	dropped  map[string]int
	lastRoll time.Time
	log      zerolog.Logger
}

// NewErrorLimiter allows maxPerWindow error lines per key per window.
func NewErrorLimiter(log zerolog.Logger, window time.Duration, maxPerWindow int) *ErrorLimiter {
	return &ErrorLimiter{
		window:   window,
		maxPer:   maxPerWindow,
		counts:   make(map[string]int),
		dropped:  make(map[string]int),
		lastRoll: time.Now(),
		log:      log.With().Str("component", "errlimit").Logger(),
	}
}

// Allow reports whether an error for this key should be logged now.
func (l *ErrorLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastRoll) >= l.window {
		for k, n := range l.dropped {
			if n > 0 {
				l.log.Warn().Str("caller", k).Int("suppressed", n).Msg("suppressed error log lines in previous window")
			}
		}
		l.counts = make(map[string]int)
		l.dropped = make(map[string]int)
		l.lastRoll = now
	}

	if l.counts[key] >= l.maxPer {
		l.dropped[key]++
		return false
	}
	l.counts[key]++
	return true
}
