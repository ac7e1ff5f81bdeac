package billing

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Retry tuning defaults. With the default base delay the reconnect attempts
// wait 1s, 2s, 4s and 8s before the budget runs out.
const (
	DefaultRetryBaseDelay    = 500 * time.Millisecond
	DefaultDeferredTaskDelay = 3 * time.Second
	DefaultMaxRetry          = 5
)

// RetryConfig tunes a RetryScheduler. Zero fields fall back to defaults.
type RetryConfig struct {
	BaseDelay time.Duration
	TaskDelay time.Duration
	MaxRetry  int64
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryBaseDelay
	}
	if cfg.TaskDelay <= 0 {
		cfg.TaskDelay = DefaultDeferredTaskDelay
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = DefaultMaxRetry
	}
	return cfg
}

// RetryScheduler spaces reconnect attempts with bounded exponential backoff
// and defers service requests until a connection attempt has had time to
// settle. The attempt counter is touched from multiple goroutines, so all
// mutation goes through compare-and-swap.
type RetryScheduler struct {
	cfg      RetryConfig
	attempts atomic.Int64

	// exec delivers scheduled work onto the controller's serialized event
	// loop; afterFunc is swapped out in tests to avoid real timers.
	exec      func(func())
	afterFunc func(time.Duration, func()) *time.Timer

	logger zerolog.Logger
}

// NewRetryScheduler returns a scheduler delivering timer completions through
// exec. A nil exec runs work inline on the timer goroutine.
func NewRetryScheduler(cfg RetryConfig, exec func(func()), logger zerolog.Logger) *RetryScheduler {
	if exec == nil {
		exec = func(fn func()) { fn() }
	}
	r := &RetryScheduler{
		cfg:       cfg.withDefaults(),
		exec:      exec,
		afterFunc: time.AfterFunc,
		logger:    logger,
	}
	r.attempts.Store(1)
	return r
}

// Attempt returns the current attempt counter: 1 after a successful
// connection, growing by one per scheduled reconnect.
func (r *RetryScheduler) Attempt() int64 {
	return r.attempts.Load()
}

// Reset returns the counter to 1. Called on connection success.
func (r *RetryScheduler) Reset() {
	r.attempts.Store(1)
}

// delayFor computes 2^attempt times the base delay.
func (r *RetryScheduler) delayFor(attempt int64) time.Duration {
	return time.Duration(1<<uint(attempt)) * r.cfg.BaseDelay
}

// ScheduleReconnect arranges for connect to run once after the backoff delay
// for the current attempt and advances the counter. Once the budget is spent
// it reports false and schedules nothing more; recovery from that point
// needs an external trigger, not an error path.
func (r *RetryScheduler) ScheduleReconnect(connect func()) bool {
	for {
		n := r.attempts.Load()
		if n >= r.cfg.MaxRetry {
			r.logger.Debug().Int64("attempt", n).Msg("Reconnect budget exhausted, giving up")
			if exhaustedMetricHook != nil {
				exhaustedMetricHook()
			}
			return false
		}
		if !r.attempts.CompareAndSwap(n, n+1) {
			continue
		}
		delay := r.delayFor(n)
		r.logger.Debug().Int64("attempt", n).Dur("delay", delay).Msg("Scheduling reconnect")
		if reconnectMetricHook != nil {
			reconnectMetricHook(n, delay)
		}
		r.afterFunc(delay, func() {
			r.exec(connect)
		})
		return true
	}
}

// RunDeferred runs task immediately when the connection is ready. Otherwise
// it initiates connect and runs task after the fixed task delay, whether or
// not the connection came up in the meantime.
func (r *RetryScheduler) RunDeferred(ready bool, connect, task func()) {
	if ready {
		task()
		return
	}
	connect()
	r.afterFunc(r.cfg.TaskDelay, func() {
		r.exec(task)
	})
}
