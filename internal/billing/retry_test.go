package billing

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock captures afterFunc calls so tests fire timers deterministically.
type fakeClock struct {
	scheduled []scheduledCall
}

type scheduledCall struct {
	delay time.Duration
	fn    func()
}

func (f *fakeClock) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.scheduled = append(f.scheduled, scheduledCall{delay: d, fn: fn})
	return nil
}

func (f *fakeClock) fireAll() {
	pending := f.scheduled
	f.scheduled = nil
	for _, call := range pending {
		call.fn()
	}
}

func newTestScheduler(cfg RetryConfig, exec func(func())) (*RetryScheduler, *fakeClock) {
	clock := &fakeClock{}
	r := NewRetryScheduler(cfg, exec, zerolog.Nop())
	r.afterFunc = clock.afterFunc
	return r, clock
}

func TestRetryScheduler_DelayDoubles(t *testing.T) {
	r, _ := newTestScheduler(RetryConfig{BaseDelay: 500 * time.Millisecond}, nil)

	tests := []struct {
		name    string
		attempt int64
		want    time.Duration
	}{
		{name: "first reconnect", attempt: 1, want: 1 * time.Second},
		{name: "second reconnect", attempt: 2, want: 2 * time.Second},
		{name: "third reconnect", attempt: 3, want: 4 * time.Second},
		{name: "fourth reconnect", attempt: 4, want: 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.delayFor(tt.attempt); got != tt.want {
				t.Errorf("delayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryScheduler_BudgetAllowsExactlyFourReconnects(t *testing.T) {
	r, clock := newTestScheduler(RetryConfig{BaseDelay: 500 * time.Millisecond, MaxRetry: 5}, nil)

	scheduled := 0
	for i := 0; i < 8; i++ {
		if r.ScheduleReconnect(func() {}) {
			scheduled++
		}
	}

	if scheduled != 4 {
		t.Errorf("scheduled %d reconnects, want 4", scheduled)
	}
	if got := r.Attempt(); got != 5 {
		t.Errorf("Attempt() = %d, want 5", got)
	}

	wantDelays := []time.Duration{
		1 * time.Second, // attempt 1
		2 * time.Second, // attempt 2
		4 * time.Second, // attempt 3
		8 * time.Second, // attempt 4
	}
	if len(clock.scheduled) != len(wantDelays) {
		t.Fatalf("timer count = %d, want %d", len(clock.scheduled), len(wantDelays))
	}
	for i, want := range wantDelays {
		if clock.scheduled[i].delay != want {
			t.Errorf("reconnect %d delay = %v, want %v", i+1, clock.scheduled[i].delay, want)
		}
	}
}

func TestRetryScheduler_CounterAdvancesAtScheduleTime(t *testing.T) {
	r, _ := newTestScheduler(RetryConfig{}, nil)

	r.Reset()
	if got := r.Attempt(); got != 1 {
		t.Fatalf("Attempt() after Reset = %d, want 1", got)
	}

	// The counter moves when the reconnect is scheduled, before the timer
	// fires, so a disconnect right after a successful connection already
	// shows an attempt count above the post-reset value.
	r.ScheduleReconnect(func() {})
	if got := r.Attempt(); got <= 1 {
		t.Errorf("Attempt() after disconnect = %d, want > 1", got)
	}
}

func TestRetryScheduler_ResetRestartsLadder(t *testing.T) {
	r, clock := newTestScheduler(RetryConfig{BaseDelay: 500 * time.Millisecond, MaxRetry: 5}, nil)

	for i := 0; i < 4; i++ {
		r.ScheduleReconnect(func() {})
	}
	if r.ScheduleReconnect(func() {}) {
		t.Fatal("ScheduleReconnect succeeded past the budget")
	}

	r.Reset()
	clock.scheduled = nil

	if !r.ScheduleReconnect(func() {}) {
		t.Fatal("ScheduleReconnect failed after Reset")
	}
	if len(clock.scheduled) != 1 || clock.scheduled[0].delay != 1*time.Second {
		t.Errorf("first delay after Reset = %v, want 1s", clock.scheduled[0].delay)
	}
}

func TestRetryScheduler_ReconnectRunsThroughExec(t *testing.T) {
	var order []string
	exec := func(fn func()) {
		order = append(order, "exec")
		fn()
	}
	r, clock := newTestScheduler(RetryConfig{}, exec)

	r.ScheduleReconnect(func() {
		order = append(order, "connect")
	})
	if len(order) != 0 {
		t.Fatalf("connect ran before the timer fired: %v", order)
	}

	clock.fireAll()
	want := []string{"exec", "connect"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("execution order = %v, want %v", order, want)
	}
}

func TestRetryScheduler_RunDeferredWhenReady(t *testing.T) {
	r, clock := newTestScheduler(RetryConfig{}, nil)

	connects, tasks := 0, 0
	r.RunDeferred(true, func() { connects++ }, func() { tasks++ })

	if tasks != 1 {
		t.Errorf("task ran %d times, want 1", tasks)
	}
	if connects != 0 {
		t.Errorf("connect ran %d times, want 0", connects)
	}
	if len(clock.scheduled) != 0 {
		t.Errorf("scheduled %d timers, want 0", len(clock.scheduled))
	}
}

func TestRetryScheduler_RunDeferredWhenNotReady(t *testing.T) {
	r, clock := newTestScheduler(RetryConfig{TaskDelay: 3 * time.Second}, nil)

	connects, tasks := 0, 0
	r.RunDeferred(false, func() { connects++ }, func() { tasks++ })

	if connects != 1 {
		t.Fatalf("connect ran %d times, want 1", connects)
	}
	if tasks != 0 {
		t.Fatal("task ran before the fixed delay elapsed")
	}
	if len(clock.scheduled) != 1 || clock.scheduled[0].delay != 3*time.Second {
		t.Fatalf("scheduled = %+v, want one 3s timer", clock.scheduled)
	}

	// The task fires after the fixed delay even without a connection
	// confirmation in between.
	clock.fireAll()
	if tasks != 1 {
		t.Errorf("task ran %d times after delay, want 1", tasks)
	}
}

func TestRetryScheduler_Defaults(t *testing.T) {
	r := NewRetryScheduler(RetryConfig{}, nil, zerolog.Nop())

	if r.cfg.BaseDelay != DefaultRetryBaseDelay {
		t.Errorf("BaseDelay = %v, want %v", r.cfg.BaseDelay, DefaultRetryBaseDelay)
	}
	if r.cfg.TaskDelay != DefaultDeferredTaskDelay {
		t.Errorf("TaskDelay = %v, want %v", r.cfg.TaskDelay, DefaultDeferredTaskDelay)
	}
	if r.cfg.MaxRetry != DefaultMaxRetry {
		t.Errorf("MaxRetry = %d, want %d", r.cfg.MaxRetry, DefaultMaxRetry)
	}
	if got := r.Attempt(); got != 1 {
		t.Errorf("initial Attempt() = %d, want 1", got)
	}
}
