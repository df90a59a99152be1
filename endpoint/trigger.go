package endpoint

import (
	"sync"
	"time"
)

// TriggerContext carries the timings of the previous execution
type TriggerContext struct {
	LastScheduled       time.Time
	LastActualExecution time.Time
	LastCompletion      time.Time
}

// Trigger computes when a scheduled task runs next. A zero time ends the schedule.
type Trigger interface {
	NextExecution(last TriggerContext) time.Time
}

// TriggerFunc is a function adapter for Trigger
type TriggerFunc func(last TriggerContext) time.Time

// NextExecution implements Trigger
func (f TriggerFunc) NextExecution(last TriggerContext) time.Time {
	return f(last)
}

// PeriodicTrigger fires with a fixed delay between the end of one execution
// and the start of the next, or at a fixed rate
type PeriodicTrigger struct {
	period       time.Duration
	initialDelay time.Duration
	fixedRate    bool
	now          func() time.Time
}

// PeriodicTriggerOption configures a PeriodicTrigger
type PeriodicTriggerOption func(*PeriodicTrigger)

// WithFixedRate measures the period between execution starts
func WithFixedRate() PeriodicTriggerOption {
	return func(t *PeriodicTrigger) {
		t.fixedRate = true
	}
}

// WithInitialDelay delays the first execution
func WithInitialDelay(delay time.Duration) PeriodicTriggerOption {
	return func(t *PeriodicTrigger) {
		t.initialDelay = delay
	}
}

// NewPeriodicTrigger creates a fixed delay trigger with the given period
func NewPeriodicTrigger(period time.Duration, options ...PeriodicTriggerOption) *PeriodicTrigger {
	t := &PeriodicTrigger{
		period: period,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// NextExecution implements Trigger
func (t *PeriodicTrigger) NextExecution(last TriggerContext) time.Time {
	if last.LastScheduled.IsZero() {
		return t.now().Add(t.initialDelay)
	}
	if t.fixedRate {
		return last.LastScheduled.Add(t.period)
	}
	return last.LastCompletion.Add(t.period)
}

// Period returns the trigger period
func (t *PeriodicTrigger) Period() time.Duration {
	return t.period
}

// IsFixedRate reports whether the trigger runs at a fixed rate
func (t *PeriodicTrigger) IsFixedRate() bool {
	return t.fixedRate
}

// OnceTrigger fires a single time after an optional delay
type OnceTrigger struct {
	mu    sync.Mutex
	delay time.Duration
	fired bool
}

// NewOnceTrigger creates a trigger firing once after delay
func NewOnceTrigger(delay time.Duration) *OnceTrigger {
	return &OnceTrigger{delay: delay}
}

// NextExecution implements Trigger
func (t *OnceTrigger) NextExecution(last TriggerContext) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || !last.LastScheduled.IsZero() {
		return time.Time{}
	}
	t.fired = true
	return time.Now().Add(t.delay)
}
