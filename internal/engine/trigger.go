package engine

// Trigger is the advancement signal receivers poke after recording a
// completion, so the scheduler loop can run a tick without waiting for the
// next interval. The buffered channel coalesces bursts of notifications
// into one pending tick.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger creates a trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Notify requests a tick soon. Never blocks; redundant notifications
// coalesce.
func (t *Trigger) Notify() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C returns the channel the scheduler loop selects on.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}
