package stage

import "time"

type clock interface {
	NewTimer(d time.Duration) timer
}

type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

func (realClock) NewTimer(d time.Duration) timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// retryTimer is the single scheduled wake-up of a stage. A nil channel is
// returned while disarmed so the loop's select simply ignores it.
type retryTimer struct {
	clock clock
	t     timer
}

func (r *retryTimer) arm(d time.Duration) {
	r.disarm()
	r.t = r.clock.NewTimer(d)
}

func (r *retryTimer) disarm() {
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
}

// fired must be called after a receive on C.
func (r *retryTimer) fired() { r.t = nil }

func (r *retryTimer) armed() bool { return r.t != nil }

func (r *retryTimer) C() <-chan time.Time {
	if r.t == nil {
		return nil
	}
	return r.t.C()
}
