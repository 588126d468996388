package opcua

import "time"

// TimerCallback runs in the notification loop when a timer comes due,
// serialized with monitored-item callbacks.
type TimerCallback func()

// ClientTimer is a periodic callback driven by the client's notification
// loop. It never fires concurrently with data-change or event callbacks.
type ClientTimer struct {
	cli       *Client
	period    time.Duration
	cb        TimerCallback
	next      time.Time
	cancelled bool
}

// NewClientTimer registers a timer firing roughly every period, starting
// one period from now. The first Spin or SpinOnce after the deadline runs
// the callback.
func NewClientTimer(c *Client, period time.Duration, cb TimerCallback) *ClientTimer {
	t := &ClientTimer{cli: c, period: period, cb: cb, next: time.Now().Add(period)}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// Cancel stops the timer. The callback never runs after Cancel returns on
// the loop goroutine; Cancel is idempotent and safe from inside callbacks.
func (t *ClientTimer) Cancel() {
	if t == nil || t.cli == nil {
		return
	}
	c := t.cli
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
}

// fireTimers runs every due timer on the calling goroutine. Late rounds
// fire a timer once, not once per missed period.
func (c *Client) fireTimers() {
	now := time.Now()
	c.mu.Lock()
	due := make([]*ClientTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.cancelled && !now.Before(t.next) {
			due = append(due, t)
			t.next = now.Add(t.period)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		c.mu.Lock()
		cancelled := t.cancelled
		c.mu.Unlock()
		if !cancelled {
			t.cb()
		}
	}
}
