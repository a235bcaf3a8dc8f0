package presence

import (
	"time"

	"github.com/campusnet/chatsync/internal/loop"
	"golang.org/x/time/rate"
)

// Outbound coalesces local keystrokes into set_typing signals. The first
// keystroke announces typing, a steady stream re-arms one idle timer, and
// the idle timer announces the stop. While typing continues the remote is
// refreshed at most once per refresh interval.
type Outbound struct {
	sched   loop.Scheduler
	idle    time.Duration
	limiter *rate.Limiter
	send    func(active bool)

	active bool
	timer  loop.Timer
	gen    uint64
}

// NewOutbound creates a debouncer. A refresh of zero disables refreshes.
func NewOutbound(sched loop.Scheduler, idle, refresh time.Duration, send func(active bool)) *Outbound {
	if idle <= 0 {
		idle = DefaultTimeout
	}
	o := &Outbound{sched: sched, idle: idle, send: send}
	if refresh > 0 {
		o.limiter = rate.NewLimiter(rate.Every(refresh), 1)
	}
	return o
}

// Input records one input change.
func (o *Outbound) Input() {
	now := o.sched.Now()
	switch {
	case !o.active:
		o.active = true
		if o.limiter != nil {
			o.limiter.AllowN(now, 1)
		}
		o.send(true)
	case o.limiter != nil && o.limiter.AllowN(now, 1):
		o.send(true)
	}
	o.arm()
}

func (o *Outbound) arm() {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.gen++
	gen := o.gen
	o.timer = o.sched.AfterFunc(o.idle, func() {
		if gen != o.gen || !o.active {
			return
		}
		o.timer = nil
		o.active = false
		o.send(false)
	})
}

// Stop ends the typing run now, e.g. because the message was sent.
func (o *Outbound) Stop() {
	wasActive := o.active
	o.Cancel()
	if wasActive {
		o.send(false)
	}
}

// Cancel drops the run without telling the remote. Used on navigation,
// where the channel is torn down anyway.
func (o *Outbound) Cancel() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.gen++
	o.active = false
}

// Active reports whether a typing run is in progress.
func (o *Outbound) Active() bool { return o.active }
