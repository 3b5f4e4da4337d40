package controller

import "time"

// timer is one armed AfterFunc. seq identifies the arming so a firing that
// raced with disarm is ignored.
type timer struct {
	stop func() bool
	seq  uint64
}

// arm schedules fire on the loop after d. The firing is dropped if the
// timer was disarmed or re-armed, or if the generation changed meanwhile.
func (c *Controller) arm(t *timer, d time.Duration, fire func()) {
	c.disarm(t)

	c.timerSeq++
	seq, gen := c.timerSeq, c.generation
	t.seq = seq
	t.stop = c.clock.AfterFunc(d, func() {
		c.post(func() {
			if t.seq != seq || c.generation != gen {
				return
			}
			t.seq, t.stop = 0, nil
			fire()
		})
	})
}

func (c *Controller) disarm(t *timer) {
	if t.stop != nil {
		t.stop()
	}
	t.stop, t.seq = nil, 0
}

// disarmAttempt stops the timers bound to an activation attempt.
func (c *Controller) disarmAttempt() {
	c.disarm(&c.connecting)
	c.disarm(&c.handshake)
	c.disarm(&c.retryDelay)
}

func (c *Controller) disarmAll() {
	c.disarmAttempt()
	c.disarm(&c.tick)
	c.disarm(&c.confirmHint)
}

func (c *Controller) startTicker() {
	c.arm(&c.tick, c.cfg.TickInterval, func() {
		if c.state != StateOn {
			return
		}
		c.emit(Event{Type: EventTimeChanged, Elapsed: c.clock.Now().Sub(c.connectedAt)})
		c.startTicker()
	})
}
