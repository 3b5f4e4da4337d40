package controller

import (
	"github.com/go-i2p/hopguard/lib/backend"
	"github.com/go-i2p/hopguard/lib/metrics"
)

// getStatus queues cb. At most one backend query is in flight; its answer
// is delivered to every queued callback.
func (c *Controller) getStatus(cb func(backend.Status)) {
	if c.state != StateOn && c.state != StateConfirming {
		cb(backend.Status{})
		return
	}

	c.statusCallbacks = append(c.statusCallbacks, cb)
	if c.statusToken != 0 {
		return
	}

	c.statusSeq++
	c.statusToken = c.statusSeq
	metrics.StatusQueries.Inc()
	if err := c.backend.RequestStatus(c.ctx, c.statusToken); err != nil {
		c.logger.Debug("status request rejected", "error", err)
		c.statusAnswered(c.statusToken, backend.Status{})
	}
}

// statusAnswered closes the query tagged token and answers the queue. An
// answer for any other token is ignored.
func (c *Controller) statusAnswered(token uint64, st backend.Status) {
	if token == 0 || token != c.statusToken {
		return
	}
	c.statusToken = 0
	c.answerStatus(st)
}

// answerStatus runs every queued callback with st. The outstanding query,
// if any, stays open so no second one is issued before it is answered.
func (c *Controller) answerStatus(st backend.Status) {
	cbs := c.statusCallbacks
	c.statusCallbacks = nil
	for _, cb := range cbs {
		cb(st)
	}
}
