// Package resilience guards the tunnel backend with a circuit breaker so
// that repeated backend failures escalate instead of being retried forever.
package resilience

import "github.com/go-i2p/logger"

var log = logger.GetGoI2PLogger()
