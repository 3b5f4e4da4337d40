package resilience

import "github.com/go-i2p/hopguard/lib/metrics"

var (
	circuitState = metrics.NewStateSet(
		"hopguard_backend_circuit_state",
		"Current state of the backend circuit breaker",
		"state", "closed", "open", "half-open",
	)
	circuitTrips = metrics.NewCounter(
		"hopguard_backend_circuit_trips_total",
		"Total number of times the backend circuit opened",
	)
	circuitRejections = metrics.NewCounter(
		"hopguard_backend_circuit_rejections_total",
		"Total backend requests rejected by the open circuit",
	)
)
