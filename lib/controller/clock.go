package controller

import "time"

// Clock is the controller's time source.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f on its own goroutine after d and returns a function
	// that cancels the call.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
