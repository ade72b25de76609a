package matcher

import "time"

// Timer is the handle of a scheduled continuation.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Ring waits go through it so no goroutine
// sits blocked for the whole expansion wait.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
