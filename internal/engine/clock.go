package engine

import "time"

// Clock supplies the time base for retransmission deadlines. The scheduler
// checks deadlines against it on every service round, so tests can drive
// retransmission deterministically with a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock time base used outside tests.
func SystemClock() Clock { return systemClock{} }
