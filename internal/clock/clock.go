package clock

import "time"

// Clock is the wall-clock source used to derive billable minute indexes.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
