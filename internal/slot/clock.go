package slot

import "time"

// Clock abstracts wall-clock time so slot boundaries can be tested without
// sleeping. Production code uses realClock; tests supply a fake.
type Clock interface {
	NowMS() int64
}

type realClock struct{}

func (realClock) NowMS() int64 { return time.Now().UnixMilli() }

// RealClock is the production Clock.
var RealClock Clock = realClock{}
