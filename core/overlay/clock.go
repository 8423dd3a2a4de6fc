package overlay

import "time"

// Clock supplies the time recorded on events that carry no caller-provided
// instant.
type Clock interface {
	NowEpochMS() int64
}

type SystemClock struct{}

func (SystemClock) NowEpochMS() int64 {
	return time.Now().UnixMilli()
}

// FixedClock always returns the same instant.
type FixedClock int64

func (c FixedClock) NowEpochMS() int64 {
	return int64(c)
}
