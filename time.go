package opengse

import (
	"time"

	"github.com/newacorn/goutils/unsafefn"
)

// Deadlines inside the engine are absolute monotonic nanoseconds.

var (
	startTimeUTC      = time.Now().UTC()
	startAbsoluteNano = unsafefn.NanoTime()
)

func absoluteNano() int64 {
	return unsafefn.NanoTime()
}

func absoluteToUTC(n int64) time.Time {
	return startTimeUTC.Add(time.Duration(n - startAbsoluteNano))
}

func absoluteToLocal(n int64) time.Time {
	return absoluteToUTC(n).Local()
}

// untilMillis converts a deadline to an epoll timeout, rounding up so that
// the poller never wakes before the deadline has passed.
func untilMillis(deadline, now int64) int {
	d := deadline - now
	if d <= 0 {
		return 0
	}
	ms := (d + int64(time.Millisecond) - 1) / int64(time.Millisecond)
	if ms > int64(maxPollMillis) {
		return maxPollMillis
	}
	return int(ms)
}

const maxPollMillis = 1 << 30
