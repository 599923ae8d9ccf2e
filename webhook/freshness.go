package webhook

import (
	"time"

	"github.com/jmcleod/trustgate/verdict"
)

// CheckFreshness rejects a Unix timestamp older than tolerance or further
// than skew ahead of now. Distances are taken as unsigned differences, so
// no timestamp can wrap around into the window.
func CheckFreshness(now time.Time, ts int64, tolerance, skew time.Duration) error {
	nowUnix := now.Unix()
	if ts <= nowUnix {
		if age := uint64(nowUnix) - uint64(ts); age > wholeSeconds(tolerance) {
			return verdict.Rejectf(verdict.TooOld, "timestamp is %ds old, tolerance is %s", age, tolerance)
		}
		return nil
	}
	if ahead := uint64(ts) - uint64(nowUnix); ahead > wholeSeconds(skew) {
		return verdict.Rejectf(verdict.FutureTimestamp, "timestamp is %ds ahead, allowed skew is %s", ahead, skew)
	}
	return nil
}

func wholeSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}
