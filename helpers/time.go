package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// UnixMilli is milliseconds since epoch, never negative.
func UnixMilli(t time.Time) uint64 {
	ms := t.UnixNano() / int64(time.Millisecond)
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
