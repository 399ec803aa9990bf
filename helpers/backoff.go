package helpers

import (
	"sync/atomic"
	"time"

	"github.com/temoto/rtcm-streamer/helpers/atomic_clock"
)

// Limited exponential backoff for retry delays.
// First delay is Min, Failure() multiplies next delay by K up to Max.
// Safe for concurrent use.
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
//
//	for {
//		time.Sleep(backoff.DelayBefore())
//		err := op()
//		backoff.Update(err == nil)
//	}
//
// Zero delay means "go ahead": no failures yet or enough time passed since last one.
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Next returns delay that DelayBefore would report right after a failure.
func (b *Backoff) Next() time.Duration {
	return b.limit(time.Duration(atomic.LoadInt64(&b.next)))
}

// Increase next delay
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else {
		next = time.Duration(float32(next) * b.K)
	}
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

// Reset forgets failures, next DelayBefore returns 0.
func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
