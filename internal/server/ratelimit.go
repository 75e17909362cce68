package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// frameLimiter hands out one token bucket per scan session
type frameLimiter struct {
	bucket    map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
	mutex     sync.Mutex
}

func newFrameLimiter(framesPerSecond float64, burstSize int) *frameLimiter {
	if burstSize < 1 {
		burstSize = 1
	}
	return &frameLimiter{
		bucket:    make(map[string]*rate.Limiter),
		rate:      rate.Limit(framesPerSecond),
		burstSize: burstSize,
	}
}

// allow reports whether a frame for session may be buffered now
func (f *frameLimiter) allow(session string) bool {
	f.mutex.Lock()
	limiter, ok := f.bucket[session]
	if !ok {
		limiter = rate.NewLimiter(f.rate, f.burstSize)
		f.bucket[session] = limiter
	}
	f.mutex.Unlock()

	return limiter.Allow()
}

func (f *frameLimiter) forget(session string) {
	f.mutex.Lock()
	delete(f.bucket, session)
	f.mutex.Unlock()
}
