package stream

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded は投入回数が上限を超えたことを表します。
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter は呼び出し元ごとの1分あたりの投入回数を制限します。
type RateLimiter struct {
	mu sync.Mutex

	maxPerMinute int
	windows      map[string]*submissionWindow
	now          func() time.Time
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter は RateLimiter を作成します。maxPerMinute が 0 以下なら制限しません。
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxPerMinute: maxPerMinute,
		windows:      make(map[string]*submissionWindow),
		now:          time.Now,
	}
}

// Allow は key の投入を1回数え、上限を超えていれば ErrRateLimitExceeded を返します。
func (rl *RateLimiter) Allow(key string) error {
	if rl == nil || rl.maxPerMinute <= 0 {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	window, exists := rl.windows[key]
	if !exists || now.After(window.windowEnd) {
		rl.windows[key] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(time.Minute),
		}
		rl.evictExpired(now)
		return nil
	}

	if window.count >= rl.maxPerMinute {
		return ErrRateLimitExceeded
	}
	window.count++
	return nil
}

func (rl *RateLimiter) evictExpired(now time.Time) {
	for key, window := range rl.windows {
		if now.After(window.windowEnd) {
			delete(rl.windows, key)
		}
	}
}
