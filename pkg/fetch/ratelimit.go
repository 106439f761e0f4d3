package fetch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// domainSlot serializes callers for one domain. lock is a 1-buffered channel so
// waiting can be abandoned on context cancellation.
type domainSlot struct {
	lock chan struct{}
	last time.Time // guarded by lock
}

// RateLimiter enforces a minimum interval between requests to the same domain.
// State lives only for the process lifetime.
type RateLimiter struct {
	slots       map[string]*domainSlot
	mu          sync.Mutex // Protects slots
	minInterval time.Duration
	jitter      bool // Adds up to +10% to each wait
	log         *logrus.Entry
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(minInterval time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		slots:       make(map[string]*domainSlot),
		minInterval: minInterval,
		jitter:      true,
		log:         log,
	}
}

func (rl *RateLimiter) slot(domain string) *domainSlot {
	domain = strings.ToLower(domain)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.slots[domain]
	if !ok {
		s = &domainSlot{lock: make(chan struct{}, 1)}
		rl.slots[domain] = s
	}
	return s
}

// WaitForDomain blocks until at least minInterval has passed since the last
// request to domain, then records now as that domain's last request time.
// Calls for the same domain serialize; different domains proceed independently.
func (rl *RateLimiter) WaitForDomain(ctx context.Context, domain string) error {
	s := rl.slot(domain)

	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.lock }()

	if !s.last.IsZero() && rl.minInterval > 0 {
		wait := rl.minInterval - time.Since(s.last)
		if wait > 0 {
			if rl.jitter {
				if extra := int64(wait) / 10; extra > 0 {
					wait += time.Duration(rand.Int63n(extra))
				}
			}
			rl.log.WithFields(logrus.Fields{"domain": domain, "sleep": wait}).Debug("Rate limit applying sleep")
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	s.last = time.Now()
	return nil
}
