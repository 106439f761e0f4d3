package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type domainEntry struct {
	sem         *semaphore.Weighted
	activeCount int64     // held + waiting permits
	lastRelease time.Time // zero if never released
}

// HostSemaphorePool bounds how many crawl workers may work on one domain at a
// time. With a limit of 1 each domain is crawled by a single worker, while the
// worker pool as a whole spreads across domains.
type HostSemaphorePool struct {
	entries map[string]*domainEntry
	mu      sync.Mutex
	limit   int64
	log     *logrus.Entry
}

// NewHostSemaphorePool creates a pool with the given per-domain limit
func NewHostSemaphorePool(perDomain int, log *logrus.Entry) *HostSemaphorePool {
	limit := int64(perDomain)
	if limit <= 0 {
		limit = 1
	}
	return &HostSemaphorePool{
		entries: make(map[string]*domainEntry),
		limit:   limit,
		log:     log,
	}
}

// Acquire blocks until a permit for domain is available or ctx is done
func (p *HostSemaphorePool) Acquire(ctx context.Context, domain string) error {
	domain = strings.ToLower(domain)
	p.mu.Lock()
	entry, exists := p.entries[domain]
	if !exists {
		entry = &domainEntry{sem: semaphore.NewWeighted(p.limit)}
		p.entries[domain] = entry
	}
	entry.activeCount++
	p.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		entry.activeCount--
		p.mu.Unlock()
		return err
	}
	return nil
}

// Release returns a permit taken by Acquire
func (p *HostSemaphorePool) Release(domain string) {
	domain = strings.ToLower(domain)
	p.mu.Lock()
	entry, exists := p.entries[domain]
	if !exists {
		p.mu.Unlock()
		p.log.Errorf("hostsemaphore: Release called for unknown domain: %s", domain)
		return
	}
	entry.activeCount--
	entry.lastRelease = time.Now()
	p.mu.Unlock()

	entry.sem.Release(1)
}

// With runs fn while holding a permit for domain
func (p *HostSemaphorePool) With(ctx context.Context, domain string, fn func() error) error {
	if err := p.Acquire(ctx, domain); err != nil {
		return err
	}
	defer p.Release(domain)
	return fn()
}

// RunEviction periodically drops idle domain entries. Should be run in a goroutine.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (p *HostSemaphorePool) evictIdle(maxIdle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for domain, entry := range p.entries {
		if entry.activeCount == 0 && !entry.lastRelease.IsZero() && now.Sub(entry.lastRelease) >= maxIdle {
			delete(p.entries, domain)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Evicted %d idle domain semaphores, %d remain", evicted, len(p.entries))
	}
}

// Len returns the number of tracked domains
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
