package checker

import (
	"net/url"
	"strings"
	"sync"
)

// HostLimiter caps how many probes may target the same host at once.
// Acquire waits for a slot; probes are never dropped.
type HostLimiter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	max    int
	active map[string]int
}

// NewHostLimiter creates a limiter allowing perHost concurrent probes per host.
func NewHostLimiter(perHost int) *HostLimiter {
	if perHost < 1 {
		perHost = 1
	}
	hl := &HostLimiter{max: perHost, active: make(map[string]int)}
	hl.cond = sync.NewCond(&hl.mu)
	return hl
}

// Acquire waits for a free slot on host.
func (hl *HostLimiter) Acquire(host string) {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	for hl.active[host] >= hl.max {
		hl.cond.Wait()
	}
	hl.active[host]++
}

// Release frees a slot taken by Acquire.
func (hl *HostLimiter) Release(host string) {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	if hl.active[host] <= 1 {
		delete(hl.active, host)
	} else {
		hl.active[host]--
	}
	hl.cond.Broadcast()
}

// hostKey extracts the lowercase host of a monitor URL; unparsable URLs share
// the empty key.
func hostKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
