package ratelimit

import "sync"

// IPMeter bounds concurrently-open connections per remote IP (§4.3). The
// map key is removed once its count reaches zero so memory is bounded by
// currently-active IPs, not by every IP ever seen. Grounded on
// keniprimo-SecretR00M's per-IP visitor map, generalized from a
// golang.org/x/time/rate limiter to a raw ceiling counter since the spec
// wants an exact try_inc/dec contract, not a leaky bucket.
type IPMeter struct {
	mu       sync.Mutex
	counts   map[string]int
	maxPerIP int
}

// NewIPMeter builds a meter enforcing maxPerIP concurrent connections per IP.
func NewIPMeter(maxPerIP int) *IPMeter {
	return &IPMeter{
		counts:   make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

// TryInc admits one more connection from ip, returning false (and not
// mutating state) if ip is already at the ceiling.
func (m *IPMeter) TryInc(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counts[ip] >= m.maxPerIP {
		return false
	}
	m.counts[ip]++
	return true
}

// Dec releases one connection slot for ip, deleting the key once the
// count reaches zero. Calling Dec for an ip with no tracked connections
// is a no-op.
func (m *IPMeter) Dec(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counts[ip]
	if !ok {
		return
	}
	if c <= 1 {
		delete(m.counts, ip)
		return
	}
	m.counts[ip] = c - 1
}

// Count returns the current tracked connection count for ip (0 if untracked).
func (m *IPMeter) Count(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[ip]
}

// TrackedIPs returns the number of distinct IPs currently tracked, for tests
// and memory-pressure diagnostics.
func (m *IPMeter) TrackedIPs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}

// GlobalMeter is a process-wide ceiling on concurrently-open connections.
type GlobalMeter struct {
	mu    sync.Mutex
	count int
	max   int
}

// NewGlobalMeter builds a meter enforcing max concurrent connections.
func NewGlobalMeter(max int) *GlobalMeter {
	return &GlobalMeter{max: max}
}

// TryInc admits one more connection, returning false if already at the ceiling.
func (m *GlobalMeter) TryInc() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count >= m.max {
		return false
	}
	m.count++
	return true
}

// Dec releases one connection slot.
func (m *GlobalMeter) Dec() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count > 0 {
		m.count--
	}
}

// Count returns the current global connection count.
func (m *GlobalMeter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
