package ratelimit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// I5: concurrently-open admitted connections per IP never exceed max_per_ip.
func TestIPMeter_TryInc_ExactCeiling(t *testing.T) {
	m := NewIPMeter(3)

	assert.True(t, m.TryInc("1.2.3.4"))
	assert.True(t, m.TryInc("1.2.3.4"))
	assert.True(t, m.TryInc("1.2.3.4"))
	assert.False(t, m.TryInc("1.2.3.4"))
	assert.Equal(t, 3, m.Count("1.2.3.4"))
}

func TestIPMeter_RejectDoesNotConsumeSlot(t *testing.T) {
	m := NewIPMeter(1)
	assert.True(t, m.TryInc("1.2.3.4"))
	assert.False(t, m.TryInc("1.2.3.4"))
	assert.Equal(t, 1, m.Count("1.2.3.4"))
}

// I6: dec removes the key once the count reaches zero, bounding memory.
func TestIPMeter_DecRemovesKeyAtZero(t *testing.T) {
	m := NewIPMeter(5)
	m.TryInc("1.2.3.4")
	m.TryInc("1.2.3.4")
	assert.Equal(t, 1, m.TrackedIPs())

	m.Dec("1.2.3.4")
	assert.Equal(t, 1, m.Count("1.2.3.4"))
	assert.Equal(t, 1, m.TrackedIPs())

	m.Dec("1.2.3.4")
	assert.Equal(t, 0, m.Count("1.2.3.4"))
	assert.Equal(t, 0, m.TrackedIPs())
}

func TestIPMeter_DecOnUntrackedIsNoop(t *testing.T) {
	m := NewIPMeter(5)
	m.Dec("never-seen")
	assert.Equal(t, 0, m.TrackedIPs())
}

func TestIPMeter_IndependentPerIP(t *testing.T) {
	m := NewIPMeter(1)
	assert.True(t, m.TryInc("1.1.1.1"))
	assert.True(t, m.TryInc("2.2.2.2"))
	assert.False(t, m.TryInc("1.1.1.1"))
}

func TestGlobalMeter_Ceiling(t *testing.T) {
	m := NewGlobalMeter(2)
	assert.True(t, m.TryInc())
	assert.True(t, m.TryInc())
	assert.False(t, m.TryInc())
	assert.Equal(t, 2, m.Count())

	m.Dec()
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.TryInc())
}

func TestGlobalMeter_DecNeverGoesNegative(t *testing.T) {
	m := NewGlobalMeter(5)
	m.Dec()
	assert.Equal(t, 0, m.Count())
}

func TestIPMeter_ConcurrentAccess(t *testing.T) {
	m := NewIPMeter(1000)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.TryInc("shared-ip")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, m.Count("shared-ip"))
}
