package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidrelay/relay/internal/config"
)

func newTestAdmissionConfig() *config.Config {
	return &config.Config{
		MaxConnsPerIP:       2,
		MaxTotalConnections: 3,
		MaxMsgsPer10s:       100,
		MaxBytesPer10s:      1_048_576,
	}
}

func TestAdmission_Admit_WithinCeilings(t *testing.T) {
	a := NewAdmission(newTestAdmissionConfig())

	c, err := a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, "1.1.1.1", c.RemoteIP)
}

func TestAdmission_Admit_RejectsOverIPCeiling(t *testing.T) {
	a := NewAdmission(newTestAdmissionConfig())

	_, err := a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)
	_, err = a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)

	_, err = a.Admit(nil, "1.1.1.1")
	require.Error(t, err)
	admErr, ok := err.(*AdmissionError)
	require.True(t, ok)
	assert.Equal(t, RejectIPLimit, admErr.Reason)
}

// A rejected per-IP admission must not leave a stray increment on the global
// meter: a different IP should still be admittable up to the global ceiling.
func TestAdmission_Admit_IPRejectDoesNotLeakGlobalSlot(t *testing.T) {
	a := NewAdmission(newTestAdmissionConfig())

	_, err := a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)
	_, err = a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)
	_, err = a.Admit(nil, "1.1.1.1") // rejected by IP ceiling
	require.Error(t, err)

	// Global ceiling is 3; only 2 slots have actually been consumed, so a
	// fresh IP must still be admitted.
	_, err = a.Admit(nil, "2.2.2.2")
	assert.NoError(t, err)
}

func TestAdmission_Admit_RejectsOverGlobalCeiling(t *testing.T) {
	a := NewAdmission(newTestAdmissionConfig())

	_, err := a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)
	_, err = a.Admit(nil, "2.2.2.2")
	require.NoError(t, err)
	_, err = a.Admit(nil, "3.3.3.3")
	require.NoError(t, err)

	_, err = a.Admit(nil, "4.4.4.4")
	require.Error(t, err)
	admErr, ok := err.(*AdmissionError)
	require.True(t, ok)
	assert.Equal(t, RejectGlobalLimit, admErr.Reason)
}

func TestAdmission_Release_FreesSlotsForReuse(t *testing.T) {
	a := NewAdmission(newTestAdmissionConfig())

	_, err := a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)
	_, err = a.Admit(nil, "1.1.1.1")
	require.NoError(t, err)

	a.Release("1.1.1.1")

	_, err = a.Admit(nil, "1.1.1.1")
	assert.NoError(t, err)
}
