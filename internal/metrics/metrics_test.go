package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	c.Register(reg)
	c.Register(reg) // must not panic on double-registration

	c.IncStart("web")
	c.IncRestart("web")
	c.IncStop("web")
	c.ObserveStartDuration("web", 1.2)
	c.SetRunningInstances("web", 2)
	c.RecordStateTransition("web", "STARTING", "RUNNING")
	c.SetCurrentState("web", "web:0", "RUNNING")
	c.SetResourceUsage("web", "web:0", 12.5, 1024)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs, "expected at least one metric family registered")
}

func TestSampleUnknownPidFails(t *testing.T) {
	_, _, ok := Sample(1 << 30)
	assert.False(t, ok, "expected Sample to fail for a bogus pid")
}
