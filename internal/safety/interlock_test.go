package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAllInterlocksPass(t *testing.T) {
	v := NewVerifier(NewSimProvider(), DefaultCheckTimeout, zap.NewNop())

	result := v.CheckAllInterlocks(context.Background())
	assert.True(t, result.AllPassed)
	assert.Empty(t, result.Failed)
	assert.Len(t, result.Detail, 9)
	assert.False(t, result.TimedOut)
}

func TestSingleFailedInterlockIsNamed(t *testing.T) {
	p := NewSimProvider()
	require.NoError(t, p.SetInterlockState(InterlockDoorClosed, false))
	v := NewVerifier(p, DefaultCheckTimeout, zap.NewNop())

	result := v.CheckAllInterlocks(context.Background())
	assert.False(t, result.AllPassed)
	assert.Equal(t, []string{InterlockDoorClosed}, result.Failed)
	assert.Equal(t, []string{"Exam room door closed"}, result.FailedDisplayNames())
	assert.False(t, result.Detail[InterlockDoorClosed])
	assert.True(t, result.Detail[InterlockGeneratorReady])
}

func TestTimeoutFailsEveryInterlock(t *testing.T) {
	p := NewSimProvider()
	p.SetLatency(100 * time.Millisecond)
	v := NewVerifier(p, 5*time.Millisecond, zap.NewNop())

	result := v.CheckAllInterlocks(context.Background())
	assert.False(t, result.AllPassed)
	assert.True(t, result.TimedOut)
	assert.Equal(t, "TIMEOUT", result.Reason)
	assert.Len(t, result.Failed, 9, "an indeterminate check fails closed on all nine conditions")
	for _, ok := range result.Detail {
		assert.False(t, ok)
	}
}

func TestUnknownInterlockNameRejected(t *testing.T) {
	p := NewSimProvider()
	assert.Error(t, p.SetInterlockState("NOT_A_THING", true))
}

func TestEmergencyStandbyBlocksExposure(t *testing.T) {
	p := NewSimProvider()
	ctx := context.Background()

	blocked, err := p.IsExposureBlocked(ctx)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, p.EmergencyStandby(ctx))

	blocked, err = p.IsExposureBlocked(ctx)
	require.NoError(t, err)
	assert.True(t, blocked)

	status, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, status.GeneratorReady)
}

func TestZeroTimeoutFallsBackToDefault(t *testing.T) {
	v := NewVerifier(NewSimProvider(), 0, zap.NewNop())
	assert.Equal(t, DefaultCheckTimeout, v.timeout)
}
