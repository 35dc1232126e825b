package dialog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duneuav/planengine/internal/config"
	"github.com/duneuav/planengine/internal/imc"
)

func TestRequestFailsWhenAlreadyPending(t *testing.T) {
	d := New()
	now := time.Now()
	_, err := d.Request(now, imc.VCExecManeuver, nil, "vehicle", "nav")
	require.NoError(t, err)

	_, err = d.Request(now, imc.VCExecManeuver, nil, "vehicle", "nav")
	assert.Error(t, err)
}

func TestOnReplyIgnoresMismatchedRequestID(t *testing.T) {
	d := New()
	now := time.Now()
	_, _ = d.Request(now, imc.VCExecManeuver, nil, "vehicle", "nav")

	_, matched := d.OnReply(99, "vehicle", "nav", imc.VCRSuccess, "")
	assert.False(t, matched)
	assert.True(t, d.Pending(), "mismatched reply must not clear the pending request")
}

func TestOnReplySuccessClearsPending(t *testing.T) {
	d := New()
	now := time.Now()
	cmd, _ := d.Request(now, imc.VCExecManeuver, nil, "vehicle", "nav")

	outcome, matched := d.OnReply(cmd.RequestID, "vehicle", "nav", imc.VCRSuccess, "")
	assert.True(t, matched)
	assert.Equal(t, imc.VCRSuccess, outcome.Kind)
	assert.False(t, d.Pending())
}

func TestOnReplyInProgressLeavesRequestPending(t *testing.T) {
	d := New()
	now := time.Now()
	cmd, _ := d.Request(now, imc.VCExecManeuver, nil, "vehicle", "nav")

	_, matched := d.OnReply(cmd.RequestID, "vehicle", "nav", imc.VCRInProgress, "")
	assert.True(t, matched)
	assert.True(t, d.Pending())
}

func TestOnReplyFailureToStopCalibrationIsDowngraded(t *testing.T) {
	d := New()
	now := time.Now()
	cmd, _ := d.Request(now, imc.VCStopCalibration, nil, "vehicle", "nav")

	outcome, matched := d.OnReply(cmd.RequestID, "vehicle", "nav", imc.VCRFailure, "whatever")
	assert.True(t, matched)
	assert.Equal(t, imc.VCRSuccess, outcome.Kind)
}

func TestTimeoutIsExclusiveOfDeadline(t *testing.T) {
	d := New()
	start := time.Now()
	d.Request(start, imc.VCExecManeuver, nil, "vehicle", "nav")

	assert.False(t, d.Timeout(start.Add(config.VehicleReplyDeadline)), "exactly at deadline must be accepted, not timed out")
	assert.True(t, d.Timeout(start.Add(config.VehicleReplyDeadline+time.Millisecond)))
}
