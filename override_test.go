package gocnc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countSent(conn *fakeConn, s string) int {
	n := 0
	for _, sent := range conn.Sent() {
		if sent == s {
			n++
		}
	}
	return n
}

func TestOverrideManager_Bounds(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	om := NewOverrideManager(comm, testLogger())

	require.True(t, om.IsAvailable())
	tests := []struct {
		t                       OverrideType
		min, max, def, stepSize int
	}{
		{FeedSpeed, 10, 200, 100, 10},
		{SpindleSpeed, 10, 200, 100, 10},
		{RapidSpeed, 25, 100, 100, 25},
	}
	for _, tt := range tests {
		t.Run(tt.t.String(), func(t *testing.T) {
			assert.Equal(t, tt.min, om.GetSpeedMin(tt.t))
			assert.Equal(t, tt.max, om.GetSpeedMax(tt.t))
			assert.Equal(t, tt.def, om.GetSpeedDefault(tt.t))
			assert.Equal(t, tt.stepSize, om.GetSpeedStep(tt.t))
			assert.Equal(t, tt.def, om.GetSpeedTargetValue(tt.t))
		})
	}
}

func TestOverrideManager_Clamp(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	om := NewOverrideManager(comm, testLogger())

	got, err := om.SetSpeedTarget(FeedSpeed, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, got)
	assert.Equal(t, 10, om.GetSpeedTargetValue(FeedSpeed))
	assert.Equal(t, 9, countSent(conn, "\x92"))

	got, err = om.SetSpeedTarget(FeedSpeed, 500)
	require.NoError(t, err)
	assert.Equal(t, 200, got)

	got, err = om.SetSpeedTarget(RapidSpeed, 0)
	require.NoError(t, err)
	assert.Equal(t, 25, got)
	assert.Equal(t, 1, countSent(conn, "\x97"))
}

func TestOverrideManager_UsesReportedValue(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	om := NewOverrideManager(comm, testLogger())

	conn.reply("<Run|MPos:0.000,0.000,0.000|FS:500,0|Ov:120,100,100>")
	got, err := om.SetSpeedTarget(FeedSpeed, 130)
	require.NoError(t, err)
	assert.Equal(t, 130, got)
	assert.Equal(t, []string{"\x91"}, conn.Sent())
}

func TestOverrideManager_StepHelpers(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	om := NewOverrideManager(comm, testLogger())

	got, err := om.IncreaseSpeed(SpindleSpeed)
	require.NoError(t, err)
	assert.Equal(t, 110, got)

	got, err = om.DecreaseSpeed(SpindleSpeed)
	require.NoError(t, err)
	assert.Equal(t, 100, got)

	_, err = om.SetSpeedTarget(SpindleSpeed, 150)
	require.NoError(t, err)
	got, err = om.ResetSpeed(SpindleSpeed)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.Equal(t, "\x99", conn.Sent()[len(conn.Sent())-1])
}

func TestOverrideManager_Toggle(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	om := NewOverrideManager(comm, testLogger())

	assert.False(t, om.IsToggled(ToggleFlood))
	conn.reply("<Idle|MPos:0.000,0.000,0.000|Ov:100,100,100|A:SF>")
	assert.True(t, om.IsToggled(ToggleFlood))
	assert.True(t, om.IsToggled(ToggleSpindle))
	assert.False(t, om.IsToggled(ToggleMist))

	om.Toggle(ToggleMist)
	om.Toggle(FeedSpeed)
	assert.Equal(t, []string{"\xa1"}, conn.Sent())

	conn.failSends(assert.AnError)
	assert.NotPanics(t, func() { om.Toggle(ToggleFlood) })
}

func TestOverrideManager_Unsupported(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewG2Core())
	om := NewOverrideManager(comm, testLogger())

	assert.False(t, om.IsAvailable())
	assert.Zero(t, om.GetSpeedMax(FeedSpeed))
	_, err := om.SetSpeedTarget(FeedSpeed, 120)
	assert.ErrorIs(t, err, ErrUnsupported)
	om.Toggle(ToggleFlood)
	assert.Empty(t, conn.Sent())
}

func TestOverrideType_String(t *testing.T) {
	var names []string
	for _, ot := range []OverrideType{FeedSpeed, SpindleSpeed, RapidSpeed, ToggleSpindle, ToggleFlood, ToggleMist} {
		names = append(names, ot.String())
	}
	assert.Equal(t, "feed spindle rapid spindle-toggle flood mist", strings.Join(names, " "))
}
