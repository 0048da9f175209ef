package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(CallStateIdle, CallStateOutgoingRinging))
	assert.True(t, CanTransition(CallStateIdle, CallStateIncomingRinging))
	assert.True(t, CanTransition(CallStateIncomingRinging, CallStateConnecting))
	assert.True(t, CanTransition(CallStateConnecting, CallStateActive))
	assert.True(t, CanTransition(CallStateActive, CallStateEnded))

	assert.False(t, CanTransition(CallStateIdle, CallStateActive))
	assert.False(t, CanTransition(CallStateOutgoingRinging, CallStateActive))
	assert.False(t, CanTransition(CallStateEnded, CallStateIdle))
	assert.False(t, CanTransition(CallStateActive, CallStateConnecting))
}

func TestCallState_Predicates(t *testing.T) {
	assert.True(t, CallStateEnded.IsTerminal())
	assert.False(t, CallStateActive.IsTerminal())
	assert.True(t, CallStateIncomingRinging.IsRinging())
	assert.False(t, CallStateConnecting.IsRinging())
}

func TestCallSnapshot_Duration(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := CallSnapshot{ConnectedAt: start, EndedAt: start.Add(90 * time.Second)}
	assert.Equal(t, 90*time.Second, snap.Duration())
	assert.Zero(t, CallSnapshot{}.Duration())
}

func TestClassifyMediaError(t *testing.T) {
	cases := []struct {
		err  error
		kind MediaErrorKind
	}{
		{fmt.Errorf("camera: %w", ErrPermissionDenied), MediaErrorPermissionDenied},
		{ErrDeviceNotFound, MediaErrorDeviceNotFound},
		{fmt.Errorf("open /dev/video0: %w", ErrDeviceBusy), MediaErrorDeviceBusy},
		{errors.New("NotAllowedError: Permission denied"), MediaErrorPermissionDenied},
		{errors.New("NotReadableError: Could not start video source"), MediaErrorDeviceBusy},
		{errors.New("something odd"), MediaErrorUnknown},
	}

	for _, tc := range cases {
		got := ClassifyMediaError(tc.err)
		require.NotNil(t, got)
		assert.Equal(t, tc.kind, got.Kind, tc.err.Error())
		assert.NotEmpty(t, got.UserMessage())
		assert.ErrorIs(t, got, tc.err)
	}

	assert.Nil(t, ClassifyMediaError(nil))

	already := &MediaError{Kind: MediaErrorDeviceBusy, Err: ErrDeviceBusy}
	assert.Same(t, already, ClassifyMediaError(fmt.Errorf("start call: %w", already)))
}

func TestConstraintsFor(t *testing.T) {
	assert.Equal(t, MediaConstraints{Audio: true}, ConstraintsFor(CallTypeAudio))
	assert.Equal(t, MediaConstraints{Audio: true, Video: true}, ConstraintsFor(CallTypeVideo))
}

func TestSignalType_IsCallSignal(t *testing.T) {
	assert.True(t, SignalICECandidate.IsCallSignal())
	assert.False(t, SignalMessage.IsCallSignal())
	assert.False(t, SignalPing.IsCallSignal())
}
