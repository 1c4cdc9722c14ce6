package sfu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

func TestKeyFrameRequestDebounce(t *testing.T) {
	m := NewKeyFrameRequestManager(logger.GetLogger())
	defer m.Close()

	var fired atomic.Int32
	m.OnKeyFrameNeeded(func(ssrc uint32) { fired.Inc() })

	// only the first request of an epoch goes out
	m.KeyFrameNeeded(100)
	m.KeyFrameNeeded(100)
	m.KeyFrameNeeded(100)
	require.Equal(t, int32(1), fired.Load())

	// a different ssrc is its own epoch
	m.KeyFrameNeeded(200)
	require.Equal(t, int32(2), fired.Load())
}

func TestKeyFrameReceivedClearsEpoch(t *testing.T) {
	m := NewKeyFrameRequestManager(logger.GetLogger())
	defer m.Close()

	var fired atomic.Int32
	m.OnKeyFrameNeeded(func(ssrc uint32) { fired.Inc() })

	m.KeyFrameNeeded(100)
	m.KeyFrameReceived(100)

	// the epoch ended; a new request fires again
	m.KeyFrameNeeded(100)
	require.Equal(t, int32(2), fired.Load())
}

func TestKeyFrameForceRestartsEpoch(t *testing.T) {
	m := NewKeyFrameRequestManager(logger.GetLogger())
	defer m.Close()

	var fired atomic.Int32
	m.OnKeyFrameNeeded(func(ssrc uint32) { fired.Inc() })

	m.KeyFrameNeeded(100)
	m.ForceKeyFrameNeeded(100)
	require.Equal(t, int32(2), fired.Load())
}

func TestKeyFrameManagerCloseStopsCallbacks(t *testing.T) {
	m := NewKeyFrameRequestManager(logger.GetLogger())

	var fired atomic.Int32
	m.OnKeyFrameNeeded(func(ssrc uint32) { fired.Inc() })

	m.KeyFrameNeeded(100)
	m.Close()
	m.KeyFrameNeeded(200)

	require.Equal(t, int32(1), fired.Load())

	// no retry fires into closed state
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}
