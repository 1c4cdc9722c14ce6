package bwe

import (
	"sync"
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu/pacer"
)

type fakePacer struct {
	lock     sync.Mutex
	enqueued []*pacer.Packet
	bitrate  int
}

func (f *fakePacer) Enqueue(p *pacer.Packet) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.enqueued = append(f.enqueued, p)
}

func (f *fakePacer) SetTargetBitrate(bps int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.bitrate = bps
}

func (f *fakePacer) Stop() {}

func (f *fakePacer) targetBitrate() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.bitrate
}

func feedback(total uint16, received int) *rtcp.TransportLayerCC {
	fb := &rtcp.TransportLayerCC{PacketStatusCount: total}
	for i := 0; i < received; i++ {
		fb.RecvDeltas = append(fb.RecvDeltas, &rtcp.RecvDelta{Delta: 250})
	}
	return fb
}

func newTccClient(p pacer.Pacer) *TransportCongestionControlClient {
	return NewTransportCongestionControlClient(1_000_000, 30_000, 10_000_000, p, logger.GetLogger())
}

func TestTccClientLossDecreasesTarget(t *testing.T) {
	p := &fakePacer{}
	c := newTccClient(p)

	// 20% loss cuts the target by half the loss ratio (10%)
	c.ReceiveRtcpTransportFeedback(feedback(100, 80))
	require.Equal(t, uint32(900_000), c.AvailableBitrate())
	require.Equal(t, 900_000, p.targetBitrate())
}

func TestTccClientCleanFeedbackIncreasesTarget(t *testing.T) {
	p := &fakePacer{}
	c := newTccClient(p)

	c.ReceiveRtcpTransportFeedback(feedback(100, 100))
	require.Equal(t, uint32(1_050_000), c.AvailableBitrate())
}

func TestTccClientRembBoundsTarget(t *testing.T) {
	p := &fakePacer{}
	c := newTccClient(p)

	c.ReceiveEstimatedBitrate(400_000)
	require.Equal(t, uint32(400_000), c.AvailableBitrate())

	// a higher remote estimate never raises the target by itself
	c.ReceiveEstimatedBitrate(5_000_000)
	require.Equal(t, uint32(400_000), c.AvailableBitrate())
}

func TestTccClientEmitRules(t *testing.T) {
	p := &fakePacer{}
	c := newTccClient(p)

	var events []uint32
	c.OnAvailableBitrate(func(available, previous uint32) { events = append(events, available) })

	// first valid estimate always emits
	c.ReceiveRtcpTransportFeedback(feedback(100, 100))
	require.Len(t, events, 1)

	// small moves inside the interval are absorbed
	c.ReceiveRtcpTransportFeedback(feedback(100, 100))
	require.Len(t, events, 1)

	// a sharp decrease (below 0.75x) emits immediately
	c.ReceiveEstimatedBitrate(100_000)
	require.Len(t, events, 2)
	require.Equal(t, uint32(100_000), events[1])
}

func TestTccClientTransportSeqMonotonic(t *testing.T) {
	c := newTccClient(&fakePacer{})

	prev := c.NextTransportSeq()
	for i := 0; i < 100; i++ {
		next := c.NextTransportSeq()
		require.Equal(t, prev+1, next)
		prev = next
	}
}

func TestTccClientInsertPacketWrapsOnSent(t *testing.T) {
	p := &fakePacer{}
	c := newTccClient(p)

	pkt := &pacer.Packet{}
	c.InsertPacket(pkt)
	require.Len(t, p.enqueued, 1)
	require.NotNil(t, p.enqueued[0].OnSent)
}

func TestTccClientMinBitrateFloor(t *testing.T) {
	p := &fakePacer{}
	c := newTccClient(p)

	for i := 0; i < 50; i++ {
		c.ReceiveRtcpTransportFeedback(feedback(100, 0))
	}
	require.Equal(t, uint32(30_000), c.AvailableBitrate())
}
