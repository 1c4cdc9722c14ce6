package pacer

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

type wireSink struct {
	lock sync.Mutex
	data [][]byte
}

func (w *wireSink) write(data []byte) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.data = append(w.data, append([]byte(nil), data...))
	return nil
}

func (w *wireSink) count() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.data)
}

func testPacket(seq uint16) *Packet {
	return &Packet{
		Header: &rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			SSRC:           100,
		},
		Payload: []byte{1, 2, 3, 4},
	}
}

func TestBaseSendPacketMarshals(t *testing.T) {
	w := &wireSink{}
	b := NewBase(logger.GetLogger(), w.write, nil)

	written := b.SendPacket(testPacket(42))
	require.NotZero(t, written)
	require.Equal(t, 1, w.count())

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(w.data[0]))
	require.Equal(t, uint16(42), pkt.SequenceNumber)
	require.Equal(t, []byte{1, 2, 3, 4}, pkt.Payload)
}

func TestBaseStampsTransportWideSeq(t *testing.T) {
	w := &wireSink{}
	seq := uint16(100)
	b := NewBase(logger.GetLogger(), w.write, func() uint16 { seq++; return seq })

	var sentSeq uint16
	p := testPacket(1)
	p.TransportWideExtID = 5
	p.OnSent = func(wideSeq uint16, headerSize, payloadSize int, sentAt time.Time) {
		sentSeq = wideSeq
	}
	b.SendPacket(p)
	require.Equal(t, uint16(101), sentSeq)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(w.data[0]))
	var ext rtp.TransportCCExtension
	require.NoError(t, ext.Unmarshal(pkt.Header.GetExtension(5)))
	require.Equal(t, uint16(101), ext.TransportSequence)
}

func TestLeakyBucketDrainsQueue(t *testing.T) {
	w := &wireSink{}
	l := NewLeakyBucket(logger.GetLogger(), NewBase(logger.GetLogger(), w.write, nil))
	defer l.Stop()

	for i := uint16(0); i < 10; i++ {
		l.Enqueue(testPacket(i))
	}

	require.Eventually(t, func() bool { return w.count() == 10 }, time.Second, 5*time.Millisecond)
}

func TestLeakyBucketHonorsStop(t *testing.T) {
	w := &wireSink{}
	l := NewLeakyBucket(logger.GetLogger(), NewBase(logger.GetLogger(), w.write, nil))
	l.Stop()

	time.Sleep(20 * time.Millisecond)
	l.Enqueue(testPacket(1))
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, w.count())
}

func TestPassThroughSendsInline(t *testing.T) {
	w := &wireSink{}
	p := NewPassThrough(NewBase(logger.GetLogger(), w.write, nil))

	p.Enqueue(testPacket(9))
	require.Equal(t, 1, w.count())
}
