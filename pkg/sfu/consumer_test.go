package sfu

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu/testutils"
)

type forwarded struct {
	header  rtp.Header
	payload []byte
}

func newSimpleConsumerForTest(t *testing.T, paused bool) (*SimpleConsumer, *[]forwarded, *[]uint32) {
	t.Helper()

	var sent []forwarded
	var keyFrameRequests []uint32

	c := NewSimpleConsumer(ConsumerParams{
		ID:         "c1",
		ProducerID: "p1",
		Kind:       MediaKindVideo,
		RtpParameters: RtpParameters{
			Codecs: []RtpCodecParameters{{
				MimeType:    "video/VP8",
				PayloadType: 102,
				ClockRate:   90000,
			}},
			Encodings: []RtpEncodingParameters{{Ssrc: 200}},
			Rtcp:      RtcpParameters{Cname: "test"},
		},
		Paused: paused,
		Logger: logger.GetLogger(),
	}, 10000, ConsumerCallbacks{
		OnRtpPacket: func(_ Consumer, header *rtp.Header, payload []byte) {
			sent = append(sent, forwarded{header: *header, payload: append([]byte(nil), payload...)})
		},
		OnKeyFrameRequested: func(_ Consumer, mappedSsrc uint32) {
			keyFrameRequests = append(keyFrameRequests, mappedSsrc)
		},
	})
	t.Cleanup(c.Close)
	return c, &sent, &keyFrameRequests
}

func producerPacket(t *testing.T, seq uint16, ts uint32, payload []byte) *ExtPacket {
	t.Helper()
	_, raw, err := testutils.GetTestRtpPacket(testutils.TestPacketParams{
		PayloadType:    96,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           10000,
		Payload:        payload,
	})
	require.NoError(t, err)
	ep, err := ParseRtpPacket(raw, time.Now(), RtpHeaderExtensionIds{})
	require.NoError(t, err)
	ep.MappedSsrc = 10000
	return ep
}

func TestSimpleConsumerForwarding(t *testing.T) {
	c, sent, _ := newSimpleConsumerForTest(t, false)

	payload := []byte{0xCA, 0xFE, 0x01}
	for i := uint16(0); i < 5; i++ {
		c.SendRtpPacket(producerPacket(t, 1000+i, 90000, payload))
	}

	require.Len(t, *sent, 5)
	base := (*sent)[0].header.SequenceNumber
	for i, f := range *sent {
		require.Equal(t, uint32(200), f.header.SSRC)
		require.Equal(t, uint8(102), f.header.PayloadType)
		require.Equal(t, base+uint16(i), f.header.SequenceNumber)
		require.Equal(t, payload, f.payload)
	}
}

func TestSimpleConsumerPausedStreamContiguity(t *testing.T) {
	c, sent, _ := newSimpleConsumerForTest(t, false)

	c.SendRtpPacket(producerPacket(t, 100, 1, nil))
	c.SendRtpPacket(producerPacket(t, 101, 1, nil))

	c.Pause()
	c.SendRtpPacket(producerPacket(t, 102, 1, nil))
	c.SendRtpPacket(producerPacket(t, 103, 1, nil))

	c.Resume()
	c.SendRtpPacket(producerPacket(t, 104, 1, nil))

	require.Len(t, *sent, 3)
	// egress must be contiguous across the paused stretch
	require.Equal(t, (*sent)[1].header.SequenceNumber+1, (*sent)[2].header.SequenceNumber)
}

func TestSimpleConsumerKeyFrameRequestPassThrough(t *testing.T) {
	c, _, keyFrameRequests := newSimpleConsumerForTest(t, false)

	c.ReceiveKeyFrameRequest(200)
	require.Equal(t, []uint32{10000}, *keyFrameRequests)
}

func TestSimpleConsumerProducerPausedDrops(t *testing.T) {
	c, sent, _ := newSimpleConsumerForTest(t, false)

	c.ProducerPause()
	c.SendRtpPacket(producerPacket(t, 100, 1, nil))
	require.Empty(t, *sent)

	c.ProducerResume()
	c.SendRtpPacket(producerPacket(t, 101, 1, nil))
	require.Len(t, *sent, 1)
}

func TestSimpleConsumerClosedEmitsNothing(t *testing.T) {
	c, sent, _ := newSimpleConsumerForTest(t, false)

	c.ProducerClosed()
	c.SendRtpPacket(producerPacket(t, 100, 1, nil))
	require.Empty(t, *sent)
}

func TestConsumerGetRtcpSenderReport(t *testing.T) {
	c, _, _ := newSimpleConsumerForTest(t, false)

	c.SendRtpPacket(producerPacket(t, 100, 90000, []byte{1}))

	packets := c.GetRtcp(time.Now())
	require.Len(t, packets, 2) // SR + SDES
}
