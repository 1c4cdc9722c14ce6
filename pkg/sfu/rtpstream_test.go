package sfu

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu/testutils"
)

func newRecvStream(t *testing.T, useNack bool) *RtpStreamRecv {
	t.Helper()
	return NewRtpStreamRecv(RtpStreamParams{
		Ssrc:      100,
		MimeType:  "video/VP8",
		ClockRate: 90000,
		Kind:      MediaKindVideo,
		UseNack:   useNack,
	}, logger.GetLogger())
}

func recvPacket(t *testing.T, s *RtpStreamRecv, seq uint16, ts uint32, at time.Time) bool {
	t.Helper()
	_, raw, err := testutils.GetTestRtpPacket(testutils.TestPacketParams{
		PayloadType:    96,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           100,
	})
	require.NoError(t, err)
	ep, err := ParseRtpPacket(raw, at, RtpHeaderExtensionIds{})
	require.NoError(t, err)
	return s.ReceivePacket(ep)
}

func TestRtpStreamRecvCounters(t *testing.T) {
	s := newRecvStream(t, false)

	now := time.Now()
	for i := uint16(0); i < 10; i++ {
		require.True(t, recvPacket(t, s, 1000+i, 90000+uint32(i)*3000, now.Add(time.Duration(i)*33*time.Millisecond)))
	}
	require.Equal(t, uint64(10), s.packetCount)
	require.Equal(t, uint16(1009), s.maxSeq)
}

func TestRtpStreamRecvSeqWraparound(t *testing.T) {
	s := newRecvStream(t, false)

	now := time.Now()
	recvPacket(t, s, 65534, 1, now)
	recvPacket(t, s, 65535, 2, now)
	recvPacket(t, s, 0, 3, now)
	recvPacket(t, s, 1, 4, now)

	require.Equal(t, uint32(1<<16)|uint32(1), s.GetExtendedHighestSequence())
}

func TestRtpStreamRecvReceptionReport(t *testing.T) {
	s := newRecvStream(t, false)

	now := time.Now()
	for _, seq := range []uint16{100, 101, 102, 104, 105} { // 103 lost
		recvPacket(t, s, seq, uint32(seq)*100, now)
	}

	report := s.GetRtcpReceptionReport(now)
	require.NotNil(t, report)
	require.Equal(t, uint32(100), report.SSRC)
	require.Equal(t, uint32(1), report.TotalLost)
	require.NotZero(t, report.FractionLost)
	require.Equal(t, uint32(105), report.LastSequenceNumber)
}

func TestRtpStreamRecvNackGeneration(t *testing.T) {
	s := newRecvStream(t, true)

	now := time.Now().Add(-time.Second)
	recvPacket(t, s, 10, 100, now)
	recvPacket(t, s, 14, 500, now)

	// let the reorder grace period pass
	time.Sleep(2 * nackInitialDelay)

	pairs, count := s.GetNackPairs()
	require.Equal(t, 3, count)
	require.Len(t, pairs, 1)
	require.Equal(t, uint16(11), pairs[0].PacketID)
	require.ElementsMatch(t, []uint16{11, 12, 13}, pairs[0].PacketList())
}

func TestRtpStreamRecvNackClearedByLateArrival(t *testing.T) {
	s := newRecvStream(t, true)

	now := time.Now().Add(-time.Second)
	recvPacket(t, s, 10, 100, now)
	recvPacket(t, s, 12, 300, now)
	recvPacket(t, s, 11, 200, now) // the hole fills

	_, count := s.GetNackPairs()
	require.Zero(t, count)
}

func TestRtpStreamSendRtxCache(t *testing.T) {
	s := NewRtpStreamSend(RtpStreamParams{
		Ssrc:      200,
		MimeType:  "video/VP8",
		ClockRate: 90000,
		Kind:      MediaKindVideo,
		UseNack:   true,
	}, logger.GetLogger())

	nowMs := time.Now().UnixMilli()
	data := []byte{0x80, 0x60, 0x01, 0x02}
	s.SendPacket(513, 90000, data, nowMs)

	out := s.ReceiveNack(&rtcp.TransportLayerNack{
		MediaSSRC: 200,
		Nacks:     []rtcp.NackPair{{PacketID: 513}},
	}, nowMs+100)
	require.Len(t, out, 1)
	require.Equal(t, data, out[0])
}

func TestRtpStreamSendRtxCacheAgeBound(t *testing.T) {
	s := NewRtpStreamSend(RtpStreamParams{
		Ssrc:    200,
		Kind:    MediaKindVideo,
		UseNack: true,
	}, logger.GetLogger())

	nowMs := time.Now().UnixMilli()
	s.SendPacket(77, 0, []byte{1, 2, 3}, nowMs)

	// past the 1 s retention bound the packet is gone
	out := s.ReceiveNack(&rtcp.TransportLayerNack{
		MediaSSRC: 200,
		Nacks:     []rtcp.NackPair{{PacketID: 77}},
	}, nowMs+rtxMaxAgeMs+1)
	require.Empty(t, out)
}

func TestRtpStreamSendSenderReport(t *testing.T) {
	s := NewRtpStreamSend(RtpStreamParams{
		Ssrc:      300,
		ClockRate: 90000,
		Cname:     "cname-x",
		Kind:      MediaKindVideo,
	}, logger.GetLogger())

	require.Nil(t, s.GetRtcpSenderReport(time.Now()))

	now := time.Now()
	s.SendPacket(1, 180000, make([]byte, 100), now.UnixMilli())

	sr := s.GetRtcpSenderReport(now.Add(time.Second))
	require.NotNil(t, sr)
	require.Equal(t, uint32(300), sr.SSRC)
	require.Equal(t, uint32(1), sr.PacketCount)
	require.Equal(t, uint32(100), sr.OctetCount)
	// the rtp clock is extrapolated across the elapsed second
	require.InDelta(t, 180000+90000, int(sr.RTPTime), 90)

	chunk := s.GetRtcpSdesChunk()
	require.Equal(t, uint32(300), chunk.Source)
	require.Equal(t, "cname-x", chunk.Items[0].Text)
}

func TestRtpStreamSendScoreFromReceiverReport(t *testing.T) {
	s := NewRtpStreamSend(RtpStreamParams{
		Ssrc:      300,
		ClockRate: 90000,
		Kind:      MediaKindVideo,
	}, logger.GetLogger())
	require.Equal(t, uint8(10), s.GetScore())

	// heavy loss drags the score down over consecutive intervals
	for i := 0; i < 20; i++ {
		s.ReceiveRtcpReceiverReport(rtcp.ReceptionReport{
			SSRC:         300,
			FractionLost: 128,
		}, time.Now())
	}
	require.Less(t, s.GetScore(), uint8(10))
}
