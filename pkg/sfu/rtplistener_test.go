package sfu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu/testutils"
)

func newTestProducer(t *testing.T, id string, encodings []RtpEncodingParameters, mid string) *Producer {
	t.Helper()

	mappings := make([]RtpMappingEncoding, 0, len(encodings))
	for i, enc := range encodings {
		mappings = append(mappings, RtpMappingEncoding{
			Ssrc:       enc.Ssrc,
			Rid:        enc.Rid,
			MappedSsrc: 10000 + uint32(i),
		})
	}

	producer, err := NewProducer(ProducerParams{
		ID:   id,
		Kind: MediaKindVideo,
		RtpParameters: RtpParameters{
			Mid: mid,
			Codecs: []RtpCodecParameters{{
				MimeType:    "video/VP8",
				PayloadType: 96,
				ClockRate:   90000,
			}},
			Encodings: encodings,
		},
		RtpMapping: RtpMapping{Encodings: mappings},
		Logger:     logger.GetLogger(),
	}, ProducerCallbacks{})
	require.NoError(t, err)
	t.Cleanup(producer.Close)
	return producer
}

func parseTestPacket(t *testing.T, params testutils.TestPacketParams, ids RtpHeaderExtensionIds) *ExtPacket {
	t.Helper()
	_, raw, err := testutils.GetTestRtpPacket(params)
	require.NoError(t, err)
	ep, err := ParseRtpPacket(raw, time.Now(), ids)
	require.NoError(t, err)
	return ep
}

func TestRtpListenerResolvesBySsrc(t *testing.T) {
	l := NewRtpListener(logger.GetLogger())
	p1 := newTestProducer(t, "p1", []RtpEncodingParameters{{Ssrc: 100}}, "a")
	require.NoError(t, l.AddProducer(p1))

	ep := parseTestPacket(t, testutils.TestPacketParams{SequenceNumber: 1000, Timestamp: 90000, SSRC: 100}, RtpHeaderExtensionIds{})
	got, err := l.GetProducer(ep)
	require.NoError(t, err)
	require.Same(t, p1, got)
	require.Same(t, p1, l.GetProducerBySsrc(100))
}

func TestRtpListenerResolvesByMid(t *testing.T) {
	l := NewRtpListener(logger.GetLogger())
	p1 := newTestProducer(t, "p1", []RtpEncodingParameters{{Ssrc: 0}}, "a")
	require.NoError(t, l.AddProducer(p1))

	ep := parseTestPacket(t, testutils.TestPacketParams{
		SequenceNumber: 1, SSRC: 777, MidExtID: 4, Mid: "a",
	}, RtpHeaderExtensionIds{Mid: 4})
	got, err := l.GetProducer(ep)
	require.NoError(t, err)
	require.Same(t, p1, got)

	// the ssrc was learned; a later packet without MID still resolves
	ep2 := parseTestPacket(t, testutils.TestPacketParams{SequenceNumber: 2, SSRC: 777}, RtpHeaderExtensionIds{})
	got, err = l.GetProducer(ep2)
	require.NoError(t, err)
	require.Same(t, p1, got)
}

func TestRtpListenerResolvesByRid(t *testing.T) {
	l := NewRtpListener(logger.GetLogger())
	p1 := newTestProducer(t, "p1", []RtpEncodingParameters{
		{Rid: "low"}, {Rid: "high"},
	}, "")
	require.NoError(t, l.AddProducer(p1))

	ep := parseTestPacket(t, testutils.TestPacketParams{
		SequenceNumber: 1, SSRC: 555, RidExtID: 5, Rid: "high",
	}, RtpHeaderExtensionIds{Rid: 5})
	got, err := l.GetProducer(ep)
	require.NoError(t, err)
	require.Same(t, p1, got)
}

func TestRtpListenerRoutingMiss(t *testing.T) {
	l := NewRtpListener(logger.GetLogger())

	ep := parseTestPacket(t, testutils.TestPacketParams{SequenceNumber: 1, SSRC: 42}, RtpHeaderExtensionIds{})
	_, err := l.GetProducer(ep)
	require.ErrorIs(t, err, errNoProducerFound)
}

func TestRtpListenerConflicts(t *testing.T) {
	l := NewRtpListener(logger.GetLogger())
	p1 := newTestProducer(t, "p1", []RtpEncodingParameters{{Ssrc: 100}}, "a")
	require.NoError(t, l.AddProducer(p1))

	p2 := newTestProducer(t, "p2", []RtpEncodingParameters{{Ssrc: 100}}, "b")
	require.ErrorIs(t, l.AddProducer(p2), ErrConflictingSSRC)

	p3 := newTestProducer(t, "p3", []RtpEncodingParameters{{Ssrc: 200}}, "a")
	require.ErrorIs(t, l.AddProducer(p3), ErrConflictingMID)

	// a failed add leaves no partial state behind
	ep := parseTestPacket(t, testutils.TestPacketParams{SequenceNumber: 1, SSRC: 200}, RtpHeaderExtensionIds{})
	_, err := l.GetProducer(ep)
	require.Error(t, err)
}

func TestRtpListenerRemoveProducer(t *testing.T) {
	l := NewRtpListener(logger.GetLogger())
	p1 := newTestProducer(t, "p1", []RtpEncodingParameters{{Ssrc: 100}}, "a")
	require.NoError(t, l.AddProducer(p1))

	l.RemoveProducer(p1)
	require.Nil(t, l.GetProducerBySsrc(100))

	// identifiers are reusable after removal
	p2 := newTestProducer(t, "p2", []RtpEncodingParameters{{Ssrc: 100}}, "a")
	require.NoError(t, l.AddProducer(p2))
}
