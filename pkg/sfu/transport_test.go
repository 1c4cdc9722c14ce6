package sfu

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu/testutils"
)

type wireRecorder struct {
	lock          sync.Mutex
	rtp           [][]byte
	rtcp          [][]byte
	compounds     [][]byte
	notifications []string
}

func (w *wireRecorder) callbacks() TransportCallbacks {
	return TransportCallbacks{
		SendRtpPacket: func(data []byte) {
			w.lock.Lock()
			w.rtp = append(w.rtp, append([]byte(nil), data...))
			w.lock.Unlock()
		},
		SendRtcpPacket: func(data []byte) {
			w.lock.Lock()
			w.rtcp = append(w.rtcp, append([]byte(nil), data...))
			w.lock.Unlock()
		},
		SendRtcpCompoundPacket: func(data []byte) {
			w.lock.Lock()
			w.compounds = append(w.compounds, append([]byte(nil), data...))
			w.lock.Unlock()
		},
		OnNotification: func(targetID, event string, data interface{}) {
			w.lock.Lock()
			w.notifications = append(w.notifications, targetID+"/"+event)
			w.lock.Unlock()
		},
	}
}

func (w *wireRecorder) rtpCount() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.rtp)
}

func (w *wireRecorder) rtcpPackets(t *testing.T) []rtcp.Packet {
	t.Helper()
	w.lock.Lock()
	defer w.lock.Unlock()
	var out []rtcp.Packet
	for _, data := range w.rtcp {
		packets, err := rtcp.Unmarshal(data)
		require.NoError(t, err)
		out = append(out, packets...)
	}
	return out
}

func newTestTransport(t *testing.T) (*Transport, *wireRecorder) {
	t.Helper()
	w := &wireRecorder{}
	tr := NewTransport(TransportParams{
		ID:     "t1",
		Logger: logger.GetLogger(),
	}, w.callbacks())
	tr.TransportConnected()
	t.Cleanup(tr.Close)
	return tr, w
}

func testProduceData(ssrc uint32, mid string) produceData {
	return produceData{
		Kind: MediaKindVideo,
		RtpParameters: RtpParameters{
			Mid: mid,
			Codecs: []RtpCodecParameters{{
				MimeType:    "video/VP8",
				PayloadType: 96,
				ClockRate:   90000,
				RtcpFeedback: []RtcpFeedback{
					{Type: "nack"},
					{Type: "nack", Parameter: "pli"},
				},
			}},
			HeaderExtensions: []RtpHeaderExtensionParameters{
				{Uri: ExtURIMid, Id: 4},
			},
			Encodings: []RtpEncodingParameters{{Ssrc: ssrc}},
		},
		RtpMapping: RtpMapping{
			Codecs:    []RtpMappingCodec{{PayloadType: 96, MappedPayloadType: 101}},
			Encodings: []RtpMappingEncoding{{Ssrc: ssrc, MappedSsrc: 10000}},
		},
	}
}

func testConsumeData(producerID string, ssrc uint32) consumeData {
	return consumeData{
		ProducerID: producerID,
		Kind:       MediaKindVideo,
		RtpParameters: RtpParameters{
			Codecs: []RtpCodecParameters{{
				MimeType:    "video/VP8",
				PayloadType: 102,
				ClockRate:   90000,
			}},
			Encodings: []RtpEncodingParameters{{Ssrc: ssrc}},
		},
	}
}

func feedRtp(t *testing.T, tr *Transport, ssrc uint32, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	_, raw, err := testutils.GetTestRtpPacket(testutils.TestPacketParams{
		PayloadType:    96,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           ssrc,
		Payload:        payload,
	})
	require.NoError(t, err)
	tr.ReceiveRtpPacket(raw)
	return raw
}

func TestTransportProduceAndRoute(t *testing.T) {
	tr, _ := newTestTransport(t)

	producer, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)

	raw := feedRtp(t, tr, 100, 1000, 90000, []byte{1, 2, 3})

	stats := producer.GetStats(time.Now().UnixMilli())
	require.Len(t, stats.Streams, 1)
	require.Equal(t, uint64(len(raw)), stats.Streams[0].ByteCount)
	require.Same(t, producer, tr.listener.GetProducerBySsrc(100))
}

func TestTransportProduceConflicts(t *testing.T) {
	tr, _ := newTestTransport(t)

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)

	_, err = tr.Produce("p1", testProduceData(200, "b"))
	require.ErrorIs(t, err, ErrDuplicatedID)

	_, err = tr.Produce("p2", testProduceData(100, "b"))
	require.ErrorIs(t, err, ErrConflictingSSRC)

	// the rolled-back producer left no listener state
	require.Nil(t, tr.listener.GetProducerBySsrc(200))
}

func TestTransportConsumeAndForward(t *testing.T) {
	tr, w := newTestTransport(t)

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)
	consumer, err := tr.Consume("c1", testConsumeData("p1", 200))
	require.NoError(t, err)
	require.Equal(t, ConsumerTypeSimple, consumer.Type())

	payload := testutils.VP8KeyFramePayload()
	for i := uint16(0); i < 5; i++ {
		feedRtp(t, tr, 100, 1000+i, 90000, payload)
	}

	// egress drains through the pacer goroutine
	require.Eventually(t, func() bool { return w.rtpCount() == 5 }, time.Second, 5*time.Millisecond)
}

func TestTransportConsumerRewrite(t *testing.T) {
	tr, w := newTestTransport(t)

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)
	_, err = tr.Consume("c1", testConsumeData("p1", 200))
	require.NoError(t, err)

	payload := testutils.VP8KeyFramePayload()
	feedRtp(t, tr, 100, 500, 12345, payload)

	require.Eventually(t, func() bool { return w.rtpCount() == 1 }, time.Second, 5*time.Millisecond)

	w.lock.Lock()
	defer w.lock.Unlock()
	ep, err := ParseRtpPacket(w.rtp[0], time.Now(), RtpHeaderExtensionIds{})
	require.NoError(t, err)
	require.Equal(t, uint32(200), ep.Packet.SSRC)
	require.Equal(t, uint8(102), ep.Packet.PayloadType)
	require.Equal(t, payload, ep.Packet.Payload)
}

func TestTransportPliRoutedToProducer(t *testing.T) {
	tr, w := newTestTransport(t)

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)
	_, err = tr.Consume("c1", testConsumeData("p1", 200))
	require.NoError(t, err)

	// consumer creation already requested one key frame; observe it
	require.Eventually(t, func() bool {
		for _, pkt := range w.rtcpPackets(t) {
			if pli, ok := pkt.(*rtcp.PictureLossIndication); ok && pli.MediaSSRC == 100 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	first := len(w.rtcpPackets(t))

	// a second PLI for the same ssrc inside the debounce window is absorbed
	pli, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 200}})
	require.NoError(t, err)
	tr.ReceiveRtcpPacket(pli)
	require.Equal(t, first, len(w.rtcpPackets(t)))
}

func TestTransportReceiverReportRoutedToConsumer(t *testing.T) {
	tr, _ := newTestTransport(t)

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)
	consumer, err := tr.Consume("c1", testConsumeData("p1", 200))
	require.NoError(t, err)

	rr, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{{SSRC: 200, FractionLost: 64}},
	}})
	require.NoError(t, err)
	tr.ReceiveRtcpPacket(rr)

	stats := consumer.GetStats(time.Now().UnixMilli())
	require.Equal(t, uint8(64), stats.Stream.FractionLost)
}

func TestTransportProducerCloseNotifiesConsumers(t *testing.T) {
	tr, w := newTestTransport(t)

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)
	_, err = tr.Consume("c1", testConsumeData("p1", 200))
	require.NoError(t, err)

	require.NoError(t, tr.CloseProducer("p1"))

	w.lock.Lock()
	notifications := append([]string(nil), w.notifications...)
	w.lock.Unlock()
	require.Contains(t, notifications, "c1/producerclose")

	_, ok := tr.GetConsumer("c1")
	require.False(t, ok)
	require.Nil(t, tr.listener.GetProducerBySsrc(100))
}

func TestTransportNoCrossTransportLeakage(t *testing.T) {
	tr1, _ := newTestTransport(t)
	w2 := &wireRecorder{}
	tr2 := NewTransport(TransportParams{ID: "t2", Logger: logger.GetLogger()}, w2.callbacks())
	tr2.TransportConnected()
	t.Cleanup(tr2.Close)

	producer, err := tr1.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)

	// the same ssrc arriving on the other transport finds nothing
	feedRtp(t, tr2, 100, 1, 1, nil)
	require.Nil(t, tr2.listener.GetProducerBySsrc(100))
	require.Empty(t, producer.GetStats(time.Now().UnixMilli()).Streams)

	_, ok := tr2.GetProducer("p1")
	require.False(t, ok)
}

func TestTransportCloseIsSilentAndFinal(t *testing.T) {
	w := &wireRecorder{}
	tr := NewTransport(TransportParams{ID: "t1", Logger: logger.GetLogger()}, w.callbacks())
	tr.TransportConnected()

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)
	_, err = tr.Consume("c1", testConsumeData("p1", 200))
	require.NoError(t, err)

	w.lock.Lock()
	notificationsBefore := len(w.notifications)
	w.lock.Unlock()

	tr.Close()
	tr.Close() // idempotent

	// teardown is silent
	w.lock.Lock()
	require.Equal(t, notificationsBefore, len(w.notifications))
	w.lock.Unlock()

	// the data path is inert afterwards
	feedRtp(t, tr, 100, 1, 1, nil)
	_, err = tr.Produce("p2", testProduceData(300, "c"))
	require.ErrorIs(t, err, ErrTransportClosed)

	// no timer fires into freed state
	time.Sleep(50 * time.Millisecond)
}

func TestTransportHandleRequest(t *testing.T) {
	tr, _ := newTestTransport(t)

	produceJSON, err := json.Marshal(testProduceData(100, "a"))
	require.NoError(t, err)
	rsp, err := tr.HandleRequest("transport.produce", "p1", "", produceJSON)
	require.NoError(t, err)
	require.Equal(t, ProducerTypeSimple, rsp.(map[string]interface{})["type"])

	consumeJSON, err := json.Marshal(testConsumeData("p1", 200))
	require.NoError(t, err)
	rsp, err = tr.HandleRequest("transport.consume", "p1", "c1", consumeJSON)
	require.NoError(t, err)
	require.Equal(t, false, rsp.(map[string]interface{})["paused"])

	rsp, err = tr.HandleRequest("transport.dump", "", "", nil)
	require.NoError(t, err)
	dump := rsp.(TransportDump)
	require.Equal(t, []string{"p1"}, dump.ProducerIDs)
	require.Equal(t, []string{"c1"}, dump.ConsumerIDs)

	_, err = tr.HandleRequest("producer.pause", "p1", "", nil)
	require.NoError(t, err)
	consumer, _ := tr.GetConsumer("c1")
	require.True(t, consumer.ProducerPaused())

	_, err = tr.HandleRequest("producer.resume", "p1", "", nil)
	require.NoError(t, err)
	require.False(t, consumer.ProducerPaused())

	bitrateJSON := []byte(`{"bitrate": 500}`)
	rsp, err = tr.HandleRequest("transport.setMaxIncomingBitrate", "", "", bitrateJSON)
	require.NoError(t, err)
	require.Equal(t, uint32(minIncomingBitrate), rsp.(map[string]interface{})["bitrate"])

	_, err = tr.HandleRequest("nosuch.method", "", "", nil)
	require.ErrorIs(t, err, ErrUnknownMethod)

	_, err = tr.HandleRequest("consumer.close", "", "c1", nil)
	require.NoError(t, err)
	_, ok := tr.GetConsumer("c1")
	require.False(t, ok)
}

func TestTransportPausedProducerDoesNotDispatch(t *testing.T) {
	tr, w := newTestTransport(t)

	_, err := tr.Produce("p1", testProduceData(100, "a"))
	require.NoError(t, err)
	_, err = tr.Consume("c1", testConsumeData("p1", 200))
	require.NoError(t, err)

	_, err = tr.HandleRequest("producer.pause", "p1", "", nil)
	require.NoError(t, err)

	feedRtp(t, tr, 100, 1000, 90000, testutils.VP8KeyFramePayload())
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, w.rtpCount())

	// stats still advance while paused
	producer, _ := tr.GetProducer("p1")
	require.Equal(t, uint64(1), producer.GetStats(time.Now().UnixMilli()).Streams[0].PacketCount)
}
