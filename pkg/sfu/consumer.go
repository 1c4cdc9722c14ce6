// Copyright 2024 Mediaswitch, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sfu

import (
	"time"

	"github.com/bep/debounce"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

type ConsumerType string

const (
	ConsumerTypeSimple    ConsumerType = "simple"
	ConsumerTypeSimulcast ConsumerType = "simulcast"
)

const scoreNotifyDebounce = 250 * time.Millisecond

// Consumer is one subscriber leg of a producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Type() ConsumerType

	// MediaSsrcs are the consumer-side SSRCs, for RR/NACK demux.
	MediaSsrcs() []uint32

	Paused() bool
	ProducerPaused() bool
	Pause()
	Resume()
	ProducerPause()
	ProducerResume()
	ProducerClosed()

	// SendRtpPacket forwards a packet originating from the bound producer.
	SendRtpPacket(ep *ExtPacket)

	GetRtcp(now time.Time) []rtcp.Packet
	ReceiveNack(nack *rtcp.TransportLayerNack)
	ReceiveKeyFrameRequest(ssrc uint32)
	ReceiveRtcpReceiverReport(report rtcp.ReceptionReport, arrival time.Time)

	GetScore() uint8
	SetProducerScore(encodingIdx int, score uint8)

	SetPreferredLayers(spatial, temporal int16) (int16, int16)
	ApplyBitrate(availableBitrate uint32, nowMs int64)

	GetStats(nowMs int64) ConsumerStats
	Dump() ConsumerDump

	Close()
}

// ConsumerCallbacks is a consumer's single upstream, the owning transport.
type ConsumerCallbacks struct {
	// OnRtpPacket emits a rewritten packet toward the wire.
	OnRtpPacket func(c Consumer, header *rtp.Header, payload []byte)
	// OnRetransmit emits an already-marshaled cached packet.
	OnRetransmit func(c Consumer, data []byte)
	// OnKeyFrameRequested routes a key frame request to the producer by
	// mapped SSRC.
	OnKeyFrameRequested func(c Consumer, mappedSsrc uint32)
	// OnLayersChanged reports a simulcast layer switch.
	OnLayersChanged func(c Consumer, spatialLayer int16)
	// OnScoreChanged reports consumer health transitions.
	OnScoreChanged func(c Consumer, score uint8)
}

type ConsumerParams struct {
	ID            string
	ProducerID    string
	Kind          MediaKind
	RtpParameters RtpParameters
	Paused        bool

	// producer state mirrored at creation
	ProducerPaused bool

	// transport-wide id set of the ingress side; consumer extension ids
	// are rewritten from this set
	RecvExtensionIds RtpHeaderExtensionIds

	Logger logger.Logger
}

type ConsumerStats struct {
	Stream RtpStreamStats `json:"stream"`
}

type ConsumerDump struct {
	ID             string        `json:"id"`
	ProducerID     string        `json:"producerId"`
	Kind           string        `json:"kind"`
	Type           string        `json:"type"`
	Paused         bool          `json:"paused"`
	ProducerPaused bool          `json:"producerPaused"`
	RtpParameters  RtpParameters `json:"rtpParameters"`
	CurrentLayer   int16         `json:"currentSpatialLayer,omitempty"`
	TargetLayer    int16         `json:"targetSpatialLayer,omitempty"`
}

// consumerBase carries the state common to both consumer variants: the
// outbound stream, the sequence/timestamp rewriter and the pause bits.
type consumerBase struct {
	params    ConsumerParams
	callbacks ConsumerCallbacks
	logger    logger.Logger

	// the concrete consumer, for callback identity
	self Consumer

	ssrc      uint32
	pt        uint8
	clockRate uint32
	extIds    RtpHeaderExtensionIds

	seqManager *SeqManager
	rtpStream  *RtpStreamSend

	tsOffset    uint32
	tsOffsetSet bool
	lastOutTs   uint32

	paused         atomic.Bool
	producerPaused atomic.Bool
	closed         atomic.Bool

	score         atomic.Uint32
	scoreDebounce func(func())
}

func newConsumerBase(params ConsumerParams, callbacks ConsumerCallbacks) consumerBase {
	log := params.Logger.WithValues("consumerId", params.ID)

	b := consumerBase{
		params:        params,
		callbacks:     callbacks,
		logger:        log,
		extIds:        ExtensionIdsFromParameters(params.RtpParameters.HeaderExtensions),
		seqManager:    NewSeqManager(),
		scoreDebounce: debounce.New(scoreNotifyDebounce),
	}
	b.paused.Store(params.Paused)
	b.producerPaused.Store(params.ProducerPaused)
	b.score.Store(10)

	codec := params.RtpParameters.MediaCodec()
	if codec != nil {
		b.pt = codec.PayloadType
		b.clockRate = codec.ClockRate
	}
	if len(params.RtpParameters.Encodings) > 0 {
		b.ssrc = params.RtpParameters.Encodings[0].Ssrc
	}

	streamParams := RtpStreamParams{
		Ssrc:  b.ssrc,
		Cname: params.RtpParameters.Rtcp.Cname,
		Kind:  params.Kind,
	}
	if codec != nil {
		streamParams.PayloadType = codec.PayloadType
		streamParams.MimeType = codec.MimeType
		streamParams.ClockRate = codec.ClockRate
		for _, fb := range codec.RtcpFeedback {
			if fb.Type == "nack" && fb.Parameter == "" {
				streamParams.UseNack = true
			}
		}
	}
	b.rtpStream = NewRtpStreamSend(streamParams, log)

	return b
}

// ExtensionIds exposes the consumer-side header extension id set; the
// pacer stamps abs-send-time and the wide sequence number into it.
func (b *consumerBase) ExtensionIds() RtpHeaderExtensionIds { return b.extIds }

func (b *consumerBase) ID() string            { return b.params.ID }
func (b *consumerBase) ProducerID() string    { return b.params.ProducerID }
func (b *consumerBase) Kind() MediaKind       { return b.params.Kind }
func (b *consumerBase) MediaSsrcs() []uint32  { return []uint32{b.ssrc} }
func (b *consumerBase) Paused() bool          { return b.paused.Load() }
func (b *consumerBase) ProducerPaused() bool  { return b.producerPaused.Load() }
func (b *consumerBase) Pause()                { b.paused.Store(true) }
func (b *consumerBase) Resume()               { b.paused.Store(false) }
func (b *consumerBase) ProducerPause()        { b.producerPaused.Store(true) }
func (b *consumerBase) ProducerResume()       { b.producerPaused.Store(false) }

func (b *consumerBase) active() bool {
	return !b.closed.Load() && !b.paused.Load() && !b.producerPaused.Load()
}

// forward rewrites and emits one packet; the caller has already decided
// it belongs on this consumer's stream. self is the concrete consumer for
// callback identity.
func (b *consumerBase) forward(self Consumer, ep *ExtPacket, syncRequested bool) {
	seq := ep.Packet.SequenceNumber

	if syncRequested {
		b.seqManager.Sync(seq - 1)
		if b.tsOffsetSet {
			// continue the egress clock one tick after the last sent frame
			b.tsOffset = ep.Packet.Timestamp - (b.lastOutTs + 1)
		}
	}

	if !b.active() {
		// advance accounting so the egress stream is contiguous on resume
		b.seqManager.Drop(seq)
		return
	}

	if len(ep.Packet.Payload) == 0 {
		// padding-only probation packet; compact it out of the sequence
		b.seqManager.Drop(seq)
		return
	}

	outSeq, ok := b.seqManager.Input(seq)
	if !ok {
		return
	}

	if !b.tsOffsetSet {
		b.tsOffsetSet = true
		b.tsOffset = 0
	}
	outTs := ep.Packet.Timestamp - b.tsOffset

	// value copy; the extension rewrite builds a fresh slice so the
	// shared ingress header is never disturbed
	header := ep.Packet.Header
	header.SSRC = b.ssrc
	header.PayloadType = b.pt
	header.SequenceNumber = outSeq
	header.Timestamp = outTs
	RewriteExtensionIds(&header, b.params.RecvExtensionIds, b.extIds)

	b.lastOutTs = outTs

	nowMs := ep.Arrival.UnixMilli()
	if b.rtpStream.rtxCache != nil {
		pkt := rtp.Packet{Header: header, Payload: ep.Packet.Payload}
		if data, err := pkt.Marshal(); err == nil {
			b.rtpStream.SendPacket(outSeq, outTs, data, nowMs)
		}
	} else {
		b.rtpStream.SendPacket(outSeq, outTs, ep.Packet.Payload, nowMs)
	}

	if b.callbacks.OnRtpPacket != nil {
		b.callbacks.OnRtpPacket(self, &header, ep.Packet.Payload)
	}
}

// getRtcp emits an SR plus SDES CNAME on every call once the stream has
// sent a packet; the transport's RTCP timer sets the cadence.
func (b *consumerBase) getRtcp(now time.Time) []rtcp.Packet {
	if b.closed.Load() {
		return nil
	}
	sr := b.rtpStream.GetRtcpSenderReport(now)
	if sr == nil {
		return nil
	}
	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{b.rtpStream.GetRtcpSdesChunk()},
	}
	return []rtcp.Packet{sr, sdes}
}

func (b *consumerBase) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if b.closed.Load() {
		return
	}
	nowMs := time.Now().UnixMilli()
	for _, data := range b.rtpStream.ReceiveNack(nack, nowMs) {
		if b.callbacks.OnRetransmit != nil {
			b.callbacks.OnRetransmit(b.self, data)
		}
	}
}

func (b *consumerBase) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport, arrival time.Time) {
	b.rtpStream.ReceiveRtcpReceiverReport(report, arrival)
}

func (b *consumerBase) GetScore() uint8 {
	return uint8(b.score.Load())
}

// updateScore folds a new producer-side score in and schedules the
// listener notification, coalescing bursts.
func (b *consumerBase) updateScore(self Consumer, score uint8) {
	old := uint8(b.score.Swap(uint32(score)))
	if old == score {
		return
	}
	if b.callbacks.OnScoreChanged != nil {
		b.scoreDebounce(func() {
			if !b.closed.Load() {
				b.callbacks.OnScoreChanged(self, uint8(b.score.Load()))
			}
		})
	}
}

func (b *consumerBase) GetStats(nowMs int64) ConsumerStats {
	return ConsumerStats{Stream: b.rtpStream.getStats(nowMs)}
}

func (b *consumerBase) close() bool {
	return b.closed.CompareAndSwap(false, true)
}
