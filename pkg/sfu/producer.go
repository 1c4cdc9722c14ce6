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

	"github.com/pion/rtcp"
	"go.uber.org/atomic"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

type ProducerType string

const (
	ProducerTypeSimple    ProducerType = "simple"
	ProducerTypeSimulcast ProducerType = "simulcast"
)

type ProducerParams struct {
	ID            string
	Kind          MediaKind
	RtpParameters RtpParameters
	RtpMapping    RtpMapping
	Paused        bool

	// transport-wide extension id set packets are rewritten into before
	// fan-out
	RecvExtensionIds RtpHeaderExtensionIds

	Logger logger.Logger
}

// ProducerCallbacks is the producer's single upstream; all events flow to
// the owning transport.
type ProducerCallbacks struct {
	// OnRtpPacketReceived fans a mangled packet out to consumers.
	OnRtpPacketReceived func(producer *Producer, ep *ExtPacket)
	// OnSendRtcpPacket emits RTCP (PLI/FIR/NACK) toward the remote peer.
	OnSendRtcpPacket func(pkt rtcp.Packet)
	// OnScoreChanged reports per-encoding scores after each RR interval.
	OnScoreChanged func(producer *Producer, scores []ProducerScore)
}

type ProducerScore struct {
	EncodingIdx int    `json:"encodingIdx"`
	Ssrc        uint32 `json:"ssrc"`
	Rid         string `json:"rid,omitempty"`
	Score       uint8  `json:"score"`
}

type producerEncoding struct {
	idx     int
	params  RtpEncodingParameters
	mapping RtpMappingEncoding
	stream  *RtpStreamRecv

	// wire ssrc learned from RID-routed packets
	ssrc    uint32
	rtxSsrc uint32
}

// Producer is the per-source stream state of one peer publication: it
// validates and scores incoming packets, rewrites them into the node's
// canonical identifiers and hands them to the transport for fan-out.
type Producer struct {
	params    ProducerParams
	callbacks ProducerCallbacks
	logger    logger.Logger

	encodings []*producerEncoding
	bySsrc    map[uint32]*producerEncoding
	byRid     map[string]*producerEncoding

	// wire payload type to canonical payload type
	ptMap map[uint8]uint8

	extIds          RtpHeaderExtensionIds
	keyFrameManager *KeyFrameRequestManager

	paused atomic.Bool
	closed atomic.Bool
}

func NewProducer(params ProducerParams, callbacks ProducerCallbacks) (*Producer, error) {
	if len(params.RtpParameters.Encodings) == 0 || len(params.RtpMapping.Encodings) < len(params.RtpParameters.Encodings) {
		return nil, ErrMissingEncodings
	}

	log := params.Logger.WithValues("producerId", params.ID)
	p := &Producer{
		params:    params,
		callbacks: callbacks,
		logger:    log,
		bySsrc:    make(map[uint32]*producerEncoding),
		byRid:     make(map[string]*producerEncoding),
		ptMap:     make(map[uint8]uint8),
		extIds:    ExtensionIdsFromParameters(params.RtpParameters.HeaderExtensions),
	}
	p.paused.Store(params.Paused)

	for _, mc := range params.RtpMapping.Codecs {
		p.ptMap[mc.PayloadType] = mc.MappedPayloadType
	}

	for i, enc := range params.RtpParameters.Encodings {
		pe := &producerEncoding{
			idx:     i,
			params:  enc,
			mapping: params.RtpMapping.Encodings[i],
			ssrc:    enc.Ssrc,
		}
		if enc.Rtx != nil {
			pe.rtxSsrc = enc.Rtx.Ssrc
		}
		p.encodings = append(p.encodings, pe)
		if enc.Ssrc != 0 {
			p.bySsrc[enc.Ssrc] = pe
		}
		if enc.Rid != "" {
			p.byRid[enc.Rid] = pe
		}
	}

	if params.Kind == MediaKindVideo {
		p.keyFrameManager = NewKeyFrameRequestManager(log)
		p.keyFrameManager.OnKeyFrameNeeded(p.onKeyFrameNeeded)
	}

	return p, nil
}

func (p *Producer) ID() string      { return p.params.ID }
func (p *Producer) Kind() MediaKind { return p.params.Kind }
func (p *Producer) Mid() string     { return p.params.RtpParameters.Mid }

func (p *Producer) Type() ProducerType {
	if len(p.encodings) > 1 {
		return ProducerTypeSimulcast
	}
	return ProducerTypeSimple
}

func (p *Producer) ExtensionIds() RtpHeaderExtensionIds { return p.extIds }

// DeclaredSsrcs lists the wire SSRCs (media and RTX) claimed at creation.
func (p *Producer) DeclaredSsrcs() []uint32 {
	var ssrcs []uint32
	for _, enc := range p.encodings {
		if enc.ssrc != 0 {
			ssrcs = append(ssrcs, enc.ssrc)
		}
		if enc.rtxSsrc != 0 {
			ssrcs = append(ssrcs, enc.rtxSsrc)
		}
	}
	return ssrcs
}

func (p *Producer) Rids() []string {
	var rids []string
	for _, enc := range p.encodings {
		if enc.params.Rid != "" {
			rids = append(rids, enc.params.Rid)
		}
	}
	return rids
}

// MappedSsrcs lists the stable SSRCs this producer is routed under.
func (p *Producer) MappedSsrcs() []uint32 {
	ssrcs := make([]uint32, 0, len(p.encodings))
	for _, enc := range p.encodings {
		ssrcs = append(ssrcs, enc.mapping.MappedSsrc)
	}
	return ssrcs
}

func (p *Producer) Paused() bool { return p.paused.Load() }

func (p *Producer) Pause()  { p.paused.Store(true) }
func (p *Producer) Resume() { p.paused.Store(false) }

// ReceiveRtpPacket validates, scores and mangles one packet, then hands
// it to the transport for dispatch unless the producer is paused.
func (p *Producer) ReceiveRtpPacket(ep *ExtPacket) {
	if p.closed.Load() {
		return
	}

	enc := p.resolveEncoding(ep)
	if enc == nil {
		p.logger.Warnw("no encoding matches packet", nil,
			"ssrc", ep.Packet.SSRC, "rid", ep.Rid)
		return
	}
	if ep.Packet.SSRC == enc.rtxSsrc && enc.rtxSsrc != 0 {
		// retransmissions only refresh the nack queue, they do not flow
		if enc.stream != nil && enc.stream.nackQueue != nil && len(ep.Packet.Payload) >= 2 {
			// the first two payload octets carry the original sequence number
			osn := uint16(ep.Packet.Payload[0])<<8 | uint16(ep.Packet.Payload[1])
			enc.stream.nackQueue.Remove(osn)
		}
		p.logger.Debugw("rtx packet absorbed", "ssrc", ep.Packet.SSRC)
		return
	}

	if enc.stream == nil {
		enc.stream = p.createStream(enc)
	}
	if !enc.stream.ReceivePacket(ep) {
		return
	}

	// timely upstream NACKs, not bound to the RTCP interval
	if pairs, _ := enc.stream.GetNackPairs(); len(pairs) > 0 && p.callbacks.OnSendRtcpPacket != nil {
		p.callbacks.OnSendRtcpPacket(&rtcp.TransportLayerNack{
			MediaSSRC: enc.ssrc,
			Nacks:     pairs,
		})
	}

	if p.params.Kind == MediaKindVideo {
		codec := p.params.RtpParameters.MediaCodec()
		if codec != nil {
			ep.KeyFrame = IsKeyFrame(codec.MimeType, ep.Packet.Payload)
		}
		if ep.KeyFrame && p.keyFrameManager != nil {
			p.keyFrameManager.KeyFrameReceived(enc.ssrc)
		}
	}

	// mangle into the canonical identifier space
	ep.MappedSsrc = enc.mapping.MappedSsrc
	ep.EncodingIdx = enc.idx
	ep.Packet.SSRC = enc.mapping.MappedSsrc
	if mapped, ok := p.ptMap[ep.Packet.PayloadType]; ok {
		ep.Packet.PayloadType = mapped
	}
	RewriteExtensionIds(&ep.Packet.Header, p.extIds, p.params.RecvExtensionIds)

	if p.paused.Load() {
		return
	}

	if p.callbacks.OnRtpPacketReceived != nil {
		p.callbacks.OnRtpPacketReceived(p, ep)
	}
}

func (p *Producer) resolveEncoding(ep *ExtPacket) *producerEncoding {
	ssrc := ep.Packet.SSRC
	if enc, ok := p.bySsrc[ssrc]; ok {
		return enc
	}
	if ep.Rid != "" {
		if enc, ok := p.byRid[ep.Rid]; ok {
			// learn the wire ssrc of this encoding
			if enc.ssrc == 0 {
				enc.ssrc = ssrc
			}
			p.bySsrc[ssrc] = enc
			return enc
		}
	}
	if len(p.encodings) == 1 && p.encodings[0].ssrc == 0 {
		enc := p.encodings[0]
		enc.ssrc = ssrc
		p.bySsrc[ssrc] = enc
		return enc
	}
	return nil
}

func (p *Producer) createStream(enc *producerEncoding) *RtpStreamRecv {
	codec := p.params.RtpParameters.MediaCodec()
	streamParams := RtpStreamParams{
		Ssrc: enc.ssrc,
		Rid:  enc.params.Rid,
		Kind: p.params.Kind,
	}
	if codec != nil {
		streamParams.PayloadType = codec.PayloadType
		streamParams.MimeType = codec.MimeType
		streamParams.ClockRate = codec.ClockRate
		for _, fb := range codec.RtcpFeedback {
			switch fb.Type {
			case "nack":
				if fb.Parameter == "" {
					streamParams.UseNack = true
				} else if fb.Parameter == "pli" {
					streamParams.UsePli = true
				}
			case "ccm":
				if fb.Parameter == "fir" {
					streamParams.UseFir = true
				}
			}
		}
	}
	return NewRtpStreamRecv(streamParams, p.logger)
}

// RequestKeyFrame asks the remote peer for a key frame on the encoding
// addressed by its mapped SSRC. No-op for audio.
func (p *Producer) RequestKeyFrame(mappedSsrc uint32) {
	if p.params.Kind != MediaKindVideo || p.keyFrameManager == nil || p.closed.Load() {
		return
	}
	for _, enc := range p.encodings {
		if enc.mapping.MappedSsrc == mappedSsrc {
			if enc.ssrc != 0 {
				p.keyFrameManager.KeyFrameNeeded(enc.ssrc)
			}
			return
		}
	}
}

// onKeyFrameNeeded emits the actual PLI or FIR upstream; invoked by the
// key frame manager on first request and on retries.
func (p *Producer) onKeyFrameNeeded(ssrc uint32) {
	if p.closed.Load() || p.callbacks.OnSendRtcpPacket == nil {
		return
	}

	enc := p.bySsrc[ssrc]
	useFir := false
	if enc != nil && enc.stream != nil {
		useFir = enc.stream.params.UseFir && !enc.stream.params.UsePli
	}
	if useFir {
		p.callbacks.OnSendRtcpPacket(&rtcp.FullIntraRequest{
			MediaSSRC: ssrc,
			FIR:       []rtcp.FIREntry{{SSRC: ssrc}},
		})
	} else {
		p.callbacks.OnSendRtcpPacket(&rtcp.PictureLossIndication{
			MediaSSRC: ssrc,
		})
	}
}

// ReceiveRtcpSenderReport stores SR timing for RR generation.
func (p *Producer) ReceiveRtcpSenderReport(report *rtcp.SenderReport, arrival time.Time) {
	if enc, ok := p.bySsrc[report.SSRC]; ok && enc.stream != nil {
		enc.stream.ReceiveRtcpSenderReport(report, arrival)
	}
}

// GetRtcp appends one reception report per active stream and refreshes
// the per-encoding scores.
func (p *Producer) GetRtcp(now time.Time) []*rtcp.ReceptionReport {
	var reports []*rtcp.ReceptionReport
	var scores []ProducerScore
	scoreChanged := false

	for _, enc := range p.encodings {
		if enc.stream == nil {
			continue
		}
		prevScore := enc.stream.GetScore()
		if report := enc.stream.GetRtcpReceptionReport(now); report != nil {
			reports = append(reports, report)
		}
		if enc.stream.GetScore() != prevScore {
			scoreChanged = true
		}
		scores = append(scores, ProducerScore{
			EncodingIdx: enc.idx,
			Ssrc:        enc.ssrc,
			Rid:         enc.params.Rid,
			Score:       enc.stream.GetScore(),
		})
	}

	if scoreChanged && p.callbacks.OnScoreChanged != nil {
		p.callbacks.OnScoreChanged(p, scores)
	}
	return reports
}

// GetScores returns the current per-encoding scores.
func (p *Producer) GetScores() []ProducerScore {
	var scores []ProducerScore
	for _, enc := range p.encodings {
		score := uint8(0)
		if enc.stream != nil {
			score = enc.stream.GetScore()
		}
		scores = append(scores, ProducerScore{
			EncodingIdx: enc.idx,
			Ssrc:        enc.ssrc,
			Rid:         enc.params.Rid,
			Score:       score,
		})
	}
	return scores
}

// EncodingScore returns the score of one encoding by index.
func (p *Producer) EncodingScore(idx int) uint8 {
	if idx < 0 || idx >= len(p.encodings) {
		return 0
	}
	if p.encodings[idx].stream == nil {
		return 0
	}
	return p.encodings[idx].stream.GetScore()
}

// EncodingBitrate returns the observed bitrate of one encoding.
func (p *Producer) EncodingBitrate(idx int, nowMs int64) uint32 {
	if idx < 0 || idx >= len(p.encodings) {
		return 0
	}
	if p.encodings[idx].stream == nil {
		return 0
	}
	return p.encodings[idx].stream.GetBitrate(nowMs)
}

func (p *Producer) NumEncodings() int { return len(p.encodings) }

type ProducerStats struct {
	Streams []RtpStreamStats `json:"streams"`
}

func (p *Producer) GetStats(nowMs int64) ProducerStats {
	var stats ProducerStats
	for _, enc := range p.encodings {
		if enc.stream != nil {
			stats.Streams = append(stats.Streams, enc.stream.getStats(nowMs))
		}
	}
	return stats
}

type ProducerDump struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Type          string        `json:"type"`
	Paused        bool          `json:"paused"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	RtpMapping    RtpMapping    `json:"rtpMapping"`
}

func (p *Producer) Dump() ProducerDump {
	return ProducerDump{
		ID:            p.params.ID,
		Kind:          string(p.params.Kind),
		Type:          string(p.Type()),
		Paused:        p.paused.Load(),
		RtpParameters: p.params.RtpParameters,
		RtpMapping:    p.params.RtpMapping,
	}
}

// Close stops the key frame watchdogs. Idempotent.
func (p *Producer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.keyFrameManager != nil {
		p.keyFrameManager.Close()
	}
}
