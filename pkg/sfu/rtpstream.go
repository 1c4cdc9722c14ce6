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
	"github.com/mediaswitch/rtpworker/pkg/logger"
)

const (
	maxDropout    = 3000
	maxMisorder   = 100
	rtpSeqMod     = 1 << 16
	minSequential = 0 // streams are pre-validated by the listener, no probation
)

type RtpStreamParams struct {
	Ssrc        uint32
	PayloadType uint8
	MimeType    string
	ClockRate   uint32
	Rid         string
	Cname       string
	Kind        MediaKind
	UseNack     bool
	UsePli      bool
	UseFir      bool
}

// RtpStream holds the per-SSRC reorder and statistics state common to the
// receive and send directions, per RFC 3550 appendix A.1.
type RtpStream struct {
	logger logger.Logger
	params RtpStreamParams

	started bool

	// sequence tracking
	maxSeq   uint16
	cycles   uint32
	baseSeq  uint32
	badSeq   uint32
	received uint32

	// RR interval bookkeeping
	expectedPrior uint32
	receivedPrior uint32

	// interarrival jitter, RFC 3550 units of timestamp ticks
	jitter       float64
	lastArrival  int64 // ms
	lastRtpTs    uint32
	packetsLost  uint32
	fractionLost uint8

	score       uint8
	packetCount uint64
	byteCount   uint64
	bitrate     *RateCalculator
}

func newRtpStream(params RtpStreamParams, log logger.Logger) RtpStream {
	return RtpStream{
		logger:  log,
		params:  params,
		score:   10,
		bitrate: NewRateCalculator(defaultRateWindowMs),
	}
}

func (s *RtpStream) GetSsrc() uint32      { return s.params.Ssrc }
func (s *RtpStream) GetRid() string       { return s.params.Rid }
func (s *RtpStream) GetClockRate() uint32 { return s.params.ClockRate }
func (s *RtpStream) GetScore() uint8      { return s.score }
func (s *RtpStream) GetBitrate(nowMs int64) uint32 {
	return s.bitrate.GetRate(nowMs)
}

// GetExtendedHighestSequence returns cycles | maxSeq; cycles is already
// counted in steps of 2^16.
func (s *RtpStream) GetExtendedHighestSequence() uint32 {
	return s.cycles | uint32(s.maxSeq)
}

func (s *RtpStream) initSeq(seq uint16) {
	s.baseSeq = uint32(seq)
	s.maxSeq = seq
	s.badSeq = rtpSeqMod + 1 // so seq == badSeq is false
	s.cycles = 0
	s.received = 0
	s.receivedPrior = 0
	s.expectedPrior = 0
}

// updateSeq validates a sequence number against the reorder window and
// advances the cycle counter. Returns false when the packet must be
// discarded (a stray from a restarted source).
func (s *RtpStream) updateSeq(seq uint16) bool {
	if !s.started {
		s.started = true
		s.initSeq(seq)
		s.maxSeq = seq - 1
	}

	udelta := seq - s.maxSeq
	switch {
	case udelta < maxDropout:
		// in order, with permissible gap
		if seq < s.maxSeq {
			s.cycles += rtpSeqMod
		}
		s.maxSeq = seq
	case udelta <= rtpSeqMod-maxMisorder:
		// the sequence number made a very large jump
		if uint32(seq) == s.badSeq {
			// two sequential packets: the other side restarted
			s.initSeq(seq)
		} else {
			s.badSeq = uint32(seq+1) & (rtpSeqMod - 1)
			return false
		}
	default:
		// duplicate or reordered packet
	}

	s.received++
	return true
}

// updateJitter folds one arrival into the RFC 3550 interarrival jitter
// estimate. arrivalMs is wall clock, rtpTs the packet timestamp.
func (s *RtpStream) updateJitter(arrivalMs int64, rtpTs uint32) {
	if s.params.ClockRate == 0 {
		return
	}
	if s.lastArrival != 0 {
		arrivalTicks := (arrivalMs - s.lastArrival) * int64(s.params.ClockRate) / 1000
		transitDelta := arrivalTicks - int64(rtpTs-s.lastRtpTs)
		if transitDelta < 0 {
			transitDelta = -transitDelta
		}
		s.jitter += (float64(transitDelta) - s.jitter) / 16.0
	}
	s.lastArrival = arrivalMs
	s.lastRtpTs = rtpTs
}

// GetJitter returns jitter in clock-rate ticks, as reported in RRs.
func (s *RtpStream) GetJitter() uint32 {
	return uint32(s.jitter)
}

// updateScore recomputes the 0..10 health score from the fraction lost of
// the last report interval and current jitter, folded into an
// exponentially weighted average so a single bad interval does not crater
// the score.
func (s *RtpStream) updateScore(fractionLost uint8) {
	lossPenalty := uint32(fractionLost) * 10 / 256 // 0..9
	jitterMs := uint32(0)
	if s.params.ClockRate > 0 {
		jitterMs = uint32(s.jitter) * 1000 / s.params.ClockRate
	}
	jitterPenalty := jitterMs / 50
	instant := int32(10) - int32(lossPenalty) - int32(jitterPenalty)
	if instant < 0 {
		instant = 0
	}

	s.score = uint8((uint32(s.score)*7 + uint32(instant)) / 8)
}

type RtpStreamStats struct {
	Ssrc         uint32  `json:"ssrc"`
	Rid          string  `json:"rid,omitempty"`
	Kind         string  `json:"kind"`
	MimeType     string  `json:"mimeType"`
	PacketCount  uint64  `json:"packetCount"`
	ByteCount    uint64  `json:"byteCount"`
	PacketsLost  uint32  `json:"packetsLost"`
	FractionLost uint8   `json:"fractionLost"`
	Jitter       uint32  `json:"jitter"`
	Bitrate      uint32  `json:"bitrate"`
	Score        uint8   `json:"score"`
	RoundTripMs  float64 `json:"roundTripTime,omitempty"`
}

func (s *RtpStream) getStats(nowMs int64) RtpStreamStats {
	return RtpStreamStats{
		Ssrc:         s.params.Ssrc,
		Rid:          s.params.Rid,
		Kind:         string(s.params.Kind),
		MimeType:     s.params.MimeType,
		PacketCount:  s.packetCount,
		ByteCount:    s.byteCount,
		PacketsLost:  s.packetsLost,
		FractionLost: s.fractionLost,
		Jitter:       s.GetJitter(),
		Bitrate:      s.bitrate.GetRate(nowMs),
		Score:        s.score,
	}
}
