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

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

// RtpStreamRecv tracks one SSRC arriving from a producer: reorder state,
// loss, jitter, upstream NACK generation and RR production.
type RtpStreamRecv struct {
	RtpStream

	nackQueue *NackQueue

	// last sender report, for the LSR/DLSR fields of our RRs
	lastSrNtpMid  uint32
	lastSrArrival time.Time
}

func NewRtpStreamRecv(params RtpStreamParams, log logger.Logger) *RtpStreamRecv {
	s := &RtpStreamRecv{
		RtpStream: newRtpStream(params, log),
	}
	if params.UseNack {
		s.nackQueue = NewNackQueue()
	}
	return s
}

// ReceivePacket validates and accounts one packet. Returns false when the
// packet is a stray that must not be forwarded.
func (s *RtpStreamRecv) ReceivePacket(ep *ExtPacket) bool {
	seq := ep.Packet.SequenceNumber

	hadState := s.started
	prevMax := s.maxSeq

	if !s.updateSeq(seq) {
		s.logger.Warnw("stray packet discarded", nil,
			"ssrc", s.params.Ssrc, "seq", seq)
		return false
	}

	arrivalMs := ep.Arrival.UnixMilli()
	size := ep.Packet.MarshalSize()
	s.packetCount++
	s.byteCount += uint64(size)
	s.bitrate.Update(size, arrivalMs)
	s.updateJitter(arrivalMs, ep.Packet.Timestamp)

	if s.nackQueue != nil {
		if hadState && isSeqHigher(seq, prevMax) {
			for missing := prevMax + 1; missing != seq; missing++ {
				s.nackQueue.Push(missing)
			}
		} else if hadState && !isSeqHigher(seq, prevMax) {
			// late arrival fills a hole
			s.nackQueue.Remove(seq)
		}
	}

	return true
}

// GetNackPairs drains the due retransmission requests.
func (s *RtpStreamRecv) GetNackPairs() ([]rtcp.NackPair, int) {
	if s.nackQueue == nil {
		return nil, 0
	}
	return s.nackQueue.Pairs()
}

func (s *RtpStreamRecv) ReceiveRtcpSenderReport(report *rtcp.SenderReport, arrival time.Time) {
	s.lastSrNtpMid = uint32(report.NTPTime >> 16)
	s.lastSrArrival = arrival
}

// GetRtcpReceptionReport builds the RR block for this stream and folds the
// interval loss into the stream score.
func (s *RtpStreamRecv) GetRtcpReceptionReport(now time.Time) *rtcp.ReceptionReport {
	if !s.started {
		return nil
	}

	extended := s.GetExtendedHighestSequence()
	expected := extended - s.baseSeq + 1

	lost := uint32(0)
	if expected > s.received {
		lost = expected - s.received
	}
	s.packetsLost = lost

	expectedInterval := expected - s.expectedPrior
	s.expectedPrior = expected
	receivedInterval := s.received - s.receivedPrior
	s.receivedPrior = s.received

	lostInterval := int32(expectedInterval) - int32(receivedInterval)
	fraction := uint8(0)
	if expectedInterval != 0 && lostInterval > 0 {
		fraction = uint8((uint32(lostInterval) << 8) / expectedInterval)
	}
	s.fractionLost = fraction
	s.updateScore(fraction)

	report := &rtcp.ReceptionReport{
		SSRC:               s.params.Ssrc,
		FractionLost:       fraction,
		TotalLost:          lost & 0x00FFFFFF,
		LastSequenceNumber: extended,
		Jitter:             s.GetJitter(),
	}
	if !s.lastSrArrival.IsZero() {
		report.LastSenderReport = s.lastSrNtpMid
		dlsr := now.Sub(s.lastSrArrival)
		report.Delay = uint32(dlsr.Seconds() * 65536)
	}
	return report
}
