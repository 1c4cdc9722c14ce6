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

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/mediatransportutil"
	"github.com/pion/rtcp"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

const (
	// retransmission cache bounds
	rtxCacheSize  = 512
	rtxMaxAgeMs   = 1000
	srClockToFrac = 65536.0
)

type storedPacket struct {
	data     []byte
	storedAt int64 // ms
}

// RtpStreamSend tracks one SSRC leaving toward a consumer: egress counters,
// SR production, RR consumption (loss/RTT/score) and the retransmission
// cache serving incoming NACKs.
type RtpStreamSend struct {
	RtpStream

	rtxCache *lru.Cache[uint16, *storedPacket]

	lastPacketMs int64
	lastRtpTs    uint32

	// rtt estimation from RR LSR/DLSR
	rttMs        float64
	lastSrNtpMid uint32
	lastSrSentAt time.Time

	nackPacketCount uint64
}

func NewRtpStreamSend(params RtpStreamParams, log logger.Logger) *RtpStreamSend {
	s := &RtpStreamSend{
		RtpStream: newRtpStream(params, log),
	}
	if params.UseNack {
		// lru bounds the count; age is enforced on lookup
		s.rtxCache, _ = lru.New[uint16, *storedPacket](rtxCacheSize)
	}
	return s
}

// SendPacket accounts one outgoing packet and, when NACK is negotiated,
// stores a copy for retransmission.
func (s *RtpStreamSend) SendPacket(seq uint16, rtpTs uint32, data []byte, nowMs int64) {
	s.started = true
	s.maxSeq = seq
	s.packetCount++
	s.byteCount += uint64(len(data))
	s.bitrate.Update(len(data), nowMs)
	s.lastPacketMs = nowMs
	s.lastRtpTs = rtpTs

	if s.rtxCache != nil {
		stored := &storedPacket{
			data:     append([]byte(nil), data...),
			storedAt: nowMs,
		}
		s.rtxCache.Add(seq, stored)
	}
}

// ReceiveNack resolves the requested sequence numbers against the cache.
// Entries older than the age bound are treated as missing.
func (s *RtpStreamSend) ReceiveNack(nack *rtcp.TransportLayerNack, nowMs int64) [][]byte {
	if s.rtxCache == nil {
		return nil
	}

	var out [][]byte
	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			stored, ok := s.rtxCache.Get(seq)
			if !ok {
				s.logger.Debugw("nack for packet not in cache", "seq", seq)
				continue
			}
			if nowMs-stored.storedAt > rtxMaxAgeMs {
				s.rtxCache.Remove(seq)
				continue
			}
			out = append(out, stored.data)
			s.nackPacketCount++
		}
	}
	return out
}

// ReceiveRtcpReceiverReport folds a consumer's RR block into loss, RTT and
// score state.
func (s *RtpStreamSend) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport, now time.Time) {
	s.fractionLost = report.FractionLost
	s.packetsLost = report.TotalLost

	if report.LastSenderReport != 0 && report.LastSenderReport == s.lastSrNtpMid {
		nowNtpMid := uint32(uint64(mediatransportutil.ToNtpTime(now)) >> 16)
		rttFrac := nowNtpMid - report.LastSenderReport - report.Delay
		if int32(rttFrac) > 0 {
			s.rttMs = float64(rttFrac) / srClockToFrac * 1000.0
		}
	}

	s.updateScore(report.FractionLost)
}

// GetRtcpSenderReport extrapolates the RTP clock to now and emits the SR.
// Returns nil before the first packet.
func (s *RtpStreamSend) GetRtcpSenderReport(now time.Time) *rtcp.SenderReport {
	if !s.started {
		return nil
	}

	nowMs := now.UnixMilli()
	ntp := uint64(mediatransportutil.ToNtpTime(now))
	rtpTs := s.lastRtpTs
	if s.params.ClockRate > 0 && nowMs > s.lastPacketMs {
		rtpTs += uint32((nowMs - s.lastPacketMs) * int64(s.params.ClockRate) / 1000)
	}

	s.lastSrNtpMid = uint32(ntp >> 16)
	s.lastSrSentAt = now

	return &rtcp.SenderReport{
		SSRC:        s.params.Ssrc,
		NTPTime:     ntp,
		RTPTime:     rtpTs,
		PacketCount: uint32(s.packetCount),
		OctetCount:  uint32(s.byteCount),
	}
}

// GetRtcpSdesChunk emits the CNAME chunk paired with our SRs.
func (s *RtpStreamSend) GetRtcpSdesChunk() rtcp.SourceDescriptionChunk {
	return rtcp.SourceDescriptionChunk{
		Source: s.params.Ssrc,
		Items: []rtcp.SourceDescriptionItem{{
			Type: rtcp.SDESCNAME,
			Text: s.params.Cname,
		}},
	}
}

func (s *RtpStreamSend) GetRtt() float64 {
	return s.rttMs
}

func (s *RtpStreamSend) getStats(nowMs int64) RtpStreamStats {
	stats := s.RtpStream.getStats(nowMs)
	stats.RoundTripMs = s.rttMs
	return stats
}
