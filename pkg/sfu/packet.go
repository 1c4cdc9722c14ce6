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
	"strings"
	"time"

	"github.com/pion/rtp"
)

// ExtPacket decorates a parsed RTP packet with the routing state extracted
// on ingress. The underlying buffer belongs to the network layer for the
// duration of one receive call; anything retained past that is copied.
type ExtPacket struct {
	Arrival time.Time
	Packet  *rtp.Packet

	Mid string
	Rid string

	AbsSendTime      uint32 // 24-bit 6.18 fixed point, valid iff HasAbsSendTime
	HasAbsSendTime   bool
	TransportWideSeq uint16
	HasTransportSeq  bool

	KeyFrame bool

	// set by the producer before fan-out
	MappedSsrc  uint32
	EncodingIdx int
}

// ParseRtpPacket parses buf without copying the payload. Returns
// errNilPacket for an empty buffer and the codec's own error for a
// malformed one.
func ParseRtpPacket(buf []byte, arrival time.Time, ids RtpHeaderExtensionIds) (*ExtPacket, error) {
	if len(buf) == 0 {
		return nil, errNilPacket
	}
	p := &rtp.Packet{}
	if err := p.Unmarshal(buf); err != nil {
		return nil, err
	}

	ep := &ExtPacket{
		Arrival: arrival,
		Packet:  p,
	}

	if ids.Mid != 0 {
		if payload := p.Header.GetExtension(ids.Mid); payload != nil {
			ep.Mid = string(payload)
		}
	}
	if ids.Rid != 0 {
		if payload := p.Header.GetExtension(ids.Rid); payload != nil {
			ep.Rid = string(payload)
		}
	}
	if ids.AbsSendTime != 0 {
		if payload := p.Header.GetExtension(ids.AbsSendTime); len(payload) == 3 {
			ep.AbsSendTime = uint32(payload[0])<<16 | uint32(payload[1])<<8 | uint32(payload[2])
			ep.HasAbsSendTime = true
		}
	}
	if ids.TransportWideCC01 != 0 {
		if payload := p.Header.GetExtension(ids.TransportWideCC01); payload != nil {
			var ext rtp.TransportCCExtension
			if err := ext.Unmarshal(payload); err == nil {
				ep.TransportWideSeq = ext.TransportSequence
				ep.HasTransportSeq = true
			}
		}
	}

	return ep, nil
}

// RewriteExtensionIds renumbers the recognized header extensions of h from
// in to out, dropping any slot the target set does not carry. Unrecognized
// extensions are removed.
func RewriteExtensionIds(h *rtp.Header, in, out RtpHeaderExtensionIds) {
	if len(h.Extensions) == 0 {
		return
	}

	pairs := [...][2]uint8{
		{in.Mid, out.Mid},
		{in.Rid, out.Rid},
		{in.RRid, out.RRid},
		{in.AbsSendTime, out.AbsSendTime},
		{in.TransportWideCC01, out.TransportWideCC01},
		{in.FrameMarking, out.FrameMarking},
		{in.SsrcAudioLevel, out.SsrcAudioLevel},
		{in.VideoOrientation, out.VideoOrientation},
		{in.Toffset, out.Toffset},
	}

	type keptExtension struct {
		id      uint8
		payload []byte
	}
	var kept []keptExtension
	for _, pair := range pairs {
		if pair[0] == 0 || pair[1] == 0 {
			continue
		}
		if payload := h.GetExtension(pair[0]); payload != nil {
			kept = append(kept, keptExtension{id: pair[1] & 0xF, payload: payload})
		}
	}

	h.Extensions = []rtp.Extension{}
	if len(kept) == 0 {
		h.Extension = false
		h.ExtensionProfile = 0
		return
	}
	for _, ext := range kept {
		_ = h.SetExtension(ext.id, ext.payload)
	}
}

// IsKeyFrame inspects a codec payload for an intra frame. Only VP8 and
// H264 are parsed; anything else reports false.
func IsKeyFrame(mimeType string, payload []byte) bool {
	switch {
	case strings.EqualFold(mimeType, "video/vp8"):
		return isVP8KeyFrame(payload)
	case strings.EqualFold(mimeType, "video/h264"):
		return isH264KeyFrame(payload)
	}
	return false
}

func isVP8KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	// VP8 payload descriptor, RFC 7741
	idx := 1
	s := payload[0]&0x10 != 0
	if payload[0]&0x80 != 0 { // X
		if len(payload) < idx+1 {
			return false
		}
		x := payload[idx]
		idx++
		if x&0x80 != 0 { // I: PictureID
			if len(payload) < idx+1 {
				return false
			}
			if payload[idx]&0x80 != 0 {
				idx++
			}
			idx++
		}
		if x&0x40 != 0 { // L: TL0PICIDX
			idx++
		}
		if x&0x30 != 0 { // T/K: TID/KEYIDX
			idx++
		}
	}
	if len(payload) <= idx {
		return false
	}
	// first payload octet of the first partition: P bit clear on key frames
	return s && payload[idx]&0x01 == 0
}

func isH264KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	naluType := payload[0] & 0x1F
	switch naluType {
	case 5, 7: // IDR, SPS
		return true
	case 24: // STAP-A
		idx := 1
		for idx+2 < len(payload) {
			size := int(payload[idx])<<8 | int(payload[idx+1])
			idx += 2
			if idx >= len(payload) {
				return false
			}
			t := payload[idx] & 0x1F
			if t == 5 || t == 7 {
				return true
			}
			idx += size
		}
	case 28: // FU-A, start fragment only
		if len(payload) < 2 {
			return false
		}
		if payload[1]&0x80 != 0 {
			t := payload[1] & 0x1F
			return t == 5 || t == 7
		}
	}
	return false
}
