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

import "strings"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Well-known header extension URIs. Only these are routed; unknown
// extensions are stripped on the consumer path.
const (
	ExtURIMid               = "urn:ietf:params:rtp-hdrext:sdes:mid"
	ExtURIRid               = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	ExtURIRRid              = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
	ExtURIAbsSendTime       = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	ExtURITransportWideCC01 = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	ExtURIFrameMarking      = "urn:ietf:params:rtp-hdrext:framemarking"
	ExtURISsrcAudioLevel    = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	ExtURIVideoOrientation  = "urn:3gpp:video-orientation"
	ExtURIToffset           = "urn:ietf:params:rtp-hdrext:toffset"
)

// RtpHeaderExtensionIds holds the extension id of each recognized slot.
// Zero means the extension is not negotiated. Valid ids are 1..14.
type RtpHeaderExtensionIds struct {
	Mid               uint8 `json:"mid,omitempty"`
	Rid               uint8 `json:"rid,omitempty"`
	RRid              uint8 `json:"rrid,omitempty"`
	AbsSendTime       uint8 `json:"absSendTime,omitempty"`
	TransportWideCC01 uint8 `json:"transportWideCc01,omitempty"`
	FrameMarking      uint8 `json:"frameMarking,omitempty"`
	SsrcAudioLevel    uint8 `json:"ssrcAudioLevel,omitempty"`
	VideoOrientation  uint8 `json:"videoOrientation,omitempty"`
	Toffset           uint8 `json:"toffset,omitempty"`
}

// Merge absorbs the ids declared by a producer into the transport-wide set.
// First writer wins per slot; the transport is the union of its producers.
func (ids *RtpHeaderExtensionIds) Merge(other RtpHeaderExtensionIds) {
	if ids.Mid == 0 {
		ids.Mid = other.Mid
	}
	if ids.Rid == 0 {
		ids.Rid = other.Rid
	}
	if ids.RRid == 0 {
		ids.RRid = other.RRid
	}
	if ids.AbsSendTime == 0 {
		ids.AbsSendTime = other.AbsSendTime
	}
	if ids.TransportWideCC01 == 0 {
		ids.TransportWideCC01 = other.TransportWideCC01
	}
	if ids.FrameMarking == 0 {
		ids.FrameMarking = other.FrameMarking
	}
	if ids.SsrcAudioLevel == 0 {
		ids.SsrcAudioLevel = other.SsrcAudioLevel
	}
	if ids.VideoOrientation == 0 {
		ids.VideoOrientation = other.VideoOrientation
	}
	if ids.Toffset == 0 {
		ids.Toffset = other.Toffset
	}
}

// ExtensionIdsFromParameters extracts the recognized slots from a
// producer's declared header extensions.
func ExtensionIdsFromParameters(exts []RtpHeaderExtensionParameters) RtpHeaderExtensionIds {
	var ids RtpHeaderExtensionIds
	for _, ext := range exts {
		if ext.Id == 0 || ext.Id > 14 {
			continue
		}
		switch ext.Uri {
		case ExtURIMid:
			ids.Mid = ext.Id
		case ExtURIRid:
			ids.Rid = ext.Id
		case ExtURIRRid:
			ids.RRid = ext.Id
		case ExtURIAbsSendTime:
			ids.AbsSendTime = ext.Id
		case ExtURITransportWideCC01:
			ids.TransportWideCC01 = ext.Id
		case ExtURIFrameMarking:
			ids.FrameMarking = ext.Id
		case ExtURISsrcAudioLevel:
			ids.SsrcAudioLevel = ext.Id
		case ExtURIVideoOrientation:
			ids.VideoOrientation = ext.Id
		case ExtURIToffset:
			ids.Toffset = ext.Id
		}
	}
	return ids
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint8          `json:"channels,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

func (c RtpCodecParameters) IsRtx() bool {
	return strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx")
}

type RtpHeaderExtensionParameters struct {
	Uri string `json:"uri"`
	Id  uint8  `json:"id"`
}

type RtpEncodingRtx struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc            uint32          `json:"ssrc,omitempty"`
	Rid             string          `json:"rid,omitempty"`
	Rtx             *RtpEncodingRtx `json:"rtx,omitempty"`
	MaxBitrate      uint32          `json:"maxBitrate,omitempty"`
	ScalabilityMode string          `json:"scalabilityMode,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp,omitempty"`
}

// MediaCodec returns the first non-RTX codec; the canonical codec of the
// stream.
func (p RtpParameters) MediaCodec() *RtpCodecParameters {
	for i := range p.Codecs {
		if !p.Codecs[i].IsRtx() {
			return &p.Codecs[i]
		}
	}
	return nil
}

// RtpMapping translates a producer's wire identifiers into the stable,
// controller-assigned ones routed inside the node.
type RtpMappingCodec struct {
	PayloadType       uint8 `json:"payloadType"`
	MappedPayloadType uint8 `json:"mappedPayloadType"`
}

type RtpMappingEncoding struct {
	Ssrc       uint32 `json:"ssrc,omitempty"`
	Rid        string `json:"rid,omitempty"`
	MappedSsrc uint32 `json:"mappedSsrc"`
}

type RtpMapping struct {
	Codecs    []RtpMappingCodec    `json:"codecs,omitempty"`
	Encodings []RtpMappingEncoding `json:"encodings"`
}
