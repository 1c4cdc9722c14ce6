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

// Package testutils builds wire-format RTP packets for tests without
// depending on the core packages.
package testutils

import (
	"github.com/pion/rtp"
)

type TestPacketParams struct {
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte

	// header extensions, one-byte form
	MidExtID   uint8
	Mid        string
	RidExtID   uint8
	Rid        string
	TWCCExtID  uint8
	TWCCSeq    uint16
	AbsExtID   uint8
	AbsSendTime uint32 // raw 24 bit
}

// GetTestRtpPacket builds an rtp.Packet and its marshaled form.
func GetTestRtpPacket(params TestPacketParams) (*rtp.Packet, []byte, error) {
	payload := params.Payload
	if payload == nil {
		payload = []byte{0x01, 0x02, 0x03, 0x04}
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         params.Marker,
			PayloadType:    params.PayloadType,
			SequenceNumber: params.SequenceNumber,
			Timestamp:      params.Timestamp,
			SSRC:           params.SSRC,
		},
		Payload: payload,
	}

	if params.MidExtID != 0 {
		pkt.Header.Extension = true
		pkt.Header.ExtensionProfile = 0xBEDE
		if err := pkt.Header.SetExtension(params.MidExtID, []byte(params.Mid)); err != nil {
			return nil, nil, err
		}
	}
	if params.RidExtID != 0 {
		pkt.Header.Extension = true
		pkt.Header.ExtensionProfile = 0xBEDE
		if err := pkt.Header.SetExtension(params.RidExtID, []byte(params.Rid)); err != nil {
			return nil, nil, err
		}
	}
	if params.TWCCExtID != 0 {
		pkt.Header.Extension = true
		pkt.Header.ExtensionProfile = 0xBEDE
		ext := rtp.TransportCCExtension{TransportSequence: params.TWCCSeq}
		payload, err := ext.Marshal()
		if err != nil {
			return nil, nil, err
		}
		if err = pkt.Header.SetExtension(params.TWCCExtID, payload); err != nil {
			return nil, nil, err
		}
	}
	if params.AbsExtID != 0 {
		pkt.Header.Extension = true
		pkt.Header.ExtensionProfile = 0xBEDE
		abs := []byte{
			byte(params.AbsSendTime >> 16),
			byte(params.AbsSendTime >> 8),
			byte(params.AbsSendTime),
		}
		if err := pkt.Header.SetExtension(params.AbsExtID, abs); err != nil {
			return nil, nil, err
		}
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return pkt, raw, nil
}

// VP8KeyFramePayload is a minimal VP8 payload whose descriptor marks the
// start of a partition and whose first frame octet has the P bit clear.
func VP8KeyFramePayload() []byte {
	return []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
}

// VP8InterFramePayload has the P bit set: not a key frame.
func VP8InterFramePayload() []byte {
	return []byte{0x10, 0x01, 0x9d, 0x01, 0x2a}
}
