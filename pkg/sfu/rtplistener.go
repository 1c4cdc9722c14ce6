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

// RtpListener resolves incoming RTP packets to their producer. Resolution
// precedence: MID header extension, then RID, then the learned SSRC table.
// SSRCs resolved through MID/RID are learned into the SSRC table so later
// packets take the fast path.
type RtpListener struct {
	logger logger.Logger

	ssrcTable map[uint32]*Producer
	midTable  map[string]*Producer
	ridTable  map[string]*Producer
}

func NewRtpListener(log logger.Logger) *RtpListener {
	return &RtpListener{
		logger:    log,
		ssrcTable: make(map[uint32]*Producer),
		midTable:  make(map[string]*Producer),
		ridTable:  make(map[string]*Producer),
	}
}

// AddProducer claims the producer's declared SSRCs, MID and RIDs. Fails
// without touching any table when an identifier is already claimed.
func (l *RtpListener) AddProducer(producer *Producer) error {
	ssrcs := producer.DeclaredSsrcs()
	mid := producer.Mid()
	rids := producer.Rids()

	for _, ssrc := range ssrcs {
		if owner, ok := l.ssrcTable[ssrc]; ok && owner != producer {
			return ErrConflictingSSRC
		}
	}
	if mid != "" {
		if owner, ok := l.midTable[mid]; ok && owner != producer {
			return ErrConflictingMID
		}
	}
	for _, rid := range rids {
		if owner, ok := l.ridTable[rid]; ok && owner != producer {
			return ErrConflictingRID
		}
	}

	for _, ssrc := range ssrcs {
		l.ssrcTable[ssrc] = producer
	}
	if mid != "" {
		l.midTable[mid] = producer
	}
	for _, rid := range rids {
		l.ridTable[rid] = producer
	}
	return nil
}

func (l *RtpListener) RemoveProducer(producer *Producer) {
	for ssrc, owner := range l.ssrcTable {
		if owner == producer {
			delete(l.ssrcTable, ssrc)
		}
	}
	for mid, owner := range l.midTable {
		if owner == producer {
			delete(l.midTable, mid)
		}
	}
	for rid, owner := range l.ridTable {
		if owner == producer {
			delete(l.ridTable, rid)
		}
	}
}

// GetProducer resolves the producer for ep, learning the packet SSRC on a
// MID/RID match.
func (l *RtpListener) GetProducer(ep *ExtPacket) (*Producer, error) {
	ssrc := ep.Packet.SSRC

	if ep.Mid != "" {
		if producer, ok := l.midTable[ep.Mid]; ok {
			l.ssrcTable[ssrc] = producer
			return producer, nil
		}
	}
	if ep.Rid != "" {
		if producer, ok := l.ridTable[ep.Rid]; ok {
			l.ssrcTable[ssrc] = producer
			return producer, nil
		}
	}
	if producer, ok := l.ssrcTable[ssrc]; ok {
		return producer, nil
	}
	return nil, errNoProducerFound
}

func (l *RtpListener) GetProducerBySsrc(ssrc uint32) *Producer {
	return l.ssrcTable[ssrc]
}
