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

package twcc

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

var errNotSerializable = errors.New("feedback packet has no received pairs")

const feedbackInterval = 100 * time.Millisecond

// Server is the receive-side transport-wide congestion control feedback
// producer: it collects (wide sequence number, arrival time) pairs from
// ingress RTP and emits feedback packets, on a 100 ms cadence and eagerly
// whenever the current packet refuses a pair or fills up.
type Server struct {
	lock   sync.Mutex
	logger logger.Logger

	senderSsrc uint32
	mediaSsrc  uint32
	fbPktCount uint8
	packet     *FeedbackPacket

	onFeedback func(pkt rtcp.RawPacket)
	stop       core.Fuse
}

func NewServer(mediaSsrc uint32, log logger.Logger) *Server {
	s := &Server{
		logger:     log,
		senderSsrc: rand.Uint32(),
		mediaSsrc:  mediaSsrc,
	}
	s.packet = NewFeedbackPacket(s.senderSsrc, s.mediaSsrc, s.fbPktCount)

	go s.worker()
	return s
}

// OnFeedback sets the sink for serialized feedback packets.
func (s *Server) OnFeedback(fn func(pkt rtcp.RawPacket)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onFeedback = fn
}

// IncomingPacket records the arrival of one packet carrying a
// transport-wide sequence number.
func (s *Server) IncomingPacket(arrival time.Time, wideSeq uint16) {
	if s.stop.IsBroken() {
		return
	}

	tsUs := arrival.UnixMicro()

	s.lock.Lock()
	var emit []rtcp.RawPacket
	if !s.packet.AddPacket(wideSeq, tsUs) {
		if pkt := s.rotateLocked(); pkt != nil {
			emit = append(emit, pkt)
		}
		// the fresh packet carries the refused pair after the pre-base
		if !s.packet.AddPacket(wideSeq, tsUs) {
			s.logger.Warnw("feedback pair refused by fresh packet", nil, "wideSeq", wideSeq)
		}
	}
	if s.packet.IsFull() {
		if pkt := s.rotateLocked(); pkt != nil {
			emit = append(emit, pkt)
		}
	}
	onFeedback := s.onFeedback
	s.lock.Unlock()

	if onFeedback != nil {
		for _, pkt := range emit {
			onFeedback(pkt)
		}
	}
}

// rotateLocked serializes the current packet and replaces it with a
// successor seeded with the last accepted pair.
func (s *Server) rotateLocked() rtcp.RawPacket {
	if !s.packet.IsSerializable() {
		return nil
	}
	pkt, err := s.packet.Marshal()
	if err != nil {
		s.logger.Errorw("could not serialize feedback packet", err)
		pkt = nil
	}

	lastSeq, lastTs, ok := s.packet.LastAccepted()
	s.fbPktCount++
	s.packet = NewFeedbackPacket(s.senderSsrc, s.mediaSsrc, s.fbPktCount)
	if ok {
		s.packet.SetPreBase(lastSeq, lastTs)
	}
	return pkt
}

func (s *Server) worker() {
	ticker := time.NewTicker(feedbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop.Watch():
			return
		case <-ticker.C:
			s.lock.Lock()
			pkt := s.rotateLocked()
			onFeedback := s.onFeedback
			s.lock.Unlock()
			if pkt != nil && onFeedback != nil {
				onFeedback(pkt)
			}
		}
	}
}

func (s *Server) Close() {
	s.stop.Break()
}
