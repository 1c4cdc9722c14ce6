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

package bwe

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"go.uber.org/atomic"

	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu/pacer"
)

const (
	tccEmitInterval    = 2 * time.Second
	tccDecreaseTrigger = 0.75

	lossIncreaseThreshold = 0.02
	lossDecreaseThreshold = 0.10
	lossIncreaseFactor    = 1.05

	sentInfoRingSize = 1 << 12
)

type sentInfo struct {
	wideSeq uint16
	size    int
	sentAt  int64 // µs
	valid   bool
}

// TransportCongestionControlClient owns the egress side of the congestion
// loop: it feeds packets to the pacer, records send times by wide
// sequence number, consumes transport-wide feedback and REMB, and emits
// available-bitrate events to the transport.
type TransportCongestionControlClient struct {
	lock   sync.Mutex
	logger logger.Logger

	pacer        pacer.Pacer
	transportSeq atomic.Uint32

	sent [sentInfoRingSize]sentInfo

	targetBitrate  float64
	minBitrate     float64
	maxBitrate     float64
	initialBitrate float64

	lastEmitted   uint32
	lastEmittedAt time.Time

	onAvailableBitrate func(available uint32, previous uint32)
}

func NewTransportCongestionControlClient(initialBitrate, minBitrate, maxBitrate float64, p pacer.Pacer, log logger.Logger) *TransportCongestionControlClient {
	return &TransportCongestionControlClient{
		logger:         log,
		pacer:          p,
		targetBitrate:  initialBitrate,
		initialBitrate: initialBitrate,
		minBitrate:     minBitrate,
		maxBitrate:     maxBitrate,
	}
}

func (c *TransportCongestionControlClient) OnAvailableBitrate(fn func(available uint32, previous uint32)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onAvailableBitrate = fn
}

// NextTransportSeq hands out the wide sequence number stamped on egress
// packets; the pacer pulls it at send time.
func (c *TransportCongestionControlClient) NextTransportSeq() uint16 {
	return uint16(c.transportSeq.Inc())
}

// InsertPacket queues one packet into the pacer.
func (c *TransportCongestionControlClient) InsertPacket(p *pacer.Packet) {
	inner := p.OnSent
	p.OnSent = func(wideSeq uint16, headerSize, payloadSize int, sentAt time.Time) {
		c.PacketSent(wideSeq, headerSize+payloadSize, sentAt)
		if inner != nil {
			inner(wideSeq, headerSize, payloadSize, sentAt)
		}
	}
	c.pacer.Enqueue(p)
}

// PacketSent records a just-sent packet for feedback matching.
func (c *TransportCongestionControlClient) PacketSent(wideSeq uint16, size int, sentAt time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent[int(wideSeq)%sentInfoRingSize] = sentInfo{
		wideSeq: wideSeq,
		size:    size,
		sentAt:  sentAt.UnixMicro(),
		valid:   true,
	}
}

// ReceiveRtcpTransportFeedback updates the loss-driven controller from a
// transport-wide feedback packet.
func (c *TransportCongestionControlClient) ReceiveRtcpTransportFeedback(fb *rtcp.TransportLayerCC) {
	total := int(fb.PacketStatusCount)
	if total == 0 {
		return
	}
	received := len(fb.RecvDeltas)
	if received > total {
		received = total
	}
	lossRatio := float64(total-received) / float64(total)

	c.lock.Lock()
	prev := c.targetBitrate
	switch {
	case lossRatio < lossIncreaseThreshold:
		c.targetBitrate *= lossIncreaseFactor
	case lossRatio > lossDecreaseThreshold:
		c.targetBitrate *= 1.0 - 0.5*lossRatio
	}
	c.clampLocked()
	target := c.targetBitrate
	c.lock.Unlock()

	if target != prev {
		c.pacer.SetTargetBitrate(int(target))
	}
	c.maybeEmit()
}

// ReceiveEstimatedBitrate feeds a REMB value into the controller; the
// remote estimate is an upper bound on the target.
func (c *TransportCongestionControlClient) ReceiveEstimatedBitrate(bps float64) {
	c.lock.Lock()
	if bps > 0 && bps < c.targetBitrate {
		c.targetBitrate = bps
		c.clampLocked()
	}
	target := c.targetBitrate
	c.lock.Unlock()

	c.pacer.SetTargetBitrate(int(target))
	c.maybeEmit()
}

func (c *TransportCongestionControlClient) clampLocked() {
	if c.maxBitrate > 0 && c.targetBitrate > c.maxBitrate {
		c.targetBitrate = c.maxBitrate
	}
	if c.targetBitrate < c.minBitrate {
		c.targetBitrate = c.minBitrate
	}
}

// maybeEmit notifies the transport of the available bitrate on first
// estimate, every 2 s, or immediately on a sharp decrease.
func (c *TransportCongestionControlClient) maybeEmit() {
	c.lock.Lock()
	now := time.Now()
	available := uint32(c.targetBitrate)
	first := c.lastEmittedAt.IsZero()
	periodic := !first && now.Sub(c.lastEmittedAt) >= tccEmitInterval
	sharpDecrease := !first && float64(available) < float64(c.lastEmitted)*tccDecreaseTrigger
	if !first && !periodic && !sharpDecrease {
		c.lock.Unlock()
		return
	}
	previous := c.lastEmitted
	c.lastEmitted = available
	c.lastEmittedAt = now
	onAvailableBitrate := c.onAvailableBitrate
	c.lock.Unlock()

	if onAvailableBitrate != nil {
		onAvailableBitrate(available, previous)
	}
}

// AvailableBitrate returns the current send-side target.
func (c *TransportCongestionControlClient) AvailableBitrate() uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return uint32(c.targetBitrate)
}
