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

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

const (
	rembEventInterval    = 2 * time.Second
	rembMaxEventInterval = 5 * time.Second
)

// BitrateEvent reports the outcome of a REMB evaluation. Exactly one of
// RemainingBitrate / ExceedingBitrate is meaningful, per Exceeding.
type BitrateEvent struct {
	AvailableBitrate uint32
	RemainingBitrate uint32
	ExceedingBitrate uint32
	Exceeding        bool
}

// RembClient consumes REMB feedback from the remote peer and turns it
// into bitrate (re)allocation events for the transport.
type RembClient struct {
	lock   sync.Mutex
	logger logger.Logger

	initialAvailableBitrate uint32
	availableBitrate        uint32
	prevRembBitrate         uint32
	lastEventAt             time.Time

	onBitrateEvent func(event BitrateEvent)
}

func NewRembClient(initialAvailableBitrate uint32, log logger.Logger) *RembClient {
	return &RembClient{
		logger:                  log,
		initialAvailableBitrate: initialAvailableBitrate,
		availableBitrate:        initialAvailableBitrate,
	}
}

func (c *RembClient) OnBitrateEvent(fn func(event BitrateEvent)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onBitrateEvent = fn
}

// ReceiveRembFeedback evaluates one REMB packet against the bitrate
// currently in use on the egress path.
func (c *RembClient) ReceiveRembFeedback(pkt *rtcp.ReceiverEstimatedMaximumBitrate, usedBitrate uint32, now time.Time) {
	c.lock.Lock()

	remb := uint32(pkt.Bitrate)
	elapsed := now.Sub(c.lastEventAt)

	if c.lastEventAt.IsZero() || elapsed >= rembMaxEventInterval {
		// stale state, start over from the configured initial bitrate
		c.availableBitrate = c.initialAvailableBitrate
		c.prevRembBitrate = remb
		c.lastEventAt = now
		c.emitLocked(usedBitrate, 0)
		return
	}

	if elapsed < rembEventInterval {
		c.lock.Unlock()
		return
	}

	trend := int64(remb) - int64(c.prevRembBitrate)
	c.prevRembBitrate = remb
	c.availableBitrate = remb
	if remb < c.initialAvailableBitrate && trend > 0 {
		// climbing back from a dip: do not punish below the floor
		c.availableBitrate = c.initialAvailableBitrate
	}
	c.lastEventAt = now

	c.emitLocked(usedBitrate, trend)
}

// emitLocked classifies the updated estimate; unlocks c.lock.
func (c *RembClient) emitLocked(usedBitrate uint32, trend int64) {
	event := BitrateEvent{AvailableBitrate: c.availableBitrate}

	switch {
	case c.availableBitrate >= usedBitrate:
		event.RemainingBitrate = c.availableBitrate - usedBitrate
	case trend > 0 && c.prevRembBitrate > c.initialAvailableBitrate:
		event.RemainingBitrate = uint32(trend)
	default:
		event.Exceeding = true
		event.ExceedingBitrate = usedBitrate - c.availableBitrate
	}

	onBitrateEvent := c.onBitrateEvent
	c.lock.Unlock()

	if onBitrateEvent != nil {
		onBitrateEvent(event)
	}
}

// AvailableBitrate returns the current allocation budget.
func (c *RembClient) AvailableBitrate() uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.availableBitrate
}
