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
	"go.uber.org/atomic"
)

// default per-layer bitrates when the producer declares none, low to high
var defaultLayerBitrates = []uint32{150_000, 500_000, 1_500_000}

// SimulcastConsumer subscribes to a multi-encoding producer and forwards
// exactly one spatial layer at a time. Upward switches wait for a key
// frame on the target layer; downward switches take effect on the next
// packet of the lower layer.
type SimulcastConsumer struct {
	consumerBase

	producerMappedSsrcs []uint32
	layerBitrates       []uint32

	preferredSpatial  atomic.Int32
	preferredTemporal atomic.Int32
	currentSpatial    atomic.Int32
	targetSpatial     atomic.Int32

	syncPending bool

	producerScores []uint8
}

func NewSimulcastConsumer(params ConsumerParams, producerMappedSsrcs []uint32, layerBitrates []uint32, callbacks ConsumerCallbacks) *SimulcastConsumer {
	c := &SimulcastConsumer{
		consumerBase:        newConsumerBase(params, callbacks),
		producerMappedSsrcs: producerMappedSsrcs,
		layerBitrates:       make([]uint32, len(producerMappedSsrcs)),
		producerScores:      make([]uint8, len(producerMappedSsrcs)),
	}
	c.self = c

	for i := range c.layerBitrates {
		if i < len(layerBitrates) && layerBitrates[i] != 0 {
			c.layerBitrates[i] = layerBitrates[i]
		} else if i < len(defaultLayerBitrates) {
			c.layerBitrates[i] = defaultLayerBitrates[i]
		} else {
			c.layerBitrates[i] = defaultLayerBitrates[len(defaultLayerBitrates)-1]
		}
	}

	c.preferredSpatial.Store(int32(len(producerMappedSsrcs) - 1))
	c.preferredTemporal.Store(-1)
	c.currentSpatial.Store(-1)
	c.targetSpatial.Store(0)

	return c
}

func (c *SimulcastConsumer) Type() ConsumerType { return ConsumerTypeSimulcast }

func (c *SimulcastConsumer) CurrentLayer() int16 { return int16(c.currentSpatial.Load()) }
func (c *SimulcastConsumer) TargetLayer() int16  { return int16(c.targetSpatial.Load()) }

func (c *SimulcastConsumer) SendRtpPacket(ep *ExtPacket) {
	idx := int32(ep.EncodingIdx)
	current := c.currentSpatial.Load()
	target := c.targetSpatial.Load()

	if idx == target && target != current && ep.KeyFrame {
		// the target layer produced a key frame: switch now
		c.currentSpatial.Store(target)
		current = target
		c.syncPending = true
		if c.callbacks.OnLayersChanged != nil {
			c.callbacks.OnLayersChanged(c, int16(target))
		}
	}

	if idx != current {
		return
	}

	sync := c.syncPending
	c.syncPending = false
	c.forward(c, ep, sync)
}

func (c *SimulcastConsumer) GetRtcp(now time.Time) []rtcp.Packet {
	return c.getRtcp(now)
}

// ReceiveKeyFrameRequest re-keys the layer currently flowing to this
// consumer.
func (c *SimulcastConsumer) ReceiveKeyFrameRequest(ssrc uint32) {
	if c.closed.Load() {
		return
	}
	layer := c.currentSpatial.Load()
	if layer < 0 {
		layer = c.targetSpatial.Load()
	}
	if layer < 0 || int(layer) >= len(c.producerMappedSsrcs) {
		return
	}
	if c.callbacks.OnKeyFrameRequested != nil {
		c.callbacks.OnKeyFrameRequested(c, c.producerMappedSsrcs[layer])
	}
}

func (c *SimulcastConsumer) SetProducerScore(encodingIdx int, score uint8) {
	if encodingIdx < 0 || encodingIdx >= len(c.producerScores) {
		return
	}
	c.producerScores[encodingIdx] = score
	if int32(encodingIdx) == c.currentSpatial.Load() {
		c.updateScore(c, score)
	}
}

// SetPreferredLayers clamps and applies the subscriber's preference and
// returns the effective values.
func (c *SimulcastConsumer) SetPreferredLayers(spatial, temporal int16) (int16, int16) {
	max := int16(len(c.producerMappedSsrcs) - 1)
	if spatial < 0 || spatial > max {
		spatial = max
	}
	c.preferredSpatial.Store(int32(spatial))
	c.preferredTemporal.Store(int32(temporal))

	c.setTargetLayer(int32(spatial))
	return spatial, temporal
}

// ApplyBitrate reselects the target layer under the given budget, never
// above the preferred layer.
func (c *SimulcastConsumer) ApplyBitrate(availableBitrate uint32, nowMs int64) {
	if c.closed.Load() {
		return
	}

	preferred := c.preferredSpatial.Load()
	target := int32(0)
	for i := preferred; i > 0; i-- {
		if c.layerBitrates[i] <= availableBitrate {
			target = i
			break
		}
	}
	c.setTargetLayer(target)
}

func (c *SimulcastConsumer) setTargetLayer(target int32) {
	if target == c.targetSpatial.Load() {
		return
	}
	c.targetSpatial.Store(target)
	current := c.currentSpatial.Load()

	switch {
	case current == -1 || target > current:
		// upward (or initial) switch waits for a key frame on the target
		if c.callbacks.OnKeyFrameRequested != nil && int(target) < len(c.producerMappedSsrcs) {
			c.callbacks.OnKeyFrameRequested(c, c.producerMappedSsrcs[target])
		}
	case target < current:
		// downward switch is immediate; resync on the next packet
		c.currentSpatial.Store(target)
		c.syncPending = true
		if c.callbacks.OnLayersChanged != nil {
			c.callbacks.OnLayersChanged(c, int16(target))
		}
	}
}

func (c *SimulcastConsumer) Dump() ConsumerDump {
	return ConsumerDump{
		ID:             c.params.ID,
		ProducerID:     c.params.ProducerID,
		Kind:           string(c.params.Kind),
		Type:           string(ConsumerTypeSimulcast),
		Paused:         c.paused.Load(),
		ProducerPaused: c.producerPaused.Load(),
		RtpParameters:  c.params.RtpParameters,
		CurrentLayer:   int16(c.currentSpatial.Load()),
		TargetLayer:    int16(c.targetSpatial.Load()),
	}
}

func (c *SimulcastConsumer) ProducerClosed() {
	c.close()
}

func (c *SimulcastConsumer) Close() {
	c.close()
}
