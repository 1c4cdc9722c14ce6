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
)

// SimpleConsumer forwards a single-encoding producer 1:1. Every packet of
// the bound producer flows through, subject only to the pause bits.
type SimpleConsumer struct {
	consumerBase

	producerMappedSsrc uint32
}

func NewSimpleConsumer(params ConsumerParams, producerMappedSsrc uint32, callbacks ConsumerCallbacks) *SimpleConsumer {
	c := &SimpleConsumer{
		consumerBase:       newConsumerBase(params, callbacks),
		producerMappedSsrc: producerMappedSsrc,
	}
	c.self = c
	return c
}

func (c *SimpleConsumer) Type() ConsumerType { return ConsumerTypeSimple }

func (c *SimpleConsumer) SendRtpPacket(ep *ExtPacket) {
	c.forward(c, ep, false)
}

func (c *SimpleConsumer) GetRtcp(now time.Time) []rtcp.Packet {
	return c.getRtcp(now)
}

// ReceiveKeyFrameRequest forwards PLI/FIR for our media SSRC unchanged to
// the producer's stream.
func (c *SimpleConsumer) ReceiveKeyFrameRequest(ssrc uint32) {
	if c.closed.Load() || c.params.Kind != MediaKindVideo {
		return
	}
	if c.callbacks.OnKeyFrameRequested != nil {
		c.callbacks.OnKeyFrameRequested(c, c.producerMappedSsrc)
	}
}

func (c *SimpleConsumer) SetProducerScore(encodingIdx int, score uint8) {
	c.updateScore(c, score)
}

// SetPreferredLayers has no effect on a simple consumer.
func (c *SimpleConsumer) SetPreferredLayers(spatial, temporal int16) (int16, int16) {
	return -1, -1
}

// ApplyBitrate has no effect on a simple consumer.
func (c *SimpleConsumer) ApplyBitrate(availableBitrate uint32, nowMs int64) {}

func (c *SimpleConsumer) Dump() ConsumerDump {
	return ConsumerDump{
		ID:             c.params.ID,
		ProducerID:     c.params.ProducerID,
		Kind:           string(c.params.Kind),
		Type:           string(ConsumerTypeSimple),
		Paused:         c.paused.Load(),
		ProducerPaused: c.producerPaused.Load(),
		RtpParameters:  c.params.RtpParameters,
	}
}

// ProducerClosed tears the consumer down without emitting further
// packets; the transport notifies the controller.
func (c *SimpleConsumer) ProducerClosed() {
	c.close()
}

func (c *SimpleConsumer) Close() {
	c.close()
}
