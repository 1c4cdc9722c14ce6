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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rtpworker"

var (
	promPacketsIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_in_total",
	})
	promBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "bytes_in_total",
	})
	promPacketsOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_out_total",
	})
	promBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "bytes_out_total",
	})
	promPacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_dropped_total",
	}, []string{"reason"})
	promRetransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "retransmissions_total",
	})
	promNacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "nacks_in_total",
	})
	promKeyFrameRequestsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "keyframe_requests_in_total",
	}, []string{"kind"})
	promKeyFrameRequestsFwd = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "keyframe_requests_forwarded_total",
	})
	promFeedbackPackets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "twcc_feedback_out_total",
	})
)

func RTPPacketReceived(size int) {
	promPacketsIn.Inc()
	promBytesIn.Add(float64(size))
}

func RTPPacketSent(size int) {
	promPacketsOut.Inc()
	promBytesOut.Add(float64(size))
}

func RTPPacketDropped(reason string) {
	promPacketsDropped.WithLabelValues(reason).Inc()
}

func PacketRetransmitted() {
	promRetransmissions.Inc()
}

func NackReceived() {
	promNacks.Inc()
}

func KeyFrameRequestReceived(kind string) {
	promKeyFrameRequestsIn.WithLabelValues(kind).Inc()
}

func KeyFrameRequestForwarded() {
	promKeyFrameRequestsFwd.Inc()
}

func FeedbackPacketSent() {
	promFeedbackPackets.Inc()
}
