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
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

// Bandwidth usage hypothesis of the over-use detector.
type bandwidthUsage int

const (
	bwNormal bandwidthUsage = iota
	bwUnderusing
	bwOverusing
)

const (
	// one constant table for the multiplicative controller
	rembDecreaseFactor = 0.85
	rembIncreaseFactor = 1.08

	overuseHoldMs = 100  // sustained over-use before a decrease
	normalHoldMs  = 1000 // sustained normal before an increase

	absSendTimeFraction = 18 // 6.18 fixed point seconds
	absSendTimeWrapUs   = int64(1<<24) * 1_000_000 >> absSendTimeFraction

	burstDeltaUs = 5000 // packets this close in send time form one group

	minRembBitrate = 10_000
)

type packetGroup struct {
	sendTimeUs   int64
	firstArrival int64 // µs
	lastArrival  int64
	size         int
}

// RembServer estimates the available downlink bandwidth of the remote
// peer from abs-send-time inter-arrival deltas and reports it back as
// REMB feedback.
type RembServer struct {
	lock   sync.Mutex
	logger logger.Logger

	senderSsrc uint32
	ssrcs      []uint32

	curGroup  *packetGroup
	prevGroup *packetGroup

	estimator overuseEstimator
	hypothesis bandwidthUsage

	// controller state
	availableBitrate float64
	maxBitrate       float64
	overuseSinceMs   int64
	normalSinceMs    int64
	lastNotifiedAt   int64

	// incoming rate over a coarse 1 s window
	windowBytes   int64
	windowStartMs int64
	incomingBps   float64

	onRemb func(pkt *rtcp.ReceiverEstimatedMaximumBitrate)
}

func NewRembServer(initialBitrate float64, log logger.Logger) *RembServer {
	s := &RembServer{
		logger:           log,
		senderSsrc:       rand.Uint32(),
		availableBitrate: initialBitrate,
		estimator:        newOveruseEstimator(),
	}
	return s
}

func (s *RembServer) OnRemb(fn func(pkt *rtcp.ReceiverEstimatedMaximumBitrate)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onRemb = fn
}

// SetSsrcs replaces the SSRC list reported in emitted REMB packets; the
// transport keeps it equal to the mapped SSRCs of attached producers.
func (s *RembServer) SetSsrcs(ssrcs []uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ssrcs = ssrcs
}

// SetMaxBitrate clamps the estimate; zero removes the cap.
func (s *RembServer) SetMaxBitrate(bps float64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.maxBitrate = bps
	if bps > 0 && s.availableBitrate > bps {
		s.availableBitrate = bps
	}
}

// IncomingPacket feeds one received packet carrying abs-send-time.
// absSendTime is the raw 24-bit extension value.
func (s *RembServer) IncomingPacket(arrival time.Time, size int, absSendTime uint32) {
	s.lock.Lock()

	arrivalUs := arrival.UnixMicro()
	nowMs := arrivalUs / 1000
	sendTimeUs := int64(absSendTime) * 1_000_000 >> absSendTimeFraction

	s.updateIncomingRate(nowMs, size)

	if s.curGroup == nil {
		s.curGroup = &packetGroup{
			sendTimeUs:   sendTimeUs,
			firstArrival: arrivalUs,
			lastArrival:  arrivalUs,
			size:         size,
		}
		s.lock.Unlock()
		return
	}

	sendDelta := sendTimeUs - s.curGroup.sendTimeUs
	if sendDelta < -absSendTimeWrapUs/2 {
		sendDelta += absSendTimeWrapUs
	}

	if sendDelta <= burstDeltaUs {
		// same burst group
		s.curGroup.sendTimeUs = sendTimeUs
		s.curGroup.lastArrival = arrivalUs
		s.curGroup.size += size
		s.lock.Unlock()
		return
	}

	var emit *rtcp.ReceiverEstimatedMaximumBitrate
	if s.prevGroup != nil {
		tsDeltaMs := float64(s.curGroup.sendTimeUs-s.prevGroup.sendTimeUs) / 1000.0
		if tsDeltaMs < 0 {
			tsDeltaMs += float64(absSendTimeWrapUs) / 1000.0
		}
		tDeltaMs := float64(s.curGroup.lastArrival-s.prevGroup.lastArrival) / 1000.0
		sizeDelta := s.curGroup.size - s.prevGroup.size

		offset := s.estimator.update(tDeltaMs, tsDeltaMs, sizeDelta, s.hypothesis, nowMs)
		s.hypothesis = s.detect(offset, nowMs)
		emit = s.updateControllerLocked(nowMs)
	}
	s.prevGroup = s.curGroup
	s.curGroup = &packetGroup{
		sendTimeUs:   sendTimeUs,
		firstArrival: arrivalUs,
		lastArrival:  arrivalUs,
		size:         size,
	}

	onRemb := s.onRemb
	s.lock.Unlock()

	if emit != nil && onRemb != nil {
		onRemb(emit)
	}
}

func (s *RembServer) updateIncomingRate(nowMs int64, size int) {
	if s.windowStartMs == 0 || nowMs-s.windowStartMs >= 1000 {
		if s.windowStartMs != 0 {
			elapsed := float64(nowMs - s.windowStartMs)
			s.incomingBps = float64(s.windowBytes) * 8000.0 / elapsed
		}
		s.windowStartMs = nowMs
		s.windowBytes = 0
	}
	s.windowBytes += int64(size)
}

// detect runs the over-use state machine against a fixed ±12.5 ms offset
// threshold.
func (s *RembServer) detect(offsetMs float64, nowMs int64) bandwidthUsage {
	const thresholdMs = 12.5

	switch {
	case offsetMs > thresholdMs:
		if s.overuseSinceMs == 0 {
			s.overuseSinceMs = nowMs
		}
		s.normalSinceMs = 0
		return bwOverusing
	case offsetMs < -thresholdMs:
		s.overuseSinceMs = 0
		s.normalSinceMs = 0
		return bwUnderusing
	default:
		s.overuseSinceMs = 0
		if s.normalSinceMs == 0 {
			s.normalSinceMs = nowMs
		}
		return bwNormal
	}
}

// updateControllerLocked applies the multiplicative controller and builds
// the REMB packet when the estimate moved.
func (s *RembServer) updateControllerLocked(nowMs int64) *rtcp.ReceiverEstimatedMaximumBitrate {
	prev := s.availableBitrate

	switch s.hypothesis {
	case bwOverusing:
		if s.overuseSinceMs != 0 && nowMs-s.overuseSinceMs >= overuseHoldMs {
			s.availableBitrate *= rembDecreaseFactor
			s.overuseSinceMs = nowMs
		}
	case bwNormal:
		if s.normalSinceMs != 0 && nowMs-s.normalSinceMs >= normalHoldMs {
			s.availableBitrate *= rembIncreaseFactor
			s.normalSinceMs = nowMs
		}
	case bwUnderusing:
		// hold
	}

	// never run far ahead of what is actually arriving
	if s.incomingBps > 0 {
		ceiling := s.incomingBps * 1.5
		if s.availableBitrate > ceiling && s.availableBitrate > prev {
			s.availableBitrate = math.Max(prev, ceiling)
		}
	}
	if s.maxBitrate > 0 && s.availableBitrate > s.maxBitrate {
		s.availableBitrate = s.maxBitrate
	}
	if s.availableBitrate < minRembBitrate {
		s.availableBitrate = minRembBitrate
	}

	changed := math.Abs(s.availableBitrate-prev) > prev*0.03
	periodic := nowMs-s.lastNotifiedAt >= 1000
	if !changed && !periodic {
		return nil
	}
	s.lastNotifiedAt = nowMs

	return &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: s.senderSsrc,
		Bitrate:    float32(s.availableBitrate),
		SSRCs:      append([]uint32(nil), s.ssrcs...),
	}
}

// AvailableBitrate returns the current downlink estimate.
func (s *RembServer) AvailableBitrate() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.availableBitrate
}

// ---------------------------------------------------------------------

// overuseEstimator is the Kalman filter over (slope, offset) modelling
// inter-group delay variation as a function of group size delta.
type overuseEstimator struct {
	slope  float64
	offset float64
	e      [2][2]float64
	processNoise [2]float64
	varNoise     float64
	numDeltas    int

	// minimum frame period over a sliding window of send deltas
	tsDeltaHist []tsDelta
}

type tsDelta struct {
	atMs  int64
	delta float64
}

func newOveruseEstimator() overuseEstimator {
	return overuseEstimator{
		slope:        8.0 / 512.0,
		e:            [2][2]float64{{100, 0}, {0, 1e-1}},
		processNoise: [2]float64{1e-13, 1e-3},
		varNoise:     50,
	}
}

// update folds one inter-group observation and returns the estimated
// queuing delay offset in milliseconds.
func (e *overuseEstimator) update(tDeltaMs, tsDeltaMs float64, sizeDelta int, state bandwidthUsage, nowMs int64) float64 {
	minFramePeriod := e.updateMinFramePeriod(tsDeltaMs, nowMs)
	tTsDelta := tDeltaMs - tsDeltaMs
	e.numDeltas++

	// Kalman predict
	e.e[0][0] += e.processNoise[0]
	e.e[1][1] += e.processNoise[1]

	h := [2]float64{float64(sizeDelta), 1.0}
	eh := [2]float64{
		e.e[0][0]*h[0] + e.e[0][1]*h[1],
		e.e[1][0]*h[0] + e.e[1][1]*h[1],
	}

	residual := tTsDelta - e.slope*h[0] - e.offset

	if state == bwNormal {
		// exponential average of the squared residual, clipped to three
		// standard deviations; the averaging weight scales with the
		// minimum frame period
		maxResidual := 3.0 * math.Sqrt(e.varNoise)
		clamped := residual
		if math.Abs(clamped) > maxResidual {
			clamped = math.Copysign(maxResidual, residual)
		}
		alpha := math.Pow(0.995, math.Max(minFramePeriod/30.0, 1.0))
		e.varNoise = alpha*e.varNoise + (1-alpha)*clamped*clamped
		if e.varNoise < 1 {
			e.varNoise = 1
		}
	}

	denom := e.varNoise + h[0]*eh[0] + h[1]*eh[1]
	k := [2]float64{eh[0] / denom, eh[1] / denom}

	e.slope += k[0] * residual
	e.offset += k[1] * residual

	// E = (I - K hᵀ) E
	ikh := [2][2]float64{
		{1 - k[0]*h[0], -k[0] * h[1]},
		{-k[1] * h[0], 1 - k[1]*h[1]},
	}
	e00 := ikh[0][0]*e.e[0][0] + ikh[0][1]*e.e[1][0]
	e01 := ikh[0][0]*e.e[0][1] + ikh[0][1]*e.e[1][1]
	e10 := ikh[1][0]*e.e[0][0] + ikh[1][1]*e.e[1][0]
	e11 := ikh[1][0]*e.e[0][1] + ikh[1][1]*e.e[1][1]
	e.e = [2][2]float64{{e00, e01}, {e10, e11}}

	return e.offset
}

func (e *overuseEstimator) updateMinFramePeriod(tsDeltaMs float64, nowMs int64) float64 {
	kept := e.tsDeltaHist[:0]
	for _, d := range e.tsDeltaHist {
		if nowMs-d.atMs < 1000 {
			kept = append(kept, d)
		}
	}
	e.tsDeltaHist = append(kept, tsDelta{atMs: nowMs, delta: tsDeltaMs})

	min := tsDeltaMs
	for _, d := range e.tsDeltaHist {
		if d.delta < min {
			min = d.delta
		}
	}
	return min
}
