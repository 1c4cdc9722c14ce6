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

package pacer

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

const (
	maxOvershootFactor = 2.0

	defaultInterval = 5 * time.Millisecond
	defaultBitrate  = 10_000_000
)

// LeakyBucket drains the packet queue at the congestion-controller-set
// bitrate, carrying overage and shortage across intervals.
type LeakyBucket struct {
	*Base

	logger logger.Logger

	lock     sync.RWMutex
	packets  deque.Deque[*Packet]
	interval time.Duration
	bitrate  int
	stop     core.Fuse
}

func NewLeakyBucket(log logger.Logger, base *Base) *LeakyBucket {
	l := &LeakyBucket{
		Base:     base,
		logger:   log,
		interval: defaultInterval,
		bitrate:  defaultBitrate,
	}
	l.packets.SetMinCapacity(9)

	go l.sendWorker()
	return l
}

func (l *LeakyBucket) SetTargetBitrate(bps int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if bps > 0 {
		l.bitrate = bps
	}
}

func (l *LeakyBucket) Stop() {
	l.stop.Break()
}

func (l *LeakyBucket) Enqueue(p *Packet) {
	l.lock.Lock()
	l.packets.PushBack(p)
	l.lock.Unlock()
}

func (l *LeakyBucket) sendWorker() {
	timer := time.NewTimer(l.interval)
	overage := 0

	for {
		select {
		case <-l.stop.Watch():
			timer.Stop()
			return
		case <-timer.C:
		}

		l.lock.RLock()
		interval := l.interval
		bitrate := l.bitrate
		l.lock.RUnlock()

		// bytes this interval may carry, adjusting for prior overage
		intervalBytes := int(interval.Seconds() * float64(bitrate) / 8.0)
		maxOvershootBytes := int(float64(intervalBytes) * maxOvershootFactor)
		toSendBytes := intervalBytes - overage
		if toSendBytes < 0 {
			// too much overage, wait for next interval
			overage = -toSendBytes
			timer.Reset(interval)
			continue
		}
		if toSendBytes > maxOvershootBytes {
			toSendBytes = maxOvershootBytes
		}

		for {
			if l.stop.IsBroken() {
				return
			}

			l.lock.Lock()
			if l.packets.Len() == 0 {
				l.lock.Unlock()
				// bank the shortage as overshoot allowance
				overage = -toSendBytes
				timer.Reset(interval)
				break
			}
			p := l.packets.PopFront()
			l.lock.Unlock()

			written := l.Base.SendPacket(p)
			toSendBytes -= written
			if toSendBytes < 0 {
				overage = -toSendBytes
				timer.Reset(interval)
				break
			}
		}
	}
}

// ------------------------------------------------
