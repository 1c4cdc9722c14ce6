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
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

const (
	keyFrameRetryDelay = 2 * time.Second
	keyFrameMaxRetries = 2
)

type keyFrameRequestInfo struct {
	retries int
	timer   *time.Timer
}

// KeyFrameRequestManager debounces key frame requests per SSRC: one
// outstanding request at a time, re-emitted after 2 s without a key frame,
// at most twice before giving up until the next explicit request.
type KeyFrameRequestManager struct {
	lock     sync.Mutex
	requests map[uint32]*keyFrameRequestInfo
	stop     core.Fuse
	logger   logger.Logger

	onKeyFrameNeeded func(ssrc uint32)
}

func NewKeyFrameRequestManager(log logger.Logger) *KeyFrameRequestManager {
	return &KeyFrameRequestManager{
		requests: make(map[uint32]*keyFrameRequestInfo),
		logger:   log,
	}
}

func (m *KeyFrameRequestManager) OnKeyFrameNeeded(fn func(ssrc uint32)) {
	m.onKeyFrameNeeded = fn
}

// KeyFrameNeeded requests a key frame for ssrc. A request already in
// flight for the same SSRC is coalesced.
func (m *KeyFrameRequestManager) KeyFrameNeeded(ssrc uint32) {
	if m.stop.IsBroken() {
		return
	}

	m.lock.Lock()
	if _, pending := m.requests[ssrc]; pending {
		m.lock.Unlock()
		return
	}
	info := &keyFrameRequestInfo{}
	info.timer = time.AfterFunc(keyFrameRetryDelay, func() { m.onRetryTimer(ssrc) })
	m.requests[ssrc] = info
	m.lock.Unlock()

	if m.onKeyFrameNeeded != nil {
		m.onKeyFrameNeeded(ssrc)
	}
}

// ForceKeyFrameNeeded bypasses the debounce and restarts the watchdog.
func (m *KeyFrameRequestManager) ForceKeyFrameNeeded(ssrc uint32) {
	if m.stop.IsBroken() {
		return
	}

	m.lock.Lock()
	if info, pending := m.requests[ssrc]; pending {
		info.timer.Stop()
		info.retries = 0
		info.timer = time.AfterFunc(keyFrameRetryDelay, func() { m.onRetryTimer(ssrc) })
	} else {
		info := &keyFrameRequestInfo{}
		info.timer = time.AfterFunc(keyFrameRetryDelay, func() { m.onRetryTimer(ssrc) })
		m.requests[ssrc] = info
	}
	m.lock.Unlock()

	if m.onKeyFrameNeeded != nil {
		m.onKeyFrameNeeded(ssrc)
	}
}

// KeyFrameReceived clears the outstanding request for ssrc.
func (m *KeyFrameRequestManager) KeyFrameReceived(ssrc uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if info, pending := m.requests[ssrc]; pending {
		info.timer.Stop()
		delete(m.requests, ssrc)
	}
}

func (m *KeyFrameRequestManager) onRetryTimer(ssrc uint32) {
	if m.stop.IsBroken() {
		return
	}

	m.lock.Lock()
	info, pending := m.requests[ssrc]
	if !pending {
		m.lock.Unlock()
		return
	}
	if info.retries >= keyFrameMaxRetries {
		// give up for this epoch
		delete(m.requests, ssrc)
		m.lock.Unlock()
		m.logger.Debugw("key frame request expired", "ssrc", ssrc)
		return
	}
	info.retries++
	info.timer = time.AfterFunc(keyFrameRetryDelay, func() { m.onRetryTimer(ssrc) })
	m.lock.Unlock()

	if m.onKeyFrameNeeded != nil {
		m.onKeyFrameNeeded(ssrc)
	}
}

func (m *KeyFrameRequestManager) Close() {
	if m.stop.IsBroken() {
		return
	}
	m.stop.Break()

	m.lock.Lock()
	defer m.lock.Unlock()
	for ssrc, info := range m.requests {
		info.timer.Stop()
		delete(m.requests, ssrc)
	}
}
