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

import "sort"

const seqNumberHalf = uint16(1 << 15)

// isSeqHigher reports whether a is ahead of b in 16-bit wraparound space.
func isSeqHigher(a, b uint16) bool {
	return a != b && a-b < seqNumberHalf
}

//
// SeqManager
//
// Rewrites a producer's sequence-number space into a consumer's, keeping
// the output strictly monotonic across drops and simulcast layer switches.
// Dropped inputs compact the output space so the receiver never observes a
// gap that the node itself introduced.
//
type SeqManager struct {
	started   bool
	base      uint16
	maxInput  uint16
	maxOutput uint16

	// inputs dropped ahead of maxInput, kept sorted; cleared by Sync, and
	// past maxDroppedEntries the oldest is folded into base
	dropped []uint16
}

const maxDroppedEntries = 1000

func NewSeqManager() *SeqManager {
	return &SeqManager{}
}

// Sync aligns the mapping so that seq+1 (the next expected input) maps to
// maxOutput+1; callers pass the sequence number just before the next
// input. Called at stream start and on every layer switch.
func (s *SeqManager) Sync(seq uint16) {
	s.base = s.maxOutput - seq
	s.maxInput = seq
	s.dropped = s.dropped[:0]
	s.started = true
}

// Drop marks an input sequence number as intentionally not forwarded.
// Subsequent inputs shift down to close the hole.
func (s *SeqManager) Drop(seq uint16) {
	if !isSeqHigher(seq, s.maxInput) && s.started {
		// only inputs newer than maxInput can be dropped
		return
	}
	if !s.started {
		s.Sync(seq - 1)
	}

	idx := sort.Search(len(s.dropped), func(i int) bool {
		return !isSeqHigher(seq, s.dropped[i])
	})
	if idx < len(s.dropped) && s.dropped[idx] == seq {
		return
	}
	s.dropped = append(s.dropped, 0)
	copy(s.dropped[idx+1:], s.dropped[idx:])
	s.dropped[idx] = seq
	if len(s.dropped) > maxDroppedEntries {
		// fold the oldest entry into the base offset
		s.base--
		s.dropped = s.dropped[1:]
	}

	s.maxInput = seq
}

// Input maps an incoming sequence number to the output space. Returns
// false for inputs previously dropped.
func (s *SeqManager) Input(seq uint16) (uint16, bool) {
	if !s.started {
		s.Sync(seq - 1)
	}

	// count drops below seq; each one shifts the output down
	idx := sort.Search(len(s.dropped), func(i int) bool {
		return !isSeqHigher(seq, s.dropped[i])
	})
	if idx < len(s.dropped) && s.dropped[idx] == seq {
		return 0, false
	}

	output := seq + s.base - uint16(idx)

	if isSeqHigher(seq, s.maxInput) {
		s.maxInput = seq
	}
	if isSeqHigher(output, s.maxOutput) {
		s.maxOutput = output
	}

	return output, true
}

// MaxOutput returns the highest sequence number handed out so far.
func (s *SeqManager) MaxOutput() uint16 {
	return s.maxOutput
}
