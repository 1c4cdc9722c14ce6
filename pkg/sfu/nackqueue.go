package sfu

import (
	"time"

	"github.com/pion/rtcp"
)

const (
	nackMaxTries      = 5
	nackCacheSize     = 100
	nackMinInterval   = 20 * time.Millisecond
	nackMaxInterval   = 400 * time.Millisecond
	nackInitialDelay  = 10 * time.Millisecond
	nackBackoffFactor = float64(1.25)
)

type nackEntry struct {
	seqNum       uint16
	bornAt       time.Time
	lastNackedAt time.Time
	tries        uint8
}

// NackQueue tracks sequence numbers missing on a receive stream and paces
// upstream NACK emission with per-try backoff.
type NackQueue struct {
	nacks []*nackEntry
	rtt   uint32
}

func NewNackQueue() *NackQueue {
	return &NackQueue{
		nacks: make([]*nackEntry, 0, nackCacheSize),
	}
}

func (n *NackQueue) SetRTT(rtt uint32) {
	n.rtt = rtt
}

// Remove drops sn from the queue, called when the missing packet arrives.
func (n *NackQueue) Remove(sn uint16) {
	for idx, e := range n.nacks {
		if e.seqNum != sn {
			continue
		}
		copy(n.nacks[idx:], n.nacks[idx+1:])
		n.nacks = n.nacks[:len(n.nacks)-1]
		break
	}
}

func (n *NackQueue) Push(sn uint16) {
	if len(n.nacks) == cap(n.nacks) {
		copy(n.nacks[0:], n.nacks[1:])
		n.nacks = n.nacks[:len(n.nacks)-1]
	}
	now := time.Now()
	n.nacks = append(n.nacks, &nackEntry{seqNum: sn, bornAt: now})
}

// Pairs assembles the currently due sequence numbers into NACK pairs.
// Entries past their try budget are purged.
func (n *NackQueue) Pairs() ([]rtcp.NackPair, int) {
	if len(n.nacks) == 0 {
		return nil, 0
	}

	now := time.Now()
	var pairs []rtcp.NackPair
	var np rtcp.NackPair
	active := false
	numNacked := 0
	kept := n.nacks[:0]

	for _, e := range n.nacks {
		if e.tries >= nackMaxTries {
			continue
		}
		if now.Sub(e.bornAt) < nackInitialDelay {
			kept = append(kept, e)
			continue
		}
		interval := time.Duration(float64(nackMinInterval) * pow(nackBackoffFactor, int(e.tries)))
		if interval > nackMaxInterval {
			interval = nackMaxInterval
		}
		if rttInterval := time.Duration(n.rtt) * time.Millisecond; rttInterval > interval {
			interval = rttInterval
		}
		if !e.lastNackedAt.IsZero() && now.Sub(e.lastNackedAt) < interval {
			kept = append(kept, e)
			continue
		}

		e.tries++
		e.lastNackedAt = now
		kept = append(kept, e)
		numNacked++

		if !active {
			np = rtcp.NackPair{PacketID: e.seqNum}
			active = true
			continue
		}
		if diff := e.seqNum - np.PacketID; diff > 0 && diff <= 16 {
			np.LostPackets |= 1 << (diff - 1)
			continue
		}
		pairs = append(pairs, np)
		np = rtcp.NackPair{PacketID: e.seqNum}
	}
	if active {
		pairs = append(pairs, np)
	}
	n.nacks = kept

	return pairs, numNacked
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
