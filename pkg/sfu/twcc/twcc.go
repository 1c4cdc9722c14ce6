package twcc

import (
	"encoding/binary"

	"github.com/gammazero/deque"
	"github.com/pion/rtcp"
)

// Feedback packet builder for
// https://tools.ietf.org/html/draft-holmer-rmcat-transport-wide-cc-extensions-01
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     SSRC of packet sender                     |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      SSRC of media source                     |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|      base sequence number     |      packet status count      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                 reference time                | fb pkt. count |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|          packet chunk         |         packet chunk          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|         packet chunk          |  recv delta   |  recv delta   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	// packet status symbols
	statusNotReceived uint16 = 0
	statusSmallDelta  uint16 = 1
	statusLargeDelta  uint16 = 2

	maxMissingPackets    = uint16(1<<13) - 1
	maxPacketStatusCount = 0xFFFF

	// 250 µs delta units; the largest two-byte delta leaving headroom for
	// the quantization remainder
	deltaUnitUs      = 250
	maxPacketDeltaUs = 0x7FFC * deltaUnitUs

	refTimeUnitUs = 64000 // reference time is in multiples of 64 ms

	maxRtcpPacketLen = 1350 // MTU minus IP/UDP/SRTP overhead

	fixedHeaderLen = 20 // rtcp common header + sender/media ssrc + base/count/ref
)

// FeedbackPacket accumulates (sequence, arrival) pairs into one
// transport-wide feedback packet. Timestamps are carried as 64-bit
// microseconds end to end; only the serialized deltas are quantized.
type FeedbackPacket struct {
	senderSsrc uint32
	mediaSsrc  uint32
	fbPktCount uint8

	preBaseSet bool
	preBaseSeq uint16
	preBaseTs  int64
	seeded     bool // pre-base inherited from the predecessor packet

	baseSet      bool
	baseSeq      uint16
	refTimeUs    int64 // quantized to 64 ms units
	currentTimeQ int64 // arrival clock advanced in whole delta units

	lastSeq uint16
	lastTs  int64

	statuses deque.Deque[uint16]
	deltas   []byte

	full bool
}

func NewFeedbackPacket(senderSsrc, mediaSsrc uint32, fbPktCount uint8) *FeedbackPacket {
	p := &FeedbackPacket{
		senderSsrc: senderSsrc,
		mediaSsrc:  mediaSsrc,
		fbPktCount: fbPktCount,
	}
	p.statuses.SetMinCapacity(7)
	return p
}

// SetPreBase seeds the builder with the last pair accepted by its
// predecessor so consecutive feedback packets form a continuous stream.
func (p *FeedbackPacket) SetPreBase(seq uint16, tsUs int64) {
	p.preBaseSet = true
	p.preBaseSeq = seq
	p.preBaseTs = tsUs
	p.seeded = true
}

// AddPacket records one received packet. Returns false when the pair does
// not fit this packet (missing-run too long, delta too large, or size
// budget exhausted); the caller emits the packet and retries on a
// successor.
func (p *FeedbackPacket) AddPacket(seq uint16, tsUs int64) bool {
	if !p.preBaseSet {
		p.preBaseSeq = seq
		p.preBaseTs = tsUs
		p.preBaseSet = true
		return true
	}

	if !p.baseSet {
		if seq == p.preBaseSeq+1 && tsUs-p.preBaseTs <= maxPacketDeltaUs && tsUs-p.preBaseTs >= -maxPacketDeltaUs {
			// the pre-base and this pair form the true base
			p.establishBase(p.preBaseSeq, p.preBaseTs)
			return p.addReceived(seq, tsUs)
		}
		// pre-base was a stray; restart from this pair
		p.preBaseSeq = seq
		p.preBaseTs = tsUs
		p.seeded = false
		return true
	}

	if seq-p.lastSeq >= 1<<15 || seq == p.lastSeq {
		// older than the last accepted pair: accept and ignore
		return true
	}

	missing := seq - p.lastSeq - 1
	if missing > maxMissingPackets {
		return false
	}
	delta := tsUs - p.lastTs
	if delta > maxPacketDeltaUs || delta < -maxPacketDeltaUs {
		return false
	}
	if p.estimatedSize(int(missing)+1) > maxRtcpPacketLen {
		p.full = true
		return false
	}
	if p.statuses.Len()+int(missing)+1 > maxPacketStatusCount {
		p.full = true
		return false
	}

	for i := uint16(0); i < missing; i++ {
		p.statuses.PushBack(statusNotReceived)
	}
	return p.addReceived(seq, tsUs)
}

func (p *FeedbackPacket) establishBase(seq uint16, tsUs int64) {
	p.baseSet = true
	p.baseSeq = seq
	refTime := tsUs / refTimeUnitUs
	p.refTimeUs = refTime * refTimeUnitUs
	p.currentTimeQ = p.refTimeUs / deltaUnitUs
	p.lastSeq = seq - 1
	p.addReceived(seq, tsUs)
}

func (p *FeedbackPacket) addReceived(seq uint16, tsUs int64) bool {
	deltaQ := tsUs/deltaUnitUs - p.currentTimeQ
	switch {
	case deltaQ >= 0 && deltaQ <= 255:
		p.statuses.PushBack(statusSmallDelta)
		p.deltas = append(p.deltas, byte(deltaQ))
	default:
		p.statuses.PushBack(statusLargeDelta)
		p.deltas = append(p.deltas, byte(uint16(int16(deltaQ))>>8), byte(uint16(int16(deltaQ))))
	}
	p.currentTimeQ += deltaQ
	p.lastSeq = seq
	p.lastTs = tsUs
	return true
}

// LastAccepted returns the most recent accepted pair, the successor's
// pre-base.
func (p *FeedbackPacket) LastAccepted() (uint16, int64, bool) {
	if p.baseSet {
		return p.lastSeq, p.lastTs, true
	}
	if p.preBaseSet {
		return p.preBaseSeq, p.preBaseTs, true
	}
	return 0, 0, false
}

func (p *FeedbackPacket) IsFull() bool {
	return p.full || p.statuses.Len() >= maxPacketStatusCount
}

// IsSerializable reports whether at least one received pair of its own is
// recorded; a pre-base inherited from the predecessor does not count.
func (p *FeedbackPacket) IsSerializable() bool {
	return p.baseSet || (p.preBaseSet && !p.seeded)
}

func (p *FeedbackPacket) estimatedSize(extraStatuses int) int {
	numStatuses := p.statuses.Len() + extraStatuses
	chunkBytes := 2 * ((numStatuses + 6) / 7)
	return fixedHeaderLen + chunkBytes + len(p.deltas) + 2 // worst-case delta of the incoming packet
}

// Marshal serializes into an RTCP transport-layer feedback packet with
// 32-bit padding. A builder holding only a pre-base serializes as a
// single-packet feedback.
func (p *FeedbackPacket) Marshal() (rtcp.RawPacket, error) {
	if !p.baseSet {
		if !p.preBaseSet {
			return nil, errNotSerializable
		}
		p.establishBase(p.preBaseSeq, p.preBaseTs)
	}

	payload := make([]byte, 16, 16+2*p.statuses.Len()+len(p.deltas))
	binary.BigEndian.PutUint32(payload[0:], p.senderSsrc)
	binary.BigEndian.PutUint32(payload[4:], p.mediaSsrc)
	binary.BigEndian.PutUint16(payload[8:], p.baseSeq)
	binary.BigEndian.PutUint16(payload[10:], uint16(p.statuses.Len()))
	refTime := uint32(p.refTimeUs/refTimeUnitUs) & 0xFFFFFF
	binary.BigEndian.PutUint32(payload[12:], refTime<<8|uint32(p.fbPktCount))

	payload = p.appendChunks(payload)
	payload = append(payload, p.deltas...)

	pLen := len(payload) + 4
	pad := pLen%4 != 0
	var padSize uint8
	for pLen%4 != 0 {
		padSize++
		pLen++
	}
	hdr := rtcp.Header{
		Padding: pad,
		Length:  uint16(pLen/4) - 1,
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
	}
	hb, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}
	pkt := make(rtcp.RawPacket, pLen)
	copy(pkt, hb)
	copy(pkt[4:], payload)
	if pad {
		pkt[len(pkt)-1] = padSize
	}
	return pkt, nil
}

// appendChunks packs the status run into run-length chunks (7 or more
// consecutive equal statuses) and two-bit vector chunks of seven.
func (p *FeedbackPacket) appendChunks(payload []byte) []byte {
	n := p.statuses.Len()
	statuses := make([]uint16, n)
	for i := 0; i < n; i++ {
		statuses[i] = p.statuses.At(i)
	}

	for idx := 0; idx < n; {
		run := 1
		for idx+run < n && statuses[idx+run] == statuses[idx] && run < int(maxMissingPackets) {
			run++
		}
		if run >= 7 {
			payload = appendRunLengthChunk(payload, statuses[idx], uint16(run))
			idx += run
			continue
		}

		// two-bit vector chunk of up to seven, padded with not-received
		var chunk uint16
		for i := 0; i < 7; i++ {
			var status uint16
			if idx+i < n {
				status = statuses[idx+i]
			}
			chunk = setNBitsOfUint16(chunk, 2, uint16(2*i+2), status)
		}
		chunk = setNBitsOfUint16(chunk, 1, 0, 1)
		chunk = setNBitsOfUint16(chunk, 1, 1, 1)
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], chunk)
		payload = append(payload, buf[0], buf[1])
		idx += 7
	}
	return payload
}

func appendRunLengthChunk(payload []byte, symbol uint16, runLength uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], symbol<<13|runLength)
	return append(payload, buf[0], buf[1])
}

// setNBitsOfUint16 truncates val to size bits, left-shifts it to
// startIndex, and sets it in src.
func setNBitsOfUint16(src, size, startIndex, val uint16) uint16 {
	if startIndex+size > 16 {
		return 0
	}
	val &= (1 << size) - 1
	return src | (val << (16 - size - startIndex))
}
