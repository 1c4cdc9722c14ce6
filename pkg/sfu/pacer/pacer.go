package pacer

import (
	"time"

	"github.com/pion/rtp"
)

// Packet is one egress RTP packet queued for paced transmission. The
// header is written last: the abs-send-time and transport-wide sequence
// extensions are stamped at the moment the packet leaves the queue.
type Packet struct {
	Header             *rtp.Header
	Payload            []byte
	AbsSendTimeExtID   uint8
	TransportWideExtID uint8
	OnSent             func(wideSeq uint16, headerSize int, payloadSize int, sentAt time.Time)
}

type Pacer interface {
	Enqueue(p *Packet)
	SetTargetBitrate(bps int)
	Stop()
}

// ------------------------------------------------
