package pacer

import (
	"time"

	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

// Base implements the actual send: it stamps the timing header extensions
// and hands the marshaled packet to the wire sink.
type Base struct {
	logger logger.Logger

	write            func(data []byte) error
	nextTransportSeq func() uint16

	scratch [1500]byte

	// for throttling error logs
	writeErrors atomic.Uint32
}

func NewBase(log logger.Logger, write func(data []byte) error, nextTransportSeq func() uint16) *Base {
	return &Base{
		logger:           log,
		write:            write,
		nextTransportSeq: nextTransportSeq,
	}
}

// SendPacket stamps extensions, marshals and writes. Returns bytes
// written on the wire.
func (b *Base) SendPacket(p *Packet) int {
	sentAt := time.Now()
	wideSeq := uint16(0)

	if p.AbsSendTimeExtID != 0 {
		sendTime := rtp.NewAbsSendTimeExtension(sentAt)
		payload, err := sendTime.Marshal()
		if err == nil {
			_ = p.Header.SetExtension(p.AbsSendTimeExtID, payload)
		}
	}
	if p.TransportWideExtID != 0 && b.nextTransportSeq != nil {
		wideSeq = b.nextTransportSeq()
		tw := rtp.TransportCCExtension{TransportSequence: wideSeq}
		payload, err := tw.Marshal()
		if err == nil {
			_ = p.Header.SetExtension(p.TransportWideExtID, payload)
		}
	}

	headerSize := p.Header.MarshalSize()
	size := headerSize + len(p.Payload)
	var data []byte
	if size <= len(b.scratch) {
		data = b.scratch[:size]
	} else {
		data = make([]byte, size)
	}
	n, err := p.Header.MarshalTo(data)
	if err != nil {
		b.logger.Errorw("could not marshal rtp header", err)
		return 0
	}
	copy(data[n:], p.Payload)

	if err = b.write(data[:n+len(p.Payload)]); err != nil {
		writeErrors := b.writeErrors.Inc()
		if (writeErrors % 100) == 1 {
			b.logger.Errorw("write rtp packet failed", err, "count", writeErrors)
		}
		return 0
	}

	if p.OnSent != nil {
		p.OnSent(wideSeq, n, len(p.Payload), sentAt)
	}

	return n + len(p.Payload)
}

// ------------------------------------------------
