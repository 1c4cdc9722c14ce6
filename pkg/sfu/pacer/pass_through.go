package pacer

// PassThrough sends synchronously on Enqueue; used when congestion
// control is disabled on the transport.
type PassThrough struct {
	*Base
}

func NewPassThrough(base *Base) *PassThrough {
	return &PassThrough{Base: base}
}

func (p *PassThrough) Enqueue(pkt *Packet) {
	p.Base.SendPacket(pkt)
}

func (p *PassThrough) SetTargetBitrate(bps int) {}

func (p *PassThrough) Stop() {}

// ------------------------------------------------
