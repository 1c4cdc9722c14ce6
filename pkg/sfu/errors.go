package sfu

import "errors"

var (
	errShortPacket = errors.New("packet is not large enough")
	errNilPacket   = errors.New("invalid nil packet")

	// routing errors
	errNoProducerFound = errors.New("no producer found for packet")
	errNoConsumerFound = errors.New("no consumer found for ssrc")

	// retransmission cache errors
	errPacketNotFound = errors.New("packet not found in cache")
	errPacketTooOld   = errors.New("packet in cache too old")

	// sequence rewriting errors
	ErrDuplicatePacket = errors.New("duplicate packet")
	ErrPacketDropped   = errors.New("packet dropped from sequence space")

	// control errors, serialized into channel responses
	ErrTransportClosed    = errors.New("transport closed")
	ErrProducerNotFound   = errors.New("producer not found")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrDuplicatedID       = errors.New("duplicated id")
	ErrConflictingSSRC    = errors.New("ssrc already claimed by another producer")
	ErrConflictingMID     = errors.New("mid already claimed by another producer")
	ErrConflictingRID     = errors.New("rid already claimed by another producer")
	ErrMissingEncodings   = errors.New("rtp parameters carry no encodings")
	ErrUnknownMethod      = errors.New("unknown method")
	ErrInvalidRequestData = errors.New("invalid request data")
)
