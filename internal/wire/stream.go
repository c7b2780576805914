package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteEnvelope writes e to w in the same self-delimited layout Encode
// produces. PeerSession uses this to stream an envelope directly onto a
// socket/QUIC stream without staging the whole thing in memory first.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadEnvelope reads one self-delimited envelope from r. Callers pass the
// same *bufio.Reader for every call on a stream, since it may already hold
// bytes of the next envelope.
func ReadEnvelope(r *bufio.Reader) (*Envelope, error) {
	var magicBytes [4]byte
	if _, err := io.ReadFull(r, magicBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if binary.LittleEndian.Uint32(magicBytes[:]) != Magic {
		return nil, ErrBadFraming
	}

	var verBytes [2]byte
	if _, err := io.ReadFull(r, verBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if binary.LittleEndian.Uint16(verBytes[:]) != EnvelopeVersion {
		return nil, ErrVersionMismatch
	}

	e := &Envelope{}
	var err error
	if e.MessageId, err = readLenPrefixedFrom(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.MessageType, err = readLenPrefixedFrom(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.SourceNodeId, err = readLenPrefixedFrom(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.DestNodeId, err = readLenPrefixedFrom(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.CorrelationId, err = readLenPrefixedFrom(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}

	var tsBytes [8]byte
	if _, err := io.ReadFull(r, tsBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	e.TimestampUtc = FromTicks(int64(binary.BigEndian.Uint64(tsBytes[:])))

	if e.Format, err = readLenPrefixedFrom(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	switch e.Format {
	case FormatJSON, FormatProtobuf, FormatBinary:
	default:
		return nil, ErrUnknownFormat
	}

	var sizeBytes [4]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	payloadSize := binary.BigEndian.Uint32(sizeBytes[:])
	if payloadSize > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payloadSize %d exceeds %d", ErrEnvelopeTooLarge, payloadSize, MaxPayloadSize)
	}
	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	e.Payload = payload
	return e, nil
}

func readLenPrefixedFrom(r *bufio.Reader) (string, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if l > MaxEnvelopeSize {
		return "", ErrEnvelopeTooLarge
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
