// Package wire implements the meshdrop envelope codec: the length-framed
// wrapper around every message that crosses a PeerSession, and the typed
// payload families it carries.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// Magic identifies a meshdrop envelope. Little-endian on the wire.
	Magic uint32 = 0x43415446

	// EnvelopeVersion is the only envelope layout version this revision
	// of the codec understands.
	EnvelopeVersion uint16 = 1

	// MaxEnvelopeSize bounds a fully framed envelope, prefix + payload.
	MaxEnvelopeSize = 16 * 1024 * 1024

	// MaxPayloadSize bounds the payload region alone.
	MaxPayloadSize = 15 * 1024 * 1024
)

// FormatJSON, FormatProtobuf, and FormatBinary are the only recognized
// envelope format tags. Per spec §9, protobuf is declared for forward
// compatibility but not implemented in this revision; binary is reserved.
const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
	FormatBinary   = "binary"
)

// ticksAtUnixEpoch is the number of 100ns ticks between 0001-01-01 UTC and
// the Unix epoch (1970-01-01 UTC), matching the .NET DateTime.Ticks
// convention spec §4.1 specifies for timestampUtc.
const ticksAtUnixEpoch = 621355968000000000

// Envelope is the fixed-prefix wrapper around every wire message.
type Envelope struct {
	MessageId     string
	MessageType   string
	SourceNodeId  string
	DestNodeId    string // empty = broadcast
	CorrelationId string // empty = none
	TimestampUtc  time.Time
	Format        string
	Payload       []byte
}

// ToTicks converts a time.Time to .NET-style ticks since 0001-01-01 UTC.
func ToTicks(t time.Time) int64 {
	unixNanos := t.UnixNano()
	return unixNanos/100 + ticksAtUnixEpoch
}

// FromTicks converts .NET-style ticks back to a time.Time.
func FromTicks(ticks int64) time.Time {
	unixNanos := (ticks - ticksAtUnixEpoch) * 100
	return time.Unix(0, unixNanos).UTC()
}

// Encode serializes the envelope to a self-delimited byte string.
func Encode(e *Envelope) ([]byte, error) {
	if len(e.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrEnvelopeTooLarge, len(e.Payload), MaxPayloadSize)
	}
	format := e.Format
	if format == "" {
		format = FormatJSON
	}

	var buf bytes.Buffer
	var magicBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], Magic)
	buf.Write(magicBytes[:])

	var verBytes [2]byte
	binary.LittleEndian.PutUint16(verBytes[:], EnvelopeVersion)
	buf.Write(verBytes[:])

	writeLenPrefixed(&buf, e.MessageId)
	writeLenPrefixed(&buf, e.MessageType)
	writeLenPrefixed(&buf, e.SourceNodeId)
	writeLenPrefixed(&buf, e.DestNodeId)
	writeLenPrefixed(&buf, e.CorrelationId)

	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(ToTicks(e.TimestampUtc)))
	buf.Write(tsBytes[:])

	writeLenPrefixed(&buf, format)

	var sizeBytes [4]byte
	binary.BigEndian.PutUint32(sizeBytes[:], uint32(len(e.Payload)))
	buf.Write(sizeBytes[:])
	buf.Write(e.Payload)

	if buf.Len() > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope %d bytes exceeds %d", ErrEnvelopeTooLarge, buf.Len(), MaxEnvelopeSize)
	}
	return buf.Bytes(), nil
}

// Decode parses a byte string produced by Encode back into an Envelope.
func Decode(b []byte) (*Envelope, error) {
	if len(b) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrEnvelopeTooLarge, len(b), MaxEnvelopeSize)
	}
	r := bytes.NewReader(b)

	var magicBytes [4]byte
	if _, err := readFull(r, magicBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if binary.LittleEndian.Uint32(magicBytes[:]) != Magic {
		return nil, ErrBadFraming
	}

	var verBytes [2]byte
	if _, err := readFull(r, verBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	ver := binary.LittleEndian.Uint16(verBytes[:])
	if ver != EnvelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", ErrVersionMismatch, ver)
	}

	e := &Envelope{}
	var err error
	if e.MessageId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.MessageType, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.SourceNodeId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.DestNodeId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if e.CorrelationId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}

	var tsBytes [8]byte
	if _, err := readFull(r, tsBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	e.TimestampUtc = FromTicks(int64(binary.BigEndian.Uint64(tsBytes[:])))

	if e.Format, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	switch e.Format {
	case FormatJSON, FormatProtobuf, FormatBinary:
	default:
		return nil, ErrUnknownFormat
	}

	var sizeBytes [4]byte
	if _, err := readFull(r, sizeBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	payloadSize := binary.BigEndian.Uint32(sizeBytes[:])
	if payloadSize > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payloadSize %d exceeds %d", ErrEnvelopeTooLarge, payloadSize, MaxPayloadSize)
	}
	payload := make([]byte, payloadSize)
	if _, err := readFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFraming, r.Len())
	}
	e.Payload = payload
	return e, nil
}

// Header carries the fixed-prefix fields a router needs without paying the
// cost of decoding the payload.
type Header struct {
	MessageId     string
	MessageType   string
	SourceNodeId  string
	DestNodeId    string
	CorrelationId string
	TimestampUtc  time.Time
	Format        string
}

// PeekHeader reads only the envelope prefix, leaving the payload bytes
// unexamined: unlike Decode, it never allocates or copies the (up to 15
// MiB) payload region, only the handful of short header strings. A
// forwarder holding a raw byte buffer can use this to learn messageType/
// destNodeId/correlationId and decide whether to route, drop, or forward
// the buffer untouched, paying decode cost only for envelopes it actually
// consumes.
func PeekHeader(b []byte) (*Header, error) {
	if len(b) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrEnvelopeTooLarge, len(b), MaxEnvelopeSize)
	}
	r := bytes.NewReader(b)

	var magicBytes [4]byte
	if _, err := readFull(r, magicBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if binary.LittleEndian.Uint32(magicBytes[:]) != Magic {
		return nil, ErrBadFraming
	}

	var verBytes [2]byte
	if _, err := readFull(r, verBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	ver := binary.LittleEndian.Uint16(verBytes[:])
	if ver != EnvelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", ErrVersionMismatch, ver)
	}

	h := &Header{}
	var err error
	if h.MessageId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if h.MessageType, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if h.SourceNodeId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if h.DestNodeId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	if h.CorrelationId, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}

	var tsBytes [8]byte
	if _, err := readFull(r, tsBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	h.TimestampUtc = FromTicks(int64(binary.BigEndian.Uint64(tsBytes[:])))

	if h.Format, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	switch h.Format {
	case FormatJSON, FormatProtobuf, FormatBinary:
	default:
		return nil, ErrUnknownFormat
	}

	// The payload length prefix is read to confirm the envelope is well
	// formed, but the payload bytes themselves are never copied out of b.
	var sizeBytes [4]byte
	if _, err := readFull(r, sizeBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	payloadSize := binary.BigEndian.Uint32(sizeBytes[:])
	if payloadSize > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payloadSize %d exceeds %d", ErrEnvelopeTooLarge, payloadSize, MaxPayloadSize)
	}
	if r.Len() < int(payloadSize) {
		return nil, fmt.Errorf("%w: truncated payload", ErrBadFraming)
	}
	return h, nil
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	buf.Write(lenBuf[:n])
	buf.WriteString(s)
}

func readLenPrefixed(r *bytes.Reader) (string, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if l > MaxEnvelopeSize {
		return "", ErrEnvelopeTooLarge
	}
	buf := make([]byte, l)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
		if k == 0 {
			return n, fmt.Errorf("short read")
		}
	}
	return n, nil
}
