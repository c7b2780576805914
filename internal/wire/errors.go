package wire

import "errors"

// Envelope and payload decode failures. These map onto the protocol error
// band (1000-1999) in the error taxonomy.
var (
	// ErrBadFraming signals a malformed envelope: bad magic, truncated
	// prefix, or a payloadSize that disagrees with the bytes actually
	// present.
	ErrBadFraming = errors.New("wire: bad framing")

	// ErrInvalidMessage signals a structurally valid envelope whose
	// content violates a per-family validation rule (TTL range, metadata
	// limits, unknown message type, and so on).
	ErrInvalidMessage = errors.New("wire: invalid message")

	// ErrVersionMismatch signals an envelopeVer or protocolVersion the
	// receiver does not support.
	ErrVersionMismatch = errors.New("wire: version mismatch")

	// ErrEnvelopeTooLarge signals an envelope or payload exceeding the
	// fixed size ceilings (16 MiB / 15 MiB).
	ErrEnvelopeTooLarge = errors.New("wire: envelope too large")

	// ErrUnknownFormat signals a format field other than "json",
	// "protobuf", or "binary".
	ErrUnknownFormat = errors.New("wire: unknown payload format")
)

// Code bands from spec §6. Each taxonomy error below carries a concrete
// numeric code within its reserved band.
const (
	CodeBadFraming      = 1001
	CodeInvalidMessage  = 1002
	CodeVersionMismatch = 1003
)
