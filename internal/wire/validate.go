package wire

import (
	"fmt"
	"time"
)

// MinProtocolVersion and MaxProtocolVersion bound the semver range this
// revision accepts for HandshakeRequest.ProtocolVersion, per spec §4.1.
const (
	MinProtocolVersion = "1.0.0"
	MaxProtocolVersion = "1.0.0"
)

const (
	maxClockSkew        = 5 * time.Minute
	maxMetadataEntries  = 20
	maxMetadataKeyLen   = 50
	maxMetadataValueLen = 200
	minTimeout          = 0
	maxTimeout          = 10 * time.Minute
	minBroadcastTTL     = 1
	maxBroadcastTTL     = 10
	minErrorCode        = 1000
	maxErrorCode        = 9999
)

// knownMessageTypes is the exhaustive set of message-type strings a decoder
// recognizes. Anything else fails validation as ErrInvalidMessage.
var knownMessageTypes = map[string]bool{
	TypePeerAnnouncement:    true,
	TypePeerDiscovery:       true,
	TypePeerDiscoveryResp:   true,
	TypePeerLeave:           true,
	TypeHandshakeRequest:    true,
	TypeHandshakeResponse:   true,
	TypeHandshakeAck:        true,
	TypeHandshakeFailure:    true,
	TypeKeyExchangeInit:     true,
	TypeKeyExchangeResponse: true,
	TypeKeyExchangeComplete: true,
	TypeKeyRotation:         true,
	TypeTransferRequest:     true,
	TypeTransferResponse:    true,
	TypeFileMetadata:        true,
	TypeFileChunk:           true,
	TypeChunkAck:            true,
	TypeChunkResendRequest:  true,
	TypeTransferProgress:    true,
	TypeTransferComplete:    true,
	TypeTransferCancel:      true,
	TypeHeartbeat:           true,
	TypeAck:                 true,
	TypeError:               true,
	TypeDisconnect:          true,
	TypeChecksumRequest:     true,
	TypeChecksumResponse:    true,
	TypeChunkChecksum:       true,
}

// ValidateEnvelope applies the pre-emit / post-decode content rules from
// spec §4.1 that apply uniformly to every envelope, independent of its
// message family: recognized type, clock skew, and basic shape.
func ValidateEnvelope(e *Envelope, now time.Time) error {
	if !knownMessageTypes[e.MessageType] {
		return fmt.Errorf("%w: unrecognized messageType %q", ErrInvalidMessage, e.MessageType)
	}
	skew := now.Sub(e.TimestampUtc)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return fmt.Errorf("%w: timestamp skew %s exceeds %s", ErrInvalidMessage, skew, maxClockSkew)
	}
	return nil
}

// ValidateBroadcastTTL checks a timeToLive field against spec's [1,10] rule.
func ValidateBroadcastTTL(ttl int) error {
	if ttl < minBroadcastTTL || ttl > maxBroadcastTTL {
		return fmt.Errorf("%w: timeToLive %d out of range [%d,%d]", ErrInvalidMessage, ttl, minBroadcastTTL, maxBroadcastTTL)
	}
	return nil
}

// ValidateMetadata checks a PeerAnnouncement/PeerDiscoveryResponse metadata
// map against the entry-count and key/value length limits.
func ValidateMetadata(md map[string]string) error {
	if len(md) > maxMetadataEntries {
		return fmt.Errorf("%w: metadata has %d entries, max %d", ErrInvalidMessage, len(md), maxMetadataEntries)
	}
	for k, v := range md {
		if len(k) > maxMetadataKeyLen {
			return fmt.Errorf("%w: metadata key %q exceeds %d chars", ErrInvalidMessage, k, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return fmt.Errorf("%w: metadata value for key %q exceeds %d chars", ErrInvalidMessage, k, maxMetadataValueLen)
		}
	}
	return nil
}

// ValidateTimeout checks a request timeout duration against (0, 10min].
func ValidateTimeout(d time.Duration) error {
	if d <= minTimeout || d > maxTimeout {
		return fmt.Errorf("%w: timeout %s out of range (0,%s]", ErrInvalidMessage, d, maxTimeout)
	}
	return nil
}

// ValidateErrorCode checks an Error.Code / HandshakeFailure.Code against the
// reserved [1000,9999] band.
func ValidateErrorCode(code int) error {
	if code < minErrorCode || code > maxErrorCode {
		return fmt.Errorf("%w: error code %d out of range [%d,%d]", ErrInvalidMessage, code, minErrorCode, maxErrorCode)
	}
	return nil
}

// ValidateProtocolVersion checks a HandshakeRequest.ProtocolVersion against
// the compatible semver range for this revision.
func ValidateProtocolVersion(v string) error {
	if v < MinProtocolVersion || v > MaxProtocolVersion {
		return fmt.Errorf("%w: protocol version %q not in [%s,%s]", ErrVersionMismatch, v, MinProtocolVersion, MaxProtocolVersion)
	}
	return nil
}
