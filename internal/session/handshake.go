package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/hkdf"

	cryptoutil "github.com/meshdrop/backend/internal/crypto"
	"github.com/meshdrop/backend/internal/wire"

	"crypto/sha256"
	"io"
	"time"
)

// ErrHandshakeFailed wraps any failure during identity or key-exchange,
// reported back to the caller of Connect/Accept.
var ErrHandshakeFailed = errors.New("session: handshake failed")

const hkdfInfo = "meshdrop-session-key-v1"

func b64(b []byte) string    { return base64.StdEncoding.EncodeToString(b) }
func unb64(s string) []byte {
	b, _ := base64.StdEncoding.DecodeString(s)
	return b
}

func randomNonce() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return b64(buf)
}

func sendPlain(s *PeerSession, messageType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e := &wire.Envelope{
		MessageType:  messageType,
		SourceNodeId: s.LocalNodeId,
		TimestampUtc: time.Now().UTC(),
		Format:       wire.FormatJSON,
		Payload:      body,
	}
	return wire.WriteEnvelope(s.conn, e)
}

func recvExpect(s *PeerSession, messageType string, out interface{}) error {
	e, err := wire.ReadEnvelope(s.br)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if e.MessageType != messageType {
		return fmt.Errorf("%w: expected %s, got %s", ErrHandshakeFailed, messageType, e.MessageType)
	}
	if e.SourceNodeId != "" {
		s.RemoteNodeId = e.SourceNodeId
	}
	if out != nil {
		return json.Unmarshal(e.Payload, out)
	}
	return nil
}

// runInitiatorHandshake performs phase 1 of spec §4.3: identity and nonce
// exchange, carried over HandshakeRequest/HandshakeResponse/HandshakeAck.
// Keys and ciphertext do not appear yet; the wire format here mirrors the
// teacher's identity exchange (internal/crypto/identity) but splits it out
// of the combined handshake so it maps onto the Handshaking state alone.
func (s *PeerSession) runInitiatorHandshake() error {
	s.nonceA = randomNonce()
	req := wire.HandshakeRequest{
		NonceA:          s.nonceA,
		ProtocolVersion: ProtocolVersion,
		Capabilities:    []string{"chunked-transfer", "fec", "quic"},
	}
	if err := sendPlain(s, wire.TypeHandshakeRequest, req); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var resp wire.HandshakeResponse
	if err := recvExpect(s, wire.TypeHandshakeResponse, &resp); err != nil {
		return err
	}
	if err := wire.ValidateProtocolVersion(resp.ProtocolVersionAccepted); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.nonceB = resp.NonceB
	s.remoteIdentityPub = ed25519.PublicKey(unb64(resp.ResponderPublicParams))

	ack := wire.HandshakeAck{InitiatorPublicParams: b64(s.identityPub)}
	if err := sendPlain(s, wire.TypeHandshakeAck, ack); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// runResponderHandshake is the mirror image run by the accepting side.
func (s *PeerSession) runResponderHandshake() error {
	var req wire.HandshakeRequest
	if err := recvExpect(s, wire.TypeHandshakeRequest, &req); err != nil {
		return err
	}
	if err := wire.ValidateProtocolVersion(req.ProtocolVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.nonceA = req.NonceA
	s.nonceB = randomNonce()

	resp := wire.HandshakeResponse{
		NonceB:                  s.nonceB,
		ProtocolVersionAccepted: ProtocolVersion,
		ResponderPublicParams:   b64(s.identityPub),
	}
	if err := sendPlain(s, wire.TypeHandshakeResponse, resp); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var ack wire.HandshakeAck
	if err := recvExpect(s, wire.TypeHandshakeAck, &ack); err != nil {
		return err
	}
	s.remoteIdentityPub = ed25519.PublicKey(unb64(ack.InitiatorPublicParams))
	return nil
}

// transcript binds the ephemeral public key to the nonce exchange so a
// signature over it cannot be replayed across sessions.
func transcript(nonceA, nonceB string, ephemeralPub []byte) []byte {
	h := sha256.New()
	h.Write([]byte(nonceA))
	h.Write([]byte(nonceB))
	h.Write(ephemeralPub)
	return h.Sum(nil)
}

// keyExchangeParams is the base64-wrapped payload carried inside
// EphemeralParams: the raw X25519 public key plus an ed25519 signature
// over the nonce transcript, proving it comes from the identity that
// passed phase 1.
type keyExchangeParams struct {
	EphemeralPub string `json:"ephemeralPub"`
	Signature    string `json:"signature"`
}

func signEphemeral(priv ed25519.PrivateKey, nonceA, nonceB string, ephemeralPub [32]byte) string {
	sig := ed25519.Sign(priv, transcript(nonceA, nonceB, ephemeralPub[:]))
	p := keyExchangeParams{EphemeralPub: b64(ephemeralPub[:]), Signature: b64(sig)}
	b, _ := json.Marshal(p)
	return b64(b)
}

func verifyEphemeral(pub ed25519.PublicKey, nonceA, nonceB, params string) (*[32]byte, error) {
	raw := unb64(params)
	var p keyExchangeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed ephemeral params", ErrHandshakeFailed)
	}
	ephBytes := unb64(p.EphemeralPub)
	if len(ephBytes) != 32 {
		return nil, fmt.Errorf("%w: bad ephemeral key length", ErrHandshakeFailed)
	}
	sig := unb64(p.Signature)
	if !ed25519.Verify(pub, transcript(nonceA, nonceB, ephBytes), sig) {
		return nil, fmt.Errorf("%w: ephemeral key signature invalid", ErrHandshakeFailed)
	}
	var out [32]byte
	copy(out[:], ephBytes)
	return &out, nil
}

func (s *PeerSession) deriveSessionKeys(sharedSecret []byte) error {
	reader := hkdf.New(sha256.New, sharedSecret, []byte(s.nonceA+s.nonceB), []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return fmt.Errorf("%w: hkdf expand: %v", ErrHandshakeFailed, err)
	}
	iv := make([]byte, 12)
	if _, err := io.ReadFull(reader, iv); err != nil {
		return fmt.Errorf("%w: hkdf expand: %v", ErrHandshakeFailed, err)
	}
	s.mu.Lock()
	s.sharedKey = key
	copy(s.ivBase[:], iv)
	s.sendCtr = 0
	s.recvCtr = 0
	s.mu.Unlock()
	return nil
}

// runInitiatorKeyExchange performs phase 2: ephemeral X25519 ECDH,
// authenticated by the identity keys exchanged in phase 1.
func (s *PeerSession) runInitiatorKeyExchange() error {
	kp, err := cryptoutil.GenerateX25519()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	init := wire.KeyExchangeInit{EphemeralParams: signEphemeral(s.identityPriv, s.nonceA, s.nonceB, kp.PublicKey)}
	if err := sendPlain(s, wire.TypeKeyExchangeInit, init); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var resp wire.KeyExchangeResponse
	if err := recvExpect(s, wire.TypeKeyExchangeResponse, &resp); err != nil {
		return err
	}
	theirPub, err := verifyEphemeral(s.remoteIdentityPub, s.nonceA, s.nonceB, resp.EphemeralParams)
	if err != nil {
		return err
	}

	secret := cryptoutil.SharedSecret(&kp.PrivateKey, theirPub)
	if err := s.deriveSessionKeys(secret); err != nil {
		return err
	}

	complete := wire.KeyExchangeComplete{EphemeralParams: b64([]byte("ack"))}
	if err := sendPlain(s, wire.TypeKeyExchangeComplete, complete); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// runResponderKeyExchange mirrors the initiator's phase 2.
func (s *PeerSession) runResponderKeyExchange() error {
	var init wire.KeyExchangeInit
	if err := recvExpect(s, wire.TypeKeyExchangeInit, &init); err != nil {
		return err
	}
	theirPub, err := verifyEphemeral(s.remoteIdentityPub, s.nonceA, s.nonceB, init.EphemeralParams)
	if err != nil {
		return err
	}

	kp, err := cryptoutil.GenerateX25519()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	resp := wire.KeyExchangeResponse{EphemeralParams: signEphemeral(s.identityPriv, s.nonceA, s.nonceB, kp.PublicKey)}
	if err := sendPlain(s, wire.TypeKeyExchangeResponse, resp); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	secret := cryptoutil.SharedSecret(&kp.PrivateKey, theirPub)
	if err := s.deriveSessionKeys(secret); err != nil {
		return err
	}

	if err := recvExpect(s, wire.TypeKeyExchangeComplete, nil); err != nil {
		return err
	}
	return nil
}
