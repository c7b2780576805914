// Package session implements PeerSession (spec §4.3): one instance per
// remote peer, owning its socket, handshake, shared key, and send/receive
// ordering. Grounded on the teacher's control-stream framing
// (daemon/transport/control_stream.go) and handshake primitives
// (internal/crypto, internal/crypto/handshake), re-expressed over the
// envelope wire format and state machine spec.md requires.
package session

import (
	"bufio"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	cryptoutil "github.com/meshdrop/backend/internal/crypto"
	"github.com/meshdrop/backend/internal/observability"
	"github.com/meshdrop/backend/internal/wire"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultMaxOutboundQueue  = 1024
	ProtocolVersion          = "1.0.0"

	// offenseWindow and maxOffenses implement spec §7's abuse guard:
	// more than 5 invalid envelopes from one peer within 60s drops the
	// session.
	offenseWindow = 60 * time.Second
	maxOffenses   = 5
)

// ErrBusy is returned by Send when the outbound queue is full, per spec
// §5's backpressure requirement: a PeerSession MUST signal busy rather
// than grow its queue unbounded.
var ErrBusy = errors.New("session: outbound queue full")

// ErrNotAuthenticated is returned by Send for encryption-required
// messages sent before the session reaches Authenticated.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// Handler receives inbound envelopes once they've cleared framing/
// validation/decryption. The Dispatcher implements this to route
// transfer-family messages to the right TransferEngine.
type Handler interface {
	HandleEnvelope(s *PeerSession, e *wire.Envelope)
	SessionDisconnected(s *PeerSession, reason string)
}

// RequiresEncryption reports whether a message type's typed schema marks
// RequireEncryption=true, per spec §4.3. Handshake/key-exchange/control
// traffic travels in the clear so the handshake itself can bootstrap;
// everything transfer-related is encrypted once authenticated.
func RequiresEncryption(messageType string) bool {
	switch messageType {
	case wire.TypeFileChunk, wire.TypeFileMetadata, wire.TypeTransferRequest,
		wire.TypeTransferResponse, wire.TypeTransferComplete, wire.TypeChunkAck,
		wire.TypeChunkResendRequest, wire.TypeTransferProgress, wire.TypeTransferCancel,
		wire.TypeChecksumRequest, wire.TypeChecksumResponse, wire.TypeChunkChecksum:
		return true
	default:
		return false
	}
}

// PeerSession owns one bidirectional channel to one remote peer.
type PeerSession struct {
	LocalNodeId  string
	RemoteNodeId string // populated once the handshake identifies the peer
	Address      string

	identityPriv ed25519.PrivateKey
	identityPub  ed25519.PublicKey

	conn io.ReadWriteCloser
	br   *bufio.Reader

	mu         sync.Mutex
	state      State
	sharedKey  []byte // 32-byte AEAD key, present once Authenticated
	ivBase     [12]byte
	sendCtr    uint64
	recvCtr    uint64
	retryCount int

	outbox chan *wire.Envelope
	done   chan struct{}
	closed bool

	heartbeatInterval time.Duration
	lastInboundAt     time.Time

	offenseCount      int
	offenseWindowFrom time.Time

	handler Handler
	logger  *observability.Logger

	// remoteIdentityPub and nonces are staged across the handshake/
	// key-exchange phases, then discarded.
	remoteIdentityPub ed25519.PublicKey
	nonceA, nonceB    string
}

// New constructs a PeerSession over conn, not yet connected.
func New(localNodeId, address string, conn io.ReadWriteCloser, priv ed25519.PrivateKey, pub ed25519.PublicKey, handler Handler, logger *observability.Logger) *PeerSession {
	return &PeerSession{
		LocalNodeId:       localNodeId,
		Address:           address,
		identityPriv:      priv,
		identityPub:       pub,
		conn:              conn,
		br:                bufio.NewReader(conn),
		state:             Initial,
		outbox:            make(chan *wire.Envelope, DefaultMaxOutboundQueue),
		done:              make(chan struct{}),
		heartbeatInterval: DefaultHeartbeatInterval,
		handler:           handler,
		logger:            logger,
		lastInboundAt:     time.Now(),
	}
}

// State returns the session's current connection state.
func (s *PeerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAuthenticated reports invariant 4: a PeerRecord is authenticated iff
// its shared encryption key is present and non-empty.
func (s *PeerSession) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Authenticated && len(s.sharedKey) > 0
}

func (s *PeerSession) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to && to == Authenticated {
		return nil // key rotation self-loop
	}
	if !canTransition(s.state, to) {
		return &ErrInvalidTransition{From: s.state, To: to}
	}
	s.state = to
	return nil
}

// Connect drives the initiator side: Connecting -> Handshaking ->
// KeyExchanging -> Authenticated.
func (s *PeerSession) Connect() error {
	if err := s.transition(Connecting); err != nil {
		return err
	}
	if err := s.transition(Handshaking); err != nil {
		return err
	}
	if err := s.runInitiatorHandshake(); err != nil {
		s.transition(Failed)
		return err
	}
	if err := s.transition(KeyExchanging); err != nil {
		return err
	}
	if err := s.runInitiatorKeyExchange(); err != nil {
		s.transition(Failed)
		return err
	}
	if err := s.transition(Authenticated); err != nil {
		return err
	}
	go s.readLoop()
	go s.writeLoop()
	return nil
}

// Accept drives the responder side of the same state machine.
func (s *PeerSession) Accept() error {
	if err := s.transition(Connecting); err != nil {
		return err
	}
	if err := s.transition(Handshaking); err != nil {
		return err
	}
	if err := s.runResponderHandshake(); err != nil {
		s.transition(Failed)
		return err
	}
	if err := s.transition(KeyExchanging); err != nil {
		return err
	}
	if err := s.runResponderKeyExchange(); err != nil {
		s.transition(Failed)
		return err
	}
	if err := s.transition(Authenticated); err != nil {
		return err
	}
	go s.readLoop()
	go s.writeLoop()
	return nil
}

// Send encodes payload, optionally encrypts it, and enqueues the envelope
// for the session's FIFO writer. It never blocks: a full queue returns
// ErrBusy so producers apply their own backpressure policy.
func (s *PeerSession) Send(messageType, destNodeId, correlationId string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	requireEnc := RequiresEncryption(messageType)
	if requireEnc && !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if requireEnc {
		body, err = s.encrypt(body)
		if err != nil {
			return err
		}
	}

	e := &wire.Envelope{
		MessageId:     uuid.New().String(),
		MessageType:   messageType,
		SourceNodeId:  s.LocalNodeId,
		DestNodeId:    destNodeId,
		CorrelationId: correlationId,
		TimestampUtc:  time.Now().UTC(),
		Format:        wire.FormatJSON,
		Payload:       body,
	}
	select {
	case s.outbox <- e:
		return nil
	default:
		return ErrBusy
	}
}

// Decrypt reverses encrypt for an inbound envelope whose message type
// requires encryption.
func (s *PeerSession) decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	key := s.sharedKey
	ctr := s.recvCtr
	s.recvCtr++
	s.mu.Unlock()
	if len(key) == 0 {
		return nil, ErrNotAuthenticated
	}
	nonce := deriveNonce(s.ivBase, ctr)
	return cryptoutil.Open(key, nonce[:], nil, ciphertext)
}

func (s *PeerSession) encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	key := s.sharedKey
	ctr := s.sendCtr
	s.sendCtr++
	s.mu.Unlock()
	if len(key) == 0 {
		return nil, ErrNotAuthenticated
	}
	nonce := deriveNonce(s.ivBase, ctr)
	return cryptoutil.Seal(key, nonce[:], nil, plaintext)
}

func deriveNonce(ivBase [12]byte, counter uint64) [12]byte {
	var nonce [12]byte
	copy(nonce[:], ivBase[:])
	var ctrBytes [8]byte
	binary.BigEndian.PutUint64(ctrBytes[:], counter)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= ctrBytes[i]
	}
	return nonce
}

func (s *PeerSession) writeLoop() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case e := <-s.outbox:
			if err := wire.WriteEnvelope(s.conn, e); err != nil {
				s.fail(fmt.Sprintf("write error: %v", err))
				return
			}
			ticker.Reset(s.heartbeatInterval)
		case <-ticker.C:
			if s.HeartbeatTimeout() {
				s.fail("timeout")
				return
			}
			hb, _ := json.Marshal(wire.Heartbeat{})
			e := &wire.Envelope{
				MessageId:    uuid.New().String(),
				MessageType:  wire.TypeHeartbeat,
				SourceNodeId: s.LocalNodeId,
				TimestampUtc: time.Now().UTC(),
				Format:       wire.FormatJSON,
				Payload:      hb,
			}
			if err := wire.WriteEnvelope(s.conn, e); err != nil {
				s.fail(fmt.Sprintf("heartbeat write error: %v", err))
				return
			}
		}
	}
}

func (s *PeerSession) readLoop() {
	for {
		e, err := wire.ReadEnvelope(s.br)
		if err != nil {
			s.fail(fmt.Sprintf("read error: %v", err))
			return
		}

		s.mu.Lock()
		s.lastInboundAt = time.Now()
		s.mu.Unlock()

		if err := wire.ValidateEnvelope(e, time.Now()); err != nil {
			if s.logger != nil {
				s.logger.Warn(fmt.Sprintf("invalid envelope type=%s error=%v", e.MessageType, err))
			}
			if s.recordOffense() {
				s.fail(fmt.Sprintf("dropped after %d invalid envelopes within %s", maxOffenses, offenseWindow))
				return
			}
			continue
		}

		if e.MessageType == wire.TypeHeartbeat {
			continue
		}
		if e.MessageType == wire.TypeDisconnect {
			var d wire.Disconnect
			json.Unmarshal(e.Payload, &d)
			s.Disconnect(d.Reason)
			return
		}

		if RequiresEncryption(e.MessageType) {
			plain, err := s.decrypt(e.Payload)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn(fmt.Sprintf("decrypt failed type=%s error=%v", e.MessageType, err))
				}
				continue
			}
			e.Payload = plain
		}

		if s.handler != nil {
			s.handler.HandleEnvelope(s, e)
		}
	}
}

func (s *PeerSession) fail(reason string) {
	s.transition(Disconnected)
	s.Disconnect(reason)
}

// Disconnect terminates the session: Authenticated -> Disconnected (or any
// state -> Disconnected on socket error). Terminal; the Dispatcher may
// create a new PeerSession on a later connect request.
func (s *PeerSession) Disconnect(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = Disconnected
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
	if s.handler != nil {
		s.handler.SessionDisconnected(s, reason)
	}
}

// HeartbeatTimeout returns true if no inbound activity has been observed
// for 3x the heartbeat interval, per spec §4.3.
func (s *PeerSession) HeartbeatTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastInboundAt) > 3*s.heartbeatInterval
}

// recordOffense counts one invalid-envelope offense against the peer and
// reports whether the session has now exceeded spec §7's threshold
// (>5 offenses within a rolling 60s window) and must be dropped.
func (s *PeerSession) recordOffense() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.offenseWindowFrom) > offenseWindow {
		s.offenseWindowFrom = now
		s.offenseCount = 0
	}
	s.offenseCount++
	return s.offenseCount > maxOffenses
}
