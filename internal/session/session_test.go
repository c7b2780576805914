package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/meshdrop/backend/internal/wire"
)

type recordingHandler struct {
	received chan *wire.Envelope
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{received: make(chan *wire.Envelope, 8)}
}

func (h *recordingHandler) HandleEnvelope(s *PeerSession, e *wire.Envelope) {
	h.received <- e
}

func (h *recordingHandler) SessionDisconnected(s *PeerSession, reason string) {}

func genIdentity(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv, pub
}

func TestHandshakeAndKeyExchangeReachesAuthenticated(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientPriv, clientPub := genIdentity(t)
	serverPriv, serverPub := genIdentity(t)

	clientHandler := newRecordingHandler()
	serverHandler := newRecordingHandler()

	client := New("node-client", "", clientConn, clientPriv, clientPub, clientHandler, nil)
	server := New("node-server", "", serverConn, serverPriv, serverPub, serverHandler, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- client.Connect() }()
	go func() { errCh <- server.Accept() }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake side failed: %v", err)
		}
	}

	if client.State() != Authenticated {
		t.Fatalf("client state = %s, want Authenticated", client.State())
	}
	if server.State() != Authenticated {
		t.Fatalf("server state = %s, want Authenticated", server.State())
	}
	if !client.IsAuthenticated() || !server.IsAuthenticated() {
		t.Fatalf("expected both sides authenticated")
	}

	client.mu.Lock()
	serverKeyCopy := append([]byte{}, client.sharedKey...)
	client.mu.Unlock()
	server.mu.Lock()
	clientKeyCopy := append([]byte{}, server.sharedKey...)
	server.mu.Unlock()
	if len(serverKeyCopy) != 32 || len(clientKeyCopy) != 32 {
		t.Fatalf("expected 32-byte derived session keys on both sides")
	}
	for i := range serverKeyCopy {
		if serverKeyCopy[i] != clientKeyCopy[i] {
			t.Fatalf("derived session keys diverge at byte %d", i)
		}
	}

	client.Disconnect("test done")
	server.Disconnect("test done")
	clientConn.Close()
	serverConn.Close()
}

func TestSendBeforeAuthenticatedRejectsEncryptedMessage(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	priv, pub := genIdentity(t)
	s := New("node-a", "", clientConn, priv, pub, nil, nil)

	err := s.Send(wire.TypeFileChunk, "node-b", "", wire.FileChunk{FileId: "f1", Sequence: 0})
	if err != ErrNotAuthenticated {
		t.Fatalf("Send before auth = %v, want ErrNotAuthenticated", err)
	}
}

func TestSendQueueFullReturnsBusy(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	priv, pub := genIdentity(t)
	s := New("node-a", "", clientConn, priv, pub, nil, nil)
	s.state = Authenticated
	s.sharedKey = make([]byte, 32)

	var lastErr error
	for i := 0; i < DefaultMaxOutboundQueue+1; i++ {
		lastErr = s.Send(wire.TypeHeartbeat, "node-b", "", wire.Heartbeat{})
	}
	if lastErr != ErrBusy {
		t.Fatalf("Send on full queue = %v, want ErrBusy", lastErr)
	}
}

func TestDeriveNonceVariesByCounter(t *testing.T) {
	var iv [12]byte
	for i := range iv {
		iv[i] = byte(i)
	}
	n0 := deriveNonce(iv, 0)
	n1 := deriveNonce(iv, 1)
	if n0 == n1 {
		t.Fatalf("expected nonces to differ across counters")
	}
}

func TestStateTransitionsRejectInvalid(t *testing.T) {
	clientConn, _ := net.Pipe()
	defer clientConn.Close()
	priv, pub := genIdentity(t)
	s := New("node-a", "", clientConn, priv, pub, nil, nil)

	if err := s.transition(Authenticated); err == nil {
		t.Fatalf("expected error transitioning directly from Initial to Authenticated")
	}
	if err := s.transition(Connecting); err != nil {
		t.Fatalf("Initial -> Connecting should be valid: %v", err)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	clientConn, _ := net.Pipe()
	defer clientConn.Close()
	priv, pub := genIdentity(t)
	s := New("node-a", "", clientConn, priv, pub, nil, nil)
	s.heartbeatInterval = time.Millisecond
	s.lastInboundAt = time.Now().Add(-time.Hour)

	if !s.HeartbeatTimeout() {
		t.Fatalf("expected HeartbeatTimeout to report true after long silence")
	}
}
