// Package dispatch implements Dispatcher (spec §4 component F): the root
// per-node supervisor owning every PeerSession and TransferEngine,
// routing inbound envelopes to the right actor, and exposing the public
// node operations (connect, advertiseFile, startSend, ...). Grounded on
// the teacher's daemon/manager package, which plays the same supervisory
// role over its own session/CAS managers.
package dispatch

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/meshdrop/backend/internal/availability"
	"github.com/meshdrop/backend/internal/dispatch/retryqueue"
	"github.com/meshdrop/backend/internal/observability"
	"github.com/meshdrop/backend/internal/session"
	"github.com/meshdrop/backend/internal/store"
	"github.com/meshdrop/backend/internal/transfer"
	"github.com/meshdrop/backend/internal/wire"
)

// Dispatcher is the single entry point a node's transport layer and
// management surface call into.
type Dispatcher struct {
	NodeId string

	mu       sync.RWMutex
	sessions map[string]*session.PeerSession // keyed by RemoteNodeId
	sends    map[string]*transfer.Engine     // keyed by fileId, sender side
	recvs    map[string]*transfer.Engine     // keyed by fileId, receiver side

	availability *availability.Index
	store        *store.BoltChunkStore
	retry        *retryqueue.Queue
	logger       *observability.Logger
}

// New constructs a Dispatcher for nodeId, backed by chunkStore and avail.
func New(nodeId string, chunkStore *store.BoltChunkStore, avail *availability.Index, retry *retryqueue.Queue, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		NodeId:       nodeId,
		sessions:     make(map[string]*session.PeerSession),
		sends:        make(map[string]*transfer.Engine),
		recvs:        make(map[string]*transfer.Engine),
		availability: avail,
		store:        chunkStore,
		retry:        retry,
		logger:       logger,
	}
}

// Connect drives the outbound handshake over an already-dialed transport
// stream (opened by the daemon's QUIC transport layer) and, on success,
// registers the resulting PeerSession for routing. This is the
// connect(peerId, address) operation from spec §4's Dispatcher surface;
// the address itself is only meaningful to the transport layer that
// produced conn.
func (d *Dispatcher) Connect(address string, conn io.ReadWriteCloser, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*session.PeerSession, error) {
	s := session.New(d.NodeId, address, conn, priv, pub, d, d.logger)
	if err := s.Connect(); err != nil {
		return nil, err
	}
	d.AdoptSession(s)
	return s, nil
}

// AcceptConnection mirrors Connect for an inbound stream accepted by the
// transport layer's listener.
func (d *Dispatcher) AcceptConnection(conn io.ReadWriteCloser, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*session.PeerSession, error) {
	s := session.New(d.NodeId, "", conn, priv, pub, d, d.logger)
	if err := s.Accept(); err != nil {
		return nil, err
	}
	d.AdoptSession(s)
	return s, nil
}

// AdoptSession registers an already-authenticated PeerSession (handshake
// driven by the daemon's transport acceptor/dialer) under its
// RemoteNodeId, so the Dispatcher can route to and supervise it.
func (d *Dispatcher) AdoptSession(s *session.PeerSession) {
	d.mu.Lock()
	d.sessions[s.RemoteNodeId] = s
	d.mu.Unlock()
}

// Disconnect removes peerId's session without attempting reconnection,
// per spec §5's supervision rule: a PeerSession crash is logged and the
// peer removed, never auto-reconnected.
func (d *Dispatcher) Disconnect(peerId string) {
	d.mu.Lock()
	s, ok := d.sessions[peerId]
	delete(d.sessions, peerId)
	d.mu.Unlock()
	if ok {
		s.Disconnect("local disconnect request")
	}
	d.availability.RemovePeer(peerId)
}

// SessionDisconnected implements session.Handler: invoked by a
// PeerSession's own actor when it tears itself down (remote close,
// socket error, or local Disconnect).
func (d *Dispatcher) SessionDisconnected(s *session.PeerSession, reason string) {
	d.mu.Lock()
	delete(d.sessions, s.RemoteNodeId)
	d.mu.Unlock()
	d.availability.RemovePeer(s.RemoteNodeId)
	if d.logger != nil {
		d.logger.Warn(fmt.Sprintf("peer %s disconnected: %s", s.RemoteNodeId, reason))
	}
}

// IsKnown and IsAuthenticated implement availability.KnownPeers, letting
// the Index filter PeersWith to peers the Dispatcher still tracks.
func (d *Dispatcher) IsKnown(nodeId string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sessions[nodeId]
	return ok
}

func (d *Dispatcher) IsAuthenticated(nodeId string) bool {
	d.mu.RLock()
	s, ok := d.sessions[nodeId]
	d.mu.RUnlock()
	return ok && s.IsAuthenticated()
}

// ListPeers returns the RemoteNodeId of every currently tracked session.
func (d *Dispatcher) ListPeers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peers := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		peers = append(peers, id)
	}
	return peers
}

// AdvertiseFile marks fileId as locally available and floods a
// PeerAnnouncement to every connected peer, per spec §4.5.
func (d *Dispatcher) AdvertiseFile(fileId string) {
	d.availability.Advertise(fileId, d.NodeId)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for peerId, s := range d.sessions {
		_ = peerId
		s.Send(wire.TypePeerAnnouncement, s.RemoteNodeId, "", wire.PeerAnnouncement{
			Endpoint:       "",
			Metadata:       map[string]string{"fileId": fileId},
			AnnouncementId: uuid.New().String(),
			TimeToLive:     4,
		})
	}
}

// QueryAvailability returns the known node IDs advertising fileId.
func (d *Dispatcher) QueryAvailability(fileId string) []string {
	return d.availability.PeersWith(fileId)
}

// StartSend creates a sending TransferEngine for fileId to targetPeer and
// starts it, returning the transferId (== fileId, since at most one
// concurrent transfer per file per peer pair is modeled).
func (d *Dispatcher) StartSend(fileId, targetPeer string, manifest wire.FileMetadata) (string, error) {
	if err := transfer.ValidateManifest(manifest); err != nil {
		return "", err
	}
	d.mu.Lock()
	s, ok := d.sessions[targetPeer]
	if !ok {
		d.mu.Unlock()
		return "", fmt.Errorf("dispatch: no session for peer %s", targetPeer)
	}
	desc := transfer.NewDescriptor(fileId, targetPeer, transfer.DirectionSend, manifest)
	eng := transfer.NewEngine(desc, d.store, s, d.logger, d.onTransferTerminal)
	eng.OnProgress(d.onTransferProgress)
	d.sends[fileId] = eng
	d.mu.Unlock()

	if err := s.Send(wire.TypeTransferRequest, targetPeer, fileId, wire.TransferRequest{FileId: fileId, Manifest: manifest}); err != nil {
		return "", err
	}
	// The engine stays Pending, waiting on TransferResponse, until the
	// peer accepts (spec §4.4 step 2): gate entering InProgress on that,
	// rather than assuming acceptance and blasting chunks immediately.
	if err := eng.StartPending(); err != nil {
		return "", err
	}
	return fileId, nil
}

// onTransferProgress surfaces sender-side TransferProgress to the
// Dispatcher locally, per spec §4.4 step 6 ("not across the wire"). The
// Descriptor itself already carries live progress for pull-based callers
// (TransferDescriptor/GetTransferStatus); this callback lets push-based
// observers (logging, future event subscribers) see it without polling.
func (d *Dispatcher) onTransferProgress(desc *transfer.Descriptor, bytesAcked, totalBytes int64) {
	if d.logger != nil {
		d.logger.Info(fmt.Sprintf("transfer %s progress: %d/%d bytes", desc.FileId, bytesAcked, totalBytes))
	}
}

// onTransferTerminal runs retry-queue bookkeeping when a send/receive
// engine reaches a terminal status: a Failed send is handed to the DTN
// retry queue instead of being silently dropped (spec §3 supplement).
func (d *Dispatcher) onTransferTerminal(desc *transfer.Descriptor) {
	if desc.Status() != transfer.Failed || desc.Direction != transfer.DirectionSend {
		return
	}
	if d.retry != nil {
		d.retry.Enqueue(retryqueue.Item{FileId: desc.FileId, PeerId: desc.PeerId, Manifest: desc.Manifest})
	}
}

// CancelTransfer cancels an in-flight send or receive by fileId.
func (d *Dispatcher) CancelTransfer(fileId string) error {
	if eng := d.lookupEngine(fileId); eng != nil {
		return eng.Cancel()
	}
	return fmt.Errorf("dispatch: no transfer for file %s", fileId)
}

// PauseTransfer/ResumeTransfer apply the corresponding control to the
// engine handling fileId, whichever direction it is running.
func (d *Dispatcher) PauseTransfer(fileId string) error {
	if eng := d.lookupEngine(fileId); eng != nil {
		return eng.Pause()
	}
	return fmt.Errorf("dispatch: no transfer for file %s", fileId)
}

func (d *Dispatcher) ResumeTransfer(fileId string) error {
	if eng := d.lookupEngine(fileId); eng != nil {
		return eng.Resume()
	}
	return fmt.Errorf("dispatch: no transfer for file %s", fileId)
}

// TransferDescriptor returns the Descriptor backing fileId's send or
// receive engine, for status-reporting callers (e.g. the daemon's HTTP
// API) that need live progress without reaching into engine internals.
func (d *Dispatcher) TransferDescriptor(fileId string) (*transfer.Descriptor, bool) {
	if eng := d.lookupEngine(fileId); eng != nil {
		return eng.Desc, true
	}
	return nil, false
}

// ListTransfers returns the Descriptor of every send and receive engine
// currently tracked.
func (d *Dispatcher) ListTransfers() []*transfer.Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*transfer.Descriptor, 0, len(d.sends)+len(d.recvs))
	for _, eng := range d.sends {
		out = append(out, eng.Desc)
	}
	for _, eng := range d.recvs {
		out = append(out, eng.Desc)
	}
	return out
}

func (d *Dispatcher) lookupEngine(fileId string) *transfer.Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if eng, ok := d.sends[fileId]; ok {
		return eng
	}
	return d.recvs[fileId]
}

// HandleEnvelope implements session.Handler: routes an inbound envelope
// by message-type family to the right actor, per spec §5's dispatch
// rule (discovery/control to the Dispatcher itself, transfer-family to a
// TransferEngine keyed by fileId, carried in CorrelationId).
func (d *Dispatcher) HandleEnvelope(s *session.PeerSession, e *wire.Envelope) {
	switch e.MessageType {
	case wire.TypePeerAnnouncement:
		d.handleAnnouncement(s, e)
	case wire.TypePeerLeave:
		d.availability.RemovePeer(s.RemoteNodeId)
	case wire.TypeTransferRequest:
		d.handleTransferRequest(s, e)
	case wire.TypeTransferResponse, wire.TypeFileMetadata, wire.TypeFileChunk,
		wire.TypeChunkAck, wire.TypeChunkResendRequest, wire.TypeTransferProgress,
		wire.TypeTransferComplete, wire.TypeTransferCancel, wire.TypeAck, wire.TypeError,
		wire.TypeChecksumRequest, wire.TypeChecksumResponse, wire.TypeChunkChecksum:
		if eng := d.lookupEngine(e.CorrelationId); eng != nil {
			eng.Deliver(e)
		}
	}
}

func (d *Dispatcher) handleAnnouncement(s *session.PeerSession, e *wire.Envelope) {
	var ann wire.PeerAnnouncement
	if err := decode(e, &ann); err != nil {
		return
	}
	if fileId, ok := ann.Metadata["fileId"]; ok {
		d.availability.Advertise(fileId, s.RemoteNodeId)
	}
}

// handleTransferRequest validates an inbound TransferRequest and, on
// acceptance, creates and starts a receiving TransferEngine.
func (d *Dispatcher) handleTransferRequest(s *session.PeerSession, e *wire.Envelope) {
	var req wire.TransferRequest
	if err := decode(e, &req); err != nil {
		return
	}
	if err := transfer.ValidateManifest(req.Manifest); err != nil {
		s.Send(wire.TypeTransferResponse, s.RemoteNodeId, req.FileId, wire.TransferResponse{
			FileId: req.FileId, Accept: false, Reason: err.Error(),
		})
		return
	}

	desc := transfer.NewDescriptor(req.FileId, s.RemoteNodeId, transfer.DirectionReceive, req.Manifest)
	eng := transfer.NewEngine(desc, d.store, s, d.logger, d.onTransferTerminal)
	d.mu.Lock()
	d.recvs[req.FileId] = eng
	d.mu.Unlock()

	s.Send(wire.TypeTransferResponse, s.RemoteNodeId, req.FileId, wire.TransferResponse{FileId: req.FileId, Accept: true})
	eng.Start()
}

func decode(e *wire.Envelope, out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}
