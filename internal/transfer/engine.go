package transfer

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/meshdrop/backend/internal/chunker"
	"github.com/meshdrop/backend/internal/observability"
	"github.com/meshdrop/backend/internal/wire"
)

func chunkChecksum(algo wire.ChecksumAlgorithm, data []byte) (string, error) {
	return chunker.HexSumBytes(algo, data)
}

// Engine is the actor that drives one Descriptor to completion: one
// goroutine, a private inbox, serial processing, matching spec §5's
// concurrency model for TransferEngine.
type Engine struct {
	Desc   *Descriptor
	store  ChunkStore
	sender Sender
	logger *observability.Logger

	inbox chan *wire.Envelope
	ctl   chan control
	done  chan struct{}

	maxConcurrentChunks int
	maxRetries          int
	progressInterval    time.Duration
	chunkTimeout        time.Duration
	overallTimeout      time.Duration

	onTerminal func(*Descriptor) // Dispatcher callback when status reaches a terminal state

	// onProgress surfaces TransferProgress to the Dispatcher locally (spec
	// §4.4 step 6: "not across the wire"). Nil is fine; progress is always
	// still readable by polling Desc.Progress().
	onProgress func(*Descriptor, int64, int64)

	// fecParity holds received Reed-Solomon parity shards, keyed by parity
	// index (0..FECParityShards-1), for the receiver side's opportunistic
	// reconstruction of lost data chunks. Unused (and never allocated) for
	// transfers with FEC disabled.
	fecMu     sync.Mutex
	fecParity map[int][]byte
}

type controlKind int

const (
	ctlPause controlKind = iota
	ctlResume
	ctlCancel
)

type control struct {
	kind controlKind
	done chan error
}

// NewEngine constructs an Engine over desc, not yet running.
func NewEngine(desc *Descriptor, store ChunkStore, sender Sender, logger *observability.Logger, onTerminal func(*Descriptor)) *Engine {
	return &Engine{
		Desc:                desc,
		store:               store,
		sender:              sender,
		logger:              logger,
		inbox:               make(chan *wire.Envelope, 256),
		ctl:                 make(chan control),
		done:                make(chan struct{}),
		maxConcurrentChunks: DefaultMaxConcurrentChunks,
		maxRetries:          DefaultMaxRetries,
		progressInterval:    DefaultProgressInterval,
		chunkTimeout:        DefaultChunkTimeout,
		overallTimeout:      DefaultOverallTimeout,
		onTerminal:          onTerminal,
	}
}

// OnProgress registers a callback invoked locally (never over the wire)
// whenever the sender ticks its progress interval. Must be called before
// Start/StartPending.
func (e *Engine) OnProgress(f func(*Descriptor, int64, int64)) {
	e.onProgress = f
}

// Deliver hands an inbound envelope (already decrypted/validated by the
// owning PeerSession) to the engine's actor loop. Never blocks: a full
// inbox drops the message, mirroring PeerSession's busy-signal approach
// at the transfer layer (a dropped ChunkAck/FileChunk is recovered by the
// sender's resend timeout).
func (e *Engine) Deliver(env *wire.Envelope) {
	select {
	case e.inbox <- env:
	default:
		if e.logger != nil {
			e.logger.Warn("transfer engine inbox full, dropping message for " + e.Desc.FileId)
		}
	}
}

// Start transitions Pending -> InProgress and runs the actor loop in a new
// goroutine until a terminal status is reached.
func (e *Engine) Start() error {
	if err := e.Desc.transition(InProgress); err != nil {
		return err
	}
	go e.run()
	return nil
}

// StartPending runs the actor loop without leaving Pending. The sender
// side uses this: spec §4.4 step 2 requires waiting for
// TransferResponse{accept=true} before entering InProgress, so runSender
// itself drives that transition once acceptance arrives.
func (e *Engine) StartPending() error {
	go e.run()
	return nil
}

func (e *Engine) run() {
	defer close(e.done)
	defer func() {
		if e.onTerminal != nil {
			e.onTerminal(e.Desc)
		}
	}()

	if e.Desc.Direction == DirectionSend {
		e.runSender()
	} else {
		e.runReceiver()
	}
}

// Pause/Resume/Cancel are synchronous: they block until the actor has
// applied the request, so callers observe the resulting Status immediately.
func (e *Engine) Pause() error  { return e.sendControl(ctlPause) }
func (e *Engine) Resume() error { return e.sendControl(ctlResume) }
func (e *Engine) Cancel() error { return e.sendControl(ctlCancel) }

func (e *Engine) sendControl(kind controlKind) error {
	c := control{kind: kind, done: make(chan error, 1)}
	select {
	case e.ctl <- c:
		return <-c.done
	case <-e.done:
		return nil
	}
}

func (e *Engine) fail(reason string) {
	e.Desc.fail(reason, false)
	if e.logger != nil {
		e.logger.Warn("transfer " + e.Desc.FileId + " failed: " + reason)
	}
}

// cancel transitions to Failed with the cancellation flag set, per spec
// §3's cancellation flag and §4.4's "cancel() -> Failed(reason=cancelled)".
func (e *Engine) cancel(reason string) {
	e.Desc.fail(reason, true)
	if e.logger != nil {
		e.logger.Warn("transfer " + e.Desc.FileId + " cancelled: " + reason)
	}
}

func decodePayload(env *wire.Envelope, out interface{}) error {
	return json.Unmarshal(env.Payload, out)
}

func encodeChunkBytes(data []byte) string { return base64.StdEncoding.EncodeToString(data) }
func decodeChunkBytes(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
