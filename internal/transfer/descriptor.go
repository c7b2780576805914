package transfer

import (
	"sync"
	"time"

	"github.com/meshdrop/backend/internal/wire"
)

// Direction distinguishes the sending and receiving side of a transfer;
// TransferEngine runs one or the other, never both, for a given FileId.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

const (
	DefaultMaxConcurrentChunks = 8
	DefaultMaxRetries          = 3
	DefaultProgressInterval    = 1 * time.Second
	DefaultChunkTimeout        = 30 * time.Second
	DefaultOverallTimeout      = 30 * time.Minute
	MaxFileSize                = 10 * 1 << 30 // 10 GiB, spec §4.4
	MinChunkSize                = 4 * 1024
	MaxChunkSize                = 1 << 20
)

// Descriptor tracks one transfer's progress, independent of direction.
type Descriptor struct {
	mu sync.Mutex

	FileId    string
	PeerId    string
	Direction Direction
	Manifest  wire.FileMetadata
	status    Status

	startedAt time.Time
	updatedAt time.Time

	acked    map[int]bool // sequences confirmed delivered (send) or received+verified (receive)
	pending  map[int]time.Time // in-flight chunk -> send time, for timeout/resend
	retries  map[int]int
	chunkLen map[int]int // actual byte length per sequence, for precise progress accounting

	bytesTotal int64
	bytesDone  int64

	// ChecksumComputed and ChecksumMatched are set once by the receiver's
	// assemble() step; a caller can build a signed verification receipt
	// from them without internal/transfer knowing anything about signing.
	ChecksumComputed string
	ChecksumMatched  bool

	// Cancelled and Reason record why a Failed descriptor failed. Spec §3's
	// data model has no separate Cancelled status — a local cancel() still
	// resolves to Failed, but Cancelled distinguishes that case from a
	// timeout, peer rejection, or integrity failure for callers (S3/S4/S5).
	Cancelled bool
	Reason    string
}

// NewDescriptor builds a Pending descriptor for fileId exchanged with peerId.
func NewDescriptor(fileId, peerId string, dir Direction, manifest wire.FileMetadata) *Descriptor {
	return &Descriptor{
		FileId:     fileId,
		PeerId:     peerId,
		Direction:  dir,
		Manifest:   manifest,
		status:     Pending,
		startedAt:  time.Now(),
		updatedAt:  time.Now(),
		acked:      make(map[int]bool),
		pending:    make(map[int]time.Time),
		retries:    make(map[int]int),
		chunkLen:   make(map[int]int),
		bytesTotal: manifest.FileSize,
	}
}

func (d *Descriptor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Descriptor) transition(to Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !canTransition(d.status, to) {
		return &ErrInvalidTransition{From: d.status, To: to}
	}
	d.status = to
	d.updatedAt = time.Now()
	return nil
}

// fail transitions to Failed and records why, per spec §3's cancellation
// flag: cancelled distinguishes a local cancel() from any other failure
// reason (timeout, peer rejection, integrity mismatch).
func (d *Descriptor) fail(reason string, cancelled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !canTransition(d.status, Failed) {
		return &ErrInvalidTransition{From: d.status, To: Failed}
	}
	d.status = Failed
	d.Reason = reason
	d.Cancelled = cancelled
	d.updatedAt = time.Now()
	return nil
}

// Progress returns (bytesAcked, totalBytes) for TransferProgress reporting.
func (d *Descriptor) Progress() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesDone, d.bytesTotal
}

func (d *Descriptor) IdleSince() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.updatedAt)
}
