package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/meshdrop/backend/internal/chunker"
	"github.com/meshdrop/backend/internal/fec"
	"github.com/meshdrop/backend/internal/store"
	"github.com/meshdrop/backend/internal/wire"
)

// DestDir is where assembled files land; Dispatcher overrides per-node via
// SetDestDir before the first receiver Engine starts.
var DestDir = "."

// runReceiver drives the receiving side: per-chunk verification, gap
// detection via resend requests, and whole-file assembly on
// TransferComplete. Grounded on the teacher's chunk_receiver.go plus
// cas_service.go's completion path, re-expressed over internal/store.
func (e *Engine) runReceiver() {
	total := e.Desc.Manifest.ChunkCount
	paused := false

	checkTicker := time.NewTicker(e.chunkTimeout)
	defer checkTicker.Stop()

	for {
		select {
		case env := <-e.inbox:
			switch env.MessageType {
			case wire.TypeFileChunk:
				if paused {
					continue
				}
				e.handleChunk(env)
			case wire.TypeTransferComplete:
				var tc wire.TransferComplete
				if decodePayload(env, &tc) != nil {
					e.fail("malformed TransferComplete")
					return
				}
				e.assemble(tc.FileChecksum)
				return
			case wire.TypeFileMetadata:
				// Already have the manifest from TransferRequest; this
				// confirms it before chunks start arriving.
				var fm wire.FileMetadata
				decodePayload(env, &fm)
			case wire.TypeTransferCancel:
				var tc wire.TransferCancel
				decodePayload(env, &tc)
				e.cancel("cancelled by peer: " + tc.Reason)
				e.deletePartialChunks()
				return
			}

		case c := <-e.ctl:
			switch c.kind {
			case ctlPause:
				paused = true
				c.done <- e.Desc.transition(Paused)
			case ctlResume:
				paused = false
				c.done <- e.Desc.transition(InProgress)
			case ctlCancel:
				e.cancel("cancelled by local user")
				e.deletePartialChunks()
				c.done <- nil
				return
			}

		case <-checkTicker.C:
			if paused {
				continue
			}
			if e.Desc.IdleSince() > e.overallTimeout {
				e.fail("overall transfer timeout exceeded")
				return
			}
			e.requestMissingChunks(total)
		}
	}
}

func (e *Engine) handleChunk(env *wire.Envelope) {
	var fc wire.FileChunk
	if decodePayload(env, &fc) != nil {
		return
	}
	total := e.Desc.Manifest.ChunkCount
	if fc.Sequence < 0 {
		return
	}
	if fc.Sequence >= total {
		e.handleParityChunk(fc, total)
		return
	}
	data, err := decodeChunkBytes(fc.Bytes)
	if err != nil {
		return
	}
	gotChecksum, err := chunkChecksum(e.Desc.Manifest.ChecksumAlgorithm, data)
	if err != nil || gotChecksum != fc.ChunkChecksum {
		e.sender.Send(wire.TypeChunkResendRequest, e.Desc.PeerId, e.Desc.FileId, wire.ChunkResendRequest{
			FileId: e.Desc.FileId, Sequence: fc.Sequence,
		})
		return
	}

	sum := sha256.Sum256(data)
	id := store.ChunkId{FileId: e.Desc.FileId, Sequence: fc.Sequence, ContentHash: hex.EncodeToString(sum[:])}
	if err := e.store.Put(id, data); err != nil {
		e.fail(fmt.Sprintf("storing chunk %d: %v", fc.Sequence, err))
		return
	}

	e.Desc.mu.Lock()
	if !e.Desc.acked[fc.Sequence] {
		e.Desc.acked[fc.Sequence] = true
		e.Desc.bytesDone += int64(len(data))
		if e.Desc.bytesDone > e.Desc.bytesTotal {
			e.Desc.bytesDone = e.Desc.bytesTotal
		}
	}
	e.Desc.updatedAt = time.Now()
	e.Desc.mu.Unlock()

	e.sender.Send(wire.TypeChunkAck, e.Desc.PeerId, e.Desc.FileId, wire.ChunkAck{
		FileId: e.Desc.FileId, Sequence: fc.Sequence,
	})
}

// handleParityChunk stores a Reed-Solomon parity shard sent by
// sendFECParity (internal/fec), keyed by its offset past the transfer's
// data chunk range. Parity shards are never acked or written into the
// ChunkStore directly; they only feed reconstructMissingViaFEC.
func (e *Engine) handleParityChunk(fc wire.FileChunk, total int) {
	r := e.Desc.Manifest.FECParityShards
	idx := fc.Sequence - total
	if r <= 0 || idx < 0 || idx >= r {
		return
	}
	data, err := decodeChunkBytes(fc.Bytes)
	if err != nil {
		return
	}
	e.fecMu.Lock()
	if e.fecParity == nil {
		e.fecParity = make(map[int][]byte)
	}
	e.fecParity[idx] = data
	e.fecMu.Unlock()
}

// reconstructMissingViaFEC fills in any not-yet-received data chunks from
// whatever parity shards have arrived so far, avoiding a resend round trip
// when enough redundancy is present (internal/fec's Reed-Solomon decoder).
// A no-op whenever FEC is disabled, nothing is missing, or too few shards
// (data + parity) have arrived yet to recover.
func (e *Engine) reconstructMissingViaFEC(total int) {
	k := e.Desc.Manifest.FECDataShards
	r := e.Desc.Manifest.FECParityShards
	if k <= 0 || r <= 0 || k != total {
		return
	}
	e.fecMu.Lock()
	parity := make(map[int][]byte, len(e.fecParity))
	for i, v := range e.fecParity {
		parity[i] = v
	}
	e.fecMu.Unlock()
	if len(parity) == 0 {
		return
	}

	shards := make([][]byte, k+r)
	var missing []int
	for seq := 0; seq < k; seq++ {
		data, ok, err := e.store.Get(store.ChunkId{FileId: e.Desc.FileId, Sequence: seq})
		if err == nil && ok {
			shards[seq] = padToChunkSize(data, e.Desc.Manifest.ChunkSize)
		} else {
			missing = append(missing, seq)
		}
	}
	if len(missing) == 0 {
		return
	}
	for i := 0; i < r; i++ {
		shards[k+i] = parity[i]
	}

	dec, err := fec.NewDecoder(k, r)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("FEC decoder setup for " + e.Desc.FileId + ": " + err.Error())
		}
		return
	}
	if err := dec.Reconstruct(shards); err != nil {
		// Too many shards missing to recover; fall back to ordinary resend.
		return
	}

	for _, seq := range missing {
		recovered := shards[seq]
		length := e.Desc.Manifest.ChunkSize
		if seq == total-1 {
			length = int(e.Desc.Manifest.FileSize - int64(seq)*int64(e.Desc.Manifest.ChunkSize))
		}
		if length >= 0 && length < len(recovered) {
			recovered = recovered[:length]
		}
		sum := sha256.Sum256(recovered)
		id := store.ChunkId{FileId: e.Desc.FileId, Sequence: seq, ContentHash: hex.EncodeToString(sum[:])}
		if err := e.store.Put(id, recovered); err != nil {
			if e.logger != nil {
				e.logger.Warn(fmt.Sprintf("storing FEC-reconstructed chunk %d for %s: %v", seq, e.Desc.FileId, err))
			}
			continue
		}
		e.Desc.mu.Lock()
		if !e.Desc.acked[seq] {
			e.Desc.acked[seq] = true
			e.Desc.bytesDone += int64(len(recovered))
			if e.Desc.bytesDone > e.Desc.bytesTotal {
				e.Desc.bytesDone = e.Desc.bytesTotal
			}
		}
		e.Desc.mu.Unlock()
		if e.logger != nil {
			e.logger.Info(fmt.Sprintf("recovered chunk %d for %s from FEC parity", seq, e.Desc.FileId))
		}
	}
}

// deletePartialChunks removes every chunk already written for this
// transfer's fileId, per spec §4.4 step 5 / scenario S4: a cancelled
// receive must not leave partial content behind in the ChunkStore.
func (e *Engine) deletePartialChunks() {
	seqs, err := e.store.ListForFile(e.Desc.FileId)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("listing chunks to delete for " + e.Desc.FileId + ": " + err.Error())
		}
		return
	}
	for _, seq := range seqs {
		if err := e.store.Delete(store.ChunkId{FileId: e.Desc.FileId, Sequence: seq}); err != nil && e.logger != nil {
			e.logger.Warn(fmt.Sprintf("deleting chunk %d for %s: %v", seq, e.Desc.FileId, err))
		}
	}
}

func (e *Engine) requestMissingChunks(total int) {
	e.reconstructMissingViaFEC(total)
	e.Desc.mu.Lock()
	var missing []int
	for seq := 0; seq < total; seq++ {
		if !e.Desc.acked[seq] {
			missing = append(missing, seq)
		}
	}
	e.Desc.mu.Unlock()
	for _, seq := range missing {
		e.sender.Send(wire.TypeChunkResendRequest, e.Desc.PeerId, e.Desc.FileId, wire.ChunkResendRequest{
			FileId: e.Desc.FileId, Sequence: seq,
		})
	}
}

func (e *Engine) assemble(wantChecksum string) {
	e.reconstructMissingViaFEC(e.Desc.Manifest.ChunkCount)
	seqs, err := e.store.ListForFile(e.Desc.FileId)
	if err != nil {
		e.fail("listing chunks for assembly: " + err.Error())
		return
	}
	sort.Ints(seqs)
	ids := make([]store.ChunkId, len(seqs))
	for i, seq := range seqs {
		ids[i] = store.ChunkId{FileId: e.Desc.FileId, Sequence: seq}
	}

	target := filepath.Join(DestDir, e.Desc.Manifest.FileName)
	var computed string
	err = e.store.Assemble(e.Desc.FileId, ids, target, func(r io.Reader) (string, error) {
		sum, sumErr := chunker.HexSum(e.Desc.Manifest.ChecksumAlgorithm, r)
		computed = sum
		return sum, sumErr
	}, wantChecksum)
	e.Desc.mu.Lock()
	e.Desc.ChecksumComputed = computed
	e.Desc.ChecksumMatched = err == nil
	e.Desc.mu.Unlock()
	if err != nil {
		e.sender.Send(wire.TypeError, e.Desc.PeerId, e.Desc.FileId, wire.Error{
			Code: wire.ErrCodeIntegrityError, Message: err.Error(),
		})
		e.fail("assembling file: " + err.Error())
		os.Remove(target)
		return
	}

	e.sender.Send(wire.TypeAck, e.Desc.PeerId, e.Desc.FileId, wire.Ack{AckOf: e.Desc.FileId})
	e.Desc.transition(Completed)
}
