package transfer

import (
	"fmt"
	"time"

	"github.com/meshdrop/backend/internal/fec"
	"github.com/meshdrop/backend/internal/store"
	"github.com/meshdrop/backend/internal/wire"
)

// runSender drives the sending side of a transfer: a sliding window of at
// most maxConcurrentChunks in-flight chunks, resend-on-timeout, progress
// reporting, and a final TransferComplete/Ack handshake. Grounded on the
// teacher's chunk_sender.go windowing loop, generalized off raw QUIC
// stream writes onto Sender.Send.
func (e *Engine) runSender() {
	total := e.Desc.Manifest.ChunkCount
	next := 0
	paused := false
	accepted := false

	progressTicker := time.NewTicker(e.progressInterval)
	defer progressTicker.Stop()
	checkTicker := time.NewTicker(e.chunkTimeout / 3)
	defer checkTicker.Stop()

	fillWindow := func() {
		if paused || !accepted {
			return
		}
		e.Desc.mu.Lock()
		inFlight := len(e.Desc.pending)
		e.Desc.mu.Unlock()
		for inFlight < e.maxConcurrentChunks && next < total {
			e.sendChunk(next)
			next++
			inFlight++
		}
	}

	for {
		select {
		case env := <-e.inbox:
			switch env.MessageType {
			case wire.TypeTransferResponse:
				if accepted {
					continue
				}
				var resp wire.TransferResponse
				if decodePayload(env, &resp) != nil {
					e.fail("malformed TransferResponse")
					return
				}
				if !resp.Accept {
					e.fail("peer rejected transfer: " + resp.Reason)
					return
				}
				if err := e.sender.Send(wire.TypeFileMetadata, e.Desc.PeerId, e.Desc.FileId, e.Desc.Manifest); err != nil {
					e.fail("sending file metadata: " + err.Error())
					return
				}
				if err := e.Desc.transition(InProgress); err != nil {
					e.fail("entering in-progress: " + err.Error())
					return
				}
				accepted = true
				e.sendFECParity(total)
				if total == 0 {
					e.sendComplete()
				} else {
					fillWindow()
				}
			case wire.TypeChunkAck:
				if !accepted {
					continue
				}
				var ack wire.ChunkAck
				if decodePayload(env, &ack) != nil {
					continue
				}
				e.Desc.mu.Lock()
				if !e.Desc.acked[ack.Sequence] {
					e.Desc.acked[ack.Sequence] = true
					delete(e.Desc.pending, ack.Sequence)
					delete(e.Desc.retries, ack.Sequence)
					e.Desc.bytesDone += int64(e.Desc.chunkLen[ack.Sequence])
					if e.Desc.bytesDone > e.Desc.bytesTotal {
						e.Desc.bytesDone = e.Desc.bytesTotal
					}
				}
				acked := len(e.Desc.acked)
				e.Desc.mu.Unlock()
				if acked >= total {
					e.sendComplete()
				} else {
					fillWindow()
				}
			case wire.TypeChunkResendRequest:
				if !accepted {
					continue
				}
				var req wire.ChunkResendRequest
				if decodePayload(env, &req) != nil {
					continue
				}
				e.Desc.mu.Lock()
				exhausted := e.Desc.retries[req.Sequence] >= e.maxRetries
				if !exhausted {
					e.Desc.retries[req.Sequence]++
				}
				e.Desc.mu.Unlock()
				if exhausted {
					e.fail(fmt.Sprintf("sequence %d exceeded %d retries", req.Sequence, e.maxRetries))
					return
				}
				e.sendChunk(req.Sequence)
			case wire.TypeAck:
				var ack wire.Ack
				if decodePayload(env, &ack) == nil {
					e.Desc.transition(Completed)
					return
				}
			case wire.TypeTransferCancel:
				var tc wire.TransferCancel
				decodePayload(env, &tc)
				e.cancel("cancelled by peer: " + tc.Reason)
				return
			}

		case c := <-e.ctl:
			switch c.kind {
			case ctlPause:
				paused = true
				c.done <- e.Desc.transition(Paused)
			case ctlResume:
				paused = false
				err := e.Desc.transition(InProgress)
				c.done <- err
				fillWindow()
			case ctlCancel:
				e.sender.Send(wire.TypeTransferCancel, e.Desc.PeerId, e.Desc.FileId, wire.TransferCancel{FileId: e.Desc.FileId, Reason: "cancelled by local user"})
				e.cancel("cancelled by local user")
				c.done <- nil
				return
			}

		case <-progressTicker.C:
			if accepted && !paused {
				done, totalBytes := e.Desc.Progress()
				if e.onProgress != nil {
					e.onProgress(e.Desc, done, totalBytes)
				}
			}

		case <-checkTicker.C:
			if !accepted || paused {
				continue
			}
			if e.Desc.IdleSince() > e.overallTimeout {
				e.fail("overall transfer timeout exceeded")
				return
			}
			e.resendTimedOutChunks()
		}
	}
}

func (e *Engine) sendChunk(seq int) {
	data, ok, err := e.store.Get(store.ChunkId{FileId: e.Desc.FileId, Sequence: seq})
	if err != nil || !ok {
		e.fail("local chunk missing for sequence")
		return
	}
	checksum, err := chunkChecksum(e.Desc.Manifest.ChecksumAlgorithm, data)
	if err != nil {
		e.fail(err.Error())
		return
	}
	e.Desc.mu.Lock()
	e.Desc.pending[seq] = time.Now()
	e.Desc.chunkLen[seq] = len(data)
	e.Desc.mu.Unlock()
	e.sender.Send(wire.TypeFileChunk, e.Desc.PeerId, e.Desc.FileId, wire.FileChunk{
		FileId: e.Desc.FileId, Sequence: seq, Bytes: encodeChunkBytes(data), ChunkChecksum: checksum,
	})
}

// sendFECParity transmits the Reed-Solomon parity shards (internal/fec)
// configured on the manifest, once, right after the transfer is accepted.
// Parity shards ride the ordinary FileChunk message type at sequences
// total..total+FECParityShards-1, which the receiver recognizes as parity
// because they fall outside [0, ChunkCount). Only the simple case of one
// FEC window spanning the whole transfer is supported (FECDataShards must
// equal the chunk count); anything else is skipped as a no-op, since the
// sender protocol never depended on FEC to begin with.
func (e *Engine) sendFECParity(total int) {
	k := e.Desc.Manifest.FECDataShards
	r := e.Desc.Manifest.FECParityShards
	if k <= 0 || r <= 0 || k != total {
		return
	}
	shards := make([][]byte, k)
	for seq := 0; seq < k; seq++ {
		data, ok, err := e.store.Get(store.ChunkId{FileId: e.Desc.FileId, Sequence: seq})
		if err != nil || !ok {
			if e.logger != nil {
				e.logger.Warn(fmt.Sprintf("skipping FEC parity for %s: chunk %d unavailable", e.Desc.FileId, seq))
			}
			return
		}
		shards[seq] = padToChunkSize(data, e.Desc.Manifest.ChunkSize)
	}
	enc, err := fec.NewEncoder(k, r)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("FEC encoder setup for " + e.Desc.FileId + ": " + err.Error())
		}
		return
	}
	parity, err := enc.Encode(shards)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("FEC encode for " + e.Desc.FileId + ": " + err.Error())
		}
		return
	}
	for i, p := range parity {
		checksum, err := chunkChecksum(e.Desc.Manifest.ChecksumAlgorithm, p)
		if err != nil {
			continue
		}
		e.sender.Send(wire.TypeFileChunk, e.Desc.PeerId, e.Desc.FileId, wire.FileChunk{
			FileId: e.Desc.FileId, Sequence: total + i, Bytes: encodeChunkBytes(p), ChunkChecksum: checksum,
		})
	}
}

// padToChunkSize right-pads (or truncates) data to exactly size bytes:
// Reed-Solomon shards must all be equal length, but the manifest's final
// chunk is typically shorter than ChunkSize.
func padToChunkSize(data []byte, size int) []byte {
	if len(data) == size {
		return data
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}

func (e *Engine) resendTimedOutChunks() {
	now := time.Now()
	var toResend []int
	exhaustedSeq := -1
	e.Desc.mu.Lock()
	for seq, sentAt := range e.Desc.pending {
		if now.Sub(sentAt) > e.chunkTimeout {
			if e.Desc.retries[seq] >= e.maxRetries {
				exhaustedSeq = seq
				break
			}
			e.Desc.retries[seq]++
			toResend = append(toResend, seq)
		}
	}
	e.Desc.mu.Unlock()
	if exhaustedSeq >= 0 {
		e.fail(fmt.Sprintf("sequence %d exceeded %d retries", exhaustedSeq, e.maxRetries))
		return
	}
	for _, seq := range toResend {
		e.sendChunk(seq)
	}
}

func (e *Engine) sendComplete() {
	e.sender.Send(wire.TypeTransferComplete, e.Desc.PeerId, e.Desc.FileId, wire.TransferComplete{
		FileId: e.Desc.FileId, FileChecksum: e.Desc.Manifest.Checksum,
	})
}
