package transfer

import (
	"io"

	"github.com/meshdrop/backend/internal/store"
)

// ChunkStore is the subset of store.BoltChunkStore a TransferEngine needs.
// Declaring it locally (rather than depending on the concrete type
// everywhere) lets tests substitute an in-memory fake.
type ChunkStore interface {
	Put(id store.ChunkId, data []byte) error
	Get(id store.ChunkId) ([]byte, bool, error)
	Has(id store.ChunkId) (bool, error)
	Delete(id store.ChunkId) error
	ListForFile(fileId string) ([]int, error)
	Assemble(fileId string, seqHashes []store.ChunkId, targetPath string, verifyChecksum func(io.Reader) (string, error), wantChecksum string) error
}

// Sender is the subset of session.PeerSession a TransferEngine needs to
// emit wire messages. Declared locally to avoid importing internal/session
// from internal/transfer.
type Sender interface {
	Send(messageType, destNodeId, correlationId string, payload interface{}) error
}
