package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meshdrop/backend/internal/store"
	"github.com/meshdrop/backend/internal/wire"
)

func mustChecksum(t *testing.T, data []byte) string {
	t.Helper()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func jsonMarshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte // key: fileId|seq
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func fkey(fileId string, seq int) string {
	return fileId + "|" + string(rune('0'+seq))
}

func (f *fakeStore) Put(id store.ChunkId, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[fkey(id.FileId, id.Sequence)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) Get(id store.ChunkId) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[fkey(id.FileId, id.Sequence)]
	return d, ok, nil
}

func (f *fakeStore) Has(id store.ChunkId) (bool, error) {
	_, ok, _ := f.Get(id)
	return ok, nil
}

func (f *fakeStore) Delete(id store.ChunkId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, fkey(id.FileId, id.Sequence))
	return nil
}

func (f *fakeStore) ListForFile(fileId string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seqs []int
	for i := 0; i < 10; i++ {
		if _, ok := f.data[fkey(fileId, i)]; ok {
			seqs = append(seqs, i)
		}
	}
	return seqs, nil
}

func (f *fakeStore) Assemble(fileId string, seqHashes []store.ChunkId, targetPath string, verify func(io.Reader) (string, error), wantChecksum string) error {
	var all []byte
	for _, id := range seqHashes {
		d, ok, _ := f.Get(id)
		if !ok {
			return os.ErrNotExist
		}
		all = append(all, d...)
	}
	sum, err := verify(bytesReader(all))
	if err != nil {
		return err
	}
	if sum != wantChecksum {
		return os.ErrInvalid
	}
	return os.WriteFile(targetPath, all, 0o644)
}

type bytesReaderT struct {
	b   []byte
	pos int
}

func bytesReader(b []byte) io.Reader { return &bytesReaderT{b: b} }

func (r *bytesReaderT) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*sentMsg
}

type sentMsg struct {
	messageType, dest, correlation string
	payload                        interface{}
}

func (f *fakeSender) Send(messageType, dest, correlation string, payload interface{}) error {
	f.mu.Lock()
	f.sent = append(f.sent, &sentMsg{messageType, dest, correlation, payload})
	f.mu.Unlock()
	return nil
}

func TestSenderReceiverFullTransfer(t *testing.T) {
	st := newFakeStore()
	fileId := "file-1"
	chunkData := [][]byte{make([]byte, MinChunkSize), []byte("world!")}
	for i, d := range chunkData {
		st.Put(store.ChunkId{FileId: fileId, Sequence: i}, d)
	}

	manifest := wire.FileMetadata{
		FileId: fileId, FileName: "greeting.txt", FileSize: int64(MinChunkSize + 6),
		ChunkSize: MinChunkSize, ChunkCount: 2, ChecksumAlgorithm: wire.ChecksumSha256,
		Checksum: mustChecksum(t, append(append([]byte{}, chunkData[0]...), chunkData[1]...)),
	}

	if err := ValidateManifest(manifest); err != nil {
		t.Fatalf("ValidateManifest: %v", err)
	}

	senderDesc := NewDescriptor(fileId, "node-recv", DirectionSend, manifest)
	senderSender := &fakeSender{}
	senderEngine := NewEngine(senderDesc, st, senderSender, nil, nil)

	recvStore := newFakeStore()
	recvDesc := NewDescriptor(fileId, "node-send", DirectionReceive, manifest)
	recvSender := &fakeSender{}
	recvEngine := NewEngine(recvDesc, recvStore, recvSender, nil, nil)

	// Sender stays Pending until it sees TransferResponse (spec §4.4 step
	// 2), matching what Dispatcher.StartSend/handleTransferRequest do on
	// the wire; this test plays the receiver's accept by hand.
	if err := senderEngine.StartPending(); err != nil {
		t.Fatalf("sender StartPending: %v", err)
	}
	if err := recvEngine.Start(); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}

	acceptBody, err := jsonMarshal(wire.TransferResponse{FileId: fileId, Accept: true})
	if err != nil {
		t.Fatalf("marshal TransferResponse: %v", err)
	}
	senderEngine.Deliver(&wire.Envelope{MessageType: wire.TypeTransferResponse, Payload: acceptBody})

	// Pipe sender's outbound FileChunk/TransferComplete into the receiver,
	// and the receiver's ChunkAck/Ack back into the sender, synchronously
	// draining each side's fakeSender buffer.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		drainTo(senderSender, recvEngine)
		drainTo(recvSender, senderEngine)
		if senderDesc.Status() == Completed && recvDesc.Status() == Completed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if senderDesc.Status() != Completed {
		t.Fatalf("sender status = %s, want Completed", senderDesc.Status())
	}
	if recvDesc.Status() != Completed {
		t.Fatalf("receiver status = %s, want Completed", recvDesc.Status())
	}
}

func TestSenderFailsOnRejectedTransfer(t *testing.T) {
	fileId := "file-reject"
	manifest := wire.FileMetadata{FileId: fileId, FileSize: 6, ChunkSize: 6, ChunkCount: 1, ChecksumAlgorithm: wire.ChecksumSha256}
	desc := NewDescriptor(fileId, "node-recv", DirectionSend, manifest)
	sender := &fakeSender{}
	eng := NewEngine(desc, newFakeStore(), sender, nil, nil)

	if err := eng.StartPending(); err != nil {
		t.Fatalf("StartPending: %v", err)
	}
	body, _ := jsonMarshal(wire.TransferResponse{FileId: fileId, Accept: false, Reason: "no space"})
	eng.Deliver(&wire.Envelope{MessageType: wire.TypeTransferResponse, Payload: body})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && desc.Status() != Failed {
		time.Sleep(5 * time.Millisecond)
	}
	if desc.Status() != Failed {
		t.Fatalf("status = %s, want Failed after rejection", desc.Status())
	}
	for _, m := range sender.sent {
		if m.messageType == wire.TypeFileMetadata {
			t.Fatalf("FileMetadata must not be sent after a rejected TransferResponse")
		}
	}
}

func TestSenderFailsAfterMaxRetriesOnResendRequest(t *testing.T) {
	fileId := "file-retry"
	chunkData := []byte("payload")
	st := newFakeStore()
	st.Put(store.ChunkId{FileId: fileId, Sequence: 0}, chunkData)
	manifest := wire.FileMetadata{FileId: fileId, FileSize: int64(len(chunkData)), ChunkSize: len(chunkData), ChunkCount: 1, ChecksumAlgorithm: wire.ChecksumSha256}
	desc := NewDescriptor(fileId, "node-recv", DirectionSend, manifest)
	sender := &fakeSender{}
	eng := NewEngine(desc, st, sender, nil, nil)
	eng.maxRetries = 2

	if err := eng.StartPending(); err != nil {
		t.Fatalf("StartPending: %v", err)
	}
	acceptBody, _ := jsonMarshal(wire.TransferResponse{FileId: fileId, Accept: true})
	eng.Deliver(&wire.Envelope{MessageType: wire.TypeTransferResponse, Payload: acceptBody})

	resendBody, _ := jsonMarshal(wire.ChunkResendRequest{FileId: fileId, Sequence: 0})
	for i := 0; i < 3; i++ {
		eng.Deliver(&wire.Envelope{MessageType: wire.TypeChunkResendRequest, Payload: resendBody})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && desc.Status() != Failed {
		time.Sleep(5 * time.Millisecond)
	}
	if desc.Status() != Failed {
		t.Fatalf("status = %s, want Failed after exceeding maxRetries", desc.Status())
	}
}

func drainTo(from *fakeSender, to *Engine) {
	from.mu.Lock()
	msgs := from.sent
	from.sent = nil
	from.mu.Unlock()
	for _, m := range msgs {
		env := &wire.Envelope{MessageType: m.messageType}
		body, _ := marshalAny(m.payload)
		env.Payload = body
		to.Deliver(env)
	}
}

func marshalAny(v interface{}) ([]byte, error) {
	return jsonMarshal(v)
}
