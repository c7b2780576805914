package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func idFor(t *testing.T, fileId string, seq int, data []byte) ChunkId {
	t.Helper()
	sum := sha256.Sum256(data)
	return ChunkId{FileId: fileId, Sequence: seq, ContentHash: hex.EncodeToString(sum[:])}
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := []byte("hello chunk")
	id := idFor(t, "file-1", 0, data)

	if err := s.Put(id, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get returned %q, want %q", got, data)
	}

	// Second identical Put is a no-op.
	if err := s.Put(id, data); err != nil {
		t.Fatalf("second Put: %v", err)
	}
}

func TestPutRejectsMismatchedHash(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	id := ChunkId{FileId: "file-1", Sequence: 0, ContentHash: "deadbeef"}
	if err := s.Put(id, []byte("mismatched")); err == nil {
		t.Fatal("expected error for mismatched content hash")
	}
}

func TestListForFileOrdered(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for _, seq := range []int{2, 0, 1} {
		data := []byte{byte(seq)}
		id := idFor(t, "file-1", seq, data)
		if err := s.Put(id, data); err != nil {
			t.Fatalf("Put seq %d: %v", seq, err)
		}
	}

	seqs, err := s.ListForFile("file-1")
	if err != nil {
		t.Fatalf("ListForFile: %v", err)
	}
	want := []int{0, 1, 2}
	if len(seqs) != len(want) {
		t.Fatalf("got %v, want %v", seqs, want)
	}
	for i, w := range want {
		if seqs[i] != w {
			t.Fatalf("got %v, want %v", seqs, want)
		}
	}
}

func TestCompressionAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := bytes.Repeat([]byte("a"), compressThreshold*4)
	id := idFor(t, "file-1", 0, data)
	if err := s.Put(id, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decompressed bytes do not match original")
	}
}

func TestOpenWriteStreamThenOpenReadStreamRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := bytes.Repeat([]byte("stream me "), 200) // above compressThreshold
	id := idFor(t, "file-stream", 0, data)

	ws, err := s.OpenWriteStream(id)
	if err != nil {
		t.Fatalf("OpenWriteStream: %v", err)
	}
	if _, err := ws.Write(data[:10]); err != nil {
		t.Fatalf("Write part 1: %v", err)
	}
	if _, err := ws.Write(data[10:]); err != nil {
		t.Fatalf("Write part 2: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rs, err := s.OpenReadStream(id)
	if err != nil {
		t.Fatalf("OpenReadStream: %v", err)
	}
	got, err := io.ReadAll(rs)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("rs.Close: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("streamed round trip returned different bytes")
	}
}

func TestOpenWriteStreamRejectsMismatchedHash(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	id := ChunkId{FileId: "file-1", Sequence: 0, ContentHash: "deadbeef"}
	ws, err := s.OpenWriteStream(id)
	if err != nil {
		t.Fatalf("OpenWriteStream: %v", err)
	}
	if _, err := ws.Write([]byte("mismatched")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ws.Close(); err == nil {
		t.Fatal("expected hash mismatch error from Close")
	}
	if has, _ := s.Has(id); has {
		t.Fatal("a failed write stream must not leave a persisted chunk")
	}
}

func TestOpenReadStreamMissingChunk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.OpenReadStream(ChunkId{FileId: "nope", Sequence: 0, ContentHash: "x"}); err == nil {
		t.Fatal("expected error for missing chunk")
	}
}

func TestCleanupOrphans(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cas.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := []byte("orphan")
	id := idFor(t, "file-orphan", 0, data)
	if err := s.Put(id, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := s.CleanupOrphans(-time.Second, map[string]bool{})
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if has, _ := s.Has(id); has {
		t.Fatal("expected chunk to be removed")
	}
}
