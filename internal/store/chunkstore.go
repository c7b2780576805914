// Package store implements ChunkStore (spec §4.2): content-addressed chunk
// persistence keyed by (FileId, sequenceNumber, contentHash), streaming
// assembly into a final file, and orphan cleanup. Grounded on the
// teacher's boltdb/bolt-backed CAS (daemon/manager/cas_bolt.go),
// generalized from a flat hash-keyed bucket to the full ChunkId tuple the
// spec requires, with per-chunk compression and whole-file assembly added.
package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/meshdrop/backend/internal/xerr"
)

// ChunkId identifies one chunk: the file it belongs to, its position in
// sequence order, and its own content checksum (hex-encoded).
type ChunkId struct {
	FileId       string
	Sequence     int
	ContentHash  string
}

var (
	bucketChunks = []byte("chunks")
	bucketMeta   = []byte("chunk_meta")
)

// compressThreshold is the size above which chunks SHOULD be compressed
// in persistent storage, per spec §4.2.
const compressThreshold = 1024

type chunkMeta struct {
	Length     int
	Compressed bool
	StoredAt   int64
}

// BoltChunkStore is the default ChunkStore implementation: one bolt.DB per
// node, two buckets (raw/compressed bytes, and per-chunk metadata used for
// size accounting and orphan GC).
type BoltChunkStore struct {
	db *bolt.DB
}

// Open creates or opens a BoltChunkStore at path.
func Open(path string) (*BoltChunkStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketChunks); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(bucketMeta)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltChunkStore{db: db}, nil
}

func (s *BoltChunkStore) Close() error { return s.db.Close() }

// key orders lexicographically by FileId then Sequence, so a prefix scan
// over FileId yields chunks in sequence order for listForFile/assemble.
func key(id ChunkId) []byte {
	buf := make([]byte, 0, len(id.FileId)+1+8)
	buf = append(buf, []byte(id.FileId)...)
	buf = append(buf, 0)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(id.Sequence))
	return append(buf, seqBytes[:]...)
}

func filePrefix(fileId string) []byte {
	buf := make([]byte, 0, len(fileId)+1)
	buf = append(buf, []byte(fileId)...)
	return append(buf, 0)
}

// Put persists bytes under chunkId, verifying hash(bytes) == chunkId.ContentHash.
// Idempotent: an identical second Put is a no-op.
func (s *BoltChunkStore) Put(id ChunkId, data []byte) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != id.ContentHash {
		return xerr.Wrap(xerr.CategoryStorage, xerr.CodeCorruptionDetected,
			fmt.Sprintf("chunk %s/%d hash mismatch", id.FileId, id.Sequence), xerr.ErrIntegrity)
	}
	if has, err := s.Has(id); err != nil {
		return err
	} else if has {
		return nil
	}

	stored := data
	compressed := false
	if len(data) > compressThreshold {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err == nil && w.Close() == nil && buf.Len() < len(data) {
			stored = buf.Bytes()
			compressed = true
		}
	}

	meta := chunkMeta{Length: len(data), Compressed: compressed, StoredAt: time.Now().Unix()}
	metaBytes, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	k := key(id)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChunks).Put(k, stored); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(k, metaBytes)
	})
}

// Get returns the chunk's plaintext bytes, or (nil, false) if absent.
func (s *BoltChunkStore) Get(id ChunkId) ([]byte, bool, error) {
	var raw []byte
	var metaBytes []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		k := key(id)
		if v := tx.Bucket(bucketChunks).Get(k); v != nil {
			raw = append([]byte(nil), v...)
		}
		if v := tx.Bucket(bucketMeta).Get(k); v != nil {
			metaBytes = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, false, err
	}
	if !meta.Compressed {
		return raw, true, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Has reports whether a chunk's bytes are stored.
func (s *BoltChunkStore) Has(id ChunkId) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketChunks).Get(key(id)) != nil
		return nil
	})
	return ok, err
}

// Delete removes a chunk's bytes and metadata.
func (s *BoltChunkStore) Delete(id ChunkId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		k := key(id)
		if err := tx.Bucket(bucketChunks).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(k)
	})
}

// chunkReadStream wraps a held-open read-only bolt transaction: the value
// bytes bolt hands back are only valid while the transaction is live, so
// unlike Get, which copies out and returns, a streaming reader keeps the
// transaction open until Close instead of materializing the whole chunk
// up front.
type chunkReadStream struct {
	tx *bolt.Tx
	r  io.Reader
}

func (c *chunkReadStream) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *chunkReadStream) Close() error { return c.tx.Rollback() }

// OpenReadStream returns a streaming reader over a stored chunk's plaintext
// bytes (spec §4.2), decompressing on the fly if the chunk was stored
// gzip'd. The caller must Close it to release the underlying bolt
// transaction.
func (s *BoltChunkStore) OpenReadStream(id ChunkId) (io.ReadCloser, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	k := key(id)
	v := tx.Bucket(bucketChunks).Get(k)
	if v == nil {
		tx.Rollback()
		return nil, xerr.ErrNotFound
	}
	metaBytes := tx.Bucket(bucketMeta).Get(k)
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !meta.Compressed {
		return &chunkReadStream{tx: tx, r: bytes.NewReader(v)}, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(v))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &chunkReadStream{tx: tx, r: gz}, nil
}

// chunkWriteStream streams incoming chunk bytes to a temp file while
// hashing incrementally, so the caller never needs the whole chunk
// resident in memory at once. Close verifies the accumulated hash against
// id.ContentHash and delegates the actual persistence to Put, reusing its
// compression and idempotency behavior.
type chunkWriteStream struct {
	store  *BoltChunkStore
	id     ChunkId
	tmp    *os.File
	hasher hash.Hash
	mw     io.Writer
}

// OpenWriteStream returns a streaming writer for a chunk's plaintext bytes
// (spec §4.2). The chunk is only committed to the store once Close
// succeeds; a failed or abandoned write leaves no trace in the database.
func (s *BoltChunkStore) OpenWriteStream(id ChunkId) (io.WriteCloser, error) {
	tmp, err := os.CreateTemp("", "chunk-*.tmp")
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	return &chunkWriteStream{store: s, id: id, tmp: tmp, hasher: h, mw: io.MultiWriter(tmp, h)}, nil
}

func (w *chunkWriteStream) Write(p []byte) (int, error) { return w.mw.Write(p) }

func (w *chunkWriteStream) Close() error {
	defer os.Remove(w.tmp.Name())
	if err := w.tmp.Close(); err != nil {
		return err
	}
	sum := hex.EncodeToString(w.hasher.Sum(nil))
	if sum != w.id.ContentHash {
		return xerr.Wrap(xerr.CategoryStorage, xerr.CodeCorruptionDetected,
			fmt.Sprintf("chunk %s/%d hash mismatch", w.id.FileId, w.id.Sequence), xerr.ErrIntegrity)
	}
	data, err := os.ReadFile(w.tmp.Name())
	if err != nil {
		return err
	}
	return w.store.Put(w.id, data)
}

// ListForFile returns chunk sequence numbers for fileId, ordered by
// sequence number.
func (s *BoltChunkStore) ListForFile(fileId string) ([]int, error) {
	var seqs []int
	prefix := filePrefix(fileId)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			seq := int(binary.BigEndian.Uint64(k[len(prefix):]))
			seqs = append(seqs, seq)
		}
		return nil
	})
	return seqs, err
}

// SizeOf returns the plaintext length of a stored chunk.
func (s *BoltChunkStore) SizeOf(id ChunkId) (int, error) {
	var metaBytes []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		metaBytes = append([]byte(nil), tx.Bucket(bucketMeta).Get(key(id))...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if metaBytes == nil {
		return 0, xerr.ErrNotFound
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return 0, err
	}
	return meta.Length, nil
}

// TotalSize sums the plaintext length of every stored chunk.
func (s *BoltChunkStore) TotalSize() (int64, error) {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			meta, err := decodeMeta(v)
			if err != nil {
				return err
			}
			total += int64(meta.Length)
			return nil
		})
	})
	return total, err
}

// Assemble streams every chunk for fileId, in sequence order, into a single
// file at targetPath, then verifies the whole-file checksum.
func (s *BoltChunkStore) Assemble(fileId string, seqHashes []ChunkId, targetPath string, verifyChecksum func(io.Reader) (string, error), wantChecksum string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}
	tmpPath := targetPath + ".assembling"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	for _, id := range seqHashes {
		rs, err := s.OpenReadStream(id)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			if err == xerr.ErrNotFound {
				return xerr.ErrChunkMissing
			}
			return err
		}
		_, copyErr := io.Copy(f, rs)
		rs.Close()
		if copyErr != nil {
			f.Close()
			os.Remove(tmpPath)
			return copyErr
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	rf, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	sum, err := verifyChecksum(rf)
	rf.Close()
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if sum != wantChecksum {
		os.Remove(tmpPath)
		return xerr.Wrap(xerr.CategoryStorage, xerr.CodeCorruptionDetected, "assembled file checksum mismatch", xerr.ErrIntegrity)
	}
	return os.Rename(tmpPath, targetPath)
}

// CleanupOrphans removes chunks older than maxAge whose FileId is not in
// liveFileIds (the set of files with an active TransferDescriptor or a
// materialized final file).
func (s *BoltChunkStore) CleanupOrphans(maxAge time.Duration, liveFileIds map[string]bool) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		metaBk := tx.Bucket(bucketMeta)
		chunksBk := tx.Bucket(bucketChunks)
		c := metaBk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			meta, err := decodeMeta(v)
			if err != nil {
				continue
			}
			if meta.StoredAt >= cutoff {
				continue
			}
			idx := bytes.IndexByte(k, 0)
			if idx < 0 {
				continue
			}
			fileId := string(k[:idx])
			if liveFileIds[fileId] {
				continue
			}
			if err := chunksBk.Delete(k); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func encodeMeta(m chunkMeta) ([]byte, error) {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Length))
	if m.Compressed {
		buf[4] = 1
	}
	binary.BigEndian.PutUint64(buf[5:13], uint64(m.StoredAt))
	return buf, nil
}

func decodeMeta(b []byte) (chunkMeta, error) {
	if len(b) != 13 {
		return chunkMeta{}, fmt.Errorf("store: corrupt metadata record (%d bytes)", len(b))
	}
	return chunkMeta{
		Length:     int(binary.BigEndian.Uint32(b[0:4])),
		Compressed: b[4] == 1,
		StoredAt:   int64(binary.BigEndian.Uint64(b[5:13])),
	}, nil
}
