package retryqueue

import (
	"path/filepath"
	"testing"

	"github.com/meshdrop/backend/internal/wire"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "retry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(Item{FileId: "f", PeerId: "p", Manifest: wire.FileMetadata{}}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	items, err := q.DequeueBatch(2)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("DequeueBatch returned %d items, want 2", len(items))
	}

	n, err := q.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
}
