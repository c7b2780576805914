package chunker

import (
	"bytes"
	"testing"

	"github.com/meshdrop/backend/internal/wire"
)

func TestHexSumAlgorithmsProduceHexDigests(t *testing.T) {
	data := []byte("meshdrop checksum test payload")
	algos := []wire.ChecksumAlgorithm{
		wire.ChecksumSha256, wire.ChecksumSha512, wire.ChecksumShake256, wire.ChecksumBlake3,
	}
	for _, a := range algos {
		sum, err := HexSum(a, bytes.NewReader(data))
		if err != nil {
			t.Fatalf("HexSum(%d): %v", a, err)
		}
		if len(sum) == 0 {
			t.Fatalf("HexSum(%d) returned empty digest", a)
		}
		sumBytes, err := HexSumBytes(a, data)
		if err != nil {
			t.Fatalf("HexSumBytes(%d): %v", a, err)
		}
		if sum != sumBytes {
			t.Fatalf("HexSum and HexSumBytes diverge for algo %d: %s vs %s", a, sum, sumBytes)
		}
	}
}

func TestHexSumRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := HexSum(wire.ChecksumAlgorithm(99), bytes.NewReader(nil)); err == nil {
		t.Fatalf("expected error for unknown checksum algorithm")
	}
}
