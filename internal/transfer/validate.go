package transfer

import (
	"fmt"

	"github.com/meshdrop/backend/internal/wire"
)

// ValidateManifest enforces spec §4.4's bounds on an inbound
// TransferRequest/FileMetadata before a receiving Descriptor is created.
func ValidateManifest(m wire.FileMetadata) error {
	if m.FileSize < 0 || m.FileSize > MaxFileSize {
		return fmt.Errorf("transfer: fileSize %d out of range [0,%d]", m.FileSize, MaxFileSize)
	}
	if m.ChunkSize < MinChunkSize || m.ChunkSize > MaxChunkSize {
		return fmt.Errorf("transfer: chunkSize %d out of range [%d,%d]", m.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if m.ChunkCount <= 0 && m.FileSize > 0 {
		return fmt.Errorf("transfer: chunkCount must be positive for non-empty file")
	}
	switch m.ChecksumAlgorithm {
	case wire.ChecksumSha256, wire.ChecksumSha512, wire.ChecksumShake256, wire.ChecksumBlake3:
	default:
		return fmt.Errorf("transfer: unknown checksumAlgorithm %d", m.ChecksumAlgorithm)
	}
	return nil
}
