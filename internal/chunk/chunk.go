// Package chunk holds the pure pieces of the chunk leasing engine: SKU
// partitioning at job fan-out time and the derived display-status projection.
// Lease claim/renew/release live in the store, where they are single
// conditional statements.
package chunk

import (
	"time"

	"scrape-coordinator/internal/models"
)

// Partition splits skus into fixed-size chunks, preserving order. The chunks
// cover the input exactly once with no overlap; the final chunk may be short.
func Partition(skus []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	if len(skus) == 0 {
		return nil
	}
	parts := make([][]string, 0, (len(skus)+size-1)/size)
	for start := 0; start < len(skus); start += size {
		end := start + size
		if end > len(skus) {
			end = len(skus)
		}
		parts = append(parts, skus[start:end])
	}
	return parts
}

// Facts are the authoritative inputs to the status projection: whether an
// error event references the chunk's index and whether a result row exists
// for it.
type Facts struct {
	HasError  bool
	HasResult bool
}

// DeriveStatus projects a chunk's display status from stored facts and lease
// validity. Priority order: failed > done > active > pending. The status is
// computed on read and never persisted, so it cannot drift from the facts.
func DeriveStatus(c models.Chunk, f Facts, now time.Time) string {
	switch {
	case f.HasError:
		return models.ChunkFailed
	case f.HasResult:
		return models.ChunkDone
	case c.LeaseToken != nil && c.LeaseExpires != nil && c.LeaseExpires.After(now):
		return models.ChunkActive
	default:
		return models.ChunkPending
	}
}
