package chunk

import (
	"testing"
	"time"

	"scrape-coordinator/internal/models"
)

func TestPartitionCoversWithoutOverlap(t *testing.T) {
	skus := []string{"a", "b", "c", "d", "e", "f", "g"}
	parts := Partition(skus, 3)

	if len(parts) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(parts))
	}
	var flat []string
	for _, p := range parts {
		flat = append(flat, p...)
	}
	if len(flat) != len(skus) {
		t.Fatalf("partition changed cardinality: %d vs %d", len(flat), len(skus))
	}
	for i, sku := range skus {
		if flat[i] != sku {
			t.Fatalf("order not preserved at %d: %q vs %q", i, flat[i], sku)
		}
	}
	if len(parts[2]) != 1 {
		t.Fatalf("final short chunk should have 1 sku, got %d", len(parts[2]))
	}
}

func TestPartitionEdgeCases(t *testing.T) {
	if got := Partition(nil, 5); got != nil {
		t.Fatalf("empty input should produce no chunks, got %v", got)
	}
	parts := Partition([]string{"a", "b"}, 0)
	if len(parts) != 2 {
		t.Fatalf("non-positive size should fall back to 1, got %d chunks", len(parts))
	}
	parts = Partition([]string{"a"}, 10)
	if len(parts) != 1 || len(parts[0]) != 1 {
		t.Fatalf("oversized chunk size should yield one chunk, got %v", parts)
	}
}

func TestDeriveStatusPriority(t *testing.T) {
	now := time.Now()
	token := "tok"
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	leased := models.Chunk{LeaseToken: &token, LeaseExpires: &future}
	expired := models.Chunk{LeaseToken: &token, LeaseExpires: &past}

	// Failed wins over everything, even a result row and a live lease.
	if got := DeriveStatus(leased, Facts{HasError: true, HasResult: true}, now); got != models.ChunkFailed {
		t.Fatalf("expected failed, got %q", got)
	}
	if got := DeriveStatus(leased, Facts{HasResult: true}, now); got != models.ChunkDone {
		t.Fatalf("expected done, got %q", got)
	}
	if got := DeriveStatus(leased, Facts{}, now); got != models.ChunkActive {
		t.Fatalf("expected active, got %q", got)
	}
	if got := DeriveStatus(expired, Facts{}, now); got != models.ChunkPending {
		t.Fatalf("expired lease should read pending, got %q", got)
	}
	if got := DeriveStatus(models.Chunk{}, Facts{}, now); got != models.ChunkPending {
		t.Fatalf("unleased chunk should read pending, got %q", got)
	}
}
