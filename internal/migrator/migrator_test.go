package migrator

import "testing"

// These tests restate, without a Redis connection, the arithmetic the bulk
// migrator relies on: the batch-splitting cadence and the
// sampled-extrapolation estimate. They do not call the migrator itself.
// End-to-end DUMP/RESTORE behavior needs a live Redis server and has no
// test in this package.

func TestBatchSplitBoundaries(t *testing.T) {
	keys := make([]string, 1250)
	for i := range keys {
		keys[i] = string(rune('a' + i%26))
	}
	batchSize := 500
	var batches [][]string
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batches = append(batches, keys[start:end])
	}
	if len(batches) != 3 {
		t.Fatalf("want 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 500 || len(batches[1]) != 500 || len(batches[2]) != 250 {
		t.Fatalf("unexpected batch sizes: %d %d %d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
}

func TestEstimationArithmetic(t *testing.T) {
	// matching/sampled * dbsize
	matching := int64(250)
	sampled := int64(1000)
	dbsize := int64(1_000_000)
	got := matching * dbsize / sampled
	want := int64(250_000)
	if got != want {
		t.Fatalf("want %d got %d", want, got)
	}
}
