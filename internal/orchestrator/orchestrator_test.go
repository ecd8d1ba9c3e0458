package orchestrator

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nishisan-dev/redis-fanout/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBuildsKeyTypeFilter(t *testing.T) {
	cfg := &config.Config{
		Sync: config.SyncConfig{
			IncrementalSync: config.IncrementalConfig{
				KeyTypes: []string{"string", "hash"},
			},
		},
	}
	o := New(cfg, testLogger())
	if o.keyTypeFilter == nil {
		t.Fatalf("expected a non-nil key type filter")
	}
	if !o.keyTypeFilter["string"] || !o.keyTypeFilter["hash"] {
		t.Fatalf("expected string and hash in filter, got %v", o.keyTypeFilter)
	}
	if o.keyTypeFilter["set"] {
		t.Fatalf("set should not be in filter")
	}
}

func TestNewWithNoKeyTypesLeavesFilterNil(t *testing.T) {
	cfg := &config.Config{}
	o := New(cfg, testLogger())
	if o.keyTypeFilter != nil {
		t.Fatalf("expected a nil key type filter when no key types configured")
	}
}

func TestTargetStatesEmptyBeforeConnect(t *testing.T) {
	cfg := &config.Config{}
	o := New(cfg, testLogger())
	states := o.TargetStates()
	if len(states) != 0 {
		t.Fatalf("expected no target states before Run, got %d", len(states))
	}
}
