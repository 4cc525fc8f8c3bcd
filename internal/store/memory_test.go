package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/agentwatch/pkg/models"
)

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m := NewMemoryStore(dir)
	a := newAgent(t, m, models.AgentStatusWorking, base)
	task := "crawl"
	if _, err := m.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{CurrentTask: &task}, base.Add(time.Second), nil); err != nil {
		t.Fatalf("ApplyHeartbeat() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "agentwatch.json")); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	reopened := NewMemoryStore(dir)
	defer reopened.Close()

	got, err := reopened.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if got.CurrentTask == nil || *got.CurrentTask != "crawl" {
		t.Errorf("CurrentTask = %v, want %q", got.CurrentTask, "crawl")
	}
	hash, err := reopened.AgentKeyHash(ctx, a.ID)
	if err != nil {
		t.Fatalf("AgentKeyHash() error = %v", err)
	}
	if hash != a.KeyHash {
		t.Errorf("AgentKeyHash() = %q, want %q", hash, a.KeyHash)
	}

	// The key index is rebuilt too, so the digest still can't be reused.
	dup := *a
	dup.ID = "other"
	if err := reopened.CreateAgent(ctx, &dup, nil); err == nil {
		t.Error("CreateAgent() with a reused key digest should fail after reload")
	}
}

func TestMemoryStoreCloseTwice(t *testing.T) {
	m := NewMemoryStore(t.TempDir())
	if err := m.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	m := NewMemoryStore("")
	a := newAgent(t, m, models.AgentStatusIdle, base)

	got, _ := m.GetAgent(context.Background(), a.ID)
	got.Status = models.AgentStatusError

	again, _ := m.GetAgent(context.Background(), a.ID)
	if again.Status != models.AgentStatusIdle {
		t.Errorf("stored status = %q, want %q", again.Status, models.AgentStatusIdle)
	}
}
