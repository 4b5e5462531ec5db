package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dbconfig "gridrelay/pkg/database"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewManager(&dbconfig.Config{}); err == nil {
		t.Fatal("empty config should be rejected")
	}
}

func TestRecordMarketUpserts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.RecordMarket(ctx, "market-1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	// Re-registration must not error.
	if err := m.RecordMarket(ctx, "market-1"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

func TestParticipantLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.RecordMarket(ctx, "market-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordParticipant(ctx, "market-1", "alice"); err != nil {
		t.Fatalf("failed to record participant: %v", err)
	}
	if err := m.SetParticipantOnline(ctx, "market-1", "alice", false); err != nil {
		t.Fatalf("failed to flip online flag: %v", err)
	}
	// Rejoin is an upsert back to online.
	if err := m.RecordParticipant(ctx, "market-1", "alice"); err != nil {
		t.Fatalf("rejoin upsert failed: %v", err)
	}
}

func TestRecordSettlementFirstStatusWins(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.RecordSettlement(ctx, "c1", "market-1", "alice", "bob", "delivered"); err != nil {
		t.Fatalf("failed to record settlement: %v", err)
	}
	if err := m.RecordSettlement(ctx, "c1", "market-1", "alice", "bob", "expired"); err != nil {
		t.Fatalf("replay should not error: %v", err)
	}

	status, err := m.SettlementStatus(ctx, "c1")
	if err != nil {
		t.Fatalf("failed to read status: %v", err)
	}
	if status != "delivered" {
		t.Fatalf("first status should win, got %q", status)
	}
}

func TestSettlementStatusNotFound(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.SettlementStatus(context.Background(), "ghost"); err != ErrSettlementNotFound {
		t.Fatalf("expected ErrSettlementNotFound, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	m := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if err := m.RecordMarket(context.Background(), "m"); err == nil {
		t.Fatal("writes after close must fail")
	}
}

func TestSchemaVersionAdvances(t *testing.T) {
	m := newTestManager(t)

	version, err := dbconfig.SchemaVersion(m.db)
	if err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	if version == 0 {
		t.Fatal("schema should be applied on startup")
	}

	// Re-applying is a no-op at the same version.
	if err := dbconfig.ApplySchema(m.db); err != nil {
		t.Fatalf("re-applying schema failed: %v", err)
	}
	again, _ := dbconfig.SchemaVersion(m.db)
	if again != version {
		t.Fatalf("version moved from %d to %d without new migrations", version, again)
	}
}
