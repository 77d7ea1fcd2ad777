package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenAndMigrateFile(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer func() {
		_ = db.Close()
		_ = os.Remove(dbPath)
	}()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice is a no-op.
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error: %v", err)
	}
	if v != 2 {
		t.Errorf("schema version = %d, want 2", v)
	}
}

func TestHighWaterMark(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	// Initial value should be 0
	hwm, err := db.GetHighWaterMark(ctx)
	if err != nil {
		t.Fatalf("GetHighWaterMark() error: %v", err)
	}
	if hwm != 0 {
		t.Errorf("initial high water mark = %d, want 0", hwm)
	}

	steps := []struct {
		set  uint64
		want uint64
	}{
		{100, 100},
		{200, 200},
		{150, 200}, // lower values never move the mark back
	}

	for _, s := range steps {
		if err := db.SetHighWaterMark(ctx, s.set); err != nil {
			t.Fatalf("SetHighWaterMark(%d) error: %v", s.set, err)
		}
		hwm, err = db.GetHighWaterMark(ctx)
		if err != nil {
			t.Fatalf("GetHighWaterMark() error: %v", err)
		}
		if hwm != s.want {
			t.Errorf("after SetHighWaterMark(%d) mark = %d, want %d", s.set, hwm, s.want)
		}
	}
}

func TestTryProcess(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	eventID := "0xabc123:4"

	isNew, err := db.TryProcess(ctx, eventID, 42)
	if err != nil {
		t.Fatalf("TryProcess() error: %v", err)
	}
	if !isNew {
		t.Error("first TryProcess() = false, want true")
	}

	seen, err := db.IsEventProcessed(ctx, eventID)
	if err != nil {
		t.Fatalf("IsEventProcessed() error: %v", err)
	}
	if !seen {
		t.Error("IsEventProcessed() = false after TryProcess")
	}

	isNew, err = db.TryProcess(ctx, eventID, 42)
	if err != nil {
		t.Fatalf("TryProcess() error: %v", err)
	}
	if isNew {
		t.Error("second TryProcess() = true, want false (duplicate)")
	}

	isNew, err = db.TryProcess(ctx, "0xabc123:5", 42)
	if err != nil {
		t.Fatalf("TryProcess() error: %v", err)
	}
	if !isNew {
		t.Error("TryProcess(different log index) = false, want true")
	}
}
