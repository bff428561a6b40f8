package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/zonecount/internal/crossing"
	"github.com/banshee-data/zonecount/internal/monitoring"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })

	fname := filepath.Join(t.TempDir(), "zonecount_test.db")
	db, err := NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	return db
}

func cleanupTestDB(t *testing.T, db *DB) {
	t.Helper()
	path := db.Path()
	db.Close()
	_ = os.Remove(path)
	_ = os.Remove(path + "-shm")
	_ = os.Remove(path + "-wal")
}

var square = [][]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}}

func createTestZone(t *testing.T, db *DB, name string) *Zone {
	t.Helper()
	z := &Zone{Name: name, Coordinates: square}
	if err := db.CreateZone(context.Background(), z); err != nil {
		t.Fatalf("CreateZone(%q) failed: %v", name, err)
	}
	return z
}

func testEvent(zoneID int64, kind crossing.Kind, track int64, ts time.Time) crossing.Event {
	return crossing.Event{ZoneID: zoneID, RunID: "run-test", Kind: kind, TrackID: track, Timestamp: ts}
}

func timePtr(t time.Time) *time.Time { return &t }
