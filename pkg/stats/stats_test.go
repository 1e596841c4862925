package stats_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/stats"
)

func newTracker(t *testing.T) (*stats.Tracker, *db.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open("sqlite://" + filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tracker, err := stats.Open(filepath.Join(dir, "downloads.db"), store)
	if err != nil {
		t.Fatalf("Failed to open tracker: %v", err)
	}
	return tracker, store
}

func downloads(t *testing.T, store *db.Store, repoID uint) int64 {
	t.Helper()
	var total int64
	err := store.DB().Model(&db.DailyRepoStat{}).
		Where("repository_id = ?", repoID).
		Select("COALESCE(SUM(downloads), 0)").Scan(&total).Error
	if err != nil {
		t.Fatalf("Failed to sum downloads: %v", err)
	}
	return total
}

func TestTrackerDeduplicatesWithinWindow(t *testing.T) {
	tracker, store := newTracker(t)

	// The same principal hitting the same repo repeatedly inside one
	// window counts once; a second principal counts separately.
	for i := 0; i < 5; i++ {
		if err := tracker.Record("u:alice", 1); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := tracker.Record("u:bob", 1); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := tracker.Record("u:alice", 2); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// Counters land in the database only on flush.
	if got := downloads(t, store, 1); got != 0 {
		t.Fatalf("Expected no flushed downloads yet, got %d", got)
	}

	if err := tracker.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := downloads(t, store, 1); got != 2 {
		t.Errorf("Expected 2 unique downloads for repo 1, got %d", got)
	}
	if got := downloads(t, store, 2); got != 1 {
		t.Errorf("Expected 1 download for repo 2, got %d", got)
	}
}

func TestTrackerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := db.Open("sqlite://" + filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	path := filepath.Join(dir, "downloads.db")
	tracker, err := stats.Open(path, store)
	if err != nil {
		t.Fatalf("Failed to open tracker: %v", err)
	}
	if err := tracker.Record("u:alice", 7); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := stats.Open(path, store)
	if err != nil {
		t.Fatalf("Failed to reopen tracker: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Record("u:alice", 7); err != nil {
		t.Fatalf("Record after reopen failed: %v", err)
	}
}

func TestBucketWindow(t *testing.T) {
	if stats.BucketWindow != 15*time.Minute {
		t.Fatalf("Download sessions aggregate over 15 minutes, got %v", stats.BucketWindow)
	}
}
