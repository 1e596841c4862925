package gc_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/blob"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/gc"
)

type gcEnv struct {
	store *db.Store
	blobs *blob.Memory
	repo  *db.Repository
}

func newGCEnv(t *testing.T) *gcEnv {
	t.Helper()
	store, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	user := &db.User{Name: "alice"}
	if err := store.DB().Create(user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	repo := &db.Repository{RepoType: db.RepoTypeModel, Namespace: "alice", Name: "demo", OwnerID: user.ID}
	if err := store.CreateRepository(repo); err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	return &gcEnv{store: store, blobs: blob.NewMemory(), repo: repo}
}

// addVersion seeds one historical LFS version: a blob plus its history row.
// The final version also gets a live File row.
func (e *gcEnv) addVersion(t *testing.T, path string, n int, live bool) string {
	t.Helper()
	content := []byte(fmt.Sprintf("%s version %d", path, n))
	sum := sha256.Sum256(content)
	oid := hex.EncodeToString(sum[:])
	if err := e.blobs.Put(context.Background(), blob.LFSKey(oid), bytes.NewReader(content), int64(len(content)), oid); err != nil {
		t.Fatalf("Failed to seed blob: %v", err)
	}
	if err := e.store.DB().Create(&db.LFSObjectHistory{
		RepositoryID: e.repo.ID,
		PathInRepo:   path,
		SHA256:       oid,
		Size:         int64(len(content)),
		CommitID:     fmt.Sprintf("commit-%d", n),
	}).Error; err != nil {
		t.Fatalf("Failed to insert history: %v", err)
	}
	if live {
		if err := e.store.DB().Create(&db.File{
			RepositoryID: e.repo.ID,
			PathInRepo:   path,
			Size:         int64(len(content)),
			SHA256:       oid,
			LFS:          true,
			OwnerID:      e.repo.OwnerID,
		}).Error; err != nil {
			t.Fatalf("Failed to insert file row: %v", err)
		}
	}
	return oid
}

func TestTrimPathKeepsRecentVersions(t *testing.T) {
	env := newGCEnv(t)
	ctx := context.Background()

	var oids []string
	for i := 0; i < 5; i++ {
		oids = append(oids, env.addVersion(t, "model.bin", i, i == 4))
	}

	collector := gc.NewCollector(env.store, env.blobs, 2)
	if err := collector.TrimPath(ctx, env.repo.ID, "model.bin", 2); err != nil {
		t.Fatalf("TrimPath failed: %v", err)
	}

	history, err := env.store.ListLFSHistory(env.repo.ID, "model.bin")
	if err != nil {
		t.Fatalf("ListLFSHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 surviving history rows, got %d", len(history))
	}
	if history[0].SHA256 != oids[4] || history[1].SHA256 != oids[3] {
		t.Errorf("Expected the newest versions to survive, got %+v", history)
	}

	// Kept blobs stay; trimmed blobs are gone.
	for i, oid := range oids {
		ok, err := env.blobs.Exists(ctx, blob.LFSKey(oid))
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		wantKept := i >= 3
		if ok != wantKept {
			t.Errorf("Blob %d: exists=%v, want %v", i, ok, wantKept)
		}
	}
}

func TestTrimPathSparesSharedBlobs(t *testing.T) {
	env := newGCEnv(t)
	ctx := context.Background()

	// Three versions on one path; the oldest oid is still referenced by a
	// live file at another path.
	var oids []string
	for i := 0; i < 3; i++ {
		oids = append(oids, env.addVersion(t, "model.bin", i, i == 2))
	}
	if err := env.store.DB().Create(&db.File{
		RepositoryID: env.repo.ID,
		PathInRepo:   "other.bin",
		Size:         1,
		SHA256:       oids[0],
		LFS:          true,
		OwnerID:      env.repo.OwnerID,
	}).Error; err != nil {
		t.Fatalf("Failed to insert sharing file: %v", err)
	}

	collector := gc.NewCollector(env.store, env.blobs, 2)
	if err := collector.TrimPath(ctx, env.repo.ID, "model.bin", 2); err != nil {
		t.Fatalf("TrimPath failed: %v", err)
	}

	ok, err := env.blobs.Exists(ctx, blob.LFSKey(oids[0]))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Fatal("A blob referenced elsewhere must survive the trim")
	}
}

func TestTrimPathNoopUnderLimit(t *testing.T) {
	env := newGCEnv(t)
	for i := 0; i < 2; i++ {
		env.addVersion(t, "model.bin", i, i == 1)
	}
	collector := gc.NewCollector(env.store, env.blobs, 5)
	if err := collector.TrimPath(context.Background(), env.repo.ID, "model.bin", 5); err != nil {
		t.Fatalf("TrimPath failed: %v", err)
	}
	history, err := env.store.ListLFSHistory(env.repo.ID, "model.bin")
	if err != nil || len(history) != 2 {
		t.Fatalf("Expected all history to survive, got %d (%v)", len(history), err)
	}
}

func TestRunTask(t *testing.T) {
	env := newGCEnv(t)
	for i := 0; i < 3; i++ {
		env.addVersion(t, "model.bin", i, i == 2)
	}
	env.repo.LFSKeepVersions = 1
	if err := env.store.DB().Save(env.repo).Error; err != nil {
		t.Fatalf("Failed to update repo: %v", err)
	}

	collector := gc.NewCollector(env.store, env.blobs, 5)
	task := &db.GCTask{RepositoryID: env.repo.ID, Paths: `["model.bin"]`}
	if err := collector.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	history, err := env.store.ListLFSHistory(env.repo.ID, "model.bin")
	if err != nil || len(history) != 1 {
		t.Fatalf("Repo keep_versions=1 must leave one row, got %d (%v)", len(history), err)
	}
}

func TestRecomputeUsedBytes(t *testing.T) {
	env := newGCEnv(t)
	for _, f := range []db.File{
		{RepositoryID: env.repo.ID, PathInRepo: "a", Size: 10, SHA256: "a", OwnerID: env.repo.OwnerID},
		{RepositoryID: env.repo.ID, PathInRepo: "b", Size: 32, SHA256: "b", OwnerID: env.repo.OwnerID},
		{RepositoryID: env.repo.ID, PathInRepo: "c", Size: 99, SHA256: "c", OwnerID: env.repo.OwnerID, IsDeleted: true},
	} {
		if err := env.store.DB().Create(&f).Error; err != nil {
			t.Fatalf("Failed to insert file: %v", err)
		}
	}

	collector := gc.NewCollector(env.store, env.blobs, 5)
	if err := collector.RecomputeUsedBytes(env.repo.ID); err != nil {
		t.Fatalf("RecomputeUsedBytes failed: %v", err)
	}

	repo, err := env.store.GetRepository(env.repo.RepoType, env.repo.Namespace, env.repo.Name)
	if err != nil {
		t.Fatalf("Failed to reload repo: %v", err)
	}
	if repo.UsedBytes != 42 {
		t.Fatalf("Expected used_bytes 42 from live rows only, got %d", repo.UsedBytes)
	}
}
