package versioned_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

func newMemoryRepo(t *testing.T) (*versioned.Memory, string) {
	t.Helper()
	m := versioned.NewMemory()
	if err := m.CreateRepository(context.Background(), "hub-model-alice-demo", "main"); err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	return m, "hub-model-alice-demo"
}

func stageAndCommit(t *testing.T, m *versioned.Memory, repoKey, branch, path, content, message string, opts versioned.CommitOpts) *versioned.CommitInfo {
	t.Helper()
	ctx := context.Background()
	if _, err := m.PutObject(ctx, repoKey, branch, path, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	info, err := m.Commit(ctx, repoKey, branch, message, opts)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return info
}

func TestMemoryCommitLifecycle(t *testing.T) {
	m, key := newMemoryRepo(t)
	ctx := context.Background()

	head, err := m.BranchHead(ctx, key, "main")
	if err != nil {
		t.Fatalf("BranchHead failed: %v", err)
	}
	if head != "" {
		t.Fatalf("Unborn branch must have empty head, got %q", head)
	}

	first := stageAndCommit(t, m, key, "main", "a.txt", "one", "first", versioned.CommitOpts{})
	second := stageAndCommit(t, m, key, "main", "b.txt", "two", "second", versioned.CommitOpts{ExpectedParent: first.ID})

	head, err = m.BranchHead(ctx, key, "main")
	if err != nil {
		t.Fatalf("BranchHead failed: %v", err)
	}
	if head != second.ID {
		t.Errorf("Expected head %s, got %s", second.ID, head)
	}

	rc, err := m.GetObject(ctx, key, "main", "a.txt")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "one" {
		t.Errorf("Expected content %q, got %q", "one", data)
	}

	// The first commit is still addressable by id.
	if _, err := m.StatObject(ctx, key, first.ID, "b.txt"); !errors.Is(err, versioned.ErrPathNotFound) {
		t.Errorf("b.txt must not exist at the first commit, got %v", err)
	}
}

func TestMemoryCommitConflict(t *testing.T) {
	m, key := newMemoryRepo(t)
	ctx := context.Background()

	first := stageAndCommit(t, m, key, "main", "a.txt", "one", "first", versioned.CommitOpts{})
	stageAndCommit(t, m, key, "main", "b.txt", "two", "second", versioned.CommitOpts{})

	if _, err := m.PutObject(ctx, key, "main", "c.txt", strings.NewReader("three"), 5); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	_, err := m.Commit(ctx, key, "main", "stale", versioned.CommitOpts{ExpectedParent: first.ID})
	if !errors.Is(err, versioned.ErrCommitConflict) {
		t.Fatalf("Expected ErrCommitConflict for a moved tip, got %v", err)
	}
}

func TestMemoryEmptyCommit(t *testing.T) {
	m, key := newMemoryRepo(t)
	ctx := context.Background()

	if _, err := m.Commit(ctx, key, "main", "empty", versioned.CommitOpts{}); err == nil {
		t.Fatal("Expected an error for an empty commit without AllowEmpty")
	}
	info, err := m.Commit(ctx, key, "main", "empty", versioned.CommitOpts{AllowEmpty: true})
	if err != nil {
		t.Fatalf("AllowEmpty commit failed: %v", err)
	}
	if info.ID == "" {
		t.Fatal("Expected a commit id")
	}
}

func TestMemoryListObjects(t *testing.T) {
	m, key := newMemoryRepo(t)
	ctx := context.Background()

	for _, p := range []string{"dir/a.txt", "dir/sub/b.txt", "top.txt"} {
		if _, err := m.PutObject(ctx, key, "main", p, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutObject %s failed: %v", p, err)
		}
	}
	if _, err := m.Commit(ctx, key, "main", "seed", versioned.CommitOpts{}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	t.Run("Shallow", func(t *testing.T) {
		infos, next, err := m.ListObjects(ctx, key, "main", "", "", 100, false)
		if err != nil {
			t.Fatalf("ListObjects failed: %v", err)
		}
		if next != "" {
			t.Errorf("Expected no continuation, got %q", next)
		}
		if len(infos) != 2 {
			t.Fatalf("Expected dir/ and top.txt, got %+v", infos)
		}
		if infos[0].Path != "dir/" || !infos[0].IsDir() {
			t.Errorf("Expected dir/ marker first, got %+v", infos[0])
		}
		if infos[1].Path != "top.txt" || infos[1].IsDir() {
			t.Errorf("Expected top.txt second, got %+v", infos[1])
		}
	})

	t.Run("Recursive", func(t *testing.T) {
		infos, _, err := m.ListObjects(ctx, key, "main", "", "", 100, true)
		if err != nil {
			t.Fatalf("ListObjects failed: %v", err)
		}
		if len(infos) != 3 {
			t.Fatalf("Expected 3 objects, got %d", len(infos))
		}
	})

	t.Run("Paginated", func(t *testing.T) {
		var all []string
		after := ""
		for {
			infos, next, err := m.ListObjects(ctx, key, "main", "", after, 1, true)
			if err != nil {
				t.Fatalf("ListObjects failed: %v", err)
			}
			for _, info := range infos {
				all = append(all, info.Path)
			}
			if next == "" {
				break
			}
			after = next
		}
		if len(all) != 3 {
			t.Fatalf("Pagination lost entries: %v", all)
		}
	})
}

func TestMemoryBranchesAndTags(t *testing.T) {
	m, key := newMemoryRepo(t)
	ctx := context.Background()

	first := stageAndCommit(t, m, key, "main", "a.txt", "one", "first", versioned.CommitOpts{})

	if err := m.CreateBranch(ctx, key, "dev", "main"); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	head, err := m.BranchHead(ctx, key, "dev")
	if err != nil || head != first.ID {
		t.Fatalf("Expected dev at %s, got %s (%v)", first.ID, head, err)
	}

	sha, err := m.CreateTag(ctx, key, "v1", "main")
	if err != nil || sha != first.ID {
		t.Fatalf("Expected tag at %s, got %s (%v)", first.ID, sha, err)
	}
	if _, err := m.CreateTag(ctx, key, "v1", "main"); !errors.Is(err, versioned.ErrTagImmutable) {
		t.Fatalf("Expected ErrTagImmutable on re-create, got %v", err)
	}

	if err := m.DeleteBranch(ctx, key, "main"); err == nil {
		t.Fatal("Deleting the default branch must fail")
	}
	if err := m.DeleteBranch(ctx, key, "dev"); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if err := m.DeleteTag(ctx, key, "v1"); err != nil {
		t.Fatalf("DeleteTag failed: %v", err)
	}
	if err := m.DeleteTag(ctx, key, "v1"); !errors.Is(err, versioned.ErrRefNotFound) {
		t.Fatalf("Expected ErrRefNotFound on double delete, got %v", err)
	}
}

func TestMemoryListCommits(t *testing.T) {
	m, key := newMemoryRepo(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		info := stageAndCommit(t, m, key, "main", "a.txt", strings.Repeat("x", i+1), "c", versioned.CommitOpts{})
		ids = append(ids, info.ID)
	}

	infos, next, err := m.ListCommits(ctx, key, "main", "", 2)
	if err != nil {
		t.Fatalf("ListCommits failed: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != ids[2] || infos[1].ID != ids[1] {
		t.Fatalf("Expected newest-first page, got %+v", infos)
	}
	if next == "" {
		t.Fatal("Expected a continuation cursor")
	}

	infos, next, err = m.ListCommits(ctx, key, "main", next, 2)
	if err != nil {
		t.Fatalf("ListCommits page 2 failed: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != ids[0] {
		t.Fatalf("Expected the root commit, got %+v", infos)
	}
	if next != "" {
		t.Errorf("Expected no further cursor, got %q", next)
	}
}

func TestMemoryRepositoryLifecycle(t *testing.T) {
	m := versioned.NewMemory()
	ctx := context.Background()

	if _, err := m.BranchHead(ctx, "nope", "main"); !errors.Is(err, versioned.ErrRepoNotFound) {
		t.Fatalf("Expected ErrRepoNotFound, got %v", err)
	}
	if err := m.CreateRepository(ctx, "r1", "main"); err != nil {
		t.Fatalf("CreateRepository failed: %v", err)
	}
	// Idempotent re-create.
	if err := m.CreateRepository(ctx, "r1", "main"); err != nil {
		t.Fatalf("Re-create must be idempotent: %v", err)
	}
	if err := m.DeleteRepository(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRepository failed: %v", err)
	}
	if err := m.DeleteRepository(ctx, "r1"); !errors.Is(err, versioned.ErrRepoNotFound) {
		t.Fatalf("Expected ErrRepoNotFound on double delete, got %v", err)
	}
}
