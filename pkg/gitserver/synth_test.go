package gitserver_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"

	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/gitserver"
	"github.com/kohakuhub/kohakuhub/pkg/lfsutil"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

type synthEnv struct {
	store *db.Store
	vs    *versioned.Memory
	synth *gitserver.Synthesizer
	repo  *db.Repository
	key   string
}

func newSynthEnv(t *testing.T) *synthEnv {
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

	vs := versioned.NewMemory()
	key := db.StorageKey(repo.RepoType, repo.Namespace, repo.Name)
	if err := vs.CreateRepository(context.Background(), key, "main"); err != nil {
		t.Fatalf("Failed to create versioned repository: %v", err)
	}
	return &synthEnv{
		store: store,
		vs:    vs,
		synth: gitserver.NewSynthesizer(store, vs),
		repo:  repo,
		key:   key,
	}
}

// seed commits a small regular file and one LFS-linked file on main.
func (e *synthEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.vs.PutObject(ctx, e.key, "main", "README.md", strings.NewReader("# demo\n"), 7); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	oid := strings.Repeat("ab", 32)
	if _, err := e.vs.LinkPhysicalAddress(ctx, e.key, "main", "weights/model.safetensors", "s3://bucket/lfs/ab/ab/"+oid, oid, 5_000_000); err != nil {
		t.Fatalf("LinkPhysicalAddress failed: %v", err)
	}
	if _, err := e.vs.Commit(ctx, e.key, "main", "seed", versioned.CommitOpts{Metadata: map[string]string{"author": "alice"}}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := e.store.DB().Create(&db.File{
		RepositoryID: e.repo.ID,
		PathInRepo:   "weights/model.safetensors",
		Size:         5_000_000,
		SHA256:       oid,
		LFS:          true,
		OwnerID:      e.repo.OwnerID,
	}).Error; err != nil {
		t.Fatalf("Failed to insert file row: %v", err)
	}
}

func treeFor(t *testing.T, synth *gitserver.SynthRepo, commit plumbing.Hash) *object.Tree {
	t.Helper()
	c, err := object.GetCommit(synth.Storer, commit)
	if err != nil {
		t.Fatalf("Failed to load commit: %v", err)
	}
	tree, err := c.Tree()
	if err != nil {
		t.Fatalf("Failed to load tree: %v", err)
	}
	return tree
}

func fileContent(t *testing.T, tree *object.Tree, path string) string {
	t.Helper()
	f, err := tree.File(path)
	if err != nil {
		t.Fatalf("Failed to find %s: %v", path, err)
	}
	content, err := f.Contents()
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return content
}

func TestSynthesize(t *testing.T) {
	env := newSynthEnv(t)
	env.seed(t)

	synth, err := env.synth.Synthesize(context.Background(), env.repo)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if synth.Empty() {
		t.Fatal("Expected a non-empty synthesized repository")
	}
	if len(synth.Refs) != 1 || synth.Refs[0].Name != "refs/heads/main" {
		t.Fatalf("Expected refs/heads/main only, got %+v", synth.Refs)
	}
	if synth.Head != synth.Refs[0].Hash {
		t.Error("HEAD must resolve to main")
	}

	tree := treeFor(t, synth, synth.Head)

	if got := fileContent(t, tree, "README.md"); got != "# demo\n" {
		t.Errorf("Regular file content mismatch: %q", got)
	}

	pointer := fileContent(t, tree, "weights/model.safetensors")
	ptr, err := lfsutil.DecodePointer(strings.NewReader(pointer))
	if err != nil {
		t.Fatalf("LFS file must synthesize a pointer blob: %v\n%s", err, pointer)
	}
	if ptr.Oid != strings.Repeat("ab", 32) || ptr.Size != 5_000_000 {
		t.Errorf("Pointer fields mismatch: %+v", ptr)
	}

	attrs := fileContent(t, tree, ".gitattributes")
	if !strings.Contains(attrs, "*.safetensors filter=lfs diff=lfs merge=lfs -text") {
		t.Errorf("Expected a synthesized .gitattributes, got %q", attrs)
	}

	commit, err := object.GetCommit(synth.Storer, synth.Head)
	if err != nil {
		t.Fatalf("Failed to load commit: %v", err)
	}
	if commit.Author.Name != "alice" {
		t.Errorf("Expected author alice, got %q", commit.Author.Name)
	}
	if commit.Author.Email != "noreply@hub.local" {
		t.Errorf("Unexpected author email %q", commit.Author.Email)
	}
}

func TestSynthesizeTreeOrdering(t *testing.T) {
	env := newSynthEnv(t)
	ctx := context.Background()

	// Git sorts tree entries with directories compared as "name/".
	for _, p := range []string{"a.txt", "a/b.txt", "a0"} {
		if _, err := env.vs.PutObject(ctx, env.key, "main", p, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutObject %s failed: %v", p, err)
		}
	}
	if _, err := env.vs.Commit(ctx, env.key, "main", "seed", versioned.CommitOpts{}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	synth, err := env.synth.Synthesize(ctx, env.repo)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	tree := treeFor(t, synth, synth.Head)

	var names []string
	for _, e := range tree.Entries {
		names = append(names, e.Name)
	}
	want := []string{"a.txt", "a", "a0"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("Tree order mismatch: got %v, want %v", names, want)
	}
	if tree.Entries[1].Mode != filemode.Dir {
		t.Errorf("Expected a/ to be a directory entry")
	}
}

func TestSynthesizeTags(t *testing.T) {
	env := newSynthEnv(t)
	env.seed(t)
	ctx := context.Background()

	if _, err := env.vs.CreateTag(ctx, env.key, "v1", "main"); err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}

	synth, err := env.synth.Synthesize(ctx, env.repo)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(synth.Refs) != 2 {
		t.Fatalf("Expected branch and tag, got %+v", synth.Refs)
	}
	if synth.Refs[0].Name != "refs/heads/main" || synth.Refs[1].Name != "refs/tags/v1" {
		t.Fatalf("Heads must precede tags: %+v", synth.Refs)
	}
	// The tag points at the same state, so the commit object coincides.
	if synth.Refs[0].Hash != synth.Refs[1].Hash {
		t.Error("Identical states must share the synthesized commit")
	}
}

func TestWriteAdvertisement(t *testing.T) {
	env := newSynthEnv(t)
	env.seed(t)

	synth, err := env.synth.Synthesize(context.Background(), env.repo)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	var buf bytes.Buffer
	if err := gitserver.WriteAdvertisement(&buf, synth); err != nil {
		t.Fatalf("WriteAdvertisement failed: %v", err)
	}
	out := buf.String()

	if !strings.HasPrefix(out, "001e# service=git-upload-pack\n0000") {
		t.Fatalf("Bad advertisement preamble: %q", out[:40])
	}
	if !strings.Contains(out, synth.Head.String()+" HEAD\x00") {
		t.Error("HEAD must be the first advertised ref and carry capabilities")
	}
	if !strings.Contains(out, "side-band-64k") || !strings.Contains(out, "agent="+gitserver.Agent) {
		t.Error("Capability list missing expected entries")
	}
	if !strings.Contains(out, " refs/heads/main\n") {
		t.Error("refs/heads/main not advertised")
	}
	if !strings.HasSuffix(out, "0000") {
		t.Error("Advertisement must end with a flush packet")
	}
}

func TestWriteAdvertisementEmptyRepository(t *testing.T) {
	env := newSynthEnv(t)

	synth, err := env.synth.Synthesize(context.Background(), env.repo)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !synth.Empty() {
		t.Fatal("A repository with only an unborn branch must be empty")
	}

	var buf bytes.Buffer
	if err := gitserver.WriteAdvertisement(&buf, synth); err != nil {
		t.Fatalf("WriteAdvertisement failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, plumbing.ZeroHash.String()+" capabilities^{}\x00") {
		t.Fatalf("Empty repository must advertise capabilities^{}: %q", out)
	}
}

func TestServeUploadPack(t *testing.T) {
	env := newSynthEnv(t)
	env.seed(t)
	ctx := context.Background()

	synth, err := env.synth.Synthesize(ctx, env.repo)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	req := packp.NewUploadPackRequest()
	req.Wants = append(req.Wants, synth.Head)
	var reqBuf bytes.Buffer
	if err := req.UploadRequest.Encode(&reqBuf); err != nil {
		t.Fatalf("Failed to encode upload-pack request: %v", err)
	}

	var out bytes.Buffer
	if err := gitserver.ServeUploadPack(&out, &reqBuf, synth); err != nil {
		t.Fatalf("ServeUploadPack failed: %v", err)
	}

	body := out.String()
	if !strings.HasPrefix(body, "0008NAK\n") {
		t.Fatalf("Response must start with NAK, got %q", body[:16])
	}
	if !strings.Contains(body, "PACK") {
		t.Error("Response must carry pack data on the side-band")
	}
}

func TestServeUploadPackUnknownWant(t *testing.T) {
	env := newSynthEnv(t)
	env.seed(t)

	synth, err := env.synth.Synthesize(context.Background(), env.repo)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	req := packp.NewUploadPackRequest()
	req.Wants = append(req.Wants, plumbing.NewHash(strings.Repeat("12", 20)))
	var reqBuf bytes.Buffer
	if err := req.UploadRequest.Encode(&reqBuf); err != nil {
		t.Fatalf("Failed to encode upload-pack request: %v", err)
	}

	var out bytes.Buffer
	if err := gitserver.ServeUploadPack(&out, &reqBuf, synth); err == nil {
		t.Fatal("Expected an error for an unknown want")
	}
}
