// Package gitserver serves the Git Smart HTTP v1 transport over the
// versioned store. Git objects are synthesized on demand: large files
// become LFS pointer blobs, trees are rebuilt bottom-up, and each ref gets
// a single flat commit. Nothing Git-shaped is ever persisted.
package gitserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/lfsutil"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

// PointerThreshold is the fixed size at which blobs in the Git view become
// LFS pointers, independent of the upload-mode threshold.
const PointerThreshold = 1 << 20

// DefaultBranch is the branch HEAD points at.
const DefaultBranch = "main"

// Ref is one advertised ref, in advertisement order.
type Ref struct {
	Name string
	Hash plumbing.Hash
}

// SynthRepo is a fully synthesized Git view of a repository.
type SynthRepo struct {
	Storer *memory.Storage
	// Refs holds refs/heads/* then refs/tags/*, each group sorted.
	Refs []Ref
	// Head is the commit HEAD resolves to; zero for an empty repository.
	Head plumbing.Hash
	// Objects lists every synthesized object for pack encoding.
	Objects []plumbing.Hash
}

// Empty reports whether no refs exist.
func (s *SynthRepo) Empty() bool {
	return len(s.Refs) == 0
}

// Synthesizer builds Git objects from versioned-store state plus the File
// metadata that records LFS linkage.
type Synthesizer struct {
	store     *db.Store
	versioned versioned.Store
}

func NewSynthesizer(store *db.Store, vs versioned.Store) *Synthesizer {
	return &Synthesizer{store: store, versioned: vs}
}

// Synthesize builds the whole Git view of repo: one commit per branch and
// tag, sharing blobs and trees where content coincides.
func (s *Synthesizer) Synthesize(ctx context.Context, repo *db.Repository) (*SynthRepo, error) {
	repoKey := db.StorageKey(repo.RepoType, repo.Namespace, repo.Name)

	branches, err := s.versioned.ListBranches(ctx, repoKey)
	if err != nil {
		return nil, err
	}
	tags, err := s.versioned.ListTags(ctx, repoKey)
	if err != nil {
		return nil, err
	}

	out := &SynthRepo{Storer: memory.NewStorage()}
	seen := map[plumbing.Hash]bool{}
	track := func(h plumbing.Hash) {
		if !seen[h] {
			seen[h] = true
			out.Objects = append(out.Objects, h)
		}
	}

	lfsRows, err := s.lfsIndex(repo.ID)
	if err != nil {
		return nil, err
	}

	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })

	for _, b := range branches {
		if b.CommitID == "" {
			continue // unborn branch
		}
		h, err := s.synthesizeRef(ctx, repo, repoKey, b.Name, b.CommitID, lfsRows, out.Storer, track)
		if err != nil {
			return nil, err
		}
		out.Refs = append(out.Refs, Ref{Name: "refs/heads/" + b.Name, Hash: h})
		if b.Name == DefaultBranch {
			out.Head = h
		}
	}
	for _, t := range tags {
		h, err := s.synthesizeRef(ctx, repo, repoKey, t.Name, t.CommitID, lfsRows, out.Storer, track)
		if err != nil {
			return nil, err
		}
		out.Refs = append(out.Refs, Ref{Name: "refs/tags/" + t.Name, Hash: h})
	}

	if out.Head.IsZero() && len(out.Refs) > 0 {
		out.Head = out.Refs[0].Hash
	}
	return out, nil
}

// lfsIndex maps live paths to their LFS flag.
func (s *Synthesizer) lfsIndex(repoID uint) (map[string]bool, error) {
	files, err := s.store.ListLiveFiles(repoID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]bool, len(files))
	for i := range files {
		idx[files[i].PathInRepo] = files[i].LFS
	}
	return idx, nil
}

func (s *Synthesizer) synthesizeRef(ctx context.Context, repo *db.Repository, repoKey, ref, commitID string, lfsRows map[string]bool, storer *memory.Storage, track func(plumbing.Hash)) (plumbing.Hash, error) {
	infos, err := s.listAll(ctx, repoKey, ref)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	root := newTreeDir()
	var pointerExts []string
	hasAttributes := false

	for i := range infos {
		info := &infos[i]
		if info.Path == ".gitattributes" {
			hasAttributes = true
		}
		var content []byte
		if lfsRows[info.Path] || info.Size >= PointerThreshold {
			content = []byte(lfsutil.EncodePointer(info.Checksum, info.Size))
			if ext := path.Ext(info.Path); ext != "" {
				pointerExts = append(pointerExts, ext)
			}
		} else {
			content, err = s.readObject(ctx, repoKey, ref, info.Path)
			if err != nil {
				return plumbing.ZeroHash, err
			}
		}
		blobHash, err := writeBlob(storer, content)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		track(blobHash)
		root.add(info.Path, blobHash)
	}

	if !hasAttributes && len(pointerExts) > 0 {
		blobHash, err := writeBlob(storer, []byte(gitattributes(pointerExts)))
		if err != nil {
			return plumbing.ZeroHash, err
		}
		track(blobHash)
		root.add(".gitattributes", blobHash)
	}

	treeHash, err := root.encode(storer, track)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	info, err := s.versioned.GetCommit(ctx, repoKey, commitID)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	sig := s.signature(repo, info)
	commit := object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   commitMessage(info),
		TreeHash:  treeHash,
	}
	obj := storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	commitHash, err := storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	track(commitHash)
	return commitHash, nil
}

func (s *Synthesizer) signature(repo *db.Repository, info *versioned.CommitInfo) object.Signature {
	name := info.Metadata["author"]
	if row, err := s.store.GetCommitByOID(repo.ID, info.ID); err == nil {
		name = row.Username
	}
	if name == "" {
		name = "kohakuhub"
	}
	when := info.CreationDate
	if when.IsZero() {
		when = time.Unix(0, 0)
	}
	return object.Signature{
		Name:  name,
		Email: "noreply@hub.local",
		When:  when.UTC(),
	}
}

func commitMessage(info *versioned.CommitInfo) string {
	msg := info.Message
	if msg == "" {
		msg = "commit " + info.ID
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	return msg
}

func (s *Synthesizer) listAll(ctx context.Context, repoKey, ref string) ([]versioned.ObjectInfo, error) {
	var all []versioned.ObjectInfo
	after := ""
	for {
		infos, next, err := s.versioned.ListObjects(ctx, repoKey, ref, "", after, 1000, true)
		if err != nil {
			if errors.Is(err, versioned.ErrRefNotFound) {
				return nil, nil
			}
			return nil, err
		}
		for i := range infos {
			if !infos[i].IsDir() {
				all = append(all, infos[i])
			}
		}
		if next == "" {
			return all, nil
		}
		after = next
	}
}

func (s *Synthesizer) readObject(ctx context.Context, repoKey, ref, p string) ([]byte, error) {
	rc, err := s.versioned.GetObject(ctx, repoKey, ref, p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func writeBlob(storer *memory.Storage, content []byte) (plumbing.Hash, error) {
	obj := storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return storer.SetEncodedObject(obj)
}

// gitattributes renders the filter lines for every extension seen as an
// LFS pointer, deduplicated and sorted.
func gitattributes(exts []string) string {
	uniq := map[string]bool{}
	for _, e := range exts {
		uniq[e] = true
	}
	sorted := make([]string, 0, len(uniq))
	for e := range uniq {
		sorted = append(sorted, e)
	}
	sort.Strings(sorted)
	var b strings.Builder
	for _, e := range sorted {
		fmt.Fprintf(&b, "*%s filter=lfs diff=lfs merge=lfs -text\n", e)
	}
	return b.String()
}

// treeDir is a directory being assembled bottom-up.
type treeDir struct {
	dirs  map[string]*treeDir
	files map[string]plumbing.Hash
}

func newTreeDir() *treeDir {
	return &treeDir{dirs: map[string]*treeDir{}, files: map[string]plumbing.Hash{}}
}

func (d *treeDir) add(p string, blob plumbing.Hash) {
	slash := strings.IndexByte(p, '/')
	if slash < 0 {
		d.files[p] = blob
		return
	}
	name := p[:slash]
	sub, ok := d.dirs[name]
	if !ok {
		sub = newTreeDir()
		d.dirs[name] = sub
	}
	sub.add(p[slash+1:], blob)
}

// encode writes the subtree into storer and returns its hash. Entries are
// ordered with directory names compared as if they had a trailing slash.
func (d *treeDir) encode(storer *memory.Storage, track func(plumbing.Hash)) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(d.dirs)+len(d.files))
	for name, sub := range d.dirs {
		h, err := sub.encode(storer, track)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	for name, h := range d.files {
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: h})
	}
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})

	tree := object.Tree{Entries: entries}
	obj := storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	h, err := storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	track(h)
	return h, nil
}

func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
