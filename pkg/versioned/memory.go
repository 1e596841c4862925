package versioned

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process Store binding. It keeps whole repositories in
// memory and is used by tests and single-node evaluation. Commits on the
// same (repo, branch) serialize on the repository mutex, which also makes
// the expected-parent check race free.
type Memory struct {
	mu    sync.RWMutex
	repos map[string]*memRepo
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{repos: make(map[string]*memRepo)}
}

type memObject struct {
	size            int64
	checksum        string
	physicalAddress string
	data            []byte // nil for linked objects
	mtime           time.Time
}

type memCommit struct {
	info CommitInfo
	tree map[string]*memObject
}

type stagedChange struct {
	obj       *memObject // nil marks a delete
	tombstone bool
}

type memRepo struct {
	mu            sync.Mutex
	defaultBranch string
	branches      map[string]string // name -> tip commit id ("" when unborn)
	tags          map[string]string
	commits       map[string]*memCommit
	staged        map[string]map[string]*stagedChange // branch -> path -> change
	seq           int
}

func (m *Memory) repo(repoKey string) (*memRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[repoKey]
	if !ok {
		return nil, ErrRepoNotFound
	}
	return r, nil
}

// CreateRepository is idempotent per the bridge contract.
func (m *Memory) CreateRepository(_ context.Context, repoKey, defaultBranch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[repoKey]; ok {
		return nil
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	m.repos[repoKey] = &memRepo{
		defaultBranch: defaultBranch,
		branches:      map[string]string{defaultBranch: ""},
		tags:          map[string]string{},
		commits:       map[string]*memCommit{},
		staged:        map[string]map[string]*stagedChange{},
	}
	return nil
}

func (m *Memory) DeleteRepository(_ context.Context, repoKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[repoKey]; !ok {
		return ErrRepoNotFound
	}
	delete(m.repos, repoKey)
	return nil
}

// resolveRef maps a branch, tag, or commit id to the backing commit.
// Unborn branches resolve to an empty tree.
func (r *memRepo) resolveRef(ref string) (map[string]*memObject, string, error) {
	if tip, ok := r.branches[ref]; ok {
		if tip == "" {
			return map[string]*memObject{}, "", nil
		}
		return r.commits[tip].tree, tip, nil
	}
	if id, ok := r.tags[ref]; ok {
		return r.commits[id].tree, id, nil
	}
	if c, ok := r.commits[ref]; ok {
		return c.tree, ref, nil
	}
	return nil, "", ErrRefNotFound
}

func (m *Memory) ListObjects(_ context.Context, repoKey, ref, prefix, after string, amount int, recursive bool) ([]ObjectInfo, string, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tree, _, err := r.resolveRef(ref)
	if err != nil {
		return nil, "", err
	}

	seen := map[string]bool{}
	var infos []ObjectInfo
	for path, obj := range tree {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if recursive {
			infos = append(infos, objectInfo(path, obj))
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			dir := prefix + rest[:i+1]
			if !seen[dir] {
				seen[dir] = true
				infos = append(infos, ObjectInfo{Path: dir, PathType: "common_prefix"})
			}
			continue
		}
		infos = append(infos, objectInfo(path, obj))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })

	start := 0
	if after != "" {
		for i, info := range infos {
			if info.Path > after {
				start = i
				break
			}
			start = i + 1
		}
	}
	infos = infos[start:]
	next := ""
	if amount > 0 && len(infos) > amount {
		next = infos[amount-1].Path
		infos = infos[:amount]
	}
	return infos, next, nil
}

func objectInfo(path string, obj *memObject) ObjectInfo {
	return ObjectInfo{
		Path:            path,
		PathType:        "object",
		Size:            obj.size,
		Checksum:        obj.checksum,
		PhysicalAddress: obj.physicalAddress,
		Mtime:           obj.mtime,
	}
}

func (m *Memory) StatObject(_ context.Context, repoKey, ref, path string) (*ObjectInfo, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tree, _, err := r.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	obj, ok := tree[path]
	if !ok {
		return nil, ErrPathNotFound
	}
	info := objectInfo(path, obj)
	return &info, nil
}

func (m *Memory) GetObject(_ context.Context, repoKey, ref, path string) (io.ReadCloser, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tree, _, err := r.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	obj, ok := tree[path]
	if !ok {
		return nil, ErrPathNotFound
	}
	if obj.data == nil {
		return nil, fmt.Errorf("object %s is linked; bytes live at %s", path, obj.physicalAddress)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) PutObject(_ context.Context, repoKey, branch, path string, rd io.Reader, size int64) (*ObjectInfo, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[branch]; !ok {
		return nil, ErrRefNotFound
	}
	obj := &memObject{
		size:            int64(len(data)),
		checksum:        checksum,
		physicalAddress: fmt.Sprintf("mem://%s/%s", repoKey, checksum),
		data:            data,
		mtime:           time.Now(),
	}
	r.stage(branch, path, &stagedChange{obj: obj})
	info := objectInfo(path, obj)
	return &info, nil
}

func (m *Memory) LinkPhysicalAddress(_ context.Context, repoKey, branch, path, physicalAddress, checksum string, size int64) (*ObjectInfo, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[branch]; !ok {
		return nil, ErrRefNotFound
	}
	obj := &memObject{
		size:            size,
		checksum:        checksum,
		physicalAddress: physicalAddress,
		mtime:           time.Now(),
	}
	r.stage(branch, path, &stagedChange{obj: obj})
	info := objectInfo(path, obj)
	return &info, nil
}

func (m *Memory) DeleteObject(_ context.Context, repoKey, branch, path string) error {
	r, err := m.repo(repoKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[branch]; !ok {
		return ErrRefNotFound
	}
	r.stage(branch, path, &stagedChange{tombstone: true})
	return nil
}

func (r *memRepo) stage(branch, path string, ch *stagedChange) {
	if r.staged[branch] == nil {
		r.staged[branch] = map[string]*stagedChange{}
	}
	r.staged[branch][path] = ch
}

func (m *Memory) Commit(_ context.Context, repoKey, branch, message string, opts CommitOpts) (*CommitInfo, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tip, ok := r.branches[branch]
	if !ok {
		return nil, ErrRefNotFound
	}
	if opts.ExpectedParent != "" && tip != opts.ExpectedParent {
		return nil, ErrCommitConflict
	}

	staged := r.staged[branch]
	if len(staged) == 0 && !opts.AllowEmpty {
		return nil, fmt.Errorf("nothing to commit on %s", branch)
	}

	tree := map[string]*memObject{}
	if tip != "" {
		for p, o := range r.commits[tip].tree {
			tree[p] = o
		}
	}
	for p, ch := range staged {
		if ch.tombstone {
			delete(tree, p)
		} else {
			tree[p] = ch.obj
		}
	}
	delete(r.staged, branch)

	r.seq++
	now := time.Now().UTC()
	raw := fmt.Sprintf("%s|%s|%s|%d|%d", repoKey, branch, message, now.UnixNano(), r.seq)
	sum := sha256.Sum256([]byte(raw))
	id := hex.EncodeToString(sum[:])

	info := CommitInfo{
		ID:           id,
		Message:      message,
		Committer:    opts.Metadata["committer"],
		CreationDate: now,
		Metadata:     opts.Metadata,
	}
	if opts.Description != "" {
		if info.Metadata == nil {
			info.Metadata = map[string]string{}
		}
		info.Metadata["description"] = opts.Description
	}
	if tip != "" {
		info.Parents = []string{tip}
	}
	r.commits[id] = &memCommit{info: info, tree: tree}
	r.branches[branch] = id
	return &info, nil
}

func (m *Memory) GetCommit(_ context.Context, repoKey, commitID string) (*CommitInfo, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commits[commitID]
	if !ok {
		return nil, ErrRefNotFound
	}
	info := c.info
	return &info, nil
}

func (m *Memory) ListCommits(_ context.Context, repoKey, ref, after string, amount int) ([]CommitInfo, string, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, tip, err := r.resolveRef(ref)
	if err != nil {
		return nil, "", err
	}

	var out []CommitInfo
	skipping := after != ""
	for id := tip; id != ""; {
		c, ok := r.commits[id]
		if !ok {
			break
		}
		if skipping {
			if id == after {
				skipping = false
			}
		} else {
			out = append(out, c.info)
			if amount > 0 && len(out) == amount {
				if len(c.info.Parents) > 0 {
					return out, c.info.ID, nil
				}
				return out, "", nil
			}
		}
		if len(c.info.Parents) == 0 {
			break
		}
		id = c.info.Parents[0]
	}
	return out, "", nil
}

func (m *Memory) Diff(_ context.Context, repoKey, left, right string) ([]DiffEntry, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lt, _, err := r.resolveRef(left)
	if err != nil {
		return nil, err
	}
	rt, _, err := r.resolveRef(right)
	if err != nil {
		return nil, err
	}

	var out []DiffEntry
	for p, ro := range rt {
		lo, ok := lt[p]
		switch {
		case !ok:
			out = append(out, DiffEntry{Path: p, Type: "added"})
		case lo.checksum != ro.checksum:
			out = append(out, DiffEntry{Path: p, Type: "changed"})
		}
	}
	for p := range lt {
		if _, ok := rt[p]; !ok {
			out = append(out, DiffEntry{Path: p, Type: "removed"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) BranchHead(_ context.Context, repoKey, branch string) (string, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.branches[branch]
	if !ok {
		return "", ErrRefNotFound
	}
	return tip, nil
}

func (m *Memory) ListBranches(_ context.Context, repoKey string) ([]RefInfo, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []RefInfo
	for name, tip := range r.branches {
		refs = append(refs, RefInfo{Name: name, CommitID: tip})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (m *Memory) ListTags(_ context.Context, repoKey string) ([]RefInfo, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []RefInfo
	for name, id := range r.tags {
		refs = append(refs, RefInfo{Name: name, CommitID: id})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (m *Memory) CreateBranch(_ context.Context, repoKey, name, source string) error {
	r, err := m.repo(repoKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[name]; ok {
		return nil
	}
	_, tip, err := r.resolveRef(source)
	if err != nil {
		return err
	}
	r.branches[name] = tip
	return nil
}

func (m *Memory) DeleteBranch(_ context.Context, repoKey, name string) error {
	r, err := m.repo(repoKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[name]; !ok {
		return ErrRefNotFound
	}
	if name == r.defaultBranch {
		return fmt.Errorf("cannot delete default branch %q", name)
	}
	delete(r.branches, name)
	delete(r.staged, name)
	return nil
}

func (m *Memory) CreateTag(_ context.Context, repoKey, name, ref string) (string, error) {
	r, err := m.repo(repoKey)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[name]; ok {
		return "", ErrTagImmutable
	}
	_, tip, err := r.resolveRef(ref)
	if err != nil {
		return "", err
	}
	if tip == "" {
		return "", ErrRefNotFound
	}
	r.tags[name] = tip
	return tip, nil
}

func (m *Memory) DeleteTag(_ context.Context, repoKey, name string) error {
	r, err := m.repo(repoKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[name]; !ok {
		return ErrRefNotFound
	}
	delete(r.tags, name)
	return nil
}

var _ Store = (*Memory)(nil)
