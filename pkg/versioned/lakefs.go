package versioned

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
)

// LakeFS binds the Store interface to a LakeFS-compatible REST API.
// Idempotent calls (list/stat/get) are retried with backoff; mutating calls
// are attempted once and their status codes mapped onto bridge errors.
type LakeFS struct {
	endpoint  string
	accessKey string
	secretKey string
	// StorageNamespace is the bucket prefix handed to new repositories,
	// e.g. "s3://kohakuhub".
	StorageNamespace string

	client *http.Client
}

// NewLakeFS creates a binding against endpoint (e.g. "http://lakefs:8000").
func NewLakeFS(endpoint, accessKey, secretKey, storageNamespace string) *LakeFS {
	return &LakeFS{
		endpoint:         endpoint,
		accessKey:        accessKey,
		secretKey:        secretKey,
		StorageNamespace: storageNamespace,
		client:           &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LakeFS) url(format string, args ...any) string {
	return l.endpoint + "/api/v1" + fmt.Sprintf(format, args...)
}

func (l *LakeFS) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(l.accessKey, l.secretKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return l.client.Do(req)
}

// doJSON performs a request and decodes a JSON response into out (if
// non-nil). Responses outside 2xx are turned into bridge errors.
func (l *LakeFS) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	resp, err := l.do(ctx, method, u, body, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := mapStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// doJSONRetry wraps doJSON with bounded backoff retries for idempotent
// calls. Only transport-level failures are retried.
func (l *LakeFS) doJSONRetry(ctx context.Context, method, u string, out any) error {
	return retry.Do(
		func() error { return l.doJSON(ctx, method, u, nil, out) },
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			switch err {
			case ErrRepoNotFound, ErrRefNotFound, ErrPathNotFound, ErrCommitConflict, ErrRepoExists, ErrTagImmutable:
				return false
			}
			return true
		}),
	)
}

func mapStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrPathNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrCommitConflict
	case resp.StatusCode == http.StatusPreconditionFailed:
		return ErrCommitConflict
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("versioned store: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
}

type lakeObjectStats struct {
	Path            string `json:"path"`
	PathType        string `json:"path_type"`
	PhysicalAddress string `json:"physical_address"`
	Checksum        string `json:"checksum"`
	SizeBytes       int64  `json:"size_bytes"`
	Mtime           int64  `json:"mtime"`
}

func (o *lakeObjectStats) info() ObjectInfo {
	return ObjectInfo{
		Path:            o.Path,
		PathType:        o.PathType,
		Size:            o.SizeBytes,
		Checksum:        o.Checksum,
		PhysicalAddress: o.PhysicalAddress,
		Mtime:           time.Unix(o.Mtime, 0),
	}
}

type lakeCommit struct {
	ID           string            `json:"id"`
	Message      string            `json:"message"`
	Committer    string            `json:"committer"`
	CreationDate int64             `json:"creation_date"`
	Parents      []string          `json:"parents"`
	Metadata     map[string]string `json:"metadata"`
}

func (c *lakeCommit) info() CommitInfo {
	return CommitInfo{
		ID:           c.ID,
		Message:      c.Message,
		Committer:    c.Committer,
		CreationDate: time.Unix(c.CreationDate, 0).UTC(),
		Parents:      c.Parents,
		Metadata:     c.Metadata,
	}
}

type lakePagination struct {
	HasMore    bool   `json:"has_more"`
	NextOffset string `json:"next_offset"`
}

func (l *LakeFS) CreateRepository(ctx context.Context, repoKey, defaultBranch string) error {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	in := map[string]any{
		"name":              repoKey,
		"storage_namespace": l.StorageNamespace + "/" + repoKey,
		"default_branch":    defaultBranch,
	}
	err := l.doJSON(ctx, http.MethodPost, l.url("/repositories"), in, nil)
	if err == ErrCommitConflict {
		// Already exists; creation is idempotent.
		return nil
	}
	return err
}

func (l *LakeFS) DeleteRepository(ctx context.Context, repoKey string) error {
	err := l.doJSON(ctx, http.MethodDelete, l.url("/repositories/%s", url.PathEscape(repoKey)), nil, nil)
	if err == ErrPathNotFound {
		return ErrRepoNotFound
	}
	return err
}

func (l *LakeFS) ListObjects(ctx context.Context, repoKey, ref, prefix, after string, amount int, recursive bool) ([]ObjectInfo, string, error) {
	q := url.Values{}
	q.Set("prefix", prefix)
	if after != "" {
		q.Set("after", after)
	}
	if amount > 0 {
		q.Set("amount", strconv.Itoa(amount))
	}
	if !recursive {
		q.Set("delimiter", "/")
	}
	u := l.url("/repositories/%s/refs/%s/objects/ls", url.PathEscape(repoKey), url.PathEscape(ref)) + "?" + q.Encode()

	var out struct {
		Results    []lakeObjectStats `json:"results"`
		Pagination lakePagination    `json:"pagination"`
	}
	if err := l.doJSONRetry(ctx, http.MethodGet, u, &out); err != nil {
		if err == ErrPathNotFound {
			return nil, "", ErrRefNotFound
		}
		return nil, "", err
	}
	infos := make([]ObjectInfo, 0, len(out.Results))
	for i := range out.Results {
		infos = append(infos, out.Results[i].info())
	}
	next := ""
	if out.Pagination.HasMore {
		next = out.Pagination.NextOffset
	}
	return infos, next, nil
}

func (l *LakeFS) StatObject(ctx context.Context, repoKey, ref, path string) (*ObjectInfo, error) {
	u := l.url("/repositories/%s/refs/%s/objects/stat", url.PathEscape(repoKey), url.PathEscape(ref)) +
		"?path=" + url.QueryEscape(path)
	var out lakeObjectStats
	if err := l.doJSONRetry(ctx, http.MethodGet, u, &out); err != nil {
		return nil, err
	}
	info := out.info()
	return &info, nil
}

func (l *LakeFS) GetObject(ctx context.Context, repoKey, ref, path string) (io.ReadCloser, error) {
	u := l.url("/repositories/%s/refs/%s/objects", url.PathEscape(repoKey), url.PathEscape(ref)) +
		"?path=" + url.QueryEscape(path)
	resp, err := l.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	if err := mapStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (l *LakeFS) PutObject(ctx context.Context, repoKey, branch, path string, r io.Reader, size int64) (*ObjectInfo, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("content", path)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	u := l.url("/repositories/%s/branches/%s/objects", url.PathEscape(repoKey), url.PathEscape(branch)) +
		"?path=" + url.QueryEscape(path)
	resp, err := l.do(ctx, http.MethodPost, u, &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := mapStatus(resp); err != nil {
		return nil, err
	}
	var out lakeObjectStats
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	info := out.info()
	return &info, nil
}

func (l *LakeFS) LinkPhysicalAddress(ctx context.Context, repoKey, branch, path, physicalAddress, checksum string, size int64) (*ObjectInfo, error) {
	u := l.url("/repositories/%s/branches/%s/staging/backing", url.PathEscape(repoKey), url.PathEscape(branch)) +
		"?path=" + url.QueryEscape(path)
	in := map[string]any{
		"staging": map[string]any{
			"physical_address": physicalAddress,
		},
		"checksum":   checksum,
		"size_bytes": size,
	}
	var out lakeObjectStats
	if err := l.doJSON(ctx, http.MethodPut, u, in, &out); err != nil {
		return nil, err
	}
	info := out.info()
	if info.PhysicalAddress == "" {
		info.PhysicalAddress = physicalAddress
	}
	if info.Checksum == "" {
		info.Checksum = checksum
		info.Size = size
		info.Path = path
	}
	return &info, nil
}

func (l *LakeFS) DeleteObject(ctx context.Context, repoKey, branch, path string) error {
	u := l.url("/repositories/%s/branches/%s/objects", url.PathEscape(repoKey), url.PathEscape(branch)) +
		"?path=" + url.QueryEscape(path)
	return l.doJSON(ctx, http.MethodDelete, u, nil, nil)
}

func (l *LakeFS) Commit(ctx context.Context, repoKey, branch, message string, opts CommitOpts) (*CommitInfo, error) {
	// The REST API has no expected-parent parameter, so the check is
	// client side; the store still serializes commits per branch, and
	// losers of the remaining race surface as 409 from the API.
	if opts.ExpectedParent != "" {
		head, err := l.BranchHead(ctx, repoKey, branch)
		if err != nil {
			return nil, err
		}
		if head != opts.ExpectedParent {
			return nil, ErrCommitConflict
		}
	}
	in := map[string]any{
		"message":     message,
		"metadata":    opts.Metadata,
		"allow_empty": opts.AllowEmpty,
	}
	u := l.url("/repositories/%s/branches/%s/commits", url.PathEscape(repoKey), url.PathEscape(branch))
	var out lakeCommit
	if err := l.doJSON(ctx, http.MethodPost, u, in, &out); err != nil {
		return nil, err
	}
	info := out.info()
	return &info, nil
}

func (l *LakeFS) GetCommit(ctx context.Context, repoKey, commitID string) (*CommitInfo, error) {
	u := l.url("/repositories/%s/commits/%s", url.PathEscape(repoKey), url.PathEscape(commitID))
	var out lakeCommit
	if err := l.doJSONRetry(ctx, http.MethodGet, u, &out); err != nil {
		if err == ErrPathNotFound {
			return nil, ErrRefNotFound
		}
		return nil, err
	}
	info := out.info()
	return &info, nil
}

func (l *LakeFS) ListCommits(ctx context.Context, repoKey, ref, after string, amount int) ([]CommitInfo, string, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if amount > 0 {
		q.Set("amount", strconv.Itoa(amount))
	}
	u := l.url("/repositories/%s/refs/%s/commits", url.PathEscape(repoKey), url.PathEscape(ref)) + "?" + q.Encode()
	var out struct {
		Results    []lakeCommit   `json:"results"`
		Pagination lakePagination `json:"pagination"`
	}
	if err := l.doJSONRetry(ctx, http.MethodGet, u, &out); err != nil {
		if err == ErrPathNotFound {
			return nil, "", ErrRefNotFound
		}
		return nil, "", err
	}
	infos := make([]CommitInfo, 0, len(out.Results))
	for i := range out.Results {
		infos = append(infos, out.Results[i].info())
	}
	next := ""
	if out.Pagination.HasMore {
		next = out.Pagination.NextOffset
	}
	return infos, next, nil
}

func (l *LakeFS) Diff(ctx context.Context, repoKey, left, right string) ([]DiffEntry, error) {
	u := l.url("/repositories/%s/refs/%s/diff/%s", url.PathEscape(repoKey), url.PathEscape(left), url.PathEscape(right))
	var out struct {
		Results []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"results"`
	}
	if err := l.doJSONRetry(ctx, http.MethodGet, u, &out); err != nil {
		return nil, err
	}
	entries := make([]DiffEntry, 0, len(out.Results))
	for _, r := range out.Results {
		entries = append(entries, DiffEntry{Path: r.Path, Type: r.Type})
	}
	return entries, nil
}

func (l *LakeFS) BranchHead(ctx context.Context, repoKey, branch string) (string, error) {
	u := l.url("/repositories/%s/branches/%s", url.PathEscape(repoKey), url.PathEscape(branch))
	var out struct {
		CommitID string `json:"commit_id"`
	}
	if err := l.doJSONRetry(ctx, http.MethodGet, u, &out); err != nil {
		if err == ErrPathNotFound {
			return "", ErrRefNotFound
		}
		return "", err
	}
	return out.CommitID, nil
}

func (l *LakeFS) ListBranches(ctx context.Context, repoKey string) ([]RefInfo, error) {
	return l.listRefs(ctx, l.url("/repositories/%s/branches", url.PathEscape(repoKey)))
}

func (l *LakeFS) ListTags(ctx context.Context, repoKey string) ([]RefInfo, error) {
	return l.listRefs(ctx, l.url("/repositories/%s/tags", url.PathEscape(repoKey)))
}

func (l *LakeFS) listRefs(ctx context.Context, u string) ([]RefInfo, error) {
	var out struct {
		Results []struct {
			ID       string `json:"id"`
			CommitID string `json:"commit_id"`
		} `json:"results"`
	}
	if err := l.doJSONRetry(ctx, http.MethodGet, u, &out); err != nil {
		if err == ErrPathNotFound {
			return nil, ErrRepoNotFound
		}
		return nil, err
	}
	refs := make([]RefInfo, 0, len(out.Results))
	for _, r := range out.Results {
		refs = append(refs, RefInfo{Name: r.ID, CommitID: r.CommitID})
	}
	return refs, nil
}

func (l *LakeFS) CreateBranch(ctx context.Context, repoKey, name, source string) error {
	in := map[string]string{"name": name, "source": source}
	return l.doJSON(ctx, http.MethodPost, l.url("/repositories/%s/branches", url.PathEscape(repoKey)), in, nil)
}

func (l *LakeFS) DeleteBranch(ctx context.Context, repoKey, name string) error {
	u := l.url("/repositories/%s/branches/%s", url.PathEscape(repoKey), url.PathEscape(name))
	err := l.doJSON(ctx, http.MethodDelete, u, nil, nil)
	if err == ErrPathNotFound {
		return ErrRefNotFound
	}
	return err
}

func (l *LakeFS) CreateTag(ctx context.Context, repoKey, name, ref string) (string, error) {
	in := map[string]string{"id": name, "ref": ref}
	var out struct {
		CommitID string `json:"commit_id"`
	}
	err := l.doJSON(ctx, http.MethodPost, l.url("/repositories/%s/tags", url.PathEscape(repoKey)), in, &out)
	if err == ErrCommitConflict {
		return "", ErrTagImmutable
	}
	if err != nil {
		return "", err
	}
	return out.CommitID, nil
}

func (l *LakeFS) DeleteTag(ctx context.Context, repoKey, name string) error {
	u := l.url("/repositories/%s/tags/%s", url.PathEscape(repoKey), url.PathEscape(name))
	err := l.doJSON(ctx, http.MethodDelete, u, nil, nil)
	if err == ErrPathNotFound {
		return ErrRefNotFound
	}
	return err
}

var _ Store = (*LakeFS)(nil)
