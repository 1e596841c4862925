package commitengine

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/kohakuhub/kohakuhub/pkg/api"
)

// Path limits enforced on every operation.
const (
	MaxPathBytes = 1024
	MaxPathDepth = 64
)

// Header is the first NDJSON line of a commit request.
type Header struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

// Op is one parsed commit operation.
type Op interface {
	opKey() string
}

// FileOp is an inline small-file upload, already base64-decoded.
type FileOp struct {
	Path    string
	Content []byte
}

// LFSFileOp links a content-addressed blob already in the blob store.
type LFSFileOp struct {
	Path string
	OID  string
	Size int64
}

// DeletedFileOp deletes one exact path.
type DeletedFileOp struct {
	Path string
}

// DeletedFolderOp deletes every path under Path + "/".
type DeletedFolderOp struct {
	Path string
}

// CopyFileOp copies an existing file within the repository without moving
// bytes.
type CopyFileOp struct {
	Path        string
	SrcPath     string
	SrcRevision string
}

func (*FileOp) opKey() string          { return "file" }
func (*LFSFileOp) opKey() string       { return "lfsFile" }
func (*DeletedFileOp) opKey() string   { return "deletedFile" }
func (*DeletedFolderOp) opKey() string { return "deletedFolder" }
func (*CopyFileOp) opKey() string      { return "copyFile" }

// Request is a parsed commit request body.
type Request struct {
	Header Header
	Ops    []Op
}

// rawOp is the wire shape of one NDJSON line.
type rawOp struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type rawFile struct {
	Content  string `json:"content"`
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

type rawLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type rawPath struct {
	Path string `json:"path"`
}

type rawCopyFile struct {
	Path        string `json:"path"`
	SrcPath     string `json:"srcPath"`
	SrcRevision string `json:"srcRevision"`
}

// ValidatePath rejects paths the data model does not admit: leading or
// trailing slashes, empty segments, "." or "..", over-long or over-deep
// paths.
func ValidatePath(p string) error {
	if p == "" {
		return api.Errf(api.CodeBadRequest, "empty path")
	}
	if len(p) > MaxPathBytes {
		return api.Errf(api.CodeBadRequest, "path exceeds %d bytes", MaxPathBytes)
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return api.Errf(api.CodeBadRequest, "invalid path %q", p)
	}
	segments := strings.Split(p, "/")
	if len(segments) > MaxPathDepth {
		return api.Errf(api.CodeBadRequest, "path exceeds %d segments", MaxPathDepth)
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return api.Errf(api.CodeBadRequest, "invalid path %q", p)
		}
	}
	return nil
}

// Parse reads an NDJSON commit body. The header line must come first;
// every subsequent line must be a known operation with a valid path. Any
// malformed line fails the whole request.
func Parse(r io.Reader) (*Request, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 100*1024*1024) // Allow up to 100MB lines

	req := &Request{}
	sawHeader := false

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var op rawOp
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			return nil, api.Errf(api.CodeBadRequest, "invalid NDJSON line: %v", err)
		}

		if !sawHeader {
			if op.Key != "header" {
				return nil, api.Errf(api.CodeBadRequest, "first line must be the header")
			}
			if err := json.Unmarshal(op.Value, &req.Header); err != nil {
				return nil, api.Errf(api.CodeBadRequest, "invalid header: %v", err)
			}
			sawHeader = true
			continue
		}

		switch op.Key {
		case "header":
			return nil, api.Errf(api.CodeBadRequest, "duplicate header line")

		case "file":
			var f rawFile
			if err := json.Unmarshal(op.Value, &f); err != nil {
				return nil, api.Errf(api.CodeBadRequest, "invalid file operation: %v", err)
			}
			if err := ValidatePath(f.Path); err != nil {
				return nil, err
			}
			content := []byte(f.Content)
			if f.Encoding == "base64" {
				decoded, err := base64.StdEncoding.DecodeString(f.Content)
				if err != nil {
					return nil, api.Errf(api.CodeBadRequest, "failed to decode base64 content for %s: %v", f.Path, err)
				}
				content = decoded
			}
			req.Ops = append(req.Ops, &FileOp{Path: f.Path, Content: content})

		case "lfsFile":
			var f rawLFSFile
			if err := json.Unmarshal(op.Value, &f); err != nil {
				return nil, api.Errf(api.CodeBadRequest, "invalid LFS file operation: %v", err)
			}
			if err := ValidatePath(f.Path); err != nil {
				return nil, err
			}
			if f.Algo != "" && f.Algo != "sha256" {
				return nil, api.Errf(api.CodeBadRequest, "unsupported LFS algo %q", f.Algo)
			}
			if len(f.OID) != 64 {
				return nil, api.Errf(api.CodeBadRequest, "invalid LFS oid %q", f.OID)
			}
			if f.Size < 0 {
				return nil, api.Errf(api.CodeBadRequest, "invalid LFS size %d", f.Size)
			}
			req.Ops = append(req.Ops, &LFSFileOp{Path: f.Path, OID: strings.ToLower(f.OID), Size: f.Size})

		case "deletedFile":
			var f rawPath
			if err := json.Unmarshal(op.Value, &f); err != nil {
				return nil, api.Errf(api.CodeBadRequest, "invalid delete operation: %v", err)
			}
			if err := ValidatePath(f.Path); err != nil {
				return nil, err
			}
			req.Ops = append(req.Ops, &DeletedFileOp{Path: f.Path})

		case "deletedFolder":
			var f rawPath
			if err := json.Unmarshal(op.Value, &f); err != nil {
				return nil, api.Errf(api.CodeBadRequest, "invalid delete operation: %v", err)
			}
			if err := ValidatePath(strings.TrimSuffix(f.Path, "/")); err != nil {
				return nil, err
			}
			req.Ops = append(req.Ops, &DeletedFolderOp{Path: strings.TrimSuffix(f.Path, "/")})

		case "copyFile":
			var f rawCopyFile
			if err := json.Unmarshal(op.Value, &f); err != nil {
				return nil, api.Errf(api.CodeBadRequest, "invalid copy operation: %v", err)
			}
			if err := ValidatePath(f.Path); err != nil {
				return nil, err
			}
			if err := ValidatePath(f.SrcPath); err != nil {
				return nil, err
			}
			req.Ops = append(req.Ops, &CopyFileOp{Path: f.Path, SrcPath: f.SrcPath, SrcRevision: f.SrcRevision})

		default:
			return nil, api.Errf(api.CodeBadRequest, "unknown operation %q", op.Key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, api.Errf(api.CodeBadRequest, "failed to read request body: %v", err)
	}
	if !sawHeader {
		return nil, api.Errf(api.CodeBadRequest, "missing header line")
	}
	return req, nil
}
