package commitengine_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/commitengine"
)

func TestParseCommitRequest(t *testing.T) {
	body := strings.Join([]string{
		`{"key":"header","value":{"summary":"Add files","description":"first batch"}}`,
		`{"key":"file","value":{"path":"README.md","content":"` + base64.StdEncoding.EncodeToString([]byte("# hello\n")) + `","encoding":"base64"}}`,
		`{"key":"lfsFile","value":{"path":"model.safetensors","algo":"sha256","oid":"` + strings.Repeat("a", 64) + `","size":1234}}`,
		`{"key":"deletedFile","value":{"path":"old.txt"}}`,
		`{"key":"deletedFolder","value":{"path":"checkpoints/"}}`,
		`{"key":"copyFile","value":{"path":"copy.bin","srcPath":"orig.bin"}}`,
	}, "\n")

	req, err := commitengine.Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if req.Header.Summary != "Add files" {
		t.Errorf("Expected summary %q, got %q", "Add files", req.Header.Summary)
	}
	if req.Header.Description != "first batch" {
		t.Errorf("Expected description %q, got %q", "first batch", req.Header.Description)
	}
	if len(req.Ops) != 5 {
		t.Fatalf("Expected 5 operations, got %d", len(req.Ops))
	}

	file, ok := req.Ops[0].(*commitengine.FileOp)
	if !ok {
		t.Fatalf("Expected FileOp, got %T", req.Ops[0])
	}
	if string(file.Content) != "# hello\n" {
		t.Errorf("Expected decoded content %q, got %q", "# hello\n", file.Content)
	}

	lfsFile, ok := req.Ops[1].(*commitengine.LFSFileOp)
	if !ok {
		t.Fatalf("Expected LFSFileOp, got %T", req.Ops[1])
	}
	if lfsFile.Size != 1234 {
		t.Errorf("Expected size 1234, got %d", lfsFile.Size)
	}

	folder, ok := req.Ops[3].(*commitengine.DeletedFolderOp)
	if !ok {
		t.Fatalf("Expected DeletedFolderOp, got %T", req.Ops[3])
	}
	if folder.Path != "checkpoints" {
		t.Errorf("Expected trailing slash trimmed, got %q", folder.Path)
	}
}

func TestParseRejectsMalformedRequests(t *testing.T) {
	oid := strings.Repeat("a", 64)
	cases := []struct {
		name string
		body string
	}{
		{"Empty", ""},
		{"MissingHeader", `{"key":"file","value":{"path":"a.txt","content":"aGk="}}`},
		{"DuplicateHeader", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"header","value":{"summary":"y"}}`},
		{"UnknownOperation", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"rename","value":{"path":"a"}}`},
		{"BadJSON", `{"key":"header"` + "\n"},
		{"BadBase64", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"file","value":{"path":"a.txt","content":"%%%","encoding":"base64"}}`},
		{"ShortOID", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"lfsFile","value":{"path":"a.bin","oid":"abc","size":1}}`},
		{"NegativeSize", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"lfsFile","value":{"path":"a.bin","oid":"` + oid + `","size":-1}}`},
		{"BadAlgo", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"lfsFile","value":{"path":"a.bin","algo":"md5","oid":"` + oid + `","size":1}}`},
		{"AbsolutePath", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"deletedFile","value":{"path":"/etc/passwd"}}`},
		{"DotDotPath", `{"key":"header","value":{"summary":"x"}}` + "\n" + `{"key":"deletedFile","value":{"path":"a/../b"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := commitengine.Parse(strings.NewReader(tc.body)); err == nil {
				t.Errorf("Expected error for %s, got none", tc.name)
			}
		})
	}
}

func TestParseSkipsBlankLines(t *testing.T) {
	body := `{"key":"header","value":{"summary":"x"}}` + "\n\n  \n" +
		`{"key":"deletedFolder","value":{"path":"logs"}}` + "\n"
	req, err := commitengine.Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(req.Ops) != 1 {
		t.Fatalf("Expected 1 operation, got %d", len(req.Ops))
	}
}

func TestValidatePath(t *testing.T) {
	valid := []string{"a.txt", "dir/file.bin", "deep/nested/path/ok.json"}
	for _, p := range valid {
		if err := commitengine.ValidatePath(p); err != nil {
			t.Errorf("Expected %q to be valid: %v", p, err)
		}
	}
	invalid := []string{
		"",
		"/leading",
		"trailing/",
		"a//b",
		".",
		"a/./b",
		"a/../b",
		strings.Repeat("x", commitengine.MaxPathBytes+1),
		strings.Repeat("a/", commitengine.MaxPathDepth) + "f",
	}
	for _, p := range invalid {
		if err := commitengine.ValidatePath(p); err == nil {
			t.Errorf("Expected %q to be rejected", p)
		}
	}
}
