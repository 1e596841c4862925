package lfsutil_test

import (
	"strings"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/lfsutil"
)

func TestPointerRoundTrip(t *testing.T) {
	oid := strings.Repeat("ab", 32)
	encoded := lfsutil.EncodePointer(oid, 12345)

	if !strings.HasPrefix(encoded, "version https://git-lfs.github.com/spec/v1\n") {
		t.Errorf("Pointer must start with the version line: %q", encoded)
	}
	if !strings.HasSuffix(encoded, "size 12345\n") {
		t.Errorf("Pointer must end with the size line: %q", encoded)
	}

	ptr, err := lfsutil.DecodePointer(strings.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodePointer failed: %v", err)
	}
	if ptr.Oid != oid {
		t.Errorf("Expected oid %s, got %s", oid, ptr.Oid)
	}
	if ptr.Size != 12345 {
		t.Errorf("Expected size 12345, got %d", ptr.Size)
	}
}

func TestIsPointerCandidate(t *testing.T) {
	oid := strings.Repeat("cd", 32)
	if !lfsutil.IsPointerCandidate([]byte(lfsutil.EncodePointer(oid, 1))) {
		t.Error("A real pointer must be a candidate")
	}
	if lfsutil.IsPointerCandidate([]byte("just a text file")) {
		t.Error("Plain text must not be a candidate")
	}
	big := strings.Repeat("version https://git-lfs.github.com/spec/v1\n", 100)
	if lfsutil.IsPointerCandidate([]byte(big)) {
		t.Error("Oversized content must not be a candidate")
	}
}

func TestShouldStoreAsLFS(t *testing.T) {
	threshold := int64(1000)
	cases := []struct {
		path string
		size int64
		want bool
	}{
		{"README.md", 10, false},
		{"README.md", 1000, true},
		{"model.safetensors", 10, true},
		{"Model.SAFETENSORS", 10, true},
		{"data.parquet", 10, true},
		{"archive.tar", 10, true},
		{"notes.txt", 999, false},
	}
	for _, tc := range cases {
		if got := lfsutil.ShouldStoreAsLFS(tc.path, tc.size, threshold, nil); got != tc.want {
			t.Errorf("ShouldStoreAsLFS(%q, %d) = %v, want %v", tc.path, tc.size, got, tc.want)
		}
	}
}

func TestShouldStoreAsLFSExtraSuffixes(t *testing.T) {
	threshold := int64(1000)
	extras := []string{"npz", ".TIF", " .raw "}
	for _, p := range []string{"a.npz", "scan.tif", "frame.raw"} {
		if !lfsutil.ShouldStoreAsLFS(p, 1, threshold, extras) {
			t.Errorf("Expected %q to match the extra suffix rules", p)
		}
	}
	if lfsutil.ShouldStoreAsLFS("a.txt", 1, threshold, extras) {
		t.Error("Unmatched suffix must stay regular")
	}
}
