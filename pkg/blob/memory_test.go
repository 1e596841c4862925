package blob_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/blob"
)

func TestLFSKey(t *testing.T) {
	oid := strings.Repeat("ab", 32)
	key := blob.LFSKey(oid)
	want := "lfs/ab/ab/" + oid
	if key != want {
		t.Fatalf("Expected key %s, got %s", want, key)
	}
}

func TestMemoryPutGetStat(t *testing.T) {
	m := blob.NewMemory()
	ctx := context.Background()
	content := []byte("hello blob")
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	if err := m.Put(ctx, "k1", bytes.NewReader(content), int64(len(content)), checksum); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err := m.Exists(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Expected k1 to exist, got %v (%v)", ok, err)
	}

	info, err := m.Stat(ctx, "k1")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size != int64(len(content)) || info.ETag != checksum {
		t.Errorf("Unexpected stat: %+v", info)
	}

	rc, err := m.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(data, content) {
		t.Errorf("Round trip mismatch: %q", data)
	}

	if err := m.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Stat(ctx, "k1"); !errors.Is(err, blob.ErrNotExist) {
		t.Fatalf("Expected ErrNotExist after delete, got %v", err)
	}
}

func TestMemoryPutChecksumMismatch(t *testing.T) {
	m := blob.NewMemory()
	err := m.Put(context.Background(), "k1", strings.NewReader("data"), 4, strings.Repeat("0", 64))
	if err == nil {
		t.Fatal("Expected checksum mismatch error")
	}
}

func TestMemoryMultipart(t *testing.T) {
	m := blob.NewMemory()
	ctx := context.Background()

	mp, err := m.CreateMultipart(ctx, "big", 2, 4, 0)
	if err != nil {
		t.Fatalf("CreateMultipart failed: %v", err)
	}
	if len(mp.PartURLs) != 2 {
		t.Fatalf("Expected 2 part URLs, got %d", len(mp.PartURLs))
	}

	etag1, err := m.PutPart(mp.UploadID, 1, []byte("abcd"))
	if err != nil {
		t.Fatalf("PutPart 1 failed: %v", err)
	}
	etag2, err := m.PutPart(mp.UploadID, 2, []byte("ef"))
	if err != nil {
		t.Fatalf("PutPart 2 failed: %v", err)
	}

	parts := []blob.Part{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	}
	if err := m.CompleteMultipart(ctx, "big", mp.UploadID, parts); err != nil {
		t.Fatalf("CompleteMultipart failed: %v", err)
	}

	rc, err := m.Get(ctx, "big")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "abcdef" {
		t.Errorf("Expected assembled parts, got %q", data)
	}

	// The upload is consumed.
	if err := m.CompleteMultipart(ctx, "big", mp.UploadID, parts); err == nil {
		t.Error("Expected an error completing a consumed upload")
	}
}

func TestMemoryMultipartAbort(t *testing.T) {
	m := blob.NewMemory()
	ctx := context.Background()

	mp, err := m.CreateMultipart(ctx, "big", 1, 4, 0)
	if err != nil {
		t.Fatalf("CreateMultipart failed: %v", err)
	}
	if err := m.AbortMultipart(ctx, "big", mp.UploadID); err != nil {
		t.Fatalf("AbortMultipart failed: %v", err)
	}
	if _, err := m.PutPart(mp.UploadID, 1, []byte("x")); err == nil {
		t.Error("Expected an error writing to an aborted upload")
	}
}
