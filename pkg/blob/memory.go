package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node evaluation.
// Presigned URLs carry a fake scheme and are only useful for asserting on
// in tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject
	// uploads maps uploadID to buffered parts.
	uploads map[string]map[int64][]byte
	nextID  int
}

type memObject struct {
	data    []byte
	modTime time.Time
}

func NewMemory() *Memory {
	return &Memory{
		objects: map[string]memObject{},
		uploads: map[string]map[int64][]byte{},
	}
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) Stat(ctx context.Context, key string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotExist
	}
	sum := sha256.Sum256(obj.data)
	return &Info{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: obj.modTime,
	}, nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if sha256Hex != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != sha256Hex {
			return fmt.Errorf("checksum mismatch for %s", key)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, modTime: time.Now()}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) SignGet(key string, expire time.Duration) (string, error) {
	return "memory://get/" + key, nil
}

func (m *Memory) SignPut(key string, sha256Hex string, expire time.Duration) (string, error) {
	return "memory://put/" + key, nil
}

func (m *Memory) CreateMultipart(ctx context.Context, key string, parts int, partSize int64, expire time.Duration) (*Multipart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	uploadID := "upload-" + strconv.Itoa(m.nextID)
	m.uploads[uploadID] = map[int64][]byte{}
	mp := &Multipart{UploadID: uploadID, PartURLs: make([]string, 0, parts)}
	for i := 1; i <= parts; i++ {
		mp.PartURLs = append(mp.PartURLs, fmt.Sprintf("memory://part/%s/%s/%d", key, uploadID, i))
	}
	return mp, nil
}

// PutPart simulates a client uploading one part to its presigned URL.
func (m *Memory) PutPart(uploadID string, partNumber int64, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("unknown upload %s", uploadID)
	}
	parts[partNumber] = append([]byte(nil), data...)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (m *Memory) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buffered, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("unknown upload %s", uploadID)
	}
	var data []byte
	for _, p := range parts {
		chunk, ok := buffered[p.PartNumber]
		if !ok {
			return fmt.Errorf("missing part %d of upload %s", p.PartNumber, uploadID)
		}
		sum := sha256.Sum256(chunk)
		if p.ETag != "" && p.ETag != hex.EncodeToString(sum[:]) {
			return fmt.Errorf("etag mismatch on part %d of upload %s", p.PartNumber, uploadID)
		}
		data = append(data, chunk...)
	}
	m.objects[key] = memObject{data: data, modTime: time.Now()}
	delete(m.uploads, uploadID)
	return nil
}

func (m *Memory) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

var _ Store = (*Memory)(nil)
