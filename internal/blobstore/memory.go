package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meridian-hie/conduit/internal/model"
)

// Memory is an in-process Backend. It backs unit tests and single-node
// development setups where bodies need not survive a restart.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	data []byte
	meta Meta
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]memBlob)}
}

// Len returns the number of committed blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

func (m *Memory) Create(_ context.Context) (Upload, error) {
	return &memUpload{m: m, ref: uuid.NewString()}, nil
}

func (m *Memory) Open(_ context.Context, ref string) (Download, error) {
	m.mu.RLock()
	b, ok := m.blobs[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return &memDownload{Reader: bytes.NewReader(b.data), meta: b.meta}, nil
}

func (m *Memory) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; !ok {
		return model.ErrNotFound
	}
	delete(m.blobs, ref)
	return nil
}

func (m *Memory) Exists(_ context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[ref]
	return ok, nil
}

type memUpload struct {
	m   *Memory
	ref string
	buf bytes.Buffer
}

func (u *memUpload) Write(p []byte) (int, error) { return u.buf.Write(p) }
func (u *memUpload) Ref() string                 { return u.ref }
func (u *memUpload) Abort(context.Context) error { u.buf.Reset(); return nil }

func (u *memUpload) Commit(_ context.Context, meta Meta) error {
	if int64(u.buf.Len()) != meta.Length {
		return fmt.Errorf("length mismatch: buffered %d, committed %d", u.buf.Len(), meta.Length)
	}
	u.m.mu.Lock()
	u.m.blobs[u.ref] = memBlob{data: bytes.Clone(u.buf.Bytes()), meta: meta}
	u.m.mu.Unlock()
	return nil
}

type memDownload struct {
	*bytes.Reader
	meta Meta
}

func (d *memDownload) Close() error { return nil }
func (d *memDownload) Meta() Meta   { return d.meta }
