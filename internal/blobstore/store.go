// Package blobstore keeps request and response bodies out of the transaction
// record. Bodies are streamed into a pluggable backend (Postgres chunk
// tables, MongoDB GridFS or Google Cloud Storage) and referenced from the
// transaction tree by an opaque ref. Every blob records its length and a
// BLAKE2b-256 digest, which downloads verify once the stream is exhausted.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/meridian-hie/conduit/internal/model"
)

// ErrCorrupt is returned by a download whose bytes do not match the length
// or digest recorded at upload.
var ErrCorrupt = errors.New("blobstore: stored blob does not match its digest")

// Meta is recorded alongside each blob when its upload is committed.
type Meta struct {
	Length int64
	Digest []byte
}

// Upload is an in-progress write to a backend. Bytes become visible under
// Ref only after Commit; Abort discards whatever was written.
type Upload interface {
	io.Writer
	Ref() string
	Commit(ctx context.Context, meta Meta) error
	Abort(ctx context.Context) error
}

// Download streams a committed blob.
type Download interface {
	io.ReadCloser
	Meta() Meta
}

// Backend is the storage a Store streams blobs into. Open, Delete and Exists
// report missing blobs with an error wrapping model.ErrNotFound.
type Backend interface {
	Create(ctx context.Context) (Upload, error)
	Open(ctx context.Context, ref string) (Download, error)
	Delete(ctx context.Context, ref string) error
	Exists(ctx context.Context, ref string) (bool, error)
}

// Store is the blob store used by the dispatcher, the rerun path and culling.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a Store over backend.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// Put uploads payload and returns its ref. Accepted shapes are string,
// []byte, []int (each element a byte value) and io.Reader. Anything else, or
// an empty payload, fails with model.ErrInvalidPayload.
func (s *Store) Put(ctx context.Context, payload any) (string, error) {
	var src io.Reader
	switch p := payload.(type) {
	case nil:
		return "", fmt.Errorf("blobstore: put: %w: payload is absent", model.ErrInvalidPayload)
	case string:
		src = strings.NewReader(p)
	case []byte:
		src = bytes.NewReader(p)
	case []int:
		b, err := intsToBytes(p)
		if err != nil {
			return "", err
		}
		src = bytes.NewReader(b)
	case io.Reader:
		if v := reflect.ValueOf(p); v.Kind() == reflect.Pointer && v.IsNil() {
			return "", fmt.Errorf("blobstore: put: %w: payload reader is nil", model.ErrInvalidPayload)
		}
		src = p
	default:
		return "", fmt.Errorf("blobstore: put: %w: unsupported payload type %T", model.ErrInvalidPayload, payload)
	}

	w, err := s.NewWriter(ctx)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Abort()
		return "", fmt.Errorf("blobstore: put: %w", err)
	}
	if w.Len() == 0 {
		w.Abort()
		return "", fmt.Errorf("blobstore: put: %w: payload is empty", model.ErrInvalidPayload)
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return w.Ref(), nil
}

// Get reads the whole blob into memory.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	rc, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", ref, err)
	}
	return data, nil
}

// Open streams a blob. The returned reader fails with ErrCorrupt at EOF if
// the bytes read do not match the recorded length or digest.
func (s *Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if ref == "" {
		return nil, fmt.Errorf("blobstore: open: %w", model.ErrMissingReference)
	}
	d, err := s.backend.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", ref, err)
	}
	h, _ := blake2b.New256(nil)
	return &verifyingReader{d: d, h: h, meta: d.Meta()}, nil
}

// Delete removes a blob. Deleting a ref that no longer exists returns an
// error wrapping model.ErrNotFound; callers that tolerate that check Exists first.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("blobstore: delete: %w", model.ErrMissingReference)
	}
	if err := s.backend.Delete(ctx, ref); err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", ref, err)
	}
	return nil
}

// Exists reports whether ref resolves to a committed blob.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, fmt.Errorf("blobstore: exists: %w", model.ErrMissingReference)
	}
	ok, err := s.backend.Exists(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("blobstore: exists %s: %w", ref, err)
	}
	return ok, nil
}

// NewWriter starts a streaming upload. The ref is known immediately, so the
// dispatcher can announce it before the first byte arrives.
func (s *Store) NewWriter(ctx context.Context) (*Writer, error) {
	up, err := s.backend.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: create: %w", err)
	}
	h, _ := blake2b.New256(nil)
	return &Writer{ctx: ctx, up: up, h: h, logger: s.logger}, nil
}

// Writer is a streaming upload that tracks length and digest as bytes pass through.
type Writer struct {
	ctx    context.Context
	up     Upload
	h      hash.Hash
	n      int64
	done   bool
	logger *slog.Logger
}

// Ref returns the reference the blob will be stored under.
func (w *Writer) Ref() string { return w.up.Ref() }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 { return w.n }

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.up.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Close commits the upload.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.up.Commit(w.ctx, Meta{Length: w.n, Digest: w.h.Sum(nil)}); err != nil {
		return fmt.Errorf("blobstore: commit %s: %w", w.up.Ref(), err)
	}
	return nil
}

// Abort discards the upload. Failures are logged; there is nothing a caller
// could do about a partially written blob that was never committed.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	if err := w.up.Abort(context.WithoutCancel(w.ctx)); err != nil {
		w.logger.Warn("blobstore: abort upload", "ref", w.up.Ref(), "error", err)
	}
}

type verifyingReader struct {
	d    Download
	h    hash.Hash
	n    int64
	meta Meta
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.d.Read(p)
	r.h.Write(p[:n])
	r.n += int64(n)
	if errors.Is(err, io.EOF) {
		if r.n != r.meta.Length {
			return n, fmt.Errorf("%w: read %d bytes, expected %d", ErrCorrupt, r.n, r.meta.Length)
		}
		if len(r.meta.Digest) > 0 && !bytes.Equal(r.h.Sum(nil), r.meta.Digest) {
			return n, ErrCorrupt
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error { return r.d.Close() }

func intsToBytes(in []int) ([]byte, error) {
	out := make([]byte, len(in))
	for i, v := range in {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("blobstore: put: %w: element %d (%d) is not a byte value", model.ErrInvalidPayload, i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
