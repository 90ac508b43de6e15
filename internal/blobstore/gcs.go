package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/meridian-hie/conduit/internal/model"
)

const (
	gcsPrefix     = "bodies/"
	gcsDigestKey  = "blake2b-256"
	gcsContentTyp = "application/octet-stream"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket   string
	Endpoint string // optional, e.g. a local emulator
}

// GCS stores each blob as one object under bodies/<uuid>. The digest is
// attached as custom object metadata after the upload completes.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCS creates a storage client using credentials from the environment.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	opts := clientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: create storage client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Create(ctx context.Context) (Upload, error) {
	ref := uuid.NewString()
	obj := g.bucket.Object(gcsPrefix + ref)
	wctx, cancel := context.WithCancel(ctx)
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(wctx)
	w.ContentType = gcsContentTyp
	return &gcsUpload{obj: obj, w: w, cancel: cancel, ref: ref}, nil
}

func (g *GCS) Open(ctx context.Context, ref string) (Download, error) {
	obj := g.bucket.Object(gcsPrefix + ref)
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object attrs: %w", err)
	}
	meta := Meta{Length: attrs.Size}
	if d, ok := attrs.Metadata[gcsDigestKey]; ok {
		meta.Digest, _ = hex.DecodeString(d)
	}

	// Pin the generation so a concurrent overwrite cannot mix two objects.
	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object reader: %w", err)
	}
	return &gcsDownload{Reader: r, meta: meta}, nil
}

func (g *GCS) Delete(ctx context.Context, ref string) error {
	err := g.bucket.Object(gcsPrefix + ref).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return model.ErrNotFound
	}
	return err
}

func (g *GCS) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := g.bucket.Object(gcsPrefix + ref).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type gcsUpload struct {
	obj    *storage.ObjectHandle
	w      *storage.Writer
	cancel context.CancelFunc
	ref    string
}

func (u *gcsUpload) Write(p []byte) (int, error) { return u.w.Write(p) }
func (u *gcsUpload) Ref() string                 { return u.ref }

func (u *gcsUpload) Commit(ctx context.Context, meta Meta) error {
	defer u.cancel()
	if err := u.w.Close(); err != nil {
		return fmt.Errorf("finish upload: %w", err)
	}
	_, err := u.obj.Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{gcsDigestKey: hex.EncodeToString(meta.Digest)},
	})
	if err != nil {
		return fmt.Errorf("record digest: %w", err)
	}
	return nil
}

// Abort cancels the writer's context, which is how an in-flight GCS upload
// is abandoned without creating the object.
func (u *gcsUpload) Abort(context.Context) error {
	u.cancel()
	_ = u.w.Close()
	return nil
}

type gcsDownload struct {
	*storage.Reader
	meta Meta
}

func (d *gcsDownload) Meta() Meta { return d.meta }

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}
