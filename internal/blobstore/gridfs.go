package blobstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meridian-hie/conduit/internal/model"
)

// GridFSConfig configures the MongoDB GridFS backend.
type GridFSConfig struct {
	URI            string
	Database       string
	Bucket         string
	ChunkSizeBytes int32
}

// GridFS stores blobs in a MongoDB GridFS bucket. Refs are ObjectID hex
// strings; the digest is kept under metadata.digest on the files document.
type GridFS struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

// NewGridFS connects to MongoDB and opens the configured bucket.
func NewGridFS(ctx context.Context, cfg GridFSConfig) (*GridFS, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("blobstore: ping mongodb: %w", err)
	}

	name := cfg.Bucket
	if name == "" {
		name = options.DefaultName
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = gridfs.DefaultChunkSize
	}
	bucket, err := gridfs.NewBucket(client.Database(cfg.Database), options.GridFSBucket().
		SetName(name).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("blobstore: open gridfs bucket: %w", err)
	}
	return &GridFS{client: client, bucket: bucket}, nil
}

// Close disconnects from MongoDB.
func (g *GridFS) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}

func (g *GridFS) Create(_ context.Context) (Upload, error) {
	id := primitive.NewObjectID()
	us, err := g.bucket.OpenUploadStreamWithID(id, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("open upload stream: %w", err)
	}
	return &gridUpload{g: g, id: id, us: us}, nil
}

func (g *GridFS) Open(_ context.Context, ref string) (Download, error) {
	id, err := primitive.ObjectIDFromHex(ref)
	if err != nil {
		return nil, fmt.Errorf("malformed ref: %w", model.ErrNotFound)
	}
	ds, err := g.bucket.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open download stream: %w", err)
	}

	f := ds.GetFile()
	meta := Meta{Length: f.Length}
	if f.Metadata != nil {
		if rv, err := f.Metadata.LookupErr("digest"); err == nil {
			if _, data, ok := rv.BinaryOK(); ok {
				meta.Digest = data
			}
		}
	}
	return &gridDownload{DownloadStream: ds, meta: meta}, nil
}

func (g *GridFS) Delete(ctx context.Context, ref string) error {
	id, err := primitive.ObjectIDFromHex(ref)
	if err != nil {
		return fmt.Errorf("malformed ref: %w", model.ErrNotFound)
	}
	err = g.bucket.DeleteContext(ctx, id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return model.ErrNotFound
	}
	return err
}

func (g *GridFS) Exists(ctx context.Context, ref string) (bool, error) {
	id, err := primitive.ObjectIDFromHex(ref)
	if err != nil {
		return false, nil
	}
	n, err := g.bucket.GetFilesCollection().CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type gridUpload struct {
	g  *GridFS
	id primitive.ObjectID
	us *gridfs.UploadStream
}

func (u *gridUpload) Write(p []byte) (int, error) { return u.us.Write(p) }
func (u *gridUpload) Ref() string                 { return u.id.Hex() }
func (u *gridUpload) Abort(context.Context) error { return u.us.Abort() }

// Commit closes the upload stream, which writes the files document, then
// attaches the digest to it.
func (u *gridUpload) Commit(ctx context.Context, meta Meta) error {
	if err := u.us.Close(); err != nil {
		return fmt.Errorf("close upload stream: %w", err)
	}
	_, err := u.g.bucket.GetFilesCollection().UpdateOne(ctx,
		bson.M{"_id": u.id},
		bson.M{"$set": bson.M{"metadata.digest": meta.Digest}})
	if err != nil {
		return fmt.Errorf("record digest: %w", err)
	}
	return nil
}

type gridDownload struct {
	*gridfs.DownloadStream
	meta Meta
}

func (d *gridDownload) Meta() Meta { return d.meta }
