package blobstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/testutil"
)

var (
	mongoOnce sync.Once
	mongoAddr string
	mongoErr  error
)

func gridFSBackend(t *testing.T) *GridFS {
	t.Helper()
	skipShort(t, "mongodb")
	mongoOnce.Do(func() {
		mongoAddr, mongoErr = startContainer(testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(startupTimeout),
		})
	})
	require.NoError(t, mongoErr, "start mongodb container")

	ctx := context.Background()
	g, err := NewGridFS(ctx, GridFSConfig{
		URI:            "mongodb://" + mongoAddr,
		Database:       "conduit_test",
		Bucket:         "bodies",
		ChunkSizeBytes: 16 * 1024, // several chunks per round-trip payload
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return g
}

func TestGridFSBackend(t *testing.T) {
	g := gridFSBackend(t)
	exerciseBackend(t, g, func(ctx context.Context, ref string) error {
		id, err := primitive.ObjectIDFromHex(ref)
		if err != nil {
			return err
		}
		_, err = g.bucket.GetFilesCollection().UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$set": bson.M{"metadata.digest": []byte("not the digest")}})
		return err
	})
}

func TestGridFSMalformedRef(t *testing.T) {
	g := gridFSBackend(t)
	s := New(g, testutil.TestLogger())
	ctx := context.Background()

	ok, err := s.Exists(ctx, "not-an-object-id")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, "not-an-object-id")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "not-an-object-id"), model.ErrNotFound)
}
