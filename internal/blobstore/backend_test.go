package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/testutil"
)

// startContainer runs image and returns host:port for its exposed port.
// The container lives until the test binary exits.
func startContainer(req testcontainers.ContainerRequest) (string, error) {
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, req.ExposedPorts[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

// corruptDigest overwrites the digest recorded for ref.
type corruptDigest func(ctx context.Context, ref string) error

// exerciseBackend checks the behaviour every Backend must share: committed
// blobs read back byte for byte, missing refs report model.ErrNotFound, an
// aborted upload never becomes visible and the digest recorded at commit is
// verified on read.
func exerciseBackend(t *testing.T, backend Backend, corrupt corruptDigest) {
	t.Helper()
	ctx := context.Background()
	s := New(backend, testutil.TestLogger())

	t.Run("round trip", func(t *testing.T) {
		payload := bytes.Repeat([]byte("OBX|1|TX|glucose|"), 4096)
		ref, err := s.Put(ctx, payload)
		require.NoError(t, err)

		got, err := s.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		ok, err := s.Exists(ctx, ref)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, ref))
		ok, err = s.Exists(ctx, ref)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing ref", func(t *testing.T) {
		w, err := s.NewWriter(ctx)
		require.NoError(t, err)
		ref := w.Ref()
		w.Abort()

		_, err = s.Get(ctx, ref)
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, ref), model.ErrNotFound)
		ok, err := s.Exists(ctx, ref)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("aborted upload is invisible", func(t *testing.T) {
		w, err := s.NewWriter(ctx)
		require.NoError(t, err)
		_, err = w.Write([]byte("MSH|^~\\&|partial"))
		require.NoError(t, err)
		w.Abort()

		ok, err := s.Exists(ctx, w.Ref())
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = s.Get(ctx, w.Ref())
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("digest recorded at commit", func(t *testing.T) {
		ref, err := s.Put(ctx, `{"resourceType":"Observation"}`)
		require.NoError(t, err)
		require.NoError(t, corrupt(ctx, ref))

		_, err = s.Get(ctx, ref)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func skipShort(t *testing.T, what string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("%s container tests skipped in -short mode", what)
	}
}

const startupTimeout = 60 * time.Second
