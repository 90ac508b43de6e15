package blobstore

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/storage"
	"github.com/meridian-hie/conduit/internal/testutil"
)

var (
	pgOnce sync.Once
	pgDB   *storage.DB
)

// pgStore starts one Postgres container for the package on first use; the
// in-memory tests never pay for it.
func pgStore(t *testing.T, chunkSize int) *Store {
	t.Helper()
	pgOnce.Do(func() {
		tc := testutil.MustStartPostgres()
		db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
		if err != nil {
			tc.Terminate()
			t.Fatalf("postgres blob backend: %v", err)
		}
		pgDB = db
	})
	require.NotNil(t, pgDB)
	return New(NewPostgres(pgDB.Pool(), chunkSize), testutil.TestLogger())
}

func TestPostgresBackendChunking(t *testing.T) {
	ctx := context.Background()
	s := pgStore(t, 4)

	payload := bytes.Repeat([]byte("0123456789"), 7) // 70 bytes, 18 chunks
	ref, err := s.Put(ctx, payload)
	require.NoError(t, err)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, ref))
	assert.ErrorIs(t, s.Delete(ctx, ref), model.ErrNotFound)
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgresBackendUncommittedInvisible(t *testing.T) {
	ctx := context.Background()
	s := pgStore(t, 8)

	w, err := s.NewWriter(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte("more than one chunk of data"))
	require.NoError(t, err)

	ok, err := s.Exists(ctx, w.Ref())
	require.NoError(t, err)
	assert.False(t, ok, "chunks without a header are not a blob")

	w.Abort()
	var n int
	require.NoError(t, pgDB.Pool().QueryRow(ctx, `SELECT count(*) FROM blob_chunks WHERE file_id = $1`, w.Ref()).Scan(&n))
	assert.Zero(t, n)
}

func TestPostgresBackendMalformedRef(t *testing.T) {
	s := pgStore(t, 8)
	_, err := s.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
