package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-hie/conduit/internal/model"
)

// Postgres stores blobs as fixed-size chunks in blob_chunks with a header
// row in blob_files. The header is written last, so a blob is only visible
// once all of its chunks are.
type Postgres struct {
	pool      *pgxpool.Pool
	chunkSize int
}

// NewPostgres returns a backend writing chunks of chunkSize bytes.
func NewPostgres(pool *pgxpool.Pool, chunkSize int) *Postgres {
	return &Postgres{pool: pool, chunkSize: chunkSize}
}

func (p *Postgres) Create(ctx context.Context) (Upload, error) {
	return &pgUpload{p: p, ctx: ctx, id: uuid.New(), buf: make([]byte, 0, p.chunkSize)}, nil
}

func (p *Postgres) Open(ctx context.Context, ref string) (Download, error) {
	id, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	d := &pgDownload{p: p, ctx: ctx, id: id}
	err = p.pool.QueryRow(ctx,
		`SELECT length, digest, (SELECT count(*) FROM blob_chunks WHERE file_id = $1)
		 FROM blob_files WHERE id = $1`, id,
	).Scan(&d.meta.Length, &d.meta.Digest, &d.chunks)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob header: %w", err)
	}
	return d, nil
}

func (p *Postgres) Delete(ctx context.Context, ref string) error {
	id, err := parseRef(ref)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM blob_files WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete blob header: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM blob_chunks WHERE file_id = $1`, id); err != nil {
			return fmt.Errorf("delete blob chunks: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Exists(ctx context.Context, ref string) (bool, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return false, nil
	}
	var ok bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blob_files WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func parseRef(ref string) (uuid.UUID, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed ref: %w", model.ErrNotFound)
	}
	return id, nil
}

type pgUpload struct {
	p   *Postgres
	ctx context.Context
	id  uuid.UUID
	buf []byte
	n   int
}

func (u *pgUpload) Ref() string { return u.id.String() }

func (u *pgUpload) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		room := u.p.chunkSize - len(u.buf)
		take := min(room, len(b))
		u.buf = append(u.buf, b[:take]...)
		b = b[take:]
		written += take
		if len(u.buf) == u.p.chunkSize {
			if err := u.flush(u.ctx); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (u *pgUpload) flush(ctx context.Context) error {
	if len(u.buf) == 0 {
		return nil
	}
	if _, err := u.p.pool.Exec(ctx,
		`INSERT INTO blob_chunks (file_id, n, data) VALUES ($1, $2, $3)`, u.id, u.n, u.buf,
	); err != nil {
		return fmt.Errorf("write chunk %d: %w", u.n, err)
	}
	u.n++
	u.buf = u.buf[:0]
	return nil
}

func (u *pgUpload) Commit(ctx context.Context, meta Meta) error {
	if err := u.flush(ctx); err != nil {
		return err
	}
	if _, err := u.p.pool.Exec(ctx,
		`INSERT INTO blob_files (id, length, chunk_size, digest) VALUES ($1, $2, $3, $4)`,
		u.id, meta.Length, u.p.chunkSize, meta.Digest,
	); err != nil {
		return fmt.Errorf("write blob header: %w", err)
	}
	return nil
}

func (u *pgUpload) Abort(ctx context.Context) error {
	u.buf = u.buf[:0]
	if _, err := u.p.pool.Exec(ctx, `DELETE FROM blob_chunks WHERE file_id = $1`, u.id); err != nil {
		return fmt.Errorf("discard chunks: %w", err)
	}
	return nil
}

// pgDownload fetches one chunk at a time so memory stays bounded by chunkSize.
type pgDownload struct {
	p      *Postgres
	ctx    context.Context
	id     uuid.UUID
	meta   Meta
	chunks int
	next   int
	cur    []byte
}

func (d *pgDownload) Meta() Meta { return d.meta }

func (d *pgDownload) Read(b []byte) (int, error) {
	for len(d.cur) == 0 {
		if d.next >= d.chunks {
			return 0, io.EOF
		}
		err := d.p.pool.QueryRow(d.ctx,
			`SELECT data FROM blob_chunks WHERE file_id = $1 AND n = $2`, d.id, d.next,
		).Scan(&d.cur)
		if err != nil {
			return 0, fmt.Errorf("read chunk %d: %w", d.next, err)
		}
		d.next++
	}
	n := copy(b, d.cur)
	d.cur = d.cur[n:]
	return n, nil
}

func (d *pgDownload) Close() error { return nil }
