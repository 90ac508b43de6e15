// Package culling deletes body blobs that have outlived their channel's
// retention policy and strips the references to them from transactions.
// Transaction metadata is never removed.
package culling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-hie/conduit/internal/blobstore"
	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/storage"
	"github.com/meridian-hie/conduit/internal/telemetry"
)

const (
	defaultPageSize    = 500
	defaultParallelism = 8
)

// Store is the channel and transaction persistence a culling pass uses.
type Store interface {
	ListCullableChannels(ctx context.Context) ([]model.Channel, error)
	ListCullCandidates(ctx context.Context, w storage.CullWindow, cursor storage.CullCursor, limit int) ([]model.Transaction, []time.Time, error)
	ReplaceExchanges(ctx context.Context, updates map[uuid.UUID]model.Exchange) (int64, error)
	SetLastBodyCulledAt(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Blobs deletes body blobs. *blobstore.Store satisfies it.
type Blobs interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

var _ Blobs = (*blobstore.Store)(nil)

// Result summarizes one pass.
type Result struct {
	Channels     int
	Transactions int64
	Blobs        int64
}

// Culler runs culling passes.
type Culler struct {
	store       Store
	blobs       Blobs
	logger      *slog.Logger
	inst        *telemetry.Instruments
	pageSize    int
	parallelism int
	now         func() time.Time
}

// Option configures a Culler.
type Option func(*Culler)

// WithPageSize sets how many transactions are stripped per update.
func WithPageSize(n int) Option {
	return func(c *Culler) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithParallelism bounds concurrent blob deletions.
func WithParallelism(n int) Option {
	return func(c *Culler) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithClock overrides the pass clock.
func WithClock(now func() time.Time) Option {
	return func(c *Culler) { c.now = now }
}

// New creates a Culler.
func New(store Store, blobs Blobs, logger *slog.Logger, inst *telemetry.Instruments, opts ...Option) *Culler {
	c := &Culler{
		store:       store,
		blobs:       blobs,
		logger:      logger,
		inst:        inst,
		pageSize:    defaultPageSize,
		parallelism: defaultParallelism,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Window returns the transactions a pass at now may cull on ch: requests at
// or before now minus the retention, and newer than the cutoff of the
// previous pass on the channel.
func Window(ch model.Channel, now time.Time) storage.CullWindow {
	retention := time.Duration(*ch.MaxBodyAgeDays) * 24 * time.Hour
	w := storage.CullWindow{ChannelID: ch.ID, UpTo: now.Add(-retention)}
	if ch.LastBodyCulledAt != nil {
		after := ch.LastBodyCulledAt.Add(-retention)
		w.After = &after
	}
	return w
}

// CullBodies runs one pass over every channel with a retention policy. A
// failing channel is logged and skipped; its errors are returned joined once
// all channels have been visited.
func (c *Culler) CullBodies(ctx context.Context) (Result, error) {
	channels, err := c.store.ListCullableChannels(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("culling: list channels: %w", err)
	}

	var (
		res  Result
		errs []error
	)
	for _, ch := range channels {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if ch.MaxBodyAgeDays == nil || *ch.MaxBodyAgeDays < 0 {
			continue
		}
		now := c.now()
		txs, blobs, err := c.cullChannel(ctx, ch, Window(ch, now))
		res.Transactions += txs
		res.Blobs += blobs
		if err != nil {
			c.logger.Error("culling: channel failed", "channel_id", ch.ID, "channel", ch.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := c.store.SetLastBodyCulledAt(ctx, ch.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("culling: channel %s: %w", ch.ID, err))
			continue
		}
		res.Channels++
		if txs > 0 {
			c.logger.Info("culling: channel culled",
				"channel_id", ch.ID, "channel", ch.Name, "transactions", txs, "blobs", blobs)
		}
	}
	return res, errors.Join(errs...)
}

func (c *Culler) cullChannel(ctx context.Context, ch model.Channel, w storage.CullWindow) (txs, blobs int64, err error) {
	var cursor storage.CullCursor
	for {
		page, stamps, err := c.store.ListCullCandidates(ctx, w, cursor, c.pageSize)
		if err != nil {
			return txs, blobs, fmt.Errorf("culling: channel %s: %w", ch.ID, err)
		}
		if len(page) == 0 {
			return txs, blobs, nil
		}

		updates := make(map[uuid.UUID]model.Exchange, len(page))
		var refs []string
		for i := range page {
			refs = append(refs, blobstore.StripRefs(&page[i].Exchange)...)
			updates[page[i].ID] = page[i].Exchange
		}
		blobs += c.deleteBlobs(ctx, refs)

		n, err := c.store.ReplaceExchanges(ctx, updates)
		if err != nil {
			return txs, blobs, fmt.Errorf("culling: channel %s: %w", ch.ID, err)
		}
		txs += n
		c.inst.TransactionsCulled.Add(ctx, n)

		last := len(page) - 1
		cursor = storage.CullCursor{Timestamp: stamps[last], ID: page[last].ID}
		if len(page) < c.pageSize {
			return txs, blobs, nil
		}
	}
}

// deleteBlobs removes refs concurrently and returns how many were deleted.
// Failures are logged, never returned: the refs are stripped either way.
func (c *Culler) deleteBlobs(ctx context.Context, refs []string) int64 {
	if len(refs) == 0 {
		return 0
	}
	var (
		g       errgroup.Group
		deleted = make([]bool, len(refs))
	)
	g.SetLimit(c.parallelism)
	for i, ref := range refs {
		g.Go(func() error {
			ok, err := c.blobs.Exists(ctx, ref)
			if err == nil && !ok {
				c.logger.Debug("culling: blob already gone", "ref", ref)
				return nil
			}
			if err := c.blobs.Delete(ctx, ref); err != nil {
				if errors.Is(err, model.ErrNotFound) {
					c.logger.Debug("culling: blob already gone", "ref", ref)
				} else {
					c.logger.Warn("culling: delete blob failed", "ref", ref, "error", err)
				}
				return nil
			}
			deleted[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var n int64
	for _, d := range deleted {
		if d {
			n++
		}
	}
	c.inst.BlobsCulled.Add(ctx, n)
	return n
}
