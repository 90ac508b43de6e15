// Package bodyguard caps the total number of body bytes retained for one
// transaction. Every body recorded for a transaction draws from a single
// Budget; once it is exhausted further bytes are dropped, the truncation
// marker is appended to the body that overflowed, and the transaction must
// be flagged as not replayable.
package bodyguard

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Budget is the per-transaction byte allowance shared by all of its bodies.
// It is safe for concurrent use.
type Budget struct {
	mu        sync.Mutex
	max       int64
	used      int64
	marker    string
	truncated bool
}

// NewBudget returns a budget of max bytes. marker is appended to each body
// that gets cut short.
func NewBudget(max int64, marker string) *Budget {
	return &Budget{max: max, marker: marker}
}

// take reserves up to n bytes and returns how many were granted.
func (b *Budget) take(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	grant := min(int64(n), b.max-b.used)
	if grant < 0 {
		grant = 0
	}
	b.used += grant
	if grant < int64(n) {
		b.truncated = true
	}
	return int(grant)
}

// Truncated reports whether any body drawing on this budget was cut.
func (b *Budget) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Used returns the number of body bytes retained so far.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Limit applies the budget to an already materialized body.
func (b *Budget) Limit(body string) (string, bool) {
	n := b.take(len(body))
	if n == len(body) {
		return body, false
	}
	return body[:n] + b.marker, true
}

// Writer forwards bytes to the underlying writer until the budget runs out,
// then writes the marker once and silently drops the rest. It never reports
// the dropped bytes as an error so an upstream copy keeps draining.
type Writer struct {
	b      *Budget
	w      io.Writer
	capped bool
}

// Wrap returns a Writer that draws on b.
func (b *Budget) Wrap(w io.Writer) *Writer {
	return &Writer{b: b, w: w}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.capped {
		return len(p), nil
	}
	n := w.b.take(len(p))
	if n > 0 {
		if _, err := w.w.Write(p[:n]); err != nil {
			return 0, err
		}
	}
	if n < len(p) {
		w.capped = true
		if _, err := io.WriteString(w.w, w.b.marker); err != nil {
			return n, err
		}
	}
	return len(p), nil
}

// Capped reports whether this particular body was truncated.
func (w *Writer) Capped() bool { return w.capped }

// Marker is the persistence hook used to flag a transaction after truncation.
type Marker interface {
	MarkNotReplayable(ctx context.Context, id uuid.UUID) error
}

// Enforce flags transaction id as not replayable if the budget truncated
// anything. It never clears the flag.
func Enforce(ctx context.Context, m Marker, id uuid.UUID, b *Budget) error {
	if !b.Truncated() {
		return nil
	}
	if err := m.MarkNotReplayable(ctx, id); err != nil {
		return fmt.Errorf("bodyguard: flag %s: %w", id, err)
	}
	return nil
}
