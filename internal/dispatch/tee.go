package dispatch

import (
	"context"
	"io"
)

// consumerDepth bounds how many chunks may queue for a slow consumer before
// the reader stalls, which keeps memory at a small multiple of the chunk size.
const consumerDepth = 8

// consumer drains chunks into w on its own goroutine. After a write error or
// once ctx is done it stops writing but keeps draining, so the producer never
// blocks on a dead sink. finished is closed when the goroutine exits.
type consumer struct {
	chunks   chan []byte
	finished chan struct{}
	err      error
}

func startConsumer(ctx context.Context, w io.Writer) *consumer {
	c := &consumer{
		chunks:   make(chan []byte, consumerDepth),
		finished: make(chan struct{}),
	}
	go func() {
		defer close(c.finished)
		for chunk := range c.chunks {
			if c.err != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				c.err = err
				continue
			}
			_, c.err = w.Write(chunk)
		}
	}()
	return c
}

// fanout delivers every chunk to each consumer exactly once, in order. A
// consumer stuck in Write never holds the producer past ctx.
type fanout struct {
	ctx       context.Context
	consumers []*consumer
}

func newFanout(ctx context.Context) *fanout {
	return &fanout{ctx: ctx}
}

func (f *fanout) add(w io.Writer) *consumer {
	c := startConsumer(f.ctx, w)
	f.consumers = append(f.consumers, c)
	return c
}

// send hands each consumer its own copy of chunk, since the caller reuses
// its read buffer. It returns ctx's error if a consumer's queue is still
// full when ctx ends.
func (f *fanout) send(chunk []byte) error {
	for _, c := range f.consumers {
		select {
		case c.chunks <- append([]byte(nil), chunk...):
		case <-f.ctx.Done():
			return f.ctx.Err()
		}
	}
	return nil
}

// close ends every stream and waits for each consumer to finish, returning
// the errors in consumer order. A consumer still writing when ctx ends is
// abandoned and reported with ctx's error.
func (f *fanout) close() []error {
	for _, c := range f.consumers {
		close(c.chunks)
	}
	errs := make([]error, len(f.consumers))
	for i, c := range f.consumers {
		select {
		case <-c.finished:
			errs[i] = c.err
			continue
		default:
		}
		select {
		case <-c.finished:
			errs[i] = c.err
		case <-f.ctx.Done():
			errs[i] = f.ctx.Err()
		}
	}
	f.consumers = nil
	return errs
}

// after runs fn once c has stopped touching its writer.
func (c *consumer) after(fn func()) {
	go func() {
		<-c.finished
		fn()
	}()
}
