// Package dispatch sends one request to one upstream destination and streams
// the response back. The inbound body is piped out without buffering, and
// the response body can be persisted to the blob store while it is being
// forwarded, with both copies receiving identical bytes in arrival order.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridian-hie/conduit/internal/blobstore"
	"github.com/meridian-hie/conduit/internal/bodyguard"
	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/telemetry"
)

const readChunkSize = 32 * 1024

// ErrClient is returned when the inbound request body could not be read
// while it was being forwarded.
var ErrClient = errors.New("dispatch: client body error")

// Options describes one outbound call.
type Options struct {
	Host    string
	Port    int
	Path    string // may carry a query string
	Method  string
	Headers map[string]string
	Secured bool
	Timeout time.Duration // zero means the dispatcher default

	RequestBodyRequired  bool
	ResponseBodyRequired bool

	// Sink receives the forwarded copy of the response body as it streams.
	// When nil the forwarded copy is buffered into Response.Body.
	Sink io.Writer

	// Budget, when set, caps the persisted copy of the response body. HTTP
	// reruns leave it nil: they persist nothing here, and the rerun ingress
	// applies the budget when it records the replayed transaction.
	Budget *bodyguard.Budget
}

// Hooks are optional callbacks fired at each stage of a dispatch. Each fires
// at most once per call, except ResponseProgress which fires per chunk.
type Hooks struct {
	StartRequest     func(req *http.Request)
	FinishRequest    func(sent int64)
	RequestError     func(err error)
	StartResponse    func(status int, at time.Time)
	ResponseProgress func(chunk []byte, count int, bytes int64)
	StartBlob        func(ref string)
	FinishBlob       func(ref string)
	FinishResponse   func(resp *Response, bytes int64)
	ResponseError    func(err error)
	ClientError      func(err error)
	TimeoutError     func(timeout time.Duration)
	BadOptions       func(err error)
}

// Response is the result of a successful dispatch.
type Response struct {
	Status       int
	Headers      http.Header
	Body         io.ReadCloser // buffered forwarded copy; http.NoBody when Options.Sink was set
	BodyRef      string        // set when the body was persisted
	Bytes        int64
	Timestamp    time.Time
	TimestampEnd time.Time
}

// Dispatcher issues outbound requests.
type Dispatcher struct {
	client         *http.Client
	blobs          *blobstore.Store
	logger         *slog.Logger
	defaultTimeout time.Duration
	tracer         trace.Tracer
	inst           *telemetry.Instruments
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithDefaultTimeout sets the timeout used when Options.Timeout is zero.
func WithDefaultTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.defaultTimeout = t }
}

// WithInstruments records dispatch counters.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(d *Dispatcher) { d.inst = inst }
}

// New creates a Dispatcher. blobs may be nil if no caller asks for the
// response body to be persisted.
func New(blobs *blobstore.Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:         &http.Client{Transport: newTransport()},
		blobs:          blobs,
		logger:         logger,
		defaultTimeout: 60 * time.Second,
		tracer:         telemetry.Tracer("github.com/meridian-hie/conduit/internal/dispatch"),
	}
	for _, o := range opts {
		o(d)
	}
	if d.inst == nil {
		d.inst = telemetry.NewInstruments()
	}
	// Upstream redirects are returned to the caller as-is.
	d.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return d
}

// Dispatch sends body to the destination described by opts and streams the
// response. It either returns a Response or an error, never both; the
// matching hooks fire on the way.
func (d *Dispatcher) Dispatch(ctx context.Context, body io.Reader, opts *Options, hooks Hooks) (*Response, error) {
	if err := d.validate(opts); err != nil {
		if hooks.BadOptions != nil {
			hooks.BadOptions(err)
		}
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	// The deadline covers the whole exchange, body included; expiry cancels
	// the request, which closes the underlying connection.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := buildURL(opts)
	if err != nil {
		if hooks.BadOptions != nil {
			hooks.BadOptions(err)
		}
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", opts.Method),
			attribute.String("server.address", opts.Host),
			attribute.Int("server.port", opts.Port),
		))
	defer span.End()

	resp, err := d.do(ctx, target, body, opts, timeout, hooks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status),
		attribute.Int64("conduit.response.bytes", resp.Bytes),
	)
	return resp, nil
}

func (d *Dispatcher) do(ctx context.Context, target string, body io.Reader, opts *Options, timeout time.Duration, hooks Hooks) (*Response, error) {
	src := &clientBody{r: body}
	var reqBody io.Reader = http.NoBody
	if opts.RequestBodyRequired && body != nil {
		reqBody = src
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, target, reqBody)
	if err != nil {
		if hooks.BadOptions != nil {
			hooks.BadOptions(err)
		}
		return nil, fmt.Errorf("dispatch: build request: %w: %w", model.ErrValidation, err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if hooks.StartRequest != nil {
		hooks.StartRequest(req)
	}
	d.inst.DispatchRequests.Add(ctx, 1)

	res, err := d.client.Do(req)
	if err != nil {
		return nil, d.fail(ctx, err, src, timeout, hooks, hooks.RequestError)
	}
	defer res.Body.Close()
	if hooks.FinishRequest != nil {
		hooks.FinishRequest(src.n)
	}

	out := &Response{Status: res.StatusCode, Headers: res.Header}

	var (
		fan      = newFanout(ctx)
		buffered *bytes.Buffer
		blob     *blobstore.Writer
		blobC    *consumer
	)
	switch {
	case opts.Sink != nil:
		fan.add(opts.Sink)
	default:
		buffered = &bytes.Buffer{}
		fan.add(buffered)
	}
	// A consumer abandoned at the deadline may still be inside Write, so the
	// upload is only discarded once it lets go.
	abortBlob := func() {
		if blob == nil {
			return
		}
		if blobC != nil {
			blobC.after(blob.Abort)
			return
		}
		blob.Abort()
	}

	var (
		count int
		total int64
		buf   = make([]byte, readChunkSize)
	)
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			count++
			total += int64(n)
			if count == 1 {
				out.Timestamp = time.Now().UTC()
				if hooks.StartResponse != nil {
					hooks.StartResponse(out.Status, out.Timestamp)
				}
				if opts.ResponseBodyRequired {
					if blob, err = d.blobs.NewWriter(ctx); err != nil {
						fan.close()
						return nil, d.responseFailed(fmt.Errorf("dispatch: start blob: %w", err), hooks)
					}
					out.BodyRef = blob.Ref()
					if hooks.StartBlob != nil {
						hooks.StartBlob(out.BodyRef)
					}
					var w io.Writer = blob
					if opts.Budget != nil {
						w = opts.Budget.Wrap(blob)
					}
					blobC = fan.add(w)
				}
			}
			if serr := fan.send(chunk); serr != nil {
				// A stalled consumer held the read loop until the deadline.
				fan.close()
				abortBlob()
				return nil, d.fail(ctx, serr, src, timeout, hooks, hooks.ResponseError)
			}
			if hooks.ResponseProgress != nil {
				hooks.ResponseProgress(chunk, count, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			fan.close()
			abortBlob()
			return nil, d.fail(ctx, rerr, src, timeout, hooks, hooks.ResponseError)
		}
	}

	sinkErrs := fan.close()
	if ctx.Err() != nil {
		abortBlob()
		return nil, d.fail(ctx, ctx.Err(), src, timeout, hooks, hooks.ResponseError)
	}
	if sinkErrs[0] != nil {
		abortBlob()
		return nil, d.responseFailed(fmt.Errorf("dispatch: forward response: %w", sinkErrs[0]), hooks)
	}
	if blob != nil {
		if len(sinkErrs) > 1 && sinkErrs[1] != nil {
			abortBlob()
			return nil, d.responseFailed(fmt.Errorf("dispatch: persist response: %w", sinkErrs[1]), hooks)
		}
		if err := blob.Close(); err != nil {
			return nil, d.responseFailed(fmt.Errorf("dispatch: persist response: %w", err), hooks)
		}
		if hooks.FinishBlob != nil {
			hooks.FinishBlob(out.BodyRef)
		}
	}

	out.TimestampEnd = time.Now().UTC()
	if out.Timestamp.IsZero() {
		out.Timestamp = out.TimestampEnd
		if hooks.StartResponse != nil {
			hooks.StartResponse(out.Status, out.Timestamp)
		}
	}
	out.Bytes = total
	if buffered != nil {
		out.Body = io.NopCloser(buffered)
	} else {
		out.Body = http.NoBody
	}
	d.inst.DispatchBytes.Add(ctx, total)
	if hooks.FinishResponse != nil {
		hooks.FinishResponse(out, total)
	}
	return out, nil
}

// fail classifies a transport error. A read failure on the inbound body is a
// client error, an expired deadline is a timeout, and anything else is a
// destination error reported through the stage hook.
func (d *Dispatcher) fail(ctx context.Context, err error, src *clientBody, timeout time.Duration, hooks Hooks, stage func(error)) error {
	switch {
	case src.err != nil:
		wrapped := fmt.Errorf("%w: %w", ErrClient, src.err)
		if hooks.ClientError != nil {
			hooks.ClientError(wrapped)
		}
		return wrapped
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if hooks.TimeoutError != nil {
			hooks.TimeoutError(timeout)
		}
		return fmt.Errorf("dispatch: no response within %s: %w", timeout, model.ErrTimeout)
	default:
		wrapped := fmt.Errorf("dispatch: %w: %w", model.ErrDestination, err)
		if stage != nil {
			stage(wrapped)
		}
		return wrapped
	}
}

func (d *Dispatcher) responseFailed(err error, hooks Hooks) error {
	if hooks.ResponseError != nil {
		hooks.ResponseError(err)
	}
	return err
}

func (d *Dispatcher) validate(opts *Options) error {
	switch {
	case opts == nil:
		return fmt.Errorf("dispatch: %w: options are required", model.ErrValidation)
	case opts.Host == "":
		return fmt.Errorf("dispatch: %w: host is required", model.ErrValidation)
	case opts.Port <= 0 || opts.Port > 65535:
		return fmt.Errorf("dispatch: %w: invalid port %d", model.ErrValidation, opts.Port)
	case opts.Method == "":
		return fmt.Errorf("dispatch: %w: method is required", model.ErrValidation)
	case opts.ResponseBodyRequired && d.blobs == nil:
		return fmt.Errorf("dispatch: %w: response body persistence needs a blob store", model.ErrValidation)
	}
	return nil
}

func buildURL(opts *Options) (string, error) {
	scheme := "http"
	if opts.Secured {
		scheme = "https"
	}
	base := &url.URL{Scheme: scheme, Host: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))}
	path := opts.Path
	if path == "" {
		path = "/"
	}
	u, err := base.Parse(path)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w: path %q: %w", model.ErrValidation, opts.Path, err)
	}
	if u.Host != base.Host {
		return "", fmt.Errorf("dispatch: %w: path %q must be relative", model.ErrValidation, opts.Path)
	}
	return u.String(), nil
}

// clientBody remembers why the inbound body stopped, so a failed upstream
// write can be blamed on the client when it was the client's fault.
type clientBody struct {
	r   io.Reader
	n   int64
	err error
}

func (c *clientBody) Read(p []byte) (int, error) {
	if c.r == nil {
		return 0, io.EOF
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		c.err = err
	}
	return n, err
}
