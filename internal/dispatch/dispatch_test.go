package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/conduit/internal/blobstore"
	"github.com/meridian-hie/conduit/internal/bodyguard"
	"github.com/meridian-hie/conduit/internal/dispatch"
	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/testutil"
)

func newDispatcher(t *testing.T) (*dispatch.Dispatcher, *blobstore.Store) {
	t.Helper()
	blobs := blobstore.New(blobstore.NewMemory(), testutil.TestLogger())
	return dispatch.New(blobs, testutil.TestLogger(), dispatch.WithDefaultTimeout(5*time.Second)), blobs
}

func optionsFor(t *testing.T, srv *httptest.Server, method, path string) *dispatch.Options {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &dispatch.Options{Host: u.Hostname(), Port: port, Path: path, Method: method}
}

func TestDispatchTeesResponseIntoSinkAndBlob(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "AB")
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, "C")
	}))
	defer srv.Close()

	d, blobs := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodGet, "/results")
	opts.ResponseBodyRequired = true
	var sink bytes.Buffer
	opts.Sink = &sink

	var (
		progressBytes []int64
		startedRef    string
		finishedRef   string
		finishCalls   int
		startCalls    int
	)
	hooks := dispatch.Hooks{
		StartResponse:    func(int, time.Time) { startCalls++ },
		ResponseProgress: func(_ []byte, _ int, n int64) { progressBytes = append(progressBytes, n) },
		StartBlob:        func(ref string) { startedRef = ref },
		FinishBlob:       func(ref string) { finishedRef = ref },
		FinishResponse:   func(_ *dispatch.Response, _ int64) { finishCalls++ },
	}

	resp, err := d.Dispatch(context.Background(), nil, opts, hooks)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "ABC", sink.String())
	assert.Equal(t, int64(3), resp.Bytes)
	require.NotEmpty(t, resp.BodyRef)
	assert.Equal(t, resp.BodyRef, startedRef)
	assert.Equal(t, resp.BodyRef, finishedRef)
	assert.Equal(t, 1, startCalls)
	assert.Equal(t, 1, finishCalls)
	require.NotEmpty(t, progressBytes)
	assert.Equal(t, int64(3), progressBytes[len(progressBytes)-1])
	assert.False(t, resp.Timestamp.After(resp.TimestampEnd))

	persisted, err := blobs.Get(context.Background(), resp.BodyRef)
	require.NoError(t, err)
	assert.Equal(t, sink.Bytes(), persisted)
}

func TestDispatchBuffersWithoutSink(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	d, _ := newDispatcher(t)
	resp, err := d.Dispatch(context.Background(), nil, optionsFor(t, srv, http.MethodGet, "/"), dispatch.Hooks{})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Empty(t, resp.BodyRef, "not persisted unless required")
}

func TestDispatchNilOptions(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	d, _ := newDispatcher(t)
	var badOptions int
	resp, err := d.Dispatch(context.Background(), strings.NewReader("x"), nil, dispatch.Hooks{
		BadOptions:   func(error) { badOptions++ },
		StartRequest: func(*http.Request) { t.Error("request must not start") },
	})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, 1, badOptions)
	assert.Zero(t, hits.Load())
}

func TestDispatchRejectsIncompleteOptions(t *testing.T) {
	t.Parallel()
	d := dispatch.New(nil, testutil.TestLogger())
	tests := []struct {
		name string
		opts dispatch.Options
	}{
		{"no host", dispatch.Options{Port: 80, Method: "GET"}},
		{"no port", dispatch.Options{Host: "h", Method: "GET"}},
		{"no method", dispatch.Options{Host: "h", Port: 80}},
		{"absolute path", dispatch.Options{Host: "h", Port: 80, Method: "GET", Path: "http://elsewhere/x"}},
		{"persist without store", dispatch.Options{Host: "h", Port: 80, Method: "GET", ResponseBodyRequired: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fired bool
			_, err := d.Dispatch(context.Background(), nil, &tt.opts, dispatch.Hooks{BadOptions: func(error) { fired = true }})
			assert.ErrorIs(t, err, model.ErrValidation)
			assert.True(t, fired)
		})
	}
}

func TestDispatchForwardsRequest(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Client", r.Header.Get("clientID"))
		w.Header().Set("X-Seen-Query", r.URL.RawQuery)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodPost, "/fhir/Observation?_format=json")
	opts.Headers = map[string]string{"clientID": "lab-1"}
	opts.RequestBodyRequired = true

	var sent int64
	resp, err := d.Dispatch(context.Background(), strings.NewReader(`{"status":"final"}`), opts, dispatch.Hooks{
		FinishRequest: func(n int64) { sent = n },
	})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"status":"final"}`, string(body))
	assert.Equal(t, "lab-1", resp.Headers.Get("X-Seen-Client"))
	assert.Equal(t, "_format=json", resp.Headers.Get("X-Seen-Query"))
	assert.Equal(t, int64(len(`{"status":"final"}`)), sent)
}

func TestDispatchSkipsBodyWhenNotRequired(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, strconv.Itoa(len(body)))
	}))
	defer srv.Close()

	d, _ := newDispatcher(t)
	resp, err := d.Dispatch(context.Background(), strings.NewReader("ignored"), optionsFor(t, srv, http.MethodGet, "/"), dispatch.Hooks{})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "0", string(body))
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d, _ := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodGet, "/slow")
	opts.Timeout = 50 * time.Millisecond

	var timedOut, requestErr int
	start := time.Now()
	_, err := d.Dispatch(context.Background(), nil, opts, dispatch.Hooks{
		TimeoutError: func(time.Duration) { timedOut++ },
		RequestError: func(error) { requestErr++ },
	})
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.Equal(t, 1, timedOut)
	assert.Zero(t, requestErr)
	assert.Less(t, time.Since(start), time.Second, "timeout must not wait for the destination")
}

func TestDispatchTimeoutMidBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	d, blobs := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodGet, "/")
	opts.Timeout = 100 * time.Millisecond
	opts.ResponseBodyRequired = true

	var ref string
	_, err := d.Dispatch(context.Background(), nil, opts, dispatch.Hooks{StartBlob: func(r string) { ref = r }})
	assert.ErrorIs(t, err, model.ErrTimeout)
	require.NotEmpty(t, ref)
	ok, err := blobs.Exists(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, ok, "aborted upload must not be committed")
}

// stalledSink blocks every Write until release is closed.
type stalledSink struct {
	release chan struct{}
}

func (s stalledSink) Write(p []byte) (int, error) {
	<-s.release
	return len(p), nil
}

func TestDispatchTimeoutWithStalledSink(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 4<<20))
	}))
	defer srv.Close()

	d, blobs := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodGet, "/large")
	opts.Timeout = 200 * time.Millisecond
	opts.ResponseBodyRequired = true
	sink := stalledSink{release: make(chan struct{})}
	opts.Sink = sink

	var (
		ref      string
		timedOut int
	)
	start := time.Now()
	_, err := d.Dispatch(context.Background(), nil, opts, dispatch.Hooks{
		StartBlob:    func(r string) { ref = r },
		TimeoutError: func(time.Duration) { timedOut++ },
	})
	elapsed := time.Since(start)
	close(sink.release)

	require.ErrorIs(t, err, model.ErrTimeout)
	assert.Equal(t, 1, timedOut)
	assert.Less(t, elapsed, 2*time.Second, "a stalled sink must not outlast the timeout")
	require.NotEmpty(t, ref)
	assert.Never(t, func() bool {
		ok, err := blobs.Exists(context.Background(), ref)
		return err != nil || ok
	}, 300*time.Millisecond, 20*time.Millisecond, "timed-out upload must not be committed")
}

func TestDispatchConnectionRefused(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	d, _ := newDispatcher(t)
	var reqErr error
	_, err = d.Dispatch(context.Background(), nil,
		&dispatch.Options{Host: "127.0.0.1", Port: port, Method: http.MethodGet, Path: "/"},
		dispatch.Hooks{RequestError: func(e error) { reqErr = e }})
	assert.ErrorIs(t, err, model.ErrDestination)
	assert.ErrorIs(t, reqErr, model.ErrDestination)
}

type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, "MSH|"), nil
	}
	return 0, errors.New("client hung up")
}

func TestDispatchClientBodyError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodPost, "/")
	opts.RequestBodyRequired = true

	var clientErr error
	_, err := d.Dispatch(context.Background(), &failingReader{}, opts, dispatch.Hooks{
		ClientError: func(e error) { clientErr = e },
	})
	assert.ErrorIs(t, err, dispatch.ErrClient)
	assert.ErrorIs(t, clientErr, dispatch.ErrClient)
}

func TestDispatchBudgetCapsPersistedCopyOnly(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ABCDEF")
	}))
	defer srv.Close()

	d, blobs := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodGet, "/")
	opts.ResponseBodyRequired = true
	opts.Budget = bodyguard.NewBudget(2, "[cut]")
	var sink bytes.Buffer
	opts.Sink = &sink

	resp, err := d.Dispatch(context.Background(), nil, opts, dispatch.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", sink.String())
	assert.True(t, opts.Budget.Truncated())

	persisted, err := blobs.Get(context.Background(), resp.BodyRef)
	require.NoError(t, err)
	assert.Equal(t, "AB[cut]", string(persisted))
}

func TestDispatchEmptyBodyHasNoBlob(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, _ := newDispatcher(t)
	opts := optionsFor(t, srv, http.MethodDelete, "/")
	opts.ResponseBodyRequired = true
	var started int
	resp, err := d.Dispatch(context.Background(), nil, opts, dispatch.Hooks{StartResponse: func(int, time.Time) { started++ }})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Empty(t, resp.BodyRef)
	assert.Equal(t, 1, started)
	assert.False(t, resp.Timestamp.IsZero())
}
