package rerun_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/conduit/internal/auth"
	"github.com/meridian-hie/conduit/internal/blobstore"
	"github.com/meridian-hie/conduit/internal/dispatch"
	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/rerun"
	"github.com/meridian-hie/conduit/internal/testutil"
)

// replayStore captures what the socket path writes.
type replayStore struct {
	mu        sync.Mutex
	created   []model.Transaction
	children  map[uuid.UUID][]uuid.UUID
	reruns    map[uuid.UUID]uuid.UUID
	statuses  map[uuid.UUID]model.TransactionStatus
	notReplay []uuid.UUID
}

func newReplayStore() *replayStore {
	return &replayStore{
		children: make(map[uuid.UUID][]uuid.UUID),
		reruns:   make(map[uuid.UUID]uuid.UUID),
		statuses: make(map[uuid.UUID]model.TransactionStatus),
	}
}

func (s *replayStore) CreateTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, *tx)
	return nil
}

func (s *replayStore) AppendChild(_ context.Context, originalID, childID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[originalID] = append(s.children[originalID], childID)
	return nil
}

func (s *replayStore) RecordRerun(_ context.Context, _, tid, rerunID uuid.UUID, st model.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reruns[tid] = rerunID
	s.statuses[tid] = st
	return nil
}

func (s *replayStore) MarkNotReplayable(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notReplay = append(s.notReplay, id)
	return nil
}

func hostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newRerunner(t *testing.T, cfg rerun.RerunnerConfig, store rerun.ReplayStore, blobs *blobstore.Store, tokens rerun.TokenIssuer) *rerun.Rerunner {
	t.Helper()
	logger := testutil.TestLogger()
	return rerun.NewRerunner(cfg, store, blobs, dispatch.New(blobs, logger), tokens, logger)
}

func TestRerunHTTPForwardsToIngress(t *testing.T) {
	t.Parallel()
	tokens, err := auth.NewJWTManager("", "", time.Minute)
	require.NoError(t, err)

	type seen struct {
		method, path, query, body string
		header                    http.Header
		verifyErr                 error
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, verr := tokens.VerifyRerunRequest(r)
		got <- seen{r.Method, r.URL.Path, r.URL.RawQuery, string(b), r.Header.Clone(), verr}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "recorded")
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	blobs := blobstore.New(blobstore.NewMemory(), testutil.TestLogger())
	ref, err := blobs.Put(context.Background(), `{"resourceType":"Patient"}`)
	require.NoError(t, err)

	ch := model.Channel{ID: uuid.New(), Type: model.ChannelTypeHTTP}
	tx := model.NewTransaction(ch.ID, "emr-client")
	tx.Request = &model.Request{
		Path:        "/fhir/Patient",
		Querystring: "active=true",
		Method:      http.MethodPost,
		Headers:     map[string]string{"Content-Type": "application/fhir+json"},
		BodyRef:     ref,
	}
	taskID := uuid.New()

	r := newRerunner(t, rerun.RerunnerConfig{Host: host, Port: port}, newReplayStore(), blobs, tokens)
	require.NoError(t, r.RerunHTTP(context.Background(), taskID, tx, ch))

	s := <-got
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "/fhir/Patient", s.path)
	assert.Equal(t, "active=true", s.query)
	assert.Equal(t, `{"resourceType":"Patient"}`, s.body)
	assert.Equal(t, "application/fhir+json", s.header.Get("Content-Type"))
	assert.Equal(t, "emr-client", s.header.Get(rerun.HeaderClientID))
	assert.Equal(t, tx.ID.String(), s.header.Get(rerun.HeaderParentID))
	assert.Equal(t, taskID.String(), s.header.Get(rerun.HeaderTaskID))
	assert.NoError(t, s.verifyErr, "the bearer token matches the correlation headers")
}

func TestRerunHTTPDestinationDown(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	ch := model.Channel{ID: uuid.New(), Type: model.ChannelTypeHTTP}
	tx := model.NewTransaction(ch.ID, "emr")
	tx.Request = &model.Request{Path: "/", Method: http.MethodGet}

	r := newRerunner(t, rerun.RerunnerConfig{Host: "127.0.0.1", Port: addr.Port}, newReplayStore(), nil, nil)
	err = r.RerunHTTP(context.Background(), uuid.New(), tx, ch)
	require.ErrorIs(t, err, model.ErrDestination)
}

func TestRerunHTTPWithoutRequest(t *testing.T) {
	t.Parallel()
	r := newRerunner(t, rerun.RerunnerConfig{Host: "localhost", Port: 1}, newReplayStore(), nil, nil)
	err := r.RerunHTTP(context.Background(), uuid.New(), model.NewTransaction(uuid.New(), "emr"), model.Channel{})
	require.ErrorIs(t, err, model.ErrNotReplayable)
}

// serveOnce accepts one connection, reads the request to EOF and replies
// with reply(request).
func serveOnce(t *testing.T, reply func([]byte) []byte) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, _ := io.ReadAll(conn)
		if out := reply(req); out != nil {
			_, _ = conn.Write(out)
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestRerunSocketRecordsReplay(t *testing.T) {
	t.Parallel()
	host, port := serveOnce(t, func(req []byte) []byte { return append([]byte("ACK|"), req...) })

	ch := model.Channel{ID: uuid.New(), Type: model.ChannelTypeTCP, TCPHost: host, TCPPort: port}
	tx := model.NewTransaction(ch.ID, "lab")
	tx.Request = &model.Request{Body: "MSH|^~\\&|LAB", Timestamp: time.Now().UTC()}
	taskID := uuid.New()

	store := newReplayStore()
	blobs := blobstore.New(blobstore.NewMemory(), testutil.TestLogger())
	r := newRerunner(t, rerun.RerunnerConfig{}, store, blobs, nil)
	require.NoError(t, r.RerunSocket(context.Background(), taskID, tx, ch))

	require.Len(t, store.created, 1)
	child := store.created[0]
	require.NotNil(t, child.ParentID)
	assert.Equal(t, tx.ID, *child.ParentID)
	assert.Equal(t, model.TransactionStatusSuccessful, child.Status)
	assert.Equal(t, []uuid.UUID{child.ID}, store.children[tx.ID])
	assert.Equal(t, child.ID, store.reruns[tx.ID])
	assert.Equal(t, model.TransactionStatusSuccessful, store.statuses[tx.ID])
	assert.Empty(t, store.notReplay)

	require.NotEmpty(t, child.Response.BodyRef, "bodies go to the blob store")
	body, err := blobs.Get(context.Background(), child.Response.BodyRef)
	require.NoError(t, err)
	assert.Equal(t, "ACK|MSH|^~\\&|LAB", string(body))
}

func TestRerunSocketTruncatesOversizedReply(t *testing.T) {
	t.Parallel()
	host, port := serveOnce(t, func([]byte) []byte { return []byte("0123456789") })

	ch := model.Channel{ID: uuid.New(), Type: model.ChannelTypeTCP, TCPHost: host, TCPPort: port}
	tx := model.NewTransaction(ch.ID, "lab")
	tx.Request = &model.Request{Body: "ping"}

	store := newReplayStore()
	r := newRerunner(t, rerun.RerunnerConfig{MaxBodyBytes: 8, TruncateAppend: "[cut]"}, store, nil, nil)
	require.NoError(t, r.RerunSocket(context.Background(), uuid.New(), tx, ch))

	require.Len(t, store.created, 1)
	assert.Equal(t, "ping", store.created[0].Request.Body)
	assert.Equal(t, "0123[cut]", store.created[0].Response.Body)
	assert.Equal(t, []uuid.UUID{store.created[0].ID}, store.notReplay)
}

func TestRerunSocketTruncatesOversizedRequest(t *testing.T) {
	t.Parallel()
	received := make(chan []byte, 1)
	host, port := serveOnce(t, func(in []byte) []byte {
		received <- in
		return []byte("ok")
	})

	ch := model.Channel{ID: uuid.New(), Type: model.ChannelTypeTCP, TCPHost: host, TCPPort: port}
	tx := model.NewTransaction(ch.ID, "lab")
	tx.Request = &model.Request{Body: "0123456789ABCDEF"}

	store := newReplayStore()
	r := newRerunner(t, rerun.RerunnerConfig{MaxBodyBytes: 4, TruncateAppend: "[cut]"}, store, nil, nil)
	require.NoError(t, r.RerunSocket(context.Background(), uuid.New(), tx, ch))

	require.Len(t, store.created, 1)
	assert.Equal(t, "0123456789ABCDEF", string(<-received), "listener gets the whole payload")
	assert.Equal(t, "0123[cut]", store.created[0].Request.Body)
	assert.Equal(t, "[cut]", store.created[0].Response.Body)
	assert.Equal(t, []uuid.UUID{store.created[0].ID}, store.notReplay)
}

func TestRerunSocketTimeout(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.ReadAll(conn)
		time.Sleep(2 * time.Second)
	}()

	timeout := 100
	ch := model.Channel{
		ID: uuid.New(), Type: model.ChannelTypeTCP,
		TCPHost: "127.0.0.1", TCPPort: l.Addr().(*net.TCPAddr).Port,
		TimeoutMillis: &timeout,
	}
	tx := model.NewTransaction(ch.ID, "lab")
	tx.Request = &model.Request{Body: "ping"}

	store := newReplayStore()
	r := newRerunner(t, rerun.RerunnerConfig{}, store, nil, nil)
	err = r.RerunSocket(context.Background(), uuid.New(), tx, ch)
	require.ErrorIs(t, err, model.ErrTimeout)
	assert.Empty(t, store.created)
}

func TestRerunSocketNeedsListener(t *testing.T) {
	t.Parallel()
	tx := model.NewTransaction(uuid.New(), "lab")
	tx.Request = &model.Request{Body: "ping"}
	r := newRerunner(t, rerun.RerunnerConfig{}, newReplayStore(), nil, nil)
	err := r.RerunSocket(context.Background(), uuid.New(), tx, model.Channel{Type: model.ChannelTypeTLS})
	require.ErrorIs(t, err, model.ErrValidation)
}
