package rerun

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hie/conduit/internal/blobstore"
	"github.com/meridian-hie/conduit/internal/bodyguard"
	"github.com/meridian-hie/conduit/internal/dispatch"
	"github.com/meridian-hie/conduit/internal/model"
)

// Correlation headers injected on HTTP reruns. The ingress uses them to link
// the replay to the original transaction and task.
const (
	HeaderClientID = "clientID"
	HeaderParentID = "parentID"
	HeaderTaskID   = "taskID"
)

// Bookkeeper records the outcome of a rerun against the original transaction
// and the task entry that asked for it.
type Bookkeeper interface {
	AppendChild(ctx context.Context, originalID, childID uuid.UUID) error
	RecordRerun(ctx context.Context, taskID, tid, rerunID uuid.UUID, rerunStatus model.TransactionStatus) error
}

// RecordRerun links child to originalID and stores the rerun id and status on
// the task entry. The HTTP ingress calls this when it records a replay; the
// socket path calls it directly because it bypasses the ingress.
func RecordRerun(ctx context.Context, b Bookkeeper, taskID, originalID uuid.UUID, child model.Transaction) error {
	if err := b.AppendChild(ctx, originalID, child.ID); err != nil {
		return fmt.Errorf("rerun: link %s to %s: %w", child.ID, originalID, err)
	}
	if err := b.RecordRerun(ctx, taskID, originalID, child.ID, child.Status); err != nil {
		return fmt.Errorf("rerun: record %s on task %s: %w", child.ID, taskID, err)
	}
	return nil
}

// ReplayStore is what the socket path writes the replayed transaction to.
type ReplayStore interface {
	Bookkeeper
	bodyguard.Marker
	CreateTransaction(ctx context.Context, tx *model.Transaction) error
}

// TokenIssuer signs the bearer token carried by HTTP reruns.
type TokenIssuer interface {
	IssueRerunToken(clientID string, taskID, parentID uuid.UUID) (string, error)
}

// RerunnerConfig locates the rerun ingress and bounds replayed bodies.
type RerunnerConfig struct {
	Host           string
	Port           int
	Secured        bool
	DefaultTimeout time.Duration
	MaxBodyBytes   int64
	TruncateAppend string

	// TLS is used for tls channels. ServerName is filled in per channel
	// when left empty.
	TLS *tls.Config
}

// Rerunner replays one transaction over the transport its channel uses.
type Rerunner struct {
	cfg        RerunnerConfig
	store      ReplayStore
	blobs      *blobstore.Store
	dispatcher *dispatch.Dispatcher
	tokens     TokenIssuer
	logger     *slog.Logger
	dialer     net.Dialer
}

// NewRerunner creates a Rerunner. tokens may be nil, in which case HTTP
// reruns are sent without an Authorization header.
func NewRerunner(cfg RerunnerConfig, store ReplayStore, blobs *blobstore.Store, d *dispatch.Dispatcher, tokens TokenIssuer, logger *slog.Logger) *Rerunner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	return &Rerunner{cfg: cfg, store: store, blobs: blobs, dispatcher: d, tokens: tokens, logger: logger}
}

// RerunHTTP sends tx to the rerun ingress, which records the replay as a new
// transaction linked to tx and updates the task entry itself.
func (r *Rerunner) RerunHTTP(ctx context.Context, taskID uuid.UUID, tx model.Transaction, ch model.Channel) error {
	req := tx.Request
	if req == nil {
		return fmt.Errorf("rerun: transaction %s has no request: %w", tx.ID, model.ErrNotReplayable)
	}
	body, err := r.requestBody(ctx, req)
	if err != nil {
		return fmt.Errorf("rerun: transaction %s: %w", tx.ID, err)
	}
	if body != nil {
		defer body.Close()
	}

	headers := maps.Clone(req.Headers)
	if headers == nil {
		headers = make(map[string]string, 4)
	}
	headers[HeaderClientID] = tx.ClientID
	headers[HeaderParentID] = tx.ID.String()
	headers[HeaderTaskID] = taskID.String()
	if r.tokens != nil {
		token, err := r.tokens.IssueRerunToken(tx.ClientID, taskID, tx.ID)
		if err != nil {
			return fmt.Errorf("rerun: transaction %s: %w", tx.ID, err)
		}
		headers["Authorization"] = "Bearer " + token
	}

	path := req.Path
	if req.Querystring != "" {
		path += "?" + strings.TrimPrefix(req.Querystring, "?")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	opts := &dispatch.Options{
		Host:                r.cfg.Host,
		Port:                r.cfg.Port,
		Path:                path,
		Method:              method,
		Headers:             headers,
		Secured:             r.cfg.Secured,
		Timeout:             ch.Timeout(r.cfg.DefaultTimeout),
		RequestBodyRequired: body != nil,
		Sink:                io.Discard,
	}
	var reader io.Reader
	if body != nil {
		reader = body
	}
	resp, err := r.dispatcher.Dispatch(ctx, reader, opts, dispatch.Hooks{})
	if err != nil {
		return fmt.Errorf("rerun: transaction %s: %w", tx.ID, err)
	}
	r.logger.Debug("rerun: http replay sent",
		"task_id", taskID, "transaction_id", tx.ID, "status", resp.Status, "bytes", resp.Bytes)
	return nil
}

// RerunSocket writes the original request body to the channel's TCP or TLS
// listener, reads the reply to EOF and records the replay itself.
func (r *Rerunner) RerunSocket(ctx context.Context, taskID uuid.UUID, tx model.Transaction, ch model.Channel) error {
	if tx.Request == nil {
		return fmt.Errorf("rerun: transaction %s has no request: %w", tx.ID, model.ErrNotReplayable)
	}
	if ch.TCPHost == "" || ch.TCPPort <= 0 {
		return fmt.Errorf("rerun: channel %s has no socket listener: %w", ch.ID, model.ErrValidation)
	}
	payload, err := r.requestBytes(ctx, tx.Request)
	if err != nil {
		return fmt.Errorf("rerun: transaction %s: %w", tx.ID, err)
	}

	// The stored request and reply draw on one budget; the wire still
	// carries the whole payload.
	budget := bodyguard.NewBudget(r.maxBody(), r.cfg.TruncateAppend)
	storedRequest, _ := budget.Limit(string(payload))

	timeout := ch.Timeout(r.cfg.DefaultTimeout)
	started := time.Now().UTC()
	reply, err := r.exchange(ctx, ch, payload, timeout, budget)
	if err != nil {
		return fmt.Errorf("rerun: transaction %s: %w", tx.ID, err)
	}
	finished := time.Now().UTC()

	child := model.NewTransaction(tx.ChannelID, tx.ClientID)
	parent := tx.ID
	child.ParentID = &parent
	child.Status = model.TransactionStatusSuccessful
	child.Request = &model.Request{
		Host:      ch.TCPHost,
		Port:      strconv.Itoa(ch.TCPPort),
		Path:      tx.Request.Path,
		Method:    tx.Request.Method,
		Headers:   maps.Clone(tx.Request.Headers),
		Body:      storedRequest,
		Timestamp: started,
	}
	child.Response = &model.Response{
		Status:       http.StatusOK,
		Body:         reply,
		Timestamp:    finished,
		TimestampEnd: &finished,
	}
	if r.blobs != nil {
		if err := r.blobs.Extract(ctx, &child.Exchange); err != nil {
			return fmt.Errorf("rerun: store bodies for %s: %w", tx.ID, err)
		}
	}
	if err := r.store.CreateTransaction(ctx, &child); err != nil {
		return fmt.Errorf("rerun: save replay of %s: %w", tx.ID, err)
	}
	if err := bodyguard.Enforce(ctx, r.store, child.ID, budget); err != nil {
		r.logger.Warn("rerun: could not flag truncated replay", "transaction_id", child.ID, "error", err)
	}
	if err := RecordRerun(ctx, r.store, taskID, tx.ID, child); err != nil {
		return err
	}
	r.logger.Debug("rerun: socket replay recorded",
		"task_id", taskID, "transaction_id", tx.ID, "rerun_id", child.ID, "bytes", len(reply))
	return nil
}

// exchange performs one request/reply over a fresh connection. The reply
// draws on budget so a chatty listener cannot exhaust memory.
func (r *Rerunner) exchange(ctx context.Context, ch model.Channel, payload []byte, timeout time.Duration, budget *bodyguard.Budget) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := r.dial(ctx, ch)
	if err != nil {
		return "", classify(ctx, timeout, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(payload); err != nil {
		return "", classify(ctx, timeout, err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	var reply bytes.Buffer
	if _, err := io.Copy(budget.Wrap(&reply), conn); err != nil {
		return "", classify(ctx, timeout, err)
	}
	return reply.String(), nil
}

func (r *Rerunner) dial(ctx context.Context, ch model.Channel) (net.Conn, error) {
	addr := net.JoinHostPort(ch.TCPHost, strconv.Itoa(ch.TCPPort))
	if ch.Type != model.ChannelTypeTLS {
		return r.dialer.DialContext(ctx, "tcp", addr)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if r.cfg.TLS != nil {
		cfg = r.cfg.TLS.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ch.TCPHost
	}
	d := tls.Dialer{NetDialer: &r.dialer, Config: cfg}
	return d.DialContext(ctx, "tcp", addr)
}

func (r *Rerunner) maxBody() int64 {
	if r.cfg.MaxBodyBytes > 0 {
		return r.cfg.MaxBodyBytes
	}
	return 15 << 20
}

// requestBody opens the recorded request body. It returns nil when the
// request had none.
func (r *Rerunner) requestBody(ctx context.Context, req *model.Request) (io.ReadCloser, error) {
	switch {
	case req.BodyRef != "":
		if r.blobs == nil {
			return nil, fmt.Errorf("body %s: %w", req.BodyRef, model.ErrMissingReference)
		}
		return r.blobs.Open(ctx, req.BodyRef)
	case req.Body != "":
		return io.NopCloser(strings.NewReader(req.Body)), nil
	default:
		return nil, nil
	}
}

func (r *Rerunner) requestBytes(ctx context.Context, req *model.Request) ([]byte, error) {
	body, err := r.requestBody(ctx, req)
	if err != nil || body == nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// classify maps a socket failure onto the shared error taxonomy.
func classify(ctx context.Context, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("socket: no reply within %s: %w", timeout, model.ErrTimeout)
	}
	return fmt.Errorf("socket: %w: %w", model.ErrDestination, err)
}
