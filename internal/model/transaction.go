package model

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the recorded outcome of a transaction.
type TransactionStatus string

const (
	TransactionStatusProcessing          TransactionStatus = "Processing"
	TransactionStatusFailed              TransactionStatus = "Failed"
	TransactionStatusCompleted           TransactionStatus = "Completed"
	TransactionStatusSuccessful          TransactionStatus = "Successful"
	TransactionStatusCompletedWithErrors TransactionStatus = "Completed with error(s)"
)

// Request is a recorded outbound or inbound request. Exactly one of Body and
// BodyRef is normally populated: bodies are extracted into the blob store and
// replaced by a reference before the record is persisted.
type Request struct {
	Host         string            `json:"host,omitempty"`
	Port         string            `json:"port,omitempty"`
	Path         string            `json:"path,omitempty"`
	Querystring  string            `json:"querystring,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyRef      string            `json:"bodyRef,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	TimestampEnd *time.Time        `json:"timestampEnd,omitempty"`
}

// Response is a recorded response.
type Response struct {
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyRef      string            `json:"bodyRef,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	TimestampEnd *time.Time        `json:"timestampEnd,omitempty"`
}

// ExchangeError records a failure attached to a transaction, route or
// orchestration.
type ExchangeError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Exchange is one node in a transaction's body tree: the top-level
// request/response, a non-primary route outcome, or a mediator-reported
// orchestration. Routes and orchestrations nest arbitrarily.
type Exchange struct {
	Name           string         `json:"name,omitempty"`
	Request        *Request       `json:"request,omitempty"`
	Response       *Response      `json:"response,omitempty"`
	Routes         []*Exchange    `json:"routes,omitempty"`
	Orchestrations []*Exchange    `json:"orchestrations,omitempty"`
	Error          *ExchangeError `json:"error,omitempty"`
}

// Transaction is the durable record of one inbound request and its outcomes.
// Transactions form a forest through ParentID/ChildIDs; a rerun is recorded as
// a child of the transaction it replays.
type Transaction struct {
	ID        uuid.UUID   `json:"id"`
	ChannelID uuid.UUID   `json:"channel_id"`
	ClientID  string      `json:"client_id,omitempty"`
	ParentID  *uuid.UUID  `json:"parent_id,omitempty"`
	ChildIDs  []uuid.UUID `json:"child_ids,omitempty"`

	Exchange

	Status           TransactionStatus `json:"status"`
	CanRerun         bool              `json:"can_rerun"`
	AutoRetry        bool              `json:"auto_retry"`
	AutoRetryAttempt int               `json:"auto_retry_attempt"`
	WasRerun         bool              `json:"was_rerun"`
}

// NewTransaction returns a transaction with the record defaults applied.
func NewTransaction(channelID uuid.UUID, clientID string) Transaction {
	return Transaction{
		ID:        uuid.New(),
		ChannelID: channelID,
		ClientID:  clientID,
		Status:    TransactionStatusProcessing,
		CanRerun:  true,
	}
}

// RequestTimestamp returns the top-level request timestamp, or the zero time
// when the transaction has no request recorded.
func (t Transaction) RequestTimestamp() time.Time {
	if t.Request == nil {
		return time.Time{}
	}
	return t.Request.Timestamp
}

// AutoRetryEntry marks a failed transaction as eligible for automatic retry.
// The sweeper consumes each entry exactly once.
type AutoRetryEntry struct {
	TransactionID    uuid.UUID `json:"transaction_id"`
	ChannelID        uuid.UUID `json:"channel_id"`
	RequestTimestamp time.Time `json:"request_timestamp"`
}
