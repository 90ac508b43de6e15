package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a rerun task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "Queued"
	TaskStatusProcessing TaskStatus = "Processing"
	TaskStatusPaused     TaskStatus = "Paused"
	TaskStatusCancelled  TaskStatus = "Cancelled"
	TaskStatusCompleted  TaskStatus = "Completed"
)

// EntryStatus is the replay state of one transaction within a task.
type EntryStatus string

const (
	EntryStatusQueued     EntryStatus = "Queued"
	EntryStatusProcessing EntryStatus = "Processing"
	EntryStatusCompleted  EntryStatus = "Completed"
	EntryStatusFailed     EntryStatus = "Failed"
)

// IsTerminal reports whether the entry has finished replaying.
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusCompleted || s == EntryStatusFailed
}

const (
	// DefaultBatchSize is the number of transactions replayed per round.
	DefaultBatchSize = 1

	// InternalUser is recorded as the creator of tasks built by the auto-retry sweeper.
	InternalUser = "internal"

	// MaxTaskTransactions bounds a single task created through the API.
	MaxTaskTransactions = 10_000
)

// TaskEntry is one transaction replay tracked by a task.
type TaskEntry struct {
	TID         uuid.UUID   `json:"tid"`
	TStatus     EntryStatus `json:"tstatus"`
	Error       string      `json:"error,omitempty"`
	RerunID     *uuid.UUID  `json:"rerun_id,omitempty"`
	RerunStatus string      `json:"rerun_status,omitempty"`
}

// Task is a batch of transaction replays processed in rounds of BatchSize.
type Task struct {
	ID                    uuid.UUID   `json:"id"`
	Status                TaskStatus  `json:"status"`
	Transactions          []TaskEntry `json:"transactions"`
	BatchSize             int         `json:"batch_size"`
	RemainingTransactions int         `json:"remaining_transactions"`
	TotalTransactions     int         `json:"total_transactions"`
	User                  string      `json:"user"`
	CreatedAt             time.Time   `json:"created_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// CreateTaskRequest is the input for creating a task.
type CreateTaskRequest struct {
	TransactionIDs []uuid.UUID `json:"tids"`
	BatchSize      int         `json:"batch_size,omitempty"`
	Paused         bool        `json:"paused,omitempty"`
}

// NewTask validates the request and builds a queued task owned by user.
func NewTask(user string, req CreateTaskRequest) (Task, error) {
	if len(req.TransactionIDs) == 0 {
		return Task{}, fmt.Errorf("%w: task requires at least one transaction", ErrValidation)
	}
	if len(req.TransactionIDs) > MaxTaskTransactions {
		return Task{}, fmt.Errorf("%w: task exceeds %d transactions", ErrValidation, MaxTaskTransactions)
	}
	if req.BatchSize < 0 {
		return Task{}, fmt.Errorf("%w: batch_size must be positive", ErrValidation)
	}
	batch := req.BatchSize
	if batch == 0 {
		batch = DefaultBatchSize
	}
	if user == "" {
		return Task{}, fmt.Errorf("%w: task user is required", ErrValidation)
	}

	seen := make(map[uuid.UUID]struct{}, len(req.TransactionIDs))
	entries := make([]TaskEntry, 0, len(req.TransactionIDs))
	for _, id := range req.TransactionIDs {
		if id == uuid.Nil {
			return Task{}, fmt.Errorf("%w: transaction id must not be empty", ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return Task{}, fmt.Errorf("%w: duplicate transaction id %s", ErrValidation, id)
		}
		seen[id] = struct{}{}
		entries = append(entries, TaskEntry{TID: id, TStatus: EntryStatusQueued})
	}

	status := TaskStatusQueued
	if req.Paused {
		status = TaskStatusPaused
	}
	return Task{
		ID:                    uuid.New(),
		Status:                status,
		Transactions:          entries,
		BatchSize:             batch,
		RemainingTransactions: len(entries),
		TotalTransactions:     len(entries),
		User:                  user,
		CreatedAt:             time.Now().UTC(),
	}, nil
}

// NewRetryTask builds the single task an auto-retry sweep produces. It is
// owned by InternalUser, uses the default batch size and is not subject to
// MaxTaskTransactions, since the entries have already left the retry queue.
func NewRetryTask(tids []uuid.UUID) Task {
	entries := make([]TaskEntry, len(tids))
	for i, id := range tids {
		entries[i] = TaskEntry{TID: id, TStatus: EntryStatusQueued}
	}
	return Task{
		ID:                    uuid.New(),
		Status:                TaskStatusQueued,
		Transactions:          entries,
		BatchSize:             DefaultBatchSize,
		RemainingTransactions: len(entries),
		TotalTransactions:     len(entries),
		User:                  InternalUser,
		CreatedAt:             time.Now().UTC(),
	}
}

// NextRound returns the indexes of the entries replayed in the next round.
// The round starts where the previous one left off:
// len(Transactions) - RemainingTransactions.
func (t *Task) NextRound() []int {
	start := len(t.Transactions) - t.RemainingTransactions
	if start < 0 || t.RemainingTransactions <= 0 {
		return nil
	}
	batch := t.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	end := min(start+batch, len(t.Transactions))
	idx := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		idx = append(idx, i)
	}
	return idx
}

// Finalize computes the task status after a round, given the status observed
// in storage after the round was persisted. Externally applied Paused or
// Cancelled states win over the round's own transition.
func (t *Task) Finalize(observed TaskStatus, now time.Time) {
	switch {
	case t.RemainingTransactions == 0:
		t.Status = TaskStatusCompleted
		completed := now
		t.CompletedAt = &completed
	case observed == TaskStatusProcessing:
		t.Status = TaskStatusQueued
	default:
		t.Status = observed
	}
}
