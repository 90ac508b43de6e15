package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-hie/conduit/internal/model"
)

const taskColumns = `id, status, batch_size, remaining_transactions, total_transactions, "user", created_at, completed_at`

// roundLease bounds how long a claim blocks resuming a paused task. A round
// that was abandoned without finalizing stops blocking once it expires.
const roundLease = 15 * time.Minute

// CreateTask inserts a task and its ordered entries in one transaction.
// Entries are written with COPY since sweeper tasks can be large.
func (db *DB) CreateTask(ctx context.Context, task *model.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	return db.inTx(ctx, "create task", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			task.ID, string(task.Status), task.BatchSize, task.RemainingTransactions,
			task.TotalTransactions, task.User, task.CreatedAt, task.CompletedAt)
		if err != nil {
			return fmt.Errorf("storage: insert task: %w: %w", model.ErrPersistence, err)
		}

		rows := make([][]any, len(task.Transactions))
		for i, e := range task.Transactions {
			status := e.TStatus
			if status == "" {
				status = model.EntryStatusQueued
			}
			rows[i] = []any{task.ID, i, e.TID, string(status), e.Error, e.RerunID, e.RerunStatus}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"task_transactions"},
			[]string{"task_id", "position", "tid", "tstatus", "error", "rerun_id", "rerun_status"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("storage: copy task entries: %w: %w", model.ErrPersistence, err)
		}
		return nil
	})
}

// ClaimQueuedTask atomically moves the oldest Queued task to Processing and
// returns it with its entries. Concurrent callers never receive the same task:
// the row lock taken by SKIP LOCKED plus the status predicate make the
// transition a compare-and-set. ok is false when nothing is queued.
func (db *DB) ClaimQueuedTask(ctx context.Context) (task model.Task, ok bool, err error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE tasks SET status = 'Processing', claimed_at = now()
		 WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'Queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) AND status = 'Queued'
		 RETURNING `+taskColumns)
	task, err = scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, fmt.Errorf("storage: claim task: %w", err)
	}
	if task.Transactions, err = db.loadEntries(ctx, task.ID); err != nil {
		return model.Task{}, false, err
	}
	return task, true, nil
}

// GetTask returns a task with its entries.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		return model.Task{}, notFound("get task", err)
	}
	if task.Transactions, err = db.loadEntries(ctx, id); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// ListTasks returns the most recent tasks, optionally filtered by status.
// Entries are not loaded.
func (db *DB) ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]model.Task, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list tasks: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTaskStatus re-reads only the status column, which the administrative
// layer may change while a round is in flight.
func (db *DB) GetTaskStatus(ctx context.Context, id uuid.UUID) (model.TaskStatus, error) {
	var status string
	if err := db.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status); err != nil {
		return "", notFound("get task status", err)
	}
	return model.TaskStatus(status), nil
}

// CountTasksByStatus returns how many tasks are in the given status.
func (db *DB) CountTasksByStatus(ctx context.Context, status model.TaskStatus) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count tasks: %w", err)
	}
	return n, nil
}

// MarkEntriesProcessing sets tstatus = Processing on the given positions.
func (db *DB) MarkEntriesProcessing(ctx context.Context, taskID uuid.UUID, positions []int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE task_transactions SET tstatus = 'Processing'
		 WHERE task_id = $1 AND position = ANY($2)`,
		taskID, toInt32s(positions))
	if err != nil {
		return fmt.Errorf("storage: mark entries processing: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

// SaveRound persists the outcome of one round: the status and error of each
// entry at positions, and the task's remaining count. rerun_id/rerun_status
// are left alone so a concurrent RecordRerun from the ingress is not lost.
func (db *DB) SaveRound(ctx context.Context, task *model.Task, positions []int) error {
	return db.inTx(ctx, "save round", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, pos := range positions {
			e := task.Transactions[pos]
			batch.Queue(
				`UPDATE task_transactions SET tstatus = $3, error = $4
				 WHERE task_id = $1 AND position = $2`,
				task.ID, pos, string(e.TStatus), e.Error)
		}
		batch.Queue(
			`UPDATE tasks SET remaining_transactions = $2 WHERE id = $1`,
			task.ID, task.RemainingTransactions)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: save round: %w: %w", model.ErrPersistence, err)
		}
		return nil
	})
}

// FinalizeTask writes the status decided at the end of a round.
func (db *DB) FinalizeTask(ctx context.Context, id uuid.UUID, status model.TaskStatus, completedAt *time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, completed_at = $3, claimed_at = NULL WHERE id = $1`,
		id, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("storage: finalize task: %w: %w", model.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: finalize task %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionTask moves a task to status `to` only if it is currently in one of
// `from`. It returns ErrNotFound for an unknown task and ErrConflict when the
// current status does not allow the move. A task is not re-queued while a
// claimed round on it is still in flight, since its remaining count is not
// saved until that round ends.
func (db *DB) TransitionTask(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus) (model.Task, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	row := db.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $2
		 WHERE id = $1 AND status = ANY($3)
		   AND ($2 <> 'Queued' OR claimed_at IS NULL OR claimed_at < now() - make_interval(secs => $4))
		 RETURNING `+taskColumns,
		id, string(to), allowed, roundLease.Seconds())
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, fmt.Errorf("storage: transition task: %w: %w", model.ErrPersistence, err)
	}
	current, err := db.GetTaskStatus(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if slices.Contains(from, current) {
		return model.Task{}, fmt.Errorf("storage: task %s has a round in flight, cannot become %s yet: %w", id, to, ErrConflict)
	}
	return model.Task{}, fmt.Errorf("storage: task %s is %s, cannot become %s: %w", id, current, to, ErrConflict)
}

// RecordRerun stores the id and status of the transaction produced by
// replaying tid within a task.
func (db *DB) RecordRerun(ctx context.Context, taskID, tid, rerunID uuid.UUID, rerunStatus model.TransactionStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE task_transactions SET rerun_id = $3, rerun_status = $4
		 WHERE task_id = $1 AND tid = $2`,
		taskID, tid, rerunID, string(rerunStatus))
	if err != nil {
		return fmt.Errorf("storage: record rerun: %w: %w", model.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: record rerun for %s in task %s: %w", tid, taskID, ErrNotFound)
	}
	return nil
}

func (db *DB) loadEntries(ctx context.Context, taskID uuid.UUID) ([]model.TaskEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tid, tstatus, error, rerun_id, rerun_status
		 FROM task_transactions WHERE task_id = $1 ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: load task entries: %w", err)
	}
	defer rows.Close()

	var entries []model.TaskEntry
	for rows.Next() {
		var (
			e       model.TaskEntry
			tstatus string
		)
		if err := rows.Scan(&e.TID, &tstatus, &e.Error, &e.RerunID, &e.RerunStatus); err != nil {
			return nil, fmt.Errorf("storage: scan task entry: %w", err)
		}
		e.TStatus = model.EntryStatus(tstatus)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		t      model.Task
		status string
	)
	err := row.Scan(&t.ID, &status, &t.BatchSize, &t.RemainingTransactions,
		&t.TotalTransactions, &t.User, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return model.Task{}, err
	}
	t.Status = model.TaskStatus(status)
	return t, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v) //nolint:gosec // positions are bounded by MaxTaskTransactions
	}
	return out
}
