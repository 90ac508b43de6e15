package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelTasks is notified by a trigger whenever a task enters Queued.
// The payload is the task id.
const ChannelTasks = "conduit_tasks"

// ErrNotifyDisabled is returned by the LISTEN helpers when no notify DSN was configured.
var ErrNotifyDisabled = errors.New("storage: notify connection not configured")

// Listen starts listening on the specified channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return ErrNotifyDisabled
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", ErrNotifyDisabled
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// WatchQueuedTasks listens on ChannelTasks and signals the returned channel
// once per notification until ctx is cancelled or the connection fails.
// Signals are coalesced: a slow reader sees at most one pending wakeup.
func (db *DB) WatchQueuedTasks(ctx context.Context) (<-chan struct{}, error) {
	if err := db.Listen(ctx, ChannelTasks); err != nil {
		return nil, err
	}
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for {
			if _, _, err := db.WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					db.logger.Warn("storage: task notifications stopped", "error", err)
				}
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake, nil
}
