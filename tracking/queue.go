package tracking

import (
	"context"
	"database/sql"
	"errors"
)

// The store doubles as an execution queue backend so a single SQLite file is
// enough for a launcher and its agents on one machine.

// Push appends taskID to the named queue.
func (s *Store) Push(ctx context.Context, queue, taskID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO queue_entries (queue, task_id, enqueued_at) VALUES (?, ?, ?)`,
		queue, taskID, formatTime(s.now()))
	return err
}

// TryPop removes and returns the oldest entry of the named queue. ok is false
// when the queue is empty.
func (s *Store) TryPop(ctx context.Context, queue string) (taskID string, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id, task_id FROM queue_entries WHERE queue = ? ORDER BY id LIMIT 1`, queue).
		Scan(&id, &taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return taskID, true, nil
}

// Remove drops every entry of taskID from the named queue. Removing an absent
// entry is not an error.
func (s *Store) Remove(ctx context.Context, queue, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE queue = ? AND task_id = ?`, queue, taskID)
	return err
}

// Len returns the number of entries waiting in the named queue.
func (s *Store) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE queue = ?`, queue).Scan(&n)
	return n, err
}
