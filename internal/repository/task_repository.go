package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fetcharr/fetcharr/internal/models"
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(rec *models.TaskRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	query := `INSERT INTO task_history (id, task_type, queue, status, verbose, attempts)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING started_at`
	return r.db.QueryRow(query, rec.ID, rec.TaskType, rec.Queue, rec.Status, rec.Verbose, rec.Attempts).
		Scan(&rec.StartedAt)
}

// updateStatusQuery builds the terminal-state update. Attempts are not
// touched here: each run gets its own row with the attempt count recorded
// at creation.
func updateStatusQuery(status models.TaskStatus) string {
	query := `UPDATE task_history SET status = $2, verbose = $3, error_message = $4`
	if status == models.TaskSucceeded || status == models.TaskFailed || status == models.TaskRevoked {
		query += `, completed_at = CURRENT_TIMESTAMP`
	}
	return query + ` WHERE id = $1`
}

func (r *TaskRepository) UpdateStatus(id uuid.UUID, status models.TaskStatus, verbose string, errMsg *string) error {
	_, err := r.db.Exec(updateStatusQuery(status), id, status, verbose, errMsg)
	return err
}

// SetVerbose updates the user-facing label for a running task, used for
// "<n>/<total>" indexing progress.
func (r *TaskRepository) SetVerbose(id uuid.UUID, verbose string) error {
	_, err := r.db.Exec(`UPDATE task_history SET verbose = $2 WHERE id = $1`, id, verbose)
	return err
}

func (r *TaskRepository) ListRecent(limit int) ([]*models.TaskRecord, error) {
	query := `SELECT id, task_type, queue, status, verbose, attempts, error_message, started_at, completed_at
		FROM task_history ORDER BY started_at DESC LIMIT $1`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*models.TaskRecord
	for rows.Next() {
		rec := &models.TaskRecord{}
		if err := rows.Scan(&rec.ID, &rec.TaskType, &rec.Queue, &rec.Status, &rec.Verbose,
			&rec.Attempts, &rec.ErrorMessage, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOlderThan prunes task history beyond the retention window and
// returns the number of rows removed.
func (r *TaskRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM task_history WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
