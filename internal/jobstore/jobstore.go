// Package jobstore owns the durable job queue: enqueue, the atomic claim
// protocol, terminal transitions, and the timeout sweep.
package jobstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inference-bridge/internal/database"
	"inference-bridge/internal/errs"
	"inference-bridge/internal/models"
	"inference-bridge/internal/registry"
)

// Store owns the jobs table.
type Store struct {
	db *database.DB
}

// New creates a job store over db.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Fingerprint returns the content hash stored with each job for
// dedup and audit trails.
func Fingerprint(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Enqueue inserts a new queued job and returns its id. Nothing else is
// touched; admission checks happen before this call.
func (s *Store) Enqueue(userID, model, payload string, priority int, stream bool, inputTokens int, estimatedCost float64) (string, error) {
	jobID := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, user_id, model, payload, fingerprint, priority, status,
		                  stream, input_tokens, estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, userID, model, payload, Fingerprint(payload), priority, models.StatusQueued,
		stream, inputTokens, estimatedCost, time.Now().UTC())
	if err != nil {
		return "", errs.Persistence("insert job", err)
	}
	return jobID, nil
}

// ClaimNext atomically assigns the best queued job to a worker: highest
// priority first, FIFO within a priority band, restricted to the worker's
// declared capability set. The select-and-mark runs in one transaction
// with a status guard on the update, so concurrent pollers can never both
// claim the same row. The worker's load increment commits with the claim.
// Returns (nil, nil) when no eligible job is queued.
func (s *Store) ClaimNext(worker *models.Worker) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.Persistence("begin claim", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, user_id, model, payload, fingerprint, priority, stream, input_tokens, created_at
		FROM jobs WHERE status = ?
	`
	args := []interface{}{models.StatusQueued}
	if len(worker.Capabilities) > 0 {
		query += " AND model IN (?" + strings.Repeat(",?", len(worker.Capabilities)-1) + ")"
		for _, c := range worker.Capabilities {
			args = append(args, c)
		}
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT 1"

	var job models.Job
	err = tx.QueryRow(query, args...).Scan(&job.ID, &job.UserID, &job.Model, &job.Payload,
		&job.Fingerprint, &job.Priority, &job.Stream, &job.InputTokens, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Persistence("select queued job", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE jobs SET status = ?, assigned_worker = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusProcessing, worker.SessionID, now, job.ID, models.StatusQueued)
	if err != nil {
		return nil, errs.Persistence("mark processing", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the race; the caller polls again.
		return nil, nil
	}

	if err := registry.IncrementLoadIn(tx, worker.SessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Persistence("commit claim", err)
	}

	job.Status = models.StatusProcessing
	job.AssignedWorker = worker.SessionID
	job.StartedAt = &now
	return &job, nil
}

// Complete moves a job to a terminal status, stamps completion, records
// output tokens and cost, and releases one unit of the assigned worker's
// load — all in one transaction. Completing an already-terminal job is a
// no-op success, which makes duplicate completion reports and the
// complete-vs-sweep race harmless.
func (s *Store) Complete(jobID string, outputTokens int, cost float64, status, errorMessage string) error {
	if !models.IsTerminal(status) || !models.CanTransition(models.StatusProcessing, status) {
		return errs.Newf(errs.KindValidation, "invalid terminal status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Persistence("begin complete", err)
	}
	defer tx.Rollback()

	var current string
	var worker sql.NullString
	err = tx.QueryRow("SELECT status, assigned_worker FROM jobs WHERE id = ?", jobID).Scan(&current, &worker)
	if err == sql.ErrNoRows {
		return errs.ErrUnknownJob
	}
	if err != nil {
		return errs.Persistence("lookup job", err)
	}
	if models.IsTerminal(current) {
		return nil
	}

	res, err := tx.Exec(`
		UPDATE jobs
		SET status = ?, output_tokens = ?, estimated_cost = estimated_cost + ?,
		    error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, status, outputTokens, cost, database.NullString(errorMessage), time.Now().UTC(),
		jobID, models.StatusProcessing)
	if err != nil {
		return errs.Persistence("mark terminal", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// A concurrent complete or sweep got there first.
		return nil
	}

	if worker.Valid {
		if err := registry.ReleaseLoadIn(tx, worker.String); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Persistence("commit complete", err)
	}
	return nil
}

// Get returns a job by id, or ErrUnknownJob.
func (s *Store) Get(jobID string) (*models.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, model, payload, fingerprint, priority, status, assigned_worker,
		       stream, input_tokens, output_tokens, estimated_cost, error_message,
		       created_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrUnknownJob
	}
	return job, err
}

// SweepTimeouts transitions every processing job older than the threshold
// to timeout, with the same release-load semantics as Complete. Safe to
// run concurrently with itself and with Complete; whoever loses the
// terminal race no-ops.
func (s *Store) SweepTimeouts(threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.Query(`
		SELECT id FROM jobs WHERE status = ? AND started_at < ?
	`, models.StatusProcessing, cutoff)
	if err != nil {
		return 0, errs.Persistence("select timed-out jobs", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errs.Persistence("scan job id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	swept := 0
	msg := fmt.Sprintf("processing exceeded %s", threshold)
	for _, id := range ids {
		if err := s.Complete(id, 0, 0, models.StatusTimeout, msg); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// QueueMetrics counts jobs per status.
type QueueMetrics struct {
	Total      int64 `json:"total"`
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	TimedOut   int64 `json:"timed_out"`
}

// Metrics returns queue depth counters for the dashboard feed.
func (s *Store) Metrics() (*QueueMetrics, error) {
	var m QueueMetrics
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(status = ?), 0),
		       COALESCE(SUM(status = ?), 0),
		       COALESCE(SUM(status = ?), 0),
		       COALESCE(SUM(status = ?), 0),
		       COALESCE(SUM(status = ?), 0)
		FROM jobs
	`, models.StatusQueued, models.StatusProcessing, models.StatusCompleted,
		models.StatusFailed, models.StatusTimeout).
		Scan(&m.Total, &m.Queued, &m.Processing, &m.Completed, &m.Failed, &m.TimedOut)
	if err != nil {
		return nil, errs.Persistence("queue metrics", err)
	}
	return &m, nil
}

// ListRecent returns the newest jobs for the dashboard feed.
func (s *Store) ListRecent(limit int) ([]models.Job, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, model, payload, fingerprint, priority, status, assigned_worker,
		       stream, input_tokens, output_tokens, estimated_cost, error_message,
		       created_at, started_at, completed_at
		FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errs.Persistence("list jobs", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var worker, errMsg sql.NullString
	var started, completed sql.NullTime

	err := row.Scan(&job.ID, &job.UserID, &job.Model, &job.Payload, &job.Fingerprint,
		&job.Priority, &job.Status, &worker, &job.Stream, &job.InputTokens,
		&job.OutputTokens, &job.EstimatedCost, &errMsg, &job.CreatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errs.Persistence("scan job", err)
	}

	if worker.Valid {
		job.AssignedWorker = worker.String
	}
	if errMsg.Valid {
		job.ErrorMessage = errMsg.String
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
