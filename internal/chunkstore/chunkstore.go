// Package chunkstore persists sequenced response fragments per job so a
// pull-based worker's output can be replayed to the original caller as a
// push-style stream.
package chunkstore

import (
	"time"

	"inference-bridge/internal/database"
	"inference-bridge/internal/errs"
	"inference-bridge/internal/models"
)

// Store owns the response_chunks table.
type Store struct {
	db *database.DB
}

// New creates a chunk store over db.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Append stores one chunk. Sequence numbers are caller-assigned; a
// duplicate sequence for the same job is accepted and dropped rather than
// rejected, since retried worker uploads may replay frames.
func (s *Store) Append(jobID string, sequence int64, payload, kind string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO response_chunks (job_id, sequence, payload, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, sequence, payload, kind, time.Now().UTC())
	if err != nil {
		return errs.Persistence("append chunk", err)
	}
	return nil
}

// ReadFrom returns all chunks for a job with sequence greater than
// afterSequence, in ascending sequence order.
func (s *Store) ReadFrom(jobID string, afterSequence int64) ([]models.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT job_id, sequence, payload, kind
		FROM response_chunks
		WHERE job_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`, jobID, afterSequence)
	if err != nil {
		return nil, errs.Persistence("read chunks", err)
	}
	defer rows.Close()

	chunks := []models.Chunk{}
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.JobID, &c.Sequence, &c.Payload, &c.Kind); err != nil {
			return nil, errs.Persistence("scan chunk", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// LastSequence returns the highest stored sequence for a job, or 0 when
// no chunks exist yet.
func (s *Store) LastSequence(jobID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(sequence), 0) FROM response_chunks WHERE job_id = ?
	`, jobID).Scan(&seq)
	if err != nil {
		return 0, errs.Persistence("last sequence", err)
	}
	return seq, nil
}
