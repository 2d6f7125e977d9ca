// Package registry tracks worker health, capacity, and fitness, and picks
// the best worker for admission checks. Workers are remote browser sessions
// that can only be reached when they poll, so everything here is bookkeeping
// over the shared store.
package registry

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"inference-bridge/internal/database"
	"inference-bridge/internal/errs"
	"inference-bridge/internal/models"
)

// Fitness score weights: success rate, latency, spare capacity.
const (
	weightSuccess  = 0.4
	weightLatency  = 0.3
	weightCapacity = 0.3
)

// Registry owns the workers table.
type Registry struct {
	db                *database.DB
	responseTimeAlpha float64
	successRateAlpha  float64
	stalenessWindow   time.Duration
}

// New creates a registry over db. The alpha parameters control the
// exponential smoothing applied by ReportOutcome.
func New(db *database.DB, responseTimeAlpha, successRateAlpha float64, stalenessWindow time.Duration) *Registry {
	return &Registry{
		db:                db,
		responseTimeAlpha: responseTimeAlpha,
		successRateAlpha:  successRateAlpha,
		stalenessWindow:   stalenessWindow,
	}
}

// Requirements narrows worker selection.
type Requirements struct {
	Capability        string
	PreferredLocation string
}

// Register upserts a worker keyed by its client identifier. A returning
// client keeps its session id and historical metrics; registration resets
// the active flag and heartbeat and refreshes the declared capability set.
func (r *Registry) Register(clientID string, capabilities []string, maxConcurrency int, location string) (string, error) {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return "", errs.Persistence("encode capabilities", err)
	}
	now := time.Now().UTC()

	var sessionID string
	err = r.db.QueryRow("SELECT session_id FROM workers WHERE client_id = ?", clientID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		sessionID = uuid.NewString()
		_, err = r.db.Exec(`
			INSERT INTO workers (session_id, client_id, capabilities, max_concurrency, last_heartbeat, active, location)
			VALUES (?, ?, ?, ?, ?, 1, ?)
		`, sessionID, clientID, string(caps), maxConcurrency, now, database.NullString(location))
		if err != nil {
			return "", errs.Persistence("insert worker", err)
		}
		return sessionID, nil
	}
	if err != nil {
		return "", errs.Persistence("lookup worker", err)
	}

	_, err = r.db.Exec(`
		UPDATE workers
		SET capabilities = ?, max_concurrency = ?, last_heartbeat = ?, active = 1, location = ?
		WHERE client_id = ?
	`, string(caps), maxConcurrency, now, database.NullString(location), clientID)
	if err != nil {
		return "", errs.Persistence("update worker", err)
	}
	return sessionID, nil
}

// Heartbeat stamps the worker's last-heartbeat time. Provided metrics are
// authoritative snapshots and overwrite the stored values directly; the
// self-reported load is clamped into [0, max_concurrency].
func (r *Registry) Heartbeat(sessionID string, load *int, avgResponseMs, successRate *float64) error {
	res, err := r.db.Exec("UPDATE workers SET last_heartbeat = ? WHERE session_id = ?", time.Now().UTC(), sessionID)
	if err != nil {
		return errs.Persistence("heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.KindAuthentication, "unknown session %s", sessionID)
	}

	if load != nil {
		_, err = r.db.Exec(`
			UPDATE workers
			SET current_load = MAX(0, MIN(?, max_concurrency))
			WHERE session_id = ?
		`, *load, sessionID)
		if err != nil {
			return errs.Persistence("heartbeat load", err)
		}
	}
	if avgResponseMs != nil {
		if _, err = r.db.Exec("UPDATE workers SET avg_response_time = ? WHERE session_id = ?", *avgResponseMs, sessionID); err != nil {
			return errs.Persistence("heartbeat response time", err)
		}
	}
	if successRate != nil {
		if _, err = r.db.Exec("UPDATE workers SET success_rate = ? WHERE session_id = ?", *successRate, sessionID); err != nil {
			return errs.Persistence("heartbeat success rate", err)
		}
	}
	return nil
}

// ReportOutcome blends one observed request outcome into the worker's
// smoothed metrics:
//
//	avg' = avg*(1-a) + observed*a
//	rate' = rate*(1-b) + (success ? 100 : 0)*b
func (r *Registry) ReportOutcome(sessionID string, responseTimeMs float64, success bool) error {
	outcome := 0.0
	if success {
		outcome = 100.0
	}
	_, err := r.db.Exec(`
		UPDATE workers
		SET avg_response_time = avg_response_time*? + ?*?,
		    success_rate = success_rate*? + ?*?
		WHERE session_id = ?
	`, 1-r.responseTimeAlpha, responseTimeMs, r.responseTimeAlpha,
		1-r.successRateAlpha, outcome, r.successRateAlpha, sessionID)
	if err != nil {
		return errs.Persistence("report outcome", err)
	}
	return nil
}

// fitness ranks a worker for selection. Higher is better.
func fitness(w *models.Worker) float64 {
	return w.SuccessRate*weightSuccess +
		(100-w.AvgResponseTime/10)*weightLatency +
		float64(w.AvailableCapacity())*weightCapacity
}

// SelectBest returns the fittest eligible worker, or nil when no worker
// can take the job. Eligible means active, heartbeated within the
// staleness window, below max concurrency, and matching the requirements.
func (r *Registry) SelectBest(req Requirements) (*models.Worker, error) {
	cutoff := time.Now().UTC().Add(-r.stalenessWindow)
	query := `
		SELECT session_id, client_id, capabilities, max_concurrency, current_load,
		       avg_response_time, success_rate, last_heartbeat, active, location
		FROM workers
		WHERE active = 1 AND last_heartbeat >= ? AND current_load < max_concurrency
	`
	args := []interface{}{cutoff}
	if req.PreferredLocation != "" {
		query += " AND location = ?"
		args = append(args, req.PreferredLocation)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errs.Persistence("select workers", err)
	}
	defer rows.Close()

	var best *models.Worker
	var bestScore float64
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		if req.Capability != "" && !hasCapability(w, req.Capability) {
			continue
		}
		score := fitness(w)
		if best == nil || score > bestScore ||
			(score == bestScore && w.CurrentLoad < best.CurrentLoad) {
			best, bestScore = w, score
		}
	}
	return best, rows.Err()
}

// hasCapability reports whether the worker serves a model. An empty
// declared set means the session accepts anything.
func hasCapability(w *models.Worker, capability string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Get returns one worker by session id.
func (r *Registry) Get(sessionID string) (*models.Worker, error) {
	row := r.db.QueryRow(`
		SELECT session_id, client_id, capabilities, max_concurrency, current_load,
		       avg_response_time, success_rate, last_heartbeat, active, location
		FROM workers WHERE session_id = ?
	`, sessionID)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindAuthentication, "unknown session %s", sessionID)
	}
	return w, err
}

// Execer lets load adjustments run either on the DB or inside a claim
// transaction.
type Execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// IncrementLoad adds one unit of load, bounded by max concurrency.
func (r *Registry) IncrementLoad(sessionID string) error {
	return IncrementLoadIn(r.db, sessionID)
}

// ReleaseLoad removes one unit of load, clamped at zero so duplicate
// release calls can never drive the counter negative.
func (r *Registry) ReleaseLoad(sessionID string) error {
	return ReleaseLoadIn(r.db, sessionID)
}

// IncrementLoadIn is IncrementLoad against an arbitrary executor.
func IncrementLoadIn(ext Execer, sessionID string) error {
	_, err := ext.Exec(`
		UPDATE workers
		SET current_load = MIN(current_load + 1, max_concurrency)
		WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return errs.Persistence("increment load", err)
	}
	return nil
}

// ReleaseLoadIn is ReleaseLoad against an arbitrary executor.
func ReleaseLoadIn(ext Execer, sessionID string) error {
	_, err := ext.Exec(`
		UPDATE workers
		SET current_load = MAX(current_load - 1, 0)
		WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return errs.Persistence("release load", err)
	}
	return nil
}

// ListActive returns all workers currently flagged active.
func (r *Registry) ListActive() ([]models.Worker, error) {
	rows, err := r.db.Query(`
		SELECT session_id, client_id, capabilities, max_concurrency, current_load,
		       avg_response_time, success_rate, last_heartbeat, active, location
		FROM workers WHERE active = 1 ORDER BY client_id
	`)
	if err != nil {
		return nil, errs.Persistence("list workers", err)
	}
	defer rows.Close()

	workers := []models.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// Statistics summarizes the active pool.
func (r *Registry) Statistics() (*models.RegistryStats, error) {
	var stats models.RegistryStats
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(max_concurrency), 0), COALESCE(SUM(current_load), 0),
		       COALESCE(AVG(avg_response_time), 0), COALESCE(AVG(success_rate), 0)
		FROM workers WHERE active = 1
	`).Scan(&stats.TotalCapacity, &stats.TotalLoad, &stats.AvgResponseTime, &stats.AvgSuccessRate)
	if err != nil {
		return nil, errs.Persistence("registry statistics", err)
	}
	if stats.TotalCapacity > 0 {
		stats.UtilizationPct = float64(stats.TotalLoad) / float64(stats.TotalCapacity) * 100
	}
	return &stats, nil
}

// DeactivateStale flips active=false for workers whose heartbeat is older
// than the threshold. Records are kept so a returning client resumes its
// history.
func (r *Registry) DeactivateStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := r.db.Exec("UPDATE workers SET active = 0 WHERE active = 1 AND last_heartbeat < ?", cutoff)
	if err != nil {
		return 0, errs.Persistence("deactivate stale", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AdvisePollInterval derives a backpressure hint from pool utilization:
// busy pools tell workers to poll aggressively, idle pools back them off.
func (r *Registry) AdvisePollInterval() (int, error) {
	stats, err := r.Statistics()
	if err != nil {
		return 0, err
	}
	switch {
	case stats.UtilizationPct > 80:
		return 1, nil
	case stats.UtilizationPct > 50:
		return 2, nil
	case stats.UtilizationPct > 20:
		return 5, nil
	default:
		return 10, nil
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (*models.Worker, error) {
	var w models.Worker
	var caps string
	var location sql.NullString
	err := row.Scan(&w.SessionID, &w.ClientID, &caps, &w.MaxConcurrency, &w.CurrentLoad,
		&w.AvgResponseTime, &w.SuccessRate, &w.LastHeartbeat, &w.Active, &location)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errs.Persistence("scan worker", err)
	}
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		w.Capabilities = nil
	}
	if location.Valid {
		w.Location = location.String
	}
	return &w, nil
}
