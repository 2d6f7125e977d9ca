package jobstore

import (
	"database/sql"
	"time"

	"inference-bridge/internal/errs"
)

// UsageSummary aggregates a user's retained jobs.
type UsageSummary struct {
	TotalRequests int64   `json:"total_requests"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalCost     float64 `json:"total_cost"`
}

// ModelUsage aggregates per requested model.
type ModelUsage struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// DailyUsage aggregates per calendar day.
type DailyUsage struct {
	Date     string  `json:"date"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// RequestRecord is one row of the optional request history.
type RequestRecord struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageReport is the payload of GET /v1/usage.
type UsageReport struct {
	Summary        UsageSummary    `json:"summary"`
	ByModel        []ModelUsage    `json:"by_model"`
	DailyUsage     []DailyUsage    `json:"daily_usage"`
	RequestHistory []RequestRecord `json:"request_history,omitempty"`
}

// Usage aggregates a user's jobs created at or after since. When details
// is set the individual request history is included (capped at 500 rows).
func (s *Store) Usage(userID string, since time.Time, details bool) (*UsageReport, error) {
	report := &UsageReport{}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'completed'), 0),
		       COALESCE(SUM(status IN ('failed', 'timeout')), 0),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(estimated_cost), 0)
		FROM jobs WHERE user_id = ? AND created_at >= ?
	`, userID, since).Scan(&report.Summary.TotalRequests, &report.Summary.Completed,
		&report.Summary.Failed, &report.Summary.InputTokens,
		&report.Summary.OutputTokens, &report.Summary.TotalCost)
	if err != nil {
		return nil, errs.Persistence("usage summary", err)
	}

	rows, err := s.db.Query(`
		SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0), COALESCE(SUM(estimated_cost), 0)
		FROM jobs WHERE user_id = ? AND created_at >= ?
		GROUP BY model ORDER BY COUNT(*) DESC
	`, userID, since)
	if err != nil {
		return nil, errs.Persistence("usage by model", err)
	}
	report.ByModel, err = scanModelUsage(rows)
	if err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT DATE(created_at), COUNT(*),
		       COALESCE(SUM(input_tokens + output_tokens), 0),
		       COALESCE(SUM(estimated_cost), 0)
		FROM jobs WHERE user_id = ? AND created_at >= ?
		GROUP BY DATE(created_at) ORDER BY DATE(created_at)
	`, userID, since)
	if err != nil {
		return nil, errs.Persistence("usage by day", err)
	}
	report.DailyUsage, err = scanDailyUsage(rows)
	if err != nil {
		return nil, err
	}

	if details {
		rows, err = s.db.Query(`
			SELECT id, model, status, input_tokens, output_tokens, estimated_cost, created_at
			FROM jobs WHERE user_id = ? AND created_at >= ?
			ORDER BY created_at DESC LIMIT 500
		`, userID, since)
		if err != nil {
			return nil, errs.Persistence("usage history", err)
		}
		report.RequestHistory, err = scanRequestHistory(rows)
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

func scanModelUsage(rows *sql.Rows) ([]ModelUsage, error) {
	defer rows.Close()
	out := []ModelUsage{}
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens, &m.Cost); err != nil {
			return nil, errs.Persistence("scan model usage", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanDailyUsage(rows *sql.Rows) ([]DailyUsage, error) {
	defer rows.Close()
	out := []DailyUsage{}
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.Requests, &d.Tokens, &d.Cost); err != nil {
			return nil, errs.Persistence("scan daily usage", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanRequestHistory(rows *sql.Rows) ([]RequestRecord, error) {
	defer rows.Close()
	out := []RequestRecord{}
	for rows.Next() {
		var r RequestRecord
		if err := rows.Scan(&r.ID, &r.Model, &r.Status, &r.InputTokens, &r.OutputTokens, &r.Cost, &r.CreatedAt); err != nil {
			return nil, errs.Persistence("scan request history", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
