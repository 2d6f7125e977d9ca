// Package ratelimit implements the multi-window admission gate. Counters
// live in the shared store, not process memory, so any number of dispatcher
// processes enforce the same limits.
package ratelimit

import (
	"time"

	"inference-bridge/internal/database"
	"inference-bridge/internal/errs"
	"inference-bridge/internal/models"
)

// Limiter owns the rate_windows table.
type Limiter struct {
	db  *database.DB
	now func() time.Time
}

// New creates a rate limiter over db.
func New(db *database.DB) *Limiter {
	return &Limiter{db: db, now: time.Now}
}

type window struct {
	kind  string
	dur   time.Duration
	limit int
}

func windowsFor(limits models.RateLimits) []window {
	return []window{
		{models.WindowMinute, time.Minute, limits.PerMinute},
		{models.WindowHour, time.Hour, limits.PerHour},
		{models.WindowDay, 24 * time.Hour, limits.PerDay},
	}
}

func windowStart(now time.Time, dur time.Duration) time.Time {
	return now.UTC().Truncate(dur)
}

// Check atomically counts one request against all three windows and
// reports whether it is admitted. The increments are applied in a single
// transaction that is rolled back when any window's limit is exceeded, so
// a rejected request is never partially counted.
func (l *Limiter) Check(userID string, limits models.RateLimits) (bool, map[string]models.WindowStatus, error) {
	now := l.now()
	tx, err := l.db.Begin()
	if err != nil {
		return false, nil, errs.Persistence("begin rate check", err)
	}
	defer tx.Rollback()

	windows := windowsFor(limits)
	counts := make([]int, len(windows))
	allowed := true
	for i, w := range windows {
		start := windowStart(now, w.dur)
		_, err := tx.Exec(`
			INSERT INTO rate_windows (user_id, window_kind, window_start, count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(user_id, window_kind, window_start) DO UPDATE SET count = count + 1
		`, userID, w.kind, start)
		if err != nil {
			return false, nil, errs.Persistence("increment rate window", err)
		}

		err = tx.QueryRow(`
			SELECT count FROM rate_windows
			WHERE user_id = ? AND window_kind = ? AND window_start = ?
		`, userID, w.kind, start).Scan(&counts[i])
		if err != nil {
			return false, nil, errs.Persistence("read rate window", err)
		}
		if counts[i] > w.limit {
			allowed = false
		}
	}

	statuses := make(map[string]models.WindowStatus, len(windows))
	for i, w := range windows {
		used := counts[i]
		if !allowed {
			// Rolling back discards every increment from this call, so
			// report the usage as it stands without it.
			used--
		}
		remaining := w.limit - used
		if remaining < 0 {
			remaining = 0
		}
		statuses[w.kind] = models.WindowStatus{
			Limit:     w.limit,
			Used:      used,
			Remaining: remaining,
			ResetTime: windowStart(now, w.dur).Add(w.dur),
		}
	}

	if !allowed {
		return false, statuses, nil
	}
	if err := tx.Commit(); err != nil {
		return false, nil, errs.Persistence("commit rate check", err)
	}
	return true, statuses, nil
}

// Status returns the current usage snapshot without mutating any counter.
func (l *Limiter) Status(userID string, limits models.RateLimits) (map[string]models.WindowStatus, error) {
	now := l.now()
	statuses := make(map[string]models.WindowStatus, 3)
	for _, w := range windowsFor(limits) {
		start := windowStart(now, w.dur)
		var count int
		err := l.db.QueryRow(`
			SELECT COALESCE((SELECT count FROM rate_windows
			WHERE user_id = ? AND window_kind = ? AND window_start = ?), 0)
		`, userID, w.kind, start).Scan(&count)
		if err != nil {
			return nil, errs.Persistence("read rate window", err)
		}
		remaining := w.limit - count
		if remaining < 0 {
			remaining = 0
		}
		statuses[w.kind] = models.WindowStatus{
			Limit:     w.limit,
			Used:      count,
			Remaining: remaining,
			ResetTime: start.Add(w.dur),
		}
	}
	return statuses, nil
}
