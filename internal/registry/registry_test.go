package registry

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"inference-bridge/internal/database"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return New(db, 0.2, 0.1, 120*time.Second)
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Register("client-1", []string{"gpt-4o"}, 3, "us-east")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Accumulate some history, go stale, then re-register.
	if err := r.ReportOutcome(first, 1000, false); err != nil {
		t.Fatalf("report outcome: %v", err)
	}
	r.db.Exec("UPDATE workers SET active = 0 WHERE session_id = ?", first)

	second, err := r.Register("client-1", []string{"gpt-4o", "gpt-4o-mini"}, 5, "us-east")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second != first {
		t.Errorf("re-registration changed session id: %s -> %s", first, second)
	}

	w, err := r.Get(first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !w.Active {
		t.Error("re-registration should reset active=true")
	}
	if w.MaxConcurrency != 5 {
		t.Errorf("max concurrency = %d, want 5", w.MaxConcurrency)
	}
	if len(w.Capabilities) != 2 {
		t.Errorf("capabilities = %v, want refreshed set of 2", w.Capabilities)
	}
	if w.SuccessRate == 100 {
		t.Error("re-registration must preserve historical success rate")
	}
}

func TestHeartbeatOverwritesMetrics(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := r.Register("client-1", nil, 5, "")

	load := 3
	avg := 850.0
	rate := 72.5
	if err := r.Heartbeat(id, &load, &avg, &rate); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	w, _ := r.Get(id)
	if w.CurrentLoad != 3 {
		t.Errorf("load = %d, want 3", w.CurrentLoad)
	}
	if w.AvgResponseTime != 850 {
		t.Errorf("avg response time = %v, want 850 (authoritative overwrite)", w.AvgResponseTime)
	}
	if w.SuccessRate != 72.5 {
		t.Errorf("success rate = %v, want 72.5", w.SuccessRate)
	}
}

func TestHeartbeatClampsReportedLoad(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := r.Register("client-1", nil, 5, "")

	over := 99
	r.Heartbeat(id, &over, nil, nil)
	if w, _ := r.Get(id); w.CurrentLoad != 5 {
		t.Errorf("load = %d, want clamp to max concurrency 5", w.CurrentLoad)
	}

	under := -4
	r.Heartbeat(id, &under, nil, nil)
	if w, _ := r.Get(id); w.CurrentLoad != 0 {
		t.Errorf("load = %d, want clamp to 0", w.CurrentLoad)
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Heartbeat("no-such-session", nil, nil, nil); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestReportOutcomeBlendsExponentially(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := r.Register("client-1", nil, 5, "")

	// Fresh worker: avg 0, success rate 100.
	if err := r.ReportOutcome(id, 1000, true); err != nil {
		t.Fatalf("report outcome: %v", err)
	}
	w, _ := r.Get(id)
	if math.Abs(w.AvgResponseTime-200) > 1e-6 {
		t.Errorf("avg = %v, want 0*0.8 + 1000*0.2 = 200", w.AvgResponseTime)
	}
	if math.Abs(w.SuccessRate-100) > 1e-6 {
		t.Errorf("success rate = %v, want 100", w.SuccessRate)
	}

	if err := r.ReportOutcome(id, 500, false); err != nil {
		t.Fatalf("report outcome: %v", err)
	}
	w, _ = r.Get(id)
	if math.Abs(w.AvgResponseTime-260) > 1e-6 {
		t.Errorf("avg = %v, want 200*0.8 + 500*0.2 = 260", w.AvgResponseTime)
	}
	if math.Abs(w.SuccessRate-90) > 1e-6 {
		t.Errorf("success rate = %v, want 100*0.9 + 0*0.1 = 90", w.SuccessRate)
	}
}

func TestSelectBestSkipsSaturatedWorker(t *testing.T) {
	r := newTestRegistry(t)

	// Worker X: perfect metrics but at capacity 5/5.
	x, _ := r.Register("client-x", []string{"gpt-4o"}, 5, "")
	r.db.Exec("UPDATE workers SET current_load = 5, success_rate = 100 WHERE session_id = ?", x)

	// Worker Y: slightly worse success rate, load 2/5.
	y, _ := r.Register("client-y", []string{"gpt-4o"}, 5, "")
	r.db.Exec("UPDATE workers SET current_load = 2, success_rate = 90 WHERE session_id = ?", y)

	best, err := r.SelectBest(Requirements{Capability: "gpt-4o"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best == nil {
		t.Fatal("expected a worker")
	}
	if best.SessionID != y {
		t.Errorf("selected %s, want worker Y with spare capacity", best.ClientID)
	}
}

func TestSelectBestRanksByFitness(t *testing.T) {
	r := newTestRegistry(t)

	// A: success 100, instant, idle -> 100*0.4 + 100*0.3 + 5*0.3 = 71.5
	a, _ := r.Register("client-a", nil, 5, "")
	// B: success 90, instant, load 2 -> 90*0.4 + 100*0.3 + 3*0.3 = 66.9
	b, _ := r.Register("client-b", nil, 5, "")
	r.db.Exec("UPDATE workers SET success_rate = 90, current_load = 2 WHERE session_id = ?", b)

	best, err := r.SelectBest(Requirements{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best == nil || best.SessionID != a {
		t.Fatalf("selected %+v, want worker A", best)
	}
}

func TestSelectBestExcludesStaleWorkers(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := r.Register("client-1", nil, 5, "")
	r.db.Exec("UPDATE workers SET last_heartbeat = ? WHERE session_id = ?",
		time.Now().UTC().Add(-5*time.Minute), id)

	best, err := r.SelectBest(Requirements{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best != nil {
		t.Errorf("stale worker %s must not be selected even while active", best.ClientID)
	}
}

func TestSelectBestFiltersByCapabilityAndLocation(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("client-img", []string{"gemini-1.5-pro"}, 5, "eu-west")
	textID, _ := r.Register("client-txt", []string{"gpt-4o"}, 5, "us-east")

	best, _ := r.SelectBest(Requirements{Capability: "gpt-4o"})
	if best == nil || best.SessionID != textID {
		t.Fatalf("capability filter picked %+v, want client-txt", best)
	}

	best, _ = r.SelectBest(Requirements{Capability: "gpt-4o", PreferredLocation: "eu-west"})
	if best != nil {
		t.Errorf("no eu-west worker serves gpt-4o, got %s", best.ClientID)
	}

	// An empty declared capability set accepts anything.
	anyID, _ := r.Register("client-any", nil, 5, "ap-south")
	best, _ = r.SelectBest(Requirements{Capability: "claude-3-5-sonnet"})
	if best == nil || best.SessionID != anyID {
		t.Fatalf("open capability set should match, got %+v", best)
	}
}

func TestLoadBounds(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := r.Register("client-1", nil, 2, "")

	for i := 0; i < 5; i++ {
		r.IncrementLoad(id)
	}
	if w, _ := r.Get(id); w.CurrentLoad != 2 {
		t.Errorf("load = %d, want bound at max concurrency 2", w.CurrentLoad)
	}

	for i := 0; i < 5; i++ {
		r.ReleaseLoad(id)
	}
	if w, _ := r.Get(id); w.CurrentLoad != 0 {
		t.Errorf("load = %d, duplicate releases must clamp at 0", w.CurrentLoad)
	}
}

func TestDeactivateStale(t *testing.T) {
	r := newTestRegistry(t)
	stale, _ := r.Register("client-stale", nil, 5, "")
	fresh, _ := r.Register("client-fresh", nil, 5, "")
	r.db.Exec("UPDATE workers SET last_heartbeat = ? WHERE session_id = ?",
		time.Now().UTC().Add(-time.Hour), stale)

	n, err := r.DeactivateStale(10 * time.Minute)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if n != 1 {
		t.Errorf("deactivated %d workers, want 1", n)
	}
	if w, _ := r.Get(stale); w.Active {
		t.Error("stale worker still active")
	}
	if w, _ := r.Get(fresh); !w.Active {
		t.Error("fresh worker was deactivated")
	}
}

func TestStatisticsAndPollInterval(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := r.Register("client-1", nil, 10, "")

	cases := []struct {
		load     int
		interval int
	}{
		{9, 1}, {6, 2}, {3, 5}, {0, 10},
	}
	for _, tc := range cases {
		r.db.Exec("UPDATE workers SET current_load = ? WHERE session_id = ?", tc.load, id)
		got, err := r.AdvisePollInterval()
		if err != nil {
			t.Fatalf("advise: %v", err)
		}
		if got != tc.interval {
			t.Errorf("load %d/10: interval = %ds, want %ds", tc.load, got, tc.interval)
		}
	}

	r.db.Exec("UPDATE workers SET current_load = 4 WHERE session_id = ?", id)
	stats, err := r.Statistics()
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalCapacity != 10 || stats.TotalLoad != 4 {
		t.Errorf("capacity/load = %d/%d, want 10/4", stats.TotalCapacity, stats.TotalLoad)
	}
	if stats.UtilizationPct != 40 {
		t.Errorf("utilization = %v, want 40", stats.UtilizationPct)
	}
}
