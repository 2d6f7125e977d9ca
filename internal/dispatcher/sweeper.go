package dispatcher

import (
	"context"
	"log"
	"time"
)

// RunSweeps drives the maintenance loops: timing out stuck jobs and
// deactivating stale workers. Persistence errors here are logged and
// retried on the next cycle; no caller is waiting on a sweep.
func (d *Dispatcher) RunSweeps(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[SWEEP] started interval=%s job_timeout=%s", d.cfg.SweepInterval, d.cfg.JobTimeout)
	for {
		select {
		case <-ctx.Done():
			log.Println("[SWEEP] shutting down")
			return
		case <-ticker.C:
			d.sweepOnce()
		}
	}
}

func (d *Dispatcher) sweepOnce() {
	swept, err := d.jobs.SweepTimeouts(d.cfg.JobTimeout)
	if err != nil {
		log.Printf("[ERROR] timeout sweep: %v", err)
	}
	if swept > 0 {
		log.Printf("[SWEEP] timed out %d jobs", swept)
		d.onUpdate()
	}

	stale, err := d.workers.DeactivateStale(d.cfg.DeactivateAfter)
	if err != nil {
		log.Printf("[ERROR] stale-worker sweep: %v", err)
	}
	if stale > 0 {
		log.Printf("[SWEEP] deactivated %d stale workers", stale)
		d.onUpdate()
	}
}
