// Package dispatcher composes the job store, worker registry, rate
// limiter, and chunk store into the submit -> select -> claim ->
// stream/wait -> complete flow.
package dispatcher

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"inference-bridge/internal/catalog"
	"inference-bridge/internal/chunkstore"
	"inference-bridge/internal/config"
	"inference-bridge/internal/errs"
	"inference-bridge/internal/jobstore"
	"inference-bridge/internal/models"
	"inference-bridge/internal/ratelimit"
	"inference-bridge/internal/registry"
	"inference-bridge/internal/tokens"
)

// Dispatcher is the façade over the dispatcher core.
type Dispatcher struct {
	cfg       config.Config
	jobs      *jobstore.Store
	workers   *registry.Registry
	limiter   *ratelimit.Limiter
	chunks    *chunkstore.Store
	estimator tokens.Estimator
	onUpdate  func() // dashboard broadcast hook
}

// New wires the dispatcher together. onUpdate may be nil.
func New(cfg config.Config, jobs *jobstore.Store, workers *registry.Registry,
	limiter *ratelimit.Limiter, chunks *chunkstore.Store, estimator tokens.Estimator,
	onUpdate func()) *Dispatcher {
	if onUpdate == nil {
		onUpdate = func() {}
	}
	return &Dispatcher{
		cfg:       cfg,
		jobs:      jobs,
		workers:   workers,
		limiter:   limiter,
		chunks:    chunks,
		estimator: estimator,
		onUpdate:  onUpdate,
	}
}

// Submit runs the full admission pipeline and enqueues a job. Every
// rejection happens before the job row exists, so a rejected submission
// leaves no partial state behind.
func (d *Dispatcher) Submit(userID, tier string, req models.ChatCompletionRequest) (*models.Job, error) {
	model, ok := catalog.Lookup(req.Model)
	if !ok {
		return nil, errs.Newf(errs.KindValidation, "unsupported model %q", req.Model)
	}
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.KindValidation, "messages must not be empty")
	}

	payload, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, errs.Newf(errs.KindValidation, "unencodable messages: %v", err)
	}
	inputTokens := d.estimator.Estimate(string(payload))
	if inputTokens > model.MaxInputTokens {
		return nil, errs.Newf(errs.KindValidation, "input of %d tokens exceeds %s limit of %d",
			inputTokens, model.Name, model.MaxInputTokens)
	}

	limits := catalog.LimitsFor(tier)
	allowed, windows, err := d.limiter.Check(userID, limits)
	if err != nil {
		return nil, err
	}
	if !allowed {
		log.Printf("[RATE_LIMIT] user=%s tier=%s", userID, tier)
		return nil, errs.New(errs.KindRateLimit, "rate limit exceeded").WithDetails(windows)
	}

	// Admission probe: reject fast when no worker anywhere could serve
	// this model. The probe does not reserve the worker; claim-time
	// selection happens when a worker polls.
	best, err := d.workers.SelectBest(registry.Requirements{Capability: req.Model})
	if err != nil {
		return nil, err
	}
	if best == nil {
		interval, _ := d.workers.AdvisePollInterval()
		log.Printf("[NO_WORKER] model=%s user=%s", req.Model, userID)
		return nil, errs.Newf(errs.KindNoWorker, "no worker available for model %s", req.Model).
			WithDetails(map[string]interface{}{"retry_after_seconds": interval})
	}

	priority := catalog.PriorityFor(tier)
	cost := float64(inputTokens) / 1000 * model.CostPer1K
	jobID, err := d.jobs.Enqueue(userID, req.Model, string(payload), priority, req.Stream, inputTokens, cost)
	if err != nil {
		return nil, err
	}
	log.Printf("[SUBMIT] job=%s user=%s model=%s priority=%d stream=%v", jobID, userID, req.Model, priority, req.Stream)
	d.onUpdate()

	return d.jobs.Get(jobID)
}

// PollWork handles one worker poll: heartbeat with self-reported metrics,
// then an atomic claim attempt. The response always carries an advised
// next-poll interval; the worker is never blocked server-side.
func (d *Dispatcher) PollWork(sessionID string, req models.PollRequest) (*models.PollResponse, error) {
	if err := d.workers.Heartbeat(sessionID, req.CurrentLoad, req.AverageResponseTime, req.SuccessRate); err != nil {
		return nil, err
	}
	worker, err := d.workers.Get(sessionID)
	if err != nil {
		return nil, err
	}

	interval, err := d.workers.AdvisePollInterval()
	if err != nil {
		return nil, err
	}
	resp := &models.PollResponse{PollInterval: interval}

	// A deactivated session must re-register before it can claim again.
	if !worker.Active || worker.AvailableCapacity() <= 0 {
		return resp, nil
	}
	job, err := d.jobs.ClaimNext(worker)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return resp, nil
	}

	log.Printf("[CLAIM] job=%s worker=%s priority=%d", job.ID, worker.ClientID, job.Priority)
	d.onUpdate()
	resp.HasRequest = true
	resp.Request = &models.WorkRequest{
		JobID:     job.ID,
		Model:     job.Model,
		Payload:   job.Payload,
		Stream:    job.Stream,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
	}
	return resp, nil
}

// HandleReport processes a chunk, completion, or error report from a
// worker. Reports for jobs no longer assigned to the reporting session are
// dropped; a reassigned job's late reports must not corrupt the stream.
func (d *Dispatcher) HandleReport(sessionID string, report models.WorkerReport) error {
	job, err := d.jobs.Get(report.JobID)
	if err != nil {
		return err
	}
	if job.AssignedWorker != sessionID {
		log.Printf("[STALE_REPORT] job=%s session=%s type=%s", report.JobID, sessionID, report.Type)
		return errs.Newf(errs.KindValidation, "job %s is not assigned to this session", report.JobID)
	}

	switch report.Type {
	case models.ReportChunk:
		return d.appendNext(report.JobID, report.Content, models.ChunkData)

	case models.ReportComplete:
		return d.finishJob(sessionID, job, report)

	case models.ReportError:
		msg := report.ErrorMessage
		if msg == "" {
			msg = "worker reported an error"
		}
		if err := d.appendNext(report.JobID, msg, models.ChunkError); err != nil {
			return err
		}
		if err := d.jobs.Complete(report.JobID, 0, 0, models.StatusFailed, msg); err != nil {
			return err
		}
		log.Printf("[FAILED] job=%s worker=%s type=%s", report.JobID, sessionID, report.ErrorType)
		d.reportOutcome(sessionID, report.ResponseTimeMs, false)
		d.onUpdate()
		return nil

	default:
		return errs.Newf(errs.KindValidation, "unknown report type %q", report.Type)
	}
}

// finishJob records a successful completion: the terminal done chunk, the
// token/cost accounting, and the worker's smoothed-metric blend.
func (d *Dispatcher) finishJob(sessionID string, job *models.Job, report models.WorkerReport) error {
	text := report.FullResponse
	if text == "" {
		// Streaming path: the worker already uploaded data chunks.
		chunks, err := d.chunks.ReadFrom(job.ID, 0)
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, c := range chunks {
			if c.Kind == models.ChunkData {
				sb.WriteString(c.Payload)
			}
		}
		text = sb.String()
	} else {
		if err := d.appendNext(job.ID, text, models.ChunkData); err != nil {
			return err
		}
	}
	if err := d.appendNext(job.ID, "", models.ChunkDone); err != nil {
		return err
	}

	outputTokens := d.estimator.Estimate(text)
	cost := 0.0
	if m, ok := catalog.Lookup(job.Model); ok {
		cost = float64(outputTokens) / 1000 * m.CostPer1K
	}
	if err := d.jobs.Complete(job.ID, outputTokens, cost, models.StatusCompleted, ""); err != nil {
		return err
	}
	log.Printf("[COMPLETE] job=%s worker=%s output_tokens=%d", job.ID, sessionID, outputTokens)
	d.reportOutcome(sessionID, report.ResponseTimeMs, true)
	d.onUpdate()
	return nil
}

// appendNext stores a chunk at the next free sequence. The dispatcher
// assigns sequences itself so zero-based or gappy worker numbering cannot
// break the reader contract.
func (d *Dispatcher) appendNext(jobID, payload, kind string) error {
	last, err := d.chunks.LastSequence(jobID)
	if err != nil {
		return err
	}
	return d.chunks.Append(jobID, last+1, payload, kind)
}

func (d *Dispatcher) reportOutcome(sessionID string, responseTimeMs float64, success bool) {
	if err := d.workers.ReportOutcome(sessionID, responseTimeMs, success); err != nil {
		log.Printf("[ERROR] report outcome for %s: %v", sessionID, err)
	}
}

// ReadChunks returns one poll step's worth of new chunks for the SSE relay.
func (d *Dispatcher) ReadChunks(jobID string, afterSequence int64) ([]models.Chunk, error) {
	return d.chunks.ReadFrom(jobID, afterSequence)
}

// PollStep is the configured delay between client-side chunk polls.
func (d *Dispatcher) PollStep() time.Duration { return d.cfg.StreamPollStep }

// WallClock is the overall bound on waiting for a job's response.
func (d *Dispatcher) WallClock() time.Duration { return d.cfg.StreamWallClock }

// Await blocks until a job's stream terminates and returns the
// concatenated response text. On wall-clock expiry the job is forced to
// timeout and a stream-timeout error is returned.
func (d *Dispatcher) Await(jobID string) (string, *models.Job, error) {
	deadline := time.Now().Add(d.cfg.StreamWallClock)
	var sb strings.Builder
	var after int64

	for {
		chunks, err := d.chunks.ReadFrom(jobID, after)
		if err != nil {
			return "", nil, err
		}
		for _, c := range chunks {
			after = c.Sequence
			switch c.Kind {
			case models.ChunkData:
				sb.WriteString(c.Payload)
			case models.ChunkDone:
				job, err := d.jobs.Get(jobID)
				return sb.String(), job, err
			case models.ChunkError:
				job, _ := d.jobs.Get(jobID)
				return "", job, errs.New(errs.KindWorkerReported, c.Payload)
			}
		}

		// A job can reach a terminal status without a terminal chunk
		// (timeout sweep); surface that instead of spinning.
		job, err := d.jobs.Get(jobID)
		if err != nil {
			return "", nil, err
		}
		if models.IsTerminal(job.Status) && job.Status != models.StatusCompleted {
			return "", job, errs.Newf(errs.KindWorkerReported, "job %s: %s", job.Status, job.ErrorMessage)
		}

		if time.Now().After(deadline) {
			d.ForceTimeout(jobID)
			return "", job, errs.ErrStreamTimeout
		}
		time.Sleep(d.cfg.StreamPollStep)
	}
}

// ForceTimeout drives an abandoned job to its terminal state and closes
// its stream with a synthetic terminal chunk.
func (d *Dispatcher) ForceTimeout(jobID string) {
	msg := "response wait exceeded " + d.cfg.StreamWallClock.String()
	if err := d.jobs.Complete(jobID, 0, 0, models.StatusTimeout, msg); err != nil {
		log.Printf("[ERROR] force timeout job=%s: %v", jobID, err)
		return
	}
	if err := d.appendNext(jobID, msg, models.ChunkError); err != nil {
		log.Printf("[ERROR] timeout chunk job=%s: %v", jobID, err)
	}
	log.Printf("[TIMEOUT] job=%s", jobID)
	d.onUpdate()
}

// JobStatus returns a job view by id.
func (d *Dispatcher) JobStatus(jobID string) (*models.Job, error) {
	return d.jobs.Get(jobID)
}

// RateStatus returns the read-only per-window usage snapshot for a user.
func (d *Dispatcher) RateStatus(userID, tier string) (map[string]models.WindowStatus, error) {
	return d.limiter.Status(userID, catalog.LimitsFor(tier))
}
