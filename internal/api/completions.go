package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"inference-bridge/internal/errs"
	"inference-bridge/internal/models"
)

// ChatCompletions handles POST /v1/chat/completions. All admission errors
// are returned synchronously as HTTP errors; once the job is queued,
// failures become a final error frame or object instead.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cred, err := s.auth.Authenticate(bearerKey(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "invalid request body"))
		return
	}

	job, err := s.dispatcher.Submit(cred.UserID, cred.Tier, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if job.Stream {
		s.relayStream(w, job)
		return
	}

	text, done, err := s.dispatcher.Await(job.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ChatCompletionResponse{
		ID:      "chatcmpl-" + job.ID,
		Object:  "chat.completion",
		Created: done.CreatedAt.Unix(),
		Model:   job.Model,
		Choices: []models.ChatChoice{{
			Message:      &models.ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: models.Usage{
			PromptTokens:     done.InputTokens,
			CompletionTokens: done.OutputTokens,
			TotalTokens:      done.InputTokens + done.OutputTokens,
		},
	})
}

// relayStream reconstructs a push-style SSE stream from the chunk store by
// polling it until a terminal chunk arrives or the wall clock expires.
func (s *Server) relayStream(w http.ResponseWriter, job *models.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.KindPersistence, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	streamID := "chatcmpl-" + job.ID
	s.writeFrame(w, chunkFrame(streamID, job, models.ChatDelta{Role: "assistant"}, nil))
	flusher.Flush()

	deadline := time.Now().Add(s.dispatcher.WallClock())
	var after int64
	for {
		chunks, err := s.dispatcher.ReadChunks(job.ID, after)
		if err != nil {
			s.writeErrorFrame(w, flusher, errs.KindPersistence, "stream read failed")
			return
		}
		for _, c := range chunks {
			after = c.Sequence
			switch c.Kind {
			case models.ChunkData:
				s.writeFrame(w, chunkFrame(streamID, job, models.ChatDelta{Content: c.Payload}, nil))
			case models.ChunkDone:
				stop := "stop"
				s.writeFrame(w, chunkFrame(streamID, job, models.ChatDelta{}, &stop))
				s.writeDone(w)
				flusher.Flush()
				return
			case models.ChunkError:
				s.writeErrorFrame(w, flusher, errs.KindWorkerReported, c.Payload)
				return
			}
		}
		flusher.Flush()

		status, err := s.dispatcher.JobStatus(job.ID)
		if err != nil {
			s.writeErrorFrame(w, flusher, errs.Kind(err), "job lookup failed")
			return
		}
		if models.IsTerminal(status.Status) && status.Status != models.StatusCompleted {
			s.writeErrorFrame(w, flusher, errs.KindWorkerReported, status.ErrorMessage)
			return
		}

		if time.Now().After(deadline) {
			s.dispatcher.ForceTimeout(job.ID)
			s.writeErrorFrame(w, flusher, errs.KindStreamTimeout, "timed out waiting for response")
			return
		}
		time.Sleep(s.dispatcher.PollStep())
	}
}

func chunkFrame(id string, job *models.Job, delta models.ChatDelta, finish *string) models.ChatCompletionChunk {
	return models.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: job.CreatedAt.Unix(),
		Model:   job.Model,
		Choices: []models.ChatChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

func (s *Server) writeFrame(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ERROR] encode stream frame: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) writeErrorFrame(w http.ResponseWriter, flusher http.Flusher, kind, message string) {
	s.writeFrame(w, models.ErrorBody{Error: models.ErrorDetail{Kind: kind, Message: message}})
	s.writeDone(w)
	flusher.Flush()
}

func (s *Server) writeDone(w http.ResponseWriter) {
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// Usage handles GET /v1/usage.
func (s *Server) Usage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cred, err := s.auth.Authenticate(bearerKey(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var since time.Time
	switch r.URL.Query().Get("range") {
	case "", "day":
		since = time.Now().UTC().AddDate(0, 0, -1)
	case "week":
		since = time.Now().UTC().AddDate(0, 0, -7)
	case "month":
		since = time.Now().UTC().AddDate(0, -1, 0)
	case "all":
		// zero time covers everything
	default:
		writeError(w, errs.New(errs.KindValidation, "range must be day, week, month, or all"))
		return
	}
	details := r.URL.Query().Get("details") == "true"

	report, err := s.jobs.Usage(cred.UserID, since, details)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func bearerKey(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
