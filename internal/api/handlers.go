package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	ws "github.com/gorilla/websocket"

	"inference-bridge/internal/auth"
	"inference-bridge/internal/dispatcher"
	"inference-bridge/internal/errs"
	"inference-bridge/internal/jobstore"
	"inference-bridge/internal/livefeed"
	"inference-bridge/internal/models"
	"inference-bridge/internal/registry"
)

// sessionHeader carries the worker's session id on poll and response calls.
const sessionHeader = "X-Browser-Session-ID"

// Server holds all HTTP handlers and dependencies.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	jobs       *jobstore.Store
	workers    *registry.Registry
	auth       *auth.Store
	feed       *livefeed.Manager
	upgrader   ws.Upgrader
}

// NewServer creates a new API server.
func NewServer(d *dispatcher.Dispatcher, jobs *jobstore.Store, workers *registry.Registry,
	authStore *auth.Store, feed *livefeed.Manager) *Server {
	return &Server{
		dispatcher: d,
		jobs:       jobs,
		workers:    workers,
		auth:       authStore,
		feed:       feed,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetupRoutes sets up all HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/browser/register", s.RegisterWorker)
	mux.HandleFunc("/browser/poll", s.PollWork)
	mux.HandleFunc("/browser/response", s.WorkerResponse)

	mux.HandleFunc("/v1/chat/completions", s.ChatCompletions)
	mux.HandleFunc("/v1/usage", s.Usage)

	mux.HandleFunc("/api/metrics", s.Metrics)
	mux.HandleFunc("/ws", s.HandleWebSocket)
}

// RegisterWorker handles POST /browser/register.
func (s *Server) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "invalid request body"))
		return
	}
	if req.ClientIdentifier == "" {
		writeError(w, errs.New(errs.KindValidation, "client_identifier is required"))
		return
	}

	sessionID, err := s.workers.Register(req.ClientIdentifier, req.Capabilities,
		req.MaxConcurrentRequests, req.Location)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[REGISTER] client=%s session=%s max_concurrency=%d",
		req.ClientIdentifier, sessionID, req.MaxConcurrentRequests)
	s.feed.Broadcast()
	writeJSON(w, http.StatusOK, models.RegisterResponse{SessionID: sessionID})
}

// PollWork handles POST /browser/poll.
func (s *Server) PollWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeError(w, errs.ErrAuthentication)
		return
	}

	var req models.PollRequest
	if r.Body != nil {
		// An empty poll body is fine; metrics are optional.
		json.NewDecoder(r.Body).Decode(&req)
	}

	resp, err := s.dispatcher.PollWork(sessionID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// WorkerResponse handles POST /browser/response.
func (s *Server) WorkerResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeError(w, errs.ErrAuthentication)
		return
	}

	var report models.WorkerReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, errs.New(errs.KindValidation, "invalid request body"))
		return
	}
	if report.JobID == "" || report.Type == "" {
		writeError(w, errs.New(errs.KindValidation, "request_id and type are required"))
		return
	}

	if err := s.dispatcher.HandleReport(sessionID, report); err != nil {
		writeJSON(w, statusFor(err), models.WorkerReportResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, models.WorkerReportResponse{Success: true})
}

// Metrics handles GET /api/metrics for the dashboard.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.jobs.Metrics()
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.workers.Statistics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue": metrics,
		"pool":  stats,
	})
}

// HandleWebSocket upgrades dashboard clients onto the live feed.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] WebSocket upgrade failed: %v", err)
		return
	}
	s.feed.AddClient(conn)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.KindAuthentication:
		return http.StatusUnauthorized
	case errs.KindRateLimit:
		return http.StatusTooManyRequests
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNoWorker:
		return http.StatusServiceUnavailable
	case errs.KindUnknownJob:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	detail := models.ErrorDetail{Kind: errs.KindPersistence, Message: "internal error"}
	var e *errs.Error
	if errors.As(err, &e) {
		detail.Kind = e.Kind
		detail.Message = e.Message
		detail.Details = e.Details
	}
	if detail.Kind == errs.KindPersistence {
		log.Printf("[ERROR] %v", err)
	}
	writeJSON(w, statusFor(err), models.ErrorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
