// Package webhook receives GitHub pull request review events and feeds
// approvals performed on GitHub back into the pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v41/github"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/pipeline"
)

// ReviewHandler applies an approval observed on the remote platform.
// *pipeline.Orchestrator satisfies it.
type ReviewHandler interface {
	HandleReviewApproved(ctx context.Context, ev pipeline.ReviewEvent) (*pipeline.ReviewResult, error)
}

// Server handles inbound GitHub webhooks.
type Server struct {
	reviews    ReviewHandler
	secret     []byte
	mux        *http.ServeMux
	mu         sync.Mutex
	httpServer *http.Server
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Reviews ReviewHandler
	// Secret validates X-Hub-Signature-256. Empty disables validation.
	Secret []byte
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		reviews: cfg.Reviews,
		secret:  cfg.Secret,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/webhooks/github", s.handleGitHub)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpServer = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
// A server that was never started cannot be started afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	if srv == nil {
		s.httpServer = &http.Server{}
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Response is the JSON body returned for every webhook delivery.
type Response struct {
	Success      bool            `json:"success"`
	Outcome      string          `json:"outcome,omitempty"`
	CapabilityID string          `json:"capabilityId,omitempty"`
	Stage        string          `json:"stage,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Error        *apperr.Payload `json:"error,omitempty"`
}

// handleGitHub handles POST /webhooks/github
func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, apperr.New(apperr.CodeInvalidInput, "method not allowed: use POST"), "")
		return
	}

	delivery := r.Header.Get("X-GitHub-Delivery")
	ctx := pipeline.WithCorrelationID(r.Context(), delivery)
	correlationID := logging.CorrelationID(ctx)
	log := logging.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	payload, err := s.readPayload(r)
	if err != nil {
		log.Warn("Rejected webhook delivery", "error", err)
		s.writeError(w, http.StatusUnauthorized, apperr.Wrap(apperr.CodeInvalidInput, err), correlationID)
		return
	}

	eventType := gh.WebHookType(r)
	event, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, apperr.Wrap(apperr.CodeInvalidInput, err), correlationID)
		return
	}

	review, ok := event.(*gh.PullRequestReviewEvent)
	if !ok {
		log.Debug("Ignoring webhook event", "type", eventType)
		s.writeJSON(w, http.StatusAccepted, Response{Success: true, Outcome: pipeline.ReviewIgnored})
		return
	}
	if !strings.EqualFold(review.GetReview().GetState(), "approved") {
		log.Debug("Ignoring review", "state", review.GetReview().GetState())
		s.writeJSON(w, http.StatusAccepted, Response{Success: true, Outcome: pipeline.ReviewIgnored})
		return
	}

	ev := pipeline.ReviewEvent{
		Ref:         review.GetPullRequest().GetHead().GetRef(),
		Reviewer:    review.GetReview().GetUser().GetLogin(),
		SubmittedAt: review.GetReview().GetSubmittedAt(),
	}
	log.Info("Review approved on GitHub", "ref", ev.Ref, "reviewer", ev.Reviewer, "submitted_at", ev.SubmittedAt)

	result, err := s.reviews.HandleReviewApproved(ctx, ev)
	if err != nil {
		s.writeError(w, statusFor(err), err, correlationID)
		return
	}
	resp := Response{Success: true, Outcome: result.Outcome, Stage: string(result.Stage), Reason: result.Reason}
	if result.Capability != nil {
		resp.CapabilityID = result.Capability.ID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readPayload(r *http.Request) ([]byte, error) {
	if len(s.secret) == 0 {
		return io.ReadAll(r.Body)
	}
	return gh.ValidatePayload(r, s.secret)
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, err error, correlationID string) {
	payload := apperr.ToPayload(err, correlationID)
	s.writeJSON(w, status, Response{Success: false, Error: &payload})
}

func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeStageMismatch, apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
