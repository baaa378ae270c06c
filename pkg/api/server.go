package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quorralabs/keel/pkg/admission"
	"github.com/quorralabs/keel/pkg/contracts"
	"github.com/quorralabs/keel/pkg/kernel"
	"github.com/quorralabs/keel/pkg/lease"
	"github.com/quorralabs/keel/pkg/rpu"
	"github.com/quorralabs/keel/pkg/staging"
)

// Server routes admission requests to the underlying subsystems.
type Server struct {
	leases    *lease.Store
	gate      *staging.Gate
	admission *admission.Service
	kernel    kernel.Store
	capsules  *rpu.Gate
	auth      *SubjectResolver
}

// NewServer wires the HTTP surface. capsules may be nil when inline
// capsule adoption is disabled.
func NewServer(l *lease.Store, g *staging.Gate, a *admission.Service, k kernel.Store, capsules *rpu.Gate, auth *SubjectResolver) *Server {
	if auth == nil {
		auth = NewSubjectResolver("")
	}
	return &Server{leases: l, gate: g, admission: a, kernel: k, capsules: capsules, auth: auth}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/leases", s.handleLeaseCreate)
	mux.HandleFunc("GET /api/v1/leases", s.handleLeaseList)
	mux.HandleFunc("POST /api/v1/actions", s.handleActionSubmit)
	mux.HandleFunc("POST /api/v1/staging/{id}/approve", s.handleStagingApprove)
	mux.HandleFunc("POST /api/v1/staging/{id}/deny", s.handleStagingDeny)
	mux.HandleFunc("DELETE /api/v1/autonomy/jobs", s.handleJobFlush)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	if s.capsules != nil {
		h = CapsuleAdoption(s.capsules, h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type leaseCreateRequest struct {
	Subject    string `json:"subject,omitempty"`
	Capability string `json:"capability"`
	Scope      string `json:"scope,omitempty"`
	TTLSecs    int64  `json:"ttl_secs,omitempty"`
	Budget     *int64 `json:"budget,omitempty"`
}

func (s *Server) handleLeaseCreate(w http.ResponseWriter, r *http.Request) {
	var req leaseCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	subject, err := s.auth.Resolve(r, req.Subject)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	created, err := s.leases.Issue(r.Context(), lease.IssueRequest{
		Subject:    subject,
		Capability: req.Capability,
		Scope:      req.Scope,
		TTLSecs:    req.TTLSecs,
		Budget:     req.Budget,
	})
	if err != nil {
		if errors.Is(err, lease.ErrEmptyCapability) {
			WriteBadRequest(w, "capability must not be empty")
			return
		}
		slog.Error("lease issuance failed", "error", err)
		WriteInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleLeaseList(w http.ResponseWriter, r *http.Request) {
	active := s.leases.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"leases": active,
		"count":  len(active),
	})
}

type actionSubmitRequest struct {
	Subject string          `json:"subject,omitempty"`
	Kind    string          `json:"kind"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (s *Server) handleActionSubmit(w http.ResponseWriter, r *http.Request) {
	var req actionSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.Kind == "" {
		WriteBadRequest(w, "kind must not be empty")
		return
	}
	subject, err := s.auth.Resolve(r, req.Subject)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	result, err := s.admission.Submit(r.Context(), subject, req.Kind, req.Input)
	if err != nil {
		slog.Error("action submission failed", "kind", req.Kind, "error", err)
		WriteInternal(w)
		return
	}
	status := http.StatusAccepted
	if result.Outcome == admission.OutcomeDenied {
		status = http.StatusForbidden
	}
	writeJSON(w, status, result)
}

type stagingDecisionRequest struct {
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleStagingApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req stagingDecisionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "request body is not valid JSON")
			return
		}
	}
	decidedBy, err := s.auth.Resolve(r, req.DecidedBy)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	entry, err := s.gate.Approve(r.Context(), id, decidedBy)
	s.writeStagingResult(w, id, entry, err)
}

func (s *Server) handleStagingDeny(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req stagingDecisionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "request body is not valid JSON")
			return
		}
	}
	decidedBy, err := s.auth.Resolve(r, req.DecidedBy)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	entry, err := s.gate.Deny(r.Context(), id, req.Reason, decidedBy)
	s.writeStagingResult(w, id, entry, err)
}

func (s *Server) writeStagingResult(w http.ResponseWriter, id string, entry *contracts.StagingEntry, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, entry)
	case errors.Is(err, kernel.ErrNotFound):
		WriteNotFound(w, "staging entry "+id+" does not exist")
	case errors.Is(err, kernel.ErrNotPending):
		WriteConflict(w, "staging entry "+id+" is already decided")
	default:
		slog.Error("staging decision failed", "staging_id", id, "error", err)
		WriteInternal(w)
	}
}

func (s *Server) handleJobFlush(w http.ResponseWriter, r *http.Request) {
	scope := contracts.FlushScope(r.URL.Query().Get("state"))
	if scope == "" {
		scope = contracts.FlushAll
	}
	states, ok := scope.ActionStates()
	if !ok {
		WriteBadRequest(w, "state must be one of all, queued, in_flight")
		return
	}
	removed, err := s.kernel.DeleteActionsByState(r.Context(), states)
	if err != nil {
		slog.Error("job flush failed", "scope", scope, "error", err)
		WriteInternal(w)
		return
	}
	slog.Info("autonomy jobs flushed", "scope", scope, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   scope,
		"removed": removed,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
}
