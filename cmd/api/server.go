package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"opsledger/approval"
	"opsledger/auth"
	"opsledger/ledger"
	"opsledger/signing"
)

type ledgerService interface {
	RecordEvent(ctx context.Context, ev ledger.Event) (ledger.Receipt, error)
	GetLatestEvents(ctx context.Context, limit int) ([]ledger.Entry, error)
	Verify(ctx context.Context) (ledger.VerificationReport, error)
	Export(ctx context.Context, w ledger.EntryWriter, afterSeq int64) (int, error)
	Signer() signing.Signer
}

type approvalService interface {
	CreatePendingAction(ctx context.Context, initiator auth.Identity, actionType ledger.ActionType, payload json.RawMessage) (approval.PendingAction, error)
	ApproveAction(ctx context.Context, actionID string, approver auth.Identity) (approval.ApprovalResult, error)
	RejectAction(ctx context.Context, actionID string, actor auth.Identity, reason string) (approval.PendingAction, error)
	GetPendingActions(ctx context.Context) ([]approval.PendingAction, error)
}

type authenticator interface {
	Authenticate(ctx context.Context, header string) (auth.Identity, error)
}

// Server is the HTTP boundary: it binds identity from the bearer token and
// enforces the dual-authorization policy before anything reaches the ledger.
type Server struct {
	ledger     ledgerService
	approvals  approvalService
	auth       authenticator
	dualAuth   map[ledger.ActionType]bool
	limiter    *visitorLimiter
	// trustProxy keys the limiter on forwarded client headers instead of
	// the socket peer.
	trustProxy bool
	ready      func(ctx context.Context) error
	logger     *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// routes builds the router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/public-key", s.handlePublicKey)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/event", s.handleRecordEvent)
			r.Post("/request-approval", s.handleRequestApproval)
			r.Post("/approve/{id}", s.handleApprove)
			r.Post("/reject/{id}", s.handleReject)
			r.Get("/pending", s.handlePending)
			r.Get("/events", s.handleEvents)
			r.Get("/verify", s.handleVerify)
			r.Get("/export", s.handleExport)
		})
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				s.log().InfoContext(r.Context(), "request unauthenticated", "path", r.URL.Path, "error", err)
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "valid bearer token required", false)
				return
			}
			s.log().ErrorContext(r.Context(), "authenticate", "error", err)
			writeError(w, r, http.StatusInternalServerError, "INTERNAL", "authentication unavailable", true)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity, id)))
	})
}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(auth.Identity)
	return id, ok && id.ActorID != ""
}

// requireWriter resolves the caller and checks it may mutate state.
func (s *Server) requireWriter(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "valid bearer token required", false)
		return auth.Identity{}, false
	}
	if !id.CanWrite() {
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "role may not modify the ledger", false)
		return auth.Identity{}, false
	}
	return id, true
}

type actionRequest struct {
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload"`

	// Present only so that a client-supplied identity is detected and refused.
	ActorID          json.RawMessage `json:"actor_id,omitempty"`
	SecondaryActorID json.RawMessage `json:"secondary_actor_id,omitempty"`
}

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (ledger.ActionType, json.RawMessage, bool) {
	var req actionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), false)
		return "", nil, false
	}
	if len(req.ActorID) > 0 || len(req.SecondaryActorID) > 0 {
		writeError(w, r, http.StatusBadRequest, "IDENTITY_IN_BODY", "actor identity is taken from the bearer token, not the request body", false)
		return "", nil, false
	}
	actionType, err := ledger.ParseActionType(req.ActionType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ACTION_TYPE", err.Error(), false)
		return "", nil, false
	}
	return actionType, req.Payload, true
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	actionType, payload, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	if s.dualAuth[actionType] {
		writeError(w, r, http.StatusConflict, "DUAL_AUTH_REQUIRED",
			string(actionType)+" requires a second signature; use /ledger/request-approval", false)
		return
	}

	receipt, err := s.ledger.RecordEvent(r.Context(), ledger.Event{
		ActorID:    id.ActorID,
		ActionType: actionType,
		Payload:    payload,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

type pendingResponse struct {
	ID        string          `json:"id"`
	Status    approval.Status `json:"status"`
	ExpiresAt string          `json:"expires_at"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	actionType, payload, ok := s.decodeAction(w, r)
	if !ok {
		return
	}

	action, err := s.approvals.CreatePendingAction(r.Context(), id, actionType, payload)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pendingResponse{
		ID:        action.ID,
		Status:    action.Status,
		ExpiresAt: action.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	result, err := s.approvals.ApproveAction(r.Context(), chi.URLParam(r, "id"), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), false)
			return
		}
	}
	action, err := s.approvals.RejectAction(r.Context(), chi.URLParam(r, "id"), id, req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": action.ID, "status": action.Status})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := s.approvals.GetPendingActions(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []approval.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := ledger.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false)
			return
		}
		limit = n
	}
	items, err := s.ledger.GetLatestEvents(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Verify(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var afterSeq int64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_AFTER_SEQ", "after_seq must be a non-negative integer", false)
			return
		}
		afterSeq = n
	}

	// A prefix of the chain verifies on its own, so nothing is sent until the
	// whole export has been read.
	var buf bytes.Buffer
	n, err := s.ledger.Export(r.Context(), ledger.NewNDJSONWriter(&buf), afterSeq)
	if err != nil {
		s.log().ErrorContext(r.Context(), "export failed", "read", n, "error", err)
		s.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Ledger-Entries", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.log().WarnContext(r.Context(), "export write", "entries", n, "error", err)
	}
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	signer := s.ledger.Signer()
	writeJSON(w, http.StatusOK, map[string]string{
		"key_id":     signer.KeyID(),
		"public_key": hex.EncodeToString(signer.PublicKey()),
		"algorithm":  signing.Algorithm,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable", true)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps service errors to stable HTTP codes. Retryable marks
// failures that rolled back atomically and can be resubmitted unchanged.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if approval.IsBusinessRuleError(err) {
		s.log().InfoContext(r.Context(), "approval request refused", "path", r.URL.Path, "reason", err.Error())
	}
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "pending action not found", false)
	case errors.Is(err, approval.ErrSelfApproval):
		writeError(w, r, http.StatusForbidden, "SELF_APPROVAL", "the initiator cannot approve their own action", false)
	case errors.Is(err, approval.ErrInvalidState):
		writeError(w, r, http.StatusConflict, "INVALID_STATE", "action is no longer pending", false)
	case errors.Is(err, approval.ErrExpired):
		writeError(w, r, http.StatusGone, "EXPIRED", "approval window has closed", false)
	case errors.Is(err, ledger.ErrUnknownActionType):
		writeError(w, r, http.StatusBadRequest, "INVALID_ACTION_TYPE", err.Error(), false)
	case errors.Is(err, ledger.ErrInvalidPayload):
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "payload must be valid JSON", false)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "valid bearer token required", false)
	case errors.Is(err, ledger.ErrTailConflict):
		writeError(w, r, http.StatusConflict, "TAIL_CONFLICT", "concurrent commit claimed the tail; nothing was written", true)
	case errors.Is(err, ledger.ErrPersistenceFailure):
		s.log().ErrorContext(r.Context(), "persistence failure", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "PERSISTENCE_FAILURE", "storage unavailable; nothing was written", true)
	case errors.Is(err, signing.ErrSignatureFailure):
		s.log().ErrorContext(r.Context(), "signature failure", "error", err)
		writeError(w, r, http.StatusInternalServerError, "SIGNATURE_FAILURE", "server could not sign the entry; nothing was written", false)
	default:
		s.log().ErrorContext(r.Context(), "unhandled error", "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", false)
	}
}
