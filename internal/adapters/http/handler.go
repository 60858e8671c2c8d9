package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PabloGalante/callcore/internal/app/conversation"
	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/app/suggestions"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

const maxPolicyBody = 1 << 20

type Deps struct {
	Conversation *conversation.Service
	Compiler     *policy.Compiler
	Engine       *policy.Engine
	Suggestions  *suggestions.Service
	Metrics      *observability.Metrics
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	s := &Server{deps: deps}
	r := chi.NewRouter()
	r.Use(withRequestID, withLogging, withRecover, withCORS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		r.Post("/calls/{call}/turns", s.handleTurn)
		r.Post("/calls/{call}/finalize", s.handleFinalize)
		r.Get("/calls/{call}", s.handleGetCall)

		r.Put("/policy", s.handlePutPolicy)
		r.Get("/policy", s.handleGetPolicy)

		r.Get("/suggestions", s.handleListSuggestions)
	})

	return r
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type turnRequest struct {
	CallerID      string                `json:"caller_id"`
	Utterance     string                `json:"utterance"`
	SessionHandle *domain.SessionHandle `json:"session_handle,omitempty"`
}

type finalizeRequest struct {
	Outcome string `json:"outcome"`
}

type compileResponse struct {
	TenantID string        `json:"tenant_id"`
	Version  int64         `json:"version"`
	Checksum string        `json:"checksum"`
	Report   policy.Report `json:"report"`
}

type policyResponse struct {
	TenantID       string          `json:"tenant_id"`
	Version        int64           `json:"version"`
	Checksum       string          `json:"checksum"`
	CompiledAt     time.Time       `json:"compiled_at"`
	FromDefault    bool            `json:"from_default"`
	AllowedActions []domain.Action `json:"allowed_actions"`
	Rules          []domain.RuleID `json:"rules"`
	Document       policy.Document `json:"document"`
}

type suggestionsResponse struct {
	Suggestions []*domain.Suggestion `json:"suggestions"`
}

// ─────────────────────────────────────────────
// Concrete handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tenant, call := pathIDs(r)
	if req.SessionHandle != nil && req.SessionHandle.CallID != "" && req.SessionHandle.CallID != call {
		writeError(w, http.StatusBadRequest, "session_handle belongs to another call")
		return
	}

	out := s.deps.Conversation.ProcessTurn(r.Context(), conversation.ProcessTurnInput{
		TenantID:  tenant,
		CallID:    call,
		CallerID:  domain.CallerID(req.CallerID),
		Utterance: req.Utterance,
		Handle:    req.SessionHandle,
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	outcome := domain.CallOutcome(req.Outcome)
	if !outcome.Valid() {
		writeError(w, http.StatusBadRequest, "outcome must be one of RESOLVED, BOOKED, TRANSFERRED, MESSAGE_TAKEN, ABANDONED")
		return
	}

	tenant, call := pathIDs(r)
	sess, err := s.deps.Conversation.EndCall(r.Context(), conversation.EndCallInput{
		TenantID: tenant,
		CallID:   call,
		Outcome:  outcome,
	})
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	tenant, call := pathIDs(r)
	sess, err := s.deps.Conversation.GetCall(r.Context(), tenant, call)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handlePutPolicy compiles the posted rule set (YAML or JSON) and publishes
// it as the tenant's active artifact.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Compiler == nil {
		writeError(w, http.StatusServiceUnavailable, "policy compiler not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if len(body) > maxPolicyBody {
		writeError(w, http.StatusRequestEntityTooLarge, "rule set too large")
		return
	}

	tenant, _ := pathIDs(r)
	rs, err := policy.ParseRuleSet(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rs.TenantID == "" {
		rs.TenantID = tenant
	}
	if rs.TenantID != tenant {
		writeError(w, http.StatusBadRequest, "tenant_id does not match the URL")
		return
	}

	art, report, err := s.deps.Compiler.Compile(r.Context(), rs)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, compileResponse{
		TenantID: string(art.TenantID),
		Version:  art.Version,
		Checksum: art.Checksum,
		Report:   report,
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenant, _ := pathIDs(r)
	engine := s.deps.Engine
	if engine == nil {
		engine = policy.NewEngine(nil, nil)
	}

	art, fromDefault := engine.Artifact(r.Context(), tenant)
	writeJSON(w, http.StatusOK, policyResponse{
		TenantID:       string(tenant),
		Version:        art.Version,
		Checksum:       art.Checksum,
		CompiledAt:     art.CompiledAt,
		FromDefault:    fromDefault,
		AllowedActions: art.AllowedActions(),
		Rules:          art.RuleIDs(),
		Document:       art.Document(),
	})
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	tenant, _ := pathIDs(r)
	svc := s.deps.Suggestions
	if svc == nil {
		svc = suggestions.NewService(nil)
	}
	out, err := svc.List(r.Context(), tenant, limit)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestionsResponse{Suggestions: out})
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func pathIDs(r *http.Request) (domain.TenantID, domain.CallID) {
	return domain.TenantID(chi.URLParam(r, "tenant")), domain.CallID(chi.URLParam(r, "call"))
}

func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidRuleSet):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCompileInProgress), errors.Is(err, domain.ErrStaleVersion):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrSessionStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
