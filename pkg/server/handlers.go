package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/auth"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/redact"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/version"
	"github.com/castellan-ai/castellan/pkg/workflow"
)

type chatBody struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.ProtocolError, err, "malformed request body")
	}
	return nil
}

func callerID(r *http.Request) string {
	if c := auth.ClaimsFrom(r.Context()); c != nil {
		return c.Subject
	}
	return "anonymous"
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	var body chatBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, fault.ProtocolError, "malformed request body")
		return
	}
	if body.Message == "" {
		writeError(w, fault.ProtocolError, "message is required")
		return
	}

	ag, err := s.dir.Resolve(r.Context(), agentID)
	if err != nil {
		writeErrorStatus(w, http.StatusNotFound, fault.ToolNotAvailable, "unknown agent "+agentID)
		return
	}

	userID := callerID(r)
	if !s.ownsThread(w, r, body.ThreadID, userID) {
		return
	}
	if !s.checkBudget(w, r, userID) {
		return
	}

	s.streamNDJSON(w, r, func(ctx context.Context, emit func(*agent.Event) bool) error {
		_, err := s.runner.StreamInto(ctx, agent.ChatRequest{
			Agent:    ag,
			ThreadID: body.ThreadID,
			UserID:   userID,
			Message:  body.Message,
		}, emit)
		return err
	})
}

func (s *Server) handleWorkflowChat(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowId")
	var body chatBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, fault.ProtocolError, "malformed request body")
		return
	}
	if body.Message == "" {
		writeError(w, fault.ProtocolError, "message is required")
		return
	}

	spec, ok := s.workflows[workflowID]
	if !ok {
		writeErrorStatus(w, http.StatusNotFound, fault.ToolNotAvailable, "unknown workflow "+workflowID)
		return
	}

	userID := callerID(r)
	if !s.ownsThread(w, r, body.ThreadID, userID) {
		return
	}
	if !s.checkBudget(w, r, userID) {
		return
	}

	s.streamNDJSON(w, r, func(ctx context.Context, emit func(*agent.Event) bool) error {
		var last error
		for ev, err := range s.orch.Stream(ctx, workflow.ChatRequest{
			Workflow: spec,
			ThreadID: body.ThreadID,
			UserID:   userID,
			Message:  body.Message,
		}) {
			if err != nil {
				last = err
				continue
			}
			if !emit(ev) {
				break
			}
		}
		return last
	})
}

type gateActionBody struct {
	Token     string         `json:"token"`
	Decision  string         `json:"decision"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

func (s *Server) handleGateAction(w http.ResponseWriter, r *http.Request) {
	var body gateActionBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, fault.ProtocolError, "malformed request body")
		return
	}
	_, replayed, err := s.gates.Resolve(body.Token, workflow.GateDecision{
		Decision:  body.Decision,
		Overrides: body.Overrides,
	})
	if err != nil {
		writeError(w, fault.KindOf(err), faultMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "replayed": replayed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	deps := map[string]string{"store": "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		deps["store"] = "unreachable"
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"version":      version.Version,
		"dependencies": deps,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, fault.PersistenceError, "listing agents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": specs})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var spec config.AgentSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, fault.ProtocolError, "malformed agent definition")
		return
	}
	if _, err := s.store.GetAgent(r.Context(), spec.ID); err == nil {
		writeErrorStatus(w, http.StatusConflict, fault.ConfigError, "agent already exists")
		return
	}
	s.upsertAgent(w, r, spec, http.StatusCreated)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var spec config.AgentSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, fault.ProtocolError, "malformed agent definition")
		return
	}
	spec.ID = chi.URLParam(r, "agentId")
	existing, err := s.store.GetAgent(r.Context(), spec.ID)
	if err != nil {
		writeErrorStatus(w, http.StatusNotFound, fault.ConfigError, "unknown agent")
		return
	}
	spec.CreatedAt = existing.CreatedAt
	s.upsertAgent(w, r, spec, http.StatusOK)
}

// upsertAgent validates, builds and activates an agent definition. The
// directory only sees agents that actually build.
func (s *Server) upsertAgent(w http.ResponseWriter, r *http.Request, spec config.AgentSpec, okStatus int) {
	if spec.Status == "" {
		spec.Status = config.AgentStatusActive
	}
	if err := spec.Validate(); err != nil {
		writeError(w, fault.ConfigError, err.Error())
		return
	}
	now := s.clock.Now()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now

	a, err := s.builder.Build(spec)
	if err != nil {
		writeError(w, fault.ConfigError, faultMessage(err))
		return
	}
	if err := s.store.PutAgent(r.Context(), &spec); err != nil {
		writeError(w, fault.PersistenceError, "persisting agent")
		return
	}
	if spec.Status == config.AgentStatusActive {
		s.dir.Register(a)
	} else {
		s.dir.Remove(spec.ID)
	}
	writeJSON(w, okStatus, spec)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		writeErrorStatus(w, http.StatusNotFound, fault.ConfigError, "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentId")
	if err := s.store.DeleteAgent(r.Context(), id); err != nil {
		writeErrorStatus(w, http.StatusNotFound, fault.ConfigError, "unknown agent")
		return
	}
	s.dir.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	page, err := s.store.ListThreads(r.Context(), callerID(r), chi.URLParam(r, "agentId"), limit, offset)
	if err != nil {
		writeError(w, fault.PersistenceError, "listing threads")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Threads created here are agent threads; workflow threads are opened
// by the orchestrator. Exactly one of agentId/workflowId is ever set,
// so the body accepts no workflow reference.
type createThreadBody struct {
	Title string `json:"title,omitempty"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body createThreadBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, fault.ProtocolError, "malformed request body")
		return
	}
	now := s.clock.Now()
	t := &store.Thread{
		ID:        s.gen.ThreadID(),
		OwnerID:   callerID(r),
		AgentID:   chi.URLParam(r, "agentId"),
		Title:     redact.Preview(body.Title, 64),
		Status:    store.ThreadActive,
		CreatedAt: now,
	}
	if err := s.store.PutThread(r.Context(), t); err != nil {
		writeError(w, fault.PersistenceError, "persisting thread")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ownsThread rejects a chat request that references someone else's
// thread before any streaming starts. Missing, foreign, and deleted
// threads all answer 404.
func (s *Server) ownsThread(w http.ResponseWriter, r *http.Request, threadID, userID string) bool {
	if threadID == "" {
		return true
	}
	t, err := s.store.GetThread(r.Context(), threadID)
	if err != nil || t.OwnerID != userID || t.Status == store.ThreadDeleted {
		writeErrorStatus(w, http.StatusNotFound, fault.PersistenceError, "unknown thread")
		return false
	}
	return true
}

// ownedThread loads a thread and enforces that the caller owns it.
// Foreign and deleted threads both answer 404 so ownership is not
// probeable.
func (s *Server) ownedThread(w http.ResponseWriter, r *http.Request) *store.Thread {
	t, err := s.store.GetThread(r.Context(), chi.URLParam(r, "threadId"))
	if err != nil || t.OwnerID != callerID(r) || t.Status == store.ThreadDeleted {
		writeErrorStatus(w, http.StatusNotFound, fault.PersistenceError, "unknown thread")
		return nil
	}
	return t
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t := s.ownedThread(w, r)
	if t == nil {
		return
	}
	messages, err := s.store.ListMessages(r.Context(), t.ID)
	if err != nil {
		writeError(w, fault.PersistenceError, "loading messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": t, "messages": messages})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	t := s.ownedThread(w, r)
	if t == nil {
		return
	}
	if err := s.store.DeleteThread(r.Context(), t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, fault.PersistenceError, "deleting thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil || run.UserID != callerID(r) || run.AgentID != chi.URLParam(r, "agentId") {
		writeErrorStatus(w, http.StatusNotFound, fault.PersistenceError, "unknown run")
		return
	}
	steps, err := s.store.ListSteps(r.Context(), run.ID)
	if err != nil {
		writeError(w, fault.PersistenceError, "loading steps")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}
