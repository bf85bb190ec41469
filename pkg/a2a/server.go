package a2a

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/ids"
)

// Executor runs an agent on behalf of an incoming task.
type Executor interface {
	ExecuteTask(ctx context.Context, req TaskRequest) (*TaskResult, error)
}

// TaskRequest is the executor's view of tasks/send.
type TaskRequest struct {
	AgentID       string
	Message       string
	ThreadContext *ThreadContext
	ParentRunID   string
}

// TaskResult is what a completed execution hands back.
type TaskResult struct {
	Output string
	RunID  string
	Usage  *TaskUsage
}

// CardProvider resolves discovery documents. Card returns an error for
// unknown or inactive agents.
type CardProvider interface {
	Card(ctx context.Context, agentID string) (*AgentCard, error)
	Cards(ctx context.Context) []AgentCard
}

const (
	// syncWait bounds how long tasks/send blocks before answering with
	// a working task the caller must poll.
	defaultSyncWait = 5 * time.Second
	taskRetention   = time.Hour
)

type taskEntry struct {
	mu     sync.Mutex
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *taskEntry) snapshot() *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.task
	return &cp
}

// Server answers the JSON-RPC surface and the well-known documents.
// In-flight tasks are tracked in memory keyed by taskId, which makes
// resubmission of the same taskId idempotent.
type Server struct {
	exec     Executor
	cards    CardProvider
	gen      ids.Generator
	clock    ids.Clock
	logger   *slog.Logger
	syncWait time.Duration

	mu    sync.Mutex
	tasks map[string]*taskEntry
}

type ServerOption func(*Server)

func WithSyncWait(d time.Duration) ServerOption {
	return func(s *Server) { s.syncWait = d }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func NewServer(exec Executor, cards CardProvider, gen ids.Generator, clock ids.Clock, opts ...ServerOption) *Server {
	s := &Server{
		exec:     exec,
		cards:    cards,
		gen:      gen,
		clock:    clock,
		logger:   slog.Default(),
		syncWait: defaultSyncWait,
		tasks:    make(map[string]*taskEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP handles POST /a2a.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, Response{JSONRPC: Version, Error: &RPCError{Code: CodeParse, Message: "malformed JSON"}})
		return
	}
	if req.JSONRPC != Version {
		writeRPC(w, Response{JSONRPC: Version, ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "jsonrpc must be 2.0"}})
		return
	}

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case MethodTasksSend:
		result, rpcErr = s.handleSend(r, req.Params)
	case MethodTasksGet:
		result, rpcErr = s.handleGet(req.Params)
	case MethodTasksCancel:
		result, rpcErr = s.handleCancel(req.Params)
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
	}

	resp := Response{JSONRPC: Version, ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternal, Message: "encoding result"}
		} else {
			resp.Result = raw
		}
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleSend(r *http.Request, raw json.RawMessage) (any, *RPCError) {
	var params SendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "malformed params"}
	}
	if params.Message == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "message is required"}
	}
	agentID := params.AgentID
	if agentID == "" {
		agentID = r.URL.Query().Get("agent")
	}
	if agentID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "agentId is required"}
	}
	if _, err := s.cards.Card(r.Context(), agentID); err != nil {
		return nil, &RPCError{Code: CodeAgentUnavailable, Message: "agent " + agentID + " unavailable"}
	}

	taskID := params.TaskID
	if taskID == "" {
		taskID = s.gen.ToolCallID()
	}

	s.mu.Lock()
	if entry, ok := s.tasks[taskID]; ok {
		// Idempotent resubmission: report the existing task.
		s.mu.Unlock()
		return entry.snapshot(), nil
	}
	now := s.clock.Now()
	execCtx, cancel := context.WithCancel(context.Background())
	entry := &taskEntry{
		task: Task{
			TaskID:    taskID,
			AgentID:   agentID,
			Status:    TaskSubmitted,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[taskID] = entry
	s.evictStaleLocked(now)
	s.mu.Unlock()

	go s.execute(execCtx, entry, TaskRequest{
		AgentID:       agentID,
		Message:       params.Message,
		ThreadContext: params.ThreadContext,
		ParentRunID:   params.ParentRunID,
	})

	select {
	case <-entry.done:
	case <-time.After(s.syncWait):
	case <-r.Context().Done():
	}
	return entry.snapshot(), nil
}

func (s *Server) execute(ctx context.Context, entry *taskEntry, req TaskRequest) {
	defer close(entry.done)
	defer entry.cancel()

	entry.mu.Lock()
	entry.task.Status = TaskWorking
	entry.task.UpdatedAt = s.clock.Now()
	entry.mu.Unlock()

	res, err := s.exec.ExecuteTask(ctx, req)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.task.Status.IsTerminal() {
		return
	}
	entry.task.UpdatedAt = s.clock.Now()
	if err != nil {
		kind := fault.KindOf(err)
		if kind == fault.Cancelled {
			entry.task.Status = TaskCanceled
		} else {
			entry.task.Status = TaskFailed
		}
		entry.task.Error = &TaskError{Kind: string(kind), Message: "task execution failed"}
		s.logger.Warn("a2a task failed", "task", entry.task.TaskID, "agent", req.AgentID, "error", err)
		return
	}
	entry.task.Status = TaskCompleted
	entry.task.Result = res.Output
	entry.task.RunID = res.RunID
	entry.task.Usage = res.Usage
}

func (s *Server) handleGet(raw json.RawMessage) (any, *RPCError) {
	var params TaskRefParams
	if err := json.Unmarshal(raw, &params); err != nil || params.TaskID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "taskId is required"}
	}
	s.mu.Lock()
	entry, ok := s.tasks[params.TaskID]
	s.mu.Unlock()
	if !ok {
		return nil, &RPCError{Code: CodeTaskNotFound, Message: "task " + params.TaskID + " not found"}
	}
	return entry.snapshot(), nil
}

func (s *Server) handleCancel(raw json.RawMessage) (any, *RPCError) {
	var params TaskRefParams
	if err := json.Unmarshal(raw, &params); err != nil || params.TaskID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "taskId is required"}
	}
	s.mu.Lock()
	entry, ok := s.tasks[params.TaskID]
	s.mu.Unlock()
	if !ok {
		return nil, &RPCError{Code: CodeTaskNotFound, Message: "task " + params.TaskID + " not found"}
	}

	entry.mu.Lock()
	if !entry.task.Status.IsTerminal() {
		entry.task.Status = TaskCanceled
		entry.task.UpdatedAt = s.clock.Now()
	}
	entry.mu.Unlock()
	entry.cancel()
	return entry.snapshot(), nil
}

// evictStaleLocked drops terminal tasks past the retention window.
// Caller holds s.mu.
func (s *Server) evictStaleLocked(now time.Time) {
	for id, entry := range s.tasks {
		t := entry.snapshot()
		if t.Status.IsTerminal() && now.Sub(t.UpdatedAt) > taskRetention {
			delete(s.tasks, id)
		}
	}
}

// HandleCard serves GET /.well-known/agent-card.json?agent={id}.
func (s *Server) HandleCard(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		http.Error(w, "agent query parameter required", http.StatusBadRequest)
		return
	}
	card, err := s.cards.Card(r.Context(), agentID)
	if err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

// HandleDirectory serves GET /.well-known/agents.json.
func (s *Server) HandleDirectory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Directory{Agents: s.cards.Cards(r.Context())})
}
