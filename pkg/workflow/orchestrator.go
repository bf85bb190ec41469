// Package workflow composes agent runners into higher-order runs:
// sequential handoff through a coordinator, parallel fan-out with a
// quorum and a merger, and an optional human gate. Workflows share the
// agent event protocol; every participating agent call produces a child
// run linked to the workflow run by parentRunId.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/ids"
	"github.com/castellan-ai/castellan/pkg/model"
	"github.com/castellan-ai/castellan/pkg/redact"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/tool"
)

// Orchestrator drives workflow runs on top of a shared agent runner.
type Orchestrator struct {
	runner *agent.Runner
	dir    *agent.Directory
	store  store.Store
	gates  *Gates
	gen    ids.Generator
	clock  ids.Clock
	limits config.LimitsConfig
	logger *slog.Logger
}

type Option func(*Orchestrator)

func WithClock(c ids.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithGenerator(g ids.Generator) Option {
	return func(o *Orchestrator) { o.gen = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(runner *agent.Runner, dir *agent.Directory, st store.Store, gates *Gates, limits config.LimitsConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner: runner,
		dir:    dir,
		store:  st,
		gates:  gates,
		gen:    ids.NewGenerator(),
		clock:  ids.SystemClock(),
		limits: limits,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ChatRequest is one user turn against a workflow.
type ChatRequest struct {
	Workflow    config.WorkflowSpec
	ThreadID    string
	UserID      string
	Message     string
	MaxHandoffs int
}

// Stream executes the workflow, yielding wire events. Child run_end
// frames are absorbed; the stream carries exactly one run_end, for the
// workflow run itself.
func (o *Orchestrator) Stream(ctx context.Context, req ChatRequest) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		stopped := false
		emit := func(ev *agent.Event) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
				return false
			}
			return true
		}
		err := o.run(ctx, req, emit)
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// flowState accumulates the workflow run's totals.
type flowState struct {
	run    *store.Run
	thread *store.Thread
	usage  model.Usage
	cost   float64
	text   string
}

func (o *Orchestrator) run(ctx context.Context, req ChatRequest, emit func(*agent.Event) bool) error {
	spec := req.Workflow
	if err := spec.Validate(); err != nil {
		return fault.Wrap(fault.ConfigError, err, "workflow %s", spec.ID)
	}

	fs, err := o.openRun(ctx, req)
	if err != nil {
		return err
	}

	var flowErr error
	switch spec.Type {
	case config.WorkflowSequential:
		flowErr = o.sequential(ctx, req, fs, emit)
	case config.WorkflowParallel:
		flowErr = o.parallel(ctx, req, fs, emit)
	}

	now := o.clock.Now()
	fs.run.EndedAt = &now
	fs.run.InputTokens = fs.usage.InputTokens
	fs.run.OutputTokens = fs.usage.OutputTokens
	fs.run.CostUSD = fs.cost
	switch {
	case flowErr == nil:
		fs.run.Status = store.RunSucceeded
	case fault.IsKind(flowErr, fault.Cancelled):
		fs.run.Status = store.RunCancelled
		fs.run.ErrorKind = string(fault.Cancelled)
	default:
		fs.run.Status = store.RunFailed
		fs.run.ErrorKind = string(fault.KindOf(flowErr))
	}

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if perr := o.store.PutRun(finCtx, fs.run); perr != nil {
		o.logger.Error("terminal workflow run write failed", "run", fs.run.ID, "error", perr)
		if flowErr == nil {
			flowErr = fault.Wrap(fault.PersistenceError, perr, "persisting workflow run %s", fs.run.ID)
			fs.run.Status = store.RunFailed
		}
	}

	if merr := o.store.PutMetric(finCtx, &store.Metric{
		ID:        o.gen.MetricID(),
		Date:      now.UTC().Format("2006-01-02"),
		UserID:    req.UserID,
		AgentID:   spec.ID,
		RunID:     fs.run.ID,
		Model:     "workflow",
		TokensIn:  fs.usage.InputTokens,
		TokensOut: fs.usage.OutputTokens,
		CostUSD:   fs.cost,
		LatencyMs: now.Sub(fs.run.StartedAt).Milliseconds(),
	}); merr != nil {
		o.logger.Warn("workflow metric write failed", "run", fs.run.ID, "error", merr)
	}

	emit(&agent.Event{
		Type:    agent.EventRunEnd,
		TS:      now,
		RunID:   fs.run.ID,
		Status:  fs.run.Status,
		Tokens:  fs.usage.InputTokens + fs.usage.OutputTokens,
		CostUSD: fs.cost,
	})
	return flowErr
}

func (o *Orchestrator) openRun(ctx context.Context, req ChatRequest) (*flowState, error) {
	now := o.clock.Now()
	var thread *store.Thread
	if req.ThreadID != "" {
		t, err := o.store.GetThread(ctx, req.ThreadID)
		if err != nil {
			return nil, fault.Wrap(fault.PersistenceError, err, "loading thread %s", req.ThreadID)
		}
		// Threads belong to exactly one owner; a foreign or deleted
		// thread is indistinguishable from a missing one.
		if t.OwnerID != req.UserID || t.Status == store.ThreadDeleted {
			return nil, fault.New(fault.PersistenceError, "unknown thread %s", req.ThreadID)
		}
		thread = t
	} else {
		thread = &store.Thread{
			ID:         o.gen.ThreadID(),
			OwnerID:    req.UserID,
			WorkflowID: req.Workflow.ID,
			Title:      redact.Preview(req.Message, 64),
			Status:     store.ThreadActive,
			CreatedAt:  now,
		}
		if err := o.store.PutThread(ctx, thread); err != nil {
			o.logger.Warn("workflow thread write failed", "thread", thread.ID, "error", err)
		}
	}

	run := &store.Run{
		ID:        o.gen.RunID(),
		ThreadID:  thread.ID,
		AgentID:   req.Workflow.ID,
		UserID:    req.UserID,
		Status:    store.RunRunning,
		StartedAt: now,
	}
	if err := o.store.PutRun(ctx, run); err != nil {
		o.logger.Warn("workflow run write failed", "run", run.ID, "error", err)
	}
	return &flowState{run: run, thread: thread}, nil
}

// absorb forwards a child run's events, suppressing its run_end frame
// so the stream carries a single terminal run_end.
func (o *Orchestrator) absorb(emit func(*agent.Event) bool) func(*agent.Event) bool {
	return func(ev *agent.Event) bool {
		if ev.Type == agent.EventRunEnd {
			return true
		}
		return emit(ev)
	}
}

func (o *Orchestrator) account(fs *flowState, out *agent.Outcome) {
	if out == nil {
		return
	}
	fs.usage.InputTokens += out.Usage.InputTokens
	fs.usage.OutputTokens += out.Usage.OutputTokens
	fs.cost += out.CostUSD
}

// sequential runs the coordinator with its specialists granted as
// tools, applying handoff constraints and the optional evaluator loop.
func (o *Orchestrator) sequential(ctx context.Context, req ChatRequest, fs *flowState, emit func(*agent.Event) bool) error {
	spec := req.Workflow
	coord, err := o.dir.Resolve(ctx, spec.Coordinator)
	if err != nil {
		return fault.Wrap(fault.ConfigError, err, "workflow %s coordinator", spec.ID)
	}

	// Grant each specialist as a tool named by its agent id.
	isSpecialist := make(map[string]bool, len(spec.Specialists))
	extraTools := make([]tool.Tool, 0, len(spec.Specialists))
	for _, id := range spec.Specialists {
		isSpecialist[id] = true
		extraTools = append(extraTools, o.runner.AsTool(o.dir, id, id, ""))
	}
	coordinator, err := coord.WithTools(extraTools...)
	if err != nil {
		return fault.Wrap(fault.ConfigError, err, "workflow %s tools", spec.ID)
	}

	constraints := make(map[string]string, len(spec.Constraints))
	for _, c := range spec.Constraints {
		constraints[c.After] = c.Only
	}

	maxHandoffs := req.MaxHandoffs
	if maxHandoffs <= 0 {
		maxHandoffs = spec.MaxHandoffs
	}
	if maxHandoffs <= 0 {
		maxHandoffs = o.limits.MaxHandoffs
	}
	if maxHandoffs <= 0 {
		maxHandoffs = 3
	}

	handoffs := 0
	constrain := func(lastTool string) map[string]bool {
		if isSpecialist[lastTool] {
			handoffs++
		}
		if handoffs >= maxHandoffs {
			// Exhausted: withdraw all tools so the coordinator finishes.
			return map[string]bool{}
		}
		if only, ok := constraints[lastTool]; ok {
			return map[string]bool{only: true}
		}
		return nil
	}

	message := req.Message
	for attempt := 1; ; attempt++ {
		out, err := o.runner.StreamInto(ctx, agent.ChatRequest{
			Agent:       coordinator,
			ThreadID:    fs.thread.ID,
			UserID:      req.UserID,
			Message:     message,
			ParentRunID: fs.run.ID,
			Constrain:   constrain,
		}, o.absorb(emit))
		o.account(fs, out)
		if err != nil {
			return err
		}
		fs.text = out.Text

		if spec.Evaluator == "" {
			return nil
		}
		verdict, feedback := o.evaluate(ctx, req, fs, out.Text)
		if verdict {
			return nil
		}
		if attempt >= maxHandoffs {
			emit(&agent.Event{
				Type:    agent.EventTraceUpdate,
				TS:      o.clock.Now(),
				Message: "max_attempts_reached",
			})
			return nil
		}
		message = fmt.Sprintf("%s\n\nA previous answer was rejected by review: %s", req.Message, feedback)
	}
}

// evaluate asks the evaluator agent for a verdict. The evaluator must
// answer PASS, or RETRY followed by feedback. Evaluator failures accept
// the candidate so a broken reviewer never sinks the workflow.
func (o *Orchestrator) evaluate(ctx context.Context, req ChatRequest, fs *flowState, candidate string) (satisfied bool, feedback string) {
	eval, err := o.dir.Resolve(ctx, req.Workflow.Evaluator)
	if err != nil {
		o.logger.Warn("evaluator unavailable, accepting answer", "workflow", req.Workflow.ID, "error", err)
		return true, ""
	}
	out, err := o.runner.Run(ctx, agent.ChatRequest{
		Agent:  eval,
		UserID: req.UserID,
		Message: fmt.Sprintf(
			"Request:\n%s\n\nCandidate answer:\n%s\n\nReply PASS if the answer satisfies the request, otherwise reply RETRY: <what is missing>.",
			req.Message, candidate),
		ParentRunID: fs.run.ID,
	})
	o.account(fs, out)
	if err != nil {
		o.logger.Warn("evaluator run failed, accepting answer", "workflow", req.Workflow.ID, "error", err)
		return true, ""
	}
	verdict := strings.TrimSpace(out.Text)
	if strings.HasPrefix(strings.ToUpper(verdict), "PASS") {
		return true, ""
	}
	return false, strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(verdict, "RETRY:"), "RETRY"))
}

// specResult is one specialist's settlement.
type specResult struct {
	idx     int
	agentID string
	traceID string
	started time.Time
	out     *agent.Outcome
	err     error
}

// parallel fans the input out to every specialist, applies the quorum,
// optionally pauses at the human gate and feeds the merger.
func (o *Orchestrator) parallel(ctx context.Context, req ChatRequest, fs *flowState, emit func(*agent.Event) bool) error {
	spec := req.Workflow
	now := o.clock.Now()
	o.appendMessage(ctx, fs, store.RoleUser, req.Message)

	results := make([]*specResult, len(spec.Specialists))
	done := make(chan *specResult, len(spec.Specialists))
	for i, id := range spec.Specialists {
		res := &specResult{idx: i, agentID: id, traceID: o.gen.TraceID(), started: now}
		results[i] = res
		emit(&agent.Event{
			Type:         agent.EventTraceStart,
			TS:           now,
			TraceID:      res.traceID,
			Tool:         id,
			ToolType:     "agent",
			Target:       id,
			InputPreview: redact.Preview(req.Message, 200),
		})
		o.putStep(ctx, &store.Step{
			ID:        o.gen.StepID(),
			RunID:     fs.run.ID,
			Ordinal:   i + 1,
			Kind:      store.StepHandoff,
			Status:    store.StepInProgress,
			StartedAt: now,
		})
		go func(res *specResult) {
			ag, err := o.dir.Resolve(ctx, res.agentID)
			if err != nil {
				res.err = err
			} else {
				res.out, res.err = o.runner.Run(ctx, agent.ChatRequest{
					Agent:       ag,
					UserID:      req.UserID,
					Message:     req.Message,
					ParentRunID: fs.run.ID,
				})
			}
			done <- res
		}(res)
	}

	succeeded := 0
	for range results {
		res := <-done
		o.account(fs, res.out)
		end := o.clock.Now()
		ev := &agent.Event{
			Type:      agent.EventTraceEnd,
			TS:        end,
			TraceID:   res.traceID,
			LatencyMs: end.Sub(res.started).Milliseconds(),
		}
		if res.err == nil && res.out.Status == store.RunSucceeded {
			succeeded++
			ev.Status = store.StepSucceeded
			ev.OutputPreview = redact.Preview(res.out.Text, 200)
		} else {
			ev.Status = store.StepFailed
			ev.ErrorKind = string(resultKind(res))
		}
		emit(ev)
	}
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.Cancelled, err, "workflow %s interrupted", spec.ID)
	}

	k := spec.Quorum()
	if succeeded < k {
		return fault.New(fault.QuorumFailed, "workflow %s: %d of %d specialists succeeded, quorum is %d",
			spec.ID, succeeded, len(spec.Specialists), k)
	}

	payload := map[string]any{}
	for _, res := range results {
		if res.err == nil && res.out.Status == store.RunSucceeded {
			payload[res.agentID] = res.out.Text
		} else {
			payload[res.agentID] = map[string]string{"error": string(resultKind(res))}
		}
	}

	if spec.Gate {
		decided, err := o.gate(ctx, fs, payload, emit)
		if err != nil {
			return err
		}
		switch decided.Decision {
		case DecisionReject:
			fs.text = "The recommendation was rejected by the reviewer."
			emit(&agent.Event{Type: agent.EventToken, Content: fs.text})
			o.appendMessage(ctx, fs, store.RoleAssistant, fs.text)
			return nil
		case DecisionEdit:
			for key, val := range decided.Overrides {
				payload[key] = val
			}
		}
	}

	merger, err := o.dir.Resolve(ctx, spec.Merger)
	if err != nil {
		return fault.Wrap(fault.ConfigError, err, "workflow %s merger", spec.ID)
	}
	out, err := o.runner.StreamInto(ctx, agent.ChatRequest{
		Agent:       merger,
		UserID:      req.UserID,
		Message:     mergerPrompt(req.Message, spec.Specialists, payload),
		ParentRunID: fs.run.ID,
	}, o.absorb(emit))
	o.account(fs, out)
	if err != nil {
		return err
	}
	fs.text = out.Text
	o.appendMessage(ctx, fs, store.RoleAssistant, out.Text)
	return nil
}

// gate pauses the run until a human decision arrives. The pause is a
// dedicated trace so stream consumers see a bounded interval.
func (o *Orchestrator) gate(ctx context.Context, fs *flowState, payload map[string]any, emit func(*agent.Event) bool) (*GateDecision, error) {
	now := o.clock.Now()
	token := o.gen.Token()
	traceID := o.gen.TraceID()
	o.gates.Open(token, fs.run.ID, now)

	o.putStep(ctx, &store.Step{
		ID:        o.gen.StepID(),
		RunID:     fs.run.ID,
		Ordinal:   len(payload) + 1,
		Kind:      store.StepGate,
		Status:    store.StepInProgress,
		StartedAt: now,
	})

	raw, _ := json.Marshal(payload)
	emit(&agent.Event{
		Type:     agent.EventTraceStart,
		TS:       now,
		TraceID:  traceID,
		Tool:     "human_gate",
		ToolType: "gate",
	})
	emit(&agent.Event{
		Type:      agent.EventTraceUpdate,
		TS:        now,
		TraceID:   traceID,
		Kind:      agent.UpdateGate,
		GateToken: token,
		Payload:   raw,
	})
	emit(&agent.Event{
		Type:    agent.EventTraceUpdate,
		TS:      now,
		TraceID: traceID,
		Message: "awaiting_human",
	})

	decided, err := o.gates.Wait(ctx, token)
	end := o.clock.Now()
	ev := &agent.Event{
		Type:      agent.EventTraceEnd,
		TS:        end,
		TraceID:   traceID,
		LatencyMs: end.Sub(now).Milliseconds(),
	}
	if err != nil {
		ev.Status = store.StepFailed
		ev.ErrorKind = string(fault.KindOf(err))
		emit(ev)
		return nil, err
	}
	ev.Status = store.StepSucceeded
	emit(ev)
	return decided, nil
}

func resultKind(res *specResult) fault.Kind {
	if res.err != nil {
		return fault.KindOf(res.err)
	}
	if res.out != nil && res.out.ErrorKind != "" {
		return fault.Kind(res.out.ErrorKind)
	}
	return fault.A2AError
}

func mergerPrompt(request string, order []string, payload map[string]any) string {
	var b strings.Builder
	b.WriteString("Merge the following specialist findings into one answer.\n\nOriginal request:\n")
	b.WriteString(request)
	b.WriteString("\n\nFindings:\n")
	for i, id := range order {
		val := payload[id]
		switch v := val.(type) {
		case string:
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, id, v)
		default:
			raw, _ := json.Marshal(v)
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, id, raw)
		}
	}
	return b.String()
}

func (o *Orchestrator) putStep(ctx context.Context, s *store.Step) {
	if err := o.store.PutStep(ctx, s); err != nil {
		o.logger.Warn("workflow step write failed", "step", s.ID, "error", err)
	}
}

// appendMessage writes a caller-visible message onto the workflow
// thread. Parallel runs manage the thread themselves since specialist
// and merger runs converse on threads of their own.
func (o *Orchestrator) appendMessage(ctx context.Context, fs *flowState, role, content string) {
	fs.thread.MessageCount++
	fs.thread.LastMessageAt = o.clock.Now()
	msg := &store.Message{
		ID:        o.gen.MessageID(),
		ThreadID:  fs.thread.ID,
		Role:      role,
		Content:   content,
		Ordinal:   fs.thread.MessageCount,
		CreatedAt: fs.thread.LastMessageAt,
	}
	if err := o.store.PutMessage(ctx, msg); err != nil {
		o.logger.Warn("workflow message write failed", "message", msg.ID, "error", err)
	}
	if err := o.store.PutThread(ctx, fs.thread); err != nil {
		o.logger.Warn("workflow thread write failed", "thread", fs.thread.ID, "error", err)
	}
}
