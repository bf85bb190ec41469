package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/ids"
	"github.com/castellan-ai/castellan/pkg/model"
	"github.com/castellan-ai/castellan/pkg/observability"
	"github.com/castellan-ai/castellan/pkg/redact"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/tool"
)

const previewBytes = 200

// Runner executes agent runs. It is safe for concurrent use; each run
// has exactly one state machine driver, and tools within a turn are the
// only intra-run parallelism.
type Runner struct {
	store    store.Store
	persist  *persister
	gen      ids.Generator
	clock    ids.Clock
	prices   *model.PriceTable
	limits   config.LimitsConfig
	recorder observability.Recorder
	logger   *slog.Logger
}

type RunnerOption func(*Runner)

func WithClock(c ids.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

func WithGenerator(g ids.Generator) RunnerOption {
	return func(r *Runner) { r.gen = g }
}

func WithRecorder(rec observability.Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

func NewRunner(st store.Store, prices *model.PriceTable, limits config.LimitsConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    st,
		gen:      ids.NewGenerator(),
		clock:    ids.SystemClock(),
		prices:   prices,
		limits:   limits,
		recorder: observability.Noop(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.persist = newPersister(st, r.logger)
	return r
}

// Close drains pending persistence writes.
func (r *Runner) Close() {
	r.persist.Close()
}

// ChatRequest is one user turn against an agent.
type ChatRequest struct {
	Agent       *Agent
	ThreadID    string // empty starts a new thread
	UserID      string
	Message     string
	ParentRunID string
	// Constrain narrows the tool set offered on each turn. It receives
	// the name of the last tool the run invoked ("" on the first turn);
	// a nil return allows every declared tool.
	Constrain func(lastTool string) map[string]bool
}

// Outcome summarises a finished run.
type Outcome struct {
	RunID     string
	ThreadID  string
	Status    string
	Text      string
	Usage     model.Usage
	CostUSD   float64
	ErrorKind string
	LastTool  string
}

// Stream executes the run, yielding wire events. The last event is
// always run_end; terminal failures additionally surface as the
// sequence's error value so the stream owner can emit the error frame.
func (r *Runner) Stream(ctx context.Context, req ChatRequest) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		stopped := false
		emit := func(ev *Event) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
				return false
			}
			return true
		}
		_, err := r.execute(ctx, req, emit)
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// Run executes the request without a consumer, returning the outcome.
func (r *Runner) Run(ctx context.Context, req ChatRequest) (*Outcome, error) {
	return r.execute(ctx, req, func(*Event) bool { return true })
}

// StreamInto executes the request pushing events into emit, returning
// the outcome. Orchestrators use it to forward child-run events onto a
// parent stream; emit returning false cancels the run.
func (r *Runner) StreamInto(ctx context.Context, req ChatRequest, emit func(*Event) bool) (*Outcome, error) {
	return r.execute(ctx, req, emit)
}

// runState is the single-driver state of one run.
type runState struct {
	agent       *Agent
	run         *store.Run
	thread      *store.Thread
	history     []model.Message
	stepOrdinal int
	msgOrdinal  int
	usage       model.Usage
	failures    map[string]bool
	lastTool    string
	finalText   string
}

func (r *Runner) execute(ctx context.Context, req ChatRequest, emit func(*Event) bool) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.limits.AgentRunDeadline())
	defer cancel()

	ag := req.Agent
	if ag == nil {
		return nil, fault.New(fault.ConfigError, "chat request without an agent")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fault.New(fault.ConfigError, "chat request without a message")
	}

	st, err := r.openRun(ctx, req)
	if err != nil {
		return nil, err
	}

	started := r.clock.Now()
	outcome, runErr := r.drive(ctx, req, st, emit)

	// Terminalisation is the one write that must be acknowledged.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer finCancel()
	if perr := r.store.PutRun(finCtx, st.run); perr != nil {
		r.logger.Error("terminal run write failed", "run", st.run.ID, "error", perr)
		if runErr == nil {
			runErr = fault.Wrap(fault.PersistenceError, perr, "persisting run %s", st.run.ID)
			st.run.Status = store.RunFailed
			st.run.ErrorKind = string(fault.PersistenceError)
			outcome.Status = store.RunFailed
			outcome.ErrorKind = st.run.ErrorKind
		}
	}

	total := st.usage.InputTokens + st.usage.OutputTokens
	if total > 0 {
		userID, date, tokens := req.UserID, r.today(), total
		r.persist.enqueue(func(pctx context.Context) {
			if err := r.store.AddTokens(pctx, userID, date, tokens); err != nil {
				r.logger.Warn("budget accumulator write failed", "user", userID, "error", err)
			}
		})
	}
	r.persist.putMetric(&store.Metric{
		ID:        r.gen.MetricID(),
		Date:      r.today(),
		UserID:    req.UserID,
		AgentID:   ag.Spec.ID,
		RunID:     st.run.ID,
		Model:     ag.LLM.Name(),
		TokensIn:  st.usage.InputTokens,
		TokensOut: st.usage.OutputTokens,
		CostUSD:   st.run.CostUSD,
		LatencyMs: r.clock.Since(started).Milliseconds(),
	})
	r.recorder.RecordRun(ctx, ag.Spec.ID, st.run.Status, r.clock.Since(started), total, st.run.CostUSD)

	emit(&Event{
		Type:    EventRunEnd,
		TS:      r.clock.Now(),
		RunID:   st.run.ID,
		Status:  st.run.Status,
		Tokens:  total,
		CostUSD: st.run.CostUSD,
	})
	return outcome, runErr
}

// openRun resolves the thread, persists the user message and creates
// the running Run record.
func (r *Runner) openRun(ctx context.Context, req ChatRequest) (*runState, error) {
	now := r.clock.Now()
	ag := req.Agent

	var thread *store.Thread
	if req.ThreadID != "" {
		t, err := r.store.GetThread(ctx, req.ThreadID)
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
			ID:        r.gen.ThreadID(),
			OwnerID:   req.UserID,
			AgentID:   ag.Spec.ID,
			Title:     redact.Preview(req.Message, 64),
			Status:    store.ThreadActive,
			CreatedAt: now,
		}
	}

	st := &runState{
		agent:    ag,
		thread:   thread,
		failures: make(map[string]bool),
	}

	// History precedes the new user message.
	if req.ThreadID != "" {
		msgs, err := r.store.ListMessages(ctx, thread.ID)
		if err != nil {
			r.logger.Warn("history load failed, starting from an empty window", "thread", thread.ID, "error", err)
		}
		for _, m := range msgs {
			st.history = append(st.history, toModelMessage(m))
		}
		st.msgOrdinal = len(msgs)
	}

	st.msgOrdinal++
	userMsg := &store.Message{
		ID:        r.gen.MessageID(),
		ThreadID:  thread.ID,
		Role:      store.RoleUser,
		Content:   req.Message,
		Ordinal:   st.msgOrdinal,
		CreatedAt: now,
	}
	r.persist.putMessage(userMsg)
	st.history = append(st.history, model.Message{Role: store.RoleUser, Content: req.Message})

	thread.MessageCount = st.msgOrdinal
	thread.LastMessageAt = now
	r.persist.putThread(thread)

	st.run = &store.Run{
		ID:          r.gen.RunID(),
		ThreadID:    thread.ID,
		AgentID:     ag.Spec.ID,
		UserID:      req.UserID,
		Status:      store.RunQueued,
		StartedAt:   now,
		ParentRunID: req.ParentRunID,
	}
	r.persist.putRun(st.run)
	st.run.Status = store.RunRunning
	r.persist.putRun(st.run)
	return st, nil
}

// drive loops LLM turns until a terminal condition. It mutates st and
// sets the run's terminal fields before returning.
func (r *Runner) drive(ctx context.Context, req ChatRequest, st *runState, emit func(*Event) bool) (*Outcome, error) {
	maxTurns := r.limits.MaxToolTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}

	var runErr error
	for turn := 1; ; turn++ {
		if turn > maxTurns {
			runErr = fault.New(fault.MaxIterations, "tool turn cap %d exceeded", maxTurns)
			break
		}
		if err := r.checkBudget(ctx, req.UserID, st); err != nil {
			runErr = err
			break
		}

		var allowed map[string]bool
		if req.Constrain != nil {
			allowed = req.Constrain(st.lastTool)
		}

		requests, finish, err := r.llmTurn(ctx, st, allowed, emit)
		if err != nil {
			runErr = err
			break
		}

		if len(requests) == 0 {
			if finish == model.FinishError {
				runErr = fault.New(fault.ProtocolError, "model reported a generation error")
			}
			break
		}

		if err := r.toolTurn(ctx, req, st, requests, allowed, emit); err != nil {
			runErr = err
			break
		}
	}

	return r.terminalise(st, runErr), runErr
}

func (r *Runner) terminalise(st *runState, runErr error) *Outcome {
	now := r.clock.Now()
	st.run.EndedAt = &now
	st.run.InputTokens = st.usage.InputTokens
	st.run.OutputTokens = st.usage.OutputTokens
	st.run.CostUSD = r.prices.Cost(st.agent.LLM.Name(), st.usage.InputTokens, st.usage.OutputTokens)

	switch {
	case runErr == nil:
		st.run.Status = store.RunSucceeded
	case fault.IsKind(runErr, fault.Cancelled):
		st.run.Status = store.RunCancelled
		st.run.ErrorKind = string(fault.Cancelled)
	default:
		st.run.Status = store.RunFailed
		st.run.ErrorKind = string(fault.KindOf(runErr))
	}

	return &Outcome{
		RunID:     st.run.ID,
		ThreadID:  st.thread.ID,
		Status:    st.run.Status,
		Text:      st.finalText,
		Usage:     st.usage,
		CostUSD:   st.run.CostUSD,
		ErrorKind: st.run.ErrorKind,
		LastTool:  st.lastTool,
	}
}

// checkBudget applies the per-user daily cap and the per-run token
// cap before each LLM call. Accumulator read failures fail open.
func (r *Runner) checkBudget(ctx context.Context, userID string, st *runState) error {
	if limit := r.limits.PerRequestTokenLimit; limit > 0 {
		if st.usage.InputTokens+st.usage.OutputTokens >= limit {
			return fault.New(fault.BudgetExceeded, "per-request token limit %d reached", limit)
		}
	}
	limit := r.limits.UserDailyTokenLimit
	if limit <= 0 || userID == "" {
		return nil
	}
	used, err := r.store.TokensUsedOn(ctx, userID, r.today())
	if err != nil {
		r.logger.Warn("budget read failed", "user", userID, "error", err)
		return nil
	}
	if used+st.usage.InputTokens+st.usage.OutputTokens >= limit {
		return fault.New(fault.BudgetExceeded, "daily token budget %d exhausted", limit)
	}
	return nil
}

// llmTurn drives one model invocation, streaming tokens and collecting
// tool requests. It appends and persists the assistant message.
func (r *Runner) llmTurn(ctx context.Context, st *runState, allowed map[string]bool, emit func(*Event) bool) ([]*model.ToolRequest, model.FinishReason, error) {
	ag := st.agent
	llmReq := model.Request{
		Messages:    r.window(st),
		Tools:       ag.Descriptors(allowed),
		Temperature: ag.Spec.Temperature,
		MaxTokens:   ag.Spec.MaxTokens,
	}

	var (
		text      strings.Builder
		requests  []*model.ToolRequest
		seenCalls = map[string]bool{}
		turnUsage *model.Usage
		finish    model.FinishReason
		streamErr error
	)
	llmStart := r.clock.Now()
	for ev, err := range ag.LLM.Stream(ctx, llmReq) {
		if err != nil {
			streamErr = err
			break
		}
		switch ev.Type {
		case model.EventTextDelta:
			text.WriteString(ev.TextDelta)
			if !emit(&Event{Type: EventToken, Content: ev.TextDelta}) {
				streamErr = context.Canceled
			}
		case model.EventToolRequest:
			if seenCalls[ev.ToolRequest.CallID] {
				streamErr = fault.New(fault.ProtocolError, "duplicate tool call id %s", ev.ToolRequest.CallID)
			} else {
				seenCalls[ev.ToolRequest.CallID] = true
				requests = append(requests, ev.ToolRequest)
			}
		case model.EventUsage:
			turnUsage = ev.Usage
		case model.EventFinish:
			finish = ev.Finish
		}
		if streamErr != nil {
			break
		}
	}

	if turnUsage == nil {
		turnUsage = &model.Usage{
			InputTokens:  model.EstimateMessages(llmReq.Messages),
			OutputTokens: model.EstimateTokens(text.String()),
		}
	}
	st.usage.InputTokens += turnUsage.InputTokens
	st.usage.OutputTokens += turnUsage.OutputTokens
	r.recorder.RecordLLMCall(ctx, ag.LLM.Name(), r.clock.Since(llmStart), turnUsage.InputTokens, turnUsage.OutputTokens, streamErr)

	if streamErr != nil {
		kind := fault.KindOf(streamErr)
		if kind == "" {
			kind = fault.ProtocolError
		}
		return nil, model.FinishError, fault.Wrap(kind, streamErr, "model %s", ag.LLM.Name())
	}
	if err := ctx.Err(); err != nil {
		return nil, model.FinishError, fault.Wrap(fault.Cancelled, err, "model %s interrupted", ag.LLM.Name())
	}

	// Each turn produces at most one assistant message.
	st.msgOrdinal++
	msg := &store.Message{
		ID:        r.gen.MessageID(),
		ThreadID:  st.thread.ID,
		Role:      store.RoleAssistant,
		Content:   text.String(),
		Ordinal:   st.msgOrdinal,
		CreatedAt: r.clock.Now(),
	}
	hist := model.Message{Role: store.RoleAssistant, Content: text.String()}
	for _, tr := range requests {
		msg.ToolCalls = append(msg.ToolCalls, store.Part{CallID: tr.CallID, Name: tr.Name, Data: string(tr.Input)})
		hist.ToolCalls = append(hist.ToolCalls, *tr)
	}
	r.persist.putMessage(msg)
	st.history = append(st.history, hist)
	st.finalText = text.String()

	st.thread.MessageCount = st.msgOrdinal
	st.thread.LastMessageAt = msg.CreatedAt
	r.persist.putThread(st.thread)

	emit(&Event{
		Type:      EventMessageEnd,
		TS:        msg.CreatedAt,
		MessageID: msg.ID,
		Role:      store.RoleAssistant,
		Tokens:    turnUsage.OutputTokens,
	})
	return requests, finish, nil
}

// window builds the LLM input: system prompt first, then the last
// maxMessages history entries oldest first. The system prompt never
// counts against the window.
func (r *Runner) window(st *runState) []model.Message {
	limit := st.agent.Spec.MaxMessages
	if limit <= 0 {
		limit = r.limits.MaxMessages
	}
	if limit <= 0 {
		limit = 20
	}
	hist := st.history
	if len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]model.Message, 0, len(hist)+1)
	out = append(out, model.Message{Role: store.RoleSystem, Content: st.agent.Spec.SystemPrompt})
	out = append(out, hist...)
	return out
}

// settled is one tool outcome reported in wall-clock completion order.
type settled struct {
	req     *model.ToolRequest
	step    *store.Step
	call    *store.ToolCall
	traceID string
	output  string // full tool output
	content string // context copy, truncated when oversized
	usage   *model.Usage
	err     error
}

// toolTurn dispatches every requested tool concurrently and blocks
// until all settle. Tool failures are surfaced to the model as tool
// messages; the turn only errors terminally on cancellation or on a
// repeated identical failure.
func (r *Runner) toolTurn(ctx context.Context, req ChatRequest, st *runState, requests []*model.ToolRequest, allowed map[string]bool, emit func(*Event) bool) error {
	now := r.clock.Now()

	// All trace_start frames precede any trace_end of the same turn.
	items := make([]*settled, 0, len(requests))
	for _, tr := range requests {
		st.stepOrdinal++
		step := &store.Step{
			ID:        r.gen.StepID(),
			RunID:     st.run.ID,
			Ordinal:   st.stepOrdinal,
			Kind:      store.StepToolCall,
			Status:    store.StepInProgress,
			StartedAt: now,
		}
		call := &store.ToolCall{
			ID:        r.gen.ToolCallID(),
			StepID:    step.ID,
			RunID:     st.run.ID,
			ToolName:  tr.Name,
			Input:     string(tr.Input),
			InputHash: tool.HashInput(tr.Input),
			Status:    store.StepInProgress,
			CreatedAt: now,
		}
		item := &settled{req: tr, step: step, call: call, traceID: r.gen.TraceID()}
		if t, ok := st.agent.Tool(tr.Name); ok {
			def := t.Definition()
			call.ToolType = def.Type
			call.Target = def.Target
		}
		items = append(items, item)

		r.persist.putStep(step)
		r.persist.putToolCall(call)
		emit(&Event{
			Type:         EventTraceStart,
			TS:           now,
			TraceID:      item.traceID,
			Tool:         tr.Name,
			ToolType:     call.ToolType,
			Target:       call.Target,
			InputPreview: redact.Preview(string(tr.Input), previewBytes),
		})
	}

	done := make(chan *settled, len(items))
	for _, item := range items {
		go func(item *settled) {
			item.output, item.usage, item.err = r.invokeTool(ctx, req, st, item.req, allowed)
			done <- item
		}(item)
	}

	var repeated *settled
	for range items {
		item := <-done
		end := r.clock.Now()
		item.step.EndedAt = &end
		item.call.LatencyMs = end.Sub(now).Milliseconds()

		if item.err != nil {
			kind := fault.KindOf(item.err)
			item.step.Status = store.StepFailed
			item.call.Status = store.StepFailed
			item.call.ErrorKind = string(kind)
			item.content = fmt.Sprintf("error(%s): %s", kind, redact.String(item.err.Error()))

			key := item.req.Name + "\x00" + item.call.InputHash
			if st.failures[key] {
				repeated = item
			}
			st.failures[key] = true
		} else {
			item.step.Status = store.StepSucceeded
			item.call.Status = store.StepSucceeded
			item.call.Output = item.output
			item.call.OutputHash = tool.HashOutput(item.output)
			item.content = item.output
			if limit := r.limits.ToolOutputTruncateBytes; limit > 0 && len(item.output) > limit {
				item.content = item.output[:limit] + "\n[output truncated]"
				item.call.Truncated = true
			}
			if item.usage != nil {
				st.usage.InputTokens += item.usage.InputTokens
				st.usage.OutputTokens += item.usage.OutputTokens
			}
		}
		r.persist.putStep(item.step)
		r.persist.putToolCall(item.call)

		ev := &Event{
			Type:      EventTraceEnd,
			TS:        end,
			TraceID:   item.traceID,
			Status:    item.step.Status,
			LatencyMs: item.call.LatencyMs,
			ErrorKind: item.call.ErrorKind,
		}
		if item.usage != nil {
			ev.Tokens = item.usage.InputTokens + item.usage.OutputTokens
		}
		if item.err == nil {
			ev.OutputPreview = redact.Preview(item.call.Output, previewBytes)
		}
		emit(ev)
		st.lastTool = item.req.Name
	}

	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.Cancelled, err, "tool turn interrupted")
	}
	if repeated != nil {
		return fault.New(fault.MaxIterations, "tool %s failing repeatedly on identical input", repeated.req.Name)
	}

	// Tool messages are appended in request order for a stable window.
	for _, item := range items {
		st.msgOrdinal++
		msg := &store.Message{
			ID:        r.gen.MessageID(),
			ThreadID:  st.thread.ID,
			Role:      store.RoleTool,
			Content:   item.content,
			ToolCalls: []store.Part{{CallID: item.req.CallID, Name: item.req.Name}},
			Ordinal:   st.msgOrdinal,
			CreatedAt: r.clock.Now(),
		}
		r.persist.putMessage(msg)
		st.history = append(st.history, model.Message{
			Role:    store.RoleTool,
			Content: item.content,
			CallID:  item.req.CallID,
			Name:    item.req.Name,
		})
	}
	st.thread.MessageCount = st.msgOrdinal
	r.persist.putThread(st.thread)
	return nil
}

// invokeTool runs one tool under its own deadline, recording the full
// output on the ToolCall while handing the model a bounded copy.
func (r *Runner) invokeTool(ctx context.Context, req ChatRequest, st *runState, tr *model.ToolRequest, allowed map[string]bool) (string, *model.Usage, error) {
	t, declared := st.agent.Tool(tr.Name)
	if !declared {
		return "", nil, fault.New(fault.ToolNotAvailable, "tool %s is not declared for agent %s", tr.Name, st.agent.Spec.ID)
	}
	if allowed != nil && !allowed[tr.Name] {
		names := make([]string, 0, len(allowed))
		for name := range allowed {
			names = append(names, name)
		}
		return "", nil, fault.New(fault.ToolNotAvailable,
			"tool %s is not available on this turn, use one of: %s", tr.Name, strings.Join(names, ", "))
	}

	tctx, cancel := context.WithTimeout(ctx, r.limits.ToolDeadline())
	defer cancel()
	tctx = tool.WithScope(tctx, tool.Scope{
		ThreadID: st.thread.ID,
		UserID:   req.UserID,
		RunID:    st.run.ID,
	})

	start := r.clock.Now()
	res, err := t.Invoke(tctx, tr.Input)
	def := t.Definition()
	r.recorder.RecordToolExecution(ctx, def.Type, def.Name, r.clock.Since(start), err)
	if err != nil {
		return "", nil, err
	}
	return res.Output, res.Usage, nil
}

func (r *Runner) today() string {
	return r.clock.Now().UTC().Format("2006-01-02")
}

func toModelMessage(m *store.Message) model.Message {
	out := model.Message{Role: m.Role, Content: m.Content}
	switch m.Role {
	case store.RoleAssistant:
		for _, p := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolRequest{
				CallID: p.CallID,
				Name:   p.Name,
				Input:  []byte(p.Data),
			})
		}
	case store.RoleTool:
		if len(m.ToolCalls) > 0 {
			out.CallID = m.ToolCalls[0].CallID
			out.Name = m.ToolCalls[0].Name
		}
	}
	return out
}
