package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/pkg/store"
)

// persister decouples entity writes from the event loop. Writes go
// through a bounded queue so a slow store rarely stalls the wire; a
// full queue blocks the producer rather than dropping, every queued
// write is part of the causal record. Write failures are logged and
// swallowed, except the terminal run write which callers do
// synchronously.
type persister struct {
	store  store.Store
	logger *slog.Logger

	ch   chan func(context.Context)
	wg   sync.WaitGroup
	once sync.Once
}

const persistQueueDepth = 256

func newPersister(st store.Store, logger *slog.Logger) *persister {
	p := &persister{
		store:  st,
		logger: logger,
		ch:     make(chan func(context.Context), persistQueueDepth),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *persister) loop() {
	defer p.wg.Done()
	for fn := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fn(ctx)
		cancel()
	}
}

// enqueue queues a write, blocking when the queue is full.
func (p *persister) enqueue(fn func(context.Context)) {
	p.ch <- fn
}

// Close drains the queue and stops the worker. Safe to call twice.
func (p *persister) Close() {
	p.once.Do(func() {
		close(p.ch)
		p.wg.Wait()
	})
}

func (p *persister) putStep(s *store.Step) {
	cp := *s
	p.enqueue(func(ctx context.Context) {
		if err := p.store.PutStep(ctx, &cp); err != nil {
			p.logger.Warn("step write failed", "step", cp.ID, "error", err)
		}
	})
}

func (p *persister) putToolCall(tc *store.ToolCall) {
	cp := *tc
	p.enqueue(func(ctx context.Context) {
		if err := p.store.PutToolCall(ctx, &cp); err != nil {
			p.logger.Warn("tool call write failed", "toolCall", cp.ID, "error", err)
		}
	})
}

func (p *persister) putMessage(m *store.Message) {
	cp := *m
	p.enqueue(func(ctx context.Context) {
		if err := p.store.PutMessage(ctx, &cp); err != nil {
			p.logger.Warn("message write failed", "message", cp.ID, "error", err)
		}
	})
}

func (p *persister) putThread(t *store.Thread) {
	cp := *t
	p.enqueue(func(ctx context.Context) {
		if err := p.store.PutThread(ctx, &cp); err != nil {
			p.logger.Warn("thread write failed", "thread", cp.ID, "error", err)
		}
	})
}

func (p *persister) putRun(r *store.Run) {
	cp := *r
	p.enqueue(func(ctx context.Context) {
		if err := p.store.PutRun(ctx, &cp); err != nil {
			p.logger.Warn("run write failed", "run", cp.ID, "error", err)
		}
	})
}

func (p *persister) putMetric(m *store.Metric) {
	cp := *m
	p.enqueue(func(ctx context.Context) {
		if err := p.store.PutMetric(ctx, &cp); err != nil {
			p.logger.Warn("metric write failed", "metric", cp.ID, "error", err)
		}
	})
}
