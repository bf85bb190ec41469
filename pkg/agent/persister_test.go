package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/store"
)

// gatedStore holds every step write until the gate opens, so the
// persister queue can be filled past its depth.
type gatedStore struct {
	*store.Memory
	gate chan struct{}
}

func (s *gatedStore) PutStep(ctx context.Context, st *store.Step) error {
	<-s.gate
	return s.Memory.PutStep(ctx, st)
}

func TestPersisterKeepsEveryWriteUnderBackpressure(t *testing.T) {
	mem := store.NewMemory()
	gate := make(chan struct{})
	gs := &gatedStore{Memory: mem, gate: gate}
	p := newPersister(gs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	const n = persistQueueDepth + 50
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for i := 0; i < n; i++ {
			p.putStep(&store.Step{
				ID:      fmt.Sprintf("stp_%d", i),
				RunID:   "run_1",
				Ordinal: i + 1,
				Kind:    store.StepToolCall,
				Status:  store.StepInProgress,
			})
		}
	}()

	// Let the queue fill against the closed gate, then drain.
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case <-produced:
	case <-time.After(5 * time.Second):
		t.Fatal("producer stuck, writes were not drained")
	}
	p.Close()

	steps, err := mem.ListSteps(context.Background(), "run_1")
	require.NoError(t, err)
	require.Len(t, steps, n, "a full queue must block, never drop")
}
