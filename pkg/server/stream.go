package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/fault"
)

// streamFunc produces wire events; it returns when the run ends or emit
// reports the consumer is gone.
type streamFunc func(ctx context.Context, emit func(*agent.Event) bool) error

// streamNDJSON writes one JSON object per line. A bare newline is sent
// as keep-alive while the producer is quiet, and bursts of token frames
// are coalesced into one line when the consumer lags. The stream always
// ends with a done or error frame; client disconnects cancel the run
// through the request context.
func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request, run streamFunc) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, fault.ProtocolError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan *agent.Event, 64)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, func(ev *agent.Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	enc := json.NewEncoder(w)
	write := func(ev *agent.Event) bool {
		if err := enc.Encode(ev); err != nil {
			cancel()
			return false
		}
		fl.Flush()
		return true
	}

	keepAlive := time.NewTicker(s.cfg.Limits.KeepAlive())
	defer keepAlive.Stop()

	var pending *agent.Event
	for {
		var ev *agent.Event
		if pending != nil {
			ev, pending = pending, nil
		} else {
			select {
			case ev = <-events:
			case <-keepAlive.C:
				if _, err := io.WriteString(w, "\n"); err != nil {
					cancel()
					return
				}
				fl.Flush()
				continue
			case err := <-done:
				s.drainAndFinish(w, enc, fl, events, err)
				return
			}
		}

		if ev.Type == agent.EventToken {
			ev, pending = coalesceTokens(ev, events)
		}
		if !write(ev) {
			return
		}
		keepAlive.Reset(s.cfg.Limits.KeepAlive())
	}
}

// coalesceTokens folds immediately-available token frames into ev. A
// non-token frame pulled while draining is handed back as pending.
func coalesceTokens(ev *agent.Event, events <-chan *agent.Event) (merged, pending *agent.Event) {
	merged = &agent.Event{Type: agent.EventToken, TS: ev.TS, Content: ev.Content}
	for {
		select {
		case next := <-events:
			if next.Type == agent.EventToken {
				merged.Content += next.Content
				continue
			}
			return merged, next
		default:
			return merged, nil
		}
	}
}

func (s *Server) drainAndFinish(w http.ResponseWriter, enc *json.Encoder, fl http.Flusher, events <-chan *agent.Event, runErr error) {
	for {
		select {
		case ev := <-events:
			if enc.Encode(ev) != nil {
				return
			}
		default:
			if runErr != nil {
				kind := fault.KindOf(runErr)
				if kind == "" {
					kind = fault.ProtocolError
				}
				_ = enc.Encode(&agent.Event{
					Type:    agent.EventError,
					Kind:    string(kind),
					Message: faultMessage(runErr),
				})
			}
			_ = enc.Encode(&agent.Event{Type: agent.EventDone})
			fl.Flush()
			return
		}
	}
}

// faultMessage extracts the wire-safe message; unclassified errors are
// never echoed to the client.
func faultMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}
