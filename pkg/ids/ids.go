// Package ids provides wall-clock and monotonic time plus opaque entity
// identifiers. Both are injected as dependencies so tests can pin them.
package ids

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock supplies time. Since must be computed from a monotonic reading
// so latencies survive wall-clock adjustments.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Generator mints opaque string IDs. Prefixes identify the entity class
// in logs and store keys; callers must not parse IDs beyond the prefix.
type Generator interface {
	ThreadID() string
	RunID() string
	StepID() string
	ToolCallID() string
	MessageID() string
	MetricID() string
	TraceID() string
	Token() string
}

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

type uuidGenerator struct{}

// NewGenerator returns the default UUIDv4-backed generator.
func NewGenerator() Generator { return uuidGenerator{} }

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (uuidGenerator) ThreadID() string   { return newID("th") }
func (uuidGenerator) RunID() string      { return newID("run") }
func (uuidGenerator) StepID() string     { return newID("stp") }
func (uuidGenerator) ToolCallID() string { return newID("tc") }
func (uuidGenerator) MessageID() string  { return newID("msg") }
func (uuidGenerator) MetricID() string   { return newID("mx") }
func (uuidGenerator) TraceID() string    { return newID("tr") }
func (uuidGenerator) Token() string      { return newID("gate") }
