// Package steptrace times the phases of one operation and reports them as a
// log tree or as JSON.
package steptrace

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/greymass/dualsink/libraries/logger"
)

// CategoryDebug receives the rendered trace of every traced operation.
const CategoryDebug = "debug-trace"

// Tracer collects steps for one operation. A disabled tracer accepts every
// call and records nothing, so call sites never branch on it.
type Tracer struct {
	on       bool
	began    time.Time
	op       string
	subject  string
	steps    []TraceStepOutput
	metadata map[string]any
}

// Span is an open step. It is recorded by End.
type Span struct {
	t      *Tracer
	step   TraceStepOutput
	opened time.Time
}

type TraceOutput struct {
	Operation string            `json:"operation"`
	Subject   string            `json:"subject"`
	TotalMs   float64           `json:"total_ms"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Steps     []TraceStepOutput `json:"steps"`
}

type TraceStepOutput struct {
	Component  string  `json:"component"`
	Action     string  `json:"action"`
	DurationMs float64 `json:"duration_ms"`
	Count      int     `json:"count,omitempty"`
	Details    string  `json:"details,omitempty"`

	elapsed time.Duration
}

// New starts a tracer. It records when enabled is set or CategoryDebug is
// being logged.
func New(operation, subject string, enabled bool) *Tracer {
	if !enabled && !logger.IsCategoryEnabled(CategoryDebug) {
		return &Tracer{}
	}
	return &Tracer{
		on:       true,
		began:    time.Now(),
		op:       operation,
		subject:  subject,
		metadata: map[string]any{},
	}
}

func (t *Tracer) Enabled() bool { return t.on }

func (t *Tracer) Step(component, action string) *Span {
	if !t.on {
		return &Span{}
	}
	return &Span{t: t, step: TraceStepOutput{Component: component, Action: action}, opened: time.Now()}
}

func (s *Span) WithCount(n int) *Span {
	if s.t != nil {
		s.step.Count = n
	}
	return s
}

func (s *Span) WithDetails(format string, v ...any) *Span {
	if s.t != nil {
		s.step.Details = fmt.Sprintf(format, v...)
	}
	return s
}

func (s *Span) End() {
	if s.t == nil {
		return
	}
	s.step.elapsed = time.Since(s.opened)
	s.step.DurationMs = millis(s.step.elapsed)
	s.t.steps = append(s.t.steps, s.step)
}

func (t *Tracer) SetMetadata(key string, value any) {
	if t.on {
		t.metadata[key] = value
	}
}

// Log renders the trace as a tree under CategoryDebug.
func (t *Tracer) Log() {
	if !t.on || !logger.IsCategoryEnabled(CategoryDebug) {
		return
	}

	lines := []string{fmt.Sprintf("%s subject=%s total=%v", t.op, t.subject, time.Since(t.began))}
	for _, k := range slices.Sorted(maps.Keys(t.metadata)) {
		lines[0] += fmt.Sprintf(" %s=%v", k, t.metadata[k])
	}
	for i, st := range t.steps {
		branch := "├─"
		if i == len(t.steps)-1 {
			branch = "└─"
		}
		line := fmt.Sprintf("  %s [%s] %s: %v", branch, st.Component, st.Action, st.elapsed)
		if st.Count > 0 {
			line += fmt.Sprintf(" count=%d", st.Count)
		}
		if st.Details != "" {
			line += " (" + st.Details + ")"
		}
		lines = append(lines, line)
	}
	logger.Printf(CategoryDebug, "%s", strings.Join(lines, "\n"))
}

// ToJSON returns nil for a nil or disabled tracer.
func (t *Tracer) ToJSON() *TraceOutput {
	if t == nil || !t.on {
		return nil
	}
	out := &TraceOutput{
		Operation: t.op,
		Subject:   t.subject,
		TotalMs:   millis(time.Since(t.began)),
		Steps:     slices.Clone(t.steps),
	}
	if out.Steps == nil {
		out.Steps = []TraceStepOutput{}
	}
	if len(t.metadata) > 0 {
		out.Metadata = maps.Clone(t.metadata)
	}
	return out
}

func millis(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }
