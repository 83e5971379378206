package assistant

import (
	"errors"

	"github.com/eventdesk/assistant/internal/pii"
	"github.com/eventdesk/assistant/pkg/models"
)

// emitError marks a failure of the Emitter rather than of the pipeline.
type emitError struct {
	err error
}

func (e *emitError) Error() string { return "emit: " + e.err.Error() }
func (e *emitError) Unwrap() error { return e.err }

var errTerminated = errors.New("stream already terminated")

// guard forwards events to an Emitter and enforces that at most one
// terminal event is emitted and nothing follows it.
type guard struct {
	em   Emitter
	done bool
}

func (g *guard) emit(ev models.SSEEvent) error {
	if g.done {
		return &emitError{err: errTerminated}
	}
	if ev.Terminal() {
		g.done = true
	}
	if err := g.em.Emit(ev); err != nil {
		return &emitError{err: err}
	}
	return nil
}

func (g *guard) terminal(ev models.SSEEvent) error {
	return g.emit(ev)
}

// streamSink unmasks text deltas as they arrive and forwards every event.
type streamSink struct {
	emit func(models.SSEEvent) error
	un   *pii.StreamUnmasker
}

func (s *streamSink) text(masked string) error {
	if out := s.un.Write(masked); out != "" {
		return s.emit(models.SSEEvent{Type: models.EventText, Content: out})
	}
	return nil
}

func (s *streamSink) endRound() error {
	if out := s.un.Flush(); out != "" {
		return s.emit(models.SSEEvent{Type: models.EventText, Content: out})
	}
	return nil
}

func (s *streamSink) toolStart(tool string, args map[string]interface{}) error {
	return s.emit(models.SSEEvent{Type: models.EventToolCallStart, Tool: tool, Args: args})
}

func (s *streamSink) toolResult(tool string, result interface{}) error {
	return s.emit(models.SSEEvent{Type: models.EventToolCallResult, Tool: tool, Result: result})
}

// discardSink is used by non-streaming turns.
type discardSink struct{}

func (discardSink) text(string) error { return nil }
func (discardSink) endRound() error { return nil }
func (discardSink) toolStart(string, map[string]interface{}) error { return nil }
func (discardSink) toolResult(string, interface{}) error { return nil }
