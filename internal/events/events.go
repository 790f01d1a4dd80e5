package events

import (
	"log"
	"sync"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

// LogSink writes one structured log line per phase transition.
type LogSink struct{}

// PhaseChanged implements interfaces.EventSink.
func (LogSink) PhaseChanged(e interfaces.Event) {
	if e.ErrorClass != "" {
		log.Printf("[%s] Phase transition: %s -> %s (error class: %s) at %s",
			e.SpecID, orNone(e.OldPhase), e.NewPhase, e.ErrorClass, e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
		return
	}
	log.Printf("[%s] Phase transition: %s -> %s at %s",
		e.SpecID, orNone(e.OldPhase), e.NewPhase, e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
}

func orNone(p interfaces.Phase) string {
	if p == "" {
		return "(none)"
	}
	return string(p)
}

// Recorder captures events in memory. Used by tests to assert on phase
// transitions.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

// PhaseChanged implements interfaces.EventSink.
func (r *Recorder) PhaseChanged(e interfaces.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interfaces.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Multi fans one event out to several sinks.
type Multi []interfaces.EventSink

// PhaseChanged implements interfaces.EventSink.
func (m Multi) PhaseChanged(e interfaces.Event) {
	for _, sink := range m {
		sink.PhaseChanged(e)
	}
}
