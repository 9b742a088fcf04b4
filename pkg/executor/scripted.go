package executor

import (
	"context"
	"sync"
	"time"

	"legba/pkg/registry"
)

// Scripted plays back a fixed event sequence. It stands in for the real
// sandbox in tests and demos so the orchestration core can be exercised
// without any execution environment.
type Scripted struct {
	script   []Event
	interval time.Duration

	mu       sync.Mutex
	events   chan Event
	cancelCh chan struct{}
	started  bool
	startErr error
}

// NewScripted creates an executor that emits the given events in order,
// spaced by interval (zero means as fast as the consumer reads).
func NewScripted(script []Event, interval time.Duration) *Scripted {
	return &Scripted{
		script:   script,
		interval: interval,
		events:   make(chan Event),
		cancelCh: make(chan struct{}),
	}
}

// FailStart makes Start return the given error instead of launching.
func (s *Scripted) FailStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// Start implements Executor.
func (s *Scripted) Start(ctx context.Context, _ registry.Project, _ int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startErr != nil {
		close(s.events)
		return s.startErr
	}
	if s.started {
		return nil
	}
	s.started = true

	go s.play(ctx)
	return nil
}

func (s *Scripted) play(ctx context.Context) {
	defer close(s.events)

	for _, ev := range s.script {
		if s.interval > 0 {
			select {
			case <-time.After(s.interval):
			case <-s.cancelCh:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.events <- ev:
		case <-s.cancelCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Events implements Executor.
func (s *Scripted) Events() <-chan Event {
	return s.events
}

// Cancel implements Executor.
func (s *Scripted) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.cancelCh:
	default:
		close(s.cancelCh)
	}
}

// ScriptedFactory hands out pre-registered scripted executors by session
// ID, falling back to a default script.
type ScriptedFactory struct {
	mu       sync.Mutex
	byID     map[string]*Scripted
	fallback func() *Scripted
}

// NewScriptedFactory creates a factory with a fallback script constructor.
func NewScriptedFactory(fallback func() *Scripted) *ScriptedFactory {
	return &ScriptedFactory{
		byID:     make(map[string]*Scripted),
		fallback: fallback,
	}
}

// Register assigns a scripted executor to an upcoming session ID.
func (f *ScriptedFactory) Register(sessionID string, exec *Scripted) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[sessionID] = exec
}

// New implements Factory.
func (f *ScriptedFactory) New(sessionID string) Executor {
	f.mu.Lock()
	defer f.mu.Unlock()

	if exec, ok := f.byID[sessionID]; ok {
		return exec
	}
	return f.fallback()
}
