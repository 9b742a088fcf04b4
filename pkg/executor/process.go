package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"legba/pkg/logx"
	"legba/pkg/registry"
	"legba/pkg/session"
)

// wireEvent is the JSONL record a sandbox runner writes to stdout, one per
// signal.
type wireEvent struct {
	Phase          string               `json:"phase"`
	IssueSignature string               `json:"issueSignature,omitempty"`
	Delta          session.MetricsDelta `json:"delta,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Process launches the sandbox runner as a subprocess and reads its signal
// stream as JSON lines on stdout. The runner receives the session context
// through LEGBA_* environment variables.
type Process struct {
	command   []string
	sessionID string
	logger    *logx.Logger
	events    chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcess creates a subprocess executor for one session. command is the
// runner argv; it must emit one JSON event per stdout line.
func NewProcess(sessionID string, command []string) *Process {
	return &Process{
		command:   command,
		sessionID: sessionID,
		logger:    logx.NewLogger("executor").WithSession(sessionID),
		events:    make(chan Event),
		done:      make(chan struct{}),
	}
}

// Start implements Executor.
func (p *Process) Start(ctx context.Context, project registry.Project, sprint int, branch string) error {
	if len(p.command) == 0 {
		return fmt.Errorf("executor command not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	cmd := exec.CommandContext(runCtx, p.command[0], p.command[1:]...) //nolint:gosec // command comes from operator config
	cmd.Env = append(os.Environ(),
		"LEGBA_SESSION_ID="+p.sessionID,
		"LEGBA_PROJECT="+project.ID,
		"LEGBA_REPO_URL="+project.RepoURL,
		fmt.Sprintf("LEGBA_SPRINT=%d", sprint),
		"LEGBA_BRANCH="+branch,
	)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open runner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to launch runner: %w", err)
	}
	p.logger.Info("Runner launched: pid=%d cmd=%v", cmd.Process.Pid, p.command)

	go p.consume(runCtx, cmd, stdout)
	return nil
}

// consume decodes the runner's stdout until it exits, then reconciles the
// exit status with the last signal seen.
func (p *Process) consume(ctx context.Context, cmd *exec.Cmd, stdout io.Reader) {
	defer close(p.events)
	defer close(p.done)

	sawTerminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var we wireEvent
		if err := json.Unmarshal(line, &we); err != nil {
			p.logger.Warn("Unparseable runner output dropped: %v", err)
			continue
		}
		ev := Event{
			Phase:          Phase(we.Phase),
			IssueSignature: we.IssueSignature,
			Delta:          we.Delta,
			Err:            we.Error,
		}
		if ev.Phase == PhaseCompleted || ev.Phase == PhaseFailed {
			sawTerminal = true
		}
		select {
		case p.events <- ev:
		case <-ctx.Done():
			_ = cmd.Wait()
			return
		}
	}

	err := cmd.Wait()
	if err != nil && !sawTerminal && ctx.Err() == nil {
		// Runner died without declaring an outcome.
		select {
		case p.events <- Event{Phase: PhaseFailed, Err: fmt.Sprintf("runner exited: %v", err)}:
		case <-ctx.Done():
		}
	}
}

// Events implements Executor.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Cancel implements Executor.
func (p *Process) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ProcessFactory builds one subprocess executor per session from a fixed
// runner command.
type ProcessFactory struct {
	command []string
}

// NewProcessFactory creates the factory.
func NewProcessFactory(command []string) *ProcessFactory {
	return &ProcessFactory{command: command}
}

// New implements Factory.
func (f *ProcessFactory) New(sessionID string) Executor {
	return NewProcess(sessionID, f.command)
}
