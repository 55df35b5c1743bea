// Package builder runs the install-then-build steps of an extracted project.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// DefaultStepTimeout bounds a single step.
const DefaultStepTimeout = 10 * time.Minute

// outputTail is how many trailing output lines a failure keeps.
const outputTail = 20

// Step is one command run in the project directory.
type Step interface {
	// Name identifies the step in logs and failures
	Name() string

	// Execute runs the step in dir
	Execute(ctx context.Context, dir string, logger *logging.Logger) error
}

// CommandStep runs a whitespace-separated command line.
type CommandStep struct {
	name    string
	command string
	timeout time.Duration
}

// NewCommandStep creates a command step. A zero timeout uses DefaultStepTimeout.
func NewCommandStep(name, command string, timeout time.Duration) *CommandStep {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &CommandStep{name: name, command: command, timeout: timeout}
}

// DefaultSteps installs dependencies and builds with npm.
func DefaultSteps() []Step {
	return []Step{
		NewCommandStep("install", "npm install", 0),
		NewCommandStep("build", "npm run build", 0),
	}
}

// Name returns the step name
func (s *CommandStep) Name() string {
	return s.name
}

// Command returns the command line
func (s *CommandStep) Command() string {
	return s.command
}

// Execute runs the command, logging its output line by line.
func (s *CommandStep) Execute(ctx context.Context, dir string, logger *logging.Logger) error {
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	parts := strings.Fields(s.command)
	if len(parts) == 0 {
		return &StepError{Step: s.name, Command: s.command, ExitCode: -1, Err: errors.New("empty command")}
	}

	out := &lineLogger{prefix: s.name, logger: logger}
	cmd := exec.CommandContext(execCtx, parts[0], parts[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	out.flush()
	if err == nil {
		return nil
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if execCtx.Err() != nil {
		err = fmt.Errorf("%w: %w", err, execCtx.Err())
	}
	return &StepError{
		Step:     s.name,
		Command:  s.command,
		ExitCode: code,
		Output:   out.tail(),
		Err:      err,
	}
}

// StepError describes a step that did not exit cleanly.
type StepError struct {
	Step     string
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step '%s' (%s) exited with code %d: %v", e.Step, e.Command, e.ExitCode, e.Err)
}

// Unwrap returns the underlying error
func (e *StepError) Unwrap() error {
	return e.Err
}

// StepResult records how one step went.
type StepResult struct {
	Name     string
	Passed   bool
	Duration time.Duration
	Error    string
}

// Results is the outcome of a Run.
type Results struct {
	Passed bool
	Steps  []StepResult
}

// Runner runs steps in order and stops at the first failure.
type Runner struct {
	steps  []Step
	logger *logging.Logger
}

// NewRunner creates a runner. A nil steps slice uses DefaultSteps.
func NewRunner(steps []Step, logger *logging.Logger) *Runner {
	if steps == nil {
		steps = DefaultSteps()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{steps: steps, logger: logger}
}

// Steps returns the configured steps.
func (r *Runner) Steps() []Step {
	return r.steps
}

// Run executes every step in dir. The returned error is a build_failure
// wrapping the first StepError.
func (r *Runner) Run(ctx context.Context, dir string) (*Results, error) {
	results := &Results{
		Passed: true,
		Steps:  make([]StepResult, 0, len(r.steps)),
	}

	for _, step := range r.steps {
		r.logger.Infof("Running %s in %s", step.Name(), dir)
		start := time.Now()
		err := step.Execute(ctx, dir, r.logger)
		res := StepResult{Name: step.Name(), Passed: err == nil, Duration: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
		}
		results.Steps = append(results.Steps, res)

		if err != nil {
			results.Passed = false
			r.logger.Errorf("%s failed after %s: %v", step.Name(), res.Duration, err)
			return results, types.WrapFailure(types.FailureBuild, err, "%s failed", step.Name())
		}
		r.logger.Infof("%s finished in %s", step.Name(), res.Duration)
	}
	return results, nil
}

// lineLogger forwards complete lines to the logger and keeps the last few.
type lineLogger struct {
	prefix string
	logger *logging.Logger

	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineLogger) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := w.buf.String(); rest != "" {
		w.emit(rest)
		w.buf.Reset()
	}
}

func (w *lineLogger) emit(line string) {
	if w.logger != nil {
		w.logger.Debugf("[%s] %s", w.prefix, line)
	}
	w.lines = append(w.lines, line)
	if len(w.lines) > outputTail {
		w.lines = w.lines[len(w.lines)-outputTail:]
	}
}

func (w *lineLogger) tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.lines, "\n")
}
