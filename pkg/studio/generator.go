package studio

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// RunState is a state of one generation run.
type RunState string

const (
	StateIdle               RunState = "idle"
	StatePromptFilled       RunState = "prompt_filled"
	StateSubmitted          RunState = "submitted"
	StateRunningObserved    RunState = "running_observed"
	StateRunningSkipped     RunState = "running_skipped"
	StateNavigatedToProject RunState = "navigated_to_project"
	StateCompleted          RunState = "completed"
	StateErrored            RunState = "errored"
	StateTimedOut           RunState = "timed_out"
)

// Terminal reports whether no further transition can follow s.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateErrored, StateTimedOut:
		return true
	}
	return false
}

// RunOptions are per-run hooks.
type RunOptions struct {
	// OnState is called on every transition, including the first Idle.
	OnState func(RunState)

	// OnContent receives deduplicated output snapshots while the run is
	// in progress. Nil disables streaming.
	OnContent func(string)

	// SkipContent skips reading the output region on completion.
	SkipContent bool
}

// Result is the outcome of a run. Errored and TimedOut runs carry Err and
// an empty Content; DriveID is kept if it was already known.
type Result struct {
	State       RunState
	DriveID     string
	Content     string
	Transitions []RunState
	Err         error
}

// OK reports whether the run completed.
func (r *Result) OK() bool {
	return r.State == StateCompleted
}

// Generator drives prompt submission and waits through a generation run,
// racing its waits against an ErrorMonitor.
type Generator struct {
	site     Site
	timeouts Timeouts
	observer *Observer
	logger   *logging.Logger
}

// NewGenerator creates a generator.
func NewGenerator(site Site, timeouts Timeouts, observer *Observer, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.Discard()
	}
	if observer == nil {
		observer = NewObserver(site, timeouts, logger)
	}
	return &Generator{site: site, timeouts: timeouts, observer: observer, logger: logger}
}

// flow is the part of a run that differs between a new generation and a
// follow-up message on an existing project.
type flow struct {
	name string

	input  browser.Chain
	submit browser.Chain

	// submitWait bounds the search for the submit control before falling
	// back to Enter on the input.
	submitWait  time.Duration
	waitEnabled bool

	// awaitProject waits for the final project location after running.
	awaitProject bool
}

// Run submits prompt on a page positioned at the home resource and waits
// for the generated project. It never returns nil.
func (g *Generator) Run(ctx context.Context, page browser.Page, prompt string, opts RunOptions) *Result {
	return g.execute(ctx, page, prompt, opts, flow{
		name:         "generate",
		input:        g.site.PromptInput,
		submit:       g.site.BuildControl,
		submitWait:   g.timeouts.SubmitControl,
		waitEnabled:  true,
		awaitProject: true,
	}, nil)
}

// SendMessage sends a follow-up prompt on a page positioned at a project
// and returns the updated output. It never returns nil.
func (g *Generator) SendMessage(ctx context.Context, page browser.Page, prompt string, opts RunOptions) *Result {
	prepare := func(ctx context.Context) error {
		if err := page.WaitForNetworkIdle(g.timeouts.NetworkIdle); err != nil {
			g.logger.Debugf("Network never went idle: %v", err)
		}
		return waitState(ctx, page, g.site.OutputRegion, browser.StateVisible, g.timeouts.OutputVisible, g.timeouts.Slice, nil)
	}
	return g.execute(ctx, page, prompt, opts, flow{
		name:   "chat",
		input:  g.site.PromptInput,
		submit: g.site.RunControl,
	}, prepare)
}

type run struct {
	res     *Result
	onState func(RunState)
	logger  *logging.Logger
}

func (r *run) to(s RunState) {
	r.res.State = s
	r.res.Transitions = append(r.res.Transitions, s)
	r.logger.Debugf("Run state: %s", s)
	if r.onState != nil {
		r.onState(s)
	}
}

// fail classifies err into Errored or TimedOut. A pending monitor signal
// wins over whatever else went wrong.
func (r *run) fail(err error, mon *ErrorMonitor) *Result {
	if merr := mon.Check(); merr != nil {
		err = merr
	}

	stalled := r.res.State
	state := StateErrored
	switch {
	case types.IsKind(err, types.FailureGeneration):
	case errors.Is(err, browser.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		state = StateTimedOut
		err = types.WrapFailure(types.FailureGenerationTimeout, err, "run stalled after %s", stalled)
	default:
		var f *types.Failure
		if !errors.As(err, &f) {
			err = types.WrapFailure(types.FailureInternal, err, "run failed after %s", stalled)
		}
	}

	r.logger.Warnf("Run ended %s after %s: %v", state, stalled, err)
	r.res.Content = ""
	r.res.Err = err
	r.to(state)
	return r.res
}

func (g *Generator) execute(ctx context.Context, page browser.Page, prompt string, opts RunOptions, f flow, prepare func(context.Context) error) *Result {
	logger := g.logger.Named(f.name)
	r := &run{res: &Result{}, onState: opts.OnState, logger: logger}
	r.to(StateIdle)

	mon := NewErrorMonitor(page, g.site, g.timeouts.MonitorPoll, logger)
	defer mon.Stop()

	var stopStream func()
	defer func() {
		if stopStream != nil {
			stopStream()
		}
	}()

	if prepare != nil {
		if err := prepare(ctx); err != nil {
			return r.fail(err, mon)
		}
	}

	// Idle -> PromptFilled
	input, err := f.input.WaitAny(ctx, page, browser.Visible, g.timeouts.PromptInput, 0)
	if err != nil {
		return r.fail(err, mon)
	}
	if err := page.Fill(input.Selector, prompt, g.timeouts.PromptInput); err != nil {
		return r.fail(err, mon)
	}
	if err := browser.Sleep(ctx, g.timeouts.Settle); err != nil {
		return r.fail(err, mon)
	}
	r.to(StatePromptFilled)
	mon.Start()

	// PromptFilled -> Submitted
	if err := g.submit(ctx, page, input, f, mon); err != nil {
		return r.fail(err, mon)
	}
	r.to(StateSubmitted)

	if opts.OnContent != nil {
		stopStream = g.observer.Observe(ctx, page, opts.OnContent, g.timeouts.StreamInterval)
	}

	if err := browser.Sleep(ctx, g.timeouts.Settle); err != nil {
		return r.fail(err, mon)
	}
	if err := mon.Check(); err != nil {
		return r.fail(err, mon)
	}

	// Submitted -> RunningObserved | RunningSkipped
	err = waitState(ctx, page, g.site.RunningIndicator, browser.StateVisible, g.timeouts.RunningAppear, g.timeouts.Slice, mon)
	switch {
	case err == nil:
		r.to(StateRunningObserved)
		err = waitState(ctx, page, g.site.RunningIndicator, browser.StateDetached, g.timeouts.RunningClear, g.timeouts.Slice, mon)
		if err != nil {
			return r.fail(err, mon)
		}
	case errors.Is(err, browser.ErrTimeout):
		// Finished before we could see it.
		r.to(StateRunningSkipped)
	default:
		return r.fail(err, mon)
	}

	// -> NavigatedToProject
	if f.awaitProject {
		if g.site.StagingPattern != nil && g.site.StagingPattern.MatchString(page.URL()) {
			logger.Infof("Generation staged at %s", page.URL())
		}
		if err := waitURL(ctx, page, g.site.ProjectPattern, g.timeouts.ProjectURL, g.timeouts.Slice, mon); err != nil {
			return r.fail(err, mon)
		}
	}
	r.res.DriveID = g.site.DriveID(page.URL())
	if err := mon.Check(); err != nil {
		return r.fail(err, mon)
	}
	r.to(StateNavigatedToProject)
	logger.Infof("Project ready: %s", r.res.DriveID)

	// -> Completed
	if err := browser.Sleep(ctx, g.timeouts.Stabilize); err != nil {
		return r.fail(err, mon)
	}
	if !opts.SkipContent {
		content, err := g.observer.Capture(ctx, page, CaptureOptions{})
		if err != nil {
			logger.Warnf("Failed to read output: %v", err)
		}
		r.res.Content = content
	}
	if err := mon.Check(); err != nil {
		return r.fail(err, mon)
	}
	r.to(StateCompleted)
	return r.res
}

// submit clicks the first submit control found, or presses Enter on the
// input when there is none.
func (g *Generator) submit(ctx context.Context, page browser.Page, input browser.Strategy, f flow, mon *ErrorMonitor) error {
	var control browser.Strategy
	err := sliced(ctx, f.submitWait, g.timeouts.Slice, mon, "submit control", func(d time.Duration) error {
		s, err := f.submit.WaitAny(ctx, page, browser.Visible, d, 0)
		if err == nil {
			control = s
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, browser.ErrTimeout) {
			return err
		}
		g.logger.Infof("No submit control found, pressing Enter")
		return page.Press(input.Selector, "Enter", g.timeouts.PromptInput)
	}

	if f.waitEnabled {
		if err := waitEnabled(ctx, page, control.Selector, g.timeouts.SubmitEnabled, g.timeouts.Slice, mon); err != nil {
			return err
		}
	}
	g.logger.Debugf("Submitting via %s", control.Name)
	return page.Click(control.Selector, g.timeouts.SubmitEnabled)
}
