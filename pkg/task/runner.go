package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/builder"
	"github.com/entrhq/relay/pkg/deploy"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/studio"
	"github.com/entrhq/relay/pkg/types"
)

// Deployer uploads reconstructed projects.
type Deployer interface {
	Deploy(ctx context.Context, files artifact.Artifact) (*deploy.Result, error)
	BuildCode(ctx context.Context, ref deploy.ArchiveRef) (*deploy.Result, error)
}

// Builder runs the install-then-build step on an unpacked project.
type Builder interface {
	Run(ctx context.Context, dir string) (*builder.Results, error)
}

// Options configures a Runner.
type Options struct {
	Site         studio.Site
	Timeouts     studio.Timeouts
	DownloadSite artifact.DownloadSite
	Download     artifact.DownloadOptions
	Collect      artifact.CollectOptions
	Intercept    artifact.InterceptOptions

	// DefaultModel is selected when a request names none. Empty keeps
	// whatever model the application has selected.
	DefaultModel string

	// TaskTimeout bounds a whole task. Zero leaves it to the individual waits.
	TaskTimeout time.Duration
}

// DefaultOptions returns the options for the hosted application.
func DefaultOptions() Options {
	return Options{
		Site:         studio.DefaultSite(),
		Timeouts:     studio.DefaultTimeouts(),
		DownloadSite: artifact.DefaultDownloadSite(),
		Download:     artifact.DefaultDownloadOptions(),
		Collect:      artifact.CollectOptions{Decontainerize: true},
		Intercept:    artifact.DefaultInterceptOptions(),
	}
}

// Runner executes tasks against a shared browser session.
type Runner struct {
	sessions    *browser.SessionManager
	navigator   *studio.Navigator
	models      *studio.ModelSelector
	observer    *studio.Observer
	generator   *studio.Generator
	downloader  *artifact.Downloader
	interceptor *artifact.Interceptor
	deployer    Deployer
	builder     Builder
	opts        Options
	logger      *logging.Logger
}

// NewRunner creates a runner. A nil build skips the build step.
func NewRunner(sessions *browser.SessionManager, deployer Deployer, build Builder, opts Options, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	observer := studio.NewObserver(opts.Site, opts.Timeouts, logger.Named("observer"))
	return &Runner{
		sessions:    sessions,
		navigator:   studio.NewNavigator(opts.Site, opts.Timeouts, logger.Named("navigator")),
		models:      studio.NewModelSelector(opts.Site.Model, opts.Timeouts, logger.Named("model")),
		observer:    observer,
		generator:   studio.NewGenerator(opts.Site, opts.Timeouts, observer, logger.Named("generator")),
		downloader:  artifact.NewDownloader(opts.DownloadSite, opts.Download, logger.Named("download")),
		interceptor: artifact.NewInterceptor(opts.Intercept, logger.Named("intercept")),
		deployer:    deployer,
		builder:     build,
		opts:        opts,
		logger:      logger,
	}
}

// Sessions returns the session manager the runner leases pages from.
func (r *Runner) Sessions() *browser.SessionManager {
	return r.sessions
}

// job is one task in flight.
type job struct {
	res   *Result
	sink  types.EventSink
	start time.Time
}

func (j *job) emit(ev types.TaskEvent) {
	ev.TaskID = j.res.TaskID
	j.sink.Emit(ev)
}

// Generate creates a new project from req.Prompt on the home resource.
func (r *Runner) Generate(ctx context.Context, req Request, sink types.EventSink) *Result {
	return r.do(ctx, ModeGenerate, req, sink, func(ctx context.Context, j *job, page browser.Page, req Request) error {
		if err := r.navigator.EnsureAt(ctx, page, studio.Home()); err != nil {
			return err
		}
		if err := r.models.Ensure(ctx, page, r.model(req)); err != nil {
			return err
		}
		gen := r.generator.Run(ctx, page, req.Prompt, r.runOptions(j))
		return r.applyRun(j, gen)
	})
}

// Chat sends a follow-up prompt to an existing project.
func (r *Runner) Chat(ctx context.Context, req Request, sink types.EventSink) *Result {
	return r.do(ctx, ModeChat, req, sink, func(ctx context.Context, j *job, page browser.Page, req Request) error {
		if err := r.navigator.EnsureAt(ctx, page, studio.Project(req.DriveID)); err != nil {
			return err
		}
		gen := r.generator.SendMessage(ctx, page, req.Prompt, r.runOptions(j))
		if gen.DriveID == "" {
			gen.DriveID = req.DriveID
		}
		return r.applyRun(j, gen)
	})
}

// Content reads the current sanitized output of a project.
func (r *Runner) Content(ctx context.Context, req Request) *Result {
	return r.do(ctx, ModeContent, req, nil, func(ctx context.Context, j *job, page browser.Page, req Request) error {
		if err := r.navigator.EnsureAt(ctx, page, studio.Project(req.DriveID)); err != nil {
			return err
		}
		content, err := r.observer.Capture(ctx, page, studio.CaptureOptions{WaitNetworkIdle: true})
		if err != nil {
			return err
		}
		j.res.DriveID = req.DriveID
		j.res.Content = content
		j.emit(types.TaskEvent{Type: types.EventTypeContent, Content: content})
		return nil
	})
}

// Deploy downloads a project's archive, unpacks it, optionally builds it
// and uploads the files to the preview service.
func (r *Runner) Deploy(ctx context.Context, req Request, sink types.EventSink) *Result {
	return r.do(ctx, ModeDeploy, req, sink, func(ctx context.Context, j *job, page browser.Page, req Request) error {
		archive, err := r.download(ctx, j, page, req)
		if err != nil {
			return err
		}

		dest := filepath.Join(filepath.Dir(archive.Path), "project")
		files, root, err := artifact.Unpack(archive.Path, dest, r.opts.Collect)
		if err != nil {
			return err
		}
		r.setFiles(j, files)

		if r.builder != nil {
			build, err := r.builder.Run(ctx, root)
			j.res.Build = build
			if err != nil {
				return err
			}
		}
		return r.upload(ctx, j, files)
	})
}

// DeployArchive downloads a project's archive and hands the preview service
// a reference to it instead of the files.
func (r *Runner) DeployArchive(ctx context.Context, req Request, sink types.EventSink) *Result {
	return r.do(ctx, ModeDeployArchive, req, sink, func(ctx context.Context, j *job, page browser.Page, req Request) error {
		archive, err := r.download(ctx, j, page, req)
		if err != nil {
			return err
		}
		if r.deployer == nil {
			return types.NewFailure(types.FailureDeploy, "no preview service configured")
		}
		dep, err := r.deployer.BuildCode(ctx, deploy.ArchiveRef{
			FileName:   archive.FileName,
			TargetPath: archive.Path,
			ID:         j.res.TaskID,
		})
		if err != nil {
			return err
		}
		j.res.URL = dep.URL
		j.emit(types.TaskEvent{Type: types.EventTypeDeployed, URL: dep.URL})
		return nil
	})
}

// Capture submits a prompt and reconstructs the project from the save
// request the application sends afterwards. With a DriveID the prompt is a
// follow-up on that project, otherwise a new generation.
func (r *Runner) Capture(ctx context.Context, req Request, sink types.EventSink) *Result {
	return r.do(ctx, ModeCapture, req, sink, func(ctx context.Context, j *job, page browser.Page, req Request) error {
		target := studio.Home()
		if req.DriveID != "" {
			target = studio.Project(req.DriveID)
		}
		if err := r.navigator.EnsureAt(ctx, page, target); err != nil {
			return err
		}

		// Subscribe before submitting so an early save is not missed.
		capture := r.interceptor.Start(page)
		defer capture.Stop()

		opts := r.runOptions(j)
		opts.SkipContent = true
		var gen *studio.Result
		if target.IsHome() {
			if err := r.models.Ensure(ctx, page, r.model(req)); err != nil {
				return err
			}
			gen = r.generator.Run(ctx, page, req.Prompt, opts)
		} else {
			gen = r.generator.SendMessage(ctx, page, req.Prompt, opts)
			if gen.DriveID == "" {
				gen.DriveID = req.DriveID
			}
		}
		if err := r.applyRun(j, gen); err != nil {
			return err
		}

		files, err := capture.Wait(ctx)
		if err != nil {
			return err
		}
		r.setFiles(j, files)
		return r.upload(ctx, j, files)
	})
}

type step func(ctx context.Context, j *job, page browser.Page, req Request) error

// do is the common task envelope: validate, lease a page, run fn, record
// the outcome. It never returns nil.
func (r *Runner) do(ctx context.Context, mode Mode, req Request, sink types.EventSink, fn step) *Result {
	j := &job{
		res:   &Result{TaskID: uuid.NewString(), Mode: mode},
		sink:  sink,
		start: time.Now(),
	}
	req = req.normalized()

	err := req.validate(mode)
	if err == nil {
		err = r.withPage(ctx, j, req, fn)
	}
	r.finish(j, err)
	return j.res
}

func (r *Runner) withPage(ctx context.Context, j *job, req Request, fn step) error {
	if r.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TaskTimeout)
		defer cancel()
	}

	lease, err := r.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Close(); err != nil {
			r.logger.Debugf("Failed to close task page: %v", err)
		}
	}()

	r.logger.Infof("Task %s (%s) started", j.res.TaskID, j.res.Mode)
	j.emit(types.TaskEvent{Type: types.EventTypeTaskStart})
	return fn(ctx, j, lease.Page, req)
}

func (r *Runner) finish(j *job, err error) {
	res := j.res
	res.Duration = time.Since(j.start)
	taskDuration.WithLabelValues(string(res.Mode)).Observe(res.Duration.Seconds())

	if err != nil {
		err = classify(err)
		res.Err = err
		res.Failure = types.InfoOf(err)
		res.Status = StatusFailed
		res.Content = ""
		res.Files = nil
		tasksTotal.WithLabelValues(string(res.Mode), string(res.Failure.Kind)).Inc()
		r.logger.Errorf("Task %s (%s) failed after %s: %v", res.TaskID, res.Mode, res.Duration, err)
	} else {
		res.Status = StatusCompleted
		tasksTotal.WithLabelValues(string(res.Mode), StatusCompleted).Inc()
		r.logger.Infof("Task %s (%s) completed in %s", res.TaskID, res.Mode, res.Duration)
	}

	j.emit(types.TaskEvent{Type: types.EventTypeTaskEnd, State: res.Status, Failure: res.Failure})
}

// classify maps unclassified context errors onto the timeout kind; anything
// already carrying a Failure passes through.
func classify(err error) error {
	var f *types.Failure
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.WrapFailure(types.FailureGenerationTimeout, err, "task aborted")
	}
	return types.WrapFailure(types.FailureInternal, err, "task failed")
}

func (r *Runner) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return r.opts.DefaultModel
}

func (r *Runner) runOptions(j *job) studio.RunOptions {
	opts := studio.RunOptions{
		OnState: func(s studio.RunState) {
			j.emit(types.TaskEvent{Type: types.EventTypeStateChange, State: string(s)})
		},
	}
	if j.sink != nil {
		opts.OnContent = func(content string) {
			j.emit(types.TaskEvent{Type: types.EventTypeContent, Content: content})
		}
	}
	return opts
}

// applyRun copies a generation result onto the task result.
func (r *Runner) applyRun(j *job, gen *studio.Result) error {
	runStates.WithLabelValues(string(gen.State)).Inc()
	j.res.State = gen.State
	j.res.DriveID = gen.DriveID
	if !gen.OK() {
		if gen.Err != nil {
			return gen.Err
		}
		return types.NewFailure(types.FailureInternal, "generation ended in %s", gen.State)
	}
	j.res.Content = gen.Content
	return nil
}

func (r *Runner) download(ctx context.Context, j *job, page browser.Page, req Request) (*artifact.Archive, error) {
	if err := r.navigator.EnsureAt(ctx, page, studio.Project(req.DriveID)); err != nil {
		return nil, err
	}
	j.res.DriveID = req.DriveID

	archive, err := r.downloader.Download(ctx, page, j.res.TaskID)
	if err != nil {
		return nil, err
	}
	j.res.Archive = archive.Path
	r.logger.Infof("Task %s saved %s after %d attempt(s)", j.res.TaskID, archive.FileName, archive.Attempts)
	return archive, nil
}

func (r *Runner) setFiles(j *job, files artifact.Artifact) {
	j.res.Files = files.Paths()
	j.emit(types.TaskEvent{Type: types.EventTypeArtifact, Files: len(files)})
}

func (r *Runner) upload(ctx context.Context, j *job, files artifact.Artifact) error {
	if r.deployer == nil {
		return types.NewFailure(types.FailureDeploy, "no preview service configured")
	}
	dep, err := r.deployer.Deploy(ctx, files)
	if err != nil {
		return fmt.Errorf("deploy %d files: %w", len(files), err)
	}
	j.res.URL = dep.URL
	j.emit(types.TaskEvent{Type: types.EventTypeDeployed, URL: dep.URL})
	return nil
}
