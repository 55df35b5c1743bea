package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/builder"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/deploy"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/server"
	"github.com/entrhq/relay/pkg/studio"
	"github.com/entrhq/relay/pkg/task"
	"github.com/entrhq/relay/pkg/types"
)

// CLIConfig holds the flags shared by every command
type CLIConfig struct {
	ConfigFile string
	Addr       string
	Headless   bool
	Verbosity  string

	// set records which flags were given explicitly
	set map[string]bool
}

func newFlagSet(name string, cli *CLIConfig) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (YAML)")
	fs.StringVar(&cli.Addr, "addr", "", "HTTP listen address (overrides server.addr)")
	fs.BoolVar(&cli.Headless, "headless", false, "Run the browser without a window (overrides browser.headless)")
	fs.StringVar(&cli.Verbosity, "verbosity", "", "Log verbosity: quiet, normal, verbose or debug")
	return fs
}

func parse(fs *flag.FlagSet, cli *CLIConfig, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	cli.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { cli.set[f.Name] = true })
	return nil
}

// loadConfig loads the configuration file and applies flag overrides
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return nil, err
	}

	if cli.set["addr"] {
		cfg.Server.Addr = cli.Addr
	}
	if cli.set["headless"] {
		cfg.Browser.Headless = cli.Headless
	}
	if cli.set["verbosity"] {
		cfg.Logging.Verbosity = cli.Verbosity
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) *logging.Logger {
	if cfg.Logging.Dir != "" {
		logging.SetLogDirectory(cfg.Logging.Dir)
	}
	logging.SetVerbosity(cfg.Logging.Verbosity)
	return logging.MustLogger("relay")
}

// app is the wired object graph shared by serve and run
type app struct {
	sessions *browser.SessionManager
	runner   *task.Runner
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	collect, err := cfg.CollectOptions()
	if err != nil {
		return nil, fmt.Errorf("invalid project markers: %w", err)
	}

	launcher := browser.NewPlaywrightLauncher(cfg.LaunchOptions())
	sessions := browser.NewSessionManager(launcher, cfg.ManagerOptions(), logger.Named("session"))

	opts := task.Options{
		Site:         cfg.Site(),
		Timeouts:     cfg.StudioTimeouts(),
		DownloadSite: artifact.DefaultDownloadSite(),
		Download:     cfg.DownloadOptions(),
		Collect:      collect,
		Intercept:    cfg.InterceptOptions(),
		DefaultModel: cfg.Studio.DefaultModel,
		TaskTimeout:  cfg.Server.TaskTimeout,
	}

	deployer := deploy.NewClient(cfg.DeployOptions(), logger.Named("deploy"))

	// A nil *builder.Runner in the interface would not read as "no build".
	var build task.Builder
	if steps := cfg.BuildSteps(); steps != nil {
		build = builder.NewRunner(steps, logger.Named("build"))
	}

	return &app{
		sessions: sessions,
		runner:   task.NewRunner(sessions, deployer, build, opts, logger.Named("task")),
	}, nil
}

func serveCommand(ctx context.Context, args []string) error {
	cli := &CLIConfig{}
	fs := newFlagSet("serve", cli)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relay serve [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := parse(fs, cli, args); err != nil {
		return err
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	srv := server.New(a.runner, a.sessions, server.Options{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, logger.Named("http"))

	fmt.Fprintf(os.Stderr, "relay v%s listening on %s (log: %s)\n", version, cfg.Server.Addr, logger.LogPath())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return a.sessions.RunReaper(gctx, cfg.Browser.ReapInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Closing browser session")
		return a.sessions.Shutdown()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Infof("Stopped")
	return nil
}

func loginCommand(ctx context.Context, args []string) error {
	cli := &CLIConfig{}
	fs := newFlagSet("login", cli)
	wait := fs.Duration("wait", 10*time.Minute, "How long to wait for the studio to become ready")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relay login [options]\n\n")
		fmt.Fprintf(os.Stderr, "Opens the studio in a headed browser using the persistent profile.\n")
		fmt.Fprintf(os.Stderr, "Sign in; relay exits once the prompt page is ready.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := parse(fs, cli, args); err != nil {
		return err
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	// Signing in needs a window, whatever the configuration says.
	launch := cfg.LaunchOptions()
	launch.Headless = false
	sessions := browser.NewSessionManager(browser.NewPlaywrightLauncher(launch),
		browser.ManagerOptions{ReusePage: true}, logger.Named("session"))
	defer func() {
		if err := sessions.Shutdown(); err != nil {
			logger.Warnf("Failed to close browser: %v", err)
		}
	}()

	lease, err := sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	timeouts := cfg.StudioTimeouts()
	timeouts.Navigation = *wait
	nav := studio.NewNavigator(cfg.Site(), timeouts, logger.Named("navigator"))

	fmt.Fprintf(os.Stderr, "Sign in to %s in the browser window (waiting up to %s)...\n", cfg.Studio.HomeURL, *wait)
	if err := nav.EnsureAt(ctx, lease.Page, studio.Home()); err != nil {
		return fmt.Errorf("studio did not become ready: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Signed in. Profile saved to %s\n", cfg.Browser.ProfileDir)
	return nil
}

// runFlags holds the task flags of the run command
type runFlags struct {
	Mode    string
	Prompt  string
	Model   string
	DriveID string
	Output  string
	Timeout time.Duration
}

func parseMode(s string) (task.Mode, error) {
	mode := task.Mode(strings.ToLower(strings.TrimSpace(s)))
	switch mode {
	case task.ModeGenerate, task.ModeChat, task.ModeContent,
		task.ModeDeploy, task.ModeDeployArchive, task.ModeCapture:
		return mode, nil
	}
	return "", fmt.Errorf("invalid mode: %s (must be generate, chat, content, deploy, deploy_archive or capture)", s)
}

// dispatch runs req in mode against tasks
func dispatch(ctx context.Context, tasks server.Tasks, mode task.Mode, req task.Request, sink types.EventSink) *task.Result {
	switch mode {
	case task.ModeChat:
		return tasks.Chat(ctx, req, sink)
	case task.ModeContent:
		return tasks.Content(ctx, req)
	case task.ModeDeploy:
		return tasks.Deploy(ctx, req, sink)
	case task.ModeDeployArchive:
		return tasks.DeployArchive(ctx, req, sink)
	case task.ModeCapture:
		return tasks.Capture(ctx, req, sink)
	default:
		return tasks.Generate(ctx, req, sink)
	}
}

// progress prints task events to w, one line each
func progress(w io.Writer) types.EventSink {
	return func(ev types.TaskEvent) {
		switch ev.Type {
		case types.EventTypeStateChange:
			fmt.Fprintf(w, "state: %s\n", ev.State)
		case types.EventTypeArtifact:
			fmt.Fprintf(w, "artifact: %d files\n", ev.Files)
		case types.EventTypeDeployed:
			fmt.Fprintf(w, "deployed: %s\n", ev.URL)
		case types.EventTypeTaskEnd:
			if ev.Failure != nil {
				fmt.Fprintf(w, "failed: %s: %s\n", ev.Failure.Kind, ev.Failure.Message)
			}
		}
	}
}

func writeResult(path string, res *task.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, args []string) error {
	cli := &CLIConfig{}
	rf := &runFlags{}
	fs := newFlagSet("run", cli)
	fs.StringVar(&rf.Mode, "mode", string(task.ModeGenerate), "Task mode: generate, chat, content, deploy, deploy_archive or capture")
	fs.StringVar(&rf.Prompt, "prompt", "", "Prompt text (generate, chat, capture)")
	fs.StringVar(&rf.Model, "model", "", "Model label to select before generating")
	fs.StringVar(&rf.DriveID, "drive", "", "Project drive id (chat, content, deploy, deploy_archive)")
	fs.StringVar(&rf.Output, "output", "", "Write the result JSON to this file instead of stdout")
	fs.DurationVar(&rf.Timeout, "timeout", 0, "Bound the whole task (overrides server.task_timeout)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relay run [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := parse(fs, cli, args); err != nil {
		return err
	}

	mode, err := parseMode(rf.Mode)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if rf.Timeout > 0 {
		cfg.Server.TaskTimeout = rf.Timeout
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.sessions.Shutdown(); err != nil {
			logger.Warnf("Failed to close browser: %v", err)
		}
	}()

	req := task.Request{Prompt: rf.Prompt, Model: rf.Model, DriveID: rf.DriveID}
	res := dispatch(ctx, a.runner, mode, req, progress(os.Stderr))

	if err := writeResult(rf.Output, res); err != nil {
		return err
	}
	if !res.OK() {
		return res.Err
	}
	return nil
}
