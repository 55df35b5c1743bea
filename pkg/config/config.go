// Package config loads relay's YAML configuration.
//
// A file is decoded on top of DefaultConfig, so any key may be omitted.
// Durations use Go syntax ("30s", "5m"). The typed converters at the bottom
// of this file hand each core package its own option struct.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/builder"
	"github.com/entrhq/relay/pkg/deploy"
	"github.com/entrhq/relay/pkg/studio"
)

// Config is the complete configuration
type Config struct {
	Browser  BrowserConfig  `yaml:"browser" json:"browser"`
	Studio   StudioConfig   `yaml:"studio" json:"studio"`
	Artifact ArtifactConfig `yaml:"artifact" json:"artifact"`
	Deploy   DeployConfig   `yaml:"deploy" json:"deploy"`
	Build    BuildConfig    `yaml:"build" json:"build"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`

	// Path is the file the configuration was loaded from, if any
	Path string `yaml:"-" json:"-"`
}

// BrowserConfig defines the persistent browser context
type BrowserConfig struct {
	ExecutablePath string   `yaml:"executable_path" json:"executable_path"`
	ProfileDir     string   `yaml:"profile_dir" json:"profile_dir"`
	Headless       bool     `yaml:"headless" json:"headless"`
	Args           []string `yaml:"args" json:"args"`
	InstallDriver  bool     `yaml:"install_driver" json:"install_driver"`

	ReusePage    bool          `yaml:"reuse_page" json:"reuse_page"`
	LoginGrace   time.Duration `yaml:"login_grace" json:"login_grace"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`   // 0 disables reclamation
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval"` // how often idleness is checked
}

// StudioConfig defines the target application
type StudioConfig struct {
	HomeURL      string         `yaml:"home_url" json:"home_url"`
	ProjectURL   string         `yaml:"project_url" json:"project_url"` // {driveid} is substituted
	DefaultModel string         `yaml:"default_model" json:"default_model"`
	Timeouts     TimeoutsConfig `yaml:"timeouts" json:"timeouts"`
}

// TimeoutsConfig mirrors studio.Timeouts
type TimeoutsConfig struct {
	Navigation     time.Duration `yaml:"navigation" json:"navigation"`
	NetworkIdle    time.Duration `yaml:"network_idle" json:"network_idle"`
	PromptInput    time.Duration `yaml:"prompt_input" json:"prompt_input"`
	SubmitControl  time.Duration `yaml:"submit_control" json:"submit_control"`
	SubmitEnabled  time.Duration `yaml:"submit_enabled" json:"submit_enabled"`
	RunningAppear  time.Duration `yaml:"running_appear" json:"running_appear"`
	RunningClear   time.Duration `yaml:"running_clear" json:"running_clear"`
	ProjectURL     time.Duration `yaml:"project_url" json:"project_url"`
	ModelStep      time.Duration `yaml:"model_step" json:"model_step"`
	OutputVisible  time.Duration `yaml:"output_visible" json:"output_visible"`
	Settle         time.Duration `yaml:"settle" json:"settle"`
	Stabilize      time.Duration `yaml:"stabilize" json:"stabilize"`
	Slice          time.Duration `yaml:"slice" json:"slice"`
	MonitorPoll    time.Duration `yaml:"monitor_poll" json:"monitor_poll"`
	StreamInterval time.Duration `yaml:"stream_interval" json:"stream_interval"`
}

// ArtifactConfig defines both retrieval strategies
type ArtifactConfig struct {
	DownloadDir      string        `yaml:"download_dir" json:"download_dir"`
	DownloadAttempts int           `yaml:"download_attempts" json:"download_attempts"`
	DownloadTimeout  time.Duration `yaml:"download_timeout" json:"download_timeout"`
	DownloadBackoff  time.Duration `yaml:"download_backoff" json:"download_backoff"`
	ScrollSettle     time.Duration `yaml:"scroll_settle" json:"scroll_settle"`
	ClosePage        bool          `yaml:"close_page" json:"close_page"`

	// Markers are glob patterns naming top-level entries of a project root
	Markers        []string `yaml:"markers" json:"markers"`
	Decontainerize bool     `yaml:"decontainerize" json:"decontainerize"`
	// ContainerMode is "root" (strip only when no marker is at the top
	// level) or "entry" (strip every nested non-marker entry)
	ContainerMode string `yaml:"container_mode" json:"container_mode"`

	Capture CaptureConfig `yaml:"capture" json:"capture"`
}

// CaptureConfig defines the save request interception
type CaptureConfig struct {
	URLContains string        `yaml:"url_contains" json:"url_contains"`
	Method      string        `yaml:"method" json:"method"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	Poll        time.Duration `yaml:"poll" json:"poll"`
}

// DeployConfig defines the preview service
type DeployConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// BuildConfig defines the optional install-then-build step
type BuildConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Steps   []BuildStepConfig `yaml:"steps" json:"steps"`
}

// BuildStepConfig defines a single build command
type BuildStepConfig struct {
	Name    string        `yaml:"name" json:"name"`
	Command string        `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ServerConfig defines the HTTP listener
type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// TaskTimeout bounds a whole task. Zero leaves it to the individual waits.
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`

	// Dir overrides the log directory (default ~/.relay/logs)
	Dir string `yaml:"dir" json:"dir"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	t := studio.DefaultTimeouts()
	dl := artifact.DefaultDownloadOptions()
	capture := artifact.DefaultInterceptOptions()

	return &Config{
		Browser: BrowserConfig{
			ProfileDir:   defaultProfileDir(),
			Headless:     false,
			Args:         []string{"--disable-blink-features=AutomationControlled"},
			ReusePage:    true,
			IdleTimeout:  browser.DefaultIdleTimeout,
			ReapInterval: browser.DefaultReapInterval,
		},
		Studio: StudioConfig{
			HomeURL:    studio.DefaultHomeURL,
			ProjectURL: studio.DefaultProjectURL,
			Timeouts: TimeoutsConfig{
				Navigation:     t.Navigation,
				NetworkIdle:    t.NetworkIdle,
				PromptInput:    t.PromptInput,
				SubmitControl:  t.SubmitControl,
				SubmitEnabled:  t.SubmitEnabled,
				RunningAppear:  t.RunningAppear,
				RunningClear:   t.RunningClear,
				ProjectURL:     t.ProjectURL,
				ModelStep:      t.ModelStep,
				OutputVisible:  t.OutputVisible,
				Settle:         t.Settle,
				Stabilize:      t.Stabilize,
				Slice:          t.Slice,
				MonitorPoll:    t.MonitorPoll,
				StreamInterval: t.StreamInterval,
			},
		},
		Artifact: ArtifactConfig{
			DownloadDir:      dl.Dir,
			DownloadAttempts: dl.Attempts,
			DownloadTimeout:  dl.Timeout,
			DownloadBackoff:  dl.Backoff,
			ScrollSettle:     dl.ScrollSettle,
			Markers:          append([]string(nil), artifact.DefaultMarkers...),
			Decontainerize:   true,
			ContainerMode:    string(artifact.ContainerRoot),
			Capture: CaptureConfig{
				URLContains: capture.Signature.URLContains,
				Method:      capture.Signature.Method,
				Timeout:     capture.Timeout,
				Poll:        capture.Poll,
			},
		},
		Deploy: DeployConfig{
			BaseURL: deploy.DefaultBaseURL,
			Timeout: deploy.DefaultTimeout,
		},
		Build: BuildConfig{
			Enabled: false,
			Steps: []BuildStepConfig{
				{Name: "install", Command: "npm install"},
				{Name: "build", Command: "npm run build"},
			},
		},
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "relay", "profile")
	}
	return filepath.Join(home, ".relay", "profile")
}

// Load reads path on top of DefaultConfig and validates the result.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills in the verbosity default
func (c *Config) Validate() error {
	if c.Browser.ProfileDir == "" {
		return errors.New("browser.profile_dir is required")
	}
	if c.Browser.LoginGrace < 0 || c.Browser.IdleTimeout < 0 || c.Browser.ReapInterval < 0 {
		return errors.New("browser durations cannot be negative")
	}

	if err := validateURL("studio.home_url", c.Studio.HomeURL); err != nil {
		return err
	}
	if !strings.Contains(c.Studio.ProjectURL, "{driveid}") {
		return fmt.Errorf("studio.project_url must contain {driveid}: %q", c.Studio.ProjectURL)
	}
	if err := c.Studio.Timeouts.validate(); err != nil {
		return err
	}

	if c.Artifact.DownloadDir == "" {
		return errors.New("artifact.download_dir is required")
	}
	if c.Artifact.DownloadAttempts < 1 {
		return fmt.Errorf("artifact.download_attempts must be at least 1, got %d", c.Artifact.DownloadAttempts)
	}
	if c.Artifact.DownloadTimeout <= 0 {
		return errors.New("artifact.download_timeout must be positive")
	}
	if _, err := artifact.NewMarkerSet(c.Artifact.Markers); err != nil {
		return fmt.Errorf("artifact.markers: %w", err)
	}
	if !artifact.ContainerMode(c.Artifact.ContainerMode).Valid() {
		return fmt.Errorf("artifact.container_mode must be root or entry, got %q", c.Artifact.ContainerMode)
	}
	if c.Artifact.Capture.URLContains == "" {
		return errors.New("artifact.capture.url_contains is required")
	}
	if c.Artifact.Capture.Timeout <= 0 || c.Artifact.Capture.Poll <= 0 {
		return errors.New("artifact.capture timeout and poll must be positive")
	}

	if err := validateURL("deploy.base_url", c.Deploy.BaseURL); err != nil {
		return err
	}

	if c.Build.Enabled {
		if len(c.Build.Steps) == 0 {
			return errors.New("build.enabled requires at least one step")
		}
		for i, s := range c.Build.Steps {
			if strings.TrimSpace(s.Command) == "" {
				return fmt.Errorf("build.steps[%d] has no command", i)
			}
		}
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.TaskTimeout < 0 {
		return errors.New("server.task_timeout cannot be negative")
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

func (t TimeoutsConfig) validate() error {
	named := map[string]time.Duration{
		"navigation":      t.Navigation,
		"network_idle":    t.NetworkIdle,
		"prompt_input":    t.PromptInput,
		"submit_control":  t.SubmitControl,
		"submit_enabled":  t.SubmitEnabled,
		"running_appear":  t.RunningAppear,
		"running_clear":   t.RunningClear,
		"project_url":     t.ProjectURL,
		"model_step":      t.ModelStep,
		"output_visible":  t.OutputVisible,
		"slice":           t.Slice,
		"monitor_poll":    t.MonitorPoll,
		"stream_interval": t.StreamInterval,
	}
	for name, d := range named {
		if d <= 0 {
			return fmt.Errorf("studio.timeouts.%s must be positive", name)
		}
	}
	if t.Settle < 0 || t.Stabilize < 0 {
		return errors.New("studio.timeouts settle and stabilize cannot be negative")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
	}
	return nil
}

// LaunchOptions converts the browser section for the Playwright launcher
func (c *Config) LaunchOptions() browser.LaunchOptions {
	return browser.LaunchOptions{
		ExecutablePath: c.Browser.ExecutablePath,
		ProfileDir:     c.Browser.ProfileDir,
		Headless:       c.Browser.Headless,
		Args:           append([]string(nil), c.Browser.Args...),
		InstallDriver:  c.Browser.InstallDriver,
	}
}

// ManagerOptions converts the browser section for the session manager
func (c *Config) ManagerOptions() browser.ManagerOptions {
	return browser.ManagerOptions{
		ReusePage:   c.Browser.ReusePage,
		LoginGrace:  c.Browser.LoginGrace,
		IdleTimeout: c.Browser.IdleTimeout,
	}
}

// Site returns the default selectors with the configured URLs
func (c *Config) Site() studio.Site {
	site := studio.DefaultSite()
	site.HomeURL = c.Studio.HomeURL
	site.ProjectURL = c.Studio.ProjectURL
	return site
}

// StudioTimeouts converts the timeouts section
func (c *Config) StudioTimeouts() studio.Timeouts {
	t := c.Studio.Timeouts
	return studio.Timeouts{
		Navigation:     t.Navigation,
		NetworkIdle:    t.NetworkIdle,
		PromptInput:    t.PromptInput,
		SubmitControl:  t.SubmitControl,
		SubmitEnabled:  t.SubmitEnabled,
		RunningAppear:  t.RunningAppear,
		RunningClear:   t.RunningClear,
		ProjectURL:     t.ProjectURL,
		ModelStep:      t.ModelStep,
		OutputVisible:  t.OutputVisible,
		Settle:         t.Settle,
		Stabilize:      t.Stabilize,
		Slice:          t.Slice,
		MonitorPoll:    t.MonitorPoll,
		StreamInterval: t.StreamInterval,
	}
}

// DownloadOptions converts the artifact section for the downloader
func (c *Config) DownloadOptions() artifact.DownloadOptions {
	a := c.Artifact
	return artifact.DownloadOptions{
		Dir:          a.DownloadDir,
		Attempts:     a.DownloadAttempts,
		Timeout:      a.DownloadTimeout,
		Backoff:      a.DownloadBackoff,
		ScrollSettle: a.ScrollSettle,
		ClosePage:    a.ClosePage,
	}
}

// CollectOptions compiles the project markers
func (c *Config) CollectOptions() (artifact.CollectOptions, error) {
	markers, err := artifact.NewMarkerSet(c.Artifact.Markers)
	if err != nil {
		return artifact.CollectOptions{}, err
	}
	return artifact.CollectOptions{
		Markers:        markers,
		Decontainerize: c.Artifact.Decontainerize,
		Mode:           artifact.ContainerMode(c.Artifact.ContainerMode),
	}, nil
}

// InterceptOptions converts the capture section
func (c *Config) InterceptOptions() artifact.InterceptOptions {
	cp := c.Artifact.Capture
	return artifact.InterceptOptions{
		Signature: artifact.Signature{URLContains: cp.URLContains, Method: cp.Method},
		Timeout:   cp.Timeout,
		Poll:      cp.Poll,
	}
}

// DeployOptions converts the deploy section
func (c *Config) DeployOptions() deploy.Options {
	return deploy.Options{BaseURL: c.Deploy.BaseURL, Timeout: c.Deploy.Timeout}
}

// BuildSteps returns the configured build steps, or nil when building is off
func (c *Config) BuildSteps() []builder.Step {
	if !c.Build.Enabled {
		return nil
	}
	steps := make([]builder.Step, 0, len(c.Build.Steps))
	for i, s := range c.Build.Steps {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}
		steps = append(steps, builder.NewCommandStep(name, s.Command, s.Timeout))
	}
	return steps
}
