package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/builder"
	"github.com/entrhq/relay/pkg/studio"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, studio.DefaultTimeouts(), cfg.StudioTimeouts())
	assert.Equal(t, artifact.DefaultInterceptOptions(), cfg.InterceptOptions())
	assert.Equal(t, 3, cfg.DownloadOptions().Attempts)
	assert.Nil(t, cfg.BuildSteps(), "build is off by default")
	assert.Equal(t, studio.DefaultHomeURL, cfg.Site().HomeURL)

	collect, err := cfg.CollectOptions()
	require.NoError(t, err)
	assert.Equal(t, artifact.ContainerRoot, collect.Mode)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
browser:
  headless: true
  profile_dir: /tmp/profile
  idle_timeout: 2m
studio:
  home_url: https://studio.example.com/apps
  project_url: https://studio.example.com/apps/drive/{driveid}
  default_model: Gemini 2.5 Pro
  timeouts:
    project_url: 30m
artifact:
  download_attempts: 5
  markers: ["src", "*.config.*"]
  container_mode: entry
  capture:
    url_contains: SaveApp
deploy:
  base_url: http://preview:1234
build:
  enabled: true
  steps:
    - name: install
      command: pnpm install
      timeout: 3m
    - command: pnpm build
logging:
  verbosity: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)

	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 2*time.Minute, cfg.ManagerOptions().IdleTimeout)
	assert.Equal(t, "/tmp/profile", cfg.LaunchOptions().ProfileDir)

	site := cfg.Site()
	assert.Equal(t, "https://studio.example.com/apps", site.HomeURL)
	assert.Equal(t, "Gemini 2.5 Pro", cfg.Studio.DefaultModel)

	timeouts := cfg.StudioTimeouts()
	assert.Equal(t, 30*time.Minute, timeouts.ProjectURL)
	assert.Equal(t, studio.DefaultTimeouts().Navigation, timeouts.Navigation, "unset keys keep defaults")

	assert.Equal(t, 5, cfg.DownloadOptions().Attempts)
	collect, err := cfg.CollectOptions()
	require.NoError(t, err)
	assert.True(t, collect.Markers.Match("vite.config.js"))
	assert.False(t, collect.Markers.Match("public"))
	assert.True(t, collect.Decontainerize)
	assert.Equal(t, artifact.ContainerEntry, collect.Mode)

	assert.Equal(t, "SaveApp", cfg.InterceptOptions().Signature.URLContains)
	assert.Equal(t, "POST", cfg.InterceptOptions().Signature.Method)
	assert.Equal(t, "http://preview:1234", cfg.DeployOptions().BaseURL)

	steps := cfg.BuildSteps()
	require.Len(t, steps, 2)
	assert.Equal(t, "install", steps[0].Name())
	assert.Equal(t, "pnpm install", steps[0].(*builder.CommandStep).Command())
	assert.Equal(t, "step-2", steps[1].Name())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "browser: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "logging:\n  verbosity: loud\n"))
	assert.ErrorContains(t, err, "invalid logging verbosity")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "project url without placeholder",
			mutate:  func(c *Config) { c.Studio.ProjectURL = "https://x/apps/drive/" },
			wantErr: "{driveid}",
		},
		{
			name:    "relative home url",
			mutate:  func(c *Config) { c.Studio.HomeURL = "/apps" },
			wantErr: "studio.home_url",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Studio.Timeouts.RunningClear = 0 },
			wantErr: "running_clear",
		},
		{
			name:    "no download attempts",
			mutate:  func(c *Config) { c.Artifact.DownloadAttempts = 0 },
			wantErr: "download_attempts",
		},
		{
			name:    "empty capture signature",
			mutate:  func(c *Config) { c.Artifact.Capture.URLContains = "" },
			wantErr: "url_contains",
		},
		{
			name:    "bad deploy url",
			mutate:  func(c *Config) { c.Deploy.BaseURL = "preview" },
			wantErr: "deploy.base_url",
		},
		{
			name: "build step without command",
			mutate: func(c *Config) {
				c.Build.Enabled = true
				c.Build.Steps = []BuildStepConfig{{Name: "x"}}
			},
			wantErr: "build.steps[0]",
		},
		{
			name:    "negative idle timeout",
			mutate:  func(c *Config) { c.Browser.IdleTimeout = -time.Second },
			wantErr: "negative",
		},
		{
			name:    "unknown container mode",
			mutate:  func(c *Config) { c.Artifact.ContainerMode = "all" },
			wantErr: "artifact.container_mode",
		},
		{
			name:    "missing addr",
			mutate:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "server.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_DefaultsVerbosity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Verbosity = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "normal", cfg.Logging.Verbosity)
}
