package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

type recordStep struct {
	name string
	err  error
	runs *[]string
}

func (s recordStep) Name() string { return s.name }

func (s recordStep) Execute(_ context.Context, dir string, _ *logging.Logger) error {
	*s.runs = append(*s.runs, s.name+"@"+filepath.Base(dir))
	return s.err
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name       string
		steps      []Step
		wantPassed bool
		wantSteps  int
	}{
		{
			name:       "no steps",
			steps:      []Step{},
			wantPassed: true,
		},
		{
			name: "all steps pass",
			steps: []Step{
				NewCommandStep("install", "echo installing", time.Minute),
				NewCommandStep("build", "true", time.Minute),
			},
			wantPassed: true,
			wantSteps:  2,
		},
		{
			name: "first failure stops the run",
			steps: []Step{
				NewCommandStep("install", "false", time.Minute),
				NewCommandStep("build", "true", time.Minute),
			},
			wantPassed: false,
			wantSteps:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewRunner(tt.steps, nil)
			results, err := runner.Run(context.Background(), t.TempDir())

			assert.Equal(t, tt.wantPassed, results.Passed)
			assert.Len(t, results.Steps, tt.wantSteps)
			if tt.wantPassed {
				assert.NoError(t, err)
			} else {
				assert.True(t, types.IsKind(err, types.FailureBuild))
			}
		})
	}
}

func TestRunner_ExitCodeAndOutput(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner([]Step{NewCommandStep("build", "cat missing-file.txt", time.Minute)}, nil)

	_, err := runner.Run(context.Background(), dir)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "build", stepErr.Step)
	assert.Equal(t, 1, stepErr.ExitCode)
	assert.Contains(t, stepErr.Output, "missing-file.txt")
	assert.Contains(t, err.Error(), "build failed")
}

func TestRunner_RunsInProjectDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))

	runner := NewRunner([]Step{NewCommandStep("check", "cat package.json", time.Minute)}, nil)
	results, err := runner.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, results.Passed)
}

func TestRunner_StepOrder(t *testing.T) {
	var runs []string
	dir := filepath.Join(t.TempDir(), "proj")
	runner := NewRunner([]Step{
		recordStep{name: "a", runs: &runs},
		recordStep{name: "b", runs: &runs, err: errors.New("boom")},
		recordStep{name: "c", runs: &runs},
	}, nil)

	results, err := runner.Run(context.Background(), dir)
	assert.Equal(t, []string{"a@proj", "b@proj"}, runs)
	assert.False(t, results.Passed)
	assert.Equal(t, "boom", results.Steps[1].Error)
	assert.True(t, types.IsKind(err, types.FailureBuild))
}

func TestCommandStep_Timeout(t *testing.T) {
	step := NewCommandStep("slow", "sleep 5", 50*time.Millisecond)

	start := time.Now()
	err := step.Execute(context.Background(), t.TempDir(), nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandStep_Empty(t *testing.T) {
	err := NewCommandStep("blank", "   ", 0).Execute(context.Background(), t.TempDir(), nil)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, -1, stepErr.ExitCode)
}

func TestDefaultSteps(t *testing.T) {
	steps := DefaultSteps()
	require.Len(t, steps, 2)
	assert.Equal(t, "install", steps[0].Name())
	assert.Equal(t, "npm install", steps[0].(*CommandStep).Command())
	assert.Equal(t, "npm run build", steps[1].(*CommandStep).Command())

	assert.Len(t, NewRunner(nil, nil).Steps(), 2)
}

func TestLineLogger(t *testing.T) {
	w := &lineLogger{prefix: "x"}
	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\nthree"))
	w.flush()
	assert.Equal(t, "one\ntwo\nthree", w.tail())
}
