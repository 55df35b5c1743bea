package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSink_Emit(t *testing.T) {
	t.Run("nil sink is a no-op", func(t *testing.T) {
		var sink EventSink
		assert.NotPanics(t, func() {
			sink.Emit(TaskEvent{Type: EventTypeTaskStart})
		})
	})

	t.Run("stamps time when unset", func(t *testing.T) {
		var got []TaskEvent
		sink := EventSink(func(ev TaskEvent) { got = append(got, ev) })

		sink.Emit(TaskEvent{Type: EventTypeContent, Content: "<p>hi</p>"})

		require.Len(t, got, 1)
		assert.Equal(t, EventTypeContent, got[0].Type)
		assert.False(t, got[0].Time.IsZero())
	})
}

func TestFailure(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    FailureKind
		wantTimeout bool
	}{
		{
			name:     "plain error is internal",
			err:      errors.New("boom"),
			wantKind: FailureInternal,
		},
		{
			name:     "direct failure",
			err:      NewFailure(FailureDownloadControlNotFound, "no control"),
			wantKind: FailureDownloadControlNotFound,
		},
		{
			name:        "wrapped failure keeps kind",
			err:         fmt.Errorf("task: %w", NewFailure(FailureCaptureTimeout, "no save request")),
			wantKind:    FailureCaptureTimeout,
			wantTimeout: true,
		},
		{
			name:        "navigation timeout",
			err:         WrapFailure(FailureNavigationTimeout, errors.New("deadline"), "anchor"),
			wantKind:    FailureNavigationTimeout,
			wantTimeout: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, KindOf(tt.err))
			assert.True(t, IsKind(tt.err, tt.wantKind))

			var f *Failure
			if errors.As(tt.err, &f) {
				assert.Equal(t, tt.wantTimeout, f.Timeout())
			}
		})
	}
}

func TestWrapFailure_NilError(t *testing.T) {
	assert.Nil(t, WrapFailure(FailureDeploy, nil, "ignored"))
	assert.False(t, IsKind(nil, FailureInternal))
}

func TestFailure_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapFailure(FailureDeploy, cause, "post files")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "deploy_failure: post files: connection refused", err.Error())
}

func TestInfoOf(t *testing.T) {
	assert.Nil(t, InfoOf(nil))

	info := InfoOf(WrapFailure(FailureGeneration, errors.New("quota exceeded"), "remote error"))
	require.NotNil(t, info)
	assert.Equal(t, FailureGeneration, info.Kind)
	assert.Equal(t, "remote error: quota exceeded", info.Message)

	info = InfoOf(errors.New("raw"))
	assert.Equal(t, FailureInternal, info.Kind)
	assert.Equal(t, "raw", info.Message)
}
