// Package task is the task boundary: it composes session acquisition,
// navigation, model selection, generation and artifact retrieval into the
// operations the HTTP layer and CLI expose, and turns every failure into a
// structured result instead of a crash.
package task

import (
	"regexp"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/builder"
	"github.com/entrhq/relay/pkg/studio"
	"github.com/entrhq/relay/pkg/types"
)

// Mode names a task operation.
type Mode string

const (
	ModeGenerate      Mode = "generate"       // new project from a prompt
	ModeChat          Mode = "chat"           // follow-up prompt on a project
	ModeContent       Mode = "content"        // read a project's output region
	ModeDeploy        Mode = "deploy"         // download, unpack and upload files
	ModeDeployArchive Mode = "deploy_archive" // download and hand over the archive
	ModeCapture       Mode = "capture"        // prompt, intercept the save request and upload files
)

// Status values reported in a Result.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Request is the caller's input for any mode.
type Request struct {
	Prompt  string `json:"prompt,omitempty"`
	Model   string `json:"model,omitempty"`
	DriveID string `json:"driveId,omitempty"`
}

var driveIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (r Request) normalized() Request {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.Model = strings.TrimSpace(r.Model)
	r.DriveID = strings.TrimSpace(r.DriveID)
	return r
}

func (r Request) validate(mode Mode) error {
	needPrompt := mode == ModeGenerate || mode == ModeChat || mode == ModeCapture
	needDrive := mode == ModeChat || mode == ModeContent || mode == ModeDeploy || mode == ModeDeployArchive

	if needPrompt && r.Prompt == "" {
		return types.NewFailure(types.FailureInvalidRequest, "prompt is required")
	}
	if needDrive && r.DriveID == "" {
		return types.NewFailure(types.FailureInvalidRequest, "driveId is required")
	}
	if r.DriveID != "" && !driveIDPattern.MatchString(r.DriveID) {
		return types.NewFailure(types.FailureInvalidRequest, "invalid driveId %q", r.DriveID)
	}
	return nil
}

// Result is what a task produced. A failed task still returns a Result with
// Failure set; Content and Files are empty whenever the generation run did
// not complete.
type Result struct {
	TaskID  string             `json:"taskId"`
	Mode    Mode               `json:"mode"`
	Status  string             `json:"status"`
	State   studio.RunState    `json:"state,omitempty"`
	DriveID string             `json:"driveId,omitempty"`
	Content string             `json:"content,omitempty"`
	Files   []string           `json:"files,omitempty"`
	Archive string             `json:"archive,omitempty"`
	URL     string             `json:"url,omitempty"`
	Build   *builder.Results   `json:"build,omitempty"`
	Failure *types.FailureInfo `json:"failure,omitempty"`

	Duration time.Duration `json:"-"`
	Err      error         `json:"-"`
}

// OK reports whether the task completed.
func (r *Result) OK() bool {
	return r.Err == nil
}
