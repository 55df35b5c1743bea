package types

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a task did not produce its result.
type FailureKind string

const (
	FailureLaunch                  FailureKind = "launch_failure"             // FailureLaunch indicates the browser could not be started (missing executable, profile lock).
	FailureNavigationTimeout       FailureKind = "navigation_timeout"         // FailureNavigationTimeout indicates the readiness anchor never attached.
	FailureGeneration              FailureKind = "generation_error"           // FailureGeneration indicates the remote application reported an error.
	FailureGenerationTimeout       FailureKind = "generation_timeout"         // FailureGenerationTimeout indicates a generation wait exceeded its bound.
	FailureDownloadControlNotFound FailureKind = "download_control_not_found" // FailureDownloadControlNotFound indicates no download control could be located.
	FailureDownload                FailureKind = "download_failed"            // FailureDownload indicates every download attempt failed.
	FailureCaptureTimeout          FailureKind = "capture_timeout"            // FailureCaptureTimeout indicates the save request was never intercepted.
	FailureExtraction              FailureKind = "extraction_failure"         // FailureExtraction indicates the archive could not be extracted or read.
	FailureDeploy                  FailureKind = "deploy_failure"             // FailureDeploy indicates the preview service rejected or failed the upload.
	FailureBuild                   FailureKind = "build_failure"              // FailureBuild indicates the install or build step exited non-zero.
	FailureInvalidRequest          FailureKind = "invalid_request"            // FailureInvalidRequest indicates the caller supplied unusable input.
	FailureInternal                FailureKind = "internal"                   // FailureInternal is used for anything not otherwise classified.
)

// Failure is a classified error carried up to the task boundary.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

// NewFailure creates a failure without an underlying cause.
func NewFailure(kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapFailure classifies err under kind. A nil err yields nil.
func WrapFailure(kind FailureKind, err error, format string, args ...interface{}) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying error
func (f *Failure) Unwrap() error {
	return f.Err
}

// Timeout reports whether the failure represents an exceeded wait bound.
func (f *Failure) Timeout() bool {
	switch f.Kind {
	case FailureNavigationTimeout, FailureGenerationTimeout, FailureCaptureTimeout:
		return true
	}
	return false
}

// KindOf returns the kind of the first Failure in err's chain,
// or FailureInternal when there is none.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureInternal
}

// IsKind reports whether err carries a Failure of the given kind.
func IsKind(err error, kind FailureKind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// FailureInfo is the serializable form of a Failure returned to callers.
type FailureInfo struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// InfoOf converts any error into a FailureInfo. A nil error yields nil.
func InfoOf(err error) *FailureInfo {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		msg := f.Message
		if f.Err != nil {
			msg = fmt.Sprintf("%s: %v", f.Message, f.Err)
		}
		return &FailureInfo{Kind: f.Kind, Message: msg}
	}
	return &FailureInfo{Kind: FailureInternal, Message: err.Error()}
}
