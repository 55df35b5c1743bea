package types

import "time"

// TaskEventType defines the type of event emitted while a task runs.
type TaskEventType string

const (
	EventTypeTaskStart   TaskEventType = "task_start"   // EventTypeTaskStart indicates a task acquired its page and began.
	EventTypeStateChange TaskEventType = "state_change" // EventTypeStateChange indicates the generation run entered a new state.
	EventTypeContent     TaskEventType = "content"      // EventTypeContent carries a new sanitized snapshot of the output region.
	EventTypeArtifact    TaskEventType = "artifact"     // EventTypeArtifact indicates the project files were reconstructed.
	EventTypeDeployed    TaskEventType = "deployed"     // EventTypeDeployed indicates the preview service accepted the files.
	EventTypeTaskEnd     TaskEventType = "task_end"     // EventTypeTaskEnd indicates the task finished, successfully or not.
)

// TaskEvent is a single progress notification for a task.
type TaskEvent struct {
	// Type indicates the kind of event.
	Type TaskEventType `json:"type"`

	// TaskID identifies the task that emitted the event.
	TaskID string `json:"taskId"`

	// State is the generation run state (for state change events).
	State string `json:"state,omitempty"`

	// Content holds the sanitized output snapshot (for content events).
	Content string `json:"content,omitempty"`

	// Files is the number of files in the artifact (for artifact events).
	Files int `json:"files,omitempty"`

	// URL is the preview handle (for deployed events).
	URL string `json:"url,omitempty"`

	// Failure is set on task end when the task failed.
	Failure *FailureInfo `json:"failure,omitempty"`

	// Time is when the event was emitted.
	Time time.Time `json:"time"`
}

// EventSink receives task events. Implementations must not block for long.
type EventSink func(TaskEvent)

// Emit delivers ev to the sink if one is set, stamping the time.
func (s EventSink) Emit(ev TaskEvent) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s(ev)
}
