package studio

import "time"

// Timeouts bounds every wait performed against the target application.
type Timeouts struct {
	Navigation     time.Duration // readiness anchor attach
	NetworkIdle    time.Duration // quiescence before reading content
	PromptInput    time.Duration // prompt input visible
	SubmitControl  time.Duration // submit control visible
	SubmitEnabled  time.Duration // submit control enabled
	RunningAppear  time.Duration // window in which the running indicator may show up
	RunningClear   time.Duration // running indicator gone
	ProjectURL     time.Duration // final project location reached
	ModelStep      time.Duration // each step of the model dialog
	OutputVisible  time.Duration // output region visible
	Settle         time.Duration // pause after fill and submit
	Stabilize      time.Duration // pause before reading final content
	Slice          time.Duration // long waits are split into slices this long
	MonitorPoll    time.Duration // error monitor tick
	StreamInterval time.Duration // streaming observer tick
}

// DefaultTimeouts returns bounds sized for a heavy remote application.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigation:     5 * time.Minute,
		NetworkIdle:    5 * time.Minute,
		PromptInput:    30 * time.Second,
		SubmitControl:  30 * time.Second,
		SubmitEnabled:  30 * time.Second,
		RunningAppear:  5 * time.Second,
		RunningClear:   5 * time.Minute,
		ProjectURL:     60 * time.Minute,
		ModelStep:      10 * time.Second,
		OutputVisible:  5 * time.Minute,
		Settle:         500 * time.Millisecond,
		Stabilize:      time.Second,
		Slice:          250 * time.Millisecond,
		MonitorPoll:    500 * time.Millisecond,
		StreamInterval: 500 * time.Millisecond,
	}
}
