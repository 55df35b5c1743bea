package studio

import (
	"time"

	"github.com/entrhq/relay/pkg/browser/browsertest"
)

const (
	promptSel = `textarea[aria-label="Enter a prompt to generate an app"]`
	buildSel  = `button.ms-button-primary:has-text("Build")`
	runSel    = `button[aria-label="Run"]`
)

// fastTimeouts keeps every bound short enough for unit tests. RunningClear
// and ProjectURL stay long so tests fail loudly if they are waited out.
func fastTimeouts() Timeouts {
	return Timeouts{
		Navigation:     200 * time.Millisecond,
		NetworkIdle:    50 * time.Millisecond,
		PromptInput:    200 * time.Millisecond,
		SubmitControl:  100 * time.Millisecond,
		SubmitEnabled:  200 * time.Millisecond,
		RunningAppear:  50 * time.Millisecond,
		RunningClear:   10 * time.Second,
		ProjectURL:     10 * time.Second,
		ModelStep:      100 * time.Millisecond,
		OutputVisible:  100 * time.Millisecond,
		Settle:         time.Millisecond,
		Stabilize:      time.Millisecond,
		Slice:          10 * time.Millisecond,
		MonitorPoll:    10 * time.Millisecond,
		StreamInterval: 10 * time.Millisecond,
	}
}

// homePage returns a fake positioned at home with the prompt input and
// build control in place.
func homePage() *browsertest.Page {
	page := browsertest.NewPage()
	page.SetURL(DefaultHomeURL)
	page.Show(promptSel, "")
	page.Show(buildSel, "Build")
	return page
}
