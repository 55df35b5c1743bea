package studio

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/entrhq/relay/pkg/browser"
)

const (
	DefaultHomeURL    = "https://aistudio.google.com/apps"
	DefaultProjectURL = "https://aistudio.google.com/apps/drive/{driveid}?showAssistant=true&showCode=true"

	// DefaultErrorMessage is reported when the error region has no title.
	DefaultErrorMessage = "An internal error occurred."
)

// Site describes the target application's surface: where things live and
// how to recognise them. Every chain is tried first to last.
type Site struct {
	HomeURL    string
	ProjectURL string // {driveid} is replaced with the project id

	// ReadyAnchor exists only once the interactive surface has loaded.
	ReadyAnchor string

	PromptInput  browser.Chain
	BuildControl browser.Chain
	RunControl   browser.Chain

	RunningIndicator string

	// StagingPattern matches the transient location right after submission,
	// ProjectPattern the final one. ProjectPattern's first group is the id.
	StagingPattern *regexp.Regexp
	ProjectPattern *regexp.Regexp

	ErrorRegion string
	ErrorTitle  string

	OutputRegion string

	Model ModelSite
}

// ModelSite holds the selectors of the model settings dialog.
type ModelSite struct {
	CurrentLabel string
	Settings     browser.Chain
	Field        browser.Chain
	Panel        browser.Chain
	Close        browser.Chain
}

// DefaultSite returns the selectors for the hosted application.
func DefaultSite() Site {
	return Site{
		HomeURL:     DefaultHomeURL,
		ProjectURL:  DefaultProjectURL,
		ReadyAnchor: `button[aria-label="Send"]`,
		PromptInput: browser.NewChain(
			"aria-label", `textarea[aria-label="Enter a prompt to generate an app"]`,
			"class", `textarea.prompt-textarea`,
			"any", `textarea`,
		),
		BuildControl: browser.NewChain(
			"primary", `button.ms-button-primary:has-text("Build")`,
			"text", `button:has-text("Build")`,
		),
		RunControl: browser.NewChain(
			"aria-label", `button[aria-label="Run"]`,
			"text", `button:has-text("Run")`,
			"class", `button.send-button`,
		),
		RunningIndicator: `button .running-icon`,
		StagingPattern:   regexp.MustCompile(`/apps/temp/`),
		ProjectPattern:   regexp.MustCompile(`/apps/drive/([^?#/]+)`),
		ErrorRegion:      `.error-container`,
		ErrorTitle:       `.error-title`,
		OutputRegion:     `.output-container`,
		Model: ModelSite{
			CurrentLabel: `span.model-button-name`,
			Settings:     browser.NewChain("button", `button.model-button`),
			Field:        browser.NewChain("field", `mat-dialog-content ms-settings-model-selector mat-form-field`),
			Panel:        browser.NewChain("listbox", `[role="listbox"]`),
			Close: browser.NewChain(
				"dialog-close", `mat-dialog-container button[mat-dialog-close]`,
				"dialog-aria", `mat-dialog-container [aria-label="Close"]`,
				"aria", `button[aria-label="Close"]`,
			),
		},
	}
}

// ProjectURLFor returns the project resource for driveID.
func (s Site) ProjectURLFor(driveID string) string {
	return strings.ReplaceAll(s.ProjectURL, "{driveid}", driveID)
}

// DriveID extracts the project id from a location, or "" if it is not a
// project location.
func (s Site) DriveID(location string) string {
	m := s.ProjectPattern.FindStringSubmatch(location)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// optionChain locates a dropdown option by its visible text.
func optionChain(label string) browser.Chain {
	q := strings.ReplaceAll(label, `"`, `\"`)
	return browser.NewChain(
		"mat-option", fmt.Sprintf(`mat-option:has-text("%s")`, q),
		"role", fmt.Sprintf(`[role="option"]:has-text("%s")`, q),
	)
}
