package browser

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrTimeout is returned when a wait exceeds its bound.
	ErrTimeout = errors.New("browser: timeout")

	// ErrPageClosed is returned when the page or its context went away mid-operation.
	ErrPageClosed = errors.New("browser: page closed")

	// ErrNotFound is returned when no selector of a chain matched.
	ErrNotFound = errors.New("browser: element not found")
)

// WaitState is the element state a wait blocks on.
type WaitState string

const (
	StateVisible  WaitState = "visible"
	StateHidden   WaitState = "hidden"
	StateAttached WaitState = "attached"
	StateDetached WaitState = "detached"
)

// Page is the capability set the core needs from a single browsing surface.
// Every selector resolves to its first match. Timeouts of zero mean the
// driver default.
type Page interface {
	Goto(url string, timeout time.Duration) error
	URL() string
	WaitForURL(pattern *regexp.Regexp, timeout time.Duration) error
	WaitForNetworkIdle(timeout time.Duration) error

	WaitFor(selector string, state WaitState, timeout time.Duration) error
	IsVisible(selector string) (bool, error)
	IsEnabled(selector string) (bool, error)
	Count(selector string) (int, error)
	Attribute(selector, name string) (string, error)
	InnerText(selector string, timeout time.Duration) (string, error)
	InnerHTML(selector string, timeout time.Duration) (string, error)

	Click(selector string, timeout time.Duration) error
	Fill(selector, value string, timeout time.Duration) error
	Press(selector, key string, timeout time.Duration) error
	Evaluate(script string, arg interface{}) (interface{}, error)

	// ExpectDownload registers the download listener, then runs trigger,
	// then waits for the download event.
	ExpectDownload(trigger func() error, timeout time.Duration) (Download, error)

	// OnRequest subscribes to outgoing requests. The returned func unsubscribes.
	OnRequest(handler func(Request)) (remove func())

	Close() error
	IsClosed() bool
}

// Download is a file download started by the page.
type Download interface {
	SuggestedFilename() string
	SaveAs(path string) error
}

// Request is an outgoing network request observed on the page.
type Request interface {
	URL() string
	Method() string
	PostData() (string, error)
}

// BrowserContext is one persistent automation context holding pages.
type BrowserContext interface {
	NewPage() (Page, error)
	Pages() []Page
	Close() error
}

// Launcher starts a browser context. It is the only component that touches
// the browser executable and profile directory.
type Launcher interface {
	Launch(ctx context.Context) (BrowserContext, error)
}
