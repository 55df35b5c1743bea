// Package browsertest provides a scripted, in-memory browser.Page for tests.
//
// Elements are keyed by the exact selector string the code under test uses.
// Behaviour that depends on time is scripted with After, and behaviour that
// depends on user actions with OnClick.
package browsertest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/browser"
)

const pollInterval = 5 * time.Millisecond

// Element is the scripted state behind one selector.
type Element struct {
	Visible  bool
	Disabled bool
	Text     string
	HTML     string
	Attrs    map[string]string
}

// Page is a fake browser.Page. The zero value is not usable; call NewPage.
type Page struct {
	mu       sync.Mutex
	url      string
	elements map[string]*Element
	closed   bool

	clicks    []string
	fills     map[string]string
	presses   []string
	evaluated []string
	gotos     []string

	onClick    map[string]func(p *Page) error
	handlers   map[int]func(browser.Request)
	nextHandle int
	downloads  int

	// DownloadFunc produces the result of each ExpectDownload call.
	// attempt starts at 1. Nil makes every download time out.
	DownloadFunc func(attempt int) (browser.Download, error)

	// EvaluateFunc answers Evaluate. Nil returns nil, nil.
	EvaluateFunc func(script string, arg interface{}) (interface{}, error)

	// NetworkIdleErr is returned by WaitForNetworkIdle.
	NetworkIdleErr error

	// GotoFunc runs on Goto after the URL is set.
	GotoFunc func(p *Page, url string) error
}

// NewPage creates an empty fake page at about:blank.
func NewPage() *Page {
	return &Page{
		url:      "about:blank",
		elements: make(map[string]*Element),
		fills:    make(map[string]string),
		onClick:  make(map[string]func(p *Page) error),
		handlers: make(map[int]func(browser.Request)),
	}
}

// Set places or replaces the element behind selector.
func (p *Page) Set(selector string, el Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := el
	p.elements[selector] = &cp
	return p
}

// Show makes selector a visible element with the given text.
func (p *Page) Show(selector, text string) *Page {
	return p.Set(selector, Element{Visible: true, Text: text})
}

// Hide keeps selector attached but invisible.
func (p *Page) Hide(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.elements[selector]; ok {
		el.Visible = false
	}
}

// Remove detaches selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
}

// SetHTML sets the inner HTML of selector, creating a visible element if needed.
func (p *Page) SetHTML(selector, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		el = &Element{Visible: true}
		p.elements[selector] = el
	}
	el.HTML = html
}

// SetEnabled toggles the disabled flag on selector.
func (p *Page) SetEnabled(selector string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.elements[selector]; ok {
		el.Disabled = !enabled
	}
}

// SetURL changes the current location.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// OnClick registers fn to run after selector is clicked.
func (p *Page) OnClick(selector string, fn func(p *Page) error) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[selector] = fn
	return p
}

// After runs fn once d has elapsed.
func (p *Page) After(d time.Duration, fn func(p *Page)) {
	time.AfterFunc(d, func() { fn(p) })
}

// Emit delivers req to every request subscriber.
func (p *Page) Emit(req browser.Request) {
	p.mu.Lock()
	handlers := make([]func(browser.Request), 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(req)
	}
}

// Clicks returns the selectors clicked so far, in order.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// ClickCount returns how many times selector was clicked.
func (p *Page) ClickCount(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clicks {
		if c == selector {
			n++
		}
	}
	return n
}

// Filled returns the last value filled into selector.
func (p *Page) Filled(selector string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.fills[selector]
	return v, ok
}

// Presses returns the keys pressed, formatted as "selector:key".
func (p *Page) Presses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.presses...)
}

// Gotos returns the URLs navigated to.
func (p *Page) Gotos() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.gotos...)
}

// Evaluated returns the scripts passed to Evaluate.
func (p *Page) Evaluated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluated...)
}

// Subscribers returns the number of active request subscribers.
func (p *Page) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// DownloadAttempts returns how many times ExpectDownload was called.
func (p *Page) DownloadAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloads
}

func (p *Page) lookup(selector string) (Element, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Element{}, false, browser.ErrPageClosed
	}
	el, ok := p.elements[selector]
	if !ok {
		return Element{}, false, nil
	}
	return *el, true, nil
}

// poll re-evaluates cond until it holds or timeout elapses.
func (p *Page) poll(timeout time.Duration, what string, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", browser.ErrTimeout, what)
		}
		time.Sleep(pollInterval)
	}
}

func (p *Page) Goto(url string, timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return browser.ErrPageClosed
	}
	p.url = url
	p.gotos = append(p.gotos, url)
	fn := p.GotoFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(p, url)
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) WaitForURL(pattern *regexp.Regexp, timeout time.Duration) error {
	return p.poll(timeout, "url "+pattern.String(), func() (bool, error) {
		if p.IsClosed() {
			return false, browser.ErrPageClosed
		}
		return pattern.MatchString(p.URL()), nil
	})
}

func (p *Page) WaitForNetworkIdle(timeout time.Duration) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	return p.NetworkIdleErr
}

func (p *Page) WaitFor(selector string, state browser.WaitState, timeout time.Duration) error {
	return p.poll(timeout, fmt.Sprintf("%s to be %s", selector, state), func() (bool, error) {
		el, ok, err := p.lookup(selector)
		if err != nil {
			return false, err
		}
		switch state {
		case browser.StateAttached:
			return ok, nil
		case browser.StateDetached:
			return !ok, nil
		case browser.StateHidden:
			return !ok || !el.Visible, nil
		default:
			return ok && el.Visible, nil
		}
	})
}

func (p *Page) IsVisible(selector string) (bool, error) {
	el, ok, err := p.lookup(selector)
	return ok && el.Visible, err
}

func (p *Page) IsEnabled(selector string) (bool, error) {
	el, ok, err := p.lookup(selector)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", browser.ErrNotFound, selector)
	}
	return !el.Disabled, nil
}

func (p *Page) Count(selector string) (int, error) {
	_, ok, err := p.lookup(selector)
	if ok {
		return 1, err
	}
	return 0, err
}

func (p *Page) Attribute(selector, name string) (string, error) {
	el, ok, err := p.lookup(selector)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", browser.ErrNotFound, selector)
	}
	if name == "aria-disabled" && el.Disabled {
		return "true", nil
	}
	return el.Attrs[name], nil
}

func (p *Page) InnerText(selector string, timeout time.Duration) (string, error) {
	if err := p.WaitFor(selector, browser.StateAttached, timeout); err != nil {
		return "", err
	}
	el, _, err := p.lookup(selector)
	return el.Text, err
}

func (p *Page) InnerHTML(selector string, timeout time.Duration) (string, error) {
	if err := p.WaitFor(selector, browser.StateAttached, timeout); err != nil {
		return "", err
	}
	el, _, err := p.lookup(selector)
	return el.HTML, err
}

func (p *Page) Click(selector string, timeout time.Duration) error {
	if err := p.WaitFor(selector, browser.StateVisible, timeout); err != nil {
		return err
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	fn := p.onClick[selector]
	p.mu.Unlock()

	if fn != nil {
		return fn(p)
	}
	return nil
}

func (p *Page) Fill(selector, value string, timeout time.Duration) error {
	if err := p.WaitFor(selector, browser.StateVisible, timeout); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills[selector] = value
	return nil
}

func (p *Page) Press(selector, key string, timeout time.Duration) error {
	if err := p.WaitFor(selector, browser.StateVisible, timeout); err != nil {
		return err
	}
	p.mu.Lock()
	p.presses = append(p.presses, selector+":"+key)
	fn := p.onClick[selector+":"+key]
	p.mu.Unlock()

	if fn != nil {
		return fn(p)
	}
	return nil
}

func (p *Page) Evaluate(script string, arg interface{}) (interface{}, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, browser.ErrPageClosed
	}
	p.evaluated = append(p.evaluated, script)
	fn := p.EvaluateFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(script, arg)
}

func (p *Page) ExpectDownload(trigger func() error, timeout time.Duration) (browser.Download, error) {
	p.mu.Lock()
	p.downloads++
	attempt := p.downloads
	fn := p.DownloadFunc
	p.mu.Unlock()

	if err := trigger(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: download", browser.ErrTimeout)
	}
	return fn(attempt)
}

func (p *Page) OnRequest(handler func(browser.Request)) func() {
	p.mu.Lock()
	id := p.nextHandle
	p.nextHandle++
	p.handlers[id] = handler
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Download is a fake browser.Download backed by bytes.
type Download struct {
	Name string
	Data []byte
}

func (d *Download) SuggestedFilename() string {
	return d.Name
}

func (d *Download) SaveAs(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, d.Data, 0o644)
}

// Request is a fake browser.Request.
type Request struct {
	RawURL string
	Verb   string
	Body   string
	Err    error
}

func (r *Request) URL() string {
	return r.RawURL
}

func (r *Request) Method() string {
	if r.Verb == "" {
		return "GET"
	}
	return r.Verb
}

func (r *Request) PostData() (string, error) {
	return r.Body, r.Err
}

// ErrScripted is a convenience error for scripted failures.
var ErrScripted = errors.New("browsertest: scripted failure")

// Context is a fake browser.BrowserContext.
type Context struct {
	mu      sync.Mutex
	pages   []browser.Page
	closed  bool
	opened  int
	NewFunc func() (browser.Page, error)
}

func (c *Context) NewPage() (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, browser.ErrPageClosed
	}
	var (
		pg  browser.Page
		err error
	)
	if c.NewFunc != nil {
		pg, err = c.NewFunc()
		if err != nil {
			return nil, err
		}
	} else {
		pg = NewPage()
	}
	c.opened++
	c.pages = append(c.pages, pg)
	return pg, nil
}

func (c *Context) Pages() []browser.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]browser.Page(nil), c.pages...)
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, pg := range c.pages {
		_ = pg.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Opened returns how many pages were created.
func (c *Context) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}
