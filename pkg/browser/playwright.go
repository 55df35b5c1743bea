package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// LaunchOptions configures the persistent browser context.
type LaunchOptions struct {
	// ExecutablePath points at a locally installed Chrome/Chromium.
	// Empty uses the browser bundled with the driver.
	ExecutablePath string

	// ProfileDir is the user data directory that keeps the signed-in session.
	ProfileDir string

	// Headless runs without a visible window. Manual login needs headed mode.
	Headless bool

	// Args are extra command line flags passed to the browser.
	Args []string

	// InstallDriver downloads the driver (and bundled browser when no
	// executable is configured) before the first launch.
	InstallDriver bool
}

// PlaywrightLauncher starts a persistent Chromium context through Playwright.
type PlaywrightLauncher struct {
	opts LaunchOptions
}

// NewPlaywrightLauncher creates a launcher for the given options.
func NewPlaywrightLauncher(opts LaunchOptions) *PlaywrightLauncher {
	return &PlaywrightLauncher{opts: opts}
}

// Launch installs (optionally) and runs the driver, then opens the persistent
// context. The returned context stops the driver when closed.
func (l *PlaywrightLauncher) Launch(ctx context.Context) (BrowserContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Discard driver output so it does not interleave with our own logs
	runOpts := &playwright.RunOptions{
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
		SkipInstallBrowsers: l.opts.ExecutablePath != "",
	}

	if l.opts.InstallDriver {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:        playwright.Bool(l.opts.Headless),
		NoViewport:      playwright.Bool(true),
		AcceptDownloads: playwright.Bool(true),
		Args:            l.opts.Args,
	}
	if l.opts.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(l.opts.ExecutablePath)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(l.opts.ProfileDir, launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser with profile %q: %w", l.opts.ProfileDir, err)
	}

	return &pwContext{pw: pw, ctx: bctx}, nil
}

type pwContext struct {
	pw        *playwright.Playwright
	ctx       playwright.BrowserContext
	closeOnce sync.Once
	closeErr  error
}

func (c *pwContext) NewPage() (Page, error) {
	p, err := c.ctx.NewPage()
	if err != nil {
		return nil, translate(err)
	}
	return WrapPage(p), nil
}

func (c *pwContext) Pages() []Page {
	raw := c.ctx.Pages()
	pages := make([]Page, 0, len(raw))
	for _, p := range raw {
		pages = append(pages, WrapPage(p))
	}
	return pages
}

func (c *pwContext) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.ctx.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// pwPage adapts a playwright.Page to Page.
type pwPage struct {
	page playwright.Page
}

// WrapPage adapts a Playwright page to the Page capability set.
func WrapPage(p playwright.Page) Page {
	return &pwPage{page: p}
}

// ms converts a duration to the millisecond float Playwright expects.
// Zero leaves the driver default in place.
func ms(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%w: %v", ErrPageClosed, err)
	}
	return err
}

func (p *pwPage) first(selector string) playwright.Locator {
	return p.page.Locator(selector).First()
}

func (p *pwPage) Goto(url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   ms(timeout),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return translate(err)
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) WaitForURL(pattern *regexp.Regexp, timeout time.Duration) error {
	return translate(p.page.WaitForURL(pattern, playwright.PageWaitForURLOptions{
		Timeout:   ms(timeout),
		WaitUntil: playwright.WaitUntilStateCommit,
	}))
}

func (p *pwPage) WaitForNetworkIdle(timeout time.Duration) error {
	return translate(p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: ms(timeout),
	}))
}

func (p *pwPage) WaitFor(selector string, state WaitState, timeout time.Duration) error {
	var s *playwright.WaitForSelectorState
	switch state {
	case StateHidden:
		s = playwright.WaitForSelectorStateHidden
	case StateAttached:
		s = playwright.WaitForSelectorStateAttached
	case StateDetached:
		s = playwright.WaitForSelectorStateDetached
	default:
		s = playwright.WaitForSelectorStateVisible
	}
	return translate(p.first(selector).WaitFor(playwright.LocatorWaitForOptions{
		State:   s,
		Timeout: ms(timeout),
	}))
}

func (p *pwPage) IsVisible(selector string) (bool, error) {
	ok, err := p.first(selector).IsVisible()
	return ok, translate(err)
}

func (p *pwPage) IsEnabled(selector string) (bool, error) {
	ok, err := p.first(selector).IsEnabled()
	return ok, translate(err)
}

func (p *pwPage) Count(selector string) (int, error) {
	n, err := p.page.Locator(selector).Count()
	return n, translate(err)
}

func (p *pwPage) Attribute(selector, name string) (string, error) {
	v, err := p.first(selector).GetAttribute(name)
	return v, translate(err)
}

func (p *pwPage) InnerText(selector string, timeout time.Duration) (string, error) {
	v, err := p.first(selector).InnerText(playwright.LocatorInnerTextOptions{Timeout: ms(timeout)})
	return v, translate(err)
}

func (p *pwPage) InnerHTML(selector string, timeout time.Duration) (string, error) {
	v, err := p.first(selector).InnerHTML(playwright.LocatorInnerHTMLOptions{Timeout: ms(timeout)})
	return v, translate(err)
}

func (p *pwPage) Click(selector string, timeout time.Duration) error {
	return translate(p.first(selector).Click(playwright.LocatorClickOptions{Timeout: ms(timeout)}))
}

func (p *pwPage) Fill(selector, value string, timeout time.Duration) error {
	return translate(p.first(selector).Fill(value, playwright.LocatorFillOptions{Timeout: ms(timeout)}))
}

func (p *pwPage) Press(selector, key string, timeout time.Duration) error {
	return translate(p.first(selector).Press(key, playwright.LocatorPressOptions{Timeout: ms(timeout)}))
}

func (p *pwPage) Evaluate(script string, arg interface{}) (interface{}, error) {
	var (
		v   interface{}
		err error
	)
	if arg == nil {
		v, err = p.page.Evaluate(script)
	} else {
		v, err = p.page.Evaluate(script, arg)
	}
	return v, translate(err)
}

func (p *pwPage) ExpectDownload(trigger func() error, timeout time.Duration) (Download, error) {
	d, err := p.page.ExpectDownload(trigger, playwright.PageExpectDownloadOptions{Timeout: ms(timeout)})
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (p *pwPage) OnRequest(handler func(Request)) func() {
	fn := func(r playwright.Request) {
		handler(r)
	}
	p.page.OnRequest(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.page.RemoveListener("request", fn)
		})
	}
}

func (p *pwPage) Close() error {
	if p.page.IsClosed() {
		return nil
	}
	return translate(p.page.Close())
}

func (p *pwPage) IsClosed() bool {
	return p.page.IsClosed()
}
