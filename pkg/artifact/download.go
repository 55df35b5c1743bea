package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// scrollScript scrolls every button carrying one of the download signals
// into view, so lazily rendered toolbars get a chance to show the control.
const scrollScript = `(signals) => {
	let hits = 0;
	document.querySelectorAll('button').forEach((btn) => {
		const label = btn.getAttribute('aria-label') || '';
		const icon = btn.getAttribute('iconname') || '';
		const text = btn.textContent || '';
		const match =
			signals.labels.some((s) => label.includes(s)) ||
			signals.icons.includes(icon) ||
			signals.texts.some((s) => text.includes(s));
		if (match) {
			btn.scrollIntoView({ block: 'center' });
			hits++;
		}
	});
	return hits;
}`

// DownloadSite describes where the download control lives.
type DownloadSite struct {
	Controls     browser.Chain
	Interstitial string

	// Signals feed the scroll-into-view fallback.
	LabelSignals []string
	IconSignals  []string
	TextSignals  []string
}

// DefaultDownloadSite returns the hosted application's download control.
func DefaultDownloadSite() DownloadSite {
	return DownloadSite{
		Controls: browser.NewChain(
			"label-zh", `button[aria-label="下载应用"]`,
			"label-en", `button[aria-label="Download app"]`,
			"icon", `button[iconname="download"]`,
			"tooltip", `button.mat-mdc-tooltip-trigger:has-text("下载")`,
			"text", `button:has-text("Download")`,
		),
		Interstitial: `button:has-text("Continue to the app")`,
		LabelSignals: []string{"下载", "Download"},
		IconSignals:  []string{"download"},
		TextSignals:  []string{"下载", "Download"},
	}
}

// DownloadOptions bounds the download retry loop.
type DownloadOptions struct {
	// Dir is where archives are kept, one subdirectory per task.
	Dir string

	Attempts int
	Timeout  time.Duration // per attempt
	Backoff  time.Duration // between attempts

	// ScrollSettle is the pause after the scroll fallback.
	ScrollSettle time.Duration

	// ClosePage closes the page once the archive is saved.
	ClosePage bool
}

// DefaultDownloadOptions returns three attempts of ten seconds each.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Dir:          filepath.Join(os.TempDir(), "relay", "downloads"),
		Attempts:     3,
		Timeout:      10 * time.Second,
		Backoff:      time.Second,
		ScrollSettle: time.Second,
	}
}

// Archive is a saved download.
type Archive struct {
	Path     string
	FileName string
	Attempts int
}

// Downloader triggers the application's download and saves the archive.
type Downloader struct {
	site   DownloadSite
	opts   DownloadOptions
	logger *logging.Logger
}

// NewDownloader creates a downloader.
func NewDownloader(site DownloadSite, opts DownloadOptions, logger *logging.Logger) *Downloader {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Downloader{site: site, opts: opts, logger: logger}
}

// Download clicks the download control, retrying through the interstitial
// dialog, and saves the archive under Dir/taskID.
func (d *Downloader) Download(ctx context.Context, page browser.Page, taskID string) (*Archive, error) {
	if d.opts.ClosePage {
		defer func() {
			if err := page.Close(); err != nil {
				d.logger.Debugf("Failed to close page after download: %v", err)
			}
		}()
	}

	control, err := d.locate(ctx, page)
	if err != nil {
		return nil, err
	}
	d.logger.Debugf("Download control found via %s", control.Name)

	var (
		dl      browser.Download
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= d.opts.Attempts; attempt++ {
		d.dismissInterstitial(page)

		// ExpectDownload subscribes before running the click.
		dl, lastErr = page.ExpectDownload(func() error {
			return page.Click(control.Selector, d.opts.Timeout)
		}, d.opts.Timeout)
		if lastErr == nil {
			downloadAttempts.WithLabelValues("success").Inc()
			break
		}

		downloadAttempts.WithLabelValues("failure").Inc()
		d.logger.Warnf("Download attempt %d/%d failed: %v", attempt, d.opts.Attempts, lastErr)
		if errors.Is(lastErr, browser.ErrPageClosed) {
			break
		}
		if attempt < d.opts.Attempts {
			if err := browser.Sleep(ctx, d.opts.Backoff); err != nil {
				return nil, err
			}
		}
	}
	if lastErr != nil {
		return nil, types.WrapFailure(types.FailureDownload, lastErr, "download failed after %d attempts", min(attempt, d.opts.Attempts))
	}

	name := safeFileName(dl.SuggestedFilename(), taskID)
	target := filepath.Join(d.opts.Dir, taskID, name)
	if err := dl.SaveAs(target); err != nil {
		return nil, types.WrapFailure(types.FailureDownload, err, "save archive")
	}
	d.logger.Infof("Archive saved to %s after %d attempt(s)", target, attempt)

	return &Archive{Path: target, FileName: name, Attempts: attempt}, nil
}

// locate finds a visible download control, scrolling candidates into view
// once if none is visible yet.
func (d *Downloader) locate(ctx context.Context, page browser.Page) (browser.Strategy, error) {
	if s, err := d.site.Controls.Find(page, browser.Visible); err == nil {
		return s, nil
	}

	hits, err := page.Evaluate(scrollScript, map[string]interface{}{
		"labels": d.site.LabelSignals,
		"icons":  d.site.IconSignals,
		"texts":  d.site.TextSignals,
	})
	if err != nil {
		d.logger.Debugf("Scroll fallback failed: %v", err)
	} else {
		d.logger.Debugf("Scroll fallback touched %v button(s)", hits)
	}
	if err := browser.Sleep(ctx, d.opts.ScrollSettle); err != nil {
		return browser.Strategy{}, err
	}

	s, err := d.site.Controls.Find(page, browser.Visible)
	if err != nil {
		return browser.Strategy{}, types.WrapFailure(types.FailureDownloadControlNotFound, err, "no download control")
	}
	return s, nil
}

func (d *Downloader) dismissInterstitial(page browser.Page) {
	if d.site.Interstitial == "" {
		return
	}
	visible, err := page.IsVisible(d.site.Interstitial)
	if err != nil || !visible {
		return
	}
	if err := page.Click(d.site.Interstitial, d.opts.Timeout); err != nil {
		d.logger.Debugf("Failed to dismiss interstitial: %v", err)
		return
	}
	d.logger.Debugf("Dismissed interstitial dialog")
}

// safeFileName keeps only the base name of the suggested file.
func safeFileName(suggested, taskID string) string {
	name := filepath.Base(strings.ReplaceAll(suggested, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return fmt.Sprintf("%s.zip", taskID)
	}
	return name
}
