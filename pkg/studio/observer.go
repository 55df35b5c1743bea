package studio

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
)

const snapshotReadTimeout = 5 * time.Second

// CaptureOptions controls a one-shot capture.
type CaptureOptions struct {
	// WaitNetworkIdle waits for network quiescence before reading.
	WaitNetworkIdle bool

	// Close closes the page afterwards. The page must not be reused.
	Close bool
}

// Observer reads the sanitized output region of a page.
type Observer struct {
	region   string
	timeouts Timeouts
	logger   *logging.Logger
}

// NewObserver creates an observer of site's output region.
func NewObserver(site Site, timeouts Timeouts, logger *logging.Logger) *Observer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Observer{region: site.OutputRegion, timeouts: timeouts, logger: logger}
}

// Snapshot reads the region once. ok is false when the region is not visible.
func (o *Observer) Snapshot(page browser.Page) (content string, ok bool, err error) {
	visible, err := page.IsVisible(o.region)
	if err != nil || !visible {
		return "", false, err
	}
	raw, err := page.InnerHTML(o.region, snapshotReadTimeout)
	if err != nil {
		return "", false, err
	}
	content, err = Sanitize(raw)
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

// Capture waits for the output region and returns its sanitized content.
// A region that never shows up yields "" and no error.
func (o *Observer) Capture(ctx context.Context, page browser.Page, opts CaptureOptions) (string, error) {
	if opts.Close {
		defer func() {
			if err := page.Close(); err != nil {
				o.logger.Debugf("Failed to close page after capture: %v", err)
			}
		}()
	}

	if opts.WaitNetworkIdle {
		if err := page.WaitForNetworkIdle(o.timeouts.NetworkIdle); err != nil {
			o.logger.Debugf("Network never went idle: %v", err)
		}
	}

	err := waitState(ctx, page, o.region, browser.StateVisible, o.timeouts.OutputVisible, o.timeouts.Slice, nil)
	if errors.Is(err, browser.ErrTimeout) {
		o.logger.Warnf("Output region %s not found", o.region)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("wait for output: %w", err)
	}

	content, _, err := o.Snapshot(page)
	if err != nil {
		return "", fmt.Errorf("read output: %w", err)
	}
	return content, nil
}

// Snapshots yields the region's content every interval, skipping empty
// values and values equal to the previous one. Each range over the sequence
// starts afresh; it ends when ctx is done or the consumer stops.
func (o *Observer) Snapshots(ctx context.Context, page browser.Page, interval time.Duration) iter.Seq[string] {
	if interval <= 0 {
		interval = o.timeouts.StreamInterval
	}
	return func(yield func(string) bool) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			content, ok, err := o.Snapshot(page)
			if err != nil {
				// Region gone or page mid-navigation; try again next tick.
				o.logger.Debugf("Snapshot failed: %v", err)
				continue
			}
			if !ok || content == "" || content == last {
				continue
			}
			last = content
			if !yield(content) {
				return
			}
		}
	}
}

// Observe calls onChange with every new snapshot until stop is called.
// stop waits for a tick already in progress to finish.
func (o *Observer) Observe(ctx context.Context, page browser.Page, onChange func(string), interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for content := range o.Snapshots(ctx, page, interval) {
			onChange(content)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
