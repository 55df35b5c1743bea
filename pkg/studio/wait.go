package studio

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/entrhq/relay/pkg/browser"
)

const enabledPoll = 100 * time.Millisecond

// sliced runs step repeatedly with a bound of at most slice until it
// succeeds, fails with something other than a timeout, or total elapses.
// Between slices the monitor signal and ctx are checked, so a long wait
// never hides an error that surfaced early.
func sliced(ctx context.Context, total, slice time.Duration, mon *ErrorMonitor, what string, step func(d time.Duration) error) error {
	if slice <= 0 || slice > total {
		slice = total
	}
	deadline := time.Now().Add(total)

	// The step always runs at least once, even with a zero bound.
	for attempt := 0; ; attempt++ {
		if err := mon.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 && attempt > 0 {
			return fmt.Errorf("%w: %s", browser.ErrTimeout, what)
		}

		d := min(slice, remaining)
		if d <= 0 {
			d = time.Millisecond
		}
		err := step(d)
		if err == nil {
			return nil
		}
		if !errors.Is(err, browser.ErrTimeout) {
			return err
		}
	}
}

func waitState(ctx context.Context, page browser.Page, selector string, state browser.WaitState, total, slice time.Duration, mon *ErrorMonitor) error {
	what := fmt.Sprintf("%s to be %s", selector, state)
	return sliced(ctx, total, slice, mon, what, func(d time.Duration) error {
		return page.WaitFor(selector, state, d)
	})
}

func waitURL(ctx context.Context, page browser.Page, pattern *regexp.Regexp, total, slice time.Duration, mon *ErrorMonitor) error {
	return sliced(ctx, total, slice, mon, "location "+pattern.String(), func(d time.Duration) error {
		return page.WaitForURL(pattern, d)
	})
}

// waitEnabled waits until selector is enabled and not marked aria-disabled.
func waitEnabled(ctx context.Context, page browser.Page, selector string, total, slice time.Duration, mon *ErrorMonitor) error {
	return sliced(ctx, total, slice, mon, selector+" to be enabled", func(d time.Duration) error {
		enabled, err := page.IsEnabled(selector)
		if err != nil && !errors.Is(err, browser.ErrNotFound) {
			return err
		}
		if enabled {
			aria, _ := page.Attribute(selector, "aria-disabled")
			if aria != "true" {
				return nil
			}
		}
		if err := browser.Sleep(ctx, min(d, enabledPoll)); err != nil {
			return err
		}
		return browser.ErrTimeout
	})
}
