package studio

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// Target is a resource of the application: home, or a project by drive id.
type Target struct {
	DriveID string
}

// Home is the application's landing resource.
func Home() Target { return Target{} }

// Project is a generated project's resource.
func Project(driveID string) Target { return Target{DriveID: driveID} }

// IsHome reports whether t is the home resource.
func (t Target) IsHome() bool { return t.DriveID == "" }

func (t Target) String() string {
	if t.IsHome() {
		return "home"
	}
	return "project " + t.DriveID
}

// Navigator positions pages at application resources.
type Navigator struct {
	site     Site
	timeouts Timeouts
	logger   *logging.Logger
}

// NewNavigator creates a navigator.
func NewNavigator(site Site, timeouts Timeouts, logger *logging.Logger) *Navigator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Navigator{site: site, timeouts: timeouts, logger: logger}
}

// URLFor returns the address of target.
func (n *Navigator) URLFor(target Target) string {
	if target.IsHome() {
		return n.site.HomeURL
	}
	return n.site.ProjectURLFor(target.DriveID)
}

// At reports whether page is already on target, ignoring the query string.
func (n *Navigator) At(page browser.Page, target Target) bool {
	current, err := url.Parse(page.URL())
	if err != nil {
		return false
	}
	want, err := url.Parse(n.URLFor(target))
	if err != nil {
		return false
	}
	return current.Host == want.Host && strings.TrimSuffix(current.Path, "/") == strings.TrimSuffix(want.Path, "/")
}

// EnsureAt navigates page to target unless it is already there, then blocks
// until the readiness anchor is attached.
func (n *Navigator) EnsureAt(ctx context.Context, page browser.Page, target Target) error {
	if !n.At(page, target) {
		dest := n.URLFor(target)
		n.logger.Infof("Navigating to %s (%s)", target, dest)
		if err := page.Goto(dest, n.timeouts.Navigation); err != nil {
			if errors.Is(err, browser.ErrTimeout) {
				return types.WrapFailure(types.FailureNavigationTimeout, err, "load %s", target)
			}
			return types.WrapFailure(types.FailureInternal, err, "navigate to %s", target)
		}
	}

	err := waitState(ctx, page, n.site.ReadyAnchor, browser.StateAttached, n.timeouts.Navigation, n.timeouts.Slice, nil)
	if err != nil {
		if errors.Is(err, browser.ErrTimeout) {
			return types.WrapFailure(types.FailureNavigationTimeout, err, "%s never became ready", target)
		}
		return types.WrapFailure(types.FailureInternal, err, "wait for %s", target)
	}
	n.logger.Debugf("Page ready at %s", target)
	return nil
}
