package studio

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
)

// ModelSelector reconciles the application's active model with a requested
// label through the settings dialog.
type ModelSelector struct {
	site     ModelSite
	timeouts Timeouts
	logger   *logging.Logger
}

// NewModelSelector creates a model selector.
func NewModelSelector(site ModelSite, timeouts Timeouts, logger *logging.Logger) *ModelSelector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ModelSelector{site: site, timeouts: timeouts, logger: logger}
}

// Current returns the model label the page currently shows.
func (s *ModelSelector) Current(page browser.Page) (string, error) {
	text, err := page.InnerText(s.site.CurrentLabel, s.timeouts.ModelStep)
	if err != nil {
		return "", fmt.Errorf("read current model: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Ensure makes label the active model. An empty label, or one equal to the
// current model, touches nothing. On failure the dialog is closed on a best
// effort basis and the original error is returned.
func (s *ModelSelector) Ensure(ctx context.Context, page browser.Page, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}

	current, err := s.Current(page)
	if err != nil {
		return err
	}
	if current == label {
		s.logger.Debugf("Model already set to %q", label)
		return nil
	}

	s.logger.Infof("Switching model from %q to %q", current, label)
	if err := s.switchTo(ctx, page, label); err != nil {
		s.closeDialog(page)
		return fmt.Errorf("select model %q: %w", label, err)
	}
	return nil
}

func (s *ModelSelector) switchTo(ctx context.Context, page browser.Page, label string) error {
	step := s.timeouts.ModelStep

	if err := s.clickFirst(ctx, page, s.site.Settings, "open settings"); err != nil {
		return err
	}
	if err := browser.Sleep(ctx, s.timeouts.Settle); err != nil {
		return err
	}
	if err := s.clickFirst(ctx, page, s.site.Field, "open model dropdown"); err != nil {
		return err
	}

	panel, err := s.site.Panel.WaitAny(ctx, page, browser.Visible, step, 0)
	if err != nil {
		return fmt.Errorf("wait for model list: %w", err)
	}
	if err := s.clickFirst(ctx, page, optionChain(label), "choose option"); err != nil {
		return err
	}

	// The list closing is confirmation enough; a slow animation is not fatal.
	if err := page.WaitFor(panel.Selector, browser.StateHidden, step); err != nil {
		s.logger.Debugf("Model list still open after selection: %v", err)
	}
	if err := browser.Sleep(ctx, s.timeouts.Settle); err != nil {
		return err
	}

	closer, err := s.site.Close.WaitAny(ctx, page, browser.Visible, step, 0)
	if err != nil {
		return fmt.Errorf("find settings close: %w", err)
	}
	return page.Click(closer.Selector, step)
}

func (s *ModelSelector) clickFirst(ctx context.Context, page browser.Page, chain browser.Chain, what string) error {
	found, err := chain.WaitAny(ctx, page, browser.Visible, s.timeouts.ModelStep, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := page.Click(found.Selector, s.timeouts.ModelStep); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// closeDialog clicks the first visible close control. Errors are logged only.
func (s *ModelSelector) closeDialog(page browser.Page) {
	found, err := s.site.Close.Find(page, browser.Visible)
	if err != nil {
		return
	}
	if err := page.Click(found.Selector, s.timeouts.ModelStep); err != nil {
		s.logger.Debugf("Best-effort dialog close failed: %v", err)
	}
}
