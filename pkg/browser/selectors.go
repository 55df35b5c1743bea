package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultProbeInterval is how often WaitAny re-probes a chain.
const DefaultProbeInterval = 100 * time.Millisecond

// Sleep pauses for d or until ctx is done. A non-positive d only reports
// whether ctx is already done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Strategy is one named way of locating an element.
type Strategy struct {
	Name     string
	Selector string
}

// Chain is an ordered list of detection strategies. The first strategy whose
// probe succeeds wins; order is the policy.
type Chain []Strategy

// NewChain builds a chain from alternating name, selector pairs.
func NewChain(pairs ...string) Chain {
	if len(pairs)%2 != 0 {
		panic("browser: NewChain needs name/selector pairs")
	}
	chain := make(Chain, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		chain = append(chain, Strategy{Name: pairs[i], Selector: pairs[i+1]})
	}
	return chain
}

// Selectors returns the raw selectors in order.
func (c Chain) Selectors() []string {
	out := make([]string, len(c))
	for i, s := range c {
		out[i] = s.Selector
	}
	return out
}

func (c Chain) String() string {
	return strings.Join(c.Selectors(), " | ")
}

// Probe reports whether selector currently satisfies some condition on page.
type Probe func(page Page, selector string) (bool, error)

// Visible matches elements that are rendered and visible.
func Visible(page Page, selector string) (bool, error) {
	return page.IsVisible(selector)
}

// Attached matches elements present in the DOM, visible or not.
func Attached(page Page, selector string) (bool, error) {
	n, err := page.Count(selector)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Find tries each strategy once, in order. Probe errors count as not found,
// except a closed page which is returned as ErrPageClosed.
func (c Chain) Find(page Page, probe Probe) (Strategy, error) {
	for _, s := range c {
		ok, err := probe(page, s.Selector)
		if errors.Is(err, ErrPageClosed) {
			return Strategy{}, err
		}
		if err == nil && ok {
			return s, nil
		}
	}
	return Strategy{}, fmt.Errorf("%w: %s", ErrNotFound, c)
}

// WaitAny re-runs Find every interval until a strategy matches, ctx is done,
// or timeout elapses. A timeout of zero probes exactly once.
func (c Chain) WaitAny(ctx context.Context, page Page, probe Probe, timeout, interval time.Duration) (Strategy, error) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		s, err := c.Find(page, probe)
		if err == nil || errors.Is(err, ErrPageClosed) {
			return s, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Strategy{}, fmt.Errorf("%w: waiting for %s", ErrTimeout, c)
		}

		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Strategy{}, ctx.Err()
		case <-timer.C:
		}
	}
}
