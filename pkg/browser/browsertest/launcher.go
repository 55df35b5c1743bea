package browsertest

import (
	"context"
	"sync"

	"github.com/entrhq/relay/pkg/browser"
)

// Launcher is a fake browser.Launcher that records every launched context.
type Launcher struct {
	mu       sync.Mutex
	contexts []*Context

	// Err, when set, fails every launch.
	Err error

	// NewPage, when set, is used by launched contexts to create pages.
	NewPage func() (browser.Page, error)
}

func (l *Launcher) Launch(ctx context.Context) (browser.BrowserContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	c := &Context{NewFunc: l.NewPage}
	l.contexts = append(l.contexts, c)
	return c, nil
}

// Launches returns how many contexts were launched.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contexts)
}

// Last returns the most recently launched context, or nil.
func (l *Launcher) Last() *Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.contexts) == 0 {
		return nil
	}
	return l.contexts[len(l.contexts)-1]
}
