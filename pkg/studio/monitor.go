package studio

import (
	"strings"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

const titleReadTimeout = time.Second

// ErrorMonitor polls the page's error region in the background and fires a
// single-shot signal the first time it becomes visible. The main flow reads
// the signal at checkpoints with Err or forces a probe with Check.
//
// All methods are safe on a nil *ErrorMonitor, which never fires.
type ErrorMonitor struct {
	page     browser.Page
	region   string
	title    string
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	fired   bool
	message string
	err     error
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewErrorMonitor creates a monitor for page. It does not poll until Start.
func NewErrorMonitor(page browser.Page, site Site, interval time.Duration, logger *logging.Logger) *ErrorMonitor {
	if interval <= 0 {
		interval = DefaultTimeouts().MonitorPoll
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ErrorMonitor{
		page:     page,
		region:   site.ErrorRegion,
		title:    site.ErrorTitle,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Start begins background polling. Extra calls are no-ops.
func (m *ErrorMonitor) Start() {
	if m == nil {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

func (m *ErrorMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probe()
			if m.Err() != nil {
				return
			}
		}
	}
}

// Stop ends background polling and waits for an in-flight tick to finish.
// Safe to call multiple times and before Start.
func (m *ErrorMonitor) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

// Check probes the error region right now and returns the signal, which
// stays set once fired.
func (m *ErrorMonitor) Check() error {
	if m == nil {
		return nil
	}
	m.probe()
	return m.Err()
}

// Err returns the signal without probing: nil until the monitor fires, then
// a generation_error failure carrying the remote message.
func (m *ErrorMonitor) Err() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Fired is closed when the monitor fires.
func (m *ErrorMonitor) Fired() <-chan struct{} {
	if m == nil {
		return nil
	}
	return m.done
}

// Message returns the captured error text, or "" if not fired.
func (m *ErrorMonitor) Message() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// probe inspects the error region once. A missing region or a closed page
// counts as "no error yet".
func (m *ErrorMonitor) probe() {
	m.mu.Lock()
	fired := m.fired
	m.mu.Unlock()
	if fired {
		return
	}

	visible, err := m.page.IsVisible(m.region)
	if err != nil || !visible {
		return
	}

	message := DefaultErrorMessage
	if ok, _ := m.page.IsVisible(m.title); ok {
		if text, err := m.page.InnerText(m.title, titleReadTimeout); err == nil && strings.TrimSpace(text) != "" {
			message = strings.TrimSpace(text)
		}
	}

	m.fire(message)
}

func (m *ErrorMonitor) fire(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired {
		return
	}
	m.fired = true
	m.message = message
	m.err = types.NewFailure(types.FailureGeneration, "%s", message)
	close(m.done)
	m.logger.Warnf("Remote application reported an error: %s", message)
}
