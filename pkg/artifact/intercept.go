package artifact

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// Signature identifies the outgoing save request.
type Signature struct {
	URLContains string
	Method      string
}

// DefaultSignature matches the application's project save call.
func DefaultSignature() Signature {
	return Signature{URLContains: "SaveDriveApplet", Method: "POST"}
}

// Matches reports whether req is the save request.
func (s Signature) Matches(req browser.Request) bool {
	if s.Method != "" && !strings.EqualFold(req.Method(), s.Method) {
		return false
	}
	return strings.Contains(req.URL(), s.URLContains)
}

// InterceptOptions bounds the wait for a captured payload.
type InterceptOptions struct {
	Signature Signature
	Timeout   time.Duration
	Poll      time.Duration
}

// DefaultInterceptOptions waits up to three minutes, checking every second.
func DefaultInterceptOptions() InterceptOptions {
	return InterceptOptions{
		Signature: DefaultSignature(),
		Timeout:   3 * time.Minute,
		Poll:      time.Second,
	}
}

// Interceptor captures project files from the save request body.
type Interceptor struct {
	opts   InterceptOptions
	logger *logging.Logger
}

// NewInterceptor creates an interceptor.
func NewInterceptor(opts InterceptOptions, logger *logging.Logger) *Interceptor {
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Interceptor{opts: opts, logger: logger}
}

// Capture is an active subscription to a page's requests.
type Capture struct {
	opts   InterceptOptions
	logger *logging.Logger
	remove func()

	mu    sync.Mutex
	files Artifact
}

// Start subscribes to page's requests. Call it before triggering the save.
func (i *Interceptor) Start(page browser.Page) *Capture {
	c := &Capture{opts: i.opts, logger: i.logger, files: make(Artifact)}
	c.remove = page.OnRequest(c.handle)
	return c
}

func (c *Capture) handle(req browser.Request) {
	if !c.opts.Signature.Matches(req) {
		return
	}
	body, err := req.PostData()
	if err != nil || body == "" {
		capturedPayloads.WithLabelValues("empty").Inc()
		c.logger.Debugf("Save request without body: %v", err)
		return
	}

	files, err := DecodePayload([]byte(body), c.logger)
	if err != nil {
		capturedPayloads.WithLabelValues("invalid").Inc()
		c.logger.Warnf("Failed to decode save payload: %v", err)
		return
	}
	capturedPayloads.WithLabelValues("decoded").Inc()
	c.logger.Infof("Captured %d file(s) from save request", len(files))

	c.mu.Lock()
	defer c.mu.Unlock()
	for p, content := range files {
		c.files[p] = content
	}
}

// Files returns a copy of what has been captured so far.
func (c *Capture) Files() Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Artifact, len(c.files))
	for p, content := range c.files {
		out[p] = content
	}
	return out
}

// Wait polls until a non-empty artifact is captured, then unsubscribes.
func (c *Capture) Wait(ctx context.Context) (Artifact, error) {
	defer c.Stop()

	deadline := time.NewTimer(c.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.Poll)
	defer ticker.Stop()

	for {
		if files := c.Files(); len(files) > 0 {
			return files, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if files := c.Files(); len(files) > 0 {
				return files, nil
			}
			return nil, types.NewFailure(types.FailureCaptureTimeout, "no %s request within %s", c.opts.Signature.URLContains, c.opts.Timeout)
		case <-ticker.C:
		}
	}
}

// Stop unsubscribes. Safe to call multiple times.
func (c *Capture) Stop() {
	if c.remove != nil {
		c.remove()
	}
}

// DecodePayload walks a JSON document and collects every two-element array
// of the form [name-with-dot, base64-content]. Pairs whose content is not
// valid base64, or whose name is not a safe relative path, are skipped.
// Every nested value is visited: arrays in order, object keys sorted, and
// a later pair for the same path replaces an earlier one.
func DecodePayload(body []byte, logger *logging.Logger) (Artifact, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	w := &payloadWalker{files: make(Artifact), logger: logger}
	w.walk(doc)
	return w.files, nil
}

type payloadWalker struct {
	files  Artifact
	logger *logging.Logger
}

func (w *payloadWalker) walk(v interface{}) {
	switch node := v.(type) {
	case []interface{}:
		if len(node) == 2 {
			w.pair(node[0], node[1])
		}
		for _, child := range node {
			w.walk(child)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.walk(node[k])
		}
	}
}

func (w *payloadWalker) pair(first, second interface{}) {
	name, nameOK := first.(string)
	encoded, dataOK := second.(string)
	if !nameOK || !dataOK || !strings.Contains(name, ".") {
		return
	}
	content, ok := decodeBase64(encoded)
	if !ok {
		return
	}
	if err := w.files.Add(name, content); err != nil {
		w.logger.Debugf("Skipping payload file %q: %v", name, err)
	}
}

func decodeBase64(s string) (string, bool) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(data), true
	}
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return string(data), true
	}
	return "", false
}
