// Package deploy forwards generated projects to the preview service.
//
// The service accepts either a full file map (Deploy) or a reference to an
// archive already on disk (BuildCode). Neither call retries: a failed upload
// surfaces as a deploy_failure and the caller decides whether to rerun the
// whole task.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

const (
	// DefaultBaseURL is where the preview service listens by default.
	DefaultBaseURL = "http://localhost:1234"

	// DefaultTimeout bounds a single upload.
	DefaultTimeout = 2 * time.Minute

	deployPath    = "/api/deploy"
	buildCodePath = "/api/buildcode"

	// maxErrorBody caps how much of a failed response is kept in the error.
	maxErrorBody = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Result is what the preview service returned for an upload.
type Result struct {
	// URL is the preview location, when the service reported one.
	URL string `json:"url,omitempty"`

	// Raw is the undecoded response body.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ArchiveRef points the preview service at an archive it can read itself.
type ArchiveRef struct {
	FileName   string `json:"fileName"`
	TargetPath string `json:"targetPath"`
	ID         string `json:"id"`
}

// Client talks to the preview service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a preview service client.
func NewClient(opts Options, logger *logging.Logger) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{baseURL: base, httpClient: hc, logger: logger}
}

// BaseURL returns the preview service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Deploy uploads a complete file map.
func (c *Client) Deploy(ctx context.Context, files artifact.Artifact) (*Result, error) {
	if len(files) == 0 {
		return nil, types.NewFailure(types.FailureDeploy, "no files to deploy")
	}
	if err := files.Validate(); err != nil {
		return nil, types.WrapFailure(types.FailureDeploy, err, "invalid file map")
	}

	c.logger.Infof("Deploying %d files to %s", len(files), c.baseURL)
	body := map[string]interface{}{"files": files}
	return c.post(ctx, deployPath, body)
}

// BuildCode hands the preview service an archive reference. When the service
// does not report a URL, the preview location is derived from the reference id.
func (c *Client) BuildCode(ctx context.Context, ref ArchiveRef) (*Result, error) {
	if ref.ID == "" || ref.FileName == "" {
		return nil, types.NewFailure(types.FailureDeploy, "archive reference needs a file name and id")
	}

	c.logger.Infof("Requesting build of %s (id %s)", ref.FileName, ref.ID)
	body := map[string]interface{}{"data": ref}
	res, err := c.post(ctx, buildCodePath, body)
	if err != nil {
		return nil, err
	}
	if res.URL == "" {
		res.URL = PreviewPath(ref.ID)
	}
	return res, nil
}

// PreviewPath is the preview location for an archive-reference build.
func PreviewPath(id string) string {
	return "preview?id=" + url.QueryEscape(id)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, types.WrapFailure(types.FailureDeploy, err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, types.WrapFailure(types.FailureDeploy, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapFailure(types.FailureDeploy, err, "POST %s", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapFailure(types.FailureDeploy, err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := raw
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, types.NewFailure(types.FailureDeploy, "POST %s returned %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	res := &Result{}
	if json.Valid(raw) {
		res.Raw = raw
		res.URL = findURL(raw)
	}
	c.logger.Debugf("POST %s -> %d (%d bytes)", path, resp.StatusCode, len(raw))
	return res, nil
}

// findURL looks for a url field at the top level or under "data".
func findURL(raw []byte) string {
	var body struct {
		URL  string          `json:"url"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.URL != "" {
		return body.URL
	}
	var data struct {
		URL string `json:"url"`
	}
	if len(body.Data) > 0 && json.Unmarshal(body.Data, &data) == nil {
		return data.URL
	}
	return ""
}
