package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/browser/browsertest"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Artifact
	}{
		{
			name: "valid pair",
			body: fmt.Sprintf(`["a.txt", %q]`, b64("hello")),
			want: Artifact{"a.txt": "hello"},
		},
		{
			name: "invalid base64 is skipped",
			body: `["a.txt", "not-base64-###"]`,
			want: Artifact{},
		},
		{
			name: "name without dot is not a file",
			body: fmt.Sprintf(`["README", %q]`, b64("x")),
			want: Artifact{},
		},
		{
			name: "deeply nested pairs",
			body: fmt.Sprintf(`[null, [["meta", 1], [[%q, %q], ["src/App.tsx", %q]]], {"k": [["index.html", %q]]}]`,
				"package.json", b64(`{"name":"x"}`), b64("export default 1"), b64("<html></html>")),
			want: Artifact{
				"package.json": `{"name":"x"}`,
				"src/App.tsx":  "export default 1",
				"index.html":   "<html></html>",
			},
		},
		{
			name: "unpadded base64",
			body: `["b.txt", "aGk"]`,
			want: Artifact{"b.txt": "hi"},
		},
		{
			name: "three element arrays are traversed not matched",
			body: fmt.Sprintf(`["x.txt", %q, "extra"]`, b64("nope")),
			want: Artifact{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload([]byte(tt.body), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestDecodePayload_UnsafeNamesAreSkipped(t *testing.T) {
	body := fmt.Sprintf(`[["../escape.ts", %q], ["src/../../up.ts", %q], ["src/ok.ts", %q]]`,
		b64("x"), b64("y"), b64("ok"))

	got, err := DecodePayload([]byte(body), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, Artifact{"src/ok.ts": "ok"}, got)
}

func TestDecodePayload_DuplicateNamesAreDeterministic(t *testing.T) {
	// The same path appears under several object keys; the pair under the
	// last key in sorted order wins, whatever order the map is walked in.
	body := fmt.Sprintf(`{"zeta": [["App.tsx", %q]], "alpha": [["App.tsx", %q]], "mid": [["App.tsx", %q]]}`,
		b64("from zeta"), b64("from alpha"), b64("from mid"))

	for i := 0; i < 50; i++ {
		got, err := DecodePayload([]byte(body), nil)
		require.NoError(t, err)
		require.Equal(t, Artifact{"App.tsx": "from zeta"}, got)
	}
}

func TestDecodePayload_InvalidJSON(t *testing.T) {
	_, err := DecodePayload([]byte(`{not json`), nil)
	assert.Error(t, err)
}

func TestSignature_Matches(t *testing.T) {
	sig := DefaultSignature()

	assert.True(t, sig.Matches(&browsertest.Request{RawURL: "https://x/rpc/SaveDriveApplet?a=1", Verb: "POST"}))
	assert.True(t, sig.Matches(&browsertest.Request{RawURL: "https://x/SaveDriveApplet", Verb: "post"}))
	assert.False(t, sig.Matches(&browsertest.Request{RawURL: "https://x/SaveDriveApplet", Verb: "GET"}))
	assert.False(t, sig.Matches(&browsertest.Request{RawURL: "https://x/ListApplets", Verb: "POST"}))
}

func TestCapture_Wait(t *testing.T) {
	page := browsertest.NewPage()
	interceptor := NewInterceptor(InterceptOptions{
		Signature: DefaultSignature(),
		Timeout:   time.Second,
		Poll:      5 * time.Millisecond,
	}, nil)

	capture := interceptor.Start(page)
	assert.Equal(t, 1, page.Subscribers())

	go func() {
		time.Sleep(10 * time.Millisecond)
		page.Emit(&browsertest.Request{RawURL: "https://x/Other", Verb: "POST", Body: `["z.txt","eg=="]`})
		page.Emit(&browsertest.Request{
			RawURL: "https://x/SaveDriveApplet",
			Verb:   "POST",
			Body:   fmt.Sprintf(`[[["src/main.ts", %q]]]`, b64("main()")),
		})
	}()

	files, err := capture.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Artifact{"src/main.ts": "main()"}, files)
	assert.Equal(t, 0, page.Subscribers(), "Wait must unsubscribe")
}

func TestCapture_Timeout(t *testing.T) {
	page := browsertest.NewPage()
	interceptor := NewInterceptor(InterceptOptions{
		Signature: DefaultSignature(),
		Timeout:   30 * time.Millisecond,
		Poll:      5 * time.Millisecond,
	}, nil)

	capture := interceptor.Start(page)
	page.Emit(&browsertest.Request{RawURL: "https://x/SaveDriveApplet", Verb: "POST", Body: `["a.txt", "###"]`})

	_, err := capture.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.FailureCaptureTimeout))
	assert.Equal(t, 0, page.Subscribers())
}
