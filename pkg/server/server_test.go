package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/task"
	"github.com/entrhq/relay/pkg/types"
)

type call struct {
	mode task.Mode
	req  task.Request
}

// fakeTasks answers every mode with result, or with fail when set.
type fakeTasks struct {
	mu     sync.Mutex
	calls  []call
	fail   *types.FailureInfo
	events []types.TaskEvent
	block  bool

	canceled chan struct{}
}

func (f *fakeTasks) run(ctx context.Context, mode task.Mode, req task.Request, sink types.EventSink) *task.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call{mode: mode, req: req})
	f.mu.Unlock()

	for _, ev := range f.events {
		sink.Emit(ev)
	}
	res := &task.Result{TaskID: "t-1", Mode: mode, Status: task.StatusCompleted, DriveID: req.DriveID, Content: "<p>ok</p>"}
	if f.block {
		<-ctx.Done()
		close(f.canceled)
		res.Status = task.StatusFailed
		res.Failure = &types.FailureInfo{Kind: types.FailureGenerationTimeout, Message: "canceled"}
		return res
	}
	if f.fail != nil {
		res.Status = task.StatusFailed
		res.Content = ""
		res.Failure = f.fail
	}
	return res
}

func (f *fakeTasks) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeTasks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTasks) Generate(ctx context.Context, req task.Request, sink types.EventSink) *task.Result {
	return f.run(ctx, task.ModeGenerate, req, sink)
}

func (f *fakeTasks) Chat(ctx context.Context, req task.Request, sink types.EventSink) *task.Result {
	return f.run(ctx, task.ModeChat, req, sink)
}

func (f *fakeTasks) Content(ctx context.Context, req task.Request) *task.Result {
	return f.run(ctx, task.ModeContent, req, nil)
}

func (f *fakeTasks) Deploy(ctx context.Context, req task.Request, sink types.EventSink) *task.Result {
	return f.run(ctx, task.ModeDeploy, req, sink)
}

func (f *fakeTasks) DeployArchive(ctx context.Context, req task.Request, sink types.EventSink) *task.Result {
	return f.run(ctx, task.ModeDeployArchive, req, sink)
}

func (f *fakeTasks) Capture(ctx context.Context, req task.Request, sink types.EventSink) *task.Result {
	return f.run(ctx, task.ModeCapture, req, sink)
}

type fakeSessions struct{}

func (fakeSessions) InFlight() int64 { return 2 }
func (fakeSessions) Idle() bool      { return false }
func (fakeSessions) Launched() bool  { return true }

func newTestServer(t *testing.T, tasks *fakeTasks) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(tasks, fakeSessions{}, Options{}, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestRoutesDispatchToModes(t *testing.T) {
	tests := []struct {
		path string
		mode task.Mode
	}{
		{"/api/generate", task.ModeGenerate},
		{"/api/chat", task.ModeChat},
		{"/api/deploy", task.ModeDeploy},
		{"/api/deploy/archive", task.ModeDeployArchive},
		{"/api/task", task.ModeCapture},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			tasks := &fakeTasks{}
			srv := newTestServer(t, tasks)

			resp, out := post(t, srv.URL+tt.path, `{"prompt":"build a todo app","driveId":"abc"}`)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Equal(t, string(tt.mode), out["mode"])
			assert.Equal(t, "completed", out["status"])

			got := tasks.last()
			assert.Equal(t, tt.mode, got.mode)
			assert.Equal(t, "build a todo app", got.req.Prompt)
			assert.Equal(t, "abc", got.req.DriveID)
		})
	}
}

func TestContentRouteUsesPathDriveID(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, tasks)

	resp, err := http.Get(srv.URL + "/api/chat/drive_42")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := tasks.last()
	assert.Equal(t, task.ModeContent, got.mode)
	assert.Equal(t, "drive_42", got.req.DriveID)
}

func TestInvalidJSONIsRejected(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, tasks)

	resp, out := post(t, srv.URL+"/api/generate", `{"prompt":`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errInfo, ok := out["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "invalid_request", errInfo["kind"])
	assert.Zero(t, tasks.count())
}

func TestFailureStatusCodes(t *testing.T) {
	tests := []struct {
		kind types.FailureKind
		want int
	}{
		{types.FailureInvalidRequest, http.StatusBadRequest},
		{types.FailureNavigationTimeout, http.StatusGatewayTimeout},
		{types.FailureGenerationTimeout, http.StatusGatewayTimeout},
		{types.FailureCaptureTimeout, http.StatusGatewayTimeout},
		{types.FailureGeneration, http.StatusBadGateway},
		{types.FailureDownloadControlNotFound, http.StatusBadGateway},
		{types.FailureDownload, http.StatusBadGateway},
		{types.FailureDeploy, http.StatusBadGateway},
		{types.FailureBuild, http.StatusBadGateway},
		{types.FailureLaunch, http.StatusInternalServerError},
		{types.FailureExtraction, http.StatusInternalServerError},
		{types.FailureInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func TestFailedTaskResponse(t *testing.T) {
	tasks := &fakeTasks{fail: &types.FailureInfo{Kind: types.FailureGeneration, Message: "Something went wrong"}}
	srv := newTestServer(t, tasks)

	resp, out := post(t, srv.URL+"/api/generate", `{"prompt":"x"}`)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	errInfo := out["error"].(map[string]any)
	assert.Equal(t, "generation_error", errInfo["kind"])
	assert.Equal(t, "Something went wrong", errInfo["message"])

	result := out["result"].(map[string]any)
	assert.Equal(t, "failed", result["status"])
	assert.NotContains(t, result, "content")
}

func TestSessionAndHealth(t *testing.T) {
	srv := newTestServer(t, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/api/session")
	require.NoError(t, err)
	defer resp.Body.Close()

	var session sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.Equal(t, sessionResponse{InFlight: 2, Idle: false, Launched: true}, session)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestSessionWithoutManager(t *testing.T) {
	srv := httptest.NewServer(New(&fakeTasks{}, nil, Options{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/session")
	require.NoError(t, err)
	defer resp.Body.Close()

	var session sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.True(t, session.Idle)
	assert.False(t, session.Launched)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv := newTestServer(t, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/api/generate")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/generate/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGenerateStream(t *testing.T) {
	tasks := &fakeTasks{events: []types.TaskEvent{
		{Type: types.EventTypeTaskStart, TaskID: "t-1"},
		{Type: types.EventTypeStateChange, TaskID: "t-1", State: "generating"},
		{Type: types.EventTypeContent, TaskID: "t-1", Content: "<p>ok</p>"},
	}}
	srv := newTestServer(t, tasks)
	conn := dialStream(t, srv)

	require.NoError(t, conn.WriteJSON(task.Request{Prompt: "build a todo app"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var seen []string
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		seen = append(seen, frame["type"].(string))
		if frame["type"] == "result" {
			result := frame["result"].(map[string]any)
			assert.Equal(t, "completed", result["status"])
			assert.Equal(t, "<p>ok</p>", result["content"])
		}
	}

	assert.Equal(t, []string{"task_start", "state_change", "content", "result"}, seen)
	assert.Equal(t, "build a todo app", tasks.last().req.Prompt)
}

func TestGenerateStreamRejectsBadRequest(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, tasks)
	conn := dialStream(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame errorResponse
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Error)
	assert.Equal(t, types.FailureInvalidRequest, frame.Error.Kind)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData))
	assert.Zero(t, tasks.count())
}

func TestGenerateStreamCancelsOnDisconnect(t *testing.T) {
	tasks := &fakeTasks{block: true, canceled: make(chan struct{})}
	srv := newTestServer(t, tasks)
	conn := dialStream(t, srv)

	require.NoError(t, conn.WriteJSON(task.Request{Prompt: "x"}))
	require.Eventually(t, func() bool { return tasks.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	select {
	case <-tasks.canceled:
	case <-time.After(3 * time.Second):
		t.Fatal("task context was not canceled after disconnect")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(&fakeTasks{}, nil, Options{ShutdownTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
