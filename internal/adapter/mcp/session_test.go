package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"konvo/internal/domain"
)

// mockMCPClient implements mcpClient for testing.
type mockMCPClient struct {
	mu       sync.Mutex
	startErr error
	initFunc func(ctx context.Context) error
	noTools  bool
	tools    []mcp.Tool
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed   bool
	calls    []mcp.CallToolRequest
}

func (m *mockMCPClient) Start(context.Context) error { return m.startErr }

func (m *mockMCPClient) Initialize(ctx context.Context, _ mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if m.initFunc != nil {
		if err := m.initFunc(ctx); err != nil {
			return nil, err
		}
	}
	caps := `{"tools":{}}`
	if m.noTools {
		caps = `{}`
	}
	var res mcp.InitializeResult
	raw := fmt.Sprintf(`{"protocolVersion":%q,"capabilities":%s,"serverInfo":{"name":"mock","version":"0"}}`,
		mcp.LATEST_PROTOCOL_VERSION, caps)
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (m *mockMCPClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: m.tools}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent("called " + req.Params.Name)},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockMCPClient) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func testOptions() Options {
	return Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		CloseGrace: 500 * time.Millisecond,
	}
}

func stdioSpec(argv ...string) domain.ProviderSpecification {
	return domain.ProviderSpecification{Name: "test", Transport: domain.StdioTransport{}, ProcessCommand: argv}
}

// newMockSession wires mock as the client and records the spawned process.
func newMockSession(spec domain.ProviderSpecification, mock *mockMCPClient) (*Session, *atomic.Pointer[childProcess]) {
	s := NewSession(spec, testOptions())
	var proc atomic.Pointer[childProcess]
	s.newClient = func(_ domain.ProviderSpecification, p *childProcess) (mcpClient, error) {
		proc.Store(p)
		return mock, nil
	}
	return s, &proc
}

func TestSessionConnectListClose(t *testing.T) {
	mock := &mockMCPClient{tools: []mcp.Tool{
		mcp.NewTool("echo", mcp.WithDescription("Echo text"), mcp.WithString("text", mcp.Required())),
		{Name: "noop"},
	}}
	s, proc := newMockSession(stdioSpec("sleep", "30"), mock)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}

	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "echo" || tools[0].Description != "Echo text" {
		t.Fatalf("tools = %+v", tools)
	}
	if !strings.Contains(string(tools[0].ParameterSchema), `"text"`) {
		t.Errorf("schema = %s, want text property", tools[0].ParameterSchema)
	}
	if string(tools[1].ParameterSchema) != `{"type":"object"}` {
		t.Errorf("empty schema = %s", tools[1].ParameterSchema)
	}

	s.Close()
	if s.State() != StateDisconnected {
		t.Errorf("state after close = %s", s.State())
	}
	if !proc.Load().exited() {
		t.Error("provider process still running after Close")
	}
	if !mock.isClosed() {
		t.Error("client not closed")
	}
	s.Close() // idempotent
	if err := s.Connect(context.Background()); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Connect after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSessionInitializeFailureTerminatesChild(t *testing.T) {
	mock := &mockMCPClient{initFunc: func(context.Context) error { return errors.New("handshake refused") }}
	s, proc := newMockSession(stdioSpec("sleep", "30"), mock)

	err := s.Connect(context.Background())
	if !errors.Is(err, domain.ErrProviderStartup) {
		t.Fatalf("Connect = %v, want ErrProviderStartup", err)
	}
	if !strings.Contains(err.Error(), "handshake refused") {
		t.Errorf("error %q lacks cause", err)
	}
	if p := proc.Load(); p == nil || !p.exited() {
		t.Error("child must be terminated after a failed connect")
	}
	if !mock.isClosed() {
		t.Error("client must be closed after a failed connect")
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s", s.State())
	}
}

func TestSessionSpawnFailure(t *testing.T) {
	mock := &mockMCPClient{}
	s, proc := newMockSession(stdioSpec("/nonexistent/konvo-provider"), mock)
	err := s.Connect(context.Background())
	if !errors.Is(err, domain.ErrProviderStartup) {
		t.Fatalf("Connect = %v, want ErrProviderStartup", err)
	}
	if proc.Load() != nil {
		t.Error("client factory must not run when spawn fails")
	}
}

func TestSessionStdioWithoutCommand(t *testing.T) {
	s := NewSession(domain.ProviderSpecification{Name: "bare", Transport: domain.StdioTransport{}}, testOptions())
	if err := s.Connect(context.Background()); !errors.Is(err, domain.ErrProviderStartup) {
		t.Fatalf("Connect = %v, want ErrProviderStartup", err)
	}
}

func TestSessionStderrTailInStartupError(t *testing.T) {
	mock := &mockMCPClient{initFunc: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	s, _ := newMockSession(stdioSpec("sh", "-c", "echo missing API key >&2; exit 3"), mock)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Connect(ctx)
	if !errors.Is(err, domain.ErrProviderStartup) {
		t.Fatalf("Connect = %v, want ErrProviderStartup", err)
	}
	if !strings.Contains(err.Error(), "missing API key") {
		t.Errorf("error %q lacks stderr tail", err)
	}
	if ctx.Err() != nil {
		t.Error("connect should fail when the child exits, not on timeout")
	}
}

func TestSessionNoToolsCapability(t *testing.T) {
	mock := &mockMCPClient{noTools: true, tools: []mcp.Tool{{Name: "hidden"}}}
	s, _ := newMockSession(stdioSpec("sleep", "30"), mock)
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("tools = %v, want none without tools capability", tools)
	}
}

func TestSessionInvoke(t *testing.T) {
	mock := &mockMCPClient{callFunc: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		switch req.Params.Name {
		case "fail":
			return mcp.NewToolResultError("file not found"), nil
		case "broken":
			return nil, errors.New("broken pipe")
		default:
			args, _ := req.Params.Arguments.(map[string]any)
			return mcp.NewToolResultText(fmt.Sprintf("%v", args["text"])), nil
		}
	}}
	spec := domain.ProviderSpecification{Name: "remote", Transport: domain.SSETransport{URL: "http://127.0.0.1:1/sse"}}
	s, _ := newMockSession(spec, mock)
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	args := domain.NewArguments()
	args.Set("text", "hello")
	out, err := s.Invoke(context.Background(), "echo", args)
	if err != nil || out != "hello" {
		t.Fatalf("Invoke echo = %q, %v", out, err)
	}

	_, err = s.Invoke(context.Background(), "fail", nil)
	if !errors.Is(err, domain.ErrToolReported) || !errors.Is(err, domain.ErrExecutionFailure) {
		t.Errorf("Invoke fail = %v, want ErrToolReported", err)
	}
	if reason := domain.FailureReason(err); reason != "file not found" {
		t.Errorf("reason = %q", reason)
	}

	_, err = s.Invoke(context.Background(), "broken", nil)
	if !errors.Is(err, domain.ErrExecutionFailure) || errors.Is(err, domain.ErrToolReported) {
		t.Errorf("Invoke broken = %v, want transport ExecutionFailure", err)
	}
}

func TestSessionInvokeAfterClose(t *testing.T) {
	s, _ := newMockSession(domain.ProviderSpecification{Name: "x", Transport: domain.SSETransport{URL: "http://x"}}, &mockMCPClient{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Close()
	if _, err := s.Invoke(context.Background(), "echo", nil); !errors.Is(err, domain.ErrExecutionFailure) {
		t.Errorf("Invoke after close = %v, want ErrExecutionFailure", err)
	}
}

func TestSessionCloseNeverConnected(t *testing.T) {
	s := NewSession(stdioSpec("sleep", "30"), testOptions())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Connect = %v, want ErrSessionClosed", err)
	}
}

func TestSessionCloseDuringConnect(t *testing.T) {
	entered := make(chan struct{})
	mock := &mockMCPClient{initFunc: func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}
	s, proc := newMockSession(stdioSpec("sleep", "30"), mock)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	<-entered
	s.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Connect succeeded after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if p := proc.Load(); p == nil || !p.exited() {
		t.Error("child must be terminated")
	}
}

func TestSessionCloseRacesInvoke(t *testing.T) {
	started := make(chan struct{})
	mock := &mockMCPClient{callFunc: func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return nil, errors.New("transport closed")
		}
	}}
	s, _ := newMockSession(stdioSpec("sleep", "30"), mock)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "slow", nil)
		errCh <- err
	}()
	<-started
	s.Close()
	if err := <-errCh; !errors.Is(err, domain.ErrExecutionFailure) {
		t.Errorf("Invoke = %v, want ExecutionFailure", err)
	}
}

func TestSessionSSERetriesUntilReady(t *testing.T) {
	var attempts atomic.Int32
	spec := domain.ProviderSpecification{
		Name:      "sse",
		Transport: domain.SSETransport{URL: "http://127.0.0.1:1/sse", ReconnectDelay: 5 * time.Millisecond},
	}
	s := NewSession(spec, testOptions())
	s.newClient = func(domain.ProviderSpecification, *childProcess) (mcpClient, error) {
		m := &mockMCPClient{}
		if attempts.Add(1) < 3 {
			m.startErr = errors.New("connection refused")
		}
		return m, nil
	}
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestSessionSSEGivesUp(t *testing.T) {
	spec := domain.ProviderSpecification{
		Name:      "sse",
		Transport: domain.SSETransport{URL: "http://127.0.0.1:1/sse", ReconnectDelay: time.Millisecond},
	}
	opts := testOptions()
	opts.ConnectAttempts = 4
	s := NewSession(spec, opts)
	var attempts atomic.Int32
	s.newClient = func(domain.ProviderSpecification, *childProcess) (mcpClient, error) {
		attempts.Add(1)
		return &mockMCPClient{startErr: errors.New("connection refused")}, nil
	}
	if err := s.Connect(context.Background()); !errors.Is(err, domain.ErrProviderStartup) {
		t.Fatalf("Connect = %v, want ErrProviderStartup", err)
	}
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
}

func TestSessionSSEStopsWhenProcessExits(t *testing.T) {
	spec := domain.ProviderSpecification{
		Name:           "sse",
		Transport:      domain.SSETransport{URL: "http://127.0.0.1:1/sse", ReconnectDelay: 10 * time.Millisecond},
		ProcessCommand: []string{"sh", "-c", "echo bind failed >&2; exit 1"},
	}
	opts := testOptions()
	opts.ConnectAttempts = 1000
	s := NewSession(spec, opts)
	s.newClient = func(domain.ProviderSpecification, *childProcess) (mcpClient, error) {
		return &mockMCPClient{startErr: errors.New("connection refused")}, nil
	}

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrProviderStartup) {
			t.Fatalf("Connect = %v, want ErrProviderStartup", err)
		}
		if !strings.Contains(err.Error(), "bind failed") {
			t.Errorf("error %q lacks stderr tail", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not stop after the process exited")
	}
}

func TestNewStarterFailure(t *testing.T) {
	start := NewStarter(testOptions())
	sess, err := start(context.Background(), stdioSpec("/nonexistent/konvo-provider"))
	if err == nil || sess != nil {
		t.Fatalf("start = %v, %v; want error and no session", sess, err)
	}
}

func TestRingBufferTail(t *testing.T) {
	rb := newRingBuffer(32)
	fmt.Fprint(rb, "first line\nsecond\n\nthird\n")
	if got := rb.Tail(2); got != "second | third" {
		t.Errorf("Tail(2) = %q", got)
	}
	fmt.Fprint(rb, strings.Repeat("x", 40))
	if got := rb.String(); len(got) != 32 {
		t.Errorf("buffer length = %d, want 32", len(got))
	}
}
