// Package mcp manages the lifecycle of one connection to an MCP tool
// provider: spawning its process, the transport handshake, tool listing,
// invocation and teardown.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"konvo/internal/domain"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultCallTimeout     = 30 * time.Second
	defaultCloseGrace      = 3 * time.Second
	defaultConnectAttempts = 10
	defaultReconnectDelay  = 500 * time.Millisecond
	defaultStderrBytes     = 16 << 10
	stderrTailLines        = 5
	maxToolPages           = 100
)

// Options configures sessions.
type Options struct {
	ClientName      string
	ClientVersion   string
	CallTimeout     time.Duration
	CloseGrace      time.Duration
	ConnectAttempts uint
	StderrBytes     int
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientName == "" {
		o.ClientName = "konvo"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "1.0.0"
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = defaultCloseGrace
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = defaultConnectAttempts
	}
	if o.StderrBytes <= 0 {
		o.StderrBytes = defaultStderrBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is one live connection to a tool provider. It moves through
// Disconnected, Connecting, Connected and Disconnecting, and ends in
// Disconnected once closed or after a failed Connect.
type Session struct {
	spec      domain.ProviderSpecification
	opts      Options
	logger    *slog.Logger
	newClient clientFactory

	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	state    State
	closed   bool
	client   mcpClient
	proc     *childProcess
	hasTools bool

	closeOnce sync.Once
}

// NewSession creates a disconnected session for spec.
func NewSession(spec domain.ProviderSpecification, opts Options) *Session {
	opts = opts.withDefaults()
	lifetime, cancel := context.WithCancel(context.Background())
	return &Session{
		spec:      spec,
		opts:      opts,
		logger:    opts.Logger.With("component", "mcp", "provider", spec.Name),
		newClient: newTransportClient,
		lifetime:  lifetime,
		cancel:    cancel,
	}
}

// NewStarter returns a SessionStarter producing connected sessions.
func NewStarter(opts Options) domain.SessionStarter {
	return func(ctx context.Context, spec domain.ProviderSpecification) (domain.ToolProviderSession, error) {
		s := NewSession(spec, opts)
		if err := s.Connect(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
}

// Name returns the provider name.
func (s *Session) Name() string { return s.spec.Name }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect spawns the provider process, if any, connects the transport and
// performs the MCP handshake. On failure nothing is left running and the
// session is finished; a new Session is needed to retry.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.NewDomainError("Session.Connect", domain.ErrSessionClosed, s.spec.Name)
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return domain.NewDomainError("Session.Connect", domain.ErrInvariant, "connect called twice")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.lifetime, cancel)
	defer stop()

	start := time.Now()
	client, proc, hasTools, err := s.establish(ctx)

	s.mu.Lock()
	if err == nil && s.closed {
		err = domain.ErrSessionClosed
	}
	if err != nil {
		s.state = StateDisconnected
		s.closed = true
		s.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		var tail string
		if proc != nil {
			proc.terminate(s.opts.CloseGrace)
			tail = proc.stderr.Tail(stderrTailLines)
		}
		s.logger.Warn("provider connect failed", "error", err, "stderr", tail)
		return startupError(s.spec.Name, err, tail)
	}
	s.client = client
	s.proc = proc
	s.hasTools = hasTools
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info("provider connected",
		"transport", s.spec.Transport.Kind(),
		"tools", hasTools,
		"duration", time.Since(start))
	return nil
}

func startupError(name string, err error, tail string) error {
	detail := name
	if tail != "" {
		detail = fmt.Sprintf("%s (stderr: %s)", name, tail)
	}
	if errors.Is(err, domain.ErrSessionClosed) {
		return domain.NewDomainError("Session.Connect", err, detail)
	}
	return domain.NewDomainError("Session.Connect", fmt.Errorf("%w: %w", domain.ErrProviderStartup, err), detail)
}

// establish returns whatever it managed to create, even on error, so the
// caller can tear it down.
func (s *Session) establish(ctx context.Context) (mcpClient, *childProcess, bool, error) {
	var proc *childProcess
	if len(s.spec.ProcessCommand) > 0 {
		_, pipes := s.spec.Transport.(domain.StdioTransport)
		p, err := spawnProcess(s.spec.ProcessCommand, s.spec.Env, pipes, s.opts.StderrBytes, s.opts.CloseGrace, s.logger)
		if err != nil {
			return nil, nil, false, fmt.Errorf("spawn %q: %w", s.spec.ProcessCommand[0], err)
		}
		proc = p
		s.logger.Debug("provider process started", "pid", p.cmd.Process.Pid)

		// A provider that dies during the handshake would otherwise leave
		// the transport waiting for a response until ctx expires.
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		go func() {
			select {
			case <-p.done:
				cancel(p.exitError())
			case <-ctx.Done():
			}
		}()
	}

	var (
		client mcpClient
		err    error
	)
	switch t := s.spec.Transport.(type) {
	case domain.SSETransport:
		client, err = s.connectSSE(ctx, t, proc)
	default:
		client, err = s.startClient(ctx, proc)
	}
	if err != nil {
		return client, proc, false, err
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    s.opts.ClientName,
		Version: s.opts.ClientVersion,
	}
	res, err := client.Initialize(ctx, req)
	if err != nil {
		if exitErr := procExit(proc); exitErr != nil {
			err = fmt.Errorf("%w (%v)", err, exitErr)
		}
		return client, proc, false, domain.WrapOp("initialize", err)
	}
	return client, proc, res.Capabilities.Tools != nil, nil
}

// startClient builds and starts one client. The transport stream is bound
// to the session lifetime; ctx only bounds the start itself.
func (s *Session) startClient(ctx context.Context, proc *childProcess) (mcpClient, error) {
	client, err := s.newClient(s.spec, proc)
	if err != nil {
		return nil, err
	}
	streamCtx, cancelStream := context.WithCancel(s.lifetime)
	stop := context.AfterFunc(ctx, cancelStream)
	err = client.Start(streamCtx)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		cancelStream()
		_ = client.Close()
		return nil, domain.WrapOp("start transport", err)
	}
	return &boundClient{mcpClient: client, cancel: cancelStream}, nil
}

// boundClient releases the transport stream context on Close.
type boundClient struct {
	mcpClient
	cancel context.CancelFunc
}

func (c *boundClient) Close() error {
	err := c.mcpClient.Close()
	c.cancel()
	return err
}

// connectSSE retries the SSE connection with a constant delay so that a
// freshly spawned server has time to bind its port.
func (s *Session) connectSSE(ctx context.Context, t domain.SSETransport, proc *childProcess) (mcpClient, error) {
	delay := t.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	attempt := 0
	return backoff.Retry(ctx, func() (mcpClient, error) {
		attempt++
		if exitErr := procExit(proc); exitErr != nil {
			return nil, backoff.Permanent(exitErr)
		}
		client, err := s.startClient(ctx, proc)
		if err != nil {
			s.logger.Debug("sse connect attempt failed", "attempt", attempt, "error", err)
			return nil, err
		}
		return client, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(s.opts.ConnectAttempts),
	)
}

func procExit(proc *childProcess) error {
	if proc == nil {
		return nil
	}
	return proc.exitError()
}

func (s *Session) connected() (mcpClient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, false, fmt.Errorf("%w: session %s", domain.ErrSessionClosed, s.state)
	}
	return s.client, s.hasTools, nil
}

// ListTools returns the provider's tools. A provider that declared no tools
// capability has none.
func (s *Session) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	client, hasTools, err := s.connected()
	if err != nil {
		return nil, domain.NewDomainError("Session.ListTools", err, s.spec.Name)
	}
	if !hasTools {
		return nil, nil
	}

	var tools []domain.ToolDescriptor
	req := mcp.ListToolsRequest{}
	for page := 0; page < maxToolPages; page++ {
		res, err := client.ListTools(ctx, req)
		if err != nil {
			return nil, domain.NewDomainError("Session.ListTools", err, s.spec.Name)
		}
		for _, t := range res.Tools {
			tools = append(tools, toDescriptor(t))
		}
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return tools, nil
}

func toDescriptor(t mcp.Tool) domain.ToolDescriptor {
	schema := json.RawMessage(`{"type":"object"}`)
	if len(t.RawInputSchema) > 0 {
		schema = t.RawInputSchema
	} else if t.InputSchema.Properties != nil || t.InputSchema.Required != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			schema = data
		}
	}
	return domain.ToolDescriptor{
		Name:            t.Name,
		Description:     t.Description,
		ParameterSchema: schema,
	}
}

// Invoke runs one tool. Transport failures and results the provider flags
// as errors are both returned as execution failures.
func (s *Session) Invoke(ctx context.Context, toolName string, args *domain.Arguments) (string, error) {
	client, _, err := s.connected()
	if err != nil {
		return "", domain.NewDomainError("Session.Invoke",
			fmt.Errorf("%w: %w", domain.ErrExecutionFailure, err), "provider is not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = domain.ArgumentsMap(args)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	s.logger.Debug("tool call", "tool", toolName)
	res, err := client.CallTool(callCtx, req)
	if err != nil {
		return "", domain.NewDomainError("Session.Invoke",
			fmt.Errorf("%w: %w", domain.ErrExecutionFailure, err), fmt.Sprintf("%s failed: %v", toolName, err))
	}
	text := extractContent(res)
	if res.IsError {
		detail := text
		if detail == "" {
			detail = toolName + " reported an error"
		}
		return "", domain.NewDomainError("Session.Invoke", domain.ErrToolReported, detail)
	}
	return text, nil
}

// Close closes the transport and terminates the provider process. It is
// safe to call at any time, repeatedly and concurrently with Invoke.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		wasConnected := s.state == StateConnected
		if wasConnected {
			s.state = StateDisconnecting
		}
		client, proc := s.client, s.proc
		s.mu.Unlock()

		s.cancel()
		if client != nil {
			if err := client.Close(); err != nil {
				s.logger.Debug("client close error", "error", err)
			}
		}
		if proc != nil {
			proc.terminate(s.opts.CloseGrace)
		}

		if wasConnected {
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
			s.logger.Info("provider disconnected")
		}
	})
	return nil
}
