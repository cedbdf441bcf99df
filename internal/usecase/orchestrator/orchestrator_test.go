package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konvo/internal/adapter/channel"
	"konvo/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedModel answers each Chat with the next scripted response and
// then with plain text.
type scriptedModel struct {
	mu       sync.Mutex
	script   []*domain.AssistantResponse
	requests []domain.ChatRequest
	err      error
}

func (m *scriptedModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.AssistantResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) == 0 {
		return &domain.AssistantResponse{Text: "done"}, nil
	}
	resp := m.script[0]
	m.script = m.script[1:]
	return resp, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type invocation struct {
	Provider string
	Tool     string
	Args     string
}

type fakeFleet struct {
	mu      sync.Mutex
	catalog []domain.CatalogEntry
	invoked []invocation
	fn      func(provider, tool string) (string, error)
}

func (f *fakeFleet) CurrentTools() []domain.CatalogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.CatalogEntry, len(f.catalog))
	copy(out, f.catalog)
	return out
}

func (f *fakeFleet) Invoke(_ context.Context, provider, tool string, args *domain.Arguments) (string, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, invocation{provider, tool, string(domain.ArgumentsJSON(args))})
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(provider, tool)
	}
	return provider + ":" + tool, nil
}

func (f *fakeFleet) invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]invocation, len(f.invoked))
	copy(out, f.invoked)
	return out
}

func (f *fakeFleet) setCatalog(entries ...domain.CatalogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalog = entries
}

// fakeUI decides every batch with decide, after release is closed when set.
type fakeUI struct {
	mu       sync.Mutex
	decide   func(batch *domain.VettingBatch)
	release  chan struct{}
	batches  []*domain.VettingBatch
	notified map[string]domain.ToolCallResult
}

func (u *fakeUI) RequestVetting(_ context.Context, batch *domain.VettingBatch) {
	u.mu.Lock()
	u.batches = append(u.batches, batch)
	decide, release := u.decide, u.release
	u.mu.Unlock()
	if release != nil {
		<-release
	}
	if decide != nil {
		decide(batch)
		return
	}
	batch.Cancel(nil)
}

func (u *fakeUI) NotifyToolResult(_ context.Context, call domain.ToolCall, result domain.ToolCallResult) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.notified == nil {
		u.notified = map[string]domain.ToolCallResult{}
	}
	u.notified[call.ID] = result
}

func allowAll(batch *domain.VettingBatch) {
	for _, c := range batch.Calls {
		batch.Decide(c.Call.ID, true)
	}
}

func rejectAll(batch *domain.VettingBatch) {
	for _, c := range batch.Calls {
		batch.Decide(c.Call.ID, false)
	}
}

func tool(provider, name string, gated bool) domain.CatalogEntry {
	return domain.CatalogEntry{
		Provider: provider,
		Tool: domain.ToolDescriptor{
			Name:             name,
			Description:      name + " tool",
			ParameterSchema:  []byte(`{"type":"object"}`),
			RequiresApproval: gated,
		},
	}
}

func call(id, name string, kv ...any) domain.ToolCall {
	args := domain.NewArguments()
	for i := 0; i+1 < len(kv); i += 2 {
		args.Set(kv[i].(string), kv[i+1])
	}
	return domain.ToolCall{ID: id, ToolName: name, Arguments: args}
}

func toolCalls(calls ...domain.ToolCall) *domain.AssistantResponse {
	return &domain.AssistantResponse{ToolCalls: calls}
}

func newTestOrchestrator(t *testing.T, model domain.ModelClient, fleet Fleet, ui domain.ConversationUI, rounds int) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		Model:         model,
		Fleet:         fleet,
		UI:            ui,
		Logger:        newTestLogger(),
		MaxToolRounds: rounds,
	})
	require.NoError(t, err)
	return o
}

func toolMessages(msgs []domain.Message) map[string]string {
	out := map[string]string{}
	for _, m := range msgs {
		if m.Role == domain.RoleTool {
			out[m.ToolCallID] = m.Content
		}
	}
	return out
}

func TestRunTurn_PlainReply(t *testing.T) {
	model := &scriptedModel{script: []*domain.AssistantResponse{{Text: "hello there"}}}
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "read", false)}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	history := []domain.Message{{Role: domain.RoleSystem, Content: "be brief"}}
	res, err := o.RunTurn(context.Background(), "hi", history)
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Reply)
	assert.Equal(t, 0, res.Rounds)
	assert.NoError(t, res.Err)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, domain.RoleUser, res.Messages[1].Role)
	assert.Equal(t, domain.RoleAssistant, res.Messages[2].Role)
	assert.Len(t, history, 1, "history must not be modified")
	assert.Empty(t, fleet.invocations())
}

func TestRunTurn_ExecutesToolAndContinues(t *testing.T) {
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("c1", "read", "path", "/etc/hosts")),
		{Text: "the file says hi"},
	}}
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "read", false)}}
	ui := &fakeUI{}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	res, err := o.RunTurn(context.Background(), "read it", nil)
	require.NoError(t, err)

	assert.Equal(t, "the file says hi", res.Reply)
	assert.Equal(t, 1, res.Rounds)
	want := []invocation{{"files", "read", `{"path":"/etc/hosts"}`}}
	if diff := cmp.Diff(want, fleet.invocations()); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]string{"c1": "files:read"}, toolMessages(res.Messages))

	// The second model request carries the tool result.
	require.Equal(t, 2, model.calls())
	second := model.requests[1].Messages
	assert.Equal(t, domain.RoleTool, second[len(second)-1].Role)
	assert.Equal(t, domain.Success{Text: "files:read"}, ui.notified["c1"])
}

func TestRunTurn_UnknownToolIsNoSuchTool(t *testing.T) {
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("c1", "launch_rockets")),
	}}
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "read", false)}}
	ui := &fakeUI{}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	res, err := o.RunTurn(context.Background(), "go", nil)
	require.NoError(t, err)

	assert.Empty(t, fleet.invocations())
	assert.Equal(t, 2, model.calls(), "turn continues after NoSuchTool")
	assert.Equal(t, domain.NoSuchTool{Name: "launch_rockets"}, ui.notified["c1"])
	assert.Equal(t, `Error: there is no tool named "launch_rockets".`, toolMessages(res.Messages)["c1"])
}

func TestRunTurn_RejectedCallIsNotAllowed(t *testing.T) {
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("c1", "delete", "path", "/")),
	}}
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "delete", true)}}
	ui := &fakeUI{decide: rejectAll}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	res, err := o.RunTurn(context.Background(), "wipe", nil)
	require.NoError(t, err)

	assert.Empty(t, fleet.invocations())
	require.Len(t, ui.batches, 1)
	assert.Equal(t, "c1", ui.batches[0].Calls[0].Call.ID)
	assert.Equal(t, "files", ui.batches[0].Calls[0].Provider)
	assert.Equal(t, domain.NotAllowed{}, ui.notified["c1"])
	assert.Equal(t, "Error: the user did not allow this tool call.", toolMessages(res.Messages)["c1"])
}

func TestRunTurn_GatedCallWaitsForDecision(t *testing.T) {
	freeDone := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var decided bool
	var violation bool

	fleet := &fakeFleet{catalog: []domain.CatalogEntry{
		tool("files", "read", false),
		tool("shell", "exec", true),
	}}
	fleet.fn = func(_, name string) (string, error) {
		switch name {
		case "read":
			close(freeDone)
		case "exec":
			mu.Lock()
			violation = !decided
			mu.Unlock()
		}
		return "ok", nil
	}
	ui := &fakeUI{
		release: release,
		decide: func(batch *domain.VettingBatch) {
			mu.Lock()
			decided = true
			mu.Unlock()
			allowAll(batch)
		},
	}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("g1", "exec", "cmd", "ls"), call("f1", "read")),
	}}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	go func() {
		// The free call completes while the batch is still pending.
		select {
		case <-freeDone:
		case <-time.After(2 * time.Second):
		}
		close(release)
	}()

	res, err := o.RunTurn(context.Background(), "go", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, violation, "gated call ran before its decision")
	assert.Len(t, fleet.invocations(), 2)
	assert.Equal(t, map[string]string{"g1": "ok", "f1": "ok"}, toolMessages(res.Messages))

	// Tool messages keep the order of the model's calls.
	var order []string
	for _, m := range res.Messages {
		if m.Role == domain.RoleTool {
			order = append(order, m.ToolCallID)
		}
	}
	assert.Equal(t, []string{"g1", "f1"}, order)
}

func TestRunTurn_PartialDecisions(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{
		tool("shell", "exec", true),
		tool("files", "delete", true),
	}}
	ui := &fakeUI{decide: func(batch *domain.VettingBatch) {
		batch.Resolve(map[string]bool{"a": true})
	}}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("a", "exec"), call("b", "delete")),
	}}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	_, err := o.RunTurn(context.Background(), "go", nil)
	require.NoError(t, err)

	want := []invocation{{"shell", "exec", "{}"}}
	if diff := cmp.Diff(want, fleet.invocations()); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, ui.batches, 1, "one batch per round")
	assert.Len(t, ui.batches[0].Calls, 2)
	assert.Equal(t, domain.NotAllowed{}, ui.notified["b"])
}

func TestRunTurn_CancelledBatchRejectsAll(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("shell", "exec", true)}}
	ui := &fakeUI{} // cancels every batch
	model := &scriptedModel{script: []*domain.AssistantResponse{toolCalls(call("a", "exec"))}}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	res, err := o.RunTurn(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Empty(t, fleet.invocations())
	assert.Equal(t, domain.RenderResult(domain.NotAllowed{}), toolMessages(res.Messages)["a"])
}

func TestRunTurn_NoUIRejectsGatedCalls(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("shell", "exec", true)}}
	model := &scriptedModel{script: []*domain.AssistantResponse{toolCalls(call("a", "exec"))}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	_, err := o.RunTurn(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Empty(t, fleet.invocations())
}

func TestRunTurn_ContextCancelledDuringVetting(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("shell", "exec", true)}}
	ui := &fakeUI{release: make(chan struct{})} // never decides
	model := &scriptedModel{script: []*domain.AssistantResponse{toolCalls(call("a", "exec"))}}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.RunTurn(ctx, "go", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, fleet.invocations())
}

func TestRunTurn_RoundLimit(t *testing.T) {
	model := &scriptedModel{}
	for i := 0; i < 5; i++ {
		model.script = append(model.script, toolCalls(call("", "read")))
	}
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "read", false)}}
	o := newTestOrchestrator(t, model, fleet, nil, 3)

	res, err := o.RunTurn(context.Background(), "loop", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, res.Err, domain.ErrToolCallLimitExceeded)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 3, model.calls())
	assert.Len(t, fleet.invocations(), 3)
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, domain.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "limit of 3 rounds")
}

func TestRunTurn_RepairsTextToolCalls(t *testing.T) {
	model := &scriptedModel{script: []*domain.AssistantResponse{
		{Text: "```\n[search(query=\"weather\", limit=3)]\n```"},
	}}
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("web", "search", false)}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	res, err := o.RunTurn(context.Background(), "weather?", nil)
	require.NoError(t, err)

	want := []invocation{{"web", "search", `{"query":"weather","limit":3}`}}
	if diff := cmp.Diff(want, fleet.invocations()); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}
	assistant := res.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.True(t, strings.HasPrefix(assistant.ToolCalls[0].ID, "call_"))
	assert.Empty(t, assistant.Content)
}

func TestRunTurn_UnrepairableTextIsReply(t *testing.T) {
	model := &scriptedModel{script: []*domain.AssistantResponse{{Text: "[unknown_tool(x=1)]"}}}
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("web", "search", false)}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	res, err := o.RunTurn(context.Background(), "?", nil)
	require.NoError(t, err)
	assert.Equal(t, "[unknown_tool(x=1)]", res.Reply)
	assert.Empty(t, fleet.invocations())
}

func TestRunTurn_SchemaViolation(t *testing.T) {
	entry := tool("files", "read", false)
	entry.Tool.ParameterSchema = []byte(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{entry}}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("bad", "read", "path", 42)),
	}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	res, err := o.RunTurn(context.Background(), "read", nil)
	require.NoError(t, err)
	assert.Empty(t, fleet.invocations())
	assert.Contains(t, toolMessages(res.Messages)["bad"], "invalid arguments for read")
}

func TestRunTurn_LargeIntegerArgumentPassesThrough(t *testing.T) {
	entry := tool("store", "get", false)
	entry.Tool.ParameterSchema = []byte(`{"type": "object", "properties": {"id": {"type": "integer"}}}`)
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{entry}}
	args, err := domain.ArgumentsFromJSON([]byte(`{"id": 9007199254740993}`))
	require.NoError(t, err)
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(domain.ToolCall{ID: "c1", ToolName: "get", Arguments: args}),
	}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	_, err = o.RunTurn(context.Background(), "get", nil)
	require.NoError(t, err)
	want := []invocation{{"store", "get", `{"id":9007199254740993}`}}
	if diff := cmp.Diff(want, fleet.invocations()); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}
}

func TestRunTurn_InvocationErrorIsExecutionFailure(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "read", false)}}
	fleet.fn = func(string, string) (string, error) {
		return "", domain.NewDomainError("Session.Invoke", domain.ErrToolReported, "file not found")
	}
	model := &scriptedModel{script: []*domain.AssistantResponse{toolCalls(call("c1", "read"))}}
	ui := &fakeUI{}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	res, err := o.RunTurn(context.Background(), "read", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailure{Reason: "file not found"}, ui.notified["c1"])
	assert.Equal(t, "Error: file not found", toolMessages(res.Messages)["c1"])
	assert.Equal(t, "done", res.Reply)
}

func TestRunTurn_QualifiedNamesOnCollision(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{
		tool("beta", "search", false),
		tool("alpha", "search", false),
		tool("alpha", "read", false),
	}}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("q", "beta__search"), call("b", "search")),
	}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	_, err := o.RunTurn(context.Background(), "find", nil)
	require.NoError(t, err)

	var names []string
	for _, s := range model.requests[0].Tools {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"alpha__search", "read", "beta__search"}, names)

	got := map[string]bool{}
	for _, inv := range fleet.invocations() {
		got[inv.Provider+"/"+inv.Tool] = true
	}
	assert.Equal(t, map[string]bool{"beta/search": true, "alpha/search": true}, got)
}

func TestRunTurn_CatalogChangeBetweenRounds(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "read", false)}}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("c1", "read")),
		toolCalls(call("c2", "read"), call("c3", "write")),
	}}
	fleet.fn = func(_, name string) (string, error) {
		if name == "read" {
			// A reconciliation replaces the provider while the turn runs.
			fleet.setCatalog(tool("files", "write", false))
		}
		return "ok", nil
	}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	res, err := o.RunTurn(context.Background(), "go", nil)
	require.NoError(t, err)

	msgs := toolMessages(res.Messages)
	assert.Equal(t, "ok", msgs["c1"])
	assert.Equal(t, `Error: there is no tool named "read".`, msgs["c2"])
	assert.Equal(t, "ok", msgs["c3"])
	require.Len(t, model.requests, 3)
	assert.Equal(t, "read", model.requests[0].Tools[0].Name)
	assert.Equal(t, "write", model.requests[1].Tools[0].Name)
}

func TestRunTurn_ModelError(t *testing.T) {
	model := &scriptedModel{err: errors.New("rate limited")}
	o := newTestOrchestrator(t, model, &fakeFleet{}, nil, 0)

	_, err := o.RunTurn(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRunTurn_ConcurrentProviders(t *testing.T) {
	// Both providers must be inside Invoke at the same time for either to return.
	var barrier sync.WaitGroup
	barrier.Add(2)
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{
		tool("a", "slow", false),
		tool("b", "slow2", false),
	}}
	fleet.fn = func(string, string) (string, error) {
		barrier.Done()
		done := make(chan struct{})
		go func() { barrier.Wait(); close(done) }()
		select {
		case <-done:
			return "ok", nil
		case <-time.After(2 * time.Second):
			return "", errors.New("providers ran sequentially")
		}
	}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("x", "slow"), call("y", "slow2")),
	}}
	o := newTestOrchestrator(t, model, fleet, nil, 0)

	res, err := o.RunTurn(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x": "ok", "y": "ok"}, toolMessages(res.Messages))
}

func TestPendingCallAtMostOnce(t *testing.T) {
	pc := &pendingCall{call: call("c1", "read")}

	require.NoError(t, pc.begin())
	err := pc.begin()
	assert.ErrorIs(t, err, domain.ErrInvariant)

	require.NoError(t, pc.complete(domain.Success{Text: "x"}))
	assert.ErrorIs(t, pc.complete(domain.Success{Text: "y"}), domain.ErrInvariant)

	result, done := pc.outcome()
	assert.True(t, done)
	assert.Equal(t, domain.Success{Text: "x"}, result)
}

func TestByProviderKeepsOrder(t *testing.T) {
	a := tool("a", "t", false)
	b := tool("b", "t", false)
	calls := []*pendingCall{
		{call: call("1", "t"), entry: &a},
		{call: call("2", "t"), entry: &b},
		{call: call("3", "t"), entry: &a},
	}
	groups := byProvider(calls)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"1", "3"}, []string{groups[0][0].call.ID, groups[0][1].call.ID})
	assert.Equal(t, "2", groups[1][0].call.ID)
}

func TestRunTurn_ConsolePromptDoesNotBlockFreeCalls(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{
		tool("files", "exec", true),
		tool("files", "read", false),
	}}
	fleet.fn = func(_, name string) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return name + " done", nil
	}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("g1", "exec"), call("f1", "read", "p", "a"), call("f2", "read", "p", "b")),
	}}
	answers, answer := io.Pipe()
	defer answer.Close()
	ui := channel.NewConsole(answers, io.Discard, newTestLogger())
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.RunTurn(context.Background(), "go", nil)
		done <- outcome{res, err}
	}()

	reads := func() int {
		n := 0
		for _, inv := range fleet.invocations() {
			if inv.Tool == "read" {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return reads() == 2 }, 2*time.Second, 10*time.Millisecond,
		"free calls must run while the approval prompt is unanswered")

	_, err := io.WriteString(answer, "y\n")
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, map[string]string{
			"g1": "exec done",
			"f1": "read done",
			"f2": "read done",
		}, toolMessages(out.res.Messages))
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after the prompt was answered")
	}
}

// slowNotifyUI allows every batch but takes its time showing results.
type slowNotifyUI struct {
	fakeUI
	block chan struct{}
}

func (u *slowNotifyUI) NotifyToolResult(ctx context.Context, call domain.ToolCall, result domain.ToolCallResult) {
	<-u.block
	u.fakeUI.NotifyToolResult(ctx, call, result)
}

func TestRunTurn_SlowResultDisplayDoesNotDelayCalls(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("files", "read", false)}}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("f1", "read", "p", "a"), call("f2", "read", "p", "b")),
	}}
	ui := &slowNotifyUI{block: make(chan struct{})}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunTurn(context.Background(), "go", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(fleet.invocations()) == 2 }, 2*time.Second, 10*time.Millisecond,
		"the second call waited for the first result to be displayed")
	close(ui.block)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
	ui.mu.Lock()
	defer ui.mu.Unlock()
	assert.Len(t, ui.notified, 2, "every result reaches the UI before the round ends")
}

func TestRunTurn_DuplicateCallIDs(t *testing.T) {
	fleet := &fakeFleet{catalog: []domain.CatalogEntry{tool("shell", "exec", true)}}
	model := &scriptedModel{script: []*domain.AssistantResponse{
		toolCalls(call("c1", "exec", "cmd", "ls"), call("c1", "exec", "cmd", "pwd")),
	}}
	ui := &fakeUI{decide: allowAll}
	o := newTestOrchestrator(t, model, fleet, ui, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.RunTurn(ctx, "go", nil)
	require.NoError(t, err)

	assert.Len(t, fleet.invocations(), 2)
	msgs := toolMessages(res.Messages)
	assert.Len(t, msgs, 2, "each call needs its own tool message ID")
	assert.Equal(t, "shell:exec", msgs["c1"])
}
