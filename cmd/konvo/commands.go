package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"konvo/internal/adapter/settings"
	"konvo/internal/domain"
	"konvo/internal/infra/middleware"
	"konvo/internal/usecase/orchestrator"
	"konvo/internal/usecase/repair"
)

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("konvo "+name, pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default: ~/.konvo/config.yaml)")
	return fs, configPath
}

// startFleet reconciles the configured providers once. Providers that fail
// to start are reported and left out.
func startFleet(ctx context.Context, a *app) {
	if err := a.fleet.Reconcile(ctx, settings.Specifications(a.cfg)); err != nil {
		a.logger.Warn("some providers failed to start", "error", err)
	}
}

func runTools(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("tools")
	asJSON := fs.Bool("json", false, "print the catalog as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, *configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	startFleet(ctx, a)
	return printCatalog(out, a.fleet.CurrentTools(), *asJSON)
}

func printCatalog(out io.Writer, entries []domain.CatalogEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "no tools available")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tTOOL\tAPPROVAL\tDESCRIPTION")
	for _, e := range entries {
		approval := "auto"
		if e.Tool.RequiresApproval {
			approval = "ask"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Provider, e.Tool.Name, approval, firstLine(e.Tool.Description))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func runCall(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs, configPath := newFlagSet("call")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("usage: konvo call TOOL [JSON-ARGS]")
	}
	call, err := cliToolCall(fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, *configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()
	startFleet(ctx, a)

	ui, closeUI, err := buildVettingUI(ctx, a.cfg, in, os.Stderr, a.logger)
	if err != nil {
		return err
	}
	defer closeUI()

	rec := &resultRecorder{ConversationUI: ui}
	orch, err := orchestrator.New(orchestrator.Deps{
		Model:         &directModel{call: call},
		Fleet:         a.fleet,
		UI:            rec,
		Bus:           a.bus,
		Metrics:       a.metrics,
		Logger:        a.logger,
		MaxToolRounds: a.cfg.Orchestrator.MaxToolRounds,
	})
	if err != nil {
		return err
	}

	res, err := orch.RunTurn(ctx, "konvo call "+call.ToolName, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Reply)
	if rec.result != nil && rec.result.Kind() != domain.ResultSuccess {
		return fmt.Errorf("tool call %s", rec.result.Kind())
	}
	return nil
}

// cliToolCall builds the call for "konvo call". Arguments default to {}.
func cliToolCall(name, rawArgs string) (domain.ToolCall, error) {
	if rawArgs == "" {
		rawArgs = "{}"
	}
	args, err := domain.ArgumentsFromJSON([]byte(rawArgs))
	if err != nil {
		return domain.ToolCall{}, fmt.Errorf("arguments: %w", err)
	}
	return domain.ToolCall{
		ID:        repair.CallID(name, args, 0),
		ToolName:  name,
		Arguments: args,
	}, nil
}

// directModel stands in for a language model: it requests one call and
// then answers with that call's tool result.
type directModel struct {
	call domain.ToolCall
	sent bool
}

func (m *directModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.AssistantResponse, error) {
	if !m.sent {
		m.sent = true
		return &domain.AssistantResponse{ToolCalls: []domain.ToolCall{m.call}}, nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if msg := req.Messages[i]; msg.Role == domain.RoleTool && msg.ToolCallID == m.call.ID {
			return &domain.AssistantResponse{Text: msg.Content}, nil
		}
	}
	return &domain.AssistantResponse{}, nil
}

// resultRecorder keeps the last result shown to the user.
type resultRecorder struct {
	domain.ConversationUI
	result domain.ToolCallResult
}

func (r *resultRecorder) NotifyToolResult(ctx context.Context, call domain.ToolCall, result domain.ToolCallResult) {
	r.result = result
	r.ConversationUI.NotifyToolResult(ctx, call, result)
}

func runRepair(args []string, in io.Reader, out io.Writer) error {
	fs := pflag.NewFlagSet("konvo repair", pflag.ContinueOnError)
	tools := fs.StringSlice("tools", nil, "known tool names, comma separated")
	if err := fs.Parse(args); err != nil {
		return err
	}
	known := make(map[string]struct{}, len(*tools))
	for _, t := range *tools {
		if t = strings.TrimSpace(t); t != "" {
			known[t] = struct{}{}
		}
	}
	if len(known) == 0 {
		return errors.New("--tools is required")
	}

	text, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	calls, ok := repair.Repair(string(text), known)
	if !ok {
		return errors.New("no tool calls found")
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(calls)
}

func runWatch(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("watch")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address (default: metrics.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, *configPath, registry)
	if err != nil {
		return err
	}
	defer a.close()

	unsubscribe := a.bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		a.logger.Info("event", "type", e.Type, "payload", string(e.Payload))
	})
	defer unsubscribe()

	addr := *metricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		srv, err := serveMetrics(ctx, addr, a)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := a.fleet.Start(ctx, a.source); err != nil {
		return err
	}
	a.logger.Info("watching provider configuration", "providers", len(a.fleet.Providers()))
	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

func serveMetrics(ctx context.Context, addr string, a *app) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", middleware.RateLimit(ctx, 120, 20)(a.metrics.Handler()))
	srv := &http.Server{
		Handler:           middleware.Harden(middleware.ReadOnly(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
