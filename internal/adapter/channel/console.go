// Package channel holds the conversation surfaces that vet approval-required
// tool calls and show call results to the user.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"konvo/internal/domain"
)

// maxPreview bounds how much of an argument list or result is printed.
const maxPreview = 400

var errInputClosed = errors.New("console input closed")

// Console vets calls on a line-oriented terminal. Each gated call is
// shown with its arguments and answered with one line:
//
//	y, yes   allow this call
//	n, no    reject this call (also the empty answer)
//	a, all   allow this and every remaining call of the batch
//	d, none  reject this and every remaining call of the batch
type Console struct {
	out    io.Writer
	logger *slog.Logger
	styles consoleStyles

	lines     chan string
	startOnce sync.Once
	in        io.Reader

	// prompt serialises batches so their questions never interleave.
	// outMu guards single writes to out and is never held while waiting
	// for an answer.
	prompt sync.Mutex
	outMu  sync.Mutex
}

type consoleStyles struct {
	header  lipgloss.Style
	tool    lipgloss.Style
	args    lipgloss.Style
	prompt  lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	denied  lipgloss.Style
}

func newConsoleStyles(r *lipgloss.Renderer) consoleStyles {
	return consoleStyles{
		header:  r.NewStyle().Bold(true),
		tool:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		args:    r.NewStyle().Foreground(lipgloss.Color("245")),
		prompt:  r.NewStyle().Foreground(lipgloss.Color("214")),
		success: r.NewStyle().Foreground(lipgloss.Color("42")),
		failure: r.NewStyle().Foreground(lipgloss.Color("196")),
		denied:  r.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// NewConsole creates a console UI reading answers from in and writing to
// out. Colours are used only when out is a terminal.
func NewConsole(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		in:     in,
		out:    out,
		logger: logger.With("component", "console"),
		styles: newConsoleStyles(lipgloss.NewRenderer(out)),
		lines:  make(chan string),
	}
}

var _ domain.ConversationUI = (*Console)(nil)

// readLines feeds c.lines until the input ends. Reads cannot be
// interrupted, so one goroutine owns the reader for the console's life.
func (c *Console) readLines() {
	defer close(c.lines)
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		c.lines <- sc.Text()
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("console input failed", "error", err)
	}
}

// RequestVetting asks about every call of batch in order. It returns once
// the batch is resolved; a done ctx or closed input cancels the batch.
func (c *Console) RequestVetting(ctx context.Context, batch *domain.VettingBatch) {
	c.startOnce.Do(func() { go c.readLines() })
	c.prompt.Lock()
	defer c.prompt.Unlock()

	c.write(c.styles.header.Render(
		fmt.Sprintf("%d tool call(s) need your approval:", len(batch.Calls))) + "\n")

	var bulk, bulkAllow bool
	for i, req := range batch.Calls {
		allow := bulkAllow
		if !bulk {
			c.describe(i+1, req)
			answer, err := c.ask(ctx, batch)
			if err != nil {
				batch.Cancel(err)
				return
			}
			switch answer {
			case "y", "yes":
				allow = true
			case "a", "all":
				allow, bulk, bulkAllow = true, true, true
			case "d", "none":
				bulk = true
			}
		}
		if err := batch.Decide(req.Call.ID, allow); err != nil {
			// Resolved elsewhere, e.g. cancelled by the orchestrator.
			c.logger.Debug("vetting decision dropped", "batch_id", batch.ID, "error", err)
			return
		}
	}
}

// write emits text in one piece so result lines printed by concurrent
// calls never split a prompt line.
func (c *Console) write(text string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	io.WriteString(c.out, text)
}

func (c *Console) describe(n int, req domain.VettingRequest) {
	name := domain.QualifiedToolName(req.Provider, req.Tool.Name)
	text := fmt.Sprintf("  %d. %s %s\n", n,
		c.styles.tool.Render(name),
		c.styles.args.Render(preview(string(domain.ArgumentsJSON(req.Call.Arguments)))))
	if req.Tool.Description != "" {
		text += fmt.Sprintf("     %s\n", preview(req.Tool.Description))
	}
	c.write(text)
}

func (c *Console) ask(ctx context.Context, batch *domain.VettingBatch) (string, error) {
	c.write(c.styles.prompt.Render("     allow? [y/N/a/d] "))
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.write("\n")
			return "", errInputClosed
		}
		return strings.ToLower(strings.TrimSpace(line)), nil
	case <-batch.Done():
		c.write("\n")
		return "", domain.ErrVettingCancelled
	case <-ctx.Done():
		c.write("\n")
		return "", ctx.Err()
	}
}

// NotifyToolResult prints one line per finished call. It does not wait
// for a pending approval prompt.
func (c *Console) NotifyToolResult(_ context.Context, call domain.ToolCall, result domain.ToolCallResult) {
	var mark string
	switch result.(type) {
	case domain.Success:
		mark = c.styles.success.Render("ok")
	case domain.NotAllowed:
		mark = c.styles.denied.Render("rejected")
	default:
		mark = c.styles.failure.Render("failed")
	}
	c.write(fmt.Sprintf("%s %s: %s\n", mark, c.styles.tool.Render(call.ToolName),
		preview(domain.RenderResult(result))))
}

// preview flattens s to one line of at most maxPreview runes.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxPreview {
		return string(r[:maxPreview]) + "…"
	}
	return s
}
