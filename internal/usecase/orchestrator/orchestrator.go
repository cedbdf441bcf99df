// Package orchestrator drives one conversational turn: it asks the model
// for a response, turns its tool calls into vetted provider invocations,
// feeds the results back, and repeats until the model answers without
// calling a tool or the round cap is reached.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"konvo/internal/domain"
	"konvo/internal/infra/metrics"
	"konvo/internal/infra/tracer"
	"konvo/internal/usecase/repair"
)

const defaultMaxToolRounds = 10

// Fleet is the part of the fleet manager the orchestrator depends on.
type Fleet interface {
	CurrentTools() []domain.CatalogEntry
	Invoke(ctx context.Context, provider, tool string, args *domain.Arguments) (string, error)
}

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Model         domain.ModelClient
	Fleet         Fleet
	UI            domain.ConversationUI // optional; without it gated calls are rejected
	Bus           domain.EventBus       // optional
	Metrics       *metrics.Metrics      // optional
	Logger        *slog.Logger
	MaxToolRounds int // tool-call rounds per turn (default: 10)
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	// Messages is the updated conversation: the history passed to RunTurn
	// followed by every message produced during the turn.
	Messages []domain.Message
	// Reply is the content of the last assistant message.
	Reply  string
	Rounds int
	// Err is set to an ErrToolCallLimitExceeded error when the round cap
	// ended the turn.
	Err error
}

// Orchestrator runs turns. It holds no per-turn state and is safe for
// concurrent use by independent conversations.
type Orchestrator struct {
	model     domain.ModelClient
	fleet     Fleet
	ui        domain.ConversationUI
	bus       domain.EventBus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	maxRounds int
	validator *schemaValidator
	newID     func() string
}

// New creates an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Model == nil || deps.Fleet == nil {
		return nil, fmt.Errorf("orchestrator: model and fleet are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxToolRounds <= 0 {
		deps.MaxToolRounds = defaultMaxToolRounds
	}
	logger := deps.Logger.With("component", "orchestrator")
	validator, err := newSchemaValidator(logger)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		model:     deps.Model,
		fleet:     deps.Fleet,
		ui:        deps.UI,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    logger,
		maxRounds: deps.MaxToolRounds,
		validator: validator,
		newID:     func() string { return ulid.Make().String() },
	}, nil
}

// RunTurn appends userMessage to history and drives the turn to
// completion. Tool failures are reported to the model as tool results and
// never end the turn; RunTurn returns an error only when the model call
// fails, ctx is done, or an internal invariant breaks.
func (o *Orchestrator) RunTurn(ctx context.Context, userMessage string, history []domain.Message) (*TurnResult, error) {
	const op = "Orchestrator.RunTurn"
	turnID := o.newID()
	ctx = domain.ContextWithTurnID(ctx, turnID)
	ctx, span := tracer.StartSpan(ctx, "orchestrator.run_turn",
		trace.WithAttributes(tracer.StringAttr("turn.id", turnID)))
	defer span.End()

	logger := o.logger.With("turn_id", turnID)
	msgs := append(slices.Clone(history), domain.Message{
		Role:      domain.RoleUser,
		Content:   userMessage,
		Timestamp: time.Now(),
	})
	result := &TurnResult{}

	for round := 0; round < o.maxRounds; round++ {
		span.AddEvent("orchestrator.round", trace.WithAttributes(tracer.IntAttr("round", round)))

		// The catalog may change between rounds; each round sees one snapshot.
		view := newCatalogView(o.fleet.CurrentTools())

		resp, err := o.model.Chat(ctx, domain.ChatRequest{Messages: msgs, Tools: view.schemas})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.NewDomainError(op, err, "model call failed")
		}

		assistant, calls := o.assistantMessage(resp, view, logger)
		msgs = append(msgs, assistant)
		result.Reply = assistant.Content
		if len(calls) == 0 {
			result.Messages = msgs
			result.Rounds = round
			o.turnCompleted(ctx, result)
			tracer.SetOK(span)
			return result, nil
		}

		logger.Debug("tool calls requested", "round", round, "calls", len(calls))
		toolMsgs, err := o.runRound(ctx, view, calls)
		if err != nil {
			if domain.ErrorCodeOf(err) == domain.CodeInvariant {
				logger.Error("turn aborted", "error", err)
			}
			tracer.RecordError(span, err)
			return nil, domain.WrapOp(op, err)
		}
		msgs = append(msgs, toolMsgs...)
	}

	limitErr := domain.NewDomainError(op, domain.ErrToolCallLimitExceeded,
		fmt.Sprintf("stopped after %d tool-call rounds", o.maxRounds))
	reply := fmt.Sprintf("Error: the tool-call limit of %d rounds per turn was reached.", o.maxRounds)
	msgs = append(msgs, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   reply,
		Timestamp: time.Now(),
	})
	result.Messages = msgs
	result.Reply = reply
	result.Rounds = o.maxRounds
	result.Err = limitErr
	logger.Warn("tool-call limit reached", "rounds", o.maxRounds)
	o.turnCompleted(ctx, result)
	tracer.RecordError(span, limitErr)
	return result, nil
}

// assistantMessage builds the transcript entry for resp and extracts its
// tool calls. A plain-text response naming a known tool is repaired into
// structured calls.
func (o *Orchestrator) assistantMessage(resp *domain.AssistantResponse, view *catalogView, logger *slog.Logger) (domain.Message, []domain.ToolCall) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   resp.Text,
		Timestamp: time.Now(),
	}
	if len(resp.ToolCalls) > 0 {
		msg.ToolCalls = repair.Normalize(resp.ToolCalls)
		return msg, msg.ToolCalls
	}

	raw := resp.Raw
	if raw == "" {
		raw = resp.Text
	}
	if calls, ok := repair.Repair(raw, view.known); ok {
		logger.Debug("repaired tool calls from text", "calls", len(calls))
		msg.Content = ""
		msg.ToolCalls = calls
		return msg, calls
	}
	return msg, nil
}

func (o *Orchestrator) turnCompleted(ctx context.Context, r *TurnResult) {
	domain.PublishEvent(ctx, o.bus, domain.EventTurnCompleted, domain.TurnPayload{
		Rounds:        r.Rounds,
		LimitExceeded: r.Err != nil,
	})
}
