package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"konvo/internal/domain"
	"konvo/internal/infra/tracer"
)

// runRound resolves, vets and executes the calls of one model response and
// returns their tool-role messages in call order.
//
// Calls that need no approval start right away, grouped per provider.
// Approval-required calls are sent to the UI as one batch and run only
// after every decision has arrived.
func (o *Orchestrator) runRound(ctx context.Context, view *catalogView, calls []domain.ToolCall) ([]domain.Message, error) {
	pending := make([]*pendingCall, len(calls))
	notes := newResultNotifier(ctx, o.ui, len(calls))
	defer notes.close()

	var free, gated []*pendingCall
	for i, call := range calls {
		pc := &pendingCall{call: call}
		pending[i] = pc

		entry, ok := view.resolve(call.ToolName)
		if !ok {
			if err := o.finish(ctx, notes, pc, domain.NoSuchTool{Name: call.ToolName}); err != nil {
				return nil, err
			}
			continue
		}
		pc.entry = &entry

		if err := o.validator.Validate(call.ToolName, entry.Tool.ParameterSchema, call.Arguments); err != nil {
			if err := o.finish(ctx, notes, pc, domain.ExecutionFailure{Reason: domain.FailureReason(err)}); err != nil {
				return nil, err
			}
			continue
		}

		if entry.Tool.RequiresApproval {
			gated = append(gated, pc)
		} else {
			free = append(free, pc)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range byProvider(free) {
		g.Go(func() error { return o.executeGroup(gctx, notes, group) })
	}
	if len(gated) > 0 {
		batch := o.requestVetting(gctx, gated)
		g.Go(func() error {
			approved, err := o.awaitVetting(gctx, notes, batch, gated)
			if err != nil {
				return err
			}
			for _, group := range byProvider(approved) {
				g.Go(func() error { return o.executeGroup(gctx, notes, group) })
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(pending))
	for _, pc := range pending {
		result, done := pc.outcome()
		if !done {
			return nil, domain.NewDomainError("Orchestrator.RunRound", domain.ErrInvariant,
				"call "+pc.call.ID+" has no result")
		}
		msgs = append(msgs, domain.Message{
			Role:       domain.RoleTool,
			Content:    domain.RenderResult(result),
			Name:       pc.call.ToolName,
			ToolCallID: pc.call.ID,
			Timestamp:  time.Now(),
		})
	}
	return msgs, nil
}

// requestVetting submits the gated calls as one batch. The UI may block
// while the user decides, so it runs on its own goroutine.
func (o *Orchestrator) requestVetting(ctx context.Context, gated []*pendingCall) *domain.VettingBatch {
	reqs := make([]domain.VettingRequest, len(gated))
	ids := make([]string, len(gated))
	for i, pc := range gated {
		reqs[i] = domain.VettingRequest{
			Call:     pc.call,
			Provider: pc.entry.Provider,
			Tool:     pc.entry.Tool,
		}
		ids[i] = pc.call.ID
	}
	batch := domain.NewVettingBatch(o.newID(), reqs)

	domain.PublishEvent(ctx, o.bus, domain.EventVettingRequested, domain.VettingPayload{
		BatchID: batch.ID,
		CallIDs: ids,
	})
	if o.ui == nil {
		batch.Cancel(errors.New("no conversation UI to ask"))
		return batch
	}
	go o.ui.RequestVetting(ctx, batch)
	return batch
}

// awaitVetting waits for every decision of batch. Rejected calls, and all
// calls of a cancelled batch, complete as NotAllowed; the approved calls
// are returned for execution.
func (o *Orchestrator) awaitVetting(ctx context.Context, notes *resultNotifier, batch *domain.VettingBatch, gated []*pendingCall) ([]*pendingCall, error) {
	decisions, err := batch.Wait(ctx)
	if ctx.Err() != nil {
		batch.Cancel(ctx.Err())
		return nil, ctx.Err()
	}
	if err != nil {
		o.logger.Info("vetting cancelled", "batch_id", batch.ID, "error", err)
	}

	var approved []*pendingCall
	var approvedIDs []string
	for _, pc := range gated {
		if err == nil && decisions[pc.call.ID] {
			approved = append(approved, pc)
			approvedIDs = append(approvedIDs, pc.call.ID)
			o.metrics.VettingDecision("allowed")
			continue
		}
		o.metrics.VettingDecision("rejected")
		if ferr := o.finish(ctx, notes, pc, domain.NotAllowed{}); ferr != nil {
			return nil, ferr
		}
	}

	ids := make([]string, len(batch.Calls))
	for i, c := range batch.Calls {
		ids[i] = c.Call.ID
	}
	domain.PublishEvent(ctx, o.bus, domain.EventVettingResolved, domain.VettingPayload{
		BatchID:  batch.ID,
		CallIDs:  ids,
		Approved: approvedIDs,
	})
	return approved, nil
}

// executeGroup runs the calls of one provider in order.
func (o *Orchestrator) executeGroup(ctx context.Context, notes *resultNotifier, group []*pendingCall) error {
	for _, pc := range group {
		if err := o.execute(ctx, notes, pc); err != nil {
			return err
		}
	}
	return nil
}

// execute invokes one call. Any invocation error becomes an
// ExecutionFailure result.
func (o *Orchestrator) execute(ctx context.Context, notes *resultNotifier, pc *pendingCall) error {
	if err := pc.begin(); err != nil {
		return err
	}
	provider, tool := pc.entry.Provider, pc.entry.Tool.Name

	domain.PublishEvent(ctx, o.bus, domain.EventToolCallStarted, domain.ToolCallPayload{
		CallID:   pc.call.ID,
		Provider: provider,
		Tool:     tool,
	})
	spanCtx, span := tracer.StartSpan(ctx, "orchestrator.tool_call", trace.WithAttributes(
		tracer.StringAttr("tool.provider", provider),
		tracer.StringAttr("tool.name", tool),
		tracer.StringAttr("tool.call_id", pc.call.ID),
	))
	start := time.Now()
	out, err := o.fleet.Invoke(spanCtx, provider, tool, pc.call.Arguments)

	var result domain.ToolCallResult
	if err != nil {
		tracer.RecordError(span, err)
		o.logger.Warn("tool call failed",
			"provider", provider,
			"tool", tool,
			"call_id", pc.call.ID,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		result = domain.ExecutionFailure{Reason: domain.FailureReason(err)}
	} else {
		tracer.SetOK(span)
		o.logger.Debug("tool call succeeded",
			"provider", provider,
			"tool", tool,
			"call_id", pc.call.ID,
			"duration", time.Since(start),
		)
		result = domain.Success{Text: out}
	}
	span.End()
	return o.finish(ctx, notes, pc, result)
}

// finish records the terminal result of a call and reports it.
func (o *Orchestrator) finish(ctx context.Context, notes *resultNotifier, pc *pendingCall, result domain.ToolCallResult) error {
	if err := pc.complete(result); err != nil {
		return err
	}
	o.metrics.ToolCall(pc.provider(), string(result.Kind()))
	domain.PublishEvent(ctx, o.bus, domain.EventToolCallCompleted, domain.ToolCallPayload{
		CallID:   pc.call.ID,
		Provider: pc.provider(),
		Tool:     pc.call.ToolName,
		Result:   result.Kind(),
	})
	notes.notify(pc.call, result)
	return nil
}
