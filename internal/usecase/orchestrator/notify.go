package orchestrator

import (
	"context"

	"konvo/internal/domain"
)

type notice struct {
	call   domain.ToolCall
	result domain.ToolCallResult
}

// resultNotifier hands finished calls to the UI from its own goroutine so
// a UI that is busy, for example with an approval prompt, never holds up
// the calls still running in the round.
type resultNotifier struct {
	queue chan notice
	done  chan struct{}
}

// newResultNotifier returns nil when there is no UI. size must be at
// least the number of calls in the round.
func newResultNotifier(ctx context.Context, ui domain.ConversationUI, size int) *resultNotifier {
	if ui == nil {
		return nil
	}
	n := &resultNotifier{
		queue: make(chan notice, size),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(n.done)
		for nt := range n.queue {
			ui.NotifyToolResult(ctx, nt.call, nt.result)
		}
	}()
	return n
}

// notify does not block: every call completes once and the queue has a
// slot for each.
func (n *resultNotifier) notify(call domain.ToolCall, result domain.ToolCallResult) {
	if n != nil {
		n.queue <- notice{call: call, result: result}
	}
}

// close waits until the UI has seen every queued result.
func (n *resultNotifier) close() {
	if n != nil {
		close(n.queue)
		<-n.done
	}
}
