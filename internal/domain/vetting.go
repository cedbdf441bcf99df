package domain

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// VettingRequest is one call awaiting a user decision.
type VettingRequest struct {
	Call     ToolCall       `json:"call"`
	Provider string         `json:"provider"`
	Tool     ToolDescriptor `json:"tool"`
}

// VettingBatch collects the user's decisions for every approval-required
// call of one round. It resolves exactly once, either with decisions or
// by cancellation; calls without a decision count as rejected.
type VettingBatch struct {
	ID    string
	Calls []VettingRequest

	once      sync.Once
	done      chan struct{}
	mu        sync.Mutex
	decisions map[string]bool
	err       error
}

// NewVettingBatch creates an unresolved batch.
func NewVettingBatch(id string, calls []VettingRequest) *VettingBatch {
	return &VettingBatch{
		ID:        id,
		Calls:     calls,
		done:      make(chan struct{}),
		decisions: make(map[string]bool, len(calls)),
	}
}

func (b *VettingBatch) has(callID string) bool {
	for _, c := range b.Calls {
		if c.Call.ID == callID {
			return true
		}
	}
	return false
}

// Decide records one decision. The batch resolves by itself once every
// call has been decided.
func (b *VettingBatch) Decide(callID string, allow bool) error {
	if !b.has(callID) {
		return fmt.Errorf("vetting batch %s: unknown call %q", b.ID, callID)
	}
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return fmt.Errorf("vetting batch %s: already resolved", b.ID)
	default:
	}
	b.decisions[callID] = allow
	complete := len(b.decisions) == len(b.Calls)
	b.mu.Unlock()

	if complete {
		b.finish(nil)
	}
	return nil
}

// Resolve records the given decisions and resolves the batch. Decisions for
// calls outside the batch are ignored. Only the first Resolve or Cancel
// takes effect.
func (b *VettingBatch) Resolve(decisions map[string]bool) {
	b.mu.Lock()
	select {
	case <-b.done:
	default:
		for id, allow := range decisions {
			if b.has(id) {
				b.decisions[id] = allow
			}
		}
	}
	b.mu.Unlock()
	b.finish(nil)
}

// Cancel resolves the batch without further decisions.
func (b *VettingBatch) Cancel(err error) {
	if err == nil {
		err = ErrVettingCancelled
	}
	b.finish(err)
}

func (b *VettingBatch) finish(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

// Done is closed once the batch is resolved.
func (b *VettingBatch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch resolves or ctx is done. It returns the
// decisions recorded so far and the cancellation cause, if any.
func (b *VettingBatch) Wait(ctx context.Context) (map[string]bool, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.decisions), b.err
}

// Approved reports whether callID was explicitly allowed.
func (b *VettingBatch) Approved(callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decisions[callID]
}

// ConversationUI is the chat surface that vets gated calls and shows results.
type ConversationUI interface {
	// RequestVetting presents the batch to the user. Implementations must
	// eventually Resolve or Cancel the batch; they may return before that.
	RequestVetting(ctx context.Context, batch *VettingBatch)
	// NotifyToolResult reports the outcome of one call.
	NotifyToolResult(ctx context.Context, call ToolCall, result ToolCallResult)
}
