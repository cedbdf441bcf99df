package orchestrator

import (
	"fmt"
	"sync"

	"konvo/internal/domain"
)

type callState int

const (
	callResolved callState = iota
	callExecuting
	callDone
)

// pendingCall tracks one tool call through a round. It is dispatched at
// most once and completed exactly once.
type pendingCall struct {
	call  domain.ToolCall
	entry *domain.CatalogEntry

	mu     sync.Mutex
	state  callState
	result domain.ToolCallResult
}

func (p *pendingCall) provider() string {
	if p.entry == nil {
		return ""
	}
	return p.entry.Provider
}

// begin marks the call as dispatched to its provider.
func (p *pendingCall) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != callResolved {
		return domain.NewDomainError("PendingCall.Begin", domain.ErrInvariant,
			fmt.Sprintf("call %s dispatched twice", p.call.ID))
	}
	p.state = callExecuting
	return nil
}

// complete records the terminal result.
func (p *pendingCall) complete(r domain.ToolCallResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == callDone {
		return domain.NewDomainError("PendingCall.Complete", domain.ErrInvariant,
			fmt.Sprintf("call %s completed twice", p.call.ID))
	}
	p.state = callDone
	p.result = r
	return nil
}

func (p *pendingCall) outcome() (domain.ToolCallResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.state == callDone
}

// byProvider groups calls per provider, keeping call order within a group.
func byProvider(calls []*pendingCall) [][]*pendingCall {
	var groups [][]*pendingCall
	index := map[string]int{}
	for _, pc := range calls {
		i, ok := index[pc.provider()]
		if !ok {
			i = len(groups)
			index[pc.provider()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], pc)
	}
	return groups
}
