package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"escrowhub/internal/escrow"
	"escrowhub/internal/notify"
	"escrowhub/internal/tracker"
)

// Result is the settled outcome of a write.
type Result struct {
	EscrowID    string           `json:"escrowId"`
	IDSource    tracker.IDSource `json:"idSource,omitempty"`
	TxHash      string           `json:"txHash"`
	BlockNumber uint64           `json:"blockNumber,omitempty"`
	State       string           `json:"state"`
}

// Pending is a dispatched write. Notifications for it are emitted once it
// settles, whether or not anyone waits.
type Pending struct {
	call       *tracker.Call
	op         string
	caller     common.Address
	recipients []common.Address
	c          *Coordinator

	once   sync.Once
	result Result
	err    error
	done   chan struct{}
}

func (c *Coordinator) newPending(call *tracker.Call, op string, caller common.Address, recipients []common.Address) *Pending {
	p := &Pending{
		call:       call,
		op:         op,
		caller:     caller,
		recipients: recipients,
		c:          c,
		done:       make(chan struct{}),
	}
	go func() {
		<-call.Done()
		p.settle()
	}()
	return p
}

func (p *Pending) TxHash() common.Hash { return p.call.Hash() }

func (p *Pending) Op() string { return p.op }

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait returns the settled result, or ctx.Err() if ctx ends first. An
// abandoned wait leaves the call tracked.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{TxHash: p.call.Hash().Hex(), State: p.call.State().String()}, ctx.Err()
	}
}

// Release stops tracking the call.
func (p *Pending) Release() { p.call.Release() }

func (p *Pending) settle() {
	p.once.Do(func() {
		out, _ := p.call.Outcome()
		p.result = Result{
			EscrowID:    out.EscrowID,
			IDSource:    out.IDSource,
			TxHash:      out.TxHash.Hex(),
			BlockNumber: out.BlockNumber,
			State:       out.State.String(),
		}
		p.err = out.Err
		p.notify(out)
		close(p.done)
	})
}

func (p *Pending) notify(out tracker.Outcome) {
	if errors.Is(out.Err, tracker.ErrReleased) {
		return
	}
	em := p.c.emitter
	sender := p.caller.Hex()
	if out.Err != nil {
		msg := "Transaction failed."
		var e *escrow.Error
		if errors.As(out.Err, &e) {
			msg = "Transaction failed: " + e.Cause()
		}
		em.Emit(out.EscrowID, notify.KindTransactionFailed, sender, notify.WithMessage(msg))
		return
	}

	var kind notify.Kind
	switch p.op {
	case "createEscrow":
		kind = notify.KindEscrowCreated
	case "completeEscrow":
		kind = notify.KindEscrowCompleted
	case "cancelEscrow":
		kind = notify.KindEscrowCancelled
	default:
		return
	}
	for _, r := range p.recipients {
		em.Emit(out.EscrowID, kind, r.Hex(), notify.WithSender(sender))
	}
	em.Emit(out.EscrowID, kind, sender, notify.WithSender(sender))
}
