// Package tracker follows a dispatched call through its status stream until
// exactly one terminal outcome is reached.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"escrowhub/internal/chain"
	"escrowhub/internal/escrow"
	"escrowhub/internal/metrics"
)

// ErrReleased is the outcome error of a call released before finality.
var ErrReleased = errors.New("call released before finality")

const streamClosedDescription = "status stream closed before finality"

// State is the lifecycle position of a tracked call.
type State uint8

const (
	StateSubmitted State = iota
	StateInBlock
	StateFinalized
	StateDroppedOrInvalid
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateInBlock:
		return "in_block"
	case StateFinalized:
		return "finalized"
	case StateDroppedOrInvalid:
		return "dropped_or_invalid"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s >= StateFinalized }

// IDSource tells where Outcome.EscrowID came from.
type IDSource string

const (
	IDNone     IDSource = ""
	IDFromCall IDSource = "call"
	// IDFromEvent means the id was read from the creation event.
	IDFromEvent IDSource = "event"
	// IDFromFallback means no event carried the id and a synthetic
	// escrow-<unix ms> id was used instead. It does not exist on chain.
	IDFromFallback IDSource = "fallback"
)

// IDDecoder extracts the escrow id from a finalized call's events.
type IDDecoder func([]chain.Event) (string, bool)

// Outcome is the single terminal result of a call. Err is an *escrow.Error
// for every state other than a successful finalization.
type Outcome struct {
	State       State
	Success     bool
	EscrowID    string
	IDSource    IDSource
	TxHash      common.Hash
	BlockNumber uint64
	Description string
	Err         error
}

// Options describe the call being tracked.
type Options struct {
	// Op names the contract method, used in logs and errors.
	Op string
	// EscrowID is the id the call acts on, if already known.
	EscrowID string
	// Decoder is consulted on successful finality when EscrowID is empty.
	Decoder IDDecoder
}

// Tracker starts one drain goroutine per tracked submission. It holds no
// per-call state, so one Tracker serves every call.
type Tracker struct {
	log     logrus.FieldLogger
	metrics *metrics.Registry
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l logrus.FieldLogger) Option { return func(t *Tracker) { t.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(t *Tracker) { t.metrics = m } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New returns a Tracker logging to the standard logrus logger unless
// WithLogger is given.
func New(opts ...Option) *Tracker {
	t := &Tracker{log: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithField("component", "tracker")
	return t
}

// Track starts draining sub. The returned call resolves exactly once.
func (t *Tracker) Track(sub *chain.Submission, opts Options) *Call {
	c := &Call{
		sub:     sub,
		opts:    opts,
		t:       t,
		started: t.now(),
		done:    make(chan struct{}),
		log: t.log.WithFields(logrus.Fields{
			"op":           opts.Op,
			"tx":           sub.Hash.Hex(),
			"subscription": sub.SubscriptionID,
		}),
	}
	t.metrics.AddPending(1)
	go c.run()
	return c
}

// Call is a dispatched call awaiting its terminal outcome.
type Call struct {
	sub     *chain.Submission
	opts    Options
	t       *Tracker
	log     logrus.FieldLogger
	started time.Time

	mu          sync.Mutex
	state       State
	transitions []chain.Status
	outcome     Outcome
	done        chan struct{}
}

func (c *Call) Hash() common.Hash     { return c.sub.Hash }
func (c *Call) Op() string            { return c.opts.Op }
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transitions returns the statuses observed so far.
func (c *Call) Transitions() []chain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.Status(nil), c.transitions...)
}

// Outcome returns the terminal outcome once resolved.
func (c *Call) Outcome() (Outcome, bool) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the call resolves or ctx ends. Abandoning the wait does
// not stop tracking. The returned error is ctx.Err() or Outcome.Err.
func (c *Call) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		out, _ := c.Outcome()
		return out, out.Err
	case <-ctx.Done():
		return Outcome{TxHash: c.sub.Hash, State: c.State()}, ctx.Err()
	}
}

// Release stops tracking immediately. A call that has not yet resolved ends
// in StateReleased.
func (c *Call) Release() {
	c.resolve(Outcome{State: StateReleased, Err: escrow.E(escrow.KindReleased, c.opts.Op, ErrReleased)})
}

func (c *Call) run() {
	for {
		select {
		case <-c.done:
			return
		case st, ok := <-c.sub.Status:
			if !ok {
				c.resolve(Outcome{
					State:       StateDroppedOrInvalid,
					Description: streamClosedDescription,
					Err:         escrow.Errorf(escrow.KindTransactionFailed, c.opts.Op, streamClosedDescription),
				})
				return
			}
			if c.observe(st) {
				return
			}
		}
	}
}

// observe records st and reports whether the call is now resolved.
func (c *Call) observe(st chain.Status) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return true
	}
	c.transitions = append(c.transitions, st)
	c.mu.Unlock()

	switch {
	case st.IsInBlock():
		c.setState(StateInBlock)
		c.log.WithFields(logrus.Fields{"block": st.BlockNumber, "success": st.Success}).Info("call included in block")
		return false
	case st.Kind == chain.StatusRetracted:
		c.setState(StateSubmitted)
		c.log.WithField("reason", st.Description).Warn("including block retracted")
		return false
	case st.IsFinalized():
		c.resolve(c.finalized(st))
		return true
	case st.IsDropped(), st.IsInvalid():
		c.resolve(Outcome{
			State:       StateDroppedOrInvalid,
			Description: st.String(),
			Err:         escrow.Errorf(escrow.KindTransactionFailed, c.opts.Op, "%s", st.String()),
		})
		return true
	default:
		c.log.WithField("status", st.String()).Debug("status update")
		return false
	}
}

func (c *Call) finalized(st chain.Status) Outcome {
	out := Outcome{
		State:       StateFinalized,
		Success:     st.Success,
		BlockNumber: st.BlockNumber,
		Description: st.Description,
	}
	if !st.Success {
		reason := st.Description
		if reason == "" {
			reason = "execution reverted"
		}
		out.Err = escrow.Errorf(escrow.KindTransactionFailed, c.opts.Op, "%s", reason)
		return out
	}

	switch {
	case c.opts.EscrowID != "":
		out.EscrowID, out.IDSource = c.opts.EscrowID, IDFromCall
	case c.opts.Decoder != nil:
		if id, ok := c.opts.Decoder(st.Events); ok {
			out.EscrowID, out.IDSource = id, IDFromEvent
		} else {
			out.EscrowID = fmt.Sprintf("escrow-%d", c.t.now().UnixMilli())
			out.IDSource = IDFromFallback
			c.log.WithField("fallback_id", out.EscrowID).Warn("no creation event in finalized call, using fallback id")
		}
	}
	return out
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		c.state = s
	}
}

// resolve records the first terminal outcome and releases the subscription.
// Later calls are no-ops.
func (c *Call) resolve(out Outcome) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	out.TxHash = c.sub.Hash
	c.state = out.State
	c.outcome = out
	c.mu.Unlock()

	c.sub.Unsubscribe()
	close(c.done)

	c.t.metrics.AddPending(-1)
	c.t.metrics.ObserveFinality(out.State.String(), c.t.now().Sub(c.started))

	entry := c.log.WithFields(logrus.Fields{"state": out.State.String(), "success": out.Success})
	if out.EscrowID != "" {
		entry = entry.WithFields(logrus.Fields{"escrow_id": out.EscrowID, "id_source": string(out.IDSource)})
	}
	if out.Err != nil {
		entry.WithError(out.Err).Warn("call resolved")
		return
	}
	entry.Info("call resolved")
}
