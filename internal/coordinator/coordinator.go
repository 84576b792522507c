// Package coordinator composes signer resolution, the contract gateway, the
// lifecycle tracker and the notification emitter into the escrow operations
// exposed to the API and the CLI.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escrowhub/internal/chain"
	"escrowhub/internal/escrow"
	"escrowhub/internal/gateway"
	"escrowhub/internal/notify"
	"escrowhub/internal/signer"
	"escrowhub/internal/tracker"
)

const defaultListConcurrency = 8

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Gateway  *gateway.Gateway
	Resolver *signer.Resolver
	Tracker  *tracker.Tracker
	// Emitter may be nil, in which case intents are discarded.
	Emitter *notify.Emitter
	Logger  logrus.FieldLogger
	// ListConcurrency bounds the getEscrow fan-out of ListEscrows.
	ListConcurrency int
	Now             func() time.Time
}

type Coordinator struct {
	gateway  *gateway.Gateway
	resolver *signer.Resolver
	tracker  *tracker.Tracker
	emitter  *notify.Emitter
	mapper   escrow.Mapper
	log      logrus.FieldLogger
	limit    int
}

func New(d Deps) (*Coordinator, error) {
	if d.Gateway == nil {
		return nil, errors.New("coordinator: gateway is required")
	}
	if d.Resolver == nil {
		return nil, errors.New("coordinator: signer resolver is required")
	}
	if d.Tracker == nil {
		return nil, errors.New("coordinator: tracker is required")
	}
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	emitter := d.Emitter
	if emitter == nil {
		emitter = notify.NewEmitter(nil, notify.WithLogger(log))
	}
	limit := d.ListConcurrency
	if limit <= 0 {
		limit = defaultListConcurrency
	}
	mapper := escrow.NewMapper(d.Gateway.Units())
	if d.Now != nil {
		mapper.Now = d.Now
	}
	return &Coordinator{
		gateway:  d.Gateway,
		resolver: d.Resolver,
		tracker:  d.Tracker,
		emitter:  emitter,
		mapper:   mapper,
		log:      log.WithField("component", "coordinator"),
		limit:    limit,
	}, nil
}

// CreateRequest describes a new escrow in human units.
type CreateRequest struct {
	Counterparty     string                 `json:"counterpartyAddress"`
	CounterpartyType string                 `json:"counterpartyType"`
	Title            string                 `json:"title"`
	Description      string                 `json:"description"`
	Amount           string                 `json:"amount"`
	Milestones       []escrow.MilestoneSpec `json:"milestones,omitempty"`
}

// Action is a status transition requested through UpdateEscrowStatus.
type Action string

const (
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionDispute  Action = "dispute"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionComplete, ActionCancel, ActionDispute:
		return a, nil
	default:
		return "", escrow.Errorf(escrow.KindInvalidInput, "updateEscrowStatus", "unknown action %q", s)
	}
}

// CreateEscrow validates the request, resolves the caller's signer and
// dispatches createEscrow. Amounts are checked before any wallet interaction.
func (c *Coordinator) CreateEscrow(ctx context.Context, caller common.Address, req CreateRequest) (*Pending, error) {
	const op = "createEscrow"
	counterparty, err := signer.ParseAddress(req.Counterparty)
	if err != nil {
		return nil, escrow.E(escrow.KindInvalidInput, op, err)
	}

	meta := escrow.Metadata{
		Title:            strings.TrimSpace(req.Title),
		Description:      strings.TrimSpace(req.Description),
		CounterpartyType: strings.TrimSpace(req.CounterpartyType),
		Milestones:       req.Milestones,
	}
	if strings.EqualFold(meta.CounterpartyType, "worker") {
		meta.Worker, meta.Client = counterparty.Hex(), caller.Hex()
	} else {
		meta.Worker, meta.Client = caller.Hex(), counterparty.Hex()
	}
	if _, _, err := c.gateway.EncodeCreate(req.Amount, meta); err != nil {
		return nil, err
	}

	handle, err := c.resolve(ctx, op, caller)
	if err != nil {
		return nil, err
	}
	sub, err := c.gateway.CreateEscrow(ctx, handle, counterparty, req.Amount, meta)
	if err != nil {
		return nil, err
	}
	call := c.tracker.Track(sub, tracker.Options{Op: op, Decoder: gateway.EscrowIDFromEvents})
	return c.newPending(call, op, caller, []common.Address{counterparty}), nil
}

// UpdateEscrowStatus dispatches the contract call for action on escrow id.
func (c *Coordinator) UpdateEscrowStatus(ctx context.Context, caller common.Address, id string, action Action) (*Pending, error) {
	var op string
	switch action {
	case ActionComplete:
		op = "completeEscrow"
	case ActionCancel:
		op = "cancelEscrow"
	case ActionDispute:
		return nil, escrow.E(escrow.KindNotSupported, "disputeEscrow", escrow.ErrNotSupported)
	default:
		return nil, escrow.Errorf(escrow.KindInvalidInput, "updateEscrowStatus", "unknown action %q", action)
	}
	if _, err := gateway.ParseEscrowID(op, id); err != nil {
		return nil, err
	}

	recipients := c.otherParties(ctx, caller, id)

	handle, err := c.resolve(ctx, op, caller)
	if err != nil {
		return nil, err
	}
	sub, err := c.dispatchStatus(ctx, action, handle, id)
	if err != nil {
		return nil, err
	}
	call := c.tracker.Track(sub, tracker.Options{Op: op, EscrowID: id})
	return c.newPending(call, op, caller, recipients), nil
}

func (c *Coordinator) dispatchStatus(ctx context.Context, action Action, h *signer.Handle, id string) (*chain.Submission, error) {
	if action == ActionComplete {
		return c.gateway.CompleteEscrow(ctx, h, id)
	}
	return c.gateway.CancelEscrow(ctx, h, id)
}

// ReleaseMilestone is not offered by the contract.
func (c *Coordinator) ReleaseMilestone(ctx context.Context, caller common.Address, id, milestoneID string) (*Pending, error) {
	_, err := c.gateway.ReleaseMilestone(ctx, nil, id, milestoneID)
	return nil, err
}

// DisputeMilestone is not offered by the contract.
func (c *Coordinator) DisputeMilestone(ctx context.Context, caller common.Address, id, milestoneID string) (*Pending, error) {
	_, err := c.gateway.DisputeMilestone(ctx, nil, id, milestoneID)
	return nil, err
}

// GetEscrow returns the mapped escrow, or nil when the contract has none.
func (c *Coordinator) GetEscrow(ctx context.Context, caller common.Address, id string) (*escrow.Escrow, error) {
	raw, err := c.gateway.GetEscrow(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	e := c.mapper.Map(raw, id)
	if e.Degraded() {
		c.log.WithFields(logrus.Fields{"escrow_id": id, "fields": e.DegradedFields}).Warn("escrow mapped with defaults")
	}
	return &e, nil
}

// ListEscrows fetches every escrow the caller is party to. Entries that fail
// to load are dropped; the rest keep the contract's id order.
func (c *Coordinator) ListEscrows(ctx context.Context, caller common.Address) ([]escrow.Escrow, error) {
	ids, err := c.gateway.GetUserEscrows(ctx, caller, caller)
	if err != nil {
		return nil, err
	}

	results := make([]*escrow.Escrow, len(ids))
	var g errgroup.Group
	g.SetLimit(c.limit)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			e, err := c.GetEscrow(ctx, caller, id)
			if err != nil {
				c.log.WithError(err).WithField("escrow_id", id).Warn("dropping escrow from list")
				return nil
			}
			results[i] = e
			return nil
		})
	}
	_ = g.Wait()

	out := make([]escrow.Escrow, 0, len(ids))
	for _, e := range results {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (c *Coordinator) resolve(ctx context.Context, op string, caller common.Address) (*signer.Handle, error) {
	h, err := c.resolver.Resolve(ctx, caller)
	if err != nil {
		return nil, escrow.E(escrow.KindSignerUnavailable, op, err)
	}
	return h, nil
}

// otherParties looks up the escrow's parties other than caller. Lookup
// failures only cost the notification recipients.
func (c *Coordinator) otherParties(ctx context.Context, caller common.Address, id string) []common.Address {
	raw, err := c.gateway.GetEscrow(ctx, caller, id)
	if err != nil || raw == nil {
		if err != nil {
			c.log.WithError(err).WithField("escrow_id", id).Debug("party lookup failed")
		}
		return nil
	}
	e := c.mapper.Map(raw, id)
	var out []common.Address
	for _, p := range []string{e.Creator, e.CounterpartyAddress} {
		if !common.IsHexAddress(p) {
			continue
		}
		if addr := common.HexToAddress(p); addr != caller {
			out = append(out, addr)
		}
	}
	return out
}
