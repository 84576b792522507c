// Package gateway is the typed facade over the escrow contract. Reads are
// simulated queries; writes are a non-blocking dry run followed by exactly one
// signed dispatch.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"escrowhub/internal/chain"
	"escrowhub/internal/contracts"
	"escrowhub/internal/escrow"
	"escrowhub/internal/metrics"
	"escrowhub/internal/signer"
	"escrowhub/internal/units"
)

// GasLimits are the fixed per-operation limits attached to every call, in
// EVM gas units. They are never derived from a dry run.
type GasLimits struct {
	Create         uint64 `yaml:"create"`
	Complete       uint64 `yaml:"complete"`
	Cancel         uint64 `yaml:"cancel"`
	GetEscrow      uint64 `yaml:"getEscrow"`
	GetUserEscrows uint64 `yaml:"getUserEscrows"`
}

// DefaultGasLimits keeps the create/complete/cancel/read proportions of the
// contract's weight table, sized for an EVM block.
func DefaultGasLimits() GasLimits {
	return GasLimits{
		Create:         800_000,
		Complete:       200_000,
		Cancel:         200_000,
		GetEscrow:      1_000_000,
		GetUserEscrows: 1_000_000,
	}
}

// Or fills zero limits in g from fallback.
func (g GasLimits) Or(fallback GasLimits) GasLimits {
	if g.Create == 0 {
		g.Create = fallback.Create
	}
	if g.Complete == 0 {
		g.Complete = fallback.Complete
	}
	if g.Cancel == 0 {
		g.Cancel = fallback.Cancel
	}
	if g.GetEscrow == 0 {
		g.GetEscrow = fallback.GetEscrow
	}
	if g.GetUserEscrows == 0 {
		g.GetUserEscrows = fallback.GetUserEscrows
	}
	return g
}

func (g GasLimits) withDefaults() GasLimits { return g.Or(DefaultGasLimits()) }

// Validate checks that every limit is set and fits in one block.
func (g GasLimits) Validate(blockGasLimit uint64) error {
	limits := []struct {
		name  string
		value uint64
	}{
		{"create", g.Create},
		{"complete", g.Complete},
		{"cancel", g.Cancel},
		{"getEscrow", g.GetEscrow},
		{"getUserEscrows", g.GetUserEscrows},
	}
	for _, l := range limits {
		if l.value == 0 {
			return fmt.Errorf("gas limit %s is zero", l.name)
		}
		if l.value > blockGasLimit {
			return fmt.Errorf("gas limit %s (%d) exceeds block gas limit %d", l.name, l.value, blockGasLimit)
		}
	}
	return nil
}

type Gateway struct {
	client  chain.Client
	units   units.Converter
	gas     GasLimits
	log     logrus.FieldLogger
	metrics *metrics.Registry
}

type Option func(*Gateway)

func WithGasLimits(l GasLimits) Option {
	return func(g *Gateway) { g.gas = l.withDefaults() }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Gateway) { g.log = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a gateway. A nil client is allowed; every operation then fails
// with KindUnavailable.
func New(client chain.Client, conv units.Converter, opts ...Option) *Gateway {
	g := &Gateway{
		client: client,
		units:  conv,
		gas:    DefaultGasLimits(),
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.WithField("component", "gateway")
	return g
}

func (g *Gateway) Units() units.Converter { return g.units }
func (g *Gateway) GasLimits() GasLimits   { return g.gas }

// Query simulates a read-only call and decodes its output into T. An empty
// successful result yields the zero T; a simulation error is KindQueryFailed.
func Query[T any](ctx context.Context, g *Gateway, method string, caller common.Address, gasLimit uint64, args ...any) (T, error) {
	var zero T
	if g == nil || g.client == nil {
		return zero, escrow.Errorf(escrow.KindUnavailable, method, "chain client not connected")
	}
	res, err := g.client.Query(ctx, chain.Call{
		Method:  method,
		Caller:  caller,
		Options: chain.CallOptions{GasLimit: gasLimit},
		Args:    args,
	})
	if err != nil {
		g.metrics.IncQuery(method, "error")
		return zero, escrow.E(escrow.KindQueryFailed, method, err)
	}
	if !res.OK() {
		g.metrics.IncQuery(method, "failed")
		return zero, escrow.E(escrow.KindQueryFailed, method, errors.New(res.Err))
	}
	var out T
	if err := res.Decode(&out); err != nil {
		g.metrics.IncQuery(method, "error")
		return zero, escrow.E(escrow.KindQueryFailed, method, err)
	}
	g.metrics.IncQuery(method, "ok")
	return out, nil
}

// SimulateThenSubmit dry-runs the call as the handle's account, then
// dispatches it exactly once. A failed dry run is logged and never prevents
// the dispatch.
func (g *Gateway) SimulateThenSubmit(ctx context.Context, method string, handle *signer.Handle, gasLimit uint64, value *big.Int, args ...any) (*chain.Submission, error) {
	if g.client == nil {
		return nil, escrow.Errorf(escrow.KindUnavailable, method, "chain client not connected")
	}
	if handle == nil {
		return nil, escrow.Errorf(escrow.KindSignerUnavailable, method, "no signer handle")
	}

	call := chain.Call{
		Method:  method,
		Caller:  handle.Address(),
		Options: chain.CallOptions{GasLimit: gasLimit, Value: value},
		Args:    args,
	}
	log := g.log.WithFields(logrus.Fields{"method": method, "caller": call.Caller.Hex()})

	dry, err := g.client.Query(ctx, call)
	switch {
	case err != nil:
		g.metrics.IncDryRunFailure(method)
		log.WithError(err).Warn("dry run failed, submitting anyway")
	case !dry.OK():
		g.metrics.IncDryRunFailure(method)
		log.WithField("reason", dry.Err).Warn("dry run reported an error, submitting anyway")
	case dry.GasRequired > gasLimit:
		log.WithFields(logrus.Fields{"required": dry.GasRequired, "limit": gasLimit}).
			Warn("dry run needs more gas than the fixed limit")
	}

	s, err := handle.Take()
	if err != nil {
		return nil, escrow.E(escrow.KindSignerUnavailable, method, err)
	}
	sub, err := g.client.Submit(ctx, call, s)
	if err != nil {
		g.metrics.IncCall(method, "dispatch_failed")
		return nil, escrow.E(escrow.KindSubmissionFailed, method, err)
	}
	g.metrics.IncCall(method, "dispatched")
	log.WithFields(logrus.Fields{"tx": sub.Hash.Hex(), "subscription": sub.SubscriptionID}).Info("call dispatched")
	return sub, nil
}

// EncodeCreate validates a creation request and returns the value to attach
// and the encoded metadata. Milestone amounts are converted to chain units and
// may not exceed amount in total.
func (g *Gateway) EncodeCreate(amount string, meta escrow.Metadata) (*big.Int, string, error) {
	const op = contracts.MethodCreateEscrow
	value, err := g.units.ToChainUnits(amount)
	if err != nil {
		return nil, "", escrow.E(escrow.KindInvalidAmount, op, err)
	}

	sum := new(big.Int)
	milestones := make([]escrow.MilestoneSpec, len(meta.Milestones))
	for i, ms := range meta.Milestones {
		v, err := g.units.ToChainUnits(ms.Amount)
		if err != nil {
			return nil, "", escrow.E(escrow.KindInvalidAmount, op, fmt.Errorf("milestone %d: %w", i+1, err))
		}
		sum.Add(sum, v)
		ms.Amount = v.String()
		milestones[i] = ms
	}
	if sum.Cmp(value) > 0 {
		return nil, "", escrow.Errorf(escrow.KindInvalidAmount, op,
			"milestones total %s exceeds escrow amount %s", g.units.FromChainUnits(sum), g.units.FromChainUnits(value))
	}
	meta.Milestones = milestones

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, "", escrow.E(escrow.KindUnknown, op, err)
	}
	return value, string(encoded), nil
}

// CreateEscrow funds a new escrow with amount (human units) for counterparty.
func (g *Gateway) CreateEscrow(ctx context.Context, handle *signer.Handle, counterparty common.Address, amount string, meta escrow.Metadata) (*chain.Submission, error) {
	value, encoded, err := g.EncodeCreate(amount, meta)
	if err != nil {
		return nil, err
	}
	return g.SimulateThenSubmit(ctx, contracts.MethodCreateEscrow, handle, g.gas.Create, value, counterparty, encoded)
}

func (g *Gateway) CompleteEscrow(ctx context.Context, handle *signer.Handle, id string) (*chain.Submission, error) {
	n, err := ParseEscrowID(contracts.MethodCompleteEscrow, id)
	if err != nil {
		return nil, err
	}
	return g.SimulateThenSubmit(ctx, contracts.MethodCompleteEscrow, handle, g.gas.Complete, nil, n)
}

func (g *Gateway) CancelEscrow(ctx context.Context, handle *signer.Handle, id string) (*chain.Submission, error) {
	n, err := ParseEscrowID(contracts.MethodCancelEscrow, id)
	if err != nil {
		return nil, err
	}
	return g.SimulateThenSubmit(ctx, contracts.MethodCancelEscrow, handle, g.gas.Cancel, nil, n)
}

// DisputeEscrow is not offered by the contract.
func (g *Gateway) DisputeEscrow(context.Context, *signer.Handle, string) (*chain.Submission, error) {
	return nil, escrow.E(escrow.KindNotSupported, "disputeEscrow", escrow.ErrNotSupported)
}

func (g *Gateway) ReleaseMilestone(context.Context, *signer.Handle, string, string) (*chain.Submission, error) {
	return nil, escrow.E(escrow.KindNotSupported, "releaseMilestone", escrow.ErrNotSupported)
}

func (g *Gateway) DisputeMilestone(context.Context, *signer.Handle, string, string) (*chain.Submission, error) {
	return nil, escrow.E(escrow.KindNotSupported, "disputeMilestone", escrow.ErrNotSupported)
}

// GetEscrow returns the raw contract record, or nil when the id is unknown.
func (g *Gateway) GetEscrow(ctx context.Context, caller common.Address, id string) (*escrow.RawEscrow, error) {
	n, err := ParseEscrowID(contracts.MethodGetEscrow, id)
	if err != nil {
		return nil, err
	}
	raw, err := Query[json.RawMessage](ctx, g, contracts.MethodGetEscrow, caller, g.gas.GetEscrow, n)
	if err != nil {
		return nil, err
	}
	rec, err := escrow.DecodeRawEscrow(raw)
	if err != nil {
		return nil, escrow.E(escrow.KindQueryFailed, contracts.MethodGetEscrow, err)
	}
	return rec, nil
}

// GetUserEscrows lists the ids of escrows user is party to, in contract order.
func (g *Gateway) GetUserEscrows(ctx context.Context, caller, user common.Address) ([]string, error) {
	nums, err := Query[[]*big.Int](ctx, g, contracts.MethodGetUserEscrows, caller, g.gas.GetUserEscrows, user)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nums))
	for _, n := range nums {
		if n != nil {
			ids = append(ids, n.String())
		}
	}
	return ids, nil
}

// ParseEscrowID parses a base-10 contract escrow id.
func ParseEscrowID(op, id string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(id), 10)
	if !ok || n.Sign() < 0 {
		return nil, escrow.Errorf(escrow.KindInvalidInput, op, "invalid escrow id %q", id)
	}
	return n, nil
}

// EscrowIDFromEvents returns the id carried by the first EscrowCreated event.
func EscrowIDFromEvents(events []chain.Event) (string, bool) {
	for _, ev := range events {
		if ev.Name != contracts.EventEscrowCreated {
			continue
		}
		switch v := ev.Fields["id"].(type) {
		case *big.Int:
			if v != nil {
				return v.String(), true
			}
		case uint64:
			return fmt.Sprintf("%d", v), true
		case json.Number:
			return v.String(), true
		case float64:
			return fmt.Sprintf("%.0f", v), true
		case string:
			if v != "" {
				return v, true
			}
		}
	}
	return "", false
}
