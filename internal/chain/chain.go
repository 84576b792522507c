// Package chain defines the chain RPC collaborator used by the gateway and
// provides a go-ethereum backed client and an in-memory contract emulator.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"escrowhub/internal/signer"
)

// Client is the subset of chain RPC the gateway depends on.
type Client interface {
	// Query simulates call against current state. A simulation that runs
	// but reports an error is returned as a QueryResult with Err set; the
	// error return is reserved for transport failures.
	Query(ctx context.Context, call Call) (*QueryResult, error)
	// Submit signs and dispatches call and attaches a status stream.
	Submit(ctx context.Context, call Call, s signer.Signer) (*Submission, error)
}

// HealthChecker is implemented by clients that can probe their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// DefaultBlockGasLimit is assumed for networks that do not configure one.
const DefaultBlockGasLimit uint64 = 30_000_000

type CallOptions struct {
	GasLimit uint64
	Value    *big.Int
}

type Call struct {
	Method  string
	Caller  common.Address
	Options CallOptions
	Args    []any
}

type QueryResult struct {
	// Output is the JSON encoding of the return value; "null" when none.
	Output json.RawMessage
	// Err is set when the simulation itself failed (revert, trap).
	Err string
	// GasRequired is the node's estimate, 0 when unknown.
	GasRequired uint64
}

func (r *QueryResult) OK() bool { return r != nil && r.Err == "" }

// Empty reports whether the call returned no value.
func (r *QueryResult) Empty() bool {
	out := bytes.TrimSpace(r.Output)
	return len(out) == 0 || bytes.Equal(out, []byte("null"))
}

// Decode unmarshals Output into v.
func (r *QueryResult) Decode(v any) error {
	if r.Empty() {
		return nil
	}
	if err := json.Unmarshal(r.Output, v); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	return nil
}

// Event is a decoded contract emission.
type Event struct {
	Name   string
	Fields map[string]any
}

type StatusKind uint8

const (
	StatusBroadcast StatusKind = iota + 1
	StatusInBlock
	StatusRetracted
	StatusFinalized
	StatusDropped
	StatusInvalid
)

func (k StatusKind) String() string {
	switch k {
	case StatusBroadcast:
		return "Broadcast"
	case StatusInBlock:
		return "InBlock"
	case StatusRetracted:
		return "Retracted"
	case StatusFinalized:
		return "Finalized"
	case StatusDropped:
		return "Dropped"
	case StatusInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("StatusKind(%d)", uint8(k))
	}
}

// Status is one event on a submission's status stream.
type Status struct {
	Kind        StatusKind
	BlockHash   common.Hash
	BlockNumber uint64
	// Success is the execution result; meaningful for InBlock and Finalized.
	Success     bool
	Events      []Event
	Description string
}

func (s Status) IsInBlock() bool   { return s.Kind == StatusInBlock }
func (s Status) IsFinalized() bool { return s.Kind == StatusFinalized }
func (s Status) IsDropped() bool   { return s.Kind == StatusDropped }
func (s Status) IsInvalid() bool   { return s.Kind == StatusInvalid }

// IsTerminal reports whether no further status can follow.
func (s Status) IsTerminal() bool { return s.IsFinalized() || s.IsDropped() || s.IsInvalid() }

func (s Status) String() string {
	if s.Description != "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Description)
	}
	return s.Kind.String()
}

var subscriptionSeq atomic.Uint64

// Submission is a dispatched call and its status subscription.
type Submission struct {
	Hash           common.Hash
	SubscriptionID uint64
	Status         <-chan Status

	once        sync.Once
	unsubscribe func()
}

// NewSubmission wraps a status stream. unsubscribe may be nil.
func NewSubmission(hash common.Hash, status <-chan Status, unsubscribe func()) *Submission {
	return &Submission{
		Hash:           hash,
		SubscriptionID: subscriptionSeq.Add(1),
		Status:         status,
		unsubscribe:    unsubscribe,
	}
}

// Unsubscribe releases the status stream. Safe to call more than once.
func (s *Submission) Unsubscribe() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
