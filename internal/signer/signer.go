// Package signer resolves an address to a single-use signing capability.
package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnavailable is returned when no signer can be obtained for an address.
	ErrUnavailable = errors.New("signer unavailable")
	// ErrHandleConsumed is returned when a handle is used for a second dispatch.
	ErrHandleConsumed = errors.New("signer handle already consumed")
)

// Origin identifies where an account came from.
type Origin string

const (
	OriginExtension Origin = "extension"
	OriginKeystore  Origin = "keystore"
	OriginKey       Origin = "key"
	OriginTest      Origin = "test"
)

// Signer signs transactions on behalf of one address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// WalletProvider is the external key-management collaborator.
type WalletProvider interface {
	Resolve(ctx context.Context, address common.Address) (Signer, error)
}

// Handle carries a signer for exactly one dispatch.
type Handle struct {
	origin  Origin
	address common.Address

	mu     sync.Mutex
	signer Signer
}

func newHandle(origin Origin, s Signer) *Handle {
	return &Handle{origin: origin, address: s.Address(), signer: s}
}

func (h *Handle) Origin() Origin          { return h.origin }
func (h *Handle) Address() common.Address { return h.address }

// Take hands out the signer and invalidates the handle.
func (h *Handle) Take() (Signer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.signer == nil {
		return nil, ErrHandleConsumed
	}
	s := h.signer
	h.signer = nil
	return s, nil
}

// Resolver maps addresses to signers, short-circuiting test identities.
type Resolver struct {
	provider WalletProvider
	log      logrus.FieldLogger

	mu      sync.RWMutex
	origins map[common.Address]Origin
}

func NewResolver(provider WalletProvider, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{
		provider: provider,
		log:      log.WithField("component", "signer"),
		origins:  make(map[common.Address]Origin),
	}
}

// Register records the origin of an account.
func (r *Resolver) Register(address common.Address, origin Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins[address] = origin
}

// OriginOf returns the registered origin, or OriginExtension for unknown accounts.
func (r *Resolver) OriginOf(address common.Address) Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.origins[address]; ok {
		return o
	}
	return OriginExtension
}

// Resolve returns a fresh handle for address. Test-origin accounts never reach
// the wallet provider.
func (r *Resolver) Resolve(ctx context.Context, address common.Address) (*Handle, error) {
	origin := r.OriginOf(address)
	if origin == OriginTest {
		r.log.WithField("address", address.Hex()).Debug("using mock signer for test account")
		return newHandle(OriginTest, NewMockSigner(address)), nil
	}
	if r.provider == nil {
		return nil, fmt.Errorf("%w: no wallet provider configured", ErrUnavailable)
	}

	s, err := r.provider.Resolve(ctx, address)
	if err != nil {
		r.log.WithError(err).WithField("address", address.Hex()).Warn("wallet provider failed")
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: provider returned no signer for %s", ErrUnavailable, address.Hex())
	}
	return newHandle(origin, s), nil
}

// ParseAddress validates a hex account address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
