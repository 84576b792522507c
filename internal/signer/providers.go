package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// MockSigner attaches a fixed, address-derived signature. It never touches a
// key and is only accepted by the in-memory chain.
type MockSigner struct {
	address common.Address
	sig     []byte
}

func NewMockSigner(address common.Address) *MockSigner {
	r := crypto.Keccak256(address.Bytes())
	s := crypto.Keccak256(r)
	sig := make([]byte, 0, crypto.SignatureLength)
	sig = append(sig, r...)
	sig = append(sig, s...)
	sig = append(sig, 0)
	return &MockSigner{address: address, sig: sig}
}

func (m *MockSigner) Address() common.Address { return m.address }

func (m *MockSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx.WithSignature(types.LatestSignerForChainID(chainID), m.sig)
}

// IsMock reports whether s is a mock signer.
func IsMock(s Signer) bool {
	_, ok := s.(*MockSigner)
	return ok
}

type keySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (k *keySigner) Address() common.Address { return k.address }

func (k *keySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), k.key)
}

// KeyProvider serves signers backed by raw private keys loaded from config.
type KeyProvider struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewKeyProvider(hexKeys ...string) (*KeyProvider, error) {
	p := &KeyProvider{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for _, h := range hexKeys {
		if strings.TrimSpace(h) == "" {
			continue
		}
		if _, err := p.Add(h); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers a key and returns its address.
func (p *KeyProvider) Add(hexKey string) (common.Address, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	p.mu.Lock()
	p.keys[addr] = key
	p.mu.Unlock()
	return addr, nil
}

// Addresses lists the accounts this provider can sign for.
func (p *KeyProvider) Addresses() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.Address, 0, len(p.keys))
	for addr := range p.keys {
		out = append(out, addr)
	}
	return out
}

func (p *KeyProvider) Resolve(_ context.Context, address common.Address) (Signer, error) {
	p.mu.RLock()
	key, ok := p.keys[address]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no key for %s", ErrUnavailable, address.Hex())
	}
	return &keySigner{key: key, address: address}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// KeystoreProvider serves signers backed by an encrypted keystore directory.
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	passphrase func(common.Address) string
}

// NewKeystoreProvider opens dir. passphrase returns the unlock phrase for an
// account; it is consulted on every signature and never cached here.
func NewKeystoreProvider(dir string, passphrase func(common.Address) string) *KeystoreProvider {
	return &KeystoreProvider{
		ks:         keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP),
		passphrase: passphrase,
	}
}

func (p *KeystoreProvider) Resolve(_ context.Context, address common.Address) (Signer, error) {
	acct := accounts.Account{Address: address}
	if !p.ks.HasAddress(address) {
		return nil, fmt.Errorf("%w: %s not in keystore", ErrUnavailable, address.Hex())
	}
	found, err := p.ks.Find(acct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &keystoreSigner{ks: p.ks, account: found, passphrase: p.passphrase}, nil
}

type keystoreSigner struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase func(common.Address) string
}

func (k *keystoreSigner) Address() common.Address { return k.account.Address }

func (k *keystoreSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	pass := ""
	if k.passphrase != nil {
		pass = k.passphrase(k.account.Address)
	}
	return k.ks.SignTxWithPassphrase(k.account, pass, tx, chainID)
}

// Providers tries each provider in order and returns the first signer found.
type Providers []WalletProvider

func (ps Providers) Resolve(ctx context.Context, address common.Address) (Signer, error) {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		s, err := p.Resolve(ctx, address)
		if err == nil && s != nil {
			return s, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no wallet provider for %s", ErrUnavailable, address.Hex())
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}
