// Package reqauth authenticates API callers by an Ethereum personal-sign
// signature over the request method, target, timestamp and body.
package reqauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderCaller    = "X-Caller-Address"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingCaller    = errors.New("missing caller address")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// DefaultMaxBody caps the body buffered for signature checks.
const DefaultMaxBody int64 = 1 << 20

type callerKey struct{}

// Verifier checks that the declared caller signed the request.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	// MaxBody limits the request body; zero means DefaultMaxBody.
	MaxBody int64
	// Insecure trusts the caller header without a signature. Dev only.
	Insecure bool
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(w, r)
		if errors.Is(err, ErrBodyTooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(w http.ResponseWriter, r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if !common.IsHexAddress(raw) {
		return common.Address{}, ErrMissingCaller
	}
	caller := common.HexToAddress(raw)
	if v.Insecure {
		return caller, nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	limit := v.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	body, err := readBody(w, r, limit)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := recoverSigner(message(r, tsHeader, body), sig)
	if err != nil || signer != caller {
		return common.Address{}, ErrInvalidSignature
	}
	return caller, nil
}

// Sign sets the caller, timestamp and signature headers on r for body. The
// signature binds r's method and request target, so r must be final.
func Sign(r *http.Request, key *ecdsa.PrivateKey, body []byte, at time.Time) error {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig, err := crypto.Sign(accounts.TextHash(message(r, ts, body)), key)
	if err != nil {
		return err
	}
	sig[crypto.RecoveryIDOffset] += 27
	r.Header.Set(HeaderCaller, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

func recoverSigner(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// message is METHOD \n request-target \n timestamp \n body.
func message(r *http.Request, timestamp string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL.RequestURI())
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.Write(body)
	return b.Bytes()
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller stored by the middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}
