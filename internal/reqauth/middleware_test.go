package reqauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func signedRequest(t *testing.T, body string, at time.Time) (*http.Request, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	if err := Sign(req, key, []byte(body), at); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return req, crypto.PubkeyToAddress(key.PublicKey)
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"amount":"10.5"}`
	now := time.Unix(1_700_000_000, 0)
	req, addr := signedRequest(t, body, now)

	v := &Verifier{
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}
	rec := httptest.NewRecorder()

	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		caller, ok := CallerFrom(r.Context())
		if !ok || caller != addr {
			t.Fatalf("expected caller %s, got %s", addr.Hex(), caller.Hex())
		}
		got, _ := io.ReadAll(r.Body)
		if string(got) != body {
			t.Fatalf("body not restored: %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsWrongCaller(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req, _ := signedRequest(t, `{}`, now)
	req.Header.Set(HeaderCaller, "0x00000000000000000000000000000000000000b2")

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req, _ := signedRequest(t, `{"amount":"1"}`, now)
	req.Body = io.NopCloser(strings.NewReader(`{"amount":"1000"}`))

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	signedAt := time.Unix(1_700_000_000, 0)
	req, _ := signedRequest(t, `{}`, signedAt)

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return signedAt.Add(2 * time.Minute) }}
	if _, err := v.verify(httptest.NewRecorder(), req); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestMiddleware_RejectsMissingHeaders(t *testing.T) {
	v := &Verifier{MaxSkew: time.Minute}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if _, err := v.verify(httptest.NewRecorder(), req); err != ErrMissingCaller {
		t.Fatalf("expected ErrMissingCaller, got %v", err)
	}

	req.Header.Set(HeaderCaller, "0x00000000000000000000000000000000000000a1")
	if _, err := v.verify(httptest.NewRecorder(), req); err != ErrMissingSignature {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	req.Header.Set(HeaderSignature, "0xdeadbeef")
	if _, err := v.verify(httptest.NewRecorder(), req); err != ErrMissingTimestamp {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
}

func TestMiddleware_InsecureTrustsCallerHeader(t *testing.T) {
	v := &Verifier{Insecure: true}
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(HeaderCaller, "0x00000000000000000000000000000000000000a1")

	caller, err := v.verify(httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller != common.HexToAddress("0xa1") {
		t.Fatalf("unexpected caller %s", caller.Hex())
	}
}

func TestMiddleware_SignatureBoundToMethodAndPath(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	read := httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	if err := Sign(read, key, nil, now); err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	if _, err := v.verify(httptest.NewRecorder(), read); err != nil {
		t.Fatalf("original request rejected: %v", err)
	}

	targets := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/v1/escrows/1/cancel"},
		{http.MethodPost, "/api/v1/escrows"},
		{http.MethodGet, "/api/v1/escrows/1"},
		{http.MethodGet, "/api/v1/escrows?limit=1"},
	}
	for _, tc := range targets {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		for _, h := range []string{HeaderCaller, HeaderSignature, HeaderTimestamp} {
			req.Header.Set(h, read.Header.Get(h))
		}
		rec := httptest.NewRecorder()
		v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("%s %s accepted a signature made for GET /api/v1/escrows", tc.method, tc.path)
		})).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

type countingReader struct {
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	c.n += int64(len(p))
	return len(p), nil
}

func TestMiddleware_RejectsOversizedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req, _ := signedRequest(t, `{}`, now)
	src := &countingReader{}
	req.Body = io.NopCloser(src)

	v := &Verifier{MaxSkew: time.Minute, MaxBody: 1024, Now: func() time.Time { return now }}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if src.n > 64*1024 {
		t.Fatalf("read %d bytes of an unbounded body", src.n)
	}
}
