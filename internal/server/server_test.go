package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	chimw "github.com/go-chi/chi/v5/middleware"

	"escrowhub/internal/chain"
	"escrowhub/internal/config"
	"escrowhub/internal/coordinator"
	"escrowhub/internal/escrow"
	"escrowhub/internal/gateway"
	"escrowhub/internal/idempotency"
	"escrowhub/internal/logging"
	"escrowhub/internal/metrics"
	"escrowhub/internal/notify"
	"escrowhub/internal/reqauth"
	"escrowhub/internal/signer"
	"escrowhub/internal/tracker"
	"escrowhub/internal/units"
)

type account struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newAccount(t *testing.T) account {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return account{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

type harness struct {
	fake  *chain.FakeClient
	sink  *notify.MemorySink
	srv   *Server
	alice account
	bob   account
	eve   account
}

func newHarness(t *testing.T, wait time.Duration, fakeOpts ...chain.FakeOption) *harness {
	t.Helper()
	log := logging.Quiet()
	cfg := config.Default()
	cfg.Chain.Fake = true
	cfg.Service.FinalityWait = wait
	cfg.Service.IdempotencyWindow = time.Minute
	cfg.Auth.ClockSkew = time.Minute

	h := &harness{
		fake:  chain.NewFakeClient(fakeOpts...),
		sink:  notify.NewMemorySink(),
		alice: newAccount(t),
		bob:   newAccount(t),
		eve:   newAccount(t),
	}
	resolver := signer.NewResolver(nil, log)
	for _, a := range []account{h.alice, h.bob, h.eve} {
		resolver.Register(a.addr, signer.OriginTest)
	}
	reg := metrics.New()
	emitter := notify.NewEmitter(h.sink, notify.WithLogger(log))
	t.Cleanup(func() { _ = emitter.Close(context.Background()) })

	coord, err := coordinator.New(coordinator.Deps{
		Gateway:  gateway.New(h.fake, units.MustNew(12), gateway.WithLogger(log), gateway.WithMetrics(reg)),
		Resolver: resolver,
		Tracker:  tracker.New(tracker.WithLogger(log), tracker.WithMetrics(reg)),
		Emitter:  emitter,
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	h.srv = NewServer(cfg, Deps{
		Coordinator:   coord,
		Store:         idempotency.NewMemoryStore(),
		Notifications: h.sink,
		Emitter:       emitter,
		Metrics:       reg,
		Logger:        log,
		RPCHealth:     h.fake.Ping,
	})
	return h
}

func (h *harness) do(t *testing.T, from account, method, path string, body any, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if err := reqauth.Sign(req, from.key, payload, time.Now()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) createBody(amount string) coordinator.CreateRequest {
	return coordinator.CreateRequest{
		Counterparty:     h.bob.addr.Hex(),
		CounterpartyType: "worker",
		Title:            "Logo",
		Amount:           amount,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateEscrowIdempotency(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	rec := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("10.5"), "key-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[coordinator.Result](t, rec)
	if res.EscrowID != "1" || res.IDSource != tracker.IDFromEvent {
		t.Fatalf("unexpected result: %+v", res)
	}
	firstPayload := rec.Body.Bytes()

	rec2 := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("10.5"), "key-1")
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if !bytes.Equal(bytes.TrimSpace(firstPayload), bytes.TrimSpace(rec2.Body.Bytes())) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if rec2.Header().Get(headerReplayed) != "true" {
		t.Fatalf("expected replay header")
	}
	if got := h.fake.Dispatches(); got != 1 {
		t.Fatalf("expected one dispatch, got %d", got)
	}

	rec3 := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("11"), "key-1")
	if rec3.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d", rec3.Code)
	}

	// Keys are scoped to the caller.
	rec4 := h.do(t, h.eve, http.MethodPost, "/api/v1/escrows", h.createBody("10.5"), "key-1")
	if rec4.Code != http.StatusCreated {
		t.Fatalf("expected 201 for another caller, got %d", rec4.Code)
	}
}

func TestCreateEscrowValidation(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	rec := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("10"), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}

	rec = h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("-1"), "key-bad")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad amount, got %d", rec.Code)
	}
	if body := decode[errorResponse](t, rec); body.Kind != escrow.KindInvalidAmount.String() {
		t.Fatalf("unexpected kind %q", body.Kind)
	}

	// The failed attempt released its key.
	rec = h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("1"), "key-bad")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 after fixing the request, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequestsRequireSignature(t *testing.T) {
	h := newHarness(t, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	req.Header.Set(reqauth.HeaderCaller, h.alice.addr.Hex())
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSignedReadCannotAuthorizeWrite(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	if rec := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("1"), "k1"); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	read := httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	if err := reqauth.Sign(read, h.alice.key, nil, time.Now()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	cancel := httptest.NewRequest(http.MethodPost, "/api/v1/escrows/1/cancel", nil)
	for _, k := range []string{reqauth.HeaderCaller, reqauth.HeaderSignature, reqauth.HeaderTimestamp} {
		cancel.Header.Set(k, read.Header.Get(k))
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, cancel)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for reused read signature, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, h.alice, http.MethodGet, "/api/v1/escrows/1", nil, "")
	var got escrow.Escrow
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != escrow.StatusActive {
		t.Fatalf("escrow status changed to %s", got.Status)
	}
}

func TestGetAndListEscrows(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("2.5"), "k1")

	rec := h.do(t, h.bob, http.MethodGet, "/api/v1/escrows/1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	e := decode[escrow.Escrow](t, rec)
	if e.TotalAmount != "2.5" || e.Status != escrow.StatusActive {
		t.Fatalf("unexpected escrow: %+v", e)
	}

	if rec := h.do(t, h.bob, http.MethodGet, "/api/v1/escrows/42", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if rec := h.do(t, h.bob, http.MethodGet, "/api/v1/escrows/x", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	rec = h.do(t, h.bob, http.MethodGet, "/api/v1/escrows", nil, "")
	list := decode[struct {
		Escrows []escrow.Escrow `json:"escrows"`
	}](t, rec)
	if len(list.Escrows) != 1 || list.Escrows[0].ID != "1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestUpdateEscrowStatus(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("1"), "k1")

	if rec := h.do(t, h.eve, http.MethodPost, "/api/v1/escrows/1/cancel", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for outsider, got %d", rec.Code)
	}
	if rec := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows/1/dispute", nil, ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for dispute, got %d", rec.Code)
	}
	if rec := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows/1/archive", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}
	if rec := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows/1/milestones/1/release", nil, ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for milestone release, got %d", rec.Code)
	}

	rec := h.do(t, h.bob, http.MethodPost, "/api/v1/escrows/1/complete", nil, "c1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, h.bob, http.MethodGet, "/api/v1/escrows/1", nil, "")
	if e := decode[escrow.Escrow](t, rec); e.Status != escrow.StatusCompleted {
		t.Fatalf("expected completed, got %s", e.Status)
	}
}

func TestSlowFinalityReturnsAccepted(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, chain.WithBlockInterval(200*time.Millisecond))

	rec := h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("1"), "slow")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	res := decode[coordinator.Result](t, rec)
	if res.TxHash == "" || res.EscrowID != "" {
		t.Fatalf("unexpected pending result: %+v", res)
	}
}

func TestNotifications(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	h.do(t, h.alice, http.MethodPost, "/api/v1/escrows", h.createBody("1"), "k1")

	var list []notify.Intent
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec := h.do(t, h.bob, http.MethodGet, "/api/v1/notifications?limit=10", nil, "")
		list = decode[struct {
			Notifications []notify.Intent `json:"notifications"`
		}](t, rec).Notifications
		if len(list) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(list) != 1 || list[0].Kind != notify.KindEscrowCreated {
		t.Fatalf("unexpected notifications: %+v", list)
	}

	if rec := h.do(t, h.bob, http.MethodPost, "/api/v1/notifications/"+list[0].ID+"/read", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if rec := h.do(t, h.bob, http.MethodPost, "/api/v1/notifications/nope/read", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if rec := h.do(t, h.bob, http.MethodGet, "/api/v1/notifications?limit=0", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, time.Second)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if rec.Header().Get(chimw.RequestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(chimw.RequestIDHeader, "trace-42")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(chimw.RequestIDHeader); got != "trace-42" {
		t.Fatalf("expected inbound request id to be echoed, got %q", got)
	}

	h.fake.SetOffline(true)
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when chain is offline, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("escrowhub_http_requests_total")) {
		t.Fatalf("metrics endpoint missing http counter")
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[escrow.Kind]int{
		escrow.KindInvalidAmount:     http.StatusBadRequest,
		escrow.KindInvalidInput:      http.StatusBadRequest,
		escrow.KindNotSupported:      http.StatusNotImplemented,
		escrow.KindUnavailable:       http.StatusServiceUnavailable,
		escrow.KindSignerUnavailable: http.StatusServiceUnavailable,
		escrow.KindQueryFailed:       http.StatusBadGateway,
		escrow.KindSubmissionFailed:  http.StatusBadGateway,
		escrow.KindTransactionFailed: http.StatusConflict,
		escrow.KindReleased:          http.StatusAccepted,
		escrow.KindUnknown:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(escrow.Errorf(kind, "op", "boom")); got != want {
			t.Fatalf("%s: expected %d got %d", kind, want, got)
		}
	}
}
