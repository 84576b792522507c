package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		StatusCode: 201,
		Response:   []byte("ok"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStoreReserve(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	hold := Record{Fingerprint: "f1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	ok, err := store.Reserve(ctx, "k", hold)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.Reserve(ctx, "k", hold); ok {
		t.Fatalf("second reserve should fail while the first is live")
	}
	got, _ := store.Get(ctx, "k")
	if !got.Pending() {
		t.Fatalf("expected pending reservation, got %+v", got)
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := store.Reserve(ctx, "k", Record{ExpiresAt: now.Add(time.Minute)}); !ok {
		t.Fatalf("expired reservation should be taken over")
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec, _ := store.Get(ctx, "k"); rec != nil {
		t.Fatalf("expected nil after delete")
	}
}

func TestKeyIsScopedByCaller(t *testing.T) {
	a := common.HexToAddress("0xa1")
	b := common.HexToAddress("0xb2")
	if Key(a, "k1") == Key(b, "k1") {
		t.Fatalf("keys for different callers must differ")
	}
	if Key(a, " k1 ") != Key(a, "k1") {
		t.Fatalf("key should ignore surrounding space")
	}
}

func TestFingerprint(t *testing.T) {
	f1 := Fingerprint("POST", "/api/v1/escrows", []byte(`{"amount":"1"}`))
	f2 := Fingerprint("POST", "/api/v1/escrows", []byte(`{"amount":"2"}`))
	if f1 == f2 {
		t.Fatalf("different bodies produced the same fingerprint")
	}
	if f1 != Fingerprint("POST", "/api/v1/escrows", []byte(`{"amount":"1"}`)) {
		t.Fatalf("fingerprint is not stable")
	}
}
