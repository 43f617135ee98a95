package sqlite

import (
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListByPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for k, v := range map[string]string{
		"hedge:a:BTC-USDT-SWAP": "1",
		"hedge:a:ETH-USDT-SWAP": "2",
		"hedge:b:SOL-USDT-SWAP": "3",
		"hedge_x":               "4",
		"ops:paused":            "yes",
	} {
		if err := store.Set(ctx, k, v); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	rows, err := store.List(ctx, "hedge:a:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 2 || rows["hedge:a:ETH-USDT-SWAP"] != "2" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	all, _ := store.List(ctx, "hedge:")
	if len(all) != 3 {
		t.Fatalf("expected 3 hedge rows, got %v", all)
	}
}
