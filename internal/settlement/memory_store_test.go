package settlement

import (
	"context"
	"math/big"
	"testing"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/pagination"
)

func storeRecord(id string, state lifecycle.State, createdAt int64) *lifecycle.Record {
	return &lifecycle.Record{
		ID:        id,
		Buyer:     buyerAddr,
		Seller:    sellerAddr,
		Amount:    big.NewInt(42),
		State:     state,
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r := storeRecord("esc_1", lifecycle.StateActive, 1)
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	r.Amount.SetInt64(0)

	got, err := s.Get(ctx, "esc_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Amount.Int64() != 42 {
		t.Errorf("Expected stored amount 42, got %s", got.Amount)
	}
	got.Amount.SetInt64(7)

	again, _ := s.Get(ctx, "esc_1")
	if again.Amount.Int64() != 42 {
		t.Error("Mutating a fetched record must not change the store")
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, storeRecord("esc_1", lifecycle.StatePending, 1))

	if err := s.Create(ctx, storeRecord("esc_1", lifecycle.StatePending, 1)); err == nil {
		t.Error("Expected duplicate create to fail")
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	if err := NewMemoryStore().Update(context.Background(), storeRecord("nope", lifecycle.StateActive, 1)); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListOpen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, storeRecord("esc_c", lifecycle.StateActive, 30))
	_ = s.Create(ctx, storeRecord("esc_a", lifecycle.StatePending, 10))
	_ = s.Create(ctx, storeRecord("esc_done", lifecycle.StateReleased, 5))
	_ = s.Create(ctx, storeRecord("esc_b", lifecycle.StateDisputed, 20))

	open, err := s.ListOpen(ctx, nil, 2)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 2 || open[0].ID != "esc_a" || open[1].ID != "esc_b" {
		t.Errorf("Expected [esc_a esc_b], got %v", ids(open))
	}

	next, err := s.ListOpen(ctx, &pagination.Cursor{At: open[1].CreatedAt, ID: open[1].ID}, 2)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(next) != 1 || next[0].ID != "esc_c" {
		t.Errorf("Expected [esc_c], got %v", ids(next))
	}

	all, err := s.ListOpen(ctx, nil, 0)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected zero limit to return all 3 open escrows, got %v", ids(all))
	}
}

func TestMemoryStore_ListOpenCursorTieBreaksOnID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, storeRecord("esc_2", lifecycle.StateActive, 10))
	_ = s.Create(ctx, storeRecord("esc_1", lifecycle.StateActive, 10))
	_ = s.Create(ctx, storeRecord("esc_3", lifecycle.StateActive, 10))

	got, err := s.ListOpen(ctx, &pagination.Cursor{At: 10, ID: "esc_1"}, 0)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "esc_2" || got[1].ID != "esc_3" {
		t.Errorf("Expected [esc_2 esc_3], got %v", ids(got))
	}
}

func TestMemoryStore_Receipts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, a := range []lifecycle.Action{lifecycle.ActionAccept, lifecycle.ActionRelease} {
		_ = s.AddReceipt(ctx, &lifecycle.Receipt{ID: "rcpt_" + a.String(), RecordID: "esc_1", Action: a})
	}

	got, err := s.ListReceipts(ctx, "esc_1")
	if err != nil {
		t.Fatalf("ListReceipts failed: %v", err)
	}
	if len(got) != 2 || got[0].Action != lifecycle.ActionAccept {
		t.Errorf("Expected receipts in insertion order, got %+v", got)
	}
	if none, _ := s.ListReceipts(ctx, "esc_2"); len(none) != 0 {
		t.Errorf("Expected no receipts, got %d", len(none))
	}
}

func ids(rs []*lifecycle.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
