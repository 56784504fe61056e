package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskilo/settlement/internal/testutil"
)

func seedPGEscrow(t *testing.T, store *PostgresStore, id, orderID, providerID string, amount int64, status Status) *Escrow {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &Escrow{
		ID:                id,
		OrderID:           orderID,
		ProviderID:        providerID,
		GrossAmount:       amount,
		PlatformFeeAmount: amount * 350 / 10000,
		ProviderAmount:    amount - amount*350/10000,
		Status:            status,
		HeldAt:            now,
		ClearingEndsAt:    now.Add(48 * time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.Create(context.Background(), e); err != nil {
		t.Fatalf("create escrow %s: %v", id, err)
	}
	return e
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	seedPGEscrow(t, store, "esc_pg1", "order_pg1", "prov_pg1", 10000, StatusHeld)

	got, err := store.Get(ctx, "esc_pg1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OrderID != "order_pg1" || got.ProviderAmount != 9650 || got.Status != StatusHeld {
		t.Errorf("unexpected escrow: %+v", got)
	}

	byOrder, err := store.GetByOrder(ctx, "order_pg1")
	if err != nil {
		t.Fatalf("get by order: %v", err)
	}
	if byOrder.ID != "esc_pg1" {
		t.Errorf("expected esc_pg1, got %s", byOrder.ID)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestPostgresStore_OneEscrowPerOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	seedPGEscrow(t, store, "esc_dup1", "order_dup", "prov_dup", 10000, StatusHeld)

	now := time.Now().UTC()
	err := store.Create(context.Background(), &Escrow{
		ID: "esc_dup2", OrderID: "order_dup", ProviderID: "prov_dup",
		GrossAmount: 5000, PlatformFeeAmount: 175, ProviderAmount: 4825,
		Status: StatusHeld, HeldAt: now, ClearingEndsAt: now.Add(48 * time.Hour),
		CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, ErrEscrowClosed) {
		t.Errorf("expected ErrEscrowClosed on duplicate order, got %v", err)
	}
}

func TestPostgresStore_ReserveReleaseReopen(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	seedPGEscrow(t, store, "esc_r1", "order_r1", "prov_res", 10000, StatusAvailable)
	seedPGEscrow(t, store, "esc_r2", "order_r2", "prov_res", 20000, StatusAvailable)

	sum, err := store.SumAvailable(ctx, "prov_res")
	if err != nil {
		t.Fatalf("sum available: %v", err)
	}
	if want := int64(9650 + 19300); sum != want {
		t.Errorf("expected sum %d, got %d", want, sum)
	}

	ids := []string{"esc_r1", "esc_r2"}
	if err := store.Reserve(ctx, ids, "po_pg1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Claimed escrows drop out of the available sum.
	sum, err = store.SumAvailable(ctx, "prov_res")
	if err != nil {
		t.Fatalf("sum after reserve: %v", err)
	}
	if sum != 0 {
		t.Errorf("expected sum 0 after reserve, got %d", sum)
	}

	// A second claim on the same set loses the race.
	if err := store.Reserve(ctx, ids, "po_pg2"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}

	released := time.Now().UTC().Truncate(time.Microsecond)

	// A release scoped to the wrong claim touches nothing.
	if err := store.Release(ctx, ids, "po_pg2", released); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed for foreign release, got %v", err)
	}

	if err := store.Release(ctx, ids, "po_pg1", released); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := store.Get(ctx, "esc_r1")
	if err != nil {
		t.Fatalf("get after release: %v", err)
	}
	if got.Status != StatusReleased || got.ReleasedAt == nil {
		t.Errorf("expected released escrow, got %+v", got)
	}

	if err := store.Reopen(ctx, ids); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err = store.Get(ctx, "esc_r1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != StatusAvailable || got.ClaimedBy != "" || got.ReleasedAt != nil {
		t.Errorf("expected reopened escrow, got %+v", got)
	}

	// Reopen only applies to released escrows.
	if err := store.Reopen(ctx, ids); !errors.Is(err, ErrNotReopenable) {
		t.Errorf("expected ErrNotReopenable, got %v", err)
	}
}

func TestPostgresStore_ListMatured(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := seedPGEscrow(t, store, "esc_m1", "order_m1", "prov_mat", 10000, StatusHeld)
	seedPGEscrow(t, store, "esc_m2", "order_m2", "prov_mat", 10000, StatusHeld)

	matured, err := store.ListMatured(ctx, e.ClearingEndsAt.Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("list matured: %v", err)
	}
	if len(matured) != 0 {
		t.Errorf("expected no matured escrows inside the window, got %d", len(matured))
	}

	matured, err = store.ListMatured(ctx, e.ClearingEndsAt.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("list matured: %v", err)
	}
	if len(matured) != 2 {
		t.Errorf("expected 2 matured escrows, got %d", len(matured))
	}
}

func TestPostgresStore_Unclaim(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	seedPGEscrow(t, store, "esc_u1", "order_u1", "prov_unc", 10000, StatusAvailable)

	if err := store.Reserve(ctx, []string{"esc_u1"}, "po_pg3"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Another payout cannot strip the claim.
	if err := store.Unclaim(ctx, []string{"esc_u1"}, "po_pg4"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed for foreign unclaim, got %v", err)
	}

	if err := store.Unclaim(ctx, []string{"esc_u1"}, "po_pg3"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}

	got, err := store.Get(ctx, "esc_u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClaimedBy != "" || got.Status != StatusAvailable {
		t.Errorf("expected unclaimed available escrow, got %+v", got)
	}
}
