package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newFundedTransaction(deadline time.Time) *Transaction {
	id := uuid.New()
	return &Transaction{
		ID:                 id.String(),
		EscrowID:           EscrowIDFromUUID(id),
		Buyer:              "buyer-1",
		Seller:             "seller-1",
		Amount:             2500,
		Currency:           "USDC",
		Status:             StatusFunded,
		Deadline:           deadline,
		DisputeWindowHours: 24,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	tx := newFundedTransaction(now.Add(72 * time.Hour))
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.Create(ctx, tx); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create expected ErrConflict, got %v", err)
	}

	if err := store.MarkDelivered(ctx, tx.EscrowID, now); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}
	got, err := store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if got.Status != StatusDelivered {
		t.Fatalf("expected status %s, got %s", StatusDelivered, got.Status)
	}
	if got.DeliveredAt == nil {
		t.Fatal("expected DeliveredAt to be stamped")
	}

	if err := store.MarkSettled(ctx, tx.EscrowID, StatusReleased, "0xabc", now); err != nil {
		t.Fatalf("MarkSettled returned error: %v", err)
	}
	got, err = store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID after settle returned error: %v", err)
	}
	if got.Status != StatusReleased || got.SettleTxHash != "0xabc" {
		t.Fatalf("unexpected settled record: status=%s hash=%s", got.Status, got.SettleTxHash)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be stamped")
	}
}

func TestMemoryStoreTerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	tx := newFundedTransaction(now.Add(time.Hour))
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkSettled(ctx, tx.EscrowID, StatusRefunded, "0x01", now); err != nil {
		t.Fatalf("MarkSettled returned error: %v", err)
	}

	if err := store.MarkSettled(ctx, tx.EscrowID, StatusReleased, "0x02", now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("settling a terminal record expected ErrTerminal, got %v", err)
	}
	if err := store.MarkDelivered(ctx, tx.EscrowID, now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("delivering a terminal record expected ErrTerminal, got %v", err)
	}
	if err := store.MarkDisputed(ctx, tx.EscrowID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("disputing a terminal record expected ErrTerminal, got %v", err)
	}

	got, err := store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if got.Status != StatusRefunded || got.SettleTxHash != "0x01" {
		t.Fatalf("terminal record was mutated: status=%s hash=%s", got.Status, got.SettleTxHash)
	}
}

func TestMemoryStoreMarkSettledRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx := newFundedTransaction(time.Now().Add(time.Hour))
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkSettled(ctx, tx.EscrowID, StatusDisputed, "0x01", time.Now()); err == nil {
		t.Fatal("expected error when settling to a non-terminal status")
	}
}

func TestMemoryStoreReleaseEligibility(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	// Window closed 1h ago, should be picked first.
	early := newFundedTransaction(now.Add(240 * time.Hour))
	if err := store.Create(ctx, early); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkDelivered(ctx, early.EscrowID, now.Add(-25*time.Hour)); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}

	// Delivered later but window also closed.
	late := newFundedTransaction(now.Add(240 * time.Hour))
	if err := store.Create(ctx, late); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkDelivered(ctx, late.EscrowID, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}

	// Window still open, must not appear.
	open := newFundedTransaction(now.Add(240 * time.Hour))
	if err := store.Create(ctx, open); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkDelivered(ctx, open.EscrowID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}

	eligible, err := store.ListReleaseEligible(ctx, now, 20)
	if err != nil {
		t.Fatalf("ListReleaseEligible returned error: %v", err)
	}
	if len(eligible) != 2 {
		t.Fatalf("expected 2 eligible records, got %d", len(eligible))
	}
	if eligible[0].EscrowID != early.EscrowID {
		t.Fatalf("expected oldest delivered record first, got %s", eligible[0].EscrowID.Hex())
	}

	capped, err := store.ListReleaseEligible(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListReleaseEligible with limit returned error: %v", err)
	}
	if len(capped) != 1 {
		t.Fatalf("expected the limit to cap results, got %d", len(capped))
	}
}

func TestMemoryStoreRefundEligibility(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	overdue := newFundedTransaction(now.Add(-2 * time.Hour))
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	pending := newFundedTransaction(now.Add(2 * time.Hour))
	if err := store.Create(ctx, pending); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	delivered := newFundedTransaction(now.Add(-3 * time.Hour))
	if err := store.Create(ctx, delivered); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkDelivered(ctx, delivered.EscrowID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}

	eligible, err := store.ListRefundEligible(ctx, now, 20)
	if err != nil {
		t.Fatalf("ListRefundEligible returned error: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected 1 eligible record, got %d", len(eligible))
	}
	if eligible[0].EscrowID != overdue.EscrowID {
		t.Fatalf("unexpected eligible record %s", eligible[0].EscrowID.Hex())
	}
}

func TestMemoryStoreApplyChainState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	// Record unknown locally, chain says it exists.
	orphan := EscrowIDFromUUID(uuid.New())
	outcome, err := store.ApplyChainState(ctx, ChainObservation{
		EscrowID:   orphan,
		Status:     StatusFunded,
		Buyer:      "0xbuyer",
		Seller:     "0xseller",
		Amount:     900,
		Deadline:   now.Add(48 * time.Hour),
		Note:       "found on chain during scan",
		ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("ApplyChainState returned error: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("expected %s, got %s", OutcomeCreated, outcome)
	}
	created, err := store.GetByEscrowID(ctx, orphan)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if !created.Reconciled {
		t.Fatal("expected created record to be flagged as reconciled")
	}

	// Local DELIVERED, chain already RELEASED.
	tx := newFundedTransaction(now.Add(72 * time.Hour))
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkDelivered(ctx, tx.EscrowID, now); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}
	outcome, err = store.ApplyChainState(ctx, ChainObservation{
		EscrowID:   tx.EscrowID,
		Status:     StatusReleased,
		ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("ApplyChainState returned error: %v", err)
	}
	if outcome != OutcomeCorrected {
		t.Fatalf("expected %s, got %s", OutcomeCorrected, outcome)
	}
	corrected, err := store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if corrected.Status != StatusReleased || corrected.CompletedAt == nil {
		t.Fatalf("correction did not land: status=%s", corrected.Status)
	}

	// Matching states are a no-op.
	outcome, err = store.ApplyChainState(ctx, ChainObservation{
		EscrowID:   tx.EscrowID,
		Status:     StatusReleased,
		ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("ApplyChainState returned error: %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Fatalf("expected %s, got %s", OutcomeUnchanged, outcome)
	}

	// Local terminal never regresses to a non-terminal observation.
	outcome, err = store.ApplyChainState(ctx, ChainObservation{
		EscrowID:   tx.EscrowID,
		Status:     StatusDelivered,
		ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("ApplyChainState returned error: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected %s, got %s", OutcomeSkipped, outcome)
	}
}

func TestMemoryStoreFailureCountAndDisputeNote(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	tx := newFundedTransaction(now.Add(time.Hour))
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := store.RecordFailure(ctx, tx.EscrowID)
		if err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
		if count != want {
			t.Fatalf("expected failure count %d, got %d", want, count)
		}
	}

	if err := store.MarkSettled(ctx, tx.EscrowID, StatusRefunded, "0x03", now); err != nil {
		t.Fatalf("MarkSettled returned error: %v", err)
	}
	got, err := store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if got.FailureCount != 0 {
		t.Fatalf("expected failure count reset on settle, got %d", got.FailureCount)
	}

	if err := store.StampDisputeNote(ctx, tx.EscrowID, "resolved by admin-7"); err != nil {
		t.Fatalf("StampDisputeNote returned error: %v", err)
	}
	if err := store.StampDisputeNote(ctx, tx.EscrowID, "second attempt"); err != nil {
		t.Fatalf("StampDisputeNote returned error: %v", err)
	}
	got, err = store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if got.DisputeNote != "resolved by admin-7" {
		t.Fatalf("dispute note should be write-once, got %q", got.DisputeNote)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	for i := 0; i < 3; i++ {
		tx := newFundedTransaction(now.Add(time.Hour))
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
		if i == 0 {
			if err := store.MarkDisputed(ctx, tx.EscrowID); err != nil {
				t.Fatalf("MarkDisputed returned error: %v", err)
			}
		}
	}

	disputed, err := store.List(ctx, ListOptions{Statuses: []Status{StatusDisputed}})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(disputed) != 1 {
		t.Fatalf("expected 1 disputed record, got %d", len(disputed))
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
}

func TestCanTransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		StatusFunded:    {StatusDelivered, StatusRefunded, StatusDisputed},
		StatusDelivered: {StatusReleased, StatusRefunded, StatusDisputed},
		StatusDisputed:  {StatusReleased, StatusRefunded},
		StatusReleased:  {},
		StatusRefunded:  {},
	}
	every := []Status{StatusFunded, StatusDelivered, StatusReleased, StatusRefunded, StatusDisputed}

	for from, targets := range allowed {
		for _, to := range every {
			want := false
			for _, ok := range targets {
				if ok == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}
