package web3

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"EscrowOracle/internal/escrow"
)

func TestMemoryLedgerSettlementFlow(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	id := escrow.EscrowIDFromUUID(uuid.New())

	ledger.Fund(id, common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(5000), time.Now().Add(24*time.Hour), 24)

	state, err := ledger.EscrowOf(ctx, id)
	if err != nil {
		t.Fatalf("EscrowOf returned error: %v", err)
	}
	if !state.Exists || state.Status != escrow.StatusFunded {
		t.Fatalf("unexpected state after fund: exists=%v status=%s", state.Exists, state.Status)
	}

	ledger.Deliver(id)
	releasable, err := ledger.IsReleasable(ctx, id)
	if err != nil {
		t.Fatalf("IsReleasable returned error: %v", err)
	}
	if !releasable {
		t.Fatal("expected delivered escrow to be releasable")
	}

	receipt, err := ledger.Release(ctx, id)
	if err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if receipt.TxHash == (common.Hash{}) {
		t.Fatal("expected a transaction hash")
	}

	if _, err := ledger.Release(ctx, id); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second Release expected ErrAlreadySettled, got %v", err)
	}
	if _, err := ledger.Refund(ctx, id); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("Refund after release expected ErrAlreadySettled, got %v", err)
	}
}

func TestMemoryLedgerFilterEvents(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	first := escrow.EscrowIDFromUUID(uuid.New())
	second := escrow.EscrowIDFromUUID(uuid.New())
	ledger.Fund(first, common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(100), time.Now().Add(time.Hour), 24)
	ledger.Fund(second, common.HexToAddress("0x03"), common.HexToAddress("0x04"),
		big.NewInt(200), time.Now().Add(time.Hour), 24)
	ledger.Deliver(first)

	head, err := ledger.HeadBlock(ctx)
	if err != nil {
		t.Fatalf("HeadBlock returned error: %v", err)
	}
	events, err := ledger.FilterEvents(ctx, 0, head)
	if err != nil {
		t.Fatalf("FilterEvents returned error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].BlockNumber < events[i-1].BlockNumber {
			t.Fatal("events are not ordered by block number")
		}
	}

	// 范围之外的事件不应返回。
	none, err := ledger.FilterEvents(ctx, head+1, head+10)
	if err != nil {
		t.Fatalf("FilterEvents returned error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no events past the head, got %d", len(none))
	}
}

func TestMemoryLedgerFailNext(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	id := escrow.EscrowIDFromUUID(uuid.New())
	ledger.Fund(id, common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(100), time.Now().Add(time.Hour), 24)

	injected := errors.New("rpc timeout")
	ledger.FailNext("EscrowOf", injected)

	if _, err := ledger.EscrowOf(ctx, id); !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	// 故障只生效一次。
	if _, err := ledger.EscrowOf(ctx, id); err != nil {
		t.Fatalf("expected recovery after injected failure, got %v", err)
	}
}

func TestEventStatusMapping(t *testing.T) {
	cases := map[EventKind]escrow.Status{
		EventCreated:   escrow.StatusFunded,
		EventDelivered: escrow.StatusDelivered,
		EventReleased:  escrow.StatusReleased,
		EventRefunded:  escrow.StatusRefunded,
		EventDisputed:  escrow.StatusDisputed,
	}
	for kind, want := range cases {
		if got := (Event{Kind: kind}).Status(); got != want {
			t.Fatalf("Event{%s}.Status() = %s, want %s", kind, got, want)
		}
	}
}
