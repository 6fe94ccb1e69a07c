package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/web3"
)

type fixture struct {
	ledger  *web3.MemoryLedger
	store   *escrow.MemoryStore
	effects *MemoryEffects
	exec    *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := web3.NewMemoryLedger()
	store := escrow.NewMemoryStore()
	effects := NewMemoryEffects()
	exec := NewExecutor(ledger, store, WithEffectPublisher(effects), WithMaxRetries(2))
	return &fixture{ledger: ledger, store: store, effects: effects, exec: exec}
}

func (f *fixture) seedDelivered(t *testing.T) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	tx := &escrow.Transaction{
		ID:                 id.String(),
		EscrowID:           escrow.EscrowIDFromUUID(id),
		Buyer:              "buyer-1",
		Seller:             "seller-1",
		Amount:             5000,
		Currency:           "USDC",
		Status:             escrow.StatusFunded,
		Deadline:           time.Now().Add(72 * time.Hour),
		DisputeWindowHours: 24,
	}
	if err := f.store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	f.ledger.Fund(tx.EscrowID, common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(tx.Amount), tx.Deadline, tx.DisputeWindowHours)
	f.ledger.Deliver(tx.EscrowID)
	if err := f.store.MarkDelivered(ctx, tx.EscrowID, time.Now().Add(-25*time.Hour)); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}
	return tx
}

func TestExecutorReleaseHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.seedDelivered(t)

	result, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if result.AlreadySettled {
		t.Fatal("fresh settlement should not report already settled")
	}
	if result.Final != escrow.StatusReleased || result.TxHash == "" {
		t.Fatalf("unexpected result: final=%s hash=%q", result.Final, result.TxHash)
	}

	local, err := f.store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if local.Status != escrow.StatusReleased || local.SettleTxHash != result.TxHash {
		t.Fatalf("local record not aligned: status=%s hash=%s", local.Status, local.SettleTxHash)
	}

	chain, err := f.ledger.EscrowOf(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("EscrowOf returned error: %v", err)
	}
	if chain.Status != escrow.StatusReleased {
		t.Fatalf("chain state not released: %s", chain.Status)
	}

	effects := f.effects.Effects()
	if len(effects) != 1 || effects[0].Final != escrow.StatusReleased {
		t.Fatalf("expected one release effect, got %+v", effects)
	}
}

func TestExecutorIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.seedDelivered(t)

	first, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if err != nil {
		t.Fatalf("first Settle returned error: %v", err)
	}
	second, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if err != nil {
		t.Fatalf("second Settle returned error: %v", err)
	}
	if !second.AlreadySettled {
		t.Fatal("repeated settlement should report already settled")
	}
	if second.Final != first.Final {
		t.Fatalf("final status changed between calls: %s vs %s", first.Final, second.Final)
	}
	if len(f.effects.Effects()) != 1 {
		t.Fatalf("repeated settlement must not publish a second effect, got %d", len(f.effects.Effects()))
	}
}

func TestExecutorAlignsWhenChainAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.seedDelivered(t)

	// 另一个进程抢先完成了同方向的放款。
	if _, err := f.ledger.Release(ctx, tx.EscrowID); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}

	result, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if !result.AlreadySettled || result.Final != escrow.StatusReleased {
		t.Fatalf("expected alignment to RELEASED, got %+v", result)
	}

	local, err := f.store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("GetByEscrowID returned error: %v", err)
	}
	if local.Status != escrow.StatusReleased {
		t.Fatalf("local record should follow the chain, got %s", local.Status)
	}
}

func TestExecutorRejectsOppositeTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.seedDelivered(t)

	// 已退款的单再请求放款是语义冲突，不得按幂等成功对齐。
	if _, err := f.ledger.Refund(ctx, tx.EscrowID); err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}

	_, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if xerrors.CodeOf(err) != web3.CodeConflictingState {
		t.Fatalf("expected conflicting state code, got %v", err)
	}

	local, getErr := f.store.GetByEscrowID(ctx, tx.EscrowID)
	if getErr != nil {
		t.Fatalf("GetByEscrowID returned error: %v", getErr)
	}
	if local.Status != escrow.StatusDelivered {
		t.Fatalf("conflict must not rewrite the local record, got %s", local.Status)
	}
	if local.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", local.FailureCount)
	}

	// 争议裁决例外：链上任何终态都代表裁决已发生，按已结清对齐。
	result, err := f.exec.Settle(ctx, Request{
		EscrowID:        tx.EscrowID,
		Action:          ActionResolve,
		ReleaseToSeller: true,
		Operator:        "admin-7",
	})
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if !result.AlreadySettled || result.Final != escrow.StatusRefunded {
		t.Fatalf("expected alignment to REFUNDED, got %+v", result)
	}
}

func TestExecutorReleasesCustodialEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 托管路径：交付只记录在本地，链上停留在 FUNDED。
	id := uuid.New()
	tx := &escrow.Transaction{
		ID:                 id.String(),
		EscrowID:           escrow.EscrowIDFromUUID(id),
		Buyer:              "buyer-1",
		Seller:             "seller-1",
		Amount:             5000,
		Currency:           "USDC",
		Status:             escrow.StatusFunded,
		Custodial:          true,
		Deadline:           time.Now().Add(72 * time.Hour),
		DisputeWindowHours: 24,
	}
	if err := f.store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	f.ledger.Fund(tx.EscrowID, common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(tx.Amount), tx.Deadline, tx.DisputeWindowHours)
	if err := f.store.MarkDelivered(ctx, tx.EscrowID, time.Now().Add(-25*time.Hour)); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}

	result, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease, Custodial: true})
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if result.Final != escrow.StatusReleased || result.TxHash == "" {
		t.Fatalf("unexpected result: final=%s hash=%q", result.Final, result.TxHash)
	}

	chain, err := f.ledger.EscrowOf(ctx, tx.EscrowID)
	if err != nil {
		t.Fatalf("EscrowOf returned error: %v", err)
	}
	if chain.Status != escrow.StatusReleased {
		t.Fatalf("chain state not released: %s", chain.Status)
	}
}

func TestExecutorCustodialReleaseBlockedByDispute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := uuid.New()
	tx := &escrow.Transaction{
		ID:                 id.String(),
		EscrowID:           escrow.EscrowIDFromUUID(id),
		Status:             escrow.StatusFunded,
		Custodial:          true,
		Amount:             100,
		Deadline:           time.Now().Add(72 * time.Hour),
		DisputeWindowHours: 24,
	}
	if err := f.store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	f.ledger.Fund(tx.EscrowID, common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(100), tx.Deadline, 24)
	if err := f.store.MarkDelivered(ctx, tx.EscrowID, time.Now().Add(-25*time.Hour)); err != nil {
		t.Fatalf("MarkDelivered returned error: %v", err)
	}
	f.ledger.Dispute(tx.EscrowID)

	_, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease, Custodial: true})
	if xerrors.CodeOf(err) != web3.CodeConflictingState {
		t.Fatalf("expected conflicting state code, got %v", err)
	}
}

func TestExecutorRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.seedDelivered(t)

	f.ledger.FailNext("Release", xerrors.New(xerrors.CodeChainTransient, "rpc 节点超时"))

	result, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if err != nil {
		t.Fatalf("Settle should survive one transient error: %v", err)
	}
	if result.Final != escrow.StatusReleased {
		t.Fatalf("unexpected final status %s", result.Final)
	}
}

func TestExecutorRejectsConflictingAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := uuid.New()
	tx := &escrow.Transaction{
		ID:       id.String(),
		EscrowID: escrow.EscrowIDFromUUID(id),
		Status:   escrow.StatusFunded,
		Amount:   100,
		Deadline: time.Now().Add(time.Hour),
	}
	if err := f.store.Create(ctx, tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	f.ledger.Fund(tx.EscrowID, common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(100), tx.Deadline, 24)

	// 未交付的托管单不可放款。
	_, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if xerrors.CodeOf(err) != web3.CodeConflictingState {
		t.Fatalf("expected conflicting state code, got %v", err)
	}

	local, getErr := f.store.GetByEscrowID(ctx, tx.EscrowID)
	if getErr != nil {
		t.Fatalf("GetByEscrowID returned error: %v", getErr)
	}
	if local.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", local.FailureCount)
	}
	if local.Status != escrow.StatusFunded {
		t.Fatalf("local status must not change on failure, got %s", local.Status)
	}
}

func TestExecutorResolveDirectsFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.seedDelivered(t)

	f.ledger.Dispute(tx.EscrowID)
	if err := f.store.MarkDisputed(ctx, tx.EscrowID); err != nil {
		t.Fatalf("MarkDisputed returned error: %v", err)
	}

	result, err := f.exec.Settle(ctx, Request{
		EscrowID:        tx.EscrowID,
		Action:          ActionResolve,
		ReleaseToSeller: false,
		Operator:        "admin-7",
	})
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if result.Final != escrow.StatusRefunded {
		t.Fatalf("refund resolution expected REFUNDED, got %s", result.Final)
	}
}

func TestExecutorEffectsAreBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.seedDelivered(t)

	f.effects.Fail(xerrors.New(xerrors.CodeQueueFailure, "队列不可用"))

	result, err := f.exec.Settle(ctx, Request{EscrowID: tx.EscrowID, Action: ActionRelease})
	if err != nil {
		t.Fatalf("effect failures must not fail the settlement: %v", err)
	}
	if result.Final != escrow.StatusReleased {
		t.Fatalf("unexpected final status %s", result.Final)
	}
}
