package oracle

import (
	"context"
	"time"

	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/settlement"
	"EscrowOracle/internal/web3"
)

// autoRefundPlan 挑选截止时间已过且从未交付的 FUNDED 托管单并退款给买家。
type autoRefundPlan struct {
	store  escrow.Store
	ledger web3.LedgerClient
}

func (p *autoRefundPlan) Job() string { return JobAutoRefund }

func (p *autoRefundPlan) Select(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error) {
	return p.store.ListRefundEligible(ctx, now, limit)
}

// Ready 以合约的 isRefundable 为准做最后复核，
// 链上已交付或已进入争议的记录在这里被挡下。
func (p *autoRefundPlan) Ready(ctx context.Context, tx *escrow.Transaction) (bool, error) {
	state, err := p.ledger.EscrowOf(ctx, tx.EscrowID)
	if err != nil {
		return false, err
	}
	if state.Exists && state.Status != escrow.StatusFunded {
		return false, nil
	}
	return p.ledger.IsRefundable(ctx, tx.EscrowID)
}

func (p *autoRefundPlan) Request(tx *escrow.Transaction, operator string) settlement.Request {
	return settlement.Request{
		EscrowID: tx.EscrowID,
		Action:   settlement.ActionRefund,
		Operator: operator,
	}
}

func (p *autoRefundPlan) TargetStatus() escrow.Status { return escrow.StatusFunded }

// NewAutoRefund 构造自动退款驱动。
func NewAutoRefund(store escrow.Store, runs RunStore, ledger web3.LedgerClient, exec *settlement.Executor, opts ...DriverOption) *Driver {
	return newDriver(&autoRefundPlan{store: store, ledger: ledger}, store, runs, exec, opts...)
}
