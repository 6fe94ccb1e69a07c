package oracle

import (
	"context"
	"time"

	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/settlement"
	"EscrowOracle/internal/web3"
)

// autoReleasePlan 挑选争议窗口已结束的 DELIVERED 托管单并放款给卖家。
type autoReleasePlan struct {
	store  escrow.Store
	ledger web3.LedgerClient
}

func (p *autoReleasePlan) Job() string { return JobAutoRelease }

func (p *autoReleasePlan) Select(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error) {
	return p.store.ListReleaseEligible(ctx, now, limit)
}

// Ready 复核放款资格。托管路径（链上没有交付标记）依据本地时间戳判定，
// 筛选阶段已经保证窗口结束，这里只确认链上未进入争议；
// 其余记录以合约的 isReleasable 为准。
func (p *autoReleasePlan) Ready(ctx context.Context, tx *escrow.Transaction) (bool, error) {
	if tx.Custodial {
		state, err := p.ledger.EscrowOf(ctx, tx.EscrowID)
		if err != nil {
			return false, err
		}
		return state.Exists && state.Status != escrow.StatusDisputed, nil
	}
	return p.ledger.IsReleasable(ctx, tx.EscrowID)
}

func (p *autoReleasePlan) Request(tx *escrow.Transaction, operator string) settlement.Request {
	return settlement.Request{
		EscrowID:  tx.EscrowID,
		Action:    settlement.ActionRelease,
		Custodial: tx.Custodial,
		Operator:  operator,
	}
}

func (p *autoReleasePlan) TargetStatus() escrow.Status { return escrow.StatusDelivered }

// NewAutoRelease 构造自动放款驱动。
func NewAutoRelease(store escrow.Store, runs RunStore, ledger web3.LedgerClient, exec *settlement.Executor, opts ...DriverOption) *Driver {
	return newDriver(&autoReleasePlan{store: store, ledger: ledger}, store, runs, exec, opts...)
}
