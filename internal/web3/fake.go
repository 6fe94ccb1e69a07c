package web3

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
)

// MemoryLedger 在进程内模拟托管合约的行为，供本地开发与测试使用。
// 状态迁移规则与链上合约一致：结清后的托管单拒绝任何写操作。
type MemoryLedger struct {
	mu         sync.Mutex
	escrows    map[escrow.EscrowID]*EscrowState
	events     []Event
	head       uint64
	signerAddr common.Address
	balance    *big.Int

	// 为测试注入故障：非空时下一次匹配的调用返回该错误并消费掉。
	failNext map[string]error
}

// NewMemoryLedger 创建一个空的内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		escrows:    make(map[escrow.EscrowID]*EscrowState),
		head:       1,
		signerAddr: common.HexToAddress("0x00000000000000000000000000000000000000fe"),
		balance:    big.NewInt(1_000_000_000_000_000_000),
		failNext:   make(map[string]error),
	}
}

// Fund 登记一笔新的 FUNDED 托管单并产生 EscrowCreated 事件。
func (m *MemoryLedger) Fund(id escrow.EscrowID, buyer, seller common.Address, amount *big.Int, deadline time.Time, disputeWindowHours int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.head++
	m.escrows[id] = &EscrowState{
		ID:                 id,
		Exists:             true,
		Status:             escrow.StatusFunded,
		Buyer:              buyer,
		Seller:             seller,
		Amount:             new(big.Int).Set(amount),
		Deadline:           deadline,
		DisputeWindowHours: disputeWindowHours,
	}
	m.events = append(m.events, Event{
		Kind:               EventCreated,
		EscrowID:           id,
		Buyer:              buyer,
		Seller:             seller,
		Amount:             new(big.Int).Set(amount),
		Deadline:           deadline,
		DisputeWindowHours: disputeWindowHours,
		BlockNumber:        m.head,
		TxHash:             m.nextTxHash(),
	})
}

// Deliver 将托管单标记为已交付。
func (m *MemoryLedger) Deliver(id escrow.EscrowID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.escrows[id]
	if !ok || state.Status != escrow.StatusFunded {
		return
	}
	m.head++
	state.Status = escrow.StatusDelivered
	m.events = append(m.events, Event{
		Kind: EventDelivered, EscrowID: id, BlockNumber: m.head, TxHash: m.nextTxHash(),
	})
}

// Dispute 将托管单标记为争议中。
func (m *MemoryLedger) Dispute(id escrow.EscrowID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.escrows[id]
	if !ok || state.Status.Terminal() {
		return
	}
	m.head++
	state.Status = escrow.StatusDisputed
	m.events = append(m.events, Event{
		Kind: EventDisputed, EscrowID: id, DisputedBy: state.Buyer,
		BlockNumber: m.head, TxHash: m.nextTxHash(),
	})
}

// FailNext 注入一次性故障：下一次名为 op 的调用将返回 err。
func (m *MemoryLedger) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// SetBalance 设置签名账户余额，用于测试余额阈值判定。
func (m *MemoryLedger) SetBalance(balance *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = new(big.Int).Set(balance)
}

// AdvanceHead 人为推进链头高度。
func (m *MemoryLedger) AdvanceHead(blocks uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head += blocks
}

func (m *MemoryLedger) takeFailure(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

func (m *MemoryLedger) nextTxHash() common.Hash {
	return crypto.Keccak256Hash(new(big.Int).SetUint64(m.head).Bytes(), []byte{byte(len(m.events))})
}

// EscrowOf 返回托管单的当前状态。
func (m *MemoryLedger) EscrowOf(_ context.Context, id escrow.EscrowID) (EscrowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("EscrowOf"); err != nil {
		return EscrowState{}, err
	}
	state, ok := m.escrows[id]
	if !ok {
		return EscrowState{ID: id, Exists: false}, nil
	}
	copied := *state
	copied.Amount = new(big.Int).Set(state.Amount)
	return copied, nil
}

// IsReleasable 仅在已交付且未进入争议的托管单上返回 true。
func (m *MemoryLedger) IsReleasable(_ context.Context, id escrow.EscrowID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("IsReleasable"); err != nil {
		return false, err
	}
	state, ok := m.escrows[id]
	if !ok {
		return false, nil
	}
	return state.Status == escrow.StatusDelivered, nil
}

// IsRefundable 仅在仍处于 FUNDED、从未交付的托管单上返回 true。
func (m *MemoryLedger) IsRefundable(_ context.Context, id escrow.EscrowID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("IsRefundable"); err != nil {
		return false, err
	}
	state, ok := m.escrows[id]
	if !ok {
		return false, nil
	}
	return state.Status == escrow.StatusFunded, nil
}

// Release 将托管单迁移到 RELEASED。
func (m *MemoryLedger) Release(_ context.Context, id escrow.EscrowID) (SettleReceipt, error) {
	return m.settle("Release", id, escrow.StatusReleased, EventReleased)
}

// Refund 将托管单迁移到 REFUNDED。
func (m *MemoryLedger) Refund(_ context.Context, id escrow.EscrowID) (SettleReceipt, error) {
	return m.settle("Refund", id, escrow.StatusRefunded, EventRefunded)
}

// ResolveDispute 裁决争议单。
func (m *MemoryLedger) ResolveDispute(_ context.Context, id escrow.EscrowID, releaseToSeller bool) (SettleReceipt, error) {
	m.mu.Lock()
	state, ok := m.escrows[id]
	if ok && state.Status != escrow.StatusDisputed && !state.Status.Terminal() {
		m.mu.Unlock()
		return SettleReceipt{}, ErrConflictingState
	}
	m.mu.Unlock()

	if releaseToSeller {
		return m.settle("ResolveDispute", id, escrow.StatusReleased, EventReleased)
	}
	return m.settle("ResolveDispute", id, escrow.StatusRefunded, EventRefunded)
}

func (m *MemoryLedger) settle(op string, id escrow.EscrowID, final escrow.Status, kind EventKind) (SettleReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(op); err != nil {
		return SettleReceipt{}, err
	}
	state, ok := m.escrows[id]
	if !ok {
		return SettleReceipt{}, xerrors.Wrap(CodeConflictingState, ErrConflictingState, "托管单在链上不存在")
	}
	if state.Status.Terminal() {
		return SettleReceipt{}, ErrAlreadySettled
	}

	m.head++
	state.Status = final
	txHash := m.nextTxHash()
	event := Event{Kind: kind, EscrowID: id, BlockNumber: m.head, TxHash: txHash}
	switch kind {
	case EventReleased:
		event.SellerAmount = new(big.Int).Set(state.Amount)
		event.FeeAmount = big.NewInt(0)
	case EventRefunded:
		event.Amount = new(big.Int).Set(state.Amount)
	}
	m.events = append(m.events, event)
	return SettleReceipt{TxHash: txHash, BlockNumber: m.head, GasUsed: 60_000}, nil
}

// FilterEvents 返回区块范围内的事件，按区块序排序。
func (m *MemoryLedger) FilterEvents(_ context.Context, from, to uint64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("FilterEvents"); err != nil {
		return nil, err
	}
	var matched []Event
	for _, event := range m.events {
		if event.BlockNumber >= from && event.BlockNumber <= to {
			matched = append(matched, event)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].BlockNumber < matched[j].BlockNumber
	})
	return matched, nil
}

// HeadBlock 返回当前链头高度。
func (m *MemoryLedger) HeadBlock(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("HeadBlock"); err != nil {
		return 0, err
	}
	return m.head, nil
}

// SignerAddress 返回模拟的签名账户地址。
func (m *MemoryLedger) SignerAddress() common.Address {
	return m.signerAddr
}

// SignerBalance 返回模拟的签名账户余额。
func (m *MemoryLedger) SignerBalance(_ context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("SignerBalance"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(m.balance), nil
}

// Close 实现 LedgerClient 接口，无资源需要释放。
func (m *MemoryLedger) Close() {}

var _ LedgerClient = (*MemoryLedger)(nil)
