package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore 是 Store 的内存实现，主要用于本地开发与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Transaction
	byChain map[EscrowID]*Transaction
}

// NewMemoryStore 创建一个内存托管记录存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Transaction),
		byChain: make(map[EscrowID]*Transaction),
	}
}

// Create 插入新的托管记录。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, ok := m.byChain[tx.EscrowID]; ok {
		return ErrConflict
	}
	if _, ok := m.byID[tx.ID]; ok {
		return ErrConflict
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	clone := cloneTransaction(tx)
	m.byID[clone.ID] = clone
	m.byChain[clone.EscrowID] = clone
	return nil
}

// Get 按内部记录 ID 查询。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// GetByEscrowID 按链上托管单 ID 查询。
func (m *MemoryStore) GetByEscrowID(_ context.Context, id EscrowID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byChain[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// MarkDelivered 记录交付时间。
func (m *MemoryStore) MarkDelivered(_ context.Context, id EscrowID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byChain[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status.Terminal() {
		return ErrTerminal
	}
	if !CanTransition(tx.Status, StatusDelivered) {
		return ErrConflict
	}
	delivered := at
	tx.Status = StatusDelivered
	tx.DeliveredAt = &delivered
	tx.UpdatedAt = time.Now()
	return nil
}

// MarkDisputed 将记录标记为争议中。
func (m *MemoryStore) MarkDisputed(_ context.Context, id EscrowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byChain[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status.Terminal() {
		return ErrTerminal
	}
	if tx.Status == StatusDisputed {
		return nil
	}
	tx.Status = StatusDisputed
	tx.UpdatedAt = time.Now()
	return nil
}

// MarkSettled 将记录迁移到终态。
func (m *MemoryStore) MarkSettled(_ context.Context, id EscrowID, final Status, txHash string, at time.Time) error {
	if !final.Terminal() {
		return ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byChain[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status.Terminal() {
		return ErrTerminal
	}
	completed := at
	tx.Status = final
	tx.SettleTxHash = txHash
	tx.CompletedAt = &completed
	tx.FailureCount = 0
	tx.UpdatedAt = time.Now()
	return nil
}

// StampDisputeNote 写入争议裁决备注，已有备注时不覆盖。
func (m *MemoryStore) StampDisputeNote(_ context.Context, id EscrowID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byChain[id]
	if !ok {
		return ErrNotFound
	}
	if tx.DisputeNote != "" {
		return nil
	}
	tx.DisputeNote = note
	tx.UpdatedAt = time.Now()
	return nil
}

// RecordFailure 累加结算失败计数。
func (m *MemoryStore) RecordFailure(_ context.Context, id EscrowID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byChain[id]
	if !ok {
		return 0, ErrNotFound
	}
	tx.FailureCount++
	tx.UpdatedAt = time.Now()
	return tx.FailureCount, nil
}

// ListReleaseEligible 返回争议窗口已结束的 DELIVERED 记录。
func (m *MemoryStore) ListReleaseEligible(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var eligible []*Transaction
	for _, tx := range m.byChain {
		if tx.Status != StatusDelivered {
			continue
		}
		readyAt, ok := tx.ReleaseReadyAt()
		if !ok || readyAt.After(now) {
			continue
		}
		eligible = append(eligible, cloneTransaction(tx))
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].DeliveredAt.Before(*eligible[j].DeliveredAt)
	})
	return capSlice(eligible, limit), nil
}

// ListRefundEligible 返回截止时间已过的 FUNDED 记录。
func (m *MemoryStore) ListRefundEligible(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var eligible []*Transaction
	for _, tx := range m.byChain {
		if tx.Status != StatusFunded {
			continue
		}
		if tx.Deadline.After(now) {
			continue
		}
		eligible = append(eligible, cloneTransaction(tx))
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Deadline.Before(eligible[j].Deadline)
	})
	return capSlice(eligible, limit), nil
}

// ApplyChainState 以链上状态为准修正本地记录。
func (m *MemoryStore) ApplyChainState(_ context.Context, obs ChainObservation) (ReconcileOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	tx, ok := m.byChain[obs.EscrowID]
	if !ok {
		created := &Transaction{
			ID:                 uuid.NewString(),
			EscrowID:           obs.EscrowID,
			Buyer:              obs.Buyer,
			Seller:             obs.Seller,
			Amount:             obs.Amount,
			Status:             obs.Status,
			Deadline:           obs.Deadline,
			DisputeWindowHours: obs.DisputeWindowHours,
			Reconciled:         true,
			ReconciledAt:       &observedAt,
			ReconcileNote:      obs.Note,
			CreatedAt:          observedAt,
			UpdatedAt:          observedAt,
		}
		m.byID[created.ID] = created
		m.byChain[created.EscrowID] = created
		return OutcomeCreated, nil
	}

	if tx.Status == obs.Status {
		return OutcomeUnchanged, nil
	}
	// 终态只能被链上更强的终态覆盖，绝不回退。
	if tx.Status.Terminal() && !obs.Status.Terminal() {
		return OutcomeSkipped, nil
	}
	tx.Status = obs.Status
	tx.Reconciled = true
	tx.ReconciledAt = &observedAt
	if obs.Note != "" {
		tx.ReconcileNote = obs.Note
	}
	if obs.Status.Terminal() && tx.CompletedAt == nil {
		tx.CompletedAt = &observedAt
	}
	tx.UpdatedAt = time.Now()
	return OutcomeCorrected, nil
}

// List 返回符合过滤条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Transaction
	for _, tx := range m.byChain {
		if len(opts.Statuses) > 0 && !statusIn(tx.Status, opts.Statuses) {
			continue
		}
		matched = append(matched, cloneTransaction(tx))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	return capSlice(matched, opts.Limit), nil
}

// Close 实现 Store 接口，无资源需要释放。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTransaction(tx *Transaction) *Transaction {
	if tx == nil {
		return nil
	}
	clone := *tx
	if tx.DeliveredAt != nil {
		delivered := *tx.DeliveredAt
		clone.DeliveredAt = &delivered
	}
	if tx.CompletedAt != nil {
		completed := *tx.CompletedAt
		clone.CompletedAt = &completed
	}
	if tx.ReconciledAt != nil {
		reconciled := *tx.ReconciledAt
		clone.ReconciledAt = &reconciled
	}
	return &clone
}

func capSlice(list []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func statusIn(status Status, set []Status) bool {
	for _, candidate := range set {
		if status == candidate {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
