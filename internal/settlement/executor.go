// Package settlement 实现幂等的结算执行器。
// 结算前必须重新读取链上状态，这是防止重复结算的唯一防线，
// 本地数据库状态只用于挑选候选，不参与结算判定。
package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/web3"
	"EscrowOracle/pkg/logger"
)

// Action 表示一次结算请求的动作类型。
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionResolve Action = "resolve"
)

// Request 描述一次结算请求。
type Request struct {
	EscrowID escrow.EscrowID
	Action   Action
	// ReleaseToSeller 仅在 ActionResolve 时有意义，决定资金流向。
	ReleaseToSeller bool
	// Custodial 标记通过内部托管路径入金的托管单。这类单的交付
	// 只记录在本地，合约的 isReleasable 恒为假，预检改走状态判定。
	Custodial bool
	// Operator 记录发起人，写入审计日志。定时任务为空。
	Operator string
}

// Result 描述结算请求的处理结果。
type Result struct {
	EscrowID escrow.EscrowID `json:"escrow_id"`
	Final    escrow.Status   `json:"final_status"`
	TxHash   string          `json:"tx_hash,omitempty"`
	// AlreadySettled 表示链上早已结清，本次未发出任何交易，
	// 只是把本地记录对齐到链上终态。
	AlreadySettled bool `json:"already_settled"`
}

// Executor 是结算流程的核心：读链、判定、签名上链、回写本地。
type Executor struct {
	ledger     web3.LedgerClient
	store      escrow.Store
	effects    EffectPublisher
	maxRetries uint64
	logger     *slog.Logger
}

// Option 定义执行器的可选配置。
type Option func(*Executor)

// WithEffectPublisher 配置结算完成后的下游通知。
func WithEffectPublisher(publisher EffectPublisher) Option {
	return func(e *Executor) {
		e.effects = publisher
	}
}

// WithMaxRetries 设置瞬态链错误的最大重试次数。
func WithMaxRetries(retries uint64) Option {
	return func(e *Executor) {
		e.maxRetries = retries
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = log
	}
}

// NewExecutor 构造结算执行器。
func NewExecutor(ledger web3.LedgerClient, store escrow.Store, opts ...Option) *Executor {
	e := &Executor{
		ledger:     ledger,
		store:      store,
		maxRetries: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("settlement")
	}
	return e
}

// Settle 执行一次结算，可以安全重复调用。
// 链上已结清时对齐本地记录并返回 AlreadySettled，不视为错误。
func (e *Executor) Settle(ctx context.Context, req Request) (Result, error) {
	if req.EscrowID.IsZero() {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "托管单 ID 不能为空")
	}

	// 结算判定只认链上的即时状态。
	state, err := e.ledger.EscrowOf(ctx, req.EscrowID)
	if err != nil {
		return Result{}, e.recordFailure(ctx, req, err)
	}
	if !state.Exists {
		return Result{}, xerrors.New(web3.CodeConflictingState, "托管单在链上不存在")
	}
	if state.Status.Terminal() {
		// 只有目标终态一致才算幂等命中。放款请求撞上已退款的单
		// 是语义冲突，必须报错而不是静默对齐。争议裁决例外：
		// 任何终态都说明裁决已经发生，按 already settled 对齐。
		if req.Action == ActionResolve || state.Status == e.finalStatus(req) {
			return e.alignTerminal(ctx, req.EscrowID, state.Status)
		}
		return Result{}, e.recordFailure(ctx, req, xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
			fmt.Sprintf("链上已按 %s 结清，拒绝执行 %s", state.Status, req.Action)))
	}

	if err := e.precheck(ctx, req, state); err != nil {
		return Result{}, err
	}

	receipt, err := e.submit(ctx, req)
	if err != nil {
		if stdErrors.Is(err, web3.ErrAlreadySettled) {
			// 发交易与读状态之间被别人结清了。重新读链对齐本地。
			fresh, readErr := e.ledger.EscrowOf(ctx, req.EscrowID)
			if readErr != nil || !fresh.Status.Terminal() {
				return Result{}, e.recordFailure(ctx, req, err)
			}
			if req.Action != ActionResolve && fresh.Status != e.finalStatus(req) {
				return Result{}, e.recordFailure(ctx, req, xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
					fmt.Sprintf("链上已按 %s 结清，拒绝执行 %s", fresh.Status, req.Action)))
			}
			return e.alignTerminal(ctx, req.EscrowID, fresh.Status)
		}
		return Result{}, e.recordFailure(ctx, req, err)
	}

	final := e.finalStatus(req)
	now := time.Now()
	if err := e.store.MarkSettled(ctx, req.EscrowID, final, receipt.TxHash.Hex(), now); err != nil {
		// 链上已经成功，本地写失败只告警，等对账兜底。
		e.logger.Error("结算已上链但本地回写失败",
			slog.String("escrow_id", req.EscrowID.Hex()),
			slog.String("tx_hash", receipt.TxHash.Hex()),
			slog.Any("error", err))
	}

	logger.Audit().Info("settlement_executed",
		slog.String("escrow_id", req.EscrowID.Hex()),
		slog.String("action", string(req.Action)),
		slog.String("final_status", string(final)),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.String("operator", req.Operator))

	e.publishEffects(ctx, req.EscrowID, final, receipt.TxHash.Hex(), now)

	return Result{EscrowID: req.EscrowID, Final: final, TxHash: receipt.TxHash.Hex()}, nil
}

// precheck 用合约自身的可结算判定做最后一道校验。
func (e *Executor) precheck(ctx context.Context, req Request, state web3.EscrowState) error {
	switch req.Action {
	case ActionRelease:
		if req.Custodial {
			// 托管路径的放款资格由筛选阶段按本地 delivered_at 判定，
			// 这里只挡链上已进入争议的单。
			if state.Status == escrow.StatusDisputed {
				return e.recordFailure(ctx, req, xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
					"托管单在链上处于争议状态，不允许放款"))
			}
			return nil
		}
		ok, err := e.ledger.IsReleasable(ctx, req.EscrowID)
		if err != nil {
			return e.recordFailure(ctx, req, err)
		}
		if !ok {
			return e.recordFailure(ctx, req, xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
				fmt.Sprintf("链上状态 %s 不允许放款", state.Status)))
		}
	case ActionRefund:
		ok, err := e.ledger.IsRefundable(ctx, req.EscrowID)
		if err != nil {
			return e.recordFailure(ctx, req, err)
		}
		if !ok {
			return e.recordFailure(ctx, req, xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
				fmt.Sprintf("链上状态 %s 不允许退款", state.Status)))
		}
	case ActionResolve:
		if state.Status != escrow.StatusDisputed {
			return e.recordFailure(ctx, req, xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
				fmt.Sprintf("托管单未处于争议状态，当前为 %s", state.Status)))
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的结算动作: %s", req.Action))
	}
	return nil
}

// submit 发送结算交易，瞬态错误按指数退避重试。
func (e *Executor) submit(ctx context.Context, req Request) (web3.SettleReceipt, error) {
	var receipt web3.SettleReceipt

	operation := func() error {
		var err error
		switch req.Action {
		case ActionRelease:
			receipt, err = e.ledger.Release(ctx, req.EscrowID)
		case ActionRefund:
			receipt, err = e.ledger.Refund(ctx, req.EscrowID)
		case ActionResolve:
			receipt, err = e.ledger.ResolveDispute(ctx, req.EscrowID, req.ReleaseToSeller)
		}
		if err == nil {
			return nil
		}
		if xerrors.CodeOf(err) == xerrors.CodeChainTransient {
			e.logger.Warn("结算交易遇到瞬态错误，准备重试",
				slog.String("escrow_id", req.EscrowID.Hex()),
				slog.String("action", string(req.Action)),
				slog.Any("error", err))
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		var permanent *backoff.PermanentError
		if stdErrors.As(err, &permanent) {
			return web3.SettleReceipt{}, permanent.Err
		}
		return web3.SettleReceipt{}, err
	}
	return receipt, nil
}

// alignTerminal 把本地记录对齐到链上终态。
func (e *Executor) alignTerminal(ctx context.Context, id escrow.EscrowID, final escrow.Status) (Result, error) {
	err := e.store.MarkSettled(ctx, id, final, "", time.Now())
	if err != nil && !stdErrors.Is(err, escrow.ErrTerminal) && !stdErrors.Is(err, escrow.ErrNotFound) {
		return Result{}, err
	}
	e.logger.Info("托管单链上已结清，本地对齐",
		slog.String("escrow_id", id.Hex()),
		slog.String("final_status", string(final)))
	return Result{EscrowID: id, Final: final, AlreadySettled: true}, nil
}

func (e *Executor) recordFailure(ctx context.Context, req Request, cause error) error {
	if count, err := e.store.RecordFailure(ctx, req.EscrowID); err == nil {
		e.logger.Warn("结算失败",
			slog.String("escrow_id", req.EscrowID.Hex()),
			slog.String("action", string(req.Action)),
			slog.Int("failure_count", count),
			slog.Any("error", cause))
	}
	return cause
}

func (e *Executor) finalStatus(req Request) escrow.Status {
	switch req.Action {
	case ActionRelease:
		return escrow.StatusReleased
	case ActionRefund:
		return escrow.StatusRefunded
	case ActionResolve:
		if req.ReleaseToSeller {
			return escrow.StatusReleased
		}
		return escrow.StatusRefunded
	default:
		return ""
	}
}

func (e *Executor) publishEffects(ctx context.Context, id escrow.EscrowID, final escrow.Status, txHash string, at time.Time) {
	if e.effects == nil {
		return
	}
	effect := Effect{
		EscrowID:  id.Hex(),
		Final:     final,
		TxHash:    txHash,
		SettledAt: at,
	}
	// 下游效果尽力而为，失败不回滚结算。
	if err := e.effects.Publish(ctx, effect); err != nil {
		e.logger.Warn("下游结算通知发送失败",
			slog.String("escrow_id", id.Hex()),
			slog.Any("error", err))
	}
}
