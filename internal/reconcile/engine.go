package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/observability/alerting"
	"EscrowOracle/internal/oracle"
	"EscrowOracle/internal/web3"
	"EscrowOracle/pkg/logger"
)

const (
	// 单窗扫描的区块数。窗口结束后才推进检查点。
	defaultWindowSize uint64 = 5000
	// 无检查点时从链头向前回看的区块数。
	defaultLookback uint64 = 50000
	// 单轮不一致条数超过该值时告警升级。
	defaultMismatchThreshold = 10
)

// CodeReconcileMismatch 表示本地记录与链上状态不一致，已自动纠正。
const CodeReconcileMismatch xerrors.Code = "RECONCILE_MISMATCH"

func init() {
	xerrors.Register(CodeReconcileMismatch, xerrors.Attributes{
		Message:   "local escrow record diverged from chain state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Engine 周期性回放合约事件日志，修复本地记录与链的漂移。
type Engine struct {
	ledger            web3.LedgerClient
	store             escrow.Store
	runs              oracle.RunStore
	checkpoints       CheckpointStore
	contract          string
	windowSize        uint64
	lookback          uint64
	mismatchThreshold int
	alerter           alerting.Dispatcher
	clock             func() time.Time
	logger            *slog.Logger
}

// EngineOption 定义引擎的可选配置。
type EngineOption func(*Engine)

// WithWindowSize 覆盖扫描窗口大小。
func WithWindowSize(size uint64) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.windowSize = size
		}
	}
}

// WithLookback 覆盖无检查点时的回看区块数。
func WithLookback(blocks uint64) EngineOption {
	return func(e *Engine) {
		if blocks > 0 {
			e.lookback = blocks
		}
	}
}

// WithMismatchThreshold 覆盖告警升级阈值。
func WithMismatchThreshold(threshold int) EngineOption {
	return func(e *Engine) {
		if threshold > 0 {
			e.mismatchThreshold = threshold
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) EngineOption {
	return func(e *Engine) { e.alerter = dispatcher }
}

// WithClock 注入时钟，测试用。
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine 构造对账引擎。contract 标识被监控的合约，作为检查点的键。
func NewEngine(ledger web3.LedgerClient, store escrow.Store, runs oracle.RunStore, checkpoints CheckpointStore, contract string, opts ...EngineOption) *Engine {
	e := &Engine{
		ledger:            ledger,
		store:             store,
		runs:              runs,
		checkpoints:       checkpoints,
		contract:          contract,
		windowSize:        defaultWindowSize,
		lookback:          defaultLookback,
		mismatchThreshold: defaultMismatchThreshold,
		clock:             time.Now,
		logger:            logger.Named("reconcile"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 执行一轮对账。整轮失败不推进检查点，下个周期整窗重放。
func (e *Engine) Run(ctx context.Context, opts oracle.RunOptions) (oracle.Summary, error) {
	started := e.clock()
	run, err := e.runs.Begin(ctx, oracle.JobReconcile, started)
	if err != nil {
		return oracle.Summary{}, err
	}

	var runErr error
	if opts.TargetID.IsZero() {
		runErr = e.walk(ctx, run)
	} else {
		runErr = e.reconcileOne(ctx, run, opts.TargetID)
	}

	if runErr != nil {
		run.Note = fmt.Sprintf("aborted: %v", runErr)
	}
	if err := e.runs.Finish(ctx, run); err != nil {
		e.logger.Warn("审计记录落库失败", slog.Any("error", err))
	}

	mismatches := run.Succeeded + run.Failed
	e.alertMismatches(ctx, mismatches, run.Failed)

	duration := e.clock().Sub(started)
	e.logger.Info("对账完成",
		slog.String("run_id", run.ID),
		slog.Int("processed", run.Processed),
		slog.Int("corrected", run.Succeeded),
		slog.Int("failed", run.Failed),
		slog.Duration("duration", duration))

	summary := oracle.Summary{
		RunID:      run.ID,
		Job:        oracle.JobReconcile,
		Processed:  run.Processed,
		Succeeded:  run.Succeeded,
		Failed:     run.Failed,
		Skipped:    run.Skipped,
		DurationMS: duration.Milliseconds(),
	}
	return summary, runErr
}

// walk 从检查点走到链头，逐窗回放事件。
func (e *Engine) walk(ctx context.Context, run *oracle.Run) error {
	head, err := e.ledger.HeadBlock(ctx)
	if err != nil {
		return err
	}

	from, err := e.startBlock(ctx, head)
	if err != nil {
		return err
	}

	for from <= head {
		to := from + e.windowSize - 1
		if to > head {
			to = head
		}

		events, err := e.ledger.FilterEvents(ctx, from, to)
		if err != nil {
			// 窗口读失败中止本轮，检查点停在上一个窗口。
			return err
		}

		observations := e.deriveObservations(events)
		for _, obs := range observations {
			run.Processed++
			outcome, err := e.store.ApplyChainState(ctx, obs)
			if err != nil {
				run.Failed++
				e.logger.Warn("对账写入失败",
					slog.String("escrow_id", obs.EscrowID.Hex()),
					slog.Any("error", err))
				continue
			}
			switch outcome {
			case escrow.OutcomeCreated, escrow.OutcomeCorrected:
				run.Succeeded++
				e.logger.Info("本地记录已对齐链上状态",
					slog.String("escrow_id", obs.EscrowID.Hex()),
					slog.String("outcome", string(outcome)),
					slog.String("status", string(obs.Status)))
			default:
				run.Skipped++
			}
		}

		// 整窗写完才推进检查点，窗中崩溃下轮安全重放。
		if err := e.checkpoints.Advance(ctx, e.contract, to); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

// reconcileOne 绕过事件回放，直接读单笔托管单的链上状态并对齐，不动检查点。
func (e *Engine) reconcileOne(ctx context.Context, run *oracle.Run, id escrow.EscrowID) error {
	state, err := e.ledger.EscrowOf(ctx, id)
	if err != nil {
		return err
	}
	if !state.Exists {
		return xerrors.New(xerrors.CodeNotFound, "托管单在链上不存在")
	}

	run.Processed++
	obs := escrow.ChainObservation{
		EscrowID:           id,
		Status:             state.Status,
		Buyer:              state.Buyer.Hex(),
		Seller:             state.Seller.Hex(),
		Deadline:           state.Deadline,
		DisputeWindowHours: state.DisputeWindowHours,
		Note:               "reconciled from direct chain read",
		ObservedAt:         e.clock(),
	}
	if state.Amount != nil {
		obs.Amount = state.Amount.Int64()
	}

	outcome, err := e.store.ApplyChainState(ctx, obs)
	if err != nil {
		run.Failed++
		return err
	}
	if outcome == escrow.OutcomeCreated || outcome == escrow.OutcomeCorrected {
		run.Succeeded++
	} else {
		run.Skipped++
	}
	return nil
}

// deriveObservations 按事件推导每笔托管单的权威状态。
// 优先级 RELEASED > REFUNDED > DISPUTED > DELIVERED > FUNDED：
// 已放款或已退款即为终局，窗口内的争议事件不再影响结果。
func (e *Engine) deriveObservations(events []web3.Event) []escrow.ChainObservation {
	type derived struct {
		obs  escrow.ChainObservation
		rank int
	}
	order := make([]escrow.EscrowID, 0)
	byID := make(map[escrow.EscrowID]*derived)

	observedAt := e.clock()
	for _, event := range events {
		entry, ok := byID[event.EscrowID]
		if !ok {
			entry = &derived{obs: escrow.ChainObservation{
				EscrowID:   event.EscrowID,
				ObservedAt: observedAt,
			}}
			byID[event.EscrowID] = entry
			order = append(order, event.EscrowID)
		}

		if event.Kind == web3.EventCreated {
			entry.obs.Buyer = event.Buyer.Hex()
			entry.obs.Seller = event.Seller.Hex()
			entry.obs.Deadline = event.Deadline
			entry.obs.DisputeWindowHours = event.DisputeWindowHours
			if event.Amount != nil {
				entry.obs.Amount = event.Amount.Int64()
			}
		}

		status := event.Status()
		if rank := statusRank(status); rank > entry.rank || entry.obs.Status == "" {
			entry.rank = rank
			entry.obs.Status = status
			entry.obs.Note = fmt.Sprintf("reconciled from %s event at block %d", event.Kind, event.BlockNumber)
		}
	}

	observations := make([]escrow.ChainObservation, 0, len(order))
	for _, id := range order {
		observations = append(observations, byID[id].obs)
	}
	return observations
}

func statusRank(status escrow.Status) int {
	switch status {
	case escrow.StatusReleased:
		return 5
	case escrow.StatusRefunded:
		return 4
	case escrow.StatusDisputed:
		return 3
	case escrow.StatusDelivered:
		return 2
	case escrow.StatusFunded:
		return 1
	default:
		return 0
	}
}

func (e *Engine) startBlock(ctx context.Context, head uint64) (uint64, error) {
	checkpoint, ok, err := e.checkpoints.Load(ctx, e.contract)
	if err != nil {
		return 0, err
	}
	if ok {
		return checkpoint + 1, nil
	}
	if head > e.lookback {
		return head - e.lookback, nil
	}
	return 0, nil
}

func (e *Engine) alertMismatches(ctx context.Context, mismatches, failed int) {
	if e.alerter == nil || mismatches == 0 {
		return
	}
	severity := xerrors.SeverityWarning
	if mismatches > e.mismatchThreshold {
		severity = xerrors.SeverityError
	}
	event := alerting.Event{
		Code:       CodeReconcileMismatch,
		Message:    fmt.Sprintf("对账发现 %d 处不一致，其中 %d 处写入失败", mismatches, failed),
		Severity:   severity,
		Job:        oracle.JobReconcile,
		Count:      mismatches,
		OccurredAt: e.clock(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		e.logger.Warn("告警发送失败", slog.Any("error", err))
	}
}
