package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/observability/alerting"
	"EscrowOracle/internal/settlement"
	"EscrowOracle/pkg/logger"
)

// 单次调度最多处理的托管单数量，受外部调度器的执行时长预算约束。
const defaultBatchCap = 20

// 同一托管单连续失败达到该次数时升级告警。
const failureAlertThreshold = 3

// SignerGate 在批处理前判断签名账户是否处于临界状态。
type SignerGate interface {
	SignerCritical(ctx context.Context) (bool, string)
}

// CodeSignerUnhealthy 表示签名账户不健康，整批作业被跳过。
const CodeSignerUnhealthy xerrors.Code = "SIGNER_UNHEALTHY"

func init() {
	xerrors.Register(CodeSignerUnhealthy, xerrors.Attributes{
		Message:   "settlement signer is unhealthy",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Summary 是一次作业执行对外返回的结构化摘要。
type Summary struct {
	RunID      string `json:"run_id"`
	Job        string `json:"job"`
	Processed  int    `json:"processed"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
	// SignerSkipped 表示签名账户临界，整批未执行。
	SignerSkipped bool `json:"signer_skipped,omitempty"`
}

// RunOptions 控制单次作业执行。
type RunOptions struct {
	// TargetID 非空时强制只处理这一笔，跳过批量筛选。
	TargetID escrow.EscrowID
	// Operator 记录管理端触发人，调度器触发为空。
	Operator string
}

// jobPlan 描述一个具体驱动作业的差异部分，批处理骨架是共享的。
type jobPlan interface {
	// Job 返回作业名。
	Job() string
	// Select 按确定性顺序（最旧优先）挑选候选，最多 limit 条。
	Select(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error)
	// Ready 在结算前做最后一道资格复核，false 表示本轮跳过但不算失败。
	Ready(ctx context.Context, tx *escrow.Transaction) (bool, error)
	// Request 构造该作业对应的结算请求。
	Request(tx *escrow.Transaction, operator string) settlement.Request
	// TargetStatus 是强制单笔运行时要求的本地状态。
	TargetStatus() escrow.Status
}

// Driver 是自动放款与自动退款共享的批处理骨架：
// 健康门禁、最旧优先、批量上限、串行结算、单笔失败隔离、审计留痕。
type Driver struct {
	plan     jobPlan
	store    escrow.Store
	runs     RunStore
	exec     *settlement.Executor
	gate     SignerGate
	alerter  alerting.Dispatcher
	batchCap int
	clock    func() time.Time
	logger   *slog.Logger
}

// DriverOption 定义驱动的可选配置。
type DriverOption func(*Driver)

// WithSignerGate 配置签名账户健康门禁。
func WithSignerGate(gate SignerGate) DriverOption {
	return func(d *Driver) { d.gate = gate }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) DriverOption {
	return func(d *Driver) { d.alerter = dispatcher }
}

// WithBatchCap 覆盖批量上限。
func WithBatchCap(limit int) DriverOption {
	return func(d *Driver) {
		if limit > 0 {
			d.batchCap = limit
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(clock func() time.Time) DriverOption {
	return func(d *Driver) {
		if clock != nil {
			d.clock = clock
		}
	}
}

func newDriver(plan jobPlan, store escrow.Store, runs RunStore, exec *settlement.Executor, opts ...DriverOption) *Driver {
	d := &Driver{
		plan:     plan,
		store:    store,
		runs:     runs,
		exec:     exec,
		batchCap: defaultBatchCap,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = logger.Named(plan.Job())
	return d
}

// Run 执行一轮作业。批内串行处理，单笔失败不中断整批。
func (d *Driver) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	now := d.clock()

	if d.gate != nil {
		if critical, reason := d.gate.SignerCritical(ctx); critical {
			d.emitAlert(ctx, alerting.Event{
				Code:     CodeSignerUnhealthy,
				Message:  fmt.Sprintf("签名账户临界，跳过整批 %s: %s", d.plan.Job(), reason),
				Severity: xerrors.SeverityCritical,
				Job:      d.plan.Job(),
				DedupKey: "signer_critical_" + d.plan.Job(),
			})
			run, err := d.runs.Begin(ctx, d.plan.Job(), now)
			if err != nil {
				return Summary{}, err
			}
			run.Note = "skipped: signer critical"
			if err := d.runs.Finish(ctx, run); err != nil {
				d.logger.Warn("审计记录落库失败", slog.Any("error", err))
			}
			return Summary{RunID: run.ID, Job: d.plan.Job(), SignerSkipped: true}, nil
		}
	}

	run, err := d.runs.Begin(ctx, d.plan.Job(), now)
	if err != nil {
		return Summary{}, err
	}

	candidates, err := d.selectCandidates(ctx, now, opts)
	if err != nil {
		run.Note = fmt.Sprintf("selection failed: %v", err)
		if finishErr := d.runs.Finish(ctx, run); finishErr != nil {
			d.logger.Warn("审计记录落库失败", slog.Any("error", finishErr))
		}
		return Summary{}, err
	}

	for _, tx := range candidates {
		if ctx.Err() != nil {
			run.Note = "aborted: context cancelled"
			break
		}
		run.Processed++
		d.processOne(ctx, run, tx, opts.Operator)
	}

	if err := d.runs.Finish(ctx, run); err != nil {
		d.logger.Warn("审计记录落库失败", slog.Any("error", err))
	}

	if run.Failed >= failureAlertThreshold {
		d.emitAlert(ctx, alerting.Event{
			Code:     xerrors.CodeChainTransient,
			Message:  fmt.Sprintf("%s 本轮失败 %d 笔", d.plan.Job(), run.Failed),
			Severity: xerrors.SeverityError,
			Job:      d.plan.Job(),
			Count:    run.Failed,
		})
	}

	duration := d.clock().Sub(now)
	d.logger.Info("作业完成",
		slog.String("run_id", run.ID),
		slog.Int("processed", run.Processed),
		slog.Int("succeeded", run.Succeeded),
		slog.Int("failed", run.Failed),
		slog.Int("skipped", run.Skipped),
		slog.Duration("duration", duration))

	return Summary{
		RunID:      run.ID,
		Job:        d.plan.Job(),
		Processed:  run.Processed,
		Succeeded:  run.Succeeded,
		Failed:     run.Failed,
		Skipped:    run.Skipped,
		DurationMS: duration.Milliseconds(),
	}, nil
}

func (d *Driver) selectCandidates(ctx context.Context, now time.Time, opts RunOptions) ([]*escrow.Transaction, error) {
	if !opts.TargetID.IsZero() {
		tx, err := d.store.GetByEscrowID(ctx, opts.TargetID)
		if err != nil {
			return nil, err
		}
		if tx.Status != d.plan.TargetStatus() {
			return nil, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("托管单状态 %s 不满足 %s 的前置条件", tx.Status, d.plan.Job()))
		}
		return []*escrow.Transaction{tx}, nil
	}
	return d.plan.Select(ctx, now, d.batchCap)
}

func (d *Driver) processOne(ctx context.Context, run *Run, tx *escrow.Transaction, operator string) {
	ready, err := d.plan.Ready(ctx, tx)
	if err != nil {
		run.Failed++
		if _, recErr := d.store.RecordFailure(ctx, tx.EscrowID); recErr != nil {
			d.logger.Warn("失败计数写入失败", slog.Any("error", recErr))
		}
		d.noteItemFailure(ctx, tx, err)
		return
	}
	if !ready {
		run.Skipped++
		d.logger.Debug("资格复核未通过，本轮跳过",
			slog.String("escrow_id", tx.EscrowID.Hex()))
		return
	}

	result, err := d.exec.Settle(ctx, d.plan.Request(tx, operator))
	if err != nil {
		run.Failed++
		d.noteItemFailure(ctx, tx, err)
		return
	}
	run.Succeeded++
	if result.AlreadySettled {
		d.logger.Info("托管单已在链上结清",
			slog.String("escrow_id", tx.EscrowID.Hex()),
			slog.String("final_status", string(result.Final)))
	}
}

// noteItemFailure 在单笔失败时检查连续失败阈值。
// 失败计数由执行器写入，这里只读取最新值决定是否升级。
func (d *Driver) noteItemFailure(ctx context.Context, tx *escrow.Transaction, cause error) {
	d.logger.Warn("单笔结算失败",
		slog.String("escrow_id", tx.EscrowID.Hex()),
		slog.Any("error", cause))

	fresh, err := d.store.GetByEscrowID(ctx, tx.EscrowID)
	if err != nil || fresh.FailureCount < failureAlertThreshold {
		return
	}
	d.emitAlert(ctx, alerting.Event{
		Code:     xerrors.CodeOf(cause),
		Message:  fmt.Sprintf("托管单连续 %d 次结算失败: %v", fresh.FailureCount, cause),
		Severity: xerrors.SeverityError,
		Job:      d.plan.Job(),
		EscrowID: tx.EscrowID.Hex(),
		Count:    fresh.FailureCount,
		DedupKey: "settle_failures_" + tx.EscrowID.Hex(),
	})
}

func (d *Driver) emitAlert(ctx context.Context, event alerting.Event) {
	if d.alerter == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.clock()
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		d.logger.Warn("告警发送失败", slog.Any("error", err))
	}
}
