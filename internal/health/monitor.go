// Package health 汇总签名账户余额、作业失败率与告警频次，
// 给出整体健康状态并为定时作业提供签名账户熔断判定。
package health

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"EscrowOracle/internal/observability/alerting"
	"EscrowOracle/internal/oracle"
	"EscrowOracle/internal/web3"
	"EscrowOracle/pkg/logger"
)

// Status 是整体健康状态。
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// BalanceLevel 是签名账户余额分级。
type BalanceLevel string

const (
	BalanceHealthy  BalanceLevel = "healthy"
	BalanceLow      BalanceLevel = "low"
	BalanceCritical BalanceLevel = "critical"
)

// 固定判定阈值。余额阈值可通过 Option 覆盖，其余写死。
const (
	maxErrorsPerHour       = 10
	maxErrorsPerDay        = 20
	maxConsecutiveFailures = 5
	minSuccessRate         = 0.90
)

// 默认余额阈值，单位 wei。0.05 ETH 以下视为危急，0.2 ETH 以下视为偏低。
var (
	defaultCriticalBalance = big.NewInt(50_000_000_000_000_000)
	defaultLowBalance      = big.NewInt(200_000_000_000_000_000)
)

// JobHealth 描述单个作业最近 24 小时的执行质量。
type JobHealth struct {
	Runs                int     `json:"runs"`
	Failed              int     `json:"failed"`
	SuccessRate         float64 `json:"success_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// Inputs 是健康判定的全部输入。判定本身是纯函数，方便单测穷举。
type Inputs struct {
	Balance        BalanceLevel
	ErrorsLastHour int
	ErrorsLastDay  int
	Jobs           map[string]JobHealth
}

// Report 是一次健康检查的结果。
type Report struct {
	Status         Status               `json:"status"`
	Signer         string               `json:"signer"`
	BalanceWei     string               `json:"balance_wei"`
	Balance        BalanceLevel         `json:"balance"`
	ErrorsLastHour int                  `json:"errors_last_hour"`
	ErrorsLastDay  int                  `json:"errors_last_day"`
	Jobs           map[string]JobHealth `json:"jobs"`
	CheckedAt      time.Time            `json:"checked_at"`
}

// Evaluate 依据固定阈值计算整体状态。
// 危急：余额危急、每小时错误数超限或放款作业连续失败超限。
// 降级：余额偏低、每日错误数超限或任一作业成功率不足。
func Evaluate(in Inputs) Status {
	release := in.Jobs[oracle.JobAutoRelease]
	if in.Balance == BalanceCritical ||
		in.ErrorsLastHour > maxErrorsPerHour ||
		release.ConsecutiveFailures > maxConsecutiveFailures {
		return StatusCritical
	}

	if in.Balance == BalanceLow || in.ErrorsLastDay > maxErrorsPerDay {
		return StatusDegraded
	}
	for _, job := range in.Jobs {
		if job.Runs > 0 && job.SuccessRate < minSuccessRate {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// Monitor 采集健康输入并给出判定。
type Monitor struct {
	ledger          web3.LedgerClient
	runs            oracle.RunStore
	alerts          alerting.ThrottleStore
	criticalBalance *big.Int
	lowBalance      *big.Int
	clock           func() time.Time
	logger          *slog.Logger
}

// Option 定义监控器的可选配置。
type Option func(*Monitor)

// WithBalanceThresholds 覆盖余额阈值，单位 wei。
func WithBalanceThresholds(critical, low *big.Int) Option {
	return func(m *Monitor) {
		if critical != nil {
			m.criticalBalance = critical
		}
		if low != nil {
			m.lowBalance = low
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMonitor 构造健康监控器。alerts 可为 nil，此时错误频次按零计。
func NewMonitor(ledger web3.LedgerClient, runs oracle.RunStore, alerts alerting.ThrottleStore, opts ...Option) *Monitor {
	m := &Monitor{
		ledger:          ledger,
		runs:            runs,
		alerts:          alerts,
		criticalBalance: defaultCriticalBalance,
		lowBalance:      defaultLowBalance,
		clock:           time.Now,
		logger:          logger.Named("health"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Check 采集当前输入并返回完整的健康报告。
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	now := m.clock()

	balance, err := m.ledger.SignerBalance(ctx)
	if err != nil {
		return nil, err
	}
	level := m.classifyBalance(balance)

	errsHour, errsDay := m.errorCounts(ctx, now)

	jobs := make(map[string]JobHealth, 3)
	for _, job := range []string{oracle.JobAutoRelease, oracle.JobAutoRefund, oracle.JobReconcile} {
		health, err := m.jobHealth(ctx, job, now)
		if err != nil {
			return nil, err
		}
		jobs[job] = health
	}

	report := &Report{
		Status: Evaluate(Inputs{
			Balance:        level,
			ErrorsLastHour: errsHour,
			ErrorsLastDay:  errsDay,
			Jobs:           jobs,
		}),
		Signer:         m.ledger.SignerAddress().Hex(),
		BalanceWei:     balance.String(),
		Balance:        level,
		ErrorsLastHour: errsHour,
		ErrorsLastDay:  errsDay,
		Jobs:           jobs,
		CheckedAt:      now,
	}
	return report, nil
}

// SignerCritical 实现定时作业的熔断门。余额危急时整批跳过。
func (m *Monitor) SignerCritical(ctx context.Context) (bool, string) {
	balance, err := m.ledger.SignerBalance(ctx)
	if err != nil {
		// 余额读不到时不拦截批次，由结算前置检查兜底。
		m.logger.Warn("签名账户余额查询失败", slog.Any("error", err))
		return false, ""
	}
	if m.classifyBalance(balance) == BalanceCritical {
		return true, "signer balance critical: " + balance.String() + " wei"
	}
	return false, ""
}

func (m *Monitor) classifyBalance(balance *big.Int) BalanceLevel {
	switch {
	case balance.Cmp(m.criticalBalance) < 0:
		return BalanceCritical
	case balance.Cmp(m.lowBalance) < 0:
		return BalanceLow
	default:
		return BalanceHealthy
	}
}

func (m *Monitor) errorCounts(ctx context.Context, now time.Time) (int, int) {
	if m.alerts == nil {
		return 0, 0
	}
	hour, err := m.alerts.ErrorCount(ctx, now, time.Hour)
	if err != nil {
		m.logger.Warn("小时错误计数查询失败", slog.Any("error", err))
	}
	day, err := m.alerts.ErrorCount(ctx, now, 24*time.Hour)
	if err != nil {
		m.logger.Warn("当日错误计数查询失败", slog.Any("error", err))
	}
	return hour, day
}

// jobHealth 统计作业最近 24 小时的执行质量。
// 连续失败数从最新一次执行往回数，遇到成功即停。
func (m *Monitor) jobHealth(ctx context.Context, job string, now time.Time) (JobHealth, error) {
	runs, err := m.runs.ListSince(ctx, job, now.Add(-24*time.Hour))
	if err != nil {
		return JobHealth{}, err
	}

	health := JobHealth{Runs: len(runs), SuccessRate: 1}
	counting := true
	for _, run := range runs {
		if run.Success() {
			counting = false
			continue
		}
		health.Failed++
		if counting {
			health.ConsecutiveFailures++
		}
	}
	if health.Runs > 0 {
		health.SuccessRate = float64(health.Runs-health.Failed) / float64(health.Runs)
	}
	return health, nil
}

var _ oracle.SignerGate = (*Monitor)(nil)
