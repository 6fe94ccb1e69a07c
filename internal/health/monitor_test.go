package health

import (
	"context"
	"math/big"
	"testing"
	"time"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/observability/alerting"
	"EscrowOracle/internal/oracle"
	"EscrowOracle/internal/web3"
)

func TestEvaluateThresholds(t *testing.T) {
	cases := []struct {
		name string
		in   Inputs
		want Status
	}{
		{"all clear", Inputs{Balance: BalanceHealthy}, StatusHealthy},
		{"balance critical", Inputs{Balance: BalanceCritical}, StatusCritical},
		{"hourly errors over limit", Inputs{Balance: BalanceHealthy, ErrorsLastHour: 11}, StatusCritical},
		{"hourly errors at limit", Inputs{Balance: BalanceHealthy, ErrorsLastHour: 10}, StatusHealthy},
		{"consecutive release failures", Inputs{
			Balance: BalanceHealthy,
			Jobs:    map[string]JobHealth{oracle.JobAutoRelease: {Runs: 6, Failed: 6, ConsecutiveFailures: 6}},
		}, StatusCritical},
		{"balance low", Inputs{Balance: BalanceLow}, StatusDegraded},
		{"daily errors over limit", Inputs{Balance: BalanceHealthy, ErrorsLastDay: 21}, StatusDegraded},
		{"low success rate", Inputs{
			Balance: BalanceHealthy,
			Jobs:    map[string]JobHealth{oracle.JobAutoRefund: {Runs: 10, Failed: 2, SuccessRate: 0.8}},
		}, StatusDegraded},
		{"critical beats degraded", Inputs{Balance: BalanceCritical, ErrorsLastDay: 30}, StatusCritical},
		{"idle jobs ignored", Inputs{
			Balance: BalanceHealthy,
			Jobs:    map[string]JobHealth{oracle.JobReconcile: {Runs: 0, SuccessRate: 0}},
		}, StatusHealthy},
	}

	for _, tc := range cases {
		if got := Evaluate(tc.in); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func seedRun(t *testing.T, runs oracle.RunStore, job string, at time.Time, failed int) {
	t.Helper()
	run, err := runs.Begin(context.Background(), job, at)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	run.Processed = failed + 1
	run.Succeeded = 1
	run.Failed = failed
	if err := runs.Finish(context.Background(), run); err != nil {
		t.Fatalf("finish run: %v", err)
	}
}

func TestMonitorCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ledger := web3.NewMemoryLedger()
	runs := oracle.NewMemoryRunStore()
	alerts := alerting.NewMemoryThrottleStore()

	ledger.SetBalance(big.NewInt(1_000_000_000_000_000_000))
	seedRun(t, runs, oracle.JobAutoRelease, now.Add(-3*time.Hour), 0)
	seedRun(t, runs, oracle.JobAutoRelease, now.Add(-2*time.Hour), 1)
	seedRun(t, runs, oracle.JobAutoRelease, now.Add(-time.Hour), 1)
	// 窗口之外的执行不参与统计。
	seedRun(t, runs, oracle.JobAutoRefund, now.Add(-30*time.Hour), 5)

	if err := alerts.Record(ctx, xerrors.SeverityError, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("record alert: %v", err)
	}

	monitor := NewMonitor(ledger, runs, alerts, WithClock(func() time.Time { return now }))
	report, err := monitor.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}

	if report.Balance != BalanceHealthy {
		t.Fatalf("expected healthy balance, got %s", report.Balance)
	}
	release := report.Jobs[oracle.JobAutoRelease]
	if release.Runs != 3 || release.Failed != 2 {
		t.Fatalf("unexpected release job stats: %+v", release)
	}
	if release.ConsecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", release.ConsecutiveFailures)
	}
	if refund := report.Jobs[oracle.JobAutoRefund]; refund.Runs != 0 {
		t.Fatalf("stale runs leaked into the window: %+v", refund)
	}
	if report.ErrorsLastHour != 1 {
		t.Fatalf("expected 1 error in last hour, got %d", report.ErrorsLastHour)
	}
	// 成功率 1/3 触发降级。
	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
}

func TestMonitorBalanceLevels(t *testing.T) {
	ctx := context.Background()
	ledger := web3.NewMemoryLedger()
	runs := oracle.NewMemoryRunStore()
	monitor := NewMonitor(ledger, runs, nil,
		WithBalanceThresholds(big.NewInt(100), big.NewInt(1000)))

	ledger.SetBalance(big.NewInt(50))
	report, err := monitor.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Balance != BalanceCritical || report.Status != StatusCritical {
		t.Fatalf("expected critical, got balance=%s status=%s", report.Balance, report.Status)
	}

	ledger.SetBalance(big.NewInt(500))
	if report, err = monitor.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	} else if report.Balance != BalanceLow || report.Status != StatusDegraded {
		t.Fatalf("expected low/degraded, got balance=%s status=%s", report.Balance, report.Status)
	}

	ledger.SetBalance(big.NewInt(5000))
	if report, err = monitor.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	} else if report.Balance != BalanceHealthy || report.Status != StatusHealthy {
		t.Fatalf("expected healthy, got balance=%s status=%s", report.Balance, report.Status)
	}
}

func TestMonitorSignerGate(t *testing.T) {
	ctx := context.Background()
	ledger := web3.NewMemoryLedger()
	monitor := NewMonitor(ledger, oracle.NewMemoryRunStore(), nil,
		WithBalanceThresholds(big.NewInt(100), big.NewInt(1000)))

	ledger.SetBalance(big.NewInt(50))
	critical, reason := monitor.SignerCritical(ctx)
	if !critical || reason == "" {
		t.Fatalf("expected critical gate with reason, got %v %q", critical, reason)
	}

	ledger.SetBalance(big.NewInt(500))
	if critical, _ = monitor.SignerCritical(ctx); critical {
		t.Fatalf("low balance must not trip the gate")
	}
}
