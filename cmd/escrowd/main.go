package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"EscrowOracle/internal/api"
	"EscrowOracle/internal/auth"
	"EscrowOracle/internal/config"
	"EscrowOracle/internal/dispute"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/health"
	"EscrowOracle/internal/observability/alerting"
	"EscrowOracle/internal/observability/metrics"
	"EscrowOracle/internal/oracle"
	"EscrowOracle/internal/reconcile"
	"EscrowOracle/internal/settlement"
	"EscrowOracle/internal/storage/mysql"
	storageredis "EscrowOracle/internal/storage/redis"
	"EscrowOracle/internal/web3/provider"
	"EscrowOracle/pkg/logger"
)

// main 是结算预言机守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("escrowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ESCROW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "escrow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: true,
			Path:    filepath.Join(cfg.Runtime.LogDir, "audit.log"),
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 持久化层：托管记录、作业审计与对账检查点共用同一个后端。
	var (
		store       escrow.Store
		runs        oracle.RunStore
		checkpoints reconcile.CheckpointStore
	)
	switch cfg.Storage.EscrowStore.Driver {
	case "", "memory":
		store = escrow.NewMemoryStore()
		runs = oracle.NewMemoryRunStore()
		checkpoints = reconcile.NewMemoryCheckpointStore()
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{DSN: cfg.Storage.EscrowStore.DSN})
		if err != nil {
			return err
		}
		if store, err = escrow.NewMySQLStore(db); err != nil {
			return err
		}
		if runs, err = oracle.NewMySQLRunStore(db); err != nil {
			return err
		}
		if checkpoints, err = reconcile.NewMySQLCheckpointStore(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.EscrowStore.Driver)
	}
	defer store.Close()
	defer runs.Close()
	defer checkpoints.Close()

	// 告警限流计数：配置了 Redis 时跨进程去重，否则退化为进程内计数。
	var throttleStore alerting.ThrottleStore = alerting.NewMemoryThrottleStore()
	if cfg.Storage.Redis.Address != "" {
		redisClient, err := storageredis.Open(ctx, storageredis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
		throttleStore = alerting.NewRedisThrottleStore(redisClient)
	}
	alerter := alerting.NewThrottle(buildDispatcher(cfg.Alerts), throttleStore)

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	ledger, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	execOpts := []settlement.Option{}
	if cfg.Queue.RabbitURL != "" {
		effects, err := settlement.NewRabbitMQEffects(settlement.RabbitMQEffectsConfig{
			URL:     cfg.Queue.RabbitURL,
			Queue:   cfg.Queue.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		defer effects.Close()
		execOpts = append(execOpts, settlement.WithEffectPublisher(effects))
	}
	executor := settlement.NewExecutor(ledger, store, execOpts...)

	monitor := health.NewMonitor(ledger, runs, throttleStore)

	driverOpts := []oracle.DriverOption{
		oracle.WithSignerGate(monitor),
		oracle.WithAlertDispatcher(alerter),
		oracle.WithBatchCap(cfg.Jobs.BatchCap),
	}
	autoRelease := oracle.NewAutoRelease(store, runs, ledger, executor, driverOpts...)
	autoRefund := oracle.NewAutoRefund(store, runs, ledger, executor, driverOpts...)

	reconcileOpts := []reconcile.EngineOption{reconcile.WithAlertDispatcher(alerter)}
	if cfg.Jobs.ReconcileWindow > 0 {
		reconcileOpts = append(reconcileOpts, reconcile.WithWindowSize(cfg.Jobs.ReconcileWindow))
	}
	if cfg.Jobs.ReconcileLookback > 0 {
		reconcileOpts = append(reconcileOpts, reconcile.WithLookback(cfg.Jobs.ReconcileLookback))
	}
	if cfg.Alerts.MismatchEscalate > 0 {
		reconcileOpts = append(reconcileOpts, reconcile.WithMismatchThreshold(cfg.Alerts.MismatchEscalate))
	}
	reconciler := reconcile.NewEngine(ledger, store, runs, checkpoints,
		chainRegistry.DefaultChain(), reconcileOpts...)

	resolver := dispute.NewResolver(ledger, store, executor)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil &&
				!errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Auth: auth.NewService(auth.Config{
			SchedulerToken: cfg.Auth.SchedulerToken,
			AdminToken:     cfg.Auth.AdminToken,
		}),
		AutoRelease: autoRelease,
		AutoRefund:  autoRefund,
		Reconcile:   reconciler,
		Disputes:    resolver,
		Health:      monitor,
		Store:       store,
	})

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildDispatcher 按配置装配通知渠道，一条渠道都没有时落到日志。
func buildDispatcher(cfg config.AlertConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook),
		})
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(cfg.SlackWebhookURL),
			ChannelID: "escrow-alerts",
		})
	}
	if len(notifiers) == 0 {
		return alerting.LogDispatcher{}
	}
	return alerting.NewFanout(notifiers...)
}
