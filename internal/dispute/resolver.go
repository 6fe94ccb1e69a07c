// Package dispute 提供争议单的人工裁决入口。
// 裁决复用结算执行器走链上 resolveDispute，本包只负责前置校验与审计留痕。
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/settlement"
	"EscrowOracle/internal/web3"
	"EscrowOracle/pkg/logger"
)

// CodeNotDisputed 表示托管单不处于争议状态，无法裁决。
const CodeNotDisputed xerrors.Code = "ESCROW_NOT_DISPUTED"

func init() {
	xerrors.Register(CodeNotDisputed, xerrors.Attributes{
		Message:   "escrow is not in disputed state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Request 描述一次裁决请求。
type Request struct {
	EscrowID        escrow.EscrowID `json:"escrow_id"`
	ReleaseToSeller bool            `json:"release_to_seller"`
	Operator        string          `json:"operator"`
	Reason          string          `json:"reason"`
}

// Result 是裁决的结构化结果。AlreadyResolved 为 true 时本次没有发起链上交易。
type Result struct {
	EscrowID        escrow.EscrowID `json:"escrow_id"`
	Final           escrow.Status   `json:"final"`
	TxHash          string          `json:"tx_hash,omitempty"`
	AlreadyResolved bool            `json:"already_resolved"`
}

// Resolver 执行争议裁决。
type Resolver struct {
	ledger   web3.LedgerClient
	store    escrow.Store
	executor *settlement.Executor
	clock    func() time.Time
	logger   *slog.Logger
}

// ResolverOption 定义裁决器的可选配置。
type ResolverOption func(*Resolver)

// WithClock 注入时钟，测试用。
func WithClock(clock func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewResolver 构造裁决器。
func NewResolver(ledger web3.LedgerClient, store escrow.Store, executor *settlement.Executor, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		ledger:   ledger,
		store:    store,
		executor: executor,
		clock:    time.Now,
		logger:   logger.Named("dispute"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 按操作员给定的方向裁决争议单。
// 链上已终态时直接返回 AlreadyResolved，不发起交易也不覆盖既有备注；
// 链上不处于 DISPUTED 时返回 CodeNotDisputed。
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.Operator == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "裁决必须携带操作员身份")
	}

	state, err := r.ledger.EscrowOf(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if !state.Exists {
		return nil, xerrors.New(xerrors.CodeNotFound, "托管单在链上不存在")
	}

	switch {
	case state.Status.Terminal():
		// 执行器内部会把本地记录对齐到链上终态。
		outcome, err := r.executor.Settle(ctx, settlement.Request{
			EscrowID: req.EscrowID,
			Action:   settlement.ActionResolve,
			Operator: req.Operator,
		})
		if err != nil {
			return nil, err
		}
		return &Result{
			EscrowID:        req.EscrowID,
			Final:           outcome.Final,
			AlreadyResolved: true,
		}, nil
	case state.Status != escrow.StatusDisputed:
		return nil, xerrors.New(CodeNotDisputed,
			fmt.Sprintf("托管单当前状态为 %s，不可裁决", state.Status))
	}

	outcome, err := r.executor.Settle(ctx, settlement.Request{
		EscrowID:        req.EscrowID,
		Action:          settlement.ActionResolve,
		ReleaseToSeller: req.ReleaseToSeller,
		Operator:        req.Operator,
	})
	if err != nil {
		return nil, err
	}

	r.stampNote(ctx, req)

	r.logger.Info("争议裁决完成",
		slog.String("escrow_id", req.EscrowID.Hex()),
		slog.String("final", string(outcome.Final)),
		slog.String("operator", req.Operator),
		slog.Bool("already_resolved", outcome.AlreadySettled))

	return &Result{
		EscrowID:        req.EscrowID,
		Final:           outcome.Final,
		TxHash:          outcome.TxHash,
		AlreadyResolved: outcome.AlreadySettled,
	}, nil
}

// stampNote 写入一次性审计备注。已有备注时存储层保持原值。
func (r *Resolver) stampNote(ctx context.Context, req Request) {
	direction := "refund to buyer"
	if req.ReleaseToSeller {
		direction = "release to seller"
	}
	note := fmt.Sprintf("%s by %s at %s", direction, req.Operator,
		r.clock().UTC().Format(time.RFC3339))
	if req.Reason != "" {
		note += ": " + req.Reason
	}
	if err := r.store.StampDisputeNote(ctx, req.EscrowID, note); err != nil {
		// 备注失败不影响已经落链的裁决结果。
		r.logger.Warn("审计备注写入失败",
			slog.String("escrow_id", req.EscrowID.Hex()),
			slog.Any("error", err))
	}
}
