package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"EscrowOracle/internal/auth"
	"EscrowOracle/internal/dispute"
	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/health"
	"EscrowOracle/internal/observability/metrics"
	"EscrowOracle/internal/oracle"
	"EscrowOracle/internal/web3"
)

// JobRunner 是一次性触发的作业入口，自动放款、自动退款与对账都实现它。
type JobRunner interface {
	Run(ctx context.Context, opts oracle.RunOptions) (oracle.Summary, error)
}

// Deps 汇集服务依赖的各个组件。
type Deps struct {
	Auth        *auth.Service
	AutoRelease JobRunner
	AutoRefund  JobRunner
	Reconcile   JobRunner
	Disputes    *dispute.Resolver
	Health      *health.Monitor
	Store       escrow.Store
}

// Server 负责暴露 REST 触发接口。
type Server struct {
	addr string
	deps Deps
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

// Handler 返回挂载了全部路由与鉴权的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	scheduler := s.deps.Auth.Middleware(auth.MiddlewareConfig{RequiredRole: auth.RoleScheduler})
	admin := s.deps.Auth.Middleware(auth.MiddlewareConfig{RequiredRole: auth.RoleAdmin})

	mux.Handle("/api/v1/jobs/auto-release",
		scheduler(s.jobHandler(oracle.JobAutoRelease, s.deps.AutoRelease)))
	mux.Handle("/api/v1/jobs/auto-refund",
		scheduler(s.jobHandler(oracle.JobAutoRefund, s.deps.AutoRefund)))
	mux.Handle("/api/v1/jobs/reconcile",
		scheduler(s.jobHandler(oracle.JobReconcile, s.deps.Reconcile)))
	mux.Handle("/api/v1/disputes/resolve", admin(http.HandlerFunc(s.handleResolveDispute)))
	mux.Handle("/api/v1/escrows/", scheduler(http.HandlerFunc(s.handleEscrowDetail)))
	mux.Handle("/api/v1/health", http.HandlerFunc(s.handleHealth))
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// triggerRequest 是作业触发的可选请求体。
type triggerRequest struct {
	TargetID string `json:"target_id"`
}

// jobHandler 把一个作业包装成触发端点。请求体可为空，
// 带 target_id 时强制单笔执行。
func (s *Server) jobHandler(job string, runner JobRunner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		if runner == nil {
			http.Error(w, "作业未装配", http.StatusServiceUnavailable)
			return
		}

		opts := oracle.RunOptions{Operator: auth.OperatorFromContext(r.Context())}
		var req triggerRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.TargetID != "" {
			id, err := escrow.ParseEscrowID(req.TargetID)
			if err != nil {
				writeError(w, err)
				return
			}
			opts.TargetID = id
		}

		started := time.Now()
		summary, err := runner.Run(r.Context(), opts)
		metrics.ObserveJobRun(job, summary.Processed, summary.Failed, time.Since(started))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		EscrowID        string `json:"escrow_id"`
		ReleaseToSeller bool   `json:"release_to_seller"`
		Reason          string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	id, err := escrow.ParseEscrowID(body.EscrowID)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.deps.Disputes.Resolve(r.Context(), dispute.Request{
		EscrowID:        id,
		ReleaseToSeller: body.ReleaseToSeller,
		Operator:        auth.OperatorFromContext(r.Context()),
		Reason:          body.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/escrows/")
	if raw == "" || strings.Contains(raw, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少托管单 ID"))
		return
	}
	id, err := escrow.ParseEscrowID(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	record, err := s.deps.Store.GetByEscrowID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.deps.Health.Check(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// decodeOptionalBody 解析可为空的 JSON 请求体。
func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败")
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 按错误码映射 HTTP 状态并输出结构化错误体。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, escrow.CodeEscrowNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, escrow.CodeEscrowConflict, escrow.CodeEscrowTerminal,
		dispute.CodeNotDisputed, web3.CodeConflictingState:
		status = http.StatusConflict
	case xerrors.CodeChainTransient, xerrors.CodeTimeout:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
