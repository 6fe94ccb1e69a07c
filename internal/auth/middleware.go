package auth

import (
	"net/http"
	"time"

	"EscrowOracle/internal/observability/metrics"
	loggerpkg "EscrowOracle/pkg/logger"
)

// MiddlewareConfig 配置鉴权中间件的行为。
type MiddlewareConfig struct {
	// RequiredRole 是访问该接口所需的最低角色。
	RequiredRole Role
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，校验令牌并记录每次触发的审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}

			if !s.Enabled() {
				observe(event, next, w, r)
				return
			}

			subject, err := s.AuthenticateRequest(r)
			if err != nil {
				status := http.StatusUnauthorized
				if err == ErrMissingOperator {
					status = http.StatusBadRequest
				}
				http.Error(w, http.StatusText(status), status)
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				metrics.ObserveHTTPRequest(event, r.Method, status, 0)
				return
			}

			if err := subject.Authorize(cfg.RequiredRole); err != nil {
				status := http.StatusForbidden
				http.Error(w, http.StatusText(status), status)
				loggerpkg.Audit().Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"role", string(subject.Role),
				)
				metrics.ObserveHTTPRequest(event, r.Method, status, 0)
				return
			}

			ctx := WithSubject(r.Context(), subject)
			observe(event, next, w, r.WithContext(ctx))
		})
	}
}

// observe 执行实际处理并记录审计日志与请求指标。
func observe(event string, next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(aw, r)
	duration := time.Since(start)

	fields := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"status", aw.status,
		"duration_ms", duration.Milliseconds(),
	}
	if operator := OperatorFromContext(r.Context()); operator != "" {
		fields = append(fields, "operator", operator)
	}
	loggerpkg.Audit().Info("api_request", fields...)
	metrics.ObserveHTTPRequest(event, r.Method, aw.status, duration)
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
