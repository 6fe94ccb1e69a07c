// Package auth 提供触发接口的静态令牌鉴权。
// 调度器与管理员各持一枚共享密钥，管理员请求额外携带操作员身份。
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMissingOperator  = errors.New("missing operator identity")
)

// Role 区分令牌对应的调用方身份。
type Role string

const (
	// RoleScheduler 是外部调度器，允许触发定时作业。
	RoleScheduler Role = "scheduler"
	// RoleAdmin 是管理员，额外允许争议裁决等人工操作。
	RoleAdmin Role = "admin"
)

// Subject 是通过鉴权的调用方。
type Subject struct {
	Role Role
	// Operator 仅管理员令牌携带，来自请求头，用于审计。
	Operator string
}

// Authorize 校验调用方角色是否满足要求。管理员令牌覆盖调度器权限。
func (s *Subject) Authorize(required Role) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Role == required || s.Role == RoleAdmin {
		return nil
	}
	return ErrPermissionDenied
}

// OperatorHeader 是管理员请求携带操作员身份的请求头。
const OperatorHeader = "X-Operator"

// Mode 表示鉴权开关状态。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
)

// Config 是静态令牌鉴权的配置。两枚令牌都为空时鉴权关闭。
type Config struct {
	SchedulerToken string
	AdminToken     string
}

// Service 校验请求携带的共享密钥。
type Service struct {
	mode           Mode
	schedulerToken []byte
	adminToken     []byte
}

// NewService 构造鉴权服务。
func NewService(cfg Config) *Service {
	s := &Service{mode: ModeStatic}
	if cfg.SchedulerToken == "" && cfg.AdminToken == "" {
		s.mode = ModeDisabled
		return s
	}
	if cfg.SchedulerToken != "" {
		s.schedulerToken = []byte(cfg.SchedulerToken)
	}
	if cfg.AdminToken != "" {
		s.adminToken = []byte(cfg.AdminToken)
	}
	return s
}

// Enabled 报告鉴权是否开启。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 校验 Authorization 头并返回调用方身份。
func (s *Service) AuthenticateRequest(r *http.Request) (*Subject, error) {
	token, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	if s.adminToken != nil && subtle.ConstantTimeCompare([]byte(token), s.adminToken) == 1 {
		operator := strings.TrimSpace(r.Header.Get(OperatorHeader))
		if operator == "" {
			return nil, ErrMissingOperator
		}
		return &Subject{Role: RoleAdmin, Operator: operator}, nil
	}
	if s.schedulerToken != nil && subtle.ConstantTimeCompare([]byte(token), s.schedulerToken) == 1 {
		return &Subject{Role: RoleScheduler}, nil
	}
	return nil, ErrInvalidToken
}

// bearerToken 提取 Bearer 令牌。
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
