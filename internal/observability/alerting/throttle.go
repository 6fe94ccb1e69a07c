package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/pkg/logger"
)

// ThrottleStore 持久化告警的去重标记与小时级计数。
// 计数落在进程外，告警频控与健康检查不依赖进程常驻。
type ThrottleStore interface {
	// Mark 在 now 所在自然日内第一次看到 key 时返回 true。
	Mark(ctx context.Context, key string, now time.Time) (bool, error)
	// Record 累加 now 所在小时、指定严重级别的计数。
	Record(ctx context.Context, severity xerrors.Severity, now time.Time) error
	// ErrorCount 返回 window 窗口内 severity >= error 的事件数。
	ErrorCount(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

const (
	dedupKeyTTL   = 48 * time.Hour
	counterKeyTTL = 25 * time.Hour
)

// RedisThrottleStore 基于 Redis 实现去重标记与计数。
type RedisThrottleStore struct {
	client *redis.Client
	prefix string
}

// NewRedisThrottleStore 构造 Redis 节流存储。
func NewRedisThrottleStore(client *redis.Client) *RedisThrottleStore {
	return &RedisThrottleStore{client: client, prefix: "escrow:alerts"}
}

// Mark 用 SETNX 语义实现每天一次的去重。
func (s *RedisThrottleStore) Mark(ctx context.Context, key string, now time.Time) (bool, error) {
	redisKey := fmt.Sprintf("%s:dedup:%s:%s", s.prefix, key, now.UTC().Format("20060102"))
	first, err := s.client.SetNX(ctx, redisKey, "1", dedupKeyTTL).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入告警去重标记失败")
	}
	return first, nil
}

// Record 累加小时桶计数。
func (s *RedisThrottleStore) Record(ctx context.Context, severity xerrors.Severity, now time.Time) error {
	if severityRank(severity) < severityRank(xerrors.SeverityError) {
		return nil
	}
	key := s.hourKey(now)
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加告警计数失败")
	}
	return nil
}

// ErrorCount 汇总窗口覆盖的小时桶。
func (s *RedisThrottleStore) ErrorCount(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	hours := int(window / time.Hour)
	if hours < 1 {
		hours = 1
	}
	keys := make([]string, 0, hours)
	for i := 0; i < hours; i++ {
		keys = append(keys, s.hourKey(now.Add(-time.Duration(i)*time.Hour)))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取告警计数失败")
	}
	total := 0
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *RedisThrottleStore) hourKey(ts time.Time) string {
	return fmt.Sprintf("%s:count:%s", s.prefix, ts.UTC().Format("2006010215"))
}

// MemoryThrottleStore 是 ThrottleStore 的内存实现，供测试与单机部署使用。
type MemoryThrottleStore struct {
	mu      sync.Mutex
	marks   map[string]struct{}
	records []time.Time
}

// NewMemoryThrottleStore 创建内存节流存储。
func NewMemoryThrottleStore() *MemoryThrottleStore {
	return &MemoryThrottleStore{marks: make(map[string]struct{})}
}

// Mark 记录去重标记。
func (s *MemoryThrottleStore) Mark(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dayKey := key + ":" + now.UTC().Format("20060102")
	if _, seen := s.marks[dayKey]; seen {
		return false, nil
	}
	s.marks[dayKey] = struct{}{}
	return true, nil
}

// Record 记录一次事件时间。
func (s *MemoryThrottleStore) Record(_ context.Context, severity xerrors.Severity, now time.Time) error {
	if severityRank(severity) < severityRank(xerrors.SeverityError) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, now)
	return nil
}

// ErrorCount 统计窗口内的事件数。
func (s *MemoryThrottleStore) ErrorCount(_ context.Context, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	count := 0
	for _, ts := range s.records {
		if !ts.Before(cutoff) && !ts.After(now) {
			count++
		}
	}
	return count, nil
}

// Throttle 包装 Dispatcher：记录计数，并对带 DedupKey 的事件做每日一次去重。
type Throttle struct {
	inner Dispatcher
	store ThrottleStore
}

// NewThrottle 构造节流派发器。store 为空时退化为直通。
func NewThrottle(inner Dispatcher, store ThrottleStore) *Throttle {
	return &Throttle{inner: inner, store: store}
}

// Notify 先计数再判定去重，最后转发。
func (t *Throttle) Notify(ctx context.Context, event Event) error {
	if t == nil || t.inner == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if t.store != nil {
		if err := t.store.Record(ctx, event.Severity, event.OccurredAt); err != nil {
			logger.L().Warn("告警计数写入失败", slog.Any("error", err))
		}
		if event.DedupKey != "" {
			first, err := t.store.Mark(ctx, event.DedupKey, event.OccurredAt)
			if err == nil && !first {
				return nil
			}
		}
	}
	return t.inner.Notify(ctx, event)
}

func severityRank(severity xerrors.Severity) int {
	switch severity {
	case xerrors.SeverityCritical:
		return 3
	case xerrors.SeverityError:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

var (
	_ ThrottleStore = (*RedisThrottleStore)(nil)
	_ ThrottleStore = (*MemoryThrottleStore)(nil)
	_ Dispatcher    = (*Throttle)(nil)
	_ Dispatcher    = (*FanoutDispatcher)(nil)
	_ Dispatcher    = LogDispatcher{}
)
