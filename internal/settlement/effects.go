package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"EscrowOracle/internal/escrow"
)

// Effect 是结算完成后广播给下游系统的消息。
// 手续费记账、信誉分更新、到账通知都订阅这条消息，彼此独立消费。
type Effect struct {
	EscrowID  string        `json:"escrow_id"`
	Final     escrow.Status `json:"final_status"`
	TxHash    string        `json:"tx_hash"`
	SettledAt time.Time     `json:"settled_at"`
}

// EffectPublisher 抽象结算效果的投递通道。
type EffectPublisher interface {
	Publish(ctx context.Context, effect Effect) error
	Close() error
}

// RabbitMQEffectsConfig 描述 RabbitMQ 通道的连接参数。
type RabbitMQEffectsConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQEffects 将结算效果投递到 RabbitMQ 队列。
type RabbitMQEffects struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQEffects 建立 RabbitMQ 连接并声明队列。
func NewRabbitMQEffects(cfg RabbitMQEffectsConfig) (*RabbitMQEffects, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "escrow.settlements"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQEffects{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将结算效果序列化后投递到队列。
func (p *RabbitMQEffects) Publish(ctx context.Context, effect Effect) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 通道未初始化")
	}
	body, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("序列化结算效果失败: %w", err)
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close 释放连接。
func (p *RabbitMQEffects) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// MemoryEffects 在内存中记录结算效果，供本地开发与测试使用。
type MemoryEffects struct {
	mu      sync.Mutex
	effects []Effect
	failErr error
}

// NewMemoryEffects 创建内存效果通道。
func NewMemoryEffects() *MemoryEffects {
	return &MemoryEffects{}
}

// Publish 记录一条结算效果。
func (p *MemoryEffects) Publish(_ context.Context, effect Effect) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return p.failErr
	}
	p.effects = append(p.effects, effect)
	return nil
}

// Effects 返回已记录的效果副本。
func (p *MemoryEffects) Effects() []Effect {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]Effect, len(p.effects))
	copy(copied, p.effects)
	return copied
}

// Fail 让后续 Publish 返回给定错误，用于测试尽力而为语义。
func (p *MemoryEffects) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Close 实现 EffectPublisher 接口。
func (p *MemoryEffects) Close() error {
	return nil
}

var (
	_ EffectPublisher = (*RabbitMQEffects)(nil)
	_ EffectPublisher = (*MemoryEffects)(nil)
)
