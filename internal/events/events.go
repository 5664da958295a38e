// Package events 发布兑换执行事件，供下游对账、通知等系统消费。发布失败只记录
// 日志，不影响执行结果。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"OpenMCP-Swap/internal/config"
)

// 事件类型。
const (
	TypeExecutionConfirmed = "execution.confirmed"
	TypeExecutionPending   = "execution.pending"
	TypeExecutionFailed    = "execution.failed"
	TypeExecutionRejected  = "execution.rejected"
)

// Event 描述一次执行的结果。
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ExecutionID string    `json:"executionId"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	NetworkID   string    `json:"networkId"`
	Venue       string    `json:"venue,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

func encode(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return payload, nil
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }

// Build 根据配置创建发布器。
func Build(cfg config.EventsConfig) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLogPublisher(nil), nil
	case "memory":
		// 只缓存在进程内，需要调用方读取 Events()，用于测试。
		return NewMemoryPublisher(256), nil
	case "none":
		return NopPublisher{}, nil
	case "redis":
		p, err := NewRedisPublisher(RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Prefix + "executions",
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "rabbitmq":
		p, err := NewRabbitMQPublisher(RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
}
