package events

import (
	"context"
	"log/slog"

	"OpenMCP-Swap/pkg/logger"
)

// LogPublisher 将事件写入结构化日志，是未配置消息通道时的默认驱动。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher 创建日志发布器，logger 为空时使用全局日志。
func NewLogPublisher(l *slog.Logger) *LogPublisher {
	if l == nil {
		l = logger.Named("events")
	}
	return &LogPublisher{logger: l}
}

// Publish 实现 Publisher。
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attrs := []any{
		slog.String("id", event.ID),
		slog.String("type", event.Type),
		slog.String("execution_id", event.ExecutionID),
		slog.String("session_id", event.SessionID),
		slog.String("user_id", event.UserID),
		slog.String("network", event.NetworkID),
	}
	if event.Venue != "" {
		attrs = append(attrs, slog.String("venue", event.Venue))
	}
	if event.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", event.TxHash))
	}
	if event.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", event.ErrorCode))
	}
	p.logger.InfoContext(ctx, "execution_event", attrs...)
	return nil
}

// Close 实现 Publisher。
func (p *LogPublisher) Close() error { return nil }
