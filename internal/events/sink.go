package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ChainTrader/internal/config"
	"ChainTrader/internal/observability/metrics"
	"ChainTrader/pkg/logger"
)

// Open 根据配置创建事件总线。driver 为 none 时返回 nil。
func Open(ctx context.Context, cfg config.EventsConfig) (Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryBus(cfg.Buffer), nil
	case "none":
		return nil, nil
	case "redis":
		bus, err := NewRedisBus(ctx, RedisConfig{Address: cfg.RedisAddr, Key: cfg.RedisKey})
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "rabbitmq":
		bus, err := NewRabbitMQBus(RabbitMQConfig{URL: cfg.RabbitURL, Queue: cfg.RabbitQueue, Prefetch: 32, Durable: true})
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
}

// AuditSink 把事件写入审计日志并计数。
func AuditSink(_ context.Context, e Event) error {
	attrs := []any{
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.Bool("ok", e.OK),
		slog.Time("occurred_at", e.OccurredAt),
	}
	for key, value := range map[string]string{
		"session_id": e.SessionID,
		"agent_id":   e.AgentID,
		"network":    e.Network,
		"function":   e.Function,
		"tag":        e.Tag,
		"error_kind": e.ErrorKind,
		"tx_hash":    e.TxHash,
	} {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	if e.LatencyMS > 0 {
		attrs = append(attrs, slog.Int64("latency_ms", e.LatencyMS))
	}
	logger.Audit().Info("领域事件", attrs...)
	metrics.ObserveEvent(string(e.Type), nil)
	return nil
}

// Emitter 以尽力而为的方式发布事件，失败只记录日志，不影响调用方。
type Emitter struct {
	publisher Publisher
	timeout   time.Duration
	log       *slog.Logger
}

// NewEmitter 创建 Emitter。publisher 为空时所有事件被丢弃。
func NewEmitter(publisher Publisher) *Emitter {
	if publisher == nil {
		publisher = Discard{}
	}
	return &Emitter{publisher: publisher, timeout: 2 * time.Second, log: logger.Named("events")}
}

// Emit 发布事件。
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil {
		return
	}
	if e.ID == "" {
		fresh := New(e.Type)
		e.ID, e.OccurredAt = fresh.ID, fresh.OccurredAt
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), em.timeout)
	defer cancel()
	if err := em.publisher.Publish(pubCtx, e); err != nil {
		metrics.ObserveEvent(string(e.Type), err)
		if !errors.Is(err, ErrClosed) {
			em.log.Warn("事件发布失败", slog.String("type", string(e.Type)), slog.String("error", err.Error()))
		}
	}
}
