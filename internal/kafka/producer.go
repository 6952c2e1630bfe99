// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: onchain-synced
//    - 消费者: esusfarm 后台 (展示同步状态, 保单 NFT)
//    - 消息内容: SyncedEvent {kind, id, tx_hash, onchain_id, nft, synced_at}
//    - 处理逻辑: 实体同步标记落库后发送
//
// 2. Topic: payout-factor-updated
//    - 消费者: esusfarm 后台 (理赔流程)
//    - 消息内容: PayoutFactorUpdatedEvent
//    - 处理逻辑: updatePayoutFactor 交易确认后发送
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
	"github.com/etherisc/esusfarm/internal/model"
)

// Kafka 生产者发送的 Topic
const (
	// TopicOnchainSynced 同步完成 Topic
	// Partition Key: kind:id
	// 消息格式: model.SyncedEvent
	TopicOnchainSynced = "onchain-synced"

	// TopicPayoutFactorUpdated 赔付因子已上链 Topic
	// Partition Key: risk_id
	// 消息格式: model.PayoutFactorUpdatedEvent
	TopicPayoutFactorUpdated = "payout-factor-updated"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewSaramaConfig 生产者的 sarama 配置
func NewSaramaConfig(cfg *ProducerConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff
	return config
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewProducerWith(producer), nil
}

// NewProducerWith 包装已有的 SyncProducer
func NewProducerWith(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.KafkaMessagesProduced.WithLabelValues(topic, "failed").Inc()
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.KafkaMessagesProduced.WithLabelValues(topic, "success").Inc()

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendSyncedEvent 发送同步完成事件
func (p *Producer) SendSyncedEvent(ctx context.Context, ev *model.SyncedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.send(TopicOnchainSynced, string(ev.Kind)+":"+ev.ID, data)
}

// SendPayoutFactorUpdated 发送赔付因子已上链事件
func (p *Producer) SendPayoutFactorUpdated(ctx context.Context, ev *model.PayoutFactorUpdatedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.send(TopicPayoutFactorUpdated, ev.RiskID, data)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishSynced(ctx context.Context, ev *model.SyncedEvent) error
	PublishPayoutFactorUpdated(ctx context.Context, ev *model.PayoutFactorUpdatedEvent) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishSynced(ctx context.Context, ev *model.SyncedEvent) error {
	return p.producer.SendSyncedEvent(ctx, ev)
}

func (p *KafkaEventPublisher) PublishPayoutFactorUpdated(ctx context.Context, ev *model.PayoutFactorUpdatedEvent) error {
	return p.producer.SendPayoutFactorUpdated(ctx, ev)
}

// OnSynced 适配 SyncService 的回调; 发送失败不影响已落库的同步结果
func OnSynced(pub EventPublisher) func(ctx context.Context, ev *model.SyncedEvent) {
	return func(ctx context.Context, ev *model.SyncedEvent) {
		if err := pub.PublishSynced(ctx, ev); err != nil {
			logger.WithContext(ctx).Warn("failed to publish synced event",
				zap.String("kind", string(ev.Kind)),
				zap.String("id", ev.ID),
				zap.String("tx_hash", ev.TxHash),
				zap.Error(err))
		}
	}
}

// OnPayoutFactorUpdated 适配 PayoutService 的回调
func OnPayoutFactorUpdated(pub EventPublisher) func(ctx context.Context, ev *model.PayoutFactorUpdatedEvent) {
	return func(ctx context.Context, ev *model.PayoutFactorUpdatedEvent) {
		if err := pub.PublishPayoutFactorUpdated(ctx, ev); err != nil {
			logger.WithContext(ctx).Warn("failed to publish payout factor event",
				zap.String("risk_id", ev.RiskID),
				zap.String("tx_hash", ev.TxHash),
				zap.Error(err))
		}
	}
}
