// Package kafka 提供 Kafka 消费者和生产者功能
//
// ========================================
// Kafka 消息流对接说明
// ========================================
//
// ## 消费者 (Consumer) - 本服务订阅的 Topic
//
// 1. Topic: onchain-sync-requests
//    - 生产者: esusfarm 后台 (录入 Config/Location/Risk/Person/Policy 之后)
//    - 消息内容: SyncRequest {request_id, kind, id, force}
//    - 处理逻辑: 调用 SyncService.EnsureSynced, 依赖实体会先行同步
//
// 2. Topic: payout-factor-requests
//    - 生产者: esusfarm 后台 (Risk 的 finalPayout 定稿之后)
//    - 消息内容: PayoutFactorRequest {request_id, risk_id}
//    - 处理逻辑: 调用 PayoutService.UpdatePayoutFactor
//
// 处理失败的消息只记日志后提交位点, 未同步的保单由 unsynced-policy-sweep
// 任务兜底, 超时的交易由 pending-tx-reconcile 任务收尾。
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

	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/metrics"
	"github.com/etherisc/esusfarm/internal/model"
)

// Kafka 消费者订阅的 Topic
const (
	// TopicOnchainSyncRequests 同步请求 Topic
	// Partition Key: kind:id
	// 消息格式: model.SyncRequest
	TopicOnchainSyncRequests = "onchain-sync-requests"

	// TopicPayoutFactorRequests 赔付因子更新请求 Topic
	// Partition Key: risk_id
	// 消息格式: model.PayoutFactorRequest
	TopicPayoutFactorRequests = "payout-factor-requests"
)

// Syncer 同步入口
type Syncer interface {
	EnsureSynced(ctx context.Context, kind model.EntityKind, id string, force bool) (string, error)
}

// PayoutFactorUpdater 赔付因子更新入口
type PayoutFactorUpdater interface {
	UpdatePayoutFactor(ctx context.Context, riskID string) (string, error)
}

// Consumer Kafka 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	handler *consumerGroupHandler
	topics  []string
	groupID string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers      []string
	GroupID      string
	Syncer       Syncer
	PayoutFactor PayoutFactorUpdater
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:  client,
		handler: newConsumerGroupHandler(cfg.Syncer, cfg.PayoutFactor),
		topics:  []string{TopicOnchainSyncRequests, TopicPayoutFactorRequests},
		groupID: cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	syncer Syncer
	payout PayoutFactorUpdater
}

func newConsumerGroupHandler(syncer Syncer, payout PayoutFactorUpdater) *consumerGroupHandler {
	return &consumerGroupHandler{syncer: syncer, payout: payout}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.dispatch(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// dispatch 处理单条消息并记录指标, 错误只记日志
func (h *consumerGroupHandler) dispatch(ctx context.Context, msg *sarama.ConsumerMessage) {
	err := h.handle(ctx, msg)
	status := "success"
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.ErrValidation):
		status = "invalid"
	default:
		status = "failed"
	}
	metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, status).Inc()

	if err != nil {
		logger.Error("failed to handle kafka message",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Bool("retryable", apperrors.IsRetryable(err)),
			zap.Error(err))
	}
}

func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case TopicOnchainSyncRequests:
		return h.handleSyncRequest(ctx, msg.Value)
	case TopicPayoutFactorRequests:
		return h.handlePayoutFactorRequest(ctx, msg.Value)
	default:
		return apperrors.ErrValidation.WithMessagef("unknown topic %q", msg.Topic)
	}
}

func (h *consumerGroupHandler) handleSyncRequest(ctx context.Context, data []byte) error {
	var req model.SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.WrapWithCause(apperrors.ErrValidation, err, "decode sync request")
	}
	kind, err := model.ParseEntityKind(string(req.Kind))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, err)
	}
	if req.ID == "" {
		return apperrors.ErrValidation.WithMessagef("sync request %s: missing id", req.RequestID)
	}

	ctx = logger.NewContext(ctx, zap.String("request_id", req.RequestID))
	logger.WithContext(ctx).Debug("received sync request",
		zap.String("kind", string(kind)),
		zap.String("id", req.ID),
		zap.Bool("force", req.Force))

	_, err = h.syncer.EnsureSynced(ctx, kind, req.ID, req.Force)
	return err
}

func (h *consumerGroupHandler) handlePayoutFactorRequest(ctx context.Context, data []byte) error {
	var req model.PayoutFactorRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.WrapWithCause(apperrors.ErrValidation, err, "decode payout factor request")
	}
	if req.RiskID == "" {
		return apperrors.ErrValidation.WithMessagef("payout factor request %s: missing risk_id", req.RequestID)
	}

	ctx = logger.NewContext(ctx, zap.String("request_id", req.RequestID))
	logger.WithContext(ctx).Debug("received payout factor request",
		zap.String("risk_id", req.RiskID))

	_, err := h.payout.UpdatePayoutFactor(ctx, req.RiskID)
	return err
}
