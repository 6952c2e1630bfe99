// Package metrics 提供 esusfarm-sync 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "esusfarm"

// 同步指标
var (
	// SyncTotal 实体同步次数
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "实体同步次数",
		},
		[]string{"kind", "status"}, // status: submitted, skipped, adopted, failed
	)

	// SyncDuration 同步耗时
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "实体同步耗时(秒), 包含依赖",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	// PendingTxsGauge 未确认的链上交易数
	PendingTxsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_txs",
			Help:      "待确认交易数量",
		},
	)
)

// 区块链交互指标
var (
	// LedgerTxTotal 链上交易总数
	LedgerTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_tx_total",
			Help:      "链上交易总数",
		},
		[]string{"type", "status"}, // status: sent, confirmed, reverted, send_failed, timeout
	)

	// ReceiptWaitSeconds 回执等待时间
	ReceiptWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_wait_seconds",
			Help:      "等待交易回执耗时(秒)",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// FundingTransfersTotal 钱包充值次数
	FundingTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_transfers_total",
			Help:      "受益人钱包充值步骤次数",
		},
		[]string{"step"}, // token, native, approval
	)

	// PayoutEstimatesTotal 赔付估算次数
	PayoutEstimatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_estimates_total",
			Help:      "赔付估算次数",
		},
		[]string{"tier"},
	)
)

// 消息指标
var (
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Kafka 消费消息总数",
		},
		[]string{"topic", "status"},
	)

	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic", "status"},
	)
)

// 定时任务指标
var (
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "定时任务执行次数",
		},
		[]string{"job", "status"}, // status: success, failed, skipped
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务执行耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"job"},
	)
)

// RecordSync 记录一次同步结果
func RecordSync(kind, status string, durationSeconds float64) {
	SyncTotal.WithLabelValues(kind, status).Inc()
	if status != "skipped" {
		SyncDuration.WithLabelValues(kind).Observe(durationSeconds)
	}
}

// RecordLedgerTx 记录链上交易
func RecordLedgerTx(txType, status string) {
	LedgerTxTotal.WithLabelValues(txType, status).Inc()
}

// RecordJob 记录定时任务执行
func RecordJob(job, status string, durationSeconds float64) {
	JobRunsTotal.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(durationSeconds)
}
