// Package metrics 提供基金账本服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fund_ledger"

// 基金操作指标
var (
	// FundOperationsTotal 基金操作总数
	FundOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fund_operations_total",
			Help:      "基金操作总数",
		},
		[]string{"action", "result"}, // result: success/rejected/submit_failed/timeout/busy/intent_pending/error
	)

	// FundOperationDuration 基金操作耗时 (含链上确认)
	FundOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fund_operation_duration_seconds",
			Help:      "基金操作耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"action"},
	)

	// DuplicateReceiptsTotal 重复确认回执数量 (幂等跳过)
	DuplicateReceiptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_receipts_total",
			Help:      "因交易哈希重复而跳过投影的回执数量",
		},
	)
)

// 区块链交互指标
var (
	// BlockchainTxTotal 链上交易总数
	BlockchainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_total",
			Help:      "链上交易总数",
		},
		[]string{"method", "status"}, // status: confirmed/reverted/send_failed/timeout
	)

	// BlockchainTxDuration 链上交易确认耗时
	BlockchainTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_duration_seconds",
			Help:      "链上交易确认耗时(秒)",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method"},
	)

	// BlockchainGasUsed Gas 使用量
	BlockchainGasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_gas_used",
			Help:      "链上交易 Gas 使用量",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 8),
		},
		[]string{"method"},
	)

	// GasPriceGwei 当前 Gas 价格
	GasPriceGwei = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gas_price_gwei",
			Help:      "当前 Gas 价格 (Gwei)",
		},
	)

	// ChainHealthy 链 RPC 是否可用 (1/0)
	ChainHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_healthy",
			Help:      "链 RPC 是否可用",
		},
	)

	// HealthyRPCEndpoints 健康 RPC 端点数量
	HealthyRPCEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_rpc_endpoints",
			Help:      "健康 RPC 端点数量",
		},
	)

	// PendingBroadcastsGauge 已广播待节点计入的交易数量
	PendingBroadcastsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_broadcasts",
			Help:      "已广播、节点尚未计入 pending nonce 的交易数量",
		},
		[]string{"state"}, // all/stale
	)

	// CurrentNonce 最近分配的 Nonce
	CurrentNonce = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_nonce",
			Help:      "最近分配的 Nonce",
		},
	)
)

// 链上意图指标
var (
	// PendingIntentsGauge 未决意图数量
	PendingIntentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_intents",
			Help:      "已签名提交但未观察到确认的链上意图数量",
		},
	)

	// IntentsResolvedTotal 意图终结数量
	IntentsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_resolved_total",
			Help:      "链上意图终结数量",
		},
		[]string{"outcome"}, // confirmed/failed/expired
	)
)

// 事件与消息指标
var (
	// EventsPublishedTotal 领域事件发布数量
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "领域事件发布数量",
		},
		[]string{"type", "status"}, // status: success/failed
	)

	// KafkaMessagesTotal Kafka 消息数量
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息数量",
		},
		[]string{"topic", "direction"}, // produced/consumed
	)

	// CommandsTotal 命令处理数量
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "通过消息队列接收的命令处理数量",
		},
		[]string{"type", "status"}, // success/failed/invalid
	)
)

// 对账与定时任务指标
var (
	// DivergenceChecksTotal 链上/本地一致性检查数量
	DivergenceChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "divergence_checks_total",
			Help:      "链上与本地状态一致性检查数量",
		},
		[]string{"result"}, // match/diverged/error
	)

	// JobRunsTotal 定时任务执行数量
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "定时任务执行数量",
		},
		[]string{"job", "status"}, // success/failed/skipped
	)

	// JobDuration 定时任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务耗时(秒)",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"job"},
	)
)

// RecordFundOperation 记录基金操作
func RecordFundOperation(action, result string, durationSeconds float64) {
	FundOperationsTotal.WithLabelValues(action, result).Inc()
	FundOperationDuration.WithLabelValues(action).Observe(durationSeconds)
}

// RecordBlockchainTx 记录链上交易
func RecordBlockchainTx(method, status string, durationSeconds float64, gasUsed uint64) {
	BlockchainTxTotal.WithLabelValues(method, status).Inc()
	if durationSeconds > 0 {
		BlockchainTxDuration.WithLabelValues(method).Observe(durationSeconds)
	}
	if gasUsed > 0 {
		BlockchainGasUsed.WithLabelValues(method).Observe(float64(gasUsed))
	}
}

// UpdateGasPrice 更新 Gas 价格
func UpdateGasPrice(gasPriceGwei float64) {
	GasPriceGwei.Set(gasPriceGwei)
}

// UpdateNonce 更新 Nonce
func UpdateNonce(nonce uint64) {
	CurrentNonce.Set(float64(nonce))
}

// UpdateChainHealth 更新链健康状态
func UpdateChainHealth(healthy bool, endpoints int) {
	v := 0.0
	if healthy {
		v = 1
	}
	ChainHealthy.Set(v)
	HealthyRPCEndpoints.Set(float64(endpoints))
}

// UpdatePendingBroadcasts 更新待确认广播数量
func UpdatePendingBroadcasts(total, stale int) {
	PendingBroadcastsGauge.WithLabelValues("all").Set(float64(total))
	PendingBroadcastsGauge.WithLabelValues("stale").Set(float64(stale))
}

// UpdatePendingIntents 更新未决意图数量
func UpdatePendingIntents(count int64) {
	PendingIntentsGauge.Set(float64(count))
}

// RecordIntentResolved 记录意图终结
func RecordIntentResolved(outcome string) {
	IntentsResolvedTotal.WithLabelValues(outcome).Inc()
}

// RecordDuplicateReceipt 记录重复回执
func RecordDuplicateReceipt() {
	DuplicateReceiptsTotal.Inc()
}

// RecordEvent 记录事件发布
func RecordEvent(eventType string, ok bool) {
	status := "success"
	if !ok {
		status = "failed"
	}
	EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, produced bool) {
	direction := "consumed"
	if produced {
		direction = "produced"
	}
	KafkaMessagesTotal.WithLabelValues(topic, direction).Inc()
}

// RecordCommand 记录命令处理
func RecordCommand(cmdType, status string) {
	CommandsTotal.WithLabelValues(cmdType, status).Inc()
}

// RecordDivergenceCheck 记录一致性检查
func RecordDivergenceCheck(result string) {
	DivergenceChecksTotal.WithLabelValues(result).Inc()
}

// RecordJob 记录定时任务执行
func RecordJob(job, status string, durationSeconds float64) {
	JobRunsTotal.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(durationSeconds)
}
