// Package kafka 提供 Kafka 生产者与消费者
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
//  1. fund-allocated / fund-approved / fund-released / fund-rejected / milestone-changed
//     - 消息内容: model.FundEvent，仅在链上确认且本地投影提交后发送
//     - Partition Key: fund_id，同一基金的事件保持顺序
//
//  2. fund-command-results
//     - 消息内容: model.FundCommandResult
//     - Partition Key: command_id
//
// ## 消费者 (Consumer) - 本服务订阅的 Topic
//
//  1. fund-commands
//     - 消息内容: model.FundCommand，由已完成认证的上游网关投递
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/metrics"
	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	TopicFundAllocated    = "fund-allocated"
	TopicFundApproved     = "fund-approved"
	TopicFundReleased     = "fund-released"
	TopicFundRejected     = "fund-rejected"
	TopicMilestoneChanged = "milestone-changed"

	// TopicCommandResults 命令处理结果，Partition Key: command_id
	TopicCommandResults = "fund-command-results"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// TopicForEvent 返回事件类型对应的 Topic
func TopicForEvent(t model.FundEventType) (string, error) {
	switch t {
	case model.FundEventAllocated:
		return TopicFundAllocated, nil
	case model.FundEventApproved:
		return TopicFundApproved, nil
	case model.FundEventReleased:
		return TopicFundReleased, nil
	case model.FundEventRejected:
		return TopicFundRejected, nil
	case model.FundEventMilestoneChanged:
		return TopicMilestoneChanged, nil
	default:
		return "", fmt.Errorf("unknown event type %q", t)
	}
}

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
	SASL         *SASLConfig
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks
	if requiredAcks == sarama.WaitForAll {
		// broker 重试不产生重复事件
		config.Producer.Idempotent = true
		config.Net.MaxOpenRequests = 1
	}

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

	if err := applySASL(config, cfg.SASL); err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
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
func (p *Producer) send(topic, key string, value []byte, headers ...sarama.RecordHeader) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.RecordKafkaMessage(topic, true)

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendFundEvent 发送基金领域事件，按 fund_id 分区
func (p *Producer) SendFundEvent(ctx context.Context, event *model.FundEvent) error {
	if event == nil || event.Fund == nil {
		return errors.New("event without fund")
	}
	topic, err := TopicForEvent(event.Type)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.send(topic, strconv.FormatInt(event.Fund.FundID, 10), data,
		sarama.RecordHeader{Key: []byte("event_type"), Value: []byte(event.Type)},
		sarama.RecordHeader{Key: []byte("event_id"), Value: []byte(event.EventID)},
	)
}

// SendCommandResult 发送命令处理结果
func (p *Producer) SendCommandResult(ctx context.Context, result *model.FundCommandResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return p.send(TopicCommandResults, result.CommandID, data)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishFundEvent(ctx context.Context, event *model.FundEvent) error
}

// ResultPublisher 命令结果发布接口
type ResultPublisher interface {
	PublishCommandResult(ctx context.Context, result *model.FundCommandResult) error
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

func (p *KafkaEventPublisher) PublishFundEvent(ctx context.Context, event *model.FundEvent) error {
	return p.producer.SendFundEvent(ctx, event)
}

func (p *KafkaEventPublisher) PublishCommandResult(ctx context.Context, result *model.FundCommandResult) error {
	return p.producer.SendCommandResult(ctx, result)
}
