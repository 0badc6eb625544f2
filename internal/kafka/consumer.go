package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/metrics"
	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// TopicFundCommands 写命令 Topic
// 生产者: 上游网关 (已完成认证)
// Partition Key: fund_id (分配命令为 command_id)
// 消息格式: model.FundCommand
const TopicFundCommands = "fund-commands"

// CommandHandler 命令处理接口，handler.FundHandler 实现该接口
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd *model.FundCommand) *model.FundCommandResult
}

// Consumer Kafka 消费者
type Consumer struct {
	client    sarama.ConsumerGroup
	handler   CommandHandler
	publisher ResultPublisher
	topics    []string
	groupID   string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers   []string
	GroupID   string
	Handler   CommandHandler
	Publisher ResultPublisher
	SASL      *SASLConfig
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	if err := applySASL(config, cfg.SASL); err != nil {
		return nil, err
	}

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return newConsumer(client, cfg), nil
}

func newConsumer(client sarama.ConsumerGroup, cfg *ConsumerConfig) *Consumer {
	return &Consumer{
		client:    client,
		handler:   cfg.Handler,
		publisher: cfg.Publisher,
		topics:    []string{TopicFundCommands},
		groupID:   cfg.GroupID,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("consumer already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})

	handler := &consumerGroupHandler{
		handler:   c.handler,
		publisher: c.publisher,
	}

	go func() {
		defer close(c.done)
		for {
			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
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

	c.cancel()
	err := c.client.Close()
	<-c.done
	c.running = false

	return err
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	handler   CommandHandler
	publisher ResultPublisher
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handleMessage(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// handleMessage 处理单条命令；无论成败都会提交位点，失败结果通过结果 Topic 通知调用方重试
func (h *consumerGroupHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	metrics.RecordKafkaMessage(msg.Topic, false)

	if msg.Topic != TopicFundCommands {
		logger.Warn("unknown topic", zap.String("topic", msg.Topic))
		return
	}

	var cmd model.FundCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		logger.Error("failed to decode fund command",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		metrics.RecordCommand("UNKNOWN", "invalid")
		return
	}

	logger.Debug("received fund command",
		zap.String("command_id", cmd.CommandID),
		zap.String("type", string(cmd.Type)),
		zap.Int64("fund_id", cmd.FundID))

	result := h.handler.HandleCommand(ctx, &cmd)
	if result == nil {
		result = &model.FundCommandResult{
			CommandID:    cmd.CommandID,
			ErrorCode:    bizerr.ErrInternal.Code,
			ErrorMessage: "no result",
			ProcessedAt:  time.Now().UnixMilli(),
		}
	}

	status := "success"
	if !result.Success {
		status = "failed"
	}
	metrics.RecordCommand(string(cmd.Type), status)

	if cmd.CommandID == "" || h.publisher == nil {
		return
	}
	if err := h.publisher.PublishCommandResult(ctx, result); err != nil {
		logger.Error("failed to publish command result",
			zap.String("command_id", cmd.CommandID),
			zap.Error(err))
	}
}
