// Package app 基金账本服务的生命周期管理
//
// ========================================
// fund-ledger 服务说明
// ========================================
//
// ## 服务职责
// 维护政府专项基金的本地账本，并保证账本只在链上交易确认后变更:
// 1. 审批决策 (quorum): 分配、审批、拨付、驳回、里程碑状态校验
// 2. 链上提交 (blockchain): 分配 nonce、签名、广播、等待确认
// 3. 账本投影 (service): 确认回执后在同一事务内写入交易记录与基金状态
// 4. 意图恢复 (scheduler): 超时未决的链上意图按回执补写或置为失败/过期
//
// ## Kafka 对接 (参见 internal/kafka)
//
// ### 消费的 Topic
// - fund-commands: 上游网关投递的写命令 (已认证)
//
// ### 生产的 Topic
// - fund-allocated / fund-approved / fund-released / fund-rejected / milestone-changed
// - fund-command-results: 命令处理结果，按 command_id 分区
//
// ## gRPC
// - 仅注册健康检查，链 RPC 不可用时返回 NOT_SERVING (scheduler chain-health 任务)
//
// ## 指标
// - /metrics (promhttp)
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/polipireddirohith/government-fund-blockchain/internal/blockchain"
	"github.com/polipireddirohith/government-fund-blockchain/internal/config"
	"github.com/polipireddirohith/government-fund-blockchain/internal/contract"
	"github.com/polipireddirohith/government-fund-blockchain/internal/handler"
	"github.com/polipireddirohith/government-fund-blockchain/internal/kafka"
	"github.com/polipireddirohith/government-fund-blockchain/internal/quorum"
	"github.com/polipireddirohith/government-fund-blockchain/internal/repository"
	"github.com/polipireddirohith/government-fund-blockchain/internal/scheduler"
	"github.com/polipireddirohith/government-fund-blockchain/internal/service"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/lock"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/middleware"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db     *gorm.DB
	redis  redis.UniversalClient
	locker *lock.RedisLocker

	// 区块链
	blockchainClient *blockchain.Client
	nonceManager     *blockchain.NonceManager
	submitter        *blockchain.Submitter
	registry         *contract.FundRegistry

	// 仓储
	fundRepo   repository.FundRepository
	txRepo     repository.TransactionRepository
	intentRepo repository.IntentRepository

	// 服务
	reconciliationSvc *service.ReconciliationService
	querySvc          *service.QueryService

	// Kafka
	kafkaConsumer  *kafka.Consumer
	kafkaProducer  *kafka.Producer
	eventPublisher *kafka.KafkaEventPublisher

	// 定时任务
	scheduler *scheduler.Scheduler

	// gRPC 与指标
	grpcServer    *grpc.Server
	healthServer  *health.Server
	metricsServer *http.Server

	stopCh   chan struct{}
	stopping atomic.Bool
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initServices()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initGRPC()
	app.initMetrics()

	return app, nil
}

// initInfrastructure 初始化数据库与 Redis
func (a *App) initInfrastructure() error {
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected",
		zap.String("host", a.cfg.Postgres.Host),
		zap.String("database", a.cfg.Postgres.Database))

	if a.cfg.Postgres.AutoMigrate {
		if err := AutoMigrate(a.db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))

	// 基金锁覆盖一次完整的 提交 -> 等待确认 -> 落库，超出时由 watchdog 续期
	lockTTL := a.cfg.Blockchain.ConfirmTimeoutDuration() + config.FundLockMargin
	a.locker = lock.NewRedisLocker(a.redis, a.cfg.Redis.KeyPrefix+"lock:", lockTTL)

	return nil
}

// initBlockchain 初始化区块链客户端、nonce、gas 与合约
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		PrivateKey:      bc.PrivateKey,
		RPCURLs:         bc.RPCURLs(),
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.blockchainClient = client

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		Wallet:       client.Address(),
		ChainID:      bc.ChainID,
		LockTimeout:  30 * time.Second,
		SyncInterval: 5 * time.Minute,
	})

	if !common.IsHexAddress(bc.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", bc.ContractAddress)
	}
	contractAddr := common.HexToAddress(bc.ContractAddress)

	registry, err := contract.NewFundRegistry(contractAddr, client)
	if err != nil {
		return fmt.Errorf("failed to load fund registry abi: %w", err)
	}
	a.registry = registry

	gas := contract.NewGasEstimator(&contract.GasEstimatorConfig{
		MaxGasPrice: new(big.Int).Mul(big.NewInt(bc.MaxGasPriceGwei), big.NewInt(1e9)),
	}, client)

	a.submitter = blockchain.NewSubmitter(client, a.nonceManager, gas, contractAddr, &blockchain.SubmitterConfig{
		Confirmations:  bc.Confirmations,
		ConfirmTimeout: bc.ConfirmTimeoutDuration(),
		PollInterval:   bc.PollIntervalDuration(),
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", client.ChainID()),
		zap.String("wallet", client.Address().Hex()),
		zap.String("contract", contractAddr.Hex()))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.fundRepo = repository.NewFundRepository(a.db)
	a.txRepo = repository.NewTransactionRepository(a.db)
	a.intentRepo = repository.NewIntentRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() {
	capabilities := quorum.NewCapabilityTable(nil)

	a.reconciliationSvc = service.NewReconciliationService(&service.ReconciliationDeps{
		Tx:           repository.NewRepository(a.db),
		FundRepo:     a.fundRepo,
		TxRepo:       a.txRepo,
		IntentRepo:   a.intentRepo,
		Engine:       quorum.NewEngine(&quorum.Config{RequiredApprovals: a.cfg.Fund.RequiredApprovals}),
		Capabilities: capabilities,
		Registry:     a.registry,
		Submitter:    a.submitter,
		Locker:       a.locker,
	}, &service.ReconciliationServiceConfig{
		LockWait:          a.cfg.Fund.LockWaitDuration(),
		IntentExpiry:      a.cfg.Fund.IntentExpiryDuration(),
		RecoveryBatchSize: a.cfg.Fund.RecoveryBatchSize,
	})

	a.querySvc = service.NewQueryService(a.fundRepo, a.txRepo, a.intentRepo, capabilities, a.registry)

	logger.Info("services initialized", zap.Int("required_approvals", a.cfg.Fund.RequiredApprovals))
}

// initKafka 初始化 Kafka，未启用时只提供服务内调用
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Warn("kafka disabled, fund events will not be published")
		return nil
	}

	sasl := &kafka.SASLConfig{
		Enabled:   a.cfg.Kafka.SASL.Enabled,
		Mechanism: a.cfg.Kafka.SASL.Mechanism,
		Username:  a.cfg.Kafka.SASL.Username,
		Password:  a.cfg.Kafka.SASL.Password,
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		SASL:     sasl,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)

	// 事件回调
	a.reconciliationSvc.SetOnFundAllocated(a.eventPublisher.PublishFundEvent)
	a.reconciliationSvc.SetOnFundApproved(a.eventPublisher.PublishFundEvent)
	a.reconciliationSvc.SetOnFundReleased(a.eventPublisher.PublishFundEvent)
	a.reconciliationSvc.SetOnFundRejected(a.eventPublisher.PublishFundEvent)
	a.reconciliationSvc.SetOnMilestoneChanged(a.eventPublisher.PublishFundEvent)

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:   a.cfg.Kafka.Brokers,
		GroupID:   a.cfg.Kafka.GroupID,
		Handler:   handler.NewFundHandler(a.reconciliationSvc),
		Publisher: a.eventPublisher,
		SASL:      sasl,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initScheduler 注册意图恢复、一致性巡检、意图清理与链健康检查任务
func (a *App) initScheduler() error {
	sc := a.cfg.Scheduler
	if !sc.Enabled {
		logger.Warn("scheduler disabled, pending intents will not be recovered")
		return nil
	}

	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		MaxConcurrentJobs: sc.MaxConcurrentJobs,
		Locker:            a.locker,
	})

	jobs := []scheduler.Job{
		scheduler.NewIntentRecoveryJob(a.reconciliationSvc),
		scheduler.NewDivergenceAuditJob(a.querySvc, sc.AuditBatchSize),
		scheduler.NewIntentCleanupJob(a.intentRepo, time.Duration(sc.IntentRetentionHours)*time.Hour),
	}

	// 超过确认超时仍未被节点计入的广播视为滞留
	health := scheduler.NewChainHealthJob(a.blockchainClient, a.nonceManager, a.cfg.Blockchain.ConfirmTimeoutDuration())
	health.SetStatusFunc(a.setChainHealth)
	jobs = append(jobs, health)

	for _, job := range jobs {
		if err := a.scheduler.RegisterJob(job, jobConfig(sc, job.Name())); err != nil {
			return err
		}
	}
	return nil
}

// setChainHealth 链不可用时 gRPC 健康检查返回 NOT_SERVING，停机过程中不再切换
func (a *App) setChainHealth(healthy bool) {
	if a.healthServer == nil || a.stopping.Load() {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !healthy {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		logger.Warn("chain unavailable, reporting not serving")
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, status)
}

// jobConfig 合并配置文件与默认调度参数，未配置的任务默认启用
func jobConfig(sc config.SchedulerConfig, name string) scheduler.JobConfig {
	jc := scheduler.JobConfig{Cron: scheduler.DefaultJobConfigs[name].Cron, Enabled: true}
	if override, ok := sc.Jobs[name]; ok {
		jc.Enabled = override.Enabled
		if override.Cron != "" {
			jc.Cron = override.Cron
		}
	}
	return jc
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			middleware.RecoveryUnaryServerInterceptor(),
			middleware.UnaryServerInterceptor(),
		),
	)

	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	logger.Info("grpc server initialized")
}

// initMetrics 初始化 Prometheus 指标端点
func (a *App) initMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动前与链上 nonce 对齐
	if err := a.nonceManager.SyncFromChain(ctx); err != nil {
		logger.Warn("initial nonce sync failed", zap.Error(err))
	}

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	if a.scheduler != nil {
		a.scheduler.Start()
		// 进程重启后立即处理遗留的未决意图
		if err := a.scheduler.TriggerJob(scheduler.JobNameIntentRecovery); err != nil {
			logger.Warn("failed to trigger intent recovery", zap.Error(err))
		}
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("metrics server listening", zap.Int("port", a.cfg.Service.MetricsPort))
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用，先停止入口再关闭依赖
func (a *App) shutdown() error {
	logger.Info("shutting down...")
	a.stopping.Store(true)

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Warn("failed to stop kafka consumer", zap.Error(err))
		}
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsServer.Shutdown(ctx)
		cancel()
	}

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("failed to close kafka producer", zap.Error(err))
		}
	}

	if a.blockchainClient != nil {
		a.blockchainClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
