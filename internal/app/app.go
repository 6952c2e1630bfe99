// Package app 提供 esusfarm 同步服务的应用生命周期管理
//
// ========================================
// esusfarm-sync 服务对接说明
// ========================================
//
// ## 服务职责
// 将链下录入的 Config / Location / Risk / Person / Policy 按依赖顺序写入链上合约,
// 并提供保单赔付估算与赔付因子更新。
//
// ## Kafka 对接 (参见 internal/kafka/consumer.go 和 producer.go)
//
// ### 消费的 Topic
// - onchain-sync-requests: 实体同步请求
// - payout-factor-requests: 赔付因子更新请求
//
// ### 生产的 Topic
// - onchain-synced: 实体同步完成
// - payout-factor-updated: 赔付因子已上链
//
// ## 定时任务 (参见 internal/jobs)
// - pending-tx-reconcile: 交易日志对账
// - unsynced-policy-sweep: 补同步未上链的保单
// - reconciliation-run-retention: 清理过期的对账历史
//
// ## gRPC
// - 端口: 50061, 只注册 health 服务
// - 没有健康的链上节点时状态为 NOT_SERVING
//
// ## 指标
// - 端口: 9161, 路径 /metrics
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
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/etherisc/esusfarm/internal/blockchain"
	"github.com/etherisc/esusfarm/internal/config"
	"github.com/etherisc/esusfarm/internal/contract"
	"github.com/etherisc/esusfarm/internal/handler"
	"github.com/etherisc/esusfarm/internal/jobs"
	"github.com/etherisc/esusfarm/internal/kafka"
	"github.com/etherisc/esusfarm/internal/logger"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
	"github.com/etherisc/esusfarm/internal/scheduler"
	"github.com/etherisc/esusfarm/internal/service"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	blockchainClient *blockchain.Client
	nonceManager     *blockchain.NonceManager
	session          *blockchain.Session
	contracts        *contract.Contracts
	operator         *blockchain.Account
	farmer           *blockchain.HDWallet

	// 仓储
	store       repository.RecordStore
	pendingRepo repository.PendingTxRepository
	runRepo     repository.ReconciliationRunRepository

	// 服务
	fundingSvc        *service.FundingService
	syncSvc           *service.SyncService
	payoutSvc         *service.PayoutService
	personSvc         *service.PersonService
	reconciliationSvc *service.ReconciliationService
	syncHandler       *handler.SyncHandler

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

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用: 连接数据库, Redis 与链上节点并装配服务
//
// Kafka, 定时任务和服务端口只在 Run 中启动, 运维命令可以直接使用 Handler。
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(ctx); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(ctx); err != nil {
		app.close()
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initServices()

	return app, nil
}

// Handler 对外服务入口
func (a *App) Handler() *handler.SyncHandler {
	return a.syncHandler
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure(ctx context.Context) error {
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
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if err := repository.AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	addrs := a.cfg.Redis.Addresses
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", addrs))

	return nil
}

// initBlockchain 初始化区块链客户端, 钱包与合约绑定
func (a *App) initBlockchain(ctx context.Context) error {
	bc := a.cfg.Blockchain

	client, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		RPCURLs:         append([]string{bc.RPCURL}, bc.BackupRPCURLs...),
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.blockchainClient = client

	wc := a.cfg.Wallet
	if wc.OperatorMnemonic == "" {
		return errors.New("wallet.operator_mnemonic is required")
	}
	operator, err := blockchain.DeriveAccount(wc.OperatorMnemonic, wc.OperatorIndex)
	if err != nil {
		return fmt.Errorf("derive operator wallet: %w", err)
	}
	a.operator = operator

	// 农户钱包默认与运营钱包使用同一助记词, 通过索引区分
	farmerMnemonic := wc.FarmerMnemonic
	if farmerMnemonic == "" {
		farmerMnemonic = wc.OperatorMnemonic
	}
	a.farmer, err = blockchain.NewHDWallet(farmerMnemonic)
	if err != nil {
		return fmt.Errorf("load farmer wallet: %w", err)
	}

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		Wallet:      operator.Address,
		ChainID:     bc.ChainID,
		LockTimeout: time.Duration(bc.NonceLockTimeout) * time.Second,
	})

	gasCfg := contract.GasEstimatorConfig{MaxGasLimit: bc.GasLimit}
	if bc.GasPrice > 0 {
		gasCfg.FixedGasPrice = big.NewInt(bc.GasPrice)
	}
	if bc.MaxGasPrice > 0 {
		gasCfg.MaxGasPrice = big.NewInt(bc.MaxGasPrice)
	}
	gas := contract.NewGasEstimator(gasCfg, client)

	a.session = blockchain.NewSession(client, gas, a.nonceManager, operator, blockchain.SessionConfig{
		ReceiptTimeout:   bc.ReceiptTimeoutDuration(),
		PollInterval:     bc.ReceiptPollDuration(),
		FallbackGasLimit: bc.GasLimit,
	})

	a.contracts = contract.NewContracts(
		common.HexToAddress(bc.ProductAddress),
		common.HexToAddress(bc.TokenAddress),
		common.HexToAddress(bc.RiskSetAddress),
		common.HexToAddress(bc.InstanceAddress),
	)

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("operator", operator.Address.Hex()),
		zap.String("product", bc.ProductAddress))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.store = repository.NewRecordStore(a.db)
	a.pendingRepo = repository.NewPendingTxRepository(a.db)
	a.runRepo = repository.NewReconciliationRunRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() {
	bc := a.cfg.Blockchain
	fc := a.cfg.Funding
	sc := a.cfg.Sync

	var spender common.Address
	if fc.SpenderAddress != "" {
		spender = common.HexToAddress(fc.SpenderAddress)
	}
	a.fundingSvc = service.NewFundingService(a.session, a.pendingRepo, a.contracts, a.operator, a.farmer,
		service.FundingServiceConfig{
			MinTokenAmount:   big.NewInt(fc.MinTokenAmount),
			ApprovalAmount:   big.NewInt(fc.ApprovalAmount),
			Spender:          spender,
			ApprovalGasLimit: fc.ApprovalGasLimit,
			NativeMultiplier: fc.NativeMultiplier,
			ChainID:          bc.ChainID,
			ReceiptTimeout:   bc.ReceiptTimeoutDuration(),
		})

	minDate, maxDate := sc.SubscriptionWindow()
	a.syncSvc = service.NewSyncService(a.store, a.pendingRepo, a.session, a.contracts, a.operator, a.fundingSvc,
		service.SyncServiceConfig{
			ChainID:          bc.ChainID,
			ReceiptTimeout:   bc.ReceiptTimeoutDuration(),
			LocationDecimals: sc.LocationDecimals,
			ValidCrops:       sc.ValidCrops,
			PolicyRules: model.PolicyRules{
				MinSubscriptionDate: minDate,
				MaxSubscriptionDate: maxDate,
				MaxMonetaryAmount:   decimal.NewFromFloat(sc.MaxMonetaryAmount),
			},
			Singleflight: sc.Singleflight,
		})

	a.payoutSvc = service.NewPayoutService(a.store, a.session, a.contracts, a.operator, a.syncSvc, sc.PayoutFactorDecimals)
	a.personSvc = service.NewPersonService(a.store, a.farmer, a.cfg.Wallet.PersonBaseIndex)
	a.reconciliationSvc = service.NewReconciliationService(a.pendingRepo, a.runRepo, a.syncSvc, a.cfg.Jobs.ReconcileBatch)

	a.syncHandler = handler.NewSyncHandler(a.syncSvc, a.payoutSvc, a.reconciliationSvc, a.store, a.personSvc)

	logger.Info("services initialized")
}

// initKafka 初始化 Kafka 并挂接事件回调
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)

	a.syncSvc.SetOnSynced(kafka.OnSynced(a.eventPublisher))
	a.payoutSvc.SetOnPayoutFactorUpdated(kafka.OnPayoutFactorUpdated(a.eventPublisher))

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:      a.cfg.Kafka.Brokers,
		GroupID:      a.cfg.Kafka.GroupID,
		Syncer:       a.syncSvc,
		PayoutFactor: a.payoutSvc,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initScheduler 注册定时任务
func (a *App) initScheduler() error {
	jc := a.cfg.Jobs
	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{RedisClient: a.redis})

	lockTTL := time.Duration(jc.LockTTL) * time.Second
	timeout := time.Duration(jc.ExecutionTimeout) * time.Second

	// 对账任务间隔短, 超时沿用默认值
	reconcile := jobs.NewPendingTxReconcileJob(a.reconciliationSvc, 0, 0)
	if err := a.scheduler.RegisterJob(reconcile, scheduler.JobConfig{Cron: jc.ReconcileSpec, Enabled: jc.Enabled}); err != nil {
		return err
	}

	sweep := jobs.NewUnsyncedPolicySweepJob(a.store, a.syncSvc, jc.SweepBatchSize, timeout, lockTTL)
	if err := a.scheduler.RegisterJob(sweep, scheduler.JobConfig{Cron: jc.SweepSpec, Enabled: jc.Enabled}); err != nil {
		return err
	}

	retention := jobs.NewReconciliationRunRetentionJob(a.reconciliationSvc, time.Duration(jc.RunRetentionDays)*24*time.Hour)
	if err := a.scheduler.RegisterJob(retention, scheduler.JobConfig{Cron: jc.RetentionSpec, Enabled: jc.Enabled}); err != nil {
		return err
	}
	return nil
}

// initGRPC 初始化 gRPC health 服务
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// ledgerHealth 链上节点健康状态
type ledgerHealth interface {
	HealthCheck(ctx context.Context) error
	GetHealthyEndpoints() []*blockchain.RPCEndpoint
}

// ledgerServingStatus 没有健康节点或当前节点查询失败时不可服务
func ledgerServingStatus(ctx context.Context, lh ledgerHealth) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if len(lh.GetHealthyEndpoints()) == 0 {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lh.HealthCheck(ctx); err != nil {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// watchLedgerHealth 定期按链上节点状态更新 gRPC health
func (a *App) watchLedgerHealth(ctx context.Context, every time.Duration) {
	current := ledgerServingStatus(ctx, a.blockchainClient)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, current)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := ledgerServingStatus(ctx, a.blockchainClient)
			if ctx.Err() != nil {
				return
			}
			if next == current {
				continue
			}
			logger.Warn("serving status changed",
				zap.String("status", next.String()),
				zap.Int("healthy_endpoints", len(a.blockchainClient.GetHealthyEndpoints())))
			current = next
			a.healthServer.SetServingStatus(a.cfg.Service.Name, current)
		}
	}
}

// Run 运行应用, 直到收到退出信号
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.initKafka(); err != nil {
		return err
	}
	if err := a.initScheduler(); err != nil {
		return fmt.Errorf("failed to init scheduler: %w", err)
	}
	a.initGRPC()

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}
	a.scheduler.Start()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	healthCtx, stopHealth := context.WithCancel(ctx)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		a.watchLedgerHealth(healthCtx, 30*time.Second)
	}()

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
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

	stopHealth()
	<-healthDone
	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	if a.healthServer != nil {
		a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

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
		defer cancel()
		_ = a.metricsServer.Shutdown(ctx)
	}

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("failed to close kafka producer", zap.Error(err))
		}
	}

	a.close()

	logger.Info("shutdown complete")
	return nil
}

// close 关闭链上客户端与存储连接
func (a *App) close() {
	if a.blockchainClient != nil {
		a.blockchainClient.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			_ = sqlDB.Close()
		}
	}
}

// Close 释放资源, 用于不调用 Run 的运维命令
func (a *App) Close() {
	a.close()
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
