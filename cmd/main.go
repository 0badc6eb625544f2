package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/app"
	"github.com/polipireddirohith/government-fund-blockchain/internal/config"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Env,
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("env", cfg.Service.Env),
		zap.Int("grpc_port", cfg.Service.GRPCPort),
		zap.Int("metrics_port", cfg.Service.MetricsPort))

	application, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}

	if err := application.Run(); err != nil {
		logger.Fatal("app run error", zap.Error(err))
	}

	logger.Info("service stopped")
}
