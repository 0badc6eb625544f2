package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/polipireddirohith/government-fund-blockchain/internal/config"
	"github.com/polipireddirohith/government-fund-blockchain/internal/scheduler"
)

func TestAutoMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(db))
	// 重复迁移无副作用
	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{"funds", "fund_approvals", "fund_milestones", "fund_sequences", "fund_transactions", "fund_chain_intents"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestJobConfig(t *testing.T) {
	sc := config.SchedulerConfig{
		Jobs: map[string]config.JobCfg{
			scheduler.JobNameIntentRecovery: {Enabled: true, Cron: "*/10 * * * * *"},
			scheduler.JobNameIntentCleanup:  {Enabled: false},
		},
	}

	recovery := jobConfig(sc, scheduler.JobNameIntentRecovery)
	assert.True(t, recovery.Enabled)
	assert.Equal(t, "*/10 * * * * *", recovery.Cron)

	cleanup := jobConfig(sc, scheduler.JobNameIntentCleanup)
	assert.False(t, cleanup.Enabled)
	assert.Equal(t, scheduler.DefaultJobConfigs[scheduler.JobNameIntentCleanup].Cron, cleanup.Cron)

	audit := jobConfig(sc, scheduler.JobNameDivergenceAudit)
	assert.True(t, audit.Enabled)
	assert.Equal(t, scheduler.DefaultJobConfigs[scheduler.JobNameDivergenceAudit].Cron, audit.Cron)
}

func TestSetChainHealth(t *testing.T) {
	a := &App{cfg: &config.Config{}, healthServer: health.NewServer()}
	a.cfg.Service.Name = "fund-ledger"

	status := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		resp, err := a.healthServer.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "fund-ledger"})
		require.NoError(t, err)
		return resp.Status
	}

	a.setChainHealth(false)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status())

	a.setChainHealth(true)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status())

	// 停机后不再切回 SERVING
	a.stopping.Store(true)
	a.healthServer.SetServingStatus("fund-ledger", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	a.setChainHealth(true)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status())
}
