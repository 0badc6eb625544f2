package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/polipireddirohith/government-fund-blockchain/internal/blockchain"
	"github.com/polipireddirohith/government-fund-blockchain/internal/contract"
	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	"github.com/polipireddirohith/government-fund-blockchain/internal/quorum"
	"github.com/polipireddirohith/government-fund-blockchain/internal/repository"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/lock"
)

const (
	testBeneficiaryWallet = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testStartMillis       = int64(1700000000000)
)

var (
	testRegistryAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testSenderAddress   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	adminA     = &model.Actor{ID: "admin-a", Role: model.RoleAdmin}
	authorityB = &model.Actor{ID: "authority-b", Role: model.RoleAuthority}
	authorityC = &model.Actor{ID: "authority-c", Role: model.RoleAuthority}
	auditorD   = &model.Actor{ID: "auditor-d", Role: model.RoleAuditor}
	clinicE    = &model.Actor{ID: "clinic-e", Role: model.RoleBeneficiary, Wallet: testBeneficiaryWallet}
)

type submitMode int

const (
	modeConfirm submitMode = iota
	modeRevert
	modeTimeout
	modeSendFail // 广播结果未知，节点实际已接收
	modeReject   // 节点明确拒绝
)

// fakeSubmitter 内存链提交器
type fakeSubmitter struct {
	mu       sync.Mutex
	mode     submitMode
	delay    time.Duration // 模拟等待确认的耗时
	seq      int64
	block    int64
	receipts map[string]*model.ChainReceipt // 已确认
	late     map[string]*model.ChainReceipt // 超时后才出块
	calls    []*contract.Call
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		block:    1000,
		receipts: make(map[string]*model.ChainReceipt),
		late:     make(map[string]*model.ChainReceipt),
	}
}

func (f *fakeSubmitter) setMode(mode submitMode) {
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
}

func (f *fakeSubmitter) Submit(ctx context.Context, call *contract.Call, onSigned blockchain.SignedHook) (*model.ChainReceipt, error) {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	mode := f.mode
	delay := f.delay
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	hash := fmt.Sprintf("0x%064x", seq)
	if onSigned != nil {
		if err := onSigned(ctx, &blockchain.SignedTx{
			Hash:   hash,
			Nonce:  uint64(seq - 1),
			From:   testSenderAddress.Hex(),
			To:     call.To.Hex(),
			Method: call.Method,
		}); err != nil {
			return nil, err
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch mode {
	case modeSendFail:
		f.late[hash] = f.mineLocked(hash, true)
		return nil, bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed,
			errors.New("read tcp: connection reset by peer"), "send %s", call.Method).WithDetail("tx_hash", hash)
	case modeReject:
		return nil, bizerr.WrapWithCause(bizerr.ErrChainSubmissionFailed,
			fmt.Errorf("%w: insufficient funds for gas", blockchain.ErrTxRejected), "send %s", call.Method)
	case modeTimeout:
		f.late[hash] = f.mineLocked(hash, true)
		return nil, bizerr.Wrapf(bizerr.ErrChainConfirmationTimeout, "tx %s", hash).WithDetail("tx_hash", hash)
	case modeRevert:
		receipt := f.mineLocked(hash, false)
		f.receipts[hash] = receipt
		return receipt, bizerr.Wrapf(bizerr.ErrChainSubmissionFailed, "tx %s reverted", hash)
	default:
		receipt := f.mineLocked(hash, true)
		f.receipts[hash] = receipt
		return receipt, nil
	}
}

func (f *fakeSubmitter) mineLocked(hash string, success bool) *model.ChainReceipt {
	f.block++
	return &model.ChainReceipt{
		TxHash:      hash,
		From:        testSenderAddress.Hex(),
		To:          testRegistryAddress.Hex(),
		BlockNumber: f.block,
		TxIndex:     0,
		GasUsed:     52_000,
		Success:     success,
		Timestamp:   testStartMillis + f.block*1000,
	}
}

// confirmLate 超时交易出块
func (f *fakeSubmitter) confirmLate(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.late[hash]; ok {
		f.receipts[hash] = r
		delete(f.late, hash)
	}
}

func (f *fakeSubmitter) GetReceipt(ctx context.Context, txHash string) (*model.ChainReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, blockchain.ErrTxNotFound
}

func (f *fakeSubmitter) ConfirmTimeout() time.Duration {
	return time.Minute
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type serviceEnv struct {
	svc        *ReconciliationService
	query      *QueryService
	chain      *fakeSubmitter
	locker     *lock.RedisLocker
	fundRepo   repository.FundRepository
	txRepo     repository.TransactionRepository
	intentRepo repository.IntentRepository
	clock      int64

	mu     sync.Mutex
	events []*model.FundEvent
}

var serviceDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	counter := atomic.AddInt64(&serviceDBCounter, 1)
	dsn := fmt.Sprintf("file:servicetest%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.Fund{},
		&model.FundApproval{},
		&model.FundMilestone{},
		&model.FundSequence{},
		&model.FundTransaction{},
		&model.ChainIntent{},
	))
	return db
}

func setupService(t *testing.T, cfg *ReconciliationServiceConfig) *serviceEnv {
	t.Helper()

	db := newTestDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	locker := lock.NewRedisLocker(rdb, "lock:", 10*time.Second)
	locker.SetRetryInterval(2 * time.Millisecond)

	registry, err := contract.NewFundRegistry(testRegistryAddress, nil)
	require.NoError(t, err)

	env := &serviceEnv{
		chain:      newFakeSubmitter(),
		locker:     locker,
		fundRepo:   repository.NewFundRepository(db),
		txRepo:     repository.NewTransactionRepository(db),
		intentRepo: repository.NewIntentRepository(db),
		clock:      testStartMillis,
	}
	capabilities := quorum.NewCapabilityTable(nil)

	if cfg == nil {
		cfg = &ReconciliationServiceConfig{LockWait: 5 * time.Second}
	}
	env.svc = NewReconciliationService(&ReconciliationDeps{
		Tx:           repository.NewRepository(db),
		FundRepo:     env.fundRepo,
		TxRepo:       env.txRepo,
		IntentRepo:   env.intentRepo,
		Engine:       quorum.NewEngine(&quorum.Config{RequiredApprovals: 2}),
		Capabilities: capabilities,
		Registry:     registry,
		Submitter:    env.chain,
		Locker:       locker,
	}, cfg)
	env.svc.now = func() int64 { return atomic.LoadInt64(&env.clock) }

	record := func(ctx context.Context, event *model.FundEvent) error {
		env.mu.Lock()
		env.events = append(env.events, event)
		env.mu.Unlock()
		return nil
	}
	env.svc.SetOnFundAllocated(record)
	env.svc.SetOnFundApproved(record)
	env.svc.SetOnFundReleased(record)
	env.svc.SetOnFundRejected(record)
	env.svc.SetOnMilestoneChanged(record)

	env.query = NewQueryService(env.fundRepo, env.txRepo, env.intentRepo, capabilities, nil)
	return env
}

func (e *serviceEnv) advance(d time.Duration) {
	atomic.AddInt64(&e.clock, d.Milliseconds())
}

func (e *serviceEnv) eventTypes() []model.FundEventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]model.FundEventType, 0, len(e.events))
	for _, ev := range e.events {
		types = append(types, ev.Type)
	}
	return types
}

func clinicProject(total int64) *model.ProjectSpec {
	return &model.ProjectSpec{
		ProjectName:       "Rural clinic",
		Description:       "Primary care clinic for district 4",
		Category:          "healthcare",
		TotalAmount:       decimal.NewFromInt(total),
		Beneficiary:       clinicE.ID,
		BeneficiaryWallet: testBeneficiaryWallet,
	}
}

// approvedFund 分配并经两名审批人审批的基金
func (e *serviceEnv) approvedFund(t *testing.T, total int64) *model.Fund {
	t.Helper()
	ctx := context.Background()
	fund, err := e.svc.Allocate(ctx, adminA, clinicProject(total))
	require.NoError(t, err)
	_, err = e.svc.Approve(ctx, authorityB, fund.FundID, "ok")
	require.NoError(t, err)
	fund, err = e.svc.Approve(ctx, authorityC, fund.FundID, "ok")
	require.NoError(t, err)
	require.Equal(t, model.FundStatusApproved, fund.Status)
	return fund
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.NewFromInt(want).Equal(got), "want %d, got %s", want, got)
}

func TestReconciliation_Lifecycle(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	// A: 拨款
	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(1), fund.FundID)
	assert.Equal(t, model.FundStatusPending, fund.Status)
	assert.Equal(t, model.BlockchainStatusConfirmed, fund.BlockchainStatus)
	assertDecimal(t, 0, fund.ReleasedAmount)
	assert.Equal(t, adminA.ID, fund.AllocatedBy)

	// B: 自审批被拒绝，基金不变
	_, err = env.svc.Approve(ctx, adminA, fund.FundID, "self")
	assert.True(t, bizerr.Is(err, bizerr.ErrSelfApproval))
	assert.False(t, bizerr.IsRetryable(err))
	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assert.Empty(t, stored.Approvals)
	assert.Equal(t, int64(1), stored.Version)

	// C: 第一名审批人
	fund, err = env.svc.Approve(ctx, authorityB, fund.FundID, "looks good")
	require.NoError(t, err)
	assert.Len(t, fund.Approvals, 1)
	assert.Equal(t, model.FundStatusPending, fund.Status)

	// D: 达到法定人数
	fund, err = env.svc.Approve(ctx, authorityC, fund.FundID, "")
	require.NoError(t, err)
	assert.Len(t, fund.Approvals, 2)
	assert.Equal(t, model.FundStatusApproved, fund.Status)

	// E: 分两次释放至全额，超额被拒绝
	fund, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(400))
	require.NoError(t, err)
	assertDecimal(t, 400, fund.ReleasedAmount)
	assert.Equal(t, model.FundStatusReleased, fund.Status)

	fund, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(600))
	require.NoError(t, err)
	assertDecimal(t, 1000, fund.ReleasedAmount)
	assert.Equal(t, model.FundStatusCompleted, fund.Status)

	callsBefore := env.chain.callCount()
	_, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(1))
	assert.True(t, bizerr.Is(err, bizerr.ErrExceedsAllocation))
	assert.Equal(t, callsBefore, env.chain.callCount(), "rejected operations never reach the chain")

	stored, err = env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assertDecimal(t, 1000, stored.ReleasedAmount)
	assertDecimal(t, 0, stored.RemainingAmount())
	assert.Equal(t, model.FundStatusCompleted, stored.Status)
	assert.Equal(t, fund.TxHash, stored.TxHash)

	// 审计日志按区块顺序
	txs, err := env.query.ListTransactions(ctx, fund.FundID)
	require.NoError(t, err)
	require.Len(t, txs, 5)
	wantTypes := []model.TxType{
		model.TxTypeAllocation, model.TxTypeApproval, model.TxTypeApproval,
		model.TxTypeRelease, model.TxTypeRelease,
	}
	for i, tx := range txs {
		assert.Equal(t, wantTypes[i], tx.Type)
		assert.Equal(t, model.TxStatusConfirmed, tx.Status)
		if i > 0 {
			assert.Greater(t, tx.BlockNumber, txs[i-1].BlockNumber)
		}
	}
	assertDecimal(t, 1000, txs[0].Amount)
	assertDecimal(t, 400, txs[3].Amount)
	assert.Equal(t, "looks good", txs[1].Remarks)

	assert.Equal(t, []model.FundEventType{
		model.FundEventAllocated, model.FundEventApproved, model.FundEventApproved,
		model.FundEventReleased, model.FundEventReleased,
	}, env.eventTypes())

	pending, err := env.intentRepo.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReconciliation_ConcurrentApproveSameActor(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(1000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Approve(ctx, authorityB, fund.FundID, "")
		}(i)
	}
	wg.Wait()

	succeeded, already := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case bizerr.Is(err, bizerr.ErrAlreadyApproved):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, already)

	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assert.Len(t, stored.Approvals, 1)
	assert.Equal(t, model.FundStatusPending, stored.Status)
}

func TestReconciliation_ConcurrentReleaseNeverOverdraws(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	fund := env.approvedFund(t, 100)

	var wg sync.WaitGroup
	var ok, exceeded int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(60))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case bizerr.Is(err, bizerr.ErrExceedsAllocation):
				atomic.AddInt32(&exceeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(2), exceeded)
	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assertDecimal(t, 60, stored.ReleasedAmount)
}

func TestReconciliation_CapabilityDenied(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	_, err := env.svc.Allocate(ctx, auditorD, clinicProject(10))
	assert.True(t, bizerr.IsForbidden(err))
	_, err = env.svc.Allocate(ctx, clinicE, clinicProject(10))
	assert.True(t, bizerr.IsForbidden(err))
	_, err = env.svc.Allocate(ctx, nil, clinicProject(10))
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))
	assert.Zero(t, env.chain.callCount())

	fund := env.approvedFund(t, 100)
	_, err = env.svc.Release(ctx, clinicE, fund.FundID, decimal.NewFromInt(1))
	assert.True(t, bizerr.IsForbidden(err))
	_, err = env.svc.Approve(ctx, auditorD, fund.FundID, "")
	assert.True(t, bizerr.IsForbidden(err))
}

func TestReconciliation_ValidationDoesNotConsumeFundID(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	bad := clinicProject(0)
	_, err := env.svc.Allocate(ctx, adminA, bad)
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))

	bad = clinicProject(10)
	bad.Category = "space"
	_, err = env.svc.Allocate(ctx, adminA, bad)
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))

	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), fund.FundID)

	_, err = env.svc.Approve(ctx, authorityB, 99, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrFundNotFound))
	_, err = env.svc.Approve(ctx, authorityB, 0, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))
}

func TestReconciliation_FundBusy(t *testing.T) {
	env := setupService(t, &ReconciliationServiceConfig{LockWait: 30 * time.Millisecond})
	ctx := context.Background()

	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(100))
	require.NoError(t, err)

	held := env.locker.NewLock(fundLockKey(fund.FundID))
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.svc.Approve(ctx, authorityB, fund.FundID, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrFundBusy))
	assert.True(t, bizerr.IsRetryable(err))

	require.NoError(t, held.Release(ctx))
	_, err = env.svc.Approve(ctx, authorityB, fund.FundID, "")
	assert.NoError(t, err)
}

func TestReconciliation_TimeoutThenRecovery(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	fund := env.approvedFund(t, 1000)

	env.chain.setMode(modeTimeout)
	_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(250))
	require.Error(t, err)
	assert.True(t, bizerr.Is(err, bizerr.ErrChainConfirmationTimeout))
	assert.True(t, bizerr.IsRetryable(err))

	// 本地状态未变化
	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assertDecimal(t, 0, stored.ReleasedAmount)
	assert.Equal(t, model.FundStatusApproved, stored.Status)

	// 未决意图阻止后续写操作
	intent, err := env.intentRepo.GetPendingByFund(ctx, fund.FundID)
	require.NoError(t, err)
	env.chain.setMode(modeConfirm)
	_, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(1))
	assert.True(t, bizerr.Is(err, bizerr.ErrIntentPending))
	assert.True(t, bizerr.IsRetryable(err))

	// 确认等待期内恢复任务不处理
	env.chain.confirmLate(intent.TxHash)
	stats, err := env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Confirmed)

	env.advance(2 * time.Minute)
	stats, err = env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)

	stored, err = env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assertDecimal(t, 250, stored.ReleasedAmount)
	assert.Equal(t, model.FundStatusReleased, stored.Status)
	assert.Equal(t, intent.TxHash, stored.TxHash)

	resolved, err := env.intentRepo.GetByIntentID(ctx, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, model.ChainIntentStatusConfirmed, resolved.Status)

	types := env.eventTypes()
	assert.Equal(t, model.FundEventReleased, types[len(types)-1])

	// 恢复是幂等的
	stats, err = env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)

	_, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(750))
	require.NoError(t, err)
}

func TestReconciliation_RecoveryExpiresIntent(t *testing.T) {
	env := setupService(t, &ReconciliationServiceConfig{LockWait: time.Second, IntentExpiry: 10 * time.Minute})
	ctx := context.Background()
	fund := env.approvedFund(t, 100)

	env.chain.setMode(modeTimeout)
	_, err := env.svc.Approve(ctx, authorityB, fund.FundID, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrInvalidState))

	_, err = env.svc.Reject(ctx, authorityB, fund.FundID, "budget withdrawn")
	assert.True(t, bizerr.Is(err, bizerr.ErrChainConfirmationTimeout))

	env.advance(5 * time.Minute)
	stats, err := env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)

	env.advance(10 * time.Minute)
	stats, err = env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assert.Equal(t, model.FundStatusApproved, stored.Status)

	// 过期后基金解除阻塞
	env.chain.setMode(modeConfirm)
	fund, err = env.svc.Reject(ctx, authorityB, fund.FundID, "budget withdrawn")
	require.NoError(t, err)
	assert.Equal(t, model.FundStatusRejected, fund.Status)
	assert.Equal(t, "budget withdrawn", fund.Remarks)
}

func TestReconciliation_RevertedLeavesFundUntouched(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	fund := env.approvedFund(t, 100)
	eventsBefore := len(env.eventTypes())

	env.chain.setMode(modeRevert)
	_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(40))
	assert.True(t, bizerr.Is(err, bizerr.ErrChainSubmissionFailed))

	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assertDecimal(t, 0, stored.ReleasedAmount)
	assert.Equal(t, model.FundStatusApproved, stored.Status)

	txs, err := env.query.ListTransactions(ctx, fund.FundID)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, model.TxTypeRelease, last.Type)
	assert.Equal(t, model.TxStatusFailed, last.Status)
	assert.Len(t, env.eventTypes(), eventsBefore)

	pending, err := env.intentRepo.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	env.chain.setMode(modeConfirm)
	fund, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(40))
	require.NoError(t, err)
	assertDecimal(t, 40, fund.ReleasedAmount)
}

func TestReconciliation_RejectedSendFailsIntent(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	fund := env.approvedFund(t, 100)

	env.chain.setMode(modeReject)
	_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(10))
	assert.True(t, bizerr.Is(err, bizerr.ErrChainSubmissionFailed))
	assert.True(t, bizerr.IsRetryable(err))

	_, err = env.intentRepo.GetPendingByFund(ctx, fund.FundID)
	assert.ErrorIs(t, err, repository.ErrIntentNotFound)

	env.chain.setMode(modeConfirm)
	_, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(10))
	assert.NoError(t, err)
}

func TestReconciliation_UnknownSendOutcomeStaysPending(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	fund := env.approvedFund(t, 100)

	// 节点已接收交易，但响应丢失
	env.chain.setMode(modeSendFail)
	_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(10))
	assert.True(t, bizerr.Is(err, bizerr.ErrChainSubmissionFailed))
	assert.True(t, bizerr.IsRetryable(err))

	intent, err := env.intentRepo.GetPendingByFund(ctx, fund.FundID)
	require.NoError(t, err)

	// 重试被未决意图拦截，不会重复释放
	env.chain.setMode(modeConfirm)
	_, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(10))
	assert.True(t, bizerr.Is(err, bizerr.ErrIntentPending))

	env.chain.confirmLate(intent.TxHash)
	env.advance(2 * time.Minute)
	stats, err := env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)

	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assertDecimal(t, 10, stored.ReleasedAmount)
	assert.Equal(t, intent.TxHash, stored.TxHash)
}

func TestReconciliation_LockWaitCoversConfirmation(t *testing.T) {
	env := setupService(t, &ReconciliationServiceConfig{})
	ctx := context.Background()
	assert.Equal(t, env.chain.ConfirmTimeout()+defaultLockMargin, env.svc.lockWait)

	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(1000))
	require.NoError(t, err)

	// 持锁方等待确认期间，排队的写操作等到锁释放后再判定
	env.chain.mu.Lock()
	env.chain.delay = 300 * time.Millisecond
	env.chain.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Approve(ctx, authorityB, fund.FundID, "")
		}(i)
	}
	wg.Wait()

	succeeded, already := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case bizerr.Is(err, bizerr.ErrAlreadyApproved):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, already)
}

func TestReconciliation_CommandReplay(t *testing.T) {
	env := setupService(t, nil)
	fund := env.approvedFund(t, 100)
	ctx := model.ContextWithCommandID(context.Background(), "cmd-release-30")

	first, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(30))
	require.NoError(t, err)
	calls := env.chain.callCount()

	// 重复投递: 不再上链，返回当前基金
	again, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.Equal(t, calls, env.chain.callCount())
	assertDecimal(t, 30, again.ReleasedAmount)
	assert.Equal(t, first.TxHash, again.TxHash)

	stored, err := env.query.GetFund(context.Background(), fund.FundID)
	require.NoError(t, err)
	assertDecimal(t, 30, stored.ReleasedAmount)

	// 同一幂等键用于其他操作
	_, err = env.svc.Reject(ctx, authorityB, fund.FundID, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))
	_, err = env.svc.Release(ctx, authorityB, fund.FundID+1, decimal.NewFromInt(30))
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))
}

func TestReconciliation_CommandRetriedAfterRejection(t *testing.T) {
	env := setupService(t, nil)
	fund := env.approvedFund(t, 100)
	ctx := model.ContextWithCommandID(context.Background(), "cmd-release-retry")

	env.chain.setMode(modeReject)
	_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(20))
	require.Error(t, err)

	env.chain.setMode(modeConfirm)
	released, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(20))
	require.NoError(t, err)
	assertDecimal(t, 20, released.ReleasedAmount)

	intent, err := env.intentRepo.GetByCommandID(context.Background(), "cmd-release-retry")
	require.NoError(t, err)
	assert.Equal(t, model.ChainIntentStatusConfirmed, intent.Status)
	assert.Equal(t, released.TxHash, intent.TxHash)
}

func TestReconciliation_CommandReplayWhilePending(t *testing.T) {
	env := setupService(t, nil)
	fund := env.approvedFund(t, 100)
	ctx := model.ContextWithCommandID(context.Background(), "cmd-slow")

	env.chain.setMode(modeTimeout)
	_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(10))
	assert.True(t, bizerr.Is(err, bizerr.ErrChainConfirmationTimeout))

	env.chain.setMode(modeConfirm)
	_, err = env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(10))
	assert.True(t, bizerr.Is(err, bizerr.ErrIntentPending))
}

func TestReconciliation_AllocateReplay(t *testing.T) {
	env := setupService(t, nil)
	ctx := model.ContextWithCommandID(context.Background(), "cmd-allocate")

	first, err := env.svc.Allocate(ctx, adminA, clinicProject(500))
	require.NoError(t, err)
	second, err := env.svc.Allocate(ctx, adminA, clinicProject(500))
	require.NoError(t, err)
	assert.Equal(t, first.FundID, second.FundID)
	assert.Equal(t, 1, env.chain.callCount())

	fresh, err := env.svc.Allocate(context.Background(), adminA, clinicProject(500))
	require.NoError(t, err)
	assert.Equal(t, first.FundID+1, fresh.FundID)
}

func TestReconciliation_RecoverySkipsBusyFund(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	fund := env.approvedFund(t, 100)

	env.chain.setMode(modeTimeout)
	_, err := env.svc.Release(ctx, authorityB, fund.FundID, decimal.NewFromInt(10))
	require.Error(t, err)
	intent, err := env.intentRepo.GetPendingByFund(ctx, fund.FundID)
	require.NoError(t, err)
	env.chain.confirmLate(intent.TxHash)
	env.advance(2 * time.Minute)

	held := env.locker.NewLock(fundLockKey(fund.FundID))
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 不等待基金锁
	start := time.Now()
	stats, err := env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Confirmed)

	require.NoError(t, held.Release(ctx))
	stats, err = env.svc.RecoverPendingIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)
}

func TestReconciliation_DuplicateReceiptIsIdempotent(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	fund := env.approvedFund(t, 100)

	params := &model.ActionParams{FundID: fund.FundID, Amount: decimal.NewFromInt(30)}
	snapshot, err := env.fundRepo.LoadFund(ctx, fund.FundID)
	require.NoError(t, err)

	receipt := &model.ChainReceipt{
		TxHash:      "0xfeed",
		From:        testSenderAddress.Hex(),
		To:          testRegistryAddress.Hex(),
		BlockNumber: 5000,
		Success:     true,
		Timestamp:   testStartMillis,
	}

	next, err := env.svc.engine.Decide(snapshot, model.ActionRelease, authorityB, params, testStartMillis)
	require.NoError(t, err)
	first, err := env.svc.project(ctx, model.ActionRelease, params, next, receipt, "unknown-intent")
	require.NoError(t, err)
	assertDecimal(t, 30, first.ReleasedAmount)
	eventsAfterFirst := len(env.eventTypes())

	// 同一回执再次投影: 不重复扣减，返回已存储的基金
	again, err := env.svc.engine.Decide(snapshot, model.ActionRelease, authorityB, params, testStartMillis)
	require.NoError(t, err)
	second, err := env.svc.project(ctx, model.ActionRelease, params, again, receipt, "unknown-intent")
	require.NoError(t, err)
	assertDecimal(t, 30, second.ReleasedAmount)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, env.eventTypes(), eventsAfterFirst)

	txs, err := env.query.ListTransactions(ctx, fund.FundID)
	require.NoError(t, err)
	releases := 0
	for _, tx := range txs {
		if tx.Type == model.TxTypeRelease {
			releases++
		}
	}
	assert.Equal(t, 1, releases)
}

func TestReconciliation_MilestoneFlow(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(500))
	require.NoError(t, err)

	fund, err = env.svc.AddMilestone(ctx, authorityB, fund.FundID, &model.MilestoneSpec{
		Description: "Foundation poured",
		Amount:      decimal.NewFromInt(200),
		Deadline:    testStartMillis + 86_400_000,
	})
	require.NoError(t, err)
	require.Len(t, fund.Milestones, 1)
	assert.Equal(t, model.MilestoneStatusPending, fund.Milestones[0].Status)

	_, err = env.svc.AddMilestone(ctx, clinicE, fund.FundID, &model.MilestoneSpec{Description: "x"})
	assert.True(t, bizerr.IsForbidden(err))

	_, err = env.svc.UpdateMilestoneStatus(ctx, clinicE, fund.FundID, 0, model.MilestoneStatusCompleted, "Qm123")
	assert.True(t, bizerr.Is(err, bizerr.ErrInvalidTransition))

	fund, err = env.svc.UpdateMilestoneStatus(ctx, clinicE, fund.FundID, 0, model.MilestoneStatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusInProgress, fund.Milestones[0].Status)

	other := &model.Actor{ID: "school-f", Role: model.RoleBeneficiary}
	_, err = env.svc.UpdateMilestoneStatus(ctx, other, fund.FundID, 0, model.MilestoneStatusCompleted, "Qm123")
	assert.True(t, bizerr.IsForbidden(err))

	_, err = env.svc.UpdateMilestoneStatus(ctx, clinicE, fund.FundID, 0, model.MilestoneStatusCompleted, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrInvalidTransition))

	fund, err = env.svc.UpdateMilestoneStatus(ctx, clinicE, fund.FundID, 0, model.MilestoneStatusCompleted, "QmProof")
	require.NoError(t, err)
	assert.Equal(t, "QmProof", fund.Milestones[0].ProofDocument)
	assert.NotZero(t, fund.Milestones[0].CompletedAt)

	_, err = env.svc.UpdateMilestoneStatus(ctx, clinicE, fund.FundID, 0, model.MilestoneStatusVerified, "")
	assert.True(t, bizerr.IsForbidden(err))

	fund, err = env.svc.UpdateMilestoneStatus(ctx, auditorD, fund.FundID, 0, model.MilestoneStatusVerified, "")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusVerified, fund.Milestones[0].Status)

	_, err = env.svc.UpdateMilestoneStatus(ctx, auditorD, fund.FundID, 3, model.MilestoneStatusVerified, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))

	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	require.Len(t, stored.Milestones, 1)
	assert.Equal(t, model.MilestoneStatusVerified, stored.Milestones[0].Status)
	assert.Equal(t, model.FundStatusPending, stored.Status)

	env.mu.Lock()
	last := env.events[len(env.events)-1]
	env.mu.Unlock()
	assert.Equal(t, model.FundEventMilestoneChanged, last.Type)
	require.NotNil(t, last.MilestoneIndex)
	assert.Equal(t, 0, *last.MilestoneIndex)
	assert.Equal(t, "VERIFIED", last.Fund.Milestones[0].Status)
}

func TestReconciliation_Reject(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(100))
	require.NoError(t, err)

	fund, err = env.svc.Reject(ctx, authorityB, fund.FundID, "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, model.FundStatusRejected, fund.Status)

	_, err = env.svc.Approve(ctx, authorityC, fund.FundID, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrInvalidState))
	_, err = env.svc.Reject(ctx, authorityC, fund.FundID, "")
	assert.True(t, bizerr.Is(err, bizerr.ErrInvalidState))
	_, err = env.svc.AddMilestone(ctx, authorityC, fund.FundID, &model.MilestoneSpec{Description: "late"})
	assert.True(t, bizerr.Is(err, bizerr.ErrInvalidState))

	types := env.eventTypes()
	assert.Equal(t, model.FundEventRejected, types[len(types)-1])
}

func TestReconciliation_EventFailureDoesNotFailOperation(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()
	env.svc.SetOnFundAllocated(func(ctx context.Context, event *model.FundEvent) error {
		return errors.New("broker down")
	})

	fund, err := env.svc.Allocate(ctx, adminA, clinicProject(100))
	require.NoError(t, err)
	assert.Equal(t, model.BlockchainStatusConfirmed, fund.BlockchainStatus)

	stored, err := env.query.GetFund(ctx, fund.FundID)
	require.NoError(t, err)
	assert.Equal(t, fund.TxHash, stored.TxHash)
}

func TestReconciliation_ContractCalls(t *testing.T) {
	env := setupService(t, nil)
	fund := env.approvedFund(t, 100)
	_, err := env.svc.Release(context.Background(), authorityB, fund.FundID, decimal.NewFromInt(5))
	require.NoError(t, err)

	env.chain.mu.Lock()
	defer env.chain.mu.Unlock()
	methods := make([]string, 0, len(env.chain.calls))
	for _, c := range env.chain.calls {
		methods = append(methods, c.Method)
		assert.Equal(t, testRegistryAddress, c.To)
	}
	assert.Equal(t, []string{"allocateFund", "approveFund", "approveFund", "releaseFund"}, methods)
	assert.Equal(t, "5000000000000000000", env.chain.calls[3].Value.String())
}
