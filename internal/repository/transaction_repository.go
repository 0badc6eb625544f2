package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
)

var (
	// ErrDuplicateTransaction 交易哈希已落库，表示该回执已投影过
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrTransactionNotFound  = errors.New("transaction not found")
)

// TransactionFilter 交易列表过滤条件
type TransactionFilter struct {
	FundID    int64
	Type      *model.TxType
	Status    *model.TxStatus
	TimeRange *TimeRange
}

// TransactionStats 交易审计汇总
type TransactionStats struct {
	Total          int64            `json:"total"`
	ByType         map[string]int64 `json:"by_type"`
	ByStatus       map[string]int64 `json:"by_status"`
	ReleasedAmount decimal.Decimal  `json:"released_amount"` // 已确认释放交易金额合计
	TotalGasUsed   int64            `json:"total_gas_used"`
}

// TransactionRepository 链上交易仓储接口
type TransactionRepository interface {
	// InsertTransaction 按 tx_hash 幂等写入，重复时返回 ErrDuplicateTransaction
	InsertTransaction(ctx context.Context, tx *model.FundTransaction) error
	GetByTxHash(ctx context.Context, txHash string) (*model.FundTransaction, error)
	// ListTransactions 按确认顺序 (block_number, tx_index) 返回基金的全部交易
	ListTransactions(ctx context.Context, fundID int64) ([]*model.FundTransaction, error)
	ListTransactionsPage(ctx context.Context, filter *TransactionFilter, page *Pagination) ([]*model.FundTransaction, error)
	// AggregateTransactions 按过滤条件汇总，filter 为 nil 时统计全部交易
	AggregateTransactions(ctx context.Context, filter *TransactionFilter) (*TransactionStats, error)
}

// transactionRepository 链上交易仓储实现
type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建链上交易仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		Repository: NewRepository(db),
	}
}

func (r *transactionRepository) InsertTransaction(ctx context.Context, tx *model.FundTransaction) error {
	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().UnixMilli()
	}

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).Create(tx)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrDuplicateTransaction
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

func (r *transactionRepository) GetByTxHash(ctx context.Context, txHash string) (*model.FundTransaction, error) {
	var tx model.FundTransaction
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) ListTransactions(ctx context.Context, fundID int64) ([]*model.FundTransaction, error) {
	var txs []*model.FundTransaction
	err := r.DB(ctx).
		Where("fund_id = ?", fundID).
		Order("block_number ASC, tx_index ASC").
		Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) ListTransactionsPage(ctx context.Context, filter *TransactionFilter, page *Pagination) ([]*model.FundTransaction, error) {
	var txs []*model.FundTransaction

	query := applyTransactionFilter(r.DB(ctx).Model(&model.FundTransaction{}), filter)

	page = page.Normalize()
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("block_number DESC, tx_index DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&txs).Error
	return txs, err
}

func applyTransactionFilter(query *gorm.DB, filter *TransactionFilter) *gorm.DB {
	if filter == nil {
		return query
	}
	if filter.FundID > 0 {
		query = query.Where("fund_id = ?", filter.FundID)
	}
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.TimeRange.IsValid() {
		query = query.Where("block_timestamp >= ? AND block_timestamp < ?", filter.TimeRange.Start, filter.TimeRange.End)
	}
	return query
}

type txGroupCount struct {
	GroupKey int8
	Count    int64
}

type txTotals struct {
	Released decimal.Decimal
	GasUsed  int64
}

func (r *transactionRepository) AggregateTransactions(ctx context.Context, filter *TransactionFilter) (*TransactionStats, error) {
	stats := &TransactionStats{
		ByType:         make(map[string]int64),
		ByStatus:       make(map[string]int64),
		ReleasedAmount: decimal.Zero,
	}

	var byType []txGroupCount
	if err := applyTransactionFilter(r.DB(ctx).Model(&model.FundTransaction{}), filter).
		Select("type AS group_key, COUNT(*) AS count").
		Group("type").
		Scan(&byType).Error; err != nil {
		return nil, err
	}
	for _, row := range byType {
		stats.ByType[model.TxType(row.GroupKey).Lower()] = row.Count
		stats.Total += row.Count
	}

	var byStatus []txGroupCount
	if err := applyTransactionFilter(r.DB(ctx).Model(&model.FundTransaction{}), filter).
		Select("status AS group_key, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		stats.ByStatus[model.TxStatus(row.GroupKey).String()] = row.Count
	}

	var totals txTotals
	if err := applyTransactionFilter(r.DB(ctx).Model(&model.FundTransaction{}), filter).
		Select("COALESCE(SUM(CASE WHEN type = ? AND status = ? THEN amount ELSE 0 END), 0) AS released, "+
			"COALESCE(SUM(gas_used), 0) AS gas_used",
			model.TxTypeRelease, model.TxStatusConfirmed).
		Scan(&totals).Error; err != nil {
		return nil, err
	}
	stats.ReleasedAmount = totals.Released
	stats.TotalGasUsed = totals.GasUsed

	return stats, nil
}
