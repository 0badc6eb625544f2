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
	ErrFundNotFound        = errors.New("fund not found")
	ErrFundVersionConflict = errors.New("fund version conflict")
)

// fundSequenceName 基金编号序列名
const fundSequenceName = "fund_id"

// FundFilter 基金列表过滤条件
type FundFilter struct {
	Status      *model.FundStatus
	Category    *model.FundCategory
	Beneficiary string
	AllocatedBy string
	TimeRange   *TimeRange // created_at
}

// CategoryStats 按类别聚合
type CategoryStats struct {
	Count     int64           `json:"count"`
	Allocated decimal.Decimal `json:"allocated"`
	Released  decimal.Decimal `json:"released"`
	Pending   decimal.Decimal `json:"pending"` // 未驳回基金的剩余额度
}

// FundStats 基金总览
type FundStats struct {
	TotalFunds     int64                     `json:"total_funds"`
	TotalAllocated decimal.Decimal           `json:"total_allocated"`
	TotalReleased  decimal.Decimal           `json:"total_released"`
	TotalPending   decimal.Decimal           `json:"total_pending"`
	ByStatus       map[string]int64          `json:"by_status"`
	ByCategory     map[string]*CategoryStats `json:"by_category"`
}

// FundRepository 基金仓储接口
type FundRepository interface {
	// NextFundID 分配下一个基金编号，严格递增
	NextFundID(ctx context.Context) (int64, error)
	LoadFund(ctx context.Context, fundID int64) (*model.Fund, error)
	CreateFund(ctx context.Context, fund *model.Fund) error
	// SaveFund 按 version 乐观更新基金，并写入新增审批与里程碑变更
	SaveFund(ctx context.Context, fund *model.Fund) error
	ListFunds(ctx context.Context, filter *FundFilter, page *Pagination) ([]*model.Fund, error)
	// AggregateStats 按过滤条件汇总，filter 为 nil 时统计全部基金
	AggregateStats(ctx context.Context, filter *FundFilter) (*FundStats, error)
}

// fundRepository 基金仓储实现
type fundRepository struct {
	*Repository
}

// NewFundRepository 创建基金仓储
func NewFundRepository(db *gorm.DB) FundRepository {
	return &fundRepository{
		Repository: NewRepository(db),
	}
}

func (r *fundRepository) NextFundID(ctx context.Context) (int64, error) {
	var next int64
	err := r.Transaction(ctx, func(ctx context.Context) error {
		db := r.DB(ctx)
		now := time.Now().UnixMilli()

		// 首次使用时创建序列行
		seed := &model.FundSequence{Name: fundSequenceName, Value: 0, UpdatedAt: now}
		if err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(seed).Error; err != nil {
			return err
		}

		var seq model.FundSequence
		opts := &QueryOptions{ForUpdate: true}
		if err := opts.ApplyLock(db).Where("name = ?", fundSequenceName).First(&seq).Error; err != nil {
			return err
		}

		next = seq.Value + 1
		return db.Model(&model.FundSequence{}).
			Where("id = ?", seq.ID).
			Updates(map[string]interface{}{
				"value":      next,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *fundRepository) LoadFund(ctx context.Context, fundID int64) (*model.Fund, error) {
	var fund model.Fund
	err := r.withChildren(r.DB(ctx)).
		Where("fund_id = ?", fundID).
		First(&fund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fund, nil
}

func (r *fundRepository) CreateFund(ctx context.Context, fund *model.Fund) error {
	now := time.Now().UnixMilli()
	if fund.CreatedAt == 0 {
		fund.CreatedAt = now
	}
	fund.UpdatedAt = now
	fund.Version = 1

	return r.Transaction(ctx, func(ctx context.Context) error {
		db := r.DB(ctx)
		if err := db.Omit(clause.Associations).Create(fund).Error; err != nil {
			return err
		}
		if err := r.insertApprovals(ctx, fund); err != nil {
			return err
		}
		return r.saveMilestones(ctx, fund, now)
	})
}

func (r *fundRepository) SaveFund(ctx context.Context, fund *model.Fund) error {
	now := time.Now().UnixMilli()

	return r.Transaction(ctx, func(ctx context.Context) error {
		db := r.DB(ctx)
		result := db.Model(&model.Fund{}).
			Where("fund_id = ? AND version = ?", fund.FundID, fund.Version).
			Updates(map[string]interface{}{
				"released_amount":   fund.ReleasedAmount,
				"status":            fund.Status,
				"blockchain_status": fund.BlockchainStatus,
				"tx_hash":           fund.TxHash,
				"remarks":           fund.Remarks,
				"version":           fund.Version + 1,
				"updated_at":        now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := db.Model(&model.Fund{}).Where("fund_id = ?", fund.FundID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrFundNotFound
			}
			return ErrFundVersionConflict
		}

		if err := r.insertApprovals(ctx, fund); err != nil {
			return err
		}
		if err := r.saveMilestones(ctx, fund, now); err != nil {
			return err
		}

		fund.Version++
		fund.UpdatedAt = now
		return nil
	})
}

// insertApprovals 写入尚未落库的审批，(fund_id, authority) 冲突时忽略
func (r *fundRepository) insertApprovals(ctx context.Context, fund *model.Fund) error {
	var pending []*model.FundApproval
	for _, a := range fund.Approvals {
		if a.ID == 0 {
			a.FundID = fund.FundID
			pending = append(pending, a)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fund_id"}, {Name: "authority"}},
		DoNothing: true,
	}).Create(&pending).Error
}

// saveMilestones 新增里程碑插入，已有里程碑更新状态字段
func (r *fundRepository) saveMilestones(ctx context.Context, fund *model.Fund, now int64) error {
	db := r.DB(ctx)
	for _, m := range fund.Milestones {
		m.FundID = fund.FundID
		if m.ID == 0 {
			m.UpdatedAt = now
			if err := db.Create(m).Error; err != nil {
				return err
			}
			continue
		}
		if err := db.Model(&model.FundMilestone{}).
			Where("id = ?", m.ID).
			Updates(map[string]interface{}{
				"status":         m.Status,
				"proof_document": m.ProofDocument,
				"completed_at":   m.CompletedAt,
				"updated_at":     m.UpdatedAt,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *fundRepository) ListFunds(ctx context.Context, filter *FundFilter, page *Pagination) ([]*model.Fund, error) {
	var funds []*model.Fund

	query := applyFundFilter(r.DB(ctx).Model(&model.Fund{}), filter)

	page = page.Normalize()
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := r.withChildren(query).
		Order("created_at DESC, fund_id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&funds).Error
	return funds, err
}

func applyFundFilter(query *gorm.DB, filter *FundFilter) *gorm.DB {
	if filter == nil {
		return query
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Category != nil {
		query = query.Where("category = ?", *filter.Category)
	}
	if filter.Beneficiary != "" {
		query = query.Where("beneficiary = ?", filter.Beneficiary)
	}
	if filter.AllocatedBy != "" {
		query = query.Where("allocated_by = ?", filter.AllocatedBy)
	}
	if filter.TimeRange.IsValid() {
		query = query.Where("created_at >= ? AND created_at < ?", filter.TimeRange.Start, filter.TimeRange.End)
	}
	return query
}

type fundStatusCount struct {
	Status model.FundStatus
	Count  int64
}

type fundCategorySum struct {
	Category  model.FundCategory
	Count     int64
	Allocated decimal.Decimal
	Released  decimal.Decimal
	Pending   decimal.Decimal
}

func (r *fundRepository) AggregateStats(ctx context.Context, filter *FundFilter) (*FundStats, error) {
	stats := &FundStats{
		TotalAllocated: decimal.Zero,
		TotalReleased:  decimal.Zero,
		TotalPending:   decimal.Zero,
		ByStatus:       make(map[string]int64),
		ByCategory:     make(map[string]*CategoryStats),
	}

	var statusRows []fundStatusCount
	if err := applyFundFilter(r.DB(ctx).Model(&model.Fund{}), filter).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&statusRows).Error; err != nil {
		return nil, err
	}
	for _, row := range statusRows {
		stats.ByStatus[row.Status.String()] = row.Count
		stats.TotalFunds += row.Count
	}

	var categoryRows []fundCategorySum
	if err := applyFundFilter(r.DB(ctx).Model(&model.Fund{}), filter).
		Select("category, COUNT(*) AS count, "+
			"COALESCE(SUM(total_amount), 0) AS allocated, "+
			"COALESCE(SUM(released_amount), 0) AS released, "+
			"COALESCE(SUM(CASE WHEN status <> ? THEN total_amount - released_amount ELSE 0 END), 0) AS pending",
			model.FundStatusRejected).
		Group("category").
		Scan(&categoryRows).Error; err != nil {
		return nil, err
	}
	for _, row := range categoryRows {
		stats.ByCategory[row.Category.String()] = &CategoryStats{
			Count:     row.Count,
			Allocated: row.Allocated,
			Released:  row.Released,
			Pending:   row.Pending,
		}
		stats.TotalAllocated = stats.TotalAllocated.Add(row.Allocated)
		stats.TotalReleased = stats.TotalReleased.Add(row.Released)
		stats.TotalPending = stats.TotalPending.Add(row.Pending)
	}

	return stats, nil
}

// withChildren 预加载审批 (按 seq) 与里程碑 (按 index)
func (r *fundRepository) withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Approvals", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq ASC")
		}).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB {
			return db.Order("milestone_index ASC")
		})
}
