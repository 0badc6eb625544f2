package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
)

var (
	// ErrIntentNotFound 意图不存在或已不处于 PENDING
	ErrIntentNotFound = errors.New("chain intent not found")
	// ErrDuplicateCommand command_id 已被另一意图占用
	ErrDuplicateCommand = errors.New("duplicate command id")
)

// IntentRepository 链上意图仓储接口
type IntentRepository interface {
	CreateIntent(ctx context.Context, intent *model.ChainIntent) error
	GetByIntentID(ctx context.Context, intentID string) (*model.ChainIntent, error)
	// GetByCommandID 按上游命令幂等键查询，终结意图被清理后不再可查
	GetByCommandID(ctx context.Context, commandID string) (*model.ChainIntent, error)
	// ReleaseCommandID 释放 FAILED / EXPIRED 意图占用的 command_id，使同一命令可以重新执行
	ReleaseCommandID(ctx context.Context, intentID string) error
	// GetPendingByFund 返回基金最早的未决意图
	GetPendingByFund(ctx context.Context, fundID int64) (*model.ChainIntent, error)
	// UpdateStatus 仅允许从 PENDING 流转到终态
	UpdateStatus(ctx context.Context, intentID string, status model.ChainIntentStatus, errMsg string) error
	ListPending(ctx context.Context, limit int) ([]*model.ChainIntent, error)
	CountPending(ctx context.Context) (int64, error)
	// DeleteResolvedBefore 清理指定时间前已终结的意图
	DeleteResolvedBefore(ctx context.Context, before int64) (int64, error)
}

// intentRepository 链上意图仓储实现
type intentRepository struct {
	*Repository
}

// NewIntentRepository 创建链上意图仓储
func NewIntentRepository(db *gorm.DB) IntentRepository {
	return &intentRepository{
		Repository: NewRepository(db),
	}
}

func (r *intentRepository) CreateIntent(ctx context.Context, intent *model.ChainIntent) error {
	now := time.Now().UnixMilli()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	err := r.DB(ctx).Create(intent).Error
	if intent.CommandID != nil && isUniqueViolationOn(err, "command_id") {
		return ErrDuplicateCommand
	}
	return err
}

func (r *intentRepository) GetByCommandID(ctx context.Context, commandID string) (*model.ChainIntent, error) {
	var intent model.ChainIntent
	err := r.DB(ctx).Where("command_id = ?", commandID).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) ReleaseCommandID(ctx context.Context, intentID string) error {
	return r.DB(ctx).Model(&model.ChainIntent{}).
		Where("intent_id = ? AND status IN ?", intentID,
			[]model.ChainIntentStatus{model.ChainIntentStatusFailed, model.ChainIntentStatusExpired}).
		Updates(map[string]interface{}{
			"command_id": nil,
			"updated_at": time.Now().UnixMilli(),
		}).Error
}

func (r *intentRepository) GetByIntentID(ctx context.Context, intentID string) (*model.ChainIntent, error) {
	var intent model.ChainIntent
	err := r.DB(ctx).Where("intent_id = ?", intentID).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) GetPendingByFund(ctx context.Context, fundID int64) (*model.ChainIntent, error) {
	var intent model.ChainIntent
	err := r.DB(ctx).
		Where("fund_id = ? AND status = ?", fundID, model.ChainIntentStatusPending).
		Order("id ASC").
		First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) UpdateStatus(ctx context.Context, intentID string, status model.ChainIntentStatus, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UnixMilli(),
	}
	if errMsg != "" {
		if len(errMsg) > 500 {
			errMsg = errMsg[:500]
		}
		updates["error_message"] = errMsg
	}

	result := r.DB(ctx).Model(&model.ChainIntent{}).
		Where("intent_id = ? AND status = ?", intentID, model.ChainIntentStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (r *intentRepository) ListPending(ctx context.Context, limit int) ([]*model.ChainIntent, error) {
	var intents []*model.ChainIntent
	err := r.DB(ctx).
		Where("status = ?", model.ChainIntentStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

func (r *intentRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ChainIntent{}).
		Where("status = ?", model.ChainIntentStatusPending).
		Count(&count).Error
	return count, err
}

func (r *intentRepository) DeleteResolvedBefore(ctx context.Context, before int64) (int64, error) {
	result := r.DB(ctx).
		Where("status <> ? AND updated_at < ?", model.ChainIntentStatusPending, before).
		Delete(&model.ChainIntent{})
	return result.RowsAffected, result.Error
}
