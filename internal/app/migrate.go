package app

import (
	"gorm.io/gorm"

	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
)

// AutoMigrate 创建或更新账本表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.FundSequence{},
		&model.Fund{},
		&model.FundApproval{},
		&model.FundMilestone{},
		&model.FundTransaction{},
		&model.ChainIntent{},
	)
}
