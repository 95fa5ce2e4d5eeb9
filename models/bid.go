package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid 代表拍品的出價紀錄，只記錄被接受的出價，建立後不會修改
type Bid struct {
	ID             string          `gorm:"type:varchar(64);primaryKey;<-:create"`
	TenantID       string          `gorm:"type:varchar(64);not null;<-:create"`
	AuctionID      string          `gorm:"type:varchar(64);not null;<-:create"`
	LotID          string          `gorm:"type:varchar(64);not null;index;<-:create"`
	BidderID       string          `gorm:"type:varchar(64);not null;<-:create"`
	BidderName     string          `gorm:"type:varchar(255);not null;<-:create"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,4);not null;<-:create"`
	Timestamp      time.Time       `gorm:"column:placed_at;not null;<-:create"`
	Origin         string          `gorm:"type:varchar(16);not null;<-:create"`
	IdempotencyKey string          `gorm:"type:varchar(255);not null;default:'';<-:create"`
	CreatedAt      time.Time

	// 外鍵關聯
	Lot Lot
}
