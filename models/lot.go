package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot 代表拍賣中的一個拍品，包含起標價、目前最高出價、結標時間和延長結標狀態
type Lot struct {
	ID            string          `gorm:"type:varchar(64);primaryKey"`
	TenantID      string          `gorm:"type:varchar(64);not null;index:idx_lots_tenant_auction"`
	AuctionID     string          `gorm:"type:varchar(64);not null;index:idx_lots_tenant_auction"`
	Title         string          `gorm:"type:varchar(255);not null;default:''"`
	StartingPrice decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	StartTime     time.Time       `gorm:"not null"`

	// 延長結標設定，SoftCloseEnabled 為 NULL 時沿用拍賣的預設值
	SoftCloseEnabled          *bool  `gorm:"type:boolean"`
	SoftCloseTriggerSeconds   int    `gorm:"type:integer;not null;default:0"`
	SoftCloseExtensionSeconds int    `gorm:"type:integer;not null;default:0"`
	SoftCloseMaxExtensions    int    `gorm:"type:integer;not null;default:0"`
	Increments                string `gorm:"type:text;not null;default:''"`

	// 競標狀態，只由拍品的 actor 更新
	Status         string          `gorm:"type:varchar(32);not null;index"`
	CurrentPrice   decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	LeaderID       string          `gorm:"type:varchar(64);not null;default:''"`
	LeaderName     string          `gorm:"type:varchar(255);not null;default:''"`
	BidCount       int             `gorm:"type:integer;not null;default:0"`
	ScheduledEnd   time.Time       `gorm:"not null"`
	ExtensionCount int             `gorm:"type:integer;not null;default:0"`
	LastBidAt      *time.Time
	EventSeq       int64           `gorm:"type:bigint;not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// 外鍵關聯
	Auction Auction
	Bids    []Bid
}
