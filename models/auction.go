package models

import (
	"time"
)

// Auction 是拍品的集合，記錄同一場拍賣共用的延長結標預設值和加價級距
// 拍賣本身的建立與管理不在此服務內，這裡只讀取
type Auction struct {
	ID       string `gorm:"type:varchar(64);primaryKey"`
	TenantID string `gorm:"type:varchar(64);not null;index"`
	Title    string `gorm:"type:varchar(255);not null;default:''"`

	// 延長結標預設值，SoftCloseEnabled 為 NULL 時使用引擎的預設值
	SoftCloseEnabled          *bool `gorm:"type:boolean"`
	SoftCloseTriggerSeconds   int   `gorm:"type:integer;not null;default:0"`
	SoftCloseExtensionSeconds int   `gorm:"type:integer;not null;default:0"`
	SoftCloseMaxExtensions    int   `gorm:"type:integer;not null;default:0"`

	// 加價級距，格式為 "0:1,100:5"，空字串表示使用引擎的預設值
	Increments string `gorm:"type:text;not null;default:''"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Lots []Lot
}
