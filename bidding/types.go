package bidding

import (
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Status 代表拍品在競標期間的狀態
type Status string

const (
	StatusNotYetOpen   Status = "not-yet-open"
	StatusOpen         Status = "open"
	StatusExtended     Status = "in-soft-close-extension"
	StatusClosedSold   Status = "closed-sold"
	StatusClosedUnsold Status = "closed-unsold"
)

// Biddable 判斷目前狀態是否接受出價
func (s Status) Biddable() bool {
	return s == StatusOpen || s == StatusExtended
}

// Closed 判斷是否為終止狀態，終止狀態設定後不會再改變
func (s Status) Closed() bool {
	return s == StatusClosedSold || s == StatusClosedUnsold
}

// Origin 代表出價的來源
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginAutomatic Origin = "automatic"
)

// SoftCloseConfig 是拍品的延長結標設定，競標期間只讀
type SoftCloseConfig struct {
	Enabled          bool
	TriggerThreshold time.Duration // 結標前多久內的出價會觸發延長
	ExtensionLength  time.Duration // 每次延長的時間
	MaxExtensions    int           // 最多延長次數
}

// LotState 是拍品在競標期間會被修改的狀態，也是寫回儲存層的內容
type LotState struct {
	CurrentPrice   decimal.Decimal
	LeaderID       string
	LeaderName     string
	BidCount       int
	Status         Status
	ScheduledEnd   time.Time
	ExtensionCount int
	LastBidAt      time.Time
	EventSeq       uint64
}

// Lot 代表一個拍品
// 傳遞給其他元件的 Lot 都是複本，只有拍品自己的 actor 持有可修改的版本
type Lot struct {
	ID            string
	AuctionID     string
	TenantID      string
	StartingPrice decimal.Decimal
	StartTime     time.Time
	SoftClose     SoftCloseConfig
	Increments    IncrementTable

	LotState
}

// View 轉換成回傳給呼叫端的拍品資訊
func (l Lot) View(policy Policy) LotView {
	return LotView{
		Price:             l.CurrentPrice,
		LeaderDisplayName: l.LeaderName,
		BidCount:          l.BidCount,
		Status:            l.Status,
		EndTime:           l.ScheduledEnd,
		ExtensionCount:    l.ExtensionCount,
		NextMinimum:       RequiredMinimum(l, policy),
	}
}

// Bid 是一筆已被接受的出價，建立後不會再修改
type Bid struct {
	ID             string          `json:"id"`
	LotID          string          `json:"lotId"`
	AuctionID      string          `json:"auctionId"`
	TenantID       string          `json:"-"`
	BidderID       string          `json:"bidderId"`
	BidderName     string          `json:"bidderName"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
	Origin         Origin          `json:"origin"`
	IdempotencyKey string          `json:"-"`
}

// LotView 是回應中呈現的拍品狀態，足以讓前端直接渲染
type LotView struct {
	Price             decimal.Decimal `json:"price"`
	LeaderDisplayName string          `json:"leaderDisplayName"`
	BidCount          int             `json:"bidCount"`
	Status            Status          `json:"status"`
	EndTime           time.Time       `json:"endTime"`
	ExtensionCount    int             `json:"extensionCount"`
	NextMinimum       decimal.Decimal `json:"nextMinimum"`
}

// BidResult 是一次出價請求的結果
type BidResult struct {
	Accepted bool      `json:"accepted"`
	Reason   ErrorKind `json:"reason,omitempty"`
	Lot      LotView   `json:"lot"`
	Bid      *Bid      `json:"bid,omitempty"`

	// Replayed 表示這是重送請求，回傳的是第一次的結果
	Replayed bool `json:"-"`
}

// PlaceBidRequest 是出價請求
type PlaceBidRequest struct {
	AuctionID      string
	LotID          string
	BidderID       string
	BidderName     string
	Amount         decimal.Decimal
	IdempotencyKey string
	Origin         Origin
}

// 出價欄位的長度上限 (以字元計)，與儲存層的欄位寬度一致
const (
	MaxBidderIDLength       = 64
	MaxBidderNameLength     = 255
	MaxIdempotencyKeyLength = 128
)

// wellFormed 檢查與拍品狀態無關的欄位
func (r PlaceBidRequest) wellFormed() bool {
	switch {
	case r.BidderID == "",
		utf8.RuneCountInString(r.BidderID) > MaxBidderIDLength,
		utf8.RuneCountInString(r.BidderName) > MaxBidderNameLength,
		utf8.RuneCountInString(r.IdempotencyKey) > MaxIdempotencyKeyLength:
		return false
	}
	return Representable(r.Amount)
}
