package bidding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// RecordStore 儲存冪等紀錄，是唯一跨拍品共用的資源，實作必須可以同時被多個 goroutine 使用
//
//	Reserve 在 key 不存在時建立 pending 紀錄並回傳 fresh=true；
//	key 存在時回傳 fresh=false，prior 為完成的結果 (pending 時為 nil)
type RecordStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (prior []byte, fresh bool, err error)
	Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Key 是冪等紀錄的鍵值
type Key string

// ClientKey 由客戶端提供的 idempotency key 組成，範圍限定在拍品內
func ClientKey(lotID, key string) Key {
	return Key("c:" + lotID + ":" + key)
}

// Admission 是冪等檢查的結果
type Admission struct {
	Fresh bool
	// Prior 是第一次請求的結果，只有在重送且第一次請求已完成時才有值
	Prior *BidResult
	// InFlight 表示第一次請求仍在處理中
	InFlight bool
}

type guardOptions struct {
	ttl             time.Duration
	pendingTTL      time.Duration
	bucketWidth     time.Duration
	amountPrecision int32
	logger          *slog.Logger
}

type GuardOption func(*guardOptions)

// WithRecordTTL 設置冪等紀錄的保存時間
func WithRecordTTL(d time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.ttl = d
	}
}

// WithPendingTTL 設置處理中紀錄的保存時間，節點在處理途中離線時，key 會在這段時間後自動釋放
func WithPendingTTL(d time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.pendingTTL = d
	}
}

// WithBucketWidth 設置伺服器端雜湊使用的時間區間寬度
func WithBucketWidth(d time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.bucketWidth = d
	}
}

// WithAmountPrecision 設置伺服器端雜湊時金額四捨五入的小數位數
func WithAmountPrecision(places int32) GuardOption {
	return func(o *guardOptions) {
		o.amountPrecision = places
	}
}

// WithGuardLogger 設置日誌記錄器
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(o *guardOptions) {
		o.logger = logger
	}
}

// Guard 負責辨識重送的出價請求
type Guard struct {
	store   RecordStore
	logger  *slog.Logger
	options guardOptions
}

func NewGuard(store RecordStore, opts ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	options := guardOptions{
		ttl:             10 * time.Minute,
		pendingTTL:      30 * time.Second,
		bucketWidth:     2 * time.Second,
		amountPrecision: 2,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.bucketWidth <= 0 {
		return nil, fmt.Errorf("bucket width must be positive")
	}
	if options.ttl < options.bucketWidth {
		return nil, fmt.Errorf("record ttl must cover at least one bucket")
	}
	if options.pendingTTL <= 0 || options.pendingTTL > options.ttl {
		options.pendingTTL = options.ttl
	}
	return &Guard{
		store:   store,
		logger:  options.logger.With(slog.String("caller", "Guard")),
		options: options,
	}, nil
}

// DerivedKey 在客戶端沒有提供 key 時，由伺服器計算雜湊
//
// Formula: SHA256(lot_id + "|" + bidder_id + "|" + rounded_amount + "|" + bucket)
//
// NOTE: 同一個使用者在同一個時間區間內刻意送出相同金額的出價，會被視為重送
func (g *Guard) DerivedKey(lotID, bidderID string, amount decimal.Decimal, at time.Time) Key {
	bucket := at.Truncate(g.options.bucketWidth).Unix()
	rounded := amount.Round(g.options.amountPrecision).StringFixed(g.options.amountPrecision)
	data := fmt.Sprintf("%s|%s|%s|%d", lotID, bidderID, rounded, bucket)
	return Key(fmt.Sprintf("d:%s:%x", lotID, sha256.Sum256([]byte(data))))
}

// Admit 檢查並保留 key，保留後其他相同的請求都不會被視為新的請求
func (g *Guard) Admit(ctx context.Context, key Key) (Admission, error) {
	const op = "Guard.Admit"
	prior, fresh, err := g.store.Reserve(ctx, string(key), g.options.pendingTTL)
	if err != nil {
		return Admission{}, fmt.Errorf("[%s] Fail to reserve key, err=%w", op, err)
	}
	if fresh {
		return Admission{Fresh: true}, nil
	}
	if prior == nil {
		return Admission{InFlight: true}, nil
	}
	result, err := decodeResult(prior)
	if err != nil {
		return Admission{}, fmt.Errorf("[%s] Fail to decode prior result, err=%w", op, err)
	}
	return Admission{Prior: &result}, nil
}

// Complete 記錄最終結果，之後的重送都會回傳同樣的結果
func (g *Guard) Complete(ctx context.Context, key Key, result BidResult) error {
	const op = "Guard.Complete"
	payload, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode result, err=%w", op, err)
	}
	if err := g.store.Complete(ctx, string(key), payload, g.options.ttl); err != nil {
		return fmt.Errorf("[%s] Fail to complete key, err=%w", op, err)
	}
	return nil
}

// Release 釋放保留的 key，用於可重試的失敗
func (g *Guard) Release(ctx context.Context, key Key) error {
	const op = "Guard.Release"
	if err := g.store.Release(ctx, string(key)); err != nil {
		return fmt.Errorf("[%s] Fail to release key, err=%w", op, err)
	}
	return nil
}

// storedResult 是 BidResult 的序列化格式，金額以 binary 保存，確保重送時回傳完全相同的值
type storedResult struct {
	Accepted          bool
	Reason            string
	Price             []byte
	LeaderDisplayName string
	BidCount          int
	Status            string
	EndTime           int64
	ExtensionCount    int
	NextMinimum       []byte
	Bid               *storedBid
}

type storedBid struct {
	ID         string
	LotID      string
	AuctionID  string
	TenantID   string
	BidderID   string
	BidderName string
	Amount     []byte
	Timestamp  int64
	Origin     string
	Key        string
}

func encodeResult(result BidResult) ([]byte, error) {
	price, err := result.Lot.Price.MarshalBinary()
	if err != nil {
		return nil, err
	}
	nextMinimum, err := result.Lot.NextMinimum.MarshalBinary()
	if err != nil {
		return nil, err
	}
	stored := storedResult{
		Accepted:          result.Accepted,
		Reason:            string(result.Reason),
		Price:             price,
		LeaderDisplayName: result.Lot.LeaderDisplayName,
		BidCount:          result.Lot.BidCount,
		Status:            string(result.Lot.Status),
		EndTime:           result.Lot.EndTime.UnixNano(),
		ExtensionCount:    result.Lot.ExtensionCount,
		NextMinimum:       nextMinimum,
	}
	if result.Bid != nil {
		amount, err := result.Bid.Amount.MarshalBinary()
		if err != nil {
			return nil, err
		}
		stored.Bid = &storedBid{
			ID:         result.Bid.ID,
			LotID:      result.Bid.LotID,
			AuctionID:  result.Bid.AuctionID,
			TenantID:   result.Bid.TenantID,
			BidderID:   result.Bid.BidderID,
			BidderName: result.Bid.BidderName,
			Amount:     amount,
			Timestamp:  result.Bid.Timestamp.UnixNano(),
			Origin:     string(result.Bid.Origin),
			Key:        result.Bid.IdempotencyKey,
		}
	}
	return msgpack.Marshal(stored)
}

func decodeResult(data []byte) (BidResult, error) {
	var stored storedResult
	if err := msgpack.Unmarshal(data, &stored); err != nil {
		return BidResult{}, err
	}
	result := BidResult{
		Accepted: stored.Accepted,
		Reason:   ErrorKind(stored.Reason),
		Lot: LotView{
			LeaderDisplayName: stored.LeaderDisplayName,
			BidCount:          stored.BidCount,
			Status:            Status(stored.Status),
			EndTime:           time.Unix(0, stored.EndTime).UTC(),
			ExtensionCount:    stored.ExtensionCount,
		},
	}
	if err := result.Lot.Price.UnmarshalBinary(stored.Price); err != nil {
		return BidResult{}, err
	}
	if err := result.Lot.NextMinimum.UnmarshalBinary(stored.NextMinimum); err != nil {
		return BidResult{}, err
	}
	if stored.Bid != nil {
		bid := &Bid{
			ID:             stored.Bid.ID,
			LotID:          stored.Bid.LotID,
			AuctionID:      stored.Bid.AuctionID,
			TenantID:       stored.Bid.TenantID,
			BidderID:       stored.Bid.BidderID,
			BidderName:     stored.Bid.BidderName,
			Timestamp:      time.Unix(0, stored.Bid.Timestamp).UTC(),
			Origin:         Origin(stored.Bid.Origin),
			IdempotencyKey: stored.Bid.Key,
		}
		if err := bid.Amount.UnmarshalBinary(stored.Bid.Amount); err != nil {
			return BidResult{}, err
		}
		result.Bid = bid
	}
	return result, nil
}
