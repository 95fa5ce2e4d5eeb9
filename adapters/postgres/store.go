package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bidengine/bidding"
	"bidengine/models"
)

type storeOptions struct {
	logger           *slog.Logger
	defaultSoftClose bidding.SoftCloseConfig
}

type Option func(*storeOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithDefaultSoftClose 設置拍品和拍賣都沒有設定時使用的延長結標設定
func WithDefaultSoftClose(config bidding.SoftCloseConfig) Option {
	return func(o *storeOptions) {
		o.defaultSoftClose = config
	}
}

// Store 是以 gorm 實作的 bidding.Store
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	options storeOptions
}

func NewStore(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db cannot be nil")
	}
	options := storeOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "PostgresStore")),
		options: options,
	}, nil
}

func (s *Store) LoadLot(ctx context.Context, lotID string) (bidding.Lot, error) {
	const op = "Store.LoadLot"

	var record models.Lot
	result := s.db.WithContext(ctx).Preload("Auction").First(&record, "id = ?", lotID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return bidding.Lot{}, fmt.Errorf("[%s] lot=%s, err=%w", op, lotID, bidding.ErrLotNotFound)
		}
		return bidding.Lot{}, fmt.Errorf("[%s] Fail to find lot, lot=%s, err=%w", op, lotID, result.Error)
	}

	lot, err := s.toLot(record)
	if err != nil {
		return bidding.Lot{}, fmt.Errorf("[%s] Fail to convert lot, lot=%s, err=%w", op, lotID, err)
	}
	return lot, nil
}

func (s *Store) ListLiveLots(ctx context.Context) ([]string, error) {
	const op = "Store.ListLiveLots"

	var ids []string
	result := s.db.WithContext(ctx).
		Model(&models.Lot{}).
		Where("status NOT IN ?", []string{string(bidding.StatusClosedSold), string(bidding.StatusClosedUnsold)}).
		Order("id").
		Pluck("id", &ids)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list live lots, err=%w", op, result.Error)
	}
	return ids, nil
}

func (s *Store) CreateBid(ctx context.Context, bid bidding.Bid) (string, error) {
	const op = "Store.CreateBid"

	record := models.Bid{
		ID:             bid.ID,
		TenantID:       bid.TenantID,
		AuctionID:      bid.AuctionID,
		LotID:          bid.LotID,
		BidderID:       bid.BidderID,
		BidderName:     bid.BidderName,
		Amount:         bid.Amount,
		Timestamp:      bid.Timestamp.UTC(),
		Origin:         string(bid.Origin),
		IdempotencyKey: bid.IdempotencyKey,
	}
	// 相同 ID 重試時不重複寫入
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Omit(clause.Associations).
		Create(&record)
	if result.Error != nil {
		return "", fmt.Errorf("[%s] Fail to create bid, bid=%s, err=%w", op, bid.ID, result.Error)
	}
	return bid.ID, nil
}

func (s *Store) DeleteBid(ctx context.Context, bidID string) error {
	const op = "Store.DeleteBid"

	if result := s.db.WithContext(ctx).Delete(&models.Bid{}, "id = ?", bidID); result.Error != nil {
		return fmt.Errorf("[%s] Fail to delete bid, bid=%s, err=%w", op, bidID, result.Error)
	}
	return nil
}

func (s *Store) UpdateLotState(ctx context.Context, lotID string, state bidding.LotState) error {
	const op = "Store.UpdateLotState"

	var lastBidAt *time.Time
	if !state.LastBidAt.IsZero() {
		lastBidAt = lo.ToPtr(state.LastBidAt.UTC())
	}
	result := s.db.WithContext(ctx).
		Model(&models.Lot{}).
		Where("id = ?", lotID).
		Updates(map[string]any{
			"status":          string(state.Status),
			"current_price":   state.CurrentPrice,
			"leader_id":       state.LeaderID,
			"leader_name":     state.LeaderName,
			"bid_count":       state.BidCount,
			"scheduled_end":   state.ScheduledEnd.UTC(),
			"extension_count": state.ExtensionCount,
			"last_bid_at":     lastBidAt,
			"event_seq":       int64(state.EventSeq),
		})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to update lot, lot=%s, err=%w", op, lotID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("[%s] lot=%s, err=%w", op, lotID, bidding.ErrLotNotFound)
	}
	return nil
}

// Bids 依出價時間列出拍品的出價紀錄
func (s *Store) Bids(ctx context.Context, lotID string) ([]bidding.Bid, error) {
	const op = "Store.Bids"

	var records []models.Bid
	result := s.db.WithContext(ctx).
		Where("lot_id = ?", lotID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "placed_at"}}).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, lot=%s, err=%w", op, lotID, result.Error)
	}
	return lo.Map(records, func(r models.Bid, _ int) bidding.Bid {
		return bidding.Bid{
			ID:             r.ID,
			LotID:          r.LotID,
			AuctionID:      r.AuctionID,
			TenantID:       r.TenantID,
			BidderID:       r.BidderID,
			BidderName:     r.BidderName,
			Amount:         r.Amount,
			Timestamp:      r.Timestamp.UTC(),
			Origin:         bidding.Origin(r.Origin),
			IdempotencyKey: r.IdempotencyKey,
		}
	}), nil
}

func (s *Store) toLot(record models.Lot) (bidding.Lot, error) {
	increments, err := bidding.ParseIncrementTable(record.Increments)
	if err != nil {
		return bidding.Lot{}, err
	}
	if len(increments) == 0 {
		if increments, err = bidding.ParseIncrementTable(record.Auction.Increments); err != nil {
			return bidding.Lot{}, err
		}
	}

	lot := bidding.Lot{
		ID:            record.ID,
		AuctionID:     record.AuctionID,
		TenantID:      record.TenantID,
		StartingPrice: record.StartingPrice,
		StartTime:     record.StartTime.UTC(),
		SoftClose: bidding.ResolveSoftClose(
			softCloseOf(record.SoftCloseEnabled, record.SoftCloseTriggerSeconds, record.SoftCloseExtensionSeconds, record.SoftCloseMaxExtensions),
			softCloseOf(record.Auction.SoftCloseEnabled, record.Auction.SoftCloseTriggerSeconds, record.Auction.SoftCloseExtensionSeconds, record.Auction.SoftCloseMaxExtensions),
			s.options.defaultSoftClose,
		),
		Increments: increments,
		LotState: bidding.LotState{
			CurrentPrice:   record.CurrentPrice,
			LeaderID:       record.LeaderID,
			LeaderName:     record.LeaderName,
			BidCount:       record.BidCount,
			Status:         bidding.Status(record.Status),
			ScheduledEnd:   record.ScheduledEnd.UTC(),
			ExtensionCount: record.ExtensionCount,
			EventSeq:       uint64(record.EventSeq),
		},
	}
	if record.LastBidAt != nil {
		lot.LastBidAt = record.LastBidAt.UTC()
	}
	return lot, nil
}

// softCloseOf 在 enabled 為 NULL 時回傳 nil，表示沿用下一層的設定
func softCloseOf(enabled *bool, trigger, extension, maxExtensions int) *bidding.SoftCloseConfig {
	if enabled == nil {
		return nil
	}
	return &bidding.SoftCloseConfig{
		Enabled:          *enabled,
		TriggerThreshold: time.Duration(trigger) * time.Second,
		ExtensionLength:  time.Duration(extension) * time.Second,
		MaxExtensions:    maxExtensions,
	}
}
