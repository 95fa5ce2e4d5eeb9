package api

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"bidengine/bidding"
)

type seedSoftClose struct {
	Enabled          bool   `json:"enabled"`
	TriggerThreshold string `json:"triggerThreshold"`
	ExtensionLength  string `json:"extensionLength"`
	MaxExtensions    int    `json:"maxExtensions"`
}

type seedLot struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	AuctionID     string          `json:"auctionId"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Increments    string          `json:"increments"`
	SoftClose     *seedSoftClose  `json:"softClose"`
}

// LoadSeed 讀取記憶體模式使用的拍品清單，path 為空時回傳空清單
// 沒有設定延長結標的拍品使用 fallback
func LoadSeed(path string, fallback bidding.SoftCloseConfig) ([]bidding.Lot, error) {
	const op = "LoadSeed"

	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to read seed file, err=%w", op, err)
	}
	var seeds []seedLot
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse seed file, err=%w", op, err)
	}

	lots := make([]bidding.Lot, 0, len(seeds))
	for _, seed := range seeds {
		lot, err := seed.lot(fallback)
		if err != nil {
			return nil, fmt.Errorf("[%s] Invalid lot %q, err=%w", op, seed.ID, err)
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func (s seedLot) lot(fallback bidding.SoftCloseConfig) (bidding.Lot, error) {
	if s.ID == "" || s.TenantID == "" || s.AuctionID == "" {
		return bidding.Lot{}, fmt.Errorf("id, tenantId and auctionId are required")
	}
	if !s.EndTime.After(s.StartTime) {
		return bidding.Lot{}, fmt.Errorf("endTime must be after startTime")
	}
	increments, err := bidding.ParseIncrementTable(s.Increments)
	if err != nil {
		return bidding.Lot{}, err
	}

	lot := bidding.Lot{
		ID:            s.ID,
		TenantID:      s.TenantID,
		AuctionID:     s.AuctionID,
		StartingPrice: s.StartingPrice,
		StartTime:     s.StartTime.UTC(),
		SoftClose:     fallback,
		Increments:    increments,
		LotState: bidding.LotState{
			CurrentPrice: s.StartingPrice,
			Status:       bidding.StatusNotYetOpen,
			ScheduledEnd: s.EndTime.UTC(),
		},
	}
	if s.SoftClose != nil {
		trigger, err := parseDuration(s.SoftClose.TriggerThreshold)
		if err != nil {
			return bidding.Lot{}, err
		}
		extension, err := parseDuration(s.SoftClose.ExtensionLength)
		if err != nil {
			return bidding.Lot{}, err
		}
		lot.SoftClose = bidding.SoftCloseConfig{
			Enabled:          s.SoftClose.Enabled,
			TriggerThreshold: trigger,
			ExtensionLength:  extension,
			MaxExtensions:    s.SoftClose.MaxExtensions,
		}
	}
	return lot, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
