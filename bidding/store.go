package bidding

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Store 是持久化層的介面
// 同一個拍品的呼叫由引擎自己序列化，實作不需要額外加鎖
type Store interface {
	// LoadLot 載入拍品，不存在時回傳 ErrLotNotFound
	LoadLot(ctx context.Context, lotID string) (Lot, error)
	// ListLiveLots 列出所有尚未結標的拍品ID
	ListLiveLots(ctx context.Context) ([]string, error)
	// CreateBid 寫入出價紀錄，以 Bid.ID 保證冪等
	CreateBid(ctx context.Context, bid Bid) (string, error)
	// DeleteBid 刪除出價紀錄，用於狀態回滾
	DeleteBid(ctx context.Context, bidID string) error
	// UpdateLotState 更新拍品狀態
	UpdateLotState(ctx context.Context, lotID string, state LotState) error
}

// MemoryStore 是記憶體版本的 Store，用於單機開發環境和測試
type MemoryStore struct {
	mu   sync.Mutex
	lots map[string]Lot
	bids map[string][]Bid
}

func NewMemoryStore(lots ...Lot) *MemoryStore {
	s := &MemoryStore{
		lots: make(map[string]Lot, len(lots)),
		bids: make(map[string][]Bid),
	}
	for _, lot := range lots {
		s.lots[lot.ID] = lot
	}
	return s
}

// Put 新增或覆蓋拍品
func (s *MemoryStore) Put(lot Lot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots[lot.ID] = lot
}

// Bids 回傳拍品的所有出價紀錄
func (s *MemoryStore) Bids(lotID string) []Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bids[lotID])
}

func (s *MemoryStore) LoadLot(ctx context.Context, lotID string) (Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return Lot{}, fmt.Errorf("[MemoryStore.LoadLot] lot=%s, err=%w", lotID, ErrLotNotFound)
	}
	return lot, nil
}

func (s *MemoryStore) ListLiveLots(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.lots))
	for id, lot := range s.lots {
		if !lot.Status.Closed() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) CreateBid(ctx context.Context, bid Bid) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.bids[bid.LotID], func(b Bid) bool { return b.ID == bid.ID }) {
		return bid.ID, nil
	}
	s.bids[bid.LotID] = append(s.bids[bid.LotID], bid)
	return bid.ID, nil
}

func (s *MemoryStore) DeleteBid(ctx context.Context, bidID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lotID, bids := range s.bids {
		s.bids[lotID] = slices.DeleteFunc(bids, func(b Bid) bool { return b.ID == bidID })
	}
	return nil
}

func (s *MemoryStore) UpdateLotState(ctx context.Context, lotID string, state LotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return fmt.Errorf("[MemoryStore.UpdateLotState] lot=%s, err=%w", lotID, ErrLotNotFound)
	}
	lot.LotState = state
	s.lots[lotID] = lot
	return nil
}
