package bidding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"bidengine/tenant"
)

var (
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	errInjected   = errors.New("injected failure")
	acme          = tenant.Context{TenantID: "acme"}
	globex        = tenant.Context{TenantID: "globex"}
	t0            = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// openLot 建立一個起標價 100、在 now+end 結標的拍品
func openLot(id string, now time.Time, end time.Duration) Lot {
	return Lot{
		ID:            id,
		AuctionID:     "auction-1",
		TenantID:      "acme",
		StartingPrice: dec("100"),
		StartTime:     now.Add(-time.Hour),
		LotState: LotState{
			CurrentPrice: dec("100"),
			Status:       StatusOpen,
			ScheduledEnd: now.Add(end),
		},
	}
}

func bidReq(lotID, bidder, amount string) PlaceBidRequest {
	return PlaceBidRequest{
		AuctionID:  "auction-1",
		LotID:      lotID,
		BidderID:   bidder,
		BidderName: "Bidder " + bidder,
		Amount:     dec(amount),
	}
}

// faultStore 在 MemoryStore 外加上故障注入
type faultStore struct {
	*MemoryStore

	// 剩餘的失敗次數，負數表示永遠失敗
	createFailures atomic.Int32
	updateFailures atomic.Int32
	deletes        atomic.Int32

	blockLot string
	entered  chan struct{}
	unblock  chan struct{}
}

func newFaultStore(lots ...Lot) *faultStore {
	return &faultStore{
		MemoryStore: NewMemoryStore(lots...),
		entered:     make(chan struct{}, 1),
		unblock:     make(chan struct{}),
	}
}

func (s *faultStore) fail(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v == 0 {
			return false
		}
		if v < 0 {
			return true
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

func (s *faultStore) CreateBid(ctx context.Context, bid Bid) (string, error) {
	if s.blockLot != "" && bid.LotID == s.blockLot {
		s.entered <- struct{}{}
		<-s.unblock
	}
	if s.fail(&s.createFailures) {
		return "", errInjected
	}
	return s.MemoryStore.CreateBid(ctx, bid)
}

func (s *faultStore) UpdateLotState(ctx context.Context, lotID string, state LotState) error {
	if s.fail(&s.updateFailures) {
		return errInjected
	}
	return s.MemoryStore.UpdateLotState(ctx, lotID, state)
}

func (s *faultStore) DeleteBid(ctx context.Context, bidID string) error {
	s.deletes.Add(1)
	return s.MemoryStore.DeleteBid(ctx, bidID)
}

type testEnv struct {
	engine      *Engine
	store       *faultStore
	broadcaster *Broadcaster
	records     *MemoryRecordStore
}

func setupTest(t *testing.T, clock clockwork.Clock, lots []Lot, opts ...EngineOption) *testEnv {
	t.Helper()
	store := newFaultStore(lots...)
	records := NewMemoryRecordStore(WithMemoryRecordClock(clock), WithMemoryRecordLogger(discardLogger))
	guard, err := NewGuard(records, WithGuardLogger(discardLogger))
	require.NoError(t, err)
	broadcaster := NewBroadcaster(WithBroadcasterClock(clock), WithBroadcasterLogger(discardLogger))

	opts = append([]EngineOption{
		WithClock(clock),
		WithLogger(discardLogger),
		WithPersistRetries(1, time.Millisecond),
	}, opts...)
	engine, err := NewEngine(store, guard, broadcaster, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Close()
		broadcaster.Close()
	})
	return &testEnv{
		engine:      engine,
		store:       store,
		broadcaster: broadcaster,
		records:     records,
	}
}
