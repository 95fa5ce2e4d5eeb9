package bidding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bidengine/tenant"
)

func TestEngine_PlaceBid(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	lot := openLot("lot-1", t0, time.Hour)
	lot.CurrentPrice = dec("1000")
	lot.Increments = FixedIncrement(dec("100"))
	env := setupTest(t, clock, []Lot{lot})

	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "1050"))
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, KindBidTooLow, result.Reason)
	assert.Equal(t, "1100", result.Lot.NextMinimum.String())

	result, err = env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "1100"))
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.NotNil(t, result.Bid)
	assert.Equal(t, "1100", result.Lot.Price.String())
	assert.Equal(t, "Bidder alice", result.Lot.LeaderDisplayName)
	assert.Equal(t, 1, result.Lot.BidCount)
	assert.Equal(t, StatusOpen, result.Lot.Status)
	assert.Equal(t, "1200", result.Lot.NextMinimum.String())
	assert.Equal(t, t0, result.Bid.Timestamp)
	assert.Equal(t, OriginManual, result.Bid.Origin)

	bids := env.store.Bids("lot-1")
	require.Len(t, bids, 1)
	assert.Equal(t, result.Bid.ID, bids[0].ID)

	stored, err := env.store.LoadLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, "1100", stored.CurrentPrice.String())
	assert.Equal(t, "alice", stored.LeaderID)
	assert.Equal(t, uint64(1), stored.EventSeq)

	view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	assert.Equal(t, "1100", view.Price.String())
}

func TestEngine_TimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)})

	// 時鐘沒有前進，時間仍然要嚴格遞增
	var last time.Time
	for i, amount := range []string{"101", "102", "103"} {
		req := bidReq("lot-1", "alice", amount)
		req.IdempotencyKey = fmt.Sprintf("k%d", i)
		result, err := env.engine.PlaceBid(ctx, acme, req)
		require.NoError(t, err)
		require.True(t, result.Accepted, amount)
		assert.True(t, result.Bid.Timestamp.After(last))
		last = result.Bid.Timestamp
	}
	assert.Equal(t, t0.Add(2*time.Nanosecond), last)
}

func TestEngine_ConcurrentBidsSerialized(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t, clockwork.NewRealClock(), []Lot{openLot("lot-1", time.Now(), time.Hour)})

	const bidders = 50
	var wg sync.WaitGroup
	results := make([]BidResult, bidders)
	for i := 0; i < bidders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := bidReq("lot-1", fmt.Sprintf("bidder-%d", i), fmt.Sprintf("%d", 101+i))
			result, err := env.engine.PlaceBid(ctx, acme, req)
			assert.NoError(t, err)
			results[i] = result
		}()
	}
	wg.Wait()

	accepted := 0
	for _, result := range results {
		if result.Accepted {
			accepted++
			continue
		}
		assert.Equal(t, KindBidTooLow, result.Reason)
	}

	// 接受順序中，金額和時間都嚴格遞增
	bids := env.store.Bids("lot-1")
	require.Len(t, bids, accepted)
	for i := 1; i < len(bids); i++ {
		assert.True(t, bids[i].Amount.GreaterThan(bids[i-1].Amount))
		assert.True(t, bids[i].Timestamp.After(bids[i-1].Timestamp))
	}

	view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	assert.Equal(t, accepted, view.BidCount)
	assert.True(t, view.Price.Equal(bids[len(bids)-1].Amount))
	assert.Equal(t, "150", view.Price.String(), "highest bid always wins eventually")
}

func TestEngine_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)})

	req := bidReq("lot-1", "alice", "150")
	req.IdempotencyKey = "retry-1"
	first, err := env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	assert.False(t, first.Replayed)

	clock.Advance(time.Minute)
	again, err := env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.True(t, again.Accepted)
	require.NotNil(t, again.Bid)
	assert.Equal(t, first.Bid.ID, again.Bid.ID)
	assert.Equal(t, first.Bid.Timestamp, again.Bid.Timestamp)
	assert.Equal(t, first.Lot.Price.String(), again.Lot.Price.String())
	assert.Len(t, env.store.Bids("lot-1"), 1)

	// 拒絕的結果也會原樣重送
	low := bidReq("lot-1", "bob", "120")
	low.IdempotencyKey = "retry-2"
	rejected, err := env.engine.PlaceBid(ctx, acme, low)
	require.NoError(t, err)
	assert.Equal(t, KindBidTooLow, rejected.Reason)
	replayed, err := env.engine.PlaceBid(ctx, acme, low)
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, KindBidTooLow, replayed.Reason)

	// 拒絕和重送都不會產生事件
	feed := env.broadcaster.Since(LotScope("acme", "", "lot-1"), Cursor{}, 0)
	assert.Len(t, feed.Events, 1)
}

func TestEngine_DerivedKey(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)})

	req := bidReq("lot-1", "alice", "150")
	first, err := env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// 同一個時間區間內的相同出價視為重送
	clock.Advance(500 * time.Millisecond)
	again, err := env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Bid.ID, again.Bid.ID)

	// 下一個時間區間是新的請求
	clock.Advance(2 * time.Second)
	later, err := env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	assert.False(t, later.Replayed)
	assert.Equal(t, KindBidTooLow, later.Reason)
	assert.Len(t, env.store.Bids("lot-1"), 1)
}

func TestEngine_PersistenceRollback(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)})
	sub, err := env.broadcaster.Subscribe(LotScope("acme", "auction-1", "lot-1"))
	require.NoError(t, err)
	defer sub.Close()

	env.store.createFailures.Store(-1)
	req := bidReq("lot-1", "alice", "150")
	req.IdempotencyKey = "k"
	result, err := env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, KindPersistenceFailure, result.Reason)
	assert.True(t, result.Reason.Retryable())
	assert.Equal(t, "100", result.Lot.Price.String())
	assert.Equal(t, 0, result.Lot.BidCount)
	assert.Empty(t, env.store.Bids("lot-1"))
	assert.Len(t, sub.C, 0)

	// 狀態寫入失敗時，已經寫入的出價也會被刪除
	env.store.createFailures.Store(0)
	env.store.updateFailures.Store(-1)
	result, err = env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	assert.Equal(t, KindPersistenceFailure, result.Reason)
	assert.Empty(t, env.store.Bids("lot-1"))
	assert.Positive(t, env.store.deletes.Load())

	// 重試次數內恢復就會成功，key 已經釋放所以同一個請求可以重送
	env.store.updateFailures.Store(1)
	result, err = env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Replayed)
	assert.Len(t, env.store.Bids("lot-1"), 1)
	assert.Len(t, drain(sub, 1), 1)
}

func TestEngine_LotsIndependent(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t, clockwork.NewRealClock(),
		[]Lot{openLot("lot-a", time.Now(), time.Hour), openLot("lot-b", time.Now(), time.Hour)},
		WithLotWait(50*time.Millisecond),
	)
	env.store.blockLot = "lot-a"

	blocked := make(chan BidResult, 1)
	go func() {
		result, _ := env.engine.PlaceBid(ctx, acme, bidReq("lot-a", "alice", "150"))
		blocked <- result
	}()
	<-env.store.entered

	// lot-a 的寫入卡住不影響 lot-b
	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-b", "bob", "150"))
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	// lot-a 的其他請求在等待時間後回傳 TransientBusy
	result, err = env.engine.PlaceBid(ctx, acme, bidReq("lot-a", "carol", "200"))
	require.NoError(t, err)
	assert.Equal(t, KindTransientBusy, result.Reason)

	close(env.store.unblock)
	assert.True(t, (<-blocked).Accepted)
}

func TestEngine_RateLimited(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t, clockwork.NewRealClock(),
		[]Lot{openLot("lot-1", time.Now(), time.Hour)},
		WithMaxWaiters(1),
	)
	env.store.blockLot = "lot-1"

	results := make(chan BidResult, 2)
	go func() {
		result, _ := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
		results <- result
	}()
	<-env.store.entered
	go func() {
		result, _ := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "bob", "200"))
		results <- result
	}()
	require.Eventually(t, func() bool {
		a := env.engine.lookup("lot-1")
		return a != nil && a.waiters.Load() == 1
	}, time.Second, time.Millisecond)

	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "carol", "300"))
	require.NoError(t, err)
	assert.Equal(t, KindRateLimited, result.Reason)

	close(env.store.unblock)
	assert.True(t, (<-results).Accepted)
	assert.True(t, (<-results).Accepted)
}

func TestEngine_NotFound(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)})

	tests := []struct {
		name string
		tc   tenant.Context
		req  PlaceBidRequest
	}{
		{name: "missing lot", tc: acme, req: bidReq("lot-404", "alice", "150")},
		{name: "other tenant", tc: globex, req: bidReq("lot-1", "alice", "150")},
		{name: "other auction", tc: acme, req: func() PlaceBidRequest {
			req := bidReq("lot-1", "alice", "150")
			req.AuctionID = "auction-2"
			return req
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := env.engine.PlaceBid(ctx, tt.tc, tt.req)
			require.NoError(t, err)
			assert.Equal(t, KindNotFound, result.Reason)
		})
	}

	_, err := env.engine.Lot(ctx, globex, "auction-1", "lot-1")
	assert.ErrorIs(t, err, ErrLotNotFound)
	_, err = env.engine.Feed(ctx, globex, LotScope("", "", "lot-1"), Cursor{}, 0)
	assert.ErrorIs(t, err, ErrLotNotFound)
	_, err = env.engine.CloseLot(ctx, globex, "auction-1", "lot-1")
	assert.ErrorIs(t, err, ErrLotNotFound)
	assert.Empty(t, env.store.Bids("lot-1"))

	_, err = env.engine.PlaceBid(ctx, tenant.Context{}, bidReq("lot-1", "alice", "150"))
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)
	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "", "150"))
	require.NoError(t, err)
	assert.Equal(t, KindInvalidBid, result.Reason)

	// 其他租戶的請求不會建立 actor
	assert.Zero(t, env.engine.Actors())
}

func TestEngine_RejectsMalformed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)})

	tests := []struct {
		name   string
		modify func(*PlaceBidRequest)
	}{
		{name: "huge exponent", modify: func(r *PlaceBidRequest) { r.Amount = dec("1e30000000") }},
		{name: "tiny exponent", modify: func(r *PlaceBidRequest) { r.Amount = dec("1e-30000000") }},
		{name: "too many decimals", modify: func(r *PlaceBidRequest) { r.Amount = dec("150.00005") }},
		{name: "too many digits", modify: func(r *PlaceBidRequest) { r.Amount = dec("12345678901234567") }},
		{name: "long bidder id", modify: func(r *PlaceBidRequest) { r.BidderID = strings.Repeat("a", MaxBidderIDLength+1) }},
		{name: "long bidder name", modify: func(r *PlaceBidRequest) { r.BidderName = strings.Repeat("名", MaxBidderNameLength+1) }},
		{name: "long idempotency key", modify: func(r *PlaceBidRequest) {
			r.IdempotencyKey = strings.Repeat("k", MaxIdempotencyKeyLength+1)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := bidReq("lot-1", "alice", "150")
			tt.modify(&req)
			result, err := env.engine.PlaceBid(ctx, acme, req)
			require.NoError(t, err)
			assert.False(t, result.Accepted)
			assert.Equal(t, KindInvalidBid, result.Reason)
		})
	}
	// 沒有取得 slot，也沒有留下冪等紀錄
	assert.Zero(t, env.engine.Actors())
	assert.Zero(t, env.records.Len())
	assert.Empty(t, env.store.Bids("lot-1"))

	// 多位元組的名稱以字元計算，剛好在上限內仍然可以出價
	req := bidReq("lot-1", "alice", "150.0001")
	req.BidderName = strings.Repeat("名", MaxBidderNameLength)
	result, err := env.engine.PlaceBid(ctx, acme, req)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	assert.Equal(t, "150.0001", result.Lot.Price.String())
}

func TestEngine_ClosesWithoutBids(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Minute)})

	require.NoError(t, env.engine.Track(ctx, "lot-1"))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
		return err == nil && view.Status == StatusClosedUnsold
	}, time.Second, 10*time.Millisecond)

	feed := env.broadcaster.Since(LotScope("acme", "", "lot-1"), Cursor{}, 0)
	require.Len(t, feed.Events, 1)
	assert.Equal(t, EventLotClosed, feed.Events[0].Kind)
	assert.Equal(t, t0.Add(time.Minute), feed.Events[0].Timestamp)

	stored, err := env.store.LoadLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosedUnsold, stored.Status)

	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	assert.Equal(t, KindLotNotOpen, result.Reason)
}

func TestEngine_SoftClose(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	end := t0.Add(10 * time.Minute)
	lot := softCloseLot(end)
	env := setupTest(t, clock, []Lot{lot})
	require.NoError(t, env.engine.Track(ctx, "lot-1"))

	sub, err := env.broadcaster.Subscribe(AuctionScope("acme", "auction-1"))
	require.NoError(t, err)
	defer sub.Close()

	// T-4m 的出價延長到 T+3m
	clock.Advance(6 * time.Minute)
	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	require.True(t, result.Accepted)
	assert.Equal(t, end.Add(3*time.Minute), result.Lot.EndTime)
	assert.Equal(t, StatusExtended, result.Lot.Status)
	assert.Equal(t, 1, result.Lot.ExtensionCount)

	events := drain(sub, 2)
	require.Len(t, events, 2)
	assert.Equal(t, EventBidAccepted, events[0].Kind)
	assert.Equal(t, EventSoftCloseExtended, events[1].Kind)
	assert.Equal(t, events[0].Timestamp, events[1].Timestamp)
	assert.Less(t, events[0].Seq, events[1].Seq)

	// 原本的結標時間已經失效
	clock.Advance(4 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExtended, view.Status)

	clock.Advance(3 * time.Minute)
	assert.Eventually(t, func() bool {
		view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
		return err == nil && view.Status == StatusClosedSold
	}, time.Second, 10*time.Millisecond)

	closed := drain(sub, 1)
	require.Len(t, closed, 1)
	assert.Equal(t, EventLotClosed, closed[0].Kind)
	assert.Equal(t, "150", closed[0].Price.String())
	assert.Equal(t, "Bidder alice", closed[0].LeaderDisplayName)
}

func TestEngine_BidAtDeadline(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Minute)})

	clock.Advance(time.Minute)
	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	assert.Equal(t, KindLotNotOpen, result.Reason)
	assert.Equal(t, StatusClosedUnsold, result.Lot.Status)
	assert.Empty(t, env.store.Bids("lot-1"))
}

func TestEngine_OpensAtStartTime(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	lot := openLot("lot-1", t0, time.Hour)
	lot.Status = StatusNotYetOpen
	lot.StartTime = t0.Add(time.Minute)
	env := setupTest(t, clock, []Lot{lot})
	require.NoError(t, env.engine.Track(ctx, "lot-1"))

	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	assert.Equal(t, KindLotNotOpen, result.Reason)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
		return err == nil && view.Status == StatusOpen
	}, time.Second, 10*time.Millisecond)

	result, err = env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	// 開標後計時器改排在結標時間
	clock.Advance(time.Hour)
	assert.Eventually(t, func() bool {
		view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
		return err == nil && view.Status == StatusClosedSold
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_CloseLot(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)})

	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	require.True(t, result.Accepted)

	view, err := env.engine.CloseLot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosedSold, view.Status)

	// 結標是終止狀態，重複結標不做任何事
	view, err = env.engine.CloseLot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosedSold, view.Status)

	result, err = env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "bob", "500"))
	require.NoError(t, err)
	assert.Equal(t, KindLotNotOpen, result.Reason)

	// 原本的結標時間到了也不會再觸發
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	feed, err := env.engine.Feed(ctx, acme, LotScope("", "auction-1", "lot-1"), Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, feed.Events, 2)
	assert.Equal(t, EventBidAccepted, feed.Events[0].Kind)
	assert.Equal(t, EventLotClosed, feed.Events[1].Kind)
	assert.Equal(t, t0.Add(time.Hour), feed.ServerTime)
}

func TestEngine_CatchUpMatchesPush(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	lot := softCloseLot(t0.Add(10 * time.Minute))
	env := setupTest(t, clock, []Lot{lot})

	_, sub, err := env.engine.Subscribe(ctx, acme, LotScope("", "auction-1", "lot-1"), Cursor{})
	require.NoError(t, err)
	defer sub.Close()

	amounts := []string{"110", "120", "130", "140"}
	for i, amount := range amounts {
		clock.Advance(2 * time.Minute)
		req := bidReq("lot-1", fmt.Sprintf("bidder-%d", i%2), amount)
		result, err := env.engine.PlaceBid(ctx, acme, req)
		require.NoError(t, err)
		require.True(t, result.Accepted, amount)
	}
	view, err := env.engine.CloseLot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	require.True(t, view.Status.Closed())

	feed, err := env.engine.Feed(ctx, acme, LotScope("", "auction-1", "lot-1"), Cursor{}, 0)
	require.NoError(t, err)
	pushed := drain(sub, len(feed.Events))
	assert.Equal(t, pushed, feed.Events)
	require.NotEmpty(t, pushed)

	// 從任何一個位置重新連線，拿到的都是剩下的事件
	for i, e := range pushed {
		backlog, resub, err := env.engine.Subscribe(ctx, acme, LotScope("", "auction-1", "lot-1"), e.Cursor())
		require.NoError(t, err)
		assert.Equal(t, pushed[i+1:], backlog.Events)
		resub.Close()
	}
}

func TestEngine_Start(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	closed := openLot("lot-3", t0, time.Hour)
	closed.Status = StatusClosedUnsold
	env := setupTest(t, clock, []Lot{
		openLot("lot-1", t0, time.Minute),
		openLot("lot-2", t0, time.Hour),
		closed,
	})

	require.NoError(t, env.engine.Start(ctx))
	assert.Equal(t, 2, env.engine.Actors())

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		view, err := env.engine.Lot(ctx, acme, "", "lot-1")
		return err == nil && view.Status == StatusClosedUnsold
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_Reclaim(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour)}, WithReclaimGrace(time.Minute))

	_, err := env.engine.CloseLot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	assert.Equal(t, 1, env.engine.Actors())

	assert.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return env.engine.Actors() == 0
	}, time.Second, 10*time.Millisecond)

	// 回收之後重新從儲存層載入
	view, err := env.engine.Lot(ctx, acme, "auction-1", "lot-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosedUnsold, view.Status)
	result, err := env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	assert.Equal(t, KindLotNotOpen, result.Reason)
}

type fakeLease struct {
	lost     chan struct{}
	released chan struct{}
	once     sync.Once
}

func newFakeLease() *fakeLease {
	return &fakeLease{lost: make(chan struct{}), released: make(chan struct{})}
}

func (l *fakeLease) Lost() <-chan struct{} {
	return l.lost
}

func (l *fakeLease) Release() error {
	l.once.Do(func() { close(l.released) })
	return nil
}

func TestEngine_Lease(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	lease := newFakeLease()
	acquired := 0
	env := setupTest(t, clock, []Lot{openLot("lot-1", t0, time.Hour), openLot("lot-2", t0, time.Hour)},
		WithLease(func(ctx context.Context, lotID string) (Lease, error) {
			if lotID == "lot-2" {
				return nil, errors.New("owned by another node")
			}
			acquired++
			return lease, nil
		}),
	)

	// 其他租戶的請求在取得擁有權之前就被拒絕
	result, err := env.engine.PlaceBid(ctx, globex, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	assert.Equal(t, KindNotFound, result.Reason)
	_, err = env.engine.CloseLot(ctx, globex, "auction-1", "lot-1")
	assert.ErrorIs(t, err, ErrLotNotFound)
	assert.Zero(t, acquired)
	assert.Zero(t, env.engine.Actors())

	result, err = env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "150"))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, 1, acquired)

	result, err = env.engine.PlaceBid(ctx, acme, bidReq("lot-2", "alice", "150"))
	require.NoError(t, err)
	assert.Equal(t, KindTransientBusy, result.Reason)

	// 失去擁有權之後 actor 會被回收
	close(lease.lost)
	select {
	case <-lease.released:
	case <-time.After(time.Second):
		t.Fatal("lease was not released")
	}
	assert.Eventually(t, func() bool {
		return env.engine.Actors() == 0
	}, time.Second, 10*time.Millisecond)

	env.engine.Close()
	_, err = env.engine.PlaceBid(ctx, acme, bidReq("lot-1", "alice", "200"))
	assert.ErrorIs(t, err, ErrEngineClosed)
}
