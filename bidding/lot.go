package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"bidengine/tenant"
)

// errActorGone 表示 actor 已經被回收，呼叫端應該重新取得 actor
var errActorGone = errors.New("lot actor is gone")

// lotActor 是單一拍品唯一的狀態擁有者
//
// slot 是容量為 1 的 channel，送入代表取得執行權，取出代表釋放。
// 等待中的 goroutine 會依照抵達順序取得 slot，所以同一個拍品的請求依照抵達順序處理。
// lot、evicted、reclaim 只能在持有 slot 時讀寫。
type lotActor struct {
	engine    *Engine
	id        string
	tenantID  string
	auctionID string
	logger    *slog.Logger

	slot    chan struct{}
	waiters atomic.Int64
	done    chan struct{}
	timer   *deadlineTimer
	lease   Lease

	lot      Lot
	evicted  bool
	reclaim  clockwork.Timer
	snapshot atomic.Pointer[Lot]
}

func newLotActor(e *Engine, lot Lot, lease Lease) *lotActor {
	a := &lotActor{
		engine:    e,
		id:        lot.ID,
		tenantID:  lot.TenantID,
		auctionID: lot.AuctionID,
		logger:    e.logger.With(slog.String("lot", lot.ID)),
		slot:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		lease:     lease,
	}
	a.timer = newDeadlineTimer(e.options.clock, a.onDeadline)
	a.commitLocked(lot)
	return a
}

// owns 判斷拍品是否屬於指定的租戶和拍賣
func (a *lotActor) owns(tc tenant.Context, auctionID string) bool {
	return tc.Owns(a.tenantID) && (auctionID == "" || a.auctionID == auctionID)
}

// view 回傳最後一次提交的狀態，不需要持有 slot
func (a *lotActor) view() LotView {
	return a.snapshot.Load().View(a.engine.options.policy)
}

// acquire 在限定時間內取得 slot，等待人數超過上限時直接拒絕
func (a *lotActor) acquire(ctx context.Context) error {
	const op = "lotActor.acquire"
	if limit := a.engine.options.maxWaiters; limit > 0 {
		if n := a.waiters.Add(1); n > int64(limit) {
			a.waiters.Add(-1)
			return fmt.Errorf("[%s] lot=%s, err=%w", op, a.id, ErrTooManyWaiters)
		}
		defer a.waiters.Add(-1)
	}
	ctx, cancel := context.WithTimeout(ctx, a.engine.options.lotWait)
	defer cancel()
	if err := a.lockSlot(ctx); err != nil {
		if errors.Is(err, errActorGone) {
			return err
		}
		return fmt.Errorf("[%s] lot=%s, err=%w", op, a.id, errors.Join(ErrBusy, err))
	}
	return nil
}

// lockSlot 等待 slot，不受等待人數限制，用於計時器和內部操作
func (a *lotActor) lockSlot(ctx context.Context) error {
	select {
	case a.slot <- struct{}{}:
	case <-a.done:
		return errActorGone
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.evicted {
		a.release()
		return errActorGone
	}
	return nil
}

func (a *lotActor) release() {
	<-a.slot
}

func (a *lotActor) commitLocked(lot Lot) {
	a.lot = lot
	snapshot := lot
	a.snapshot.Store(&snapshot)
}

// start 依照目前狀態排定計時器
func (a *lotActor) start() {
	if err := a.lockSlot(context.Background()); err != nil {
		return
	}
	defer a.release()
	a.armLocked()
	if a.lot.Status.Closed() {
		a.scheduleReclaimLocked()
	}
}

// armLocked 未開標的拍品排定在開標時間，競標中的拍品排定在結標時間
func (a *lotActor) armLocked() {
	switch {
	case a.lot.Status.Closed():
		a.timer.Stop()
	case a.lot.Status == StatusNotYetOpen && a.engine.options.clock.Now().Before(a.lot.StartTime):
		a.timer.Arm(a.lot.StartTime)
	default:
		a.timer.Arm(a.lot.ScheduledEnd)
	}
}

// submit 處理一筆出價
//
// 流程:
//   - 1. 取得 slot，超過等待時間回傳 TransientBusy，等待人數過多回傳 RateLimited
//   - 2. 冪等檢查，重送請求回傳第一次的結果，不修改狀態
//   - 3. 到達開標時間的拍品轉為 open，到達結標時間的拍品直接結標並拒絕出價
//   - 4. 驗證出價，拒絕的結果也會記錄下來
//   - 5. 在狀態複本上套用出價和延長結標
//   - 6. 持久化成功後才提交狀態、重新排定計時器並廣播
func (a *lotActor) submit(ctx context.Context, req PlaceBidRequest, key Key) (BidResult, error) {
	e := a.engine
	if err := a.acquire(ctx); err != nil {
		if errors.Is(err, errActorGone) {
			return BidResult{}, err
		}
		kind := KindTransientBusy
		if errors.Is(err, ErrTooManyWaiters) {
			kind = KindRateLimited
		}
		a.logger.Debug("bid not admitted", slog.String("reason", string(kind)), slog.Any("error", err))
		return BidResult{Reason: kind, Lot: a.view()}, nil
	}
	defer a.release()

	admission, err := e.guard.Admit(ctx, key)
	if err != nil {
		a.logger.Warn("idempotency check failed", slog.Any("error", err))
		return a.resultLocked(KindTransientBusy), nil
	}
	switch {
	case admission.Prior != nil:
		result := *admission.Prior
		result.Replayed = true
		return result, nil
	case admission.InFlight:
		return a.resultLocked(KindDuplicateSubmission), nil
	}

	now := e.options.clock.Now().UTC()
	ts := now
	if !a.lot.LastBidAt.IsZero() && !ts.After(a.lot.LastBidAt) {
		ts = a.lot.LastBidAt.Add(time.Nanosecond)
	}

	a.openIfDueLocked(ctx, ts)
	if a.lot.Status.Biddable() && !ts.Before(a.lot.ScheduledEnd) {
		if err := a.closeLocked(ctx, ts, "deadline"); err != nil {
			a.logger.Error("failed to close lot at deadline", slog.Any("error", err))
		}
		result := a.resultLocked(KindLotNotOpen)
		result.Lot.Status = closedStatus(a.lot)
		a.completeLocked(ctx, key, result)
		return result, nil
	}

	verdict := Validate(a.lot, req.Amount, req.BidderID, e.options.policy)
	if !verdict.Accepted {
		result := a.resultLocked(verdict.Reason.Kind())
		a.completeLocked(ctx, key, result)
		return result, nil
	}

	bid := Bid{
		ID:             uuid.Must(uuid.NewV7()).String(),
		LotID:          a.id,
		AuctionID:      a.auctionID,
		TenantID:       a.tenantID,
		BidderID:       req.BidderID,
		BidderName:     req.BidderName,
		Amount:         req.Amount,
		Timestamp:      ts,
		Origin:         req.Origin,
		IdempotencyKey: string(key),
	}

	next := a.lot
	next.CurrentPrice = req.Amount
	next.LeaderID = req.BidderID
	next.LeaderName = req.BidderName
	next.BidCount++
	next.LastBidAt = ts

	decision := OnAccepted(next, ts)
	next.ScheduledEnd = decision.NewEndTime
	next.Status = decision.NewStatus
	next.ExtensionCount = decision.ExtensionCount

	events := []Event{newEvent(EventBidAccepted, next, ts, bid.ID)}
	if decision.Extended {
		events = append(events, newEvent(EventSoftCloseExtended, next, ts, bid.ID))
	}
	for i := range events {
		next.EventSeq++
		events[i].Seq = next.EventSeq
	}

	if err := a.persist(ctx, func(ctx context.Context) error {
		if _, err := e.store.CreateBid(ctx, bid); err != nil {
			return err
		}
		return e.store.UpdateLotState(ctx, a.id, next.LotState)
	}); err != nil {
		a.logger.Error("failed to persist bid, state rolled back",
			slog.String("bid", bid.ID),
			slog.String("bidder", bid.BidderID),
			slog.String("amount", bid.Amount.String()),
			slog.Any("error", err),
		)
		a.rollbackBid(ctx, bid.ID)
		if err := e.guard.Release(context.WithoutCancel(ctx), key); err != nil {
			a.logger.Warn("failed to release idempotency key", slog.Any("error", err))
		}
		return a.resultLocked(KindPersistenceFailure), nil
	}

	a.commitLocked(next)
	if decision.Extended {
		a.timer.Arm(next.ScheduledEnd)
		a.logger.Debug("soft close extended",
			slog.Time("end", next.ScheduledEnd),
			slog.Int("extensions", next.ExtensionCount),
		)
	}
	for _, event := range events {
		e.broadcaster.Publish(event)
	}

	result := BidResult{
		Accepted: true,
		Lot:      next.View(e.options.policy),
		Bid:      &bid,
	}
	a.completeLocked(ctx, key, result)
	return result, nil
}

func (a *lotActor) resultLocked(kind ErrorKind) BidResult {
	return BidResult{Reason: kind, Lot: a.lot.View(a.engine.options.policy)}
}

func (a *lotActor) completeLocked(ctx context.Context, key Key, result BidResult) {
	if err := a.engine.guard.Complete(context.WithoutCancel(ctx), key, result); err != nil {
		a.logger.Error("failed to record idempotent result", slog.Any("error", err))
	}
}

// persist 以指數退避重試寫入，呼叫端取消 ctx 不會中斷已經開始的寫入
func (a *lotActor) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := a.engine.options
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.persistTimeout)
	defer cancel()

	attempt := 0
	backoff := retry.WithMaxRetries(opts.persistRetries, retry.NewExponential(opts.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			a.logger.Warn("persistence attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (a *lotActor) rollbackBid(ctx context.Context, bidID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.engine.options.persistTimeout)
	defer cancel()
	if err := a.engine.store.DeleteBid(ctx, bidID); err != nil {
		a.logger.Warn("failed to delete rolled back bid", slog.String("bid", bidID), slog.Any("error", err))
	}
}

// openIfDueLocked 開標狀態由時間決定，寫入失敗時仍然保留記憶體中的狀態
func (a *lotActor) openIfDueLocked(ctx context.Context, at time.Time) {
	if a.lot.Status != StatusNotYetOpen || at.Before(a.lot.StartTime) {
		return
	}
	next := a.lot
	next.Status = StatusOpen
	if err := a.persist(ctx, func(ctx context.Context) error {
		return a.engine.store.UpdateLotState(ctx, a.id, next.LotState)
	}); err != nil {
		a.logger.Warn("failed to persist lot opening", slog.Any("error", err))
	}
	a.commitLocked(next)
	a.logger.Debug("lot opened")
}

func closedStatus(lot Lot) Status {
	if lot.BidCount > 0 {
		return StatusClosedSold
	}
	return StatusClosedUnsold
}

// closeLocked 結標，已經結標的拍品不做任何事
func (a *lotActor) closeLocked(ctx context.Context, at time.Time, cause string) error {
	const op = "lotActor.close"
	if a.lot.Status.Closed() {
		return nil
	}
	next := a.lot
	next.Status = closedStatus(next)
	if at.Before(next.LastBidAt) {
		at = next.LastBidAt
	}
	next.EventSeq++
	event := newEvent(EventLotClosed, next, at, "")
	event.Seq = next.EventSeq

	if err := a.persist(ctx, func(ctx context.Context) error {
		return a.engine.store.UpdateLotState(ctx, a.id, next.LotState)
	}); err != nil {
		return fmt.Errorf("[%s] Fail to persist close, lot=%s, err=%w", op, a.id, err)
	}

	a.commitLocked(next)
	a.timer.Stop()
	a.engine.broadcaster.Publish(event)
	a.scheduleReclaimLocked()
	a.logger.Info("lot closed",
		slog.String("cause", cause),
		slog.String("status", string(next.Status)),
		slog.Int("bids", next.BidCount),
	)
	return nil
}

// closeNow 管理者手動結標
func (a *lotActor) closeNow(ctx context.Context) (LotView, error) {
	if err := a.acquire(ctx); err != nil {
		return LotView{}, err
	}
	defer a.release()
	if err := a.closeLocked(ctx, a.engine.options.clock.Now().UTC(), "override"); err != nil {
		return LotView{}, err
	}
	return a.lot.View(a.engine.options.policy), nil
}

// onDeadline 是計時器的 callback，過期的 generation 直接忽略
func (a *lotActor) onDeadline(gen uint64) {
	if err := a.lockSlot(context.Background()); err != nil {
		return
	}
	defer a.release()
	if !a.timer.Current(gen) {
		return
	}

	now := a.engine.options.clock.Now().UTC()
	if a.lot.Status == StatusNotYetOpen && now.Before(a.lot.StartTime) {
		a.timer.Arm(a.lot.StartTime)
		return
	}
	a.openIfDueLocked(context.Background(), now)
	if a.lot.Status.Closed() {
		a.timer.Stop()
		return
	}
	if now.Before(a.lot.ScheduledEnd) {
		a.timer.Arm(a.lot.ScheduledEnd)
		return
	}
	if err := a.closeLocked(context.Background(), now, "deadline"); err != nil {
		a.logger.Error("failed to close lot at deadline, retrying", slog.Any("error", err))
		a.timer.Arm(now.Add(a.engine.options.closeRetry))
	}
}

func (a *lotActor) scheduleReclaimLocked() {
	if a.reclaim != nil {
		return
	}
	a.reclaim = a.engine.options.clock.AfterFunc(a.engine.options.reclaimGrace, func() {
		a.evict("reclaimed")
	})
}

// evict 釋放 actor 的所有資源，之後的請求會重新載入拍品
func (a *lotActor) evict(reason string) {
	if err := a.lockSlot(context.Background()); err != nil {
		return
	}
	a.evicted = true
	close(a.done)
	a.timer.Stop()
	if a.reclaim != nil {
		a.reclaim.Stop()
	}
	a.release()

	a.engine.forget(a)
	if a.lease != nil {
		if err := a.lease.Release(); err != nil {
			a.logger.Warn("failed to release lease", slog.Any("error", err))
		}
	}
	a.logger.Debug("lot actor evicted", slog.String("reason", reason))
}

// watchLease 失去擁有權時回收 actor
func (a *lotActor) watchLease() {
	defer a.engine.wg.Done()
	select {
	case <-a.lease.Lost():
		a.logger.Warn("lot lease lost")
		a.evict("lease lost")
	case <-a.done:
	}
}
