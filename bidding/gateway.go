package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"bidengine/tenant"
)

// Lease 是拍品的擁有權，叢集中同一個拍品只會有一個節點持有
type Lease interface {
	// Lost 在擁有權遺失 (例如續期失敗) 時關閉
	Lost() <-chan struct{}
	Release() error
}

// LeaseFunc 取得拍品的擁有權，無法在 ctx 結束前取得時回傳錯誤
type LeaseFunc func(ctx context.Context, lotID string) (Lease, error)

type engineOptions struct {
	logger         *slog.Logger
	clock          clockwork.Clock
	policy         Policy
	lotWait        time.Duration
	maxWaiters     int
	reclaimGrace   time.Duration
	persistRetries uint64
	retryBase      time.Duration
	persistTimeout time.Duration
	closeRetry     time.Duration
	lease          LeaseFunc
}

type EngineOption func(*engineOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithClock 注入時鐘 (主要用於測試)
func WithClock(clock clockwork.Clock) EngineOption {
	return func(o *engineOptions) {
		o.clock = clock
	}
}

// WithPolicy 設置出價驗證規則
func WithPolicy(policy Policy) EngineOption {
	return func(o *engineOptions) {
		o.policy = policy
	}
}

// WithLotWait 設置等待拍品執行權的最長時間
func WithLotWait(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.lotWait = d
	}
}

// WithMaxWaiters 設置單一拍品同時等待的請求上限，0 表示不限制
func WithMaxWaiters(n int) EngineOption {
	return func(o *engineOptions) {
		o.maxWaiters = n
	}
}

// WithReclaimGrace 設置拍品結標後保留 actor 的時間
func WithReclaimGrace(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.reclaimGrace = d
	}
}

// WithPersistRetries 設置持久化的重試次數和初始退避時間
func WithPersistRetries(retries uint64, base time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.persistRetries = retries
		o.retryBase = base
	}
}

// WithPersistTimeout 設置單次持久化 (包含重試) 的時間上限
func WithPersistTimeout(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.persistTimeout = d
	}
}

// WithLease 啟用叢集模式，每個拍品在建立 actor 前必須先取得擁有權
func WithLease(lease LeaseFunc) EngineOption {
	return func(o *engineOptions) {
		o.lease = lease
	}
}

// Engine 是出價的入口，負責把請求交給對應拍品的 actor
type Engine struct {
	store       Store
	guard       *Guard
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu     sync.Mutex
	actors map[string]*lotActor
	closed bool

	loads   singleflight.Group
	wg      sync.WaitGroup
	options engineOptions
}

func NewEngine(store Store, guard *Guard, broadcaster *Broadcaster, opts ...EngineOption) (*Engine, error) {
	if store == nil || guard == nil || broadcaster == nil {
		return nil, fmt.Errorf("store, guard and broadcaster are required")
	}
	options := engineOptions{
		logger:         slog.Default(),
		clock:          clockwork.NewRealClock(),
		policy:         DefaultPolicy(),
		lotWait:        2 * time.Second,
		maxWaiters:     256,
		reclaimGrace:   time.Minute,
		persistRetries: 3,
		retryBase:      50 * time.Millisecond,
		persistTimeout: 5 * time.Second,
		closeRetry:     time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.lotWait <= 0 {
		return nil, fmt.Errorf("lot wait must be positive")
	}
	if options.retryBase <= 0 {
		options.retryBase = time.Millisecond
	}
	return &Engine{
		store:       store,
		guard:       guard,
		broadcaster: broadcaster,
		logger:      options.logger.With(slog.String("caller", "Engine")),
		actors:      make(map[string]*lotActor),
		options:     options,
	}, nil
}

// PlaceBid 處理一筆出價請求
//
// 所有業務上的結果 (包含拒絕) 都放在 BidResult.Reason，
// 只有租戶資訊缺失或引擎已關閉時才回傳 error
func (e *Engine) PlaceBid(ctx context.Context, tc tenant.Context, req PlaceBidRequest) (BidResult, error) {
	const op = "Engine.PlaceBid"
	if tc.TenantID == "" {
		return BidResult{}, fmt.Errorf("[%s] err=%w", op, tenant.ErrMissingTenant)
	}
	// 金額和欄位長度必須在取得 slot 和計算冪等 key 之前檢查
	if !req.wellFormed() {
		return BidResult{Reason: KindInvalidBid}, nil
	}
	if req.Origin == "" {
		req.Origin = OriginManual
	}
	arrival := e.options.clock.Now()

	for attempt := 0; ; attempt++ {
		a, err := e.actorFor(ctx, req.LotID, ownedBy(tc, req.AuctionID))
		switch {
		case errors.Is(err, ErrEngineClosed):
			return BidResult{}, fmt.Errorf("[%s] err=%w", op, err)
		case errors.Is(err, ErrLotNotFound):
			return BidResult{Reason: KindNotFound}, nil
		case err != nil:
			e.logger.Warn("failed to resolve lot", slog.String("lot", req.LotID), slog.Any("error", err))
			return BidResult{Reason: KindTransientBusy}, nil
		}
		if !a.owns(tc, req.AuctionID) {
			return BidResult{Reason: KindNotFound}, nil
		}

		key := ClientKey(a.id, req.IdempotencyKey)
		if req.IdempotencyKey == "" {
			key = e.guard.DerivedKey(a.id, req.BidderID, req.Amount, arrival)
		}

		result, err := a.submit(ctx, req, key)
		if errors.Is(err, errActorGone) {
			if attempt == 0 {
				continue
			}
			return BidResult{Reason: KindTransientBusy}, nil
		}
		return result, nil
	}
}

// CloseLot 管理者手動結標
func (e *Engine) CloseLot(ctx context.Context, tc tenant.Context, auctionID, lotID string) (LotView, error) {
	const op = "Engine.CloseLot"
	a, err := e.actorFor(ctx, lotID, ownedBy(tc, auctionID))
	if err != nil {
		return LotView{}, fmt.Errorf("[%s] err=%w", op, err)
	}
	if !a.owns(tc, auctionID) {
		return LotView{}, fmt.Errorf("[%s] lot=%s, err=%w", op, lotID, ErrLotNotFound)
	}
	view, err := a.closeNow(ctx)
	if err != nil {
		if errors.Is(err, errActorGone) {
			err = ErrBusy
		}
		return LotView{}, fmt.Errorf("[%s] Fail to close lot, err=%w", op, err)
	}
	return view, nil
}

// Track 載入拍品並排定計時器，沒有任何出價的拍品也會準時結標
func (e *Engine) Track(ctx context.Context, lotID string) error {
	const op = "Engine.Track"
	if _, err := e.actorFor(ctx, lotID, nil); err != nil {
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	return nil
}

// Start 追蹤所有尚未結標的拍品，個別拍品失敗只記錄日誌
func (e *Engine) Start(ctx context.Context) error {
	const op = "Engine.Start"
	ids, err := e.store.ListLiveLots(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to list live lots, err=%w", op, err)
	}
	tracked := 0
	for _, id := range ids {
		if err := e.Track(ctx, id); err != nil {
			e.logger.Warn("failed to track lot", slog.String("lot", id), slog.Any("error", err))
			continue
		}
		tracked++
	}
	e.logger.Info("live lots tracked", slog.Int("tracked", tracked), slog.Int("total", len(ids)))
	return nil
}

// Lot 回傳拍品目前的狀態
func (e *Engine) Lot(ctx context.Context, tc tenant.Context, auctionID, lotID string) (LotView, error) {
	const op = "Engine.Lot"
	if a := e.lookup(lotID); a != nil {
		if !a.owns(tc, auctionID) {
			return LotView{}, fmt.Errorf("[%s] lot=%s, err=%w", op, lotID, ErrLotNotFound)
		}
		return a.view(), nil
	}
	lot, err := e.store.LoadLot(ctx, lotID)
	if err != nil {
		return LotView{}, fmt.Errorf("[%s] err=%w", op, err)
	}
	if !ownedBy(tc, auctionID)(lot) {
		return LotView{}, fmt.Errorf("[%s] lot=%s, err=%w", op, lotID, ErrLotNotFound)
	}
	return lot.View(e.options.policy), nil
}

// Feed 回傳範圍內游標之後的事件，範圍的租戶一律以 tc 為準
func (e *Engine) Feed(ctx context.Context, tc tenant.Context, scope Scope, after Cursor, limit int) (Feed, error) {
	scope, err := e.authorize(ctx, tc, scope)
	if err != nil {
		return Feed{}, err
	}
	return e.broadcaster.Since(scope, after, limit), nil
}

// Subscribe 建立推送訂閱，並回傳游標之後已經發布的事件
func (e *Engine) Subscribe(ctx context.Context, tc tenant.Context, scope Scope, after Cursor) (Feed, *Subscription, error) {
	scope, err := e.authorize(ctx, tc, scope)
	if err != nil {
		return Feed{}, nil, err
	}
	return e.broadcaster.SubscribeFrom(scope, after)
}

func (e *Engine) authorize(ctx context.Context, tc tenant.Context, scope Scope) (Scope, error) {
	const op = "Engine.authorize"
	if tc.TenantID == "" {
		return Scope{}, fmt.Errorf("[%s] err=%w", op, tenant.ErrMissingTenant)
	}
	scope.TenantID = tc.TenantID
	if scope.LotID == "" {
		return scope, nil
	}
	if _, err := e.Lot(ctx, tc, scope.AuctionID, scope.LotID); err != nil {
		return Scope{}, fmt.Errorf("[%s] err=%w", op, err)
	}
	return scope, nil
}

// Actors 回傳目前持有的 actor 數量
func (e *Engine) Actors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

// Close 停止所有計時器並釋放擁有權
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	actors := lo.Values(e.actors)
	e.mu.Unlock()

	for _, a := range actors {
		a.evict("engine closed")
	}
	e.wg.Wait()
}

func (e *Engine) lookup(lotID string) *lotActor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actors[lotID]
}

func (e *Engine) forget(a *lotActor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.actors[a.id] == a {
		delete(e.actors, a.id)
	}
}

// ownedBy 回傳判斷拍品是否屬於 tc (以及指定拍賣) 的函式
func ownedBy(tc tenant.Context, auctionID string) func(Lot) bool {
	return func(lot Lot) bool {
		return tc.Owns(lot.TenantID) && (auctionID == "" || lot.AuctionID == auctionID)
	}
}

// actorFor 取得拍品的 actor，不存在時從儲存層載入，同一個拍品同時只會載入一次
//
// owned 不為 nil 時，建立 actor 之前先確認拍品的歸屬，
// 其他租戶的請求不會觸發取得擁有權或建立 actor
func (e *Engine) actorFor(ctx context.Context, lotID string, owned func(Lot) bool) (*lotActor, error) {
	const op = "Engine.actorFor"
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	a := e.actors[lotID]
	e.mu.Unlock()
	if a != nil {
		return a, nil
	}
	if lotID == "" {
		return nil, ErrLotNotFound
	}
	if owned != nil {
		// 租戶和拍賣在建立後不會改變，不需要持有擁有權就可以讀取
		lot, err := e.store.LoadLot(ctx, lotID)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to load lot, err=%w", op, err)
		}
		if !owned(lot) {
			return nil, fmt.Errorf("[%s] lot=%s, err=%w", op, lotID, ErrLotNotFound)
		}
	}

	v, err, _ := e.loads.Do(lotID, func() (any, error) {
		if a := e.lookup(lotID); a != nil {
			return a, nil
		}

		var lease Lease
		if e.options.lease != nil {
			leaseCtx, cancel := context.WithTimeout(ctx, e.options.lotWait)
			l, err := e.options.lease(leaseCtx, lotID)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("[%s] Fail to acquire lease, lot=%s, err=%w", op, lotID, errors.Join(ErrBusy, err))
			}
			lease = l
		}

		// 取得擁有權之後才載入，拿到的是前一個擁有者最後寫入的狀態
		lot, err := e.store.LoadLot(ctx, lotID)
		if err != nil {
			if lease != nil {
				_ = lease.Release()
			}
			return nil, fmt.Errorf("[%s] Fail to load lot, err=%w", op, err)
		}

		a := newLotActor(e, lot, lease)
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			if lease != nil {
				_ = lease.Release()
			}
			return nil, ErrEngineClosed
		}
		e.actors[lotID] = a
		if lease != nil {
			e.wg.Add(1)
			go a.watchLease()
		}
		e.mu.Unlock()

		a.start()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*lotActor), nil
}
