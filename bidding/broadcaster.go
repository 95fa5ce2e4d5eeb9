package bidding

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"bidengine/adapters/fanout"
)

// EventKind 是廣播事件的種類
type EventKind string

const (
	EventBidAccepted       EventKind = "bid-accepted"
	EventSoftCloseExtended EventKind = "soft-close-extended"
	EventLotClosed         EventKind = "lot-closed"
)

// Event 是推送給觀察者的事件，包含前端渲染所需的拍品狀態
type Event struct {
	Kind              EventKind       `json:"kind"`
	TenantID          string          `json:"tenantId"`
	AuctionID         string          `json:"auctionId"`
	LotID             string          `json:"lotId"`
	Seq               uint64          `json:"seq"`
	Timestamp         time.Time       `json:"timestamp"`
	Price             decimal.Decimal `json:"price"`
	LeaderID          string          `json:"-"`
	LeaderDisplayName string          `json:"leaderDisplayName"`
	BidCount          int             `json:"bidCount"`
	Status            Status          `json:"status"`
	EndTime           time.Time       `json:"endTime"`
	ExtensionCount    int             `json:"extensionCount"`
	BidID             string          `json:"bidId,omitempty"`
}

func newEvent(kind EventKind, lot Lot, at time.Time, bidID string) Event {
	return Event{
		Kind:              kind,
		TenantID:          lot.TenantID,
		AuctionID:         lot.AuctionID,
		LotID:             lot.ID,
		Timestamp:         at,
		Price:             lot.CurrentPrice,
		LeaderID:          lot.LeaderID,
		LeaderDisplayName: lot.LeaderName,
		BidCount:          lot.BidCount,
		Status:            lot.Status,
		EndTime:           lot.ScheduledEnd,
		ExtensionCount:    lot.ExtensionCount,
		BidID:             bidID,
	}
}

// ID 回傳事件的游標字串，格式為 unixnano:seq:lotID
func (e Event) ID() string {
	return fmt.Sprintf("%d:%d:%s", e.Timestamp.UnixNano(), e.Seq, e.LotID)
}

// Cursor 回傳指向這個事件的游標
func (e Event) Cursor() Cursor {
	return Cursor{Timestamp: e.Timestamp, LotID: e.LotID, Seq: e.Seq}
}

// Cursor 是補齊事件時的起點，查詢會回傳嚴格排在游標之後的事件
//
// Seq 為 0 時只比較時間，回傳時間晚於 Timestamp 的事件；
// 否則依照 (Timestamp, LotID, Seq) 的順序比較
type Cursor struct {
	Timestamp time.Time
	LotID     string
	Seq       uint64
}

// ParseCursor 解析 Event.ID 產生的字串
func ParseCursor(s string) (Cursor, error) {
	const op = "ParseCursor"
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Cursor{}, fmt.Errorf("[%s] Invalid cursor %q", op, s)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("[%s] Invalid cursor timestamp, err=%w", op, err)
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("[%s] Invalid cursor seq, err=%w", op, err)
	}
	return Cursor{Timestamp: time.Unix(0, nanos).UTC(), Seq: seq, LotID: parts[2]}, nil
}

func (c Cursor) compare(o Cursor) int {
	if n := c.Timestamp.Compare(o.Timestamp); n != 0 {
		return n
	}
	if n := strings.Compare(c.LotID, o.LotID); n != 0 {
		return n
	}
	return cmp.Compare(c.Seq, o.Seq)
}

// admits 判斷 o 是否嚴格排在游標之後
func (c Cursor) admits(o Cursor) bool {
	if c.Seq == 0 {
		return o.Timestamp.After(c.Timestamp)
	}
	return c.compare(o) < 0
}

// Scope 是訂閱的範圍，可以是單一拍品、單一拍賣或整個租戶
type Scope struct {
	TenantID  string
	AuctionID string
	LotID     string
}

func LotScope(tenantID, auctionID, lotID string) Scope {
	return Scope{TenantID: tenantID, AuctionID: auctionID, LotID: lotID}
}

func AuctionScope(tenantID, auctionID string) Scope {
	return Scope{TenantID: tenantID, AuctionID: auctionID}
}

func TenantScope(tenantID string) Scope {
	return Scope{TenantID: tenantID}
}

func (s Scope) topic() string {
	switch {
	case s.LotID != "":
		return "lot:" + s.TenantID + ":" + s.LotID
	case s.AuctionID != "":
		return "auction:" + s.TenantID + ":" + s.AuctionID
	}
	return "tenant:" + s.TenantID
}

func (s Scope) matches(l *eventLog) bool {
	if s.TenantID != l.tenantID {
		return false
	}
	if s.LotID != "" {
		return s.LotID == l.lotID && (s.AuctionID == "" || s.AuctionID == l.auctionID)
	}
	return s.AuctionID == "" || s.AuctionID == l.auctionID
}

func eventScopes(e Event) []Scope {
	return []Scope{
		LotScope(e.TenantID, e.AuctionID, e.LotID),
		AuctionScope(e.TenantID, e.AuctionID),
		TenantScope(e.TenantID),
	}
}

// Feed 是補齊查詢的結果
type Feed struct {
	Events     []Event   `json:"events"`
	ServerTime time.Time `json:"serverTime"`
	// Truncated 表示游標之後有事件已經不在保存範圍內
	Truncated bool `json:"truncated,omitempty"`
	// More 表示還有更多事件，可以用最後一個事件的游標繼續查詢
	More bool `json:"more,omitempty"`
}

// Relay 將本機產生的事件轉送給其他節點
type Relay interface {
	Publish(event Event) error
}

// Subscription 是一個推送訂閱，C 關閉表示訂閱已結束 (包含因為消費太慢被移除)
type Subscription struct {
	C <-chan Event

	topic string
	hub   fanout.IHub[Event]
	once  sync.Once
}

// Close 取消訂閱
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.Unsubscribe(s.topic, s.C)
	})
}

type eventLog struct {
	tenantID  string
	auctionID string
	lotID     string
	events    []Event
	lastSeq   uint64
	// dropped 是最後一個被移出 log 的事件
	dropped  *Cursor
	closedAt time.Time
}

type broadcasterOptions struct {
	logSize          int
	retention        time.Duration
	maxFeed          int
	subscriberBuffer int
	relay            Relay
	clock            clockwork.Clock
	logger           *slog.Logger
}

type BroadcasterOption func(*broadcasterOptions)

// WithLogSize 設置每個拍品保存的事件數量
func WithLogSize(n int) BroadcasterOption {
	return func(o *broadcasterOptions) {
		o.logSize = n
	}
}

// WithRetention 設置拍品結標後事件保存的時間
func WithRetention(d time.Duration) BroadcasterOption {
	return func(o *broadcasterOptions) {
		o.retention = d
	}
}

// WithMaxFeed 設置單次補齊查詢最多回傳的事件數量
func WithMaxFeed(n int) BroadcasterOption {
	return func(o *broadcasterOptions) {
		o.maxFeed = n
	}
}

// WithSubscriberBuffer 設置每個訂閱者的緩衝大小
func WithSubscriberBuffer(n int) BroadcasterOption {
	return func(o *broadcasterOptions) {
		o.subscriberBuffer = n
	}
}

// WithRelay 設置跨節點轉送
func WithRelay(relay Relay) BroadcasterOption {
	return func(o *broadcasterOptions) {
		o.relay = relay
	}
}

func WithBroadcasterClock(clock clockwork.Clock) BroadcasterOption {
	return func(o *broadcasterOptions) {
		o.clock = clock
	}
}

func WithBroadcasterLogger(logger *slog.Logger) BroadcasterOption {
	return func(o *broadcasterOptions) {
		o.logger = logger
	}
}

// Broadcaster 負責事件的推送與補齊查詢
// 寫入 log 和推送在同一個鎖內完成，推送和補齊查詢看到的順序一致
type Broadcaster struct {
	hub     fanout.IHub[Event]
	logger  *slog.Logger
	dropped atomic.Int64

	mu   sync.Mutex
	logs map[string]*eventLog

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	options    broadcasterOptions
}

func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	options := broadcasterOptions{
		logSize:          1024,
		retention:        10 * time.Minute,
		maxFeed:          500,
		subscriberBuffer: 64,
		clock:            clockwork.NewRealClock(),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logSize < 1 {
		options.logSize = 1
	}
	b := &Broadcaster{
		logger:  options.logger.With(slog.String("caller", "Broadcaster")),
		logs:    make(map[string]*eventLog),
		options: options,
	}
	b.hub = fanout.NewHub[Event](
		fanout.WithLogger(options.logger),
		fanout.WithBufferSize(options.subscriberBuffer),
		fanout.WithDropHandler(func(_ string, n int) { b.dropped.Add(int64(n)) }),
	)
	return b
}

// Start 啟動清除已結標拍品事件的 goroutine
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelFunc = cancel
	b.running = true

	interval := b.options.retention / 2
	if interval <= 0 {
		interval = time.Second
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := b.options.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if n := b.sweep(); n > 0 {
					b.logger.Debug("closed lot logs removed", slog.Int("count", n))
				}
			}
		}
	}()
}

// Close 停止清除 goroutine 並關閉所有訂閱
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.running {
		b.running = false
		b.cancelFunc()
	}
	b.mu.Unlock()
	b.wg.Wait()
	b.hub.Close()
}

// Dropped 回傳因為消費太慢而被移除的訂閱者數量
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broadcaster) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.options.clock.Now()
	removed := 0
	for id, l := range b.logs {
		if !l.closedAt.IsZero() && now.Sub(l.closedAt) >= b.options.retention {
			delete(b.logs, id)
			removed++
		}
	}
	return removed
}

// Publish 發布本機產生的事件，並轉送給其他節點
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.appendLocked(event) {
		return
	}
	if b.options.relay == nil {
		return
	}
	if err := b.options.relay.Publish(event); err != nil {
		b.logger.Warn("failed to relay event",
			slog.String("lot", event.LotID),
			slog.Uint64("seq", event.Seq),
			slog.Any("error", err),
		)
	}
}

// Ingest 寫入其他節點轉送過來的事件，已經看過的 (lot, seq) 會被忽略
func (b *Broadcaster) Ingest(event Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(event)
}

func (b *Broadcaster) appendLocked(event Event) bool {
	event.Timestamp = event.Timestamp.UTC()
	event.EndTime = event.EndTime.UTC()

	l, ok := b.logs[event.LotID]
	if !ok {
		l = &eventLog{
			tenantID:  event.TenantID,
			auctionID: event.AuctionID,
			lotID:     event.LotID,
		}
		b.logs[event.LotID] = l
	}
	if event.Seq <= l.lastSeq {
		return false
	}
	l.lastSeq = event.Seq
	l.events = append(l.events, event)
	if over := len(l.events) - b.options.logSize; over > 0 {
		dropped := l.events[over-1].Cursor()
		l.dropped = &dropped
		l.events = l.events[over:]
	}
	if event.Kind == EventLotClosed {
		l.closedAt = b.options.clock.Now()
	}

	for _, scope := range eventScopes(event) {
		if err := b.hub.Publish(scope.topic(), event); err != nil {
			b.logger.Debug("failed to push event", slog.String("topic", scope.topic()), slog.Any("error", err))
		}
	}
	return true
}

// Subscribe 訂閱範圍內之後發布的事件
func (b *Broadcaster) Subscribe(scope Scope) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(scope)
}

// SubscribeFrom 回傳游標之後已經發布的事件，並同時建立訂閱
// 兩者在同一個鎖內完成，backlog 和訂閱之間不會有遺漏或重複
func (b *Broadcaster) SubscribeFrom(scope Scope, after Cursor) (Feed, *Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, err := b.subscribeLocked(scope)
	if err != nil {
		return Feed{}, nil, err
	}
	return b.sinceLocked(scope, after, 0), sub, nil
}

func (b *Broadcaster) subscribeLocked(scope Scope) (*Subscription, error) {
	const op = "Broadcaster.Subscribe"
	if scope.TenantID == "" {
		return nil, fmt.Errorf("[%s] Tenant is required", op)
	}
	topic := scope.topic()
	ch, err := b.hub.Subscribe(topic)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to subscribe %s, err=%w", op, topic, err)
	}
	return &Subscription{C: ch, topic: topic, hub: b.hub}, nil
}

// Since 回傳範圍內游標之後的事件，順序與推送訂閱者收到的相同
// limit <= 0 或超過上限時使用上限
func (b *Broadcaster) Since(scope Scope, after Cursor, limit int) Feed {
	if limit <= 0 || limit > b.options.maxFeed {
		limit = b.options.maxFeed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinceLocked(scope, after, limit)
}

func (b *Broadcaster) sinceLocked(scope Scope, after Cursor, limit int) Feed {
	feed := Feed{
		Events:     []Event{},
		ServerTime: b.options.clock.Now().UTC(),
	}
	if scope.LotID != "" && after.Seq > 0 && after.LotID == "" {
		after.LotID = scope.LotID
	}

	for _, l := range b.logs {
		if !scope.matches(l) {
			continue
		}
		if l.dropped != nil && after.admits(*l.dropped) {
			feed.Truncated = true
		}
		for _, e := range l.events {
			if after.admits(e.Cursor()) {
				feed.Events = append(feed.Events, e)
			}
		}
	}

	if scope.LotID != "" {
		slices.SortFunc(feed.Events, func(a, b Event) int {
			return cmp.Compare(a.Seq, b.Seq)
		})
	} else {
		slices.SortFunc(feed.Events, func(a, b Event) int {
			return a.Cursor().compare(b.Cursor())
		})
	}
	if limit > 0 && len(feed.Events) > limit {
		feed.Events = feed.Events[:limit]
		feed.More = true
	}
	return feed
}

// Lots 回傳目前保存事件的拍品數量
func (b *Broadcaster) Lots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs)
}
