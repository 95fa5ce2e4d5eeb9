package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"bidengine/bidding"
	"bidengine/tenant"
)

var (
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	errUnknown    = errors.New("unknown failure")
)

func init() {
	gin.SetMode(gin.TestMode)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// liveLot 建立一個已開標、一小時後結標的拍品
func liveLot(tenantID, auctionID, lotID string) bidding.Lot {
	now := time.Now().UTC()
	return bidding.Lot{
		ID:            lotID,
		AuctionID:     auctionID,
		TenantID:      tenantID,
		StartingPrice: dec("100"),
		StartTime:     now.Add(-time.Hour),
		Increments:    bidding.FixedIncrement(dec("10")),
		LotState: bidding.LotState{
			CurrentPrice: dec("100"),
			Status:       bidding.StatusOpen,
			ScheduledEnd: now.Add(time.Hour),
		},
	}
}

type testEnv struct {
	engine  *bidding.Engine
	store   *bidding.MemoryStore
	router  *gin.Engine
	handler *Handler
}

func setupTest(t *testing.T, opts ...HandlerOption) (*testEnv, func()) {
	t.Helper()
	store := bidding.NewMemoryStore(
		liveLot("acme", "auction-1", "lot-1"),
		liveLot("acme", "auction-1", "lot-2"),
		liveLot("globex", "auction-9", "lot-9"),
	)
	records := bidding.NewMemoryRecordStore(bidding.WithMemoryRecordLogger(discardLogger))
	guard, err := bidding.NewGuard(records, bidding.WithGuardLogger(discardLogger))
	require.NoError(t, err)
	broadcaster := bidding.NewBroadcaster(bidding.WithBroadcasterLogger(discardLogger))
	broadcaster.Start()
	engine, err := bidding.NewEngine(store, guard, broadcaster,
		bidding.WithLogger(discardLogger),
		bidding.WithPersistRetries(1, time.Millisecond),
	)
	require.NoError(t, err)

	opts = append([]HandlerOption{WithHandlerLogger(discardLogger)}, opts...)
	handler := NewHandler(engine, opts...)
	router := gin.New()
	handler.Register(router)

	cleanup := func() {
		engine.Close()
		broadcaster.Close()
	}
	return &testEnv{
		engine:  engine,
		store:   store,
		router:  router,
		handler: handler,
	}, cleanup
}

func (env *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func bidBody(bidder, amount string) gin.H {
	return gin.H{"bidderId": bidder, "bidderName": "Bidder " + bidder, "amount": amount}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// stubEngine 讓測試可以直接指定引擎回傳的錯誤
type stubEngine struct {
	result bidding.BidResult
	err    error
}

func (s *stubEngine) PlaceBid(ctx context.Context, tc tenant.Context, req bidding.PlaceBidRequest) (bidding.BidResult, error) {
	return s.result, s.err
}

func (s *stubEngine) Lot(ctx context.Context, tc tenant.Context, auctionID, lotID string) (bidding.LotView, error) {
	return bidding.LotView{}, s.err
}

func (s *stubEngine) CloseLot(ctx context.Context, tc tenant.Context, auctionID, lotID string) (bidding.LotView, error) {
	return bidding.LotView{}, s.err
}

func (s *stubEngine) Feed(ctx context.Context, tc tenant.Context, scope bidding.Scope, after bidding.Cursor, limit int) (bidding.Feed, error) {
	return bidding.Feed{}, s.err
}

func (s *stubEngine) Subscribe(ctx context.Context, tc tenant.Context, scope bidding.Scope, after bidding.Cursor) (bidding.Feed, *bidding.Subscription, error) {
	return bidding.Feed{}, nil, s.err
}

func acmeTenant(t *testing.T) tenant.Context {
	t.Helper()
	tc, err := tenant.New("acme")
	require.NoError(t, err)
	return tc
}
