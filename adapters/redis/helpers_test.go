package redis

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidengine/bidding"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

// setupMiniredis 啟動一個 miniredis，cleanup 需要在 goleak 檢查前執行
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client, func() {
		client.Close()
		mr.Close()
	}
}

type TestMessage struct {
	ID   string `msgpack:"id"`
	Data string `msgpack:"data"`
}

func testEvent(lotID string, seq uint64) bidding.Event {
	return bidding.Event{
		Kind:              bidding.EventBidAccepted,
		TenantID:          "acme",
		AuctionID:         "auction-1",
		LotID:             lotID,
		Seq:               seq,
		Timestamp:         time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC),
		Price:             decimal.RequireFromString("1100.50"),
		LeaderID:          "bidder-1",
		LeaderDisplayName: "Bidder 1",
		BidCount:          int(seq),
		Status:            bidding.StatusOpen,
		EndTime:           time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		BidID:             "bid-" + lotID,
	}
}
