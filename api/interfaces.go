package api

import (
	"context"

	"bidengine/bidding"
	"bidengine/tenant"
)

// IEngine 是 HTTP 層使用到的引擎操作
type IEngine interface {
	PlaceBid(ctx context.Context, tc tenant.Context, req bidding.PlaceBidRequest) (bidding.BidResult, error)
	Lot(ctx context.Context, tc tenant.Context, auctionID, lotID string) (bidding.LotView, error)
	CloseLot(ctx context.Context, tc tenant.Context, auctionID, lotID string) (bidding.LotView, error)
	Feed(ctx context.Context, tc tenant.Context, scope bidding.Scope, after bidding.Cursor, limit int) (bidding.Feed, error)
	Subscribe(ctx context.Context, tc tenant.Context, scope bidding.Scope, after bidding.Cursor) (bidding.Feed, *bidding.Subscription, error)
}
