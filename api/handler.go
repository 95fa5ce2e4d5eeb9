package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"bidengine/bidding"
	"bidengine/tenant"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerLastEventID    = "Last-Event-ID"
	headerRetryAfter     = "Retry-After"
)

type handlerOptions struct {
	logger    *slog.Logger
	keepAlive time.Duration
	upgrader  websocket.Upgrader
}

type HandlerOption func(*handlerOptions)

// WithHandlerLogger 設置日誌記錄器
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = logger
	}
}

// WithKeepAlive 設置串流的心跳間隔
func WithKeepAlive(d time.Duration) HandlerOption {
	return func(o *handlerOptions) {
		if d > 0 {
			o.keepAlive = d
		}
	}
}

// WithUpgrader 設置 websocket 的升級設定
func WithUpgrader(upgrader websocket.Upgrader) HandlerOption {
	return func(o *handlerOptions) {
		o.upgrader = upgrader
	}
}

// Handler 把引擎的操作對應到 HTTP 路由
type Handler struct {
	engine  IEngine
	logger  *slog.Logger
	options handlerOptions
}

func NewHandler(engine IEngine, opts ...HandlerOption) *Handler {
	options := handlerOptions{
		logger: slog.Default(),
		// 30秒沒有事件就發送心跳，確保瀏覽器和Cloudflare不會斷開連線
		keepAlive: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Handler{
		engine:  engine,
		logger:  options.logger.With(slog.String("caller", "Handler")),
		options: options,
	}
}

// Register 註冊所有路由
func (h *Handler) Register(router gin.IRouter) {
	tenants := router.Group("/tenants/:tenantID")
	tenants.GET("/events", h.tenantEvents)

	auctions := tenants.Group("/auctions/:auctionID")
	auctions.GET("/feed", h.auctionFeed)
	auctions.GET("/events", h.auctionEvents)

	lots := auctions.Group("/lots/:lotID")
	lots.GET("", h.getLot)
	lots.POST("/bids", h.placeBid)
	lots.POST("/close", h.closeLot)
	lots.GET("/feed", h.lotFeed)
	lots.GET("/events", h.lotEvents)
	lots.GET("/ws", h.lotSocket)
}

type errorResponse struct {
	Message string `json:"message"`
}

type placeBidBody struct {
	BidderID   string           `json:"bidderId" binding:"required,max=64"`
	BidderName string           `json:"bidderName" binding:"max=255"`
	Amount     *decimal.Decimal `json:"amount" binding:"required"`
	Origin     string           `json:"origin" binding:"omitempty,oneof=manual automatic"`
}

// Place a bid on a lot
// (POST /tenants/{tenantID}/auctions/{auctionID}/lots/{lotID}/bids)
func (h *Handler) placeBid(c *gin.Context) {
	tc, ok := h.tenant(c)
	if !ok {
		return
	}
	key := c.GetHeader(headerIdempotencyKey)
	if utf8.RuneCountInString(key) > bidding.MaxIdempotencyKeyLength {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "idempotency key is too long"})
		return
	}
	var body placeBidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}

	result, err := h.engine.PlaceBid(c.Request.Context(), tc, bidding.PlaceBidRequest{
		AuctionID:      c.Param("auctionID"),
		LotID:          c.Param("lotID"),
		BidderID:       body.BidderID,
		BidderName:     body.BidderName,
		Amount:         *body.Amount,
		IdempotencyKey: key,
		Origin:         bidding.Origin(body.Origin),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	if result.Replayed {
		c.Header(headerReplayed, "true")
	}
	status := statusOf(result)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		c.Header(headerRetryAfter, "1")
	}
	c.JSON(status, result)
}

// Get the current state of a lot
// (GET /tenants/{tenantID}/auctions/{auctionID}/lots/{lotID})
func (h *Handler) getLot(c *gin.Context) {
	tc, ok := h.tenant(c)
	if !ok {
		return
	}
	view, err := h.engine.Lot(c.Request.Context(), tc, c.Param("auctionID"), c.Param("lotID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Close a lot immediately
// (POST /tenants/{tenantID}/auctions/{auctionID}/lots/{lotID}/close)
func (h *Handler) closeLot(c *gin.Context) {
	tc, ok := h.tenant(c)
	if !ok {
		return
	}
	view, err := h.engine.CloseLot(c.Request.Context(), tc, c.Param("auctionID"), c.Param("lotID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("lot closed by request",
		slog.String("tenant_id", tc.TenantID),
		slog.String("lot_id", c.Param("lotID")),
		slog.String("status", string(view.Status)))
	c.JSON(http.StatusOK, view)
}

// Catch up on lot events
// (GET /tenants/{tenantID}/auctions/{auctionID}/lots/{lotID}/feed)
func (h *Handler) lotFeed(c *gin.Context) {
	h.feed(c, bidding.LotScope("", c.Param("auctionID"), c.Param("lotID")))
}

// Catch up on auction events
// (GET /tenants/{tenantID}/auctions/{auctionID}/feed)
func (h *Handler) auctionFeed(c *gin.Context) {
	h.feed(c, bidding.AuctionScope("", c.Param("auctionID")))
}

func (h *Handler) feed(c *gin.Context, scope bidding.Scope) {
	tc, ok := h.tenant(c)
	if !ok {
		return
	}
	query, after, ok := h.cursor(c)
	if !ok {
		return
	}
	feed, err := h.engine.Feed(c.Request.Context(), tc, scope, after, query.Limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

// tenant 從路徑取得租戶範圍
func (h *Handler) tenant(c *gin.Context) (tenant.Context, bool) {
	tc, err := tenant.New(c.Param("tenantID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return tenant.Context{}, false
	}
	return tc, true
}

// fail 把引擎回傳的錯誤轉換成 HTTP 回應
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrMissingTenant):
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	case errors.Is(err, bidding.ErrLotNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Message: "lot not found"})
	case errors.Is(err, bidding.ErrTooManyWaiters):
		c.Header(headerRetryAfter, "1")
		c.JSON(http.StatusTooManyRequests, errorResponse{Message: "too many requests"})
	case errors.Is(err, bidding.ErrBusy), errors.Is(err, bidding.ErrEngineClosed):
		c.Header(headerRetryAfter, "1")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "service busy"})
	default:
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "internal error"})
	}
}

// statusOf 依照出價結果決定 HTTP 狀態碼
func statusOf(result bidding.BidResult) int {
	if result.Accepted {
		return http.StatusOK
	}
	return lo.Switch[bidding.ErrorKind, int](result.Reason).
		Case(bidding.KindLotNotOpen, http.StatusConflict).
		Case(bidding.KindDuplicateSubmission, http.StatusConflict).
		Case(bidding.KindBidTooLow, http.StatusUnprocessableEntity).
		Case(bidding.KindInvalidBid, http.StatusUnprocessableEntity).
		Case(bidding.KindNotFound, http.StatusNotFound).
		Case(bidding.KindRateLimited, http.StatusTooManyRequests).
		Default(http.StatusServiceUnavailable)
}
