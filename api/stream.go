package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bidengine/bidding"
)

const (
	eventTruncated = "truncated"
	writeWait      = 10 * time.Second
)

// feedQuery 是補齊查詢的參數
// cursor 優先於 since/lot/seq，格式與事件ID相同
type feedQuery struct {
	Since  time.Time `form:"since" time_format:"2006-01-02T15:04:05.999999999Z07:00"`
	Seq    uint64    `form:"seq"`
	Lot    string    `form:"lot"`
	Limit  int       `form:"limit" binding:"omitempty,min=1"`
	Cursor string    `form:"cursor"`
}

// cursor 解析查詢字串與 Last-Event-ID 產生游標
func (h *Handler) cursor(c *gin.Context) (feedQuery, bidding.Cursor, bool) {
	var query feedQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return query, bidding.Cursor{}, false
	}
	raw := query.Cursor
	if id := c.GetHeader(headerLastEventID); id != "" {
		raw = id
	}
	if raw == "" {
		return query, bidding.Cursor{Timestamp: query.Since, LotID: query.Lot, Seq: query.Seq}, true
	}
	after, err := bidding.ParseCursor(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return query, bidding.Cursor{}, false
	}
	return query, after, true
}

// subscribe 建立訂閱，失敗時已經寫好回應
func (h *Handler) subscribe(c *gin.Context, scope bidding.Scope) (bidding.Feed, *bidding.Subscription, bool) {
	tc, ok := h.tenant(c)
	if !ok {
		return bidding.Feed{}, nil, false
	}
	_, after, ok := h.cursor(c)
	if !ok {
		return bidding.Feed{}, nil, false
	}
	feed, sub, err := h.engine.Subscribe(c.Request.Context(), tc, scope, after)
	if err != nil {
		h.fail(c, err)
		return bidding.Feed{}, nil, false
	}
	return feed, sub, true
}

// Stream tenant events
// (GET /tenants/{tenantID}/events)
func (h *Handler) tenantEvents(c *gin.Context) {
	h.events(c, bidding.TenantScope(""))
}

// Stream auction events
// (GET /tenants/{tenantID}/auctions/{auctionID}/events)
func (h *Handler) auctionEvents(c *gin.Context) {
	h.events(c, bidding.AuctionScope("", c.Param("auctionID")))
}

// Stream lot events
// (GET /tenants/{tenantID}/auctions/{auctionID}/lots/{lotID}/events)
func (h *Handler) lotEvents(c *gin.Context) {
	h.events(c, bidding.LotScope("", c.Param("auctionID"), c.Param("lotID")))
}

func (h *Handler) events(c *gin.Context, scope bidding.Scope) {
	feed, sub, ok := h.subscribe(c, scope)
	if !ok {
		return
	}
	defer sub.Close()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if feed.Truncated {
		c.Render(-1, sse.Event{Event: eventTruncated, Data: feed.ServerTime})
	}
	for _, event := range feed.Events {
		c.Render(-1, sse.Event{Id: event.ID(), Event: string(event.Kind), Data: event})
	}
	w.Flush()

	ticker := time.NewTicker(h.options.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				h.logger.Info("subscription dropped",
					slog.String("path", c.Request.URL.Path))
				return
			}
			c.Render(-1, sse.Event{Id: event.ID(), Event: string(event.Kind), Data: event})
			w.Flush()
		// 一段時間沒有事件就發送註解行，確保瀏覽器和Cloudflare不會斷開連線
		case <-ticker.C:
			if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}

// socketMessage 是 websocket 上傳送的訊息
type socketMessage struct {
	ID    string         `json:"id,omitempty"`
	Type  string         `json:"type"`
	Event *bidding.Event `json:"event,omitempty"`
}

// Stream lot events over websocket
// (GET /tenants/{tenantID}/auctions/{auctionID}/lots/{lotID}/ws)
func (h *Handler) lotSocket(c *gin.Context) {
	feed, sub, ok := h.subscribe(c, bidding.LotScope("", c.Param("auctionID"), c.Param("lotID")))
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := h.options.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已經寫好錯誤回應
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		h.readSocket(conn)
	}()
	defer func() {
		conn.Close()
		<-done
	}()

	if feed.Truncated {
		if err := h.writeSocket(conn, socketMessage{Type: eventTruncated}); err != nil {
			return
		}
	}
	for i := range feed.Events {
		if err := h.writeSocket(conn, messageOf(feed.Events[i])); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.options.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription dropped")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if err := h.writeSocket(conn, messageOf(event)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readSocket 讀取並丟棄客戶端的訊息，直到連線關閉
func (h *Handler) readSocket(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) writeSocket(conn *websocket.Conn, msg socketMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func messageOf(event bidding.Event) socketMessage {
	return socketMessage{ID: event.ID(), Type: string(event.Kind), Event: &event}
}
