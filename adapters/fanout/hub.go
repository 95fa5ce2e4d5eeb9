package fanout

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrHubClosed 表示 Hub 已經關閉
var ErrHubClosed = errors.New("hub is closed")

type hubOptions struct {
	logger *slog.Logger
	buffer int
	onDrop func(topic string, n int)
}

type HubOption func(*hubOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) HubOption {
	return func(o *hubOptions) {
		o.logger = logger
	}
}

// WithBufferSize 設置每個訂閱者的緩衝大小
func WithBufferSize(size int) HubOption {
	return func(o *hubOptions) {
		o.buffer = size
	}
}

// WithDropHandler 設置慢速訂閱者被移除時的回呼，在 Publish 的 goroutine 執行
func WithDropHandler(fn func(topic string, n int)) HubOption {
	return func(o *hubOptions) {
		o.onDrop = fn
	}
}

// Hub 管理多個主題的訂閱與發布
// Publish 是同步的，同一個呼叫者依序發布的訊息，訂閱者會以相同順序收到
type Hub[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	topics map[string]ITopic[T] // 最後一個訂閱者 Unsubscribe 後移除

	options hubOptions
}

func NewHub[T any](opts ...HubOption) *Hub[T] {
	options := hubOptions{
		logger: slog.Default(),
		buffer: 64,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Hub[T]{
		logger:  options.logger.With(slog.String("caller", "Hub")),
		topics:  make(map[string]ITopic[T]),
		options: options,
	}
}

// Close 關閉所有訂閱者，之後的 Subscribe 和 Publish 都會回傳 ErrHubClosed
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, topic := range h.topics {
		topic.Close()
	}
	clear(h.topics)
}

func (h *Hub[T]) Subscribe(name string) (<-chan T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	topic, ok := h.topics[name]
	if !ok {
		topic = NewTopic[T](h.options.buffer)
		h.topics[name] = topic
	}
	return topic.Join(), nil
}

// Publish 發布訊息，主題沒有訂閱者時直接忽略
func (h *Hub[T]) Publish(name string, message T) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	topic, ok := h.topics[name]
	if !ok {
		return nil
	}
	if dropped := topic.Deliver(message); dropped > 0 {
		h.logger.Warn("slow subscribers dropped", slog.String("topic", name), slog.Int("count", dropped))
		if h.options.onDrop != nil {
			h.options.onDrop(name, dropped)
		}
	}
	return nil
}

func (h *Hub[T]) Unsubscribe(name string, ch <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic, ok := h.topics[name]
	if !ok {
		return
	}
	topic.Leave(ch)
	if topic.Len() == 0 {
		delete(h.topics, name)
	}
}

func (h *Hub[T]) Subscribers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if topic, ok := h.topics[name]; ok {
		return topic.Len()
	}
	return 0
}

// Topics 回傳目前有訂閱者的主題數量
func (h *Hub[T]) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
