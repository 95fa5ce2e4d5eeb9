package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type consumerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	batchSize    int64
	blockTimeout time.Duration
	errorBackoff time.Duration
	startID      string
	skipOrigin   string
	decodeFunc   func(map[string]any) (T, error)
}

type ConsumerOption[T any] func(*consumerOptions[T])

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger[T any](logger *slog.Logger) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.logger = logger
	}
}

// WithConsumerBufferSize 設置下游channel的緩衝大小
func WithConsumerBufferSize[T any](size int) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithConsumerBatchSize 設置每次 XREAD 最多讀取的訊息數
func WithConsumerBatchSize[T any](n int64) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.batchSize = n
	}
}

// WithConsumerBlockTimeout 設置阻塞讀取超時時間
func WithConsumerBlockTimeout[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithConsumerErrorBackoff 設置讀取失敗後的等待時間
func WithConsumerErrorBackoff[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.errorBackoff = d
	}
}

// WithConsumerStartID 設置開始讀取的訊息ID，預設為 "$" 只讀新訊息
func WithConsumerStartID[T any](id string) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.startID = id
	}
}

// WithConsumerSkipOrigin 略過指定來源節點寫入的訊息
func WithConsumerSkipOrigin[T any](origin string) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.skipOrigin = origin
	}
}

// WithConsumerDecodeFunc 設置自定義解析函數
func WithConsumerDecodeFunc[T any](fn func(map[string]any) (T, error)) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.decodeFunc = fn
	}
}

type Consumer[T any] struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan T
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    consumerOptions[T]
}

func NewConsumer[T any](client *redis.Client, stream string, opts ...ConsumerOption[T]) (IConsumer[T], error) {
	if client == nil {
		return nil, errNilClient
	}
	if stream == "" {
		return nil, errEmptyStream
	}

	options := consumerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		batchSize:    64,
		blockTimeout: time.Second,
		errorBackoff: 500 * time.Millisecond,
		startID:      "$",
		decodeFunc:   DecodeMessage[T],
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Consumer[T]{
		client:     client,
		stream:     stream,
		lastID:     options.startID,
		downStream: make(chan T, options.bufferSize),
		closed:     true,
		logger:     options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options:    options,
	}, nil
}

func (s *Consumer[T]) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed || s.cancelFunc != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.closed = false
	s.cancelFunc = cancel
	s.logger.Info("starting stream consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("consumer goroutine stopped")
		defer close(s.downStream)

		for ctx.Err() == nil {
			messages, err := s.fetch(ctx)
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				s.logger.Error("fetch message error", slog.Any("error", err))
				s.backoff(ctx)
				continue
			}

			for _, message := range messages {
				if !s.deliver(ctx, message) {
					return
				}
			}
		}
	}()
}

func (s *Consumer[T]) fetch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   s.options.batchSize,
		Block:   s.options.blockTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, redis.Nil
	}

	messages := streams[0].Messages
	s.lastID = messages[len(messages)-1].ID
	return messages, nil
}

// deliver 解析並送出一則訊息，只有 context 結束時回傳 false
func (s *Consumer[T]) deliver(ctx context.Context, message redis.XMessage) bool {
	if s.options.skipOrigin != "" {
		if origin, _ := message.Values[fieldOrigin].(string); origin == s.options.skipOrigin {
			return true
		}
	}

	data, err := s.options.decodeFunc(message.Values)
	if err != nil {
		s.logger.Error("failed to parse message",
			slog.String("messageId", message.ID),
			slog.Any("error", err))
		return true
	}

	select {
	case <-ctx.Done():
		return false
	case s.downStream <- data:
		s.logger.Debug("message sent to downstream", slog.String("messageId", message.ID))
		return true
	}
}

func (s *Consumer[T]) backoff(ctx context.Context) {
	timer := time.NewTimer(s.options.errorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Subscribe 訂閱數據流，Close 之後 channel 會被關閉
func (s *Consumer[T]) Subscribe() <-chan T {
	return s.downStream
}

// Close 關閉消費者，關閉後不能再 Start
func (s *Consumer[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.logger.Info("closing stream consumer")
	s.closed = true
	s.cancelFunc()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("stream consumer closed")
}
