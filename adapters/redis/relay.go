package redis

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"bidengine/bidding"
)

// Ingester 接收其他節點轉發過來的事件
type Ingester interface {
	Ingest(event bidding.Event) bool
}

// EventRelay 透過 Redis stream 在節點間轉發拍賣事件
// 本節點送出的事件會被略過，其餘事件交給 Ingester 去重後推送給本地訂閱者
type EventRelay struct {
	producer IProducer[bidding.Event]
	consumer IConsumer[bidding.Event]
	wg       sync.WaitGroup
	once     sync.Once
	logger   *slog.Logger
}

type relayOptions struct {
	logger     *slog.Logger
	maxLen     int64
	bufferSize int
	startID    string
}

type RelayOption func(*relayOptions)

// WithRelayLogger 設置日誌記錄器
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(o *relayOptions) {
		o.logger = logger
	}
}

// WithRelayMaxLen 設置 stream 的近似長度上限
func WithRelayMaxLen(n int64) RelayOption {
	return func(o *relayOptions) {
		o.maxLen = n
	}
}

// WithRelayBufferSize 設置讀寫兩端的緩衝大小
func WithRelayBufferSize(n int) RelayOption {
	return func(o *relayOptions) {
		o.bufferSize = n
	}
}

// WithRelayStartID 設置開始讀取的訊息ID，預設 "$" 只轉發啟動後的事件
func WithRelayStartID(id string) RelayOption {
	return func(o *relayOptions) {
		o.startID = id
	}
}

func NewEventRelay(client *redis.Client, stream, nodeID string, opts ...RelayOption) (*EventRelay, error) {
	const op = "NewEventRelay"

	if nodeID == "" {
		return nil, fmt.Errorf("[%s] err=%w", op, errEmptyIdentity)
	}

	options := relayOptions{
		logger:     slog.Default(),
		maxLen:     100_000,
		bufferSize: 256,
		startID:    "$",
	}
	for _, opt := range opts {
		opt(&options)
	}

	producer, err := NewProducer(client, stream,
		WithProducerLogger[bidding.Event](options.logger),
		WithProducerBufferSize[bidding.Event](options.bufferSize),
		WithProducerMaxLen[bidding.Event](options.maxLen),
		WithProducerOrigin[bidding.Event](nodeID),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}

	consumer, err := NewConsumer(client, stream,
		WithConsumerLogger[bidding.Event](options.logger),
		WithConsumerBufferSize[bidding.Event](options.bufferSize),
		WithConsumerSkipOrigin[bidding.Event](nodeID),
		WithConsumerStartID[bidding.Event](options.startID),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}

	return &EventRelay{
		producer: producer,
		consumer: consumer,
		logger:   options.logger.With(slog.String("caller", "EventRelay"), slog.String("node", nodeID)),
	}, nil
}

// Publish 實作 bidding.Relay
func (r *EventRelay) Publish(event bidding.Event) error {
	return r.producer.Publish(event)
}

// Start 開始讀寫 stream，收到的事件交給 sink
func (r *EventRelay) Start(sink Ingester) {
	r.once.Do(func() {
		r.producer.Start()
		r.consumer.Start()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for event := range r.consumer.Subscribe() {
				if sink.Ingest(event) {
					r.logger.Debug("event ingested",
						slog.String("lot_id", event.LotID),
						slog.Uint64("seq", event.Seq))
				}
			}
		}()
	})
}

func (r *EventRelay) Close() {
	r.consumer.Close()
	r.producer.Close()
	r.wg.Wait()
}
