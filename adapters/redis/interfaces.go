//go:generate mockgen -package=redis -destination=mock.go -source=interfaces.go

package redis

// IProducer 把訊息緩衝後寫入 stream
type IProducer[T any] interface {
	Start()
	// Publish 不會等待寫入完成，Close 之後回傳 ErrClosed
	Publish(data T) error
	Close()
}

// IConsumer 從 stream 讀取訊息並解碼
type IConsumer[T any] interface {
	Start()
	// Subscribe 回傳的通道在 Close 後關閉
	Subscribe() <-chan T
	Close()
}
