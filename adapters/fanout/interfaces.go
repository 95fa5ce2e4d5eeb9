package fanout

// ITopic 是單一主題的訂閱者集合
type ITopic[T any] interface {
	// Join 加入一個訂閱者，回傳接收訊息的通道
	Join() <-chan T
	// Leave 移除訂閱者並關閉它的通道
	Leave(ch <-chan T)
	// Deliver 把訊息交給所有訂閱者，回傳因為緩衝區已滿而被移除的數量
	Deliver(message T) int
	// Close 關閉所有訂閱者
	Close()
	// Len 回傳訂閱者數量
	Len() int
}

// IHub 依照主題名稱路由訊息
type IHub[T any] interface {
	Subscribe(topic string) (<-chan T, error)
	Unsubscribe(topic string, ch <-chan T)
	Publish(topic string, message T) error
	Subscribers(topic string) int
	Close()
}
