package fanout

import "sync"

// Topic 保存一個主題的訂閱者
//
// 每個訂閱者有固定大小的緩衝區，緩衝區滿時訂閱者會被移除並關閉通道，
// 發布端不會因為單一個慢速訂閱者而阻塞。訂閱者看到通道關閉後應該重新訂閱並補齊事件。
type Topic[T any] struct {
	mu      sync.Mutex
	members map[<-chan T]chan T
	buffer  int
}

func NewTopic[T any](buffer int) *Topic[T] {
	return &Topic[T]{
		members: make(map[<-chan T]chan T),
		buffer:  max(buffer, 1),
	}
}

func (t *Topic[T]) Join() <-chan T {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan T, t.buffer)
	t.members[ch] = ch
	return ch
}

func (t *Topic[T]) Leave(ch <-chan T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.members[ch]; ok {
		delete(t.members, ch)
		close(w)
	}
}

func (t *Topic[T]) Deliver(message T) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for r, w := range t.members {
		select {
		case w <- message:
		default:
			delete(t.members, r)
			close(w)
			dropped++
		}
	}
	return dropped
}

func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.members {
		close(w)
	}
	clear(t.members)
}

func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}
