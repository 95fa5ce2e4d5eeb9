package bidding

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// deadlineTimer 是每個拍品的排程任務，同一時間只會有一個有效的計時器
// 每次 Arm/Stop 都會更新 generation，過期的 callback 會因為 generation 不符而被忽略
type deadlineTimer struct {
	clock clockwork.Clock
	fire  func(gen uint64)

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
	at    time.Time
}

func newDeadlineTimer(clock clockwork.Clock, fire func(gen uint64)) *deadlineTimer {
	return &deadlineTimer{
		clock: clock,
		fire:  fire,
	}
}

// Arm 停止舊的計時器，並在 at 觸發新的計時器
func (t *deadlineTimer) Arm(at time.Time) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	gen := t.gen
	d := at.Sub(t.clock.Now())
	if d < 0 {
		d = 0
	}
	t.at = at
	t.timer = t.clock.AfterFunc(d, func() { t.fire(gen) })
	return gen
}

// Stop 停止計時器，之後已經排入的 callback 都會失效
func (t *deadlineTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.at = time.Time{}
}

func (t *deadlineTimer) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Current 判斷 callback 的 generation 是否仍然有效
func (t *deadlineTimer) Current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil && t.gen == gen
}

// Deadline 回傳目前排定的觸發時間，未排定時為零值
func (t *deadlineTimer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.at
}
