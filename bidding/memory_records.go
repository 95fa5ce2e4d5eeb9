package bidding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryRecord struct {
	payload   []byte
	expiresAt time.Time
}

type memoryRecordOptions struct {
	sweepInterval time.Duration
	clock         clockwork.Clock
	logger        *slog.Logger
}

type MemoryRecordOption func(*memoryRecordOptions)

// WithSweepInterval 設置清除過期紀錄的間隔
func WithSweepInterval(d time.Duration) MemoryRecordOption {
	return func(o *memoryRecordOptions) {
		o.sweepInterval = d
	}
}

// WithMemoryRecordClock 注入時鐘 (主要用於測試)
func WithMemoryRecordClock(clock clockwork.Clock) MemoryRecordOption {
	return func(o *memoryRecordOptions) {
		o.clock = clock
	}
}

// WithMemoryRecordLogger 設置日誌記錄器
func WithMemoryRecordLogger(logger *slog.Logger) MemoryRecordOption {
	return func(o *memoryRecordOptions) {
		o.logger = logger
	}
}

// MemoryRecordStore 是單機使用的冪等紀錄儲存
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    memoryRecordOptions
}

func NewMemoryRecordStore(opts ...MemoryRecordOption) *MemoryRecordStore {
	options := memoryRecordOptions{
		sweepInterval: time.Minute,
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &MemoryRecordStore{
		records: make(map[string]memoryRecord),
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "MemoryRecordStore")),
		options: options,
	}
}

// Start 啟動定期清除過期紀錄的 goroutine
func (s *MemoryRecordStore) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.closed = false

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.options.clock.NewTicker(s.options.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if n := s.sweep(); n > 0 {
					s.logger.Debug("expired records removed", slog.Int("count", n))
				}
			}
		}
	}()
}

// Close 停止清除 goroutine
func (s *MemoryRecordStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelFunc()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *MemoryRecordStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.options.clock.Now()
	removed := 0
	for key, record := range s.records {
		if !now.Before(record.expiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryRecordStore) Reserve(ctx context.Context, key string, ttl time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.options.clock.Now()
	if record, ok := s.records[key]; ok && now.Before(record.expiresAt) {
		return record.payload, false, nil
	}
	s.records[key] = memoryRecord{expiresAt: now.Add(ttl)}
	return nil, true, nil
}

func (s *MemoryRecordStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{
		payload:   payload,
		expiresAt: s.options.clock.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryRecordStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len 回傳目前的紀錄數量 (包含尚未清除的過期紀錄)
func (s *MemoryRecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
