package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"bidengine/bidding"
)

type leaserOptions struct {
	prefix         string
	expiry         time.Duration
	renewInterval  time.Duration
	retryDelay     time.Duration
	retryOnFailure bool
	logger         *slog.Logger
}

type LeaserOption func(*leaserOptions)

// WithLeasePrefix 設置所有權鎖的鍵值前綴
func WithLeasePrefix(prefix string) LeaserOption {
	return func(o *leaserOptions) {
		o.prefix = prefix
	}
}

// WithLeaseExpiry 設置所有權的過期時間，節點離線後最慢經過這段時間其他節點才能接手
func WithLeaseExpiry(d time.Duration) LeaserOption {
	return func(o *leaserOptions) {
		o.expiry = d
	}
}

// WithLeaseRenewInterval 設置續期間隔，預設為過期時間的1/3
func WithLeaseRenewInterval(d time.Duration) LeaserOption {
	return func(o *leaserOptions) {
		o.renewInterval = d
	}
}

// WithLeaseRetryDelay 設置拍品被其他節點持有時重新嘗試的間隔
func WithLeaseRetryDelay(d time.Duration) LeaserOption {
	return func(o *leaserOptions) {
		o.retryDelay = d
	}
}

// WithLeaseRetryOnFailure 設置 Redis 發生錯誤時是否持續重試直到 ctx 結束
func WithLeaseRetryOnFailure(retry bool) LeaserOption {
	return func(o *leaserOptions) {
		o.retryOnFailure = retry
	}
}

// WithLeaseLogger 設置日誌記錄器
func WithLeaseLogger(logger *slog.Logger) LeaserOption {
	return func(o *leaserOptions) {
		o.logger = logger
	}
}

// Leaser 確保同一個拍品在整個叢集中只有一個節點處理
// 持有期間會自動續期，續期失敗時 Lease.Lost 會關閉，引擎收到後必須停止處理該拍品
type Leaser struct {
	rs      *redsync.Redsync
	logger  *slog.Logger
	options leaserOptions
}

func NewLeaser(client *redis.Client, opts ...LeaserOption) (*Leaser, error) {
	if client == nil {
		return nil, errNilClient
	}
	options := leaserOptions{
		prefix:     "lot",
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}
	return &Leaser{
		rs:      redsync.New(goredis.NewPool(client)),
		logger:  options.logger.With(slog.String("caller", "Leaser")),
		options: options,
	}, nil
}

// Key 回傳拍品所有權鎖的鍵值，hash tag 讓同一個拍品的鍵落在同一個 slot
func (l *Leaser) Key(lotID string) string {
	return l.options.prefix + ":{" + lotID + "}:owner"
}

// Acquire 取得拍品的所有權，拍品被其他節點持有時會持續重試直到 ctx 結束
// 取得後的所有權與 ctx 無關，只由 Release 或續期失敗結束
func (l *Leaser) Acquire(ctx context.Context, lotID string) (bidding.Lease, error) {
	const op = "Leaser.Acquire"

	if lotID == "" {
		return nil, fmt.Errorf("[%s] Fail to acquire lease, err=%w", op, ErrEmptyKey)
	}
	mutex := l.rs.NewMutex(l.Key(lotID),
		redsync.WithExpiry(l.options.expiry),
		redsync.WithTries(1),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("[%s] Fail to acquire lease, lot=%s, err=%w", op, lotID, ctx.Err())
		case <-timer.C:
		}
		err := mutex.LockContext(ctx)
		if err == nil {
			break
		}
		var redisErr *redsync.RedisError
		if !l.options.retryOnFailure && errors.As(err, &redisErr) {
			return nil, fmt.Errorf("[%s] Fail to acquire lease, lot=%s, err=%w", op, lotID, err)
		}
		timer.Reset(l.options.retryDelay)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	lease := &lotLease{
		mutex:  mutex,
		logger: l.logger.With(slog.String("lot_id", lotID)),
		lost:   renewCtx.Done(),
		cancel: cancel,
	}
	lease.wg.Add(1)
	go lease.renew(renewCtx, l.options.renewInterval)
	lease.logger.Debug("lease acquired")
	return lease, nil
}

// LeaseFunc 讓 Leaser 能直接交給 bidding.WithLease
func (l *Leaser) LeaseFunc() bidding.LeaseFunc {
	return l.Acquire
}

type lotLease struct {
	mutex  *redsync.Mutex
	logger *slog.Logger
	lost   <-chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

func (l *lotLease) renew(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.mutex.ExtendContext(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				l.logger.Warn("lease renewal failed", slog.Any("error", err))
				l.cancel()
				return
			}
		}
	}
}

func (l *lotLease) Lost() <-chan struct{} {
	return l.lost
}

// Release 停止續期並釋放所有權，重複呼叫會回傳第一次的結果
func (l *lotLease) Release() error {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		ok, err := l.mutex.Unlock()
		switch {
		case err != nil:
			l.err = err
		case !ok:
			l.err = ErrLockLost
		default:
			l.logger.Debug("lease released")
		}
	})
	return l.err
}
