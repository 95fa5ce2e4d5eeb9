package api

import (
	"time"

	"bidengine/adapters/postgres"
	"bidengine/bidding"
)

type ServerConfig struct {
	// NodeID 用於叢集模式下辨識事件來源
	NodeID  string
	Cluster bool
	Migrate bool

	// Store 為 memory 或 postgres，memory 模式下的拍品由 Seed 檔案載入
	Store string
	Seed  string
	DB    postgres.Config
	Redis RedisConfig

	Engine      EngineConfig
	SoftClose   bidding.SoftCloseConfig
	Idempotency IdempotencyConfig
	Broadcaster BroadcasterConfig

	// KeepAlive 是串流沒有事件時送出心跳的間隔
	KeepAlive time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	Events string
}

type EngineConfig struct {
	LotWait         time.Duration
	MaxWaiters      int
	ReclaimGrace    time.Duration
	PersistRetries  uint64
	PersistBackoff  time.Duration
	PersistTimeout  time.Duration
	LeaseExpiry     time.Duration
	Increments      string
	AllowSelfOutbid bool
}

type IdempotencyConfig struct {
	// Store 為 memory 或 redis
	Store           string
	TTL             time.Duration
	PendingTTL      time.Duration
	BucketWidth     time.Duration
	AmountPrecision int32
}

type BroadcasterConfig struct {
	LogSize          int
	Retention        time.Duration
	MaxFeed          int
	SubscriberBuffer int
	StreamMaxLen     int64
}

// DefaultServerConfig 回傳單機記憶體模式的預設設定
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		NodeID: "local",
		Store:  "memory",
		DB: postgres.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "bidengine",
			Schema:   "public",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "bid:",
			StreamKeys: RedisStreamKeys{
				Events: "bid:events",
			},
		},
		Engine: EngineConfig{
			LotWait:         2 * time.Second,
			MaxWaiters:      256,
			ReclaimGrace:    time.Minute,
			PersistRetries:  3,
			PersistBackoff:  50 * time.Millisecond,
			PersistTimeout:  5 * time.Second,
			LeaseExpiry:     8 * time.Second,
			AllowSelfOutbid: true,
		},
		SoftClose: bidding.SoftCloseConfig{
			Enabled:          true,
			TriggerThreshold: 2 * time.Minute,
			ExtensionLength:  2 * time.Minute,
			MaxExtensions:    10,
		},
		Idempotency: IdempotencyConfig{
			Store:           "memory",
			TTL:             10 * time.Minute,
			PendingTTL:      30 * time.Second,
			BucketWidth:     2 * time.Second,
			AmountPrecision: 2,
		},
		Broadcaster: BroadcasterConfig{
			LogSize:          1024,
			Retention:        10 * time.Minute,
			MaxFeed:          500,
			SubscriberBuffer: 64,
			StreamMaxLen:     100_000,
		},
		KeepAlive: 30 * time.Second,
	}
}
