package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"bidengine/adapters/postgres"
	redisAdapter "bidengine/adapters/redis"
	"bidengine/bidding"
)

// Server 組裝引擎和它的基礎設施，並負責啟動與關閉的順序
type Server struct {
	engine      *bidding.Engine
	broadcaster *bidding.Broadcaster
	records     *bidding.MemoryRecordStore
	relay       *redisAdapter.EventRelay
	redisClient *redis.Client
	handler     *Handler
	logger      *slog.Logger

	config ServerConfig
}

func NewServer(ctx context.Context, config ServerConfig, logger *slog.Logger) (*Server, error) {
	const op = "NewServer"

	impl := &Server{
		logger: logger.With(slog.String("caller", "Server")),
		config: config,
	}

	// 初始化Redis連線
	needRedis := config.Cluster || config.Idempotency.Store == "redis"
	if needRedis {
		impl.redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err := impl.redisClient.Ping(ctx).Err(); err != nil {
			impl.redisClient.Close()
			return nil, fmt.Errorf("[%s] Fail to connect to redis, err=%w", op, err)
		}
	}

	// 初始化儲存層
	store, err := impl.openStore(ctx)
	if err != nil {
		impl.closeRedis()
		return nil, fmt.Errorf("[%s] Fail to open store, err=%w", op, err)
	}

	// 初始化冪等紀錄
	var records bidding.RecordStore
	switch config.Idempotency.Store {
	case "redis":
		records, err = redisAdapter.NewIdempotencyStore(impl.redisClient, config.Redis.KeyPrefix+"idem:")
		if err != nil {
			impl.closeRedis()
			return nil, fmt.Errorf("[%s] Fail to create idempotency store, err=%w", op, err)
		}
	default:
		impl.records = bidding.NewMemoryRecordStore(bidding.WithMemoryRecordLogger(logger))
		records = impl.records
	}
	guard, err := bidding.NewGuard(records,
		bidding.WithGuardLogger(logger),
		bidding.WithRecordTTL(config.Idempotency.TTL),
		bidding.WithPendingTTL(config.Idempotency.PendingTTL),
		bidding.WithBucketWidth(config.Idempotency.BucketWidth),
		bidding.WithAmountPrecision(config.Idempotency.AmountPrecision),
	)
	if err != nil {
		impl.closeRedis()
		return nil, fmt.Errorf("[%s] Fail to create idempotency guard, err=%w", op, err)
	}

	// 初始化事件廣播，叢集模式下透過Redis stream轉發到其他節點
	broadcasterOpts := []bidding.BroadcasterOption{
		bidding.WithBroadcasterLogger(logger),
		bidding.WithLogSize(config.Broadcaster.LogSize),
		bidding.WithRetention(config.Broadcaster.Retention),
		bidding.WithMaxFeed(config.Broadcaster.MaxFeed),
		bidding.WithSubscriberBuffer(config.Broadcaster.SubscriberBuffer),
	}
	engineOpts := []bidding.EngineOption{}
	if config.Cluster {
		impl.relay, err = redisAdapter.NewEventRelay(impl.redisClient, config.Redis.StreamKeys.Events, config.NodeID,
			redisAdapter.WithRelayLogger(logger),
			redisAdapter.WithRelayMaxLen(config.Broadcaster.StreamMaxLen),
		)
		if err != nil {
			impl.closeRedis()
			return nil, fmt.Errorf("[%s] Fail to create event relay, err=%w", op, err)
		}
		broadcasterOpts = append(broadcasterOpts, bidding.WithRelay(impl.relay))

		leaser, err := redisAdapter.NewLeaser(impl.redisClient,
			redisAdapter.WithLeasePrefix(config.Redis.KeyPrefix+"lot"),
			redisAdapter.WithLeaseExpiry(config.Engine.LeaseExpiry),
			redisAdapter.WithLeaseLogger(logger),
		)
		if err != nil {
			impl.closeRedis()
			return nil, fmt.Errorf("[%s] Fail to create leaser, err=%w", op, err)
		}
		engineOpts = append(engineOpts, bidding.WithLease(leaser.LeaseFunc()))
	}
	impl.broadcaster = bidding.NewBroadcaster(broadcasterOpts...)

	// 初始化出價引擎
	policy := bidding.DefaultPolicy()
	policy.AllowSelfOutbid = config.Engine.AllowSelfOutbid
	if config.Engine.Increments != "" {
		if policy.Increments, err = bidding.ParseIncrementTable(config.Engine.Increments); err != nil {
			impl.closeRedis()
			return nil, fmt.Errorf("[%s] Fail to parse increment table, err=%w", op, err)
		}
	}
	engineOpts = append(engineOpts,
		bidding.WithLogger(logger),
		bidding.WithPolicy(policy),
		bidding.WithLotWait(config.Engine.LotWait),
		bidding.WithMaxWaiters(config.Engine.MaxWaiters),
		bidding.WithReclaimGrace(config.Engine.ReclaimGrace),
		bidding.WithPersistRetries(config.Engine.PersistRetries, config.Engine.PersistBackoff),
		bidding.WithPersistTimeout(config.Engine.PersistTimeout),
	)
	impl.engine, err = bidding.NewEngine(store, guard, impl.broadcaster, engineOpts...)
	if err != nil {
		impl.broadcaster.Close()
		impl.closeRedis()
		return nil, fmt.Errorf("[%s] Fail to create engine, err=%w", op, err)
	}

	impl.handler = NewHandler(impl.engine,
		WithHandlerLogger(logger),
		WithKeepAlive(config.KeepAlive),
	)
	return impl, nil
}

func (impl *Server) openStore(ctx context.Context) (bidding.Store, error) {
	if impl.config.Store != "postgres" {
		impl.logger.Warn("using in-memory store, lots are not persisted")
		lots, err := LoadSeed(impl.config.Seed, impl.config.SoftClose)
		if err != nil {
			return nil, err
		}
		return bidding.NewMemoryStore(lots...), nil
	}

	db, err := postgres.Open(impl.config.DB)
	if err != nil {
		return nil, err
	}
	if impl.config.Migrate {
		if err := postgres.Migrate(ctx, db, goose.DialectPostgres, impl.logger); err != nil {
			return nil, err
		}
	}
	return postgres.NewStore(db,
		postgres.WithLogger(impl.logger),
		postgres.WithDefaultSoftClose(impl.config.SoftClose),
	)
}

// Handler 回傳 HTTP 處理器，用於註冊路由
func (impl *Server) Handler() *Handler {
	return impl.handler
}

// Start 依序啟動各元件，並為所有未結標的拍品排定計時器
func (impl *Server) Start(ctx context.Context) error {
	const op = "Server.Start"

	if impl.records != nil {
		impl.records.Start()
	}
	impl.broadcaster.Start()
	if impl.relay != nil {
		impl.relay.Start(impl.broadcaster)
	}
	if err := impl.engine.Start(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to start engine, err=%w", op, err)
	}
	impl.logger.Info("server started", slog.String("node", impl.config.NodeID), slog.Bool("cluster", impl.config.Cluster))
	return nil
}

// Close 先停止接受出價，再關閉事件轉發和連線
func (impl *Server) Close() {
	impl.engine.Close()
	if impl.relay != nil {
		impl.relay.Close()
	}
	impl.broadcaster.Close()
	if impl.records != nil {
		impl.records.Close()
	}
	impl.closeRedis()
	impl.logger.Info("server closed")
}

func (impl *Server) closeRedis() {
	if impl.redisClient == nil {
		return
	}
	if err := impl.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		impl.logger.Warn("fail to close redis client", slog.Any("error", err))
	}
	impl.redisClient = nil
}
