package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bidengine/adapters/postgres"
	"bidengine/api"
	"bidengine/bidding"
)

func ParseArgs() Args {
	d := api.DefaultServerConfig()
	hostname, _ := os.Hostname()

	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.String("node-id", hostname, "node identity used by the event relay")
	pflag.Bool("cluster", false, "share lots between nodes through redis")
	pflag.Duration("keep-alive", d.KeepAlive, "heartbeat interval of event streams")

	// store config
	pflag.String("store", d.Store, "memory or postgres")
	pflag.String("seed", "", "json file of lots loaded by the memory store")
	pflag.Bool("migrate", false, "run database migrations on start")

	// db config
	pflag.String("db-user", d.DB.User, "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", d.DB.Host, "")
	pflag.Int("db-port", d.DB.Port, "")
	pflag.String("db-database", d.DB.Database, "")
	pflag.String("db-schema", d.DB.Schema, "")

	// redis config
	pflag.String("redis-addr", d.Redis.Addr, "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", d.Redis.KeyPrefix, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", d.Redis.StreamKeys.Events, "")

	// engine config
	pflag.Duration("lot-wait", d.Engine.LotWait, "max wait for a busy lot")
	pflag.Int("lot-max-waiters", d.Engine.MaxWaiters, "max queued requests per lot, 0 for unlimited")
	pflag.Duration("lot-grace", d.Engine.ReclaimGrace, "how long a closed lot stays in memory")
	pflag.Uint64("persist-retries", d.Engine.PersistRetries, "")
	pflag.Duration("persist-backoff", d.Engine.PersistBackoff, "")
	pflag.Duration("persist-timeout", d.Engine.PersistTimeout, "")
	pflag.Duration("lease-expiry", d.Engine.LeaseExpiry, "lot ownership lease in cluster mode")
	pflag.String("increment-tiers", "", `default increment table, e.g. "0:1,100:5,1000:10"`)
	pflag.Bool("allow-self-outbid", d.Engine.AllowSelfOutbid, "")

	// soft close defaults
	pflag.Bool("soft-close-enabled", d.SoftClose.Enabled, "")
	pflag.Duration("soft-close-trigger", d.SoftClose.TriggerThreshold, "")
	pflag.Duration("soft-close-extension", d.SoftClose.ExtensionLength, "")
	pflag.Int("soft-close-max-extensions", d.SoftClose.MaxExtensions, "")

	// idempotency config
	pflag.String("idempotency-store", d.Idempotency.Store, "memory or redis")
	pflag.Duration("idempotency-ttl", d.Idempotency.TTL, "")
	pflag.Duration("idempotency-pending-ttl", d.Idempotency.PendingTTL, "")
	pflag.Duration("idempotency-bucket", d.Idempotency.BucketWidth, "")
	pflag.Int32("idempotency-precision", d.Idempotency.AmountPrecision, "")

	// feed config
	pflag.Int("feed-log-size", d.Broadcaster.LogSize, "events kept per lot")
	pflag.Duration("feed-retention", d.Broadcaster.Retention, "how long events of a closed lot are kept")
	pflag.Int("feed-max", d.Broadcaster.MaxFeed, "max events per feed page")
	pflag.Int("feed-subscriber-buffer", d.Broadcaster.SubscriberBuffer, "")
	pflag.Int64("feed-stream-maxlen", d.Broadcaster.StreamMaxLen, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BIDENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		LogLevel:  viper.GetString("log-level"),
		ServerConfig: api.ServerConfig{
			NodeID:  viper.GetString("node-id"),
			Cluster: viper.GetBool("cluster"),
			Migrate: viper.GetBool("migrate"),
			Store:   viper.GetString("store"),
			Seed:    viper.GetString("seed"),
			DB: postgres.Config{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					Events: viper.GetString("redis-stream-key-for-events"),
				},
			},
			Engine: api.EngineConfig{
				LotWait:         viper.GetDuration("lot-wait"),
				MaxWaiters:      viper.GetInt("lot-max-waiters"),
				ReclaimGrace:    viper.GetDuration("lot-grace"),
				PersistRetries:  viper.GetUint64("persist-retries"),
				PersistBackoff:  viper.GetDuration("persist-backoff"),
				PersistTimeout:  viper.GetDuration("persist-timeout"),
				LeaseExpiry:     viper.GetDuration("lease-expiry"),
				Increments:      viper.GetString("increment-tiers"),
				AllowSelfOutbid: viper.GetBool("allow-self-outbid"),
			},
			SoftClose: bidding.SoftCloseConfig{
				Enabled:          viper.GetBool("soft-close-enabled"),
				TriggerThreshold: viper.GetDuration("soft-close-trigger"),
				ExtensionLength:  viper.GetDuration("soft-close-extension"),
				MaxExtensions:    viper.GetInt("soft-close-max-extensions"),
			},
			Idempotency: api.IdempotencyConfig{
				Store:           viper.GetString("idempotency-store"),
				TTL:             viper.GetDuration("idempotency-ttl"),
				PendingTTL:      viper.GetDuration("idempotency-pending-ttl"),
				BucketWidth:     viper.GetDuration("idempotency-bucket"),
				AmountPrecision: viper.GetInt32("idempotency-precision"),
			},
			Broadcaster: api.BroadcasterConfig{
				LogSize:          viper.GetInt("feed-log-size"),
				Retention:        viper.GetDuration("feed-retention"),
				MaxFeed:          viper.GetInt("feed-max"),
				SubscriberBuffer: viper.GetInt("feed-subscriber-buffer"),
				StreamMaxLen:     viper.GetInt64("feed-stream-maxlen"),
			},
			KeepAlive: viper.GetDuration("keep-alive"),
		},
	}
}

type Args struct {
	ServerURL    string
	LogLevel     string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() error {
	config := args.ServerConfig
	switch {
	case args.ServerURL == "":
		return fmt.Errorf("server-url is required")
	case config.NodeID == "":
		return fmt.Errorf("node-id is required")
	case config.Store != "memory" && config.Store != "postgres":
		return fmt.Errorf("unknown store %q", config.Store)
	case config.Store == "postgres" && (config.DB.Host == "" || config.DB.Database == ""):
		return fmt.Errorf("db-host and db-database are required by the postgres store")
	case config.Idempotency.Store != "memory" && config.Idempotency.Store != "redis":
		return fmt.Errorf("unknown idempotency store %q", config.Idempotency.Store)
	case (config.Cluster || config.Idempotency.Store == "redis") && config.Redis.Addr == "":
		return fmt.Errorf("redis-addr is required")
	case config.Cluster && config.Redis.StreamKeys.Events == "":
		return fmt.Errorf("redis-stream-key-for-events is required in cluster mode")
	case config.Cluster && config.Store == "memory":
		return fmt.Errorf("cluster mode needs a shared store")
	}
	if _, err := args.Level(); err != nil {
		return err
	}
	return nil
}

// Level 解析日誌等級
func (args Args) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(args.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log-level %q", args.LogLevel)
	}
	return level, nil
}
