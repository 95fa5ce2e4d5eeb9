package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config 是資料庫連線設定
type Config struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

func (c Config) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
	if c.Schema != "" {
		dsn += "&search_path=" + c.Schema
	}
	return dsn
}

// Open 建立 gorm 連線
func Open(config Config) (*gorm.DB, error) {
	const op = "postgres.Open"

	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}
	if config.Schema != "" {
		gormConfig.NamingStrategy = schema.NamingStrategy{TablePrefix: config.Schema + "."}
	}
	db, err := gorm.Open(postgres.Open(config.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	return db, nil
}

// Migrate 執行內嵌的 goose migration
func Migrate(ctx context.Context, db *gorm.DB, dialect goose.Dialect, log *slog.Logger) error {
	const op = "postgres.Migrate"

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("[%s] Fail to get sql.DB, err=%w", op, err)
	}
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("[%s] Fail to open migrations, err=%w", op, err)
	}
	provider, err := goose.NewProvider(dialect, sqlDB, migrations)
	if err != nil {
		return fmt.Errorf("[%s] Fail to create migration provider, err=%w", op, err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to run migrations, err=%w", op, err)
	}
	for _, result := range results {
		log.Info("migration applied",
			slog.Int64("version", result.Source.Version),
			slog.Duration("duration", result.Duration))
	}
	return nil
}
