package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flybeeper/geolog/internal/config"
	"github.com/flybeeper/geolog/pkg/utils"
)

// NewMySQLStore подключается к MySQL по DSN из конфигурации
func NewMySQLStore(ctx context.Context, cfg *config.StorageConfig, logger *utils.Logger) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage config cannot be nil")
	}
	if cfg.MySQLDSN == "" {
		return nil, fmt.Errorf("mysql DSN is required")
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Настройки connection pool
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	return newSQLStore(ctx, db, mysqlDialect, logger)
}
