package repository

import (
	"context"
	"fmt"

	"github.com/flybeeper/geolog/internal/config"
	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/pkg/utils"
)

// Open создает хранилище по драйверу из конфигурации
func Open(ctx context.Context, cfg *config.StorageConfig, logger *utils.Logger) (Storage, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteStore(ctx, cfg.SQLitePath, logger)
	case "mysql":
		return NewMySQLStore(ctx, cfg, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// OpenPreferences создает хранилище настроек по PREFERENCES_BACKEND.
// Redis проверяется ping'ом при открытии.
func OpenPreferences(ctx context.Context, cfg *config.Config, logger *utils.Logger) (Preferences, error) {
	units, err := models.ParseUnits(cfg.Engine.Units)
	if err != nil {
		return nil, err
	}

	switch cfg.Engine.PreferencesBackend {
	case "memory", "":
		return NewMemoryPreferences(units), nil
	case "redis":
		prefs, err := NewRedisPreferences(&cfg.Redis, cfg.MQTT.DeviceID, units, logger)
		if err != nil {
			return nil, err
		}
		if err := prefs.Ping(ctx); err != nil {
			prefs.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return prefs, nil
	default:
		return nil, fmt.Errorf("unknown preferences backend %q", cfg.Engine.PreferencesBackend)
	}
}
