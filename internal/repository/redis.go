package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flybeeper/geolog/internal/config"
	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/pkg/utils"
)

const (
	// PrefsKeyPrefix хеш настроек устройства: geolog:prefs:{device}
	PrefsKeyPrefix = "geolog:prefs:"
	// PrefsChangedChannel канал уведомлений об изменении настроек
	PrefsChangedChannel = "geolog:prefs:changed"

	// Поля хеша настроек
	PrefsFieldProfileID = "profile_id"
	PrefsFieldUnits     = "units"
)

// PreferenceChange уведомление об изменении настройки
type PreferenceChange struct {
	Device string `json:"device"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

// ProfileID значение изменения как id профиля
func (c PreferenceChange) ProfileID() (int64, bool) {
	if c.Field != PrefsFieldProfileID {
		return 0, false
	}
	id, err := strconv.ParseInt(c.Value, 10, 64)
	return id, err == nil
}

// Units значение изменения как система единиц
func (c PreferenceChange) Units() (models.Units, bool) {
	if c.Field != PrefsFieldUnits {
		return models.UnitsMetric, false
	}
	u, err := models.ParseUnits(c.Value)
	return u, err == nil
}

// RedisPreferences настройки в Redis, общие для нескольких экземпляров API
type RedisPreferences struct {
	client *redis.Client
	device string
	units  models.Units
	logger *utils.Logger
}

// NewRedisPreferences подключается к Redis. defaultUnits возвращается, пока единицы не заданы.
func NewRedisPreferences(cfg *config.RedisConfig, device string, defaultUnits models.Units, logger *utils.Logger) (*RedisPreferences, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	// Парсим Redis URL
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return newRedisPreferences(redis.NewClient(opt), device, defaultUnits, logger), nil
}

func newRedisPreferences(client *redis.Client, device string, defaultUnits models.Units, logger *utils.Logger) *RedisPreferences {
	if device == "" {
		device = "default"
	}
	return &RedisPreferences{
		client: client,
		device: device,
		units:  defaultUnits,
		logger: logger.WithField("component", "redis_prefs"),
	}
}

// Ping проверяет соединение с Redis
func (p *RedisPreferences) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (p *RedisPreferences) Close() error {
	return p.client.Close()
}

func (p *RedisPreferences) key() string {
	return PrefsKeyPrefix + p.device
}

func observe(operation string, start time.Time) {
	metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (p *RedisPreferences) CurrentProfileID(ctx context.Context) (int64, bool, error) {
	defer observe("prefs_get", time.Now())

	v, err := p.client.HGet(ctx, p.key(), PrefsFieldProfileID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current profile: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid stored profile id %q: %w", v, err)
	}
	return id, true, nil
}

func (p *RedisPreferences) SetCurrentProfileID(ctx context.Context, id int64) error {
	return p.set(ctx, PrefsFieldProfileID, strconv.FormatInt(id, 10))
}

func (p *RedisPreferences) Units(ctx context.Context) (models.Units, error) {
	defer observe("prefs_get", time.Now())

	v, err := p.client.HGet(ctx, p.key(), PrefsFieldUnits).Result()
	if errors.Is(err, redis.Nil) {
		return p.units, nil
	}
	if err != nil {
		return p.units, fmt.Errorf("failed to get units: %w", err)
	}
	return models.ParseUnits(v)
}

func (p *RedisPreferences) SetUnits(ctx context.Context, units models.Units) error {
	return p.set(ctx, PrefsFieldUnits, units.String())
}

// set записывает поле и публикует изменение одной транзакцией
func (p *RedisPreferences) set(ctx context.Context, field, value string) error {
	defer observe("prefs_set", time.Now())

	payload, err := json.Marshal(PreferenceChange{Device: p.device, Field: field, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal preference change: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.key(), field, value)
	pipe.Publish(ctx, PrefsChangedChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s: %w", field, err)
	}
	return nil
}

// Watch вызывает fn для каждого изменения настроек этого устройства, пока не отменен ctx
func (p *RedisPreferences) Watch(ctx context.Context, fn func(PreferenceChange)) error {
	sub := p.client.Subscribe(ctx, PrefsChangedChannel)
	defer sub.Close()

	// Дожидаемся подтверждения подписки
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", PrefsChangedChannel, err)
	}
	p.logger.WithField("channel", PrefsChangedChannel).Info("Watching preference changes")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change PreferenceChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				p.logger.WithError(err).Warn("Invalid preference change payload")
				continue
			}
			if change.Device != p.device {
				continue
			}
			fn(change)
		}
	}
}
