package repository

import (
	"context"
	"errors"
	"time"

	"github.com/flybeeper/geolog/internal/models"
)

var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("not found")
	// ErrOffProfile служебный профиль Off нельзя удалить или изменить
	ErrOffProfile = errors.New("off profile is read-only")
)

// SampleQuery фильтр выборки сэмплов. Нулевые значения не ограничивают выборку.
type SampleQuery struct {
	From    time.Time
	To      time.Time
	AfterID int64
	Limit   int
}

// Storage хранилище сэмплов и профилей
type Storage interface {
	// Сэмплы
	SaveSample(ctx context.Context, sample *models.LocationSample) (int64, error)
	ListSamples(ctx context.Context, q SampleQuery) ([]*models.LocationSample, error)
	CountSamples(ctx context.Context) (int64, error)
	DeleteAllSamples(ctx context.Context) error

	// Профили
	SaveProfile(ctx context.Context, profile *models.Profile) (int64, error)
	GetProfileByID(ctx context.Context, id int64) (*models.Profile, error)
	GetOffProfile(ctx context.Context) (*models.Profile, error)
	ListProfiles(ctx context.Context) ([]*models.Profile, error)
	DeleteProfile(ctx context.Context, id int64) error

	Close() error
}

// Preferences пользовательские настройки: выбранный профиль и единицы
type Preferences interface {
	CurrentProfileID(ctx context.Context) (int64, bool, error)
	SetCurrentProfileID(ctx context.Context, id int64) error
	Units(ctx context.Context) (models.Units, error)
	SetUnits(ctx context.Context, units models.Units) error
}

// Ensure implementations
var _ Storage = (*SQLStore)(nil)
var _ Storage = (*MemoryStore)(nil)
var _ Preferences = (*MemoryPreferences)(nil)
var _ Preferences = (*RedisPreferences)(nil)
