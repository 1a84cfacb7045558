package engine

import (
	"context"
	"time"

	"github.com/flybeeper/geolog/internal/models"
)

// SourceKind источник событий, с которым работает движок
type SourceKind int

const (
	SourceActivity SourceKind = iota
	SourceLocation
)

func (k SourceKind) String() string {
	if k == SourceLocation {
		return "location"
	}
	return "activity"
}

// LocationRequest параметры подписки на локации
type LocationRequest struct {
	Accuracy        models.Accuracy
	Interval        time.Duration
	FastestInterval time.Duration
	Priority        string
}

// ActivitySource источник распознавания активности
type ActivitySource interface {
	Subscribe(ctx context.Context, interval time.Duration) error
	Unsubscribe(ctx context.Context) error
}

// LocationSource источник фиксов локации
type LocationSource interface {
	Subscribe(ctx context.Context, req LocationRequest) error
	Unsubscribe(ctx context.Context) error
}

// Clock источник времени. Elapsed монотонный и используется для задержек,
// Now дает настенное время для меток сэмплов.
type Clock interface {
	Elapsed() time.Duration
	Now() time.Time
}

// AlarmScheduler одноразовый будильник в монотонном времени.
// ScheduleOnce заменяет ранее взведенный будильник, Cancel идемпотентен.
type AlarmScheduler interface {
	ScheduleOnce(at time.Duration)
	Cancel()
}

// Storage часть хранилища, которая нужна движку
type Storage interface {
	SaveSample(ctx context.Context, sample *models.LocationSample) (int64, error)
	GetProfileByID(ctx context.Context, id int64) (*models.Profile, error)
	GetOffProfile(ctx context.Context) (*models.Profile, error)
}

// WakeLock удерживается на время обработки одной задачи
type WakeLock interface {
	Acquire()
	Release()
}

// NopWakeLock ничего не делает, подходит для серверного окружения
type NopWakeLock struct{}

func (NopWakeLock) Acquire() {}
func (NopWakeLock) Release() {}

// StopReason причина, по которой движок просит остановить запись
type StopReason string

const (
	StopOffProfile       StopReason = "off_profile"
	StopConnectionFailed StopReason = "connection_failed"
)
