package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/pkg/utils"
)

// ErrStopped возвращается при обращении к остановленному движку
var ErrStopped = errors.New("engine stopped")

// Флаги переоценки политики
const (
	flagSetup = 1 << iota
	flagActivity
	flagLocation
	flagProfile
)

// unknownDebounce окно, в котором Unknown после реальной активности игнорируется
const unknownDebounce = 2 * time.Minute

const defaultQueueSize = 64

// Dependencies внешние коллабораторы движка
type Dependencies struct {
	Activity ActivitySource
	Location LocationSource
	Storage  Storage
	Clock    Clock
	Alarm    AlarmScheduler
	WakeLock WakeLock
	Logger   *utils.Logger
}

// Option настройка движка
type Option func(*Engine)

// WithQueueSize задает размер очереди задач
func WithQueueSize(n int) Option {
	return func(e *Engine) { e.queueSize = n }
}

// WithUnits задает систему единиц строки статуса
func WithUnits(u models.Units) Option {
	return func(e *Engine) { e.st.units = u }
}

// state изменяемое состояние, доступное только из горутины очереди
type state struct {
	running bool
	profile *models.Profile
	units   models.Units

	activityConnected bool
	locationConnected bool

	activity       models.Activity
	confidence     int
	lastNonUnknown time.Duration
	hasNonUnknown  bool

	lastFix      *models.RawFix
	lastSample   *models.LocationSample
	duplicates   int
	segmentStart bool
	battery      models.Battery

	lastProfileUpdate time.Duration
	relax             relaxSlot

	locationAccuracy models.Accuracy
	locationInterval int
	activityInterval int
}

// Engine движок адаптивной политики сэмплирования
type Engine struct {
	deps      Dependencies
	logger    *utils.Logger
	worker    *Worker
	queueSize int

	st state

	statusMu sync.RWMutex
	status   Status
	events   *Broadcaster

	stopOnce sync.Once
	stopCh   chan StopReason
}

// New создает движок. Обязательны Activity, Location и Storage.
func New(deps Dependencies, opts ...Option) *Engine {
	if deps.Logger == nil {
		deps.Logger = utils.DefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = NewSystemClock()
	}
	if deps.WakeLock == nil {
		deps.WakeLock = NopWakeLock{}
	}

	e := &Engine{
		logger:    deps.Logger.WithField("component", "engine"),
		queueSize: defaultQueueSize,
		events:    NewBroadcaster(),
		stopCh:    make(chan StopReason, 1),
		st: state{
			segmentStart:     true,
			locationAccuracy: models.AccuracyNone,
			locationInterval: intervalUnset,
			activityInterval: intervalUnset,
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	if deps.Alarm == nil {
		deps.Alarm = NewTimerAlarm(deps.Clock, func() {
			if err := e.OnAlarmFired(context.Background()); err != nil && !errors.Is(err, ErrStopped) {
				e.logger.WithError(err).Error("Alarm re-evaluation failed")
			}
		})
	}
	e.deps = deps
	e.worker = NewWorker(e.queueSize, deps.WakeLock, e.logger)
	return e
}

// Start запускает очередь и применяет начальные подписки
func (e *Engine) Start(ctx context.Context) error {
	e.worker.Start()
	return e.do(ctx, "start", func(ctx context.Context) error {
		e.st.running = true
		e.st.lastProfileUpdate = e.deps.Clock.Elapsed()
		e.logger.Info("Engine started")
		return e.reevaluate(ctx, flagSetup)
	})
}

// Stop отменяет подписки и будильник последней задачей очереди
func (e *Engine) Stop(ctx context.Context) error {
	err := e.worker.Shutdown(ctx, func(ctx context.Context) error {
		var errs []error
		if err := e.deps.Location.Unsubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe location: %w", err))
		}
		if err := e.deps.Activity.Unsubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe activity: %w", err))
		}
		e.deps.Alarm.Cancel()
		e.st.relax.clear()
		e.st.running = false
		e.st.locationAccuracy = models.AccuracyNone
		e.st.locationInterval = intervalUnset
		e.st.activityInterval = intervalUnset
		e.publishStatus()
		e.logger.Info("Engine stopped")
		return errors.Join(errs...)
	})
	e.events.CloseAll()
	if errors.Is(err, ErrQueueClosed) {
		return nil
	}
	return err
}

// StopRequested сигнализирует, что запись нужно остановить (Off профиль или сбой подключения)
func (e *Engine) StopRequested() <-chan StopReason {
	return e.stopCh
}

// Subscribe подписка на снимки статуса
func (e *Engine) Subscribe(buffer int) (<-chan Status, func()) {
	return e.events.Subscribe(buffer)
}

// Snapshot возвращает последний опубликованный статус
func (e *Engine) Snapshot() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	s := e.status
	if s.LastSample != nil {
		s.LastSample = s.LastSample.Clone()
	}
	return s
}

// OnActivityDetected обрабатывает результат распознавания активности
func (e *Engine) OnActivityDetected(ctx context.Context, activity models.Activity, confidence int) error {
	return e.do(ctx, "activity", func(ctx context.Context) error {
		st := &e.st
		if st.profile != nil && !st.profile.ActivityRecognitionEnabled() {
			e.logger.WithField("activity", activity.String()).Debug("Activity recognition disabled by profile, ignoring")
			return nil
		}

		now := e.deps.Clock.Elapsed()
		if activity == models.ActivityUnknown && st.hasNonUnknown &&
			now > st.lastNonUnknown && now < st.lastNonUnknown+unknownDebounce {
			e.logger.Debug("Unknown activity within debounce window, ignoring")
			return nil
		}
		if activity != models.ActivityUnknown {
			st.lastNonUnknown = now
			st.hasNonUnknown = true
		}

		st.activity = activity
		st.confidence = clamp(confidence, 0, 100)
		return e.reevaluate(ctx, flagActivity)
	})
}

// OnLocationFix обрабатывает новый фикс
func (e *Engine) OnLocationFix(ctx context.Context, fix models.RawFix) error {
	if err := fix.Validate(); err != nil {
		return err
	}
	return e.do(ctx, "location", func(ctx context.Context) error {
		if fix.Time.IsZero() {
			fix.Time = e.deps.Clock.Now()
		}
		e.st.lastFix = &fix
		return e.reevaluate(ctx, flagLocation)
	})
}

// OnProfileChanged переключает движок на переданный профиль
func (e *Engine) OnProfileChanged(ctx context.Context, profile *models.Profile) error {
	return e.do(ctx, "profile", func(ctx context.Context) error {
		if profile == nil {
			off, err := e.deps.Storage.GetOffProfile(ctx)
			if err != nil {
				return fmt.Errorf("load off profile: %w", err)
			}
			profile = off
		}
		return e.applyProfile(ctx, profile)
	})
}

// SelectProfile загружает профиль по id; если его нет, используется Off
func (e *Engine) SelectProfile(ctx context.Context, id int64) error {
	return e.do(ctx, "profile", func(ctx context.Context) error {
		p, err := e.loadProfile(ctx, id)
		if err != nil {
			return err
		}
		return e.applyProfile(ctx, p)
	})
}

// OnProfileUpdated перечитывает профиль, если изменен именно текущий
func (e *Engine) OnProfileUpdated(ctx context.Context, id int64) error {
	return e.do(ctx, "profile_updated", func(ctx context.Context) error {
		if e.st.profile == nil || e.st.profile.ID != id {
			return nil
		}
		p, err := e.loadProfile(ctx, id)
		if err != nil {
			return err
		}
		return e.applyProfile(ctx, p)
	})
}

// OnBatteryChanged запоминает уровень заряда, без переоценки
func (e *Engine) OnBatteryChanged(ctx context.Context, level int, charging bool) error {
	return e.do(ctx, "battery", func(ctx context.Context) error {
		e.st.battery = models.Battery{Level: clamp(level, 0, 100), Charging: charging}
		return nil
	})
}

// OnAlarmFired переоценивает политику, чтобы применить отложенное понижение
func (e *Engine) OnAlarmFired(ctx context.Context) error {
	return e.do(ctx, "alarm", func(ctx context.Context) error {
		return e.reevaluate(ctx, 0)
	})
}

// SetUnits меняет систему единиц строки статуса
func (e *Engine) SetUnits(ctx context.Context, units models.Units) error {
	return e.do(ctx, "units", func(ctx context.Context) error {
		e.st.units = units
		return e.reevaluate(ctx, 0)
	})
}

// OnSourceConnected отмечает источник подключенным
func (e *Engine) OnSourceConnected(ctx context.Context, kind SourceKind) error {
	return e.do(ctx, "connected", func(ctx context.Context) error {
		e.setConnected(kind, true)
		e.logger.WithField("source", kind.String()).Info("Source connected")
		return e.reevaluate(ctx, flagSetup)
	})
}

// OnSourceDisconnected отмечает источник отключенным. Подписка будет выдана заново после переподключения.
func (e *Engine) OnSourceDisconnected(ctx context.Context, kind SourceKind) error {
	return e.do(ctx, "disconnected", func(ctx context.Context) error {
		e.setConnected(kind, false)
		if kind == SourceLocation {
			e.st.locationAccuracy = models.AccuracyNone
			e.st.locationInterval = intervalUnset
		} else {
			e.st.activityInterval = intervalUnset
		}
		e.logger.WithField("source", kind.String()).Warn("Source disconnected")
		return nil
	})
}

// OnSourceFailed сбой подключения фатален для экземпляра движка
func (e *Engine) OnSourceFailed(ctx context.Context, kind SourceKind, cause error) error {
	return e.do(ctx, "connection_failed", func(ctx context.Context) error {
		e.setConnected(kind, false)
		e.logger.WithField("source", kind.String()).WithError(cause).Error("Source connection failed")
		e.signalStop(StopConnectionFailed)
		return nil
	})
}

func (e *Engine) setConnected(kind SourceKind, v bool) {
	if kind == SourceLocation {
		e.st.locationConnected = v
	} else {
		e.st.activityConnected = v
	}
}

func (e *Engine) do(ctx context.Context, kind string, fn taskFunc) error {
	metrics.EngineEvents.WithLabelValues(kind).Inc()
	err := e.worker.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		e.publishStatus()
		return err
	})
	if errors.Is(err, ErrQueueClosed) {
		return ErrStopped
	}
	return err
}

func (e *Engine) loadProfile(ctx context.Context, id int64) (*models.Profile, error) {
	p, err := e.deps.Storage.GetProfileByID(ctx, id)
	if err == nil && p != nil {
		return p, nil
	}
	e.logger.WithField("profile_id", id).WithError(err).Warn("Profile not found, falling back to Off")

	off, offErr := e.deps.Storage.GetOffProfile(ctx)
	if offErr != nil {
		return nil, fmt.Errorf("load off profile: %w", offErr)
	}
	return off, nil
}

func (e *Engine) applyProfile(ctx context.Context, p *models.Profile) error {
	st := &e.st
	st.profile = p.Clone()
	st.profile.Normalize()

	st.activity = models.ActivityUnknown
	st.confidence = 0
	st.relax.clear()
	e.deps.Alarm.Cancel()
	st.lastProfileUpdate = e.deps.Clock.Elapsed()

	e.logger.WithFields(map[string]interface{}{
		"profile_id":   st.profile.ID,
		"profile_name": st.profile.Name,
	}).Info("Profile applied")

	return e.reevaluate(ctx, flagProfile)
}

// reevaluate пересчитывает нужные подписки и решает судьбу фикса
func (e *Engine) reevaluate(ctx context.Context, flags int) error {
	st := &e.st
	if !st.activityConnected || !st.locationConnected || st.profile == nil {
		return nil
	}

	if st.profile.IsOff() {
		e.signalStop(StopOffProfile)
		return nil
	}

	now := e.deps.Clock.Elapsed()
	if flags&flagProfile != 0 {
		st.activity = models.ActivityUnknown
		st.confidence = 0
		st.relax.clear()
		st.lastProfileUpdate = now
	}

	tier := st.locationAccuracy

	applied, _ := e.gate(now, wantedSampling(st.profile.Settings(st.activity)))

	if err := e.applyLocation(ctx, applied); err != nil {
		return err
	}
	if err := e.applyActivity(ctx, applied); err != nil {
		return err
	}

	switch {
	case flags&flagActivity != 0:
		e.trackActivity()
	case flags&flagLocation != 0:
		return e.admitLocation(ctx, tier)
	}
	return nil
}

func (e *Engine) applyLocation(ctx context.Context, s sampling) error {
	st := &e.st
	if s.accuracy == st.locationAccuracy && s.locationInterval == st.locationInterval {
		return nil
	}

	if err := e.deps.Location.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe location: %w", err)
	}

	if s.accuracy != models.AccuracyNone && s.locationInterval > 0 {
		if st.locationAccuracy == models.AccuracyNone || st.locationInterval <= 0 {
			st.segmentStart = true
		}

		interval := time.Duration(s.locationInterval) * time.Second
		req := LocationRequest{
			Accuracy:        s.accuracy,
			Interval:        interval,
			FastestInterval: interval / 4,
			Priority:        s.accuracy.Priority(),
		}
		if err := e.deps.Location.Subscribe(ctx, req); err != nil {
			st.locationAccuracy = models.AccuracyNone
			st.locationInterval = intervalUnset
			return fmt.Errorf("subscribe location: %w", err)
		}
	}

	e.logger.WithFields(map[string]interface{}{
		"accuracy":   s.accuracy.String(),
		"interval_s": s.locationInterval,
	}).Info("Location subscription changed")
	metrics.LocationSubscriptionChanges.WithLabelValues(s.accuracy.String()).Inc()

	st.locationAccuracy = s.accuracy
	st.locationInterval = s.locationInterval
	return nil
}

func (e *Engine) applyActivity(ctx context.Context, s sampling) error {
	st := &e.st
	if s.activityInterval == st.activityInterval {
		return nil
	}

	if err := e.deps.Activity.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe activity: %w", err)
	}

	if s.activityInterval == 0 && st.activityInterval != 0 {
		st.activity = models.ActivityUnknown
		st.confidence = 0
	}

	if s.activityInterval > 0 {
		if err := e.deps.Activity.Subscribe(ctx, time.Duration(s.activityInterval)*time.Second); err != nil {
			st.activityInterval = intervalUnset
			return fmt.Errorf("subscribe activity: %w", err)
		}
	}

	e.logger.WithField("interval_s", s.activityInterval).Info("Activity subscription changed")
	st.activityInterval = s.activityInterval
	return nil
}

func (e *Engine) relaxScheduled() {
	metrics.RelaxScheduled.Inc()
	e.logger.WithField("relax_in_s", e.st.profile.RelaxDelay()).Debug("Relax scheduled")
}

func (e *Engine) signalStop(reason StopReason) {
	e.stopOnce.Do(func() {
		e.logger.WithField("reason", string(reason)).Info("Engine requests stop")
		e.stopCh <- reason
	})
}

func (e *Engine) publishStatus() {
	st := &e.st
	now := e.deps.Clock.Elapsed()

	s := Status{
		Running:           st.running,
		Activity:          st.activity,
		Confidence:        st.confidence,
		LocationAccuracy:  st.locationAccuracy,
		LocationInterval:  st.locationInterval,
		ActivityInterval:  st.activityInterval,
		ActivityConnected: st.activityConnected,
		LocationConnected: st.locationConnected,
		RelaxPending:      st.relax.pending,
		Duplicates:        st.duplicates,
		Line:              StatusLine(st.lastSample, st.units),
		UpdatedAt:         e.deps.Clock.Now(),
	}
	if st.relax.pending {
		s.RelaxIn = st.relax.remaining(now)
	}
	if st.profile != nil {
		s.ProfileID = st.profile.ID
		s.ProfileName = st.profile.Name
	}
	if st.lastSample != nil {
		s.LastSample = st.lastSample.Clone()
	}

	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()

	e.events.Publish(s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
