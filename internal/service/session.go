package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flybeeper/geolog/internal/engine"
	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/internal/mqtt"
	"github.com/flybeeper/geolog/internal/repository"
	"github.com/flybeeper/geolog/pkg/utils"
)

// Connector соединение с брокером, через которое работают оба источника событий
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// PreferenceWatcher источник внешних изменений настроек
type PreferenceWatcher interface {
	Watch(ctx context.Context, fn func(repository.PreferenceChange)) error
}

// Dependencies зависимости сессии
type Dependencies struct {
	Storage     repository.Storage
	Preferences repository.Preferences
	Clock       engine.Clock
	WakeLock    engine.WakeLock
	Logger      *utils.Logger
	QueueSize   int
}

var sourceKinds = []engine.SourceKind{engine.SourceActivity, engine.SourceLocation}

// ErrConnectFailed не удалось подключить источники событий
var ErrConnectFailed = errors.New("event source connection failed")

// Session управляет жизненным циклом движка записи для одного устройства.
// Движок создается при выборе профиля, отличного от Off, и останавливается,
// когда сам просит об этом.
type Session struct {
	deps   Dependencies
	logger *utils.Logger
	status *engine.Broadcaster

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	conn      Connector
	activity  engine.ActivitySource
	location  engine.LocationSource
	eng       *engine.Engine
	engDone   chan struct{}
	selected  *models.Profile
	connected bool
	units     models.Units

	lastMu sync.RWMutex
	last   engine.Status

	wg sync.WaitGroup
}

// NewSession создает сессию; источники подключаются через Attach
func NewSession(deps Dependencies) *Session {
	if deps.Logger == nil {
		deps.Logger = utils.DefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		deps:   deps,
		logger: deps.Logger.WithField("component", "session"),
		status: engine.NewBroadcaster(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach задает соединение и источники событий
func (s *Session) Attach(conn Connector, activity engine.ActivitySource, location engine.LocationSource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.activity = activity
	s.location = location
}

// Start восстанавливает выбранный профиль и подключается к брокеру.
// Ошибка подключения возвращается, но сессия остается рабочей.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	units, err := s.deps.Preferences.Units(ctx)
	if err != nil {
		return fmt.Errorf("load units: %w", err)
	}
	s.mu.Lock()
	s.units = units
	s.mu.Unlock()

	if w, ok := s.deps.Preferences.(PreferenceWatcher); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.Watch(runCtx, s.onPreferenceChange); err != nil && runCtx.Err() == nil {
				s.logger.WithError(err).Error("Preference watcher stopped")
			}
		}()
	}

	profile, err := s.currentProfile(ctx)
	if err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"profile_id":   profile.ID,
		"profile_name": profile.Name,
		"units":        units.String(),
	}).Info("Session starting")

	s.mu.Lock()
	s.selected = profile
	if !profile.IsOff() {
		err = s.startEngineLocked(ctx, profile)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return s.connect(ctx)
}

// Stop останавливает движок и отключается от брокера
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	err := s.stopEngineLocked(ctx)
	if s.conn != nil {
		s.conn.Disconnect()
	}
	s.connected = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.status.CloseAll()
	s.logger.Info("Session stopped")
	return err
}

// connect подключает источники, если соединение еще не установлено
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || conn.IsConnected() {
		return nil
	}

	if err := conn.Connect(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to connect event sources")
		s.mu.Lock()
		if s.eng != nil {
			for _, kind := range sourceKinds {
				if ferr := s.eng.OnSourceFailed(ctx, kind, err); ferr != nil && !errors.Is(ferr, engine.ErrStopped) {
					s.logger.WithError(ferr).Warn("Failed to report source failure")
				}
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return nil
}

// OnConnected вызывается после (пере)подключения к брокеру
func (s *Session) OnConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = true
	s.notifyConnectedLocked(s.ctx)
}

// OnConnectionLost вызывается при потере соединения с брокером
func (s *Session) OnConnectionLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.eng == nil {
		return
	}
	for _, kind := range sourceKinds {
		if derr := s.eng.OnSourceDisconnected(s.ctx, kind); derr != nil && !errors.Is(derr, engine.ErrStopped) {
			s.logger.WithError(derr).Warn("Failed to report source disconnect")
		}
	}
}

func (s *Session) notifyConnectedLocked(ctx context.Context) {
	if s.eng == nil || !s.connected {
		return
	}
	for _, kind := range sourceKinds {
		if err := s.eng.OnSourceConnected(ctx, kind); err != nil && !errors.Is(err, engine.ErrStopped) {
			s.logger.WithError(err).Warn("Failed to report source connect")
		}
	}
}

// HandleEvent передает событие устройства текущему движку
func (s *Session) HandleEvent(ev *mqtt.Event) error {
	ctx := s.runContext()

	if ev.Kind == mqtt.EventProfile {
		_, err := s.SelectProfile(ctx, ev.ProfileID)
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.WithField("profile_id", ev.ProfileID).Warn("Requested profile not found, switching to Off")
			return s.selectOff(ctx)
		}
		return err
	}

	eng := s.current()
	if eng == nil {
		s.logger.WithField("kind", string(ev.Kind)).Debug("Recording stopped, event dropped")
		return nil
	}

	var err error
	switch ev.Kind {
	case mqtt.EventActivity:
		err = eng.OnActivityDetected(ctx, ev.Activity, ev.Confidence)
	case mqtt.EventLocation:
		err = eng.OnLocationFix(ctx, ev.Fix)
	case mqtt.EventBattery:
		err = eng.OnBatteryChanged(ctx, ev.Battery.Level, ev.Battery.Charging)
	}
	if errors.Is(err, engine.ErrStopped) {
		return nil
	}
	return err
}

// SelectProfile делает профиль текущим и сохраняет выбор
func (s *Session) SelectProfile(ctx context.Context, id int64) (*models.Profile, error) {
	p, err := s.deps.Storage.GetProfileByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.applyProfile(ctx, p); err != nil {
		return nil, err
	}
	if err := s.deps.Preferences.SetCurrentProfileID(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("save current profile: %w", err)
	}
	return p, nil
}

func (s *Session) selectOff(ctx context.Context) error {
	off, err := s.deps.Storage.GetOffProfile(ctx)
	if err != nil {
		return fmt.Errorf("load off profile: %w", err)
	}
	_, err = s.SelectProfile(ctx, off.ID)
	return err
}

// CurrentProfile возвращает выбранный профиль; без выбора или при его отсутствии Off
func (s *Session) CurrentProfile(ctx context.Context) (*models.Profile, error) {
	return s.currentProfile(ctx)
}

func (s *Session) currentProfile(ctx context.Context) (*models.Profile, error) {
	id, ok, err := s.deps.Preferences.CurrentProfileID(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current profile id: %w", err)
	}
	if ok {
		p, err := s.deps.Storage.GetProfileByID(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		s.logger.WithField("profile_id", id).Warn("Current profile not found, falling back to Off")
	}
	return s.deps.Storage.GetOffProfile(ctx)
}

// ProfileUpdated сообщает движку об изменении профиля в хранилище
func (s *Session) ProfileUpdated(ctx context.Context, id int64) error {
	s.mu.Lock()
	if s.selected != nil && s.selected.ID == id {
		if p, err := s.deps.Storage.GetProfileByID(ctx, id); err == nil {
			s.selected = p
		}
	}
	eng := s.eng
	s.mu.Unlock()

	if eng == nil {
		return nil
	}
	if err := eng.OnProfileUpdated(ctx, id); err != nil && !errors.Is(err, engine.ErrStopped) {
		return err
	}
	return nil
}

// ProfileDeleted переключает на Off, если удален текущий профиль
func (s *Session) ProfileDeleted(ctx context.Context, id int64) error {
	current, ok, err := s.deps.Preferences.CurrentProfileID(ctx)
	if err != nil {
		return fmt.Errorf("load current profile id: %w", err)
	}
	if !ok || current != id {
		return nil
	}
	s.logger.WithField("profile_id", id).Info("Current profile deleted, switching to Off")
	return s.selectOff(ctx)
}

// Units текущая система единиц
func (s *Session) Units() models.Units {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units
}

// SetUnits меняет систему единиц строки статуса
func (s *Session) SetUnits(ctx context.Context, units models.Units) error {
	if err := s.deps.Preferences.SetUnits(ctx, units); err != nil {
		return fmt.Errorf("save units: %w", err)
	}
	return s.applyUnits(ctx, units)
}

func (s *Session) applyUnits(ctx context.Context, units models.Units) error {
	s.mu.Lock()
	s.units = units
	eng := s.eng
	s.mu.Unlock()

	if eng == nil {
		return nil
	}
	if err := eng.SetUnits(ctx, units); err != nil && !errors.Is(err, engine.ErrStopped) {
		return err
	}
	return nil
}

// Subscribe подписка на статус; переживает перезапуски движка
func (s *Session) Subscribe(buffer int) (<-chan engine.Status, func()) {
	return s.status.Subscribe(buffer)
}

// Snapshot текущий статус записи
func (s *Session) Snapshot() engine.Status {
	if eng := s.current(); eng != nil {
		return eng.Snapshot()
	}
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	st := s.last
	st.Running = false
	return st
}

// Recording true, пока работает экземпляр движка
func (s *Session) Recording() bool {
	return s.current() != nil
}

// Connected состояние соединения с брокером
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) current() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng
}

func (s *Session) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// applyProfile передает профиль движку или запускает новый движок
func (s *Session) applyProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	s.selected = p
	started := false
	var err error
	if s.eng != nil {
		err = s.eng.OnProfileChanged(ctx, p)
		if errors.Is(err, engine.ErrStopped) {
			err = nil
		}
	} else if !p.IsOff() {
		err = s.startEngineLocked(ctx, p)
		started = err == nil
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if started {
		// Ошибка подключения уже передана движку
		_ = s.connect(ctx)
	}
	return nil
}

func (s *Session) startEngineLocked(ctx context.Context, p *models.Profile) error {
	if s.activity == nil || s.location == nil {
		return fmt.Errorf("event sources are not attached")
	}

	queueSize := s.deps.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	eng := engine.New(engine.Dependencies{
		Activity: s.activity,
		Location: s.location,
		Storage:  s.deps.Storage,
		Clock:    s.deps.Clock,
		WakeLock: s.deps.WakeLock,
		Logger:   s.deps.Logger,
	}, engine.WithQueueSize(queueSize), engine.WithUnits(s.units))

	updates, unsubscribe := eng.Subscribe(16)
	if err := eng.Start(ctx); err != nil {
		unsubscribe()
		return fmt.Errorf("start engine: %w", err)
	}
	if err := eng.OnProfileChanged(ctx, p); err != nil {
		_ = eng.Stop(ctx)
		return fmt.Errorf("apply profile: %w", err)
	}

	done := make(chan struct{})
	s.eng = eng
	s.engDone = done
	metrics.RecordingActive.Set(1)

	s.wg.Add(2)
	go s.relay(updates)
	go s.watchStop(eng, done)

	s.notifyConnectedLocked(ctx)
	s.logger.WithFields(map[string]interface{}{
		"profile_id":   p.ID,
		"profile_name": p.Name,
	}).Info("Recording started")
	return nil
}

func (s *Session) stopEngineLocked(ctx context.Context) error {
	if s.eng == nil {
		return nil
	}
	eng := s.eng
	s.eng = nil
	close(s.engDone)
	s.engDone = nil
	metrics.RecordingActive.Set(0)

	if err := eng.Stop(ctx); err != nil {
		s.logger.WithError(err).Warn("Engine stopped with errors")
		return err
	}
	s.logger.Info("Recording stopped")
	return nil
}

// relay пересылает статус движка подписчикам сессии до его остановки
func (s *Session) relay(updates <-chan engine.Status) {
	defer s.wg.Done()
	for st := range updates {
		s.lastMu.Lock()
		s.last = st
		s.lastMu.Unlock()
		s.status.Publish(st)
	}
}

// watchStop останавливает движок по его запросу
func (s *Session) watchStop(eng *engine.Engine, done <-chan struct{}) {
	defer s.wg.Done()

	var reason engine.StopReason
	select {
	case reason = <-eng.StopRequested():
	case <-done:
		return
	}

	s.logger.WithField("reason", string(reason)).Info("Engine requested stop")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng != eng {
		return
	}
	ctx := context.Background()
	_ = s.stopEngineLocked(ctx)

	if reason != engine.StopOffProfile || s.ctx.Err() != nil {
		return
	}
	// Профиль могли сменить, пока движок останавливался
	p := s.selected
	if p == nil || p.IsOff() {
		return
	}
	if err := s.startEngineLocked(ctx, p); err != nil {
		s.logger.WithError(err).Error("Failed to resume recording")
	}
}

// onPreferenceChange применяет изменения, сделанные другим экземпляром
func (s *Session) onPreferenceChange(c repository.PreferenceChange) {
	ctx := s.runContext()

	if id, ok := c.ProfileID(); ok {
		s.mu.Lock()
		same := s.selected != nil && s.selected.ID == id
		s.mu.Unlock()
		if same {
			return
		}
		p, err := s.deps.Storage.GetProfileByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			p, err = s.deps.Storage.GetOffProfile(ctx)
		}
		if err != nil {
			s.logger.WithError(err).Error("Failed to load profile from preference change")
			return
		}
		if err := s.applyProfile(ctx, p); err != nil {
			s.logger.WithError(err).Error("Failed to apply profile from preference change")
		}
		return
	}

	if u, ok := c.Units(); ok && u != s.Units() {
		if err := s.applyUnits(ctx, u); err != nil {
			s.logger.WithError(err).Error("Failed to apply units from preference change")
		}
	}
}

var _ mqtt.Lifecycle = (*Session)(nil)
