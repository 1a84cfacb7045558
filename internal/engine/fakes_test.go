package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/pkg/utils"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("not found")

type fakeClock struct {
	mu      sync.Mutex
	elapsed time.Duration
	base    time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{base: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(c.elapsed)
}

func (c *fakeClock) set(d time.Duration) {
	c.mu.Lock()
	c.elapsed = d
	c.mu.Unlock()
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.elapsed += d
	c.mu.Unlock()
}

type fakeAlarm struct {
	mu        sync.Mutex
	scheduled []time.Duration
	armed     bool
	at        time.Duration
	cancels   int
}

func (a *fakeAlarm) ScheduleOnce(at time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scheduled = append(a.scheduled, at)
	a.armed = true
	a.at = at
}

func (a *fakeAlarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = false
	a.cancels++
}

func (a *fakeAlarm) state() (bool, time.Duration, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed, a.at, len(a.scheduled)
}

type fakeActivitySource struct {
	mu           sync.Mutex
	subscribes   []time.Duration
	unsubscribes int
	active       time.Duration
}

func (s *fakeActivitySource) Subscribe(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes = append(s.subscribes, interval)
	s.active = interval
	return nil
}

func (s *fakeActivitySource) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes++
	s.active = 0
	return nil
}

func (s *fakeActivitySource) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribes)
}

type fakeLocationSource struct {
	mu           sync.Mutex
	requests     []LocationRequest
	unsubscribes int
	active       *LocationRequest
}

func (s *fakeLocationSource) Subscribe(ctx context.Context, req LocationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.active = &req
	return nil
}

func (s *fakeLocationSource) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes++
	s.active = nil
	return nil
}

func (s *fakeLocationSource) counts() (subscribes, unsubscribes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests), s.unsubscribes
}

func (s *fakeLocationSource) current() *LocationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	r := *s.active
	return &r
}

type fakeStorage struct {
	mu       sync.Mutex
	samples  []*models.LocationSample
	profiles map[int64]*models.Profile
	off      *models.Profile
	nextID   int64
	saveErr  error
}

func newFakeStorage(profiles ...*models.Profile) *fakeStorage {
	s := &fakeStorage{profiles: make(map[int64]*models.Profile)}
	s.off = models.OffProfile()
	s.off.ID = 1
	s.profiles[1] = s.off
	for i, p := range profiles {
		p.ID = int64(i + 2)
		s.profiles[p.ID] = p
	}
	return s
}

func (s *fakeStorage) SaveSample(ctx context.Context, sample *models.LocationSample) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	s.nextID++
	c := sample.Clone()
	c.ID = s.nextID
	s.samples = append(s.samples, c)
	return c.ID, nil
}

func (s *fakeStorage) GetProfileByID(ctx context.Context, id int64) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, errNotFound
	}
	return p.Clone(), nil
}

func (s *fakeStorage) GetOffProfile(ctx context.Context) (*models.Profile, error) {
	return s.off.Clone(), nil
}

func (s *fakeStorage) stored() []*models.LocationSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LocationSample, len(s.samples))
	copy(out, s.samples)
	return out
}

func (s *fakeStorage) failSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

type countingWakeLock struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (w *countingWakeLock) Acquire() {
	w.mu.Lock()
	w.acquired++
	w.mu.Unlock()
}

func (w *countingWakeLock) Release() {
	w.mu.Lock()
	w.released++
	w.mu.Unlock()
}

func (w *countingWakeLock) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquired, w.released
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	alarm    *fakeAlarm
	activity *fakeActivitySource
	location *fakeLocationSource
	storage  *fakeStorage
	wakeLock *countingWakeLock
	profile  *models.Profile
}

// newHarness запускает движок с профилем и подключенными источниками
func newHarness(t *testing.T, profile *models.Profile) *harness {
	t.Helper()

	h := &harness{
		clock:    newFakeClock(),
		alarm:    &fakeAlarm{},
		activity: &fakeActivitySource{},
		location: &fakeLocationSource{},
		storage:  newFakeStorage(profile),
		wakeLock: &countingWakeLock{},
		profile:  profile,
	}
	h.engine = New(Dependencies{
		Activity: h.activity,
		Location: h.location,
		Storage:  h.storage,
		Clock:    h.clock,
		Alarm:    h.alarm,
		WakeLock: h.wakeLock,
		Logger:   utils.NopLogger(),
	}, WithQueueSize(4))

	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.NoError(t, h.engine.SelectProfile(ctx, profile.ID))
	require.NoError(t, h.engine.OnSourceConnected(ctx, SourceActivity))
	require.NoError(t, h.engine.OnSourceConnected(ctx, SourceLocation))

	t.Cleanup(func() {
		_ = h.engine.Stop(context.Background())
	})
	return h
}

func (h *harness) activityAt(t *testing.T, at time.Duration, a models.Activity, confidence int) {
	t.Helper()
	h.clock.set(at)
	require.NoError(t, h.engine.OnActivityDetected(context.Background(), a, confidence))
}

func (h *harness) fixAt(t *testing.T, at time.Duration, lat, lon float64, acc float32) {
	t.Helper()
	h.clock.set(at)
	require.NoError(t, h.engine.OnLocationFix(context.Background(), fix(lat, lon, acc)))
}

func (h *harness) alarmAt(t *testing.T, at time.Duration) {
	t.Helper()
	h.clock.set(at)
	require.NoError(t, h.engine.OnAlarmFired(context.Background()))
}

func fix(lat, lon float64, acc float32) models.RawFix {
	return models.RawFix{Latitude: lat, Longitude: lon, AccuracyM: &acc}
}

func settings(acc models.Accuracy, activityInterval, locationInterval int) models.ActivitySettings {
	return models.ActivitySettings{Accuracy: acc, ActivityInterval: activityInterval, LocationInterval: locationInterval}
}

// walkingProfile профиль из сценария: High/5s для Unknown и Foot, Still без локаций
func walkingProfile(delay int) *models.Profile {
	return &models.Profile{
		Name:                "walking",
		Kind:                models.ProfileUser,
		ReduceAccuracyDelay: delay,
		Unknown:             settings(models.AccuracyHigh, 5, 5),
		Still:               settings(models.AccuracyNone, 60, 0),
		Foot:                settings(models.AccuracyHigh, 5, 5),
		Bicycle:             settings(models.AccuracyHigh, 5, 5),
		Vehicle:             settings(models.AccuracyLow, 10, 10),
	}
}
