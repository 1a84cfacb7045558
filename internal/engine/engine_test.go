package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_NoSubscriptionsUntilBothSourcesConnected(t *testing.T) {
	storage := newFakeStorage(walkingProfile(300))
	location := &fakeLocationSource{}
	activity := &fakeActivitySource{}
	e := New(Dependencies{
		Activity: activity,
		Location: location,
		Storage:  storage,
		Clock:    newFakeClock(),
		Alarm:    &fakeAlarm{},
		Logger:   utils.NopLogger(),
	})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	require.NoError(t, e.SelectProfile(ctx, 2))
	require.NoError(t, e.OnSourceConnected(ctx, SourceActivity))

	subs, _ := location.counts()
	assert.Equal(t, 0, subs)
	assert.Equal(t, 0, activity.subscribeCount())

	require.NoError(t, e.OnSourceConnected(ctx, SourceLocation))

	req := location.current()
	require.NotNil(t, req)
	assert.Equal(t, models.AccuracyHigh, req.Accuracy)
	assert.Equal(t, 5*time.Second, req.Interval)
	assert.Equal(t, 1250*time.Millisecond, req.FastestInterval)
	assert.Equal(t, "high_accuracy", req.Priority)
	assert.Equal(t, []time.Duration{5 * time.Second}, activity.subscribes)
}

func TestEngine_UnknownDebounce(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	h.activityAt(t, 10*time.Second, models.ActivityFoot, 90)
	h.activityAt(t, 60*time.Second, models.ActivityUnknown, 40)
	assert.Equal(t, models.ActivityFoot, h.engine.Snapshot().Activity)

	// Следующая реальная активность сдвигает окно
	h.activityAt(t, 100*time.Second, models.ActivityBicycle, 70)
	h.activityAt(t, 219*time.Second, models.ActivityUnknown, 40)
	assert.Equal(t, models.ActivityBicycle, h.engine.Snapshot().Activity)

	// Окно истекло
	h.activityAt(t, 221*time.Second, models.ActivityUnknown, 40)
	assert.Equal(t, models.ActivityUnknown, h.engine.Snapshot().Activity)
}

func TestEngine_UnknownAcceptedWhenClockWentBack(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	h.activityAt(t, 100*time.Second, models.ActivityFoot, 90)
	h.activityAt(t, 50*time.Second, models.ActivityUnknown, 30)
	assert.Equal(t, models.ActivityUnknown, h.engine.Snapshot().Activity)
}

func TestEngine_ActivityRecognitionDisabled(t *testing.T) {
	p := walkingProfile(0)
	p.Unknown = settings(models.AccuracyLow, 0, 180)
	h := newHarness(t, p)

	inputs := []models.Activity{models.ActivityFoot, models.ActivityVehicle, models.ActivityStill, models.ActivityBicycle}
	for i, a := range inputs {
		h.activityAt(t, time.Duration(i+1)*time.Minute, a, 95)
		assert.Equal(t, models.ActivityUnknown, h.engine.Snapshot().Activity)
	}

	assert.Equal(t, 0, h.activity.subscribeCount())
	req := h.location.current()
	require.NotNil(t, req)
	assert.Equal(t, models.AccuracyLow, req.Accuracy)
	assert.Equal(t, 180*time.Second, req.Interval)
}

func TestEngine_IdenticalFixIsCoalesced(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	h.fixAt(t, 0, 52.0, 4.0, 10)
	h.fixAt(t, 5*time.Second, 52.0, 4.0, 10)

	assert.Len(t, h.storage.stored(), 1)
	assert.Equal(t, 1, h.engine.Snapshot().Duplicates)
}

func TestEngine_WorseAccuracyIsAdmitted(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	h.fixAt(t, 0, 52.0, 4.0, 5)
	h.fixAt(t, 5*time.Second, 52.0, 4.0, 10)
	h.fixAt(t, 10*time.Second, 52.0, 4.0, 20)

	stored := h.storage.stored()
	require.Len(t, stored, 3)
	assert.Equal(t, float32(5), stored[0].AccuracyDistance)
	assert.Equal(t, float32(10), stored[1].AccuracyDistance)
	assert.Equal(t, float32(20), stored[2].AccuracyDistance)
	assert.Equal(t, 0, h.engine.Snapshot().Duplicates)
}

func TestEngine_NonFiniteAccuracyRejected(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	h.fixAt(t, 0, 52.0, 4.0, 10)

	h.clock.set(5 * time.Second)
	err := h.engine.OnLocationFix(context.Background(), fix(52.0, 4.0, float32(math.NaN())))
	assert.Error(t, err)

	// Коалесцер сравнивает с последним сохраненным сэмплом, а не с отброшенным
	h.fixAt(t, 10*time.Second, 52.0, 4.0, 500)

	stored := h.storage.stored()
	require.Len(t, stored, 2)
	assert.Equal(t, float32(10), stored[0].AccuracyDistance)
	assert.Equal(t, float32(500), stored[1].AccuracyDistance)

	_, err = json.Marshal(h.engine.Snapshot())
	assert.NoError(t, err)
}

func TestEngine_EndToEndScenario(t *testing.T) {
	p := walkingProfile(300)
	p.Still = settings(models.AccuracyNone, 0, 60)
	h := newHarness(t, p)

	h.activityAt(t, 0, models.ActivityFoot, 90)
	assert.Empty(t, h.storage.stored(), "activity alone does not write")

	h.fixAt(t, 0, 52.0, 4.0, 10)
	h.fixAt(t, 5*time.Second, 52.0, 4.0, 10)
	h.fixAt(t, 10*time.Second, 52.0, 4.0, 8)

	stored := h.storage.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, models.ActivityFoot, stored[0].Activity)
	assert.Equal(t, 90, stored[0].Confidence)
	assert.Equal(t, models.AccuracyHigh, stored[0].AccuracySetting)
	assert.True(t, stored[0].IsSegmentStart)
	assert.Equal(t, float32(10), stored[0].AccuracyDistance)

	status := h.engine.Snapshot()
	assert.Equal(t, 2, status.Duplicates)
	require.NotNil(t, status.LastSample)
	assert.Equal(t, float32(8), status.LastSample.AccuracyDistance)
	assert.Equal(t, "Foot ~ 90% / 52.00000, 4.00000 ~ 8m", status.Line)
}

func TestEngine_DuplicateFlushedBeforeNovelSample(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	h.fixAt(t, 0, 52.0, 4.0, 10)
	h.fixAt(t, 5*time.Second, 52.0, 4.0, 10)
	h.fixAt(t, 10*time.Second, 52.0, 4.0, 8)
	h.fixAt(t, 15*time.Second, 52.001, 4.0, 8)

	stored := h.storage.stored()
	require.Len(t, stored, 3)

	flushed := stored[1]
	assert.Equal(t, 52.0, flushed.Latitude)
	assert.Equal(t, float32(8), flushed.AccuracyDistance)
	assert.Equal(t, h.clock.base.Add(10*time.Second), flushed.Time)
	assert.NotEqual(t, stored[0].ID, flushed.ID)

	assert.Equal(t, 52.001, stored[2].Latitude)
	assert.False(t, stored[2].IsSegmentStart)
	assert.Equal(t, 0, h.engine.Snapshot().Duplicates)
}

func TestEngine_ActivityChangeFoldsIntoLastSample(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	h.fixAt(t, 0, 52.0, 4.0, 10)
	h.activityAt(t, 3*time.Second, models.ActivityFoot, 80)
	h.fixAt(t, 5*time.Second, 52.0, 4.0, 10)

	stored := h.storage.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, models.ActivityUnknown, stored[0].Activity)

	status := h.engine.Snapshot()
	assert.Equal(t, 1, status.Duplicates)
	assert.Equal(t, models.ActivityFoot, status.LastSample.Activity)

	h.fixAt(t, 10*time.Second, 52.01, 4.0, 10)
	stored = h.storage.stored()
	require.Len(t, stored, 3)
	assert.Equal(t, models.ActivityFoot, stored[1].Activity)
	assert.Equal(t, 80, stored[1].Confidence)
	assert.Equal(t, 52.0, stored[1].Latitude)
}

func TestEngine_StorageFailureKeepsState(t *testing.T) {
	h := newHarness(t, walkingProfile(0))
	ctx := context.Background()

	h.fixAt(t, 0, 52.0, 4.0, 10)
	h.fixAt(t, 5*time.Second, 52.0, 4.0, 10)

	boom := errors.New("disk full")
	h.storage.failSaves(boom)

	h.clock.set(10 * time.Second)
	err := h.engine.OnLocationFix(ctx, fix(52.002, 4.0, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	status := h.engine.Snapshot()
	assert.Equal(t, 1, status.Duplicates)
	assert.Equal(t, 52.0, status.LastSample.Latitude)
	assert.Len(t, h.storage.stored(), 1)

	h.storage.failSaves(nil)
	h.fixAt(t, 15*time.Second, 52.002, 4.0, 10)

	stored := h.storage.stored()
	require.Len(t, stored, 3)
	assert.Equal(t, 52.0, stored[1].Latitude)
	assert.Equal(t, 52.002, stored[2].Latitude)
}

func TestEngine_HysteresisDelaysDowngrade(t *testing.T) {
	h := newHarness(t, walkingProfile(300))

	h.activityAt(t, 100*time.Second, models.ActivityFoot, 90)
	subsBefore, unsubsBefore := h.location.counts()
	require.NotNil(t, h.location.current())

	h.activityAt(t, 200*time.Second, models.ActivityStill, 90)

	armed, at, _ := h.alarm.state()
	assert.True(t, armed)
	assert.Equal(t, 501*time.Second, at)

	status := h.engine.Snapshot()
	assert.True(t, status.RelaxPending)
	assert.Equal(t, models.AccuracyHigh, status.LocationAccuracy)
	assert.Equal(t, 5, status.LocationInterval)

	h.alarmAt(t, 350*time.Second)
	h.alarmAt(t, 499*time.Second)
	subs, unsubs := h.location.counts()
	assert.Equal(t, subsBefore, subs)
	assert.Equal(t, unsubsBefore, unsubs)
	assert.NotNil(t, h.location.current())

	h.alarmAt(t, 501*time.Second)
	subs, unsubs = h.location.counts()
	assert.Equal(t, subsBefore, subs)
	assert.Equal(t, unsubsBefore+1, unsubs)
	assert.Nil(t, h.location.current())

	status = h.engine.Snapshot()
	assert.False(t, status.RelaxPending)
	assert.Equal(t, models.AccuracyNone, status.LocationAccuracy)
	assert.Equal(t, 60, status.ActivityInterval)

	// Повторные срабатывания ничего не меняют
	h.alarmAt(t, 600*time.Second)
	subs, unsubs = h.location.counts()
	assert.Equal(t, subsBefore, subs)
	assert.Equal(t, unsubsBefore+1, unsubs)
}

func TestEngine_TighteningIsImmediateDuringRelaxDelay(t *testing.T) {
	p := walkingProfile(300)
	p.Foot = settings(models.AccuracyLow, 30, 30)
	p.Vehicle = settings(models.AccuracyHigh, 1, 1)
	h := newHarness(t, p)

	h.activityAt(t, 100*time.Second, models.ActivityVehicle, 90)
	req := h.location.current()
	require.NotNil(t, req)
	assert.Equal(t, time.Second, req.Interval)

	// Foot: реже и грубее, держим High/1s
	h.activityAt(t, 200*time.Second, models.ActivityFoot, 90)
	assert.Equal(t, time.Second, h.location.current().Interval)
	assert.True(t, h.engine.Snapshot().RelaxPending)

	// Снова Vehicle: ослаблять нечего, отложенное понижение отменяется
	h.activityAt(t, 210*time.Second, models.ActivityVehicle, 90)
	assert.False(t, h.engine.Snapshot().RelaxPending)
	armed, _, _ := h.alarm.state()
	assert.False(t, armed)
}

func TestEngine_PartialTighteningDuringRelaxDelay(t *testing.T) {
	p := walkingProfile(300)
	p.Unknown = settings(models.AccuracyLow, 5, 5)
	p.Foot = settings(models.AccuracyHigh, 60, 60)
	h := newHarness(t, p)

	assert.Equal(t, models.AccuracyLow, h.location.current().Accuracy)

	// Точность растет сразу, интервалы остаются частыми до истечения задержки
	h.activityAt(t, 200*time.Second, models.ActivityFoot, 90)
	req := h.location.current()
	require.NotNil(t, req)
	assert.Equal(t, models.AccuracyHigh, req.Accuracy)
	assert.Equal(t, 5*time.Second, req.Interval)
	assert.Equal(t, "high_accuracy", req.Priority)
	assert.True(t, h.engine.Snapshot().RelaxPending)

	h.alarmAt(t, 501*time.Second)
	assert.Equal(t, 60*time.Second, h.location.current().Interval)
	assert.Equal(t, 60, h.engine.Snapshot().ActivityInterval)
}

func TestEngine_NoHysteresisRightAfterProfileSwitch(t *testing.T) {
	h := newHarness(t, walkingProfile(300))

	h.activityAt(t, 30*time.Second, models.ActivityStill, 90)
	assert.Nil(t, h.location.current())
	assert.False(t, h.engine.Snapshot().RelaxPending)
}

func TestEngine_RelaxElapsedWhenClockGoesBack(t *testing.T) {
	h := newHarness(t, walkingProfile(300))

	h.activityAt(t, 1000*time.Second, models.ActivityStill, 90)
	require.NotNil(t, h.location.current())
	require.True(t, h.engine.Snapshot().RelaxPending)

	h.alarmAt(t, 950*time.Second)
	assert.Nil(t, h.location.current())
	assert.False(t, h.engine.Snapshot().RelaxPending)
}

func TestEngine_SegmentStartPropagation(t *testing.T) {
	p := walkingProfile(0)
	p.Still = settings(models.AccuracyNone, 5, 0)
	h := newHarness(t, p)

	h.fixAt(t, 0, 52.0, 4.0, 10)
	h.fixAt(t, 5*time.Second, 52.001, 4.0, 10)

	h.activityAt(t, 10*time.Second, models.ActivityStill, 90)
	assert.Nil(t, h.location.current())

	h.activityAt(t, 20*time.Second, models.ActivityFoot, 90)
	require.NotNil(t, h.location.current())

	h.fixAt(t, 25*time.Second, 52.002, 4.0, 10)
	h.fixAt(t, 30*time.Second, 52.003, 4.0, 10)

	stored := h.storage.stored()
	require.Len(t, stored, 4)
	flags := []bool{stored[0].IsSegmentStart, stored[1].IsSegmentStart, stored[2].IsSegmentStart, stored[3].IsSegmentStart}
	assert.Equal(t, []bool{true, false, true, false}, flags)
}

func TestEngine_ActivityIntervalZeroResetsActivity(t *testing.T) {
	p := walkingProfile(0)
	p.Still = settings(models.AccuracyNone, 0, 0)
	h := newHarness(t, p)

	h.activityAt(t, 10*time.Second, models.ActivityStill, 90)

	// Still выключает распознавание, активность сбрасывается в Unknown и
	// следующая переоценка возвращается к настройкам Unknown
	status := h.engine.Snapshot()
	assert.Equal(t, models.ActivityUnknown, status.Activity)
	assert.Equal(t, 0, status.Confidence)
	assert.Equal(t, 0, status.ActivityInterval)

	h.alarmAt(t, 11*time.Second)
	status = h.engine.Snapshot()
	assert.Equal(t, 5, status.ActivityInterval)
	assert.Equal(t, models.AccuracyHigh, status.LocationAccuracy)
}

func TestEngine_LocationPriorityFollowsWantedTier(t *testing.T) {
	p := walkingProfile(0)
	p.Unknown = settings(models.AccuracyHigh, 8, 8)
	p.Foot = settings(models.AccuracyLow, 20, 20)
	h := newHarness(t, p)

	req := h.location.current()
	require.NotNil(t, req)
	assert.Equal(t, 8*time.Second, req.Interval)
	assert.Equal(t, 2*time.Second, req.FastestInterval)

	h.activityAt(t, 10*time.Second, models.ActivityFoot, 90)
	req = h.location.current()
	require.NotNil(t, req)
	assert.Equal(t, "balanced_power", req.Priority)
	assert.Equal(t, 5*time.Second, req.FastestInterval)
}

func TestEngine_OffProfileRequestsStop(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	require.NoError(t, h.engine.SelectProfile(context.Background(), h.storage.off.ID))

	select {
	case reason := <-h.engine.StopRequested():
		assert.Equal(t, StopOffProfile, reason)
	case <-time.After(time.Second):
		t.Fatal("expected stop request")
	}
}

func TestEngine_MissingProfileFallsBackToOff(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	require.NoError(t, h.engine.SelectProfile(context.Background(), 999))

	status := h.engine.Snapshot()
	assert.Equal(t, h.storage.off.ID, status.ProfileID)
	assert.Equal(t, models.OffProfileName, status.ProfileName)

	select {
	case reason := <-h.engine.StopRequested():
		assert.Equal(t, StopOffProfile, reason)
	case <-time.After(time.Second):
		t.Fatal("expected stop request")
	}
}

func TestEngine_ConnectionFailureRequestsStop(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	require.NoError(t, h.engine.OnSourceFailed(context.Background(), SourceLocation, errors.New("broker refused")))

	select {
	case reason := <-h.engine.StopRequested():
		assert.Equal(t, StopConnectionFailed, reason)
	case <-time.After(time.Second):
		t.Fatal("expected stop request")
	}
	assert.False(t, h.engine.Snapshot().LocationConnected)
}

func TestEngine_ReconnectReissuesSubscription(t *testing.T) {
	h := newHarness(t, walkingProfile(0))
	ctx := context.Background()

	h.fixAt(t, 0, 52.0, 4.0, 10)
	subs, _ := h.location.counts()

	require.NoError(t, h.engine.OnSourceDisconnected(ctx, SourceLocation))
	require.NoError(t, h.engine.OnSourceConnected(ctx, SourceLocation))

	after, _ := h.location.counts()
	assert.Equal(t, subs+1, after)

	h.fixAt(t, 10*time.Second, 52.1, 4.0, 10)
	stored := h.storage.stored()
	require.Len(t, stored, 2)
	assert.True(t, stored[1].IsSegmentStart)
}

func TestEngine_ProfileUpdatedOnlyReloadsCurrent(t *testing.T) {
	h := newHarness(t, walkingProfile(0))
	ctx := context.Background()

	h.storage.mu.Lock()
	h.storage.profiles[h.profile.ID].Unknown = settings(models.AccuracyLow, 5, 45)
	h.storage.mu.Unlock()

	require.NoError(t, h.engine.OnProfileUpdated(ctx, 12345))
	assert.Equal(t, 5*time.Second, h.location.current().Interval)

	require.NoError(t, h.engine.OnProfileUpdated(ctx, h.profile.ID))
	assert.Equal(t, 45*time.Second, h.location.current().Interval)
	assert.Equal(t, models.AccuracyLow, h.location.current().Accuracy)
}

func TestEngine_ProfileChangeResetsActivity(t *testing.T) {
	h := newHarness(t, walkingProfile(0))
	ctx := context.Background()

	h.activityAt(t, 10*time.Second, models.ActivityFoot, 90)
	require.NoError(t, h.engine.OnProfileChanged(ctx, walkingProfile(0)))

	status := h.engine.Snapshot()
	assert.Equal(t, models.ActivityUnknown, status.Activity)
	assert.Equal(t, 0, status.Confidence)
}

func TestEngine_BatteryStoredWithSample(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	require.NoError(t, h.engine.OnBatteryChanged(context.Background(), 64, true))
	h.fixAt(t, 0, 52.0, 4.0, 10)

	stored := h.storage.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, models.Battery{Level: 64, Charging: true}, stored[0].Battery)
	assert.Equal(t, 164, stored[0].Battery.Legacy())
}

func TestEngine_InvalidFixRejected(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	err := h.engine.OnLocationFix(context.Background(), fix(123, 4, 5))
	assert.Error(t, err)
	assert.Empty(t, h.storage.stored())
}

func TestEngine_StopCancelsEverything(t *testing.T) {
	h := newHarness(t, walkingProfile(300))
	ctx := context.Background()

	h.activityAt(t, 200*time.Second, models.ActivityStill, 90)
	armed, _, _ := h.alarm.state()
	require.True(t, armed)

	require.NoError(t, h.engine.Stop(ctx))

	armed, _, _ = h.alarm.state()
	assert.False(t, armed)
	assert.Nil(t, h.location.current())
	assert.Equal(t, time.Duration(0), h.activity.active)
	assert.False(t, h.engine.Snapshot().Running)

	assert.ErrorIs(t, h.engine.OnAlarmFired(ctx), ErrStopped)
	assert.NoError(t, h.engine.Stop(ctx))

	acquired, released := h.wakeLock.counts()
	assert.Equal(t, acquired, released)
}

func TestEngine_StatusSubscription(t *testing.T) {
	h := newHarness(t, walkingProfile(0))

	updates, unsubscribe := h.engine.Subscribe(4)
	defer unsubscribe()

	require.NoError(t, h.engine.SetUnits(context.Background(), models.UnitsImperial))
	h.fixAt(t, 0, 52.0, 4.0, 10)

	var last Status
	for len(updates) > 0 {
		last = <-updates
	}
	assert.Equal(t, "Unknown ~ 0% / 52.00000, 4.00000 ~ 33ft", last.Line)
}

func TestBroadcaster_SubscribeAfterCloseAll(t *testing.T) {
	b := NewBroadcaster()
	early, _ := b.Subscribe(1)
	b.CloseAll()

	_, ok := <-early
	assert.False(t, ok)

	late, unsubscribe := b.Subscribe(1)
	b.Publish(Status{Running: true})
	unsubscribe()

	select {
	case _, ok := <-late:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription after CloseAll was never closed")
	}
}

func TestStatusLine(t *testing.T) {
	assert.Equal(t, "", StatusLine(nil, models.UnitsMetric))

	s := &models.LocationSample{
		Activity:         models.ActivityBicycle,
		Confidence:       77,
		Latitude:         51.123456,
		Longitude:        -0.98765,
		AccuracyDistance: 12.4,
	}
	assert.Equal(t, "Bicycle ~ 77% / 51.12346, -0.98765 ~ 12m", StatusLine(s, models.UnitsMetric))
	assert.Equal(t, "Bicycle ~ 77% / 51.12346, -0.98765 ~ 41ft", StatusLine(s, models.UnitsImperial))
}
