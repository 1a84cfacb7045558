package engine

import (
	"context"
	"fmt"

	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/internal/models"
)

// isNovel решает, нужно ли сохранять фикс как новый сэмпл.
// Координаты, активность, уверенность и уровень точности сравниваются точно,
// погрешность только на ухудшение.
func isNovel(last *models.LocationSample, fix models.RawFix, activity models.Activity, confidence int, tier models.Accuracy, segmentStart bool) bool {
	if last == nil || segmentStart {
		return true
	}
	if last.Latitude != fix.Latitude || last.Longitude != fix.Longitude {
		return true
	}
	if fixAccuracy(fix) > last.AccuracyDistance {
		return true
	}
	if last.Activity != activity || last.Confidence != confidence {
		return true
	}
	return last.AccuracySetting != tier
}

func fixAccuracy(fix models.RawFix) float32 {
	if fix.AccuracyM == nil {
		return 0
	}
	return *fix.AccuracyM
}

// trackActivity обновляет ожидающий сэмпл по новой активности, без записи в хранилище
func (e *Engine) trackActivity() {
	st := &e.st
	if st.lastSample != nil && st.lastSample.Activity == st.activity && st.lastSample.Confidence == st.confidence {
		return
	}
	if st.lastSample == nil {
		st.duplicates = 0
		st.lastSample = &models.LocationSample{Time: e.deps.Clock.Now()}
	}
	st.lastSample.Activity = st.activity
	st.lastSample.Confidence = st.confidence
}

// admitLocation сохраняет фикс или склеивает его с предыдущим сэмплом.
// tier уровень точности, действовавший до этой переоценки.
// При ошибке хранилища состояние последнего сэмпла не меняется.
func (e *Engine) admitLocation(ctx context.Context, tier models.Accuracy) error {
	st := &e.st
	if st.lastFix == nil {
		return nil
	}
	fix := *st.lastFix

	if !isNovel(st.lastSample, fix, st.activity, st.confidence, tier, st.segmentStart) {
		st.duplicates++
		s := st.lastSample
		s.Activity = st.activity
		s.Confidence = st.confidence
		s.Battery = st.battery
		s.AccuracySetting = tier
		s.IsSegmentStart = st.segmentStart
		s.ApplyFix(fix)
		metrics.SamplesCoalesced.Inc()
		return nil
	}

	if st.duplicates > 0 {
		// Последнее состояние перед изменением сохраняется отдельной строкой
		dup := st.lastSample.Clone()
		dup.ID = 0
		if _, err := e.deps.Storage.SaveSample(ctx, dup); err != nil {
			metrics.StorageErrors.WithLabelValues("flush_duplicate").Inc()
			return fmt.Errorf("flush duplicate sample: %w", err)
		}
		e.logger.WithField("duplicates", st.duplicates).Debug("Flushed last duplicate sample")
		metrics.SamplesStored.Inc()
		st.duplicates = 0
	}

	sample := &models.LocationSample{
		Activity:        st.activity,
		Confidence:      st.confidence,
		Battery:         st.battery,
		AccuracySetting: tier,
		IsSegmentStart:  st.segmentStart,
	}
	sample.ApplyFix(fix)

	id, err := e.deps.Storage.SaveSample(ctx, sample)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("save_sample").Inc()
		return fmt.Errorf("save sample: %w", err)
	}
	sample.ID = id
	metrics.SamplesStored.Inc()

	e.logger.WithFields(map[string]interface{}{
		"id":            id,
		"activity":      sample.Activity.String(),
		"segment_start": sample.IsSegmentStart,
	}).Debug("Sample stored")

	st.lastSample = sample
	st.segmentStart = false
	return nil
}
