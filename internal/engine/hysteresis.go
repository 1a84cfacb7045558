package engine

import (
	"time"

	"github.com/flybeeper/geolog/internal/models"
)

const (
	// profileSettleWindow после смены профиля понижение применяется сразу
	profileSettleWindow = 90 * time.Second
	// alarmSlack будильник срабатывает чуть позже запланированного понижения
	alarmSlack = time.Second
	// intervalUnset интервал еще ни разу не применялся
	intervalUnset = -1
)

// sampling набор параметров подписки: точность и интервалы в секундах
type sampling struct {
	accuracy         models.Accuracy
	locationInterval int
	activityInterval int
}

func wantedSampling(s models.ActivitySettings) sampling {
	return sampling{
		accuracy:         s.Accuracy,
		locationInterval: s.LocationInterval,
		activityInterval: s.ActivityInterval,
	}
}

// intervalRank переводит интервал в "редкость" опроса: 0 (выключено) самый редкий
func intervalRank(seconds int) int64 {
	if seconds <= 0 {
		return 1 << 62
	}
	return int64(seconds)
}

// intervalRelaxes true, если переход делает опрос реже
func intervalRelaxes(wanted, last int) bool {
	if last == intervalUnset {
		return false
	}
	return intervalRank(wanted) > intervalRank(last)
}

// intervalTightens true, если переход делает опрос чаще или интервал еще не задан
func intervalTightens(wanted, last int) bool {
	if last == intervalUnset {
		return true
	}
	return intervalRank(wanted) < intervalRank(last)
}

// relaxSlot единственный запланированный момент понижения точности
type relaxSlot struct {
	pending bool
	at      time.Duration
	armedAt time.Duration
}

// schedule планирует понижение через delay
func (r *relaxSlot) schedule(now, delay time.Duration) {
	r.pending = true
	r.armedAt = now
	r.at = now + delay
}

// remaining время до понижения. Если часы ушли назад, задержка считается истекшей.
func (r *relaxSlot) remaining(now time.Duration) time.Duration {
	if !r.pending {
		return 0
	}
	if now < r.armedAt {
		return 0
	}
	return r.at - now
}

func (r *relaxSlot) clear() {
	*r = relaxSlot{}
}

// gate пропускает ужесточение сразу, а ослабление только после задержки.
// Возвращает итоговые параметры и признак того, что понижение ожидается.
func (e *Engine) gate(now time.Duration, wanted sampling) (sampling, bool) {
	st := &e.st
	last := sampling{
		accuracy:         st.locationAccuracy,
		locationInterval: st.locationInterval,
		activityInterval: st.activityInterval,
	}

	sinceProfile := now - st.lastProfileUpdate
	settled := sinceProfile > profileSettleWindow || now < st.lastProfileUpdate
	delay := time.Duration(st.profile.RelaxDelay()) * time.Second

	wantsRelax := intervalRelaxes(wanted.activityInterval, last.activityInterval) ||
		intervalRelaxes(wanted.locationInterval, last.locationInterval) ||
		wanted.accuracy < last.accuracy

	if !settled || delay <= 0 || !wantsRelax {
		if st.relax.pending {
			e.logger.Debug("Relax no longer pending, cancelling alarm")
		}
		st.relax.clear()
		e.deps.Alarm.Cancel()
		return wanted, false
	}

	if !st.relax.pending {
		st.relax.schedule(now, delay)
		e.deps.Alarm.ScheduleOnce(st.relax.at + alarmSlack)
		e.relaxScheduled()
	}

	left := st.relax.remaining(now)
	if left <= 0 {
		st.relax.clear()
		return wanted, false
	}

	out := wanted
	if !intervalTightens(wanted.activityInterval, last.activityInterval) {
		out.activityInterval = last.activityInterval
	}
	if !intervalTightens(wanted.locationInterval, last.locationInterval) {
		out.locationInterval = last.locationInterval
	}
	if wanted.accuracy <= last.accuracy {
		out.accuracy = last.accuracy
	}

	e.logger.WithFields(map[string]interface{}{
		"remaining_s":       int(left / time.Second),
		"wanted_accuracy":   wanted.accuracy.String(),
		"wanted_location_s": wanted.locationInterval,
		"wanted_activity_s": wanted.activityInterval,
	}).Debug("Relax delayed")

	return out, true
}
