package engine

import (
	"sync"
	"time"
)

// SystemClock часы процесса. Elapsed считается от монотонной отметки старта.
type SystemClock struct {
	start time.Time
}

// NewSystemClock создает системные часы
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Elapsed() time.Duration { return time.Since(c.start) }
func (c *SystemClock) Now() time.Time         { return time.Now() }

// TimerAlarm будильник на time.AfterFunc
type TimerAlarm struct {
	clock Clock
	fire  func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewTimerAlarm создает будильник, вызывающий fire в отдельной горутине
func NewTimerAlarm(clock Clock, fire func()) *TimerAlarm {
	return &TimerAlarm{clock: clock, fire: fire}
}

// ScheduleOnce взводит будильник на момент at монотонного времени
func (a *TimerAlarm) ScheduleOnce(at time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	delay := at - a.clock.Elapsed()
	if delay < 0 {
		delay = 0
	}
	a.timer = time.AfterFunc(delay, a.fire)
}

// Cancel отменяет будильник
func (a *TimerAlarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
