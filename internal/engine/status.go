package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/flybeeper/geolog/internal/models"
)

// Status снимок состояния движка для внешних потребителей
type Status struct {
	Running           bool                   `json:"running"`
	ProfileID         int64                  `json:"profile_id"`
	ProfileName       string                 `json:"profile_name"`
	Activity          models.Activity        `json:"activity"`
	Confidence        int                    `json:"confidence"`
	LocationAccuracy  models.Accuracy        `json:"location_accuracy"`
	LocationInterval  int                    `json:"location_interval"`
	ActivityInterval  int                    `json:"activity_interval"`
	ActivityConnected bool                   `json:"activity_connected"`
	LocationConnected bool                   `json:"location_connected"`
	RelaxPending      bool                   `json:"relax_pending"`
	RelaxIn           time.Duration          `json:"relax_in_ns"`
	Duplicates        int                    `json:"duplicates"`
	LastSample        *models.LocationSample `json:"last_sample,omitempty"`
	Line              string                 `json:"line"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// StatusLine строка статуса по последнему сэмплу
func StatusLine(s *models.LocationSample, units models.Units) string {
	if s == nil {
		return ""
	}
	acc, unit := units.FormatDistance(float64(s.AccuracyDistance))
	return fmt.Sprintf("%s ~ %d%% / %.5f, %.5f ~ %.0f%s",
		s.Activity.Label(), s.Confidence, s.Latitude, s.Longitude, acc, unit)
}

// Broadcaster рассылает снимки статуса подписчикам без блокировки отправителя
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Status
	closed bool
}

// NewBroadcaster создает пустую рассылку
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Status)}
}

// Subscribe возвращает канал снимков и функцию отписки
func (b *Broadcaster) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Status, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Publish отправляет снимок; медленный подписчик теряет устаревший снимок
func (b *Broadcaster) Publish(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// CloseAll закрывает каналы всех подписчиков; последующие подписки
// получают уже закрытый канал
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
