package benchmarks

// Бенчмарки горячего пути GeoLog: разбор фиксов, движок политики,
// рассылка статуса и сборка треков для экспорта.
//
// Запуск:
// go test -bench=. -benchmem ./benchmarks/
//
// Redis бенчмарк требует локальный сервер:
// docker run -d -p 6379:6379 redis:alpine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/flybeeper/geolog/internal/config"
	"github.com/flybeeper/geolog/internal/engine"
	"github.com/flybeeper/geolog/internal/export"
	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/internal/mqtt"
	"github.com/flybeeper/geolog/internal/repository"
	"github.com/flybeeper/geolog/pkg/utils"
)

func ptr[T any](v T) *T { return &v }

var benchFix = models.RawFix{
	Latitude:  52.370216,
	Longitude: 4.895168,
	Altitude:  ptr(12.5),
	Bearing:   ptr(float32(87)),
	Speed:     ptr(float32(1.4)),
	AccuracyM: ptr(float32(6)),
	Time:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

// BenchmarkParseFix сравнивает JSON и бинарный формат фикса
func BenchmarkParseFix(b *testing.B) {
	testCases := []struct {
		name    string
		payload []byte
	}{
		{"JSON", []byte(`{"lat":52.370216,"lon":4.895168,"alt":12.5,"bearing":87,"speed":1.4,"accuracy":6,"time":"2024-05-01T12:00:00Z"}`)},
		{"Wire", mqtt.EncodeFix(benchFix)},
	}

	for _, tc := range testCases {
		b.Run(tc.name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := mqtt.ParseFix(tc.payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkEncodeFix кодирование фикса в бинарный формат
func BenchmarkEncodeFix(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = mqtt.EncodeFix(benchFix)
	}
}

// BenchmarkParserTopics разбор полного сообщения с топиком
func BenchmarkParserTopics(b *testing.B) {
	parser := mqtt.NewParser("geolog", utils.NopLogger())

	testCases := []struct {
		name    string
		topic   string
		payload []byte
	}{
		{"Activity", "geolog/phone/activity", []byte(`{"activity":"foot","confidence":80}`)},
		{"Location", "geolog/phone/location", mqtt.EncodeFix(benchFix)},
		{"Battery", "geolog/phone/battery", []byte(`{"level":64,"charging":false}`)},
	}

	for _, tc := range testCases {
		b.Run(tc.name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := parser.Parse(tc.topic, tc.payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// benchClock ручные часы; движок читает их только из своей очереди
type benchClock struct {
	elapsed time.Duration
	base    time.Time
}

func (c *benchClock) Elapsed() time.Duration { return c.elapsed }
func (c *benchClock) Now() time.Time         { return c.base.Add(c.elapsed) }

type nopAlarm struct{}

func (nopAlarm) ScheduleOnce(time.Duration) {}
func (nopAlarm) Cancel()                    {}

type nopActivity struct{}

func (nopActivity) Subscribe(context.Context, time.Duration) error { return nil }
func (nopActivity) Unsubscribe(context.Context) error              { return nil }

type nopLocation struct{}

func (nopLocation) Subscribe(context.Context, engine.LocationRequest) error { return nil }
func (nopLocation) Unsubscribe(context.Context) error                       { return nil }

// BenchmarkEngineLocationFix полный цикл фикса: очередь, переоценка, запись сэмпла
func BenchmarkEngineLocationFix(b *testing.B) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		b.Fatal(err)
	}

	clock := &benchClock{base: benchFix.Time}
	eng := engine.New(engine.Dependencies{
		Activity: nopActivity{},
		Location: nopLocation{},
		Storage:  store,
		Clock:    clock,
		Alarm:    nopAlarm{},
		Logger:   utils.NopLogger(),
	}, engine.WithQueueSize(256))

	if err := eng.Start(ctx); err != nil {
		b.Fatal(err)
	}
	defer eng.Stop(ctx)
	if err := eng.OnProfileChanged(ctx, profiles[0]); err != nil {
		b.Fatal(err)
	}

	fix := benchFix
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fix.Latitude = benchFix.Latitude + float64(i%1000)*0.0001
		fix.Time = time.Time{}
		if err := eng.OnLocationFix(ctx, fix); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkBroadcasterPublish рассылка статуса разному числу подписчиков
func BenchmarkBroadcasterPublish(b *testing.B) {
	for _, subscribers := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("subscribers_%d", subscribers), func(b *testing.B) {
			bc := engine.NewBroadcaster()
			defer bc.CloseAll()
			for i := 0; i < subscribers; i++ {
				bc.Subscribe(4)
			}

			status := engine.Status{Running: true, ProfileID: 3, Line: "Foot: high, 10 s"}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				bc.Publish(status)
			}
		})
	}
}

func generateSamples(n int) []*models.LocationSample {
	samples := make([]*models.LocationSample, n)
	base := benchFix.Time
	for i := 0; i < n; i++ {
		samples[i] = &models.LocationSample{
			ID:                  int64(i + 1),
			Time:                base.Add(time.Duration(i) * 10 * time.Second),
			Latitude:            52 + float64(i)*0.0005,
			Longitude:           4 + float64(i%50)*0.0002,
			Activity:            models.ActivityFoot,
			AccuracyDistance:    8,
			HasAccuracyDistance: true,
			AccuracySetting:     models.AccuracyHigh,
			// Новый сегмент каждые 200 точек
			IsSegmentStart: i%200 == 0,
		}
	}
	return samples
}

// BenchmarkBuildSegments сборка сегментов для разного объема сэмплов
func BenchmarkBuildSegments(b *testing.B) {
	opts := export.DefaultOptions()

	for _, n := range []int{100, 1000, 10000} {
		samples := generateSamples(n)
		b.Run(fmt.Sprintf("samples_%d", n), func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = export.BuildSegments(samples, opts)
			}
		})
	}
}

// BenchmarkGeo геометрические операции над точками
func BenchmarkGeo(b *testing.B) {
	p1 := models.GeoPoint{Latitude: 52.370216, Longitude: 4.895168}
	p2 := models.GeoPoint{Latitude: 52.520008, Longitude: 13.404954}

	b.Run("DistanceTo", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = p1.DistanceTo(p2)
		}
	})

	b.Run("Geohash", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = p1.Geohash(7)
		}
	})

	b.Run("BoundsExtend", func(b *testing.B) {
		bounds := models.NewBounds(p1)
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			bounds.Extend(p2)
		}
		_ = bounds.DiagonalMeters()
	})
}

// BenchmarkRedisPreferences чтение и запись настроек в Redis
func BenchmarkRedisPreferences(b *testing.B) {
	cfg := &config.RedisConfig{URL: "redis://localhost:6379", DB: 15, PoolSize: 10}
	prefs, err := repository.NewRedisPreferences(cfg, "bench-device", models.UnitsMetric, utils.NopLogger())
	if err != nil {
		b.Fatal(err)
	}
	defer prefs.Close()

	ctx := context.Background()
	if err := prefs.Ping(ctx); err != nil {
		b.Skip("Redis not available:", err)
		return
	}

	b.Run("SetCurrentProfileID", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if err := prefs.SetCurrentProfileID(ctx, int64(i%8+2)); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("CurrentProfileID", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, _, err := prefs.CurrentProfileID(ctx); err != nil {
				b.Fatal(err)
			}
		}
	})
}
