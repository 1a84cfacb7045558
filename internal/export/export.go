package export

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/internal/repository"
)

// Format формат экспорта
type Format string

const (
	FormatGPX Format = "gpx"
	FormatKML Format = "kml"
)

// ParseFormat разбирает имя формата
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatGPX:
		return FormatGPX, nil
	case FormatKML:
		return FormatKML, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType MIME тип для HTTP ответа
func (f Format) ContentType() string {
	if f == FormatKML {
		return "application/vnd.google-earth.kml+xml"
	}
	return "application/gpx+xml"
}

// Creator подпись в заголовке файла
const Creator = "GeoLog"

// pageSize размер страницы при чтении сэмплов из хранилища
const pageSize = 1000

// Options параметры экспорта
type Options struct {
	Format      Format
	MergeGap    time.Duration
	Start       time.Time
	End         time.Time
	MinPoints   int
	MinTime     time.Duration
	MinDistance float64

	// MaxSpeed отбрасывает точку, если скорость от предыдущей принятой точки
	// сегмента выше порога, м/с; 0 отключает проверку
	MaxSpeed float64

	// Пороги точности в метрах по активности; значение <= 0 отключает проверку
	LowPowerCaps     map[models.Activity]float64
	HighAccuracyCaps map[models.Activity]float64
}

// DefaultOptions параметры экспорта по умолчанию
func DefaultOptions() Options {
	return Options{
		Format:      FormatGPX,
		MergeGap:    900 * time.Second,
		MinPoints:   5,
		MinTime:     60 * time.Second,
		MinDistance: 1000,
		LowPowerCaps: map[models.Activity]float64{
			models.ActivityUnknown: 1600,
			models.ActivityStill:   200,
			models.ActivityFoot:    400,
			models.ActivityBicycle: 800,
			models.ActivityVehicle: 1600,
		},
		HighAccuracyCaps: map[models.Activity]float64{
			models.ActivityUnknown: 800,
			models.ActivityStill:   100,
			models.ActivityFoot:    200,
			models.ActivityBicycle: 400,
			models.ActivityVehicle: 800,
		},
	}
}

// Point точка трека
type Point struct {
	Latitude  float64
	Longitude float64
	Time      time.Time
}

// Segment непрерывный участок трека
type Segment struct {
	Points []Point
}

func (o Options) accepted(s *models.LocationSample) bool {
	var caps map[models.Activity]float64
	switch s.AccuracySetting {
	case models.AccuracyLow:
		caps = o.LowPowerCaps
	case models.AccuracyHigh:
		caps = o.HighAccuracyCaps
	default:
		return true
	}
	limit := caps[s.Activity]
	return limit <= 0 || float64(s.AccuracyDistance) <= limit
}

type segmenter struct {
	opts     Options
	segments []Segment
	current  Segment
	started  bool
	pending  bool
	segStart time.Time
	lastTime time.Time
	hasLast  bool
	bounds   models.Bounds
}

func (g *segmenter) shouldCancel() bool {
	o := g.opts
	n := len(g.current.Points)
	if o.MinPoints > 0 && n < o.MinPoints {
		return true
	}
	if o.MinTime > 0 && g.lastTime.Sub(g.segStart) < o.MinTime {
		return true
	}
	if o.MinDistance > 0 && g.bounds.DiagonalMeters() < o.MinDistance {
		return true
	}
	return false
}

func (g *segmenter) close() {
	if len(g.current.Points) > 0 && !g.shouldCancel() {
		g.segments = append(g.segments, g.current)
	}
	g.current = Segment{}
}

func (g *segmenter) add(s *models.LocationSample) {
	p := s.Point()
	if !g.started {
		// Первый сэмпл задает начало и границы даже при отбраковке
		g.started = true
		g.segStart = s.Time
		g.bounds = models.NewBounds(p)
	}

	g.pending = g.pending || s.IsSegmentStart
	fresh := g.pending && (!g.hasLast || s.Time.Sub(g.lastTime) >= g.opts.MergeGap)
	if g.opts.accepted(s) && (fresh || !g.tooFast(s)) {
		if g.pending {
			if fresh {
				if len(g.current.Points) > 0 {
					g.close()
				}
				g.segStart = s.Time
				g.bounds = models.NewBounds(p)
			}
			g.pending = false
		}
		g.bounds.Extend(p)
		g.current.Points = append(g.current.Points, Point{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Time:      s.Time,
		})
	}
	g.lastTime = s.Time
	g.hasLast = true
}

// tooFast проверяет скорость относительно последней принятой точки сегмента
func (g *segmenter) tooFast(s *models.LocationSample) bool {
	n := len(g.current.Points)
	if g.opts.MaxSpeed <= 0 || n == 0 {
		return false
	}
	last := g.current.Points[n-1]
	dist := models.GeoPoint{Latitude: last.Latitude, Longitude: last.Longitude}.DistanceTo(s.Point())
	dt := s.Time.Sub(last.Time).Seconds()
	if dt <= 0 {
		return dist > 0
	}
	return dist/dt > g.opts.MaxSpeed
}

func (g *segmenter) finish() []Segment {
	g.close()
	return g.segments
}

// BuildSegments разбивает сэмплы в порядке id на сегменты трека
func BuildSegments(samples []*models.LocationSample, opts Options) []Segment {
	g := &segmenter{opts: opts}
	for _, s := range samples {
		g.add(s)
	}
	return g.finish()
}

// Exporter экспорт сохраненных сэмплов в GPX или KML
type Exporter struct {
	storage repository.Storage
}

// NewExporter создает экспортер поверх хранилища
func NewExporter(storage repository.Storage) *Exporter {
	return &Exporter{storage: storage}
}

// Segments читает сэмплы постранично и строит сегменты
func (e *Exporter) Segments(ctx context.Context, opts Options) ([]Segment, error) {
	g := &segmenter{opts: opts}
	q := repository.SampleQuery{From: opts.Start, To: opts.End, Limit: pageSize}
	for {
		page, err := e.storage.ListSamples(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("list samples: %w", err)
		}
		for _, s := range page {
			g.add(s)
		}
		if len(page) < pageSize {
			break
		}
		q.AfterID = page[len(page)-1].ID
	}
	return g.finish(), nil
}

// Export пишет трек в выбранном формате, возвращает число сегментов
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts Options) (int, error) {
	segments, err := e.Segments(ctx, opts)
	if err != nil {
		return 0, err
	}
	if err := Write(w, opts.Format, segments); err != nil {
		return 0, err
	}
	return len(segments), nil
}

// Write пишет сегменты в заданном формате
func Write(w io.Writer, format Format, segments []Segment) error {
	switch format {
	case FormatGPX, "":
		return WriteGPX(w, segments)
	case FormatKML:
		return WriteKML(w, segments)
	}
	return fmt.Errorf("unknown export format %q", format)
}
