package export

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/internal/repository"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type sampleOpt func(*models.LocationSample)

func segStart(s *models.LocationSample) { s.IsSegmentStart = true }

func lowPower(activity models.Activity, dist float32) sampleOpt {
	return func(s *models.LocationSample) {
		s.Activity = activity
		s.AccuracySetting = models.AccuracyLow
		s.AccuracyDistance = dist
		s.HasAccuracyDistance = true
	}
}

func sample(sec int, lat float64, opts ...sampleOpt) *models.LocationSample {
	s := &models.LocationSample{
		Time:            base.Add(time.Duration(sec) * time.Second),
		Latitude:        lat,
		Longitude:       4,
		Activity:        models.ActivityFoot,
		AccuracySetting: models.AccuracyHigh,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// noLimits отключает отбраковку коротких сегментов
func noLimits() Options {
	o := DefaultOptions()
	o.MinPoints = 0
	o.MinTime = 0
	o.MinDistance = 0
	return o
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" KML ")
	require.NoError(t, err)
	assert.Equal(t, FormatKML, f)

	f, err = ParseFormat("gpx")
	require.NoError(t, err)
	assert.Equal(t, "application/gpx+xml", f.ContentType())

	_, err = ParseFormat("csv")
	assert.Error(t, err)
}

func TestBuildSegments_SplitsOnSegmentStart(t *testing.T) {
	segments := BuildSegments([]*models.LocationSample{
		sample(0, 52, segStart),
		sample(60, 52.001),
		sample(120, 52.002),
		sample(1200, 52.003, segStart),
		sample(1260, 52.004),
	}, noLimits())

	require.Len(t, segments, 2)
	assert.Len(t, segments[0].Points, 3)
	assert.Len(t, segments[1].Points, 2)
	assert.Equal(t, 52.003, segments[1].Points[0].Latitude)
}

func TestBuildSegments_MergesShortGap(t *testing.T) {
	segments := BuildSegments([]*models.LocationSample{
		sample(0, 52, segStart),
		sample(60, 52.001),
		sample(200, 52.002, segStart),
		sample(260, 52.003),
	}, noLimits())

	require.Len(t, segments, 1)
	assert.Len(t, segments[0].Points, 4)
}

func TestBuildSegments_RejectedPointCarriesSegmentStart(t *testing.T) {
	segments := BuildSegments([]*models.LocationSample{
		sample(0, 52, segStart),
		sample(60, 52.001),
		sample(1000, 52.002, segStart, lowPower(models.ActivityFoot, 5000)),
		sample(2000, 52.003),
	}, noLimits())

	require.Len(t, segments, 2)
	assert.Len(t, segments[0].Points, 2)
	assert.Len(t, segments[1].Points, 1)
}

func TestBuildSegments_GapMeasuredFromRejectedPoint(t *testing.T) {
	// Отбракованный сэмпл обновляет время последней точки
	segments := BuildSegments([]*models.LocationSample{
		sample(0, 52, segStart),
		sample(1000, 52.001, lowPower(models.ActivityFoot, 5000)),
		sample(1100, 52.002, segStart),
	}, noLimits())

	require.Len(t, segments, 1)
	assert.Len(t, segments[0].Points, 2)
}

func TestBuildSegments_AccuracyCaps(t *testing.T) {
	none := func(s *models.LocationSample) {
		s.AccuracySetting = models.AccuracyNone
		s.AccuracyDistance = 9000
	}

	tests := []struct {
		name     string
		sample   *models.LocationSample
		caps     map[models.Activity]float64
		accepted bool
	}{
		{name: "Within low power cap", sample: sample(0, 52, lowPower(models.ActivityFoot, 400)), accepted: true},
		{name: "Above low power cap", sample: sample(0, 52, lowPower(models.ActivityFoot, 401))},
		{name: "Cap depends on activity", sample: sample(0, 52, lowPower(models.ActivityVehicle, 1500)), accepted: true},
		{name: "None tier always accepted", sample: sample(0, 52, none), accepted: true},
		{
			name:     "Disabled cap",
			sample:   sample(0, 52, lowPower(models.ActivityFoot, 5000)),
			caps:     map[models.Activity]float64{models.ActivityFoot: 0},
			accepted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := noLimits()
			if tt.caps != nil {
				opts.LowPowerCaps = tt.caps
			}
			segments := BuildSegments([]*models.LocationSample{tt.sample}, opts)
			if tt.accepted {
				assert.Len(t, segments, 1)
			} else {
				assert.Empty(t, segments)
			}
		})
	}
}

func TestBuildSegments_DropsShortSegments(t *testing.T) {
	var samples []*models.LocationSample
	add := func(start, step int, latStep float64, n int) {
		for i := 0; i < n; i++ {
			s := sample(start+i*step, 52+float64(i)*latStep)
			s.IsSegmentStart = i == 0
			samples = append(samples, s)
		}
	}
	add(0, 60, 0.005, 6)     // ~2.8 км за 5 минут
	add(2000, 60, 0.005, 3)  // мало точек
	add(4000, 60, 0, 6)      // стоит на месте
	add(6000, 5, 0.005, 6)   // слишком коротко по времени
	add(8000, 60, 0.005, 10) // второй валидный

	segments := BuildSegments(samples, DefaultOptions())
	require.Len(t, segments, 2)
	assert.Len(t, segments[0].Points, 6)
	assert.Len(t, segments[1].Points, 10)
	assert.Equal(t, base.Add(8000*time.Second), segments[1].Points[0].Time)
}

func TestBuildSegments_MaxSpeed(t *testing.T) {
	samples := []*models.LocationSample{
		sample(0, 52, segStart),
		sample(60, 52.001),
		// ~11 км за минуту
		sample(120, 52.1),
		sample(180, 52.002),
		// Новый сегмент после разрыва не сравнивается с предыдущим
		sample(2000, 53, segStart),
		sample(2060, 53.001),
	}

	opts := noLimits()
	require.Len(t, BuildSegments(samples, opts)[0].Points, 4)

	opts.MaxSpeed = 30
	segments := BuildSegments(samples, opts)
	require.Len(t, segments, 2)
	require.Len(t, segments[0].Points, 3)
	assert.Equal(t, 52.002, segments[0].Points[2].Latitude)
	assert.Len(t, segments[1].Points, 2)
}

func TestBuildSegments_Empty(t *testing.T) {
	assert.Empty(t, BuildSegments(nil, DefaultOptions()))
}

func TestWriteGPX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGPX(&buf, []Segment{
		{Points: []Point{
			{Latitude: 52.123456, Longitude: 4.5, Time: base},
			{Latitude: 52.2, Longitude: 4.6, Time: base.Add(time.Minute).In(time.FixedZone("CEST", 7200))},
		}},
		{Points: []Point{{Latitude: -1, Longitude: -2, Time: base}}},
	}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, xml.Header))
	assert.Contains(t, out, `version="1.0"`)
	assert.Contains(t, out, `creator="GeoLog"`)
	assert.Contains(t, out, `xmlns="http://www.topografix.com/GPX/1/0"`)
	assert.Contains(t, out, `<trkpt lat="52.12346" lon="4.50000">`)
	assert.Contains(t, out, `<time>2024-05-01T10:01:00Z</time>`)
	assert.Equal(t, 2, strings.Count(out, "<trkseg>"))
	assert.Equal(t, 1, strings.Count(out, "<trk>"))

	// Результат читается обратно как XML
	var doc gpxFile
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Tracks, 1)
	assert.Len(t, doc.Tracks[0].Segments[0].Points, 2)
}

func TestWriteKML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, []Segment{
		{Points: []Point{
			{Latitude: 52, Longitude: 4},
			{Latitude: 52.000001, Longitude: 4.000001},
			{Latitude: 52.001, Longitude: 4},
			{Latitude: 52, Longitude: 4},
		}},
		{Points: []Point{{Latitude: 52, Longitude: 4}}},
	}))

	out := buf.String()
	assert.Contains(t, out, `<kml xmlns="http://www.opengis.net/kml/2.2">`)
	assert.Contains(t, out, "<name>Exported by GeoLog</name>")
	assert.Contains(t, out, "<name>Track 1</name>")
	assert.Contains(t, out, "<name>Track 2</name>")
	assert.Contains(t, out, "<styleUrl>#red</styleUrl>")
	assert.Contains(t, out, "<altitudeMode>clampToGround</altitudeMode>")

	var doc kmlFile
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))
	placemarks := doc.Document.Folder.Placemarks
	require.Len(t, placemarks, 2)
	assert.Equal(t, "4.00000,52.00000 4.00000,52.00100 4.00000,52.00000", placemarks[0].LineString.Coordinates)
	// Повторы не переносятся между сегментами
	assert.Equal(t, "4.00000,52.00000", placemarks[1].LineString.Coordinates)
}

func TestWrite_UnknownFormat(t *testing.T) {
	assert.Error(t, Write(&bytes.Buffer{}, Format("csv"), nil))
}

func TestExporter_ReadsAllPages(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	n := pageSize + pageSize/2
	for i := 0; i < n; i++ {
		s := sample(i, 52+float64(i)*0.0001)
		s.IsSegmentStart = i == 0
		_, err := store.SaveSample(ctx, s)
		require.NoError(t, err)
	}

	segments, err := NewExporter(store).Segments(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Len(t, segments[0].Points, n)
}

func TestExporter_TimeRange(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	for i := 0; i < 20; i++ {
		_, err := store.SaveSample(ctx, sample(i*60, 52+float64(i)*0.005))
		require.NoError(t, err)
	}

	opts := DefaultOptions()
	opts.Format = FormatKML
	opts.Start = base.Add(10 * time.Minute)
	opts.End = base.Add(15 * time.Minute)

	var buf bytes.Buffer
	count, err := NewExporter(store).Export(ctx, &buf, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var doc kmlFile
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Document.Folder.Placemarks, 1)
	coords := strings.Fields(doc.Document.Folder.Placemarks[0].LineString.Coordinates)
	assert.Len(t, coords, 6)
	assert.Equal(t, "4.00000,52.05000", coords[0])
}
