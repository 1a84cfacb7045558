package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/pkg/utils"
)

// EventKind тип входящего события по последнему сегменту топика
type EventKind string

const (
	EventActivity EventKind = "activity"
	EventLocation EventKind = "location"
	EventBattery  EventKind = "battery"
	EventProfile  EventKind = "profile"
)

// Номера полей бинарного фикса
const (
	fieldLat      protowire.Number = 1
	fieldLon      protowire.Number = 2
	fieldAltitude protowire.Number = 3
	fieldBearing  protowire.Number = 4
	fieldSpeed    protowire.Number = 5
	fieldAccuracy protowire.Number = 6
	fieldTimeMs   protowire.Number = 7
)

// ErrInvalidTopic топик не относится к устройствам geolog
var ErrInvalidTopic = errors.New("invalid topic")

// Event распарсенное входящее сообщение
type Event struct {
	Kind       EventKind
	Device     string
	Activity   models.Activity
	Confidence int
	Fix        models.RawFix
	Battery    models.Battery
	ProfileID  int64
}

type activityPayload struct {
	Activity   models.Activity `json:"activity"`
	Confidence int             `json:"confidence"`
}

type batteryPayload struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

type profilePayload struct {
	ID int64 `json:"id"`
}

type fixPayload struct {
	Lat      *float64   `json:"lat"`
	Lon      *float64   `json:"lon"`
	Alt      *float64   `json:"alt,omitempty"`
	Bearing  *float32   `json:"bearing,omitempty"`
	Speed    *float32   `json:"speed,omitempty"`
	Accuracy *float32   `json:"accuracy,omitempty"`
	TimeMs   *int64     `json:"time_ms,omitempty"`
	Time     *time.Time `json:"time,omitempty"`
}

// Parser парсер сообщений устройств
type Parser struct {
	prefix string
	logger *utils.Logger
}

// NewParser создает парсер для топиков вида <prefix>/<device>/<kind>
func NewParser(prefix string, logger *utils.Logger) *Parser {
	return &Parser{
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Parse разбирает сообщение. Неизвестный тип события возвращает nil без ошибки.
func (p *Parser) Parse(topic string, payload []byte) (*Event, error) {
	device, kind, err := p.splitTopic(topic)
	if err != nil {
		return nil, err
	}

	ev := &Event{Kind: kind, Device: device}
	switch kind {
	case EventActivity:
		var a activityPayload
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("activity payload: %w", err)
		}
		if a.Confidence < 0 || a.Confidence > 100 {
			return nil, fmt.Errorf("activity confidence %d out of range", a.Confidence)
		}
		ev.Activity = a.Activity
		ev.Confidence = a.Confidence

	case EventLocation:
		fix, err := ParseFix(payload)
		if err != nil {
			return nil, err
		}
		ev.Fix = fix

	case EventBattery:
		var b batteryPayload
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("battery payload: %w", err)
		}
		ev.Battery = models.Battery{Level: b.Level, Charging: b.Charging}

	case EventProfile:
		var pr profilePayload
		if err := json.Unmarshal(payload, &pr); err != nil {
			return nil, fmt.Errorf("profile payload: %w", err)
		}
		if pr.ID <= 0 {
			return nil, fmt.Errorf("profile id %d is invalid", pr.ID)
		}
		ev.ProfileID = pr.ID

	default:
		p.logger.WithField("topic", topic).Debug("Unsupported event kind")
		return nil, nil
	}
	return ev, nil
}

func (p *Parser) splitTopic(topic string) (string, EventKind, error) {
	rest := topic
	if p.prefix != "" {
		if !strings.HasPrefix(topic, p.prefix+"/") {
			return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
		}
		rest = strings.TrimPrefix(topic, p.prefix+"/")
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return parts[0], EventKind(parts[1]), nil
}

// ParseFix разбирает фикс: JSON, если payload начинается с '{', иначе protowire
func ParseFix(payload []byte) (models.RawFix, error) {
	if len(payload) == 0 {
		return models.RawFix{}, fmt.Errorf("empty location payload")
	}
	if payload[0] == '{' {
		return parseJSONFix(payload)
	}
	return parseWireFix(payload)
}

func parseJSONFix(payload []byte) (models.RawFix, error) {
	var f fixPayload
	if err := json.Unmarshal(payload, &f); err != nil {
		return models.RawFix{}, fmt.Errorf("location payload: %w", err)
	}
	if f.Lat == nil || f.Lon == nil {
		return models.RawFix{}, fmt.Errorf("location payload: lat and lon are required")
	}

	fix := models.RawFix{
		Latitude:  *f.Lat,
		Longitude: *f.Lon,
		Altitude:  f.Alt,
		Bearing:   f.Bearing,
		Speed:     f.Speed,
		AccuracyM: f.Accuracy,
	}
	switch {
	case f.TimeMs != nil:
		fix.Time = time.UnixMilli(*f.TimeMs).UTC()
	case f.Time != nil:
		fix.Time = f.Time.UTC()
	}
	return fix, fix.Validate()
}

func parseWireFix(b []byte) (models.RawFix, error) {
	var (
		fix            models.RawFix
		hasLat, hasLon bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fix, fmt.Errorf("location wire tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.Fixed64Type && (num == fieldLat || num == fieldLon || num == fieldAltitude):
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fix, fmt.Errorf("location wire field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			f := math.Float64frombits(v)
			switch num {
			case fieldLat:
				fix.Latitude, hasLat = f, true
			case fieldLon:
				fix.Longitude, hasLon = f, true
			default:
				fix.Altitude = &f
			}

		case typ == protowire.Fixed32Type && (num == fieldBearing || num == fieldSpeed || num == fieldAccuracy):
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fix, fmt.Errorf("location wire field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			f := math.Float32frombits(v)
			switch num {
			case fieldBearing:
				fix.Bearing = &f
			case fieldSpeed:
				fix.Speed = &f
			default:
				fix.AccuracyM = &f
			}

		case typ == protowire.VarintType && num == fieldTimeMs:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fix, fmt.Errorf("location wire field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			fix.Time = time.UnixMilli(int64(v)).UTC()

		default:
			// Неизвестные поля пропускаются
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fix, fmt.Errorf("location wire field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !hasLat || !hasLon {
		return fix, fmt.Errorf("location wire payload: lat and lon are required")
	}
	return fix, fix.Validate()
}

// EncodeFix кодирует фикс в бинарный формат
func EncodeFix(fix models.RawFix) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldLat, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(fix.Latitude))
	b = protowire.AppendTag(b, fieldLon, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(fix.Longitude))
	if fix.Altitude != nil {
		b = protowire.AppendTag(b, fieldAltitude, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*fix.Altitude))
	}
	if fix.Bearing != nil {
		b = protowire.AppendTag(b, fieldBearing, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*fix.Bearing))
	}
	if fix.Speed != nil {
		b = protowire.AppendTag(b, fieldSpeed, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*fix.Speed))
	}
	if fix.AccuracyM != nil {
		b = protowire.AppendTag(b, fieldAccuracy, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*fix.AccuracyM))
	}
	if !fix.Time.IsZero() {
		b = protowire.AppendTag(b, fieldTimeMs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(fix.Time.UnixMilli()))
	}
	return b
}
