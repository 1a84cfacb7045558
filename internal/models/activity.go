package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOrdinal возвращается при декодировании неизвестного порядкового значения
var ErrInvalidOrdinal = errors.New("invalid ordinal")

// Activity класс активности, определенный распознаванием движения
type Activity int

const (
	ActivityUnknown Activity = iota
	ActivityStill
	ActivityFoot
	ActivityBicycle
	ActivityVehicle
)

// Activities все классы активности в порядке ординалов
var Activities = []Activity{ActivityUnknown, ActivityStill, ActivityFoot, ActivityBicycle, ActivityVehicle}

var activityNames = map[Activity]string{
	ActivityUnknown: "unknown",
	ActivityStill:   "still",
	ActivityFoot:    "foot",
	ActivityBicycle: "bicycle",
	ActivityVehicle: "vehicle",
}

func (a Activity) String() string {
	if name, ok := activityNames[a]; ok {
		return name
	}
	return fmt.Sprintf("activity(%d)", int(a))
}

// Label возвращает название для строки статуса
func (a Activity) Label() string {
	switch a {
	case ActivityStill:
		return "Still"
	case ActivityFoot:
		return "Foot"
	case ActivityBicycle:
		return "Bicycle"
	case ActivityVehicle:
		return "Vehicle"
	default:
		return "Unknown"
	}
}

// ActivityFromOrdinal декодирует значение, сохраненное в базе
func ActivityFromOrdinal(v int) (Activity, error) {
	a := Activity(v)
	if _, ok := activityNames[a]; !ok {
		return ActivityUnknown, fmt.Errorf("activity %d: %w", v, ErrInvalidOrdinal)
	}
	return a, nil
}

// ParseActivity разбирает текстовое имя активности
func ParseActivity(s string) (Activity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range activityNames {
		if name == s {
			return a, nil
		}
	}
	return ActivityUnknown, fmt.Errorf("unknown activity %q", s)
}

func (a Activity) MarshalText() ([]byte, error) {
	if _, ok := activityNames[a]; !ok {
		return nil, fmt.Errorf("activity %d: %w", int(a), ErrInvalidOrdinal)
	}
	return []byte(a.String()), nil
}

func (a *Activity) UnmarshalText(text []byte) error {
	v, err := ParseActivity(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Accuracy уровень точности/энергопотребления GPS
type Accuracy int

const (
	AccuracyNone Accuracy = iota
	AccuracyLow
	AccuracyHigh
)

var accuracyNames = map[Accuracy]string{
	AccuracyNone: "none",
	AccuracyLow:  "low",
	AccuracyHigh: "high",
}

func (a Accuracy) String() string {
	if name, ok := accuracyNames[a]; ok {
		return name
	}
	return fmt.Sprintf("accuracy(%d)", int(a))
}

// Priority приоритет питания, который запрашивается у источника локаций
func (a Accuracy) Priority() string {
	switch a {
	case AccuracyLow:
		return "balanced_power"
	case AccuracyHigh:
		return "high_accuracy"
	default:
		return "no_power"
	}
}

// AccuracyFromOrdinal декодирует значение, сохраненное в базе
func AccuracyFromOrdinal(v int) (Accuracy, error) {
	a := Accuracy(v)
	if _, ok := accuracyNames[a]; !ok {
		return AccuracyNone, fmt.Errorf("accuracy %d: %w", v, ErrInvalidOrdinal)
	}
	return a, nil
}

// ParseAccuracy разбирает текстовое имя уровня точности
func ParseAccuracy(s string) (Accuracy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range accuracyNames {
		if name == s {
			return a, nil
		}
	}
	return AccuracyNone, fmt.Errorf("unknown accuracy %q", s)
}

func (a Accuracy) MarshalText() ([]byte, error) {
	if _, ok := accuracyNames[a]; !ok {
		return nil, fmt.Errorf("accuracy %d: %w", int(a), ErrInvalidOrdinal)
	}
	return []byte(a.String()), nil
}

func (a *Accuracy) UnmarshalText(text []byte) error {
	v, err := ParseAccuracy(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ProfileKind тип профиля
type ProfileKind int

const (
	ProfileOff ProfileKind = iota
	ProfilePreset
	ProfileUser
)

var profileKindNames = map[ProfileKind]string{
	ProfileOff:    "off",
	ProfilePreset: "preset",
	ProfileUser:   "user",
}

func (k ProfileKind) String() string {
	if name, ok := profileKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ProfileKindFromOrdinal декодирует значение, сохраненное в базе
func ProfileKindFromOrdinal(v int) (ProfileKind, error) {
	k := ProfileKind(v)
	if _, ok := profileKindNames[k]; !ok {
		return ProfileOff, fmt.Errorf("profile kind %d: %w", v, ErrInvalidOrdinal)
	}
	return k, nil
}

// ParseProfileKind разбирает текстовое имя типа профиля
func ParseProfileKind(s string) (ProfileKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range profileKindNames {
		if name == s {
			return k, nil
		}
	}
	return ProfileOff, fmt.Errorf("unknown profile kind %q", s)
}

func (k ProfileKind) MarshalText() ([]byte, error) {
	if _, ok := profileKindNames[k]; !ok {
		return nil, fmt.Errorf("profile kind %d: %w", int(k), ErrInvalidOrdinal)
	}
	return []byte(k.String()), nil
}

func (k *ProfileKind) UnmarshalText(text []byte) error {
	v, err := ParseProfileKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Units система единиц для строки статуса
type Units int

const (
	UnitsMetric Units = iota
	UnitsImperial
)

// MeterFeetRatio коэффициент перевода метров в футы
const MeterFeetRatio = 3.28084

// ParseUnits разбирает "metric" или "imperial"
func ParseUnits(s string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "metric", "":
		return UnitsMetric, nil
	case "imperial":
		return UnitsImperial, nil
	}
	return UnitsMetric, fmt.Errorf("unknown units %q", s)
}

func (u Units) String() string {
	if u == UnitsImperial {
		return "imperial"
	}
	return "metric"
}

// FormatDistance переводит метры в текущую систему единиц
func (u Units) FormatDistance(meters float64) (float64, string) {
	if u == UnitsImperial {
		return meters * MeterFeetRatio, "ft"
	}
	return meters, "m"
}
