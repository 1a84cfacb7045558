package models

import (
	"fmt"
	"math"
	"time"
)

// Battery уровень заряда батареи устройства
type Battery struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

// Legacy возвращает совместимое с хранилищем значение: level+100 при зарядке
func (b Battery) Legacy() int {
	if b.Charging {
		return b.Level + 100
	}
	return b.Level
}

// BatteryFromLegacy разбирает значение из хранилища
func BatteryFromLegacy(v int) Battery {
	if v > 100 {
		return Battery{Level: v - 100, Charging: true}
	}
	return Battery{Level: v}
}

// RawFix сырая позиция от источника локаций
type RawFix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  *float64  `json:"alt,omitempty"`
	Bearing   *float32  `json:"bearing,omitempty"`
	Speed     *float32  `json:"speed,omitempty"`
	AccuracyM *float32  `json:"accuracy,omitempty"`
	Time      time.Time `json:"time"`
}

// Point возвращает координаты фикса
func (f RawFix) Point() GeoPoint {
	return GeoPoint{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Validate проверяет координаты фикса
func (f RawFix) Validate() error {
	if err := f.Point().Validate(); err != nil {
		return fmt.Errorf("fix: %w", err)
	}
	if f.Altitude != nil && !finite(*f.Altitude) {
		return fmt.Errorf("fix: invalid altitude %f", *f.Altitude)
	}
	if f.Bearing != nil && !finite(float64(*f.Bearing)) {
		return fmt.Errorf("fix: invalid bearing %f", *f.Bearing)
	}
	if f.Speed != nil && !finite(float64(*f.Speed)) {
		return fmt.Errorf("fix: invalid speed %f", *f.Speed)
	}
	if f.AccuracyM != nil {
		if !finite(float64(*f.AccuracyM)) {
			return fmt.Errorf("fix: invalid accuracy %f", *f.AccuracyM)
		}
		if *f.AccuracyM < 0 {
			return fmt.Errorf("fix: negative accuracy %f", *f.AccuracyM)
		}
	}
	return nil
}

// finite отсекает NaN и бесконечности
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// LocationSample сохраненный сэмпл локации
type LocationSample struct {
	ID                  int64     `json:"id"`
	LogGroupID          int64     `json:"log_id"`
	Activity            Activity  `json:"activity"`
	Confidence          int       `json:"confidence"`
	Time                time.Time `json:"time"`
	Latitude            float64   `json:"lat"`
	Longitude           float64   `json:"lon"`
	Altitude            float64   `json:"altitude"`
	HasAltitude         bool      `json:"has_altitude"`
	Bearing             float32   `json:"bearing"`
	HasBearing          bool      `json:"has_bearing"`
	Speed               float32   `json:"speed"`
	HasSpeed            bool      `json:"has_speed"`
	AccuracyDistance    float32   `json:"accuracy_distance"`
	HasAccuracyDistance bool      `json:"has_accuracy_distance"`
	Battery             Battery   `json:"battery"`
	AccuracySetting     Accuracy  `json:"accuracy_setting"`
	IsSegmentStart      bool      `json:"is_segment_start"`
}

// Point возвращает координаты сэмпла
func (s *LocationSample) Point() GeoPoint {
	return GeoPoint{Latitude: s.Latitude, Longitude: s.Longitude}
}

// ApplyFix копирует изменяемые поля фикса в сэмпл
func (s *LocationSample) ApplyFix(f RawFix) {
	s.Time = f.Time
	s.Latitude = f.Latitude
	s.Longitude = f.Longitude

	s.HasAltitude = f.Altitude != nil
	s.Altitude = 0
	if s.HasAltitude {
		s.Altitude = *f.Altitude
	}
	s.HasBearing = f.Bearing != nil
	s.Bearing = 0
	if s.HasBearing {
		s.Bearing = *f.Bearing
	}
	s.HasSpeed = f.Speed != nil
	s.Speed = 0
	if s.HasSpeed {
		s.Speed = *f.Speed
	}
	s.HasAccuracyDistance = f.AccuracyM != nil
	s.AccuracyDistance = 0
	if s.HasAccuracyDistance {
		s.AccuracyDistance = *f.AccuracyM
	}
}

// Clone возвращает копию сэмпла
func (s *LocationSample) Clone() *LocationSample {
	c := *s
	return &c
}
