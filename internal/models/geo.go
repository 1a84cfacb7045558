package models

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/mmcloughlin/geohash"
)

// EarthRadiusMeters средний радиус Земли
const EarthRadiusMeters = 6371008.8

// GeoPoint представляет географическую точку
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate проверяет корректность координат
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	return nil
}

// LatLng возвращает точку в представлении s2
func (p GeoPoint) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Latitude, p.Longitude)
}

// DistanceTo вычисляет расстояние до другой точки в метрах по большому кругу
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	var angle s1.Angle = p.LatLng().Distance(other.LatLng())
	return angle.Radians() * EarthRadiusMeters
}

// Geohash возвращает geohash для точки с заданной точностью
func (p GeoPoint) Geohash(precision int) string {
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, uint(precision))
}

// Bounds представляет географические границы
type Bounds struct {
	Southwest GeoPoint `json:"sw"`
	Northeast GeoPoint `json:"ne"`
}

// NewBounds создает границы из одной точки
func NewBounds(p GeoPoint) Bounds {
	return Bounds{Southwest: p, Northeast: p}
}

// Extend расширяет границы до точки
func (b *Bounds) Extend(p GeoPoint) {
	b.Southwest.Latitude = math.Min(b.Southwest.Latitude, p.Latitude)
	b.Southwest.Longitude = math.Min(b.Southwest.Longitude, p.Longitude)
	b.Northeast.Latitude = math.Max(b.Northeast.Latitude, p.Latitude)
	b.Northeast.Longitude = math.Max(b.Northeast.Longitude, p.Longitude)
}

// Contains проверяет, содержится ли точка в границах
func (b Bounds) Contains(p GeoPoint) bool {
	return p.Latitude >= b.Southwest.Latitude && p.Latitude <= b.Northeast.Latitude &&
		p.Longitude >= b.Southwest.Longitude && p.Longitude <= b.Northeast.Longitude
}

// DiagonalMeters возвращает диагональ границ в метрах
func (b Bounds) DiagonalMeters() float64 {
	return b.Southwest.DistanceTo(b.Northeast)
}
