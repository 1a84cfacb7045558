package models

import (
	"fmt"
	"strings"
)

// ActivitySettings настройки сэмплирования для одного класса активности.
// Интервалы в секундах, 0 означает "выключено".
type ActivitySettings struct {
	Accuracy         Accuracy `json:"accuracy" yaml:"accuracy"`
	ActivityInterval int      `json:"activity_interval" yaml:"activity_interval"`
	LocationInterval int      `json:"location_interval" yaml:"location_interval"`
}

// Normalized возвращает копию с отрицательными интервалами, замененными на 0
func (s ActivitySettings) Normalized() ActivitySettings {
	if s.ActivityInterval < 0 {
		s.ActivityInterval = 0
	}
	if s.LocationInterval < 0 {
		s.LocationInterval = 0
	}
	if _, ok := accuracyNames[s.Accuracy]; !ok {
		s.Accuracy = AccuracyNone
	}
	return s
}

// Profile именованная конфигурация политики сэмплирования
type Profile struct {
	ID                  int64            `json:"id" yaml:"-"`
	Name                string           `json:"name" yaml:"name"`
	Kind                ProfileKind      `json:"kind" yaml:"kind"`
	ReduceAccuracyDelay int              `json:"reduce_accuracy_delay" yaml:"reduce_accuracy_delay"`
	Unknown             ActivitySettings `json:"unknown" yaml:"unknown"`
	Still               ActivitySettings `json:"still" yaml:"still"`
	Foot                ActivitySettings `json:"foot" yaml:"foot"`
	Bicycle             ActivitySettings `json:"bicycle" yaml:"bicycle"`
	Vehicle             ActivitySettings `json:"vehicle" yaml:"vehicle"`
}

// ActivityRecognitionEnabled false, если у Unknown интервал активности 0:
// распознавание выключено и активность всегда Unknown
func (p *Profile) ActivityRecognitionEnabled() bool {
	return p.Unknown.Normalized().ActivityInterval > 0
}

// Settings возвращает нормализованные настройки для класса активности
func (p *Profile) Settings(a Activity) ActivitySettings {
	if !p.ActivityRecognitionEnabled() {
		return p.Unknown.Normalized()
	}
	if s := p.settingsRef(a); s != nil {
		return s.Normalized()
	}
	return p.Unknown.Normalized()
}

// SetSettings заменяет настройки для класса активности
func (p *Profile) SetSettings(a Activity, s ActivitySettings) {
	if ref := p.settingsRef(a); ref != nil {
		*ref = s
	}
}

func (p *Profile) settingsRef(a Activity) *ActivitySettings {
	switch a {
	case ActivityUnknown:
		return &p.Unknown
	case ActivityStill:
		return &p.Still
	case ActivityFoot:
		return &p.Foot
	case ActivityBicycle:
		return &p.Bicycle
	case ActivityVehicle:
		return &p.Vehicle
	}
	return nil
}

// RelaxDelay возвращает задержку понижения точности, не меньше 0
func (p *Profile) RelaxDelay() int {
	if p.ReduceAccuracyDelay < 0 {
		return 0
	}
	return p.ReduceAccuracyDelay
}

// IsOff true для служебного профиля, выключающего сэмплирование
func (p *Profile) IsOff() bool {
	return p.Kind == ProfileOff
}

// Normalize заменяет отрицательные значения на 0
func (p *Profile) Normalize() {
	if p.ReduceAccuracyDelay < 0 {
		p.ReduceAccuracyDelay = 0
	}
	for _, a := range Activities {
		ref := p.settingsRef(a)
		*ref = ref.Normalized()
	}
}

// Validate проверяет профиль перед сохранением
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if _, ok := profileKindNames[p.Kind]; !ok {
		return fmt.Errorf("profile kind %d: %w", int(p.Kind), ErrInvalidOrdinal)
	}
	if p.ReduceAccuracyDelay < 0 {
		return fmt.Errorf("reduce accuracy delay must not be negative")
	}
	for _, a := range Activities {
		s := p.settingsRef(a)
		if s.ActivityInterval < 0 || s.LocationInterval < 0 {
			return fmt.Errorf("%s: intervals must not be negative", a)
		}
		if _, ok := accuracyNames[s.Accuracy]; !ok {
			return fmt.Errorf("%s: accuracy %d: %w", a, int(s.Accuracy), ErrInvalidOrdinal)
		}
	}
	return nil
}

// Clone возвращает полную копию профиля, включая ID
func (p *Profile) Clone() *Profile {
	c := *p
	return &c
}

// Copy возвращает пользовательскую копию профиля без ID
func (p *Profile) Copy(name string) *Profile {
	c := p.Clone()
	c.ID = 0
	c.Kind = ProfileUser
	c.Name = name
	return c
}
