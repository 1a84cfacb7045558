package models

// Интервалы в секундах для встроенных профилей
const (
	IntervalOff = 0

	IntervalNavHighAccuracyFoot    = 15
	IntervalNavHighAccuracyBicycle = 5
	IntervalNavHighAccuracyVehicle = 1
	IntervalNavHighAccuracyFixed   = 90

	IntervalNavLowPowerFoot    = 90
	IntervalNavLowPowerBicycle = 30
	IntervalNavLowPowerVehicle = 6
	IntervalNavLowPowerFixed   = 180

	IntervalVeryFast   = 30
	IntervalFaster     = 60
	IntervalFast       = 2 * 60
	IntervalMediumFast = 3 * 60
	IntervalMedium     = 5 * 60
	IntervalSlow       = 10 * 60
	IntervalSlower     = 15 * 60
)

// DefaultReduceAccuracyDelay задержка понижения точности встроенных профилей
const DefaultReduceAccuracyDelay = 300

// OffProfileName имя служебного профиля Off
const OffProfileName = "Off"

func same(acc Accuracy, interval int) ActivitySettings {
	return ActivitySettings{Accuracy: acc, ActivityInterval: interval, LocationInterval: interval}
}

// OffProfile профиль, выключающий сэмплирование
func OffProfile() *Profile {
	return &Profile{Name: OffProfileName, Kind: ProfileOff}
}

// Presets возвращает встроенные профили в порядке создания
func Presets() []*Profile {
	preset := func(name string) *Profile {
		return &Profile{Name: name, Kind: ProfilePreset, ReduceAccuracyDelay: DefaultReduceAccuracyDelay}
	}

	lowSlow := preset("Low power - slow")
	lowSlow.Unknown = same(AccuracyLow, IntervalNavLowPowerVehicle*12)
	lowSlow.Still = same(AccuracyNone, IntervalNavLowPowerFoot*4)
	lowSlow.Foot = same(AccuracyLow, IntervalNavLowPowerFoot*4)
	lowSlow.Bicycle = same(AccuracyLow, IntervalNavLowPowerBicycle*8)
	lowSlow.Vehicle = same(AccuracyLow, IntervalNavLowPowerVehicle*12)

	lowFast := preset("Low power - fast")
	lowFast.Unknown = same(AccuracyLow, IntervalNavLowPowerVehicle)
	lowFast.Still = same(AccuracyNone, IntervalNavLowPowerFoot)
	lowFast.Foot = same(AccuracyLow, IntervalNavLowPowerFoot)
	lowFast.Bicycle = same(AccuracyLow, IntervalNavLowPowerBicycle)
	lowFast.Vehicle = same(AccuracyLow, IntervalNavLowPowerVehicle)

	lowFixed := preset("Low power - fixed interval")
	lowFixed.Unknown = ActivitySettings{Accuracy: AccuracyLow, ActivityInterval: IntervalOff, LocationInterval: IntervalNavLowPowerFixed}
	lowFixed.Still = same(AccuracyLow, IntervalNavLowPowerFixed)
	lowFixed.Foot = same(AccuracyLow, IntervalNavLowPowerFixed)
	lowFixed.Bicycle = same(AccuracyLow, IntervalNavLowPowerFixed)
	lowFixed.Vehicle = same(AccuracyLow, IntervalNavLowPowerFixed)

	highSlow := preset("High accuracy - slow")
	highSlow.Unknown = same(AccuracyHigh, IntervalNavHighAccuracyVehicle*36)
	highSlow.Still = same(AccuracyNone, IntervalNavHighAccuracyFoot*8)
	highSlow.Foot = same(AccuracyHigh, IntervalNavHighAccuracyFoot*8)
	highSlow.Bicycle = same(AccuracyHigh, IntervalNavHighAccuracyBicycle*16)
	highSlow.Vehicle = same(AccuracyHigh, IntervalNavHighAccuracyVehicle*36)

	highFast := preset("High accuracy - fast")
	highFast.Unknown = same(AccuracyHigh, IntervalNavHighAccuracyVehicle)
	highFast.Still = same(AccuracyNone, IntervalNavHighAccuracyFoot)
	highFast.Foot = same(AccuracyHigh, IntervalNavHighAccuracyFoot)
	highFast.Bicycle = same(AccuracyHigh, IntervalNavHighAccuracyBicycle)
	highFast.Vehicle = same(AccuracyHigh, IntervalNavHighAccuracyVehicle)

	highFixed := preset("High accuracy - fixed interval")
	highFixed.Unknown = ActivitySettings{Accuracy: AccuracyHigh, ActivityInterval: IntervalOff, LocationInterval: IntervalNavHighAccuracyFixed}
	highFixed.Still = same(AccuracyHigh, IntervalNavHighAccuracyFixed)
	highFixed.Foot = same(AccuracyHigh, IntervalNavHighAccuracyFixed)
	highFixed.Bicycle = same(AccuracyHigh, IntervalNavHighAccuracyFixed)
	highFixed.Vehicle = same(AccuracyHigh, IntervalNavHighAccuracyFixed)

	photoWalk := func(name string, acc Accuracy) *Profile {
		p := preset(name)
		p.Unknown = ActivitySettings{Accuracy: acc, ActivityInterval: IntervalVeryFast, LocationInterval: IntervalMediumFast}
		p.Still = ActivitySettings{Accuracy: AccuracyNone, ActivityInterval: IntervalFaster, LocationInterval: IntervalMediumFast}
		p.Foot = same(acc, IntervalMediumFast)
		p.Bicycle = same(AccuracyNone, IntervalMediumFast)
		p.Vehicle = same(AccuracyNone, IntervalMediumFast)
		return p
	}

	return []*Profile{
		lowSlow,
		lowFast,
		lowFixed,
		highSlow,
		highFast,
		highFixed,
		photoWalk("Photo walk - low power", AccuracyLow),
		photoWalk("Photo walk - high accuracy", AccuracyHigh),
	}
}
