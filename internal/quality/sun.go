package quality

import (
	"math"
	"time"
)

// Phase is a daylight classification used to scale the pixelation gate's
// sensitivity — a grainy nighttime frame is normal, a grainy midday frame
// is not.
type Phase string

const (
	PhaseDay             Phase = "day"
	PhaseCivilTwilight   Phase = "civil_twilight"
	PhaseNauticalTwilight Phase = "nautical_twilight"
	PhaseNight           Phase = "night"
)

// SolarElevationDegrees computes the sun's elevation angle above the
// horizon at (lat, lon) and instant t, using the standard NOAA
// solar-position approximation (low-precision, adequate for day/
// twilight/night classification — not for ephemeris-grade astronomy).
func SolarElevationDegrees(lat, lon float64, t time.Time) float64 {
	utc := t.UTC()

	jd := julianDay(utc)
	jc := (jd - 2451545.0) / 36525.0

	geomMeanLongSun := math.Mod(280.46646+jc*(36000.76983+jc*0.0003032), 360.0)
	geomMeanAnomSun := 357.52911 + jc*(35999.05029-0.0001537*jc)
	eccentEarthOrbit := 0.016708634 - jc*(0.000042037+0.0000001267*jc)

	sunEqOfCtr := math.Sin(deg2rad(geomMeanAnomSun))*(1.914602-jc*(0.004817+0.000014*jc)) +
		math.Sin(deg2rad(2*geomMeanAnomSun))*(0.019993-0.000101*jc) +
		math.Sin(deg2rad(3*geomMeanAnomSun))*0.000289

	sunTrueLong := geomMeanLongSun + sunEqOfCtr

	meanObliqEcliptic := 23 + (26+(21.448-jc*(46.815+jc*(0.00059-jc*0.001813)))/60)/60
	obliqCorr := meanObliqEcliptic + 0.00256*math.Cos(deg2rad(125.04-1934.136*jc))

	sunAppLong := sunTrueLong - 0.00569 - 0.00478*math.Sin(deg2rad(125.04-1934.136*jc))
	sunDeclin := rad2deg(math.Asin(math.Sin(deg2rad(obliqCorr)) * math.Sin(deg2rad(sunAppLong))))

	y := math.Tan(deg2rad(obliqCorr/2)) * math.Tan(deg2rad(obliqCorr/2))
	eqOfTime := 4 * rad2deg(y*math.Sin(2*deg2rad(geomMeanLongSun))-
		2*eccentEarthOrbit*math.Sin(deg2rad(geomMeanAnomSun))+
		4*eccentEarthOrbit*y*math.Sin(deg2rad(geomMeanAnomSun))*math.Cos(2*deg2rad(geomMeanLongSun))-
		0.5*y*y*math.Sin(4*deg2rad(geomMeanLongSun))-
		1.25*eccentEarthOrbit*eccentEarthOrbit*math.Sin(2*deg2rad(geomMeanAnomSun)))

	minutesPastMidnight := float64(utc.Hour()*60+utc.Minute()) + float64(utc.Second())/60.0
	trueSolarTime := math.Mod(minutesPastMidnight+eqOfTime+4*lon, 1440)
	if trueSolarTime < 0 {
		trueSolarTime += 1440
	}

	hourAngle := trueSolarTime/4 - 180
	if trueSolarTime < 0 {
		hourAngle = trueSolarTime/4 + 180
	}

	zenith := rad2deg(math.Acos(
		math.Sin(deg2rad(lat))*math.Sin(deg2rad(sunDeclin)) +
			math.Cos(deg2rad(lat))*math.Cos(deg2rad(sunDeclin))*math.Cos(deg2rad(hourAngle)),
	))

	return 90 - zenith
}

// ClassifyPhase maps a solar elevation to a daylight phase per the
// standard twilight-angle boundaries.
func ClassifyPhase(elevationDegrees float64) Phase {
	switch {
	case elevationDegrees > -0.833:
		return PhaseDay
	case elevationDegrees > -6:
		return PhaseCivilTwilight
	case elevationDegrees > -12:
		return PhaseNauticalTwilight
	default:
		return PhaseNight
	}
}

// PhaseAt is a convenience wrapper combining SolarElevationDegrees and
// ClassifyPhase for a given location and instant.
func PhaseAt(lat, lon float64, t time.Time) Phase {
	return ClassifyPhase(SolarElevationDegrees(lat, lon, t))
}

func julianDay(t time.Time) float64 {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	dayFrac := float64(day) + (float64(hour)+float64(min)/60+float64(sec)/3600)/24

	if month <= 2 {
		year--
		month += 12
	}
	a := math.Floor(float64(year) / 100)
	b := 2 - a + math.Floor(a/4)

	return math.Floor(365.25*(float64(year)+4716)) + math.Floor(30.6001*(float64(month)+1)) + dayFrac + b - 1524.5
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
