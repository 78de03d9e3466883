// Package esmutils converts meter units to the integer units stored in
// the meter database.
package esmutils

import "math"

// toMilli rounds v*1000, clamping negative values to 0.
func toMilli(v float64) uint32 {
	if v < 0 {
		return 0
	}
	return uint32(math.Round(v * 1000))
}

func KwToW(kw float64) uint32 {
	return toMilli(kw)
}

func WToKw(w uint32) float64 {
	return float64(w) / 1000
}

// KwhToWh is used for meter standings.
func KwhToWh(kwh float64) uint32 {
	return toMilli(kwh)
}

func WhToKwh(wh uint32) float64 {
	return float64(wh) / 1000
}

// M3ToDM3 converts a gas standing, 1 m³ = 1000 dm³.
func M3ToDM3(m3 float64) uint32 {
	return toMilli(m3)
}

func DM3ToM3(dm3 uint32) float64 {
	return float64(dm3) / 1000
}
