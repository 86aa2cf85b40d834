// Package derating computes the usable generator output current from ambient
// temperature, altitude and generator temperature.
package derating

import "math"

const (
	BaseTemperatureF    = 77.0
	TempCoefficient     = 0.006
	AltitudeCoefficient = 0.00003

	HighGenTempF       = 222.0
	MediumGenTempF     = 215.0
	HighGenReduction   = 0.86
	MediumGenReduction = 0.93

	OutputBuffer    = 0.9
	RatedOutputAmps = 62.5
)

// Inputs are the readings a derating computation needs. A nil field is an
// unavailable reading.
type Inputs struct {
	OutdoorTempF   *float64
	AltitudeFt     *float64
	GeneratorTempF *float64
}

// Complete reports whether every reading is available.
func (in Inputs) Complete() bool {
	return in.OutdoorTempF != nil && in.AltitudeFt != nil && in.GeneratorTempF != nil
}

// Multiplier returns the output-current multiplier, always in [0, OutputBuffer].
func Multiplier(tempF, altitudeFt, genTempF float64) float64 {
	tempMul := 1.0
	if tempF > BaseTemperatureF {
		tempMul = math.Max(0, 1-(tempF-BaseTemperatureF)*TempCoefficient)
	}

	altMul := math.Max(0, 1-altitudeFt*AltitudeCoefficient)

	genMul := 1.0
	switch {
	case genTempF >= HighGenTempF:
		genMul = HighGenReduction
	case genTempF >= MediumGenTempF:
		genMul = MediumGenReduction
	}

	m := tempMul * altMul * genMul * OutputBuffer
	// Below sea level altMul exceeds 1; NaN inputs fall through to 0.
	if !(m >= 0) {
		return 0
	}
	return math.Min(m, OutputBuffer)
}

// OutputAmps converts a multiplier to a current limit rounded to 0.1 A.
func OutputAmps(multiplier float64) float64 {
	return math.Round(RatedOutputAmps*multiplier*10) / 10
}

// Compute returns the derated current limit and the multiplier behind it.
// ok is false when any input is missing; no defaults are substituted.
func Compute(in Inputs) (amps, multiplier float64, ok bool) {
	if !in.Complete() {
		return 0, 0, false
	}
	multiplier = Multiplier(*in.OutdoorTempF, *in.AltitudeFt, *in.GeneratorTempF)
	return OutputAmps(multiplier), multiplier, true
}

// CelsiusToFahrenheit converts a temperature reading.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// MetersToFeet converts an altitude reading.
func MetersToFeet(m float64) float64 {
	return m * 3.28084
}
