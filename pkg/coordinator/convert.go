package coordinator

import (
	"math"
	"strings"
)

// round2 rounds to two decimals, ties to even.
func round2(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

// ConvertToKilo converts a value reported in unit to its kilo unit. Units
// starting with "k" are already kilo, units starting with "M" are mega and
// anything else is taken as the base unit. A nil value is 0.
func ConvertToKilo(value *float64, unit string) float64 {
	if value == nil {
		return 0
	}
	switch {
	case strings.HasPrefix(unit, "k"):
		return *value
	case strings.HasPrefix(unit, "M"):
		return *value * 1000
	}
	return round2(*value / 1000)
}

// ConvertToMega converts a value reported in unit to its mega unit, see
// ConvertToKilo.
func ConvertToMega(value *float64, unit string) float64 {
	if value == nil {
		return 0
	}
	switch {
	case strings.HasPrefix(unit, "k"):
		return round2(*value / 1000)
	case strings.HasPrefix(unit, "M"):
		return *value
	}
	return round2(*value / 1000 / 1000)
}
