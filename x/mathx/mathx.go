package mathx

import "golang.org/x/exp/constraints"

// Number is any integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MapRange maps x from [inMin,inMax] onto [outMin,outMax] linearly, without
// clamping. Computed in float64; a degenerate input range returns outMin.
func MapRange[T Number](x, inMin, inMax, outMin, outMax T) float64 {
	if inMax == inMin {
		return float64(outMin)
	}
	return float64(outMin) + (float64(x)-float64(inMin))*(float64(outMax)-float64(outMin))/(float64(inMax)-float64(inMin))
}

// Percent maps x within [lo,hi] to 0..100, clamped.
func Percent[T Number](x, lo, hi T) float64 {
	return Clamp(MapRange(x, lo, hi, 0, 100), 0, 100)
}
