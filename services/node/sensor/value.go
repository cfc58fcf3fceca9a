package sensor

import (
	"strconv"

	"nodemanager-go/types"

	"github.com/montanaflynn/stats"
)

// Value is a reading; Kind selects the valid member.
type Value struct {
	Kind  types.ValueKind
	Int   int64
	Float float64
	Str   string
}

func IntValue(v int64) Value     { return Value{Kind: types.KindInteger, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: types.KindFloat, Float: v} }
func StringValue(v string) Value { return Value{Kind: types.KindString, Str: v} }

// Payload formats the value for the wire; floats use precision decimals.
func (v Value) Payload(precision int) string {
	switch v.Kind {
	case types.KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case types.KindFloat:
		if precision < 0 {
			precision = 0
		}
		return strconv.FormatFloat(v.Float, 'f', precision, 64)
	default:
		return v.Str
	}
}

// Equal compares two values as they would be reported.
func (v Value) Equal(o Value, precision int) bool {
	return v.Kind == o.Kind && v.Payload(precision) == o.Payload(precision)
}

func (v Value) number() (float64, bool) {
	switch v.Kind {
	case types.KindInteger:
		return float64(v.Int), true
	case types.KindFloat:
		return v.Float, true
	default:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	}
}

// As converts v to kind. Integer conversion truncates toward zero.
func (v Value) As(kind types.ValueKind, precision int) Value {
	if v.Kind == kind {
		return v
	}
	switch kind {
	case types.KindString:
		return StringValue(v.Payload(precision))
	case types.KindInteger:
		f, _ := v.number()
		return IntValue(int64(f))
	default:
		f, _ := v.number()
		return FloatValue(f)
	}
}

// combine reduces samples to one value of the given kind: numeric kinds
// average, strings keep the last sample.
func combine(samples []Value, kind types.ValueKind, precision int) Value {
	last := samples[len(samples)-1]
	if kind == types.KindString || len(samples) == 1 {
		return last.As(kind, precision)
	}
	data := make(stats.Float64Data, 0, len(samples))
	for _, s := range samples {
		f, ok := s.number()
		if !ok {
			return last.As(kind, precision)
		}
		data = append(data, f)
	}
	mean, err := stats.Mean(data)
	if err != nil {
		return last.As(kind, precision)
	}
	return FloatValue(mean).As(kind, precision)
}
