package sensor

import (
	"context"
	"math"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"
	"nodemanager-go/x/mathx"
)

func init() {
	RegisterBuilder(types.SensorAnalogInput, BuilderFunc(buildAnalog(types.SensorAnalogInput)))
	RegisterBuilder(types.SensorLDR, BuilderFunc(buildAnalog(types.SensorLDR)))
	RegisterBuilder(types.SensorThermistor, BuilderFunc(buildThermistor))
}

// ---- Analog input / LDR ----

// AnalogOptions configure AnalogInput and LDR. Reference < 0 keeps the
// board default.
type AnalogOptions struct {
	Reference        int  `mapstructure:"reference"`
	Reverse          bool `mapstructure:"reverse"`
	OutputPercentage bool `mapstructure:"output_percentage"`
	RangeMin         int  `mapstructure:"range_min"`
	RangeMax         int  `mapstructure:"range_max"`
}

func DefaultAnalogOptions() AnalogOptions {
	return AnalogOptions{Reference: -1, OutputPercentage: true, RangeMin: 0, RangeMax: 1024}
}

// DefaultLDROptions are the analog defaults reversed, so more light reads
// higher.
func DefaultLDROptions() AnalogOptions {
	o := DefaultAnalogOptions()
	o.Reverse = true
	return o
}

// AnalogInput reports an ADC reading, optionally reversed and mapped to a
// percentage of [RangeMin, RangeMax].
type AnalogInput struct {
	*Base
	Opts AnalogOptions
	adc  hwcore.AnalogPin
}

func NewAnalogInput(env hwcore.Env, pin int, opts AnalogOptions) (*AnalogInput, error) {
	adc, err := env.Board.Analog(pin)
	if err != nil {
		return nil, err
	}
	if opts.RangeMax <= opts.RangeMin {
		return nil, errcode.Wrap(errcode.InvalidParams, "analog_input", "range_max must exceed range_min", nil)
	}
	s := &AnalogInput{Opts: opts, adc: adc}
	s.Base = NewBase(env, pin, DefaultSettings(), s)
	return s, nil
}

// NewLDR is an AnalogInput reporting light level. Pass DefaultLDROptions
// for the usual reversed reading.
func NewLDR(env hwcore.Env, pin int, opts AnalogOptions) (*AnalogInput, error) {
	s, err := NewAnalogInput(env, pin, opts)
	if err != nil {
		return nil, err
	}
	s.Settings.Presentation = types.SLightLevel
	s.Settings.Type = types.VLightLevel
	return s, nil
}

func (s *AnalogInput) OnBefore(context.Context) error {
	if s.Opts.Reference >= 0 {
		return s.adc.SetReference(hwcore.Reference(s.Opts.Reference))
	}
	return nil
}

func (s *AnalogInput) OnLoop(context.Context) error {
	s.SetInt(int64(s.value(int(s.adc.Read()))))
	return nil
}

// value applies reverse and percentage mapping; percentages truncate.
func (s *AnalogInput) value(raw int) int {
	o := s.Opts
	if o.Reverse {
		raw = o.RangeMax - raw + o.RangeMin
	}
	if !o.OutputPercentage {
		return raw
	}
	return int(mathx.Percent(raw, o.RangeMin, o.RangeMax))
}

func buildAnalog(t types.SensorType) func(Input) ([]Sensor, error) {
	return func(in Input) ([]Sensor, error) {
		opts := DefaultAnalogOptions()
		if t == types.SensorLDR {
			opts = DefaultLDROptions()
		}
		if err := decodeParams(in.Params, &opts); err != nil {
			return nil, err
		}
		var s *AnalogInput
		var err error
		if t == types.SensorLDR {
			s, err = NewLDR(in.Env, in.Pin, opts)
		} else {
			s, err = NewAnalogInput(in.Env, in.Pin, opts)
		}
		if err != nil {
			return nil, err
		}
		return []Sensor{s}, nil
	}
}

// ---- Thermistor ----

type ThermistorOptions struct {
	NominalResistor    float64 `mapstructure:"nominal_resistor"`
	NominalTemperature float64 `mapstructure:"nominal_temperature"`
	BCoefficient       float64 `mapstructure:"b_coefficient"`
	SeriesResistor     float64 `mapstructure:"series_resistor"`
	Offset             float64 `mapstructure:"offset"`
}

func DefaultThermistorOptions() ThermistorOptions {
	return ThermistorOptions{NominalResistor: 10000, NominalTemperature: 25, BCoefficient: 3950, SeriesResistor: 10000}
}

// adcSteps is the number of 10-bit conversion steps.
const adcSteps = hwcore.AnalogMax + 1

const kelvin = 273.15

// Thermistor converts an NTC divider reading to °C with the Beta equation.
type Thermistor struct {
	*Base
	Opts ThermistorOptions
	adc  hwcore.AnalogPin
}

func NewThermistor(env hwcore.Env, pin int, opts ThermistorOptions) (*Thermistor, error) {
	if opts.NominalResistor <= 0 || opts.SeriesResistor <= 0 || opts.BCoefficient == 0 {
		return nil, errcode.Wrap(errcode.InvalidParams, "thermistor", "resistances and beta must be positive", nil)
	}
	adc, err := env.Board.Analog(pin)
	if err != nil {
		return nil, err
	}
	s := &Thermistor{Opts: opts, adc: adc}
	set := DefaultSettings()
	set.Presentation = types.STemp
	set.Type = types.VTemp
	set.Kind = types.KindFloat
	s.Base = NewBase(env, pin, set, s)
	return s, nil
}

func (s *Thermistor) OnLoop(context.Context) error {
	t, err := s.Celsius(s.adc.Read())
	if err != nil {
		return err
	}
	s.SetFloat(t)
	return nil
}

// Celsius converts a raw reading. A reading at either rail means the
// thermistor is open or shorted.
func (s *Thermistor) Celsius(raw uint16) (float64, error) {
	if raw == 0 || int(raw) >= adcSteps {
		return 0, errcode.Wrap(errcode.InvalidPayload, "thermistor", "reading at rail", nil)
	}
	o := s.Opts
	r := o.SeriesResistor / (float64(adcSteps)/float64(raw) - 1)
	inv := math.Log(r/o.NominalResistor)/o.BCoefficient + 1/(o.NominalTemperature+kelvin)
	return 1/inv - kelvin + o.Offset, nil
}

func buildThermistor(in Input) ([]Sensor, error) {
	opts := DefaultThermistorOptions()
	if err := decodeParams(in.Params, &opts); err != nil {
		return nil, err
	}
	s, err := NewThermistor(in.Env, in.Pin, opts)
	if err != nil {
		return nil, err
	}
	return []Sensor{s}, nil
}
