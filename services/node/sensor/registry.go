package sensor

import (
	"fmt"
	"sort"
	"sync"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"
	"nodemanager-go/x/timex"

	"github.com/go-viper/mapstructure/v2"
)

// Input carries everything a builder needs. Params holds variant options
// keyed by their snake_case names (decoded with mapstructure).
type Input struct {
	Env    hwcore.Env
	Type   types.SensorType
	Pin    int
	Params map[string]any
}

// Builder constructs the sensors for one registration. Multi-value devices
// (DHT, SHT21) and buses (DS18B20) return more than one.
type Builder interface {
	Build(in Input) ([]Sensor, error)
}

type BuilderFunc func(in Input) ([]Sensor, error)

func (f BuilderFunc) Build(in Input) ([]Sensor, error) { return f(in) }

var (
	regMu    sync.RWMutex
	builders = map[types.SensorType]Builder{}
)

// RegisterBuilder installs the builder for a sensor type. Variants call it
// from init; duplicates panic.
func RegisterBuilder(t types.SensorType, b Builder) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := builders[t]; exists {
		panic(fmt.Sprintf("duplicate sensor builder: %s", t))
	}
	builders[t] = b
}

func lookupBuilder(t types.SensorType) (Builder, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	b, ok := builders[t]
	return b, ok
}

// Types lists the registered sensor types in id order.
func Types() []types.SensorType {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]types.SensorType, 0, len(builders))
	for t := range builders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build constructs the sensors for in.Type and applies the common params.
func Build(in Input) ([]Sensor, error) {
	b, ok := lookupBuilder(in.Type)
	if !ok {
		return nil, errcode.Wrap(errcode.UnknownSensorType, "build", in.Type.String(), nil)
	}
	var cp commonParams
	if err := decodeParams(in.Params, &cp); err != nil {
		return nil, err
	}
	ss, err := b.Build(in)
	if err != nil {
		return nil, err
	}
	for _, s := range ss {
		if err := cp.apply(s.Core()); err != nil {
			return nil, err
		}
	}
	return ss, nil
}

// ---- Params ----

type powerParams struct {
	Ground   *int `mapstructure:"ground"`
	Vcc      *int `mapstructure:"vcc"`
	SettleMs int  `mapstructure:"settle_ms"`
}

// commonParams override Settings for every variant. Unset fields keep the
// variant's defaults.
type commonParams struct {
	Description     *string      `mapstructure:"description"`
	Samples         *int         `mapstructure:"samples"`
	SamplesInterval *int         `mapstructure:"samples_interval_ms"`
	Retries         *int         `mapstructure:"retries"`
	TrackLastValue  *bool        `mapstructure:"track_last_value"`
	ForceUpdate     *int         `mapstructure:"force_update"`
	FloatPrecision  *int         `mapstructure:"float_precision"`
	ValueKind       *string      `mapstructure:"value_kind"`
	Ack             *bool        `mapstructure:"ack"`
	PowerPins       *powerParams `mapstructure:"power_pins"`
}

func (p commonParams) apply(b *Base) error {
	s := &b.Settings
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Samples != nil {
		if *p.Samples < 1 {
			return errcode.Wrap(errcode.InvalidParams, "build", "samples must be >= 1", nil)
		}
		s.Samples = *p.Samples
	}
	if p.SamplesInterval != nil {
		s.SamplesInterval = timex.Ms(*p.SamplesInterval)
	}
	if p.Retries != nil {
		if *p.Retries < 1 {
			return errcode.Wrap(errcode.InvalidParams, "build", "retries must be >= 1", nil)
		}
		s.Retries = *p.Retries
	}
	if p.TrackLastValue != nil {
		s.TrackLastValue = *p.TrackLastValue
	}
	if p.ForceUpdate != nil {
		s.ForceUpdate = *p.ForceUpdate
	}
	if p.FloatPrecision != nil {
		s.FloatPrecision = *p.FloatPrecision
	}
	if p.ValueKind != nil {
		k, ok := parseKind(*p.ValueKind)
		if !ok {
			return errcode.Wrap(errcode.InvalidParams, "build", "value_kind "+*p.ValueKind, nil)
		}
		s.Kind = k
	}
	if p.Ack != nil {
		s.Ack = *p.Ack
	}
	if p.PowerPins != nil {
		pp := p.PowerPins
		if err := b.SetPowerPins(pinOr(pp.Ground), pinOr(pp.Vcc), timex.Ms(pp.SettleMs)); err != nil {
			return err
		}
	}
	return nil
}

func pinOr(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func parseKind(s string) (types.ValueKind, bool) {
	for _, k := range []types.ValueKind{types.KindInteger, types.KindFloat, types.KindString} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// decodeParams decodes a params map into out, accepting loosely typed YAML
// scalars ("5" for 5).
func decodeParams(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := d.Decode(in); err != nil {
		return errcode.Wrap(errcode.InvalidParams, "params", "", err)
	}
	return nil
}
