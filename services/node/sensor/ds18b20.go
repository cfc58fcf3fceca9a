package sensor

import (
	"context"
	"encoding/hex"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"

	"github.com/pkg/errors"
	"tinygo.org/x/drivers/ds18b20"
)

func init() { RegisterBuilder(types.SensorDS18B20, BuilderFunc(buildDS18B20)) }

const searchROM = 0xF0

type DS18B20Options struct {
	// Resolution in bits (9..12); 0 keeps the power-on default of 12.
	Resolution uint8   `mapstructure:"resolution"`
	Offset     float64 `mapstructure:"offset"`
}

// conversionTime is the worst-case CONVERT T duration for a resolution.
func conversionTime(bits uint8) time.Duration {
	if bits < 9 || bits > 12 {
		bits = 12
	}
	return 750 * time.Millisecond >> (12 - bits)
}

// DS18B20 reports one probe on a shared 1-Wire bus.
type DS18B20 struct {
	*Base
	Opts DS18B20Options
	ROM  []uint8
	dev  ds18b20.Device
}

// DiscoverDS18B20 searches the bus on pin and returns one child per probe
// in bus order.
func DiscoverDS18B20(env hwcore.Env, pin int, opts DS18B20Options) ([]*DS18B20, error) {
	bus, err := env.Board.OneWire(pin)
	if err != nil {
		return nil, err
	}
	if err := bus.Reset(); err != nil {
		return nil, errcode.Wrap(errcode.NotFound, "ds18b20", "no devices on bus", err)
	}
	roms, err := bus.Search(searchROM)
	if err != nil {
		return nil, errors.Wrap(err, "ds18b20: search")
	}
	dev := ds18b20.New(bus)
	out := make([]*DS18B20, 0, len(roms))
	for _, rom := range roms {
		s := &DS18B20{Opts: opts, ROM: rom, dev: dev}
		set := DefaultSettings()
		set.Presentation, set.Type = types.STemp, types.VTemp
		set.Kind = types.KindFloat
		set.Description = hex.EncodeToString(rom)
		s.Base = NewBase(env, pin, set, s)
		out = append(out, s)
	}
	return out, nil
}

func (s *DS18B20) OnBefore(context.Context) error {
	if s.Opts.Resolution != 0 {
		s.dev.ThermometerResolution(s.ROM, s.Opts.Resolution)
	}
	return nil
}

func (s *DS18B20) OnLoop(context.Context) error {
	s.dev.RequestTemperature(s.ROM)
	s.Delay(conversionTime(s.Opts.Resolution))
	milli, err := s.dev.ReadTemperature(s.ROM)
	if err != nil {
		return errors.Wrapf(err, "ds18b20 %x", s.ROM)
	}
	s.SetFloat(float64(milli)/1000 + s.Opts.Offset)
	return nil
}

func buildDS18B20(in Input) ([]Sensor, error) {
	var opts DS18B20Options
	if err := decodeParams(in.Params, &opts); err != nil {
		return nil, err
	}
	if opts.Resolution != 0 && (opts.Resolution < 9 || opts.Resolution > 12) {
		return nil, errcode.Wrap(errcode.InvalidParams, "ds18b20", "resolution must be 9..12", nil)
	}
	probes, err := DiscoverDS18B20(in.Env, in.Pin, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Sensor, len(probes))
	for i, p := range probes {
		out[i] = p
	}
	return out, nil
}
