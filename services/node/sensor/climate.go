package sensor

import (
	"context"
	"time"

	"nodemanager-go/drivers/sht21"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/drivers/dht"
)

func init() {
	RegisterBuilder(types.SensorDHT11, BuilderFunc(buildDHT(dht.DHT11)))
	RegisterBuilder(types.SensorDHT22, BuilderFunc(buildDHT(dht.DHT22)))
	RegisterBuilder(types.SensorSHT21, BuilderFunc(buildSHT21))
}

// Quantity selects which reading of a combined device a child reports.
type Quantity uint8

const (
	Temperature Quantity = iota
	Humidity
)

// ClimateOptions apply to DHT and SHT21 children.
type ClimateOptions struct {
	Offset float64 `mapstructure:"offset"`
}

func climateSettings(q Quantity) Settings {
	s := DefaultSettings()
	s.Kind = types.KindFloat
	if q == Humidity {
		s.Presentation, s.Type = types.SHum, types.VHum
	} else {
		s.Presentation, s.Type = types.STemp, types.VTemp
	}
	return s
}

// ---- DHT ----

// dhtReader shares one DHT between its temperature and humidity children
// and reuses a reading within the device's minimum sampling period.
type dhtReader struct {
	dev    hwcore.DHTDevice
	clk    clock.Clock
	period time.Duration

	at    time.Time
	valid bool
	temp  int16
	hum   uint16
}

// Sampling periods from the DHT11/DHT22 datasheets.
func dhtPeriod(model dht.DeviceType) time.Duration {
	if model == dht.DHT22 {
		return 2 * time.Second
	}
	return time.Second
}

func (r *dhtReader) read() (int16, uint16, error) {
	now := r.clk.Now()
	if r.valid && now.Sub(r.at) < r.period {
		return r.temp, r.hum, nil
	}
	r.valid = false
	if err := r.dev.ReadMeasurements(); err != nil {
		return 0, 0, err
	}
	t, h, err := r.dev.Measurements()
	if err != nil {
		return 0, 0, err
	}
	r.temp, r.hum, r.at, r.valid = t, h, now, true
	return t, h, nil
}

// DHT reports one quantity of a DHT11/DHT22.
type DHT struct {
	*Base
	Quantity Quantity
	Opts     ClimateOptions
	r        *dhtReader
}

// NewDHT returns the temperature and humidity children sharing one device.
func NewDHT(env hwcore.Env, pin int, model dht.DeviceType, opts ClimateOptions) (*DHT, *DHT, error) {
	dev, err := env.Board.DHT(pin, model)
	if err != nil {
		return nil, nil, err
	}
	r := &dhtReader{dev: dev, clk: env.Clock, period: dhtPeriod(model)}
	mk := func(q Quantity) *DHT {
		s := &DHT{Quantity: q, Opts: opts, r: r}
		s.Base = NewBase(env, pin, climateSettings(q), s)
		return s
	}
	return mk(Temperature), mk(Humidity), nil
}

func (s *DHT) OnLoop(context.Context) error {
	t, h, err := s.r.read()
	if err != nil {
		return err
	}
	if s.Quantity == Humidity {
		s.SetFloat(float64(h) / 10)
	} else {
		s.SetFloat(float64(t)/10 + s.Opts.Offset)
	}
	return nil
}

func buildDHT(model dht.DeviceType) func(Input) ([]Sensor, error) {
	return func(in Input) ([]Sensor, error) {
		var opts ClimateOptions
		if err := decodeParams(in.Params, &opts); err != nil {
			return nil, err
		}
		t, h, err := NewDHT(in.Env, in.Pin, model, opts)
		if err != nil {
			return nil, err
		}
		return []Sensor{t, h}, nil
	}
}

// ---- SHT21 ----

// SHT21 reports one quantity of an SHT21 on the board's I²C bus.
type SHT21 struct {
	*Base
	Quantity Quantity
	Opts     ClimateOptions
	dev      *sht21.Device
}

// NewSHT21 returns the temperature and humidity children sharing one device.
// Conversion waits go through the node's delayer.
func NewSHT21(env hwcore.Env, opts ClimateOptions) (*SHT21, *SHT21, error) {
	bus, err := env.Board.I2C()
	if err != nil {
		return nil, nil, err
	}
	d := sht21.New(bus)
	cfg := sht21.Config{}
	if env.Delay != nil {
		cfg.Sleep = env.Delay.Delay
	}
	d.Configure(cfg)
	mk := func(q Quantity) *SHT21 {
		s := &SHT21{Quantity: q, Opts: opts, dev: &d}
		s.Base = NewBase(env, -1, climateSettings(q), s)
		return s
	}
	return mk(Temperature), mk(Humidity), nil
}

func (s *SHT21) OnLoop(context.Context) error {
	if s.Quantity == Humidity {
		h, err := s.dev.ReadHumidity()
		if err != nil {
			return err
		}
		s.SetFloat(float64(h))
		return nil
	}
	t, err := s.dev.ReadTemperature()
	if err != nil {
		return err
	}
	s.SetFloat(float64(t) + s.Opts.Offset)
	return nil
}

func buildSHT21(in Input) ([]Sensor, error) {
	var opts ClimateOptions
	if err := decodeParams(in.Params, &opts); err != nil {
		return nil, err
	}
	t, h, err := NewSHT21(in.Env, opts)
	if err != nil {
		return nil, err
	}
	return []Sensor{t, h}, nil
}
