// Package config loads a node description from YAML: node policies, the
// sensors to register, the transport to use and where to persist state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/services/transport/mqttport"
	"nodemanager-go/types"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvMQTTBroker   = "NODE_MQTT_BROKER"
	EnvMQTTUsername = "NODE_MQTT_USERNAME"
	EnvMQTTPassword = "NODE_MQTT_PASSWORD"
	EnvNodeID       = "NODE_ID"
)

// Transport kinds.
const (
	TransportStdio = "stdio"
	TransportMQTT  = "mqtt"
	TransportBus   = "bus"
)

type File struct {
	Node      Node      `yaml:"node"`
	Sensors   []Sensor  `yaml:"sensors"`
	Transport Transport `yaml:"transport"`
	Metrics   Metrics   `yaml:"metrics"`
	Store     Store     `yaml:"store"`
	Board     Board     `yaml:"board"`
}

type Node struct {
	ID             int         `yaml:"id"`
	SketchName     string      `yaml:"sketch_name"`
	SketchVersion  string      `yaml:"sketch_version"`
	Features       Features    `yaml:"features"`
	RebootPin      *int        `yaml:"reboot_pin"`
	Sleep          Sleep       `yaml:"sleep"`
	Battery        Battery     `yaml:"battery"`
	Interrupts     []Interrupt `yaml:"interrupts"`
	PowerPins      *PowerPins  `yaml:"power_pins"`
	LoopIntervalMs int         `yaml:"loop_interval_ms"`
	HeartbeatS     int         `yaml:"heartbeat_s"`
}

// Features left unset keep the node defaults.
type Features struct {
	SleepManager        *bool `yaml:"sleep_manager"`
	PowerManager        *bool `yaml:"power_manager"`
	BatteryManager      *bool `yaml:"battery_manager"`
	RemoteConfiguration *bool `yaml:"remote_configuration"`
	Persist             *bool `yaml:"persist"`
	ServiceMessages     *bool `yaml:"service_messages"`
	BatterySensor       *bool `yaml:"battery_sensor"`
}

type Sleep struct {
	Mode         string `yaml:"mode"`
	Time         int    `yaml:"time"`
	Unit         string `yaml:"unit"`
	InterruptPin *int   `yaml:"interrupt_pin"`
}

type Battery struct {
	Min          float64 `yaml:"min"`
	Max          float64 `yaml:"max"`
	ReportCycles *int    `yaml:"report_cycles"`
}

type Interrupt struct {
	Pin  int    `yaml:"pin"`
	Mode string `yaml:"mode"`
	Pull string `yaml:"pull"`
}

type PowerPins struct {
	Ground   *int `yaml:"ground"`
	Vcc      *int `yaml:"vcc"`
	SettleMs int  `yaml:"settle_ms"`
}

// Sensor is one registration. Params are decoded by the variant.
type Sensor struct {
	Type    string         `yaml:"type"`
	Pin     int            `yaml:"pin"`
	ChildID *int           `yaml:"child_id"`
	Params  map[string]any `yaml:"params"`
}

type Transport struct {
	Kind string `yaml:"kind"`
	MQTT MQTT   `yaml:"mqtt"`
}

type MQTT struct {
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	OutPrefix string `yaml:"out_prefix"`
	InPrefix  string `yaml:"in_prefix"`
	QoS       int    `yaml:"qos"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Store selects where persisted settings live. An empty path keeps them in
// memory.
type Store struct {
	Path string `yaml:"path"`
	Size int    `yaml:"size"`
}

// Board describes the simulated host board and what its fake devices read.
type Board struct {
	MaxPin int          `yaml:"max_pin"`
	Vcc    float64      `yaml:"vcc"`
	Analog []AnalogSeed `yaml:"analog"`
	Probes []ProbeSeed  `yaml:"probes"`
	DHT    []DHTSeed    `yaml:"dht"`
}

// AnalogSeed queues raw readings on an analog pin; the last one repeats.
type AnalogSeed struct {
	Pin    int   `yaml:"pin"`
	Values []int `yaml:"values"`
}

// ProbeSeed attaches one DS18B20 per temperature to a 1-Wire pin.
type ProbeSeed struct {
	Pin     int       `yaml:"pin"`
	Celsius []float64 `yaml:"celsius"`
}

type DHTSeed struct {
	Pin      int     `yaml:"pin"`
	Celsius  float64 `yaml:"celsius"`
	Humidity float64 `yaml:"humidity"`
}

// Parse decodes YAML. Unknown keys are errors so typos do not pass silently.
func Parse(raw []byte) (*File, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, errors.Wrap(err, "config: yaml")
	}
	f := &File{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           f,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(tree); err != nil {
		return nil, errcode.Wrap(errcode.InvalidParams, "config", "decode", err)
	}
	applyDefaults(f)
	return f, nil
}

// Load reads path, or the embedded configuration named after "embedded:".
func Load(path string) (*File, error) {
	if name, ok := embeddedName(path); ok {
		raw, found := EmbeddedConfigLookup(name)
		if !found {
			return nil, errcode.Wrap(errcode.NotFound, "config", "no embedded config "+name, nil)
		}
		return Parse(raw)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(raw)
}

// ApplyEnv overrides transport credentials and the node id from a .env file
// (when envPath is non-empty) and then from the process environment.
func ApplyEnv(f *File, envPath string) error {
	vars := map[string]string{}
	if envPath != "" {
		read, err := godotenv.Read(envPath)
		if err != nil {
			return errors.Wrapf(err, "config: env %s", envPath)
		}
		vars = read
	}
	lookup := func(k string) (string, bool) {
		if v, ok := os.LookupEnv(k); ok {
			return v, true
		}
		v, ok := vars[k]
		return v, ok
	}
	return applyOverrides(f, lookup)
}

func applyOverrides(f *File, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvMQTTBroker); ok && v != "" {
		f.Transport.MQTT.Broker = v
	}
	if v, ok := lookup(EnvMQTTUsername); ok {
		f.Transport.MQTT.Username = v
	}
	if v, ok := lookup(EnvMQTTPassword); ok {
		f.Transport.MQTT.Password = v
	}
	if v, ok := lookup(EnvNodeID); ok && v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return errcode.Wrap(errcode.InvalidParams, "config", EnvNodeID+"="+v, err)
		}
		f.Node.ID = id
	}
	return nil
}

func applyDefaults(f *File) {
	if f.Node.SketchName == "" {
		f.Node.SketchName = node.DefaultConfig().SketchName
	}
	if f.Node.SketchVersion == "" {
		f.Node.SketchVersion = node.Version
	}
	if f.Node.Battery.Min == 0 && f.Node.Battery.Max == 0 {
		d := node.DefaultConfig().Battery
		f.Node.Battery.Min, f.Node.Battery.Max = d.Min, d.Max
	}
	if f.Node.LoopIntervalMs == 0 {
		f.Node.LoopIntervalMs = int(node.DefaultConfig().LoopInterval / time.Millisecond)
	}
	if f.Transport.Kind == "" {
		f.Transport.Kind = TransportStdio
	}
	m := &f.Transport.MQTT
	d := mqttport.DefaultOptions()
	if m.Broker == "" {
		m.Broker = d.Broker
	}
	if m.OutPrefix == "" {
		m.OutPrefix = d.OutPrefix
	}
	if m.InPrefix == "" {
		m.InPrefix = d.InPrefix
	}
	if m.QoS == 0 {
		m.QoS = int(d.QoS)
	}
	if m.TimeoutMs == 0 {
		m.TimeoutMs = int(d.Timeout / time.Millisecond)
	}
	if f.Board.MaxPin == 0 {
		f.Board.MaxPin = 31
	}
	if f.Board.Vcc == 0 {
		f.Board.Vcc = 3.3
	}
}

// Validate reports every problem in the file at once.
func (f *File) Validate() error {
	var err error
	if _, nerr := f.NodeConfig(); nerr != nil {
		err = multierr.Append(err, nerr)
	}
	for i, s := range f.Sensors {
		if _, ok := types.ParseSensorType(s.Type); !ok {
			err = multierr.Append(err, errcode.Wrap(errcode.UnknownSensorType, "config", fmt.Sprintf("sensors[%d]: %q", i, s.Type), nil))
		}
		if s.ChildID != nil && (*s.ChildID < 0 || *s.ChildID > 254) {
			err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", fmt.Sprintf("sensors[%d]: child_id %d", i, *s.ChildID), nil))
		}
	}
	switch f.Transport.Kind {
	case TransportStdio, TransportBus:
	case TransportMQTT:
		if q := f.Transport.MQTT.QoS; q < 0 || q > 2 {
			err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", fmt.Sprintf("mqtt qos %d", q), nil))
		}
	default:
		err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", "transport kind "+f.Transport.Kind, nil))
	}
	if f.Node.HeartbeatS < 0 {
		err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", fmt.Sprintf("heartbeat_s %d", f.Node.HeartbeatS), nil))
	}
	if f.Board.MaxPin < 3 {
		err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", "board max_pin must include the interrupt pins", nil))
	}
	return err
}

func or(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func pinOr(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// NodeConfig converts the node section and validates it.
func (f *File) NodeConfig() (node.Config, error) {
	n := f.Node
	cfg := node.DefaultConfig()
	var err error

	if n.ID < 0 || n.ID > 254 {
		err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", fmt.Sprintf("node id %d", n.ID), nil))
	}
	cfg.NodeID = uint8(n.ID)
	cfg.SketchName = n.SketchName
	cfg.SketchVersion = n.SketchVersion

	d := cfg.Features
	cfg.Features = node.Features{
		SleepManager:        or(n.Features.SleepManager, d.SleepManager),
		PowerManager:        or(n.Features.PowerManager, d.PowerManager),
		BatteryManager:      or(n.Features.BatteryManager, d.BatteryManager),
		RemoteConfiguration: or(n.Features.RemoteConfiguration, d.RemoteConfiguration),
		Persist:             or(n.Features.Persist, d.Persist),
		ServiceMessages:     or(n.Features.ServiceMessages, d.ServiceMessages),
		BatterySensor:       or(n.Features.BatterySensor, d.BatterySensor),
	}
	cfg.RebootPin = pinOr(n.RebootPin)

	mode, ok := types.ParseSleepMode(n.Sleep.Mode)
	if !ok {
		err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", "sleep mode "+n.Sleep.Mode, nil))
	}
	unit, ok := types.ParseTimeUnit(n.Sleep.Unit)
	if !ok {
		err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "config", "sleep unit "+n.Sleep.Unit, nil))
	}
	cfg.Sleep = node.SleepConfig{Mode: mode, Time: n.Sleep.Time, Unit: unit, InterruptPin: pinOr(n.Sleep.InterruptPin)}

	cfg.Battery.Min, cfg.Battery.Max = n.Battery.Min, n.Battery.Max
	if n.Battery.ReportCycles != nil {
		cfg.Battery.ReportCycles = *n.Battery.ReportCycles
	}

	for i, ic := range n.Interrupts {
		edge, eok := hwcore.ParseEdge(ic.Mode, hwcore.EdgeChange)
		pull, pok := hwcore.ParsePull(ic.Pull, hwcore.PullUp)
		if !eok || !pok {
			err = multierr.Append(err, errcode.Wrap(errcode.InvalidInterrupt, "config", fmt.Sprintf("interrupts[%d]: mode %q pull %q", i, ic.Mode, ic.Pull), nil))
			continue
		}
		cfg.Interrupts = append(cfg.Interrupts, node.InterruptConfig{Pin: ic.Pin, Mode: edge, Pull: pull})
	}
	if p := n.PowerPins; p != nil {
		cfg.PowerPins = &node.PowerPins{Ground: pinOr(p.Ground), Vcc: pinOr(p.Vcc), Settle: time.Duration(p.SettleMs) * time.Millisecond}
	}
	cfg.LoopInterval = time.Duration(n.LoopIntervalMs) * time.Millisecond

	if verr := cfg.Validate(); verr != nil {
		err = multierr.Append(err, verr)
	}
	return cfg, err
}

// MQTTOptions converts the mqtt section.
func (f *File) MQTTOptions() mqttport.Options {
	m := f.Transport.MQTT
	return mqttport.Options{
		Broker:    m.Broker,
		Username:  m.Username,
		Password:  m.Password,
		ClientID:  m.ClientID,
		OutPrefix: m.OutPrefix,
		InPrefix:  m.InPrefix,
		QoS:       byte(m.QoS),
		Timeout:   time.Duration(m.TimeoutMs) * time.Millisecond,
	}
}

// Registrar is the part of the node manager that takes sensors.
type Registrar interface {
	RegisterSensorParams(typ types.SensorType, pin, childID int, params map[string]any) (uint8, error)
}

// RegisterSensors registers every configured sensor in file order and stops
// at the first failure.
func (f *File) RegisterSensors(r Registrar) error {
	for i, s := range f.Sensors {
		typ, ok := types.ParseSensorType(s.Type)
		if !ok {
			return errcode.Wrap(errcode.UnknownSensorType, "config", fmt.Sprintf("sensors[%d]: %q", i, s.Type), nil)
		}
		id := -1
		if s.ChildID != nil {
			id = *s.ChildID
		}
		if _, err := r.RegisterSensorParams(typ, s.Pin, id, s.Params); err != nil {
			return errors.Wrapf(err, "sensors[%d] (%s on pin %d)", i, s.Type, s.Pin)
		}
	}
	return nil
}
