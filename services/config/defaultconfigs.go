package config

import "strings"

// Built-in configurations, selected with "embedded:<name>".
//
// Key: configuration name
// Val: raw YAML for that node

const cfgDemo = `
node:
  id: 7
  sketch_name: Greenhouse
  heartbeat_s: 60
  sleep:
    mode: idle
  battery:
    report_cycles: 10
  features:
    battery_manager: true
    battery_sensor: true
sensors:
  - type: thermistor
    pin: 1
    params:
      description: soil temperature
      track_last_value: true
  - type: ldr
    pin: 2
  - type: dht22
    pin: 6
  - type: relay
    pin: 8
    child_id: 20
  - type: motion
    pin: 3
  - type: ds18b20
    pin: 9
transport:
  kind: stdio
board:
  analog:
    - pin: 1
      values: [512, 515, 530]
    - pin: 2
      values: [300]
  probes:
    - pin: 9
      celsius: [21.5, 19.25]
  dht:
    - pin: 6
      celsius: 23.4
      humidity: 48.0
`

const cfgBattery = `
node:
  id: 12
  sketch_name: BatteryDoor
  sleep:
    mode: sleep
    time: 10
    unit: minutes
    interrupt_pin: 2
  features:
    battery_manager: true
    persist: true
sensors:
  - type: door
    pin: 3
    params:
      debounce_ms: 20
transport:
  kind: stdio
`

var embeddedConfigs = map[string][]byte{
	"demo":    []byte(cfgDemo),
	"battery": []byte(cfgBattery),
}

// EmbeddedConfigLookup allows overriding how embedded configs are resolved.
var EmbeddedConfigLookup = func(name string) ([]byte, bool) {
	b, ok := embeddedConfigs[name]
	return b, ok
}

const embeddedPrefix = "embedded:"

func embeddedName(path string) (string, bool) {
	if !strings.HasPrefix(path, embeddedPrefix) {
		return "", false
	}
	return strings.TrimPrefix(path, embeddedPrefix), true
}
