//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"rgbw-link/internal/preset"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/rgbw_link/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	CommandTemplate     string   `json:"command_template,omitempty"`
	Options             []string `json:"options,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// deviceIdentifier returns the node ID used in discovery topics.
func deviceIdentifier(cfg Config) string {
	id := strings.ToLower(cfg.ClientID)
	return strings.NewReplacer("-", "_", " ", "_", "/", "_").Replace(id)
}

func haDeviceFor(cfg Config) haDevice {
	return haDevice{
		Identifiers:  []string{deviceIdentifier(cfg)},
		Manufacturer: "rgbw-link",
		Model:        "RGBW BLE light",
		Name:         cfg.DeviceName,
	}
}

// buildDiscovery generates the HA discovery messages for the light, given the
// current preset count.
func buildDiscovery(cfg Config, presets int) []discoveryMsg {
	nodeID := deviceIdentifier(cfg)
	stateTopic := cfg.TopicPrefix + "/state"
	avail := cfg.TopicPrefix + "/bridge/state"
	dev := haDeviceFor(cfg)

	return []discoveryMsg{
		buildLight(cfg, nodeID, stateTopic, avail, dev),
		buildSelect(cfg, presets),
		buildSensor(nodeID, cfg.DeviceName, stateTopic, avail, dev,
			"dirty", "Unsaved Presets", "", "", "measurement",
			"{{ value_json.dirty }}"),
		buildBinarySensor(nodeID, cfg.DeviceName, stateTopic, avail, dev,
			"connected", "Link", "connectivity",
			"{{ 'ON' if value_json.connected else 'OFF' }}"),
	}
}

func buildLight(cfg Config, nodeID, stateTopic, avail string, dev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", nodeID)
	payload := haDiscovery{
		Name:                cfg.DeviceName,
		UniqueID:            nodeID + "_light",
		StateTopic:          stateTopic,
		CommandTopic:        cfg.TopicPrefix + "/set",
		AvailabilityTopic:   avail,
		SupportedColorModes: []string{"rgb"},
		Schema:              "json",
		Device:              dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildSelect describes the preset selector. HA rejects a select without
// options, so an empty store removes the entity.
func buildSelect(cfg Config, presets int) discoveryMsg {
	nodeID := deviceIdentifier(cfg)
	topic := fmt.Sprintf("homeassistant/select/%s/preset/config", nodeID)
	if presets <= 0 {
		return discoveryMsg{Topic: topic}
	}

	options := make([]string, min(presets, preset.MaxPresets))
	for i := range options {
		options[i] = strconv.Itoa(i)
	}
	payload := haDiscovery{
		Name:              cfg.DeviceName + " Preset",
		UniqueID:          nodeID + "_preset",
		StateTopic:        cfg.TopicPrefix + "/state",
		CommandTopic:      cfg.TopicPrefix + "/set",
		AvailabilityTopic: cfg.TopicPrefix + "/bridge/state",
		ValueTemplate:     "{{ value_json.current }}",
		CommandTemplate:   `{"preset": {{ value }}}`,
		Options:           options,
		Device:            haDeviceFor(cfg),
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, dev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, dev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
