//go:build !no_mqtt

package mqtt

import (
	"fmt"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zigbee_stack_00124B.../state/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// nodeIdentifier returns the HA device registry id for a node.
func nodeIdentifier(ext string) string {
	return "zigbee_stack_" + ext
}

// buildStackDiscovery describes the local node's diagnostics, read from
// the bridge info topic.
func buildStackDiscovery(info bridgeInfo, prefix string) []discoveryMsg {
	nodeID := nodeIdentifier(info.ExtAddr)
	stateTopic := prefix + "/bridge/info"
	avail := prefix + "/bridge/state"
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "zigbee-go-stack",
		Model:        info.DeviceType,
		Name:         "ZigBee " + info.DeviceType + " " + info.ExtAddr,
	}
	displayName := "ZigBee " + info.DeviceType

	return []discoveryMsg{
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"state", "State", "", "", "", "{{ value_json.state }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"devices", "Devices", "", "", "measurement", "{{ value_json.devices }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"channel", "Channel", "", "", "", "{{ value_json.channel }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"key_seq", "Network Key Sequence", "", "", "", "{{ value_json.key_seq }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"permit_join", "Permit Join", "",
			"{{ 'ON' if value_json.permit_joining else 'OFF' }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"joined", "Joined", "connectivity",
			"{{ 'ON' if value_json.joined else 'OFF' }}"),
	}
}

// buildDeviceDiscovery describes a device that joined through this node.
func buildDeviceDiscovery(dev deviceState, via, prefix string) []discoveryMsg {
	nodeID := nodeIdentifier(dev.ExtAddr)
	haDev := haDevice{
		Identifiers: []string{nodeID},
		Name:        "ZigBee " + dev.ExtAddr,
		ViaDevice:   nodeIdentifier(via),
	}
	return []discoveryMsg{
		buildBinarySensor(nodeID, "ZigBee "+dev.ExtAddr, deviceTopic(prefix, dev.ExtAddr),
			prefix+"/bridge/state", haDev,
			"connectivity", "Connectivity", "connectivity",
			"{{ 'ON' if value_json.state == 'joined' else 'OFF' }}"),
	}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
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
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		EntityCategory:    "diagnostic",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(ext string) []discoveryMsg {
	return []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/binary_sensor/%s/connectivity/config", nodeIdentifier(ext)),
		Payload: nil, // empty retained = delete
	}}
}
