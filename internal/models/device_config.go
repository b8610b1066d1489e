package models

import "time"

// Device protocols.
const (
	ProtocolLegacy = "legacy"
	ProtocolKLAP   = "klap"
)

// DeviceConfig is the discovery result cached per ip_or_host.
// Credentials are never stored here.
type DeviceConfig struct {
	Key          string            `json:"key"` // ip_or_host as configured
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Protocol     string            `json:"protocol"`
	DeviceID     string            `json:"device_id,omitempty"`
	Model        string            `json:"model,omitempty"`
	ChildIDs     []string          `json:"child_ids,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	DiscoveredAt time.Time         `json:"discovered_at"`
}
