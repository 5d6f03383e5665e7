package device

import (
	"maps"
	"slices"
	"time"
)

// Category names the kind of telemetry a reading carries. It is the last
// segment of the telemetry topic, kept verbatim.
type Category string

// Known categories. Others are accepted as-is.
const (
	// CategoryWater carries water quality values (temperature, pH, level).
	CategoryWater Category = "agua"

	// CategoryAmbient carries room values (air temperature, humidity, light).
	CategoryAmbient Category = "ambiente"
)

// Known reports whether c is one of the categories the firmware publishes today.
func (c Category) Known() bool {
	return c == CategoryWater || c == CategoryAmbient
}

// Reading is one decoded telemetry message.
//
// Field values are float64 for JSON numbers and string for everything else.
// ObservedAt is when the gateway received the message. DeviceTimestamp is
// the device's own clock, when the payload carried one.
type Reading struct {
	DeviceID        string         `json:"device_id"`
	Category        Category       `json:"category"`
	Fields          map[string]any `json:"fields"`
	ObservedAt      time.Time      `json:"observed_at"`
	DeviceTimestamp *time.Time     `json:"device_timestamp,omitempty"`
}

// Clone returns a copy that shares no mutable memory with r.
func (r Reading) Clone() Reading {
	out := r
	out.Fields = maps.Clone(r.Fields)
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	if r.DeviceTimestamp != nil {
		ts := *r.DeviceTimestamp
		out.DeviceTimestamp = &ts
	}
	return out
}

// State is the latest reading per category for one device.
type State struct {
	DeviceID string               `json:"device_id"`
	Latest   map[Category]Reading `json:"latest"`

	// UpdatedAt is the ObservedAt of the most recently applied reading.
	UpdatedAt time.Time `json:"updated_at"`
}

// Reading returns the latest reading for category.
func (s State) Reading(category Category) (Reading, bool) {
	r, ok := s.Latest[category]
	return r, ok
}

// Categories returns the categories present, sorted.
func (s State) Categories() []Category {
	return slices.Sorted(maps.Keys(s.Latest))
}

// clone deep-copies s.
func (s State) clone() State {
	out := State{
		DeviceID:  s.DeviceID,
		Latest:    make(map[Category]Reading, len(s.Latest)),
		UpdatedAt: s.UpdatedAt,
	}
	for c, r := range s.Latest {
		out.Latest[c] = r.Clone()
	}
	return out
}
