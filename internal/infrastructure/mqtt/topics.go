package mqtt

import "strings"

// DefaultNamespace is the first topic segment used by AquaFeed devices.
const DefaultNamespace = "aquafeed"

// Topics builds AquaFeed topic strings for one namespace.
//
// Device topics are three segments: <namespace>/<deviceId>/<segment>, where
// segment is a telemetry category on the inbound side and a command name on
// the outbound side.
//
//	topics := mqtt.NewTopics("aquafeed")
//	topics.Device("tank7", "alimentar")  // aquafeed/tank7/alimentar
//	topics.CategoryFilter("agua")        // aquafeed/+/agua
type Topics struct {
	Namespace string
}

// NewTopics returns a builder for namespace, falling back to DefaultNamespace.
func NewTopics(namespace string) Topics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Topics{Namespace: namespace}
}

// Device returns <namespace>/<deviceID>/<segment>.
func (t Topics) Device(deviceID, segment string) string {
	return t.Namespace + "/" + deviceID + "/" + segment
}

// CategoryFilter returns the subscription filter for one category across all devices.
func (t Topics) CategoryFilter(category string) string {
	return t.Namespace + "/+/" + category
}

// AllDevices returns the filter matching every device topic.
func (t Topics) AllDevices() string {
	return t.Namespace + "/+/+"
}

// GatewayStatus returns the retained online/offline status topic of this process.
func (t Topics) GatewayStatus() string {
	return t.Namespace + "/gateway/status"
}

// ValidSegment reports whether s can be used as a single topic level:
// non-empty and free of separators and wildcards.
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}

// validFilter reports whether a subscription filter is well formed. Wildcards
// must occupy a whole level and '#' may only appear last.
func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// validPublishTopic reports whether topic can be published to.
func validPublishTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}
