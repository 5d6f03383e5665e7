package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/aquafeed/aquafeed-core/internal/device"
)

// Payload keys that may carry the device's own clock.
var timestampKeys = []string{"ts", "timestamp"}

// Epoch values above epochMillisThreshold are taken as milliseconds. Values
// above maxEpochMillis (year 2262, the limit of UnixNano) carry no device time.
const (
	epochMillisThreshold = 1e12
	maxEpochMillis       = math.MaxInt64 / 1e6
)

// Decoder parses telemetry topics under one namespace.
type Decoder struct {
	namespace string
}

// NewDecoder returns a Decoder for namespace.
func NewDecoder(namespace string) *Decoder {
	return &Decoder{namespace: namespace}
}

// Namespace returns the first topic segment this decoder accepts.
func (d *Decoder) Namespace() string {
	return d.namespace
}

// Decode parses one message.
//
// The topic must be exactly <namespace>/<deviceId>/<category> with all three
// segments non-empty. The payload must be a JSON object; numbers become
// float64, strings stay strings, and booleans, nulls, arrays and objects are
// kept as their compact JSON text. now becomes the reading's ObservedAt.
//
// A "ts" or "timestamp" field holding RFC 3339 text or epoch seconds or
// milliseconds also populates DeviceTimestamp; the field itself is kept.
//
// Errors are *DecodeError matching ErrMalformedTopic or ErrMalformedPayload.
func (d *Decoder) Decode(topic string, payload []byte, now time.Time) (device.Reading, error) {
	deviceID, category, err := d.parseTopic(topic)
	if err != nil {
		return device.Reading{}, err
	}

	fields, err := parseFields(payload)
	if err != nil {
		return device.Reading{}, payloadError(topic, err)
	}

	r := device.Reading{
		DeviceID:   deviceID,
		Category:   device.Category(category),
		Fields:     fields,
		ObservedAt: now,
	}
	for _, key := range timestampKeys {
		if ts, ok := deviceTime(fields[key]); ok {
			r.DeviceTimestamp = &ts
			break
		}
	}
	return r, nil
}

func (d *Decoder) parseTopic(topic string) (deviceID, category string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return "", "", topicError(topic, "want <namespace>/<deviceId>/<category>")
	}
	if parts[0] != d.namespace {
		return "", "", topicError(topic, "unexpected namespace")
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", topicError(topic, "empty segment")
	}
	return parts[1], parts[2], nil
}

func parseFields(payload []byte) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("payload is null")
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = fieldValue(v)
	}
	return fields, nil
}

// fieldValue maps a JSON value to float64 or string.
func fieldValue(v json.RawMessage) any {
	switch v[0] {
	case '"':
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var f float64
		if json.Unmarshal(v, &f) == nil {
			return f
		}
	}

	var buf bytes.Buffer
	if json.Compact(&buf, v) != nil {
		return string(v)
	}
	return buf.String()
}

func deviceTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	case float64:
		if t <= 0 || t > maxEpochMillis || math.IsNaN(t) {
			return time.Time{}, false
		}
		if t > epochMillisThreshold {
			return time.UnixMilli(int64(t)).UTC(), true
		}
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	default:
		return time.Time{}, false
	}
}
