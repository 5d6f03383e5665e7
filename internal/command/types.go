package command

import (
	"time"

	"github.com/aquafeed/aquafeed-core/internal/auth"
)

// ErrorKind classifies a failed dispatch. The empty kind means success.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindUnknownCommand         ErrorKind = "unknown_command"
	KindInvalidDevice          ErrorKind = "invalid_device"
	KindForbidden              ErrorKind = "forbidden"
	KindTransportConnectFailed ErrorKind = "transport_connect_failed"
	KindTransportPublishFailed ErrorKind = "transport_publish_failed"
	KindTransportTimeout       ErrorKind = "transport_timeout"
)

// IsTransport reports whether the failure happened at the broker.
func (k ErrorKind) IsTransport() bool {
	switch k {
	case KindTransportConnectFailed, KindTransportPublishFailed, KindTransportTimeout:
		return true
	default:
		return false
	}
}

// Request is one command issued by a caller. It is never persisted.
type Request struct {
	DeviceID string
	Command  string
	IssuedAt time.Time
	Caller   auth.Caller
}

// Outcome is the synchronous result of Dispatch.
type Outcome struct {
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command"`
	Success   bool      `json:"ok"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	QoS       byte      `json:"qos"`
	IssuedAt  time.Time `json:"issued_at"`

	// Err is the underlying cause of a failure, for logs only.
	Err error `json:"-"`
}

// Message is a human-readable summary for API responses.
func (o Outcome) Message() string {
	switch o.ErrorKind {
	case KindNone:
		return "command sent to " + o.DeviceID
	case KindUnknownCommand:
		return "unknown command " + quote(o.Command)
	case KindInvalidDevice:
		return "invalid device id " + quote(o.DeviceID)
	case KindForbidden:
		return "caller may not send commands"
	case KindTransportConnectFailed:
		return "broker not connected"
	case KindTransportPublishFailed:
		return "broker rejected the command"
	case KindTransportTimeout:
		return "broker did not confirm in time"
	default:
		return string(o.ErrorKind)
	}
}

func quote(s string) string {
	return "\"" + s + "\""
}
