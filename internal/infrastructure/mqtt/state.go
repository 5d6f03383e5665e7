package mqtt

// ConnState is a position in the connection supervisor's state machine.
//
//	Disconnected -> Connecting -> Subscribing -> Connected
//	     ^              |              |             |
//	     |              v              v             v (lost)
//	     +--(ctx)---- Backoff <--------+-------------+
//
// Backoff always returns to Connecting after a fixed delay. Only context
// cancellation leaves the loop, through Disconnected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSubscribing
	StateConnected
	StateBackoff
)

// String returns the lowercase state name used in logs and health output.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}
