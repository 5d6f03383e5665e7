package mqtt

import (
	"context"
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
const maxPayloadSize = 1 << 20

// Publish sends one message and waits for paho to complete it.
//
// For QoS 0 completion means the packet was handed to the network; for QoS 1
// and 2 it means the broker acknowledged it. The wait is bounded by the
// configured publish timeout and by ctx, whichever ends first. Publish never
// retries.
//
// Parameters:
//   - ctx: Bounds the wait for completion
//   - topic: Concrete topic, no wildcards
//   - payload: Message body, max 1MB
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message
//
// Returns:
//   - error: ErrNotConnected, ErrTimeout or ErrPublishFailed (all wrapped),
//     ErrInvalidTopic or ErrInvalidQoS for bad input
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if !validPublishTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return fmt.Errorf("%w: state %s", ErrNotConnected, c.State())
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if err := waitToken(ctx, token, c.publishTimeout); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}

	return nil
}
