package mqtt

import (
	"context"
	"fmt"
)

// Subscribe registers a handler for a topic filter.
//
// Filters may use the single-level '+' and trailing multi-level '#'
// wildcards. The filter is tracked and re-established on every reconnect.
// Subscribing a filter that is already tracked is a no-op and keeps the
// first handler.
//
// When connected the broker subscription is made immediately and its outcome
// returned; the filter stays tracked even on failure so the next session
// retries it. When disconnected the filter is only tracked.
//
// Parameters:
//   - filter: The topic filter to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback function invoked for each message
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if !validFilter(filter) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	c.subMu.Lock()
	if _, exists := c.subscriptions[filter]; exists {
		c.subMu.Unlock()
		return nil
	}
	c.subscriptions[filter] = subscription{
		filter:  filter,
		qos:     qos,
		handler: handler,
	}
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Subscribe(filter, qos, c.wrapHandler(handler))
	if err := waitToken(context.Background(), token, c.publishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

// Unsubscribe stops tracking a filter and removes it from the broker when
// connected. Messages already in flight may still be delivered.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}

	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(filter)
	if err := waitToken(context.Background(), token, c.publishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, filter, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked filters.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether filter is tracked (exact string match).
func (c *Client) HasSubscription(filter string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[filter]
	return exists
}
