package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aquafeed/aquafeed-core/internal/infrastructure/config"
)

// Client owns the single logical broker connection of the gateway.
//
// New only prepares the connection. Start runs the supervisor loop that
// connects, restores subscriptions, waits for loss and backs off, until its
// context is cancelled. Publish and Subscribe are usable from any goroutine
// at any time; while the connection is down Publish fails fast with
// ErrNotConnected and Subscribe records the filter for the next connect.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	connectTimeout time.Duration
	publishTimeout time.Duration
	backoff        time.Duration

	state   atomic.Int32
	started atomic.Bool

	// lost receives the paho connection-lost error for the supervisor.
	lost chan error

	// subscriptions tracks filters for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	onConnect     func()
	onStateChange func(ConnState)
	callbackMu    sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's router goroutine, one message at a time and in
// arrival order. A handler that blocks stalls every subscription, so it must
// hand work off within a bounded time.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// ClientFactory creates the underlying paho client. Tests substitute a fake.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Option configures a Client at construction.
type Option func(*clientOptions)

type clientOptions struct {
	factory ClientFactory
	logger  Logger
}

// WithClientFactory replaces pahomqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(o *clientOptions) { o.factory = f }
}

// WithLogger sets the logger used for connection events and handler failures.
func WithLogger(l Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// New builds a Client for the configured broker without connecting.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//   - opts: Optional factory and logger overrides
//
// Returns:
//   - *Client: Client in StateDisconnected; call Start to connect
//   - error: ErrTLSConfig if TLS material cannot be loaded
func New(cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	o := clientOptions{factory: pahomqtt.NewClient}
	for _, opt := range opts {
		opt(&o)
	}

	pahoOpts, err := buildClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:            cfg,
		topics:         NewTopics(cfg.Namespace),
		connectTimeout: durationOr(cfg.Reconnect.ConnectTimeout, defaultConnectTimeout),
		publishTimeout: durationOr(cfg.PublishTimeout, defaultPublishTimeout),
		backoff:        durationOr(cfg.Reconnect.Backoff, defaultBackoff),
		lost:           make(chan error, 1),
		subscriptions:  make(map[string]subscription),
		logger:         noopLogger{},
	}
	if o.logger != nil {
		c.logger = o.logger
	}

	pahoOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = o.factory(pahoOpts)
	return c, nil
}

// Start runs the connection supervisor until ctx is cancelled.
//
// Each cycle connects, re-establishes every tracked subscription, publishes
// the online status and then waits for connection loss. Any failure moves to
// StateBackoff for the configured fixed delay and tries again, indefinitely.
// On cancellation a graceful offline status is published, the connection is
// closed and Start returns nil.
//
// Returns:
//   - error: ErrAlreadyStarted on a second call, otherwise nil
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer c.setState(StateDisconnected)

	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateBackoff)
		c.getLogger().Warn("mqtt connection unavailable, retrying",
			"broker", c.cfg.Broker.Host,
			"backoff", c.backoff.String(),
			"error", err,
		)

		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runSession performs one connect/subscribe/serve cycle. It returns when the
// connection fails or is lost, or when ctx is cancelled.
func (c *Client) runSession(ctx context.Context) error {
	// Stale loss signals from a previous session are irrelevant.
	select {
	case <-c.lost:
	default:
	}

	c.setState(StateConnecting)
	if err := waitToken(ctx, c.client.Connect(), c.connectTimeout); err != nil {
		c.client.Disconnect(0)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.setState(StateSubscribing)
	if err := c.restoreSubscriptions(ctx); err != nil {
		c.client.Disconnect(0)
		return err
	}

	c.getLogger().Info("mqtt connected",
		"broker", c.cfg.Broker.Host,
		"subscriptions", c.SubscriptionCount(),
	)
	c.publishStatus(ctx, "online", "")

	c.callbackMu.RLock()
	onConnect := c.onConnect
	c.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	select {
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	case err := <-c.lost:
		return fmt.Errorf("connection lost: %w", err)
	}
}

// restoreSubscriptions subscribes every tracked filter on the fresh session
// and enters StateConnected. The subscription lock is held throughout so a
// concurrent Subscribe either lands in this pass or sees StateConnected.
func (c *Client) restoreSubscriptions(ctx context.Context) error {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		token := c.client.Subscribe(sub.filter, sub.qos, c.wrapHandler(sub.handler))
		if err := waitToken(ctx, token, c.publishTimeout); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, sub.filter, err)
		}
	}

	c.setState(StateConnected)
	return nil
}

// publishStatus publishes the retained gateway status, best effort.
func (c *Client) publishStatus(ctx context.Context, status, reason string) {
	payload := buildStatusPayload(status, c.cfg.Broker.ClientID, reason)
	token := c.client.Publish(c.topics.GatewayStatus(), statusQoS, true, payload)
	if err := waitToken(ctx, token, c.publishTimeout); err != nil {
		c.getLogger().Warn("mqtt status publish failed", "status", status, "error", err)
	}
}

// shutdown publishes the graceful offline status and disconnects.
func (c *Client) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()
	c.publishStatus(ctx, "offline", "graceful_shutdown")
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.getLogger().Info("mqtt disconnected")
}

// Close disconnects a client whose supervisor was never started. A running
// supervisor is stopped by cancelling the context passed to Start.
func (c *Client) Close() error {
	if c.started.Load() {
		return nil
	}
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(defaultDisconnectQuiesce)
	}
	return nil
}

// State returns the supervisor's current state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	if ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	c.callbackMu.RLock()
	cb := c.onStateChange
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(s)
	}
}

// IsConnected reports whether the supervisor holds a live, subscribed session.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected && c.client.IsConnected()
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return fmt.Errorf("%w: state %s", ErrNotConnected, c.State())
	}
	return nil
}

// Topics returns the topic builder for the configured namespace.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect sets a callback invoked after every successful (re)connect,
// once subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnStateChange sets a callback invoked on every state transition. It runs
// on the supervisor goroutine and must not block.
func (c *Client) SetOnStateChange(callback func(ConnState)) {
	c.callbackMu.Lock()
	c.onStateChange = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.getLogger().Error("mqtt handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.getLogger().Warn("mqtt handler returned error",
				"topic", msg.Topic(),
				"error", err,
			)
		}
	}
}

// waitToken waits for a paho token, bounded by timeout and ctx.
// Both the timeout and cancellation surface as ErrTimeout.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// isTimeout reports whether err came from waitToken's time budget.
func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
