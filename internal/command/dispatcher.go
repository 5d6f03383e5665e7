package command

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aquafeed/aquafeed-core/internal/audit"
	"github.com/aquafeed/aquafeed-core/internal/auth"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/config"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/mqtt"
)

// DefaultTimeout bounds one publish when the policy leaves it zero.
const DefaultTimeout = 5 * time.Second

// Publisher is the broker side of dispatch. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// Recorder receives one audit entry per dispatch. *audit.Recorder satisfies it.
type Recorder interface {
	Record(ctx context.Context, entry audit.AuditLog)
}

// Metrics receives one observation per dispatch. *metrics.Metrics satisfies it.
type Metrics interface {
	CommandDispatched(command, outcome string, publish time.Duration)
}

// Logger interface for optional logging support.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Policy is the delivery policy applied to every dispatch.
type Policy struct {
	// QoS is 0 for fire-and-forget or 1 to wait for the broker's PUBACK.
	QoS byte

	// Timeout bounds the publish.
	Timeout time.Duration

	// RequiredRole restricts who may dispatch. Empty allows any caller.
	RequiredRole auth.Role
}

// PolicyFromConfig builds a Policy from the commands config section.
func PolicyFromConfig(cfg config.CommandsConfig) Policy {
	return Policy{
		QoS:          cfg.DeliveryQoS(),
		Timeout:      cfg.PublishTimeout,
		RequiredRole: auth.Role(cfg.RequiredRole),
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.registry = r
		}
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher validates and publishes commands. Safe for concurrent use.
type Dispatcher struct {
	pub      Publisher
	topics   mqtt.Topics
	policy   Policy
	registry *Registry

	recorder Recorder
	metrics  Metrics
	logger   Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher publishing through pub.
func NewDispatcher(pub Publisher, topics mqtt.Topics, policy Policy, opts ...Option) *Dispatcher {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		pub:      pub,
		topics:   topics,
		policy:   policy,
		registry: DefaultRegistry(),
		logger:   noopLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the delivery policy in force.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Registry returns the recognised command set.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch performs one command attempt and reports its outcome.
//
// Validation failures (invalid device, unknown command, forbidden) return
// without touching the broker. A publish is made at most once, never
// retained, and bounded by both ctx and the policy timeout; cancellation
// reports KindTransportTimeout and leaves nothing behind to clean up.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	if req.IssuedAt.IsZero() {
		req.IssuedAt = d.now()
	}
	out := Outcome{
		CommandID: uuid.NewString(),
		DeviceID:  req.DeviceID,
		Command:   req.Command,
		IssuedAt:  req.IssuedAt,
	}

	var elapsed time.Duration
	switch def, known := d.registry.Lookup(req.Command); {
	case !mqtt.ValidSegment(req.DeviceID):
		out.ErrorKind = KindInvalidDevice
	case !known:
		out.ErrorKind = KindUnknownCommand
	case !req.Caller.HasRole(d.policy.RequiredRole):
		out.Command = def.Name
		out.ErrorKind = KindForbidden
	default:
		out.Command = def.Name
		out.Topic = d.topics.Device(req.DeviceID, def.Wire)
		out.Payload = string(def.Payload)
		out.QoS = d.policy.QoS
		elapsed = d.publish(ctx, def, &out)
	}

	out.Success = out.ErrorKind == KindNone
	d.report(ctx, req, out, elapsed)
	return out
}

func (d *Dispatcher) publish(ctx context.Context, def Definition, out *Outcome) time.Duration {
	pctx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()

	start := time.Now()
	err := d.pub.Publish(pctx, out.Topic, def.Payload, d.policy.QoS, false)
	elapsed := time.Since(start)

	if err != nil {
		out.ErrorKind = classify(err)
		out.Err = err
	}
	return elapsed
}

// classify maps a publish error to an ErrorKind.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, mqtt.ErrNotConnected), errors.Is(err, mqtt.ErrConnectionFailed):
		return KindTransportConnectFailed
	case errors.Is(err, mqtt.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransportTimeout
	default:
		return KindTransportPublishFailed
	}
}

func (d *Dispatcher) report(ctx context.Context, req Request, out Outcome, elapsed time.Duration) {
	result := "ok"
	if !out.Success {
		result = string(out.ErrorKind)
	}

	if d.metrics != nil {
		d.metrics.CommandDispatched(metricCommand(d.registry, out.Command), result, elapsed)
	}

	args := []any{
		"command_id", out.CommandID,
		"device_id", out.DeviceID,
		"command", out.Command,
		"caller", req.Caller.ID,
		"outcome", result,
	}
	if out.Success {
		d.logger.Info("command dispatched", append(args, "topic", out.Topic, "qos", out.QoS)...)
	} else {
		if out.Err != nil {
			args = append(args, "error", out.Err)
		}
		d.logger.Warn("command not dispatched", args...)
	}

	if d.recorder == nil {
		return
	}
	details := map[string]any{
		"command_id": out.CommandID,
		"command":    out.Command,
		"success":    out.Success,
	}
	if out.Topic != "" {
		details["topic"] = out.Topic
	}
	if !out.Success {
		details["error_kind"] = string(out.ErrorKind)
	}
	d.recorder.Record(ctx, audit.AuditLog{
		Action:     audit.ActionCommand,
		EntityType: audit.EntityDevice,
		EntityID:   out.DeviceID,
		UserID:     req.Caller.ID,
		Source:     audit.SourceAPI,
		Details:    details,
		CreatedAt:  req.IssuedAt,
	})
}

// metricCommand bounds label cardinality: unrecognised names share one label.
func metricCommand(r *Registry, name string) string {
	if def, ok := r.Lookup(name); ok {
		return def.Name
	}
	return "unknown"
}
