package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aquafeed/aquafeed-core/internal/audit"
	"github.com/aquafeed/aquafeed-core/internal/auth"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/config"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/mqtt"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/mqtt/mqtttest"
)

type publishCall struct {
	topic    string
	payload  string
	qos      byte
	retained bool
	deadline bool
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
	block bool
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	_, hasDeadline := ctx.Deadline()
	p.mu.Lock()
	p.calls = append(p.calls, publishCall{topic, string(payload), qos, retained, hasDeadline})
	err, block := p.err, p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", mqtt.ErrTimeout, ctx.Err())
	}
	return err
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeRecorder struct {
	entries []audit.AuditLog
}

func (r *fakeRecorder) Record(_ context.Context, e audit.AuditLog) {
	r.entries = append(r.entries, e)
}

type metricCall struct {
	command, outcome string
}

type fakeMetrics struct {
	calls []metricCall
}

func (m *fakeMetrics) CommandDispatched(command, outcome string, _ time.Duration) {
	m.calls = append(m.calls, metricCall{command, outcome})
}

var operator = auth.Caller{ID: "usr-1", Username: "marina", Role: auth.RoleUser}

func newDispatcher(pub Publisher, policy Policy, opts ...Option) *Dispatcher {
	return NewDispatcher(pub, mqtt.NewTopics("aquafeed"), policy, opts...)
}

func TestDispatch_Feed(t *testing.T) {
	pub := &fakePublisher{}
	d := newDispatcher(pub, Policy{})

	out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed", Caller: operator})

	if !out.Success || out.ErrorKind != KindNone {
		t.Fatalf("Outcome = %+v", out)
	}
	if out.Topic != "aquafeed/tank7/alimentar" || out.Payload != "alimentar" {
		t.Errorf("Topic=%q Payload=%q", out.Topic, out.Payload)
	}
	if out.CommandID == "" || out.IssuedAt.IsZero() {
		t.Errorf("CommandID=%q IssuedAt=%v", out.CommandID, out.IssuedAt)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub.calls))
	}
	want := publishCall{topic: "aquafeed/tank7/alimentar", payload: "alimentar", qos: 0, retained: false, deadline: true}
	if pub.calls[0] != want {
		t.Errorf("publish = %+v, want %+v", pub.calls[0], want)
	}
}

func TestDispatch_AliasAndCase(t *testing.T) {
	pub := &fakePublisher{}
	d := newDispatcher(pub, Policy{})

	for _, name := range []string{"alimentar", "FEED", " Feed "} {
		out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: name})
		if !out.Success || out.Command != "feed" {
			t.Errorf("Dispatch(%q) = %+v", name, out)
		}
	}
	if pub.count() != 3 {
		t.Errorf("publishes = %d, want 3", pub.count())
	}
}

func TestDispatch_UnknownCommandNeverPublishes(t *testing.T) {
	pub := &fakePublisher{}
	m := &fakeMetrics{}
	d := newDispatcher(pub, Policy{}, WithMetrics(m))

	out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "explode"})

	if out.Success || out.ErrorKind != KindUnknownCommand {
		t.Errorf("Outcome = %+v", out)
	}
	if out.Topic != "" {
		t.Errorf("Topic = %q, want empty", out.Topic)
	}
	if pub.count() != 0 {
		t.Errorf("publishes = %d, want 0", pub.count())
	}
	if len(m.calls) != 1 || m.calls[0] != (metricCall{"unknown", "unknown_command"}) {
		t.Errorf("metrics = %+v", m.calls)
	}
}

func TestDispatch_InvalidDevice(t *testing.T) {
	pub := &fakePublisher{}
	d := newDispatcher(pub, Policy{})

	for _, id := range []string{"", "a/b", "tank+", "#"} {
		out := d.Dispatch(context.Background(), Request{DeviceID: id, Command: "feed"})
		if out.Success || out.ErrorKind != KindInvalidDevice {
			t.Errorf("Dispatch(%q) = %+v", id, out)
		}
	}
	if pub.count() != 0 {
		t.Errorf("publishes = %d, want 0", pub.count())
	}
}

func TestDispatch_RequiredRole(t *testing.T) {
	pub := &fakePublisher{}
	d := newDispatcher(pub, Policy{RequiredRole: auth.RoleAdmin})

	out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed", Caller: operator})
	if out.ErrorKind != KindForbidden {
		t.Errorf("user Outcome = %+v, want forbidden", out)
	}
	if pub.count() != 0 {
		t.Errorf("publishes = %d, want 0", pub.count())
	}

	admin := auth.Caller{ID: "usr-2", Role: auth.RoleAdmin}
	if out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed", Caller: admin}); !out.Success {
		t.Errorf("admin Outcome = %+v", out)
	}
}

func TestDispatch_BrokerAckPolicy(t *testing.T) {
	pub := &fakePublisher{}
	policy := PolicyFromConfig(config.CommandsConfig{
		Delivery:       config.DeliveryBrokerAck,
		PublishTimeout: time.Second,
	})
	d := newDispatcher(pub, policy)

	out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed"})
	if !out.Success || out.QoS != 1 {
		t.Errorf("Outcome = %+v", out)
	}
	if pub.calls[0].qos != 1 || pub.calls[0].retained {
		t.Errorf("publish = %+v, want qos 1 not retained", pub.calls[0])
	}
}

func TestDispatch_TransportErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"not connected", fmt.Errorf("%w: state backoff", mqtt.ErrNotConnected), KindTransportConnectFailed},
		{"connect failed", mqtt.ErrConnectionFailed, KindTransportConnectFailed},
		{"publish failed", fmt.Errorf("%w: broker said no", mqtt.ErrPublishFailed), KindTransportPublishFailed},
		{"timeout", fmt.Errorf("publish x: %w", mqtt.ErrTimeout), KindTransportTimeout},
		{"deadline", context.DeadlineExceeded, KindTransportTimeout},
		{"other", errors.New("boom"), KindTransportPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(&fakePublisher{err: tt.err}, Policy{})

			out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed"})
			if out.Success || out.ErrorKind != tt.want {
				t.Errorf("Outcome = %+v, want %s", out, tt.want)
			}
			if !errors.Is(out.Err, tt.err) {
				t.Errorf("Err = %v, want %v", out.Err, tt.err)
			}
			if !out.ErrorKind.IsTransport() {
				t.Errorf("%s.IsTransport() = false", out.ErrorKind)
			}
			if out.Topic != "aquafeed/tank7/alimentar" {
				t.Errorf("Topic = %q", out.Topic)
			}
		})
	}
}

func TestDispatch_TimeoutBounded(t *testing.T) {
	pub := &fakePublisher{block: true}
	d := newDispatcher(pub, Policy{Timeout: 20 * time.Millisecond})

	start := time.Now()
	out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed"})

	if out.ErrorKind != KindTransportTimeout {
		t.Errorf("Outcome = %+v", out)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Dispatch() took %v", elapsed)
	}
}

func TestDispatch_CallerCancellation(t *testing.T) {
	pub := &fakePublisher{block: true}
	d := newDispatcher(pub, Policy{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	out := d.Dispatch(ctx, Request{DeviceID: "tank7", Command: "feed"})
	if out.ErrorKind != KindTransportTimeout {
		t.Errorf("Outcome = %+v", out)
	}
	if pub.count() != 1 {
		t.Errorf("publishes = %d, want exactly one attempt", pub.count())
	}
}

func TestDispatch_AuditAndMetrics(t *testing.T) {
	rec := &fakeRecorder{}
	m := &fakeMetrics{}
	issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	d := newDispatcher(&fakePublisher{}, Policy{}, WithRecorder(rec), WithMetrics(m))

	out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "alimentar", IssuedAt: issued, Caller: operator})
	d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "explode", Caller: operator})

	if len(rec.entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(rec.entries))
	}
	ok := rec.entries[0]
	if ok.Action != audit.ActionCommand || ok.EntityType != audit.EntityDevice || ok.EntityID != "tank7" || ok.UserID != "usr-1" {
		t.Errorf("entry = %+v", ok)
	}
	if ok.Details["command_id"] != out.CommandID || ok.Details["success"] != true || ok.Details["topic"] != "aquafeed/tank7/alimentar" {
		t.Errorf("details = %v", ok.Details)
	}
	if !ok.CreatedAt.Equal(issued) {
		t.Errorf("CreatedAt = %v, want %v", ok.CreatedAt, issued)
	}
	if rec.entries[1].Details["error_kind"] != string(KindUnknownCommand) {
		t.Errorf("failed details = %v", rec.entries[1].Details)
	}

	want := []metricCall{{"feed", "ok"}, {"unknown", "unknown_command"}}
	if len(m.calls) != 2 || m.calls[0] != want[0] || m.calls[1] != want[1] {
		t.Errorf("metrics = %+v, want %+v", m.calls, want)
	}
}

func TestDispatch_ThroughBrokerClient(t *testing.T) {
	fake := mqtttest.New()
	client, err := mqtt.New(config.MQTTConfig{
		Broker:         config.MQTTBrokerConfig{Host: "127.0.0.1", Port: 1883, ClientID: "dispatch-test"},
		Namespace:      "aquafeed",
		PublishTimeout: 100 * time.Millisecond,
		Reconnect:      config.MQTTReconnectConfig{Backoff: 10 * time.Millisecond, ConnectTimeout: 100 * time.Millisecond},
	}, mqtt.WithClientFactory(fake.Factory))
	if err != nil {
		t.Fatalf("mqtt.New() error = %v", err)
	}
	d := NewDispatcher(client, client.Topics(), Policy{Timeout: time.Second})

	// Before the supervisor runs the broker is unreachable.
	if out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed"}); out.ErrorKind != KindTransportConnectFailed {
		t.Errorf("disconnected Outcome = %+v", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	if !mqtttest.WaitFor(2*time.Second, client.IsConnected) {
		t.Fatal("client never connected")
	}

	out := d.Dispatch(context.Background(), Request{DeviceID: "tank7", Command: "feed"})
	if !out.Success {
		t.Fatalf("Outcome = %+v", out)
	}
	sent := fake.PublishedTo("aquafeed/tank7/alimentar")
	if len(sent) != 1 || string(sent[0].Payload) != "alimentar" || sent[0].Retained || sent[0].QoS != 0 {
		t.Errorf("broker saw %+v", sent)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Feed, Definition{Name: "light", Wire: "luz", Payload: []byte("on"), Aliases: []string{"feed"}})

	if d, ok := r.Lookup("feed"); !ok || d.Wire != "alimentar" {
		t.Errorf("Lookup(feed) = %+v, %v; first definition should win", d, ok)
	}
	if d, ok := r.Lookup("LIGHT"); !ok || d.Wire != "luz" {
		t.Errorf("Lookup(LIGHT) = %+v, %v", d, ok)
	}
	if _, ok := r.Lookup("explode"); ok {
		t.Error("Lookup(explode) succeeded")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "feed" || names[1] != "light" {
		t.Errorf("Names() = %v", names)
	}
}

func TestOutcomeMessage(t *testing.T) {
	for _, k := range []ErrorKind{KindNone, KindUnknownCommand, KindInvalidDevice, KindForbidden,
		KindTransportConnectFailed, KindTransportPublishFailed, KindTransportTimeout} {
		if msg := (Outcome{ErrorKind: k, DeviceID: "tank7", Command: "x"}).Message(); msg == "" {
			t.Errorf("Message() for %q is empty", k)
		}
	}
}
