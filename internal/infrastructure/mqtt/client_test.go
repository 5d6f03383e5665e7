package mqtt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aquafeed/aquafeed-core/internal/infrastructure/config"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/mqtt/mqtttest"
)

const waitTimeout = 2 * time.Second

// testConfig returns an MQTT configuration with short timings for tests.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "aquafeed-test",
		},
		Namespace:      "aquafeed",
		KeepAlive:      30,
		PublishTimeout: 100 * time.Millisecond,
		Reconnect: config.MQTTReconnectConfig{
			Backoff:        10 * time.Millisecond,
			ConnectTimeout: 100 * time.Millisecond,
		},
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(s ConnState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) seen(s ConnState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, fake *mqtttest.Client) *Client {
	t.Helper()
	c, err := New(testConfig(), WithClientFactory(fake.Factory))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// startClient runs the supervisor and waits for the first connected session.
func startClient(t *testing.T, c *Client) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	if !mqtttest.WaitFor(waitTimeout, c.IsConnected) {
		cancel()
		t.Fatalf("client never connected, state %s", c.State())
	}

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Start() returned %v", err)
				}
			case <-time.After(waitTimeout):
				t.Error("Start() did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func noopHandler(string, []byte) error { return nil }

// =============================================================================
// Supervisor Tests
// =============================================================================

func TestStart_ConnectsRestoresAndAnnounces(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)

	// Registered before the first connect: tracked, applied on connect.
	if err := c.Subscribe("aquafeed/+/agua", 0, noopHandler); err != nil {
		t.Fatalf("Subscribe() before start error = %v", err)
	}

	startClient(t, c)

	filters := fake.Filters()
	if len(filters) != 1 || filters[0] != "aquafeed/+/agua" {
		t.Errorf("broker filters = %v, want [aquafeed/+/agua]", filters)
	}

	status := fake.PublishedTo("aquafeed/gateway/status")
	if len(status) == 0 {
		t.Fatal("no online status published")
	}
	var payload statusPayload
	if err := json.Unmarshal(status[0].Payload, &payload); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if payload.Status != "online" || !status[0].Retained {
		t.Errorf("status = %+v retained=%v, want online retained", payload, status[0].Retained)
	}
}

func TestStart_BacksOffAfterConnectFailure(t *testing.T) {
	fake := mqtttest.New()
	fake.FailConnects(errors.New("refused"), errors.New("refused"))
	c := newTestClient(t, fake)

	rec := &stateRecorder{}
	c.SetOnStateChange(rec.record)

	startClient(t, c)

	if got := fake.Connects(); got != 3 {
		t.Errorf("Connect calls = %d, want 3", got)
	}
	for _, s := range []ConnState{StateConnecting, StateBackoff, StateSubscribing, StateConnected} {
		if !rec.seen(s) {
			t.Errorf("state %s never entered", s)
		}
	}
}

func TestStart_ResubscribesAfterConnectionLoss(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)

	reconnects := 0
	var mu sync.Mutex
	c.SetOnConnect(func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})

	startClient(t, c)
	if err := c.Subscribe("aquafeed/+/ambiente", 0, noopHandler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	fake.DropConnection(errors.New("EOF"))

	ok := mqtttest.WaitFor(waitTimeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects == 2 && c.IsConnected()
	})
	if !ok {
		t.Fatalf("no reconnect observed, state %s", c.State())
	}

	filters := fake.Filters()
	if len(filters) != 1 || filters[0] != "aquafeed/+/ambiente" {
		t.Errorf("filters after reconnect = %v, want [aquafeed/+/ambiente]", filters)
	}
	if n := fake.Deliver("aquafeed/tank-1/ambiente", []byte(`{"temp":24}`)); n != 1 {
		t.Errorf("handlers invoked after reconnect = %d, want 1", n)
	}
}

func TestStart_SubscribeFailureBacksOff(t *testing.T) {
	fake := mqtttest.New()
	fake.SetSubscribeError(errors.New("not authorised"))
	c := newTestClient(t, fake)
	if err := c.Subscribe("aquafeed/+/agua", 0, noopHandler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx) //nolint:errcheck // Stopped by cancel

	if !mqtttest.WaitFor(waitTimeout, func() bool { return fake.Connects() >= 2 }) {
		t.Fatal("supervisor did not retry after subscribe failure")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true while subscriptions keep failing")
	}

	fake.SetSubscribeError(nil)
	if !mqtttest.WaitFor(waitTimeout, c.IsConnected) {
		t.Errorf("client did not recover, state %s", c.State())
	}
}

func TestStart_AlreadyStarted(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)
	startClient(t, c)

	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)
	stop := startClient(t, c)

	stop()

	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
	if fake.IsConnected() {
		t.Error("underlying client still connected")
	}

	status := fake.PublishedTo("aquafeed/gateway/status")
	last := status[len(status)-1]
	var payload statusPayload
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if payload.Status != "offline" || payload.Reason != "graceful_shutdown" {
		t.Errorf("last status = %+v, want graceful offline", payload)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe_SameFilterIsNoop(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)
	startClient(t, c)

	var first, second int
	if err := c.Subscribe("aquafeed/+/agua", 0, func(string, []byte) error { first++; return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Subscribe("aquafeed/+/agua", 0, func(string, []byte) error { second++; return nil }); err != nil {
		t.Fatalf("second Subscribe() error = %v", err)
	}

	if c.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", c.SubscriptionCount())
	}

	fake.Deliver("aquafeed/tank7/agua", []byte(`{"temp":24}`))
	if first != 1 || second != 0 {
		t.Errorf("handler calls first=%d second=%d, want 1 and 0", first, second)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newTestClient(t, mqtttest.New())

	tests := []struct {
		name    string
		filter  string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty filter", "", 0, noopHandler, ErrInvalidTopic},
		{"hash not last", "aquafeed/#/agua", 0, noopHandler, ErrInvalidTopic},
		{"partial wildcard", "aquafeed/tank+/agua", 0, noopHandler, ErrInvalidTopic},
		{"invalid qos", "aquafeed/+/agua", 3, noopHandler, ErrInvalidQoS},
		{"nil handler", "aquafeed/+/agua", 0, nil, ErrSubscribeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Subscribe(tt.filter, tt.qos, tt.handler); !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)
	startClient(t, c)

	if err := c.Subscribe("aquafeed/+/agua", 0, noopHandler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Unsubscribe("aquafeed/+/agua"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.HasSubscription("aquafeed/+/agua") {
		t.Error("filter still tracked after Unsubscribe")
	}
	if n := fake.Deliver("aquafeed/tank7/agua", []byte(`{}`)); n != 0 {
		t.Errorf("Deliver() reached %d handlers after unsubscribe", n)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)
	startClient(t, c)

	if err := c.Subscribe("aquafeed/+/agua", 0, func(string, []byte) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Must not propagate the panic.
	fake.Deliver("aquafeed/tank7/agua", []byte(`{}`))

	if !c.IsConnected() {
		t.Error("client disconnected after handler panic")
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)
	startClient(t, c)

	if err := c.Publish(context.Background(), "aquafeed/tank7/alimentar", []byte("alimentar"), 0, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := fake.PublishedTo("aquafeed/tank7/alimentar")
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if string(got[0].Payload) != "alimentar" || got[0].QoS != 0 || got[0].Retained {
		t.Errorf("published %+v, want payload alimentar qos 0 not retained", got[0])
	}
}

func TestPublish_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(fake *mqtttest.Client)
		ctx     func() (context.Context, context.CancelFunc)
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{
			name:    "wildcard topic",
			topic:   "aquafeed/+/alimentar",
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "invalid qos",
			topic:   "aquafeed/tank7/alimentar",
			qos:     3,
			wantErr: ErrInvalidQoS,
		},
		{
			name:    "payload too large",
			topic:   "aquafeed/tank7/alimentar",
			payload: make([]byte, maxPayloadSize+1),
			wantErr: ErrPublishFailed,
		},
		{
			name:    "broker rejects",
			setup:   func(f *mqtttest.Client) { f.SetPublishError(errors.New("quota exceeded")) },
			topic:   "aquafeed/tank7/alimentar",
			wantErr: ErrPublishFailed,
		},
		{
			name:    "no completion within timeout",
			setup:   func(f *mqtttest.Client) { f.SetPublishHang(true) },
			topic:   "aquafeed/tank7/alimentar",
			wantErr: ErrTimeout,
		},
		{
			name:  "context cancelled",
			setup: func(f *mqtttest.Client) { f.SetPublishHang(true) },
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, func() {}
			},
			topic:   "aquafeed/tank7/alimentar",
			wantErr: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := mqtttest.New()
			c := newTestClient(t, fake)
			startClient(t, c)
			if tt.setup != nil {
				tt.setup(fake)
			}

			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			payload := tt.payload
			if payload == nil {
				payload = []byte("alimentar")
			}
			err := c.Publish(ctx, tt.topic, payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c := newTestClient(t, mqtttest.New())

	err := c.Publish(context.Background(), "aquafeed/tank7/alimentar", []byte("alimentar"), 0, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Health and Options
// =============================================================================

func TestHealthCheck(t *testing.T) {
	fake := mqtttest.New()
	c := newTestClient(t, fake)

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() before start = %v, want ErrNotConnected", err)
	}

	startClient(t, c)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) = %v, want context.Canceled", err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	opts, err := buildClientOptions(testConfig())
	if err != nil {
		t.Fatalf("buildClientOptions() error = %v", err)
	}

	if opts.AutoReconnect {
		t.Error("paho auto-reconnect must be disabled")
	}
	if opts.ConnectRetry {
		t.Error("paho connect retry must be disabled")
	}
	if opts.ClientID != "aquafeed-test" {
		t.Errorf("ClientID = %q, want aquafeed-test", opts.ClientID)
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", opts.KeepAlive)
	}
	if !opts.WillEnabled || opts.WillTopic != "aquafeed/gateway/status" || !opts.WillRetained {
		t.Errorf("will = %v %q retained=%v, want retained aquafeed/gateway/status",
			opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedPair(t, dir)

	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	cfg.TLS = config.MQTTTLSConfig{CAFile: certFile, CertFile: certFile, KeyFile: keyFile}

	opts, err := buildClientOptions(cfg)
	if err != nil {
		t.Fatalf("buildClientOptions() error = %v", err)
	}
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.RootCAs == nil || len(opts.TLSConfig.Certificates) != 1 {
		t.Errorf("TLS config missing CA pool or client certificate: %+v", opts.TLSConfig)
	}
}

func TestLoadTLSConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  config.MQTTTLSConfig
	}{
		{"missing CA file", config.MQTTTLSConfig{CAFile: filepath.Join(dir, "absent.pem")}},
		{"CA without certificates", config.MQTTTLSConfig{CAFile: garbage}},
		{"unreadable key pair", config.MQTTTLSConfig{CertFile: garbage, KeyFile: garbage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadTLSConfig(tt.cfg); !errors.Is(err, ErrTLSConfig) {
				t.Errorf("loadTLSConfig() error = %v, want ErrTLSConfig", err)
			}
		})
	}
}

func TestNew_TLSErrorSurfaces(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.TLS.CAFile = "/nonexistent/ca.pem"

	_, err := New(cfg, WithClientFactory(func(*pahomqtt.ClientOptions) pahomqtt.Client {
		t.Fatal("factory must not be called on TLS error")
		return nil
	}))
	if !errors.Is(err, ErrTLSConfig) {
		t.Errorf("New() error = %v, want ErrTLSConfig", err)
	}
}

func TestTopics(t *testing.T) {
	topics := NewTopics("")

	tests := []struct {
		name, got, want string
	}{
		{"device", topics.Device("tank7", "alimentar"), "aquafeed/tank7/alimentar"},
		{"category filter", topics.CategoryFilter("agua"), "aquafeed/+/agua"},
		{"all devices", topics.AllDevices(), "aquafeed/+/+"},
		{"gateway status", topics.GatewayStatus(), "aquafeed/gateway/status"},
		{"custom namespace", NewTopics("farm2").Device("t1", "agua"), "farm2/t1/agua"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	for seg, want := range map[string]bool{"tank7": true, "": false, "a/b": false, "+": false, "x#": false} {
		if got := ValidSegment(seg); got != want {
			t.Errorf("ValidSegment(%q) = %v, want %v", seg, got, want)
		}
	}
}

func TestConnStateString(t *testing.T) {
	want := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateSubscribing:  "subscribing",
		StateConnected:    "connected",
		StateBackoff:      "backoff",
		ConnState(99):     "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("ConnState(%d).String() = %q, want %q", s, s.String(), name)
		}
	}
}

// writeSelfSignedPair writes a self-signed certificate and key as PEM files.
func writeSelfSignedPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "aquafeed-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshalling key: %v", err)
	}

	certFile = filepath.Join(dir, "client.crt")
	keyFile = filepath.Join(dir, "client.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
