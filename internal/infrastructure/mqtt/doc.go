// Package mqtt provides the broker connection of AquaFeed Core.
//
// A single Client carries all telemetry subscriptions and command publishes.
// Its lifecycle is an explicit supervisor loop (see ConnState):
//
//	Disconnected -> Connecting -> Subscribing -> Connected -> Backoff -> Connecting ...
//
// Paho's built-in reconnect is disabled. After a failed attempt or a lost
// connection the supervisor waits a fixed backoff (2 s by default) and tries
// again, forever, until its context is cancelled. Every tracked subscription
// is replayed on each new session. Connectivity problems are logged and
// reported through SetOnStateChange; they are never returned to readers of
// device state.
//
// # Security Considerations
//
//   - Production brokers use mutual TLS: CA, client certificate and key paths
//     come from mqtt.tls in config.yaml
//   - A retained Last Will marks the gateway offline on <namespace>/gateway/status
//
// # Usage
//
//	client, err := mqtt.New(cfg.MQTT, mqtt.WithLogger(log.Component("mqtt")))
//	if err != nil {
//	    return err
//	}
//	_ = client.Subscribe(client.Topics().CategoryFilter("agua"), 0, pipeline.Handle)
//	go client.Start(ctx)
//
//	err = client.Publish(ctx, client.Topics().Device("tank7", "alimentar"), []byte("alimentar"), 0, false)
package mqtt
