// Package ingest turns raw broker messages into device readings.
//
// The Decoder parses one topic and payload into a device.Reading and is
// stateless. The Pipeline sits between the broker client and the device
// store: it queues each message on one of N workers chosen by hashing the
// device id, so messages for one device are always applied in arrival order
// while different devices proceed in parallel.
//
// Backpressure is bounded. If a worker's queue stays full for longer than the
// enqueue timeout the message is dropped, logged at error level and counted,
// and the broker's delivery goroutine moves on.
package ingest
