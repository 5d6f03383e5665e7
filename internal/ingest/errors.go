package ingest

import (
	"errors"
	"fmt"
)

// Decode failure sentinels. Match with errors.Is.
var (
	// ErrMalformedTopic is returned for topics that are not <namespace>/<deviceId>/<category>.
	ErrMalformedTopic = errors.New("ingest: malformed topic")

	// ErrMalformedPayload is returned for payloads that are not a JSON object.
	ErrMalformedPayload = errors.New("ingest: malformed payload")
)

// Pipeline errors.
var (
	// ErrQueueFull is returned when a message could not be queued within the enqueue timeout.
	ErrQueueFull = errors.New("ingest: worker queue full")

	// ErrStopped is returned when a message arrives after the pipeline stopped.
	ErrStopped = errors.New("ingest: pipeline stopped")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("ingest: pipeline already running")
)

// ErrorKind classifies a decode failure for logs and metrics.
type ErrorKind string

const (
	KindMalformedTopic   ErrorKind = "malformed_topic"
	KindMalformedPayload ErrorKind = "malformed_payload"
)

// DecodeError describes why one message was discarded.
type DecodeError struct {
	Kind  ErrorKind
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %q", e.sentinel(), e.Topic)
	}
	return fmt.Sprintf("%s: %q: %v", e.sentinel(), e.Topic, e.Err)
}

// Unwrap returns the underlying cause, if any.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *DecodeError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *DecodeError) sentinel() error {
	if e.Kind == KindMalformedTopic {
		return ErrMalformedTopic
	}
	return ErrMalformedPayload
}

func topicError(topic, reason string) *DecodeError {
	return &DecodeError{Kind: KindMalformedTopic, Topic: topic, Err: errors.New(reason)}
}

func payloadError(topic string, err error) *DecodeError {
	return &DecodeError{Kind: KindMalformedPayload, Topic: topic, Err: err}
}
