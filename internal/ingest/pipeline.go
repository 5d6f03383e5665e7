package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aquafeed/aquafeed-core/internal/device"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 256
	DefaultEnqueueTimeout = 250 * time.Millisecond
)

// Store is the subset of device.Store the pipeline writes to.
type Store interface {
	Upsert(r device.Reading) error
	Len() int
}

// Observer is told about every reading after it has been stored.
// It runs on a worker goroutine and must not block.
type Observer interface {
	ReadingApplied(r device.Reading)
}

// Metrics receives pipeline counters. *metrics.Metrics satisfies it.
type Metrics interface {
	MessageReceived()
	DecodeError(kind string)
	ReadingApplied(category string, devices int)
	IngestDropped()
	QueueLength(n int)
}

// Logger interface for optional logging support.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) MessageReceived()           {}
func (noopMetrics) DecodeError(string)         {}
func (noopMetrics) ReadingApplied(string, int) {}
func (noopMetrics) IngestDropped()             {}
func (noopMetrics) QueueLength(int)            {}

// Config sizes the worker pool.
type Config struct {
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Received       uint64 `json:"received"`
	Applied        uint64 `json:"applied"`
	DecodeFailures uint64 `json:"decode_failures"`
	Dropped        uint64 `json:"dropped"`
	Queued         int64  `json:"queued"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithObserver adds an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithClock replaces time.Now for arrival timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

type message struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// Pipeline decodes and applies messages on a fixed pool of workers.
//
// Messages for the same device id always land on the same worker, so each
// device's readings are applied in the order Enqueue saw them.
type Pipeline struct {
	decoder *Decoder
	store   Store

	queues  []chan message
	timeout time.Duration

	observers []Observer
	metrics   Metrics
	logger    Logger
	now       func() time.Time

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once

	// gate is read-held by Enqueue while it sends, so once Stop holds it
	// stopped is set and no send is in flight.
	gate    sync.RWMutex
	stopped bool

	received       atomic.Uint64
	applied        atomic.Uint64
	decodeFailures atomic.Uint64
	dropped        atomic.Uint64
	queued         atomic.Int64
}

// NewPipeline creates a pipeline. Messages may be enqueued before Run starts
// the workers; they wait in the queues.
func NewPipeline(cfg Config, decoder *Decoder, store Store, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}

	p := &Pipeline{
		decoder: decoder,
		store:   store,
		queues:  make([]chan message, cfg.Workers),
		timeout: cfg.EnqueueTimeout,
		metrics: noopMetrics{},
		logger:  noopLogger{},
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan message, cfg.QueueSize)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled. Cancellation
// stops intake first, then every message already queued is applied before
// Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	p.logger.Info("ingest pipeline started",
		"workers", len(p.queues),
		"queue_size", cap(p.queues[0]),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.queues {
		q := p.queues[i]
		g.Go(func() error {
			p.work(gctx, q)
			return nil
		})
	}
	err := g.Wait()

	p.Stop()
	p.logger.Info("ingest pipeline stopped", "stats", p.Stats())
	return err
}

// Stop rejects further messages. When it returns no Enqueue is mid-send.
// Workers exit when Run's context ends.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done) // wakes senders waiting on a full queue
		p.gate.Lock()
		p.stopped = true
		p.gate.Unlock()
	})
}

func (p *Pipeline) work(ctx context.Context, q <-chan message) {
	for {
		select {
		case msg := <-q:
			p.process(msg)
		case <-ctx.Done():
			p.Stop()
			for {
				select {
				case msg := <-q:
					p.process(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) process(msg message) {
	p.metrics.QueueLength(int(p.queued.Add(-1)))

	r, err := p.decoder.Decode(msg.topic, msg.payload, msg.receivedAt)
	if err != nil {
		p.decodeFailures.Add(1)
		kind := KindMalformedPayload
		var de *DecodeError
		if errors.As(err, &de) {
			kind = de.Kind
		}
		p.metrics.DecodeError(string(kind))
		p.logger.Warn("discarding undecodable message",
			"topic", msg.topic,
			"kind", string(kind),
			"error", err,
		)
		return
	}

	if err := p.store.Upsert(r); err != nil {
		p.logger.Error("store rejected reading", "topic", msg.topic, "error", err)
		return
	}
	p.applied.Add(1)
	p.metrics.ReadingApplied(string(r.Category), p.store.Len())

	for _, o := range p.observers {
		o.ReadingApplied(r)
	}
}

// Enqueue queues one message for its device's worker.
//
// It blocks for at most the enqueue timeout. The payload is not copied, so
// the caller must not modify it afterwards.
//
// Returns:
//   - error: ErrQueueFull when the worker stayed busy, ErrStopped after Stop
func (p *Pipeline) Enqueue(topic string, payload []byte) error {
	msg := message{topic: topic, payload: payload, receivedAt: p.now()}
	q := p.queues[p.route(topic)]

	p.received.Add(1)
	p.metrics.MessageReceived()

	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	// Counted before the send so a fast worker never sees a negative depth.
	p.metrics.QueueLength(int(p.queued.Add(1)))

	select {
	case q <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case q <- msg:
		return nil
	case <-timer.C:
	case <-p.done:
		p.metrics.QueueLength(int(p.queued.Add(-1)))
		return ErrStopped
	}

	p.metrics.QueueLength(int(p.queued.Add(-1)))
	p.dropped.Add(1)
	p.metrics.IngestDropped()
	return ErrQueueFull
}

// Handle is the broker subscription handler. Drops are logged here at error
// level so the broker client's own handler logging stays quiet.
func (p *Pipeline) Handle(topic string, payload []byte) error {
	switch err := p.Enqueue(topic, payload); {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		p.logger.Error("ingest queue full, message dropped",
			"topic", topic,
			"timeout", p.timeout.String(),
		)
	default:
		p.logger.Debug("message ignored", "topic", topic, "error", err)
	}
	return nil
}

// route picks the worker for a topic by hashing its device id segment.
// Topics without one hash whole; the decoder rejects them anyway.
func (p *Pipeline) route(topic string) int {
	key := topic
	if _, rest, ok := strings.Cut(topic, "/"); ok {
		key, _, _ = strings.Cut(rest, "/")
	}
	return int(xxhash.Sum64String(key) % uint64(len(p.queues)))
}

// Stats returns cumulative counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:       p.received.Load(),
		Applied:        p.applied.Load(),
		DecodeFailures: p.decodeFailures.Load(),
		Dropped:        p.dropped.Load(),
		Queued:         p.queued.Load(),
	}
}

// Workers returns the worker count.
func (p *Pipeline) Workers() int {
	return len(p.queues)
}
