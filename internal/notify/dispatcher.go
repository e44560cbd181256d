package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sink delivers a batch of events somewhere outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, events []Event) error
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	IncNotifyDropped()
	IncNotifyDelivered(sink, status string)
}

// Options configures a Dispatcher.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SendTimeout   time.Duration
}

// Dispatcher queues events in a bounded channel and fans batches out to its
// sinks from a single background goroutine. Publish never blocks: when the
// queue is full the event is dropped and counted.
type Dispatcher struct {
	queue         chan Event
	sinks         []Sink
	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration
	metrics       MetricsRecorder
	done          chan struct{}
	stopOnce      sync.Once
}

// NewDispatcher creates a dispatcher for the given sinks.
func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:         make(chan Event, opts.BufferSize),
		sinks:         sinks,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		sendTimeout:   opts.SendTimeout,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Publish enqueues e, dropping it if the queue is full.
func (d *Dispatcher) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case d.queue <- e:
	default:
		if d.metrics != nil {
			d.metrics.IncNotifyDropped()
		}
		slog.Warn("notification queue full, dropping event", "kind", e.Kind, "tenant_id", e.TenantID)
	}
}

// Start drains the queue until Stop is called or ctx is cancelled, flushing
// when a batch fills or on every tick. Remaining events are flushed on exit.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.deliver(batch)
		batch = make([]Event, 0, d.batchSize)
	}

	for {
		select {
		case e := <-d.queue:
			batch = append(batch, e)
			if len(batch) >= d.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			batch = d.drain(batch)
			flush()
			return
		case <-d.done:
			batch = d.drain(batch)
			flush()
			return
		}
	}
}

// Stop signals the background goroutine to exit after a final flush.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *Dispatcher) drain(batch []Event) []Event {
	for {
		select {
		case e := <-d.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// deliver sends batch to every sink concurrently. Sink failures are logged
// and never propagated.
func (d *Dispatcher) deliver(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range d.sinks {
		s := s
		g.Go(func() error {
			status := "ok"
			if err := s.Send(ctx, batch); err != nil {
				status = "error"
				slog.Warn("notification sink failed", "sink", s.Name(), "count", len(batch), "error", err)
			}
			if d.metrics != nil {
				d.metrics.IncNotifyDelivered(s.Name(), status)
			}
			return nil
		})
	}
	_ = g.Wait()
}
