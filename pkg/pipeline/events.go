package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/observability/metrics"
)

// EventPublisher announces job state changes to other systems.
type EventPublisher interface {
	PublishJobStatus(ctx context.Context, job *jobs.Job) error
}

const (
	eventBuffer         = 256
	eventPublishTimeout = 10 * time.Second
)

// dispatcher publishes job versions in order on a single goroutine so a slow
// broker never stalls a stage. When the buffer is full the event is dropped;
// polling the status endpoint stays authoritative.
type dispatcher struct {
	publisher EventPublisher
	queue     chan *jobs.Job
	stopped   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newDispatcher(p EventPublisher) *dispatcher {
	d := &dispatcher{publisher: p}
	if p == nil {
		return d
	}
	d.queue = make(chan *jobs.Job, eventBuffer)
	d.stopped = make(chan struct{})
	go d.loop()
	return d
}

func (d *dispatcher) enqueue(job *jobs.Job) {
	if d.queue == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job.Clone():
	default:
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
		logger.ForJob(job.ID).Warn("event buffer full, status event dropped")
	}
}

func (d *dispatcher) loop() {
	defer close(d.stopped)
	for job := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		err := d.publisher.PublishJobStatus(ctx, job)
		cancel()
		if err != nil {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			logger.ForJob(job.ID).WithError(err).Warn("failed to publish job status event")
			continue
		}
		metrics.EventsPublished.WithLabelValues("ok").Inc()
	}
}

// close drains what is queued and stops the loop.
func (d *dispatcher) close() {
	if d.queue == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.stopped
}
