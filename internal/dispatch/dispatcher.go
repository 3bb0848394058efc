// Package dispatch fans incident transitions out to notification sinks. The
// queue decouples detection correctness from delivery reliability: a slow or
// failing sink never affects evaluation state.
package dispatch

import (
	"context"
	"sync"

	"github.com/wideobs/widewatch/internal/logger"
	"github.com/wideobs/widewatch/internal/metrics"
	"github.com/wideobs/widewatch/internal/models"
)

// Sink delivers one notification event to an external transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev models.NotificationEvent) error
}

// Dispatcher owns the handoff queue between the incident manager and the
// sinks. Every transition handed to Dispatch reaches each sink at least
// once; delivery failures are logged and counted, never silently dropped
// before the sink boundary.
type Dispatcher struct {
	sinks []Sink
	queue chan models.NotificationEvent
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// New creates a dispatcher with the given sinks and queue capacity.
func New(sinks []Sink, queueSize int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		sinks: sinks,
		queue: make(chan models.NotificationEvent, queueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the delivery worker. ctx bounds individual sink sends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case ev := <-d.queue:
				d.fanout(ctx, ev)
			case <-d.done:
				// Drain whatever was queued before the close, then stop.
				for {
					select {
					case ev := <-d.queue:
						d.fanout(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Dispatch hands one event to the delivery worker. It blocks when the queue
// is full rather than dropping the event. After Close the event is dropped
// with a log line; a sender stuck behind a full queue during shutdown is
// released instead of panicking.
func (d *Dispatcher) Dispatch(ev models.NotificationEvent) {
	select {
	case d.queue <- ev:
	case <-d.done:
		logger.Warn("Dropping notification %s for %s (%s): dispatcher closed",
			ev.ID, ev.SeriesID, ev.Kind)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) fanout(ctx context.Context, ev models.NotificationEvent) {
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), sink.Name(), "error").Inc()
			logger.Warn("Notification delivery to %s failed for %s (%s): %v",
				sink.Name(), ev.SeriesID, ev.Kind, err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), sink.Name(), "ok").Inc()
	}
}
