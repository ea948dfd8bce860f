// README: Dispatcher delivers messages to a sink from background workers; failures are logged, never returned.
package notify

import (
	"context"
	"log"
	"time"

	"fleet/internal/metrics"
	"fleet/internal/worker"
)

type Dispatcher struct {
	sink    Sink
	runner  worker.Runner
	timeout time.Duration
}

// NewDispatcher sends through sink on runner. A zero timeout leaves sends
// bounded only by the runner's job context.
func NewDispatcher(sink Sink, runner worker.Runner, timeout time.Duration) *Dispatcher {
	return &Dispatcher{sink: sink, runner: runner, timeout: timeout}
}

func (d *Dispatcher) Publish(msgs ...Message) {
	for _, msg := range msgs {
		msg := msg
		ok := d.runner.Go("notify "+msg.Template, func(ctx context.Context) error {
			d.send(ctx, msg)
			return nil
		})
		if !ok {
			metrics.NotificationsTotal.WithLabelValues(msg.Template, "dropped").Inc()
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, msg Message) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.sink.Send(ctx, msg); err != nil {
		log.Printf("[notify] %s to %s failed: %v", msg.Template, msg.Recipient.Number, err)
		metrics.NotificationsTotal.WithLabelValues(msg.Template, "error").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues(msg.Template, "ok").Inc()
}
