// README: Console and fan-out sinks.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
)

// LogSink writes messages to the process log. Used when no delivery channel
// is configured.
type LogSink struct{}

func (LogSink) Send(_ context.Context, msg Message) error {
	log.Printf("[notify] %s -> %s (%s): %s",
		msg.Template, msg.Recipient.Number, msg.Recipient.Name, strings.Join(msg.Params(), " | "))
	return nil
}

// Multi sends to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
