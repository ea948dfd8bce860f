// README: RabbitMQ sink publishing each message as JSON on the notify exchange.
package notify

import "context"

// JSONPublisher is satisfied by infra.RabbitPublisher.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

type event struct {
	Template string            `json:"template"`
	Name     string            `json:"recipient_name"`
	Number   string            `json:"recipient_number"`
	Fields   map[string]string `json:"fields"`
	Params   []string          `json:"params"`
}

// RabbitSink routes by template name, e.g. "notify.allocation_message".
type RabbitSink struct {
	pub JSONPublisher
}

func NewRabbitSink(pub JSONPublisher) *RabbitSink {
	return &RabbitSink{pub: pub}
}

func (r *RabbitSink) Send(ctx context.Context, msg Message) error {
	return r.pub.PublishJSON(ctx, "notify."+msg.Template, event{
		Template: msg.Template,
		Name:     msg.Recipient.Name,
		Number:   msg.Recipient.Number,
		Fields:   msg.Fields,
		Params:   msg.Params(),
	})
}
