// README: Firebase Cloud Messaging sink; each contact number maps to a topic its app subscribes to.
package notify

import (
	"context"
	"strings"

	"firebase.google.com/go/v4/messaging"
)

// MessagingClient is the subset of *messaging.Client the sink uses.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type PushSink struct {
	client MessagingClient
}

func NewPushSink(client MessagingClient) *PushSink {
	return &PushSink{client: client}
}

var pushTitles = map[string]string{
	TemplateAllocation:   "Truck allocated",
	TemplateCancellation: "Booking back in queue",
}

func (p *PushSink) Send(ctx context.Context, msg Message) error {
	data := make(map[string]string, len(msg.Fields)+1)
	for k, v := range msg.Fields {
		data[k] = v
	}
	data["template"] = msg.Template

	_, err := p.client.Send(ctx, &messaging.Message{
		Topic: ContactTopic(msg.Recipient.Number),
		Notification: &messaging.Notification{
			Title: pushTitles[msg.Template],
			Body:  strings.Join(msg.Params(), " | "),
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	return err
}

// ContactTopic turns "+91 98000-00001" into "contact_919800000001".
func ContactTopic(number string) string {
	var b strings.Builder
	b.WriteString("contact_")
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
