// README: WhatsApp template sink posting allocation and cancellation templates to the messaging gateway.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	whatsAppLanguage = "en_US"
	whatsAppPolicy   = "deterministic"
)

type waParameter struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type waComponent struct {
	Type       string        `json:"type"`
	SubType    string        `json:"sub_type,omitempty"`
	Index      *int          `json:"index,omitempty"`
	Parameters []waParameter `json:"parameters"`
}

type waLanguage struct {
	Code   string `json:"code"`
	Policy string `json:"policy"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Components []waComponent `json:"components"`
	Language   waLanguage    `json:"language"`
	Namespace  string        `json:"namespace,omitempty"`
}

type waRequest struct {
	Payload     waTemplate `json:"payload"`
	PhoneNumber string     `json:"phoneNumber"`
}

type WhatsAppSink struct {
	url       string
	auth      string
	namespace string
	client    *http.Client
}

// NewWhatsAppSink posts to url with auth sent verbatim as the Authorization
// header.
func NewWhatsAppSink(url, auth, namespace string) *WhatsAppSink {
	return &WhatsAppSink{
		url:       url,
		auth:      auth,
		namespace: namespace,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WhatsAppSink) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(w.request(msg))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.auth != "" {
		req.Header.Set("Authorization", w.auth)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (w *WhatsAppSink) request(msg Message) waRequest {
	params := msg.Params()
	body := waComponent{Type: "body", Parameters: make([]waParameter, 0, len(params))}
	for _, p := range params {
		body.Parameters = append(body.Parameters, waParameter{Type: "text", Text: p})
	}
	components := []waComponent{body}

	// allocation notices carry accept/reject quick replies keyed by allocation
	if id := msg.Fields[FieldAllocationID]; msg.Template == TemplateAllocation && id != "" {
		flow := "flow_" + strings.ToUpper(msg.Fields[FieldSide]) + "_ALLOCATION"
		for i, suffix := range []string{"", "_REJECT"} {
			i := i
			components = append(components, waComponent{
				Type:    "button",
				SubType: "quick_reply",
				Index:   &i,
				Parameters: []waParameter{{
					Type:    "payload",
					Payload: flow + suffix + "||allocation=" + id,
				}},
			})
		}
	}

	return waRequest{
		Payload: waTemplate{
			Name:       msg.Template,
			Components: components,
			Language:   waLanguage{Code: whatsAppLanguage, Policy: whatsAppPolicy},
			Namespace:  w.namespace,
		},
		PhoneNumber: msg.Recipient.Number,
	}
}
