package transport

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/resend/resend-go/v2"
)

// Resend delivers email through the Resend API.
type Resend struct {
	client *resend.Client
	from   string
}

func NewResend(apiKey, from string) *Resend {
	return &Resend{client: resend.NewClient(apiKey), from: from}
}

func (r *Resend) Send(ctx context.Context, msg Message) error {
	to := msg.To
	if msg.Name != "" {
		to = (&mail.Address{Name: msg.Name, Address: msg.To}).String()
	}
	params := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{to},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		Headers: msg.Headers,
	}
	sent, err := r.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return &Error{Provider: "resend", Permanent: resendPermanent(err), Err: err}
	}
	slog.DebugContext(ctx, "resend sent", "provider_message_id", sent.Id, "to", msg.To)
	return nil
}

// resendPermanent treats request validation failures as permanent; the API
// reports them as 4xx validation or not-found errors, unlike 429 and 5xx.
func resendPermanent(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "validation") || strings.Contains(s, "invalid_") || strings.Contains(s, "not_found")
}
