// Package transport delivers one rendered message to one address.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Message struct {
	To      string
	Name    string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Error is a failed delivery attempt. Permanent marks failures that a retry
// cannot fix, such as a rejected address.
type Error struct {
	Provider  string
	Code      string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Permanent
}

const (
	HeaderCampaignID  = "X-Campaign-ID"
	HeaderMessageID   = "X-Message-ID"
	HeaderUnsubscribe = "List-Unsubscribe"
)

// Headers builds the per-message headers. unsubscribe is omitted when empty or
// when it contains a line break.
func Headers(campaignID, unsubscribe string) map[string]string {
	h := map[string]string{
		HeaderCampaignID: campaignID,
		HeaderMessageID:  uuid.NewString(),
	}
	if unsubscribe != "" && !strings.ContainsAny(unsubscribe, "\r\n") {
		h[HeaderUnsubscribe] = "<" + unsubscribe + ">"
	}
	return h
}
