package transport

import (
	"context"
	"log/slog"
)

// Log records messages instead of delivering them. Used for dry runs and local
// development.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return &Error{Provider: "log", Err: err}
	}
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.InfoContext(ctx, "transport log send",
		"to", msg.To,
		"subject", msg.Subject,
		"message_id", msg.Headers[HeaderMessageID],
		"campaign_id", msg.Headers[HeaderCampaignID],
	)
	return nil
}
