package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"campaignd/internal/domain"
	"campaignd/internal/observability"
)

// API is the subset of the SQS client the publisher needs.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ProgressPublisher pushes progress snapshots onto a queue for consumers
// outside this process. FIFO queues are detected from the ".fifo" suffix and
// get per-campaign ordering.
type ProgressPublisher struct {
	SQS      API
	QueueURL string
}

type ProgressEvent struct {
	Type string `json:"type"`
	domain.ProgressSnapshot
}

func (p *ProgressPublisher) Publish(ctx context.Context, snap domain.ProgressSnapshot) error {
	body, err := json.Marshal(ProgressEvent{Type: "campaign.progress", ProgressSnapshot: snap})
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"campaign_id": {DataType: str("String"), StringValue: str(snap.CampaignID)},
			"status":      {DataType: str("String"), StringValue: str(string(snap.Status))},
		},
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = str(snap.CampaignID) // FIFO ordering per campaign
		in.MessageDeduplicationId = str(dedupID(snap))
	}

	_, err = p.SQS.SendMessage(ctx, in)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.ProgressPublished.WithLabelValues("sqs", result).Inc()
	return err
}

// identical snapshots collapse within the queue's dedup window
func dedupID(s domain.ProgressSnapshot) string {
	return fmt.Sprintf("%s:%s:%d:%d", s.CampaignID, s.Status, s.Sent, s.Failed)
}

func str(s string) *string { return &s }
