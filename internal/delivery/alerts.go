package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mailroom/internal/types"
)

// AlertKind identifies the operational condition an alert reports.
type AlertKind string

const (
	// AlertSendFailed fires when a send exhausts its inline attempts or is
	// permanently rejected by the provider.
	AlertSendFailed AlertKind = "send_failed"

	// AlertBounced fires when the provider reports a hard bounce.
	AlertBounced AlertKind = "bounced"

	// AlertComplained fires when the provider reports a spam complaint.
	AlertComplained AlertKind = "spam_complaint"

	// AlertAbandoned fires when the retry scheduler gives up on a record.
	AlertAbandoned AlertKind = "delivery_abandoned"

	// AlertFailureRate fires when aggregate retry failures within the trailing
	// window exceed the configured threshold.
	AlertFailureRate AlertKind = "failure_rate"
)

// Alert is one operational notification for the on-call channel. Alerts are
// advisory: publishing failures are logged and never fail the operation that
// raised them.
type Alert struct {
	Kind       AlertKind      `json:"kind"`
	Message    string         `json:"message"`
	RecordID   string         `json:"record_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Recipient  string         `json:"recipient,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Alerter publishes operational alerts.
type Alerter interface {
	Publish(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts to the structured log. Used when no alert queue is
// configured (local development) and as the fallback sink.
type LogAlerter struct {
	logger types.Logger
}

func NewLogAlerter(logger types.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Publish(_ context.Context, alert Alert) {
	a.logger.Warn("delivery alert",
		"kind", string(alert.Kind),
		"message", alert.Message,
		"record_id", alert.RecordID,
		"tenant_id", alert.TenantID,
		"recipient", alert.Recipient,
	)
}

// sqsAPI is the subset of the SQS client the alerter uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSAlerter publishes alerts as JSON messages to an SQS queue consumed by
// the on-call notification worker.
type SQSAlerter struct {
	client   sqsAPI
	queueURL string
	logger   types.Logger
}

var _ Alerter = (*SQSAlerter)(nil)

func NewSQSAlerter(client sqsAPI, queueURL string, logger types.Logger) *SQSAlerter {
	return &SQSAlerter{client: client, queueURL: queueURL, logger: logger}
}

func (a *SQSAlerter) Publish(ctx context.Context, alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		a.logger.Error("failed to encode alert", "kind", string(alert.Kind), "error", err)
		return
	}

	_, err = a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(a.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Kind)),
			},
		},
	})
	if err != nil {
		// Alerting is best-effort; the log line is the alert of last resort.
		a.logger.Error("failed to publish alert",
			"kind", string(alert.Kind),
			"record_id", alert.RecordID,
			"error", fmt.Sprintf("%v", err),
		)
	}
}
