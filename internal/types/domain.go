package types

import (
	"time"
)

// SendRecord is one row per attempted message. It is created before any
// network call is made, so a crash mid-send never loses the record, and is
// never deleted by this subsystem.
type SendRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	Recipient   string   `json:"recipient"`
	Subject     string   `json:"subject"`
	Category    Category `json:"category"`
	TemplateKey string   `json:"template_key"`

	Status SendStatus `json:"status"`

	// RetryCount counts scheduler-driven retries only; inline attempts made
	// synchronously during the original Send call are not counted. It is 0 on
	// creation and only ever increases.
	RetryCount int `json:"retry_count"`

	// NextRetryAt is non-nil only while Status is failed and the record has
	// not exceeded max retries or max age. A failed record with a nil
	// NextRetryAt has been abandoned.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// LastEventAt is the occurrence time of the most recent provider event
	// applied to this record.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`

	// ProviderMessageID is assigned once the provider accepts the message and
	// never changes afterwards.
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	// Metadata carries whatever is needed to reconstruct the original send:
	// the rendered body, the original recipient when a safeguard redirected
	// the message, and a simulation marker for log-only sends.
	Metadata map[string]any `json:"metadata,omitempty"`

	// LastError holds the most recent failure detail.
	LastError string `json:"last_error,omitempty"`

	// DeliveryEvents is the append-only audit trail of provider events applied
	// to this record, in arrival order.
	DeliveryEvents []DeliveryEvent `json:"delivery_events"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata keys used by the send pipeline.
const (
	MetaBody              = "body"
	MetaOriginalRecipient = "original_recipient"
	MetaSimulated         = "simulated"
)

// Abandoned reports whether the record is permanently failed with no retry
// scheduled.
func (r *SendRecord) Abandoned() bool {
	return r.Status == SendStatusFailed && r.NextRetryAt == nil
}

// HasEvent reports whether the given provider event ID already appears in the
// audit trail. Used for webhook idempotency.
func (r *SendRecord) HasEvent(eventID string) bool {
	for _, ev := range r.DeliveryEvents {
		if ev.EventID == eventID {
			return true
		}
	}
	return false
}

// Body returns the rendered message body stored in metadata, if any.
func (r *SendRecord) Body() string {
	if r.Metadata == nil {
		return ""
	}
	if s, ok := r.Metadata[MetaBody].(string); ok {
		return s
	}
	return ""
}

// DeliveryEvent is a single provider event applied to a SendRecord. EventID is
// the provider-assigned identifier used to deduplicate webhook retries.
type DeliveryEvent struct {
	EventID    string            `json:"event_id"`
	Type       ProviderEventType `json:"event_type"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// SuppressionEntry is a per (tenant, recipient, channel) preference record.
// Created or strengthened when the provider reports a bounce or complaint;
// read at send time to skip suppressed recipients.
type SuppressionEntry struct {
	TenantID  string            `json:"tenant_id"`
	Recipient string            `json:"recipient"`
	Channel   ChannelType       `json:"channel"`
	Reason    SuppressionReason `json:"reason"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Blocks reports whether this entry blocks a send of the given category.
// Transactional mail bypasses everything except a hard bounce.
func (e *SuppressionEntry) Blocks(category Category) bool {
	if e == nil {
		return false
	}
	if category == CategoryTransactional {
		return e.Reason == SuppressionHardBounce
	}
	return true
}

// SendRecordFilter narrows a listing query on the query surface.
type SendRecordFilter struct {
	TenantID    string
	Status      SendStatus
	TemplateKey string
	From        *time.Time
	To          *time.Time

	// Cursor is an RFC3339Nano created_at timestamp; records strictly older
	// than the cursor are returned.
	Cursor string
	Limit  int
}
