package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/core"
	"mailroom/internal/delivery"
	"mailroom/internal/types"
)

// Signature headers used by the provider's event webhook.
const (
	headerWebhookSignature = "X-Twilio-Email-Event-Webhook-Signature"
	headerWebhookTimestamp = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// defaultWebhookBodyLimit caps the raw webhook payload when no limit is
// configured.
const defaultWebhookBodyLimit = 1 << 18 // 256 KB

// SignatureVerifier checks the provider's webhook signature against the raw
// payload. Implemented by provider.EventVerifier.
type SignatureVerifier interface {
	Verify(payload []byte, signature, timestamp string) bool
}

// EventApplier applies one normalized provider event. Implemented by
// delivery.Applier.
type EventApplier interface {
	Apply(ctx context.Context, ev delivery.ProviderEvent) error
}

// DeliveryWebhookHandler receives the provider's batched delivery-status
// events. Authentication is the ECDSA signature over the raw body; nothing is
// parsed before the signature checks out.
type DeliveryWebhookHandler struct {
	verifier  SignatureVerifier
	applier   EventApplier
	logger    types.Logger
	bodyLimit int64
}

func NewDeliveryWebhookHandler(verifier SignatureVerifier, applier EventApplier, bodyLimit int64, logger types.Logger) *DeliveryWebhookHandler {
	if bodyLimit <= 0 {
		bodyLimit = defaultWebhookBodyLimit
	}
	return &DeliveryWebhookHandler{
		verifier:  verifier,
		applier:   applier,
		logger:    logger,
		bodyLimit: bodyLimit,
	}
}

// Mount registers the webhook route on the router.
func (h *DeliveryWebhookHandler) Mount(r chi.Router) {
	r.Post("/webhooks/delivery", h.HandleEvents)
}

// providerEventPayload is one raw event as the provider sends it. The
// provider batches events into a JSON array.
type providerEventPayload struct {
	EventID   string `json:"sg_event_id"`
	MessageID string `json:"sg_message_id"`
	Event     string `json:"event"`
	Email     string `json:"email"`
	Timestamp int64  `json:"timestamp"`
}

// eventTypeMap translates the provider's event names to the internal
// vocabulary. Unlisted events are acknowledged and discarded.
var eventTypeMap = map[string]types.ProviderEventType{
	"processed":  types.EventAccepted,
	"delivered":  types.EventDelivered,
	"deferred":   types.EventDelayed,
	"bounce":     types.EventBounced,
	"dropped":    types.EventBounced,
	"spamreport": types.EventComplaint,
	"open":       types.EventOpened,
	"click":      types.EventClicked,
}

// HandleEvents authenticates and applies one webhook delivery. Responses:
// 401 for missing or bad signatures, 400 for unparseable payloads, 500 when
// persistence failed (so the provider redelivers), 200 otherwise — including
// events for unknown messages and duplicates, which retrying cannot improve.
func (h *DeliveryWebhookHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.bodyLimit))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return
	}

	signature := r.Header.Get(headerWebhookSignature)
	timestamp := r.Header.Get(headerWebhookTimestamp)
	if signature == "" || timestamp == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureMissing, "webhook signature headers are required", nil))
		return
	}
	if !h.verifier.Verify(payload, signature, timestamp) {
		h.logger.Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature is invalid", nil))
		return
	}

	var events []providerEventPayload
	if err := json.Unmarshal(payload, &events); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "webhook payload must be a JSON event array", err))
		return
	}

	processed := 0
	for _, raw := range events {
		eventType, known := eventTypeMap[raw.Event]
		if !known {
			h.logger.Info("ignoring unrecognized provider event", "event", raw.Event)
			continue
		}

		err := h.applier.Apply(r.Context(), delivery.ProviderEvent{
			EventID:           raw.EventID,
			ProviderMessageID: normalizeMessageID(raw.MessageID),
			Type:              eventType,
			OccurredAt:        time.Unix(raw.Timestamp, 0).UTC(),
		})
		if err != nil {
			// A persistence failure means the batch was only partially
			// applied. Fail the whole delivery; idempotent application makes
			// the redelivery safe.
			core.Error(w, r, err)
			return
		}
		processed++
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: map[string]int{"processed": processed},
	})
}

// normalizeMessageID strips the provider's internal filter suffix
// ("<id>.filter0001p3las1-...") so events match the id returned at submit
// time.
func normalizeMessageID(raw string) string {
	if idx := strings.Index(raw, "."); idx > 0 {
		return raw[:idx]
	}
	return raw
}
