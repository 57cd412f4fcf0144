package delivery

import (
	"context"
	"time"

	"mailroom/internal/types"
)

// EventStore is the record-store surface event application needs.
// Implemented by db.SendRecordRepository.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*types.SendRecord, error)
	GetByProviderMessageID(ctx context.Context, providerMsgID string) (*types.SendRecord, error)
	AppendEvent(ctx context.Context, id string, ev types.DeliveryEvent) (bool, error)
	TransitionStatus(ctx context.Context, id string, from, to types.SendStatus, clearRetry bool) (bool, error)
}

// Suppressor is the write side of the suppression list. Implemented by
// db.SuppressionRepository.
type Suppressor interface {
	Upsert(ctx context.Context, tenantID, recipient string, channel types.ChannelType, reason types.SuppressionReason) error
}

// ProviderEvent is one normalized delivery-status event from the provider's
// webhook, after signature verification and payload parsing.
type ProviderEvent struct {
	EventID           string
	ProviderMessageID string
	Type              types.ProviderEventType
	OccurredAt        time.Time
}

// transitionAttempts bounds the CAS loop when concurrent actors keep moving
// the record. Three is enough: there are only two other writers.
const transitionAttempts = 3

// ApplierConfig wires the event applier.
type ApplierConfig struct {
	Records      EventStore
	Suppressions Suppressor
	Alerter      Alerter
	Metrics      Metrics
	Logger       types.Logger
	Clock        types.Clock
}

// Applier applies provider events to send records: append to the audit
// trail, advance the status machine, and run suppression side effects.
// Application is idempotent by provider event id, so webhook redelivery is
// harmless.
type Applier struct {
	records      EventStore
	suppressions Suppressor
	alerter      Alerter
	metrics      Metrics
	logger       types.Logger
	clock        types.Clock
}

func NewApplier(cfg ApplierConfig) *Applier {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = NewLogAlerter(cfg.Logger)
	}
	return &Applier{
		records:      cfg.Records,
		suppressions: cfg.Suppressions,
		alerter:      alerter,
		metrics:      metrics,
		logger:       cfg.Logger,
		clock:        clock,
	}
}

// Apply processes one provider event. Unknown message ids and duplicate
// event ids are acknowledged silently: the provider retries on anything else,
// and neither condition improves with retries.
//
// The audit append is the duplicate gate, so it runs LAST. If the status
// write or a suppression upsert fails mid-application, nothing has been
// appended yet and the provider's redelivery replays the whole event. Every
// step tolerates that replay: the transition is a conditional write, the
// suppression upsert is monotone, and alerts are at-least-once.
func (a *Applier) Apply(ctx context.Context, ev ProviderEvent) error {
	if ev.ProviderMessageID == "" || ev.EventID == "" {
		a.logger.Warn("discarding provider event without identifiers", "event_type", string(ev.Type))
		return nil
	}

	rec, err := a.records.GetByProviderMessageID(ctx, ev.ProviderMessageID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Events can arrive for messages sent by other systems sharing the
		// provider account, or outlive our retention of the record.
		a.logger.Info("provider event for unknown message",
			"provider_message_id", ev.ProviderMessageID,
			"event_type", string(ev.Type),
		)
		return nil
	}
	if rec.HasEvent(ev.EventID) {
		// Redelivered event; the first delivery already ran all effects.
		return nil
	}

	if err := a.advanceStatus(ctx, rec, ev); err != nil {
		return err
	}
	if err := a.sideEffects(ctx, rec, ev); err != nil {
		return err
	}

	applied, err := a.records.AppendEvent(ctx, rec.ID, types.DeliveryEvent{
		EventID:    ev.EventID,
		Type:       ev.Type,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		return err
	}
	if applied {
		a.metrics.CountEvent(ctx, ev.Type)
	}
	return nil
}

// advanceStatus moves the record's status machine, retrying the conditional
// write with a fresh read when a concurrent actor got there first.
func (a *Applier) advanceStatus(ctx context.Context, rec *types.SendRecord, ev ProviderEvent) error {
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		target, clearRetry := nextStatus(rec, ev.Type)
		if target == "" || target == rec.Status {
			return nil
		}

		ok, err := a.records.TransitionStatus(ctx, rec.ID, rec.Status, target, clearRetry)
		if err != nil {
			return err
		}
		if ok {
			a.logger.Info("record status advanced",
				"record_id", rec.ID,
				"from", string(rec.Status),
				"to", string(target),
				"event_type", string(ev.Type),
			)
			return nil
		}

		fresh, err := a.records.GetByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		rec = fresh
	}
	a.logger.Warn("gave up advancing record status after repeated conflicts", "record_id", rec.ID)
	return nil
}

// nextStatus computes the target status for an event against the record's
// current state. An empty target means the event is audit-only here.
//
// Terminal states absorb everything. An abandoned failure absorbs
// non-terminal events (a late 'delayed' or 'accepted' must not resurrect a
// record the scheduler gave up on) but still yields to terminal outcomes,
// because the provider knowing the final disposition beats our bookkeeping.
func nextStatus(rec *types.SendRecord, eventType types.ProviderEventType) (target types.SendStatus, clearRetry bool) {
	if rec.Status.IsTerminal() {
		return "", false
	}

	switch eventType {
	case types.EventDelivered:
		return types.SendStatusDelivered, true
	case types.EventBounced:
		return types.SendStatusBounced, true
	case types.EventComplaint:
		return types.SendStatusComplained, true

	case types.EventAccepted:
		// The provider accepted a message we had written off as failed: the
		// earlier attempt made it through after all. Only applies while a
		// retry is still scheduled; an abandoned record stays abandoned.
		if rec.Status == types.SendStatusQueued {
			return types.SendStatusSent, false
		}
		if rec.Status == types.SendStatusFailed && rec.NextRetryAt != nil {
			return types.SendStatusSent, true
		}
		return "", false

	case types.EventDelayed:
		if rec.Status == types.SendStatusQueued || rec.Status == types.SendStatusSent {
			return types.SendStatusDeferred, false
		}
		return "", false

	default:
		// opened, clicked: engagement events are audit-only.
		return "", false
	}
}

// sideEffects runs the suppression and alerting consequences of an event.
// They run before the audit append, so a failed application replays them on
// redelivery; the upserts are idempotent and alerts are at-least-once.
func (a *Applier) sideEffects(ctx context.Context, rec *types.SendRecord, ev ProviderEvent) error {
	switch ev.Type {
	case types.EventBounced:
		if err := a.suppressions.Upsert(ctx, rec.TenantID, rec.Recipient, types.ChannelEmail, types.SuppressionHardBounce); err != nil {
			return err
		}
		a.alerter.Publish(ctx, Alert{
			Kind:       AlertBounced,
			Message:    "message hard bounced",
			RecordID:   rec.ID,
			TenantID:   rec.TenantID,
			Recipient:  rec.Recipient,
			OccurredAt: a.clock.Now(),
		})

	case types.EventComplaint:
		if err := a.suppressions.Upsert(ctx, rec.TenantID, rec.Recipient, types.ChannelEmail, types.SuppressionComplaint); err != nil {
			return err
		}
		a.alerter.Publish(ctx, Alert{
			Kind:       AlertComplained,
			Message:    "recipient filed spam complaint",
			RecordID:   rec.ID,
			TenantID:   rec.TenantID,
			Recipient:  rec.Recipient,
			OccurredAt: a.clock.Now(),
		})
	}
	return nil
}
