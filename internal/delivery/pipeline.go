// Package delivery implements the durable send pipeline, the retry
// scheduler, and provider event application.
//
// Every message is persisted as a SendRecord before the first provider call,
// so an outcome is never lost to a crash. Concurrent actors (the inline
// pipeline, the scheduler, and the webhook applier) coordinate exclusively
// through conditional status writes on the record store; the loser of any
// race discards its write.
package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/provider"
	"mailroom/internal/types"
)

// RecordStore is the send-record persistence surface the delivery core
// depends on. Implemented by db.SendRecordRepository.
type RecordStore interface {
	Create(ctx context.Context, rec *types.SendRecord) error
	GetByID(ctx context.Context, id string) (*types.SendRecord, error)
	MarkSent(ctx context.Context, id string, providerMsgID string, expected types.SendStatus) (bool, error)
	MarkFailed(ctx context.Context, id string, expected types.SendStatus, retryCount int, nextRetryAt *time.Time, lastError string) (bool, error)
}

// SuppressionStore is the read side of the suppression list used at send
// time. Implemented by db.SuppressionRepository.
type SuppressionStore interface {
	Get(ctx context.Context, tenantID, recipient string, channel types.ChannelType) (*types.SuppressionEntry, error)
}

// SendRequest describes one message to deliver. The body arrives already
// rendered; template resolution happens upstream of this subsystem.
type SendRequest struct {
	TenantID    string
	Recipient   string
	Subject     string
	Body        string
	Category    types.Category
	TemplateKey string
}

// SendResult is the synchronous outcome of a Send call. Record is always
// populated when the request was accepted far enough to be persisted.
type SendResult struct {
	Outcome types.SendOutcome
	Record  *types.SendRecord
}

// PipelineConfig wires the send pipeline's collaborators.
type PipelineConfig struct {
	Records      RecordStore
	Suppressions SuppressionStore
	Gateway      provider.Gateway
	Safeguard    *Safeguard
	Alerter      Alerter
	Metrics      Metrics
	Logger       types.Logger
	Clock        types.Clock

	// Sleep is injectable so tests can run the inline retry loop instantly.
	Sleep types.SleepFunc

	// InitialRetryDelay is the wait before the first scheduler attempt after
	// inline attempts are exhausted.
	InitialRetryDelay time.Duration

	// MaxRetries and MaxAge bound manual retries the same way they bound the
	// scheduler.
	MaxRetries int
	MaxAge     time.Duration
}

// Pipeline is the synchronous send path: safeguard, suppression check,
// durable record, inline provider attempts, finalization.
type Pipeline struct {
	records      RecordStore
	suppressions SuppressionStore
	gateway      provider.Gateway
	safeguard    *Safeguard
	alerter      Alerter
	metrics      Metrics
	logger       types.Logger
	clock        types.Clock
	sleep        types.SleepFunc
	initialDelay time.Duration
	policy       retryPolicy
}

// NewPipeline creates a Pipeline, defaulting the clock, sleep function, and
// optional sinks.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = NewLogAlerter(cfg.Logger)
	}
	initialDelay := cfg.InitialRetryDelay
	if initialDelay <= 0 {
		initialDelay = 5 * time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 48 * time.Hour
	}

	return &Pipeline{
		records:      cfg.Records,
		suppressions: cfg.Suppressions,
		gateway:      cfg.Gateway,
		safeguard:    cfg.Safeguard,
		alerter:      alerter,
		metrics:      metrics,
		logger:       cfg.Logger,
		clock:        clock,
		sleep:        sleep,
		initialDelay: initialDelay,
		policy:       retryPolicy{maxRetries: maxRetries, maxAge: maxAge},
	}
}

// Send delivers one message. The record is persisted before any provider
// call; a failed outcome is therefore not an error from the caller's
// perspective, because the scheduler owns the message from that point on.
// Errors are returned only for rejected requests (validation, suppression)
// and infrastructure failures.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := validateRequest(&req); err != nil {
		return SendResult{}, err
	}

	routing := p.safeguard.Apply(req.Recipient, req.Subject)

	// The suppression list guards real recipients. A simulated send contacts
	// nobody and a redirected send goes to the operator's own address, so
	// neither consults it.
	if !routing.Simulated && !routing.Redirected {
		entry, err := p.suppressions.Get(ctx, req.TenantID, req.Recipient, types.ChannelEmail)
		if err != nil {
			return SendResult{}, err
		}
		if entry.Blocks(req.Category) {
			return SendResult{Outcome: types.OutcomeSuppressed}, types.NewAppErrorWithDetails(
				types.ErrCodeRecipientSuppressed,
				"recipient is suppressed",
				nil,
				map[string]any{"reason": string(entry.Reason)},
			)
		}
	}

	rec := &types.SendRecord{
		ID:          "snd_" + uuid.NewString(),
		TenantID:    req.TenantID,
		Recipient:   routing.Recipient,
		Subject:     routing.Subject,
		Category:    req.Category,
		TemplateKey: req.TemplateKey,
		Status:      types.SendStatusQueued,
		Metadata:    buildMetadata(req.Body, routing),
	}
	if err := p.records.Create(ctx, rec); err != nil {
		return SendResult{}, err
	}

	if routing.Simulated {
		if _, err := p.records.MarkSent(ctx, rec.ID, "", types.SendStatusQueued); err != nil {
			return SendResult{}, err
		}
		rec.Status = types.SendStatusSent
		p.metrics.CountSend(ctx, types.OutcomeSimulated)
		return SendResult{Outcome: types.OutcomeSimulated, Record: rec}, nil
	}

	msgID, attemptErr := p.attemptInline(ctx, rec, req.Body)
	if attemptErr == nil {
		if _, err := p.records.MarkSent(ctx, rec.ID, msgID, types.SendStatusQueued); err != nil {
			return SendResult{}, err
		}
		rec.Status = types.SendStatusSent
		rec.ProviderMessageID = msgID
		p.metrics.CountSend(ctx, types.OutcomeSent)
		return SendResult{Outcome: types.OutcomeSent, Record: rec}, nil
	}

	// Inline attempts exhausted or the provider rejected the message
	// permanently. Hand retriable failures to the scheduler; abandon permanent
	// ones immediately (nil next retry).
	var nextRetryAt *time.Time
	if provider.IsRetriable(attemptErr) {
		next := p.clock.Now().Add(p.initialDelay)
		nextRetryAt = &next
	}
	if _, err := p.records.MarkFailed(ctx, rec.ID, types.SendStatusQueued, 0, nextRetryAt, attemptErr.Error()); err != nil {
		return SendResult{}, err
	}
	rec.Status = types.SendStatusFailed
	rec.NextRetryAt = nextRetryAt
	rec.LastError = attemptErr.Error()

	p.metrics.CountSend(ctx, types.OutcomeFailed)
	p.alerter.Publish(ctx, Alert{
		Kind:       AlertSendFailed,
		Message:    "send failed after inline attempts",
		RecordID:   rec.ID,
		TenantID:   rec.TenantID,
		Recipient:  rec.Recipient,
		Details:    map[string]any{"error": attemptErr.Error(), "will_retry": nextRetryAt != nil},
		OccurredAt: p.clock.Now(),
	})
	p.logger.Warn("send failed",
		"record_id", rec.ID,
		"recipient", rec.Recipient,
		"will_retry", nextRetryAt != nil,
		"error", attemptErr,
	)

	return SendResult{Outcome: types.OutcomeFailed, Record: rec}, nil
}

// attemptInline runs up to maxInlineAttempts provider submissions with short
// waits between them, stopping early on success or a permanent rejection.
func (p *Pipeline) attemptInline(ctx context.Context, rec *types.SendRecord, body string) (string, error) {
	input := provider.SubmitInput{
		To:          rec.Recipient,
		Subject:     rec.Subject,
		Body:        body,
		ReferenceID: rec.ID,
	}

	var lastErr error
	for attempt := 0; attempt < maxInlineAttempts; attempt++ {
		msgID, err := p.gateway.Submit(ctx, input)
		if err == nil {
			return msgID, nil
		}
		lastErr = err

		if !provider.IsRetriable(err) {
			break
		}
		if attempt < maxInlineAttempts-1 {
			p.logger.Info("inline attempt failed, retrying",
				"record_id", rec.ID,
				"attempt", attempt+1,
				"error", err,
			)
			p.sleep(inlineDelays[attempt])
		}
	}
	return "", lastErr
}

// ManualRetry re-attempts a failed record immediately, outside the sweep
// schedule. Abandoned records are eligible: a manual retry is the operator's
// override. Non-failed records are rejected with a conflict error.
func (p *Pipeline) ManualRetry(ctx context.Context, recordID string) (*types.SendRecord, error) {
	rec, err := p.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.SendStatusFailed {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeConflictNotRetryable,
			"only failed records can be retried",
			nil,
			map[string]any{"status": string(rec.Status)},
		)
	}

	res, err := attemptResend(ctx, p.gateway, p.records, rec, p.policy, p.clock.Now())
	if err != nil {
		return nil, err
	}
	if res.raceLost {
		return nil, types.NewAppError(
			types.ErrCodeConflictStale,
			"record was finalized by another actor",
			nil,
		)
	}

	p.metrics.CountRetry(ctx, res.sent)
	if res.abandoned {
		p.metrics.CountAbandoned(ctx)
	}

	return p.records.GetByID(ctx, recordID)
}

// retryPolicy bounds scheduler-driven and manual retries.
type retryPolicy struct {
	maxRetries int
	maxAge     time.Duration
}

// resendResult reports how one retry attempt ended.
type resendResult struct {
	sent      bool
	abandoned bool

	// raceLost means another actor changed the record's status between the
	// read and the conditional write; the attempt's outcome was discarded.
	raceLost bool

	attemptErr error
}

// attemptResend performs one provider attempt for a failed record and
// finalizes it with a conditional write. Shared by the scheduler sweep and
// manual retry. The returned error covers store failures only; the provider
// outcome is in the result.
func attemptResend(ctx context.Context, gateway provider.Gateway, records RecordStore, rec *types.SendRecord, policy retryPolicy, now time.Time) (resendResult, error) {
	msgID, err := gateway.Submit(ctx, provider.SubmitInput{
		To:          rec.Recipient,
		Subject:     rec.Subject,
		Body:        rec.Body(),
		ReferenceID: rec.ID,
	})
	if err == nil {
		ok, werr := records.MarkSent(ctx, rec.ID, msgID, types.SendStatusFailed)
		if werr != nil {
			return resendResult{}, werr
		}
		return resendResult{sent: ok, raceLost: !ok}, nil
	}

	newCount := rec.RetryCount + 1
	age := now.Sub(rec.CreatedAt)

	var nextRetryAt *time.Time
	abandoned := true
	if provider.IsRetriable(err) && age < policy.maxAge {
		if delay, ok := nextRetryDelay(newCount, policy.maxRetries); ok {
			next := now.Add(delay)
			nextRetryAt = &next
			abandoned = false
		}
	}

	ok, werr := records.MarkFailed(ctx, rec.ID, types.SendStatusFailed, newCount, nextRetryAt, err.Error())
	if werr != nil {
		return resendResult{}, werr
	}
	return resendResult{
		abandoned:  abandoned && ok,
		raceLost:   !ok,
		attemptErr: err,
	}, nil
}

func validateRequest(req *SendRequest) error {
	if req.TenantID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "tenant_id is required", nil)
	}
	if req.Subject == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "subject is required", nil)
	}
	if !strings.Contains(req.Recipient, "@") {
		return types.NewAppError(types.ErrCodeValidationInvalidRecipient, "recipient must be an email address", nil)
	}
	if req.Category == "" {
		req.Category = types.CategoryTransactional
	}
	if req.Category != types.CategoryTransactional && req.Category != types.CategoryMarketing {
		return types.NewAppError(types.ErrCodeValidationInvalidCategory, "category must be transactional or marketing", nil)
	}
	return nil
}

func buildMetadata(body string, routing Routing) map[string]any {
	md := map[string]any{types.MetaBody: body}
	if routing.Simulated {
		md[types.MetaSimulated] = true
	}
	if routing.Redirected {
		md[types.MetaOriginalRecipient] = routing.OriginalRecipient
	}
	return md
}
