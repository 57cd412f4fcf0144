package types

// Category distinguishes transactional mail (receipts, password resets) from
// marketing mail. Suppression rules differ between the two: marketing is
// blocked by any suppression entry, transactional only by a hard bounce.
type Category string

const (
	CategoryTransactional Category = "transactional"
	CategoryMarketing     Category = "marketing"
)

// SendStatus represents the lifecycle state of a SendRecord.
type SendStatus string

const (
	SendStatusQueued     SendStatus = "queued"
	SendStatusSent       SendStatus = "sent"
	SendStatusDelivered  SendStatus = "delivered"
	SendStatusBounced    SendStatus = "bounced"
	SendStatusComplained SendStatus = "complained"
	SendStatusDeferred   SendStatus = "deferred"
	SendStatusFailed     SendStatus = "failed"
)

// IsTerminal reports whether the status is one of the absorbing states.
// A terminal record never changes status again; later provider events are
// appended to the audit trail only.
func (s SendStatus) IsTerminal() bool {
	switch s {
	case SendStatusDelivered, SendStatusBounced, SendStatusComplained:
		return true
	}
	return false
}

// ProviderEventType identifies the kind of asynchronous delivery-status event
// pushed by the provider's event webhook.
type ProviderEventType string

const (
	EventAccepted  ProviderEventType = "accepted"
	EventDelivered ProviderEventType = "delivered"
	EventDelayed   ProviderEventType = "delayed"
	EventBounced   ProviderEventType = "bounced"
	EventComplaint ProviderEventType = "spam_complaint"
	EventOpened    ProviderEventType = "opened"
	EventClicked   ProviderEventType = "clicked"
)

// ChannelType identifies the outbound channel a suppression entry applies to.
// The subsystem currently delivers over a single channel, but the suppression
// key is (tenant, recipient, channel) so entries stay scoped if more channels
// are added.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
)

// SuppressionReason records why a recipient was suppressed. Reasons are
// ordered by strength: an entry is only ever overwritten by a stronger one,
// never weakened.
type SuppressionReason string

const (
	// SuppressionOptOut is a plain marketing unsubscribe. Blocks marketing
	// sends only.
	SuppressionOptOut SuppressionReason = "opt_out"

	// SuppressionComplaint marks an explicit spam complaint. Recorded as a
	// compliance event; blocks marketing sends.
	SuppressionComplaint SuppressionReason = "spam_complaint"

	// SuppressionHardBounce marks an undeliverable address. Blocks all sends,
	// including transactional.
	SuppressionHardBounce SuppressionReason = "hard_bounce"
)

// Rank returns the strength ordering used by the idempotent upsert: a
// suppression entry is only overwritten by a stronger reason. A hard bounce
// outranks a complaint because it is the only reason that blocks
// transactional mail; a later complaint for the same recipient must not erase
// the deliverability block (every suppressed reason already blocks
// marketing).
func (r SuppressionReason) Rank() int {
	switch r {
	case SuppressionHardBounce:
		return 3
	case SuppressionComplaint:
		return 2
	default:
		return 1
	}
}

// SendOutcome is the synchronous result of a Send call. The caller only ever
// observes the outcome of the initial attempt; scheduler-driven retries are
// observable via the query surface.
type SendOutcome string

const (
	OutcomeSent       SendOutcome = "sent"
	OutcomeSimulated  SendOutcome = "simulated"
	OutcomeFailed     SendOutcome = "failed"
	OutcomeSuppressed SendOutcome = "suppressed"
)
