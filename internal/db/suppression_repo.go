package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// SuppressionRepository provides data access for the suppression_entries
// table, keyed by (tenant_id, recipient, channel).
//
// Schema:
//
//	tenant_id TEXT, recipient TEXT, channel TEXT, reason TEXT,
//	created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ,
//	PRIMARY KEY (tenant_id, recipient, channel)
type SuppressionRepository struct {
	db DBTX
}

// NewSuppressionRepository creates a repository backed by the given database
// connection (pool or transaction).
func NewSuppressionRepository(db DBTX) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

// Get returns the suppression entry for the recipient, or (nil, nil) when the
// recipient is not suppressed.
func (r *SuppressionRepository) Get(ctx context.Context, tenantID, recipient string, channel types.ChannelType) (*types.SuppressionEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT tenant_id, recipient, channel, reason, created_at, updated_at
		 FROM suppression_entries
		 WHERE tenant_id = $1 AND recipient = $2 AND channel = $3`,
		tenantID,
		recipient,
		string(channel),
	)

	var entry types.SuppressionEntry
	var channelStr, reason string
	err := row.Scan(&entry.TenantID, &entry.Recipient, &channelStr, &reason, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get suppression entry", err)
	}
	entry.Channel = types.ChannelType(channelStr)
	entry.Reason = types.SuppressionReason(reason)

	return &entry, nil
}

// Upsert creates or strengthens a suppression entry. The upsert is idempotent
// and monotone: writing the same reason twice is a no-op, and an existing
// entry is only overwritten by a strictly stronger reason. A hard bounce is
// the strongest reason (the only one blocking transactional mail), so a later
// spam complaint never erases the deliverability block.
func (r *SuppressionRepository) Upsert(ctx context.Context, tenantID, recipient string, channel types.ChannelType, reason types.SuppressionReason) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO suppression_entries (tenant_id, recipient, channel, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (tenant_id, recipient, channel) DO UPDATE
		 SET reason = EXCLUDED.reason, updated_at = NOW()
		 WHERE (CASE suppression_entries.reason
		          WHEN 'hard_bounce' THEN 3
		          WHEN 'spam_complaint' THEN 2
		          ELSE 1 END)
		     < (CASE EXCLUDED.reason
		          WHEN 'hard_bounce' THEN 3
		          WHEN 'spam_complaint' THEN 2
		          ELSE 1 END)`,
		tenantID,
		recipient,
		string(channel),
		string(reason),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert suppression entry", err)
	}
	return nil
}
