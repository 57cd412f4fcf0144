package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// SendRecordRepository provides data access for the send_records table.
//
// Schema (columns in scan order used by recordColumns):
//
//	id TEXT PRIMARY KEY, tenant_id TEXT, recipient TEXT, subject TEXT,
//	category TEXT, template_key TEXT, status TEXT, retry_count INT,
//	next_retry_at TIMESTAMPTZ NULL, last_event_at TIMESTAMPTZ NULL,
//	provider_message_id TEXT NULL, metadata JSONB, last_error TEXT NULL,
//	delivery_events JSONB NOT NULL DEFAULT '[]',
//	created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ
type SendRecordRepository struct {
	db DBTX
}

// NewSendRecordRepository creates a repository backed by the given database
// connection (pool or transaction).
func NewSendRecordRepository(db DBTX) *SendRecordRepository {
	return &SendRecordRepository{db: db}
}

const recordColumns = `id, tenant_id, recipient, subject, category, template_key,
	status, retry_count, next_retry_at, last_event_at, provider_message_id,
	metadata, last_error, delivery_events, created_at, updated_at`

// Create inserts a new send record. The caller must set ID, TenantID,
// Recipient, Subject, Category, and Status. CreatedAt/UpdatedAt are assigned
// by the database and written back to the struct.
func (r *SendRecordRepository) Create(ctx context.Context, rec *types.SendRecord) error {
	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode record metadata", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO send_records
		 (id, tenant_id, recipient, subject, category, template_key, status,
		  retry_count, metadata, last_error, delivery_events, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, NULLIF($9, ''), '[]'::jsonb, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		rec.ID,
		rec.TenantID,
		rec.Recipient,
		rec.Subject,
		string(rec.Category),
		rec.TemplateKey,
		string(rec.Status),
		metadata,
		rec.LastError,
	)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create send record", err)
	}
	return nil
}

// GetByID fetches a single record. Returns a not_found AppError when the id
// does not exist.
func (r *SendRecordRepository) GetByID(ctx context.Context, id string) (*types.SendRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM send_records WHERE id = $1`,
		id,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "send record not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get send record", err)
	}
	return rec, nil
}

// GetByProviderMessageID locates the record the provider's event refers to.
// Returns (nil, nil) when no record matches: an unknown provider message id is
// a benign condition for the webhook handler, not an error.
func (r *SendRecordRepository) GetByProviderMessageID(ctx context.Context, providerMsgID string) (*types.SendRecord, error) {
	row := r.db.QueryRow(
		ctx,
		`SELECT `+recordColumns+` FROM send_records
		 WHERE provider_message_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		providerMsgID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up record by provider message id", err)
	}
	return rec, nil
}

// MarkSent transitions a record to 'sent', conditioned on the record still
// being in the expected status at write time. The provider message id is
// write-once: an already-set value is never overwritten. Returns false when
// the precondition failed (another actor finalized the record first).
func (r *SendRecordRepository) MarkSent(ctx context.Context, id string, providerMsgID string, expected types.SendStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE send_records SET
			status = 'sent',
			provider_message_id = COALESCE(provider_message_id, NULLIF($2, '')),
			next_retry_at = NULL,
			last_error = NULL,
			updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id,
		providerMsgID,
		string(expected),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark record sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions a record to 'failed' with the given retry
// bookkeeping, conditioned on the expected current status. A nil nextRetryAt
// abandons the record: no further sweep will select it. Returns false when
// the precondition failed.
func (r *SendRecordRepository) MarkFailed(ctx context.Context, id string, expected types.SendStatus, retryCount int, nextRetryAt *time.Time, lastError string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE send_records SET
			status = 'failed',
			retry_count = $2,
			next_retry_at = $3,
			last_error = NULLIF($4, ''),
			updated_at = NOW()
		 WHERE id = $1 AND status = $5`,
		id,
		retryCount,
		nextRetryAt,
		lastError,
		string(expected),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark record failed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DueForRetry selects up to limit failed records whose next retry time has
// passed, oldest first. The batch cap is the subsystem's backpressure against
// the provider's rate limiter.
func (r *SendRecordRepository) DueForRetry(ctx context.Context, now time.Time, limit int) ([]*types.SendRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM send_records
		 WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		 ORDER BY next_retry_at ASC
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to select due records", err)
	}
	defer rows.Close()

	var results []*types.SendRecord
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due record", scanErr)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due records", err)
	}

	return results, nil
}

// AppendEvent appends a provider event to the record's audit trail and
// advances last_event_at, guarded in SQL against duplicate event ids: the
// jsonb containment predicate makes webhook redelivery a no-op. Returns false
// when the event id was already present.
func (r *SendRecordRepository) AppendEvent(ctx context.Context, id string, ev types.DeliveryEvent) (bool, error) {
	entry, err := json.Marshal([]types.DeliveryEvent{ev})
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode delivery event", err)
	}
	probe, err := json.Marshal([]map[string]string{{"event_id": ev.EventID}})
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode event probe", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE send_records SET
			delivery_events = delivery_events || $2::jsonb,
			last_event_at = $3,
			updated_at = NOW()
		 WHERE id = $1 AND NOT delivery_events @> $4::jsonb`,
		id,
		string(entry),
		ev.OccurredAt,
		string(probe),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to append delivery event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TransitionStatus performs the conditional status write used by event
// application: the update only lands if the record is still in the status the
// caller observed. clearRetry also nulls next_retry_at (a delivered event
// cancels any scheduled retry). Returns false when the precondition failed.
func (r *SendRecordRepository) TransitionStatus(ctx context.Context, id string, from, to types.SendStatus, clearRetry bool) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE send_records SET
			status = $2,
			next_retry_at = CASE WHEN $3 THEN NULL ELSE next_retry_at END,
			updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id,
		string(to),
		clearRetry,
		string(from),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition record status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List retrieves send records matching the filter, newest first, with cursor
// pagination (limit+1 strategy).
func (r *SendRecordRepository) List(ctx context.Context, filter types.SendRecordFilter) ([]*types.SendRecord, types.PageInfo, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	appendCond := func(cond string, val any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, val)
		argIdx++
	}

	if filter.TenantID != "" {
		appendCond("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != "" {
		appendCond("status = $%d", string(filter.Status))
	}
	if filter.TemplateKey != "" {
		appendCond("template_key = $%d", filter.TemplateKey)
	}
	if filter.From != nil {
		appendCond("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		appendCond("created_at <= $%d", *filter.To)
	}
	if filter.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filter.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationInvalidCursor,
				"invalid cursor; expected RFC3339 timestamp",
				err,
			)
		}
		appendCond("created_at < $%d", cursorTime)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT `+recordColumns+` FROM send_records
		 %s
		 ORDER BY created_at DESC
		 LIMIT $%d`,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list send records", err)
	}
	defer rows.Close()

	var results []*types.SendRecord
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan send record", scanErr)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating send records", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// CountByStatus returns aggregate record counts per status, optionally scoped
// to a tenant.
func (r *SendRecordRepository) CountByStatus(ctx context.Context, tenantID string) (map[types.SendStatus]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM send_records
		 WHERE ($1 = '' OR tenant_id = $1)
		 GROUP BY status`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count records by status", err)
	}
	defer rows.Close()

	counts := make(map[types.SendStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count", err)
		}
		counts[types.SendStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status counts", err)
	}

	return counts, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one send_records row in recordColumns order, handling
// nullable columns and JSONB decoding.
func scanRecord(row rowScanner) (*types.SendRecord, error) {
	var (
		rec           types.SendRecord
		category      string
		status        string
		nextRetryAt   *time.Time
		lastEventAt   *time.Time
		providerMsgID *string
		metadata      []byte
		lastError     *string
		events        []byte
	)

	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.Recipient,
		&rec.Subject,
		&category,
		&rec.TemplateKey,
		&status,
		&rec.RetryCount,
		&nextRetryAt,
		&lastEventAt,
		&providerMsgID,
		&metadata,
		&lastError,
		&events,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Category = types.Category(category)
	rec.Status = types.SendStatus(status)
	rec.NextRetryAt = nextRetryAt
	rec.LastEventAt = lastEventAt
	if providerMsgID != nil {
		rec.ProviderMessageID = *providerMsgID
	}
	if lastError != nil {
		rec.LastError = *lastError
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding record metadata: %w", err)
		}
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &rec.DeliveryEvents); err != nil {
			return nil, fmt.Errorf("decoding delivery events: %w", err)
		}
	}

	return &rec, nil
}

// marshalMetadata encodes the metadata map, defaulting to an empty object.
func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
