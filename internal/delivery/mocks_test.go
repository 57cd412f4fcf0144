package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mailroom/internal/provider"
	"mailroom/internal/types"
)

// testLogger satisfies types.Logger and discards everything.
type testLogger struct{}

func (testLogger) Info(string, ...any)        {}
func (testLogger) Warn(string, ...any)        {}
func (testLogger) Error(string, ...any)       {}
func (l testLogger) With(...any) types.Logger { return l }

// fakeClock returns a fixed instant.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func noSleep(time.Duration) {}

// mockStore is an in-memory record store honoring the conditional-write
// semantics of the real repository. Implements RecordStore, RetryStore, and
// EventStore.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*types.SendRecord

	createErr error
	writeErr  error

	// transitionErr fails the next TransitionStatus call, once.
	transitionErr error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]*types.SendRecord)}
}

func (m *mockStore) put(rec *types.SendRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
}

func (m *mockStore) get(id string) *types.SendRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (m *mockStore) Create(_ context.Context, rec *types.SendRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockStore) GetByID(_ context.Context, id string) (*types.SendRecord, error) {
	rec := m.get(id)
	if rec == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "send record not found", nil)
	}
	return rec, nil
}

func (m *mockStore) GetByProviderMessageID(_ context.Context, providerMsgID string) (*types.SendRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ProviderMessageID == providerMsgID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) MarkSent(_ context.Context, id string, providerMsgID string, expected types.SendStatus) (bool, error) {
	if m.writeErr != nil {
		return false, m.writeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = types.SendStatusSent
	if rec.ProviderMessageID == "" {
		rec.ProviderMessageID = providerMsgID
	}
	rec.NextRetryAt = nil
	rec.LastError = ""
	return true, nil
}

func (m *mockStore) MarkFailed(_ context.Context, id string, expected types.SendStatus, retryCount int, nextRetryAt *time.Time, lastError string) (bool, error) {
	if m.writeErr != nil {
		return false, m.writeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = types.SendStatusFailed
	rec.RetryCount = retryCount
	rec.NextRetryAt = nextRetryAt
	rec.LastError = lastError
	return true, nil
}

func (m *mockStore) DueForRetry(_ context.Context, now time.Time, limit int) ([]*types.SendRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*types.SendRecord
	for _, rec := range m.records {
		if rec.Status == types.SendStatusFailed && rec.NextRetryAt != nil && !rec.NextRetryAt.After(now) {
			cp := *rec
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *mockStore) AppendEvent(_ context.Context, id string, ev types.DeliveryEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, nil
	}
	for _, existing := range rec.DeliveryEvents {
		if existing.EventID == ev.EventID {
			return false, nil
		}
	}
	rec.DeliveryEvents = append(rec.DeliveryEvents, ev)
	occurred := ev.OccurredAt
	rec.LastEventAt = &occurred
	return true, nil
}

func (m *mockStore) TransitionStatus(_ context.Context, id string, from, to types.SendStatus, clearRetry bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		err := m.transitionErr
		m.transitionErr = nil
		return false, err
	}
	rec, ok := m.records[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	if clearRetry {
		rec.NextRetryAt = nil
	}
	return true, nil
}

// mockSuppressions is an in-memory suppression list implementing both
// SuppressionStore and Suppressor.
type mockSuppressions struct {
	mu      sync.Mutex
	entries map[string]*types.SuppressionEntry
	getErr  error
}

func newMockSuppressions() *mockSuppressions {
	return &mockSuppressions{entries: make(map[string]*types.SuppressionEntry)}
}

func suppressionKey(tenantID, recipient string, channel types.ChannelType) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, recipient, channel)
}

func (m *mockSuppressions) Get(_ context.Context, tenantID, recipient string, channel types.ChannelType) (*types.SuppressionEntry, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[suppressionKey(tenantID, recipient, channel)]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (m *mockSuppressions) Upsert(_ context.Context, tenantID, recipient string, channel types.ChannelType, reason types.SuppressionReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := suppressionKey(tenantID, recipient, channel)
	existing, ok := m.entries[key]
	if ok && existing.Reason.Rank() >= reason.Rank() {
		return nil
	}
	m.entries[key] = &types.SuppressionEntry{
		TenantID:  tenantID,
		Recipient: recipient,
		Channel:   channel,
		Reason:    reason,
	}
	return nil
}

// mockGateway returns scripted results in call order, repeating the last one
// when the script runs out.
type mockGateway struct {
	mu     sync.Mutex
	script []gatewayResult
	inputs []provider.SubmitInput
}

type gatewayResult struct {
	msgID string
	err   error
}

func (g *mockGateway) Submit(_ context.Context, input provider.SubmitInput) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, input)
	if len(g.script) == 0 {
		return "", nil
	}
	idx := len(g.inputs) - 1
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	res := g.script[idx]
	return res.msgID, res.err
}

func (g *mockGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

func (g *mockGateway) lastInput() provider.SubmitInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.inputs) == 0 {
		return provider.SubmitInput{}
	}
	return g.inputs[len(g.inputs)-1]
}

// mockAlerter records published alerts.
type mockAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *mockAlerter) Publish(_ context.Context, alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *mockAlerter) byKind(kind AlertKind) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Alert
	for _, al := range a.alerts {
		if al.Kind == kind {
			out = append(out, al)
		}
	}
	return out
}
