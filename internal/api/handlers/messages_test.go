package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/core"
	"mailroom/internal/delivery"
	"mailroom/internal/types"
)

type stubLogger struct{}

func (stubLogger) Info(string, ...any)        {}
func (stubLogger) Warn(string, ...any)        {}
func (stubLogger) Error(string, ...any)       {}
func (l stubLogger) With(...any) types.Logger { return l }

type stubSender struct {
	sendResult  delivery.SendResult
	sendErr     error
	lastRequest delivery.SendRequest

	retryRecord *types.SendRecord
	retryErr    error
	retriedID   string
}

func (s *stubSender) Send(_ context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	s.lastRequest = req
	return s.sendResult, s.sendErr
}

func (s *stubSender) ManualRetry(_ context.Context, recordID string) (*types.SendRecord, error) {
	s.retriedID = recordID
	return s.retryRecord, s.retryErr
}

type stubReader struct {
	record     *types.SendRecord
	getErr     error
	listResult []*types.SendRecord
	listPage   types.PageInfo
	listErr    error
	lastFilter types.SendRecordFilter
	counts     map[types.SendStatus]int64
}

func (s *stubReader) GetByID(_ context.Context, id string) (*types.SendRecord, error) {
	return s.record, s.getErr
}

func (s *stubReader) List(_ context.Context, filter types.SendRecordFilter) ([]*types.SendRecord, types.PageInfo, error) {
	s.lastFilter = filter
	return s.listResult, s.listPage, s.listErr
}

func (s *stubReader) CountByStatus(_ context.Context, tenantID string) (map[types.SendStatus]int64, error) {
	return s.counts, nil
}

func newMessagesRouter(sender *stubSender, reader *stubReader) http.Handler {
	r := chi.NewRouter()
	NewMessagesHandler(sender, reader, stubLogger{}).Mount(r)
	return r
}

func TestHandleSend(t *testing.T) {
	sender := &stubSender{
		sendResult: delivery.SendResult{
			Outcome: types.OutcomeSent,
			Record:  &types.SendRecord{ID: "rec-1", Status: types.SendStatusSent},
		},
	}
	router := newMessagesRouter(sender, &stubReader{})

	body := `{"tenant_id":"tenant-1","recipient":"user@example.com","subject":"Receipt","body":"<p>hi</p>","category":"transactional","template_key":"receipt_v2"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "user@example.com", sender.lastRequest.Recipient)
	assert.Equal(t, types.CategoryTransactional, sender.lastRequest.Category)

	var resp struct {
		Data sendResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp.Data.Outcome)
	assert.Equal(t, "rec-1", resp.Data.Message.ID)
}

func TestHandleSendSuppressed(t *testing.T) {
	sender := &stubSender{
		sendErr: types.NewAppError(types.ErrCodeRecipientSuppressed, "recipient is suppressed", nil),
	}
	router := newMessagesRouter(sender, &stubReader{})

	body := `{"tenant_id":"tenant-1","recipient":"user@example.com","subject":"Sale","body":"x","category":"marketing"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body)))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "recipient_suppressed")
}

func TestHandleSendMalformedBody(t *testing.T) {
	router := newMessagesRouter(&stubSender{}, &stubReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(`{"recipient":`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListFilters(t *testing.T) {
	reader := &stubReader{
		listResult: []*types.SendRecord{{ID: "rec-1"}},
		listPage:   types.PageInfo{HasMore: true, NextCursor: "2026-08-27T11:00:00Z"},
	}
	router := newMessagesRouter(&stubSender{}, reader)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/messages?tenant_id=tenant-1&status=failed&template_key=receipt_v2&from=2026-08-26T00:00:00Z&limit=5", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-1", reader.lastFilter.TenantID)
	assert.Equal(t, types.SendStatusFailed, reader.lastFilter.Status)
	assert.Equal(t, "receipt_v2", reader.lastFilter.TemplateKey)
	assert.Equal(t, 5, reader.lastFilter.Limit)
	require.NotNil(t, reader.lastFilter.From)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), reader.lastFilter.From.UTC())

	var resp core.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Page)
	assert.True(t, resp.Page.HasMore)
}

func TestHandleListRejectsBadTimestamp(t *testing.T) {
	router := newMessagesRouter(&stubSender{}, &stubReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages?from=yesterday", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStats(t *testing.T) {
	reader := &stubReader{
		counts: map[types.SendStatus]int64{
			types.SendStatusSent:   10,
			types.SendStatusFailed: 2,
		},
	}
	router := newMessagesRouter(&stubSender{}, reader)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data statsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(12), resp.Data.Total)
	assert.Equal(t, int64(2), resp.Data.Counts[types.SendStatusFailed])
}

func TestHandleGetNotFound(t *testing.T) {
	reader := &stubReader{
		getErr: types.NewAppError(types.ErrCodeNotFoundMessage, "send record not found", nil),
	}
	router := newMessagesRouter(&stubSender{}, reader)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRetry(t *testing.T) {
	sender := &stubSender{
		retryRecord: &types.SendRecord{ID: "rec-1", Status: types.SendStatusSent},
	}
	router := newMessagesRouter(sender, &stubReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages/rec-1/retry", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rec-1", sender.retriedID)
}

func TestHandleRetryConflict(t *testing.T) {
	sender := &stubSender{
		retryErr: types.NewAppError(types.ErrCodeConflictNotRetryable, "only failed records can be retried", nil),
	}
	router := newMessagesRouter(sender, &stubReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages/rec-1/retry", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
}
