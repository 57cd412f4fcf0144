package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/delivery"
	"mailroom/internal/types"
)

type stubVerifier struct {
	valid bool
}

func (v stubVerifier) Verify([]byte, string, string) bool { return v.valid }

type stubApplier struct {
	applied  []delivery.ProviderEvent
	applyErr error
}

func (a *stubApplier) Apply(_ context.Context, ev delivery.ProviderEvent) error {
	if a.applyErr != nil {
		return a.applyErr
	}
	a.applied = append(a.applied, ev)
	return nil
}

func newWebhookRouter(verifier SignatureVerifier, applier EventApplier) http.Handler {
	r := chi.NewRouter()
	NewDeliveryWebhookHandler(verifier, applier, 0, stubLogger{}).Mount(r)
	return r
}

func signedRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/delivery", bytes.NewBufferString(body))
	req.Header.Set(headerWebhookSignature, "c2lnbmF0dXJl")
	req.Header.Set(headerWebhookTimestamp, "1756300000")
	return req
}

func TestWebhookMissingSignature(t *testing.T) {
	applier := &stubApplier{}
	router := newWebhookRouter(stubVerifier{valid: true}, applier)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/delivery", bytes.NewBufferString("[]")))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_signature_missing")
	assert.Empty(t, applier.applied)
}

func TestWebhookInvalidSignature(t *testing.T) {
	applier := &stubApplier{}
	router := newWebhookRouter(stubVerifier{valid: false}, applier)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(`[{"sg_event_id":"ev-1","sg_message_id":"m-1","event":"delivered","timestamp":1756300000}]`))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_signature_invalid")
	assert.Empty(t, applier.applied)
}

func TestWebhookAppliesBatch(t *testing.T) {
	applier := &stubApplier{}
	router := newWebhookRouter(stubVerifier{valid: true}, applier)

	body := `[
		{"sg_event_id":"ev-1","sg_message_id":"m-1.filter0001","event":"delivered","email":"user@example.com","timestamp":1756300000},
		{"sg_event_id":"ev-2","sg_message_id":"m-2","event":"bounce","email":"other@example.com","timestamp":1756300001}
	]`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed":2`)

	require.Len(t, applier.applied, 2)
	assert.Equal(t, "m-1", applier.applied[0].ProviderMessageID)
	assert.Equal(t, types.EventDelivered, applier.applied[0].Type)
	assert.Equal(t, types.EventBounced, applier.applied[1].Type)
	assert.Equal(t, int64(1756300000), applier.applied[0].OccurredAt.Unix())
}

func TestWebhookSkipsUnknownEventTypes(t *testing.T) {
	applier := &stubApplier{}
	router := newWebhookRouter(stubVerifier{valid: true}, applier)

	body := `[
		{"sg_event_id":"ev-1","sg_message_id":"m-1","event":"group_unsubscribe","timestamp":1756300000},
		{"sg_event_id":"ev-2","sg_message_id":"m-1","event":"spamreport","timestamp":1756300001}
	]`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed":1`)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, types.EventComplaint, applier.applied[0].Type)
}

func TestWebhookMalformedPayload(t *testing.T) {
	router := newWebhookRouter(stubVerifier{valid: true}, &stubApplier{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(`{"not":"an array"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookStoreFailureTriggersRedelivery(t *testing.T) {
	applier := &stubApplier{
		applyErr: types.NewAppError(types.ErrCodeInternalDB, "failed to append delivery event", nil),
	}
	router := newWebhookRouter(stubVerifier{valid: true}, applier)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(`[{"sg_event_id":"ev-1","sg_message_id":"m-1","event":"delivered","timestamp":1756300000}]`))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
