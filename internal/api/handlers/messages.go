// Package handlers contains the HTTP handlers for the mailroom API: the send
// endpoint, the message query surface, and the provider event webhook.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/core"
	"mailroom/internal/delivery"
	"mailroom/internal/types"
)

// Sender is the send pipeline surface the handler depends on.
type Sender interface {
	Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error)
	ManualRetry(ctx context.Context, recordID string) (*types.SendRecord, error)
}

// MessageReader is the query surface over send records.
type MessageReader interface {
	GetByID(ctx context.Context, id string) (*types.SendRecord, error)
	List(ctx context.Context, filter types.SendRecordFilter) ([]*types.SendRecord, types.PageInfo, error)
	CountByStatus(ctx context.Context, tenantID string) (map[types.SendStatus]int64, error)
}

// MessagesHandler serves /v1/messages.
type MessagesHandler struct {
	sender Sender
	reader MessageReader
	logger types.Logger
}

func NewMessagesHandler(sender Sender, reader MessageReader, logger types.Logger) *MessagesHandler {
	return &MessagesHandler{sender: sender, reader: reader, logger: logger}
}

// Mount registers the message routes on the router.
func (h *MessagesHandler) Mount(r chi.Router) {
	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", h.HandleSend)
		r.Get("/", h.HandleList)
		r.Get("/stats", h.HandleStats)
		r.Get("/{messageID}", h.HandleGet)
		r.Post("/{messageID}/retry", h.HandleRetry)
	})
}

type sendRequestBody struct {
	TenantID    string `json:"tenant_id"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Category    string `json:"category"`
	TemplateKey string `json:"template_key"`
}

type sendResponse struct {
	Outcome string            `json:"outcome"`
	Message *types.SendRecord `json:"message,omitempty"`
}

// HandleSend accepts one message for delivery. The response is 202: the
// record is durably persisted and the scheduler owns any further attempts,
// even when the initial attempts failed.
func (h *MessagesHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequestBody
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.sender.Send(r.Context(), delivery.SendRequest{
		TenantID:    body.TenantID,
		Recipient:   body.Recipient,
		Subject:     body.Subject,
		Body:        body.Body,
		Category:    types.Category(body.Category),
		TemplateKey: body.TemplateKey,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{
		Data: sendResponse{
			Outcome: string(result.Outcome),
			Message: result.Record,
		},
	})
}

// HandleList returns send records matching the query filters, newest first,
// with cursor pagination.
func (h *MessagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := types.SendRecordFilter{
		TenantID:    q.Get("tenant_id"),
		Status:      types.SendStatus(q.Get("status")),
		TemplateKey: q.Get("template_key"),
		Cursor:      q.Get("cursor"),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "limit must be a positive integer", err))
			return
		}
		filter.Limit = limit
	}

	for _, bound := range []struct {
		param string
		dst   **time.Time
	}{
		{"from", &filter.From},
		{"to", &filter.To},
	} {
		if raw := q.Get(bound.param); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				core.Error(w, r, types.NewAppError(
					types.ErrCodeValidationInvalidCursor,
					bound.param+" must be an RFC3339 timestamp",
					err,
				))
				return
			}
			*bound.dst = &ts
		}
	}

	records, page, err := h.reader.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if records == nil {
		records = []*types.SendRecord{}
	}

	resp := core.APIResponse{Data: records}
	if page.HasMore {
		resp.Page = &page
	}
	core.JSON(w, r, http.StatusOK, resp)
}

type statsResponse struct {
	Total  int64                      `json:"total"`
	Counts map[types.SendStatus]int64 `json:"counts"`
}

// HandleStats returns aggregate record counts per status.
func (h *MessagesHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.reader.CountByStatus(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var total int64
	for _, c := range counts {
		total += c
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: statsResponse{Total: total, Counts: counts},
	})
}

// HandleGet returns one send record with its full delivery event trail.
func (h *MessagesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.reader.GetByID(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}

// HandleRetry re-attempts a failed record immediately.
func (h *MessagesHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sender.ManualRetry(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}
