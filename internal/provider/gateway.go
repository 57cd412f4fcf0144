// Package provider is the anti-corruption layer between the delivery
// subsystem and the external mail provider. It contains the synchronous
// gateway client used to submit messages and the verifier for the provider's
// event-webhook signatures.
//
// The gateway is deliberately a pure I/O boundary: it classifies failures as
// retriable or permanent but performs no retries itself. The send pipeline's
// inline loop and the retry scheduler own all retry policy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"mailroom/internal/types"
)

// mailAPIBase is the default provider API base URL. Overridable in tests and
// sandbox environments via ClientConfig.BaseURL.
const mailAPIBase = "https://api.sendgrid.com"

// SubmitInput is the narrow contract the delivery core depends on: one
// recipient, a rendered subject/body pair, optional custom headers, and an
// internal reference id for correlation.
type SubmitInput struct {
	To          string
	Subject     string
	Body        string
	Headers     map[string]string
	ReferenceID string
}

// Gateway is the synchronous "accept a message" boundary of the external
// provider. Implementations must honor the context deadline and return an
// AppError whose code classifies the failure (see IsRetriable).
type Gateway interface {
	Submit(ctx context.Context, input SubmitInput) (providerMessageID string, err error)
}

// ClientConfig holds the configuration for creating a gateway Client.
type ClientConfig struct {
	APIKey      string
	BaseURL     string
	FromAddress string
	FromName    string

	// AttemptTimeout bounds a single submit call independent of the
	// provider's own behavior, so a hung connection cannot stall a scheduler
	// sweep or an inline retry sequence.
	AttemptTimeout time.Duration

	Logger *slog.Logger
}

// Client implements Gateway by calling the provider's v3 mail send API.
// All calls pass through a circuit breaker so a hard provider outage stops
// producing doomed network attempts after a few consecutive failures.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	apiKey     string
	baseURL    string
	from       mailAddress
	logger     *slog.Logger
}

// Compile-time assertion that Client satisfies Gateway.
var _ Gateway = (*Client)(nil)

// NewClient creates a gateway Client with the hard per-attempt timeout from
// the config applied to the underlying http.Client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mailAPIBase
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "mail-gateway",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("mail gateway circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		from:       mailAddress{Email: cfg.FromAddress, Name: cfg.FromName},
		logger:     logger,
	}
}

// Submit sends one message through the provider's mail API and returns the
// provider-assigned message id from the X-Message-Id response header.
//
// Error classification:
//   - 429 -> upstream_rate_limited (retriable)
//   - 5xx, network failures, open breaker -> upstream_unavailable (retriable)
//   - other 4xx -> upstream_provider_rejected (permanent)
func (c *Client) Submit(ctx context.Context, input SubmitInput) (string, error) {
	body, err := json.Marshal(c.buildPayload(input))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create mail send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				"mail gateway circuit breaker is open",
				err,
			)
		}
		return "", types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"mail gateway request failed",
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return resp.Header.Get("X-Message-Id"), nil
	}

	return "", c.mapErrorResponse(resp)
}

// IsRetriable reports whether the failure classification allows another
// attempt: rate limiting, provider outage, and connection-level failures are
// retriable; any other provider rejection is permanent.
func IsRetriable(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeUpstreamUnavailable, types.ErrCodeUpstreamRateLimited:
			return true
		default:
			return false
		}
	}
	// Errors without a classification are connection-level.
	return true
}

type mailPayload struct {
	Personalizations []personalization `json:"personalizations"`
	From             mailAddress       `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
	Headers          map[string]string `json:"headers,omitempty"`
	CustomArgs       map[string]string `json:"custom_args,omitempty"`
}

type personalization struct {
	To []mailAddress `json:"to"`
}

type mailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c *Client) buildPayload(input SubmitInput) mailPayload {
	payload := mailPayload{
		Personalizations: []personalization{
			{To: []mailAddress{{Email: input.To}}},
		},
		From:    c.from,
		Subject: input.Subject,
		Content: []mailContent{
			{Type: "text/html", Value: input.Body},
		},
		Headers: input.Headers,
	}
	if input.ReferenceID != "" {
		payload.CustomArgs = map[string]string{"reference_id": input.ReferenceID}
	}
	return payload
}

// providerErrorResponse represents the JSON error body returned by the
// provider.
type providerErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// mapErrorResponse reads the provider error body and maps the HTTP status to
// the domain error taxonomy.
func (c *Client) mapErrorResponse(resp *http.Response) error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := ""
	if readErr == nil {
		var pe providerErrorResponse
		if jsonErr := json.Unmarshal(raw, &pe); jsonErr == nil && len(pe.Errors) > 0 {
			message = pe.Errors[0].Message
		} else {
			message = strings.TrimSpace(string(raw))
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("mail provider rate limit exceeded", "status", resp.StatusCode)
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"mail provider rate limit exceeded",
			nil,
		)
	case resp.StatusCode >= 500:
		c.logger.Warn("mail provider server error", "status", resp.StatusCode, "message", message)
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("mail provider server error (%d): %s", resp.StatusCode, message),
			nil,
		)
	default:
		c.logger.Warn("mail provider rejected message", "status", resp.StatusCode, "message", message)
		return types.NewAppError(
			types.ErrCodeProviderRejected,
			fmt.Sprintf("mail provider rejected message (%d): %s", resp.StatusCode, message),
			nil,
		)
	}
}
