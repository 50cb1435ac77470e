package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

const defaultRelayTimeout = 20 * time.Second

type relayRequest struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	MessageID string            `json:"messageId"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type relayResponse struct {
	ID string `json:"id"`
}

// RelaySender submits messages to an HTTP mail relay.
type RelaySender struct {
	client   *resty.Client
	endpoint string
}

func NewRelaySender(endpoint string) (*RelaySender, error) {
	client := resty.New()
	client.SetTimeout(defaultRelayTimeout)
	client.SetRetryCount(0)

	return NewRelaySenderWithClient(endpoint, client)
}

func NewRelaySenderWithClient(endpoint string, client *resty.Client) (*RelaySender, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("relay endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid relay endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultRelayTimeout)
	}
	client.SetRetryCount(0)

	return &RelaySender{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *RelaySender) Send(ctx context.Context, account domain.Account, send domain.PendingSend) (*Receipt, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("relay sender is not initialized")
	}
	if err := send.Validate(); err != nil {
		return nil, &SendError{Message: "invalid pending send", Cause: err}
	}

	messageID := MessageID(account, send)
	reqBody := relayRequest{
		From:      account.Email,
		To:        send.Recipient,
		Subject:   send.Subject,
		Text:      send.Body,
		MessageID: messageID,
		Headers: map[string]string{
			"X-Outreach-Source": strings.ToLower(send.Source.String()),
		},
	}

	var accepted relayResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", send.IdempotencyKey).
		SetBody(reqBody).
		SetResult(&accepted).
		Post(p.endpoint)
	if err != nil {
		return nil, &SendError{
			Message:   "relay request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &SendError{
			Message:   "relay returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		receipt := &Receipt{MessageID: messageID, Response: responseBody}
		if id := strings.TrimSpace(accepted.ID); id != "" {
			receipt.Response = id
		}
		return receipt, nil
	}

	return nil, &SendError{
		Code:      statusCode,
		Message:   relayErrorMessage(statusCode, responseBody),
		Transient: isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func relayErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("relay returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
