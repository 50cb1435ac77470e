package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

// PendingSendMessage is the intake payload for one email to schedule.
type PendingSendMessage struct {
	IdempotencyKey   string        `json:"idempotencyKey"`
	Source           domain.Source `json:"source"`
	AccountID        string        `json:"accountId"`
	CampaignID       *string       `json:"campaignId,omitempty"`
	Recipient        string        `json:"recipient"`
	Subject          string        `json:"subject"`
	Body             string        `json:"body"`
	EarliestEligible *time.Time    `json:"earliestEligible,omitempty"`
	ExpiresAt        *time.Time    `json:"expiresAt,omitempty"`
}

func (m PendingSendMessage) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return fmt.Errorf("idempotencyKey is required")
	}
	if strings.TrimSpace(m.AccountID) == "" {
		return fmt.Errorf("accountId is required")
	}
	if m.Source != "" && !m.Source.IsValid() {
		return fmt.Errorf("invalid source %q", m.Source)
	}
	return nil
}

// ToPendingSend builds the pool entry; a missing eligibility time means now.
func (m PendingSendMessage) ToPendingSend(now time.Time) domain.PendingSend {
	source := m.Source
	if source == "" {
		source = domain.SourceCampaign
	}
	eligible := now.UTC()
	if m.EarliestEligible != nil && !m.EarliestEligible.IsZero() {
		eligible = m.EarliestEligible.UTC()
	}

	return domain.PendingSend{
		IdempotencyKey:   strings.TrimSpace(m.IdempotencyKey),
		Source:           source,
		AccountID:        strings.TrimSpace(m.AccountID),
		CampaignID:       m.CampaignID,
		Recipient:        strings.TrimSpace(m.Recipient),
		Subject:          m.Subject,
		Body:             m.Body,
		EarliestEligible: eligible,
		ExpiresAt:        m.ExpiresAt,
		Status:           domain.SendStatusPending,
	}
}

// FeedbackMessage is an asynchronous delivery signal for a sent message.
// Either PendingSendID or the provider MessageID identifies the send.
type FeedbackMessage struct {
	AccountID     string              `json:"accountId,omitempty"`
	PendingSendID string              `json:"pendingSendId,omitempty"`
	MessageID     string              `json:"messageId,omitempty"`
	Kind          domain.FeedbackKind `json:"kind"`
	Detail        string              `json:"detail,omitempty"`
	OccurredAt    *time.Time          `json:"occurredAt,omitempty"`
}

func (m FeedbackMessage) Validate() error {
	if strings.TrimSpace(m.PendingSendID) == "" && strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("pendingSendId or messageId is required")
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("invalid feedback kind %q", m.Kind)
	}
	return nil
}

// PendingSendHandler decodes intake deliveries for fn.
func PendingSendHandler(fn func(ctx context.Context, msg PendingSendMessage) error) DeliveryHandler {
	return func(ctx context.Context, body []byte) error {
		var msg PendingSendMessage
		if err := decode(body, &msg); err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return fn(ctx, msg)
	}
}

// FeedbackHandler decodes feedback deliveries for fn.
func FeedbackHandler(fn func(ctx context.Context, msg FeedbackMessage) error) DeliveryHandler {
	return func(ctx context.Context, body []byte) error {
		var msg FeedbackMessage
		if err := decode(body, &msg); err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return fn(ctx, msg)
	}
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidMessage, err)
	}
	return nil
}
