package domain

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the producer of a pending send.
type Source string

const (
	SourceCampaign Source = "CAMPAIGN"
	SourceWarmup   Source = "WARMUP"
)

func (s Source) String() string { return string(s) }

func (s Source) IsValid() bool {
	switch s {
	case SourceCampaign, SourceWarmup:
		return true
	}
	return false
}

func ParseSourceFromString(s string) (Source, error) {
	src := Source(strings.ToUpper(strings.TrimSpace(s)))
	if !src.IsValid() {
		return "", fmt.Errorf("%w: invalid source %q", ErrValidation, s)
	}
	return src, nil
}

// PriorityClass orders sends within one account; lower runs first.
type PriorityClass int

const (
	PriorityClassWarmup   PriorityClass = 0
	PriorityClassCampaign PriorityClass = 1
)

// SendStatus is the lifecycle state of a pending send.
type SendStatus string

const (
	SendStatusPending     SendStatus = "PENDING"
	SendStatusDispatching SendStatus = "DISPATCHING"
	SendStatusSent        SendStatus = "SENT"
	SendStatusBounced     SendStatus = "BOUNCED"
	SendStatusRejected    SendStatus = "REJECTED"
	SendStatusExpired     SendStatus = "EXPIRED"
)

func (s SendStatus) String() string { return string(s) }

func (s SendStatus) IsValid() bool {
	switch s {
	case SendStatusPending, SendStatusDispatching, SendStatusSent,
		SendStatusBounced, SendStatusRejected, SendStatusExpired:
		return true
	}
	return false
}

func (s SendStatus) IsTerminal() bool {
	switch s {
	case SendStatusSent, SendStatusBounced, SendStatusRejected, SendStatusExpired:
		return true
	}
	return false
}

func ParseSendStatusFromString(s string) (SendStatus, error) {
	st := SendStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid send status %q", ErrValidation, s)
	}
	return st, nil
}

const (
	MaxSubjectLength = 998
	MaxBodyLength    = 100000
)

// PendingSend is one email waiting for a dispatch slot. Its ID doubles as the
// correlation id embedded in the outgoing Message-ID.
type PendingSend struct {
	ID               string
	IdempotencyKey   string
	Source           Source
	AccountID        string
	CampaignID       *string
	Recipient        string
	Subject          string
	Body             string
	EarliestEligible time.Time
	ExpiresAt        *time.Time
	AttemptCount     int
	Status           SendStatus
	LastError        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p *PendingSend) Validate() error {
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if !p.Source.IsValid() {
		return fmt.Errorf("%w: invalid source %q", ErrValidation, p.Source)
	}
	if strings.TrimSpace(p.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if !strings.Contains(p.Recipient, "@") {
		return fmt.Errorf("%w: invalid recipient %q", ErrValidation, p.Recipient)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if n := len([]rune(p.Subject)); n > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters (got %d)", ErrValidation, MaxSubjectLength, n)
	}
	if n := len([]rune(p.Body)); n > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters (got %d)", ErrValidation, MaxBodyLength, n)
	}
	if p.EarliestEligible.IsZero() {
		return fmt.Errorf("%w: earliest eligible time is required", ErrValidation)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(p.EarliestEligible) {
		return fmt.Errorf("%w: expiry must be after earliest eligible time", ErrValidation)
	}
	return nil
}

// Class returns the send's priority class.
func (p *PendingSend) Class() PriorityClass {
	if p.Source == SourceWarmup {
		return PriorityClassWarmup
	}
	return PriorityClassCampaign
}

// IsExpired reports whether the send can no longer be dispatched at now.
func (p *PendingSend) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}
