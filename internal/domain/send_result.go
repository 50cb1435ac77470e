package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result class of one dispatch attempt.
type Outcome string

const (
	OutcomeSent     Outcome = "SENT"
	OutcomeBounced  Outcome = "BOUNCED"
	OutcomeDeferred Outcome = "DEFERRED"
	OutcomeRejected Outcome = "REJECTED"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSent, OutcomeBounced, OutcomeDeferred, OutcomeRejected:
		return true
	}
	return false
}

func ParseOutcomeFromString(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid outcome %q", ErrValidation, s)
	}
	return o, nil
}

// SendResult is an immutable entry of the send result log.
type SendResult struct {
	ID                string
	PendingSendID     string
	AccountID         string
	Source            Source
	Outcome           Outcome
	AttemptNumber     int
	Error             *string
	ProviderMessageID *string
	CreatedAt         time.Time
	AppliedAt         *time.Time
}

func (r *SendResult) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: result id is required", ErrValidation)
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if !r.Outcome.IsValid() {
		return fmt.Errorf("%w: invalid outcome %q", ErrValidation, r.Outcome)
	}
	return nil
}
