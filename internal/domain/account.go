package domain

import (
	"fmt"
	"strings"
	"time"
)

// WarmupState is the ramp state of a sending account.
type WarmupState string

const (
	WarmupNotStarted WarmupState = "NOT_STARTED"
	WarmupRampingUp  WarmupState = "RAMPING_UP"
	WarmupWarmed     WarmupState = "WARMED"
	WarmupSuspended  WarmupState = "SUSPENDED"
)

func (s WarmupState) String() string { return string(s) }

func (s WarmupState) IsValid() bool {
	switch s {
	case WarmupNotStarted, WarmupRampingUp, WarmupWarmed, WarmupSuspended:
		return true
	}
	return false
}

func ParseWarmupStateFromString(s string) (WarmupState, error) {
	st := WarmupState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid warmup state %q", ErrValidation, s)
	}
	return st, nil
}

const (
	MinReputation     = 0.0
	MaxReputation     = 1.0
	InitialReputation = MaxReputation
)

// MailServer holds connection settings for an SMTP or IMAP endpoint.
type MailServer struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

func (s MailServer) IsConfigured() bool {
	return strings.TrimSpace(s.Host) != "" && s.Port > 0
}

// Account is a sending mailbox together with its warmup and reputation state.
type Account struct {
	ID       string
	Email    string
	Timezone string
	SMTP     MailServer
	IMAP     MailServer

	WarmupState    WarmupState
	WarmupStage    int
	StageStartedAt *time.Time
	StageSent      int
	StageBounced   int
	StageReplied   int

	Reputation float64
	// BaseCap overrides the configured campaign base cap when positive.
	BaseCap int

	LastSentAt   *time.Time
	SentToday    int
	SentTodayDay string

	InboxSyncedAt *time.Time
	// Version guards concurrent writers; stores reject a stale save.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if !strings.Contains(a.Email, "@") {
		return fmt.Errorf("%w: invalid account email %q", ErrValidation, a.Email)
	}
	if !a.WarmupState.IsValid() {
		return fmt.Errorf("%w: invalid warmup state %q", ErrValidation, a.WarmupState)
	}
	if a.WarmupStage < 0 {
		return fmt.Errorf("%w: warmup stage must be >= 0", ErrValidation)
	}
	if a.Reputation < MinReputation || a.Reputation > MaxReputation {
		return fmt.Errorf("%w: reputation must be within [0,1]", ErrValidation)
	}
	if _, err := time.LoadLocation(a.Timezone); err != nil {
		return fmt.Errorf("%w: invalid timezone %q", ErrValidation, a.Timezone)
	}
	return nil
}

// Location returns the account's timezone, falling back to UTC.
func (a *Account) Location() *time.Location {
	if strings.TrimSpace(a.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDay returns the account-local calendar day key for t, e.g. 2026-03-02.
func (a *Account) LocalDay(t time.Time) string {
	return t.In(a.Location()).Format(DayLayout)
}

// SentOn returns the sent counter for the given local day key.
func (a *Account) SentOn(day string) int {
	if a.SentTodayDay != day {
		return 0
	}
	return a.SentToday
}

// RollDay resets the daily counter when now falls on a later local day.
func (a *Account) RollDay(now time.Time) bool {
	day := a.LocalDay(now)
	if a.SentTodayDay == day {
		return false
	}
	a.SentTodayDay = day
	a.SentToday = 0
	return true
}

// ResetStageHealth starts a fresh stage health window at now.
func (a *Account) ResetStageHealth(now time.Time) {
	started := now.UTC()
	a.StageStartedAt = &started
	a.StageSent = 0
	a.StageBounced = 0
	a.StageReplied = 0
}

// ClampReputation bounds v to [0,1].
func ClampReputation(v float64) float64 {
	return min(max(v, MinReputation), MaxReputation)
}

const DayLayout = "2006-01-02"
