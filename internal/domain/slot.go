package domain

import "time"

// DispatchSlot is one permitted send opportunity for an account.
type DispatchSlot struct {
	AccountID string    `json:"accountId"`
	At        time.Time `json:"at"`
}

// Assignment binds a pending send to the slot it will be dispatched in.
type Assignment struct {
	Send PendingSend  `json:"send"`
	Slot DispatchSlot `json:"slot"`
}

// Feedback is an asynchronous delivery signal for a previously sent message.
type Feedback struct {
	AccountID     string
	PendingSendID string
	Kind          FeedbackKind
	Detail        string
	OccurredAt    time.Time
}

type FeedbackKind string

const (
	FeedbackBounce    FeedbackKind = "BOUNCE"
	FeedbackComplaint FeedbackKind = "COMPLAINT"
	FeedbackReply     FeedbackKind = "REPLY"
)

func (k FeedbackKind) String() string { return string(k) }

func (k FeedbackKind) IsValid() bool {
	switch k {
	case FeedbackBounce, FeedbackComplaint, FeedbackReply:
		return true
	}
	return false
}
