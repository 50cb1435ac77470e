package ratelimit

import (
	"math"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

const defaultBaseCap = 50

// StageCapper reports the warmup ceiling for an account.
type StageCapper interface {
	StageCap(account domain.Account) int
}

// SlotPolicy configures per-account daily capacity and its spread over a day.
type SlotPolicy struct {
	BaseCap int
	// Active hours in the account's local time. Equal values mean the whole day.
	ActiveFromHour  int
	ActiveUntilHour int
}

// Limiter turns account state into evenly spaced dispatch slots.
type Limiter struct {
	policy SlotPolicy
	stages StageCapper
}

func NewLimiter(policy SlotPolicy, stages StageCapper) *Limiter {
	if policy.BaseCap <= 0 {
		policy.BaseCap = defaultBaseCap
	}
	policy.ActiveFromHour = min(max(policy.ActiveFromHour, 0), 24)
	policy.ActiveUntilHour = min(max(policy.ActiveUntilHour, 0), 24)
	if policy.ActiveUntilHour < policy.ActiveFromHour {
		policy.ActiveFromHour, policy.ActiveUntilHour = 0, 24
	}

	return &Limiter{policy: policy, stages: stages}
}

// ReputationAdjustedCap is floor(baseCap * reputation), at least 1 while the
// reputation is positive and 0 once it reaches zero.
func (l *Limiter) ReputationAdjustedCap(account domain.Account) int {
	base := l.policy.BaseCap
	if account.BaseCap > 0 {
		base = account.BaseCap
	}

	reputation := domain.ClampReputation(account.Reputation)
	if reputation <= 0 {
		return 0
	}
	return max(int(math.Floor(float64(base)*reputation)), 1)
}

// DailyCap is min(warmup stage cap, reputation adjusted cap).
func (l *Limiter) DailyCap(account domain.Account) int {
	capacity := l.ReputationAdjustedCap(account)
	if l.stages != nil {
		capacity = min(capacity, l.stages.StageCap(account))
	}
	return max(capacity, 0)
}

// AvailableSlots returns the account's send opportunities in
// [windowStart, windowEnd), ordered by time. An empty result means the
// capacity is exhausted for the window and is not an error.
func (l *Limiter) AvailableSlots(account domain.Account, windowStart, windowEnd time.Time) []domain.DispatchSlot {
	slots := make([]domain.DispatchSlot, 0)
	if !windowEnd.After(windowStart) {
		return slots
	}

	dailyCap := l.DailyCap(account)
	if dailyCap == 0 {
		return slots
	}

	loc := account.Location()
	localStart := windowStart.In(loc)
	day := time.Date(localStart.Year(), localStart.Month(), localStart.Day(), 0, 0, 0, 0, loc)

	for day.Before(windowEnd) {
		activeStart, activeEnd := l.activeHours(day)
		remaining := dailyCap - account.SentOn(day.Format(domain.DayLayout))

		from := activeStart
		if windowStart.After(from) {
			from = windowStart
		}

		if remaining > 0 && from.Before(activeEnd) {
			interval := activeEnd.Sub(from) / time.Duration(remaining)
			if account.LastSentAt != nil {
				if spaced := account.LastSentAt.Add(interval); spaced.After(from) {
					from = spaced
				}
			}

			for i := 0; i < remaining; i++ {
				at := from.Add(time.Duration(i) * interval)
				if !at.Before(activeEnd) || !at.Before(windowEnd) {
					break
				}
				slots = append(slots, domain.DispatchSlot{
					AccountID: account.ID,
					At:        at.UTC(),
				})
			}
		}

		day = day.AddDate(0, 0, 1)
	}

	return slots
}

func (l *Limiter) activeHours(day time.Time) (time.Time, time.Time) {
	from, until := l.policy.ActiveFromHour, l.policy.ActiveUntilHour
	if from == until {
		from, until = 0, 24
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), from, 0, 0, 0, day.Location())
	end := time.Date(day.Year(), day.Month(), day.Day(), until, 0, 0, 0, day.Location())
	return start, end
}
