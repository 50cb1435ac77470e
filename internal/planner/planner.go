// Package planner assigns pending sends to per-account dispatch slots.
//
// Planning is pure: it reads account snapshots and the pending pool and
// returns a Plan without touching storage. Identical inputs always yield an
// identical plan and digest, so a crashed cycle can be re-planned and
// compared.
package planner

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"go.uber.org/zap"
)

const defaultHealthyReputation = 0.7

// SlotSource yields an account's send opportunities in a window.
type SlotSource interface {
	AvailableSlots(account domain.Account, windowStart, windowEnd time.Time) []domain.DispatchSlot
}

// Horizon is the planning window [Start, End).
type Horizon struct {
	Start time.Time
	End   time.Time
}

// UnplacedReason explains why a pending send has no slot in the plan.
type UnplacedReason string

const (
	ReasonNoCapacity     UnplacedReason = "no_capacity"
	ReasonNotEligible    UnplacedReason = "not_eligible"
	ReasonUnknownAccount UnplacedReason = "unknown_account"
	ReasonExpired        UnplacedReason = "expired"
)

type Unplaced struct {
	Send   domain.PendingSend `json:"send"`
	Reason UnplacedReason     `json:"reason"`
}

// Plan is the ordered assignment list produced by one planning pass.
type Plan struct {
	Horizon     Horizon             `json:"horizon"`
	Assignments []domain.Assignment `json:"assignments"`
	Unplaced    []Unplaced          `json:"unplaced"`
}

// Digest fingerprints the assignment list and the unplaced set.
func (p Plan) Digest() uint64 {
	h := xxhash.New()
	var buf [8]byte

	writeTime := func(t time.Time) {
		binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
		_, _ = h.Write(buf[:])
	}

	for _, a := range p.Assignments {
		_, _ = h.WriteString(a.Slot.AccountID)
		_, _ = h.WriteString("\x00")
		writeTime(a.Slot.At)
		_, _ = h.WriteString(a.Send.ID)
		_, _ = h.WriteString("\x00")
	}
	_, _ = h.WriteString("\x01")
	for _, u := range p.Unplaced {
		_, _ = h.WriteString(u.Send.ID)
		_, _ = h.WriteString(string(u.Reason))
		_, _ = h.WriteString("\x00")
	}
	return h.Sum64()
}

// DigestHex is Digest formatted for logs.
func (p Plan) DigestHex() string {
	return fmt.Sprintf("%016x", p.Digest())
}

// Due returns the assignments whose slot falls before cutoff, in plan order.
func (p Plan) Due(cutoff time.Time) []domain.Assignment {
	due := make([]domain.Assignment, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		if a.Slot.At.Before(cutoff) {
			due = append(due, a)
		}
	}
	return due
}

type Planner struct {
	slots             SlotSource
	healthyReputation float64
	logger            *zap.Logger
}

func NewPlanner(slots SlotSource, healthyReputation float64, logger *zap.Logger) (*Planner, error) {
	if slots == nil {
		return nil, fmt.Errorf("slot source is required")
	}
	if healthyReputation <= 0 || healthyReputation > 1 {
		healthyReputation = defaultHealthyReputation
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Planner{
		slots:             slots,
		healthyReputation: healthyReputation,
		logger:            logger,
	}, nil
}

// Plan assigns pending sends to slots within horizon, bounded per account by
// the end of its current local day. Accounts are visited in
// id order; within an account sends are ranked by priority class, earliest
// eligible time and idempotency key, and every slot takes the first ranked
// send that is eligible by the slot time.
func (p *Planner) Plan(accounts []domain.Account, pending []domain.PendingSend, horizon Horizon) Plan {
	plan := Plan{
		Horizon:     horizon,
		Assignments: make([]domain.Assignment, 0),
		Unplaced:    make([]Unplaced, 0),
	}

	known := make(map[string]domain.Account, len(accounts))
	for _, a := range accounts {
		known[a.ID] = a
	}

	byAccount := make(map[string][]domain.PendingSend)
	for _, send := range pending {
		switch {
		case send.Status != "" && send.Status != domain.SendStatusPending:
			continue
		case send.IsExpired(horizon.Start):
			plan.Unplaced = append(plan.Unplaced, Unplaced{Send: send, Reason: ReasonExpired})
			continue
		}
		if _, ok := known[send.AccountID]; !ok {
			plan.Unplaced = append(plan.Unplaced, Unplaced{Send: send, Reason: ReasonUnknownAccount})
			continue
		}
		byAccount[send.AccountID] = append(byAccount[send.AccountID], send)
	}

	accountIDs := make([]string, 0, len(byAccount))
	for id := range byAccount {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	for _, id := range accountIDs {
		account := known[id]
		sends := byAccount[id]
		p.rank(account, sends)

		end := capacityDayEnd(account, horizon)
		slots := p.slots.AvailableSlots(account, horizon.Start, end)
		assigned := make([]bool, len(sends))

		for _, slot := range slots {
			for i := range sends {
				if assigned[i] || !p.eligibleAt(sends[i], slot.At) {
					continue
				}
				assigned[i] = true
				plan.Assignments = append(plan.Assignments, domain.Assignment{Send: sends[i], Slot: slot})
				break
			}
		}

		for i, send := range sends {
			if assigned[i] {
				continue
			}
			reason := ReasonNoCapacity
			if !send.EarliestEligible.Before(end) {
				reason = ReasonNotEligible
			}
			plan.Unplaced = append(plan.Unplaced, Unplaced{Send: send, Reason: reason})
		}

		if len(slots) == 0 && len(sends) > 0 {
			p.logger.Debug("account has no capacity in horizon",
				zap.String("accountId", id),
				zap.Int("pending", len(sends)),
				zap.Error(domain.ErrCapacityExhausted),
			)
		}
	}

	sort.SliceStable(plan.Unplaced, func(i, j int) bool {
		return plan.Unplaced[i].Send.ID < plan.Unplaced[j].Send.ID
	})

	return plan
}

// capacityDayEnd clips the horizon to the next local midnight of the
// account, so one pass never spends more than the current day's capacity.
// Tomorrow's slots are planned by the first cycle after midnight.
func capacityDayEnd(account domain.Account, horizon Horizon) time.Time {
	local := horizon.Start.In(account.Location())
	midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
	if midnight.Before(horizon.End) {
		return midnight
	}
	return horizon.End
}

func (p *Planner) eligibleAt(send domain.PendingSend, at time.Time) bool {
	if at.Before(send.EarliestEligible) {
		return false
	}
	return !send.IsExpired(at)
}

func (p *Planner) rank(account domain.Account, sends []domain.PendingSend) {
	warmupFirst := account.Reputation < p.healthyReputation

	sort.SliceStable(sends, func(i, j int) bool {
		a, b := sends[i], sends[j]
		if warmupFirst && a.Class() != b.Class() {
			return a.Class() < b.Class()
		}
		if !a.EarliestEligible.Equal(b.EarliestEligible) {
			return a.EarliestEligible.Before(b.EarliestEligible)
		}
		if a.IdempotencyKey != b.IdempotencyKey {
			return a.IdempotencyKey < b.IdempotencyKey
		}
		return a.ID < b.ID
	})
}
