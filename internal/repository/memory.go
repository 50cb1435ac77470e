package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

// MemoryStore keeps accounts, pending sends and send results in process.
// It backs tests and single-node dry runs; all three views share one lock.
type MemoryStore struct {
	Accounts     *MemoryAccountRepo
	PendingSends *MemoryPendingSendRepo
	SendResults  *MemorySendResultRepo
}

type memoryState struct {
	mu       sync.RWMutex
	now      func() time.Time
	accounts map[string]domain.Account
	sends    map[string]domain.PendingSend
	keys     map[string]string
	results  map[string]domain.SendResult
	order    []string

	failApply func(resultID string) error
}

func NewMemoryStore() *MemoryStore {
	state := &memoryState{
		now:      time.Now,
		accounts: make(map[string]domain.Account),
		sends:    make(map[string]domain.PendingSend),
		keys:     make(map[string]string),
		results:  make(map[string]domain.SendResult),
	}

	return &MemoryStore{
		Accounts:     &MemoryAccountRepo{state: state},
		PendingSends: &MemoryPendingSendRepo{state: state},
		SendResults:  &MemorySendResultRepo{state: state},
	}
}

// SetClock replaces the clock used for UpdatedAt stamps and stale recovery.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.Accounts.state.mu.Lock()
	defer s.Accounts.state.mu.Unlock()
	s.Accounts.state.now = now
}

var (
	_ AccountRepository     = (*MemoryAccountRepo)(nil)
	_ PendingSendRepository = (*MemoryPendingSendRepo)(nil)
	_ SendResultRepository  = (*MemorySendResultRepo)(nil)
)

type MemoryAccountRepo struct {
	state *memoryState
}

func (r *MemoryAccountRepo) Create(_ context.Context, a *domain.Account) error {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return domain.ErrConflict
	}
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.accounts[a.ID] = *a
	return nil
}

func (r *MemoryAccountRepo) GetByID(_ context.Context, id string) (*domain.Account, error) {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (r *MemoryAccountRepo) List(_ context.Context) ([]domain.Account, error) {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (r *MemoryAccountRepo) Save(_ context.Context, a *domain.Account) error {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.accounts[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != a.Version {
		return domain.ErrConflict
	}

	a.Version++
	a.UpdatedAt = s.now().UTC()
	s.accounts[a.ID] = *a
	return nil
}

type MemoryPendingSendRepo struct {
	state *memoryState
}

func (r *MemoryPendingSendRepo) Enqueue(_ context.Context, p *domain.PendingSend) (bool, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.keys[p.IdempotencyKey]; ok {
		*p = s.sends[id]
		return false, nil
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := s.sends[p.ID]; ok {
		return false, domain.ErrConflict
	}
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.sends[p.ID] = *p
	s.keys[p.IdempotencyKey] = p.ID
	return true, nil
}

func (r *MemoryPendingSendRepo) GetByID(_ context.Context, id string) (*domain.PendingSend, error) {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.sends[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r *MemoryPendingSendRepo) ListPending(_ context.Context) ([]domain.PendingSend, error) {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	sends := make([]domain.PendingSend, 0)
	for _, p := range s.sends {
		if p.Status == domain.SendStatusPending {
			sends = append(sends, p)
		}
	}
	sort.Slice(sends, func(i, j int) bool {
		if sends[i].AccountID != sends[j].AccountID {
			return sends[i].AccountID < sends[j].AccountID
		}
		if !sends[i].EarliestEligible.Equal(sends[j].EarliestEligible) {
			return sends[i].EarliestEligible.Before(sends[j].EarliestEligible)
		}
		return sends[i].IdempotencyKey < sends[j].IdempotencyKey
	})
	return sends, nil
}

func (r *MemoryPendingSendRepo) Claim(_ context.Context, id string) (*domain.PendingSend, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sends[id]
	if !ok || p.Status != domain.SendStatusPending {
		return nil, nil
	}
	p.Status = domain.SendStatusDispatching
	p.UpdatedAt = s.now().UTC()
	s.sends[id] = p
	return &p, nil
}

func (r *MemoryPendingSendRepo) Complete(_ context.Context, id string, status domain.SendStatus, lastError *string) error {
	if !status.IsTerminal() {
		return domain.ErrValidation
	}
	return r.transition(id, domain.SendStatusDispatching, func(p *domain.PendingSend) {
		p.Status = status
		p.LastError = lastError
		p.AttemptCount++
	})
}

func (r *MemoryPendingSendRepo) Requeue(_ context.Context, id string, eligibleAt time.Time, lastError *string) error {
	return r.transition(id, domain.SendStatusDispatching, func(p *domain.PendingSend) {
		p.Status = domain.SendStatusPending
		p.EarliestEligible = eligibleAt
		p.LastError = lastError
		p.AttemptCount++
	})
}

func (r *MemoryPendingSendRepo) Release(_ context.Context, id string) error {
	return r.transition(id, domain.SendStatusDispatching, func(p *domain.PendingSend) {
		p.Status = domain.SendStatusPending
	})
}

func (r *MemoryPendingSendRepo) MarkBounced(_ context.Context, id string, detail string) error {
	return r.transition(id, domain.SendStatusSent, func(p *domain.PendingSend) {
		p.Status = domain.SendStatusBounced
		p.LastError = &detail
	})
}

func (r *MemoryPendingSendRepo) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for id, p := range s.sends {
		if p.Status == domain.SendStatusPending && p.IsExpired(now) {
			p.Status = domain.SendStatusExpired
			p.UpdatedAt = now.UTC()
			s.sends[id] = p
			expired++
		}
	}
	return expired, nil
}

func (r *MemoryPendingSendRepo) RecoverStale(_ context.Context, olderThan time.Time) (int64, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered int64
	for id, p := range s.sends {
		if p.Status != domain.SendStatusDispatching || !p.UpdatedAt.Before(olderThan) {
			continue
		}
		if s.hasResultLocked(id, p.AttemptCount+1) {
			continue
		}
		p.Status = domain.SendStatusPending
		p.UpdatedAt = s.now().UTC()
		s.sends[id] = p
		recovered++
	}
	return recovered, nil
}

func (r *MemoryPendingSendRepo) transition(id string, from domain.SendStatus, apply func(p *domain.PendingSend)) error {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sends[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != from {
		return domain.ErrConflict
	}
	apply(&p)
	p.UpdatedAt = s.now().UTC()
	s.sends[id] = p
	return nil
}

type MemorySendResultRepo struct {
	state *memoryState
}

func (r *MemorySendResultRepo) Append(_ context.Context, res *domain.SendResult) error {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[res.ID]; ok {
		return domain.ErrConflict
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.now().UTC()
	}
	s.results[res.ID] = *res
	s.order = append(s.order, res.ID)
	return nil
}

func (r *MemorySendResultRepo) MarkApplied(_ context.Context, id string, at time.Time) (bool, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[id]
	if !ok || res.AppliedAt != nil {
		return false, nil
	}
	applied := at.UTC()
	res.AppliedAt = &applied
	s.results[id] = res
	return true, nil
}

func (r *MemorySendResultRepo) ApplyToAccount(
	_ context.Context,
	id string,
	at time.Time,
	accountID string,
	fn func(a *domain.Account) error,
) (*domain.Account, bool, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[id]
	if !ok || res.AppliedAt != nil {
		return nil, false, nil
	}
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if err := fn(&account); err != nil {
		return nil, false, err
	}
	if s.failApply != nil {
		if err := s.failApply(id); err != nil {
			return nil, false, err
		}
	}

	account.Version++
	account.UpdatedAt = s.now().UTC()
	s.accounts[accountID] = account

	applied := at.UTC()
	res.AppliedAt = &applied
	s.results[id] = res
	return &account, true, nil
}

// FailApplyWith makes ApplyToAccount fail for matching result ids after fn
// ran, as a crashed or aborted transaction would. Nil clears it.
func (r *MemorySendResultRepo) FailApplyWith(fail func(resultID string) error) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.failApply = fail
}

func (r *MemorySendResultRepo) ListByPendingSend(_ context.Context, pendingSendID string) ([]domain.SendResult, error) {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]domain.SendResult, 0)
	for _, id := range s.order {
		if res := s.results[id]; res.PendingSendID == pendingSendID {
			results = append(results, res)
		}
	}
	return results, nil
}

func (r *MemorySendResultRepo) ListUnapplied(_ context.Context, limit int) ([]domain.SendResult, error) {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	results := make([]domain.SendResult, 0)
	for _, id := range s.order {
		if len(results) == limit {
			break
		}
		if res := s.results[id]; res.AppliedAt == nil {
			results = append(results, res)
		}
	}
	return results, nil
}

// All returns every logged result in append order.
func (r *MemorySendResultRepo) All() []domain.SendResult {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]domain.SendResult, 0, len(s.order))
	for _, id := range s.order {
		results = append(results, s.results[id])
	}
	return results
}

func (s *memoryState) hasResultLocked(pendingSendID string, attempt int) bool {
	for _, res := range s.results {
		if res.PendingSendID == pendingSendID && res.AttemptNumber == attempt {
			return true
		}
	}
	return false
}
