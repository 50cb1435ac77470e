package cadence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
)

type fixedVolume map[string]int

func (f fixedVolume) DailyWarmupVolume(account domain.Account) int { return f[account.ID] }

type fakeLister struct {
	listFn func(ctx context.Context) ([]domain.Account, error)
}

func (f fakeLister) List(ctx context.Context) ([]domain.Account, error) { return f.listFn(ctx) }

func seedAccounts(t *testing.T, store *repository.MemoryStore, accounts ...domain.Account) {
	t.Helper()
	for i := range accounts {
		if err := store.Accounts.Create(context.Background(), &accounts[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
}

func TestGenerateEnqueuesDailyVolume(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	seedAccounts(t, store,
		domain.Account{ID: "acc-1", Email: "a@outreach.test", WarmupState: domain.WarmupRampingUp, WarmupStage: 1},
		domain.Account{ID: "acc-2", Email: "b@outreach.test", WarmupState: domain.WarmupNotStarted},
	)

	generator, err := NewGenerator(store.Accounts, store.PendingSends, fixedVolume{"acc-1": 3}, []string{"seed1@pool.test", "seed2@pool.test"}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	report, err := generator.Generate(context.Background(), now)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if report.Accounts != 1 || report.Created != 3 || report.Existing != 0 {
		t.Fatalf("report = %+v", report)
	}

	pending, err := store.PendingSends.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending sends = %d, want 3", len(pending))
	}
	for _, p := range pending {
		if p.Source != domain.SourceWarmup || p.AccountID != "acc-1" {
			t.Fatalf("pending send = %+v", p)
		}
		if !strings.HasPrefix(p.IdempotencyKey, "warmup:acc-1:2026-03-02:") {
			t.Fatalf("idempotency key = %q", p.IdempotencyKey)
		}
		if !strings.HasSuffix(p.Recipient, "@pool.test") {
			t.Fatalf("recipient = %q, want a pool address", p.Recipient)
		}
		if p.ExpiresAt == nil || !p.ExpiresAt.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("expires at = %v, want next local midnight", p.ExpiresAt)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("generated send is invalid: %v", err)
		}
	}
}

func TestGenerateIsIdempotentWithinDay(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	seedAccounts(t, store, domain.Account{ID: "acc-1", Email: "a@outreach.test", WarmupState: domain.WarmupRampingUp, WarmupStage: 2})

	volume := fixedVolume{"acc-1": 2}
	generator, err := NewGenerator(store.Accounts, store.PendingSends, volume, []string{"seed@pool.test"}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if _, err := generator.Generate(context.Background(), now); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	volume["acc-1"] = 4
	report, err := generator.Generate(context.Background(), now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if report.Created != 2 || report.Existing != 2 {
		t.Fatalf("report = %+v, want 2 created and 2 existing", report)
	}

	tomorrow, err := generator.Generate(context.Background(), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if tomorrow.Created != 4 {
		t.Fatalf("next day created = %d, want 4", tomorrow.Created)
	}
}

func TestGenerateUsesAccountLocalDay(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	seedAccounts(t, store, domain.Account{ID: "acc-ny", Email: "ny@outreach.test", Timezone: "America/New_York", WarmupState: domain.WarmupWarmed})

	generator, err := NewGenerator(store.Accounts, store.PendingSends, fixedVolume{"acc-ny": 1}, []string{"seed@pool.test"}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}

	// 02:00 UTC on March 3 is still March 2 in New York.
	now := time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)
	if _, err := generator.Generate(context.Background(), now); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	pending, _ := store.PendingSends.ListPending(context.Background())
	if len(pending) != 1 || pending[0].IdempotencyKey != IdempotencyKey("acc-ny", "2026-03-02", 0) {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestGenerateNeverSendsToOwnMailbox(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	seedAccounts(t, store, domain.Account{ID: "acc-1", Email: "Seed1@pool.test", WarmupState: domain.WarmupWarmed})

	generator, err := NewGenerator(store.Accounts, store.PendingSends, fixedVolume{"acc-1": 6}, []string{"seed1@pool.test", "seed2@pool.test"}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	if _, err := generator.Generate(context.Background(), time.Now()); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	pending, _ := store.PendingSends.ListPending(context.Background())
	for _, p := range pending {
		if p.Recipient == "seed1@pool.test" {
			t.Fatalf("warmup send addressed to the sending account: %+v", p)
		}
	}

	solo, _ := NewGenerator(store.Accounts, store.PendingSends, fixedVolume{"acc-1": 2}, []string{"seed1@pool.test"}, nil)
	report, err := solo.Generate(context.Background(), time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if report.Created != 0 {
		t.Fatalf("created = %d, want 0 when only the own mailbox is in the pool", report.Created)
	}
}

func TestGenerateEmptyPoolIsNoop(t *testing.T) {
	t.Parallel()

	lister := fakeLister{listFn: func(context.Context) ([]domain.Account, error) {
		t.Fatal("List should not be called with an empty pool")
		return nil, nil
	}}
	generator, err := NewGenerator(lister, repository.NewMemoryStore().PendingSends, fixedVolume{}, []string{" ", "not-an-address"}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	if _, err := generator.Generate(context.Background(), time.Now()); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
}

func TestGenerateListError(t *testing.T) {
	t.Parallel()

	lister := fakeLister{listFn: func(context.Context) ([]domain.Account, error) {
		return nil, errors.New("db down")
	}}
	generator, _ := NewGenerator(lister, repository.NewMemoryStore().PendingSends, fixedVolume{}, []string{"seed@pool.test"}, nil)
	if _, err := generator.Generate(context.Background(), time.Now()); err == nil {
		t.Fatal("Generate() expected error")
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	if _, err := NewGenerator(nil, store.PendingSends, fixedVolume{}, nil, nil); err == nil {
		t.Fatal("expected error for nil lister")
	}
	if _, err := NewGenerator(store.Accounts, store.PendingSends, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil volume policy")
	}
}
