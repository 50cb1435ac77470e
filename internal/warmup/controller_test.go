package warmup

import (
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var baseNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, policy Policy) *Controller {
	t.Helper()
	return NewController(policy, zap.NewNop())
}

func testAccount(state domain.WarmupState, stage int) *domain.Account {
	return &domain.Account{
		ID:          "acc-1",
		Email:       "sender@outreach.test",
		WarmupState: state,
		WarmupStage: stage,
		Reputation:  1,
	}
}

func TestControllerStart(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{})
	account := testAccount(domain.WarmupNotStarted, 0)

	if err := c.Start(account, baseNow); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if account.WarmupState != domain.WarmupRampingUp || account.WarmupStage != 1 {
		t.Fatalf("state = %s/%d, want RAMPING_UP/1", account.WarmupState, account.WarmupStage)
	}
	if account.StageStartedAt == nil || !account.StageStartedAt.Equal(baseNow) {
		t.Fatalf("StageStartedAt = %v, want %v", account.StageStartedAt, baseNow)
	}
}

func TestControllerStartRejectsInvalidStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state domain.WarmupState
		stage int
	}{
		{name: "ramping", state: domain.WarmupRampingUp, stage: 3},
		{name: "warmed", state: domain.WarmupWarmed, stage: 14},
		{name: "suspended", state: domain.WarmupSuspended, stage: 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestController(t, Policy{})
			account := testAccount(tt.state, tt.stage)

			err := c.Start(account, baseNow)
			if !errors.Is(err, domain.ErrInvalidStateTransition) {
				t.Fatalf("Start() error = %v, want ErrInvalidStateTransition", err)
			}
			if account.WarmupState != tt.state || account.WarmupStage != tt.stage {
				t.Fatalf("account changed to %s/%d", account.WarmupState, account.WarmupStage)
			}
		})
	}
}

func TestControllerCapForStageGrowsToCeiling(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{InitialCap: 5, Growth: 2, Ceiling: 30, Stages: 6})

	want := []int{5, 10, 20, 30, 30, 30}
	for i, w := range want {
		if got := c.CapForStage(i + 1); got != w {
			t.Fatalf("CapForStage(%d) = %d, want %d", i+1, got, w)
		}
	}

	prev := 0
	for stage := 1; stage <= 20; stage++ {
		got := c.CapForStage(stage)
		if got < prev {
			t.Fatalf("CapForStage(%d) = %d decreased from %d", stage, got, prev)
		}
		prev = got
	}
}

func TestControllerStageCapByState(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{InitialCap: 5, Growth: 2, Ceiling: 30})

	if got := c.StageCap(*testAccount(domain.WarmupNotStarted, 0)); got != 30 {
		t.Fatalf("not started cap = %d, want 30", got)
	}
	if got := c.StageCap(*testAccount(domain.WarmupRampingUp, 2)); got != 10 {
		t.Fatalf("ramping cap = %d, want 10", got)
	}
	if got := c.StageCap(*testAccount(domain.WarmupWarmed, 14)); got != 30 {
		t.Fatalf("warmed cap = %d, want 30", got)
	}
	if got := c.StageCap(*testAccount(domain.WarmupSuspended, 3)); got != 0 {
		t.Fatalf("suspended cap = %d, want 0", got)
	}
}

func TestControllerEvaluateAdvancesHealthyStage(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{Stages: 3, MinStageSends: 2, MaxBounceRate: 0.2})
	account := testAccount(domain.WarmupNotStarted, 0)
	if err := c.Start(account, baseNow); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	account.StageSent = 5

	if changed := c.Evaluate(account, baseNow.Add(23*time.Hour)); changed {
		t.Fatal("stage should not advance before its duration elapsed")
	}

	next := baseNow.Add(24 * time.Hour)
	if changed := c.Evaluate(account, next); !changed {
		t.Fatal("expected stage to advance")
	}
	if account.WarmupStage != 2 {
		t.Fatalf("stage = %d, want 2", account.WarmupStage)
	}
	if account.StageSent != 0 || !account.StageStartedAt.Equal(next) {
		t.Fatal("stage health window should be reset on advance")
	}
}

func TestControllerEvaluateStallsUnhealthyStage(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	c := NewController(Policy{MinStageSends: 1, MaxBounceRate: 0.1}, zap.New(core))
	account := testAccount(domain.WarmupNotStarted, 0)
	if err := c.Start(account, baseNow); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	account.StageSent = 10
	account.StageBounced = 3

	for day := 1; day <= 3; day++ {
		if changed := c.Evaluate(account, baseNow.Add(time.Duration(day)*24*time.Hour)); changed {
			t.Fatalf("day %d: unhealthy stage should stall", day)
		}
		if account.WarmupStage != 1 {
			t.Fatalf("day %d: stage = %d, want 1", day, account.WarmupStage)
		}
	}

	if got := recorded.FilterMessage("warmup stage stalled").Len(); got != 3 {
		t.Fatalf("stall log entries = %d, want 3", got)
	}
}

func TestControllerEvaluateStallsWithoutSends(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{MinStageSends: 1})
	account := testAccount(domain.WarmupNotStarted, 0)
	if err := c.Start(account, baseNow); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if c.Evaluate(account, baseNow.Add(48*time.Hour)) {
		t.Fatal("stage without sends should stall")
	}
}

func TestControllerEvaluateReachesWarmed(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{Stages: 2, MinStageSends: 0})
	account := testAccount(domain.WarmupNotStarted, 0)
	if err := c.Start(account, baseNow); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	now := baseNow
	for i := 0; i < 5; i++ {
		now = now.Add(24 * time.Hour)
		c.Evaluate(account, now)
	}

	if account.WarmupState != domain.WarmupWarmed {
		t.Fatalf("state = %s, want WARMED", account.WarmupState)
	}
	if account.WarmupStage != 2 {
		t.Fatalf("stage = %d, want 2", account.WarmupStage)
	}
}

func TestControllerStageNeverRegresses(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{Stages: 5, MinStageSends: 1, MaxBounceRate: 0.3, SuspensionFloor: 0.2})
	account := testAccount(domain.WarmupNotStarted, 0)
	if err := c.Start(account, baseNow); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	now := baseNow
	prev := account.WarmupStage
	for day := 0; day < 12; day++ {
		now = now.Add(24 * time.Hour)
		account.StageSent = 10
		account.StageBounced = day % 3
		if day == 7 {
			account.Reputation = 0.1
		}
		c.Evaluate(account, now)
		if account.WarmupState == domain.WarmupSuspended {
			if err := c.Reinstate(account, now); err != nil {
				t.Fatalf("Reinstate() error = %v", err)
			}
		}
		if account.WarmupStage < prev {
			t.Fatalf("day %d: stage regressed from %d to %d", day, prev, account.WarmupStage)
		}
		prev = account.WarmupStage
	}
}

func TestControllerGuardSuspendsFromAnyState(t *testing.T) {
	t.Parallel()

	for _, state := range []domain.WarmupState{domain.WarmupNotStarted, domain.WarmupRampingUp, domain.WarmupWarmed} {
		c := newTestController(t, Policy{SuspensionFloor: 0.3})
		account := testAccount(state, 2)
		account.Reputation = 0.25

		if !c.Guard(account) {
			t.Fatalf("%s: expected suspension", state)
		}
		if account.WarmupState != domain.WarmupSuspended {
			t.Fatalf("%s: state = %s, want SUSPENDED", state, account.WarmupState)
		}
		if account.WarmupStage != 2 {
			t.Fatalf("%s: stage changed to %d", state, account.WarmupStage)
		}
	}
}

func TestControllerGuardDisabledFloor(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{})
	account := testAccount(domain.WarmupWarmed, 14)
	account.Reputation = 0

	if c.Guard(account) {
		t.Fatal("zero floor must not suspend")
	}
}

func TestControllerSuspendedIsTerminalUntilReinstated(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{Stages: 5, MinStageSends: 0, ReinstateReputation: 0.6})
	account := testAccount(domain.WarmupSuspended, 3)
	account.Reputation = 0.1

	if c.Evaluate(account, baseNow.Add(72*time.Hour)) {
		t.Fatal("suspended account should not change on evaluate")
	}

	if err := c.Reinstate(account, baseNow); err != nil {
		t.Fatalf("Reinstate() error = %v", err)
	}
	if account.WarmupState != domain.WarmupRampingUp || account.WarmupStage != 3 {
		t.Fatalf("state = %s/%d, want RAMPING_UP/3", account.WarmupState, account.WarmupStage)
	}
	if account.Reputation != 0.6 {
		t.Fatalf("reputation = %v, want 0.6", account.Reputation)
	}

	if err := c.Reinstate(account, baseNow); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("second Reinstate() error = %v, want ErrInvalidStateTransition", err)
	}
}

func TestControllerDailyWarmupVolume(t *testing.T) {
	t.Parallel()

	c := newTestController(t, Policy{InitialCap: 4, Growth: 2, Ceiling: 40, MaintenanceSends: 2})

	if got := c.DailyWarmupVolume(*testAccount(domain.WarmupRampingUp, 2)); got != 8 {
		t.Fatalf("ramping volume = %d, want 8", got)
	}
	if got := c.DailyWarmupVolume(*testAccount(domain.WarmupWarmed, 14)); got != 2 {
		t.Fatalf("warmed volume = %d, want 2", got)
	}
	if got := c.DailyWarmupVolume(*testAccount(domain.WarmupNotStarted, 0)); got != 0 {
		t.Fatalf("not started volume = %d, want 0", got)
	}
}
