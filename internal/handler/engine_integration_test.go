package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"github.com/kursadbilgin/outreach-engine/internal/queue"
	"github.com/kursadbilgin/outreach-engine/internal/service"
	"github.com/kursadbilgin/outreach-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var handlerNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func TestEngineIntegration_CreateAccount(t *testing.T) {
	t.Parallel()

	var got *domain.Account
	svc := &stubEngineService{
		createAccountFn: func(ctx context.Context, account *domain.Account) (*domain.Account, error) {
			got = account
			created := *account
			created.WarmupState = domain.WarmupNotStarted
			created.Reputation = domain.InitialReputation
			return &created, nil
		},
	}
	app := newEngineTestApp(t, svc, nil)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/accounts", `{
		"id": "acct-1",
		"email": "Sender@Example.com",
		"timezone": "Europe/Istanbul",
		"baseCap": 30,
		"smtp": {"host": "smtp.example.com", "port": 587, "username": "u", "password": "p"},
		"imap": {"host": "imap.example.com", "port": 993, "useTls": true}
	}`)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
	}
	if got == nil {
		t.Fatal("CreateAccount() was not called")
	}
	if got.ID != "acct-1" || got.BaseCap != 30 || got.Timezone != "Europe/Istanbul" {
		t.Fatalf("account = %+v, want id/baseCap/timezone from request", got)
	}
	if got.SMTP.Port != 587 || !got.IMAP.UseTLS {
		t.Fatalf("mail servers = %+v / %+v", got.SMTP, got.IMAP)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if parsed["state"] != domain.WarmupNotStarted.String() {
		t.Fatalf("state = %v, want %s", parsed["state"], domain.WarmupNotStarted)
	}
	if _, ok := parsed["password"]; ok {
		t.Fatal("response must not expose credentials")
	}
}

func TestEngineIntegration_CreateAccountErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "malformed body", body: `{"email":`, wantStatus: fiber.StatusBadRequest},
		{name: "validation", body: `{"email":"nope"}`, err: domain.ErrValidation, wantStatus: fiber.StatusBadRequest},
		{name: "duplicate", body: `{"email":"a@example.com"}`, err: domain.ErrConflict, wantStatus: fiber.StatusConflict},
		{name: "storage failure", body: `{"email":"a@example.com"}`, err: errors.New("db down"), wantStatus: fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &stubEngineService{
				createAccountFn: func(ctx context.Context, account *domain.Account) (*domain.Account, error) {
					return nil, tt.err
				},
			}
			app := newEngineTestApp(t, svc, nil)

			resp, body := performRequest(t, app, http.MethodPost, "/v1/accounts", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(body))
			}
			if tt.wantStatus == fiber.StatusInternalServerError && strings.Contains(string(body), "db down") {
				t.Fatalf("internal error leaked: %s", string(body))
			}
		})
	}
}

func TestEngineIntegration_AccountState(t *testing.T) {
	t.Parallel()

	svc := &stubEngineService{
		getAccountStateFn: func(ctx context.Context, accountID string) (*service.AccountState, error) {
			if accountID != "acct-1" {
				return nil, domain.ErrNotFound
			}
			return &service.AccountState{
				AccountID:  "acct-1",
				State:      domain.WarmupRampingUp,
				Stage:      3,
				Reputation: 0.9,
				DailyCap:   8,
				SentToday:  2,
			}, nil
		},
	}
	app := newEngineTestApp(t, svc, nil)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/accounts/acct-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var state service.AccountState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if state.Stage != 3 || state.DailyCap != 8 || state.State != domain.WarmupRampingUp {
		t.Fatalf("state = %+v", state)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/accounts/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", resp.StatusCode, string(body))
	}
}

func TestEngineIntegration_ListAccountsEmpty(t *testing.T) {
	t.Parallel()

	app := newEngineTestApp(t, &stubEngineService{}, nil)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/accounts", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `"data":[]`) {
		t.Fatalf("body = %s, want empty data array", string(body))
	}
}

func TestEngineIntegration_WarmupTransitions(t *testing.T) {
	t.Parallel()

	svc := &stubEngineService{
		startWarmupFn: func(ctx context.Context, accountID string) (*service.AccountState, error) {
			return &service.AccountState{AccountID: accountID, State: domain.WarmupRampingUp, Stage: 1}, nil
		},
		reinstateFn: func(ctx context.Context, accountID string) (*service.AccountState, error) {
			return nil, domain.ErrInvalidStateTransition
		},
	}
	app := newEngineTestApp(t, svc, nil)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/accounts/acct-1/warmup/start", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("start status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `"state":"RAMPING_UP"`) {
		t.Fatalf("start body = %s", string(body))
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/accounts/acct-1/reinstate", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("reinstate status = %d, want 409, body=%s", resp.StatusCode, string(body))
	}
}

func TestEngineIntegration_EnqueuePendingSend(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]bool{}
	svc := &stubEngineService{
		enqueueFn: func(ctx context.Context, send domain.PendingSend) (*domain.PendingSend, bool, error) {
			mu.Lock()
			defer mu.Unlock()

			created := !seen[send.IdempotencyKey]
			seen[send.IdempotencyKey] = true
			send.ID = "ps-1"
			send.Status = domain.SendStatusPending
			return &send, created, nil
		},
	}
	app := newEngineTestApp(t, svc, nil)

	payload := `{"idempotencyKey":"camp-1:lead-9","accountId":"acct-1","recipient":"lead@example.org","subject":"hi","body":"hello"}`

	resp, body := performRequest(t, app, http.MethodPost, "/v1/pending-sends", payload)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
	}
	var parsed pendingSendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if parsed.Source != domain.SourceCampaign.String() {
		t.Fatalf("source = %q, want CAMPAIGN default", parsed.Source)
	}
	if !parsed.EarliestEligible.Equal(handlerNow) {
		t.Fatalf("earliestEligible = %v, want %v", parsed.EarliestEligible, handlerNow)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/pending-sends", payload)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("repeat status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/pending-sends", `{"accountId":"acct-1"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("missing key status = %d, want 400, body=%s", resp.StatusCode, string(body))
	}
}

func TestEngineIntegration_FeedbackPublished(t *testing.T) {
	t.Parallel()

	publisher := &stubFeedbackPublisher{}
	handledInline := false
	svc := &stubEngineService{
		handleFeedbackFn: func(ctx context.Context, msg queue.FeedbackMessage) error {
			handledInline = true
			return nil
		},
	}
	app := newEngineTestApp(t, svc, publisher)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/feedback", `{"pendingSendId":"ps-1","kind":"BOUNCE","detail":"550 no such user"}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}
	if handledInline {
		t.Fatal("HandleFeedback() must not run when a publisher is configured")
	}
	if len(publisher.published) != 1 {
		t.Fatalf("published = %d, want 1", len(publisher.published))
	}
	msg := publisher.published[0]
	if msg.Kind != domain.FeedbackBounce || msg.OccurredAt == nil || !msg.OccurredAt.Equal(handlerNow) {
		t.Fatalf("published message = %+v", msg)
	}
}

func TestEngineIntegration_FeedbackAppliedInline(t *testing.T) {
	t.Parallel()

	var handled []queue.FeedbackMessage
	svc := &stubEngineService{
		handleFeedbackFn: func(ctx context.Context, msg queue.FeedbackMessage) error {
			if msg.MessageID == "<unknown@example.com>" {
				return domain.ErrValidation
			}
			handled = append(handled, msg)
			return nil
		},
	}
	app := newEngineTestApp(t, svc, nil)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/feedback", `{"pendingSendId":"ps-1","kind":"REPLY"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if len(handled) != 1 || handled[0].Kind != domain.FeedbackReply {
		t.Fatalf("handled = %+v", handled)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/feedback", `{"messageId":"<unknown@example.com>","kind":"BOUNCE"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("uncorrelated status = %d, want 400, body=%s", resp.StatusCode, string(body))
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/feedback", `{"pendingSendId":"ps-1","kind":"OPENED"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("invalid kind status = %d, want 400, body=%s", resp.StatusCode, string(body))
	}
}

func TestEngineIntegration_RunCycle(t *testing.T) {
	t.Parallel()

	t.Run("returns the cycle report", func(t *testing.T) {
		t.Parallel()

		svc := &stubEngineService{
			runCycleFn: func(ctx context.Context, now time.Time) (service.CycleReport, error) {
				return service.CycleReport{CycleID: "cycle-1", StartedAt: now, Planned: 4, Sent: 3, Deferred: 1}, nil
			},
		}
		app := newEngineTestApp(t, svc, nil)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/cycles/run", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		var report service.CycleReport
		if err := json.Unmarshal(body, &report); err != nil {
			t.Fatalf("json.Unmarshal() error = %v", err)
		}
		if report.Planned != 4 || report.Sent != 3 || !report.StartedAt.Equal(handlerNow) {
			t.Fatalf("report = %+v", report)
		}
	})

	t.Run("overlapping cycle is a conflict", func(t *testing.T) {
		t.Parallel()

		svc := &stubEngineService{
			runCycleFn: func(ctx context.Context, now time.Time) (service.CycleReport, error) {
				return service.CycleReport{}, domain.ErrCycleInProgress
			},
		}
		app := newEngineTestApp(t, svc, nil)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/cycles/run", "")
		if resp.StatusCode != fiber.StatusConflict {
			t.Fatalf("status = %d, want 409, body=%s", resp.StatusCode, string(body))
		}
	})
}

func TestRegisterEngineRoutesRequiresService(t *testing.T) {
	t.Parallel()

	if err := RegisterEngineRoutes(fiber.New(), nil, nil); err == nil {
		t.Fatal("RegisterEngineRoutes() error = nil, want error")
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sql.OpenDB(stubConnector{}), newStubRedisClient(nil))

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when redis is down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"redis":"down"`) || !strings.Contains(string(body), `"postgres":"ok"`) {
			t.Fatalf("body = %s", string(body))
		}
	})
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics()
	metrics.ObserveCycle("completed", time.Second)

	app := fiber.New()
	RegisterMetricsRoute(app, metrics.Handler())

	resp, body := performRequest(t, app, http.MethodGet, "/metrics", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "outreach_engine_scheduling_cycles_total") {
		t.Fatalf("metrics body missing cycle counter: %s", string(body))
	}
}

type stubEngineService struct {
	createAccountFn   func(ctx context.Context, account *domain.Account) (*domain.Account, error)
	getAccountStateFn func(ctx context.Context, accountID string) (*service.AccountState, error)
	listFn            func(ctx context.Context) ([]service.AccountState, error)
	startWarmupFn     func(ctx context.Context, accountID string) (*service.AccountState, error)
	reinstateFn       func(ctx context.Context, accountID string) (*service.AccountState, error)
	enqueueFn         func(ctx context.Context, send domain.PendingSend) (*domain.PendingSend, bool, error)
	handleFeedbackFn  func(ctx context.Context, msg queue.FeedbackMessage) error
	runCycleFn        func(ctx context.Context, now time.Time) (service.CycleReport, error)
}

func (s *stubEngineService) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if s.createAccountFn != nil {
		return s.createAccountFn(ctx, account)
	}
	return nil, errors.New("not implemented")
}

func (s *stubEngineService) GetAccountState(ctx context.Context, accountID string) (*service.AccountState, error) {
	if s.getAccountStateFn != nil {
		return s.getAccountStateFn(ctx, accountID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubEngineService) ListAccountStates(ctx context.Context) ([]service.AccountState, error) {
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	return nil, nil
}

func (s *stubEngineService) StartWarmup(ctx context.Context, accountID string) (*service.AccountState, error) {
	if s.startWarmupFn != nil {
		return s.startWarmupFn(ctx, accountID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubEngineService) Reinstate(ctx context.Context, accountID string) (*service.AccountState, error) {
	if s.reinstateFn != nil {
		return s.reinstateFn(ctx, accountID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubEngineService) EnqueuePendingSend(ctx context.Context, send domain.PendingSend) (*domain.PendingSend, bool, error) {
	if s.enqueueFn != nil {
		return s.enqueueFn(ctx, send)
	}
	return nil, false, errors.New("not implemented")
}

func (s *stubEngineService) HandleFeedback(ctx context.Context, msg queue.FeedbackMessage) error {
	if s.handleFeedbackFn != nil {
		return s.handleFeedbackFn(ctx, msg)
	}
	return nil
}

func (s *stubEngineService) RunSchedulingCycle(ctx context.Context, now time.Time) (service.CycleReport, error) {
	if s.runCycleFn != nil {
		return s.runCycleFn(ctx, now)
	}
	return service.CycleReport{}, nil
}

type stubFeedbackPublisher struct {
	mu        sync.Mutex
	published []queue.FeedbackMessage
}

func (p *stubFeedbackPublisher) PublishFeedback(ctx context.Context, msg queue.FeedbackMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return nil
}

func newEngineTestApp(t *testing.T, svc EngineService, publisher FeedbackPublisher) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	h, err := NewEngineHandler(svc, publisher)
	if err != nil {
		t.Fatalf("NewEngineHandler() error = %v", err)
	}
	h.now = func() time.Time { return handlerNow }
	mountEngineRoutes(app, h)

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") {
			if h.pingErr != nil {
				cmd.SetErr(h.pingErr)
				return h.pingErr
			}
			cmd.SetErr(nil)
			return nil
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
