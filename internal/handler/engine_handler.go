package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/queue"
	"github.com/kursadbilgin/outreach-engine/internal/service"
)

type EngineService interface {
	CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error)
	GetAccountState(ctx context.Context, accountID string) (*service.AccountState, error)
	ListAccountStates(ctx context.Context) ([]service.AccountState, error)
	StartWarmup(ctx context.Context, accountID string) (*service.AccountState, error)
	Reinstate(ctx context.Context, accountID string) (*service.AccountState, error)
	EnqueuePendingSend(ctx context.Context, send domain.PendingSend) (*domain.PendingSend, bool, error)
	HandleFeedback(ctx context.Context, msg queue.FeedbackMessage) error
	RunSchedulingCycle(ctx context.Context, now time.Time) (service.CycleReport, error)
}

// FeedbackPublisher hands feedback to the worker instead of applying it inline.
type FeedbackPublisher interface {
	PublishFeedback(ctx context.Context, msg queue.FeedbackMessage) error
}

type EngineHandler struct {
	engine    EngineService
	publisher FeedbackPublisher
	now       func() time.Time
}

func NewEngineHandler(engine EngineService, publisher FeedbackPublisher) (*EngineHandler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine service is required")
	}
	return &EngineHandler{engine: engine, publisher: publisher, now: time.Now}, nil
}

// RegisterEngineRoutes mounts the admin API. A nil publisher applies feedback
// synchronously.
func RegisterEngineRoutes(router fiber.Router, engine EngineService, publisher FeedbackPublisher) error {
	h, err := NewEngineHandler(engine, publisher)
	if err != nil {
		return err
	}
	mountEngineRoutes(router, h)
	return nil
}

func mountEngineRoutes(router fiber.Router, h *EngineHandler) {
	v1 := router.Group("/v1")
	v1.Post("/accounts", h.CreateAccount)
	v1.Get("/accounts", h.ListAccounts)
	v1.Get("/accounts/:id", h.GetAccount)
	v1.Post("/accounts/:id/warmup/start", h.StartWarmup)
	v1.Post("/accounts/:id/reinstate", h.Reinstate)
	v1.Post("/pending-sends", h.EnqueuePendingSend)
	v1.Post("/feedback", h.SubmitFeedback)
	v1.Post("/cycles/run", h.RunCycle)
}

type mailServerRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseTLS   bool   `json:"useTls"`
}

type createAccountRequest struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Timezone string            `json:"timezone"`
	BaseCap  int               `json:"baseCap"`
	SMTP     mailServerRequest `json:"smtp"`
	IMAP     mailServerRequest `json:"imap"`
}

type accountResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Timezone    string     `json:"timezone"`
	State       string     `json:"state"`
	Stage       int        `json:"stage"`
	Reputation  float64    `json:"reputation"`
	BaseCap     int        `json:"baseCap,omitempty"`
	SMTPHost    string     `json:"smtpHost,omitempty"`
	IMAPHost    string     `json:"imapHost,omitempty"`
	CreatedAt   time.Time  `json:"createdAt,omitempty"`
	InboxSynced *time.Time `json:"inboxSyncedAt,omitempty"`
}

type listAccountsResponse struct {
	Data []service.AccountState `json:"data"`
}

type pendingSendResponse struct {
	ID               string     `json:"id"`
	IdempotencyKey   string     `json:"idempotencyKey"`
	Source           string     `json:"source"`
	AccountID        string     `json:"accountId"`
	CampaignID       *string    `json:"campaignId,omitempty"`
	Recipient        string     `json:"recipient"`
	Status           string     `json:"status"`
	AttemptCount     int        `json:"attemptCount"`
	EarliestEligible time.Time  `json:"earliestEligible"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	Created          bool       `json:"created"`
}

func (h *EngineHandler) CreateAccount(c *fiber.Ctx) error {
	var req createAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	account := &domain.Account{
		ID:       strings.TrimSpace(req.ID),
		Email:    req.Email,
		Timezone: strings.TrimSpace(req.Timezone),
		BaseCap:  req.BaseCap,
		SMTP:     toMailServer(req.SMTP),
		IMAP:     toMailServer(req.IMAP),
	}

	created, err := h.engine.CreateAccount(c.Context(), account)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toAccountResponse(created))
}

func (h *EngineHandler) ListAccounts(c *fiber.Ctx) error {
	states, err := h.engine.ListAccountStates(c.Context())
	if err != nil {
		return toHTTPError(err)
	}
	if states == nil {
		states = []service.AccountState{}
	}

	return c.Status(fiber.StatusOK).JSON(listAccountsResponse{Data: states})
}

func (h *EngineHandler) GetAccount(c *fiber.Ctx) error {
	state, err := h.engine.GetAccountState(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(state)
}

func (h *EngineHandler) StartWarmup(c *fiber.Ctx) error {
	state, err := h.engine.StartWarmup(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(state)
}

func (h *EngineHandler) Reinstate(c *fiber.Ctx) error {
	state, err := h.engine.Reinstate(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(state)
}

// EnqueuePendingSend answers 201 for a new send and 200 when the idempotency
// key was already in the pool.
func (h *EngineHandler) EnqueuePendingSend(c *fiber.Ctx) error {
	var req queue.PendingSendMessage
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return toHTTPError(fmt.Errorf("%w: %s", domain.ErrValidation, err.Error()))
	}

	send, created, err := h.engine.EnqueuePendingSend(c.Context(), req.ToPendingSend(h.now()))
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(toPendingSendResponse(send, created))
}

func (h *EngineHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req queue.FeedbackMessage
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return toHTTPError(fmt.Errorf("%w: %s", domain.ErrValidation, err.Error()))
	}
	if req.OccurredAt == nil {
		occurredAt := h.now().UTC()
		req.OccurredAt = &occurredAt
	}

	if h.publisher != nil {
		if err := h.publisher.PublishFeedback(c.Context(), req); err != nil {
			return fmt.Errorf("failed to publish feedback: %w", err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status": "queued",
			"kind":   req.Kind.String(),
		})
	}

	if err := h.engine.HandleFeedback(c.Context(), req); err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "applied",
		"kind":   req.Kind.String(),
	})
}

func (h *EngineHandler) RunCycle(c *fiber.Ctx) error {
	report, err := h.engine.RunSchedulingCycle(c.Context(), h.now())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

func toMailServer(req mailServerRequest) domain.MailServer {
	return domain.MailServer{
		Host:     strings.TrimSpace(req.Host),
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		UseTLS:   req.UseTLS,
	}
}

func toAccountResponse(a *domain.Account) accountResponse {
	if a == nil {
		return accountResponse{}
	}
	return accountResponse{
		ID:          a.ID,
		Email:       a.Email,
		Timezone:    a.Timezone,
		State:       a.WarmupState.String(),
		Stage:       a.WarmupStage,
		Reputation:  a.Reputation,
		BaseCap:     a.BaseCap,
		SMTPHost:    a.SMTP.Host,
		IMAPHost:    a.IMAP.Host,
		CreatedAt:   a.CreatedAt,
		InboxSynced: a.InboxSyncedAt,
	}
}

func toPendingSendResponse(p *domain.PendingSend, created bool) pendingSendResponse {
	if p == nil {
		return pendingSendResponse{}
	}
	return pendingSendResponse{
		ID:               p.ID,
		IdempotencyKey:   p.IdempotencyKey,
		Source:           p.Source.String(),
		AccountID:        p.AccountID,
		CampaignID:       p.CampaignID,
		Recipient:        p.Recipient,
		Status:           p.Status.String(),
		AttemptCount:     p.AttemptCount,
		EarliestEligible: p.EarliestEligible,
		ExpiresAt:        p.ExpiresAt,
		Created:          created,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidStateTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrCycleInProgress):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
