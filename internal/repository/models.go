package repository

import (
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

// MailServerModel is embedded into AccountModel once per protocol.
type MailServerModel struct {
	Host     string `gorm:"type:varchar(255)"`
	Port     int    `gorm:"not null;default:0"`
	Username string `gorm:"type:varchar(255)"`
	Password string `gorm:"type:varchar(255)"`
	UseTLS   bool   `gorm:"not null;default:true"`
}

// AccountModel is the persistence model for the accounts table.
type AccountModel struct {
	ID       string          `gorm:"type:varchar(64);primaryKey"`
	Email    string          `gorm:"type:varchar(255);not null;uniqueIndex"`
	Timezone string          `gorm:"type:varchar(64);not null;default:'UTC'"`
	SMTP     MailServerModel `gorm:"embedded;embeddedPrefix:smtp_"`
	IMAP     MailServerModel `gorm:"embedded;embeddedPrefix:imap_"`

	WarmupState    domain.WarmupState `gorm:"type:varchar(20);not null"`
	WarmupStage    int                `gorm:"not null;default:0"`
	StageStartedAt *time.Time         `gorm:"type:timestamptz"`
	StageSent      int                `gorm:"not null;default:0"`
	StageBounced   int                `gorm:"not null;default:0"`
	StageReplied   int                `gorm:"not null;default:0"`

	Reputation float64 `gorm:"not null;default:1"`
	BaseCap    int     `gorm:"not null;default:0"`

	LastSentAt   *time.Time `gorm:"type:timestamptz"`
	SentToday    int        `gorm:"not null;default:0"`
	SentTodayDay string     `gorm:"type:varchar(10)"`

	InboxSyncedAt *time.Time `gorm:"type:timestamptz"`
	Version       int64      `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (AccountModel) TableName() string {
	return "accounts"
}

// PendingSendModel is the persistence model for pending_sends.
type PendingSendModel struct {
	ID               string            `gorm:"type:uuid;primaryKey"`
	IdempotencyKey   string            `gorm:"type:varchar(255);not null"`
	Source           domain.Source     `gorm:"type:varchar(10);not null"`
	AccountID        string            `gorm:"type:varchar(64);not null"`
	CampaignID       *string           `gorm:"type:varchar(64)"`
	Recipient        string            `gorm:"type:varchar(255);not null"`
	Subject          string            `gorm:"type:varchar(998);not null"`
	Body             string            `gorm:"type:text;not null"`
	EarliestEligible time.Time         `gorm:"type:timestamptz;not null"`
	ExpiresAt        *time.Time        `gorm:"type:timestamptz"`
	AttemptCount     int               `gorm:"not null;default:0"`
	Status           domain.SendStatus `gorm:"type:varchar(20);not null"`
	LastError        *string           `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (PendingSendModel) TableName() string {
	return "pending_sends"
}

// SendResultModel is the persistence model for the append-only send_results log.
type SendResultModel struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	PendingSendID     string         `gorm:"type:uuid;not null"`
	AccountID         string         `gorm:"type:varchar(64);not null"`
	Source            domain.Source  `gorm:"type:varchar(10);not null"`
	Outcome           domain.Outcome `gorm:"type:varchar(10);not null"`
	AttemptNumber     int            `gorm:"not null"`
	Error             *string        `gorm:"type:text"`
	ProviderMessageID *string        `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
	AppliedAt         *time.Time `gorm:"type:timestamptz"`
}

func (SendResultModel) TableName() string {
	return "send_results"
}

func mailServerModelFromDomain(s domain.MailServer) MailServerModel {
	return MailServerModel{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		UseTLS:   s.UseTLS,
	}
}

func (m MailServerModel) toDomain() domain.MailServer {
	return domain.MailServer{
		Host:     m.Host,
		Port:     m.Port,
		Username: m.Username,
		Password: m.Password,
		UseTLS:   m.UseTLS,
	}
}

func accountModelFromDomain(a *domain.Account) *AccountModel {
	if a == nil {
		return nil
	}

	return &AccountModel{
		ID:             a.ID,
		Email:          a.Email,
		Timezone:       a.Timezone,
		SMTP:           mailServerModelFromDomain(a.SMTP),
		IMAP:           mailServerModelFromDomain(a.IMAP),
		WarmupState:    a.WarmupState,
		WarmupStage:    a.WarmupStage,
		StageStartedAt: a.StageStartedAt,
		StageSent:      a.StageSent,
		StageBounced:   a.StageBounced,
		StageReplied:   a.StageReplied,
		Reputation:     a.Reputation,
		BaseCap:        a.BaseCap,
		LastSentAt:     a.LastSentAt,
		SentToday:      a.SentToday,
		SentTodayDay:   a.SentTodayDay,
		InboxSyncedAt:  a.InboxSyncedAt,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func accountModelToDomain(m *AccountModel) *domain.Account {
	if m == nil {
		return nil
	}

	return &domain.Account{
		ID:             m.ID,
		Email:          m.Email,
		Timezone:       m.Timezone,
		SMTP:           m.SMTP.toDomain(),
		IMAP:           m.IMAP.toDomain(),
		WarmupState:    m.WarmupState,
		WarmupStage:    m.WarmupStage,
		StageStartedAt: m.StageStartedAt,
		StageSent:      m.StageSent,
		StageBounced:   m.StageBounced,
		StageReplied:   m.StageReplied,
		Reputation:     m.Reputation,
		BaseCap:        m.BaseCap,
		LastSentAt:     m.LastSentAt,
		SentToday:      m.SentToday,
		SentTodayDay:   m.SentTodayDay,
		InboxSyncedAt:  m.InboxSyncedAt,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func pendingSendModelFromDomain(p *domain.PendingSend) *PendingSendModel {
	if p == nil {
		return nil
	}

	return &PendingSendModel{
		ID:               p.ID,
		IdempotencyKey:   p.IdempotencyKey,
		Source:           p.Source,
		AccountID:        p.AccountID,
		CampaignID:       p.CampaignID,
		Recipient:        p.Recipient,
		Subject:          p.Subject,
		Body:             p.Body,
		EarliestEligible: p.EarliestEligible,
		ExpiresAt:        p.ExpiresAt,
		AttemptCount:     p.AttemptCount,
		Status:           p.Status,
		LastError:        p.LastError,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func pendingSendModelToDomain(m *PendingSendModel) *domain.PendingSend {
	if m == nil {
		return nil
	}

	return &domain.PendingSend{
		ID:               m.ID,
		IdempotencyKey:   m.IdempotencyKey,
		Source:           m.Source,
		AccountID:        m.AccountID,
		CampaignID:       m.CampaignID,
		Recipient:        m.Recipient,
		Subject:          m.Subject,
		Body:             m.Body,
		EarliestEligible: m.EarliestEligible,
		ExpiresAt:        m.ExpiresAt,
		AttemptCount:     m.AttemptCount,
		Status:           m.Status,
		LastError:        m.LastError,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func sendResultModelFromDomain(r *domain.SendResult) *SendResultModel {
	if r == nil {
		return nil
	}

	return &SendResultModel{
		ID:                r.ID,
		PendingSendID:     r.PendingSendID,
		AccountID:         r.AccountID,
		Source:            r.Source,
		Outcome:           r.Outcome,
		AttemptNumber:     r.AttemptNumber,
		Error:             r.Error,
		ProviderMessageID: r.ProviderMessageID,
		CreatedAt:         r.CreatedAt,
		AppliedAt:         r.AppliedAt,
	}
}

func sendResultModelToDomain(m *SendResultModel) *domain.SendResult {
	if m == nil {
		return nil
	}

	return &domain.SendResult{
		ID:                m.ID,
		PendingSendID:     m.PendingSendID,
		AccountID:         m.AccountID,
		Source:            m.Source,
		Outcome:           m.Outcome,
		AttemptNumber:     m.AttemptNumber,
		Error:             m.Error,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
		AppliedAt:         m.AppliedAt,
	}
}
