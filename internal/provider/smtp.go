package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/wneessen/go-mail"
)

const (
	defaultSMTPTimeout = 30 * time.Second
	smtpsPort          = 465
	sourceHeader       = mail.Header("X-Outreach-Source")
)

// SMTPSender delivers through each account's own SMTP server using the
// account's credentials.
type SMTPSender struct {
	timeout time.Duration
	// deliver is replaced in tests.
	deliver func(ctx context.Context, server domain.MailServer, timeout time.Duration, msg *mail.Msg) error
}

func NewSMTPSender(timeout time.Duration) *SMTPSender {
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	return &SMTPSender{timeout: timeout, deliver: dialAndSend}
}

func (s *SMTPSender) Send(ctx context.Context, account domain.Account, send domain.PendingSend) (*Receipt, error) {
	if !account.SMTP.IsConfigured() {
		return nil, &SendError{Message: fmt.Sprintf("smtp not configured for account %s", account.ID)}
	}

	msg, err := buildMessage(account, send)
	if err != nil {
		return nil, &SendError{Message: "failed to build message", Cause: err}
	}

	if err := s.deliver(ctx, account.SMTP, s.timeout, msg); err != nil {
		return nil, classifySMTPError(err)
	}

	return &Receipt{MessageID: MessageID(account, send)}, nil
}

func buildMessage(account domain.Account, send domain.PendingSend) (*mail.Msg, error) {
	if err := send.Validate(); err != nil {
		return nil, err
	}

	m := mail.NewMsg()
	if err := m.From(account.Email); err != nil {
		return nil, fmt.Errorf("failed to set from: %w", err)
	}
	if err := m.To(send.Recipient); err != nil {
		return nil, fmt.Errorf("failed to set to: %w", err)
	}

	m.Subject(send.Subject)
	m.SetMessageIDWithValue(strings.Trim(MessageID(account, send), "<>"))
	m.SetDate()
	m.SetGenHeader(sourceHeader, strings.ToLower(send.Source.String()))
	m.SetBodyString(mail.TypeTextPlain, send.Body)

	return m, nil
}

func dialAndSend(ctx context.Context, server domain.MailServer, timeout time.Duration, msg *mail.Msg) error {
	tlsPolicy := mail.TLSOpportunistic
	if server.UseTLS {
		tlsPolicy = mail.TLSMandatory
	}

	opts := []mail.Option{
		mail.WithPort(server.Port),
		mail.WithTLSPolicy(tlsPolicy),
		mail.WithTimeout(timeout),
	}
	if server.Port == smtpsPort {
		opts = append(opts, mail.WithSSL())
	}
	if server.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(server.Username),
			mail.WithPassword(server.Password),
		)
	}

	client, err := mail.NewClient(server.Host, opts...)
	if err != nil {
		return &SendError{Message: "failed to create smtp client", Cause: err}
	}

	return client.DialAndSendWithContext(ctx, msg)
}

// classifySMTPError maps go-mail failures to SendError. 4xx replies and
// connection failures defer; everything else rejects. A failure with no reply
// code lost the connection mid-transaction and defers too, unless the message
// itself could not be addressed.
func classifySMTPError(err error) error {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}

	var mailErr *mail.SendError
	if errors.As(err, &mailErr) {
		noReply := mailErr.ErrorCode() == 0 && !isMessageFault(mailErr.Reason)
		return &SendError{
			Code:      mailErr.ErrorCode(),
			Message:   "smtp delivery failed",
			Transient: mailErr.IsTemp() || noReply,
			Cause:     err,
		}
	}

	// Unreachable servers are retried; auth and protocol failures are not.
	var opErr *net.OpError
	transient := errors.As(err, &opErr) || IsTransient(err)

	return &SendError{
		Message:   "smtp delivery failed",
		Transient: transient,
		Cause:     err,
	}
}

func isMessageFault(reason mail.SendErrReason) bool {
	switch reason {
	case mail.ErrGetSender, mail.ErrGetRcpts, mail.ErrNoUnencoded:
		return true
	default:
		return false
	}
}
