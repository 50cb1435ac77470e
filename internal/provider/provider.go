package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

// Sender is the outbound send primitive. It either hands the message to the
// next hop or returns an error classified by IsTransient.
type Sender interface {
	Send(ctx context.Context, account domain.Account, send domain.PendingSend) (*Receipt, error)
}

// Receipt is the accepted-message metadata kept on the send result.
type Receipt struct {
	MessageID string
	Response  string
}

// MessageID builds the RFC 5322 Message-ID for a pending send. The pending
// send id is the local part so bounces and replies can be correlated.
func MessageID(account domain.Account, send domain.PendingSend) string {
	return fmt.Sprintf("<%s@%s>", send.ID, senderDomain(account.Email))
}

// CorrelationID extracts the pending send id from a Message-ID built by
// MessageID. It returns "" for foreign ids.
func CorrelationID(messageID string) string {
	id := strings.TrimSpace(messageID)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	local, _, ok := strings.Cut(id, "@")
	if !ok || local == "" {
		return ""
	}
	return local
}

func senderDomain(email string) string {
	if _, host, ok := strings.Cut(email, "@"); ok && host != "" {
		return strings.ToLower(host)
	}
	return "localhost"
}

// Router sends through the account's own SMTP server when configured and
// through the shared relay otherwise.
type Router struct {
	smtp  Sender
	relay Sender
}

func NewRouter(smtp Sender, relay Sender) *Router {
	return &Router{smtp: smtp, relay: relay}
}

func (r *Router) Send(ctx context.Context, account domain.Account, send domain.PendingSend) (*Receipt, error) {
	if r.smtp != nil && account.SMTP.IsConfigured() {
		return r.smtp.Send(ctx, account, send)
	}
	if r.relay != nil {
		return r.relay.Send(ctx, account, send)
	}
	return nil, &SendError{
		Message:   fmt.Sprintf("no transport configured for account %s", account.ID),
		Transient: false,
	}
}
