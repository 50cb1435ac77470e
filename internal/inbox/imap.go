package inbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

const (
	defaultMailbox  = "INBOX"
	defaultMaxFetch = 200
)

// Source reads the messages an account received after since.
type Source interface {
	Fetch(ctx context.Context, account domain.Account, since time.Time) ([]Message, error)
}

// IMAPSource reads an account's mailbox with its own IMAP credentials.
type IMAPSource struct {
	mailbox  string
	maxFetch int
}

func NewIMAPSource(mailbox string, maxFetch int) *IMAPSource {
	if strings.TrimSpace(mailbox) == "" {
		mailbox = defaultMailbox
	}
	if maxFetch <= 0 {
		maxFetch = defaultMaxFetch
	}
	return &IMAPSource{mailbox: mailbox, maxFetch: maxFetch}
}

func (s *IMAPSource) Fetch(ctx context.Context, account domain.Account, since time.Time) ([]Message, error) {
	if !account.IMAP.IsConfigured() {
		return nil, fmt.Errorf("%w: account %s has no IMAP settings", domain.ErrValidation, account.ID)
	}

	client, err := dialIMAP(account.IMAP)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP: %w", err)
	}
	defer client.Close()

	// The client has no context support; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(account.IMAP.Username, account.IMAP.Password).Wait(); err != nil {
		return nil, fmt.Errorf("IMAP login failed: %w", err)
	}

	if _, err := client.Select(s.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		// SINCE has day granularity; exact filtering happens below.
		criteria.Since = since.UTC().Truncate(24 * time.Hour)
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return []Message{}, nil
	}
	if len(uids) > s.maxFetch {
		uids = uids[len(uids)-s.maxFetch:]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	buffers, err := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	messages := make([]Message, 0, len(buffers))
	for _, buf := range buffers {
		msg := messageFromBuffer(buf, bodySection)
		if !since.IsZero() && !msg.Date.After(since) {
			continue
		}
		messages = append(messages, msg)
	}

	_ = client.Logout().Wait()
	return messages, nil
}

func dialIMAP(server domain.MailServer) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", server.Host, server.Port)
	if server.UseTLS {
		return imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: server.Host},
		})
	}
	return imapclient.DialInsecure(addr, nil)
}

func messageFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) Message {
	msg := Message{
		UID:  uint32(buf.UID),
		Date: buf.InternalDate,
		Raw:  buf.FindBodySection(section),
	}

	if env := buf.Envelope; env != nil {
		msg.MessageID = env.MessageID
		msg.Subject = env.Subject
		msg.InReplyTo = env.InReplyTo
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
		if !env.Date.IsZero() && msg.Date.IsZero() {
			msg.Date = env.Date
		}
	}
	return msg
}
