// Package inbox turns mailbox contents into reply and bounce feedback.
package inbox

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/provider"
)

const maxScannedPartBytes = 256 << 10

var (
	messageIDPattern = regexp.MustCompile(`<[^<>\s@]+@[^<>\s]+>`)
	dsnStatusPattern = regexp.MustCompile(`(?im)^\s*Status:\s*([245])\.\d{1,3}\.\d{1,3}`)
	diagnosticLine   = regexp.MustCompile(`(?im)^\s*Diagnostic-Code:\s*(.+)$`)
	bounceSenders    = []string{"mailer-daemon", "postmaster"}
	bounceSubjects   = []string{"undeliverable", "undelivered", "delivery status notification", "returned mail", "delivery failure"}
)

// Message is the part of a fetched mailbox message classification needs.
type Message struct {
	UID       uint32
	MessageID string
	From      string
	Subject   string
	InReplyTo []string
	Date      time.Time
	// Raw is the full RFC 5322 message; only read for delivery reports.
	Raw []byte
}

// Classify maps a message in the account's mailbox to feedback on one of the
// account's own sends. ok is false when the message is unrelated mail, a
// delayed-delivery notice, or cannot be correlated.
func Classify(account domain.Account, msg Message) (feedback domain.Feedback, ok bool) {
	occurredAt := msg.Date.UTC()

	if isDeliveryReport(msg) {
		report := parseDeliveryReport(msg.Raw)
		if report.transient {
			return domain.Feedback{}, false
		}
		for _, id := range report.messageIDs {
			if sendID := correlate(account, id); sendID != "" {
				return domain.Feedback{
					AccountID:     account.ID,
					PendingSendID: sendID,
					Kind:          domain.FeedbackBounce,
					Detail:        report.detail,
					OccurredAt:    occurredAt,
				}, true
			}
		}
		return domain.Feedback{}, false
	}

	for _, id := range msg.InReplyTo {
		if sendID := correlate(account, id); sendID != "" {
			return domain.Feedback{
				AccountID:     account.ID,
				PendingSendID: sendID,
				Kind:          domain.FeedbackReply,
				OccurredAt:    occurredAt,
			}, true
		}
	}
	return domain.Feedback{}, false
}

func isDeliveryReport(msg Message) bool {
	from := strings.ToLower(msg.From)
	for _, sender := range bounceSenders {
		if strings.HasPrefix(from, sender+"@") {
			return true
		}
	}
	subject := strings.ToLower(msg.Subject)
	for _, marker := range bounceSubjects {
		if strings.Contains(subject, marker) {
			return true
		}
	}
	return false
}

// correlate returns the pending send id behind a Message-ID the account sent.
func correlate(account domain.Account, messageID string) string {
	id := strings.TrimSpace(messageID)
	if !strings.HasPrefix(id, "<") {
		id = "<" + id + ">"
	}
	local := provider.CorrelationID(id)
	if _, err := uuid.Parse(local); err != nil {
		return ""
	}

	_, host, _ := strings.Cut(strings.Trim(id, "<>"), "@")
	_, own, _ := strings.Cut(account.Email, "@")
	if !strings.EqualFold(host, own) {
		return ""
	}
	return local
}

type deliveryReport struct {
	messageIDs []string
	transient  bool
	detail     string
}

// parseDeliveryReport scans every MIME part of a DSN for the original
// Message-ID and the delivery status.
func parseDeliveryReport(raw []byte) deliveryReport {
	var report deliveryReport
	if len(raw) == 0 {
		return report
	}

	var texts [][]byte
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		texts = append(texts, raw)
	} else {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if part == nil || (err != nil && !message.IsUnknownCharset(err)) {
				break
			}
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxScannedPartBytes))
			texts = append(texts, body)
		}
		mr.Close()
	}

	seen := make(map[string]struct{})
	for _, text := range texts {
		if report.detail == "" {
			if m := diagnosticLine.FindSubmatch(text); m != nil {
				report.detail = strings.TrimSpace(string(m[1]))
			}
		}
		if m := dsnStatusPattern.FindSubmatch(text); m != nil && string(m[1]) == "4" {
			report.transient = true
		}
		for _, id := range referencedMessageIDs(text) {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				report.messageIDs = append(report.messageIDs, id)
			}
		}
	}

	if report.detail == "" {
		report.detail = "bounce"
	}
	return report
}

// referencedMessageIDs prefers Message-ID header lines and falls back to any
// angle-bracketed id in the text.
func referencedMessageIDs(text []byte) []string {
	var headerIDs []string
	scanner := bufio.NewScanner(bytes.NewReader(text))
	scanner.Buffer(make([]byte, 0, 4096), maxScannedPartBytes)
	for scanner.Scan() {
		line := scanner.Text()
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Message-ID") {
			continue
		}
		if id := messageIDPattern.FindString(value); id != "" {
			headerIDs = append(headerIDs, id)
		}
	}
	if len(headerIDs) > 0 {
		return headerIDs
	}

	matches := messageIDPattern.FindAll(text, -1)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, string(m))
	}
	return ids
}
