package inbox

import (
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

const sendID = "5f0c2f5e-8d1a-4c3e-9a57-1d3f0b2a6c11"

var testAccount = domain.Account{ID: "acc-1", Email: "alex@outreach.test"}

func dsn(status, messageID string) []byte {
	raw := `From: MAILER-DAEMON@mx.example.com
To: alex@outreach.test
Subject: Undelivered Mail Returned to Sender
Message-ID: <dsn-1@mx.example.com>
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain; charset=us-ascii

This is the mail system. Your message could not be delivered.

--BOUNDARY
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.com

Final-Recipient: rfc822; lead@example.com
Action: failed
Status: ` + status + `
Diagnostic-Code: smtp; 550 5.1.1 user unknown

--BOUNDARY
Content-Type: text/rfc822-headers

Message-ID: ` + messageID + `
From: alex@outreach.test
To: lead@example.com
Subject: hello

--BOUNDARY--
`
	return []byte(strings.ReplaceAll(raw, "\n", "\r\n"))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	ownID := "<" + sendID + "@outreach.test>"

	tests := []struct {
		name     string
		msg      Message
		wantOK   bool
		wantKind domain.FeedbackKind
	}{
		{
			name:     "reply to own send",
			msg:      Message{From: "lead@example.com", Subject: "Re: hello", InReplyTo: []string{sendID + "@outreach.test"}, Date: at},
			wantOK:   true,
			wantKind: domain.FeedbackReply,
		},
		{
			name:   "reply to foreign message",
			msg:    Message{From: "lead@example.com", InReplyTo: []string{sendID + "@elsewhere.test"}, Date: at},
			wantOK: false,
		},
		{
			name:   "reply to non correlated id",
			msg:    Message{From: "lead@example.com", InReplyTo: []string{"CAF=abc123@outreach.test"}, Date: at},
			wantOK: false,
		},
		{
			name:   "plain inbound mail",
			msg:    Message{From: "news@example.com", Subject: "Weekly digest", Date: at},
			wantOK: false,
		},
		{
			name:     "permanent delivery failure",
			msg:      Message{From: "MAILER-DAEMON@mx.example.com", Subject: "Undelivered Mail Returned to Sender", Date: at, Raw: dsn("5.1.1", ownID)},
			wantOK:   true,
			wantKind: domain.FeedbackBounce,
		},
		{
			name:   "delayed delivery notice",
			msg:    Message{From: "postmaster@mx.example.com", Subject: "Delivery Status Notification (Delay)", Date: at, Raw: dsn("4.4.7", ownID)},
			wantOK: false,
		},
		{
			name:   "bounce for someone else's message",
			msg:    Message{From: "MAILER-DAEMON@mx.example.com", Subject: "Undeliverable", Date: at, Raw: dsn("5.1.1", "<"+sendID+"@elsewhere.test>")},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			feedback, ok := Classify(testAccount, tt.msg)
			if ok != tt.wantOK {
				t.Fatalf("Classify() ok = %v, want %v (feedback %+v)", ok, tt.wantOK, feedback)
			}
			if !ok {
				return
			}
			if feedback.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", feedback.Kind, tt.wantKind)
			}
			if feedback.PendingSendID != sendID || feedback.AccountID != "acc-1" {
				t.Fatalf("feedback = %+v", feedback)
			}
			if !feedback.OccurredAt.Equal(at) {
				t.Fatalf("occurredAt = %v, want %v", feedback.OccurredAt, at)
			}
		})
	}
}

func TestParseDeliveryReportExtractsDiagnostic(t *testing.T) {
	t.Parallel()

	report := parseDeliveryReport(dsn("5.1.1", "<"+sendID+"@outreach.test>"))
	if report.transient {
		t.Fatal("5.x.x status reported as transient")
	}
	if report.detail != "smtp; 550 5.1.1 user unknown" {
		t.Fatalf("detail = %q", report.detail)
	}
	if len(report.messageIDs) != 1 || report.messageIDs[0] != "<"+sendID+"@outreach.test>" {
		t.Fatalf("message ids = %v", report.messageIDs)
	}
}

func TestParseDeliveryReportFallsBackToBareIDs(t *testing.T) {
	t.Parallel()

	raw := []byte("Subject: failure\r\n\r\nThe original message <" + sendID + "@outreach.test> was rejected.\r\n")
	report := parseDeliveryReport(raw)
	if len(report.messageIDs) != 1 {
		t.Fatalf("message ids = %v, want one", report.messageIDs)
	}
	if report.detail != "bounce" {
		t.Fatalf("detail = %q, want default", report.detail)
	}
}
