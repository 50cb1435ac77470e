package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

type fakeSender struct {
	sendFn func(ctx context.Context, account domain.Account, send domain.PendingSend) (*Receipt, error)
}

func (f *fakeSender) Send(ctx context.Context, account domain.Account, send domain.PendingSend) (*Receipt, error) {
	return f.sendFn(ctx, account, send)
}

func named(name string) *fakeSender {
	return &fakeSender{sendFn: func(context.Context, domain.Account, domain.PendingSend) (*Receipt, error) {
		return &Receipt{Response: name}, nil
	}}
}

func TestRouterPicksTransport(t *testing.T) {
	t.Parallel()

	router := NewRouter(named("smtp"), named("relay"))

	receipt, err := router.Send(context.Background(), smtpAccount(), testSend())
	if err != nil || receipt.Response != "smtp" {
		t.Fatalf("configured account routed to %v (err %v), want smtp", receipt, err)
	}

	receipt, err = router.Send(context.Background(), testAccount(), testSend())
	if err != nil || receipt.Response != "relay" {
		t.Fatalf("unconfigured account routed to %v (err %v), want relay", receipt, err)
	}

	_, err = NewRouter(named("smtp"), nil).Send(context.Background(), testAccount(), testSend())
	if err == nil || IsTransient(err) {
		t.Fatalf("Send() without transport error = %v, want permanent", err)
	}
}

func TestMessageIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := MessageID(domain.Account{Email: "a@Mail.Example.com"}, domain.PendingSend{ID: "p-1"})
	if id != "<p-1@mail.example.com>" {
		t.Fatalf("MessageID() = %q", id)
	}
	if got := CorrelationID(" " + id + " "); got != "p-1" {
		t.Fatalf("CorrelationID() = %q, want p-1", got)
	}
	if got := CorrelationID("no-at-sign"); got != "" {
		t.Fatalf("CorrelationID() = %q, want empty", got)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "transient send error", err: &SendError{Transient: true}, want: true},
		{name: "permanent send error", err: &SendError{Code: 550}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSendErrorMessage(t *testing.T) {
	t.Parallel()

	err := &SendError{Code: 451, Message: "greylisted", Cause: errors.New("try later")}
	if got := err.Error(); got != "send error: code=451: greylisted: try later" {
		t.Fatalf("Error() = %q", got)
	}
}
