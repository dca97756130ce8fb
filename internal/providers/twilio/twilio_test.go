package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/mewayz/fabric/internal/backoff"
)

type fakeMessages struct {
	params []*api.CreateMessageParams
	err    error
}

func (f *fakeMessages) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &api.ApiV2010Message{Sid: &sid}, nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		number string
		region string
		want   string
		ok     bool
	}{
		{"+1 415 555 2671", "US", "+14155552671", true},
		{"(415) 555-2671", "US", "+14155552671", true},
		{"020 7031 3000", "GB", "+442070313000", true},
		{"+44 20 7031 3000", "US", "+442070313000", true},
		{"12", "US", "", false},
		{"", "US", "", false},
		{"not a number", "US", "", false},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.number, tt.region)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("Normalize(%q, %s) = %q, %v; want %q", tt.number, tt.region, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("Normalize(%q) expected ErrInvalidNumber, got %q, %v", tt.number, got, err)
		}
	}
}

func TestSendNormalizesNumbers(t *testing.T) {
	fake := &fakeMessages{}
	provider, err := newProvider(Config{FromNumber: "(415) 555-2671"}, fake, nil)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	if err := provider.Send(context.Background(), "415-555-0132", "Mewayz: hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(fake.params) != 1 {
		t.Fatalf("CreateMessage calls = %d", len(fake.params))
	}
	params := fake.params[0]
	if *params.To != "+14155550132" || *params.From != "+14155552671" || *params.Body != "Mewayz: hello" {
		t.Fatalf("params = to %s from %s body %s", *params.To, *params.From, *params.Body)
	}
}

func TestSendInvalidNumberIsPermanent(t *testing.T) {
	fake := &fakeMessages{}
	provider, err := newProvider(Config{FromNumber: "+14155552671"}, fake, nil)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	err = provider.Send(context.Background(), "123", "hi")
	if !backoff.IsPermanent(err) || !errors.Is(err, ErrInvalidNumber) {
		t.Fatalf("expected permanent ErrInvalidNumber, got %v", err)
	}
	if len(fake.params) != 0 {
		t.Fatal("invalid numbers must not reach the API")
	}
}

func TestSendClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{&client.TwilioRestError{Status: 400, Code: 21211, Message: "invalid To"}, true},
		{&client.TwilioRestError{Status: 429, Code: 20429, Message: "too many requests"}, false},
		{&client.TwilioRestError{Status: 503, Message: "unavailable"}, false},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		provider, err := newProvider(Config{FromNumber: "+14155552671"}, &fakeMessages{err: tt.err}, nil)
		if err != nil {
			t.Fatalf("newProvider() error = %v", err)
		}
		err = provider.Send(context.Background(), "+14155550132", "hi")
		if err == nil {
			t.Fatalf("%v: expected error", tt.err)
		}
		if got := backoff.IsPermanent(err); got != tt.permanent {
			t.Errorf("%v: permanent = %v, want %v", tt.err, got, tt.permanent)
		}
	}
}

func TestSendHonoursCancelledContext(t *testing.T) {
	fake := &fakeMessages{}
	provider, err := newProvider(Config{FromNumber: "+14155552671"}, fake, nil)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := provider.Send(ctx, "+14155550132", "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(fake.params) != 0 {
		t.Fatal("cancelled send reached the API")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{FromNumber: "+14155552671"}, nil); err == nil {
		t.Fatal("expected error without credentials")
	}
}
