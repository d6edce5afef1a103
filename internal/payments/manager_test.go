package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

type fakeProvider struct {
	calls      int
	descriptor domain.PaymentDescriptor
	state      LinkState
	err        error
}

func (f *fakeProvider) CreatePaymentLink(context.Context, PaymentLinkRequest) (domain.PaymentDescriptor, error) {
	f.calls++
	return f.descriptor, f.err
}

func (f *fakeProvider) LookupPaymentLink(context.Context, LookupRequest) (LinkState, error) {
	f.calls++
	return f.state, f.err
}

func TestManagerSingleProviderBecomesDefault(t *testing.T) {
	payos := &fakeProvider{descriptor: domain.PaymentDescriptor{CheckoutURL: "https://pay"}}
	mgr, err := NewManager(map[string]Provider{"PayOS": payos})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if mgr.DefaultProvider() != "payos" {
		t.Fatalf("expected payos default, got %q", mgr.DefaultProvider())
	}

	descriptor, err := mgr.CreatePaymentLink(context.Background(), "", sampleLinkRequest())
	if err != nil {
		t.Fatalf("CreatePaymentLink: %v", err)
	}
	if descriptor.Provider != "payos" || descriptor.OrderCode != 1001 {
		t.Fatalf("expected provider and order code to be filled, got %+v", descriptor)
	}
}

func TestManagerRejectsLongDescriptionBeforeProviderCall(t *testing.T) {
	payos := &fakeProvider{}
	mgr, _ := NewManager(map[string]Provider{"payos": payos})

	req := sampleLinkRequest()
	req.Description = strings.Repeat("x", 30)
	_, err := mgr.CreatePaymentLink(context.Background(), "payos", req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if payos.calls != 0 {
		t.Fatalf("provider must not be called, got %d calls", payos.calls)
	}
}

func TestManagerClassifiesProviderErrors(t *testing.T) {
	slow := &fakeProvider{err: context.DeadlineExceeded}
	broken := &fakeProvider{err: errors.New("connection refused")}
	mgr, err := NewManager(map[string]Provider{"slow": slow, "broken": broken}, WithDefaultProvider("broken"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := mgr.CreatePaymentLink(context.Background(), "slow", sampleLinkRequest()); !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("expected outcome unknown, got %v", err)
	}
	if _, err := mgr.CreatePaymentLink(context.Background(), "", sampleLinkRequest()); !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if _, err := mgr.LookupPaymentLink(context.Background(), "missing", LookupRequest{OrderCode: 1}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestManagerValidatesRegistration(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error without providers")
	}
	if _, err := NewManager(map[string]Provider{"payos": &fakeProvider{}}, WithDefaultProvider("stripe")); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unknown default to fail, got %v", err)
	}
}

func TestManagerVerifyWebhookRequiresVerifier(t *testing.T) {
	mgr, _ := NewManager(map[string]Provider{"cash": &fakeProvider{}})
	if _, err := mgr.VerifyWebhook("cash", []byte(`{}`), http.Header{}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestValidateLinkRequest(t *testing.T) {
	cases := map[string]func(*PaymentLinkRequest){
		"zero code":       func(r *PaymentLinkRequest) { r.OrderCode = 0 },
		"code too large":  func(r *PaymentLinkRequest) { r.OrderCode = MaxOrderCode + 1 },
		"zero amount":     func(r *PaymentLinkRequest) { r.Amount = 0 },
		"blank desc":      func(r *PaymentLinkRequest) { r.Description = "  " },
		"relative return": func(r *PaymentLinkRequest) { r.ReturnURL = "/orders/done" },
		"ftp cancel":      func(r *PaymentLinkRequest) { r.CancelURL = "ftp://shop.example/cancel" },
		"missing cancel":  func(r *PaymentLinkRequest) { r.CancelURL = "" },
		"26 rune desc":    func(r *PaymentLinkRequest) { r.Description = strings.Repeat("đ", 26) },
	}
	for name, mutate := range cases {
		req := sampleLinkRequest()
		mutate(&req)
		if err := ValidateLinkRequest(req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", name, err)
		}
	}

	req := sampleLinkRequest()
	req.Description = strings.Repeat("đ", 25)
	if err := ValidateLinkRequest(req); err != nil {
		t.Fatalf("25 runes must be accepted: %v", err)
	}
}
