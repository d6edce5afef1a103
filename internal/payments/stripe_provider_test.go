package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = params
	return f.session, f.err
}

func (f *fakeSessions) Get(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return f.session, f.err
}

func TestStripeCreatePaymentLink(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1", AmountTotal: 198000}}
	provider, err := NewStripeProvider(StripeConfig{sessions: sessions})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}

	descriptor, err := provider.CreatePaymentLink(context.Background(), sampleLinkRequest())
	if err != nil {
		t.Fatalf("CreatePaymentLink: %v", err)
	}
	if descriptor.PaymentLinkID != "cs_test_1" || descriptor.CheckoutURL == "" || descriptor.Currency != "VND" {
		t.Fatalf("unexpected descriptor %+v", descriptor)
	}

	params := sessions.created
	if params == nil || len(params.LineItems) != 1 {
		t.Fatalf("expected a single line item")
	}
	if got := *params.LineItems[0].PriceData.UnitAmount; got != 198000 {
		t.Fatalf("expected amount 198000, got %d", got)
	}
	if params.Metadata[metadataOrderCode] != "1001" || *params.ClientReferenceID != "1001" {
		t.Fatalf("order code must be attached to the session")
	}
}

func TestStripeErrorsAreClassified(t *testing.T) {
	rejected := &fakeSessions{err: &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "amount too small"}}
	provider, _ := NewStripeProvider(StripeConfig{sessions: rejected})
	if _, err := provider.CreatePaymentLink(context.Background(), sampleLinkRequest()); !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}

	slow := &fakeSessions{err: fmt.Errorf("post: %w", context.DeadlineExceeded)}
	provider, _ = NewStripeProvider(StripeConfig{sessions: slow})
	if _, err := provider.CreatePaymentLink(context.Background(), sampleLinkRequest()); !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("expected outcome unknown, got %v", err)
	}

	missing := &fakeSessions{err: &stripe.Error{HTTPStatusCode: http.StatusNotFound}}
	provider, _ = NewStripeProvider(StripeConfig{sessions: missing})
	state, err := provider.LookupPaymentLink(context.Background(), LookupRequest{OrderCode: 1001, PaymentLinkID: "cs_gone"})
	if err != nil || state.Status != LinkNotFound {
		t.Fatalf("expected not found state, got %+v (%v)", state, err)
	}
}

func TestStripeLookupPaymentLink(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{
		ID:            "cs_test_1",
		AmountTotal:   198000,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Status:        stripe.CheckoutSessionStatusComplete,
	}}
	provider, _ := NewStripeProvider(StripeConfig{sessions: sessions})

	state, err := provider.LookupPaymentLink(context.Background(), LookupRequest{OrderCode: 1001, PaymentLinkID: "cs_test_1"})
	if err != nil || state.Status != LinkPaid || state.AmountPaid != 198000 {
		t.Fatalf("unexpected state %+v (%v)", state, err)
	}

	sessions.session = &stripe.CheckoutSession{ID: "cs_test_1", Status: stripe.CheckoutSessionStatusExpired, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}
	if state, _ := provider.LookupPaymentLink(context.Background(), LookupRequest{PaymentLinkID: "cs_test_1"}); state.Status != LinkExpired {
		t.Fatalf("expected expired, got %s", state.Status)
	}
}

func TestStripeVerifyWebhook(t *testing.T) {
	const secret = "whsec_test"
	provider, _ := NewStripeProvider(StripeConfig{sessions: &fakeSessions{}, WebhookSecret: secret})

	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","object":"checkout.session","amount_total":198000,"payment_status":"paid","client_reference_id":"1001","metadata":{"orderCode":"1001"}}}}`)
	header := http.Header{}
	header.Set(stripeSignatureHeader, stripeSignature(secret, payload, time.Now()))

	event, err := provider.VerifyWebhook(payload, header)
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if !event.Paid || event.OrderCode != 1001 || event.PaymentLinkID != "cs_test_1" {
		t.Fatalf("unexpected event %+v", event)
	}

	header.Set(stripeSignatureHeader, stripeSignature("whsec_other", payload, time.Now()))
	if _, err := provider.VerifyWebhook(payload, header); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func stripeSignature(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "."))
	_, _ = mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
