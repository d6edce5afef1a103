package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

const (
	stripeName            = "stripe"
	stripeSignatureHeader = "Stripe-Signature"
	metadataOrderCode     = "orderCode"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeConfig configures the StripeProvider.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        Logger

	sessions stripeSessionAPI
}

// StripeProvider opens Stripe Checkout sessions as payment links.
type StripeProvider struct {
	sessions      stripeSessionAPI
	webhookSecret string
	logger        Logger
}

var (
	_ Provider        = (*StripeProvider)(nil)
	_ WebhookVerifier = (*StripeProvider)(nil)
)

// NewStripeProvider constructs a Stripe provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	sessions := cfg.sessions
	if sessions == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(apiKey, cfg.Backends).CheckoutSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{
		sessions:      sessions,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		logger:        logger,
	}, nil
}

// CreatePaymentLink implements Provider with a payment-mode Checkout session
// carrying the order total as one line.
func (p *StripeProvider) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (domain.PaymentDescriptor, error) {
	code := strconv.FormatInt(req.OrderCode, 10)
	currency := strings.ToLower(strings.TrimSpace(req.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(code),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
		Metadata: map[string]string{metadataOrderCode: code},
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	params.Context = ctx
	params.SetIdempotencyKey("payment-link-" + code)

	session, err := p.sessions.New(params)
	if err != nil {
		return domain.PaymentDescriptor{}, classifyStripeError("create session", err)
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderCode": req.OrderCode,
	})

	amount := session.AmountTotal
	if amount == 0 {
		amount = req.Amount
	}
	return domain.PaymentDescriptor{
		Provider:      stripeName,
		PaymentLinkID: session.ID,
		Status:        string(LinkPending),
		CheckoutURL:   session.URL,
		Amount:        amount,
		Currency:      strings.ToUpper(currency),
		Description:   req.Description,
		OrderCode:     req.OrderCode,
	}, nil
}

// LookupPaymentLink implements Provider. Stripe keys sessions by id.
func (p *StripeProvider) LookupPaymentLink(ctx context.Context, req LookupRequest) (LinkState, error) {
	id := strings.TrimSpace(req.PaymentLinkID)
	if id == "" {
		return LinkState{Status: LinkNotFound, OrderCode: req.OrderCode}, nil
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := p.sessions.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return LinkState{Status: LinkNotFound, OrderCode: req.OrderCode}, nil
		}
		return LinkState{}, classifyStripeError("get session", err)
	}
	state := LinkState{
		Status:        stripeLinkStatus(session),
		OrderCode:     req.OrderCode,
		PaymentLinkID: session.ID,
		CheckoutURL:   session.URL,
		Amount:        session.AmountTotal,
	}
	if state.Status == LinkPaid {
		state.AmountPaid = session.AmountTotal
	}
	return state, nil
}

// VerifyWebhook implements WebhookVerifier for checkout.session.completed
// events. Other event types verify but report Paid=false.
func (p *StripeProvider) VerifyWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	if p.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, header.Get(stripeSignatureHeader), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := WebhookEvent{Provider: stripeName, Reference: event.ID}
	if event.Type != "checkout.session.completed" && event.Type != "checkout.session.async_payment_succeeded" {
		return result, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: malformed session: %v", ErrInvalidSignature, err)
	}
	code, _ := strconv.ParseInt(session.Metadata[metadataOrderCode], 10, 64)
	if code == 0 {
		code, _ = strconv.ParseInt(session.ClientReferenceID, 10, 64)
	}
	result.OrderCode = code
	result.PaymentLinkID = session.ID
	result.Amount = session.AmountTotal
	result.Paid = session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
	return result, nil
}

func stripeLinkStatus(session *stripe.CheckoutSession) LinkStatus {
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return LinkPaid
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return LinkExpired
	default:
		return LinkPending
	}
}

// classifyStripeError treats 4xx answers as definite failures; everything
// else goes through the shared timeout classification.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
		return fmt.Errorf("%w: stripe %s: %s", ErrProviderFailure, op, stripeErr.Msg)
	}
	return classifyCallError(stripeName, op, err)
}
