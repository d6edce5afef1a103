package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

const (
	// MaxOrderCode is the largest order code providers accept (2^53-1).
	MaxOrderCode int64 = 9007199254740991
	// MaxDescriptionLength caps the description shown on bank transfers.
	MaxDescriptionLength = 25
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidRequest marks requests rejected before any network call.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrProviderFailure marks transport or provider-side failures. Retryable.
	ErrProviderFailure = errors.New("payments: provider failure")
	// ErrOutcomeUnknown marks calls that timed out or were cancelled; the
	// provider may or may not have created the link.
	ErrOutcomeUnknown = errors.New("payments: outcome unknown")
	// ErrInvalidSignature marks webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
)

// LinkStatus is the provider-side state of a payment link.
type LinkStatus string

const (
	LinkPending   LinkStatus = "pending"
	LinkPaid      LinkStatus = "paid"
	LinkCancelled LinkStatus = "cancelled"
	LinkExpired   LinkStatus = "expired"
	LinkNotFound  LinkStatus = "not_found"
)

// Reusable reports whether the existing link can still collect payment.
func (s LinkStatus) Reusable() bool {
	return s == LinkPending
}

// LinkItem is an informational line shown on the provider checkout page.
type LinkItem struct {
	Name     string
	Quantity int
	Price    int64
}

// PaymentLinkRequest carries everything needed to open a payment link.
type PaymentLinkRequest struct {
	OrderCode   int64
	Amount      int64
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
	Items       []LinkItem
	Metadata    map[string]string
}

// LookupRequest identifies a previously created link.
type LookupRequest struct {
	OrderCode     int64
	PaymentLinkID string
}

// LinkState is the normalised lookup answer.
type LinkState struct {
	Status        LinkStatus
	OrderCode     int64
	PaymentLinkID string
	CheckoutURL   string
	Amount        int64
	AmountPaid    int64
}

// WebhookEvent is a verified provider notification.
type WebhookEvent struct {
	Provider      string
	OrderCode     int64
	PaymentLinkID string
	Paid          bool
	Amount        int64
	Reference     string
}

// Provider defines the contract for payment link adapters.
type Provider interface {
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (domain.PaymentDescriptor, error)
	LookupPaymentLink(ctx context.Context, req LookupRequest) (LinkState, error)
}

// WebhookVerifier is implemented by providers that push payment notifications.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, header http.Header) (WebhookEvent, error)
}

// ValidateLinkRequest checks a request before it leaves the process.
func ValidateLinkRequest(req PaymentLinkRequest) error {
	if req.OrderCode <= 0 || req.OrderCode > MaxOrderCode {
		return fmt.Errorf("%w: order code %d out of range", ErrInvalidRequest, req.OrderCode)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(description); n > MaxDescriptionLength {
		return fmt.Errorf("%w: description has %d characters, max %d", ErrInvalidRequest, n, MaxDescriptionLength)
	}
	if err := ValidateRedirectURL("returnUrl", req.ReturnURL); err != nil {
		return err
	}
	return ValidateRedirectURL("cancelUrl", req.CancelURL)
}

// ValidateRedirectURL requires an absolute http(s) URL with a host.
func ValidateRedirectURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute URL", ErrInvalidRequest, field)
	}
	if scheme := strings.ToLower(parsed.Scheme); scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: %s must use http or https", ErrInvalidRequest, field)
	}
	return nil
}

// classifyCallError maps a failed provider call onto ErrOutcomeUnknown when
// the request may have reached the provider, and ErrProviderFailure otherwise.
func classifyCallError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProviderFailure) || errors.Is(err, ErrOutcomeUnknown) || errors.Is(err, ErrInvalidRequest) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s %s: %v", ErrOutcomeUnknown, provider, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s %s: %v", ErrOutcomeUnknown, provider, op, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrProviderFailure, provider, op, err)
}
