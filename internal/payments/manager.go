package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

// Manager routes calls to named providers.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider selects the provider used when callers do not name one.
func WithDefaultProvider(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseName(name)
	}
}

// NewManager constructs a Manager over the supplied providers. With a single
// provider it becomes the default.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for name, provider := range providers {
		key := normaliseName(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		m.providers[key] = provider
		if len(providers) == 1 {
			m.defaultProvider = key
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.defaultProvider != "" {
		if _, ok := m.providers[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default %q is not registered", ErrUnsupportedProvider, m.defaultProvider)
		}
	}
	return m, nil
}

// DefaultProvider returns the name of the default provider, or "".
func (m *Manager) DefaultProvider() string {
	if m == nil {
		return ""
	}
	return m.defaultProvider
}

func (m *Manager) resolve(name string) (string, Provider, error) {
	if m == nil {
		return "", nil, ErrUnsupportedProvider
	}
	key := normaliseName(name)
	if key == "" {
		key = m.defaultProvider
	}
	provider, ok := m.providers[key]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return key, provider, nil
}

// CreatePaymentLink validates req and delegates to the named provider.
func (m *Manager) CreatePaymentLink(ctx context.Context, providerName string, req PaymentLinkRequest) (domain.PaymentDescriptor, error) {
	key, provider, err := m.resolve(providerName)
	if err != nil {
		return domain.PaymentDescriptor{}, err
	}
	req.Description = strings.TrimSpace(req.Description)
	if err := ValidateLinkRequest(req); err != nil {
		return domain.PaymentDescriptor{}, err
	}
	descriptor, err := provider.CreatePaymentLink(ctx, req)
	if err != nil {
		return domain.PaymentDescriptor{}, classifyCallError(key, "create link", err)
	}
	descriptor.Provider = key
	if descriptor.OrderCode == 0 {
		descriptor.OrderCode = req.OrderCode
	}
	return descriptor, nil
}

// LookupPaymentLink delegates to the named provider.
func (m *Manager) LookupPaymentLink(ctx context.Context, providerName string, req LookupRequest) (LinkState, error) {
	key, provider, err := m.resolve(providerName)
	if err != nil {
		return LinkState{}, err
	}
	state, err := provider.LookupPaymentLink(ctx, req)
	if err != nil {
		return LinkState{}, classifyCallError(key, "lookup link", err)
	}
	return state, nil
}

// VerifyWebhook checks a provider notification.
func (m *Manager) VerifyWebhook(providerName string, payload []byte, header http.Header) (WebhookEvent, error) {
	key, provider, err := m.resolve(providerName)
	if err != nil {
		return WebhookEvent{}, err
	}
	verifier, ok := provider.(WebhookVerifier)
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: %s does not send webhooks", ErrUnsupportedProvider, key)
	}
	event, err := verifier.VerifyWebhook(payload, header)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Provider = key
	return event, nil
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
