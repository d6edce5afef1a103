package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

const (
	// DefaultPayOSBaseURL is the PayOS merchant API.
	DefaultPayOSBaseURL = "https://api-merchant.payos.vn"
	// DefaultPayOSCheckoutURL hosts the checkout page for a payment link id.
	DefaultPayOSCheckoutURL = "https://pay.payos.vn/web"

	payosName          = "payos"
	payosCodeSuccess   = "00"
	payosCodeNotFound  = "101"
	payosMaxBodyBytes  = 1 << 20
	defaultHTTPTimeout = 15 * time.Second
)

// Logger records provider events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// PayOSConfig configures the PayOSProvider.
type PayOSConfig struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	BaseURL     string
	CheckoutURL string
	HTTPClient  *http.Client
	Logger      Logger
}

// PayOSProvider creates VietQR payment links through PayOS.
type PayOSProvider struct {
	clientID    string
	apiKey      string
	checksumKey []byte
	baseURL     string
	checkoutURL string
	http        *http.Client
	logger      Logger
}

var (
	_ Provider        = (*PayOSProvider)(nil)
	_ WebhookVerifier = (*PayOSProvider)(nil)
)

// NewPayOSProvider constructs the provider. All three credentials are required.
func NewPayOSProvider(cfg PayOSConfig) (*PayOSProvider, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	apiKey := strings.TrimSpace(cfg.APIKey)
	checksum := strings.TrimSpace(cfg.ChecksumKey)
	if clientID == "" || apiKey == "" || checksum == "" {
		return nil, errors.New("payos: client id, api key and checksum key are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultPayOSBaseURL
	}
	checkoutURL := strings.TrimRight(strings.TrimSpace(cfg.CheckoutURL), "/")
	if checkoutURL == "" {
		checkoutURL = DefaultPayOSCheckoutURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PayOSProvider{
		clientID:    clientID,
		apiKey:      apiKey,
		checksumKey: []byte(checksum),
		baseURL:     baseURL,
		checkoutURL: checkoutURL,
		http:        httpClient,
		logger:      logger,
	}, nil
}

type payosItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type payosCreateRequest struct {
	OrderCode   int64       `json:"orderCode"`
	Amount      int64       `json:"amount"`
	Description string      `json:"description"`
	CancelURL   string      `json:"cancelUrl"`
	ReturnURL   string      `json:"returnUrl"`
	Items       []payosItem `json:"items,omitempty"`
	Signature   string      `json:"signature"`
}

type payosEnvelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type payosLinkData struct {
	Bin           string `json:"bin"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	OrderCode     int64  `json:"orderCode"`
	Currency      string `json:"currency"`
	PaymentLinkID string `json:"paymentLinkId"`
	Status        string `json:"status"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
}

type payosLinkInfo struct {
	ID         string `json:"id"`
	OrderCode  int64  `json:"orderCode"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amountPaid"`
	Status     string `json:"status"`
}

type payosWebhookData struct {
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	Reference     string `json:"reference"`
	PaymentLinkID string `json:"paymentLinkId"`
	Code          string `json:"code"`
}

// CreatePaymentLink implements Provider.
func (p *PayOSProvider) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (domain.PaymentDescriptor, error) {
	body := payosCreateRequest{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: req.Description,
		CancelURL:   req.CancelURL,
		ReturnURL:   req.ReturnURL,
		Signature:   p.requestSignature(req),
	}
	for _, item := range req.Items {
		body.Items = append(body.Items, payosItem{Name: item.Name, Quantity: item.Quantity, Price: item.Price})
	}

	envelope, err := p.do(ctx, http.MethodPost, "/v2/payment-requests", body)
	if err != nil {
		return domain.PaymentDescriptor{}, err
	}
	if envelope.Code != payosCodeSuccess {
		return domain.PaymentDescriptor{}, fmt.Errorf("%w: payos rejected link (code %s): %s", ErrProviderFailure, envelope.Code, envelope.Desc)
	}
	if envelope.Signature != "" {
		if err := p.verifyData(envelope.Data, envelope.Signature); err != nil {
			return domain.PaymentDescriptor{}, fmt.Errorf("%w: payos response: %v", ErrProviderFailure, err)
		}
	}

	var data payosLinkData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return domain.PaymentDescriptor{}, fmt.Errorf("%w: payos decode link: %v", ErrProviderFailure, err)
	}
	p.logger(ctx, "payments.payos.link.created", map[string]any{
		"orderCode":     data.OrderCode,
		"paymentLinkId": data.PaymentLinkID,
	})
	return domain.PaymentDescriptor{
		Provider:      payosName,
		PaymentLinkID: data.PaymentLinkID,
		Status:        strings.ToLower(data.Status),
		Bin:           data.Bin,
		CheckoutURL:   data.CheckoutURL,
		AccountNumber: data.AccountNumber,
		AccountName:   data.AccountName,
		Amount:        data.Amount,
		Currency:      data.Currency,
		Description:   data.Description,
		OrderCode:     data.OrderCode,
		QRCode:        data.QRCode,
	}, nil
}

// LookupPaymentLink implements Provider. PayOS keys links by order code.
func (p *PayOSProvider) LookupPaymentLink(ctx context.Context, req LookupRequest) (LinkState, error) {
	if req.OrderCode <= 0 {
		return LinkState{}, fmt.Errorf("%w: order code is required", ErrInvalidRequest)
	}
	envelope, err := p.do(ctx, http.MethodGet, "/v2/payment-requests/"+strconv.FormatInt(req.OrderCode, 10), nil)
	var statusErr *payosStatusError
	if errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound {
		return LinkState{Status: LinkNotFound, OrderCode: req.OrderCode}, nil
	}
	if err != nil {
		return LinkState{}, err
	}
	switch envelope.Code {
	case payosCodeSuccess:
	case payosCodeNotFound:
		return LinkState{Status: LinkNotFound, OrderCode: req.OrderCode}, nil
	default:
		return LinkState{}, fmt.Errorf("%w: payos lookup (code %s): %s", ErrProviderFailure, envelope.Code, envelope.Desc)
	}

	var info payosLinkInfo
	if err := json.Unmarshal(envelope.Data, &info); err != nil {
		return LinkState{}, fmt.Errorf("%w: payos decode lookup: %v", ErrProviderFailure, err)
	}
	state := LinkState{
		Status:        payosLinkStatus(info.Status),
		OrderCode:     info.OrderCode,
		PaymentLinkID: info.ID,
		Amount:        info.Amount,
		AmountPaid:    info.AmountPaid,
	}
	if info.ID != "" {
		state.CheckoutURL = p.checkoutURL + "/" + info.ID
	}
	return state, nil
}

// VerifyWebhook implements WebhookVerifier. The signature travels in the body.
func (p *PayOSProvider) VerifyWebhook(payload []byte, _ http.Header) (WebhookEvent, error) {
	var envelope payosEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: malformed payload", ErrInvalidSignature)
	}
	if envelope.Signature == "" || len(envelope.Data) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: signature or data missing", ErrInvalidSignature)
	}
	if err := p.verifyData(envelope.Data, envelope.Signature); err != nil {
		return WebhookEvent{}, err
	}

	var data payosWebhookData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: malformed data", ErrInvalidSignature)
	}
	return WebhookEvent{
		Provider:      payosName,
		OrderCode:     data.OrderCode,
		PaymentLinkID: data.PaymentLinkID,
		Paid:          envelope.Code == payosCodeSuccess && data.Code == payosCodeSuccess,
		Amount:        data.Amount,
		Reference:     data.Reference,
	}, nil
}

type payosStatusError struct {
	status int
	body   string
}

func (e *payosStatusError) Error() string {
	return fmt.Sprintf("payos: unexpected status %d: %s", e.status, e.body)
}

func (p *PayOSProvider) do(ctx context.Context, method, path string, body any) (payosEnvelope, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return payosEnvelope{}, fmt.Errorf("%w: payos encode: %v", ErrInvalidRequest, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return payosEnvelope{}, fmt.Errorf("%w: payos build request: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("x-client-id", p.clientID)
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return payosEnvelope{}, classifyCallError(payosName, method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, payosMaxBodyBytes))
	if err != nil {
		return payosEnvelope{}, classifyCallError(payosName, "read response", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &payosStatusError{status: resp.StatusCode, body: truncate(string(raw), 256)}
		if resp.StatusCode == http.StatusNotFound {
			return payosEnvelope{}, statusErr
		}
		return payosEnvelope{}, fmt.Errorf("%w: %v", ErrProviderFailure, statusErr)
	}

	var envelope payosEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return payosEnvelope{}, fmt.Errorf("%w: payos decode envelope: %v", ErrProviderFailure, err)
	}
	return envelope, nil
}

func (p *PayOSProvider) requestSignature(req PaymentLinkRequest) string {
	canonical := fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		req.Amount, req.CancelURL, req.Description, req.OrderCode, req.ReturnURL)
	return p.sign(canonical)
}

func (p *PayOSProvider) verifyData(data json.RawMessage, signature string) error {
	canonical, err := canonicalPayOSData(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	expected, err := hex.DecodeString(p.sign(canonical))
	if err != nil {
		return err
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(expected, provided) {
		return ErrInvalidSignature
	}
	return nil
}

func (p *PayOSProvider) sign(canonical string) string {
	mac := hmac.New(sha256.New, p.checksumKey)
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalPayOSData renders data as key=value pairs sorted by key and joined
// with '&'. Null values render empty; nested values render as JSON.
func canonicalPayOSData(data json.RawMessage) (string, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		var value string
		switch v := fields[key].(type) {
		case nil:
		case string:
			value = v
		case json.Number:
			value = v.String()
		case bool:
			value = strconv.FormatBool(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			value = string(encoded)
		}
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, "&"), nil
}

func payosLinkStatus(status string) LinkStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID":
		return LinkPaid
	case "CANCELLED":
		return LinkCancelled
	case "EXPIRED":
		return LinkExpired
	default:
		return LinkPending
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
