package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RequesterKind distinguishes who an order was placed for.
type RequesterKind string

const (
	// RequesterUser marks orders placed by an authenticated customer for themselves.
	RequesterUser RequesterKind = "user"
	// RequesterStaff marks orders keyed in by staff on behalf of a walk-in customer.
	RequesterStaff RequesterKind = "staff"
)

// Requester identifies the party an order belongs to. Exactly one of UserID or
// Label is populated depending on Kind.
type Requester struct {
	Kind   RequesterKind
	UserID string
	Label  string
}

// AuthenticatedUser builds a requester bound to a verified user id.
func AuthenticatedUser(uid string) Requester {
	return Requester{Kind: RequesterUser, UserID: strings.TrimSpace(uid)}
}

// StaffEntered builds a requester from the free-text staff label typed at the counter.
func StaffEntered(label string) Requester {
	return Requester{Kind: RequesterStaff, Label: strings.TrimSpace(label)}
}

// Valid reports whether the requester carries the identifier its kind requires.
func (r Requester) Valid() bool {
	switch r.Kind {
	case RequesterUser:
		return r.UserID != ""
	case RequesterStaff:
		return r.Label != ""
	default:
		return false
	}
}

// Key returns the stable string used to index orders by requester.
func (r Requester) Key() string {
	switch r.Kind {
	case RequesterUser:
		return string(RequesterUser) + ":" + r.UserID
	case RequesterStaff:
		return string(RequesterStaff) + ":" + r.Label
	default:
		return ""
	}
}

// ParseRequesterKey reverses Key. Unknown prefixes report false.
func ParseRequesterKey(key string) (Requester, bool) {
	kind, value, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || strings.TrimSpace(value) == "" {
		return Requester{}, false
	}
	switch RequesterKind(kind) {
	case RequesterUser:
		return AuthenticatedUser(value), true
	case RequesterStaff:
		return StaffEntered(value), true
	default:
		return Requester{}, false
	}
}

// ProductSnapshot is the subset of a catalog product needed to price an order.
type ProductSnapshot struct {
	ID           string
	Name         string
	Price        int64
	CountInStock int
	Category     string
}

// OrderStatus tracks whether an order is live or soft deleted.
type OrderStatus string

const (
	// OrderStatusActive is the status of every order until it is deleted.
	OrderStatusActive OrderStatus = "active"
	// OrderStatusDeleted marks an order hidden from listings and statistics.
	OrderStatusDeleted OrderStatus = "deleted"
)

// OrderLine is the priced snapshot of one cart entry. Name and Price are copied
// from the catalog when the order is created and never change afterwards.
type OrderLine struct {
	ProductID string
	Name      string
	Quantity  int
	Price     int64
}

// Subtotal returns price times quantity for the line.
func (l OrderLine) Subtotal() int64 {
	return l.Price * int64(l.Quantity)
}

// ShippingAddress holds the delivery contact captured with the order.
type ShippingAddress struct {
	Name        string
	Age         int
	Address     string
	PhoneNumber string
}

// PaymentLinkStatus records what happened when a payment link was requested.
type PaymentLinkStatus string

const (
	// PaymentLinkPending means a code was allocated but the provider has not answered yet.
	PaymentLinkPending PaymentLinkStatus = "pending"
	// PaymentLinkCreated means the provider returned a checkout link.
	PaymentLinkCreated PaymentLinkStatus = "link_created"
	// PaymentLinkFailed means the provider rejected the request or could not be reached.
	PaymentLinkFailed PaymentLinkStatus = "link_failed"
	// PaymentLinkUnknown means the call timed out and the provider may or may not hold a link.
	PaymentLinkUnknown PaymentLinkStatus = "link_unknown"
	// PaymentLinkExpired means the provider expired the link unpaid.
	PaymentLinkExpired PaymentLinkStatus = "link_expired"
	// PaymentLinkCancelled means the payer or provider cancelled the link.
	PaymentLinkCancelled PaymentLinkStatus = "link_cancelled"
)

// OrderPayment stores the correlation data for the provider-side payment link.
type OrderPayment struct {
	Provider      string
	OrderCode     int64
	PaymentLinkID string
	CheckoutURL   string
	Status        PaymentLinkStatus
	LastError     string
	RequestedAt   time.Time
	UpdatedAt     time.Time
}

// Order is the persisted customer order.
type Order struct {
	ID              string
	Requester       Requester
	Lines           []OrderLine
	ShippingAddress ShippingAddress
	PaymentMethod   string
	Description     string
	TotalPrice      int64
	Currency        string
	IsPaid          bool
	PaidAt          *time.Time
	IsDelivered     bool
	DeliveredAt     *time.Time
	Status          OrderStatus
	DeletedAt       *time.Time
	Payment         *OrderPayment
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Deleted reports whether the order has been soft deleted.
func (o Order) Deleted() bool {
	return o.Status == OrderStatusDeleted
}

// PaymentDescriptor is the provider answer for a created payment link. It is
// returned to the caller and not persisted beyond OrderPayment.
type PaymentDescriptor struct {
	Provider      string
	PaymentLinkID string
	Status        string
	Bin           string
	CheckoutURL   string
	AccountNumber string
	AccountName   string
	Amount        int64
	Currency      string
	Description   string
	OrderCode     int64
	QRCode        string
}

// SalesSummary aggregates order totals across active orders.
type SalesSummary struct {
	TotalOrders int64
	TotalSales  int64
}

// DailySales sums paid order totals per UTC calendar day.
type DailySales struct {
	Date       string
	TotalSales int64
	Orders     int64
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
