package services

import (
	"context"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderPayment       = domain.OrderPayment
	Requester          = domain.Requester
	ShippingAddress    = domain.ShippingAddress
	PaymentDescriptor  = domain.PaymentDescriptor
	SalesSummary       = domain.SalesSummary
	DailySales         = domain.DailySales
	SystemHealthReport = domain.SystemHealthReport
)

// PricingEngine turns requested lines into an authoritatively priced order.
type PricingEngine interface {
	Price(ctx context.Context, lines []PricingLine) (PricedOrder, error)
}

// OrderService creates orders, requests payment links and serves order reads.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	RetryPaymentLink(ctx context.Context, cmd RetryPaymentLinkCommand) (PaymentLinkResult, error)
	GetOrder(ctx context.Context, orderID string) (OrderView, error)
	ListAll(ctx context.Context, filter OrderListFilter) (domain.CursorPage[OrderView], error)
	ListByRequester(ctx context.Context, requester Requester, page Pagination) (domain.CursorPage[OrderView], error)
	DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) (Order, error)
	CountOrders(ctx context.Context) (int64, error)
	TotalSales(ctx context.Context) (int64, error)
	SalesByDate(ctx context.Context) ([]DailySales, error)
}

// OrderReconciler applies paid and delivered facts reported by staff, payment
// providers and the fulfilment system.
type OrderReconciler interface {
	MarkPaid(ctx context.Context, cmd ReconcileCommand) (Order, error)
	MarkDelivered(ctx context.Context, cmd ReconcileCommand) (Order, error)
	ApplyPaymentEvent(ctx context.Context, cmd PaymentEventCommand) (Order, bool, error)
}

// PaymentSweeper polls providers for orders whose payment webhook never arrived.
type PaymentSweeper interface {
	Sweep(ctx context.Context, limit int) (SweepResult, error)
}

// SystemService exposes operational metadata such as health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentGateway is the subset of payments.Manager used by order flows.
type PaymentGateway interface {
	DefaultProvider() string
	CreatePaymentLink(ctx context.Context, provider string, req payments.PaymentLinkRequest) (PaymentDescriptor, error)
	LookupPaymentLink(ctx context.Context, provider string, req payments.LookupRequest) (payments.LinkState, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type         string
	OrderID      string
	RequesterKey string
	TotalPrice   int64
	Currency     string
	Source       string
	Actor        string
	OccurredAt   time.Time
}

// ReconcileMetrics records reconciliation outcomes.
type ReconcileMetrics interface {
	RecordReconciliation(kind, source string, changed bool)
}

// PaymentLinkMetrics records payment link request outcomes.
type PaymentLinkMetrics interface {
	RecordPaymentLink(provider, outcome string, duration time.Duration)
}

// SweepMetrics records payment sweep runs.
type SweepMetrics interface {
	RecordSweep(checked, paid, failed int, at time.Time)
}

// PricingLine is one requested cart entry. Client prices are never accepted.
type PricingLine struct {
	ProductID string
	Quantity  int
}

// PricedOrder is the output of the pricing engine.
type PricedOrder struct {
	Lines      []OrderLine
	TotalPrice int64
}

// CreateStage is the furthest point a create request reached.
type CreateStage string

const (
	StageReceived        CreateStage = "received"
	StagePriced          CreateStage = "priced"
	StagePersisted       CreateStage = "persisted"
	StageLinkRequested   CreateStage = "link_requested"
	StageCompleted       CreateStage = "completed"
	StageRejectedInput   CreateStage = "rejected_input"
	StageRejectedPricing CreateStage = "rejected_pricing"
	StagePersistedNoLink CreateStage = "persisted_no_link"
)

// CreateOrderCommand carries a checkout request.
type CreateOrderCommand struct {
	Requester       Requester
	Lines           []PricingLine
	ShippingAddress ShippingAddress
	PaymentMethod   string
	Description     string
	ReturnURL       string
	CancelURL       string
	Provider        string
	ActorID         string
}

// CreateOrderResult reports the created order. Payment is nil when no link was
// requested or the request failed.
type CreateOrderResult struct {
	Order   Order
	Payment *PaymentDescriptor
	Stage   CreateStage
}

// RetryPaymentLinkCommand asks for a payment link on an existing order.
type RetryPaymentLinkCommand struct {
	OrderID     string
	ReturnURL   string
	CancelURL   string
	Description string
	Provider    string
	ActorID     string
}

// PaymentLinkResult is returned by RetryPaymentLink. Reused is true when the
// provider already held a payable link for the order code.
type PaymentLinkResult struct {
	Order   Order
	Payment PaymentDescriptor
	Reused  bool
}

// OrderView is an order enriched for display. ProductNames maps product ids to
// current catalog names and never replaces the stored snapshot.
type OrderView struct {
	Order
	ProductNames map[string]string
}

// OrderListFilter narrows staff order listings.
type OrderListFilter struct {
	IncludeDeleted bool
	Pagination     Pagination
}

// DeleteOrderCommand soft deletes an order.
type DeleteOrderCommand struct {
	OrderID string
	ActorID string
}

// ReconcileSource names who reported a paid or delivered fact.
type ReconcileSource string

const (
	SourceStaff       ReconcileSource = "staff"
	SourcePayOS       ReconcileSource = "payos"
	SourceStripe      ReconcileSource = "stripe"
	SourceFulfillment ReconcileSource = "fulfillment"
	SourceSweeper     ReconcileSource = "sweeper"
)

// ReconcileCommand identifies the order and the reporter of a status change.
type ReconcileCommand struct {
	OrderID   string
	Source    ReconcileSource
	ActorID   string
	Reference string
}

// SweepResult summarises one payment sweep.
type SweepResult struct {
	Checked int
	Paid    int
	Failed  int
}
