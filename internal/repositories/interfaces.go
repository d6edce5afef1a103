package repositories

import (
	"context"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CatalogReader resolves product references to the fields needed for pricing.
// Only ids that exist appear in the result; callers detect missing products
// by set difference.
type CatalogReader interface {
	ResolveMany(ctx context.Context, productIDs []string) (map[string]domain.ProductSnapshot, error)
}

// OrderListFilter narrows order listings. A nil Requester lists every requester.
type OrderListFilter struct {
	Requester      *domain.Requester
	IncludeDeleted bool
	Pagination     domain.Pagination
}

// OrderRepository persists orders. Flag transitions are compare-and-set: the
// boolean reports whether this call changed the stored document.
type OrderRepository interface {
	Create(ctx context.Context, order domain.Order) (string, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentCode(ctx context.Context, code int64) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error)
	SetPayment(ctx context.Context, orderID string, payment domain.OrderPayment) (domain.Order, error)
	SetPaid(ctx context.Context, orderID string, at time.Time) (domain.Order, bool, error)
	SetDelivered(ctx context.Context, orderID string, at time.Time) (domain.Order, bool, error)
	SoftDelete(ctx context.Context, orderID string, at time.Time) (domain.Order, bool, error)
}

// PaidSale is the projection of a paid order used for daily sales grouping.
type PaidSale struct {
	OrderID    string
	PaidAt     time.Time
	TotalPrice int64
}

// OrderStatsRepository answers aggregate questions over active orders.
type OrderStatsRepository interface {
	CountActive(ctx context.Context) (int64, error)
	SumActiveTotals(ctx context.Context) (int64, error)
	PaidSales(ctx context.Context) ([]PaidSale, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
