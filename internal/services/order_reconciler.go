package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

const (
	reconcileKindPaid      = "paid"
	reconcileKindDelivered = "delivered"
)

// PaymentEventCommand is a verified provider notification about an order code.
type PaymentEventCommand struct {
	Provider  string
	OrderCode int64
	Paid      bool
	Amount    int64
	Reference string
}

// OrderReconcilerDeps bundles collaborators required to construct the reconciler.
type OrderReconcilerDeps struct {
	Orders  repositories.OrderRepository
	Events  OrderEventPublisher
	Metrics ReconcileMetrics
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type orderReconciler struct {
	orders  repositories.OrderRepository
	events  OrderEventPublisher
	metrics ReconcileMetrics
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

var _ OrderReconciler = (*orderReconciler)(nil)

// NewOrderReconciler builds the reconciler used by staff actions, webhooks and the sweeper.
func NewOrderReconciler(deps OrderReconcilerDeps) (OrderReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("order reconciler: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderReconciler{
		orders:  deps.Orders,
		events:  deps.Events,
		metrics: deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// MarkPaid sets isPaid once. Repeat calls return the stored order unchanged.
// Soft deleted orders are still reconciled.
func (r *orderReconciler) MarkPaid(ctx context.Context, cmd ReconcileCommand) (Order, error) {
	return r.apply(ctx, cmd, reconcileKindPaid, orderEventPaid, r.orders.SetPaid)
}

// MarkDelivered sets isDelivered once.
func (r *orderReconciler) MarkDelivered(ctx context.Context, cmd ReconcileCommand) (Order, error) {
	return r.apply(ctx, cmd, reconcileKindDelivered, orderEventDelivered, r.orders.SetDelivered)
}

// ApplyPaymentEvent resolves the order behind a provider order code and marks it
// paid when the notification reports a full payment. Events that report no
// payment are ignored before the code is resolved; they may carry no code.
func (r *orderReconciler) ApplyPaymentEvent(ctx context.Context, cmd PaymentEventCommand) (Order, bool, error) {
	if !cmd.Paid {
		r.logger(ctx, "order.payment.event.ignored", map[string]any{
			"orderCode": cmd.OrderCode,
			"provider":  cmd.Provider,
			"reference": cmd.Reference,
		})
		return Order{}, false, nil
	}
	if cmd.OrderCode <= 0 {
		return Order{}, false, fmt.Errorf("%w: order code is required", ErrOrderInvalidInput)
	}
	order, err := r.orders.FindByPaymentCode(ctx, cmd.OrderCode)
	if err != nil {
		return Order{}, false, mapRepositoryError(err)
	}
	if cmd.Amount > 0 && cmd.Amount < order.TotalPrice {
		r.logger(ctx, "order.payment.event.underpaid", map[string]any{
			"orderId":    order.ID,
			"orderCode":  cmd.OrderCode,
			"amount":     cmd.Amount,
			"totalPrice": order.TotalPrice,
		})
		return order, false, fmt.Errorf("%w: paid amount %d below total %d", ErrOrderInvalidState, cmd.Amount, order.TotalPrice)
	}
	updated, err := r.MarkPaid(ctx, ReconcileCommand{
		OrderID:   order.ID,
		Source:    ReconcileSource(strings.ToLower(strings.TrimSpace(cmd.Provider))),
		Reference: cmd.Reference,
	})
	if err != nil {
		return Order{}, false, err
	}
	return updated, true, nil
}

func (r *orderReconciler) apply(ctx context.Context, cmd ReconcileCommand, kind, eventType string, transition func(context.Context, string, time.Time) (domain.Order, bool, error)) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	source := cmd.Source
	if source == "" {
		source = SourceStaff
	}

	now := r.clock()
	order, changed, err := transition(ctx, orderID, now)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	if r.metrics != nil {
		r.metrics.RecordReconciliation(kind, string(source), changed)
	}
	r.logger(ctx, "order.reconciled", map[string]any{
		"orderId":   order.ID,
		"kind":      kind,
		"source":    string(source),
		"changed":   changed,
		"reference": cmd.Reference,
	})
	if changed {
		publishOrderEvent(ctx, r.events, r.logger, OrderEvent{
			Type:         eventType,
			OrderID:      order.ID,
			RequesterKey: order.Requester.Key(),
			TotalPrice:   order.TotalPrice,
			Currency:     order.Currency,
			Source:       string(source),
			Actor:        strings.TrimSpace(cmd.ActorID),
			OccurredAt:   now,
		})
	}
	return order, nil
}
