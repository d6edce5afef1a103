package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
)

func newTestReconciler(t *testing.T, orders *memoryOrderRepo, events *recordingPublisher, metrics *recordingMetrics, now time.Time) OrderReconciler {
	t.Helper()
	deps := OrderReconcilerDeps{Orders: orders, Clock: fixedClock(now)}
	if events != nil {
		deps.Events = events
	}
	if metrics != nil {
		deps.Metrics = metrics
	}
	reconciler, err := NewOrderReconciler(deps)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func TestOrderReconcilerMarkPaidIsIdempotent(t *testing.T) {
	orders := newMemoryOrderRepo()
	orders.put(domain.Order{ID: "ord_1", Status: domain.OrderStatusActive, TotalPrice: 198000})
	events := &recordingPublisher{}
	metrics := &recordingMetrics{}
	first := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	reconciler := newTestReconciler(t, orders, events, metrics, first)
	order, err := reconciler.MarkPaid(context.Background(), ReconcileCommand{OrderID: "ord_1", Source: SourcePayOS})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !order.IsPaid || order.PaidAt == nil || !order.PaidAt.Equal(first) {
		t.Fatalf("expected paid at %v, got %+v", first, order.PaidAt)
	}

	later := newTestReconciler(t, orders, events, metrics, first.Add(time.Hour))
	again, err := later.MarkPaid(context.Background(), ReconcileCommand{OrderID: "ord_1", Source: SourceStaff})
	if err != nil {
		t.Fatalf("repeat mark paid: %v", err)
	}
	if !again.PaidAt.Equal(first) {
		t.Fatalf("expected paidAt preserved, got %v", again.PaidAt)
	}

	if got := events.types(); len(got) != 1 || got[0] != orderEventPaid {
		t.Fatalf("expected single paid event, got %v", got)
	}
	want := []string{"paid/payos/changed", "paid/staff/unchanged"}
	if len(metrics.reconciliations) != 2 || metrics.reconciliations[0] != want[0] || metrics.reconciliations[1] != want[1] {
		t.Fatalf("unexpected metrics: %v", metrics.reconciliations)
	}
}

func TestOrderReconcilerMarkDeliveredIndependentOfPaid(t *testing.T) {
	orders := newMemoryOrderRepo()
	orders.put(domain.Order{ID: "ord_1", Status: domain.OrderStatusActive})
	events := &recordingPublisher{}
	now := time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC)
	reconciler := newTestReconciler(t, orders, events, nil, now)

	order, err := reconciler.MarkDelivered(context.Background(), ReconcileCommand{OrderID: "ord_1", Source: SourceFulfillment, ActorID: "shipper-7"})
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if !order.IsDelivered || order.IsPaid {
		t.Fatalf("expected delivered but unpaid, got %+v", order)
	}
	if len(events.events) != 1 || events.events[0].Source != "fulfillment" || events.events[0].Actor != "shipper-7" {
		t.Fatalf("unexpected events: %+v", events.events)
	}
}

func TestOrderReconcilerReconcilesDeletedOrders(t *testing.T) {
	orders := newMemoryOrderRepo()
	orders.put(domain.Order{ID: "ord_1", Status: domain.OrderStatusDeleted})
	reconciler := newTestReconciler(t, orders, nil, nil, time.Now())

	order, err := reconciler.MarkPaid(context.Background(), ReconcileCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !order.IsPaid {
		t.Fatalf("expected deleted order marked paid")
	}
}

func TestOrderReconcilerErrors(t *testing.T) {
	reconciler := newTestReconciler(t, newMemoryOrderRepo(), nil, nil, time.Now())

	if _, err := reconciler.MarkPaid(context.Background(), ReconcileCommand{OrderID: " "}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := reconciler.MarkDelivered(context.Background(), ReconcileCommand{OrderID: "ord_missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderReconcilerApplyPaymentEvent(t *testing.T) {
	orders := newMemoryOrderRepo()
	orders.put(domain.Order{
		ID:         "ord_1",
		Status:     domain.OrderStatusActive,
		TotalPrice: 198000,
		Payment:    &domain.OrderPayment{Provider: "payos", OrderCode: 4242, Status: domain.PaymentLinkCreated},
	})
	metrics := &recordingMetrics{}
	reconciler := newTestReconciler(t, orders, nil, metrics, time.Now())
	ctx := context.Background()

	if _, applied, err := reconciler.ApplyPaymentEvent(ctx, PaymentEventCommand{Provider: "payos", OrderCode: 4242, Paid: false}); err != nil || applied {
		t.Fatalf("expected unpaid event ignored, applied=%v err=%v", applied, err)
	}
	// Stripe verifies events of every type; non-payment events carry no order code.
	if order, applied, err := reconciler.ApplyPaymentEvent(ctx, PaymentEventCommand{Provider: "stripe", Paid: false}); err != nil || applied || order.ID != "" {
		t.Fatalf("expected event without payment acknowledged, order=%q applied=%v err=%v", order.ID, applied, err)
	}
	if _, _, err := reconciler.ApplyPaymentEvent(ctx, PaymentEventCommand{Provider: "payos", Paid: true}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected paid event without code rejected, got %v", err)
	}
	if _, _, err := reconciler.ApplyPaymentEvent(ctx, PaymentEventCommand{Provider: "payos", OrderCode: 4242, Paid: true, Amount: 1000}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected underpayment rejected, got %v", err)
	}
	if _, _, err := reconciler.ApplyPaymentEvent(ctx, PaymentEventCommand{Provider: "payos", OrderCode: 123, Paid: true}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected unknown code not found, got %v", err)
	}

	order, applied, err := reconciler.ApplyPaymentEvent(ctx, PaymentEventCommand{Provider: "PayOS", OrderCode: 4242, Paid: true, Amount: 198000, Reference: "FT123"})
	if err != nil || !applied {
		t.Fatalf("expected event applied, applied=%v err=%v", applied, err)
	}
	if !order.IsPaid {
		t.Fatalf("expected order paid")
	}
	if len(metrics.reconciliations) != 1 || metrics.reconciliations[0] != "paid/payos/changed" {
		t.Fatalf("unexpected metrics: %v", metrics.reconciliations)
	}
}
