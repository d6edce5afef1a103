package services

import (
	"context"
	"errors"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/payments"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

const defaultSweepBatchSize = 100

// PaymentSweeperDeps bundles collaborators required to construct the sweeper.
type PaymentSweeperDeps struct {
	Orders     repositories.OrderRepository
	Payments   PaymentGateway
	Reconciler OrderReconciler
	Metrics    SweepMetrics
	BatchSize  int
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentSweeper struct {
	orders     repositories.OrderRepository
	gateway    PaymentGateway
	reconciler OrderReconciler
	metrics    SweepMetrics
	batchSize  int
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

var _ PaymentSweeper = (*paymentSweeper)(nil)

// NewPaymentSweeper builds the sweeper that reconciles payments whose webhook was lost.
func NewPaymentSweeper(deps PaymentSweeperDeps) (PaymentSweeper, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("payment sweeper: order repository is required")
	case deps.Payments == nil:
		return nil, errors.New("payment sweeper: payment gateway is required")
	case deps.Reconciler == nil:
		return nil, errors.New("payment sweeper: reconciler is required")
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentSweeper{
		orders:     deps.Orders,
		gateway:    deps.Payments,
		reconciler: deps.Reconciler,
		metrics:    deps.Metrics,
		batchSize:  batch,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Sweep looks up each awaiting order at its provider and marks paid the ones
// the provider reports paid. Per-order failures are counted, not returned.
func (s *paymentSweeper) Sweep(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 || limit > s.batchSize {
		limit = s.batchSize
	}
	orders, err := s.orders.ListAwaitingPayment(ctx, limit)
	if err != nil {
		return SweepResult{}, mapRepositoryError(err)
	}

	var result SweepResult
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			break
		}
		if order.Payment == nil || order.Payment.OrderCode <= 0 {
			continue
		}
		result.Checked++

		state, err := s.gateway.LookupPaymentLink(ctx, order.Payment.Provider, payments.LookupRequest{
			OrderCode:     order.Payment.OrderCode,
			PaymentLinkID: order.Payment.PaymentLinkID,
		})
		if err != nil {
			result.Failed++
			s.logger(ctx, "payment.sweep.lookup.failed", map[string]any{
				"orderId":   order.ID,
				"orderCode": order.Payment.OrderCode,
				"error":     err.Error(),
			})
			continue
		}
		if closed, ok := closedLinkStatus(state.Status); ok {
			s.closeLink(ctx, order, closed)
			continue
		}
		if state.Status != payments.LinkPaid {
			continue
		}
		if _, err := s.reconciler.MarkPaid(ctx, ReconcileCommand{
			OrderID:   order.ID,
			Source:    SourceSweeper,
			Reference: state.PaymentLinkID,
		}); err != nil {
			result.Failed++
			s.logger(ctx, "payment.sweep.mark_paid.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		result.Paid++
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(result.Checked, result.Paid, result.Failed, s.clock())
	}
	s.logger(ctx, "payment.sweep.completed", map[string]any{
		"checked": result.Checked,
		"paid":    result.Paid,
		"failed":  result.Failed,
	})
	return result, ctx.Err()
}

// closedLinkStatus maps provider states that can never be paid to the stored
// link status that takes the order out of the awaiting-payment set.
func closedLinkStatus(status payments.LinkStatus) (domain.PaymentLinkStatus, bool) {
	switch status {
	case payments.LinkExpired:
		return domain.PaymentLinkExpired, true
	case payments.LinkCancelled:
		return domain.PaymentLinkCancelled, true
	case payments.LinkNotFound:
		return domain.PaymentLinkFailed, true
	}
	return "", false
}

func (s *paymentSweeper) closeLink(ctx context.Context, order Order, status domain.PaymentLinkStatus) {
	payment := *order.Payment
	payment.Status = status
	payment.UpdatedAt = s.clock()
	if status == domain.PaymentLinkFailed {
		payment.LastError = "provider has no link for the order code"
	}
	if _, err := s.orders.SetPayment(ctx, order.ID, payment); err != nil {
		s.logger(ctx, "payment.sweep.close.failed", map[string]any{
			"orderId": order.ID,
			"status":  string(status),
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "payment.sweep.link.closed", map[string]any{
		"orderId":   order.ID,
		"orderCode": payment.OrderCode,
		"status":    string(status),
	})
}
