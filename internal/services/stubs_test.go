package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/payments"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

type stubRepoError struct {
	notFound bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return false }
func (e stubRepoError) IsUnavailable() bool { return !e.notFound }

type stubCatalog struct {
	products map[string]domain.ProductSnapshot
	err      error
	calls    int
}

func (s *stubCatalog) ResolveMany(_ context.Context, ids []string) (map[string]domain.ProductSnapshot, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]domain.ProductSnapshot, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

// memoryOrderRepo keeps orders in a map and mirrors the compare-and-set
// behaviour of the Firestore repository.
type memoryOrderRepo struct {
	mu         sync.Mutex
	orders     map[string]domain.Order
	createErr  error
	paymentErr error
	listErr    error
	creates    int
	payments   []domain.OrderPayment
}

func newMemoryOrderRepo() *memoryOrderRepo {
	return &memoryOrderRepo{orders: map[string]domain.Order{}}
}

func (r *memoryOrderRepo) Create(_ context.Context, order domain.Order) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	r.creates++
	r.orders[order.ID] = order
	return order.ID, nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, stubRepoError{notFound: true}
	}
	return order, nil
}

func (r *memoryOrderRepo) FindByPaymentCode(_ context.Context, code int64) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.Payment != nil && order.Payment.OrderCode == code {
			return order, nil
		}
	}
	return domain.Order{}, stubRepoError{notFound: true}
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return domain.CursorPage[domain.Order]{}, r.listErr
	}
	var page domain.CursorPage[domain.Order]
	for _, order := range r.orders {
		if order.Deleted() && !filter.IncludeDeleted {
			continue
		}
		if filter.Requester != nil && order.Requester.Key() != filter.Requester.Key() {
			continue
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func (r *memoryOrderRepo) ListAwaitingPayment(_ context.Context, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.IsPaid || order.Deleted() || order.Payment == nil {
			continue
		}
		switch order.Payment.Status {
		case domain.PaymentLinkPending, domain.PaymentLinkCreated, domain.PaymentLinkUnknown:
			out = append(out, order)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryOrderRepo) SetPayment(_ context.Context, orderID string, payment domain.OrderPayment) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paymentErr != nil {
		return domain.Order{}, r.paymentErr
	}
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, stubRepoError{notFound: true}
	}
	r.payments = append(r.payments, payment)
	order.Payment = &payment
	order.UpdatedAt = payment.UpdatedAt
	r.orders[orderID] = order
	return order, nil
}

func (r *memoryOrderRepo) SetPaid(_ context.Context, orderID string, at time.Time) (domain.Order, bool, error) {
	return r.transition(orderID, func(order *domain.Order) bool {
		if order.IsPaid {
			return false
		}
		order.IsPaid = true
		order.PaidAt = &at
		return true
	})
}

func (r *memoryOrderRepo) SetDelivered(_ context.Context, orderID string, at time.Time) (domain.Order, bool, error) {
	return r.transition(orderID, func(order *domain.Order) bool {
		if order.IsDelivered {
			return false
		}
		order.IsDelivered = true
		order.DeliveredAt = &at
		return true
	})
}

func (r *memoryOrderRepo) SoftDelete(_ context.Context, orderID string, at time.Time) (domain.Order, bool, error) {
	return r.transition(orderID, func(order *domain.Order) bool {
		if order.Deleted() {
			return false
		}
		order.Status = domain.OrderStatusDeleted
		order.DeletedAt = &at
		return true
	})
}

func (r *memoryOrderRepo) transition(orderID string, apply func(*domain.Order) bool) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, false, stubRepoError{notFound: true}
	}
	changed := apply(&order)
	r.orders[orderID] = order
	return order, changed, nil
}

func (r *memoryOrderRepo) put(order domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
}

func (r *memoryOrderRepo) get(orderID string) (domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	return order, ok
}

type stubCounters struct {
	next  int64
	err   error
	calls int
}

func (s *stubCounters) Next(_ context.Context, _ string, step int64) (int64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	s.next += step
	return s.next, nil
}

type stubGateway struct {
	defaultProvider string
	createFn        func(context.Context, payments.PaymentLinkRequest) (domain.PaymentDescriptor, error)
	lookupFn        func(context.Context, payments.LookupRequest) (payments.LinkState, error)
	created         []payments.PaymentLinkRequest
	lookups         []payments.LookupRequest
}

func (g *stubGateway) DefaultProvider() string { return g.defaultProvider }

func (g *stubGateway) CreatePaymentLink(ctx context.Context, provider string, req payments.PaymentLinkRequest) (domain.PaymentDescriptor, error) {
	g.created = append(g.created, req)
	if g.createFn != nil {
		return g.createFn(ctx, req)
	}
	return domain.PaymentDescriptor{
		Provider:      provider,
		PaymentLinkID: "plink_" + strconv.FormatInt(req.OrderCode, 10),
		Status:        string(payments.LinkPending),
		CheckoutURL:   "https://pay.example.com/" + provider,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		OrderCode:     req.OrderCode,
	}, nil
}

func (g *stubGateway) LookupPaymentLink(ctx context.Context, _ string, req payments.LookupRequest) (payments.LinkState, error) {
	g.lookups = append(g.lookups, req)
	if g.lookupFn != nil {
		return g.lookupFn(ctx, req)
	}
	return payments.LinkState{Status: payments.LinkNotFound, OrderCode: req.OrderCode}, nil
}

type recordingPublisher struct {
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingMetrics struct {
	reconciliations []string
	links           []string
	sweeps          []SweepResult
}

func (m *recordingMetrics) RecordReconciliation(kind, source string, changed bool) {
	state := "unchanged"
	if changed {
		state = "changed"
	}
	m.reconciliations = append(m.reconciliations, kind+"/"+source+"/"+state)
}

func (m *recordingMetrics) RecordPaymentLink(provider, outcome string, _ time.Duration) {
	m.links = append(m.links, provider+"/"+outcome)
}

func (m *recordingMetrics) RecordSweep(checked, paid, failed int, _ time.Time) {
	m.sweeps = append(m.sweeps, SweepResult{Checked: checked, Paid: paid, Failed: failed})
}

var errStubFailure = errors.New("stub failure")

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
