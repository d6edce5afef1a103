package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/payments"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/metrics"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/pagination"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/textutil"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

const (
	orderEventCreated   = "order.created"
	orderEventPaid      = "order.paid"
	orderEventDelivered = "order.delivered"
	orderEventDeleted   = "order.deleted"

	orderIDPrefix = "ord_"

	// PaymentOrderCodeCounter is the counter that allocates provider order codes.
	PaymentOrderCodeCounter = "payment_order_codes"

	maxOrderDescriptionLength = 25
	maxLastErrorLength        = 512
	defaultPaymentTimeout     = 10 * time.Second
	defaultCurrency           = "VND"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the order cannot accept the requested action.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrPaymentProvider indicates the provider refused or failed the link request.
	ErrPaymentProvider = errors.New("order: payment provider failure")
	// ErrPaymentOutcomeUnknown indicates the link request timed out; the
	// provider may hold a link for the order code.
	ErrPaymentOutcomeUnknown = errors.New("order: payment outcome unknown")
	// ErrPersistence indicates the order store failed.
	ErrPersistence = errors.New("order: persistence failure")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Stats          repositories.OrderStatsRepository
	Catalog        repositories.CatalogReader
	Counters       repositories.CounterRepository
	Pricing        PricingEngine
	Payments       PaymentGateway
	Reconciler     OrderReconciler
	Events         OrderEventPublisher
	Metrics        PaymentLinkMetrics
	Currency       string
	ReturnURL      string
	CancelURL      string
	// OfflinePayment reports payment methods settled without a payment link.
	OfflinePayment func(method string) bool
	PaymentTimeout time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	stats          repositories.OrderStatsRepository
	catalog        repositories.CatalogReader
	counters       repositories.CounterRepository
	pricing        PricingEngine
	gateway        PaymentGateway
	reconciler     OrderReconciler
	events         OrderEventPublisher
	metrics        PaymentLinkMetrics
	currency       string
	returnURL      string
	cancelURL      string
	offline        func(string) bool
	paymentTimeout time.Duration
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}
	if deps.Payments != nil && deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required when payments are enabled")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	offline := deps.OfflinePayment
	if offline == nil {
		offline = func(string) bool { return false }
	}

	timeout := deps.PaymentTimeout
	if timeout <= 0 {
		timeout = defaultPaymentTimeout
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	return &orderService{
		orders:         deps.Orders,
		stats:          deps.Stats,
		catalog:        deps.Catalog,
		counters:       deps.Counters,
		pricing:        deps.Pricing,
		gateway:        deps.Payments,
		reconciler:     deps.Reconciler,
		events:         deps.Events,
		metrics:        deps.Metrics,
		currency:       currency,
		returnURL:      strings.TrimSpace(deps.ReturnURL),
		cancelURL:      strings.TrimSpace(deps.CancelURL),
		offline:        offline,
		paymentTimeout: timeout,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

type linkTarget struct {
	provider    string
	description string
	returnURL   string
	cancelURL   string
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	result := CreateOrderResult{Stage: StageReceived}

	order, target, err := s.prepareOrder(cmd)
	if err != nil {
		result.Stage = StageRejectedInput
		return result, err
	}

	priced, err := s.pricing.Price(ctx, cmd.Lines)
	if err != nil {
		result.Stage = StageRejectedPricing
		return result, err
	}
	result.Stage = StagePriced

	now := s.now()
	order.ID = s.nextOrderID()
	order.Lines = priced.Lines
	order.TotalPrice = priced.TotalPrice
	order.CreatedAt = now
	order.UpdatedAt = now

	// Nothing to collect; providers reject zero-amount links.
	if order.TotalPrice == 0 {
		target = nil
	}
	if target != nil {
		code, err := s.nextOrderCode(ctx)
		if err != nil {
			return result, err
		}
		order.Payment = &OrderPayment{
			Provider:    target.provider,
			OrderCode:   code,
			Status:      domain.PaymentLinkPending,
			RequestedAt: now,
			UpdatedAt:   now,
		}
	}

	id, err := s.orders.Create(ctx, order)
	if err != nil {
		s.logger(ctx, "order.create.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return result, fmt.Errorf("%w: create order: %v", ErrPersistence, err)
	}
	if strings.TrimSpace(id) != "" {
		order.ID = id
	}
	result.Order = order
	result.Stage = StagePersisted

	s.publishEvent(ctx, OrderEvent{
		Type:         orderEventCreated,
		OrderID:      order.ID,
		RequesterKey: order.Requester.Key(),
		TotalPrice:   order.TotalPrice,
		Currency:     order.Currency,
		Actor:        order.CreatedBy,
		OccurredAt:   now,
	})

	if target == nil {
		result.Stage = StageCompleted
		return result, nil
	}

	result.Stage = StageLinkRequested
	descriptor, updated, err := s.requestLink(ctx, order, order.Payment.OrderCode, *target)
	result.Order = updated
	if err != nil {
		result.Stage = StagePersistedNoLink
		return result, err
	}
	result.Payment = &descriptor
	result.Stage = StageCompleted
	return result, nil
}

// prepareOrder validates everything that does not need the catalog and returns
// the order skeleton plus the payment link target, nil when no link is wanted.
func (s *orderService) prepareOrder(cmd CreateOrderCommand) (Order, *linkTarget, error) {
	requester := cmd.Requester
	requester.UserID = strings.TrimSpace(requester.UserID)
	requester.Label = textutil.CleanText(requester.Label)
	if !requester.Valid() {
		return Order{}, nil, fmt.Errorf("%w: requester is required", ErrOrderInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Order{}, nil, fmt.Errorf("%w: no products specified", ErrOrderInvalidInput)
	}

	address := ShippingAddress{
		Name:        textutil.CleanText(cmd.ShippingAddress.Name),
		Age:         cmd.ShippingAddress.Age,
		Address:     textutil.CleanText(cmd.ShippingAddress.Address),
		PhoneNumber: strings.TrimSpace(cmd.ShippingAddress.PhoneNumber),
	}
	switch {
	case address.Name == "":
		return Order{}, nil, fmt.Errorf("%w: shippingAddress.name is required", ErrOrderInvalidInput)
	case address.Address == "":
		return Order{}, nil, fmt.Errorf("%w: shippingAddress.address is required", ErrOrderInvalidInput)
	case address.PhoneNumber == "":
		return Order{}, nil, fmt.Errorf("%w: shippingAddress.phoneNumber is required", ErrOrderInvalidInput)
	case address.Age < 0:
		return Order{}, nil, fmt.Errorf("%w: shippingAddress.age must not be negative", ErrOrderInvalidInput)
	}

	method := textutil.CleanText(cmd.PaymentMethod)
	if method == "" {
		return Order{}, nil, fmt.Errorf("%w: paymentMethod is required", ErrOrderInvalidInput)
	}

	description, err := cleanDescription(cmd.Description)
	if err != nil {
		return Order{}, nil, err
	}
	returnURL, cancelURL, err := s.resolveURLs(cmd.ReturnURL, cmd.CancelURL)
	if err != nil {
		return Order{}, nil, err
	}

	order := Order{
		Requester:       requester,
		ShippingAddress: address,
		PaymentMethod:   method,
		Description:     description,
		Currency:        s.currency,
		Status:          domain.OrderStatusActive,
		CreatedBy:       strings.TrimSpace(cmd.ActorID),
	}

	provider := s.providerFor(cmd.Provider)
	if provider == "" || s.offline(method) {
		return order, nil, nil
	}
	if returnURL == "" || cancelURL == "" {
		return Order{}, nil, fmt.Errorf("%w: returnUrl and cancelUrl are required for online payment", ErrOrderInvalidInput)
	}
	return order, &linkTarget{
		provider:    provider,
		description: description,
		returnURL:   returnURL,
		cancelURL:   cancelURL,
	}, nil
}

func (s *orderService) RetryPaymentLink(ctx context.Context, cmd RetryPaymentLinkCommand) (PaymentLinkResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentLinkResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	description, err := cleanDescription(cmd.Description)
	if err != nil {
		return PaymentLinkResult{}, err
	}
	returnURL, cancelURL, err := s.resolveURLs(cmd.ReturnURL, cmd.CancelURL)
	if err != nil {
		return PaymentLinkResult{}, err
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentLinkResult{}, mapRepositoryError(err)
	}
	switch {
	case order.Deleted():
		return PaymentLinkResult{}, fmt.Errorf("%w: order %s is deleted", ErrOrderInvalidState, order.ID)
	case order.IsPaid:
		return PaymentLinkResult{}, fmt.Errorf("%w: order %s is already paid", ErrOrderInvalidState, order.ID)
	case s.gateway == nil:
		return PaymentLinkResult{}, fmt.Errorf("%w: payment links are disabled", ErrOrderInvalidState)
	case order.TotalPrice == 0:
		return PaymentLinkResult{}, fmt.Errorf("%w: order %s has nothing to pay", ErrOrderInvalidState, order.ID)
	}

	provider := s.providerFor(cmd.Provider)
	if order.Payment != nil && strings.TrimSpace(cmd.Provider) == "" && order.Payment.Provider != "" {
		provider = order.Payment.Provider
	}
	if provider == "" || s.offline(order.PaymentMethod) {
		return PaymentLinkResult{}, fmt.Errorf("%w: order %s does not use an online payment method", ErrOrderInvalidState, order.ID)
	}
	if returnURL == "" || cancelURL == "" {
		return PaymentLinkResult{}, fmt.Errorf("%w: returnUrl and cancelUrl are required for online payment", ErrOrderInvalidInput)
	}
	if description == "" {
		description = order.Description
	}
	target := linkTarget{provider: provider, description: description, returnURL: returnURL, cancelURL: cancelURL}

	var code int64
	if order.Payment != nil && order.Payment.OrderCode > 0 && order.Payment.Provider == provider {
		code = order.Payment.OrderCode
		state, err := s.gateway.LookupPaymentLink(ctx, provider, payments.LookupRequest{
			OrderCode:     code,
			PaymentLinkID: order.Payment.PaymentLinkID,
		})
		if err != nil {
			return PaymentLinkResult{}, mapPaymentError(err)
		}
		switch {
		case state.Status == payments.LinkPaid:
			if s.reconciler != nil {
				if _, err := s.reconciler.MarkPaid(ctx, ReconcileCommand{
					OrderID:   order.ID,
					Source:    ReconcileSource(provider),
					ActorID:   strings.TrimSpace(cmd.ActorID),
					Reference: state.PaymentLinkID,
				}); err != nil {
					return PaymentLinkResult{}, err
				}
			}
			return PaymentLinkResult{}, fmt.Errorf("%w: order %s is already paid", ErrOrderInvalidState, order.ID)
		case state.Status.Reusable():
			if reused, ok := s.reuseLink(ctx, order, state); ok {
				return reused, nil
			}
			code = 0
		case state.Status == payments.LinkCancelled || state.Status == payments.LinkExpired:
			code = 0
		}
	}
	if code == 0 {
		code, err = s.nextOrderCode(ctx)
		if err != nil {
			return PaymentLinkResult{}, err
		}
	}

	descriptor, updated, err := s.requestLink(ctx, order, code, target)
	if err != nil {
		return PaymentLinkResult{Order: updated}, err
	}
	return PaymentLinkResult{Order: updated, Payment: descriptor}, nil
}

// reuseLink returns the provider's pending link for the order code. It fails
// when no checkout URL is known for the link.
func (s *orderService) reuseLink(ctx context.Context, order Order, state payments.LinkState) (PaymentLinkResult, bool) {
	payment := *order.Payment
	if id := strings.TrimSpace(state.PaymentLinkID); id != "" {
		payment.PaymentLinkID = id
	}
	if url := strings.TrimSpace(state.CheckoutURL); url != "" {
		payment.CheckoutURL = url
	}
	if payment.CheckoutURL == "" {
		return PaymentLinkResult{}, false
	}
	if payment.Status != domain.PaymentLinkCreated {
		payment.Status = domain.PaymentLinkCreated
		payment.LastError = ""
		payment.UpdatedAt = s.now()
		if updated, err := s.orders.SetPayment(ctx, order.ID, payment); err == nil {
			order = updated
		} else {
			s.logger(ctx, "order.payment.store.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			order.Payment = &payment
		}
	}
	s.recordLink(payment.Provider, metrics.LinkOutcomeReused, 0)
	return PaymentLinkResult{
		Order:   order,
		Payment: descriptorFromPayment(order, payment),
		Reused:  true,
	}, true
}

// requestLink calls the provider under the payment timeout and records the
// outcome on the order. The returned order reflects the stored payment state.
func (s *orderService) requestLink(ctx context.Context, order Order, code int64, target linkTarget) (PaymentDescriptor, Order, error) {
	description := target.description
	if description == "" {
		description = fmt.Sprintf("DH %d", code)
	}
	req := payments.PaymentLinkRequest{
		OrderCode:   code,
		Amount:      order.TotalPrice,
		Currency:    order.Currency,
		Description: description,
		ReturnURL:   target.returnURL,
		CancelURL:   target.cancelURL,
		Metadata:    map[string]string{"orderId": order.ID},
	}
	for _, line := range order.Lines {
		req.Items = append(req.Items, payments.LinkItem{Name: line.Name, Quantity: line.Quantity, Price: line.Price})
	}

	requestedAt := s.now()
	callCtx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	descriptor, callErr := s.gateway.CreatePaymentLink(callCtx, target.provider, req)
	cancel()
	now := s.now()

	payment := OrderPayment{
		Provider:    target.provider,
		OrderCode:   code,
		RequestedAt: requestedAt,
		UpdatedAt:   now,
	}
	outcome := metrics.LinkOutcomeCreated
	if callErr != nil {
		callErr = mapPaymentError(callErr)
		payment.Status = domain.PaymentLinkFailed
		outcome = metrics.LinkOutcomeFailed
		if errors.Is(callErr, ErrPaymentOutcomeUnknown) {
			payment.Status = domain.PaymentLinkUnknown
			outcome = metrics.LinkOutcomeUnknown
		}
		payment.LastError = truncateError(callErr.Error())
	} else {
		payment.Status = domain.PaymentLinkCreated
		payment.PaymentLinkID = descriptor.PaymentLinkID
		payment.CheckoutURL = descriptor.CheckoutURL
	}
	s.recordLink(target.provider, outcome, now.Sub(requestedAt))

	// The caller's context may already be past its deadline; the outcome must
	// still be recorded.
	storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(ctx), s.paymentTimeout)
	defer storeCancel()
	updated, err := s.orders.SetPayment(storeCtx, order.ID, payment)
	if err != nil {
		s.logger(ctx, "order.payment.store.failed", map[string]any{
			"orderId":   order.ID,
			"orderCode": code,
			"status":    string(payment.Status),
			"error":     err.Error(),
		})
		updated = order
		updated.Payment = &payment
	}

	fields := map[string]any{
		"orderId":   order.ID,
		"orderCode": code,
		"provider":  target.provider,
		"status":    string(payment.Status),
	}
	if callErr != nil {
		fields["error"] = callErr.Error()
		s.logger(ctx, "order.payment.link.failed", fields)
		return PaymentDescriptor{}, updated, callErr
	}
	s.logger(ctx, "order.payment.link.created", fields)
	return descriptor, updated, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (OrderView, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderView{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderView{}, mapRepositoryError(err)
	}
	views := s.enrich(ctx, []Order{order})
	return views[0], nil
}

func (s *orderService) ListAll(ctx context.Context, filter OrderListFilter) (domain.CursorPage[OrderView], error) {
	return s.list(ctx, repositories.OrderListFilter{
		IncludeDeleted: filter.IncludeDeleted,
		Pagination:     filter.Pagination,
	})
}

func (s *orderService) ListByRequester(ctx context.Context, requester Requester, page Pagination) (domain.CursorPage[OrderView], error) {
	if !requester.Valid() {
		return domain.CursorPage[OrderView]{}, fmt.Errorf("%w: requester is required", ErrOrderInvalidInput)
	}
	return s.list(ctx, repositories.OrderListFilter{
		Requester:  &requester,
		Pagination: page,
	})
}

func (s *orderService) list(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[OrderView], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[OrderView]{}, mapRepositoryError(err)
	}
	return domain.CursorPage[OrderView]{
		Items:         s.enrich(ctx, page.Items),
		NextPageToken: page.NextPageToken,
	}, nil
}

// enrich resolves current product names for display. Lookup failures fall back
// to the stored snapshot names.
func (s *orderService) enrich(ctx context.Context, orders []Order) []OrderView {
	views := make([]OrderView, len(orders))
	seen := make(map[string]struct{})
	var ids []string
	for i, order := range orders {
		views[i] = OrderView{Order: order, ProductNames: map[string]string{}}
		for _, line := range order.Lines {
			if _, ok := seen[line.ProductID]; ok {
				continue
			}
			seen[line.ProductID] = struct{}{}
			ids = append(ids, line.ProductID)
		}
	}
	if s.catalog == nil || len(ids) == 0 {
		return views
	}
	products, err := s.catalog.ResolveMany(ctx, ids)
	if err != nil {
		s.logger(ctx, "order.enrich.failed", map[string]any{"error": err.Error()})
		return views
	}
	for i := range views {
		for _, line := range views[i].Lines {
			if product, ok := products[line.ProductID]; ok {
				views[i].ProductNames[line.ProductID] = product.Name
			}
		}
	}
	return views
}

func (s *orderService) DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	now := s.now()
	order, changed, err := s.orders.SoftDelete(ctx, orderID, now)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	if changed {
		s.publishEvent(ctx, OrderEvent{
			Type:         orderEventDeleted,
			OrderID:      order.ID,
			RequesterKey: order.Requester.Key(),
			TotalPrice:   order.TotalPrice,
			Currency:     order.Currency,
			Actor:        strings.TrimSpace(cmd.ActorID),
			OccurredAt:   now,
		})
	}
	return order, nil
}

func (s *orderService) CountOrders(ctx context.Context) (int64, error) {
	if s.stats == nil {
		return 0, errors.New("order service: stats repository not configured")
	}
	count, err := s.stats.CountActive(ctx)
	if err != nil {
		return 0, mapRepositoryError(err)
	}
	return count, nil
}

func (s *orderService) TotalSales(ctx context.Context) (int64, error) {
	if s.stats == nil {
		return 0, errors.New("order service: stats repository not configured")
	}
	total, err := s.stats.SumActiveTotals(ctx)
	if err != nil {
		return 0, mapRepositoryError(err)
	}
	return total, nil
}

// SalesByDate groups paid, active orders by the UTC day they were paid,
// oldest day first.
func (s *orderService) SalesByDate(ctx context.Context) ([]DailySales, error) {
	if s.stats == nil {
		return nil, errors.New("order service: stats repository not configured")
	}
	sales, err := s.stats.PaidSales(ctx)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	byDay := make(map[string]*DailySales)
	for _, sale := range sales {
		if sale.PaidAt.IsZero() {
			continue
		}
		day := sale.PaidAt.UTC().Format(time.DateOnly)
		entry, ok := byDay[day]
		if !ok {
			entry = &DailySales{Date: day}
			byDay[day] = entry
		}
		entry.TotalSales += sale.TotalPrice
		entry.Orders++
	}
	result := make([]DailySales, 0, len(byDay))
	for _, entry := range byDay {
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

func (s *orderService) providerFor(requested string) string {
	if s.gateway == nil {
		return ""
	}
	if name := strings.ToLower(strings.TrimSpace(requested)); name != "" {
		return name
	}
	return s.gateway.DefaultProvider()
}

func (s *orderService) resolveURLs(returnURL, cancelURL string) (string, string, error) {
	returnURL = strings.TrimSpace(returnURL)
	cancelURL = strings.TrimSpace(cancelURL)
	if returnURL != "" {
		if err := payments.ValidateRedirectURL("returnUrl", returnURL); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	} else {
		returnURL = s.returnURL
	}
	if cancelURL != "" {
		if err := payments.ValidateRedirectURL("cancelUrl", cancelURL); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	} else {
		cancelURL = s.cancelURL
	}
	return returnURL, cancelURL, nil
}

func (s *orderService) nextOrderCode(ctx context.Context) (int64, error) {
	if s.counters == nil {
		return 0, fmt.Errorf("%w: order code counter not configured", ErrPersistence)
	}
	code, err := s.counters.Next(ctx, PaymentOrderCodeCounter, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: allocate order code: %v", ErrPersistence, err)
	}
	return code, nil
}

func (s *orderService) recordLink(provider, outcome string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordPaymentLink(provider, outcome, duration)
	}
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func cleanDescription(raw string) (string, error) {
	description := textutil.CleanText(raw)
	if n := textutil.RuneLen(description); n > maxOrderDescriptionLength {
		return "", fmt.Errorf("%w: description has %d characters, max %d", ErrOrderInvalidInput, n, maxOrderDescriptionLength)
	}
	return description, nil
}

func descriptorFromPayment(order Order, payment OrderPayment) PaymentDescriptor {
	return PaymentDescriptor{
		Provider:      payment.Provider,
		PaymentLinkID: payment.PaymentLinkID,
		Status:        string(payments.LinkPending),
		CheckoutURL:   payment.CheckoutURL,
		Amount:        order.TotalPrice,
		Currency:      order.Currency,
		Description:   order.Description,
		OrderCode:     payment.OrderCode,
	}
}

// truncateError caps message at maxLastErrorLength bytes without splitting a rune.
func truncateError(message string) string {
	if len(message) <= maxLastErrorLength {
		return message
	}
	cut := maxLastErrorLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return strings.ToValidUTF8(message[:cut], "")
}

func mapPaymentError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrOutcomeUnknown):
		return fmt.Errorf("%w: %v", ErrPaymentOutcomeUnknown, err)
	case errors.Is(err, payments.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
