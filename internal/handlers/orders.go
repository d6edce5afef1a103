package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/auth"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/httpx"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/pagination"
	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

const (
	maxOrderBodySize     = 64 * 1024
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100

	// OrderIDHeader is set on every response for which an order exists.
	OrderIDHeader = "X-Order-Id"

	requesterModeUser  = "user"
	requesterModeStaff = "staff"
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

// OrderHandlers serves the /orders endpoints.
type OrderHandlers struct {
	authn         *auth.Authenticator
	orders        services.OrderService
	reconciler    services.OrderReconciler
	requesterMode string
	currency      string
	idempotency   func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithRequesterMode selects whether orders belong to the signed-in user
// ("user") or to a label typed by staff ("staff").
func WithRequesterMode(mode string) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if mode = strings.ToLower(strings.TrimSpace(mode)); mode != "" {
			h.requesterMode = mode
		}
	}
}

// WithOrderIdempotency wraps order creation and payment link requests.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithSalesCurrency sets the currency reported by the sales totals.
func WithSalesCurrency(currency string) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
			h.currency = currency
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, reconciler services.OrderReconciler, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:         authn,
		orders:        orders,
		reconciler:    reconciler,
		requesterMode: requesterModeUser,
		currency:      "VND",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	staff := auth.RequireRoles(auth.RoleStaff, auth.RoleAdmin)

	create := []func(http.Handler) http.Handler{}
	if h.requesterMode == requesterModeStaff {
		create = append(create, staff)
	}
	var idem []func(http.Handler) http.Handler
	if h.idempotency != nil {
		idem = append(idem, h.idempotency)
	}

	r.With(append(create, idem...)...).Post("/", h.createOrder)
	r.With(staff).Get("/", h.listOrders)
	r.Get("/mine", h.listMine)
	r.With(staff).Get("/requesters/{requesterID}", h.listByRequester)
	r.With(staff).Get("/total-orders", h.totalOrders)
	r.With(staff).Get("/total-sales", h.totalSales)
	r.With(staff).Get("/total-sales-by-date", h.salesByDate)
	r.Get("/{orderID}", h.getOrder)
	r.With(staff).Put("/{orderID}/pay", h.markPaid)
	r.With(staff).Put("/{orderID}/deliver", h.markDelivered)
	r.With(staff).Delete("/{orderID}", h.deleteOrder)
	r.With(idem...).Post("/{orderID}/payment-link", h.paymentLink)
}

type orderProductRequest struct {
	Product  string `json:"product"`
	Quantity int    `json:"quantity"`
}

type shippingAddressPayload struct {
	Name        string `json:"name"`
	Age         int    `json:"age"`
	Address     string `json:"address"`
	PhoneNumber string `json:"phoneNumber"`
}

type createOrderRequest struct {
	Staff           string                 `json:"staff"`
	Products        []orderProductRequest  `json:"products"`
	ShippingAddress shippingAddressPayload `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	Description     string                 `json:"description"`
	ReturnURL       string                 `json:"returnUrl"`
	CancelURL       string                 `json:"cancelUrl"`
	Provider        string                 `json:"provider"`
}

type paymentLinkRequest struct {
	Description string `json:"description"`
	ReturnURL   string `json:"returnUrl"`
	CancelURL   string `json:"cancelUrl"`
	Provider    string `json:"provider"`
}

type markPaidRequest struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	UpdateTime string `json:"update_time"`
}

type requesterPayload struct {
	Kind   string `json:"kind"`
	UserID string `json:"userId,omitempty"`
	Label  string `json:"label,omitempty"`
}

// orderLinePayload carries the name and price frozen at order time. CurrentName
// is the catalog name today, set only when it differs.
type orderLinePayload struct {
	Product     string `json:"product"`
	Name        string `json:"name"`
	CurrentName string `json:"currentName,omitempty"`
	Quantity    int    `json:"quantity"`
	Price       int64  `json:"price"`
}

type orderPaymentPayload struct {
	Provider      string `json:"provider"`
	OrderCode     int64  `json:"orderCode"`
	PaymentLinkID string `json:"paymentLinkId,omitempty"`
	CheckoutURL   string `json:"checkoutUrl,omitempty"`
	Status        string `json:"status"`
	RequestedAt   string `json:"requestedAt,omitempty"`
}

type orderPayload struct {
	ID              string                 `json:"id"`
	Requester       requesterPayload       `json:"requester"`
	Staff           string                 `json:"staff,omitempty"`
	Products        []orderLinePayload     `json:"products"`
	ShippingAddress shippingAddressPayload `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	Description     string                 `json:"description,omitempty"`
	TotalPrice      int64                  `json:"totalPrice"`
	Currency        string                 `json:"currency"`
	IsPaid          bool                   `json:"isPaid"`
	PaidAt          string                 `json:"paidAt,omitempty"`
	IsDelivered     bool                   `json:"isDelivered"`
	DeliveredAt     string                 `json:"deliveredAt,omitempty"`
	Status          string                 `json:"status"`
	DeletedAt       string                 `json:"deletedAt,omitempty"`
	Payment         *orderPaymentPayload   `json:"payment,omitempty"`
	CreatedAt       string                 `json:"createdAt"`
	UpdatedAt       string                 `json:"updatedAt"`
}

type paymentDataPayload struct {
	Provider      string `json:"provider"`
	Bin           string `json:"bin,omitempty"`
	CheckoutURL   string `json:"checkoutUrl"`
	AccountNumber string `json:"accountNumber,omitempty"`
	AccountName   string `json:"accountName,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	Description   string `json:"description"`
	OrderCode     int64  `json:"orderCode"`
	QRCode        string `json:"qrCode,omitempty"`
	PaymentLinkID string `json:"paymentLinkId,omitempty"`
	Status        string `json:"status,omitempty"`
}

type orderResponse struct {
	Order       orderPayload        `json:"order"`
	PaymentData *paymentDataPayload `json:"paymentData,omitempty"`
	Reused      bool                `json:"reused,omitempty"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type dailySalesPayload struct {
	Date       string `json:"date"`
	TotalSales int64  `json:"totalSales"`
	Orders     int64  `json:"orders"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req, true) {
		return
	}

	requester := domain.AuthenticatedUser(identity.UID)
	if h.requesterMode == requesterModeStaff {
		requester = domain.StaffEntered(req.Staff)
	}

	lines := make([]services.PricingLine, 0, len(req.Products))
	for _, item := range req.Products {
		lines = append(lines, services.PricingLine{ProductID: item.Product, Quantity: item.Quantity})
	}

	result, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		Requester: requester,
		Lines:     lines,
		ShippingAddress: services.ShippingAddress{
			Name:        req.ShippingAddress.Name,
			Age:         req.ShippingAddress.Age,
			Address:     req.ShippingAddress.Address,
			PhoneNumber: req.ShippingAddress.PhoneNumber,
		},
		PaymentMethod: req.PaymentMethod,
		Description:   req.Description,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
		Provider:      req.Provider,
		ActorID:       identity.Actor(),
	})
	if err != nil {
		if result.Stage == services.StagePersistedNoLink && result.Order.ID != "" {
			w.Header().Set(OrderIDHeader, result.Order.ID)
			writeOrderError(ctx, w, err, map[string]any{
				"orderId": result.Order.ID,
				"order":   buildOrderPayload(services.OrderView{Order: result.Order}),
			})
			return
		}
		writeOrderError(ctx, w, err, nil)
		return
	}

	w.Header().Set(OrderIDHeader, result.Order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{
		Order:       buildOrderPayload(services.OrderView{Order: result.Order}),
		PaymentData: buildPaymentData(result.Payment),
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	page, ok := parsePage(ctx, w, r)
	if !ok {
		return
	}
	result, err := h.orders.ListAll(ctx, services.OrderListFilter{
		IncludeDeleted: strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("includeDeleted")), "true"),
		Pagination:     page,
	})
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(result))
}

func (h *OrderHandlers) listMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.requesterMode != requesterModeUser {
		httpx.WriteError(ctx, w, httpx.NewError(errorNotFoundCode, "orders are not owned by users in this deployment", http.StatusNotFound))
		return
	}
	page, ok := parsePage(ctx, w, r)
	if !ok {
		return
	}
	result, err := h.orders.ListByRequester(ctx, domain.AuthenticatedUser(identity.UID), page)
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(result))
}

func (h *OrderHandlers) listByRequester(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	raw := strings.TrimSpace(chi.URLParam(r, "requesterID"))
	if raw == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "requester id is required", http.StatusBadRequest))
		return
	}
	requester, ok := domain.ParseRequesterKey(raw)
	if !ok {
		requester = domain.AuthenticatedUser(raw)
		if h.requesterMode == requesterModeStaff {
			requester = domain.StaffEntered(raw)
		}
	}
	page, ok := parsePage(ctx, w, r)
	if !ok {
		return
	}
	result, err := h.orders.ListByRequester(ctx, requester, page)
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(result))
}

func (h *OrderHandlers) totalOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	count, err := h.orders.CountOrders(ctx)
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int64{"totalOrders": count})
}

func (h *OrderHandlers) totalSales(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	total, err := h.orders.TotalSales(ctx)
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"totalSales": total, "currency": h.currency})
}

func (h *OrderHandlers) salesByDate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	days, err := h.orders.SalesByDate(ctx)
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	payload := make([]dailySalesPayload, 0, len(days))
	for _, day := range days {
		payload = append(payload, dailySalesPayload{Date: day.Date, TotalSales: day.TotalSales, Orders: day.Orders})
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	view, ok := h.loadOwnedOrder(ctx, w, identity, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(view)})
}

func (h *OrderHandlers) paymentLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req paymentLinkRequest
	if !decodeJSONBody(ctx, w, r, &req, false) {
		return
	}
	view, ok := h.loadOwnedOrder(ctx, w, identity, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	result, err := h.orders.RetryPaymentLink(ctx, services.RetryPaymentLinkCommand{
		OrderID:     view.ID,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
		Description: req.Description,
		Provider:    req.Provider,
		ActorID:     identity.Actor(),
	})
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	payment := result.Payment
	writeJSONResponse(w, http.StatusOK, orderResponse{
		Order:       buildOrderPayload(services.OrderView{Order: result.Order}),
		PaymentData: buildPaymentData(&payment),
		Reused:      result.Reused,
	})
}

func (h *OrderHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	var req markPaidRequest
	if !decodeJSONBody(ctx, w, r, &req, false) {
		return
	}
	h.reconcile(w, r, h.reconciler.MarkPaid, strings.TrimSpace(req.ID))
}

func (h *OrderHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeServiceUnavailable(r.Context(), w)
		return
	}
	h.reconcile(w, r, h.reconciler.MarkDelivered, "")
}

func (h *OrderHandlers) reconcile(w http.ResponseWriter, r *http.Request, apply func(context.Context, services.ReconcileCommand) (services.Order, error), reference string) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	order, err := apply(ctx, services.ReconcileCommand{
		OrderID:   chi.URLParam(r, "orderID"),
		Source:    services.SourceStaff,
		ActorID:   identity.Actor(),
		Reference: reference,
	})
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(services.OrderView{Order: order})})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.DeleteOrder(ctx, services.DeleteOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: identity.Actor(),
	})
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(services.OrderView{Order: order})})
}

// loadOwnedOrder fetches the order and hides it from callers who neither own
// it nor hold a staff role.
func (h *OrderHandlers) loadOwnedOrder(ctx context.Context, w http.ResponseWriter, identity *auth.Identity, rawID string) (services.OrderView, bool) {
	orderID := strings.TrimSpace(rawID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.OrderView{}, false
	}
	view, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return services.OrderView{}, false
	}
	if identity.IsStaff() {
		return view, true
	}
	owner := view.Requester
	if owner.Kind != domain.RequesterUser || owner.UserID != strings.TrimSpace(identity.UID) || view.Deleted() {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.OrderView{}, false
	}
	return view, true
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func parsePage(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.Pagination, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.Pagination{}, false
	}
	return services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, true
}

// decodeJSONBody reads a size-limited JSON body into dst. Unknown fields, such
// as client supplied prices, are ignored.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
		if !required {
			return true
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return false
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

func buildOrderList(page domain.CursorPage[services.OrderView]) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, view := range page.Items {
		items = append(items, buildOrderPayload(view))
	}
	return orderListResponse{Items: items, NextPageToken: strings.TrimSpace(page.NextPageToken)}
}

func buildOrderPayload(view services.OrderView) orderPayload {
	order := view.Order
	payload := orderPayload{
		ID: order.ID,
		Requester: requesterPayload{
			Kind:   string(order.Requester.Kind),
			UserID: order.Requester.UserID,
			Label:  order.Requester.Label,
		},
		Products: make([]orderLinePayload, 0, len(order.Lines)),
		ShippingAddress: shippingAddressPayload{
			Name:        order.ShippingAddress.Name,
			Age:         order.ShippingAddress.Age,
			Address:     order.ShippingAddress.Address,
			PhoneNumber: order.ShippingAddress.PhoneNumber,
		},
		PaymentMethod: order.PaymentMethod,
		Description:   order.Description,
		TotalPrice:    order.TotalPrice,
		Currency:      order.Currency,
		IsPaid:        order.IsPaid,
		PaidAt:        formatTimePtr(order.PaidAt),
		IsDelivered:   order.IsDelivered,
		DeliveredAt:   formatTimePtr(order.DeliveredAt),
		Status:        string(order.Status),
		DeletedAt:     formatTimePtr(order.DeletedAt),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
	if order.Requester.Kind == domain.RequesterStaff {
		payload.Staff = order.Requester.Label
	}
	for _, line := range order.Lines {
		item := orderLinePayload{
			Product:  line.ProductID,
			Name:     line.Name,
			Quantity: line.Quantity,
			Price:    line.Price,
		}
		if current := view.ProductNames[line.ProductID]; current != "" && current != line.Name {
			item.CurrentName = current
		}
		payload.Products = append(payload.Products, item)
	}
	if p := order.Payment; p != nil {
		payload.Payment = &orderPaymentPayload{
			Provider:      p.Provider,
			OrderCode:     p.OrderCode,
			PaymentLinkID: p.PaymentLinkID,
			CheckoutURL:   p.CheckoutURL,
			Status:        string(p.Status),
			RequestedAt:   formatTime(p.RequestedAt),
		}
	}
	return payload
}

func buildPaymentData(descriptor *services.PaymentDescriptor) *paymentDataPayload {
	if descriptor == nil {
		return nil
	}
	return &paymentDataPayload{
		Provider:      descriptor.Provider,
		Bin:           descriptor.Bin,
		CheckoutURL:   descriptor.CheckoutURL,
		AccountNumber: descriptor.AccountNumber,
		AccountName:   descriptor.AccountName,
		Amount:        descriptor.Amount,
		Currency:      descriptor.Currency,
		Description:   descriptor.Description,
		OrderCode:     descriptor.OrderCode,
		QRCode:        descriptor.QRCode,
		PaymentLinkID: descriptor.PaymentLinkID,
		Status:        descriptor.Status,
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error, details map[string]any) {
	if err == nil {
		return
	}
	var apiErr httpx.Error
	switch {
	case errors.Is(err, services.ErrProductNotFound):
		apiErr = httpx.NewError("product_not_found", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrInsufficientStock):
		apiErr = httpx.NewError("insufficient_stock", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrOrderInvalidInput):
		apiErr = httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrOrderNotFound):
		apiErr = httpx.NewError("order_not_found", "order not found", http.StatusNotFound)
	case errors.Is(err, services.ErrOrderInvalidState):
		apiErr = httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrPaymentOutcomeUnknown):
		apiErr = httpx.NewError("payment_outcome_unknown", "payment provider did not answer in time; retry the payment link", http.StatusInternalServerError)
	case errors.Is(err, services.ErrPaymentProvider):
		apiErr = httpx.NewError("payment_provider_error", "payment provider failed; retry the payment link", http.StatusInternalServerError)
	case errors.Is(err, services.ErrPersistence):
		apiErr = httpx.NewError("persistence_error", "order storage unavailable", http.StatusInternalServerError)
	default:
		apiErr = httpx.NewError("order_error", "internal error", http.StatusInternalServerError)
	}
	httpx.WriteError(ctx, w, apiErr.WithDetails(details))
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
