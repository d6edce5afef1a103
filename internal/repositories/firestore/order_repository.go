package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	pfirestore "github.com/vanhh59/vpack-ecomerce/internal/platform/firestore"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/pagination"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

const (
	ordersCollection       = "orders"
	defaultOrderListSize   = 50
	defaultAwaitingPayment = 100
)

// OrderRepository persists orders in Firestore.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var (
	_ repositories.OrderRepository      = (*OrderRepository)(nil)
	_ repositories.OrderStatsRepository = (*OrderRepository)(nil)
)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
	}, nil
}

// Create stores a new order. An existing id is reported as a conflict.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (string, error) {
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return "", errors.New("order repository: order id is required")
	}
	if err := r.base.Create(ctx, orderID, encodeOrderDocument(order)); err != nil {
		return "", err
	}
	return orderID, nil
}

// FindByID returns the order, including soft deleted ones.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPaymentCode returns the order whose current payment link carries code.
func (r *OrderRepository) FindByPaymentCode(ctx context.Context, code int64) (domain.Order, error) {
	if code <= 0 {
		return domain.Order{}, pfirestore.NotFoundError("orders.find_by_payment_code", fmt.Sprint(code))
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("payment.orderCode", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NotFoundError("orders.find_by_payment_code", fmt.Sprint(code))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

type orderListCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

// List returns orders newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = defaultOrderListSize
	}

	var cursor orderListCursor
	if err := pagination.DecodeToken(filter.Pagination.PageToken, &cursor); err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var requesterKey string
	if filter.Requester != nil {
		requesterKey = filter.Requester.Key()
		if requesterKey == "" {
			return domain.CursorPage[domain.Order]{}, errors.New("order repository: requester is invalid")
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if !filter.IncludeDeleted {
			q = q.Where("status", "==", string(domain.OrderStatusActive))
		}
		if requesterKey != "" {
			q = q.Where("requesterKey", "==", requesterKey)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor.ID != "" {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var next string
	if len(docs) > limit {
		last := docs[limit-1]
		next, err = pagination.EncodeToken(orderListCursor{CreatedAt: last.Data.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		docs = docs[:limit]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

// ListAwaitingPayment returns active, unpaid orders whose payment link was
// issued or may have been issued, oldest first. Pending covers requests whose
// outcome was never recorded.
func (r *OrderRepository) ListAwaitingPayment(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultAwaitingPayment
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusActive)).
			Where("isPaid", "==", false).
			Where("payment.status", "in", []string{
				string(domain.PaymentLinkPending),
				string(domain.PaymentLinkCreated),
				string(domain.PaymentLinkUnknown),
			}).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// SetPayment replaces the stored payment link metadata.
func (r *OrderRepository) SetPayment(ctx context.Context, orderID string, payment domain.OrderPayment) (domain.Order, error) {
	order, _, err := r.transition(ctx, "set_payment", orderID, func(doc *orderDocument) bool {
		doc.Payment = encodePayment(&payment)
		if !payment.UpdatedAt.IsZero() {
			doc.UpdatedAt = payment.UpdatedAt.UTC()
		}
		return true
	})
	return order, err
}

// SetPaid flips isPaid once. Later calls keep the first paidAt.
func (r *OrderRepository) SetPaid(ctx context.Context, orderID string, at time.Time) (domain.Order, bool, error) {
	return r.transition(ctx, "set_paid", orderID, func(doc *orderDocument) bool {
		if doc.IsPaid {
			return false
		}
		at := at.UTC()
		doc.IsPaid = true
		doc.PaidAt = &at
		doc.UpdatedAt = at
		return true
	})
}

// SetDelivered flips isDelivered once. Later calls keep the first deliveredAt.
func (r *OrderRepository) SetDelivered(ctx context.Context, orderID string, at time.Time) (domain.Order, bool, error) {
	return r.transition(ctx, "set_delivered", orderID, func(doc *orderDocument) bool {
		if doc.IsDelivered {
			return false
		}
		at := at.UTC()
		doc.IsDelivered = true
		doc.DeliveredAt = &at
		doc.UpdatedAt = at
		return true
	})
}

// SoftDelete marks the order deleted once.
func (r *OrderRepository) SoftDelete(ctx context.Context, orderID string, at time.Time) (domain.Order, bool, error) {
	return r.transition(ctx, "soft_delete", orderID, func(doc *orderDocument) bool {
		if doc.Status == string(domain.OrderStatusDeleted) {
			return false
		}
		at := at.UTC()
		doc.Status = string(domain.OrderStatusDeleted)
		doc.DeletedAt = &at
		doc.UpdatedAt = at
		return true
	})
}

// CountActive counts orders that are not soft deleted.
func (r *OrderRepository) CountActive(ctx context.Context) (int64, error) {
	return r.base.Count(ctx, activeOrders)
}

// SumActiveTotals sums totalPrice over orders that are not soft deleted.
func (r *OrderRepository) SumActiveTotals(ctx context.Context) (int64, error) {
	return r.base.Sum(ctx, "totalPrice", activeOrders)
}

// PaidSales projects paid, active orders for per-day grouping.
func (r *OrderRepository) PaidSales(ctx context.Context) ([]repositories.PaidSale, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return activeOrders(q).Where("isPaid", "==", true).Select("paidAt", "totalPrice")
	})
	if err != nil {
		return nil, err
	}
	sales := make([]repositories.PaidSale, 0, len(docs))
	for _, doc := range docs {
		if doc.Data.PaidAt == nil {
			continue
		}
		sales = append(sales, repositories.PaidSale{
			OrderID:    doc.ID,
			PaidAt:     doc.Data.PaidAt.UTC(),
			TotalPrice: doc.Data.TotalPrice,
		})
	}
	return sales, nil
}

func activeOrders(q firestore.Query) firestore.Query {
	return q.Where("status", "==", string(domain.OrderStatusActive))
}

// transition applies mutate inside a transaction and writes only when it
// reports a change.
func (r *OrderRepository) transition(ctx context.Context, op, orderID string, mutate func(*orderDocument) bool) (domain.Order, bool, error) {
	orderID = strings.TrimSpace(orderID)
	var (
		current orderDocument
		changed bool
	)
	err := r.base.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := r.base.Decode(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("orders decode %s: %w", orderID, err)
		}
		current = doc.Data
		if !mutate(&current) {
			return nil
		}
		changed = true
		return tx.Set(ref, current)
	})
	if err != nil {
		return domain.Order{}, false, pfirestore.WrapError("orders."+op, err)
	}
	return current.toDomain(orderID), changed, nil
}

type orderDocument struct {
	RequesterKind   string                  `firestore:"requesterKind"`
	RequesterUserID string                  `firestore:"requesterUserId,omitempty"`
	RequesterLabel  string                  `firestore:"requesterLabel,omitempty"`
	RequesterKey    string                  `firestore:"requesterKey"`
	Products        []orderLineDocument     `firestore:"products"`
	ShippingAddress shippingAddressDocument `firestore:"shippingAddress"`
	PaymentMethod   string                  `firestore:"paymentMethod"`
	Description     string                  `firestore:"description,omitempty"`
	TotalPrice      int64                   `firestore:"totalPrice"`
	Currency        string                  `firestore:"currency"`
	IsPaid          bool                    `firestore:"isPaid"`
	PaidAt          *time.Time              `firestore:"paidAt,omitempty"`
	IsDelivered     bool                    `firestore:"isDelivered"`
	DeliveredAt     *time.Time              `firestore:"deliveredAt,omitempty"`
	Status          string                  `firestore:"status"`
	DeletedAt       *time.Time              `firestore:"deletedAt,omitempty"`
	Payment         *orderPaymentDocument   `firestore:"payment,omitempty"`
	CreatedBy       string                  `firestore:"createdBy"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
}

type orderLineDocument struct {
	Product  string `firestore:"product"`
	Name     string `firestore:"name"`
	Quantity int    `firestore:"quantity"`
	Price    int64  `firestore:"price"`
}

type shippingAddressDocument struct {
	Name        string `firestore:"name"`
	Age         int    `firestore:"age"`
	Address     string `firestore:"address"`
	PhoneNumber string `firestore:"phoneNumber"`
}

type orderPaymentDocument struct {
	Provider      string    `firestore:"provider"`
	OrderCode     int64     `firestore:"orderCode"`
	PaymentLinkID string    `firestore:"paymentLinkId,omitempty"`
	CheckoutURL   string    `firestore:"checkoutUrl,omitempty"`
	Status        string    `firestore:"status"`
	LastError     string    `firestore:"lastError,omitempty"`
	RequestedAt   time.Time `firestore:"requestedAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	status := order.Status
	if status == "" {
		status = domain.OrderStatusActive
	}
	doc := orderDocument{
		RequesterKind:   string(order.Requester.Kind),
		RequesterUserID: order.Requester.UserID,
		RequesterLabel:  order.Requester.Label,
		RequesterKey:    order.Requester.Key(),
		Products:        make([]orderLineDocument, 0, len(order.Lines)),
		ShippingAddress: shippingAddressDocument{
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
		PaidAt:        utcPointer(order.PaidAt),
		IsDelivered:   order.IsDelivered,
		DeliveredAt:   utcPointer(order.DeliveredAt),
		Status:        string(status),
		DeletedAt:     utcPointer(order.DeletedAt),
		Payment:       encodePayment(order.Payment),
		CreatedBy:     order.CreatedBy,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
	}
	for _, line := range order.Lines {
		doc.Products = append(doc.Products, orderLineDocument{
			Product:  line.ProductID,
			Name:     line.Name,
			Quantity: line.Quantity,
			Price:    line.Price,
		})
	}
	return doc
}

func encodePayment(payment *domain.OrderPayment) *orderPaymentDocument {
	if payment == nil {
		return nil
	}
	return &orderPaymentDocument{
		Provider:      payment.Provider,
		OrderCode:     payment.OrderCode,
		PaymentLinkID: payment.PaymentLinkID,
		CheckoutURL:   payment.CheckoutURL,
		Status:        string(payment.Status),
		LastError:     payment.LastError,
		RequestedAt:   payment.RequestedAt.UTC(),
		UpdatedAt:     payment.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	requester, ok := domain.ParseRequesterKey(d.RequesterKey)
	if !ok {
		requester = domain.Requester{Kind: domain.RequesterKind(d.RequesterKind), UserID: d.RequesterUserID, Label: d.RequesterLabel}
	}
	order := domain.Order{
		ID:        id,
		Requester: requester,
		Lines:     make([]domain.OrderLine, 0, len(d.Products)),
		ShippingAddress: domain.ShippingAddress{
			Name:        d.ShippingAddress.Name,
			Age:         d.ShippingAddress.Age,
			Address:     d.ShippingAddress.Address,
			PhoneNumber: d.ShippingAddress.PhoneNumber,
		},
		PaymentMethod: d.PaymentMethod,
		Description:   d.Description,
		TotalPrice:    d.TotalPrice,
		Currency:      d.Currency,
		IsPaid:        d.IsPaid,
		PaidAt:        utcPointer(d.PaidAt),
		IsDelivered:   d.IsDelivered,
		DeliveredAt:   utcPointer(d.DeliveredAt),
		Status:        domain.OrderStatus(d.Status),
		DeletedAt:     utcPointer(d.DeletedAt),
		CreatedBy:     d.CreatedBy,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusActive
	}
	for _, line := range d.Products {
		order.Lines = append(order.Lines, domain.OrderLine{
			ProductID: line.Product,
			Name:      line.Name,
			Quantity:  line.Quantity,
			Price:     line.Price,
		})
	}
	if d.Payment != nil {
		order.Payment = &domain.OrderPayment{
			Provider:      d.Payment.Provider,
			OrderCode:     d.Payment.OrderCode,
			PaymentLinkID: d.Payment.PaymentLinkID,
			CheckoutURL:   d.Payment.CheckoutURL,
			Status:        domain.PaymentLinkStatus(d.Payment.Status),
			LastError:     d.Payment.LastError,
			RequestedAt:   d.Payment.RequestedAt.UTC(),
			UpdatedAt:     d.Payment.UpdatedAt.UTC(),
		}
	}
	return order
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	v := value.UTC()
	return &v
}
