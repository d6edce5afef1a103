package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

var (
	// ErrProductNotFound signals a requested product id is absent from the catalog.
	ErrProductNotFound = errors.New("order: product not found")
	// ErrInsufficientStock signals a requested quantity exceeds available stock.
	ErrInsufficientStock = errors.New("order: insufficient stock")
)

// PricingEngineDeps bundles collaborators required to construct the pricing engine.
type PricingEngineDeps struct {
	Catalog      repositories.CatalogReader
	EnforceStock bool
	Logger       func(context.Context, string, map[string]any)
}

type catalogPricingEngine struct {
	catalog      repositories.CatalogReader
	enforceStock bool
	logger       func(context.Context, string, map[string]any)
}

var _ PricingEngine = (*catalogPricingEngine)(nil)

// NewPricingEngine builds a pricing engine that reads prices from the catalog.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	if deps.Catalog == nil {
		return nil, errors.New("pricing engine: catalog reader is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogPricingEngine{
		catalog:      deps.Catalog,
		enforceStock: deps.EnforceStock,
		logger:       logger,
	}, nil
}

// Price snapshots name and price from the catalog for every line and sums the
// total in minor units. Lines keep the requested order.
func (e *catalogPricingEngine) Price(ctx context.Context, lines []PricingLine) (PricedOrder, error) {
	if len(lines) == 0 {
		return PricedOrder{}, fmt.Errorf("%w: no products specified", ErrOrderInvalidInput)
	}

	ids := make([]string, 0, len(lines))
	requested := make(map[string]int, len(lines))
	for i, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return PricedOrder{}, fmt.Errorf("%w: products[%d].product is required", ErrOrderInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return PricedOrder{}, fmt.Errorf("%w: products[%d].quantity must be positive", ErrOrderInvalidInput, i)
		}
		if _, seen := requested[id]; !seen {
			ids = append(ids, id)
		}
		requested[id] += line.Quantity
	}

	products, err := e.catalog.ResolveMany(ctx, ids)
	if err != nil {
		return PricedOrder{}, mapRepositoryError(err)
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return PricedOrder{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
	}

	if e.enforceStock {
		for _, id := range ids {
			if product := products[id]; requested[id] > product.CountInStock {
				return PricedOrder{}, fmt.Errorf("%w: %s has %d in stock, %d requested", ErrInsufficientStock, id, product.CountInStock, requested[id])
			}
		}
	}

	priced := PricedOrder{Lines: make([]OrderLine, 0, len(lines))}
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		product := products[id]
		if product.Price < 0 {
			return PricedOrder{}, fmt.Errorf("%w: product %s has a negative price", ErrOrderInvalidInput, id)
		}
		subtotal, ok := mulInt64(product.Price, int64(line.Quantity))
		if !ok {
			return PricedOrder{}, fmt.Errorf("%w: products[%s] subtotal overflows", ErrOrderInvalidInput, id)
		}
		total, ok := addInt64(priced.TotalPrice, subtotal)
		if !ok {
			return PricedOrder{}, fmt.Errorf("%w: order total overflows", ErrOrderInvalidInput)
		}
		priced.TotalPrice = total
		priced.Lines = append(priced.Lines, OrderLine{
			ProductID: id,
			Name:      product.Name,
			Quantity:  line.Quantity,
			Price:     product.Price,
		})
	}

	e.logger(ctx, "pricing.priced", map[string]any{
		"lines":      len(priced.Lines),
		"totalPrice": priced.TotalPrice,
	})
	return priced, nil
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

func addInt64(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
