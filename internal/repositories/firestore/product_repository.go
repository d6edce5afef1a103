package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	pfirestore "github.com/vanhh59/vpack-ecomerce/internal/platform/firestore"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name         string `firestore:"name"`
	Price        int64  `firestore:"price"`
	CountInStock int    `firestore:"countInStock"`
	Category     string `firestore:"category"`
}

// ProductRepository reads catalog products. The catalog is owned elsewhere,
// so nothing here writes.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var _ repositories.CatalogReader = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed catalog reader.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}
	return &ProductRepository{
		base: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

// ResolveMany fetches the requested products in one batched read.
func (r *ProductRepository) ResolveMany(ctx context.Context, productIDs []string) (map[string]domain.ProductSnapshot, error) {
	docs, err := r.base.GetMany(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	products := make(map[string]domain.ProductSnapshot, len(docs))
	for id, doc := range docs {
		products[id] = domain.ProductSnapshot{
			ID:           id,
			Name:         strings.TrimSpace(doc.Data.Name),
			Price:        doc.Data.Price,
			CountInStock: doc.Data.CountInStock,
			Category:     doc.Data.Category,
		}
	}
	return products, nil
}
