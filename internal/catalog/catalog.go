// Package catalog is the read-only product master data collaborator. The
// transaction engine consumes it for pricing and variant validation; it is
// administered elsewhere.
package catalog

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("product not found")

type Variation struct {
	Color string `json:"color"`
	Size  string `json:"size"`
}

type Product struct {
	ID             string      `json:"id"`
	Code           string      `json:"code"`
	Name           string      `json:"name"`
	PriceCents     int64       `json:"price"`
	CostPriceCents int64       `json:"costPrice"`
	Variations     []Variation `json:"variations"`
}

// HasVariation reports whether the (color, size) pair is a sellable variant.
func (p Product) HasVariation(color, size string) bool {
	for _, v := range p.Variations {
		if v.Color == color && v.Size == size {
			return true
		}
	}
	return false
}

type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListCategories(ctx context.Context) ([]string, error)
	ListColors(ctx context.Context) ([]string, error)
	ListSizes(ctx context.Context) ([]string, error)
	ListSuppliers(ctx context.Context) ([]string, error)
}
