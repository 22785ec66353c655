// Package engine implements the transactional core: sales, cash register
// sessions, returns and exchanges, discount authorization, stock counts and
// the financial ledger, all executed as optimistic transactions against the
// document store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/notify"
)

type Engine struct {
	docs    docstore.Store
	catalog catalog.Catalog
	broker  notify.Broker
	log     *zap.Logger
}

func New(docs docstore.Store, cat catalog.Catalog, broker notify.Broker, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if broker == nil {
		broker = notify.NewMemory()
	}
	return &Engine{docs: docs, catalog: cat, broker: broker, log: log}
}

type identityContextKey struct{}

// WithIdentity attaches the authenticated caller to the context. Every
// engine operation reads the caller from here.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(domain.Identity)
	return id, ok
}

func (e *Engine) requireIdentity(ctx context.Context) (domain.Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.UID == "" {
		return domain.Identity{}, errors.New("authentication required")
	}
	return id, nil
}

func (e *Engine) requireRole(ctx context.Context, roles ...string) (domain.Identity, error) {
	id, err := e.requireIdentity(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	for _, role := range roles {
		if id.Role == role {
			return id, nil
		}
	}
	return domain.Identity{}, ErrForbidden
}

// priceCart resolves cart lines against the catalog and prices them.
// Duplicate (product, color, size) lines are merged. Catalog lookups happen
// before the transaction starts; prices are fixed for the whole operation.
func (e *Engine) priceCart(ctx context.Context, lines []domain.CartLine) ([]domain.SaleItem, int64, error) {
	if len(lines) == 0 {
		return nil, 0, validationf("cart must not be empty")
	}

	merged := make([]domain.CartLine, 0, len(lines))
	index := make(map[domain.LineKey]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, 0, validationf("quantity must be positive for product %s", line.ProductID)
		}
		key := domain.LineKey{ProductID: line.ProductID, Color: line.Color, Size: line.Size}
		if at, ok := index[key]; ok {
			merged[at].Quantity += line.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, line)
	}

	items := make([]domain.SaleItem, 0, len(merged))
	var subtotal int64
	for _, line := range merged {
		product, err := e.catalog.GetProduct(ctx, line.ProductID)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, 0, validationf("unknown product %s", line.ProductID)
		}
		if err != nil {
			return nil, 0, err
		}
		if !product.HasVariation(line.Color, line.Size) {
			return nil, 0, validationf("product %s has no variation %s/%s", line.ProductID, line.Color, line.Size)
		}
		item := domain.SaleItem{
			ProductID:             line.ProductID,
			Color:                 line.Color,
			Size:                  line.Size,
			Quantity:              line.Quantity,
			PricePerUnitCents:     product.PriceCents,
			CostPricePerUnitCents: product.CostPriceCents,
			SubtotalCents:         product.PriceCents * int64(line.Quantity),
		}
		items = append(items, item)
		subtotal += item.SubtotalCents
	}
	return items, subtotal, nil
}

func validateDiscountTerms(terms domain.DiscountTerms) error {
	switch terms.Type {
	case domain.DiscountPercent:
		if terms.Value <= 0 || terms.Value > 100 {
			return validationf("percent discount must be in (0, 100], got %v", terms.Value)
		}
	case domain.DiscountFixed:
		if terms.Value <= 0 {
			return validationf("fixed discount must be positive, got %v", terms.Value)
		}
	default:
		return validationf("unknown discount type %q", terms.Type)
	}
	return nil
}

// discountAmount converts approved terms into cents against a subtotal,
// rounded half away from zero and clamped to the subtotal.
func discountAmount(terms domain.DiscountTerms, subtotalCents int64) int64 {
	var amount int64
	switch terms.Type {
	case domain.DiscountPercent:
		amount = int64(math.Round(float64(subtotalCents) * terms.Value / 100))
	case domain.DiscountFixed:
		amount = int64(math.Round(terms.Value))
	}
	if amount < 0 {
		amount = 0
	}
	if amount > subtotalCents {
		amount = subtotalCents
	}
	return amount
}

func validTenderMethod(method string) bool {
	switch method {
	case domain.TenderCash, domain.TenderCreditCard, domain.TenderDebitCard, domain.TenderPix:
		return true
	}
	return false
}

func validateTenders(tenders []domain.PaymentTender) (int64, error) {
	var sum int64
	for _, t := range tenders {
		if !validTenderMethod(t.Method) {
			return 0, validationf("unknown tender method %q", t.Method)
		}
		if t.AmountCents <= 0 {
			return 0, validationf("tender amount must be positive for method %s", t.Method)
		}
		sum += t.AmountCents
	}
	return sum, nil
}

// addToSummary adds a settled tender amount to the session's running
// per-method totals. Negative amounts (refunds) are allowed.
func addToSummary(s *domain.DailySalesSummary, method string, amount int64) {
	s.TotalSalesCents += amount
	switch method {
	case domain.TenderCash:
		s.CashSalesCents += amount
	case domain.TenderCreditCard:
		s.CreditCardSalesCents += amount
	case domain.TenderDebitCard:
		s.DebitCardSalesCents += amount
	case domain.TenderPix:
		s.PixSalesCents += amount
	}
}

// publish sends a full snapshot after a committed transaction. Delivery is
// best effort; a failure is logged and never rolls back the commit.
func (e *Engine) publish(ctx context.Context, topic string, snapshot any) {
	if err := e.broker.Publish(ctx, topic, snapshot); err != nil {
		e.log.Warn("snapshot publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func unmarshalEntry(entry docstore.Entry, dest any) error {
	return json.Unmarshal(entry.Data, dest)
}

func formatCents(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortSalesNewestFirst(sales []domain.Sale) {
	sort.Slice(sales, func(i, j int) bool {
		return sales[i].Date.After(sales[j].Date)
	})
}

func sortDiscountsOldestFirst(requests []domain.DiscountRequest) {
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}
