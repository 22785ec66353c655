package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/xid"
)

// SupplyStock receives units into a variant's counter, creating the record
// on first receipt. This is how stock enters the system outside of returns
// and count adjustments.
func (e *Engine) SupplyStock(ctx context.Context, storeID string, line domain.CartLine) (*domain.InventoryRecord, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	if storeID == "" {
		return nil, validationf("storeId is required")
	}
	if line.Quantity <= 0 {
		return nil, validationf("quantity must be positive")
	}
	product, err := e.catalog.GetProduct(ctx, line.ProductID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, validationf("unknown product %s", line.ProductID)
	}
	if err != nil {
		return nil, err
	}
	if !product.HasVariation(line.Color, line.Size) {
		return nil, validationf("product %s has no variation %s/%s", line.ProductID, line.Color, line.Size)
	}

	newRecordID := xid.New("inv")
	key := inventoryKey(storeID, line.ProductID, line.Color, line.Size)
	var record domain.InventoryRecord
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		record = domain.InventoryRecord{}
		switch err := tx.Get(ctx, colInventory, key, &record); {
		case errors.Is(err, docstore.ErrNotFound):
			record = domain.InventoryRecord{
				ID:        newRecordID,
				StoreID:   storeID,
				ProductID: line.ProductID,
				Color:     line.Color,
				Size:      line.Size,
			}
		case err != nil:
			return err
		}
		record.Quantity += line.Quantity
		tx.Put(colInventory, key, record)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stock supplied",
		zap.String("storeId", storeID),
		zap.String("productId", line.ProductID),
		zap.Int("quantity", line.Quantity))
	e.publish(ctx, topicInventory(storeID), record)
	return &record, nil
}

// ListInventory returns every stock record of a store, in key order.
func (e *Engine) ListInventory(ctx context.Context, storeID string) ([]domain.InventoryRecord, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	var records []domain.InventoryRecord
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		records = nil
		entries, err := tx.List(ctx, colInventory, inventoryPrefix(storeID))
		if err != nil {
			return err
		}
		records = make([]domain.InventoryRecord, 0, len(entries))
		for _, entry := range entries {
			var record domain.InventoryRecord
			if err := unmarshalEntry(entry, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SetPaymentRouting replaces the store's tender-method routing document.
func (e *Engine) SetPaymentRouting(ctx context.Context, routing domain.PaymentRouting) (*domain.PaymentRouting, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance); err != nil {
		return nil, err
	}
	if routing.StoreID == "" {
		return nil, validationf("storeId is required")
	}
	if len(routing.Routes) == 0 {
		return nil, validationf("at least one route is required")
	}
	for method, route := range routing.Routes {
		if method == domain.TenderCash || !validTenderMethod(method) {
			return nil, validationf("method %q cannot be routed", method)
		}
		if route.AccountID == "" {
			return nil, validationf("route for %s needs an accountId", method)
		}
		if route.FeePercent < 0 || route.FeePercent >= 100 {
			return nil, validationf("fee percent for %s must be in [0, 100), got %v", method, route.FeePercent)
		}
	}

	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for _, route := range routing.Routes {
			var account domain.LedgerAccount
			if err := tx.Get(ctx, colAccounts, route.AccountID, &account); err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					return preconditionf("ledger account %s not found", route.AccountID)
				}
				return err
			}
		}
		tx.Put(colRouting, routing.StoreID, routing)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment routing updated", zap.String("storeId", routing.StoreID))
	return &routing, nil
}

// CatalogAttributes bundles the catalog's filter dimensions for terminals
// that build product pickers.
type CatalogAttributes struct {
	Categories []string `json:"categories"`
	Colors     []string `json:"colors"`
	Sizes      []string `json:"sizes"`
	Suppliers  []string `json:"suppliers"`
}

func (e *Engine) CatalogAttributes(ctx context.Context) (*CatalogAttributes, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	categories, err := e.catalog.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	colors, err := e.catalog.ListColors(ctx)
	if err != nil {
		return nil, err
	}
	sizes, err := e.catalog.ListSizes(ctx)
	if err != nil {
		return nil, err
	}
	suppliers, err := e.catalog.ListSuppliers(ctx)
	if err != nil {
		return nil, err
	}
	return &CatalogAttributes{
		Categories: categories,
		Colors:     colors,
		Sizes:      sizes,
		Suppliers:  suppliers,
	}, nil
}

func (e *Engine) GetPaymentRouting(ctx context.Context, storeID string) (*domain.PaymentRouting, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	var routing domain.PaymentRouting
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colRouting, storeID, &routing)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("payment routing for store %s", storeID)
	}
	if err != nil {
		return nil, err
	}
	return &routing, nil
}
