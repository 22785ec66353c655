package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/xid"
)

// returnableQuantity is how many units of one sale line can still come back,
// after every prior return and exchange against that line.
func returnableQuantity(sale domain.Sale, line domain.LineKey) (int, bool) {
	sold := 0
	found := false
	for _, item := range sale.Items {
		if item.ProductID == line.ProductID && item.Color == line.Color && item.Size == line.Size {
			sold += item.Quantity
			found = true
		}
	}
	if !found {
		return 0, false
	}
	for _, ret := range sale.ReturnedItems {
		if ret.ProductID == line.ProductID && ret.Color == line.Color && ret.Size == line.Size {
			sold -= ret.Quantity
		}
	}
	return sold, true
}

// ReturnSale restocks returned units and appends the return to the sale's
// audit trail. The cumulative returned quantity per line never exceeds the
// quantity sold.
func (e *Engine) ReturnSale(ctx context.Context, req domain.ReturnRequest) (*domain.Sale, error) {
	identity, err := e.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if req.StoreID == "" || req.SaleID == "" {
		return nil, validationf("storeId and saleId are required")
	}
	if req.Quantity <= 0 {
		return nil, validationf("return quantity must be positive")
	}
	if req.Reason == "" {
		return nil, validationf("reason is required")
	}

	now := time.Now().UTC()
	newRecordID := xid.New("inv")
	var sale domain.Sale
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		sale = domain.Sale{}
		if err := tx.Get(ctx, colSales, saleKey(req.StoreID, req.SaleID), &sale); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("sale %s", req.SaleID)
			}
			return err
		}

		invKey := inventoryKey(req.StoreID, req.Line.ProductID, req.Line.Color, req.Line.Size)
		var record domain.InventoryRecord
		recordExists := true
		if err := tx.Get(ctx, colInventory, invKey, &record); err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}
			recordExists = false
		}

		returnable, found := returnableQuantity(sale, req.Line)
		if !found {
			return preconditionf("sale %s has no line %s %s/%s", sale.ID, req.Line.ProductID, req.Line.Color, req.Line.Size)
		}
		if req.Quantity > returnable {
			return preconditionf("return quantity exceeds returnable quantity, max returnable: %d", returnable)
		}

		if !recordExists {
			record = domain.InventoryRecord{
				ID:        newRecordID,
				StoreID:   req.StoreID,
				ProductID: req.Line.ProductID,
				Color:     req.Line.Color,
				Size:      req.Line.Size,
			}
		}
		record.Quantity += req.Quantity
		tx.Put(colInventory, invKey, record)

		sale.ReturnedItems = append(sale.ReturnedItems, domain.ReturnedItem{
			ProductID:   req.Line.ProductID,
			Color:       req.Line.Color,
			Size:        req.Line.Size,
			Quantity:    req.Quantity,
			Reason:      req.Reason,
			Kind:        domain.ReturnKindReturn,
			ProcessedAt: now,
			ProcessedBy: identity.UID,
		})
		sale.Status = domain.SalePartiallyReturned
		tx.Put(colSales, saleKey(req.StoreID, req.SaleID), sale)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("return processed",
		zap.String("saleId", sale.ID),
		zap.String("productId", req.Line.ProductID),
		zap.Int("quantity", req.Quantity))
	e.publish(ctx, topicSales(sale.StoreID), sale)
	e.publish(ctx, topicInventory(sale.StoreID), req.Line)
	return &sale, nil
}

// ExchangeSale swaps returned units for replacement items and settles the
// price difference through the open cash session: a positive difference is
// collected as tenders, a negative one refunded from the register's cash.
func (e *Engine) ExchangeSale(ctx context.Context, req domain.ExchangeRequest) (*domain.Sale, error) {
	identity, err := e.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if req.StoreID == "" || req.SaleID == "" || req.SessionID == "" {
		return nil, validationf("storeId, saleId and sessionId are required")
	}
	if req.ReturnQuantity <= 0 {
		return nil, validationf("return quantity must be positive")
	}
	if req.Reason == "" {
		return nil, validationf("reason is required")
	}
	if len(req.NewLines) == 0 {
		return nil, validationf("exchange requires at least one replacement line")
	}
	tenderSum, err := validateTenders(req.Tenders)
	if err != nil {
		return nil, err
	}

	newItems, newValue, err := e.priceCart(ctx, req.NewLines)
	if err != nil {
		return nil, err
	}

	// The variant set touched by this exchange is known up front, so record
	// IDs for variants without a stock record yet can be fixed before the
	// transaction runs.
	type variantDelta struct {
		key   domain.LineKey
		delta int
		newID string
	}
	deltas := []variantDelta{{key: req.Line, delta: req.ReturnQuantity}}
	deltaIndex := map[domain.LineKey]int{req.Line: 0}
	for _, item := range newItems {
		key := domain.LineKey{ProductID: item.ProductID, Color: item.Color, Size: item.Size}
		if at, ok := deltaIndex[key]; ok {
			deltas[at].delta -= item.Quantity
			continue
		}
		deltaIndex[key] = len(deltas)
		deltas = append(deltas, variantDelta{key: key, delta: -item.Quantity})
	}
	for i := range deltas {
		deltas[i].newID = xid.New("inv")
	}

	now := time.Now().UTC()
	ledgerTxIDs := make([]string, len(req.Tenders))
	for i := range ledgerTxIDs {
		ledgerTxIDs[i] = xid.New("ltx")
	}

	var sale domain.Sale
	var session domain.CashRegisterSession
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		sale = domain.Sale{}
		if err := tx.Get(ctx, colSales, saleKey(req.StoreID, req.SaleID), &sale); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("sale %s", req.SaleID)
			}
			return err
		}
		session = domain.CashRegisterSession{}
		if err := tx.Get(ctx, colSessions, req.SessionID, &session); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return preconditionf("cash session %s not found", req.SessionID)
			}
			return err
		}

		records := make([]*domain.InventoryRecord, len(deltas))
		for i, d := range deltas {
			var record domain.InventoryRecord
			key := inventoryKey(req.StoreID, d.key.ProductID, d.key.Color, d.key.Size)
			switch err := tx.Get(ctx, colInventory, key, &record); {
			case err == nil:
				records[i] = &record
			case errors.Is(err, docstore.ErrNotFound):
				records[i] = nil
			default:
				return err
			}
		}

		routes, accounts, err := readSettlementTargets(ctx, tx, req.StoreID, req.Tenders)
		if err != nil {
			return err
		}

		// Validation phase.
		returnable, found := returnableQuantity(sale, req.Line)
		if !found {
			return preconditionf("sale %s has no line %s %s/%s", sale.ID, req.Line.ProductID, req.Line.Color, req.Line.Size)
		}
		if req.ReturnQuantity > returnable {
			return preconditionf("return quantity exceeds returnable quantity, max returnable: %d", returnable)
		}
		if session.Status != domain.SessionOpen {
			return preconditionf("cash session %s is closed", req.SessionID)
		}
		if session.StoreID != req.StoreID {
			return preconditionf("cash session %s belongs to store %s", req.SessionID, session.StoreID)
		}

		var unitPrice int64
		for _, item := range sale.Items {
			if item.ProductID == req.Line.ProductID && item.Color == req.Line.Color && item.Size == req.Line.Size {
				unitPrice = item.PricePerUnitCents
				break
			}
		}
		diff := newValue - unitPrice*int64(req.ReturnQuantity)

		switch {
		case diff > 0:
			if tenderSum != diff {
				return preconditionf("tenders total %d does not match price difference %d", tenderSum, diff)
			}
		default:
			if len(req.Tenders) > 0 {
				return preconditionf("no tenders expected, price difference is %d", diff)
			}
			if session.CurrentCashCents+diff < 0 {
				return preconditionf("insufficient cash in register for refund, available: %d", session.CurrentCashCents)
			}
		}

		for i, d := range deltas {
			available := 0
			if records[i] != nil {
				available = records[i].Quantity
			}
			if available+d.delta < 0 {
				return preconditionf("insufficient stock for %s %s/%s, available: %d",
					d.key.ProductID, d.key.Color, d.key.Size, available)
			}
		}

		// Write phase.
		for i, d := range deltas {
			record := records[i]
			if record == nil {
				record = &domain.InventoryRecord{
					ID:        d.newID,
					StoreID:   req.StoreID,
					ProductID: d.key.ProductID,
					Color:     d.key.Color,
					Size:      d.key.Size,
				}
			}
			record.Quantity += d.delta
			tx.Put(colInventory, inventoryKey(req.StoreID, d.key.ProductID, d.key.Color, d.key.Size), *record)
		}

		if diff > 0 {
			for i, tender := range req.Tenders {
				if tender.Method == domain.TenderCash {
					session.CurrentCashCents += tender.AmountCents
					addToSummary(&session.DailySalesSummary, tender.Method, tender.AmountCents)
					continue
				}
				settleTender(tx, accounts, routes[tender.Method], tender, settlement{
					txID:        ledgerTxIDs[i],
					at:          now,
					performedBy: identity.UID,
					txType:      domain.LedgerDeposit,
					description: "exchange on sale " + sale.ID,
					saleID:      sale.ID,
				})
				addToSummary(&session.DailySalesSummary, tender.Method, tender.AmountCents)
			}
			for _, account := range accounts {
				tx.Put(colAccounts, account.ID, *account)
			}
		} else if diff < 0 {
			session.CurrentCashCents += diff
			addToSummary(&session.DailySalesSummary, domain.TenderCash, diff)
		}
		tx.Put(colSessions, session.ID, session)

		sale.ReturnedItems = append(sale.ReturnedItems, domain.ReturnedItem{
			ProductID:            req.Line.ProductID,
			Color:                req.Line.Color,
			Size:                 req.Line.Size,
			Quantity:             req.ReturnQuantity,
			Reason:               req.Reason,
			Kind:                 domain.ReturnKindExchange,
			PriceDifferenceCents: diff,
			NewItems:             newItems,
			Tenders:              req.Tenders,
			ProcessedAt:          now,
			ProcessedBy:          identity.UID,
		})
		sale.Status = domain.SalePartiallyExchanged
		tx.Put(colSales, saleKey(req.StoreID, req.SaleID), sale)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("exchange processed",
		zap.String("saleId", sale.ID),
		zap.String("sessionId", session.ID),
		zap.Int("returnQuantity", req.ReturnQuantity))
	e.publish(ctx, topicSales(sale.StoreID), sale)
	e.publish(ctx, topicSessions(session.StoreID), session)
	e.publish(ctx, topicInventory(sale.StoreID), newItems)
	return &sale, nil
}
