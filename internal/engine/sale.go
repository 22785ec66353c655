package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/xid"
)

// FinalizeSale settles a cart atomically: inventory decrements, non-cash
// settlement into routed ledger accounts net of acquirer fees, the session's
// cash and summary counters, and the immutable sale record all commit in one
// transaction or not at all.
func (e *Engine) FinalizeSale(ctx context.Context, req domain.FinalizeSaleRequest) (*domain.Sale, error) {
	identity, err := e.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if req.StoreID == "" {
		return nil, validationf("storeId is required")
	}
	if req.SessionID == "" {
		return nil, validationf("sessionId is required")
	}
	if len(req.Tenders) == 0 {
		return nil, validationf("at least one tender is required")
	}
	tenderSum, err := validateTenders(req.Tenders)
	if err != nil {
		return nil, err
	}

	items, subtotal, err := e.priceCart(ctx, req.Cart)
	if err != nil {
		return nil, err
	}

	// A direct discount (terms without a request reference) is a privileged
	// shortcut; everyone else goes through the approval flow.
	var directTerms *domain.DiscountTerms
	discountRequestID := ""
	if req.Discount != nil {
		if req.Discount.RequestID != "" {
			discountRequestID = req.Discount.RequestID
		} else {
			if identity.Role != domain.RoleAdmin && identity.Role != domain.RoleManager {
				return nil, ErrForbidden
			}
			terms := domain.DiscountTerms{Type: req.Discount.Type, Value: req.Discount.Value}
			if err := validateDiscountTerms(terms); err != nil {
				return nil, err
			}
			directTerms = &terms
		}
	}

	saleID := xid.New("sale")
	now := time.Now().UTC()
	ledgerTxIDs := make([]string, len(req.Tenders))
	for i := range ledgerTxIDs {
		ledgerTxIDs[i] = xid.New("ltx")
	}

	var sale domain.Sale
	var redeemedRequest *domain.DiscountRequest
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		redeemedRequest = nil
		var session domain.CashRegisterSession
		if err := tx.Get(ctx, colSessions, req.SessionID, &session); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return preconditionf("cash session %s not found", req.SessionID)
			}
			return err
		}

		var discountReq *domain.DiscountRequest
		if discountRequestID != "" {
			var dr domain.DiscountRequest
			if err := tx.Get(ctx, colDiscounts, discountKey(req.StoreID, discountRequestID), &dr); err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					return preconditionf("discount request %s not found", discountRequestID)
				}
				return err
			}
			discountReq = &dr
		}

		routes, accounts, err := readSettlementTargets(ctx, tx, req.StoreID, req.Tenders)
		if err != nil {
			return err
		}

		records := make([]domain.InventoryRecord, len(items))
		for i, item := range items {
			key := inventoryKey(req.StoreID, item.ProductID, item.Color, item.Size)
			if err := tx.Get(ctx, colInventory, key, &records[i]); err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					return preconditionf("insufficient stock for %s %s/%s, available: 0", item.ProductID, item.Color, item.Size)
				}
				return err
			}
		}

		// Validation phase: nothing below writes until every check passes.
		if session.Status != domain.SessionOpen {
			return preconditionf("cash session %s is closed", req.SessionID)
		}
		if session.StoreID != req.StoreID {
			return preconditionf("cash session %s belongs to store %s", req.SessionID, session.StoreID)
		}

		discount := domain.DiscountInfo{}
		if discountReq != nil {
			switch discountReq.Status {
			case domain.DiscountApproved:
			case domain.DiscountPending:
				return preconditionf("discount request %s is still pending", discountReq.ID)
			default:
				return preconditionf("discount request %s was rejected", discountReq.ID)
			}
			if discountReq.StoreID != req.StoreID {
				return preconditionf("discount request %s belongs to store %s", discountReq.ID, discountReq.StoreID)
			}
			// An approval binds to the cart it was requested for and is
			// consumed by exactly one sale.
			if discountReq.RedeemedBySaleID != "" {
				return preconditionf("discount request %s was already redeemed by sale %s", discountReq.ID, discountReq.RedeemedBySaleID)
			}
			if discountReq.CartSnapshot.SubtotalCents != subtotal {
				return preconditionf("discount request %s was approved for a different cart", discountReq.ID)
			}
			discount = domain.DiscountInfo{
				Applied:     true,
				Type:        discountReq.Discount.Type,
				Value:       discountReq.Discount.Value,
				AmountCents: discountAmount(discountReq.Discount, subtotal),
				RequestID:   discountReq.ID,
			}
		} else if directTerms != nil {
			discount = domain.DiscountInfo{
				Applied:     true,
				Type:        directTerms.Type,
				Value:       directTerms.Value,
				AmountCents: discountAmount(*directTerms, subtotal),
			}
		}

		total := subtotal - discount.AmountCents
		if tenderSum != total {
			return preconditionf("tenders total %d does not match sale total %d", tenderSum, total)
		}

		for i, item := range items {
			if records[i].Quantity < item.Quantity {
				return preconditionf("insufficient stock for %s %s/%s, available: %d",
					item.ProductID, item.Color, item.Size, records[i].Quantity)
			}
		}

		// Write phase.
		for i, item := range items {
			records[i].Quantity -= item.Quantity
			tx.Put(colInventory, inventoryKey(req.StoreID, item.ProductID, item.Color, item.Size), records[i])
		}

		for i, tender := range req.Tenders {
			if tender.Method == domain.TenderCash {
				session.CurrentCashCents += tender.AmountCents
				addToSummary(&session.DailySalesSummary, tender.Method, tender.AmountCents)
				continue
			}
			route := routes[tender.Method]
			settleTender(tx, accounts, route, tender, settlement{
				txID:        ledgerTxIDs[i],
				at:          now,
				performedBy: identity.UID,
				txType:      domain.LedgerDeposit,
				description: "sale " + saleID,
				saleID:      saleID,
			})
			addToSummary(&session.DailySalesSummary, tender.Method, tender.AmountCents)
		}
		for _, account := range accounts {
			tx.Put(colAccounts, account.ID, *account)
		}

		tx.Put(colSessions, session.ID, session)

		if discountReq != nil {
			discountReq.RedeemedAt = &now
			discountReq.RedeemedBySaleID = saleID
			tx.Put(colDiscounts, discountKey(req.StoreID, discountReq.ID), *discountReq)
			redeemedRequest = discountReq
		}

		sale = domain.Sale{
			ID:                    saleID,
			StoreID:               req.StoreID,
			Date:                  now,
			Items:                 items,
			SubtotalCents:         subtotal,
			DiscountInfo:          discount,
			TotalAmountCents:      total,
			PaymentMethods:        req.Tenders,
			SellerInfo:            domain.PartyInfo{ID: identity.UID, Name: identity.Email},
			CustomerInfo:          req.Customer,
			CashRegisterSessionID: session.ID,
			ReturnedItems:         []domain.ReturnedItem{},
			Status:                domain.SaleCompleted,
		}
		tx.Put(colSales, saleKey(req.StoreID, saleID), sale)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("sale finalized",
		zap.String("saleId", sale.ID),
		zap.String("storeId", sale.StoreID),
		zap.Int64("total", sale.TotalAmountCents))
	e.publishSaleEffects(ctx, sale)
	if redeemedRequest != nil {
		e.publish(ctx, topicDiscounts(redeemedRequest.StoreID), *redeemedRequest)
	}
	return &sale, nil
}

// readSettlementTargets loads the store's payment routing and the routed
// ledger accounts for every non-cash tender. It belongs to the read phase.
func readSettlementTargets(ctx context.Context, tx docstore.Tx, storeID string, tenders []domain.PaymentTender) (map[string]domain.PaymentRoute, map[string]*domain.LedgerAccount, error) {
	methods := make(map[string]bool)
	for _, t := range tenders {
		if t.Method != domain.TenderCash {
			methods[t.Method] = true
		}
	}
	routes := make(map[string]domain.PaymentRoute, len(methods))
	accounts := make(map[string]*domain.LedgerAccount)
	if len(methods) == 0 {
		return routes, accounts, nil
	}

	var routing domain.PaymentRouting
	if err := tx.Get(ctx, colRouting, storeID, &routing); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil, preconditionf("no payment routing configured for store %s", storeID)
		}
		return nil, nil, err
	}
	for method := range methods {
		route, ok := routing.Routes[method]
		if !ok || route.AccountID == "" {
			return nil, nil, preconditionf("no ledger account routed for tender method %s", method)
		}
		routes[method] = route
		if _, seen := accounts[route.AccountID]; seen {
			continue
		}
		var account domain.LedgerAccount
		if err := tx.Get(ctx, colAccounts, route.AccountID, &account); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return nil, nil, preconditionf("ledger account %s not found", route.AccountID)
			}
			return nil, nil, err
		}
		accounts[route.AccountID] = &account
	}
	return routes, accounts, nil
}

type settlement struct {
	txID        string
	at          time.Time
	performedBy string
	txType      string
	description string
	saleID      string
}

// settleTender credits the routed account with the tender amount net of the
// acquirer fee and buffers the audit record. The caller puts the accounts
// after all tenders are applied so shared accounts accumulate correctly.
func settleTender(tx docstore.Tx, accounts map[string]*domain.LedgerAccount, route domain.PaymentRoute, tender domain.PaymentTender, s settlement) {
	fee := int64(math.Round(float64(tender.AmountCents) * route.FeePercent / 100))
	net := tender.AmountCents - fee
	account := accounts[route.AccountID]
	account.BalanceCents += net

	record := domain.LedgerTransaction{
		ID:          s.txID,
		AccountID:   account.ID,
		AmountCents: net,
		Type:        s.txType,
		Description: s.description,
		Metadata: map[string]string{
			"saleId":       s.saleID,
			"tenderMethod": tender.Method,
			"grossAmount":  formatCents(tender.AmountCents),
			"feeAmount":    formatCents(fee),
			"feePercent":   formatPercent(route.FeePercent),
		},
		Timestamp:   s.at,
		PerformedBy: s.performedBy,
	}
	tx.Put(colLedgerTx, ledgerTxKey(account.ID, s.at, s.txID), record)
}

func (e *Engine) publishSaleEffects(ctx context.Context, sale domain.Sale) {
	e.publish(ctx, topicSales(sale.StoreID), sale)
	e.publish(ctx, topicInventory(sale.StoreID), sale.Items)
}

func (e *Engine) GetSale(ctx context.Context, storeID, saleID string) (*domain.Sale, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	var sale domain.Sale
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colSales, saleKey(storeID, saleID), &sale)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("sale %s", saleID)
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// ListSales returns every sale of a store, newest first.
func (e *Engine) ListSales(ctx context.Context, storeID string) ([]domain.Sale, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	var sales []domain.Sale
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		sales = nil
		entries, err := tx.List(ctx, colSales, salePrefix(storeID))
		if err != nil {
			return err
		}
		sales = make([]domain.Sale, 0, len(entries))
		for _, entry := range entries {
			var sale domain.Sale
			if err := unmarshalEntry(entry, &sale); err != nil {
				return err
			}
			sales = append(sales, sale)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSalesNewestFirst(sales)
	return sales, nil
}
