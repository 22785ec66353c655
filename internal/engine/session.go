package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/xid"
)

// openSessionRef is the per-store singleton marker that enforces at most one
// open cash session per store. OpenSession creates it, CloseSession deletes
// it, both inside the same transaction as the session document.
type openSessionRef struct {
	SessionID string `json:"sessionId"`
}

func (e *Engine) OpenSession(ctx context.Context, req domain.OpenSessionRequest) (*domain.CashRegisterSession, error) {
	identity, err := e.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if req.StoreID == "" {
		return nil, validationf("storeId is required")
	}
	if req.OpeningBalanceCents < 0 {
		return nil, validationf("opening balance must not be negative")
	}

	session := domain.CashRegisterSession{
		ID:                  xid.New("css"),
		StoreID:             req.StoreID,
		Status:              domain.SessionOpen,
		OpenedAt:            time.Now().UTC(),
		OpenedBy:            identity.UID,
		OpeningBalanceCents: req.OpeningBalanceCents,
		CurrentCashCents:    req.OpeningBalanceCents,
		Supplies:            []domain.CashMovement{},
		Outflows:            []domain.CashMovement{},
	}

	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var ref openSessionRef
		switch err := tx.Get(ctx, colOpenSessions, req.StoreID, &ref); {
		case err == nil:
			return preconditionf("store %s already has an open cash session (%s)", req.StoreID, ref.SessionID)
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}
		tx.Put(colSessions, session.ID, session)
		tx.Put(colOpenSessions, req.StoreID, openSessionRef{SessionID: session.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("cash session opened",
		zap.String("sessionId", session.ID),
		zap.String("storeId", session.StoreID),
		zap.Int64("openingBalance", session.OpeningBalanceCents))
	e.publish(ctx, topicSessions(session.StoreID), session)
	return &session, nil
}

func (e *Engine) RecordSupply(ctx context.Context, req domain.CashMovementRequest) (*domain.CashRegisterSession, error) {
	return e.recordCashMovement(ctx, req, true)
}

func (e *Engine) RecordOutflow(ctx context.Context, req domain.CashMovementRequest) (*domain.CashRegisterSession, error) {
	return e.recordCashMovement(ctx, req, false)
}

func (e *Engine) recordCashMovement(ctx context.Context, req domain.CashMovementRequest, supply bool) (*domain.CashRegisterSession, error) {
	identity, err := e.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, validationf("sessionId is required")
	}
	if req.AmountCents <= 0 {
		return nil, validationf("amount must be positive")
	}
	if req.Description == "" {
		return nil, validationf("description is required")
	}

	now := time.Now().UTC()
	var session domain.CashRegisterSession
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		session = domain.CashRegisterSession{}
		if err := tx.Get(ctx, colSessions, req.SessionID, &session); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("cash session %s", req.SessionID)
			}
			return err
		}
		if session.Status != domain.SessionOpen {
			return preconditionf("cash session %s is closed", req.SessionID)
		}

		movement := domain.CashMovement{
			AmountCents: req.AmountCents,
			Description: req.Description,
			RecordedAt:  now,
			RecordedBy:  identity.UID,
		}
		if supply {
			session.Supplies = append(session.Supplies, movement)
			session.CurrentCashCents += req.AmountCents
		} else {
			if req.AmountCents > session.CurrentCashCents {
				return preconditionf("outflow exceeds cash in register, available: %d", session.CurrentCashCents)
			}
			session.Outflows = append(session.Outflows, movement)
			session.CurrentCashCents -= req.AmountCents
		}
		tx.Put(colSessions, session.ID, session)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, topicSessions(session.StoreID), session)
	return &session, nil
}

// CloseSession recomputes the daily summary from the sales recorded during
// the session before sealing it. The recompute runs inside the same
// transaction that flips the status, so a sale finalizing concurrently
// either lands in the summary or forces a retry.
func (e *Engine) CloseSession(ctx context.Context, req domain.CloseSessionRequest) (*domain.CashRegisterSession, error) {
	identity, err := e.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, validationf("sessionId is required")
	}
	if req.CountedClosingBalanceCents < 0 {
		return nil, validationf("counted closing balance must not be negative")
	}

	now := time.Now().UTC()
	var session domain.CashRegisterSession
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		session = domain.CashRegisterSession{}
		if err := tx.Get(ctx, colSessions, req.SessionID, &session); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("cash session %s", req.SessionID)
			}
			return err
		}
		if session.Status != domain.SessionOpen {
			return alreadyAppliedf("cash session %s is already closed", req.SessionID)
		}

		summary, err := summarizeSales(tx, ctx, session)
		if err != nil {
			return err
		}
		session.DailySalesSummary = summary

		closing := req.CountedClosingBalanceCents
		diff := closing - session.CurrentCashCents
		session.Status = domain.SessionClosed
		session.ClosedAt = &now
		session.ClosedBy = identity.UID
		session.ClosingBalanceCents = &closing
		session.CashCountDifferenceCents = &diff

		tx.Put(colSessions, session.ID, session)
		tx.Delete(colOpenSessions, session.StoreID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("cash session closed",
		zap.String("sessionId", session.ID),
		zap.String("storeId", session.StoreID),
		zap.Int64("cashCountDifference", *session.CashCountDifferenceCents))
	e.publish(ctx, topicSessions(session.StoreID), session)
	return &session, nil
}

// summarizeSales rebuilds the per-method totals from every sale settled
// against this session, including exchange adjustments, rather than trusting
// the incrementally maintained counters.
func summarizeSales(tx docstore.Tx, ctx context.Context, session domain.CashRegisterSession) (domain.DailySalesSummary, error) {
	var summary domain.DailySalesSummary
	entries, err := tx.List(ctx, colSales, salePrefix(session.StoreID))
	if err != nil {
		return summary, err
	}
	for _, entry := range entries {
		var sale domain.Sale
		if err := json.Unmarshal(entry.Data, &sale); err != nil {
			return summary, err
		}
		if sale.CashRegisterSessionID == session.ID {
			for _, tender := range sale.PaymentMethods {
				addToSummary(&summary, tender.Method, tender.AmountCents)
			}
		}
		for _, ret := range sale.ReturnedItems {
			if ret.Kind != domain.ReturnKindExchange || ret.ProcessedAt.Before(session.OpenedAt) {
				continue
			}
			if ret.PriceDifferenceCents < 0 {
				addToSummary(&summary, domain.TenderCash, ret.PriceDifferenceCents)
				continue
			}
			for _, tender := range ret.Tenders {
				addToSummary(&summary, tender.Method, tender.AmountCents)
			}
		}
	}
	return summary, nil
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (*domain.CashRegisterSession, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	var session domain.CashRegisterSession
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colSessions, sessionID, &session)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("cash session %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetOpenSession resolves the store's singleton marker to the open session,
// or ErrNotFound when the register is closed.
func (e *Engine) GetOpenSession(ctx context.Context, storeID string) (*domain.CashRegisterSession, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	var session domain.CashRegisterSession
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var ref openSessionRef
		if err := tx.Get(ctx, colOpenSessions, storeID, &ref); err != nil {
			return err
		}
		return tx.Get(ctx, colSessions, ref.SessionID, &session)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("no open cash session for store %s", storeID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}
