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

// RequestDiscount files a pending discount authorization for the current
// cart. The cart is priced and frozen into the request; approval binds to
// that snapshot.
func (e *Engine) RequestDiscount(ctx context.Context, input domain.DiscountRequestInput) (*domain.DiscountRequest, error) {
	identity, err := e.requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if input.StoreID == "" {
		return nil, validationf("storeId is required")
	}
	if err := validateDiscountTerms(input.Discount); err != nil {
		return nil, err
	}
	items, subtotal, err := e.priceCart(ctx, input.Cart)
	if err != nil {
		return nil, err
	}

	request := domain.DiscountRequest{
		ID:            xid.New("dreq"),
		RequesterInfo: domain.PartyInfo{ID: identity.UID, Name: identity.Email},
		StoreID:       input.StoreID,
		CartSnapshot:  domain.CartSnapshot{Items: items, SubtotalCents: subtotal},
		Discount:      input.Discount,
		Status:        domain.DiscountPending,
		CreatedAt:     time.Now().UTC(),
	}
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put(colDiscounts, discountKey(input.StoreID, request.ID), request)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("discount requested",
		zap.String("requestId", request.ID),
		zap.String("storeId", request.StoreID),
		zap.Float64("value", request.Discount.Value))
	e.publish(ctx, topicDiscounts(request.StoreID), request)
	return &request, nil
}

// ApproveDiscount resolves a pending request. The approver may adjust the
// terms; the final terms, not the requested ones, apply at the sale.
func (e *Engine) ApproveDiscount(ctx context.Context, storeID, requestID string, final *domain.DiscountTerms) (*domain.DiscountRequest, error) {
	if final != nil {
		if err := validateDiscountTerms(*final); err != nil {
			return nil, err
		}
	}
	return e.resolveDiscount(ctx, storeID, requestID, domain.DiscountApproved, "", final)
}

func (e *Engine) RejectDiscount(ctx context.Context, storeID, requestID, reason string) (*domain.DiscountRequest, error) {
	return e.resolveDiscount(ctx, storeID, requestID, domain.DiscountRejected, reason, nil)
}

func (e *Engine) resolveDiscount(ctx context.Context, storeID, requestID, status, reason string, final *domain.DiscountTerms) (*domain.DiscountRequest, error) {
	identity, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var request domain.DiscountRequest
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		request = domain.DiscountRequest{}
		if err := tx.Get(ctx, colDiscounts, discountKey(storeID, requestID), &request); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("discount request %s", requestID)
			}
			return err
		}
		if request.Status != domain.DiscountPending {
			return alreadyAppliedf("discount request %s is already %s", requestID, request.Status)
		}
		if final != nil {
			request.Discount = *final
		}
		request.Status = status
		request.ResolvedAt = &now
		request.ResolvedBy = identity.UID
		request.Reason = reason
		tx.Put(colDiscounts, discountKey(storeID, requestID), request)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("discount request resolved",
		zap.String("requestId", request.ID),
		zap.String("status", request.Status))
	e.publish(ctx, topicDiscounts(request.StoreID), request)
	return &request, nil
}

func (e *Engine) GetDiscountRequest(ctx context.Context, storeID, requestID string) (*domain.DiscountRequest, error) {
	if _, err := e.requireIdentity(ctx); err != nil {
		return nil, err
	}
	var request domain.DiscountRequest
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colDiscounts, discountKey(storeID, requestID), &request)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("discount request %s", requestID)
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// ListPendingDiscounts returns the store's open approval queue, oldest
// first.
func (e *Engine) ListPendingDiscounts(ctx context.Context, storeID string) ([]domain.DiscountRequest, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	var pending []domain.DiscountRequest
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		pending = nil
		entries, err := tx.List(ctx, colDiscounts, storeID+"/")
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var request domain.DiscountRequest
			if err := unmarshalEntry(entry, &request); err != nil {
				return err
			}
			if request.Status == domain.DiscountPending {
				pending = append(pending, request)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortDiscountsOldestFirst(pending)
	return pending, nil
}

// ExpireStaleDiscounts rejects pending requests older than maxAge. The
// scheduler runs it so approval queues do not accumulate abandoned carts.
func (e *Engine) ExpireStaleDiscounts(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-maxAge)
	var expired []domain.DiscountRequest
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		expired = nil
		entries, err := tx.List(ctx, colDiscounts, "")
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var request domain.DiscountRequest
			if err := unmarshalEntry(entry, &request); err != nil {
				return err
			}
			if request.Status != domain.DiscountPending || !request.CreatedAt.Before(cutoff) {
				continue
			}
			request.Status = domain.DiscountRejected
			request.ResolvedAt = &now
			request.Reason = "expired"
			expired = append(expired, request)
		}
		for _, request := range expired {
			tx.Put(colDiscounts, discountKey(request.StoreID, request.ID), request)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, request := range expired {
		e.publish(ctx, topicDiscounts(request.StoreID), request)
	}
	return len(expired), nil
}
