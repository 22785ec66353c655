package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/xid"
)

// StartStockCount freezes a snapshot of the store's system quantities as the
// comparison baseline. Sales continue against live inventory; only the
// adjustment commit touches it again.
func (e *Engine) StartStockCount(ctx context.Context, storeID string) (*domain.StockCountSession, error) {
	identity, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	if storeID == "" {
		return nil, validationf("storeId is required")
	}

	session := domain.StockCountSession{
		ID:           xid.New("count"),
		StoreID:      storeID,
		Status:       domain.CountInProgress,
		CountedItems: []domain.CountedLine{},
		StartedAt:    time.Now().UTC(),
		StartedBy:    identity.UID,
	}
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		entries, err := tx.List(ctx, colInventory, inventoryPrefix(storeID))
		if err != nil {
			return err
		}
		snapshot := make([]domain.SnapshotLine, 0, len(entries))
		for _, entry := range entries {
			var record domain.InventoryRecord
			if err := unmarshalEntry(entry, &record); err != nil {
				return err
			}
			snapshot = append(snapshot, domain.SnapshotLine{
				ProductID:         record.ProductID,
				Color:             record.Color,
				Size:              record.Size,
				SystemQuantity:    record.Quantity,
				CostPriceCents:    e.costPrice(ctx, record.ProductID),
				InventoryRecordID: record.ID,
			})
		}
		session.Snapshot = snapshot
		tx.Put(colStockCounts, session.ID, session)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stock count started",
		zap.String("countId", session.ID),
		zap.String("storeId", storeID),
		zap.Int("lines", len(session.Snapshot)))
	return &session, nil
}

// costPrice looks up the catalog cost for valuing discrepancies. A product
// missing from the catalog values at zero rather than failing the count.
func (e *Engine) costPrice(ctx context.Context, productID string) int64 {
	product, err := e.catalog.GetProduct(ctx, productID)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			e.log.Warn("catalog lookup failed during stock count", zap.String("productId", productID), zap.Error(err))
		}
		return 0
	}
	return product.CostPriceCents
}

// SaveCountProgress overwrites the draft counted lines; counting apps send
// their full current state each time.
func (e *Engine) SaveCountProgress(ctx context.Context, countID string, counts []domain.CountedLine) (*domain.StockCountSession, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	if len(counts) == 0 {
		return nil, validationf("counted lines must not be empty")
	}
	for _, line := range counts {
		if line.CountedQuantity < 0 {
			return nil, validationf("counted quantity must not be negative for %s", line.ProductID)
		}
	}

	var session domain.StockCountSession
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		session = domain.StockCountSession{}
		if err := tx.Get(ctx, colStockCounts, countID, &session); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("stock count %s", countID)
			}
			return err
		}
		if session.Status != domain.CountInProgress {
			return alreadyAppliedf("stock count %s is already completed", countID)
		}
		if session.DiscrepancyReport != nil {
			return alreadyAppliedf("stock count %s is already finalized", countID)
		}
		if err := matchSnapshot(session.Snapshot, counts); err != nil {
			return err
		}
		session.CountedItems = counts
		tx.Put(colStockCounts, countID, session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FinalizeStockCount computes the immutable discrepancy report. Snapshot
// lines never counted are treated as counted at their system quantity, so
// only lines someone actually counted can produce a discrepancy.
func (e *Engine) FinalizeStockCount(ctx context.Context, countID string, counts []domain.CountedLine) (*domain.StockCountSession, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	for _, line := range counts {
		if line.CountedQuantity < 0 {
			return nil, validationf("counted quantity must not be negative for %s", line.ProductID)
		}
	}

	var session domain.StockCountSession
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		session = domain.StockCountSession{}
		if err := tx.Get(ctx, colStockCounts, countID, &session); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("stock count %s", countID)
			}
			return err
		}
		if session.Status != domain.CountInProgress {
			return alreadyAppliedf("stock count %s is already completed", countID)
		}
		if session.DiscrepancyReport != nil {
			return alreadyAppliedf("stock count %s is already finalized", countID)
		}
		if len(counts) > 0 {
			if err := matchSnapshot(session.Snapshot, counts); err != nil {
				return err
			}
			session.CountedItems = counts
		}

		counted := make(map[domain.LineKey]int, len(session.CountedItems))
		for _, line := range session.CountedItems {
			counted[domain.LineKey{ProductID: line.ProductID, Color: line.Color, Size: line.Size}] = line.CountedQuantity
		}
		report := make([]domain.DiscrepancyLine, 0, len(session.Snapshot))
		session.TotalUnitDifference = 0
		session.TotalCostDifferenceCents = 0
		for _, line := range session.Snapshot {
			quantity := line.SystemQuantity
			if c, ok := counted[domain.LineKey{ProductID: line.ProductID, Color: line.Color, Size: line.Size}]; ok {
				quantity = c
			}
			diff := quantity - line.SystemQuantity
			report = append(report, domain.DiscrepancyLine{
				ProductID:         line.ProductID,
				Color:             line.Color,
				Size:              line.Size,
				SystemQuantity:    line.SystemQuantity,
				CostPriceCents:    line.CostPriceCents,
				InventoryRecordID: line.InventoryRecordID,
				CountedQuantity:   quantity,
				Difference:        diff,
			})
			session.TotalUnitDifference += diff
			session.TotalCostDifferenceCents += int64(diff) * line.CostPriceCents
		}
		session.DiscrepancyReport = report
		tx.Put(colStockCounts, countID, session)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stock count finalized",
		zap.String("countId", session.ID),
		zap.Int("unitDifference", session.TotalUnitDifference),
		zap.Int64("costDifference", session.TotalCostDifferenceCents))
	return &session, nil
}

// CommitStockAdjustment sets live inventory to the finalized counted
// quantities and completes the count. The whole batch commits atomically; a
// concurrent sale on any adjusted variant forces a retry against fresh
// stock.
func (e *Engine) CommitStockAdjustment(ctx context.Context, countID string) (*domain.StockCountSession, error) {
	identity, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var session domain.StockCountSession
	var adjusted []domain.InventoryRecord
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		session = domain.StockCountSession{}
		adjusted = nil
		if err := tx.Get(ctx, colStockCounts, countID, &session); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("stock count %s", countID)
			}
			return err
		}
		if session.Status != domain.CountInProgress {
			return alreadyAppliedf("stock count %s is already completed", countID)
		}
		if session.DiscrepancyReport == nil {
			return preconditionf("stock count %s has no finalized discrepancy report", countID)
		}

		type pending struct {
			key    string
			record domain.InventoryRecord
		}
		var writes []pending
		for _, line := range session.DiscrepancyReport {
			if line.Difference == 0 {
				continue
			}
			key := inventoryKey(session.StoreID, line.ProductID, line.Color, line.Size)
			var record domain.InventoryRecord
			if err := tx.Get(ctx, colInventory, key, &record); err != nil {
				if !errors.Is(err, docstore.ErrNotFound) {
					return err
				}
				record = domain.InventoryRecord{
					ID:        line.InventoryRecordID,
					StoreID:   session.StoreID,
					ProductID: line.ProductID,
					Color:     line.Color,
					Size:      line.Size,
				}
			}
			record.Quantity = line.CountedQuantity
			writes = append(writes, pending{key: key, record: record})
		}

		for _, w := range writes {
			tx.Put(colInventory, w.key, w.record)
			adjusted = append(adjusted, w.record)
		}
		session.Status = domain.CountCompleted
		session.CompletedAt = &now
		session.CompletedBy = identity.UID
		tx.Put(colStockCounts, countID, session)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stock adjustment committed",
		zap.String("countId", session.ID),
		zap.Int("adjustedLines", len(adjusted)))
	if len(adjusted) > 0 {
		e.publish(ctx, topicInventory(session.StoreID), adjusted)
	}
	return &session, nil
}

func (e *Engine) GetStockCount(ctx context.Context, countID string) (*domain.StockCountSession, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	var session domain.StockCountSession
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colStockCounts, countID, &session)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("stock count %s", countID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// matchSnapshot rejects counted lines that are not part of the frozen
// snapshot; new variants found on shelves go through a supply flow, not a
// count.
func matchSnapshot(snapshot []domain.SnapshotLine, counts []domain.CountedLine) error {
	known := make(map[domain.LineKey]bool, len(snapshot))
	for _, line := range snapshot {
		known[domain.LineKey{ProductID: line.ProductID, Color: line.Color, Size: line.Size}] = true
	}
	seen := make(map[domain.LineKey]bool, len(counts))
	for _, line := range counts {
		key := domain.LineKey{ProductID: line.ProductID, Color: line.Color, Size: line.Size}
		if !known[key] {
			return validationf("counted line %s %s/%s is not in the count snapshot", line.ProductID, line.Color, line.Size)
		}
		if seen[key] {
			return validationf("duplicate counted line %s %s/%s", line.ProductID, line.Color, line.Size)
		}
		seen[key] = true
	}
	return nil
}
