package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
)

// SeedDev populates an empty store with development fixtures: one account
// per role, two ledger accounts, payment routing for the default store and
// shelf stock for every catalog variant. It is a no-op when users already
// exist, so restarting a dev server keeps its data.
func SeedDev(ctx context.Context, docs docstore.Store, cat catalog.Catalog, storeID string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	seeded := false
	err := docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		seeded = false
		existing, err := tx.List(ctx, colUsers, "")
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		seeded = true
		now := time.Now().UTC()

		users := []struct {
			email, password, role string
		}{
			{"admin@vestepos.dev", "admin123!", domain.RoleAdmin},
			{"gerente@vestepos.dev", "gerente123!", domain.RoleManager},
			{"vendedor@vestepos.dev", "vendedor123!", domain.RoleEmployee},
			{"financeiro@vestepos.dev", "financeiro123!", domain.RoleFinance},
		}
		for i, u := range users {
			hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			tx.Put(colUsers, u.email, domain.UserAccount{
				UID:          "usr-seed-" + u.role,
				Email:        u.email,
				PasswordHash: string(hash),
				Role:         u.role,
				StoreID:      storeID,
				Active:       true,
				CreatedAt:    now.Add(time.Duration(i) * time.Millisecond),
			})
		}

		bank := domain.LedgerAccount{
			ID:          "acc-banco",
			Name:        "Conta Corrente",
			Type:        "bank",
			SubBalances: []domain.SubBalance{},
		}
		safe := domain.LedgerAccount{
			ID:          "acc-cofre",
			Name:        "Cofre da Loja",
			Type:        "cash",
			SubBalances: []domain.SubBalance{},
		}
		tx.Put(colAccounts, bank.ID, bank)
		tx.Put(colAccounts, safe.ID, safe)

		tx.Put(colRouting, storeID, domain.PaymentRouting{
			StoreID: storeID,
			Routes: map[string]domain.PaymentRoute{
				domain.TenderCreditCard: {AccountID: bank.ID, FeePercent: 2.5},
				domain.TenderDebitCard:  {AccountID: bank.ID, FeePercent: 1.8},
				domain.TenderPix:        {AccountID: bank.ID, FeePercent: 0.99},
			},
		})
		return nil
	})
	if err != nil || !seeded {
		return err
	}

	if err := seedInventory(ctx, docs, cat, storeID); err != nil {
		return err
	}
	log.Info("development data seeded", zap.String("storeId", storeID))
	return nil
}

// seedInventory runs after the fixture transaction: it needs catalog lookups
// and those stay outside transaction bodies.
func seedInventory(ctx context.Context, docs docstore.Store, cat catalog.Catalog, storeID string) error {
	seedProducts := []string{
		"prod-camiseta-basica",
		"prod-calca-jeans",
		"prod-vestido-midi",
		"prod-jaqueta-corta-vento",
		"prod-meia-kit3",
	}
	var records []domain.InventoryRecord
	for _, productID := range seedProducts {
		product, err := cat.GetProduct(ctx, productID)
		if err != nil {
			continue
		}
		for i, v := range product.Variations {
			records = append(records, domain.InventoryRecord{
				ID:        "inv-seed-" + productID + "-" + v.Color + "-" + v.Size,
				StoreID:   storeID,
				ProductID: productID,
				Color:     v.Color,
				Size:      v.Size,
				Quantity:  10 + i,
			})
		}
	}
	return docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for _, record := range records {
			tx.Put(colInventory, inventoryKey(record.StoreID, record.ProductID, record.Color, record.Size), record)
		}
		return nil
	})
}
