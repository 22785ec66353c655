package engine

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/docstore/memory"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/notify"
)

const testStore = "loja-1"

func testEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	docs := memory.New()
	e := New(docs, catalog.NewSeeded(), notify.NewMemory(), zap.NewNop())
	seedFixtures(t, docs)
	return e, docs
}

// seedFixtures writes the ledger accounts, payment routing and shelf stock
// the tests run against.
func seedFixtures(t *testing.T, docs docstore.Store) {
	t.Helper()
	err := docs.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		tx.Put(colAccounts, "acc-banco", domain.LedgerAccount{
			ID: "acc-banco", Name: "Conta Corrente", Type: "bank", SubBalances: []domain.SubBalance{},
		})
		tx.Put(colAccounts, "acc-cofre", domain.LedgerAccount{
			ID: "acc-cofre", Name: "Cofre", Type: "cash", SubBalances: []domain.SubBalance{},
		})
		tx.Put(colRouting, testStore, domain.PaymentRouting{
			StoreID: testStore,
			Routes: map[string]domain.PaymentRoute{
				domain.TenderCreditCard: {AccountID: "acc-banco", FeePercent: 2.5},
				domain.TenderDebitCard:  {AccountID: "acc-banco", FeePercent: 1.8},
				domain.TenderPix:        {AccountID: "acc-banco", FeePercent: 0.99},
			},
		})
		stock := []domain.InventoryRecord{
			{ID: "inv-1", StoreID: testStore, ProductID: "prod-camiseta-basica", Color: "white", Size: "M", Quantity: 10},
			{ID: "inv-2", StoreID: testStore, ProductID: "prod-camiseta-basica", Color: "black", Size: "P", Quantity: 1},
			{ID: "inv-3", StoreID: testStore, ProductID: "prod-calca-jeans", Color: "blue", Size: "40", Quantity: 5},
			{ID: "inv-4", StoreID: testStore, ProductID: "prod-meia-kit3", Color: "white", Size: "U", Quantity: 8},
			{ID: "inv-5", StoreID: testStore, ProductID: "prod-vestido-midi", Color: "red", Size: "M", Quantity: 3},
		}
		for _, rec := range stock {
			tx.Put(colInventory, inventoryKey(rec.StoreID, rec.ProductID, rec.Color, rec.Size), rec)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed fixtures: %v", err)
	}
}

func ctxAs(role string) context.Context {
	return WithIdentity(context.Background(), domain.Identity{
		UID:     "usr-" + role,
		Email:   role + "@vestepos.dev",
		Role:    role,
		StoreID: testStore,
	})
}

func ctxEmployee() context.Context { return ctxAs(domain.RoleEmployee) }
func ctxManager() context.Context  { return ctxAs(domain.RoleManager) }
func ctxAdmin() context.Context    { return ctxAs(domain.RoleAdmin) }
func ctxFinance() context.Context  { return ctxAs(domain.RoleFinance) }

func openTestSession(t *testing.T, e *Engine, openingBalance int64) *domain.CashRegisterSession {
	t.Helper()
	session, err := e.OpenSession(ctxEmployee(), domain.OpenSessionRequest{
		StoreID:             testStore,
		OpeningBalanceCents: openingBalance,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return session
}

func stockQuantity(t *testing.T, e *Engine, productID, color, size string) int {
	t.Helper()
	var record domain.InventoryRecord
	err := e.docs.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colInventory, inventoryKey(testStore, productID, color, size), &record)
	})
	if err != nil {
		t.Fatalf("read stock %s %s/%s: %v", productID, color, size, err)
	}
	return record.Quantity
}

func accountByID(t *testing.T, e *Engine, accountID string) domain.LedgerAccount {
	t.Helper()
	var account domain.LedgerAccount
	err := e.docs.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colAccounts, accountID, &account)
	})
	if err != nil {
		t.Fatalf("read account %s: %v", accountID, err)
	}
	return account
}
