package engine

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/docstore/memory"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/notify"
)

func TestDepositWithdrawMainBalance(t *testing.T) {
	e, _ := testEngine(t)

	account, err := e.Deposit(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 50000, Description: "aporte inicial",
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if account.BalanceCents != 50000 {
		t.Fatalf("balance = %d, want 50000", account.BalanceCents)
	}

	account, err = e.Withdraw(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 20000, Description: "pagamento fornecedor",
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if account.BalanceCents != 30000 {
		t.Fatalf("balance = %d, want 30000", account.BalanceCents)
	}

	_, err = e.Withdraw(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 99999999, Description: "demais",
	})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("overdraft: expected ErrPreconditionFailed, got %v", err)
	}

	records, err := e.ListTransactions(ctxFinance(), "acc-banco")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Type != domain.LedgerDeposit || records[1].Type != domain.LedgerWithdrawal {
		t.Fatalf("record types = %s, %s", records[0].Type, records[1].Type)
	}
}

func TestSubBalances(t *testing.T) {
	e, _ := testEngine(t)

	// First deposit into a named sub-balance creates it.
	account, err := e.Deposit(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", SubBalance: "impostos", AmountCents: 10000, Description: "provisão",
	})
	if err != nil {
		t.Fatalf("sub deposit: %v", err)
	}
	if len(account.SubBalances) != 1 || account.SubBalances[0].AmountCents != 10000 {
		t.Fatalf("sub balances = %+v", account.SubBalances)
	}
	if account.TotalAvailableCents() != 10000 {
		t.Fatalf("total available = %d, want 10000", account.TotalAvailableCents())
	}

	// The funds check targets the named balance, not the account total.
	_, err = e.Withdraw(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 5000, Description: "do principal",
	})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("main overdraft with funded sub: expected ErrPreconditionFailed, got %v", err)
	}

	_, err = e.Withdraw(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", SubBalance: "ferias", AmountCents: 100, Description: "x",
	})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("unknown sub-balance: expected ErrPreconditionFailed, got %v", err)
	}
}

func TestTransferBetweenAccounts(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.Deposit(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 30000, Description: "saldo",
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := e.Transfer(ctxFinance(), domain.LedgerTransferRequest{
		FromAccountID: "acc-banco",
		ToAccountID:   "acc-cofre",
		AmountCents:   12000,
		Description:   "reforço do cofre",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	bank := accountByID(t, e, "acc-banco")
	safe := accountByID(t, e, "acc-cofre")
	if bank.BalanceCents != 18000 || safe.BalanceCents != 12000 {
		t.Fatalf("balances = %d / %d, want 18000 / 12000", bank.BalanceCents, safe.BalanceCents)
	}

	out, err := e.ListTransactions(ctxFinance(), "acc-banco")
	if err != nil {
		t.Fatalf("list from: %v", err)
	}
	in, err := e.ListTransactions(ctxFinance(), "acc-cofre")
	if err != nil {
		t.Fatalf("list to: %v", err)
	}
	if out[len(out)-1].Type != domain.LedgerTransferOut || in[len(in)-1].Type != domain.LedgerTransferIn {
		t.Fatalf("transfer records = %s / %s", out[len(out)-1].Type, in[len(in)-1].Type)
	}

	err = e.Transfer(ctxFinance(), domain.LedgerTransferRequest{
		FromAccountID: "acc-cofre", ToAccountID: "acc-banco", AmountCents: 99999, Description: "demais",
	})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("insufficient transfer: expected ErrPreconditionFailed, got %v", err)
	}
}

func TestTransferMainToSubSameAccount(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.Deposit(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 20000, Description: "saldo",
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := e.Transfer(ctxFinance(), domain.LedgerTransferRequest{
		FromAccountID: "acc-banco",
		ToAccountID:   "acc-banco",
		ToSubBalance:  "impostos",
		AmountCents:   7000,
		Description:   "provisão de impostos",
	})
	if err != nil {
		t.Fatalf("main to sub: %v", err)
	}
	account := accountByID(t, e, "acc-banco")
	if account.BalanceCents != 13000 {
		t.Fatalf("main = %d, want 13000", account.BalanceCents)
	}
	if len(account.SubBalances) != 1 || account.SubBalances[0].AmountCents != 7000 {
		t.Fatalf("sub balances = %+v", account.SubBalances)
	}
	if account.TotalAvailableCents() != 20000 {
		t.Fatalf("total = %d, want 20000", account.TotalAvailableCents())
	}

	// Same balance to itself is meaningless.
	err = e.Transfer(ctxFinance(), domain.LedgerTransferRequest{
		FromAccountID: "acc-banco", ToAccountID: "acc-banco", AmountCents: 100, Description: "x",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("self transfer: expected ErrValidation, got %v", err)
	}
}

func TestLedgerRoleEnforcement(t *testing.T) {
	e, _ := testEngine(t)

	if _, err := e.Deposit(ctxEmployee(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 100, Description: "x",
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("employee deposit: expected ErrForbidden, got %v", err)
	}
	if _, err := e.ListAccounts(ctxEmployee()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("employee list accounts: expected ErrForbidden, got %v", err)
	}
	if _, err := e.CreateAccount(ctxManager(), "Nova Conta", "bank"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("manager create account: expected ErrForbidden, got %v", err)
	}
}

func TestVerifyAccountsReplaysHistory(t *testing.T) {
	e, _ := testEngine(t)
	session := openTestSession(t, e, 0)

	// Seed activity through real operations, including a fee-split sale.
	if _, err := e.Deposit(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 10000, Description: "aporte",
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := e.FinalizeSale(ctxEmployee(), domain.FinalizeSaleRequest{
		StoreID:   testStore,
		SessionID: session.ID,
		Cart:      []domain.CartLine{{ProductID: "prod-camiseta-basica", Color: "white", Size: "M", Quantity: 1}},
		Tenders:   []domain.PaymentTender{{Method: domain.TenderPix, AmountCents: 4990}},
	}); err != nil {
		t.Fatalf("pix sale: %v", err)
	}
	if err := e.Transfer(ctxFinance(), domain.LedgerTransferRequest{
		FromAccountID: "acc-banco", ToAccountID: "acc-cofre", AmountCents: 3000, Description: "cofre",
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	mismatches, err := e.VerifyAccounts(ctxFinance())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected clean ledger, got %+v", mismatches)
	}

	// Tamper with a balance behind the audit trail's back.
	err = e.docs.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		var account domain.LedgerAccount
		if err := tx.Get(ctx, colAccounts, "acc-cofre", &account); err != nil {
			return err
		}
		account.BalanceCents += 777
		tx.Put(colAccounts, account.ID, account)
		return nil
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	mismatches, err = e.VerifyAccounts(ctxFinance())
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].AccountID != "acc-cofre" {
		t.Fatalf("mismatches = %+v, want acc-cofre only", mismatches)
	}
}

// interposedStore runs a hook before each transaction so tests can inject
// concurrent activity at transaction boundaries.
type interposedStore struct {
	docstore.Store
	before func()
}

func (s *interposedStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	if s.before != nil {
		s.before()
	}
	return s.Store.RunTransaction(ctx, fn)
}

// A posting that lands between the transactions of a reconciliation run
// moves an account's balance and its trail together, so it must never be
// reported as a mismatch.
func TestVerifyAccountsUnaffectedByConcurrentPostings(t *testing.T) {
	docs := memory.New()
	wrapped := &interposedStore{Store: docs}
	e := New(wrapped, catalog.NewSeeded(), notify.NewMemory(), zap.NewNop())
	seedFixtures(t, docs)

	poster := New(docs, catalog.NewSeeded(), notify.NewMemory(), zap.NewNop())
	if _, err := poster.Deposit(ctxFinance(), domain.LedgerMovementRequest{
		AccountID: "acc-banco", AmountCents: 10000, Description: "saldo",
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	wrapped.before = func() {
		if _, err := poster.Deposit(ctxFinance(), domain.LedgerMovementRequest{
			AccountID: "acc-banco", AmountCents: 100, Description: "venda simultânea",
		}); err != nil {
			t.Fatalf("interposed deposit: %v", err)
		}
	}

	mismatches, err := e.VerifyAccounts(ctxFinance())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected clean ledger despite concurrent postings, got %+v", mismatches)
	}
}
