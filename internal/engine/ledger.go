package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/xid"
)

func (e *Engine) CreateAccount(ctx context.Context, name, accountType string) (*domain.LedgerAccount, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, validationf("account name is required")
	}
	if accountType == "" {
		return nil, validationf("account type is required")
	}

	account := domain.LedgerAccount{
		ID:          xid.New("acc"),
		Name:        name,
		Type:        accountType,
		SubBalances: []domain.SubBalance{},
	}
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put(colAccounts, account.ID, account)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("ledger account created", zap.String("accountId", account.ID), zap.String("name", name))
	return &account, nil
}

func (e *Engine) GetAccount(ctx context.Context, accountID string) (*domain.LedgerAccount, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance); err != nil {
		return nil, err
	}
	var account domain.LedgerAccount
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colAccounts, accountID, &account)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("ledger account %s", accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (e *Engine) ListAccounts(ctx context.Context) ([]domain.LedgerAccount, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance); err != nil {
		return nil, err
	}
	return e.listAccounts(ctx)
}

func (e *Engine) listAccounts(ctx context.Context) ([]domain.LedgerAccount, error) {
	var accounts []domain.LedgerAccount
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		accounts = nil
		entries, err := tx.List(ctx, colAccounts, "")
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var account domain.LedgerAccount
			if err := unmarshalEntry(entry, &account); err != nil {
				return err
			}
			accounts = append(accounts, account)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts, nil
}

// Deposit credits an account's main balance, or a named sub-balance. A
// sub-balance that does not exist yet is created by the first deposit into
// it.
func (e *Engine) Deposit(ctx context.Context, req domain.LedgerMovementRequest) (*domain.LedgerAccount, error) {
	identity, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance)
	if err != nil {
		return nil, err
	}
	if err := validateMovement(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	txID := xid.New("ltx")
	var account domain.LedgerAccount
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		account = domain.LedgerAccount{}
		if err := tx.Get(ctx, colAccounts, req.AccountID, &account); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("ledger account %s", req.AccountID)
			}
			return err
		}
		if req.SubBalance == "" {
			account.BalanceCents += req.AmountCents
		} else {
			creditSubBalance(&account, req.SubBalance, req.AmountCents)
		}
		tx.Put(colAccounts, account.ID, account)
		putMovementRecord(tx, account.ID, domain.LedgerDeposit, req, txID, now, identity.UID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Withdraw debits an account's main balance or a named sub-balance; the
// funds check runs against the targeted balance only.
func (e *Engine) Withdraw(ctx context.Context, req domain.LedgerMovementRequest) (*domain.LedgerAccount, error) {
	identity, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance)
	if err != nil {
		return nil, err
	}
	if err := validateMovement(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	txID := xid.New("ltx")
	var account domain.LedgerAccount
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		account = domain.LedgerAccount{}
		if err := tx.Get(ctx, colAccounts, req.AccountID, &account); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("ledger account %s", req.AccountID)
			}
			return err
		}
		if err := debitBalance(&account, req.SubBalance, req.AmountCents); err != nil {
			return err
		}
		tx.Put(colAccounts, account.ID, account)
		putMovementRecord(tx, account.ID, domain.LedgerWithdrawal, req, txID, now, identity.UID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Transfer moves funds between two accounts, or between the main balance and
// a sub-balance of a single account. Both sides and both audit records
// commit in one transaction.
func (e *Engine) Transfer(ctx context.Context, req domain.LedgerTransferRequest) error {
	identity, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance)
	if err != nil {
		return err
	}
	if req.AmountCents <= 0 {
		return validationf("amount must be positive")
	}
	if req.Description == "" {
		return validationf("description is required")
	}
	if req.FromAccountID == "" || req.ToAccountID == "" {
		return validationf("both account ids are required")
	}
	if req.FromAccountID == req.ToAccountID && req.FromSubBalance == req.ToSubBalance {
		return validationf("transfer source and destination are the same balance")
	}

	now := time.Now().UTC()
	outID := xid.New("ltx")
	inID := xid.New("ltx")
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var from domain.LedgerAccount
		if err := tx.Get(ctx, colAccounts, req.FromAccountID, &from); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return notFoundf("ledger account %s", req.FromAccountID)
			}
			return err
		}
		to := &from
		if req.ToAccountID != req.FromAccountID {
			var dest domain.LedgerAccount
			if err := tx.Get(ctx, colAccounts, req.ToAccountID, &dest); err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					return notFoundf("ledger account %s", req.ToAccountID)
				}
				return err
			}
			to = &dest
		}

		if err := debitBalance(&from, req.FromSubBalance, req.AmountCents); err != nil {
			return err
		}
		if req.ToSubBalance == "" {
			to.BalanceCents += req.AmountCents
		} else {
			creditSubBalance(to, req.ToSubBalance, req.AmountCents)
		}

		tx.Put(colAccounts, from.ID, from)
		if to.ID != from.ID {
			tx.Put(colAccounts, to.ID, *to)
		}

		out := domain.LedgerTransaction{
			ID:          outID,
			AccountID:   from.ID,
			AmountCents: req.AmountCents,
			Type:        domain.LedgerTransferOut,
			Description: req.Description,
			Metadata:    transferMetadata(req),
			Timestamp:   now,
			PerformedBy: identity.UID,
		}
		in := domain.LedgerTransaction{
			ID:          inID,
			AccountID:   to.ID,
			AmountCents: req.AmountCents,
			Type:        domain.LedgerTransferIn,
			Description: req.Description,
			Metadata:    transferMetadata(req),
			Timestamp:   now,
			PerformedBy: identity.UID,
		}
		tx.Put(colLedgerTx, ledgerTxKey(from.ID, now, outID), out)
		tx.Put(colLedgerTx, ledgerTxKey(to.ID, now, inID), in)
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("ledger transfer",
		zap.String("from", req.FromAccountID),
		zap.String("to", req.ToAccountID),
		zap.Int64("amount", req.AmountCents))
	return nil
}

// ListTransactions returns an account's audit trail in chronological order.
func (e *Engine) ListTransactions(ctx context.Context, accountID string) ([]domain.LedgerTransaction, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin, domain.RoleFinance); err != nil {
		return nil, err
	}
	return e.listTransactions(ctx, accountID)
}

func (e *Engine) listTransactions(ctx context.Context, accountID string) ([]domain.LedgerTransaction, error) {
	var records []domain.LedgerTransaction
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		records = nil
		entries, err := tx.List(ctx, colLedgerTx, ledgerTxPrefix(accountID))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var record domain.LedgerTransaction
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

// AccountDiscrepancy is one account whose stored balance disagrees with the
// balance replayed from its transaction history.
type AccountDiscrepancy struct {
	AccountID     string `json:"accountId"`
	Name          string `json:"name"`
	ExpectedCents int64  `json:"expected"`
	ActualCents   int64  `json:"actual"`
}

// VerifyAccounts replays every account's audit trail and compares the result
// with the stored total. The nightly reconciliation job runs it; a non-empty
// result means a bug or manual tampering, never normal operation. Each
// account and its trail are read in a single transaction so a concurrent
// posting cannot split them into a false mismatch.
func (e *Engine) VerifyAccounts(ctx context.Context) ([]AccountDiscrepancy, error) {
	listed, err := e.listAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var mismatches []AccountDiscrepancy
	for _, stale := range listed {
		var account domain.LedgerAccount
		var expected int64
		found := true
		err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			expected = 0
			found = true
			if err := tx.Get(ctx, colAccounts, stale.ID, &account); err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					found = false
					return nil
				}
				return err
			}
			entries, err := tx.List(ctx, colLedgerTx, ledgerTxPrefix(stale.ID))
			if err != nil {
				return err
			}
			for _, entry := range entries {
				var record domain.LedgerTransaction
				if err := unmarshalEntry(entry, &record); err != nil {
					return err
				}
				switch record.Type {
				case domain.LedgerDeposit, domain.LedgerTransferIn:
					expected += record.AmountCents
				case domain.LedgerWithdrawal, domain.LedgerTransferOut:
					expected -= record.AmountCents
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if actual := account.TotalAvailableCents(); actual != expected {
			mismatches = append(mismatches, AccountDiscrepancy{
				AccountID:     account.ID,
				Name:          account.Name,
				ExpectedCents: expected,
				ActualCents:   actual,
			})
		}
	}
	return mismatches, nil
}

func validateMovement(req domain.LedgerMovementRequest) error {
	if req.AccountID == "" {
		return validationf("accountId is required")
	}
	if req.AmountCents <= 0 {
		return validationf("amount must be positive")
	}
	if req.Description == "" {
		return validationf("description is required")
	}
	return nil
}

func creditSubBalance(account *domain.LedgerAccount, name string, amount int64) {
	for i := range account.SubBalances {
		if account.SubBalances[i].Name == name {
			account.SubBalances[i].AmountCents += amount
			return
		}
	}
	account.SubBalances = append(account.SubBalances, domain.SubBalance{Name: name, AmountCents: amount})
}

func debitBalance(account *domain.LedgerAccount, subBalance string, amount int64) error {
	if subBalance == "" {
		if account.BalanceCents < amount {
			return preconditionf("insufficient funds in account %s, available: %d", account.ID, account.BalanceCents)
		}
		account.BalanceCents -= amount
		return nil
	}
	for i := range account.SubBalances {
		if account.SubBalances[i].Name != subBalance {
			continue
		}
		if account.SubBalances[i].AmountCents < amount {
			return preconditionf("insufficient funds in sub-balance %s, available: %d", subBalance, account.SubBalances[i].AmountCents)
		}
		account.SubBalances[i].AmountCents -= amount
		return nil
	}
	return preconditionf("sub-balance %s not found in account %s", subBalance, account.ID)
}

func putMovementRecord(tx docstore.Tx, accountID, txType string, req domain.LedgerMovementRequest, txID string, at time.Time, performedBy string) {
	record := domain.LedgerTransaction{
		ID:          txID,
		AccountID:   accountID,
		AmountCents: req.AmountCents,
		Type:        txType,
		Description: req.Description,
		Metadata:    req.Metadata,
		Timestamp:   at,
		PerformedBy: performedBy,
	}
	if req.SubBalance != "" {
		if record.Metadata == nil {
			record.Metadata = map[string]string{}
		}
		record.Metadata["subBalance"] = req.SubBalance
	}
	tx.Put(colLedgerTx, ledgerTxKey(accountID, at, txID), record)
}

func transferMetadata(req domain.LedgerTransferRequest) map[string]string {
	m := map[string]string{
		"fromAccountId": req.FromAccountID,
		"toAccountId":   req.ToAccountID,
	}
	if req.FromSubBalance != "" {
		m["fromSubBalance"] = req.FromSubBalance
	}
	if req.ToSubBalance != "" {
		m["toSubBalance"] = req.ToSubBalance
	}
	return m
}
