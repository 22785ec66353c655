package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/xid"
)

func validRole(role string) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee, domain.RoleFinance:
		return true
	}
	return false
}

// CreateUser registers a staff account. Accounts are keyed by email; a
// second registration with the same email is rejected.
func (e *Engine) CreateUser(ctx context.Context, email, password, role, storeID string) (*domain.UserAccount, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, validationf("email is required")
	}
	if len(password) < 8 {
		return nil, validationf("password must be at least 8 characters")
	}
	if !validRole(role) {
		return nil, validationf("unknown role %q", role)
	}
	if storeID == "" {
		return nil, validationf("storeId is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	account := domain.UserAccount{
		UID:          xid.New("usr"),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		StoreID:      storeID,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	err = e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var existing domain.UserAccount
		switch err := tx.Get(ctx, colUsers, email, &existing); {
		case err == nil:
			return validationf("user %s already exists", email)
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}
		tx.Put(colUsers, email, account)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("user created", zap.String("email", email), zap.String("role", role))
	account.PasswordHash = ""
	return &account, nil
}

// GetUserByEmail serves the auth layer; it returns the stored hash and does
// not require a caller identity.
func (e *Engine) GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	var account domain.UserAccount
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, colUsers, email, &account)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFoundf("user %s", email)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (e *Engine) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	if _, err := e.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	var accounts []domain.UserAccount
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		accounts = nil
		entries, err := tx.List(ctx, colUsers, "")
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var account domain.UserAccount
			if err := unmarshalEntry(entry, &account); err != nil {
				return err
			}
			account.PasswordHash = ""
			accounts = append(accounts, account)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (e *Engine) SetUserActive(ctx context.Context, email string, active bool) error {
	if _, err := e.requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	err := e.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var account domain.UserAccount
		if err := tx.Get(ctx, colUsers, email, &account); err != nil {
			return err
		}
		account.Active = active
		tx.Put(colUsers, email, account)
		return nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return notFoundf("user %s", email)
	}
	return err
}
