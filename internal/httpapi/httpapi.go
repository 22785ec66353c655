// Package httpapi hosts the transaction engine over HTTP: bearer-token auth,
// role gates per route and JSON in/out.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/domain"
	"vestepos/backend/internal/engine"
)

type API struct {
	engine        *engine.Engine
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *zap.Logger
}

func New(eng *engine.Engine, auth *AuthManager, allowedOrigin string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		engine:        eng,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           log,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

const (
	roleAdmin    = domain.RoleAdmin
	roleManager  = domain.RoleManager
	roleEmployee = domain.RoleEmployee
	roleFinance  = domain.RoleFinance
)

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/sessions/open", a.requireAuth(a.handleSessionOpen, roleEmployee, roleManager, roleAdmin))
	mux.HandleFunc("/api/v1/sessions/supply", a.requireAuth(a.handleSessionSupply, roleEmployee, roleManager, roleAdmin))
	mux.HandleFunc("/api/v1/sessions/outflow", a.requireAuth(a.handleSessionOutflow, roleEmployee, roleManager, roleAdmin))
	mux.HandleFunc("/api/v1/sessions/close", a.requireAuth(a.handleSessionClose, roleEmployee, roleManager, roleAdmin))
	mux.HandleFunc("/api/v1/sessions/active", a.requireAuth(a.handleSessionActive))
	mux.HandleFunc("/api/v1/sessions/", a.requireAuth(a.handleSessionByID))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, roleEmployee, roleManager, roleAdmin))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleByID))
	mux.HandleFunc("/api/v1/returns", a.requireAuth(a.handleReturn, roleEmployee, roleManager, roleAdmin))
	mux.HandleFunc("/api/v1/exchanges", a.requireAuth(a.handleExchange, roleEmployee, roleManager, roleAdmin))

	mux.HandleFunc("/api/v1/discounts", a.requireAuth(a.handleDiscounts))
	mux.HandleFunc("/api/v1/discounts/", a.requireAuth(a.handleDiscountActions))

	mux.HandleFunc("/api/v1/stock-counts", a.requireAuth(a.handleStockCounts, roleManager, roleAdmin))
	mux.HandleFunc("/api/v1/stock-counts/", a.requireAuth(a.handleStockCountActions, roleManager, roleAdmin))

	mux.HandleFunc("/api/v1/inventory", a.requireAuth(a.handleInventory))
	mux.HandleFunc("/api/v1/inventory/supply", a.requireAuth(a.handleInventorySupply, roleManager, roleAdmin))

	mux.HandleFunc("/api/v1/ledger/accounts", a.requireAuth(a.handleLedgerAccounts, roleAdmin, roleFinance))
	mux.HandleFunc("/api/v1/ledger/accounts/", a.requireAuth(a.handleLedgerAccountActions, roleAdmin, roleFinance))
	mux.HandleFunc("/api/v1/ledger/deposit", a.requireAuth(a.handleLedgerDeposit, roleAdmin, roleFinance))
	mux.HandleFunc("/api/v1/ledger/withdraw", a.requireAuth(a.handleLedgerWithdraw, roleAdmin, roleFinance))
	mux.HandleFunc("/api/v1/ledger/transfer", a.requireAuth(a.handleLedgerTransfer, roleAdmin, roleFinance))

	mux.HandleFunc("/api/v1/payment-routing", a.requireAuth(a.handlePaymentRouting))
	mux.HandleFunc("/api/v1/catalog/attributes", a.requireAuth(a.handleCatalogAttributes))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, roleAdmin))
	mux.HandleFunc("/api/v1/users/", a.requireAuth(a.handleUserActions, roleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, a.log, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		identity, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, a.log, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(identity.Role, roles) {
			writeError(w, a.log, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(engine.WithIdentity(r.Context(), identity)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, a.log, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, a.log, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req domain.OpenSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	session, err := a.engine.OpenSession(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleSessionSupply(w http.ResponseWriter, r *http.Request) {
	a.handleCashMovement(w, r, a.engine.RecordSupply)
}

func (a *API) handleSessionOutflow(w http.ResponseWriter, r *http.Request) {
	a.handleCashMovement(w, r, a.engine.RecordOutflow)
}

func (a *API) handleCashMovement(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, req domain.CashMovementRequest) (*domain.CashRegisterSession, error)) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req domain.CashMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	session, err := apply(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req domain.CloseSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	session, err := a.engine.CloseSession(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.log)
		return
	}
	storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
	if storeID == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("store_id required"))
		return
	}
	session, err := a.engine.GetOpenSession(r.Context(), storeID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.log)
		return
	}
	sessionID := pathTail(r.URL.Path, "/api/v1/sessions/")
	if sessionID == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("session id required"))
		return
	}
	session, err := a.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.FinalizeSaleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, http.StatusBadRequest, err)
			return
		}
		sale, err := a.engine.FinalizeSale(r.Context(), req)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
	case http.MethodGet:
		storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
		if storeID == "" {
			writeError(w, a.log, http.StatusBadRequest, errors.New("store_id required"))
			return
		}
		sales, err := a.engine.ListSales(r.Context(), storeID)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	default:
		writeMethodNotAllowed(w, a.log)
	}
}

func (a *API) handleSaleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.log)
		return
	}
	saleID := pathTail(r.URL.Path, "/api/v1/sales/")
	storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
	if saleID == "" || storeID == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("sale id and store_id required"))
		return
	}
	sale, err := a.engine.GetSale(r.Context(), storeID, saleID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	sale, err := a.engine.ReturnSale(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req domain.ExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	sale, err := a.engine.ExchangeSale(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleDiscounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.DiscountRequestInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, http.StatusBadRequest, err)
			return
		}
		request, err := a.engine.RequestDiscount(r.Context(), req)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"request": request})
	case http.MethodGet:
		storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
		if storeID == "" {
			writeError(w, a.log, http.StatusBadRequest, errors.New("store_id required"))
			return
		}
		pending, err := a.engine.ListPendingDiscounts(r.Context(), storeID)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
	default:
		writeMethodNotAllowed(w, a.log)
	}
}

type resolveDiscountRequest struct {
	StoreID  string                `json:"storeId"`
	Discount *domain.DiscountTerms `json:"discount,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

func (a *API) handleDiscountActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/v1/discounts/")
	if tail == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("discount request id required"))
		return
	}

	switch {
	case strings.HasSuffix(tail, "/approve"), strings.HasSuffix(tail, "/reject"):
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, a.log)
			return
		}
		approve := strings.HasSuffix(tail, "/approve")
		requestID := strings.Trim(strings.TrimSuffix(strings.TrimSuffix(tail, "/approve"), "/reject"), "/")
		var req resolveDiscountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, http.StatusBadRequest, err)
			return
		}
		if req.StoreID == "" {
			writeError(w, a.log, http.StatusBadRequest, errors.New("storeId required"))
			return
		}
		var request *domain.DiscountRequest
		var err error
		if approve {
			request, err = a.engine.ApproveDiscount(r.Context(), req.StoreID, requestID, req.Discount)
		} else {
			request, err = a.engine.RejectDiscount(r.Context(), req.StoreID, requestID, req.Reason)
		}
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"request": request})
	default:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, a.log)
			return
		}
		storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
		if storeID == "" {
			writeError(w, a.log, http.StatusBadRequest, errors.New("store_id required"))
			return
		}
		request, err := a.engine.GetDiscountRequest(r.Context(), storeID, tail)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"request": request})
	}
}

type startStockCountRequest struct {
	StoreID string `json:"storeId"`
}

type countProgressRequest struct {
	Counts []domain.CountedLine `json:"counts"`
}

func (a *API) handleStockCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req startStockCountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	count, err := a.engine.StartStockCount(r.Context(), req.StoreID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"count": count})
}

func (a *API) handleStockCountActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/v1/stock-counts/")
	if tail == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("stock count id required"))
		return
	}

	action := ""
	countID := tail
	for _, suffix := range []string{"/progress", "/finalize", "/commit"} {
		if strings.HasSuffix(tail, suffix) {
			action = strings.TrimPrefix(suffix, "/")
			countID = strings.Trim(strings.TrimSuffix(tail, suffix), "/")
			break
		}
	}
	if countID == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("stock count id required"))
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, a.log)
			return
		}
		count, err := a.engine.GetStockCount(r.Context(), countID)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": count})
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var count *domain.StockCountSession
	var err error
	switch action {
	case "progress", "finalize":
		var req countProgressRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, http.StatusBadRequest, err)
			return
		}
		if action == "progress" {
			count, err = a.engine.SaveCountProgress(r.Context(), countID, req.Counts)
		} else {
			count, err = a.engine.FinalizeStockCount(r.Context(), countID, req.Counts)
		}
	case "commit":
		count, err = a.engine.CommitStockAdjustment(r.Context(), countID)
	}
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

type supplyStockRequest struct {
	StoreID   string `json:"storeId"`
	ProductID string `json:"productId"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.log)
		return
	}
	storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
	if storeID == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("store_id required"))
		return
	}
	records, err := a.engine.ListInventory(r.Context(), storeID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": records})
}

func (a *API) handleInventorySupply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req supplyStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	record, err := a.engine.SupplyStock(r.Context(), req.StoreID, domain.CartLine{
		ProductID: req.ProductID,
		Color:     req.Color,
		Size:      req.Size,
		Quantity:  req.Quantity,
	})
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record})
}

type createAccountRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (a *API) handleLedgerAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accounts, err := a.engine.ListAccounts(r.Context())
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
	case http.MethodPost:
		var req createAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, http.StatusBadRequest, err)
			return
		}
		account, err := a.engine.CreateAccount(r.Context(), req.Name, req.Type)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"account": account})
	default:
		writeMethodNotAllowed(w, a.log)
	}
}

func (a *API) handleLedgerAccountActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.log)
		return
	}
	tail := pathTail(r.URL.Path, "/api/v1/ledger/accounts/")
	if tail == "" {
		writeError(w, a.log, http.StatusBadRequest, errors.New("account id required"))
		return
	}
	if strings.HasSuffix(tail, "/transactions") {
		accountID := strings.Trim(strings.TrimSuffix(tail, "/transactions"), "/")
		records, err := a.engine.ListTransactions(r.Context(), accountID)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": records})
		return
	}
	account, err := a.engine.GetAccount(r.Context(), tail)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account})
}

func (a *API) handleLedgerDeposit(w http.ResponseWriter, r *http.Request) {
	a.handleLedgerMovement(w, r, a.engine.Deposit)
}

func (a *API) handleLedgerWithdraw(w http.ResponseWriter, r *http.Request) {
	a.handleLedgerMovement(w, r, a.engine.Withdraw)
}

func (a *API) handleLedgerMovement(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, req domain.LedgerMovementRequest) (*domain.LedgerAccount, error)) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req domain.LedgerMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	account, err := apply(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account})
}

func (a *API) handleLedgerTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	var req domain.LedgerTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	if err := a.engine.Transfer(r.Context(), req); err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handlePaymentRouting(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
		if storeID == "" {
			writeError(w, a.log, http.StatusBadRequest, errors.New("store_id required"))
			return
		}
		routing, err := a.engine.GetPaymentRouting(r.Context(), storeID)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"routing": routing})
	case http.MethodPut:
		var req domain.PaymentRouting
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, http.StatusBadRequest, err)
			return
		}
		routing, err := a.engine.SetPaymentRouting(r.Context(), req)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"routing": routing})
	default:
		writeMethodNotAllowed(w, a.log)
	}
}

func (a *API) handleCatalogAttributes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.log)
		return
	}
	attributes, err := a.engine.CatalogAttributes(r.Context())
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attributes)
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	StoreID  string `json:"storeId"`
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := a.engine.ListUsers(r.Context())
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, http.StatusBadRequest, err)
			return
		}
		user, err := a.engine.CreateUser(r.Context(), req.Email, req.Password, req.Role, req.StoreID)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w, a.log)
	}
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (a *API) handleUserActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.log)
		return
	}
	tail := pathTail(r.URL.Path, "/api/v1/users/")
	if !strings.HasSuffix(tail, "/active") {
		writeError(w, a.log, http.StatusNotFound, errors.New("unknown user action"))
		return
	}
	email := strings.Trim(strings.TrimSuffix(tail, "/active"), "/")
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	if err := a.engine.SetUserActive(r.Context(), email, req.Active); err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// writeEngineError maps the engine's error taxonomy to HTTP statuses:
// validation 400, forbidden 403, not found 404, precondition/already
// applied/conflict 409.
func (a *API) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrPreconditionFailed),
		errors.Is(err, engine.ErrAlreadyApplied),
		errors.Is(err, docstore.ErrConflict):
		status = http.StatusConflict
	}
	writeError(w, a.log, status, err)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(startedAt)))
	})
}

func pathTail(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func writeMethodNotAllowed(w http.ResponseWriter, log *zap.Logger) {
	writeError(w, log, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, log *zap.Logger, status int, err error) {
	// 5xx details stay in the logs; clients get a generic message.
	msg := err.Error()
	if status >= 500 {
		if log != nil {
			log.Error("internal error", zap.Int("status", status), zap.Error(err))
		}
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
