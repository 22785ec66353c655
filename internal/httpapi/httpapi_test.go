package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/docstore/memory"
	"vestepos/backend/internal/engine"
	"vestepos/backend/internal/notify"
)

const testStore = "loja-1"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	docs := memory.New()
	cat := catalog.NewSeeded()
	if err := engine.SeedDev(context.Background(), docs, cat, testStore, zap.NewNop()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng := engine.New(docs, cat, notify.NewMemory(), zap.NewNop())
	auth := NewAuthManager("test-secret", time.Hour, eng)
	return New(eng, auth, "http://localhost:5173", zap.NewNop()).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, email, password string) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d, body %s", email, rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("empty access token")
	}
	return resp.AccessToken
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndLogin(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "vendedor@vestepos.dev", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}

	token := login(t, h, "vendedor@vestepos.dev", "vendedor123!")
	if token == "" {
		t.Fatalf("expected token")
	}
}

func TestLoginRateLimited(t *testing.T) {
	h := newTestHandler(t)
	var last int
	for i := 0; i < 6; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email": "vendedor@vestepos.dev", "password": "wrong",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt status = %d, want 429", last)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/inventory?store_id="+testStore, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/v1/inventory?store_id="+testStore, "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}

	token := login(t, h, "vendedor@vestepos.dev", "vendedor123!")
	rec = doJSON(t, h, http.MethodGet, "/api/v1/inventory?store_id="+testStore, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inventory status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRouteRoleGates(t *testing.T) {
	h := newTestHandler(t)
	seller := login(t, h, "vendedor@vestepos.dev", "vendedor123!")
	finance := login(t, h, "financeiro@vestepos.dev", "financeiro123!")

	// Sellers cannot start stock counts, finance cannot ring sales.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/stock-counts", seller, map[string]string{"storeId": testStore})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller stock count status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/sales", finance, map[string]any{"storeId": testStore})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("finance sale status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/ledger/deposit", seller, map[string]any{
		"accountId": "acc-banco", "amount": 100, "description": "x",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller deposit status = %d", rec.Code)
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	seller := login(t, h, "vendedor@vestepos.dev", "vendedor123!")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions/open", seller, map[string]any{
		"storeId": testStore, "openingBalance": 10000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session status = %d, body %s", rec.Code, rec.Body.String())
	}
	var opened struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	// A second open for the same store conflicts with the singleton marker.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions/open", seller, map[string]any{
		"storeId": testStore, "openingBalance": 0,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second open status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/sales", seller, map[string]any{
		"storeId":   testStore,
		"sessionId": opened.Session.ID,
		"cart": []map[string]any{
			{"productId": "prod-camiseta-basica", "color": "white", "size": "M", "quantity": 1},
		},
		"tenders": []map[string]any{
			{"method": "cash", "amount": 4990},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/sales?store_id="+testStore, seller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list sales status = %d", rec.Code)
	}
	var listed struct {
		Sales []struct {
			TotalCents int64 `json:"totalAmount"`
		} `json:"sales"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode sales: %v", err)
	}
	if len(listed.Sales) != 1 || listed.Sales[0].TotalCents != 4990 {
		t.Fatalf("sales = %+v", listed.Sales)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	h := newTestHandler(t)
	seller := login(t, h, "vendedor@vestepos.dev", "vendedor123!")

	// Unknown session id maps to 404.
	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/css-nope", seller, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", rec.Code)
	}

	// Malformed JSON maps to 400.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/open", bytes.NewBufferString("{nope"))
	req.Header.Set("Authorization", "Bearer "+seller)
	raw := httptest.NewRecorder()
	h.ServeHTTP(raw, req)
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("malformed json status = %d", raw.Code)
	}

	// Validation failures map to 400.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions/open", seller, map[string]any{
		"storeId": testStore, "openingBalance": -1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative opening balance status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Wrong method maps to 405.
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/sessions/open", seller, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method status = %d", rec.Code)
	}
}

func TestDiscountApprovalOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	seller := login(t, h, "vendedor@vestepos.dev", "vendedor123!")
	manager := login(t, h, "gerente@vestepos.dev", "gerente123!")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/discounts", seller, map[string]any{
		"storeId": testStore,
		"cart": []map[string]any{
			{"productId": "prod-camiseta-basica", "color": "white", "size": "M", "quantity": 2},
		},
		"discount": map[string]any{"type": "percent", "value": 10},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request discount status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Request struct {
			ID string `json:"id"`
		} `json:"request"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	// Sellers cannot resolve requests.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/discounts/%s/approve", created.Request.ID), seller, map[string]any{
		"storeId": testStore,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller approve status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/discounts/%s/approve", created.Request.ID), manager, map[string]any{
		"storeId": testStore,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("manager approve status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Resolving twice conflicts.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/discounts/%s/reject", created.Request.ID), manager, map[string]any{
		"storeId": testStore, "reason": "mudou de ideia",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("double resolve status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestLedgerOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	finance := login(t, h, "financeiro@vestepos.dev", "financeiro123!")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/ledger/deposit", finance, map[string]any{
		"accountId": "acc-banco", "amount": 25000, "description": "aporte",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/ledger/transfer", finance, map[string]any{
		"fromAccountId": "acc-banco", "toAccountId": "acc-cofre", "amount": 10000, "description": "cofre",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/ledger/accounts/acc-cofre", finance, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get account status = %d", rec.Code)
	}
	var got struct {
		Account struct {
			BalanceCents int64 `json:"balance"`
		} `json:"account"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if got.Account.BalanceCents != 10000 {
		t.Fatalf("safe balance = %d, want 10000", got.Account.BalanceCents)
	}

	// Withdraw past the balance conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/ledger/withdraw", finance, map[string]any{
		"accountId": "acc-cofre", "amount": 99999, "description": "demais",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("overdraft status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/ledger/accounts/acc-banco/transactions", finance, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	var records []json.RawMessage
	if err := json.Unmarshal(body["transactions"], &records); err != nil {
		t.Fatalf("decode transactions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("transactions = %d, want 2", len(records))
	}
}
