package engine

import (
	"fmt"
	"time"
)

// Collection names in the document store.
const (
	colInventory    = "inventory"
	colSessions     = "cash_sessions"
	colOpenSessions = "open_sessions"
	colSales        = "sales"
	colAccounts     = "ledger_accounts"
	colLedgerTx     = "ledger_transactions"
	colDiscounts    = "discount_requests"
	colStockCounts  = "stock_counts"
	colRouting      = "payment_routing"
	colUsers        = "users"
)

// inventoryKey identifies one (store, product, color, size) variant counter.
func inventoryKey(storeID, productID, color, size string) string {
	return storeID + "/" + productID + "/" + color + "/" + size
}

func inventoryPrefix(storeID string) string {
	return storeID + "/"
}

// Sales are keyed under their store so session close can scan one store's
// sales by prefix.
func saleKey(storeID, saleID string) string {
	return storeID + "/" + saleID
}

func salePrefix(storeID string) string {
	return storeID + "/"
}

// Ledger transactions are keyed by account and a fixed-width timestamp so
// the per-account audit trail lists in chronological order.
func ledgerTxKey(accountID string, at time.Time, txID string) string {
	return fmt.Sprintf("%s/%020d/%s", accountID, at.UTC().UnixNano(), txID)
}

func ledgerTxPrefix(accountID string) string {
	return accountID + "/"
}

func discountKey(storeID, requestID string) string {
	return storeID + "/" + requestID
}

func topicSessions(storeID string) string  { return "sessions/" + storeID }
func topicInventory(storeID string) string { return "inventory/" + storeID }
func topicDiscounts(storeID string) string { return "discounts/" + storeID }
func topicSales(storeID string) string     { return "sales/" + storeID }
