package domain

import "time"

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
	RoleFinance  = "finance"
)

// Identity is the authenticated caller as supplied by the auth collaborator.
type Identity struct {
	UID     string `json:"uid"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	StoreID string `json:"storeId"`
}

const (
	TenderCash       = "cash"
	TenderCreditCard = "credit_card"
	TenderDebitCard  = "debit_card"
	TenderPix        = "pix"
)

// InventoryRecord is the sellable stock counter for one (store, product,
// color, size) variant. Quantity never goes below zero; every writer
// re-validates the current value inside the transaction that mutates it.
type InventoryRecord struct {
	ID        string `json:"id"`
	StoreID   string `json:"storeId"`
	ProductID string `json:"productId"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// CashMovement is one itemized supply into or outflow from the register.
type CashMovement struct {
	AmountCents int64     `json:"amount"`
	Description string    `json:"description"`
	RecordedAt  time.Time `json:"recordedAt"`
	RecordedBy  string    `json:"recordedBy"`
}

type DailySalesSummary struct {
	TotalSalesCents      int64 `json:"totalSales"`
	CashSalesCents       int64 `json:"cashSales"`
	CreditCardSalesCents int64 `json:"creditCardSales"`
	DebitCardSalesCents  int64 `json:"debitCardSales"`
	PixSalesCents        int64 `json:"pixSales"`
}

type CashRegisterSession struct {
	ID                       string            `json:"id"`
	StoreID                  string            `json:"storeId"`
	Status                   string            `json:"status"`
	OpenedAt                 time.Time         `json:"openedAt"`
	OpenedBy                 string            `json:"openedBy"`
	OpeningBalanceCents      int64             `json:"openingBalance"`
	CurrentCashCents         int64             `json:"currentCashCount"`
	Supplies                 []CashMovement    `json:"supplies"`
	Outflows                 []CashMovement    `json:"outflows"`
	DailySalesSummary        DailySalesSummary `json:"dailySalesSummary"`
	ClosedAt                 *time.Time        `json:"closedAt,omitempty"`
	ClosedBy                 string            `json:"closedBy,omitempty"`
	ClosingBalanceCents      *int64            `json:"closingBalance,omitempty"`
	CashCountDifferenceCents *int64            `json:"cashCountDifference,omitempty"`
}

const (
	DiscountPercent = "percent"
	DiscountFixed   = "fixed"
)

// DiscountTerms is the requested or approved discount: a percentage of the
// subtotal, or a fixed amount in cents.
type DiscountTerms struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

type DiscountInfo struct {
	Applied     bool    `json:"applied"`
	Type        string  `json:"type,omitempty"`
	Value       float64 `json:"value,omitempty"`
	AmountCents int64   `json:"amount"`
	RequestID   string  `json:"requestId,omitempty"`
}

type PaymentTender struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount"`
}

type PartyInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type SaleItem struct {
	ProductID             string `json:"productId"`
	Color                 string `json:"color"`
	Size                  string `json:"size"`
	Quantity              int    `json:"quantity"`
	PricePerUnitCents     int64  `json:"pricePerUnit"`
	CostPricePerUnitCents int64  `json:"costPricePerUnit"`
	SubtotalCents         int64  `json:"subtotal"`
}

const (
	ReturnKindReturn   = "return"
	ReturnKindExchange = "exchange"
)

// ReturnedItem is one return or exchange settled against a sale line. For
// exchanges the replacement lines, the price difference and any tenders
// collected for a positive difference ride along for audit.
type ReturnedItem struct {
	ProductID            string          `json:"productId"`
	Color                string          `json:"color"`
	Size                 string          `json:"size"`
	Quantity             int             `json:"quantity"`
	Reason               string          `json:"reason"`
	Kind                 string          `json:"kind"`
	PriceDifferenceCents int64           `json:"priceDifference,omitempty"`
	NewItems             []SaleItem      `json:"newItems,omitempty"`
	Tenders              []PaymentTender `json:"tenders,omitempty"`
	ProcessedAt          time.Time       `json:"processedAt"`
	ProcessedBy          string          `json:"processedBy"`
}

const (
	SaleCompleted          = "completed"
	SalePartiallyReturned  = "partially_returned"
	SalePartiallyExchanged = "partially_exchanged"
)

// Sale is immutable after finalization except for appends to ReturnedItems
// and the matching status transitions.
type Sale struct {
	ID                    string          `json:"id"`
	StoreID               string          `json:"storeId"`
	Date                  time.Time       `json:"date"`
	Items                 []SaleItem      `json:"items"`
	SubtotalCents         int64           `json:"subtotal"`
	DiscountInfo          DiscountInfo    `json:"discountInfo"`
	TotalAmountCents      int64           `json:"totalAmount"`
	PaymentMethods        []PaymentTender `json:"paymentMethods"`
	SellerInfo            PartyInfo       `json:"sellerInfo"`
	CustomerInfo          PartyInfo       `json:"customerInfo"`
	CashRegisterSessionID string          `json:"cashRegisterSessionId"`
	ReturnedItems         []ReturnedItem  `json:"returnedItems"`
	Status                string          `json:"status"`
}

type SubBalance struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount"`
}

type LedgerAccount struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	BalanceCents int64        `json:"balance"`
	SubBalances  []SubBalance `json:"subBalances"`
}

// TotalAvailableCents is the main balance plus every sub-balance.
func (a LedgerAccount) TotalAvailableCents() int64 {
	total := a.BalanceCents
	for _, sub := range a.SubBalances {
		total += sub.AmountCents
	}
	return total
}

const (
	LedgerDeposit     = "deposit"
	LedgerWithdrawal  = "withdrawal"
	LedgerTransferIn  = "transfer_in"
	LedgerTransferOut = "transfer_out"
)

// LedgerTransaction is an append-only audit record; it is never mutated.
type LedgerTransaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"accountId"`
	AmountCents int64             `json:"amount"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	PerformedBy string            `json:"performedBy"`
}

const (
	DiscountPending  = "pending"
	DiscountApproved = "approved"
	DiscountRejected = "rejected"
)

type CartSnapshot struct {
	Items         []SaleItem `json:"items"`
	SubtotalCents int64      `json:"subtotal"`
}

// DiscountRequest transitions pending -> approved|rejected exactly once and
// is never reopened or reused for a second cart. An approval is consumed by
// the single sale that redeems it.
type DiscountRequest struct {
	ID               string        `json:"id"`
	RequesterInfo    PartyInfo     `json:"requesterInfo"`
	StoreID          string        `json:"storeId"`
	CartSnapshot     CartSnapshot  `json:"cartSnapshot"`
	Discount         DiscountTerms `json:"discount"`
	Status           string        `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	ResolvedAt       *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy       string        `json:"resolvedBy,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	RedeemedAt       *time.Time    `json:"redeemedAt,omitempty"`
	RedeemedBySaleID string        `json:"redeemedBySaleId,omitempty"`
}

const (
	CountInProgress = "in_progress"
	CountCompleted  = "completed"
)

type SnapshotLine struct {
	ProductID         string `json:"productId"`
	Color             string `json:"color"`
	Size              string `json:"size"`
	SystemQuantity    int    `json:"systemQuantity"`
	CostPriceCents    int64  `json:"costPrice"`
	InventoryRecordID string `json:"inventoryRecordId"`
}

type CountedLine struct {
	ProductID       string `json:"productId"`
	Color           string `json:"color"`
	Size            string `json:"size"`
	CountedQuantity int    `json:"countedQuantity"`
}

type DiscrepancyLine struct {
	ProductID         string `json:"productId"`
	Color             string `json:"color"`
	Size              string `json:"size"`
	SystemQuantity    int    `json:"systemQuantity"`
	CostPriceCents    int64  `json:"costPrice"`
	InventoryRecordID string `json:"inventoryRecordId"`
	CountedQuantity   int    `json:"countedQuantity"`
	Difference        int    `json:"difference"`
}

// StockCountSession: Snapshot is frozen at start; CountedItems accumulates
// across draft saves; DiscrepancyReport and the totals are computed once at
// finalize time and immutable thereafter.
type StockCountSession struct {
	ID                       string            `json:"id"`
	StoreID                  string            `json:"storeId"`
	Status                   string            `json:"status"`
	Snapshot                 []SnapshotLine    `json:"snapshot"`
	CountedItems             []CountedLine     `json:"countedItems"`
	DiscrepancyReport        []DiscrepancyLine `json:"discrepancyReport,omitempty"`
	TotalUnitDifference      int               `json:"totalUnitDifference"`
	TotalCostDifferenceCents int64             `json:"totalCostDifference"`
	StartedAt                time.Time         `json:"startedAt"`
	StartedBy                string            `json:"startedBy"`
	CompletedAt              *time.Time        `json:"completedAt,omitempty"`
	CompletedBy              string            `json:"completedBy,omitempty"`
}

// PaymentRoute maps a non-cash tender method to the ledger account credited
// at settlement, minus the acquirer fee.
type PaymentRoute struct {
	AccountID  string  `json:"accountId"`
	FeePercent float64 `json:"feePercent"`
}

type PaymentRouting struct {
	StoreID string                  `json:"storeId"`
	Routes  map[string]PaymentRoute `json:"routes"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	StoreID      string    `json:"storeId"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CartLine is one requested cart entry before pricing.
type CartLine struct {
	ProductID string `json:"productId"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

// LineKey addresses one sale line in return/exchange operations.
type LineKey struct {
	ProductID string `json:"productId"`
	Color     string `json:"color"`
	Size      string `json:"size"`
}

// DiscountSpec is the discount a terminal attaches to a sale: either the
// terms a privileged operator applies directly, or a reference to an
// approved DiscountRequest.
type DiscountSpec struct {
	Type      string  `json:"type,omitempty"`
	Value     float64 `json:"value,omitempty"`
	RequestID string  `json:"requestId,omitempty"`
}

type FinalizeSaleRequest struct {
	StoreID   string          `json:"storeId"`
	SessionID string          `json:"sessionId"`
	Cart      []CartLine      `json:"cart"`
	Tenders   []PaymentTender `json:"tenders"`
	Discount  *DiscountSpec   `json:"discount,omitempty"`
	Customer  PartyInfo       `json:"customer"`
}

type OpenSessionRequest struct {
	StoreID             string `json:"storeId"`
	OpeningBalanceCents int64  `json:"openingBalance"`
}

type CashMovementRequest struct {
	SessionID   string `json:"sessionId"`
	AmountCents int64  `json:"amount"`
	Description string `json:"description"`
}

type CloseSessionRequest struct {
	SessionID                  string `json:"sessionId"`
	CountedClosingBalanceCents int64  `json:"countedClosingBalance"`
}

type ReturnRequest struct {
	StoreID  string  `json:"storeId"`
	SaleID   string  `json:"saleId"`
	Line     LineKey `json:"line"`
	Quantity int     `json:"quantity"`
	Reason   string  `json:"reason"`
}

type ExchangeRequest struct {
	StoreID        string          `json:"storeId"`
	SaleID         string          `json:"saleId"`
	SessionID      string          `json:"sessionId"`
	Line           LineKey         `json:"line"`
	ReturnQuantity int             `json:"returnQuantity"`
	Reason         string          `json:"reason"`
	NewLines       []CartLine      `json:"newLines"`
	Tenders        []PaymentTender `json:"tenders,omitempty"`
}

type DiscountRequestInput struct {
	StoreID  string        `json:"storeId"`
	Cart     []CartLine    `json:"cart"`
	Discount DiscountTerms `json:"discount"`
}

type LedgerMovementRequest struct {
	AccountID   string            `json:"accountId"`
	SubBalance  string            `json:"subBalance,omitempty"`
	AmountCents int64             `json:"amount"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type LedgerTransferRequest struct {
	FromAccountID  string `json:"fromAccountId"`
	FromSubBalance string `json:"fromSubBalance,omitempty"`
	ToAccountID    string `json:"toAccountId"`
	ToSubBalance   string `json:"toSubBalance,omitempty"`
	AmountCents    int64  `json:"amount"`
	Description    string `json:"description"`
}
