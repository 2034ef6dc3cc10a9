package ledger

import (
	"time"

	"creditlane/pkg/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// User holds the two per-user encrypted balances. Balances exist only
// after registration and start at encrypted zero.
type User struct {
	Address       common.Address `json:"address"`
	TokenBalance  fhe.Handle     `json:"token_balance"`
	CreditBalance fhe.Handle     `json:"credit_balance"`
	RegisteredAt  time.Time      `json:"registered_at"`
}

// Credit is an issued carbon-credit lot. Amount and Price are euint32
// handles. IsActive is set once at issuance and never cleared.
type Credit struct {
	ID               int64          `json:"credit_id"`
	Issuer           common.Address `json:"issuer"`
	Amount           fhe.Handle     `json:"-"`
	Price            fhe.Handle     `json:"-"`
	IsActive         bool           `json:"is_active"`
	ProjectType      string         `json:"project_type"`
	VerificationHash common.Hash    `json:"verification_hash"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Order is a buy order against a credit lot. Seller is copied from the
// credit's issuer at creation. Exactly one of {active, fulfilled,
// cancelled} holds; active+fulfilled is unreachable.
type Order struct {
	ID          int64          `json:"order_id"`
	CreditID    int64          `json:"credit_id"`
	Buyer       common.Address `json:"buyer"`
	Seller      common.Address `json:"seller"`
	Amount      fhe.Handle     `json:"-"`
	MaxPrice    fhe.Handle     `json:"-"`
	TotalValue  fhe.Handle     `json:"-"`
	IsActive    bool           `json:"is_active"`
	IsFulfilled bool           `json:"is_fulfilled"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Stats struct {
	TotalCredits int64 `json:"total_credits"`
	TotalOrders  int64 `json:"total_orders"`
}

// Event types; the event log is the audit trail beside direct reads.
const (
	EventCreditIssued          = "CreditIssued"
	EventOrderCreated          = "OrderCreated"
	EventTradeExecuted         = "TradeExecuted"
	EventBalanceUpdated        = "BalanceUpdated"
	EventIssuerAuthorized      = "IssuerAuthorized"
	EventVerificationCompleted = "VerificationCompleted"
)

type Event struct {
	Type     string         `json:"type"`
	CreditID *int64         `json:"credit_id,omitempty"`
	OrderID  *int64         `json:"order_id,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}
