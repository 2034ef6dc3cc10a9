package ledger

import (
	"context"

	"creditlane/pkg/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceSwap is a compare-and-swap over one balance handle: the write
// applies only while the stored handle still equals Old.
type BalanceSwap struct {
	Old fhe.Handle
	New fhe.Handle
}

// Settlement carries everything ExecuteTrade writes: the order flag
// flip and the four balance swaps. The store applies all of it in one
// transaction or none of it.
type Settlement struct {
	OrderID      int64
	Buyer        common.Address
	Seller       common.Address
	BuyerToken   BalanceSwap
	SellerToken  BalanceSwap
	BuyerCredit  BalanceSwap
	SellerCredit BalanceSwap
}

// Store is the persistence the engine needs. The pgx implementation
// lives in internal/store; tests use an in-memory fake. Conditional
// writes return domain taxonomy errors on a lost race.
type Store interface {
	GetUser(ctx context.Context, addr common.Address) (User, bool, error)
	CreateUser(ctx context.Context, u User) error
	// SwapTokenBalance and SwapCreditBalance apply a guarded balance
	// write; a false return means the guard failed and nothing changed.
	SwapTokenBalance(ctx context.Context, addr common.Address, swap BalanceSwap) (bool, error)
	SwapCreditBalance(ctx context.Context, addr common.Address, swap BalanceSwap) (bool, error)

	IsAuthorizedIssuer(ctx context.Context, addr common.Address) (bool, error)
	AuthorizeIssuer(ctx context.Context, issuer, authorizedBy common.Address) error

	// CreateCredit assigns the next credit id and applies the issuer's
	// credit-balance swap in the same transaction.
	CreateCredit(ctx context.Context, c Credit, issuerCredit BalanceSwap) (int64, error)
	GetCredit(ctx context.Context, id int64) (Credit, bool, error)
	SetVerificationHash(ctx context.Context, id int64, hash common.Hash) error
	CreditIDsByIssuer(ctx context.Context, issuer common.Address) ([]int64, error)

	CreateOrder(ctx context.Context, o Order) (int64, error)
	GetOrder(ctx context.Context, id int64) (Order, bool, error)
	// CancelOrder clears is_active only while the order is still
	// active and unfulfilled; false means the guard failed.
	CancelOrder(ctx context.Context, id int64) (bool, error)
	OrderIDsByBuyer(ctx context.Context, buyer common.Address) ([]int64, error)

	// SettleTrade atomically marks the order fulfilled and applies all
	// four balance swaps. It fails with domain.ErrOrderNotActive when
	// the order guard misses and domain.ErrConflict when a balance
	// guard misses, applying nothing in either case.
	SettleTrade(ctx context.Context, s Settlement) error

	Stats(ctx context.Context) (Stats, error)
	AppendEvent(ctx context.Context, ev Event) error
}
