package ledger

import (
	"context"

	"creditlane/pkg/domain"
	"creditlane/pkg/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Engine enforces the marketplace rules: identity registration, issuer
// authorization, credit issuance, the order book and trade settlement.
// Every precondition is checked before any write, and multi-write
// operations go through guarded store calls so a failed call leaves no
// partial effect.
type Engine struct {
	store    Store
	provider fhe.Provider
	owner    common.Address
	log      zerolog.Logger
}

func New(store Store, provider fhe.Provider, owner common.Address, log zerolog.Logger) *Engine {
	return &Engine{store: store, provider: provider, owner: owner, log: log}
}

func (e *Engine) Owner() common.Address { return e.owner }

// Bootstrap authorizes the owner as an issuer. Idempotent, runs at
// every startup.
func (e *Engine) Bootstrap(ctx context.Context) error {
	ok, err := e.store.IsAuthorizedIssuer(ctx, e.owner)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := e.store.AuthorizeIssuer(ctx, e.owner, e.owner); err != nil {
		return err
	}
	e.log.Info().Str("owner", e.owner.Hex()).Msg("owner authorized as issuer")
	return nil
}

func (e *Engine) RegisterUser(ctx context.Context, caller common.Address) (User, error) {
	_, exists, err := e.store.GetUser(ctx, caller)
	if err != nil {
		return User{}, err
	}
	if exists {
		return User{}, domain.ErrAlreadyRegistered
	}

	token, err := e.provider.EncryptZero(ctx, fhe.Euint64)
	if err != nil {
		return User{}, err
	}
	credit, err := e.provider.EncryptZero(ctx, fhe.Euint64)
	if err != nil {
		return User{}, err
	}
	if err := e.provider.Grant(ctx, token, caller); err != nil {
		return User{}, err
	}
	if err := e.provider.Grant(ctx, credit, caller); err != nil {
		return User{}, err
	}

	u := User{Address: caller, TokenBalance: token, CreditBalance: credit}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	e.emit(ctx, Event{Type: EventBalanceUpdated, Subject: caller.Hex()})
	return u, nil
}

func (e *Engine) AuthorizeIssuer(ctx context.Context, caller, issuer common.Address) error {
	if caller != e.owner {
		return domain.ErrNotOwner
	}
	if err := e.store.AuthorizeIssuer(ctx, issuer, caller); err != nil {
		return err
	}
	e.emit(ctx, Event{Type: EventIssuerAuthorized, Subject: issuer.Hex()})
	return nil
}

func (e *Engine) IssueCredits(ctx context.Context, caller common.Address, amount, price uint32, projectType string, verificationHash common.Hash) (Credit, error) {
	authorized, err := e.store.IsAuthorizedIssuer(ctx, caller)
	if err != nil {
		return Credit{}, err
	}
	if !authorized {
		return Credit{}, domain.ErrNotAuthorizedIssuer
	}
	issuer, registered, err := e.store.GetUser(ctx, caller)
	if err != nil {
		return Credit{}, err
	}
	if !registered {
		return Credit{}, domain.ErrUserNotRegistered
	}
	if amount == 0 {
		return Credit{}, domain.ErrInvalidAmount
	}
	if price == 0 {
		return Credit{}, domain.ErrInvalidPrice
	}

	encAmount, err := e.provider.Encrypt(ctx, uint64(amount), fhe.Euint32)
	if err != nil {
		return Credit{}, err
	}
	encPrice, err := e.provider.Encrypt(ctx, uint64(price), fhe.Euint32)
	if err != nil {
		return Credit{}, err
	}
	if err := e.provider.Grant(ctx, encAmount, caller); err != nil {
		return Credit{}, err
	}
	if err := e.provider.Grant(ctx, encPrice, caller); err != nil {
		return Credit{}, err
	}

	newBalance, err := e.addToBalance(ctx, issuer.CreditBalance, uint64(amount), caller)
	if err != nil {
		return Credit{}, err
	}

	c := Credit{
		Issuer:           caller,
		Amount:           encAmount,
		Price:            encPrice,
		IsActive:         true,
		ProjectType:      projectType,
		VerificationHash: verificationHash,
	}
	id, err := e.store.CreateCredit(ctx, c, BalanceSwap{Old: issuer.CreditBalance, New: newBalance})
	if err != nil {
		return Credit{}, err
	}
	c.ID = id

	e.emit(ctx, Event{Type: EventCreditIssued, CreditID: &id, Subject: caller.Hex(), Payload: map[string]any{"project_type": projectType}})
	e.emit(ctx, Event{Type: EventBalanceUpdated, Subject: caller.Hex()})
	e.log.Info().Int64("credit_id", id).Str("issuer", caller.Hex()).Str("project_type", projectType).Msg("credit issued")
	return c, nil
}

func (e *Engine) UpdateVerification(ctx context.Context, caller common.Address, creditID int64, hash common.Hash) error {
	// A missing credit reads as a zero-issuer record and fails the
	// issuer check.
	credit, _, err := e.store.GetCredit(ctx, creditID)
	if err != nil {
		return err
	}
	if credit.Issuer != caller {
		return domain.ErrNotTheIssuer
	}
	if err := e.store.SetVerificationHash(ctx, creditID, hash); err != nil {
		return err
	}
	e.emit(ctx, Event{Type: EventVerificationCompleted, CreditID: &creditID, Payload: map[string]any{"hash": hash.Hex()}})
	return nil
}

func (e *Engine) CreateBuyOrder(ctx context.Context, caller common.Address, creditID int64, amount, maxPrice uint32) (Order, error) {
	_, registered, err := e.store.GetUser(ctx, caller)
	if err != nil {
		return Order{}, err
	}
	if !registered {
		return Order{}, domain.ErrUserNotRegistered
	}
	credit, found, err := e.store.GetCredit(ctx, creditID)
	if err != nil {
		return Order{}, err
	}
	if !found || !credit.IsActive {
		return Order{}, domain.ErrCreditNotActive
	}
	if amount == 0 {
		return Order{}, domain.ErrInvalidAmount
	}

	encAmount, err := e.provider.Encrypt(ctx, uint64(amount), fhe.Euint32)
	if err != nil {
		return Order{}, err
	}
	encMaxPrice, err := e.provider.Encrypt(ctx, uint64(maxPrice), fhe.Euint32)
	if err != nil {
		return Order{}, err
	}
	totalValue, err := e.mulWide(ctx, encAmount, encMaxPrice)
	if err != nil {
		return Order{}, err
	}

	// The seller gets the amount handle too, to evaluate the order
	// off-chain before executing.
	if err := e.provider.Grant(ctx, encAmount, caller); err != nil {
		return Order{}, err
	}
	if err := e.provider.Grant(ctx, encAmount, credit.Issuer); err != nil {
		return Order{}, err
	}
	if err := e.provider.Grant(ctx, encMaxPrice, caller); err != nil {
		return Order{}, err
	}
	if err := e.provider.Grant(ctx, totalValue, caller); err != nil {
		return Order{}, err
	}

	o := Order{
		CreditID:   creditID,
		Buyer:      caller,
		Seller:     credit.Issuer,
		Amount:     encAmount,
		MaxPrice:   encMaxPrice,
		TotalValue: totalValue,
		IsActive:   true,
	}
	id, err := e.store.CreateOrder(ctx, o)
	if err != nil {
		return Order{}, err
	}
	o.ID = id

	e.emit(ctx, Event{Type: EventOrderCreated, OrderID: &id, CreditID: &creditID, Subject: caller.Hex()})
	e.log.Info().Int64("order_id", id).Int64("credit_id", creditID).Str("buyer", caller.Hex()).Msg("buy order created")
	return o, nil
}

// ExecuteTrade settles an active order at the credit's current price.
// The buyer's stated max price is informational and not compared here;
// affordability and price checks are deferred to off-chain evaluation.
func (e *Engine) ExecuteTrade(ctx context.Context, caller common.Address, orderID int64) (Order, error) {
	order, found, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !found {
		return Order{}, domain.ErrOrderNotActive
	}
	if order.IsFulfilled {
		return Order{}, domain.ErrOrderFulfilled
	}
	if !order.IsActive {
		return Order{}, domain.ErrOrderNotActive
	}
	if caller != order.Seller {
		return Order{}, domain.ErrNotTheSeller
	}

	credit, found, err := e.store.GetCredit(ctx, order.CreditID)
	if err != nil {
		return Order{}, err
	}
	if !found {
		return Order{}, domain.ErrCreditNotActive
	}
	buyer, _, err := e.store.GetUser(ctx, order.Buyer)
	if err != nil {
		return Order{}, err
	}
	seller, _, err := e.store.GetUser(ctx, order.Seller)
	if err != nil {
		return Order{}, err
	}

	amount64, err := e.provider.Cast(ctx, order.Amount, fhe.Euint64)
	if err != nil {
		return Order{}, err
	}
	cost, err := e.mulWide(ctx, order.Amount, credit.Price)
	if err != nil {
		return Order{}, err
	}

	buyerToken, err := e.provider.Sub(ctx, buyer.TokenBalance, cost)
	if err != nil {
		return Order{}, err
	}
	sellerToken, err := e.provider.Add(ctx, seller.TokenBalance, cost)
	if err != nil {
		return Order{}, err
	}
	sellerCredit, err := e.provider.Sub(ctx, seller.CreditBalance, amount64)
	if err != nil {
		return Order{}, err
	}
	buyerCredit, err := e.provider.Add(ctx, buyer.CreditBalance, amount64)
	if err != nil {
		return Order{}, err
	}
	for _, g := range []struct {
		h    fhe.Handle
		addr common.Address
	}{
		{buyerToken, order.Buyer}, {buyerCredit, order.Buyer},
		{sellerToken, order.Seller}, {sellerCredit, order.Seller},
	} {
		if err := e.provider.Grant(ctx, g.h, g.addr); err != nil {
			return Order{}, err
		}
	}

	err = e.store.SettleTrade(ctx, Settlement{
		OrderID:      orderID,
		Buyer:        order.Buyer,
		Seller:       order.Seller,
		BuyerToken:   BalanceSwap{Old: buyer.TokenBalance, New: buyerToken},
		SellerToken:  BalanceSwap{Old: seller.TokenBalance, New: sellerToken},
		BuyerCredit:  BalanceSwap{Old: buyer.CreditBalance, New: buyerCredit},
		SellerCredit: BalanceSwap{Old: seller.CreditBalance, New: sellerCredit},
	})
	if err != nil {
		return Order{}, err
	}

	order.IsActive = false
	order.IsFulfilled = true
	e.emit(ctx, Event{Type: EventTradeExecuted, OrderID: &orderID, Subject: order.Buyer.Hex(), Payload: map[string]any{
		"buyer":  order.Buyer.Hex(),
		"seller": order.Seller.Hex(),
	}})
	e.emit(ctx, Event{Type: EventBalanceUpdated, Subject: order.Buyer.Hex()})
	e.emit(ctx, Event{Type: EventBalanceUpdated, Subject: order.Seller.Hex()})
	e.log.Info().Int64("order_id", orderID).Str("buyer", order.Buyer.Hex()).Str("seller", order.Seller.Hex()).Msg("trade executed")
	return order, nil
}

func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, orderID int64) (Order, error) {
	order, found, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !found || caller != order.Buyer {
		return Order{}, domain.ErrNotTheBuyer
	}
	if order.IsFulfilled {
		return Order{}, domain.ErrOrderFulfilled
	}
	if !order.IsActive {
		return Order{}, domain.ErrOrderNotActive
	}

	ok, err := e.store.CancelOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, domain.ErrOrderNotActive
	}
	order.IsActive = false
	e.log.Info().Int64("order_id", orderID).Str("buyer", caller.Hex()).Msg("order cancelled")
	return order, nil
}

func (e *Engine) DepositTokens(ctx context.Context, caller common.Address, amount uint64) error {
	user, registered, err := e.store.GetUser(ctx, caller)
	if err != nil {
		return err
	}
	if !registered {
		return domain.ErrUserNotRegistered
	}
	if amount == 0 {
		return domain.ErrInvalidAmount
	}

	newBalance, err := e.addToBalance(ctx, user.TokenBalance, amount, caller)
	if err != nil {
		return err
	}
	ok, err := e.store.SwapTokenBalance(ctx, caller, BalanceSwap{Old: user.TokenBalance, New: newBalance})
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConflict
	}
	e.emit(ctx, Event{Type: EventBalanceUpdated, Subject: caller.Hex()})
	return nil
}

// Reads.

func (e *Engine) IsUserRegistered(ctx context.Context, addr common.Address) (bool, error) {
	_, ok, err := e.store.GetUser(ctx, addr)
	return ok, err
}

func (e *Engine) IsAuthorizedIssuer(ctx context.Context, addr common.Address) (bool, error) {
	return e.store.IsAuthorizedIssuer(ctx, addr)
}

// CreditInfo returns the public fields only; the encrypted amount and
// price handles are never exposed through this read.
func (e *Engine) CreditInfo(ctx context.Context, id int64) (Credit, bool, error) {
	c, ok, err := e.store.GetCredit(ctx, id)
	if err != nil || !ok {
		return Credit{}, ok, err
	}
	c.Amount, c.Price = "", ""
	return c, true, nil
}

func (e *Engine) OrderInfo(ctx context.Context, id int64) (Order, bool, error) {
	o, ok, err := e.store.GetOrder(ctx, id)
	if err != nil || !ok {
		return Order{}, ok, err
	}
	o.Amount, o.MaxPrice, o.TotalValue = "", "", ""
	return o, true, nil
}

func (e *Engine) SystemStats(ctx context.Context) (Stats, error) {
	return e.store.Stats(ctx)
}

func (e *Engine) MyBalances(ctx context.Context, caller common.Address) (User, error) {
	user, registered, err := e.store.GetUser(ctx, caller)
	if err != nil {
		return User{}, err
	}
	if !registered {
		return User{}, domain.ErrUserNotRegistered
	}
	return user, nil
}

func (e *Engine) MyCreditIDs(ctx context.Context, caller common.Address) ([]int64, error) {
	return e.store.CreditIDsByIssuer(ctx, caller)
}

func (e *Engine) MyOrderIDs(ctx context.Context, caller common.Address) ([]int64, error) {
	return e.store.OrderIDsByBuyer(ctx, caller)
}

// addToBalance encrypts amount, widens it, adds it to the euint64
// balance handle and grants the owner the new handle.
func (e *Engine) addToBalance(ctx context.Context, balance fhe.Handle, amount uint64, owner common.Address) (fhe.Handle, error) {
	enc, err := e.provider.Encrypt(ctx, amount, fhe.Euint64)
	if err != nil {
		return "", err
	}
	sum, err := e.provider.Add(ctx, balance, enc)
	if err != nil {
		return "", err
	}
	if err := e.provider.Grant(ctx, sum, owner); err != nil {
		return "", err
	}
	return sum, nil
}

// mulWide widens two euint32 handles and multiplies at 64 bits so the
// product cannot truncate.
func (e *Engine) mulWide(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	a64, err := e.provider.Cast(ctx, a, fhe.Euint64)
	if err != nil {
		return "", err
	}
	b64, err := e.provider.Cast(ctx, b, fhe.Euint64)
	if err != nil {
		return "", err
	}
	return e.provider.Mul(ctx, a64, b64)
}

// emit appends to the event log; the log is an audit trail, so a
// failed append is logged and swallowed rather than failing the call
// that already committed.
func (e *Engine) emit(ctx context.Context, ev Event) {
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("type", ev.Type).Msg("append event failed")
	}
}
