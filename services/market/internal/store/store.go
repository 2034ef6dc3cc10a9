package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creditlane/pkg/domain"
	"creditlane/pkg/fhe"
	"creditlane/services/market/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Addresses are stored lowercased so lookups are case-insensitive.
func addrKey(a common.Address) string { return "0x" + common.Bytes2Hex(a.Bytes()) }

func (s *Store) GetUser(ctx context.Context, addr common.Address) (ledger.User, bool, error) {
	var u ledger.User
	var token, credit string
	err := s.DB.QueryRow(ctx, `SELECT token_balance,credit_balance,registered_at FROM users WHERE address=$1`, addrKey(addr)).
		Scan(&token, &credit, &u.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.User{}, false, nil
	}
	if err != nil {
		return ledger.User{}, false, err
	}
	u.Address = addr
	u.TokenBalance = fhe.Handle(token)
	u.CreditBalance = fhe.Handle(credit)
	return u, true, nil
}

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO users(address,token_balance,credit_balance) VALUES($1,$2,$3)`,
		addrKey(u.Address), string(u.TokenBalance), string(u.CreditBalance))
	return mapRegisterErr(err)
}

// mapRegisterErr converts a duplicate-key failure into the taxonomy
// error: two concurrent registrations both pass the existence check
// and the loser hits the primary key.
func mapRegisterErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrAlreadyRegistered
	}
	return err
}

func (s *Store) SwapTokenBalance(ctx context.Context, addr common.Address, swap ledger.BalanceSwap) (bool, error) {
	tag, err := s.DB.Exec(ctx, `UPDATE users SET token_balance=$1 WHERE address=$2 AND token_balance=$3`,
		string(swap.New), addrKey(addr), string(swap.Old))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SwapCreditBalance(ctx context.Context, addr common.Address, swap ledger.BalanceSwap) (bool, error) {
	tag, err := s.DB.Exec(ctx, `UPDATE users SET credit_balance=$1 WHERE address=$2 AND credit_balance=$3`,
		string(swap.New), addrKey(addr), string(swap.Old))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IsAuthorizedIssuer(ctx context.Context, addr common.Address) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM authorized_issuers WHERE address=$1`, addrKey(addr)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AuthorizeIssuer(ctx context.Context, issuer, authorizedBy common.Address) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO authorized_issuers(address,authorized_by) VALUES($1,$2)
ON CONFLICT (address) DO NOTHING
`, addrKey(issuer), addrKey(authorizedBy))
	return err
}

func (s *Store) CreateCredit(ctx context.Context, c ledger.Credit, issuerCredit ledger.BalanceSwap) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `UPDATE market_counters SET value=value+1 WHERE name='credits' RETURNING value`).Scan(&id)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO credits(credit_id,issuer,enc_amount,enc_price,is_active,project_type,verification_hash)
VALUES($1,$2,$3,$4,$5,$6,$7)
`, id, addrKey(c.Issuer), string(c.Amount), string(c.Price), c.IsActive, c.ProjectType, c.VerificationHash.Bytes())
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `UPDATE users SET credit_balance=$1 WHERE address=$2 AND credit_balance=$3`,
		string(issuerCredit.New), addrKey(c.Issuer), string(issuerCredit.Old))
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() != 1 {
		return 0, domain.ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetCredit(ctx context.Context, id int64) (ledger.Credit, bool, error) {
	var c ledger.Credit
	var issuer, amount, price string
	var hash []byte
	err := s.DB.QueryRow(ctx, `
SELECT credit_id,issuer,enc_amount,enc_price,is_active,project_type,verification_hash,created_at
FROM credits WHERE credit_id=$1
`, id).Scan(&c.ID, &issuer, &amount, &price, &c.IsActive, &c.ProjectType, &hash, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Credit{}, false, nil
	}
	if err != nil {
		return ledger.Credit{}, false, err
	}
	c.Issuer = common.HexToAddress(issuer)
	c.Amount = fhe.Handle(amount)
	c.Price = fhe.Handle(price)
	c.VerificationHash = common.BytesToHash(hash)
	return c, true, nil
}

func (s *Store) SetVerificationHash(ctx context.Context, id int64, hash common.Hash) error {
	_, err := s.DB.Exec(ctx, `UPDATE credits SET verification_hash=$1 WHERE credit_id=$2`, hash.Bytes(), id)
	return err
}

func (s *Store) CreditIDsByIssuer(ctx context.Context, issuer common.Address) ([]int64, error) {
	return s.idList(ctx, `SELECT credit_id FROM credits WHERE issuer=$1 ORDER BY credit_id ASC`, addrKey(issuer))
}

func (s *Store) CreateOrder(ctx context.Context, o ledger.Order) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `UPDATE market_counters SET value=value+1 WHERE name='orders' RETURNING value`).Scan(&id)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO orders(order_id,credit_id,buyer,seller,enc_amount,enc_max_price,enc_total_value,is_active,is_fulfilled)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, id, o.CreditID, addrKey(o.Buyer), addrKey(o.Seller), string(o.Amount), string(o.MaxPrice), string(o.TotalValue), o.IsActive, o.IsFulfilled)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (ledger.Order, bool, error) {
	var o ledger.Order
	var buyer, seller, amount, maxPrice, total string
	err := s.DB.QueryRow(ctx, `
SELECT order_id,credit_id,buyer,seller,enc_amount,enc_max_price,enc_total_value,is_active,is_fulfilled,created_at
FROM orders WHERE order_id=$1
`, id).Scan(&o.ID, &o.CreditID, &buyer, &seller, &amount, &maxPrice, &total, &o.IsActive, &o.IsFulfilled, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Order{}, false, nil
	}
	if err != nil {
		return ledger.Order{}, false, err
	}
	o.Buyer = common.HexToAddress(buyer)
	o.Seller = common.HexToAddress(seller)
	o.Amount = fhe.Handle(amount)
	o.MaxPrice = fhe.Handle(maxPrice)
	o.TotalValue = fhe.Handle(total)
	return o, true, nil
}

func (s *Store) CancelOrder(ctx context.Context, id int64) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE orders SET is_active=false WHERE order_id=$1 AND is_active AND NOT is_fulfilled
`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) OrderIDsByBuyer(ctx context.Context, buyer common.Address) ([]int64, error) {
	return s.idList(ctx, `SELECT order_id FROM orders WHERE buyer=$1 ORDER BY order_id ASC`, addrKey(buyer))
}

// SettleTrade flips the order to fulfilled and applies all four
// balance swaps in one transaction. The order guard missing means the
// order was settled or cancelled concurrently; a balance guard missing
// means a concurrent balance write won, and the caller may retry.
func (s *Store) SettleTrade(ctx context.Context, set ledger.Settlement) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE orders SET is_active=false, is_fulfilled=true
WHERE order_id=$1 AND is_active AND NOT is_fulfilled
`, set.OrderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return domain.ErrOrderNotActive
	}

	swaps := []struct {
		column string
		addr   common.Address
		swap   ledger.BalanceSwap
	}{
		{"token_balance", set.Buyer, set.BuyerToken},
		{"token_balance", set.Seller, set.SellerToken},
		{"credit_balance", set.Buyer, set.BuyerCredit},
		{"credit_balance", set.Seller, set.SellerCredit},
	}
	for _, sw := range swaps {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET `+sw.column+`=$1 WHERE address=$2 AND `+sw.column+`=$3`,
			string(sw.swap.New), addrKey(sw.addr), string(sw.swap.Old))
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return domain.ErrConflict
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	var st ledger.Stats
	err := s.DB.QueryRow(ctx, `
SELECT
  (SELECT value FROM market_counters WHERE name='credits'),
  (SELECT value FROM market_counters WHERE name='orders')
`).Scan(&st.TotalCredits, &st.TotalOrders)
	return st, err
}

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	payload, _ := json.Marshal(ev.Payload)
	if ev.Payload == nil {
		payload = []byte(`{}`)
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO market_events(type,credit_id,order_id,subject,payload) VALUES($1,$2,$3,$4,$5::jsonb)
`, ev.Type, ev.CreditID, ev.OrderID, nullable(ev.Subject), string(payload))
	return err
}

// EventFilter is decoded straight from the query string.
type EventFilter struct {
	Type     string `schema:"type"`
	CreditID *int64 `schema:"credit_id"`
	OrderID  *int64 `schema:"order_id"`
	Subject  string `schema:"subject"`
	AfterID  int64  `schema:"after_id"`
	Limit    int    `schema:"limit"`
}

type EventRecord struct {
	ID         int64          `json:"event_id"`
	Type       string         `json:"type"`
	CreditID   *int64         `json:"credit_id,omitempty"`
	OrderID    *int64         `json:"order_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `
SELECT event_id,type,credit_id,order_id,COALESCE(subject,''),payload,occurred_at
FROM market_events WHERE event_id > $1
`
	args := []any{f.AfterID}
	if f.Type != "" {
		args = append(args, f.Type)
		q += fmt.Sprintf(" AND type=$%d", len(args))
	}
	if f.CreditID != nil {
		args = append(args, *f.CreditID)
		q += fmt.Sprintf(" AND credit_id=$%d", len(args))
	}
	if f.OrderID != nil {
		args = append(args, *f.OrderID)
		q += fmt.Sprintf(" AND order_id=$%d", len(args))
	}
	if f.Subject != "" {
		args = append(args, f.Subject)
		q += fmt.Sprintf(" AND subject=$%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY event_id ASC LIMIT $%d", len(args))

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []EventRecord{}
	for rows.Next() {
		var ev EventRecord
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.CreditID, &ev.OrderID, &ev.Subject, &raw, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, caller common.Address, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var raw []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status, response_body FROM idempotency_records
WHERE caller=$1 AND idempotency_key=$2 AND endpoint=$3
`, addrKey(caller), idempotencyKey, endpoint).Scan(&status, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, nil, false, err
	}
	return status, body, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, caller common.Address, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	raw, err := json.Marshal(responseBody)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO idempotency_records(caller,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (caller,idempotency_key,endpoint) DO NOTHING
`, addrKey(caller), idempotencyKey, endpoint, responseStatus, string(raw))
	return err
}

func (s *Store) idList(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
