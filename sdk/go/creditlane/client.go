package creditlane

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"creditlane/pkg/authn"
	"creditlane/pkg/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("creditlane sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

type Credit struct {
	ID               int64     `json:"credit_id"`
	Issuer           string    `json:"issuer"`
	IsActive         bool      `json:"is_active"`
	ProjectType      string    `json:"project_type"`
	VerificationHash string    `json:"verification_hash"`
	CreatedAt        time.Time `json:"created_at"`
}

type Order struct {
	ID          int64     `json:"order_id"`
	CreditID    int64     `json:"credit_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	IsActive    bool      `json:"is_active"`
	IsFulfilled bool      `json:"is_fulfilled"`
	CreatedAt   time.Time `json:"created_at"`
}

type Balances struct {
	TokenBalance  string `json:"token_balance"`
	CreditBalance string `json:"credit_balance"`
}

type Stats struct {
	TotalCredits int64 `json:"total_credits"`
	TotalOrders  int64 `json:"total_orders"`
}

type Event struct {
	ID         int64          `json:"event_id"`
	Type       string         `json:"type"`
	CreditID   *int64         `json:"credit_id,omitempty"`
	OrderID    *int64         `json:"order_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type EventFilter struct {
	Type     string
	CreditID *int64
	OrderID  *int64
	Subject  string
	AfterID  int64
	Limit    int
}

// AuthStrategy signs an outgoing request. Reads that need no identity
// pass through a nil strategy untouched.
type AuthStrategy interface {
	Apply(req *http.Request, body []byte) error
}

// KeyAuth signs requests with a secp256k1 key; the server recovers the
// caller address from the signature.
type KeyAuth struct {
	Key *ecdsa.PrivateKey
	Now func() time.Time
}

func (a KeyAuth) Apply(req *http.Request, body []byte) error {
	if a.Key == nil {
		return errors.New("signing key is required")
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	return authn.Sign(req, body, a.Key, now)
}

func (a KeyAuth) Address() common.Address {
	return crypto.PubkeyToAddress(a.Key.PublicKey)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthStrategy
	retry      RetryConfig
	chainID    uint64
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithChainID sets the chain id bound into decrypt authorizations.
func WithChainID(id uint64) Option {
	return func(c *Client) { c.chainID = id }
}

func NewClient(baseURL string, auth AuthStrategy, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		auth:       auth,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		chainID:    31337,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return uuid.NewString() }

func (c *Client) RegisterUser(ctx context.Context) (*Balances, error) {
	payload, err := c.do(ctx, http.MethodPost, "/market/users", map[string]any{}, nil, false)
	if err != nil {
		return nil, err
	}
	var out struct {
		User Balances `json:"user"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *Client) AuthorizeIssuer(ctx context.Context, address string) error {
	_, err := c.do(ctx, http.MethodPost, "/market/issuers", map[string]any{"address": address}, nil, false)
	return err
}

type IssueCreditsRequest struct {
	Amount           uint32 `json:"amount"`
	Price            uint32 `json:"price"`
	ProjectType      string `json:"project_type"`
	VerificationHash string `json:"verification_hash"`
}

func (c *Client) IssueCredits(ctx context.Context, req IssueCreditsRequest, idempotencyKey string) (*Credit, error) {
	headers := idempotencyHeader(idempotencyKey)
	payload, err := c.do(ctx, http.MethodPost, "/market/credits", req, headers, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Credit Credit `json:"credit"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Credit, nil
}

func (c *Client) UpdateVerification(ctx context.Context, creditID int64, verificationHash string) error {
	path := "/market/credits/" + strconv.FormatInt(creditID, 10) + "/verification"
	_, err := c.do(ctx, http.MethodPut, path, map[string]any{"verification_hash": verificationHash}, nil, false)
	return err
}

func (c *Client) GetCredit(ctx context.Context, creditID int64) (*Credit, error) {
	path := "/market/credits/" + strconv.FormatInt(creditID, 10)
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Credit Credit `json:"credit"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Credit, nil
}

type CreateBuyOrderRequest struct {
	CreditID int64  `json:"credit_id"`
	Amount   uint32 `json:"amount"`
	MaxPrice uint32 `json:"max_price"`
}

func (c *Client) CreateBuyOrder(ctx context.Context, req CreateBuyOrderRequest, idempotencyKey string) (*Order, error) {
	payload, err := c.do(ctx, http.MethodPost, "/market/orders", req, idempotencyHeader(idempotencyKey), true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

func (c *Client) ExecuteTrade(ctx context.Context, orderID int64, idempotencyKey string) (*Order, error) {
	path := "/market/orders/" + strconv.FormatInt(orderID, 10) + "/execute"
	payload, err := c.do(ctx, http.MethodPost, path, map[string]any{}, idempotencyHeader(idempotencyKey), true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID int64) (*Order, error) {
	path := "/market/orders/" + strconv.FormatInt(orderID, 10) + "/cancel"
	payload, err := c.do(ctx, http.MethodPost, path, map[string]any{}, nil, false)
	if err != nil {
		return nil, err
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	path := "/market/orders/" + strconv.FormatInt(orderID, 10)
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

func (c *Client) DepositTokens(ctx context.Context, amount uint64) error {
	headers := idempotencyHeader(NewIdempotencyKey())
	_, err := c.do(ctx, http.MethodPost, "/market/deposits", map[string]any{"amount": amount}, headers, true)
	return err
}

func (c *Client) MyBalances(ctx context.Context) (*Balances, error) {
	payload, err := c.do(ctx, http.MethodGet, "/market/me/balances", nil, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Balances Balances `json:"balances"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Balances, nil
}

func (c *Client) MyCreditIDs(ctx context.Context) ([]int64, error) {
	payload, err := c.do(ctx, http.MethodGet, "/market/me/credits", nil, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		CreditIDs []int64 `json:"credit_ids"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return out.CreditIDs, nil
}

func (c *Client) MyOrderIDs(ctx context.Context) ([]int64, error) {
	payload, err := c.do(ctx, http.MethodGet, "/market/me/orders", nil, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		OrderIDs []int64 `json:"order_ids"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return out.OrderIDs, nil
}

func (c *Client) IsRegistered(ctx context.Context, address string) (bool, error) {
	path := "/market/users/" + url.PathEscape(address) + "/registered"
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return false, err
	}
	ok, _ := payload["registered"].(bool)
	return ok, nil
}

func (c *Client) IsAuthorizedIssuer(ctx context.Context, address string) (bool, error) {
	path := "/market/issuers/" + url.PathEscape(address)
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return false, err
	}
	ok, _ := payload["authorized"].(bool)
	return ok, nil
}

func (c *Client) SystemStats(ctx context.Context) (*Stats, error) {
	payload, err := c.do(ctx, http.MethodGet, "/market/stats", nil, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Stats Stats `json:"stats"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return &out.Stats, nil
}

func (c *Client) Events(ctx context.Context, f EventFilter) ([]Event, error) {
	v := url.Values{}
	if f.Type != "" {
		v.Set("type", f.Type)
	}
	if f.CreditID != nil {
		v.Set("credit_id", strconv.FormatInt(*f.CreditID, 10))
	}
	if f.OrderID != nil {
		v.Set("order_id", strconv.FormatInt(*f.OrderID, 10))
	}
	if f.Subject != "" {
		v.Set("subject", f.Subject)
	}
	if f.AfterID > 0 {
		v.Set("after_id", strconv.FormatInt(f.AfterID, 10))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/market/events"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := decodeInto(payload, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Decrypt authorizes with a typed-data signature from key and returns
// the plaintext behind handle. The key holder must hold a grant.
func (c *Client) Decrypt(ctx context.Context, key *ecdsa.PrivateKey, handle string) (uint64, error) {
	sig, err := fhe.SignDecryptRequest(key, c.chainID, fhe.Handle(handle))
	if err != nil {
		return 0, err
	}
	body := map[string]any{
		"handle":    handle,
		"requester": crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"signature": hex.EncodeToString(sig),
	}
	payload, err := c.do(ctx, http.MethodPost, "/fhe/decrypt", body, nil, true)
	if err != nil {
		return 0, err
	}
	return extractValue(payload)
}

func (c *Client) PublicDecrypt(ctx context.Context, handle string) (uint64, error) {
	payload, err := c.do(ctx, http.MethodPost, "/fhe/public-decrypt", map[string]any{"handle": handle}, nil, true)
	if err != nil {
		return 0, err
	}
	return extractValue(payload)
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, retryable bool) (map[string]any, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "creditlane-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.auth != nil {
			if err := c.auth.Apply(req, bodyBytes); err != nil {
				return nil, err
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var obj map[string]any
			if len(respBody) == 0 {
				return map[string]any{}, nil
			}
			// UseNumber keeps 64-bit values (decrypted balances, ids)
			// exact instead of rounding them through float64.
			dec := json.NewDecoder(bytes.NewReader(respBody))
			dec.UseNumber()
			if err := dec.Decode(&obj); err != nil {
				return nil, err
			}
			return obj, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return nil, parseSDKError(resp.StatusCode, respBody)
	}
	return nil, errors.New("unreachable")
}

func idempotencyHeader(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}

func decodeInto(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func extractValue(payload map[string]any) (uint64, error) {
	raw, ok := payload["value"]
	if !ok {
		return 0, errors.New("decrypt response missing value")
	}
	switch v := raw.(type) {
	case json.Number:
		return strconv.ParseUint(v.String(), 10, 64)
	case string:
		return strconv.ParseUint(v, 10, 64)
	default:
		return 0, fmt.Errorf("decrypt response value has type %T", raw)
	}
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	return out
}
