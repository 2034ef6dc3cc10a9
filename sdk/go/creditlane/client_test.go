package creditlane

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"creditlane/pkg/authn"
	"creditlane/pkg/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testAuth(t *testing.T) KeyAuth {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return KeyAuth{Key: key}
}

func TestIssueCreditsSignsRequest(t *testing.T) {
	auth := testAuth(t)
	var gotIdempotencyKey string
	var recovered common.Address

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		addr, err := authn.Verify(r, body, time.Now())
		if err != nil {
			t.Errorf("server-side verify: %v", err)
			w.WriteHeader(401)
			return
		}
		recovered = addr
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(201)
		_, _ = w.Write([]byte(`{"request_id":"req_1","credit":{"credit_id":1,"issuer":"0xabc","is_active":true,"project_type":"solar"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth)
	credit, err := c.IssueCredits(context.Background(), IssueCreditsRequest{
		Amount: 1000, Price: 50, ProjectType: "solar",
	}, "key-1")
	if err != nil {
		t.Fatalf("IssueCredits: %v", err)
	}
	if credit.ID != 1 || !credit.IsActive || credit.ProjectType != "solar" {
		t.Fatalf("unexpected credit: %+v", credit)
	}
	if recovered != auth.Address() {
		t.Fatalf("server recovered %s, want %s", recovered.Hex(), auth.Address().Hex())
	}
	if gotIdempotencyKey != "key-1" {
		t.Fatalf("idempotency key = %q, want key-1", gotIdempotencyKey)
	}
}

func TestRetryOnServiceUnavailable(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(503)
			return
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req_1","stats":{"total_credits":3,"total_orders":2}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
	stats, err := c.SystemStats(context.Background())
	if err != nil {
		t.Fatalf("SystemStats: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if stats.TotalCredits != 3 || stats.TotalOrders != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestNonRetryableErrorParsed(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(409)
		_, _ = w.Write([]byte(`{"request_id":"req_9","error":{"code":"ALREADY_REGISTERED","message":"user already registered","details":null}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(t))
	_, err := c.RegisterUser(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var sdkErr *Error
	if !errors.As(err, &sdkErr) {
		t.Fatalf("error type %T, want *Error", err)
	}
	if sdkErr.StatusCode != 409 || sdkErr.ErrorCode != "ALREADY_REGISTERED" {
		t.Fatalf("unexpected sdk error: %+v", sdkErr)
	}
	if sdkErr.RequestID != "req_9" {
		t.Fatalf("request id = %q, want req_9", sdkErr.RequestID)
	}
	if attempts != 1 {
		t.Fatalf("409 should not be retried, got %d attempts", attempts)
	}
}

func TestDecryptSendsTypedDataSignature(t *testing.T) {
	auth := testAuth(t)
	const chainID = uint64(777)
	const handle = "ct_0011223344556677889900112233445566"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Handle    string `json:"handle"`
			Requester string `json:"requester"`
			Signature string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode decrypt body: %v", err)
			w.WriteHeader(400)
			return
		}
		sig, err := hex.DecodeString(req.Signature)
		if err != nil {
			t.Errorf("signature hex: %v", err)
			w.WriteHeader(400)
			return
		}
		requester := common.HexToAddress(req.Requester)
		got, err := fhe.RecoverDecryptRequester(chainID, requester, fhe.Handle(req.Handle), sig)
		if err != nil || got != requester {
			t.Errorf("recover requester: %v (got %s)", err, got.Hex())
			w.WriteHeader(401)
			return
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req_1","value":95000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth, WithChainID(chainID))
	value, err := c.Decrypt(context.Background(), auth.Key, handle)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if value != 95000 {
		t.Fatalf("value = %d, want 95000", value)
	}
}

func TestDecryptPreservesFull64BitRange(t *testing.T) {
	// 2^60+1 is not representable as a float64; a decode that round
	// trips through one returns 2^60 instead.
	const want = uint64(1<<60 + 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req_1","value":1152921504606846977}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	value, err := c.PublicDecrypt(context.Background(), "ct_0011223344556677889900112233445566")
	if err != nil {
		t.Fatalf("PublicDecrypt: %v", err)
	}
	if value != want {
		t.Fatalf("value = %d, want %d", value, want)
	}
}

func TestEventsFilterEncoding(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req_1","events":[{"event_id":7,"type":"TradeExecuted","payload":{}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	orderID := int64(4)
	events, err := c.Events(context.Background(), EventFilter{Type: "TradeExecuted", OrderID: &orderID, AfterID: 5, Limit: 10})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].ID != 7 || events[0].Type != "TradeExecuted" {
		t.Fatalf("unexpected events: %+v", events)
	}
	want := "after_id=5&limit=10&order_id=4&type=TradeExecuted"
	if gotQuery != want {
		t.Fatalf("query = %q, want %q", gotQuery, want)
	}
}
