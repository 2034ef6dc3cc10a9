package authn

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func signedRequest(t *testing.T, method, target string, body []byte) (*http.Request, string) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if err := Sign(req, body, priv, time.Now()); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return req, crypto.PubkeyToAddress(priv.PublicKey).Hex()
}

func TestVerifyRecoversSigner(t *testing.T) {
	body := []byte(`{"amount":100}`)
	req, want := signedRequest(t, http.MethodPost, "/market/orders", body)

	caller, err := Verify(req, body, time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if caller.Hex() != want {
		t.Fatalf("recovered %s, want %s", caller.Hex(), want)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"amount":100}`)
	req, _ := signedRequest(t, http.MethodPost, "/market/orders", body)

	if _, err := Verify(req, []byte(`{"amount":999}`), time.Now()); err == nil {
		t.Fatal("expected rejection of tampered body")
	}
}

func TestVerifyRejectsTamperedPath(t *testing.T) {
	body := []byte(`{}`)
	req, _ := signedRequest(t, http.MethodPost, "/market/orders/1/cancel", body)
	req.URL.Path = "/market/orders/2/cancel"

	if _, err := Verify(req, body, time.Now()); err == nil {
		t.Fatal("expected rejection of tampered path")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	req, _ := signedRequest(t, http.MethodPost, "/market/deposit", body)

	if _, err := Verify(req, body, time.Now().Add(MaxSkew+time.Minute)); err == nil {
		t.Fatal("expected rejection of stale request")
	}
}

func TestVerifyRejectsClaimedAddressMismatch(t *testing.T) {
	body := []byte(`{}`)
	req, _ := signedRequest(t, http.MethodPost, "/market/register", body)
	req.Header.Set(HeaderAddress, "0x0000000000000000000000000000000000000001")

	if _, err := Verify(req, body, time.Now()); err == nil {
		t.Fatal("expected rejection of mismatched claimed address")
	}
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/market/register", nil)
	if _, err := Verify(req, nil, time.Now()); err == nil {
		t.Fatal("expected rejection of unsigned request")
	}
}

func TestMiddlewareRestoresBodyAndSetsCaller(t *testing.T) {
	body := []byte(`{"credit_id":1}`)
	req, want := signedRequest(t, http.MethodPost, "/market/orders", body)

	var gotCaller string
	var gotBody []byte
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := Caller(r.Context())
		if !ok {
			t.Fatal("caller missing from context")
		}
		gotCaller = addr.Hex()
		b := make([]byte, len(body))
		n, _ := r.Body.Read(b)
		gotBody = b[:n]
		w.WriteHeader(200)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if gotCaller != want {
		t.Fatalf("caller %s, want %s", gotCaller, want)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("body not restored: %q", gotBody)
	}
}

func TestMiddlewareRejectsUnsigned(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/market/register", bytes.NewReader([]byte("{}")))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))

	rec := httptest.NewRecorder()
	Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}
