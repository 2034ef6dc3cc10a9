package authn

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"creditlane/pkg/httpx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signed-request authentication. Callers are addresses: each request
// carries a secp256k1 signature over method, path, timestamp, nonce
// and body hash, and the recovered signer is the caller identity.

var ErrUnauthorized = errors.New("unauthorized")

const (
	HeaderAddress   = "X-CL-Address"
	HeaderTimestamp = "X-CL-Timestamp"
	HeaderNonce     = "X-CL-Nonce"
	HeaderSignature = "X-CL-Signature"

	signedRequestPrefix = "\x19CreditLane Signed Request:\n"

	// MaxSkew bounds how stale a signed request may be.
	MaxSkew = 5 * time.Minute
)

func signingString(method, pathWithQuery, ts, nonce string, body []byte) string {
	bodyHash := ""
	if len(body) > 0 {
		bodyHash = hex.EncodeToString(crypto.Keccak256(body))
	}
	return strings.ToUpper(method) + "\n" + pathWithQuery + "\n" + ts + "\n" + nonce + "\n" + bodyHash
}

func digest(method, pathWithQuery, ts, nonce string, body []byte) []byte {
	return crypto.Keccak256([]byte(signedRequestPrefix), []byte(signingString(method, pathWithQuery, ts, nonce, body)))
}

func pathWithQuery(r *http.Request) string {
	p := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		p += "?" + r.URL.RawQuery
	}
	return p
}

// Sign stamps the request headers for the key holder's address.
func Sign(req *http.Request, body []byte, priv *ecdsa.PrivateKey, now time.Time) error {
	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	nonce := newNonce()
	sig, err := crypto.Sign(digest(req.Method, pathWithQuery(req), ts, nonce, body), priv)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(priv.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

// Verify recovers the caller address from the request headers and
// body. Fails closed on a missing header, a stale timestamp, or a
// signer that does not match the claimed address.
func Verify(r *http.Request, body []byte, now time.Time) (common.Address, error) {
	claimed := strings.TrimSpace(r.Header.Get(HeaderAddress))
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	sigHex := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if claimed == "" || ts == "" || nonce == "" || sigHex == "" {
		return common.Address{}, ErrUnauthorized
	}
	if !common.IsHexAddress(claimed) {
		return common.Address{}, ErrUnauthorized
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return common.Address{}, ErrUnauthorized
	}
	skew := now.UTC().Sub(time.Unix(unix, 0).UTC())
	if skew > MaxSkew || skew < -MaxSkew {
		return common.Address{}, ErrUnauthorized
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return common.Address{}, ErrUnauthorized
	}
	pub, err := crypto.SigToPub(digest(r.Method, pathWithQuery(r), ts, nonce, body), sig)
	if err != nil {
		return common.Address{}, ErrUnauthorized
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(claimed) {
		return common.Address{}, ErrUnauthorized
	}
	return recovered, nil
}

type callerKey struct{}

// Middleware verifies the signature, restores the body for the
// handler, and stores the caller address in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_BODY", "unreadable body", nil)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller, err := Verify(r, body, time.Now())
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "request signature invalid", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// Caller returns the verified caller address set by Middleware.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
