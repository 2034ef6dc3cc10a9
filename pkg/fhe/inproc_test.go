package fhe

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testChainID = 31337

func newTestProvider(t *testing.T) *InProc {
	t.Helper()
	p, err := OpenInProc(InProcConfig{ChainID: testChainID})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	h, err := p.Encrypt(ctx, 1000, Euint32)
	require.NoError(t, err)
	require.NoError(t, p.Grant(ctx, h, addr))

	sig, err := SignDecryptRequest(priv, testChainID, h)
	require.NoError(t, err)

	v, err := p.Decrypt(ctx, h, addr, sig)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), v)
}

func TestDecryptWithoutGrantFailsClosed(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	h, err := p.Encrypt(ctx, 42, Euint64)
	require.NoError(t, err)

	sig, err := SignDecryptRequest(priv, testChainID, h)
	require.NoError(t, err)

	_, err = p.Decrypt(ctx, h, addr, sig)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestDecryptRejectsForeignSignature(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)
	intruder, err := crypto.GenerateKey()
	require.NoError(t, err)

	h, err := p.Encrypt(ctx, 7, Euint32)
	require.NoError(t, err)
	require.NoError(t, p.Grant(ctx, h, ownerAddr))

	// Intruder signs for its own address but claims to be the owner.
	sig, err := SignDecryptRequest(intruder, testChainID, h)
	require.NoError(t, err)

	_, err = p.Decrypt(ctx, h, ownerAddr, sig)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestArithmeticWrapsAtTagWidth(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	max32, err := p.Encrypt(ctx, 0xFFFFFFFF, Euint32)
	require.NoError(t, err)
	one, err := p.Encrypt(ctx, 1, Euint32)
	require.NoError(t, err)

	sum, err := p.Add(ctx, max32, one)
	require.NoError(t, err)
	require.Equal(t, uint64(0), mustPlain(t, p, sum))

	// Underflow wraps the same way.
	zero, err := p.EncryptZero(ctx, Euint32)
	require.NoError(t, err)
	under, err := p.Sub(ctx, zero, one)
	require.NoError(t, err)
	require.Equal(t, uint64(0xFFFFFFFF), mustPlain(t, p, under))
}

func TestMulAndCast(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	amount, err := p.Encrypt(ctx, 100, Euint32)
	require.NoError(t, err)
	price, err := p.Encrypt(ctx, 50, Euint32)
	require.NoError(t, err)

	amount64, err := p.Cast(ctx, amount, Euint64)
	require.NoError(t, err)
	price64, err := p.Cast(ctx, price, Euint64)
	require.NoError(t, err)

	total, err := p.Mul(ctx, amount64, price64)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), mustPlain(t, p, total))

	// Mixed widths are rejected rather than silently coerced.
	_, err = p.Add(ctx, amount, amount64)
	require.ErrorIs(t, err, ErrTypeMismatch)

	// Narrowing truncates.
	wide, err := p.Encrypt(ctx, 1<<40|5, Euint64)
	require.NoError(t, err)
	narrow, err := p.Cast(ctx, wide, Euint32)
	require.NoError(t, err)
	require.Equal(t, uint64(5), mustPlain(t, p, narrow))
}

func TestPublicDecrypt(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	h, err := p.Encrypt(ctx, 9, Euint32)
	require.NoError(t, err)

	_, err = p.PublicDecrypt(ctx, h)
	require.ErrorIs(t, err, ErrNotPublic)

	require.NoError(t, p.MakePublic(ctx, h))
	v, err := p.PublicDecrypt(ctx, h)
	require.NoError(t, err)
	require.Equal(t, uint64(9), v)
}

func TestUnknownHandle(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	_, err := p.Cast(ctx, Handle("ct_deadbeef"), Euint64)
	require.ErrorIs(t, err, ErrUnknownHandle)

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.ErrorIs(t, p.Grant(ctx, Handle("ct_deadbeef"), crypto.PubkeyToAddress(priv.PublicKey)), ErrUnknownHandle)
}

// mustPlain reads a value back through the signed decrypt path with a
// throwaway key, granting it first.
func mustPlain(t *testing.T, p *InProc, h Handle) uint64 {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	require.NoError(t, p.Grant(context.Background(), h, addr))
	sig, err := SignDecryptRequest(priv, testChainID, h)
	require.NoError(t, err)
	v, err := p.Decrypt(context.Background(), h, addr, sig)
	require.NoError(t, err)
	return v
}
