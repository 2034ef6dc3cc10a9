package fhe

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestRecoverDecryptRequesterRoundTrip(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	h := Handle("ct_0011223344556677")

	sig, err := SignDecryptRequest(priv, testChainID, h)
	require.NoError(t, err)

	recovered, err := RecoverDecryptRequester(testChainID, addr, h, sig)
	require.NoError(t, err)
	require.Equal(t, addr, recovered)
}

func TestSignatureBindsHandle(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	sig, err := SignDecryptRequest(priv, testChainID, Handle("ct_aa"))
	require.NoError(t, err)

	// Same signature over another handle recovers a different address.
	recovered, err := RecoverDecryptRequester(testChainID, addr, Handle("ct_bb"), sig)
	require.NoError(t, err)
	require.NotEqual(t, addr, recovered)
}

func TestSignatureBindsChain(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	h := Handle("ct_cc")

	sig, err := SignDecryptRequest(priv, testChainID, h)
	require.NoError(t, err)

	recovered, err := RecoverDecryptRequester(testChainID+1, addr, h, sig)
	require.NoError(t, err)
	require.NotEqual(t, addr, recovered)
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	_, err := RecoverDecryptRequester(testChainID, common.Address{}, Handle("ct_dd"), []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBadSignature)
}
