package fhe

import (
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP-712-style decrypt authorization: the requester signs a
// domain-separated digest binding its own address to one handle, so a
// signature can neither be replayed for another handle nor by another
// requester.

const (
	typedDataName    = "CreditLane FHE Gateway"
	typedDataVersion = "1"
)

var (
	domainTypeHash         = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	decryptRequestTypeHash = crypto.Keccak256([]byte("DecryptRequest(address requester,bytes32 handle)"))
)

func domainSeparator(chainID uint64) []byte {
	return crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(typedDataName)),
		crypto.Keccak256([]byte(typedDataVersion)),
		uint256Bytes(chainID),
	)
}

// HandleDigest is the bytes32 form of a handle inside the typed data.
func HandleDigest(h Handle) []byte {
	return crypto.Keccak256([]byte(h))
}

// DecryptDigest is the 32-byte message a requester signs to authorize
// decryption of h.
func DecryptDigest(chainID uint64, requester common.Address, h Handle) []byte {
	structHash := crypto.Keccak256(
		decryptRequestTypeHash,
		common.LeftPadBytes(requester.Bytes(), 32),
		HandleDigest(h),
	)
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator(chainID), structHash)
}

// SignDecryptRequest produces the authorization signature for the key
// holder's own address.
func SignDecryptRequest(priv *ecdsa.PrivateKey, chainID uint64, h Handle) ([]byte, error) {
	requester := crypto.PubkeyToAddress(priv.PublicKey)
	return crypto.Sign(DecryptDigest(chainID, requester, h), priv)
}

// RecoverDecryptRequester returns the address that signed the decrypt
// authorization for h.
func RecoverDecryptRequester(chainID uint64, requester common.Address, h Handle, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	pub, err := crypto.SigToPub(DecryptDigest(chainID, requester, h), sig)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func uint256Bytes(v uint64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[24:], v)
	return out
}
