package fhe

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Handle is an opaque reference to an encrypted value managed by the
// provider. The core never sees plaintext through a handle; all
// arithmetic goes through Provider.
type Handle string

// TypeTag fixes the unsigned bit-width an encrypted value wraps at.
type TypeTag uint8

const (
	Euint32 TypeTag = iota + 1
	Euint64
)

func (t TypeTag) Bits() uint {
	switch t {
	case Euint32:
		return 32
	default:
		return 64
	}
}

func (t TypeTag) String() string {
	switch t {
	case Euint32:
		return "euint32"
	case Euint64:
		return "euint64"
	default:
		return "euint?"
	}
}

var (
	ErrUnknownHandle = errors.New("fhe: unknown ciphertext handle")
	ErrTypeMismatch  = errors.New("fhe: operand type tags differ")
	ErrAccessDenied  = errors.New("fhe: requester has no decrypt grant")
	ErrBadSignature  = errors.New("fhe: decrypt authorization signature invalid")
	ErrNotPublic     = errors.New("fhe: handle is not publicly decryptable")
)

// Provider is the encryption collaborator: encryption, homomorphic
// arithmetic, grant management and authorized decryption over opaque
// handles. Implementations own ciphertext storage; callers only pass
// handles through.
type Provider interface {
	EncryptZero(ctx context.Context, tag TypeTag) (Handle, error)
	Encrypt(ctx context.Context, value uint64, tag TypeTag) (Handle, error)

	Add(ctx context.Context, a, b Handle) (Handle, error)
	Sub(ctx context.Context, a, b Handle) (Handle, error)
	Mul(ctx context.Context, a, b Handle) (Handle, error)
	// Cast re-tags a value at a new bit-width, truncating on narrowing.
	Cast(ctx context.Context, h Handle, tag TypeTag) (Handle, error)

	// Grant allows grantee to decrypt h. Granting twice is a no-op.
	Grant(ctx context.Context, h Handle, grantee common.Address) error
	// MakePublic allows anyone to decrypt h through PublicDecrypt.
	MakePublic(ctx context.Context, h Handle) error

	// Decrypt returns the plaintext behind h for requester, authorized
	// by a typed-data signature over (requester, h). Fails closed on an
	// unknown handle, a bad signature, or a missing grant.
	Decrypt(ctx context.Context, h Handle, requester common.Address, signature []byte) (uint64, error)
	PublicDecrypt(ctx context.Context, h Handle) (uint64, error)
}
