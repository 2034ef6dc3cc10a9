package fhe

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
)

// InProc is the in-process provider used for development and tests.
// It is interface-faithful, not homomorphic: values are sealed with
// AES-GCM under a provider master key and arithmetic unseals, computes
// with wraparound at the tag's bit-width, and reseals under a fresh
// handle. Ciphertext records and grant ACLs persist in badger.
type InProc struct {
	db      *badger.DB
	aead    cipher.AEAD
	chainID uint64
}

type InProcConfig struct {
	// DataDir holds the badger store; empty selects in-memory mode.
	DataDir string
	// MasterKey is the 32-byte sealing key; nil generates an ephemeral
	// one (handles then die with the process).
	MasterKey []byte
	ChainID   uint64
}

const publicGrantee = "public"

type ciphertextRecord struct {
	Tag    TypeTag `json:"tag"`
	Sealed []byte  `json:"sealed"`
}

func OpenInProc(cfg InProcConfig) (*InProc, error) {
	key := cfg.MasterKey
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("fhe: master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.DataDir).WithLogger(nil)
	if cfg.DataDir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &InProc{db: db, aead: aead, chainID: cfg.ChainID}, nil
}

func (p *InProc) Close() error { return p.db.Close() }

func (p *InProc) EncryptZero(ctx context.Context, tag TypeTag) (Handle, error) {
	return p.Encrypt(ctx, 0, tag)
}

func (p *InProc) Encrypt(_ context.Context, value uint64, tag TypeTag) (Handle, error) {
	return p.store(mask(value, tag), tag)
}

func (p *InProc) Add(ctx context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return x + y })
}

func (p *InProc) Sub(ctx context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return x - y })
}

func (p *InProc) Mul(ctx context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return x * y })
}

func (p *InProc) Cast(_ context.Context, h Handle, tag TypeTag) (Handle, error) {
	v, _, err := p.load(h)
	if err != nil {
		return "", err
	}
	return p.store(mask(v, tag), tag)
}

func (p *InProc) Grant(_ context.Context, h Handle, grantee common.Address) error {
	if _, _, err := p.load(h); err != nil {
		return err
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(aclKey(h, strings.ToLower(grantee.Hex())), []byte{1})
	})
}

func (p *InProc) MakePublic(_ context.Context, h Handle) error {
	if _, _, err := p.load(h); err != nil {
		return err
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(aclKey(h, publicGrantee), []byte{1})
	})
}

func (p *InProc) Decrypt(_ context.Context, h Handle, requester common.Address, signature []byte) (uint64, error) {
	recovered, err := RecoverDecryptRequester(p.chainID, requester, h, signature)
	if err != nil {
		return 0, err
	}
	if recovered != requester {
		return 0, ErrBadSignature
	}
	granted, err := p.hasGrant(h, strings.ToLower(requester.Hex()))
	if err != nil {
		return 0, err
	}
	if !granted {
		return 0, ErrAccessDenied
	}
	v, _, err := p.load(h)
	return v, err
}

func (p *InProc) PublicDecrypt(_ context.Context, h Handle) (uint64, error) {
	public, err := p.hasGrant(h, publicGrantee)
	if err != nil {
		return 0, err
	}
	if !public {
		return 0, ErrNotPublic
	}
	v, _, err := p.load(h)
	return v, err
}

func (p *InProc) binop(a, b Handle, op func(x, y uint64) uint64) (Handle, error) {
	av, atag, err := p.load(a)
	if err != nil {
		return "", err
	}
	bv, btag, err := p.load(b)
	if err != nil {
		return "", err
	}
	if atag != btag {
		return "", ErrTypeMismatch
	}
	return p.store(mask(op(av, bv), atag), atag)
}

func (p *InProc) store(value uint64, tag TypeTag) (Handle, error) {
	plain := make([]byte, 8)
	binary.BigEndian.PutUint64(plain, value)
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	rec := ciphertextRecord{Tag: tag, Sealed: append(nonce, p.aead.Seal(nil, nonce, plain, nil)...)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	h := newHandle()
	err = p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ctKey(h), raw)
	})
	if err != nil {
		return "", err
	}
	return h, nil
}

func (p *InProc) load(h Handle) (uint64, TypeTag, error) {
	var raw []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ctKey(h))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, 0, ErrUnknownHandle
	}
	if err != nil {
		return 0, 0, err
	}
	var rec ciphertextRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, 0, err
	}
	if len(rec.Sealed) < p.aead.NonceSize() {
		return 0, 0, ErrUnknownHandle
	}
	nonce, box := rec.Sealed[:p.aead.NonceSize()], rec.Sealed[p.aead.NonceSize():]
	plain, err := p.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint64(plain), rec.Tag, nil
}

func (p *InProc) hasGrant(h Handle, grantee string) (bool, error) {
	err := p.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(aclKey(h, grantee))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func mask(v uint64, tag TypeTag) uint64 {
	if tag.Bits() >= 64 {
		return v
	}
	return v & ((1 << tag.Bits()) - 1)
}

func ctKey(h Handle) []byte                  { return []byte("ct|" + string(h)) }
func aclKey(h Handle, grantee string) []byte { return []byte("acl|" + string(h) + "|" + grantee) }

func newHandle() Handle {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return Handle("ct_" + hex.EncodeToString(b))
}
