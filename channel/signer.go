package channel

import (
	"crypto/ecdsa"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

// Signer holds an ECDSA key and produces channel update signatures.
// The raw key never leaves this type and is never logged.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSignerFromHex creates a signer from a hex-encoded private key,
// with or without a 0x prefix.
func NewSignerFromHex(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid private key: %v", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignDigest signs a 32-byte digest, returning a 0x-prefixed 65-byte
// signature with the recovery id in Ethereum form (v = 27/28).
func (s *Signer) SignDigest(digest common.Hash) (string, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return "", cheddr.Errorf(cheddr.ErrCodeValidation, "signing failed: %v", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignUpdate signs the digest of an update under the given domain.
func (s *Signer) SignUpdate(d Domain, u *Update) (string, error) {
	digest, err := u.Digest(d)
	if err != nil {
		return "", err
	}
	return s.SignDigest(digest)
}

// RecoverSigner recovers the address that produced signature over digest.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(digest common.Hash, signature string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid signature encoding: %v", err)
	}
	if len(raw) != crypto.SignatureLength {
		return common.Address{}, cheddr.Errorf(cheddr.ErrCodeValidation,
			"invalid signature length: %d", len(raw))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, cheddr.Errorf(cheddr.ErrCodeValidation, "signature recovery failed: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
