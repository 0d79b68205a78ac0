// Package channel implements the off-chain payment channel model: the
// ChannelData digest construction signatures are computed over, the signer
// and recovery primitives, and the pure state transition applied by every
// accepted update.
package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

// DomainName and DomainVersion identify the signing domain shared by the
// channel manager contract, the sequencer, and every client.
const (
	DomainName    = "X402CheddrPaymentChannel"
	DomainVersion = "1"
)

var (
	channelDataTypeHash = crypto.Keccak256(
		[]byte("ChannelData(bytes32 channelId,uint256 sequenceNumber,uint256 timestamp,address[] recipients,uint256[] amounts)"),
	)
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
)

// Domain is the EIP-712 domain a channel update signature is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// DefaultDomain builds the canonical domain for a chain and channel manager.
func DefaultDomain(chainID uint64, verifyingContract common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

// DomainFromWire converts the wire-form signing domain from a 402 challenge.
func DomainFromWire(d cheddr.SigningDomain) (Domain, error) {
	contract, err := ParseAddress(d.VerifyingContract)
	if err != nil {
		return Domain{}, err
	}
	return Domain{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           d.ChainID,
		VerifyingContract: contract,
	}, nil
}

// Wire converts the domain back to its challenge representation.
func (d Domain) Wire() cheddr.SigningDomain {
	return cheddr.SigningDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           d.ChainID,
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	encoded := make([]byte, 0, 5*32)
	encoded = append(encoded, domainTypeHash...)
	encoded = append(encoded, crypto.Keccak256([]byte(d.Name))...)
	encoded = append(encoded, crypto.Keccak256([]byte(d.Version))...)
	encoded = append(encoded, uint64Word(d.ChainID)...)
	encoded = append(encoded, common.LeftPadBytes(d.VerifyingContract.Bytes(), 32)...)
	return common.BytesToHash(crypto.Keccak256(encoded))
}

// UpdateDigest computes the signing digest for one channel state. Recipients
// and amounts are hashed as tightly packed arrays in the given order, so a
// reordered or partial recipient list produces a different digest.
//
// All inputs are validated before any hashing happens.
func UpdateDigest(d Domain, channelID common.Hash, sequence, timestamp uint64, recipients []Recipient) (common.Hash, error) {
	for _, r := range recipients {
		if r.Amount == nil || r.Amount.Sign() < 0 {
			return common.Hash{}, cheddr.Errorf(cheddr.ErrCodeValidation,
				"invalid recipient amount for %s", r.Address.Hex())
		}
		if r.Amount.BitLen() > 256 {
			return common.Hash{}, cheddr.Errorf(cheddr.ErrCodeValidation,
				"recipient amount overflows uint256 for %s", r.Address.Hex())
		}
	}

	packedAddrs := make([]byte, 0, len(recipients)*common.AddressLength)
	packedAmounts := make([]byte, 0, len(recipients)*32)
	for _, r := range recipients {
		packedAddrs = append(packedAddrs, r.Address.Bytes()...)
		packedAmounts = append(packedAmounts, common.LeftPadBytes(r.Amount.Bytes(), 32)...)
	}
	recipientsHash := crypto.Keccak256(packedAddrs)
	amountsHash := crypto.Keccak256(packedAmounts)

	encoded := make([]byte, 0, 6*32)
	encoded = append(encoded, channelDataTypeHash...)
	encoded = append(encoded, channelID.Bytes()...)
	encoded = append(encoded, uint64Word(sequence)...)
	encoded = append(encoded, uint64Word(timestamp)...)
	encoded = append(encoded, recipientsHash...)
	encoded = append(encoded, amountsHash...)
	structHash := crypto.Keccak256(encoded)

	separator := d.Separator()

	digestInput := make([]byte, 0, 2+32+32)
	digestInput = append(digestInput, 0x19, 0x01)
	digestInput = append(digestInput, separator.Bytes()...)
	digestInput = append(digestInput, structHash...)
	return common.BytesToHash(crypto.Keccak256(digestInput)), nil
}

// uint64Word encodes v as a 32-byte big-endian word.
func uint64Word(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

// ParseAddress parses a 0x-prefixed EVM address.
func ParseAddress(s string) (common.Address, error) {
	if err := cheddr.ValidateAddress(s); err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(s), nil
}

// ParseChannelID parses a 0x-prefixed 32-byte channel identifier.
func ParseChannelID(s string) (common.Hash, error) {
	if err := cheddr.ValidateChannelID(s); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(s), nil
}
