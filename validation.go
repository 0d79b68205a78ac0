package cheddr

import (
	"math/big"
	"regexp"
)

var (
	// addressRegex matches EVM addresses (0x followed by 40 hex chars).
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// channelIDRegex matches 32-byte channel identifiers.
	channelIDRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

	// networkRegex matches CAIP-2 network identifiers (namespace:reference).
	networkRegex = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9]+$`)
)

// ValidateAddress checks that address is a well-formed EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return Errorf(ErrCodeValidation, "address cannot be empty")
	}
	if !addressRegex.MatchString(address) {
		return Errorf(ErrCodeValidation, "invalid address: %s", address)
	}
	return nil
}

// ValidateChannelID checks that id is a well-formed 32-byte identifier.
func ValidateChannelID(id string) error {
	if id == "" {
		return Errorf(ErrCodeValidation, "channel id cannot be empty")
	}
	if !channelIDRegex.MatchString(id) {
		return Errorf(ErrCodeValidation, "invalid channel id: %s", id)
	}
	return nil
}

// ValidateNetwork checks a CAIP-2 network identifier.
func ValidateNetwork(network string) error {
	if !networkRegex.MatchString(network) {
		return Errorf(ErrCodeValidation, "invalid network: %s (expected namespace:reference)", network)
	}
	return nil
}

// ParseAmount parses a decimal token amount in smallest units.
// Negative or malformed values fail with a validation error.
func ParseAmount(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, Errorf(ErrCodeValidation, "amount cannot be empty")
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, Errorf(ErrCodeValidation, "invalid uint256: %s", amount)
	}
	if value.Sign() < 0 {
		return nil, Errorf(ErrCodeValidation, "amount cannot be negative: %s", amount)
	}
	return value, nil
}
