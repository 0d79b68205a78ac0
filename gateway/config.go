package gateway

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	cheddr "github.com/cheddr-labs/cheddr-go"
	"github.com/cheddr-labs/cheddr-go/channel"
)

// Config is the gateway's immutable configuration, built once at startup and
// passed in; nothing reads the environment mid-request.
type Config struct {
	ListenAddr     string
	FacilitatorURL string
	SequencerURL   string
	UpstreamURL    string

	ChainID        uint64
	ChannelManager string
	Asset          string
	PayTo          string

	Price      string
	DummyPrice string

	MaxTimeoutSeconds    int
	TimestampSkewSeconds uint64
	MaxRecipients        int
	HealthTimeout        time.Duration

	BootstrapExpiry time.Duration
	BootstrapAmount string
}

// bootstrapAmountMultiplier scales the route price into a suggested opening
// deposit when no explicit bootstrap amount is configured.
const bootstrapAmountMultiplier = 10

// defaultBootstrapAmount is the opening deposit fallback when the price
// cannot be parsed (1e7 smallest units).
const defaultBootstrapAmount = "10000000"

// ConfigFromEnv builds the gateway configuration from the environment.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:           ":" + envOr("PORT", "4000"),
		FacilitatorURL:       envOr("FACILITATOR_URL", "http://facilitator:8080"),
		SequencerURL:         envOr("SEQUENCER_URL", "http://sequencer:4001"),
		UpstreamURL:          envOr("NOMINATIM_URL", "http://nominatim:8080"),
		ChainID:              envUint("CHAIN_ID", 31337),
		ChannelManager:       os.Getenv("CHANNEL_MANAGER_ADDRESS"),
		Asset:                os.Getenv("USDC_ADDRESS"),
		PayTo:                os.Getenv("PAY_TO_ADDRESS"),
		Price:                envOr("PRICE", "1000000"),
		DummyPrice:           envOr("DUMMY_PRICE", "1"),
		MaxTimeoutSeconds:    int(envUint("MAX_TIMEOUT_SECONDS", 900)),
		TimestampSkewSeconds: envUint("TIMESTAMP_SKEW_SECONDS", 900),
		MaxRecipients:        int(envUint("MAX_RECIPIENTS", 30)),
		HealthTimeout:        time.Duration(envUint("HEALTH_TIMEOUT_MS", 1500)) * time.Millisecond,
		BootstrapExpiry:      time.Duration(envUint("CHANNEL_BOOTSTRAP_EXPIRY_SECONDS", 24*60*60)) * time.Second,
		BootstrapAmount:      os.Getenv("CHANNEL_BOOTSTRAP_AMOUNT"),
	}
	return cfg, cfg.Validate()
}

// Validate checks that every address-bearing field is usable.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"CHANNEL_MANAGER_ADDRESS": c.ChannelManager,
		"USDC_ADDRESS":            c.Asset,
		"PAY_TO_ADDRESS":          c.PayTo,
	} {
		if addr == "" {
			return cheddr.Errorf(cheddr.ErrCodeValidation, "%s is not set", name)
		}
		if err := cheddr.ValidateAddress(addr); err != nil {
			return cheddr.Errorf(cheddr.ErrCodeValidation, "%s: %v", name, err)
		}
	}
	if _, err := cheddr.ParseAmount(c.Price); err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "PRICE: %v", err)
	}
	return nil
}

// Network returns the CAIP-2 network identifier for the configured chain.
func (c *Config) Network() string {
	return fmt.Sprintf("eip155:%d", c.ChainID)
}

// Domain returns the wire-form signing domain bound to the channel manager.
func (c *Config) Domain() cheddr.SigningDomain {
	return cheddr.SigningDomain{
		Name:              channel.DomainName,
		Version:           channel.DomainVersion,
		ChainID:           c.ChainID,
		VerifyingContract: c.ChannelManager,
	}
}

// bootstrapAmount suggests an opening deposit for a payer without a channel.
func (c *Config) bootstrapAmount(price string) string {
	if c.BootstrapAmount != "" {
		return c.BootstrapAmount
	}
	value, err := cheddr.ParseAmount(price)
	if err != nil {
		return defaultBootstrapAmount
	}
	return new(big.Int).Mul(value, big.NewInt(bootstrapAmountMultiplier)).String()
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
