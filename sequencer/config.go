package sequencer

import (
	"os"
	"strconv"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

// Config is the sequencer's startup configuration.
type Config struct {
	ListenAddr     string
	ChainID        uint64
	ChannelManager string

	// PrivateKey countersigns accepted channel states. Required.
	PrivateKey string

	// DatabaseURL enables Postgres persistence when set.
	DatabaseURL string

	// RPCURL enables on-chain channel discovery when set.
	RPCURL string

	TimestampSkewSeconds uint64
	MaxRecipients        int
}

// ConfigFromEnv builds the sequencer configuration from the environment.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:           ":" + envOr("PORT", "4001"),
		ChainID:              envUint("CHAIN_ID", 31337),
		ChannelManager:       os.Getenv("CHANNEL_MANAGER_ADDRESS"),
		PrivateKey:           os.Getenv("SEQUENCER_PRIVATE_KEY"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RPCURL:               os.Getenv("RPC_URL"),
		TimestampSkewSeconds: envUint("TIMESTAMP_SKEW_SECONDS", 900),
		MaxRecipients:        int(envUint("MAX_RECIPIENTS", 30)),
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "SEQUENCER_PRIVATE_KEY is not set")
	}
	if c.ChannelManager == "" {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "CHANNEL_MANAGER_ADDRESS is not set")
	}
	if err := cheddr.ValidateAddress(c.ChannelManager); err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "CHANNEL_MANAGER_ADDRESS: %v", err)
	}
	return nil
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
