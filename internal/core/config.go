package core

import "time"

// Config carries the network and environment constants of the reconciler
type Config struct {
	// MinAmountToTransfer is the smallest base-token amount worth its own output;
	// smaller royalties are folded into the main bill payment.
	MinAmountToTransfer uint64
	// NetworkHRP maps a network name to its bech32 human-readable part.
	NetworkHRP map[string]string
	// TradeOrderLifetime bounds resting token trade orders.
	TradeOrderLifetime time.Duration
}

// DefaultConfig matches the public shimmer/iota networks.
func DefaultConfig() Config {
	return Config{
		MinAmountToTransfer: 50_600,
		NetworkHRP: map[string]string{
			"iota": "iota",
			"atoi": "atoi",
			"smr":  "smr",
			"rms":  "rms",
		},
		TradeOrderLifetime: 31 * 24 * time.Hour,
	}
}

// HRP returns the bech32 prefix for network, or "" when unknown.
func (c Config) HRP(network string) string {
	return c.NetworkHRP[network]
}
