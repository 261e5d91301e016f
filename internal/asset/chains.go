package asset

import (
	"fmt"
	"sort"
	"time"
)

// Family is the blockchain family a chain belongs to. The two families
// differ in everything that matters to the queue processor: UTXO chains
// need phased spending, account chains need nonce serialization.
type Family string

const (
	FamilyUTXO    Family = "utxo"
	FamilyAccount Family = "account"
)

// Chain describes a supported blockchain and the coordinator's default
// confirmation policy for it.
type Chain struct {
	ID     string // btc, ltc, eth, polygon
	Name   string
	Family Family

	// BIP44 coin type for escrow derivation.
	CoinType uint32

	// EVM chain id; zero for UTXO chains.
	EVMChainID uint64

	// CollectConfirms is the depth at which a deposit counts toward locks.
	CollectConfirms int64
	// RequiredConfirms is the depth at which an outgoing transfer counts
	// as completed.
	RequiredConfirms int64

	// RecoveryAfter is how long a submitted transfer may sit at zero
	// confirmations before a fee-bumped replacement is broadcast.
	RecoveryAfter time.Duration
	// MaxRecoveryAttempts bounds fee-bump replacements before FAILED.
	MaxRecoveryAttempts int

	// AvgBlockTime sizes confirmation-poll intervals.
	AvgBlockTime time.Duration
}

// chainRegistry maps chain id -> Chain.
var chainRegistry = make(map[string]*Chain)

func registerChain(c *Chain) {
	chainRegistry[c.ID] = c
}

func init() {
	registerChain(&Chain{
		ID:                  "btc",
		Name:                "Bitcoin",
		Family:              FamilyUTXO,
		CoinType:            0,
		CollectConfirms:     6,
		RequiredConfirms:    3,
		RecoveryAfter:       30 * time.Minute,
		MaxRecoveryAttempts: 3,
		AvgBlockTime:        10 * time.Minute,
	})
	registerChain(&Chain{
		ID:                  "ltc",
		Name:                "Litecoin",
		Family:              FamilyUTXO,
		CoinType:            2,
		CollectConfirms:     6,
		RequiredConfirms:    3,
		RecoveryAfter:       15 * time.Minute,
		MaxRecoveryAttempts: 3,
		AvgBlockTime:        150 * time.Second,
	})
	registerChain(&Chain{
		ID:                  "eth",
		Name:                "Ethereum",
		Family:              FamilyAccount,
		CoinType:            60,
		EVMChainID:          1,
		CollectConfirms:     3,
		RequiredConfirms:    3,
		RecoveryAfter:       5 * time.Minute,
		MaxRecoveryAttempts: 5,
		AvgBlockTime:        12 * time.Second,
	})
	registerChain(&Chain{
		ID:                  "polygon",
		Name:                "Polygon",
		Family:              FamilyAccount,
		CoinType:            966,
		EVMChainID:          137,
		CollectConfirms:     64,
		RequiredConfirms:    64,
		RecoveryAfter:       5 * time.Minute,
		MaxRecoveryAttempts: 5,
		AvgBlockTime:        2 * time.Second,
	})
}

// GetChain returns the chain for an id.
func GetChain(id string) (*Chain, bool) {
	c, ok := chainRegistry[id]
	return c, ok
}

// MustGetChain returns the chain for an id or panics.
func MustGetChain(id string) *Chain {
	c, ok := chainRegistry[id]
	if !ok {
		panic(fmt.Sprintf("chain %q not registered", id))
	}
	return c
}

// ChainSupported reports whether the chain id is registered.
func ChainSupported(id string) bool {
	_, ok := chainRegistry[id]
	return ok
}

// ListChains returns all registered chain ids, sorted.
func ListChains() []string {
	ids := make([]string, 0, len(chainRegistry))
	for id := range chainRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChainOf resolves the chain an asset lives on.
func ChainOf(assetCode string) (*Chain, error) {
	a, ok := Get(assetCode)
	if !ok {
		return nil, fmt.Errorf("asset %q not registered", assetCode)
	}
	c, ok := GetChain(a.Chain)
	if !ok {
		return nil, fmt.Errorf("asset %q references unknown chain %q", assetCode, a.Chain)
	}
	return c, nil
}
