// Package asset defines the static registries of supported assets and
// chains. All chain-specific constants live here; runtime configuration can
// override confirmation thresholds per deployment but never the tables.
package asset

import (
	"fmt"
	"sort"

	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// Asset describes a tradeable asset: a chain-native coin or an ERC-20 token.
type Asset struct {
	Code     string // BTC, USDC, etc.
	Name     string // full name
	Chain    string // chain id from the chain registry
	Decimals int32  // amount scale
	Native   bool   // true for the chain's native coin
	Contract string // ERC-20 contract address, account chains only
	MinSend  string // minimum sendable amount (dust floor), decimal string
}

// Scale returns the asset's decimal scale.
func (a *Asset) Scale() int32 { return a.Decimals }

// MinSendAmount returns the dust floor as a decimal.
func (a *Asset) MinSendAmount() money.Amount {
	return money.MustParse(a.MinSend)
}

// assetRegistry maps asset code -> Asset.
var assetRegistry = make(map[string]*Asset)

func registerAsset(a *Asset) {
	assetRegistry[a.Code] = a
}

func init() {
	// UTXO natives
	registerAsset(&Asset{
		Code:     "BTC",
		Name:     "Bitcoin",
		Chain:    "btc",
		Decimals: 8,
		Native:   true,
		MinSend:  "0.00000546",
	})
	registerAsset(&Asset{
		Code:     "LTC",
		Name:     "Litecoin",
		Chain:    "ltc",
		Decimals: 8,
		Native:   true,
		MinSend:  "0.00000546",
	})

	// Account-chain natives
	registerAsset(&Asset{
		Code:     "ETH",
		Name:     "Ether",
		Chain:    "eth",
		Decimals: 18,
		Native:   true,
		MinSend:  "0.000000001",
	})
	registerAsset(&Asset{
		Code:     "MATIC",
		Name:     "Polygon",
		Chain:    "polygon",
		Decimals: 18,
		Native:   true,
		MinSend:  "0.000000001",
	})

	// ERC-20 on Ethereum mainnet
	registerAsset(&Asset{
		Code:     "USDC",
		Name:     "USD Coin",
		Chain:    "eth",
		Decimals: 6,
		Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		MinSend:  "0.000001",
	})
	registerAsset(&Asset{
		Code:     "USDT",
		Name:     "Tether USD",
		Chain:    "eth",
		Decimals: 6,
		Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		MinSend:  "0.000001",
	})
	registerAsset(&Asset{
		Code:     "DAI",
		Name:     "Dai Stablecoin",
		Chain:    "eth",
		Decimals: 18,
		Contract: "0x6B175474E89094C44Da98b954EA9e8cDdCB5BE38",
		MinSend:  "0.000000001",
	})
}

// Get returns the asset for a code.
func Get(code string) (*Asset, bool) {
	a, ok := assetRegistry[code]
	return a, ok
}

// MustGet returns the asset for a code or panics. For call sites that have
// already validated the code against the registry.
func MustGet(code string) *Asset {
	a, ok := assetRegistry[code]
	if !ok {
		panic(fmt.Sprintf("asset %q not registered", code))
	}
	return a
}

// IsSupported reports whether the asset code is registered.
func IsSupported(code string) bool {
	_, ok := assetRegistry[code]
	return ok
}

// List returns all registered asset codes, sorted.
func List() []string {
	codes := make([]string, 0, len(assetRegistry))
	for code := range assetRegistry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// NativeOf returns the native asset of the given chain.
func NativeOf(chainID string) (*Asset, bool) {
	for _, a := range assetRegistry {
		if a.Chain == chainID && a.Native {
			return a, true
		}
	}
	return nil, false
}

// OnChain returns all assets registered for a chain.
func OnChain(chainID string) []*Asset {
	var assets []*Asset
	for _, a := range assetRegistry {
		if a.Chain == chainID {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Code < assets[j].Code })
	return assets
}
