package keystore

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crossdeal-exchange/crossdeal/internal/config"
)

// litecoinMainNet carries the Litecoin mainnet constants btcutil needs for
// address encoding. Only the address and HD fields are populated; the params
// are never registered with btcd's global registry.
var litecoinMainNet = chaincfg.Params{
	Name:             "ltc-mainnet",
	Bech32HRPSegwit:  "ltc",
	PubKeyHashAddrID: 0x30, // L prefix
	ScriptHashAddrID: 0x32, // M prefix
	PrivateKeyID:     0xB0,
	HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
	HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub
	HDCoinType:       2,
}

var litecoinTestNet = chaincfg.Params{
	Name:             "ltc-testnet4",
	Bech32HRPSegwit:  "tltc",
	PubKeyHashAddrID: 0x6F, // m or n prefix
	ScriptHashAddrID: 0x3A, // Q prefix
	PrivateKeyID:     0xEF,
	HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
	HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub
	HDCoinType:       1,
}

// ChainParams returns the btcd chain parameters for a UTXO chain on the
// given network. EVM chains have no btcd parameters and return an error.
func ChainParams(chainID string, network config.NetworkType) (*chaincfg.Params, error) {
	switch chainID {
	case "btc":
		if network == config.NetworkTestnet {
			return &chaincfg.TestNet3Params, nil
		}
		return &chaincfg.MainNetParams, nil
	case "ltc":
		if network == config.NetworkTestnet {
			return &litecoinTestNet, nil
		}
		return &litecoinMainNet, nil
	default:
		return nil, fmt.Errorf("no UTXO chain parameters for %q", chainID)
	}
}
