package keystore

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/config"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
)

// ErrSeedMissing is returned by Open when no seed file exists yet. The
// operator must run the init command first so the mnemonic can be backed up.
var ErrSeedMissing = errors.New("keystore: seed file not found")

// BIP43 purpose fields. UTXO escrows use BIP84 native SegWit paths, EVM
// escrows use the conventional BIP44 path.
const (
	purposeSegwit = 84
	purposeBIP44  = 44
)

// Keystore derives escrow keys from a single BIP39 master seed. Every deal
// side maps to a fixed derivation path computed from the deal id, so escrow
// addresses can be re-derived after a restart or a restore from mnemonic.
type Keystore struct {
	masterKey *hdkeychain.ExtendedKey
	network   config.NetworkType

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// New creates a keystore from a BIP39 mnemonic.
func New(mnemonic string, network config.NetworkType) (*Keystore, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")

	// Master key derivation only needs curve math; the BTC params are
	// used for extended key serialization, which we never expose.
	params := &chaincfg.MainNetParams
	if network == config.NetworkTestnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Keystore{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Open loads the encrypted seed file at path and decrypts it with the
// passphrase. Returns ErrSeedMissing when the file does not exist.
func Open(path, passphrase string, network config.NetworkType) (*Keystore, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSeedMissing
		}
		return nil, fmt.Errorf("failed to stat seed file: %w", err)
	}

	encrypted, err := LoadEncryptedSeed(path)
	if err != nil {
		return nil, err
	}

	mnemonic, err := DecryptMnemonic(encrypted, passphrase)
	if err != nil {
		return nil, err
	}

	return New(mnemonic, network)
}

// Init generates a fresh mnemonic, saves it encrypted to path and returns
// the opened keystore together with the mnemonic. The mnemonic is returned
// exactly once; the caller must display it for backup and then discard it.
func Init(path, passphrase string, network config.NetworkType) (*Keystore, string, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, "", fmt.Errorf("seed file already exists at %s", path)
	}

	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return nil, "", err
	}

	encrypted, err := EncryptMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, "", err
	}

	if err := SaveEncryptedSeed(encrypted, path); err != nil {
		return nil, "", err
	}

	ks, err := New(mnemonic, network)
	if err != nil {
		return nil, "", err
	}

	return ks, mnemonic, nil
}

// Network returns the keystore's network (mainnet/testnet).
func (k *Keystore) Network() config.NetworkType {
	return k.network
}

// EscrowKey is a derived escrow key pair with its encoded deposit address.
type EscrowKey struct {
	Chain   string
	Party   deal.Party
	Address string
	Path    string

	priv *btcec.PrivateKey
}

// PrivKey returns the escrow private key.
func (e *EscrowKey) PrivKey() *btcec.PrivateKey { return e.priv }

// PubKey returns the escrow public key.
func (e *EscrowKey) PubKey() *btcec.PublicKey { return e.priv.PubKey() }

// ECDSA returns the private key in crypto/ecdsa form for EVM signing.
func (e *EscrowKey) ECDSA() *ecdsa.PrivateKey { return e.priv.ToECDSA() }

// EscrowFor derives the escrow key for one side of a deal.
//
// The account and index fields are the first eight bytes of SHA-256(dealID)
// masked to 31 bits, and the change field encodes the party (A=0, B=1):
//
//	UTXO: m/84'/coin'/account'/party/index  (P2WPKH)
//	EVM:  m/44'/coin'/account'/party/index
//
// The same (chain, dealID, party) always yields the same address.
func (k *Keystore) EscrowFor(chainID, dealID string, party deal.Party) (*EscrowKey, error) {
	chain, ok := asset.GetChain(chainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chainID)
	}
	if !party.Valid() {
		return nil, fmt.Errorf("invalid party %q", party)
	}
	if dealID == "" {
		return nil, fmt.Errorf("empty deal id")
	}

	account, index := dealIndexes(dealID)
	change := uint32(0)
	if party == deal.PartyB {
		change = 1
	}

	purpose := uint32(purposeBIP44)
	coin := chain.CoinType
	if chain.Family == asset.FamilyUTXO {
		purpose = purposeSegwit
		if k.network == config.NetworkTestnet {
			coin = 1 // BIP44 testnet coin type for all Bitcoin-family chains
		}
	}

	key, err := k.deriveKey(purpose, coin, account, change, index)
	if err != nil {
		return nil, err
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	var address string
	switch chain.Family {
	case asset.FamilyUTXO:
		address, err = p2wpkhAddress(priv.PubKey(), chainID, k.network)
		if err != nil {
			return nil, err
		}
	case asset.FamilyAccount:
		address = PublicKeyToEVMAddress(priv.PubKey())
	default:
		return nil, fmt.Errorf("unsupported chain family %q", chain.Family)
	}

	return &EscrowKey{
		Chain:   chainID,
		Party:   party,
		Address: address,
		Path:    fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coin, account, change, index),
		priv:    priv,
	}, nil
}

// OperationalKey derives the chain's operational account at
// m/44'/coin'/0'/0/0. Account chains use it as the gas tank that fronts
// native coin for token transfers out of escrows.
func (k *Keystore) OperationalKey(chainID string) (*EscrowKey, error) {
	chain, ok := asset.GetChain(chainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chainID)
	}

	key, err := k.deriveKey(purposeBIP44, chain.CoinType, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	var address string
	switch chain.Family {
	case asset.FamilyUTXO:
		address, err = p2wpkhAddress(priv.PubKey(), chainID, k.network)
		if err != nil {
			return nil, err
		}
	case asset.FamilyAccount:
		address = PublicKeyToEVMAddress(priv.PubKey())
	default:
		return nil, fmt.Errorf("unsupported chain family %q", chain.Family)
	}

	return &EscrowKey{
		Chain:   chainID,
		Address: address,
		Path:    fmt.Sprintf("m/%d'/%d'/0'/0/0", purposeBIP44, chain.CoinType),
		priv:    priv,
	}, nil
}

// dealIndexes maps a deal id to the hardened account and the address index
// of its derivation path. 31-bit masks keep both below HardenedKeyStart.
func dealIndexes(dealID string) (account, index uint32) {
	h := sha256.Sum256([]byte(dealID))
	account = binary.BigEndian.Uint32(h[0:4]) & 0x7fffffff
	index = binary.BigEndian.Uint32(h[4:8]) & 0x7fffffff
	return account, index
}

// deriveKey derives m/purpose'/coin'/account'/change/index.
func (k *Keystore) deriveKey(purpose, coin, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	cacheKey := fmt.Sprintf("%d/%d/%d/%d/%d", purpose, coin, account, change, index)

	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.cache[cacheKey]; ok {
		return key, nil
	}

	// m/purpose' (hardened)
	purposeKey, err := k.masterKey.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose: %w", err)
	}

	// m/purpose'/coin' (hardened)
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + coin)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin: %w", err)
	}

	// m/purpose'/coin'/account' (hardened)
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}

	// m/purpose'/coin'/account'/change (non-hardened)
	changeKey, err := accountKey.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}

	// m/purpose'/coin'/account'/change/index (non-hardened)
	key, err := changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index: %w", err)
	}

	k.cache[cacheKey] = key
	return key, nil
}

// p2wpkhAddress encodes a native SegWit address for a UTXO chain.
func p2wpkhAddress(pubKey *btcec.PublicKey, chainID string, network config.NetworkType) (string, error) {
	params, err := ChainParams(chainID, network)
	if err != nil {
		return "", err
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ValidateAddress checks whether an address is plausible for a chain on the
// keystore's network. For UTXO chains it must decode against the chain
// parameters; for EVM chains it must be 20 hex bytes with a valid EIP-55
// checksum when mixed case is used.
func (k *Keystore) ValidateAddress(chainID, address string) bool {
	chain, ok := asset.GetChain(chainID)
	if !ok {
		return false
	}

	switch chain.Family {
	case asset.FamilyUTXO:
		params, err := ChainParams(chainID, k.network)
		if err != nil {
			return false
		}
		_, err = btcutil.DecodeAddress(address, params)
		return err == nil
	case asset.FamilyAccount:
		return ValidateEVMAddress(address) && IsChecksumValid(address)
	default:
		return false
	}
}
