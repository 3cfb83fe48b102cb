package importer

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// DefaultGapLimit is the number of consecutive unused derivations the
// orchestrator probes before stopping an xpub fan-out, per spec.md
// §4.7 ("unused derivations up to a gap limit terminate the fan-out").
const DefaultGapLimit = 20

// IsXpub reports whether identifier looks like an extended public key
// rather than a plain address, the detection spec.md §4.7 delegates
// to a blockchain adapter's derivation helper.
func IsXpub(identifier string) bool {
	return strings.HasPrefix(identifier, "xpub") || strings.HasPrefix(identifier, "ypub") || strings.HasPrefix(identifier, "zpub")
}

// externalChainKey derives the external (BIP44 change=0) chain key
// below an account-level xpub, the level deriveAddressAtIndex indexes
// into.
func externalChainKey(xpub string) (*hdkeychain.ExtendedKey, error) {
	accountKey, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse xpub: %w", err)
	}
	chain, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive external chain: %w", err)
	}
	return chain, nil
}

// deriveAddressAtIndex derives a single P2PKH address at the given
// external-chain index, generalizing
// internal/services/address/bitcoin.go's
// key.ECPubKey→btcutil.NewAddressPubKey pipeline from per-altcoin
// signing addresses into an ingestion-only address lookup.
func deriveAddressAtIndex(chainKey *hdkeychain.ExtendedKey, index uint32) (string, error) {
	childKey, err := chainKey.Derive(index)
	if err != nil {
		return "", fmt.Errorf("derive child %d: %w", index, err)
	}

	pubKey, err := childKey.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("get public key for child %d: %w", index, err)
	}

	address, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("derive address for child %d: %w", index, err)
	}
	return address.EncodeAddress(), nil
}
