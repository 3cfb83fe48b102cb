package importer

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestIsXpub(t *testing.T) {
	require.True(t, IsXpub("xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz"))
	require.False(t, IsXpub("0x1234567890abcdef"))
	require.False(t, IsXpub("bc1qxyz"))
}

func TestDeriveAddressAtIndexIsDeterministic(t *testing.T) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	require.NoError(t, err)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	neutered, err := master.Neuter()
	require.NoError(t, err)

	chainKey, err := neutered.Derive(0)
	require.NoError(t, err)

	a1, err := deriveAddressAtIndex(chainKey, 0)
	require.NoError(t, err)
	a2, err := deriveAddressAtIndex(chainKey, 0)
	require.NoError(t, err)
	require.Equal(t, a1, a2, "deriving the same index twice must yield the same address")

	a3, err := deriveAddressAtIndex(chainKey, 1)
	require.NoError(t, err)
	require.NotEqual(t, a1, a3)
}
