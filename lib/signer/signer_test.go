package signer

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

func TestEthereumVector(t *testing.T) {
	keys, err := FromMnemonic(strings.Repeat("abandon ", 11) + "about")
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", keys.EthAddress.Hex())
}

func TestNostrVector(t *testing.T) {
	keys, err := FromMnemonic("leader monkey parrot ring guide accident before fence cannon height naive bean")
	require.NoError(t, err)
	assert.Equal(t, "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a", keys.NostrSecret)
	assert.Equal(t, "17162c921dc4d2518f9a101db33695df1afb56ab82f5ff3e5da6eec3ca5cd917", keys.NostrPublic)
	assert.True(t, strings.HasPrefix(keys.Npub, "npub1"))
}

func TestNewMnemonicDerives(t *testing.T) {
	m, err := NewMnemonic()
	require.NoError(t, err)
	assert.Len(t, strings.Fields(m), 24)

	a, err := FromMnemonic(m)
	require.NoError(t, err)
	b, err := FromMnemonic("  " + strings.ReplaceAll(m, " ", "   ") + "\n")
	require.NoError(t, err)
	assert.Equal(t, a.EthAddress, b.EthAddress)
	assert.Equal(t, a.NostrSecret, b.NostrSecret)
}

func TestInvalidMnemonic(t *testing.T) {
	_, err := FromMnemonic("not a real phrase")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestLoadEthKey(t *testing.T) {
	_, err := LoadEthKey("", "")
	assert.ErrorIs(t, err, ErrNoSigner)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(crypto.FromECDSA(key))
	loaded, err := LoadEthKey(hexKey, "")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))

	fromPhrase, err := LoadEthKey("", strings.Repeat("abandon ", 11)+"about")
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", crypto.PubkeyToAddress(fromPhrase.PublicKey).Hex())

	_, err = LoadEthKey("zz", "")
	assert.Error(t, err)
}

func TestDeriveMatchesAccountZero(t *testing.T) {
	seed := bip39.NewSeed(strings.Repeat("abandon ", 11)+"about", "")

	key, err := derive(seed, EthereumPath)
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", crypto.PubkeyToAddress(key.ToECDSA().PublicKey).Hex())

	_, err = derive(seed, "m/44'/x")
	assert.Error(t, err)
}
