// Package signer derives the service's signing keys from a BIP-39 mnemonic.
// The Ethereum key follows m/44'/60'/0'/0/0 and the nostr key follows NIP-06
// (m/44'/1237'/0'/0/0), so one backed-up phrase restores both.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/tyler-smith/go-bip39"
)

const (
	EthereumPath = "m/44'/60'/0'/0/0"
	NostrPath    = "m/44'/1237'/0'/0/0"
)

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrNoSigner        = errors.New("no signer key configured")
)

// Keys is everything derived from one mnemonic.
type Keys struct {
	Mnemonic    string            `json:"mnemonic"`
	EthAddress  common.Address    `json:"ethAddress"`
	EthKey      *ecdsa.PrivateKey `json:"-"`
	NostrSecret string            `json:"-"`
	NostrPublic string            `json:"nostrPublic"`
	Npub        string            `json:"npub"`
}

// NewMnemonic returns a fresh 24 word phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

func FromMnemonic(mnemonic string) (*Keys, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")

	ethPriv, err := derive(seed, EthereumPath)
	if err != nil {
		return nil, err
	}
	ethKey := ethPriv.ToECDSA()

	nostrPriv, err := derive(seed, NostrPath)
	if err != nil {
		return nil, err
	}
	sk := hex.EncodeToString(nostrPriv.Serialize())
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid nostr key: %w", err)
	}
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return nil, err
	}

	return &Keys{
		Mnemonic:    mnemonic,
		EthAddress:  crypto.PubkeyToAddress(ethKey.PublicKey),
		EthKey:      ethKey,
		NostrSecret: sk,
		NostrPublic: pk,
		Npub:        npub,
	}, nil
}

// LoadEthKey resolves the transaction signer from configuration. A raw hex
// key wins over a mnemonic.
func LoadEthKey(privateKeyHex, mnemonic string) (*ecdsa.PrivateKey, error) {
	if key := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"); key != "" {
		k, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("invalid signer private key: %w", err)
		}
		return k, nil
	}
	if strings.TrimSpace(mnemonic) == "" {
		return nil, ErrNoSigner
	}
	keys, err := FromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	return keys.EthKey, nil
}

// derive walks path from the BIP-32 master key of seed and returns the
// private key at its end.
func derive(seed []byte, path string) (*btcec.PrivateKey, error) {
	indexes, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	for _, index := range indexes {
		if key, err = key.Derive(index); err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
	}
	return key.ECPrivKey()
}
