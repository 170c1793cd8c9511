package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyedAgent signs with a locally held private key. Used when the service
// operates a custodial account rather than talking to a user's wallet.
type KeyedAgent struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

func NewKeyedAgent(privateKeyHex string, chainID *big.Int) (*KeyedAgent, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &KeyedAgent{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// NewEphemeralAgent generates a throwaway key for development runs
// against the in-memory ledger.
func NewEphemeralAgent(chainID *big.Int) (*KeyedAgent, common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &KeyedAgent{key: key, address: addr, chainID: chainID}, addr, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (a *KeyedAgent) RequestAccount(context.Context) (common.Address, error) {
	return a.address, nil
}

func (a *KeyedAgent) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(a.chainID), nil
}

// SwitchChain succeeds only for the key's own network; a keyed agent has
// exactly one.
func (a *KeyedAgent) SwitchChain(_ context.Context, chainID *big.Int) error {
	if chainID.Cmp(a.chainID) == 0 {
		return nil
	}
	return ErrWrongNetwork
}

func (a *KeyedAgent) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
}
