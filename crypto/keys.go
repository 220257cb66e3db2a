package crypto

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyAccount is a signing account backed by an in-memory secp256k1 key.
type KeyAccount struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeyAccount wraps a private key.
func NewKeyAccount(key *ecdsa.PrivateKey) (*KeyAccount, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return &KeyAccount{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateAccount creates an account with a fresh random key.
func GenerateAccount() (*KeyAccount, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeyAccount(key)
}

// AccountFromHex parses a hex encoded private key.
func AccountFromHex(hexKey string) (*KeyAccount, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewKeyAccount(key)
}

// Address returns the account address.
func (a *KeyAccount) Address() common.Address {
	return a.address
}

// SignTx signs tx for the supplied chain using the latest signer rules.
func (a *KeyAccount) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if chainID == nil {
		return nil, errors.New("crypto: chain id required")
	}
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), a.key)
}
