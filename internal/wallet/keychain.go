package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/tyler-smith/go-bip32"
)

// Keychain derives BIP84 addresses and keys for one seed, caching the
// account-chain extended keys so deriving index N costs one child step.
type Keychain struct {
	seed     []byte
	coinType uint32
	params   *chaincfg.Params

	mu        sync.Mutex
	chainKeys map[chainKeyID]*bip32.Key
}

type chainKeyID struct {
	account uint32
	chain   models.Chain
}

// NewKeychain validates the seed and returns a keychain for the network.
func NewKeychain(seed []byte, coinType uint32, params *chaincfg.Params) (*Keychain, error) {
	if len(seed) < MinSeedSize || len(seed) > MaxSeedSize {
		return nil, fmt.Errorf("%w: seed must be %d-%d bytes, got %d", ErrKeyDerivation, MinSeedSize, MaxSeedSize, len(seed))
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &Keychain{
		seed:      s,
		coinType:  coinType,
		params:    params,
		chainKeys: make(map[chainKeyID]*bip32.Key),
	}, nil
}

// Params returns the chain parameters addresses are encoded for.
func (k *Keychain) Params() *chaincfg.Params {
	return k.params
}

// Path returns the BIP84 path for the given position.
func (k *Keychain) Path(account uint32, chain models.Chain, index uint32) DerivationPath {
	return NewPath(k.coinType, account, chain, index)
}

// PublicKey returns the compressed public key at the given position.
func (k *Keychain) PublicKey(account uint32, chain models.Chain, index uint32) ([]byte, error) {
	child, err := k.child(account, chain, index)
	if err != nil {
		return nil, err
	}
	return child.PublicKey().Key, nil
}

// PrivateKey returns the private key at the given position.
func (k *Keychain) PrivateKey(account uint32, chain models.Chain, index uint32) (*btcec.PrivateKey, error) {
	child, err := k.child(account, chain, index)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(privateKeyBytes(child))
	return priv, nil
}

// Address returns the bech32 P2WPKH address at the given position.
func (k *Keychain) Address(account uint32, chain models.Chain, index uint32) (string, error) {
	pub, err := k.PublicKey(account, chain, index)
	if err != nil {
		return "", err
	}
	return EncodeP2WPKH(pub, k.params)
}

func (k *Keychain) child(account uint32, chain models.Chain, index uint32) (*bip32.Key, error) {
	chainKey, err := k.chainKey(account, chain)
	if err != nil {
		return nil, err
	}
	child, err := chainKey.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("%w: derive index %d: %v", ErrKeyDerivation, index, err)
	}
	return child, nil
}

func (k *Keychain) chainKey(account uint32, chain models.Chain) (*bip32.Key, error) {
	id := chainKeyID{account: account, chain: chain}

	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.chainKeys[id]; ok {
		return key, nil
	}
	key, err := deriveChainKey(k.seed, PurposeBIP84, k.coinType, account, chain)
	if err != nil {
		return nil, err
	}
	k.chainKeys[id] = key
	return key, nil
}

// EncodeP2WPKH encodes a compressed public key as a native segwit address.
func EncodeP2WPKH(pubKey []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey), params)
	if err != nil {
		return "", fmt.Errorf("encode p2wpkh: %w", err)
	}
	return addr.EncodeAddress(), nil
}
