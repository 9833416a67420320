// Package wallet implements BIP32/BIP84 key derivation for the wallet engine.
package wallet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/tyler-smith/go-bip32"
)

// ErrKeyDerivation is returned for structurally invalid seeds or paths.
var ErrKeyDerivation = errors.New("key derivation")

// PurposeBIP84 is the purpose field for native segwit (P2WPKH) wallets.
const PurposeBIP84 = 84

// BIP32 seed bounds, in bytes.
const (
	MinSeedSize = 16
	MaxSeedSize = 64
)

// DerivationPath is m / purpose' / coin_type' / account' / chain / index.
type DerivationPath struct {
	Purpose  uint32
	CoinType uint32
	Account  uint32
	Chain    models.Chain
	Index    uint32
}

// NewPath returns a BIP84 path.
func NewPath(coinType, account uint32, chain models.Chain, index uint32) DerivationPath {
	return DerivationPath{
		Purpose:  PurposeBIP84,
		CoinType: coinType,
		Account:  account,
		Chain:    chain,
		Index:    index,
	}
}

func (p DerivationPath) String() string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.Purpose, p.CoinType, p.Account, uint32(p.Chain), p.Index)
}

// ParsePath parses a path such as m/84'/0'/0'/0/5. The first three levels
// must be hardened, the last two must not.
func ParsePath(s string) (DerivationPath, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 6 || parts[0] != "m" {
		return DerivationPath{}, fmt.Errorf("%w: path %q must have the form m/purpose'/coin'/account'/chain/index", ErrKeyDerivation, s)
	}

	var levels [5]uint32
	for i, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		if hardened != (i < 3) {
			return DerivationPath{}, fmt.Errorf("%w: level %d of %q has wrong hardening", ErrKeyDerivation, i+1, s)
		}
		part = strings.TrimRight(part, "'h")
		n, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return DerivationPath{}, fmt.Errorf("%w: level %d of %q: %v", ErrKeyDerivation, i+1, s, err)
		}
		levels[i] = uint32(n)
	}

	if levels[3] > uint32(models.ChainChange) {
		return DerivationPath{}, fmt.Errorf("%w: chain must be 0 or 1, got %d", ErrKeyDerivation, levels[3])
	}

	return DerivationPath{
		Purpose:  levels[0],
		CoinType: levels[1],
		Account:  levels[2],
		Chain:    models.Chain(levels[3]),
		Index:    levels[4],
	}, nil
}

// DerivePublicKey returns the compressed public key at path.
func DerivePublicKey(seed []byte, path DerivationPath) ([]byte, error) {
	key, err := deriveKey(seed, path)
	if err != nil {
		return nil, err
	}
	return key.PublicKey().Key, nil
}

// DerivePrivateKey returns the private key at path.
func DerivePrivateKey(seed []byte, path DerivationPath) (*btcec.PrivateKey, error) {
	key, err := deriveKey(seed, path)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(privateKeyBytes(key))
	return priv, nil
}

// deriveKey derives the extended private key at path from a BIP-39 seed.
func deriveKey(seed []byte, path DerivationPath) (*bip32.Key, error) {
	chainKey, err := deriveChainKey(seed, path.Purpose, path.CoinType, path.Account, path.Chain)
	if err != nil {
		return nil, err
	}
	child, err := chainKey.NewChildKey(path.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: derive index: %v", ErrKeyDerivation, err)
	}
	return child, nil
}

// deriveChainKey derives m/purpose'/coin'/account'/chain.
func deriveChainKey(seed []byte, purpose, coinType, account uint32, chain models.Chain) (*bip32.Key, error) {
	if len(seed) < MinSeedSize || len(seed) > MaxSeedSize {
		return nil, fmt.Errorf("%w: seed must be %d-%d bytes, got %d", ErrKeyDerivation, MinSeedSize, MaxSeedSize, len(seed))
	}
	if chain != models.ChainReceive && chain != models.ChainChange {
		return nil, fmt.Errorf("%w: unknown chain %d", ErrKeyDerivation, uint32(chain))
	}

	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", ErrKeyDerivation, err)
	}

	// m/purpose'
	purposeKey, err := masterKey.NewChildKey(bip32.FirstHardenedChild + purpose)
	if err != nil {
		return nil, fmt.Errorf("%w: derive purpose: %v", ErrKeyDerivation, err)
	}

	// m/purpose'/coin'
	coin, err := purposeKey.NewChildKey(bip32.FirstHardenedChild + coinType)
	if err != nil {
		return nil, fmt.Errorf("%w: derive coin: %v", ErrKeyDerivation, err)
	}

	// m/purpose'/coin'/account'
	acct, err := coin.NewChildKey(bip32.FirstHardenedChild + account)
	if err != nil {
		return nil, fmt.Errorf("%w: derive account: %v", ErrKeyDerivation, err)
	}

	// m/purpose'/coin'/account'/chain
	chainKey, err := acct.NewChildKey(uint32(chain))
	if err != nil {
		return nil, fmt.Errorf("%w: derive chain: %v", ErrKeyDerivation, err)
	}
	return chainKey, nil
}

// privateKeyBytes returns the raw 32-byte private key.
func privateKeyBytes(key *bip32.Key) []byte {
	raw := key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}
