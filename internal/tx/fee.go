package tx

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// Weight units of the fee model. Four weight units make one vbyte.
const (
	overheadWeight = 42  // version, locktime, counts, segwit marker and flag
	inputWeight    = 273 // P2WPKH input with its witness
	changeWeight   = 4 * txsizes.P2WPKHOutputSize
)

// OutputKind is the closed set of destination output types the builder
// can pay to.
type OutputKind int

const (
	KindP2WPKH OutputKind = iota
	KindP2PKH
	KindP2SH
)

func (k OutputKind) String() string {
	switch k {
	case KindP2WPKH:
		return "p2wpkh"
	case KindP2PKH:
		return "p2pkh"
	case KindP2SH:
		return "p2sh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// kindOf classifies a decoded destination address.
func kindOf(addr btcutil.Address) (OutputKind, error) {
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		return KindP2WPKH, nil
	case *btcutil.AddressPubKeyHash:
		return KindP2PKH, nil
	case *btcutil.AddressScriptHash:
		return KindP2SH, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedAddressType, addr)
	}
}

// outputVBytes returns the serialized size of an output of kind k paying
// to script.
func outputVBytes(k OutputKind, script []byte) (int64, error) {
	switch k {
	case KindP2WPKH:
		return txsizes.P2WPKHOutputSize, nil
	case KindP2PKH, KindP2SH:
		// value(8) + script length prefix and opcodes(2) + script
		return int64(8 + 2 + len(script)), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAddressType, k)
	}
}

// estimateWeight returns the weight of a transaction spending inputs P2WPKH
// outputs to one destination output and a presumed P2WPKH change output.
func estimateWeight(inputs int, k OutputKind, script []byte) (int64, error) {
	out, err := outputVBytes(k, script)
	if err != nil {
		return 0, err
	}
	return overheadWeight + inputWeight*int64(inputs) + 4*out + changeWeight, nil
}

// feeFor converts a weight to a fee at rate sat/vB, rounded up to the
// satoshi. The rate is fixed to msat/vB first so that a product that is a
// whole number of satoshis is not pushed up by float error.
func feeFor(rate float64, weight int64) int64 {
	msatPerVB := int64(math.Round(rate * 1000))
	return (msatPerVB*weight + 4*1000 - 1) / (4 * 1000)
}
