package script

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	HrpMainnet = "ark"
	HrpTestnet = "tark"

	addressVersion = 0
)

var ErrInvalidAddress = errors.New("invalid ark address")

// Address is an offchain receive address: the server signer key and the
// taproot output key of the VTXO script.
type Address struct {
	HRP        string
	Version    uint8
	Signer     *btcec.PublicKey
	VtxoTapKey *btcec.PublicKey
}

// NewAddress returns the address of the given tap tree for a server signer.
func NewAddress(hrp string, signer *btcec.PublicKey, tree *TapTree) *Address {
	return &Address{
		HRP:        hrp,
		Version:    addressVersion,
		Signer:     signer,
		VtxoTapKey: tree.OutputKey,
	}
}

// Encode returns the bech32m string of the address.
func (a *Address) Encode() (string, error) {
	if a.Signer == nil || a.VtxoTapKey == nil {
		return "", fmt.Errorf("%w: missing key", ErrInvalidAddress)
	}
	payload := make([]byte, 0, 65)
	payload = append(payload, a.Version)
	payload = append(payload, schnorr.SerializePubKey(a.Signer)...)
	payload = append(payload, schnorr.SerializePubKey(a.VtxoTapKey)...)

	grouped, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.EncodeM(a.HRP, grouped)
}

// PkScript is the output script paying to the address.
func (a *Address) PkScript() ([]byte, error) {
	return P2TRScript(a.VtxoTapKey)
}

// Equals compares the keys of two addresses, ignoring the network prefix.
func (a *Address) Equals(other *Address) bool {
	return a.Version == other.Version &&
		bytes.Equal(schnorr.SerializePubKey(a.Signer), schnorr.SerializePubKey(other.Signer)) &&
		bytes.Equal(
			schnorr.SerializePubKey(a.VtxoTapKey), schnorr.SerializePubKey(other.VtxoTapKey),
		)
}

// DecodeAddress parses a bech32m encoded address.
func DecodeAddress(addr string) (*Address, error) {
	// Addresses are longer than the 90 chars bech32 allows.
	hrp, grouped, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	if hrp != HrpMainnet && hrp != HrpTestnet {
		return nil, fmt.Errorf("%w: unknown prefix %s", ErrInvalidAddress, hrp)
	}

	payload, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	if len(payload) != 65 {
		return nil, fmt.Errorf("%w: invalid payload length %d", ErrInvalidAddress, len(payload))
	}
	if payload[0] != addressVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidAddress, payload[0])
	}

	signer, err := schnorr.ParsePubKey(payload[1:33])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signer key: %s", ErrInvalidAddress, err)
	}
	vtxoKey, err := schnorr.ParsePubKey(payload[33:])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid vtxo key: %s", ErrInvalidAddress, err)
	}
	return &Address{HRP: hrp, Version: payload[0], Signer: signer, VtxoTapKey: vtxoKey}, nil
}

// SubDustScript returns the unspendable output script used for amounts below
// dust: OP_RETURN followed by the x-only key of the receiver.
func SubDustScript(key *btcec.PublicKey) ([]byte, error) {
	return NewProgramBuilder().
		AddOp(OP_RETURN).
		AddData(schnorr.SerializePubKey(key)).
		Script()
}

// IsSubDustScript returns whether the script was produced by SubDustScript.
func IsSubDustScript(pkScript []byte) bool {
	return len(pkScript) == 34 && pkScript[0] == byte(OP_RETURN) && pkScript[1] == byte(OP_DATA_32)
}
