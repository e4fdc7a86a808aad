package txutils

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	ANCHOR_VALUE = 0
	// TxVersion is the version of every offchain and tree transaction, the
	// zero fee anchors rely on v3 relay policy.
	TxVersion = 3
)

// ANCHOR_PKSCRIPT is the pay-to-anchor output script, OP_1 <0x4e73>.
var ANCHOR_PKSCRIPT = []byte{0x51, 0x02, 0x4e, 0x73}

var ErrAnchorNotFound = errors.New("anchor output not found")

func AnchorOutput() *wire.TxOut {
	return &wire.TxOut{
		Value:    ANCHOR_VALUE,
		PkScript: ANCHOR_PKSCRIPT,
	}
}

func IsAnchor(out *wire.TxOut) bool {
	return bytes.Equal(out.PkScript, ANCHOR_PKSCRIPT)
}

// CountAnchors returns the number of P2A outputs of the tx.
func CountAnchors(tx *wire.MsgTx) int {
	count := 0
	for _, out := range tx.TxOut {
		if IsAnchor(out) {
			count++
		}
	}
	return count
}

func FindAnchorOutpoint(tx *wire.MsgTx) (*wire.OutPoint, error) {
	for i, out := range tx.TxOut {
		if IsAnchor(out) {
			return &wire.OutPoint{Hash: tx.TxHash(), Index: uint32(i)}, nil
		}
	}
	return nil, fmt.Errorf("%w in tx %s", ErrAnchorNotFound, tx.TxHash())
}

// ComputeVSize returns the virtual size of the tx, witness included.
func ComputeVSize(tx *wire.MsgTx) lntypes.VByte {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	weight := totalSize + baseSize*3
	return lntypes.WeightUnit(uint64(weight)).ToVB()
}

// PrevoutFetcher indexes the witness utxos of the packet inputs.
func PrevoutFetcher(ptx *psbt.Packet) (txscript.PrevOutputFetcher, error) {
	prevouts := make(map[wire.OutPoint]*wire.TxOut, len(ptx.Inputs))
	for i, input := range ptx.Inputs {
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("missing witness utxo for input %d", i)
		}
		prevouts[ptx.UnsignedTx.TxIn[i].PreviousOutPoint] = input.WitnessUtxo
	}
	return txscript.NewMultiPrevOutFetcher(prevouts), nil
}

// TapscriptSighash returns the message to sign for spending the input
// through the given leaf.
func TapscriptSighash(ptx *psbt.Packet, inIndex int, leafScript []byte) ([]byte, error) {
	fetcher, err := PrevoutFetcher(ptx)
	if err != nil {
		return nil, err
	}
	sighashType := ptx.Inputs[inIndex].SighashType
	if sighashType == 0 {
		sighashType = txscript.SigHashDefault
	}
	return txscript.CalcTapscriptSignaturehash(
		txscript.NewTxSigHashes(ptx.UnsignedTx, fetcher),
		sighashType,
		ptx.UnsignedTx,
		inIndex,
		fetcher,
		txscript.NewBaseTapLeaf(leafScript),
	)
}

// VerifyTapscriptSig checks that the input carries a valid signature of the
// key for its revealed leaf.
func VerifyTapscriptSig(ptx *psbt.Packet, inIndex int, key *btcec.PublicKey) error {
	input := ptx.Inputs[inIndex]
	if len(input.TaprootLeafScript) == 0 {
		return fmt.Errorf("input %d has no taproot leaf script", inIndex)
	}

	xonly := schnorr.SerializePubKey(key)
	var found *psbt.TaprootScriptSpendSig
	for _, sig := range input.TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, xonly) {
			found = sig
			break
		}
	}
	if found == nil {
		return fmt.Errorf("signature of %x not found for input %d", xonly, inIndex)
	}

	sig, err := schnorr.ParseSignature(found.Signature)
	if err != nil {
		return fmt.Errorf("failed to parse signature for input %d: %s", inIndex, err)
	}
	message, err := TapscriptSighash(ptx, inIndex, input.TaprootLeafScript[0].Script)
	if err != nil {
		return err
	}
	if !sig.Verify(message, key) {
		return fmt.Errorf("invalid signature of %x for input %d", xonly, inIndex)
	}
	return nil
}
