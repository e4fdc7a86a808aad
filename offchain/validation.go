package offchain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrCheckpointCount      = errors.New("number of checkpoints does not match the number of inputs")
	ErrUnknownCheckpoint    = errors.New("virtual tx input does not spend a checkpoint")
	ErrDuplicateCheckpoint  = errors.New("checkpoint spent more than once")
	ErrInvalidCheckpoint    = errors.New("invalid checkpoint tx")
	ErrInvalidCheckpointOut = errors.New("checkpoint output does not commit to the unroll closure")
	ErrLeafNotInTapTree     = errors.New("revealed leaf is not part of the input tap tree")
	ErrInvalidControlBlock  = errors.New("control block does not commit to the spent output")
	ErrMissingWitnessUtxo   = errors.New("missing witness utxo")
	ErrPrevoutMismatch      = errors.New("witness utxo does not match the spent output")
	ErrInvalidAnchor        = errors.New("tx must have exactly one anchor output")
	ErrUnbalancedCheckpoint = errors.New("checkpoint output amount does not match its input")
)

// ValidateTxGraph checks a virtual tx and its checkpoints received from the
// network. Every virtual tx input spends output 0 of exactly one checkpoint,
// every checkpoint spends a single vtxo through a leaf of its tap tree into an
// output committing to the unroll closure and that leaf, and amounts balance.
// The virtual tx outputs may be lower than its inputs, the difference being
// the offchain fee. Any failure rejects the whole graph.
func ValidateTxGraph(
	arkTx *psbt.Packet, checkpoints []*psbt.Packet, unroll *script.CSVMultisigClosure,
) error {
	if arkTx == nil {
		return fmt.Errorf("%w: missing virtual tx", ErrMissingInputs)
	}
	if unroll == nil {
		return ErrMissingUnrollClosure
	}
	unrollScript, err := unroll.Script()
	if err != nil {
		return err
	}

	if len(arkTx.UnsignedTx.TxIn) != len(checkpoints) {
		return fmt.Errorf(
			"%w: %d inputs, %d checkpoints", ErrCheckpointCount,
			len(arkTx.UnsignedTx.TxIn), len(checkpoints),
		)
	}
	if txutils.CountAnchors(arkTx.UnsignedTx) != 1 {
		return fmt.Errorf("%w: virtual tx %s", ErrInvalidAnchor, arkTx.UnsignedTx.TxID())
	}

	checkpointsByTxid := make(map[string]*psbt.Packet, len(checkpoints))
	for _, checkpoint := range checkpoints {
		if checkpoint == nil {
			return fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
		}
		txid := checkpoint.UnsignedTx.TxID()
		if _, ok := checkpointsByTxid[txid]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, txid)
		}
		checkpointsByTxid[txid] = checkpoint
	}

	inputsAmount := int64(0)
	spent := make(map[string]bool, len(checkpoints))
	for i, txIn := range arkTx.UnsignedTx.TxIn {
		prevout := txIn.PreviousOutPoint
		checkpoint, ok := checkpointsByTxid[prevout.Hash.String()]
		if !ok || prevout.Index != 0 {
			return fmt.Errorf("%w: input %d spends %s", ErrUnknownCheckpoint, i, prevout)
		}
		if spent[prevout.Hash.String()] {
			return fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, prevout.Hash)
		}
		spent[prevout.Hash.String()] = true

		leaf, err := validateCheckpoint(checkpoint, unrollScript)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", prevout.Hash, err)
		}

		checkpointOut := checkpoint.UnsignedTx.TxOut[0]
		witnessUtxo := arkTx.Inputs[i].WitnessUtxo
		if witnessUtxo == nil {
			return fmt.Errorf("%w: virtual tx input %d", ErrMissingWitnessUtxo, i)
		}
		if witnessUtxo.Value != checkpointOut.Value ||
			!bytes.Equal(witnessUtxo.PkScript, checkpointOut.PkScript) {
			return fmt.Errorf("%w: virtual tx input %d", ErrPrevoutMismatch, i)
		}

		arkLeaf, err := validateLeafSpend(arkTx, i)
		if err != nil {
			return fmt.Errorf("virtual tx input %d: %w", i, err)
		}
		if !bytes.Equal(arkLeaf, leaf) && !bytes.Equal(arkLeaf, unrollScript) {
			return fmt.Errorf("%w: virtual tx input %d", ErrLeafNotInTapTree, i)
		}

		inputsAmount, err = addAmount(inputsAmount, checkpointOut.Value)
		if err != nil {
			return fmt.Errorf("virtual tx input %d: %w", i, err)
		}
	}

	outputsAmount, err := sumOutputs(arkTx.UnsignedTx.TxOut)
	if err != nil {
		return fmt.Errorf("virtual tx: %w", err)
	}
	if outputsAmount > inputsAmount {
		return fmt.Errorf(
			"%w: %d > %d", ErrOutputsExceedInputs, outputsAmount, inputsAmount,
		)
	}
	return nil
}

// validateCheckpoint returns the leaf the checkpoint spends its vtxo with.
func validateCheckpoint(checkpoint *psbt.Packet, unrollScript []byte) ([]byte, error) {
	tx := checkpoint.UnsignedTx
	if len(tx.TxIn) != 1 || len(checkpoint.Inputs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 input, got %d", ErrInvalidCheckpoint, len(tx.TxIn))
	}
	if len(tx.TxOut) != 2 || !txutils.IsAnchor(tx.TxOut[1]) {
		return nil, fmt.Errorf("%w: expected an output and an anchor", ErrInvalidCheckpoint)
	}
	if txutils.CountAnchors(tx) != 1 {
		return nil, ErrInvalidAnchor
	}

	leaf, err := validateLeafSpend(checkpoint, 0)
	if err != nil {
		return nil, err
	}

	if checkpoint.Inputs[0].WitnessUtxo.Value != tx.TxOut[0].Value {
		return nil, fmt.Errorf(
			"%w: %d != %d", ErrUnbalancedCheckpoint,
			checkpoint.Inputs[0].WitnessUtxo.Value, tx.TxOut[0].Value,
		)
	}

	expected, err := script.BuildTapTree([][]byte{unrollScript, leaf})
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(expected.PkScript, tx.TxOut[0].PkScript) {
		return nil, ErrInvalidCheckpointOut
	}
	return leaf, nil
}

// validateLeafSpend checks that the revealed leaf of the input belongs to the
// tap tree recorded in the PSBT and that its control block commits to the
// spent output. It returns the leaf script.
func validateLeafSpend(ptx *psbt.Packet, inIndex int) ([]byte, error) {
	in := ptx.Inputs[inIndex]
	if in.WitnessUtxo == nil {
		return nil, ErrMissingWitnessUtxo
	}
	if len(in.TaprootLeafScript) == 0 {
		return nil, ErrMissingTapscript
	}
	leaf := in.TaprootLeafScript[0]

	leaves, err := txutils.GetArkPsbtField(ptx, inIndex, txutils.VtxoTaprootTreeField)
	if err != nil {
		return nil, err
	}
	found := false
	for _, l := range leaves {
		if bytes.Equal(l, leaf.Script) {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrLeafNotInTapTree
	}

	controlBlock, err := txscript.ParseControlBlock(leaf.ControlBlock)
	if err != nil {
		return nil, err
	}
	witnessProgram, err := script.ParseP2TRScript(in.WitnessUtxo.PkScript)
	if err != nil {
		return nil, err
	}
	err = txscript.VerifyTaprootLeafCommitment(
		controlBlock, schnorr.SerializePubKey(witnessProgram), leaf.Script,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidControlBlock, err)
	}

	// The tap tree field must describe the spent output as a whole.
	tapTree, err := script.BuildTapTree(leaves)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(tapTree.PkScript, in.WitnessUtxo.PkScript) {
		return nil, fmt.Errorf("%w: tap tree does not match the spent output", ErrPrevoutMismatch)
	}
	return leaf.Script, nil
}

// Fee returns the offchain fee paid by the virtual tx.
func Fee(arkTx *psbt.Packet) (int64, error) {
	fee := int64(0)
	for i, in := range arkTx.Inputs {
		if in.WitnessUtxo == nil {
			return 0, fmt.Errorf("%w: input %d", ErrMissingWitnessUtxo, i)
		}
		fee += in.WitnessUtxo.Value
	}
	for _, out := range arkTx.UnsignedTx.TxOut {
		fee -= out.Value
	}
	return fee, nil
}

// VtxoOutpoints returns the outpoints spent by the checkpoints, i.e. the
// vtxos the virtual tx spends.
func VtxoOutpoints(checkpoints []*psbt.Packet) []wire.OutPoint {
	outpoints := make([]wire.OutPoint, 0, len(checkpoints))
	for _, checkpoint := range checkpoints {
		outpoints = append(outpoints, checkpoint.UnsignedTx.TxIn[0].PreviousOutPoint)
	}
	return outpoints
}
