package tree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrInvalidRootTransaction = errors.New("invalid root transaction")
	ErrNumberOfInputs         = errors.New("tree tx must have exactly one input")
	ErrWrongCommitmentTxid    = errors.New("root input does not spend the commitment tx")
	ErrInvalidAmount          = errors.New("outputs amount does not match the spent amount")
	ErrInvalidAnchors         = errors.New("tree tx must have exactly one anchor output")
	ErrParentChildMismatch    = errors.New("child does not spend its parent output")
	ErrMissingCosigners       = errors.New("missing cosigners public keys")
	ErrInvalidTaprootScript   = errors.New("output script does not match the aggregated cosigners key")
)

// ValidateVtxoTree checks a vtxo tree against the commitment tx it settles in:
// the root spends a commitment output, every output of a tree tx pays to the
// MuSig2 aggregate of the cosigners of the child spending it, tweaked with
// the sweep tap tree root, and amounts balance at each level.
func ValidateVtxoTree(vtxoTree *TxTree, commitmentTx *wire.MsgTx, sweepTapTreeRoot []byte) error {
	if vtxoTree == nil || vtxoTree.Root == nil {
		return ErrMissingVtxoTree
	}
	if err := vtxoTree.Validate(); err != nil {
		return err
	}

	rootInput := vtxoTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	if rootInput.Hash != commitmentTx.TxHash() {
		return fmt.Errorf(
			"%w: expected %s, got %s", ErrWrongCommitmentTxid, commitmentTx.TxHash(), rootInput.Hash,
		)
	}
	if int(rootInput.Index) >= len(commitmentTx.TxOut) {
		return fmt.Errorf("%w: output %d does not exist", ErrInvalidRootTransaction, rootInput.Index)
	}

	return validateVtxoSubtree(vtxoTree, commitmentTx.TxOut[rootInput.Index], sweepTapTreeRoot)
}

func validateVtxoSubtree(node *TxTree, prevout *wire.TxOut, sweepTapTreeRoot []byte) error {
	tx := node.Root.UnsignedTx
	txid := tx.TxID()

	if err := checkAmountsAndAnchor(tx, prevout); err != nil {
		return err
	}

	cosigners, err := txutils.GetCosignerKeys(node.Root, 0)
	if err != nil {
		return fmt.Errorf("tx %s: %w", txid, err)
	}
	if len(cosigners) == 0 {
		return fmt.Errorf("%w: tx %s", ErrMissingCosigners, txid)
	}

	aggKey, err := AggregateKeys(cosigners, sweepTapTreeRoot)
	if err != nil {
		return err
	}
	expectedScript, err := script.P2TRScript(aggKey.FinalKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(expectedScript, prevout.PkScript) {
		return fmt.Errorf("%w: tx %s", ErrInvalidTaprootScript, txid)
	}

	for outIndex, child := range node.Children {
		out := tx.TxOut[outIndex]
		if txutils.IsAnchor(out) {
			return fmt.Errorf("%w: child of %s spends the anchor", ErrParentChildMismatch, txid)
		}
		if err := validateVtxoSubtree(child, out, sweepTapTreeRoot); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConnectorsTree checks the linkage of the connectors tree to the
// commitment tx and that amounts balance at each level.
func ValidateConnectorsTree(commitmentTx *wire.MsgTx, connectorsTree *TxTree) error {
	if connectorsTree == nil || connectorsTree.Root == nil {
		return ErrEmptyTree
	}
	if err := connectorsTree.Validate(); err != nil {
		return err
	}

	rootInput := connectorsTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	if rootInput.Hash != commitmentTx.TxHash() {
		return fmt.Errorf(
			"%w: expected %s, got %s", ErrWrongCommitmentTxid, commitmentTx.TxHash(), rootInput.Hash,
		)
	}
	if int(rootInput.Index) >= len(commitmentTx.TxOut) {
		return fmt.Errorf("%w: output %d does not exist", ErrInvalidRootTransaction, rootInput.Index)
	}

	prevouts := map[string]*wire.TxOut{
		connectorsTree.Root.UnsignedTx.TxID(): commitmentTx.TxOut[rootInput.Index],
	}
	return connectorsTree.Apply(func(node *TxTree) (bool, error) {
		tx := node.Root.UnsignedTx
		if err := checkAmountsAndAnchor(tx, prevouts[tx.TxID()]); err != nil {
			return false, err
		}
		for outIndex, child := range node.Children {
			prevouts[child.Root.UnsignedTx.TxID()] = tx.TxOut[outIndex]
		}
		return true, nil
	})
}

func checkAmountsAndAnchor(tx *wire.MsgTx, prevout *wire.TxOut) error {
	if txutils.CountAnchors(tx) != 1 {
		return fmt.Errorf("%w: tx %s", ErrInvalidAnchors, tx.TxID())
	}
	sum := int64(0)
	for _, out := range tx.TxOut {
		sum += out.Value
	}
	if sum != prevout.Value {
		return fmt.Errorf(
			"%w: tx %s spends %d, outputs sum to %d", ErrInvalidAmount, tx.TxID(), prevout.Value, sum,
		)
	}
	return nil
}
