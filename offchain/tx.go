package offchain

import (
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	ErrMissingInputs         = errors.New("missing inputs")
	ErrMissingOutputs        = errors.New("missing outputs")
	ErrMissingUnrollClosure  = errors.New("missing checkpoint unroll closure")
	ErrMissingTapscript      = errors.New("missing revealed tapscript")
	ErrOutputsExceedInputs   = errors.New("outputs amount exceeds inputs amount")
	ErrIncompatibleLocktimes = errors.New("inputs mix block and time based locktimes")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// VtxoInput is a vtxo spent offchain through one of its collaborative leaves.
type VtxoInput struct {
	Outpoint *wire.OutPoint
	Amount   int64
	// Tapscript is the leaf spending the vtxo, with its control block.
	Tapscript *waddrmgr.Tapscript
	// RevealedTapscripts are all the leaves of the vtxo script, hex encoded.
	RevealedTapscripts []string
}

// NewVtxoInput reveals the given leaf of the vtxo script.
func NewVtxoInput(
	outpoint *wire.OutPoint, amount int64, vtxoScript *script.VtxoScript, leaf []byte,
) (*VtxoInput, error) {
	tapTree, err := vtxoScript.Build()
	if err != nil {
		return nil, err
	}
	proof, err := tapTree.FindLeaf(leaf)
	if err != nil {
		return nil, err
	}
	tapscripts, err := vtxoScript.Encode()
	if err != nil {
		return nil, err
	}
	return &VtxoInput{
		Outpoint:           outpoint,
		Amount:             amount,
		Tapscript:          proof.Tapscript(),
		RevealedTapscripts: tapscripts,
	}, nil
}

func (v VtxoInput) pkScript() ([]byte, error) {
	if v.Tapscript == nil || v.Tapscript.ControlBlock == nil {
		return nil, ErrMissingTapscript
	}
	rootHash := v.Tapscript.ControlBlock.RootHash(v.Tapscript.RevealedScript)
	outputKey := txscript.ComputeTaprootOutputKey(script.UnspendableKey(), rootHash)
	return script.P2TRScript(outputKey)
}

// BuildTxs builds the virtual tx spending the given vtxos into the outputs,
// together with one checkpoint tx per input. A checkpoint spends its vtxo
// through the revealed leaf into an output committing to the server unroll
// closure and that same leaf, so the owner can still exit if the virtual tx
// is never finalized.
func BuildTxs(
	inputs []VtxoInput, outputs []*wire.TxOut, unroll *script.CSVMultisigClosure,
) (*psbt.Packet, []*psbt.Packet, error) {
	if len(inputs) == 0 {
		return nil, nil, ErrMissingInputs
	}
	if len(outputs) == 0 {
		return nil, nil, ErrMissingOutputs
	}
	if unroll == nil {
		return nil, nil, ErrMissingUnrollClosure
	}

	inputsAmount := int64(0)
	for i, in := range inputs {
		amount, err := addAmount(inputsAmount, in.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("input %d: %w", i, err)
		}
		inputsAmount = amount
	}
	outputsAmount, err := sumOutputs(outputs)
	if err != nil {
		return nil, nil, err
	}
	if outputsAmount > inputsAmount {
		return nil, nil, fmt.Errorf(
			"%w: %d > %d", ErrOutputsExceedInputs, outputsAmount, inputsAmount,
		)
	}

	checkpoints := make([]*psbt.Packet, 0, len(inputs))
	checkpointInputs := make([]VtxoInput, 0, len(inputs))
	for _, in := range inputs {
		checkpoint, checkpointInput, err := buildCheckpointTx(in, unroll)
		if err != nil {
			return nil, nil, err
		}
		checkpoints = append(checkpoints, checkpoint)
		checkpointInputs = append(checkpointInputs, *checkpointInput)
	}

	arkTx, err := buildArkTx(checkpointInputs, outputs)
	if err != nil {
		return nil, nil, err
	}
	return arkTx, checkpoints, nil
}

// addAmount adds a satoshi amount to a running total. Both the amount and the
// total must stay within [0, btcutil.MaxSatoshi], so the sum cannot overflow.
func addAmount(total, amount int64) (int64, error) {
	if amount < 0 || amount > btcutil.MaxSatoshi {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if total > btcutil.MaxSatoshi-amount {
		return 0, fmt.Errorf("%w: total exceeds %d", ErrInvalidAmount, int64(btcutil.MaxSatoshi))
	}
	return total + amount, nil
}

func sumOutputs(outputs []*wire.TxOut) (int64, error) {
	total := int64(0)
	for i, out := range outputs {
		amount, err := addAmount(total, out.Value)
		if err != nil {
			return 0, fmt.Errorf("output %d: %w", i, err)
		}
		total = amount
	}
	return total, nil
}

func buildCheckpointTx(
	vtxo VtxoInput, unroll *script.CSVMultisigClosure,
) (*psbt.Packet, *VtxoInput, error) {
	if vtxo.Tapscript == nil {
		return nil, nil, fmt.Errorf("%w for %s", ErrMissingTapscript, vtxo.Outpoint)
	}

	collaborativeClosure, err := script.DecodeClosure(vtxo.Tapscript.RevealedScript)
	if err != nil {
		return nil, nil, err
	}
	checkpointScript := &script.VtxoScript{
		Closures: []script.Closure{unroll, collaborativeClosure},
	}
	tapTree, err := checkpointScript.Build()
	if err != nil {
		return nil, nil, err
	}

	checkpoint, err := buildArkTx(
		[]VtxoInput{vtxo}, []*wire.TxOut{{Value: vtxo.Amount, PkScript: tapTree.PkScript}},
	)
	if err != nil {
		return nil, nil, err
	}

	proof, err := tapTree.FindLeaf(vtxo.Tapscript.RevealedScript)
	if err != nil {
		return nil, nil, err
	}
	tapscripts, err := checkpointScript.Encode()
	if err != nil {
		return nil, nil, err
	}

	return checkpoint, &VtxoInput{
		Outpoint:           &wire.OutPoint{Hash: checkpoint.UnsignedTx.TxHash(), Index: 0},
		Amount:             vtxo.Amount,
		Tapscript:          proof.Tapscript(),
		RevealedTapscripts: tapscripts,
	}, nil
}

// buildArkTx spends the inputs into the outputs plus the anchor. Inputs
// revealing an absolute timelocked leaf set the tx locktime.
func buildArkTx(inputs []VtxoInput, outputs []*wire.TxOut) (*psbt.Packet, error) {
	outpoints := make([]*wire.OutPoint, 0, len(inputs))
	sequences := make([]uint32, 0, len(inputs))
	locktime := script.AbsoluteLocktime(0)
	for _, in := range inputs {
		outpoints = append(outpoints, in.Outpoint)
		sequences = append(sequences, wire.MaxTxInSequenceNum-1)

		inputLocktime, err := leafLocktime(in.Tapscript)
		if err != nil {
			return nil, err
		}
		if inputLocktime == 0 {
			continue
		}
		if locktime != 0 && locktime.IsSeconds() != inputLocktime.IsSeconds() {
			return nil, ErrIncompatibleLocktimes
		}
		locktime = max(locktime, inputLocktime)
	}

	txOutputs := make([]*wire.TxOut, 0, len(outputs)+1)
	txOutputs = append(txOutputs, outputs...)
	txOutputs = append(txOutputs, txutils.AnchorOutput())

	ptx, err := psbt.New(outpoints, txOutputs, txutils.TxVersion, uint32(locktime), sequences)
	if err != nil {
		return nil, err
	}

	for i, in := range inputs {
		pkScript, err := in.pkScript()
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		controlBlock, err := in.Tapscript.ControlBlock.ToBytes()
		if err != nil {
			return nil, err
		}

		ptx.Inputs[i].WitnessUtxo = &wire.TxOut{Value: in.Amount, PkScript: pkScript}
		ptx.Inputs[i].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
			ControlBlock: controlBlock,
			Script:       in.Tapscript.RevealedScript,
			LeafVersion:  txscript.BaseLeafVersion,
		}}

		if len(in.RevealedTapscripts) > 0 {
			leaves, err := decodeTapscripts(in.RevealedTapscripts)
			if err != nil {
				return nil, err
			}
			if err := txutils.SetArkPsbtField(ptx, i, txutils.VtxoTaprootTreeField, leaves); err != nil {
				return nil, err
			}
		}
	}
	return ptx, nil
}

func leafLocktime(tapscript *waddrmgr.Tapscript) (script.AbsoluteLocktime, error) {
	if tapscript == nil {
		return 0, ErrMissingTapscript
	}
	closure, err := script.DecodeClosure(tapscript.RevealedScript)
	if err != nil {
		return 0, err
	}
	if cltv, ok := closure.(*script.CLTVMultisigClosure); ok {
		return cltv.Locktime, nil
	}
	return 0, nil
}

func decodeTapscripts(tapscripts []string) ([][]byte, error) {
	vtxoScript, err := script.ParseVtxoScript(tapscripts)
	if err != nil {
		return nil, err
	}
	return vtxoScript.Scripts()
}

// EstimateVSize returns the virtual size of the virtual tx spending the
// inputs into the outputs once every input is signed by all the keys of its
// revealed leaf.
func EstimateVSize(inputs []VtxoInput, outputs []*wire.TxOut) (lntypes.VByte, error) {
	estimator := input.TxWeightEstimator{}
	for _, in := range inputs {
		if in.Tapscript == nil {
			return 0, ErrMissingTapscript
		}
		closure, err := script.DecodeClosure(in.Tapscript.RevealedScript)
		if err != nil {
			return 0, err
		}
		// One 64 bytes signature, with its length prefix, per signer.
		witnessSize := len(script.Signers(closure)) * (1 + 64)
		estimator.AddTapscriptInput(lntypes.WeightUnit(witnessSize), in.Tapscript)
	}
	for _, out := range outputs {
		estimator.AddOutput(out.PkScript)
	}
	estimator.AddOutput(txutils.ANCHOR_PKSCRIPT)
	return estimator.Weight().ToVB(), nil
}
