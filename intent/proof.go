package intent

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrMissingInputs      = errors.New("missing inputs")
	ErrMissingWitnessUtxo = errors.New("missing witness utxo")
	ErrMessageMismatch    = errors.New("proof does not commit to the message")
	ErrMissingSignature   = errors.New("missing signature")
	ErrInvalidSignature   = errors.New("invalid signature")
)

var tagIntentMessage = []byte("ark-intent-proof-message")

// Input is a coin owned by the intent.
type Input struct {
	OutPoint    *wire.OutPoint
	Sequence    uint32
	WitnessUtxo *wire.TxOut
}

// Proof is the signed tx proving ownership of the intent inputs.
// Its first input spends the to_spend tx committing to the message, the
// others spend the coins. Outputs are the ones the intent asks for.
type Proof psbt.Packet

func HashMessage(message string) chainhash.Hash {
	return *chainhash.TaggedHash(tagIntentMessage, []byte(message))
}

// New returns the unsigned proof for the given message.
func New(message string, inputs []Input, outputs []*wire.TxOut) (*Proof, error) {
	if len(inputs) == 0 {
		return nil, ErrMissingInputs
	}
	for i, in := range inputs {
		if in.OutPoint == nil {
			return nil, fmt.Errorf("missing outpoint for input %d", i)
		}
		if in.WitnessUtxo == nil {
			return nil, fmt.Errorf("%w for input %d", ErrMissingWitnessUtxo, i)
		}
	}

	firstPkScript := inputs[0].WitnessUtxo.PkScript
	toSpend, err := buildToSpendTx(message, firstPkScript)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: toSpend.TxHash(), Index: 0},
		Sequence:         inputs[0].Sequence,
	})
	for _, in := range inputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: *in.OutPoint,
			Sequence:         in.Sequence,
		})
	}
	if len(outputs) == 0 {
		tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: []byte{txscript.OP_RETURN}})
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	ptx, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	ptx.Inputs[0].WitnessUtxo = &wire.TxOut{Value: 0, PkScript: firstPkScript}
	ptx.Inputs[0].SighashType = txscript.SigHashDefault
	for i, in := range inputs {
		ptx.Inputs[i+1].WitnessUtxo = in.WitnessUtxo
		ptx.Inputs[i+1].SighashType = txscript.SigHashDefault
	}

	return (*Proof)(ptx), nil
}

func ParseProof(b64 string) (*Proof, error) {
	ptx, err := psbt.NewFromRawBytes(bytes.NewBufferString(b64), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proof: %w", err)
	}
	return (*Proof)(ptx), nil
}

func (p *Proof) B64Encode() (string, error) {
	return (*psbt.Packet)(p).B64Encode()
}

// GetOutpoints returns the coins the proof spends.
func (p *Proof) GetOutpoints() []wire.OutPoint {
	outpoints := make([]wire.OutPoint, 0, len(p.UnsignedTx.TxIn))
	for _, in := range p.UnsignedTx.TxIn[1:] {
		outpoints = append(outpoints, in.PreviousOutPoint)
	}
	return outpoints
}

// Verify checks that the proof commits to the message and that every input
// carries valid signatures of the keys of its revealed leaf.
func Verify(proof *Proof, message string) error {
	ptx := (*psbt.Packet)(proof)
	if len(ptx.UnsignedTx.TxIn) < 2 {
		return ErrMissingInputs
	}
	for i, in := range ptx.Inputs {
		if in.WitnessUtxo == nil {
			return fmt.Errorf("%w for input %d", ErrMissingWitnessUtxo, i)
		}
	}

	firstPkScript := ptx.Inputs[1].WitnessUtxo.PkScript
	if !bytes.Equal(ptx.Inputs[0].WitnessUtxo.PkScript, firstPkScript) {
		return fmt.Errorf("%w: to_spend output script mismatch", ErrMessageMismatch)
	}
	toSpend, err := buildToSpendTx(message, firstPkScript)
	if err != nil {
		return err
	}
	expected := wire.OutPoint{Hash: toSpend.TxHash(), Index: 0}
	if ptx.UnsignedTx.TxIn[0].PreviousOutPoint != expected {
		return ErrMessageMismatch
	}

	for i := range ptx.Inputs {
		if err := verifyInput(ptx, i); err != nil {
			return err
		}
	}
	return nil
}

func verifyInput(ptx *psbt.Packet, inIndex int) error {
	input := ptx.Inputs[inIndex]
	if len(input.TaprootLeafScript) == 0 {
		return fmt.Errorf("%w: input %d reveals no leaf", ErrMissingSignature, inIndex)
	}
	leaf := input.TaprootLeafScript[0]

	closure, err := script.DecodeClosure(leaf.Script)
	if err != nil {
		return fmt.Errorf("input %d: %w", inIndex, err)
	}
	signers := script.Signers(closure)
	if len(signers) == 0 {
		return fmt.Errorf("%w: input %d leaf has no signers", ErrMissingSignature, inIndex)
	}

	message, err := txutils.TapscriptSighash(ptx, inIndex, leaf.Script)
	if err != nil {
		return err
	}

	for _, signer := range signers {
		xonly := schnorr.SerializePubKey(signer)
		var found *psbt.TaprootScriptSpendSig
		for _, sig := range input.TaprootScriptSpendSig {
			if bytes.Equal(sig.XOnlyPubKey, xonly) {
				found = sig
				break
			}
		}
		// the server cosigns collaborative leaves after verification
		if found == nil {
			continue
		}
		sig, err := schnorr.ParseSignature(found.Signature)
		if err != nil {
			return fmt.Errorf("%w: input %d: %s", ErrInvalidSignature, inIndex, err)
		}
		if !sig.Verify(message, signer) {
			return fmt.Errorf("%w: input %d key %x", ErrInvalidSignature, inIndex, xonly)
		}
	}

	if len(input.TaprootScriptSpendSig) == 0 {
		return fmt.Errorf("%w: input %d", ErrMissingSignature, inIndex)
	}
	return nil
}

func buildToSpendTx(message string, pkScript []byte) (*wire.MsgTx, error) {
	msgHash := HashMessage(message)
	sigScript, err := script.NewProgramBuilder().
		AddOp(script.OP_0).
		AddData(msgHash[:]).
		Script()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(0)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: 0xffffffff},
		SignatureScript:  sigScript,
		Sequence:         0,
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: pkScript})
	return tx, nil
}
