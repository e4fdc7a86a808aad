package intent_test

import (
	"testing"
	"time"

	"github.com/arkade-os/ark-sdk/intent"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	owner  *btcec.PrivateKey
	server *btcec.PrivateKey
	leaf   *script.LeafProof
	tree   *script.TapTree
}

func newFixture(t *testing.T) fixture {
	owner, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	server, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	vtxoScript := script.NewDefaultVtxoScript(
		owner.PubKey(), server.PubKey(),
		script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144},
	)
	tree, err := vtxoScript.Build()
	require.NoError(t, err)

	collaborative, err := vtxoScript.Closures[0].Script()
	require.NoError(t, err)
	leaf, err := tree.FindLeaf(collaborative)
	require.NoError(t, err)

	return fixture{owner: owner, server: server, leaf: leaf, tree: tree}
}

func (f fixture) inputs(n int) []intent.Input {
	inputs := make([]intent.Input, 0, n)
	for i := 0; i < n; i++ {
		inputs = append(inputs, intent.Input{
			OutPoint: &wire.OutPoint{
				Hash:  chainhash.DoubleHashH([]byte{byte(i)}),
				Index: uint32(i),
			},
			Sequence:    wire.MaxTxInSequenceNum,
			WitnessUtxo: &wire.TxOut{Value: int64(1000 * (i + 1)), PkScript: f.tree.PkScript},
		})
	}
	return inputs
}

func (f fixture) sign(t *testing.T, proof *intent.Proof) {
	ptx := (*psbt.Packet)(proof)
	leafHash := txscript.NewBaseTapLeaf(f.leaf.Script).TapHash()
	for i := range ptx.Inputs {
		ptx.Inputs[i].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
			ControlBlock: f.leaf.ControlBlock,
			Script:       f.leaf.Script,
			LeafVersion:  txscript.BaseLeafVersion,
		}}
		msg, err := txutils.TapscriptSighash(ptx, i, f.leaf.Script)
		require.NoError(t, err)
		sig, err := schnorr.Sign(f.owner, msg)
		require.NoError(t, err)
		ptx.Inputs[i].TaprootScriptSpendSig = append(
			ptx.Inputs[i].TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
				XOnlyPubKey: schnorr.SerializePubKey(f.owner.PubKey()),
				LeafHash:    leafHash[:],
				Signature:   sig.Serialize(),
				SigHash:     txscript.SigHashDefault,
			},
		)
	}
}

func TestProof(t *testing.T) {
	f := newFixture(t)

	msg, err := intent.NewRegisterMessage(
		[]int{1}, []string{"cosigner"}, time.Now(), 2*time.Minute,
	).Encode()
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		outputs := []*wire.TxOut{
			{Value: 1500, PkScript: f.tree.PkScript},
			{Value: 1500, PkScript: f.tree.PkScript},
		}
		proof, err := intent.New(msg, f.inputs(2), outputs)
		require.NoError(t, err)
		require.Len(t, proof.UnsignedTx.TxIn, 3)
		require.Len(t, proof.UnsignedTx.TxOut, 2)
		require.Len(t, proof.GetOutpoints(), 2)

		f.sign(t, proof)
		require.NoError(t, intent.Verify(proof, msg))

		b64, err := proof.B64Encode()
		require.NoError(t, err)
		parsed, err := intent.ParseProof(b64)
		require.NoError(t, err)
		require.NoError(t, intent.Verify(parsed, msg))
	})

	t.Run("no outputs", func(t *testing.T) {
		proof, err := intent.New(msg, f.inputs(1), nil)
		require.NoError(t, err)
		require.Len(t, proof.UnsignedTx.TxOut, 1)
		require.Equal(t, []byte{txscript.OP_RETURN}, proof.UnsignedTx.TxOut[0].PkScript)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := intent.New(msg, nil, nil)
		require.ErrorIs(t, err, intent.ErrMissingInputs)

		inputs := f.inputs(1)
		inputs[0].WitnessUtxo = nil
		_, err = intent.New(msg, inputs, nil)
		require.ErrorIs(t, err, intent.ErrMissingWitnessUtxo)

		proof, err := intent.New(msg, f.inputs(2), nil)
		require.NoError(t, err)
		require.ErrorIs(t, intent.Verify(proof, msg), intent.ErrMissingSignature)

		f.sign(t, proof)
		require.ErrorIs(t, intent.Verify(proof, msg+" "), intent.ErrMessageMismatch)

		proof.Inputs[1].TaprootScriptSpendSig[0].Signature[10] ^= 0x01
		require.ErrorIs(t, intent.Verify(proof, msg), intent.ErrInvalidSignature)
	})
}

func TestMessages(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("register", func(t *testing.T) {
		msg := intent.NewRegisterMessage([]int{0}, []string{"a", "b"}, now, 2*time.Minute)
		encoded, err := msg.Encode()
		require.NoError(t, err)

		var decoded intent.RegisterMessage
		require.NoError(t, decoded.Decode(encoded))
		require.Equal(t, msg, decoded)

		require.NoError(t, decoded.Validate(now.Add(time.Minute)))
		require.ErrorIs(t, decoded.Validate(now.Add(-time.Second)), intent.ErrMessageNotValidYet)
		require.ErrorIs(t, decoded.Validate(now.Add(3*time.Minute)), intent.ErrMessageExpired)

		var deleteMsg intent.DeleteMessage
		require.ErrorIs(t, deleteMsg.Decode(encoded), intent.ErrInvalidMessageType)
	})

	t.Run("delete", func(t *testing.T) {
		msg := intent.NewDeleteMessage(now, 2*time.Minute)
		encoded, err := msg.Encode()
		require.NoError(t, err)

		var decoded intent.DeleteMessage
		require.NoError(t, decoded.Decode(encoded))
		require.Equal(t, msg, decoded)
		require.NoError(t, decoded.Validate(now))
		require.ErrorIs(t, decoded.Validate(now.Add(time.Hour)), intent.ErrMessageExpired)

		var registerMsg intent.RegisterMessage
		require.ErrorIs(t, registerMsg.Decode(encoded), intent.ErrInvalidMessageType)
	})
}
