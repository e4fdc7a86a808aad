package txutils_test

import (
	"testing"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newPacket(t *testing.T) *psbt.Packet {
	t.Helper()
	ptx, err := psbt.New(
		[]*wire.OutPoint{{Hash: chainhash.Hash{1}, Index: 0}},
		[]*wire.TxOut{txutils.AnchorOutput()},
		txutils.TxVersion, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)
	return ptx
}

func TestArkPsbtFields(t *testing.T) {
	t.Run("taptree", func(t *testing.T) {
		ptx := newPacket(t)
		leaves := [][]byte{{0x51}, {0x52, 0x75, 0x51}}
		require.NoError(t, txutils.SetArkPsbtField(ptx, 0, txutils.VtxoTaprootTreeField, leaves))

		got, err := txutils.GetArkPsbtField(ptx, 0, txutils.VtxoTaprootTreeField)
		require.NoError(t, err)
		require.Equal(t, leaves, got)

		// Setting again replaces the entry.
		require.NoError(t, txutils.SetArkPsbtField(ptx, 0, txutils.VtxoTaprootTreeField, leaves[:1]))
		require.Len(t, ptx.Inputs[0].Unknowns, 1)
	})

	t.Run("cosigners", func(t *testing.T) {
		ptx := newPacket(t)
		keys := make([]*btcec.PublicKey, 0, 3)
		for i := 0; i < 3; i++ {
			priv, err := btcec.NewPrivateKey()
			require.NoError(t, err)
			keys = append(keys, priv.PubKey())
		}
		require.NoError(t, txutils.AddCosignerKeys(ptx, 0, keys))

		got, err := txutils.GetCosignerKeys(ptx, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := range keys {
			require.True(t, keys[i].IsEqual(got[i]))
		}
	})

	t.Run("condition witness", func(t *testing.T) {
		ptx := newPacket(t)
		witness := wire.TxWitness{[]byte("preimage"), {}, {0x01, 0x02}}
		require.NoError(t, txutils.SetArkPsbtField(ptx, 0, txutils.ConditionWitnessField, witness))

		got, err := txutils.GetArkPsbtField(ptx, 0, txutils.ConditionWitnessField)
		require.NoError(t, err)
		require.Equal(t, witness, got)
	})

	t.Run("expiry", func(t *testing.T) {
		ptx := newPacket(t)
		expiry := script.RelativeLocktime{Type: script.LocktimeTypeSecond, Value: 512 * 100}
		require.NoError(t, txutils.SetArkPsbtField(ptx, 0, txutils.VtxoTreeExpiryField, expiry))

		got, err := txutils.GetArkPsbtField(ptx, 0, txutils.VtxoTreeExpiryField)
		require.NoError(t, err)
		require.Equal(t, expiry, got)
	})

	t.Run("missing", func(t *testing.T) {
		ptx := newPacket(t)
		_, err := txutils.GetArkPsbtField(ptx, 0, txutils.VtxoTreeExpiryField)
		require.ErrorIs(t, err, txutils.ErrFieldNotFound)

		_, err = txutils.GetArkPsbtFields(ptx, 3, txutils.VtxoTreeExpiryField)
		require.Error(t, err)
	})
}

func TestAnchor(t *testing.T) {
	ptx := newPacket(t)
	require.Equal(t, 1, txutils.CountAnchors(ptx.UnsignedTx))

	outpoint, err := txutils.FindAnchorOutpoint(ptx.UnsignedTx)
	require.NoError(t, err)
	require.Equal(t, ptx.UnsignedTx.TxHash(), outpoint.Hash)
	require.Zero(t, outpoint.Index)

	ptx.UnsignedTx.TxOut = nil
	_, err = txutils.FindAnchorOutpoint(ptx.UnsignedTx)
	require.ErrorIs(t, err, txutils.ErrAnchorNotFound)
}
