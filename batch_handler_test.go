package arksdk

import (
	"context"
	"testing"

	"github.com/arkade-os/ark-sdk/client"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestBatchHandlerIntentInBatch(t *testing.T) {
	ctx := context.Background()

	server, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	config := &types.Config{
		SignerPubKey:  server.PubKey(),
		ForfeitPubKey: server.PubKey(),
		Network:       types.BitcoinRegTest,
		Dust:          330,
	}

	newOffchainReceiver := func(t *testing.T, amount uint64) (types.Receiver, []byte) {
		t.Helper()
		key, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		encoded, err := (&script.Address{
			HRP:        types.BitcoinRegTest.Addr,
			Signer:     server.PubKey(),
			VtxoTapKey: key.PubKey(),
		}).Encode()
		require.NoError(t, err)
		pkScript, err := script.P2TRScript(key.PubKey())
		require.NoError(t, err)
		return types.Receiver{To: encoded, Amount: amount}, pkScript
	}

	newOnchainReceiver := func(t *testing.T, amount uint64) (types.Receiver, []byte) {
		t.Helper()
		key, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		addr, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(key.PubKey()), types.BitcoinRegTest.Chain,
		)
		require.NoError(t, err)
		pkScript, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)
		return types.Receiver{To: addr.EncodeAddress(), Amount: amount}, pkScript
	}

	buildTree := func(t *testing.T, amount int64, pkScript []byte) *tree.TxTree {
		t.Helper()
		sweepRoot, err := tree.SweepTapTreeRoot(&script.CSVMultisigClosure{
			MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{server.PubKey()}},
			Locktime:        script.NewRelativeLocktime(144),
		})
		require.NoError(t, err)
		vtxoTree, err := tree.BuildVtxoTree(
			wire.OutPoint{Hash: chainhash.Hash{0x02}},
			[]tree.Leaf{{
				Amount:              uint64(amount),
				PkScript:            pkScript,
				CosignersPublicKeys: []*btcec.PublicKey{server.PubKey()},
			}},
			sweepRoot, 2,
		)
		require.NoError(t, err)
		return vtxoTree
	}

	commitmentTx := func(t *testing.T, outs ...*wire.TxOut) string {
		t.Helper()
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x03}}})
		for _, out := range outs {
			tx.AddTxOut(out)
		}
		ptx, err := psbt.NewFromUnsignedTx(tx)
		require.NoError(t, err)
		b64, err := ptx.B64Encode()
		require.NoError(t, err)
		return b64
	}

	ours, ourScript := newOffchainReceiver(t, 5000)
	other, otherScript := newOffchainReceiver(t, 5000)
	onchain, onchainScript := newOnchainReceiver(t, 7000)

	t.Run("finalization", func(t *testing.T) {
		for _, tt := range []struct {
			name      string
			intentId  string
			receivers []types.Receiver
			vtxoTree  *tree.TxTree
			tx        string
			err       error
		}{
			{
				name:      "receiver in vtxo tree",
				receivers: []types.Receiver{ours},
				vtxoTree:  buildTree(t, 5000, ourScript),
			},
			{
				name:      "receiver missing from vtxo tree",
				receivers: []types.Receiver{ours},
				vtxoTree:  buildTree(t, 5000, otherScript),
				err:       ErrNotInBatch,
			},
			{
				name:      "amount mismatch",
				receivers: []types.Receiver{ours},
				vtxoTree:  buildTree(t, 4000, ourScript),
				err:       ErrNotInBatch,
			},
			{
				name:      "no vtxo tree",
				receivers: []types.Receiver{ours},
				err:       ErrNotInBatch,
			},
			{
				name:      "onchain receiver in commitment tx",
				receivers: []types.Receiver{onchain},
				tx:        commitmentTx(t, &wire.TxOut{Value: 7000, PkScript: onchainScript}),
			},
			{
				name:      "onchain receiver missing from commitment tx",
				receivers: []types.Receiver{onchain},
				tx:        commitmentTx(t, &wire.TxOut{Value: 7000, PkScript: otherScript}),
				err:       ErrNotInBatch,
			},
			{
				name:      "registered intent",
				intentId:  "intent",
				receivers: []types.Receiver{other},
				vtxoTree:  buildTree(t, 5000, ourScript),
			},
		} {
			t.Run(tt.name, func(t *testing.T) {
				h := newBatchEventsHandler(
					"session", nil, nil, config, tt.intentId, nil, tt.receivers, nil,
				)
				err := h.OnBatchFinalization(
					ctx, client.BatchFinalizationEvent{Id: "batch", Tx: tt.tx}, tt.vtxoTree, nil,
				)
				if tt.err != nil {
					require.ErrorIs(t, err, tt.err)
					return
				}
				require.NoError(t, err)
			})
		}
	})

	t.Run("tree signing", func(t *testing.T) {
		h := newBatchEventsHandler(
			"session", nil, nil, config, "", nil, []types.Receiver{ours}, nil,
		)
		signing, err := h.OnTreeSigningStarted(
			ctx, client.TreeSigningStartedEvent{Id: "batch"}, buildTree(t, 5000, otherScript),
		)
		require.ErrorIs(t, err, ErrNotInBatch)
		require.False(t, signing)

		signing, err = h.OnTreeSigningStarted(
			ctx, client.TreeSigningStartedEvent{Id: "batch"}, buildTree(t, 5000, ourScript),
		)
		require.NoError(t, err)
		require.False(t, signing)
	})
}
