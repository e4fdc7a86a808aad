package singlekey_test

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/arkade-os/ark-sdk/internal/utils"
	"github.com/arkade-os/ark-sdk/offchain"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/arkade-os/ark-sdk/wallet"
	"github.com/arkade-os/ark-sdk/wallet/singlekey"
	"github.com/arkade-os/ark-sdk/wallet/singlekey/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const password = "password"

func newWallet(t *testing.T) wallet.Identity {
	t.Helper()
	w, err := singlekey.NewWallet(store.NewInMemoryStore())
	require.NoError(t, err)
	_, err = w.Create(context.Background(), password, "")
	require.NoError(t, err)
	_, err = w.Unlock(context.Background(), password)
	require.NoError(t, err)
	return w
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	walletStore := store.NewInMemoryStore()

	w, err := singlekey.NewWallet(walletStore)
	require.NoError(t, err)
	require.Equal(t, wallet.SingleKeyWallet, w.GetType())

	_, err = w.GetPublicKey(ctx)
	require.ErrorIs(t, err, singlekey.ErrNotInitialized)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	seed := hex.EncodeToString(key.Serialize())

	created, err := w.Create(ctx, password, seed)
	require.NoError(t, err)
	require.Equal(t, seed, created)
	_, err = w.Create(ctx, password, "")
	require.ErrorIs(t, err, singlekey.ErrAlreadyCreated)

	require.True(t, w.IsLocked())
	pubkey, err := w.GetPublicKey(ctx)
	require.NoError(t, err)
	require.True(t, pubkey.IsEqual(key.PubKey()))

	_, err = w.Dump(ctx)
	require.ErrorIs(t, err, singlekey.ErrLocked)
	_, err = w.SignMessage(ctx, []byte("msg"))
	require.ErrorIs(t, err, singlekey.ErrLocked)

	_, err = w.Unlock(ctx, "wrong")
	require.ErrorIs(t, err, utils.ErrInvalidPassword)

	alreadyUnlocked, err := w.Unlock(ctx, password)
	require.NoError(t, err)
	require.False(t, alreadyUnlocked)
	alreadyUnlocked, err = w.Unlock(ctx, password)
	require.NoError(t, err)
	require.True(t, alreadyUnlocked)

	dump, err := w.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, seed, dump)

	// a new wallet over the same store finds the key
	restored, err := singlekey.NewWallet(walletStore)
	require.NoError(t, err)
	_, err = restored.Unlock(ctx, password)
	require.NoError(t, err)
	dump, err = restored.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, seed, dump)

	require.NoError(t, w.Lock(ctx))
	require.True(t, w.IsLocked())
}

func TestSignMessage(t *testing.T) {
	ctx := context.Background()
	w := newWallet(t)
	pubkey, err := w.GetPublicKey(ctx)
	require.NoError(t, err)

	message := []byte("ark intent message")
	sig, err := w.SignMessage(ctx, message)
	require.NoError(t, err)

	ok, err := singlekey.VerifyMessage(pubkey, message, sig)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("mutated message", func(t *testing.T) {
		for i := range message {
			mutated := append([]byte(nil), message...)
			mutated[i] ^= 0x01
			ok, err := singlekey.VerifyMessage(pubkey, mutated, sig)
			require.NoError(t, err)
			require.False(t, ok, "byte %d", i)
		}
	})

	t.Run("mutated signature", func(t *testing.T) {
		sigBytes, err := hex.DecodeString(sig)
		require.NoError(t, err)
		for i := range sigBytes {
			mutated := append([]byte(nil), sigBytes...)
			mutated[i] ^= 0x01
			ok, err := singlekey.VerifyMessage(pubkey, message, hex.EncodeToString(mutated))
			// some mutations yield an unparsable signature
			require.False(t, err == nil && ok, "byte %d", i)
		}
	})

	t.Run("other key", func(t *testing.T) {
		other, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		ok, err := singlekey.VerifyMessage(other.PubKey(), message, sig)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestSignTransaction(t *testing.T) {
	ctx := context.Background()
	w := newWallet(t)
	owner, err := w.GetPublicKey(ctx)
	require.NoError(t, err)

	server, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	vtxoScript := script.NewDefaultVtxoScript(
		owner, server.PubKey(), script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144},
	)
	unroll := &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{server.PubKey()}},
		Locktime:        script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 10},
	}
	collaborative, err := vtxoScript.Closures[0].Script()
	require.NoError(t, err)

	inputs := make([]offchain.VtxoInput, 0, 2)
	for i := 0; i < 2; i++ {
		in, err := offchain.NewVtxoInput(
			&wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: 0},
			1000, vtxoScript, collaborative,
		)
		require.NoError(t, err)
		inputs = append(inputs, *in)
	}
	tapTree, err := vtxoScript.Build()
	require.NoError(t, err)

	arkTx, checkpoints, err := offchain.BuildTxs(
		inputs, []*wire.TxOut{{Value: 2000, PkScript: tapTree.PkScript}}, unroll,
	)
	require.NoError(t, err)

	for _, ptx := range append([]*psbt.Packet{arkTx}, checkpoints...) {
		b64, err := ptx.B64Encode()
		require.NoError(t, err)

		signed, err := w.SignTransaction(ctx, b64)
		require.NoError(t, err)
		// signing twice does not duplicate signatures
		signed, err = w.SignTransaction(ctx, signed)
		require.NoError(t, err)

		signedPtx, err := psbt.NewFromRawBytes(strings.NewReader(signed), true)
		require.NoError(t, err)
		for i := range signedPtx.Inputs {
			require.Len(t, signedPtx.Inputs[i].TaprootScriptSpendSig, 1)
			require.NoError(t, txutils.VerifyTapscriptSig(signedPtx, i, owner))
			require.Error(t, txutils.VerifyTapscriptSig(signedPtx, i, server.PubKey()))
		}
	}

	require.NoError(t, w.Lock(ctx))
	b64, err := arkTx.B64Encode()
	require.NoError(t, err)
	_, err = w.SignTransaction(ctx, b64)
	require.ErrorIs(t, err, singlekey.ErrLocked)
}

func TestNewVtxoTreeSigner(t *testing.T) {
	ctx := context.Background()
	w := newWallet(t)
	owner, err := w.GetPublicKey(ctx)
	require.NoError(t, err)

	s1, err := w.NewVtxoTreeSigner(ctx)
	require.NoError(t, err)
	s2, err := w.NewVtxoTreeSigner(ctx)
	require.NoError(t, err)

	require.NotEqual(t, s1.GetPublicKey(), s2.GetPublicKey())
	require.NotEqual(t, hex.EncodeToString(owner.SerializeCompressed()), s1.GetPublicKey())

	require.NoError(t, w.Lock(ctx))
	_, err = w.NewVtxoTreeSigner(ctx)
	require.ErrorIs(t, err, singlekey.ErrLocked)
}
