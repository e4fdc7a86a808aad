package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arkade-os/ark-sdk/script"
	filestore "github.com/arkade-os/ark-sdk/store/file"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestConfigStore(t *testing.T) {
	ctx := context.Background()
	datadir := t.TempDir()

	store, err := filestore.NewConfigStore(datadir)
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, types.FileStore, store.GetType())
	require.Equal(t, datadir, store.GetDatadir())

	data, err := store.GetData(ctx)
	require.NoError(t, err)
	require.Nil(t, data)

	signer, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	config := types.Config{
		ServerUrl:           "localhost:7070",
		SignerPubKey:        signer.PubKey(),
		ForfeitPubKey:       signer.PubKey(),
		ForfeitAddress:      "bcrt1qforfeit",
		Network:             types.BitcoinRegTest,
		SessionDuration:     10,
		UnilateralExitDelay: script.NewRelativeLocktime(1024),
		Dust:                330,
		VtxoMinAmount:       -1,
		VtxoMaxAmount:       -1,
		CheckpointTapscript: "00",
		Fees: types.FeeInfo{
			TxFeeRate: 1.5,
			IntentFees: types.IntentFeeInfo{
				OffchainInput: "inputType == 'recoverable' ? 0.0 : 10.0",
			},
		},
	}
	require.NoError(t, store.AddData(ctx, config))

	// a fresh store reads what the previous one wrote
	reopened, err := filestore.NewConfigStore(datadir)
	require.NoError(t, err)
	got, err := reopened.GetData(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.SignerPubKey.IsEqual(config.SignerPubKey))
	require.True(t, got.ForfeitPubKey.IsEqual(config.ForfeitPubKey))
	got.SignerPubKey, got.ForfeitPubKey = config.SignerPubKey, config.ForfeitPubKey
	require.Equal(t, config, *got)

	require.NoError(t, store.CleanData(ctx))
	require.NoError(t, store.CleanData(ctx))
	data, err = store.GetData(ctx)
	require.NoError(t, err)
	require.Nil(t, data)

	t.Run("corrupted", func(t *testing.T) {
		err := os.WriteFile(filepath.Join(datadir, "state.json"), []byte("{"), 0o600)
		require.NoError(t, err)
		_, err = store.GetData(ctx)
		require.Error(t, err)
	})
}
