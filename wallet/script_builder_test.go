package wallet_test

import (
	"testing"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

type shortExitBuilder struct{}

func (shortExitBuilder) BuildOffchainScript(
	user, signer *btcec.PublicKey, _ script.RelativeLocktime,
) ([]string, error) {
	return script.NewDefaultVtxoScript(
		user, signer, script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 1},
	).Encode()
}

func TestOffchainAddress(t *testing.T) {
	user, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signer, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	exitDelay := script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144}

	addr, err := wallet.OffchainAddress(nil, user.PubKey(), signer.PubKey(), exitDelay, script.HrpTestnet)
	require.NoError(t, err)
	require.Len(t, addr.Tapscripts, 2)

	decoded, err := script.DecodeAddress(addr.Address)
	require.NoError(t, err)
	require.Equal(t, script.HrpTestnet, decoded.HRP)
	require.Equal(t, schnorr.SerializePubKey(signer.PubKey()), schnorr.SerializePubKey(decoded.Signer))

	vtxoScript, err := script.ParseVtxoScript(addr.Tapscripts)
	require.NoError(t, err)
	tapTree, err := vtxoScript.Build()
	require.NoError(t, err)
	pkScript, err := decoded.PkScript()
	require.NoError(t, err)
	require.Equal(t, tapTree.PkScript, pkScript)

	_, err = wallet.OffchainAddress(
		shortExitBuilder{}, user.PubKey(), signer.PubKey(), exitDelay, script.HrpTestnet,
	)
	require.ErrorIs(t, err, script.ErrExitDelayTooShort)
}
