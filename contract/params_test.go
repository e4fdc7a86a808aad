package contract_test

import (
	"testing"

	"github.com/arkade-os/ark-sdk/contract"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key
}

func TestDefaultParams(t *testing.T) {
	owner, server := newKey(t).PubKey(), newKey(t).PubKey()

	testCases := []struct {
		name      string
		exitDelay script.RelativeLocktime
	}{
		{"blocks", script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144}},
		{"seconds", script.RelativeLocktime{Type: script.LocktimeTypeSecond, Value: 512 * 10}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := contract.DefaultParams{
				Owner: owner, Server: server, ExitDelay: tc.exitDelay,
			}.Encode()
			require.NoError(t, err)

			params, err := contract.DecodeDefaultParams(buf)
			require.NoError(t, err)
			require.True(t, params.Owner.IsEqual(owner))
			require.True(t, params.Server.IsEqual(server))
			require.Equal(t, tc.exitDelay, params.ExitDelay)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := contract.DefaultParams{Owner: owner}.Encode()
		require.ErrorIs(t, err, contract.ErrInvalidParams)

		buf, err := contract.DefaultParams{
			Owner: owner, Server: server, ExitDelay: script.NewRelativeLocktime(10),
		}.Encode()
		require.NoError(t, err)

		_, err = contract.DecodeDefaultParams(buf[:len(buf)-2])
		require.ErrorIs(t, err, contract.ErrInvalidParams)
		// default params miss the records of an htlc
		_, err = contract.DecodeHTLCParams(buf)
		require.ErrorIs(t, err, contract.ErrInvalidParams)
	})
}

func TestHTLCParams(t *testing.T) {
	preimage, err := lntypes.RandomPreimage()
	require.NoError(t, err)
	params := newHTLCParams(t, *preimage)

	t.Run("without preimage", func(t *testing.T) {
		buf, err := params.Encode()
		require.NoError(t, err)

		decoded, err := contract.DecodeHTLCParams(buf)
		require.NoError(t, err)
		require.Nil(t, decoded.Preimage)
		require.Equal(t, params.PreimageHash, decoded.PreimageHash)
		require.Equal(t, params.RefundLocktime, decoded.RefundLocktime)
		require.Equal(t, params.UnilateralClaimDelay, decoded.UnilateralClaimDelay)
		require.Equal(t, params.UnilateralRefundDelay, decoded.UnilateralRefundDelay)
		require.Equal(
			t, params.UnilateralRefundWithoutReceiverDelay,
			decoded.UnilateralRefundWithoutReceiverDelay,
		)
		require.True(t, decoded.Sender.IsEqual(params.Sender))
		require.True(t, decoded.Receiver.IsEqual(params.Receiver))
		require.True(t, decoded.Server.IsEqual(params.Server))
	})

	t.Run("with preimage", func(t *testing.T) {
		withPreimage := params
		withPreimage.Preimage = preimage
		buf, err := withPreimage.Encode()
		require.NoError(t, err)

		decoded, err := contract.DecodeHTLCParams(buf)
		require.NoError(t, err)
		require.NotNil(t, decoded.Preimage)
		require.Equal(t, *preimage, *decoded.Preimage)
	})

	t.Run("invalid", func(t *testing.T) {
		other, err := lntypes.RandomPreimage()
		require.NoError(t, err)

		testCases := []struct {
			name   string
			mutate func(*contract.HTLCParams)
		}{
			{"missing sender", func(p *contract.HTLCParams) { p.Sender = nil }},
			{"short hash", func(p *contract.HTLCParams) { p.PreimageHash = p.PreimageHash[:19] }},
			{"missing refund locktime", func(p *contract.HTLCParams) { p.RefundLocktime = 0 }},
			{"wrong preimage", func(p *contract.HTLCParams) { p.Preimage = other }},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				invalid := params
				invalid.PreimageHash = append([]byte(nil), params.PreimageHash...)
				tc.mutate(&invalid)
				_, err := invalid.Encode()
				require.ErrorIs(t, err, contract.ErrInvalidParams)
			})
		}
	})
}
