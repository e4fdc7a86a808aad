package tree

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestSignOptsMatchAggregateKey(t *testing.T) {
	for _, tt := range []struct {
		name       string
		scriptRoot []byte
	}{
		{"no script root", nil},
		{"empty script root", []byte{}},
		{"script root", chainhash.HashB([]byte("sweep"))},
	} {
		t.Run(tt.name, func(t *testing.T) {
			signers := make([]*btcec.PrivateKey, 0, 2)
			keys := make([]*btcec.PublicKey, 0, 2)
			for range 2 {
				key, err := btcec.NewPrivateKey()
				require.NoError(t, err)
				signers = append(signers, key)
				keys = append(keys, key.PubKey())
			}
			aggKey, err := AggregateKeys(keys, tt.scriptRoot)
			require.NoError(t, err)

			nonces := make([]*musig2.Nonces, 0, len(signers))
			pubNonces := make([][musig2.PubNonceSize]byte, 0, len(signers))
			for _, signer := range signers {
				nonce, err := musig2.GenNonces(musig2.WithPublicKey(signer.PubKey()))
				require.NoError(t, err)
				nonces = append(nonces, nonce)
				pubNonces = append(pubNonces, nonce.PubNonce)
			}
			aggNonce, err := musig2.AggregateNonces(pubNonces)
			require.NoError(t, err)

			msg := chainhash.HashH([]byte("tree tx"))
			sigs := make([]*musig2.PartialSignature, 0, len(signers))
			for i, signer := range signers {
				sig, err := musig2.Sign(
					nonces[i].SecNonce, signer, aggNonce, keys, msg, signOpts(tt.scriptRoot)...,
				)
				require.NoError(t, err)
				require.True(t, sig.Verify(
					nonces[i].PubNonce, aggNonce, keys, signer.PubKey(), msg,
					signOpts(tt.scriptRoot)...,
				))
				sigs = append(sigs, sig)
			}

			r, err := finalNonce(aggNonce, aggKey, msg)
			require.NoError(t, err)
			combined := musig2.CombineSigs(r, sigs, combineOpt(msg, keys, tt.scriptRoot))
			require.True(t, combined.Verify(msg[:], aggKey.FinalKey))
		})
	}
}
