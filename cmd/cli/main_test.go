package main

import (
	"testing"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		raw, err := parseParams([]string{"owner=02aa", "exit_delay=512", "hash="})
		require.NoError(t, err)
		require.Equal(t, map[string]string{
			"owner":      "02aa",
			"exit_delay": "512",
			"hash":       "",
		}, raw)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, param := range []string{"owner", "=02aa"} {
			t.Run(param, func(t *testing.T) {
				_, err := parseParams([]string{param})
				require.ErrorContains(t, err, "must be key=value")
			})
		}
	})
}

func TestClosureName(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	keys := []*btcec.PublicKey{key.PubKey()}

	for _, tt := range []struct {
		closure  script.Closure
		expected string
	}{
		{&script.MultisigClosure{PubKeys: keys}, "multisig"},
		{
			&script.CSVMultisigClosure{
				MultisigClosure: script.MultisigClosure{PubKeys: keys},
				Locktime:        script.NewRelativeLocktime(144),
			},
			"csv_multisig",
		},
	} {
		t.Run(tt.expected, func(t *testing.T) {
			buf, err := tt.closure.Script()
			require.NoError(t, err)
			decoded, err := script.DecodeClosure(buf)
			require.NoError(t, err)
			require.Equal(t, tt.expected, closureName(decoded))
		})
	}
}
