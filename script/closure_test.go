package script_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newKeys(t *testing.T, n int) []*btcec.PublicKey {
	t.Helper()
	keys := make([]*btcec.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		keys = append(keys, priv.PubKey())
	}
	return keys
}

func hashLock(t *testing.T, preimage []byte) script.Program {
	t.Helper()
	hash := sha256.Sum256(preimage)
	program, err := script.NewProgramBuilder().
		AddOp(script.OP_SHA256).
		AddData(hash[:]).
		AddOp(script.OP_EQUAL).
		Program()
	require.NoError(t, err)
	return program
}

func TestDecodeClosure(t *testing.T) {
	keys := newKeys(t, 3)
	condition := hashLock(t, []byte("secret"))

	introspection, err := script.NewProgramBuilder().
		AddInt64(0).
		AddOp(script.OP_INSPECTOUTPUTVALUE).
		AddOp(script.OP_DROP).
		AddOp(script.OP_TRUE).
		Program()
	require.NoError(t, err)

	tests := []struct {
		name    string
		closure script.Closure
	}{
		{
			name:    "multisig checksig",
			closure: &script.MultisigClosure{PubKeys: keys},
		},
		{
			name: "multisig checksigadd",
			closure: &script.MultisigClosure{
				PubKeys: keys, Type: script.MultisigTypeChecksigAdd,
			},
		},
		{
			name:    "single key",
			closure: &script.MultisigClosure{PubKeys: keys[:1]},
		},
		{
			name: "csv blocks",
			closure: &script.CSVMultisigClosure{
				MultisigClosure: script.MultisigClosure{PubKeys: keys[:1]},
				Locktime:        script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144},
			},
		},
		{
			name: "csv seconds",
			closure: &script.CSVMultisigClosure{
				MultisigClosure: script.MultisigClosure{PubKeys: keys[:2]},
				Locktime:        script.RelativeLocktime{Type: script.LocktimeTypeSecond, Value: 512 * 10},
			},
		},
		{
			name: "cltv",
			closure: &script.CLTVMultisigClosure{
				MultisigClosure: script.MultisigClosure{PubKeys: keys[:2]},
				Locktime:        script.AbsoluteLocktime(850_000),
			},
		},
		{
			name: "condition",
			closure: &script.ConditionMultisigClosure{
				MultisigClosure: script.MultisigClosure{PubKeys: keys[:2]},
				Condition:       condition,
			},
		},
		{
			name: "condition csv",
			closure: &script.ConditionCSVMultisigClosure{
				CSVMultisigClosure: script.CSVMultisigClosure{
					MultisigClosure: script.MultisigClosure{PubKeys: keys[:1]},
					Locktime:        script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 10},
				},
				Condition: condition,
			},
		},
		{
			name:    "program",
			closure: &script.ProgramClosure{Program: introspection},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.closure.Script()
			require.NoError(t, err)

			decoded, err := script.DecodeClosure(raw)
			require.NoError(t, err)
			require.IsType(t, tt.closure, decoded)

			reencoded, err := decoded.Script()
			require.NoError(t, err)
			require.Equal(t, raw, reencoded)
		})
	}
}

func TestDecodeClosureInvalid(t *testing.T) {
	_, err := script.DecodeClosure(nil)
	require.ErrorIs(t, err, script.ErrEmptyScript)

	_, err = script.DecodeClosure([]byte{0x20, 0x01})
	require.ErrorIs(t, err, script.ErrTruncatedPush)

	_, err = (&script.MultisigClosure{}).Script()
	require.ErrorIs(t, err, script.ErrNoPubkeys)

	_, err = (&script.ConditionMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: newKeys(t, 1)},
	}).Script()
	require.ErrorIs(t, err, script.ErrEmptyCondition)
}

func TestClosureWitness(t *testing.T) {
	keys := newKeys(t, 2)
	sigs := map[string][]byte{
		hex.EncodeToString(schnorr.SerializePubKey(keys[0])): {0x01},
		hex.EncodeToString(schnorr.SerializePubKey(keys[1])): {0x02},
	}
	controlBlock := []byte{0xc0}

	t.Run("multisig", func(t *testing.T) {
		closure := &script.MultisigClosure{PubKeys: keys}
		witness, err := closure.Witness(controlBlock, sigs, nil)
		require.NoError(t, err)

		raw, err := closure.Script()
		require.NoError(t, err)
		require.Equal(t, wire.TxWitness{{0x02}, {0x01}, raw, controlBlock}, witness)
	})

	t.Run("missing signature", func(t *testing.T) {
		closure := &script.MultisigClosure{PubKeys: append(keys, newKeys(t, 1)...)}
		_, err := closure.Witness(controlBlock, sigs, nil)
		require.ErrorIs(t, err, script.ErrMissingSignature)
	})

	t.Run("condition", func(t *testing.T) {
		closure := &script.ConditionMultisigClosure{
			MultisigClosure: script.MultisigClosure{PubKeys: keys},
			Condition:       hashLock(t, []byte("secret")),
		}
		_, err := closure.Witness(controlBlock, sigs, nil)
		require.ErrorIs(t, err, script.ErrMissingCondition)

		witness, err := closure.Witness(controlBlock, sigs, wire.TxWitness{[]byte("secret")})
		require.NoError(t, err)
		require.Len(t, witness, 5)
		require.Equal(t, []byte("secret"), witness[2])
	})
}

func TestVtxoScript(t *testing.T) {
	keys := newKeys(t, 3)
	owner, signer := keys[0], keys[1]
	delay := script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144}

	vtxoScript := script.NewDefaultVtxoScript(owner, signer, delay)

	t.Run("parse round trip", func(t *testing.T) {
		encoded, err := vtxoScript.Encode()
		require.NoError(t, err)

		parsed, err := script.ParseVtxoScript(encoded)
		require.NoError(t, err)

		tree, err := vtxoScript.Build()
		require.NoError(t, err)
		parsedTree, err := parsed.Build()
		require.NoError(t, err)
		require.Equal(t, tree.PkScript, parsedTree.PkScript)
	})

	t.Run("closures", func(t *testing.T) {
		require.Len(t, vtxoScript.ForfeitClosures(), 1)
		require.Len(t, vtxoScript.ExitClosures(), 1)

		smallest, err := vtxoScript.SmallestExitDelay()
		require.NoError(t, err)
		require.Equal(t, delay, *smallest)
	})

	t.Run("validate", func(t *testing.T) {
		require.NoError(t, vtxoScript.Validate(signer, delay))

		err := vtxoScript.Validate(keys[2], delay)
		require.ErrorIs(t, err, script.ErrSignerNotFound)

		longer := script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 288}
		err = vtxoScript.Validate(signer, longer)
		require.ErrorIs(t, err, script.ErrExitDelayTooShort)

		noExit := &script.VtxoScript{Closures: vtxoScript.ForfeitClosures()}
		require.ErrorIs(t, noExit.Validate(signer, delay), script.ErrNoExitPath)
	})

	t.Run("invalid hex", func(t *testing.T) {
		_, err := script.ParseVtxoScript([]string{"zz"})
		require.ErrorIs(t, err, script.ErrInvalidTapscriptHex)
	})
}

func TestAddress(t *testing.T) {
	keys := newKeys(t, 2)
	tree, err := script.NewDefaultVtxoScript(
		keys[0], keys[1], script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144},
	).Build()
	require.NoError(t, err)

	addr := script.NewAddress(script.HrpTestnet, keys[1], tree)
	encoded, err := addr.Encode()
	require.NoError(t, err)
	require.Contains(t, encoded, "tark1")

	decoded, err := script.DecodeAddress(encoded)
	require.NoError(t, err)
	require.True(t, addr.Equals(decoded))

	pkScript, err := decoded.PkScript()
	require.NoError(t, err)
	require.Equal(t, tree.PkScript, pkScript)

	last := "q"
	if encoded[len(encoded)-1] == 'q' {
		last = "p"
	}
	_, err = script.DecodeAddress(encoded[:len(encoded)-1] + last)
	require.ErrorIs(t, err, script.ErrInvalidAddress)
}

func TestSubDustScript(t *testing.T) {
	key := newKeys(t, 1)[0]
	pkScript, err := script.SubDustScript(key)
	require.NoError(t, err)
	require.True(t, script.IsSubDustScript(pkScript))

	p2tr, err := script.P2TRScript(key)
	require.NoError(t, err)
	require.False(t, script.IsSubDustScript(p2tr))
}

func TestBIP68(t *testing.T) {
	tests := []struct {
		locktime script.RelativeLocktime
		sequence uint32
	}{
		{script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 144}, 144},
		{script.RelativeLocktime{Type: script.LocktimeTypeSecond, Value: 512}, 1<<22 | 1},
		{script.RelativeLocktime{Type: script.LocktimeTypeSecond, Value: 86016}, 1<<22 | 168},
	}
	for _, tt := range tests {
		t.Run(tt.locktime.String(), func(t *testing.T) {
			sequence, err := script.BIP68Sequence(tt.locktime)
			require.NoError(t, err)
			require.Equal(t, tt.sequence, sequence)

			decoded, err := script.BIP68DecodeSequence(sequence)
			require.NoError(t, err)
			require.Equal(t, tt.locktime, *decoded)
		})
	}

	_, err := script.BIP68Sequence(script.RelativeLocktime{Type: script.LocktimeTypeSecond, Value: 1000})
	require.ErrorIs(t, err, script.ErrInvalidSecondsLocktime)

	_, err = script.BIP68Sequence(script.RelativeLocktime{Type: script.LocktimeTypeBlock, Value: 70000})
	require.ErrorIs(t, err, script.ErrLocktimeTooLarge)

	_, err = script.BIP68DecodeSequence(script.SequenceLockTimeDisabled)
	require.ErrorIs(t, err, script.ErrLocktimeDisabled)
}
