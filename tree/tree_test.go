package tree_test

import (
	"encoding/json"
	"testing"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type testBatch struct {
	users        []*btcec.PrivateKey
	server       *btcec.PrivateKey
	sweepRoot    []byte
	commitmentTx *wire.MsgTx
	vtxoTree     *tree.TxTree
}

func newPrivKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key
}

func newTestBatch(t *testing.T, nLeaves, radix int) *testBatch {
	t.Helper()

	server := newPrivKey(t)
	sweepRoot, err := tree.SweepTapTreeRoot(&script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{server.PubKey()}},
		Locktime:        script.RelativeLocktime{Type: script.LocktimeTypeSecond, Value: 512 * 20},
	})
	require.NoError(t, err)

	users := make([]*btcec.PrivateKey, 0, nLeaves)
	leaves := make([]tree.Leaf, 0, nLeaves)
	for i := 0; i < nLeaves; i++ {
		user := newPrivKey(t)
		users = append(users, user)
		pkScript, err := script.P2TRScript(newPrivKey(t).PubKey())
		require.NoError(t, err)
		leaves = append(leaves, tree.Leaf{
			Amount:              uint64(1000 * (i + 1)),
			PkScript:            pkScript,
			CosignersPublicKeys: []*btcec.PublicKey{user.PubKey(), server.PubKey()},
		})
	}

	batchOutput, err := tree.BatchOutput(leaves, sweepRoot, radix)
	require.NoError(t, err)

	commitmentTx := wire.NewMsgTx(3)
	commitmentTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xaa}}, nil, nil))
	commitmentTx.AddTxOut(batchOutput)

	vtxoTree, err := tree.BuildVtxoTree(
		wire.OutPoint{Hash: commitmentTx.TxHash(), Index: 0}, leaves, sweepRoot, radix,
	)
	require.NoError(t, err)

	return &testBatch{
		users:        users,
		server:       server,
		sweepRoot:    sweepRoot,
		commitmentTx: commitmentTx,
		vtxoTree:     vtxoTree,
	}
}

func TestBuildAndValidateVtxoTree(t *testing.T) {
	for _, tt := range []struct {
		leaves, radix, nodes int
	}{
		{1, 2, 1},
		{2, 2, 3},
		{4, 2, 7},
		{5, 2, 11},
		{5, 4, 8},
	} {
		batch := newTestBatch(t, tt.leaves, tt.radix)
		require.Len(t, batch.vtxoTree.Nodes(), tt.nodes)
		require.Len(t, batch.vtxoTree.Leaves(), tt.leaves)
		require.NoError(t, tree.ValidateVtxoTree(batch.vtxoTree, batch.commitmentTx, batch.sweepRoot))
	}
}

func TestValidateVtxoTreeInvalid(t *testing.T) {
	t.Run("wrong sweep root", func(t *testing.T) {
		batch := newTestBatch(t, 3, 2)
		wrongRoot := make([]byte, 32)
		err := tree.ValidateVtxoTree(batch.vtxoTree, batch.commitmentTx, wrongRoot)
		require.ErrorIs(t, err, tree.ErrInvalidTaprootScript)
	})

	t.Run("wrong commitment tx", func(t *testing.T) {
		batch := newTestBatch(t, 3, 2)
		other := batch.commitmentTx.Copy()
		other.TxIn[0].PreviousOutPoint.Index = 1
		err := tree.ValidateVtxoTree(batch.vtxoTree, other, batch.sweepRoot)
		require.ErrorIs(t, err, tree.ErrWrongCommitmentTxid)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		batch := newTestBatch(t, 3, 2)
		leaf := batch.vtxoTree.Leaves()[0]
		leaf.UnsignedTx.TxOut[0].Value++
		err := tree.ValidateVtxoTree(batch.vtxoTree, batch.commitmentTx, batch.sweepRoot)
		require.ErrorIs(t, err, tree.ErrInvalidAmount)
	})

	t.Run("missing anchor", func(t *testing.T) {
		batch := newTestBatch(t, 1, 2)
		root := batch.vtxoTree.Root.UnsignedTx
		root.TxOut = root.TxOut[:1]
		err := tree.ValidateVtxoTree(batch.vtxoTree, batch.commitmentTx, batch.sweepRoot)
		require.ErrorIs(t, err, tree.ErrInvalidAnchors)
	})
}

func TestTxTreeSerialization(t *testing.T) {
	batch := newTestBatch(t, 4, 2)

	flat, err := batch.vtxoTree.Serialize()
	require.NoError(t, err)
	require.Len(t, flat, 7)
	require.Len(t, flat.Leaves(), 4)

	// Order of the flat nodes does not matter.
	reversed := make(tree.FlatTxTree, 0, len(flat))
	for i := len(flat) - 1; i >= 0; i-- {
		reversed = append(reversed, flat[i])
	}
	rebuilt, err := tree.NewTxTree(reversed)
	require.NoError(t, err)
	require.Equal(t, batch.vtxoTree.Root.UnsignedTx.TxID(), rebuilt.Root.UnsignedTx.TxID())
	require.NoError(t, tree.ValidateVtxoTree(rebuilt, batch.commitmentTx, batch.sweepRoot))

	leafTxid := flat.Leaves()[0].Txid
	require.NotNil(t, rebuilt.Find(leafTxid))
	require.Nil(t, rebuilt.Find(chainhash.Hash{}.String()))

	t.Run("multiple roots", func(t *testing.T) {
		_, err := tree.NewTxTree(flat.Leaves())
		require.ErrorIs(t, err, tree.ErrMultipleRoots)
	})

	t.Run("missing child", func(t *testing.T) {
		_, err := tree.NewTxTree(flat[:1])
		require.ErrorIs(t, err, tree.ErrMissingChild)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := tree.NewTxTree(nil)
		require.ErrorIs(t, err, tree.ErrEmptyTree)
	})
}

func TestBuildConnectorsTree(t *testing.T) {
	server := newPrivKey(t)
	leaves := make([]tree.Leaf, 0, 3)
	for i := 0; i < 3; i++ {
		pkScript, err := script.P2TRScript(server.PubKey())
		require.NoError(t, err)
		leaves = append(leaves, tree.Leaf{
			Amount:              330,
			PkScript:            pkScript,
			CosignersPublicKeys: []*btcec.PublicKey{server.PubKey()},
		})
	}

	output, err := tree.BatchOutput(leaves, nil, 2)
	require.NoError(t, err)
	require.Equal(t, int64(990), output.Value)

	commitmentTx := wire.NewMsgTx(3)
	commitmentTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xbb}}, nil, nil))
	commitmentTx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: txutils.ANCHOR_PKSCRIPT})
	commitmentTx.AddTxOut(output)

	connectors, err := tree.BuildConnectorsTree(
		wire.OutPoint{Hash: commitmentTx.TxHash(), Index: 1}, leaves,
	)
	require.NoError(t, err)
	require.NoError(t, tree.ValidateConnectorsTree(commitmentTx, connectors))
	require.Len(t, connectors.Leaves(), 3)

	leaf := connectors.Leaves()[2]
	leaf.UnsignedTx.TxOut[0].Value = 1000
	require.ErrorIs(t, tree.ValidateConnectorsTree(commitmentTx, connectors), tree.ErrInvalidAmount)
}

func TestBuildForfeitTx(t *testing.T) {
	key := newPrivKey(t)
	pkScript, err := script.P2TRScript(key.PubKey())
	require.NoError(t, err)

	vtxo := tree.ForfeitInput{
		Outpoint: &wire.OutPoint{Hash: chainhash.Hash{1}},
		Prevout:  &wire.TxOut{Value: 10000, PkScript: pkScript},
		Sequence: wire.MaxTxInSequenceNum - 1,
	}
	connector := tree.ForfeitInput{
		Outpoint: &wire.OutPoint{Hash: chainhash.Hash{2}, Index: 1},
		Prevout:  &wire.TxOut{Value: 330, PkScript: pkScript},
		Sequence: wire.MaxTxInSequenceNum,
	}

	forfeit, err := tree.BuildForfeitTx(vtxo, connector, pkScript, 0)
	require.NoError(t, err)
	require.Len(t, forfeit.UnsignedTx.TxIn, 2)
	require.Equal(t, int64(10330), forfeit.UnsignedTx.TxOut[0].Value)
	require.Equal(t, 1, txutils.CountAnchors(forfeit.UnsignedTx))
	require.Equal(t, vtxo.Prevout, forfeit.Inputs[0].WitnessUtxo)

	_, err = tree.BuildForfeitTx(tree.ForfeitInput{}, connector, pkScript, 0)
	require.Error(t, err)
}

func TestSigningSession(t *testing.T) {
	batch := newTestBatch(t, 4, 2)
	signers := append([]*btcec.PrivateKey{batch.server}, batch.users...)

	sessions := make([]tree.SignerSession, 0, len(signers))
	for _, signer := range signers {
		session := tree.NewTreeSignerSession(signer)
		require.NoError(t, session.Init(batch.vtxoTree, batch.sweepRoot, batch.commitmentTx))
		sessions = append(sessions, session)
	}

	coordinator, err := tree.NewCoordinator(batch.vtxoTree, batch.sweepRoot, batch.commitmentTx)
	require.NoError(t, err)

	nonces := make([]tree.TreeNonces, 0, len(sessions))
	for i, session := range sessions {
		n, err := session.GetNonces()
		require.NoError(t, err)
		nonces = append(nonces, n)

		again, err := session.GetNonces()
		require.NoError(t, err)
		require.Equal(t, n, again)

		if i > 0 {
			// Each user cosigns the path from the root to its leaf.
			require.Len(t, n, 3)
		}
	}
	// The server cosigns every tx.
	require.Len(t, nonces[0], 7)

	// Nonces of everyone but the last user.
	for i := 0; i < len(sessions)-1; i++ {
		require.NoError(t, coordinator.AddNonce(signers[i].PubKey(), nonces[i]))
	}
	_, err = coordinator.AggregatedNonces()
	require.ErrorIs(t, err, tree.ErrMissingNonces)

	err = coordinator.AddNonce(signers[1].PubKey(), nonces[1])
	require.ErrorIs(t, err, tree.ErrDuplicateContributor)

	last := len(sessions) - 1
	require.NoError(t, coordinator.AddNonce(signers[last].PubKey(), nonces[last]))

	aggNonces, err := coordinator.AggregatedNonces()
	require.NoError(t, err)
	require.Len(t, aggNonces, 7)

	// Aggregated nonces go through the wire as JSON.
	encoded, err := json.Marshal(aggNonces)
	require.NoError(t, err)
	var decoded tree.TreeNonces
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	sigs := make([]tree.TreePartialSigs, 0, len(sessions))
	for _, session := range sessions {
		require.NoError(t, session.SetAggregatedNonces(decoded))
		s, err := session.Sign()
		require.NoError(t, err)

		encoded, err := json.Marshal(s)
		require.NoError(t, err)
		var wireSigs tree.TreePartialSigs
		require.NoError(t, json.Unmarshal(encoded, &wireSigs))
		sigs = append(sigs, wireSigs)

		_, err = session.Sign()
		require.ErrorIs(t, err, tree.ErrNonceUsed)
	}

	_, err = coordinator.SignTree()
	require.ErrorIs(t, err, tree.ErrMissingSignatures)

	// Combination does not depend on arrival order.
	for i := len(sigs) - 1; i >= 0; i-- {
		require.NoError(t, coordinator.AddSignatures(signers[i].PubKey(), sigs[i]))
	}

	signedTree, err := coordinator.SignTree()
	require.NoError(t, err)

	err = signedTree.Apply(func(node *tree.TxTree) (bool, error) {
		sig := node.Root.Inputs[0].TaprootKeySpendSig
		require.Len(t, sig, 64)
		_, err := schnorr.ParseSignature(sig)
		require.NoError(t, err)
		return true, nil
	})
	require.NoError(t, err)
}

func TestCoordinatorBuffersEarlySignatures(t *testing.T) {
	batch := newTestBatch(t, 1, 2)
	signers := []*btcec.PrivateKey{batch.server, batch.users[0]}

	coordinator, err := tree.NewCoordinator(batch.vtxoTree, batch.sweepRoot, batch.commitmentTx)
	require.NoError(t, err)

	sessions := make([]tree.SignerSession, 0, 2)
	nonces := make([]tree.TreeNonces, 0, 2)
	aggregator, err := tree.NewCoordinator(batch.vtxoTree, batch.sweepRoot, batch.commitmentTx)
	require.NoError(t, err)
	for _, signer := range signers {
		session := tree.NewTreeSignerSession(signer)
		require.NoError(t, session.Init(batch.vtxoTree, batch.sweepRoot, batch.commitmentTx))
		n, err := session.GetNonces()
		require.NoError(t, err)
		require.NoError(t, aggregator.AddNonce(signer.PubKey(), n))
		sessions = append(sessions, session)
		nonces = append(nonces, n)
	}
	aggNonces, err := aggregator.AggregatedNonces()
	require.NoError(t, err)

	userSession := sessions[1]
	require.NoError(t, userSession.SetAggregatedNonces(aggNonces))
	userSigs, err := userSession.Sign()
	require.NoError(t, err)

	// The user signature arrives before the server nonce.
	require.NoError(t, coordinator.AddNonce(signers[1].PubKey(), nonces[1]))
	require.NoError(t, coordinator.AddSignatures(signers[1].PubKey(), userSigs))
	require.NoError(t, coordinator.AddNonce(signers[0].PubKey(), nonces[0]))

	require.NoError(t, sessions[0].SetAggregatedNonces(aggNonces))
	serverSigs, err := sessions[0].Sign()
	require.NoError(t, err)
	require.NoError(t, coordinator.AddSignatures(signers[0].PubKey(), serverSigs))

	_, err = coordinator.SignTree()
	require.NoError(t, err)

	stranger := newPrivKey(t)
	err = coordinator.AddSignatures(stranger.PubKey(), serverSigs)
	require.ErrorIs(t, err, tree.ErrNotCosigner)
}

func TestCoordinatorRejectsInvalidPartialSig(t *testing.T) {
	batch := newTestBatch(t, 1, 2)
	signers := []*btcec.PrivateKey{batch.server, batch.users[0]}

	coordinator, err := tree.NewCoordinator(batch.vtxoTree, batch.sweepRoot, batch.commitmentTx)
	require.NoError(t, err)

	sessions := make([]tree.SignerSession, 0, 2)
	for _, signer := range signers {
		session := tree.NewTreeSignerSession(signer)
		require.NoError(t, session.Init(batch.vtxoTree, batch.sweepRoot, batch.commitmentTx))
		n, err := session.GetNonces()
		require.NoError(t, err)
		require.NoError(t, coordinator.AddNonce(signer.PubKey(), n))
		sessions = append(sessions, session)
	}
	aggNonces, err := coordinator.AggregatedNonces()
	require.NoError(t, err)

	require.NoError(t, sessions[0].SetAggregatedNonces(aggNonces))
	serverSigs, err := sessions[0].Sign()
	require.NoError(t, err)

	// Server signatures presented as the user's.
	err = coordinator.AddSignatures(signers[1].PubKey(), serverSigs)
	require.ErrorIs(t, err, tree.ErrInvalidPartialSig)
}
