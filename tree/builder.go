package tree

import (
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
)

const defaultRadix = 2

var ErrNoLeaves = errors.New("no leaves to build the tree from")

// Leaf is an output of the tree and the keys cosigning the path to it.
type Leaf struct {
	Amount              uint64
	PkScript            []byte
	CosignersPublicKeys []*btcec.PublicKey
}

type treeNode struct {
	leaf      *Leaf
	children  []*treeNode
	cosigners []*btcec.PublicKey
	amount    uint64
}

func newLeafNode(leaf Leaf) (*treeNode, error) {
	if len(leaf.CosignersPublicKeys) == 0 {
		return nil, fmt.Errorf("leaf %x has no cosigners", leaf.PkScript)
	}
	return &treeNode{
		leaf:      &leaf,
		cosigners: uniqueKeys(leaf.CosignersPublicKeys),
		amount:    leaf.Amount,
	}, nil
}

func newBranchNode(children []*treeNode) *treeNode {
	keys := make([]*btcec.PublicKey, 0)
	amount := uint64(0)
	for _, child := range children {
		keys = append(keys, child.cosigners...)
		amount += child.amount
	}
	return &treeNode{children: children, cosigners: uniqueKeys(keys), amount: amount}
}

func (n *treeNode) output(sweepTapTreeRoot []byte) (*wire.TxOut, error) {
	aggKey, err := AggregateKeys(n.cosigners, sweepTapTreeRoot)
	if err != nil {
		return nil, err
	}
	pkScript, err := script.P2TRScript(aggKey.FinalKey)
	if err != nil {
		return nil, err
	}
	amount, err := safecast.ToInt64(n.amount)
	if err != nil {
		return nil, err
	}
	return &wire.TxOut{Value: amount, PkScript: pkScript}, nil
}

func (n *treeNode) toTxTree(
	input wire.OutPoint, prevout *wire.TxOut, sweepTapTreeRoot []byte,
) (*TxTree, error) {
	outputs := make([]*wire.TxOut, 0, len(n.children)+2)
	if n.leaf != nil {
		amount, err := safecast.ToInt64(n.leaf.Amount)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, &wire.TxOut{Value: amount, PkScript: n.leaf.PkScript})
	}
	for _, child := range n.children {
		out, err := child.output(sweepTapTreeRoot)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	outputs = append(outputs, txutils.AnchorOutput())

	ptx, err := psbt.New(
		[]*wire.OutPoint{&input}, outputs, txutils.TxVersion, 0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}
	ptx.Inputs[0].WitnessUtxo = prevout
	if len(sweepTapTreeRoot) > 0 {
		ptx.Inputs[0].TaprootMerkleRoot = sweepTapTreeRoot
	}
	if err := txutils.AddCosignerKeys(ptx, 0, n.cosigners); err != nil {
		return nil, err
	}

	children := make(map[uint32]*TxTree, len(n.children))
	txHash := ptx.UnsignedTx.TxHash()
	for i, child := range n.children {
		outIndex := uint32(i)
		childTree, err := child.toTxTree(
			wire.OutPoint{Hash: txHash, Index: outIndex}, outputs[i], sweepTapTreeRoot,
		)
		if err != nil {
			return nil, err
		}
		children[outIndex] = childTree
	}
	return &TxTree{Root: ptx, Children: children}, nil
}

func buildRoot(leaves []Leaf, radix int) (*treeNode, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	if radix < 2 {
		radix = defaultRadix
	}

	nodes := make([]*treeNode, 0, len(leaves))
	for _, leaf := range leaves {
		node, err := newLeafNode(leaf)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	for len(nodes) > 1 {
		parents := make([]*treeNode, 0, (len(nodes)+radix-1)/radix)
		for i := 0; i < len(nodes); i += radix {
			end := min(i+radix, len(nodes))
			parents = append(parents, newBranchNode(nodes[i:end]))
		}
		nodes = parents
	}
	return nodes[0], nil
}

// BatchOutput returns the commitment tx output the vtxo tree of the given
// leaves spends.
func BatchOutput(leaves []Leaf, sweepTapTreeRoot []byte, radix int) (*wire.TxOut, error) {
	root, err := buildRoot(leaves, radix)
	if err != nil {
		return nil, err
	}
	return root.output(sweepTapTreeRoot)
}

// BuildVtxoTree builds the vtxo tree spending the batch output at rootInput.
// Every output of a tree tx is locked by the MuSig2 aggregate of the
// cosigners of the subtree below it, tweaked with the sweep tap tree root.
func BuildVtxoTree(
	rootInput wire.OutPoint, leaves []Leaf, sweepTapTreeRoot []byte, radix int,
) (*TxTree, error) {
	if len(sweepTapTreeRoot) == 0 {
		return nil, errors.New("missing sweep tap tree root")
	}
	root, err := buildRoot(leaves, radix)
	if err != nil {
		return nil, err
	}
	prevout, err := root.output(sweepTapTreeRoot)
	if err != nil {
		return nil, err
	}
	return root.toTxTree(rootInput, prevout, sweepTapTreeRoot)
}

// BuildConnectorsTree builds the binary tree of connector outputs. Nodes are
// locked by the untweaked aggregate of their cosigners.
func BuildConnectorsTree(rootInput wire.OutPoint, leaves []Leaf) (*TxTree, error) {
	root, err := buildRoot(leaves, defaultRadix)
	if err != nil {
		return nil, err
	}
	prevout, err := root.output(nil)
	if err != nil {
		return nil, err
	}
	return root.toTxTree(rootInput, prevout, nil)
}

// SweepTapTreeRoot returns the merkle root of the single leaf tap tree
// holding the server's sweep closure.
func SweepTapTreeRoot(sweepClosure script.Closure) ([]byte, error) {
	sweepScript, err := sweepClosure.Script()
	if err != nil {
		return nil, err
	}
	tapTree, err := script.BuildTapTree([][]byte{sweepScript})
	if err != nil {
		return nil, err
	}
	return tapTree.MerkleRoot(), nil
}

func uniqueKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]*btcec.PublicKey, 0, len(keys))
	for _, key := range keys {
		k := string(key.SerializeCompressed())
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, key)
	}
	return unique
}
