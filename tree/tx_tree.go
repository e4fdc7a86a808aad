package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

var (
	ErrEmptyTree       = errors.New("empty tx tree")
	ErrMultipleRoots   = errors.New("tx tree has more than one root")
	ErrNoRoot          = errors.New("tx tree has no root")
	ErrMissingChild    = errors.New("tx tree references an unknown child")
	ErrUnreachableNode = errors.New("tx tree has unreachable nodes")
	ErrDuplicateNode   = errors.New("tx tree has duplicate nodes")
)

// TxTreeNode is the flat, wire friendly representation of a tree tx: the
// base64 PSBT and the txids of its children indexed by the output they spend.
type TxTreeNode struct {
	Txid     string
	Tx       string
	Children map[uint32]string
}

// FlatTxTree is the list of nodes of a tree, in any order.
type FlatTxTree []TxTreeNode

// Leaves returns the nodes without children.
func (f FlatTxTree) Leaves() []TxTreeNode {
	leaves := make([]TxTreeNode, 0)
	for _, node := range f {
		if len(node.Children) == 0 {
			leaves = append(leaves, node)
		}
	}
	return leaves
}

// TxTree is a tree of presigned transactions. Every child spends one output
// of its parent through its first and only input.
type TxTree struct {
	Root     *psbt.Packet
	Children map[uint32]*TxTree
}

// NewTxTree rebuilds the tree from its flat representation. Exactly one node
// must not be referenced as a child and every node must be reachable from it.
func NewTxTree(flat FlatTxTree) (*TxTree, error) {
	if len(flat) == 0 {
		return nil, ErrEmptyTree
	}

	nodes := make(map[string]TxTreeNode, len(flat))
	for _, node := range flat {
		if _, ok := nodes[node.Txid]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, node.Txid)
		}
		nodes[node.Txid] = node
	}

	isChild := make(map[string]bool, len(flat))
	for _, node := range flat {
		for _, child := range node.Children {
			if _, ok := nodes[child]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingChild, child)
			}
			isChild[child] = true
		}
	}

	roots := make([]string, 0, 1)
	for _, node := range flat {
		if !isChild[node.Txid] {
			roots = append(roots, node.Txid)
		}
	}
	switch len(roots) {
	case 0:
		return nil, ErrNoRoot
	case 1:
	default:
		return nil, fmt.Errorf("%w: %s", ErrMultipleRoots, strings.Join(roots, ", "))
	}

	visited := make(map[string]bool, len(flat))
	tree, err := buildTxTree(roots[0], nodes, visited)
	if err != nil {
		return nil, err
	}
	if len(visited) != len(nodes) {
		return nil, ErrUnreachableNode
	}
	return tree, nil
}

func buildTxTree(txid string, nodes map[string]TxTreeNode, visited map[string]bool) (*TxTree, error) {
	if visited[txid] {
		return nil, fmt.Errorf("%w: cycle at %s", ErrDuplicateNode, txid)
	}
	visited[txid] = true

	node := nodes[txid]
	ptx, err := psbt.NewFromRawBytes(strings.NewReader(node.Tx), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tx %s: %w", txid, err)
	}
	if got := ptx.UnsignedTx.TxID(); got != txid {
		return nil, fmt.Errorf("txid mismatch: expected %s, got %s", txid, got)
	}

	children := make(map[uint32]*TxTree, len(node.Children))
	for outIndex, childTxid := range node.Children {
		child, err := buildTxTree(childTxid, nodes, visited)
		if err != nil {
			return nil, err
		}
		children[outIndex] = child
	}
	return &TxTree{Root: ptx, Children: children}, nil
}

// Serialize flattens the tree, parents before children.
func (t *TxTree) Serialize() (FlatTxTree, error) {
	if t == nil {
		return nil, ErrEmptyTree
	}
	flat := make(FlatTxTree, 0)
	err := t.Apply(func(node *TxTree) (bool, error) {
		b64, err := node.Root.B64Encode()
		if err != nil {
			return false, err
		}
		children := make(map[uint32]string, len(node.Children))
		for outIndex, child := range node.Children {
			children[outIndex] = child.Root.UnsignedTx.TxID()
		}
		flat = append(flat, TxTreeNode{
			Txid:     node.Root.UnsignedTx.TxID(),
			Tx:       b64,
			Children: children,
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return flat, nil
}

// Apply visits the tree depth first. When fn returns false the children of
// the current node are skipped.
func (t *TxTree) Apply(fn func(node *TxTree) (bool, error)) error {
	if t == nil {
		return nil
	}
	shouldContinue, err := fn(t)
	if err != nil {
		return err
	}
	if !shouldContinue {
		return nil
	}
	for _, outIndex := range t.childIndexes() {
		if err := t.Children[outIndex].Apply(fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *TxTree) childIndexes() []uint32 {
	indexes := make([]uint32, 0, len(t.Children))
	for outIndex := range t.Children {
		indexes = append(indexes, outIndex)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// Find returns the subtree rooted at the given txid, if any.
func (t *TxTree) Find(txid string) *TxTree {
	var found *TxTree
	// nolint:errcheck
	t.Apply(func(node *TxTree) (bool, error) {
		if found != nil {
			return false, nil
		}
		if node.Root.UnsignedTx.TxID() == txid {
			found = node
			return false, nil
		}
		return true, nil
	})
	return found
}

// Leaves returns the txs without children, left to right.
func (t *TxTree) Leaves() []*psbt.Packet {
	leaves := make([]*psbt.Packet, 0)
	// nolint:errcheck
	t.Apply(func(node *TxTree) (bool, error) {
		if len(node.Children) == 0 {
			leaves = append(leaves, node.Root)
		}
		return true, nil
	})
	return leaves
}

// Nodes returns every tx of the tree, parents before children.
func (t *TxTree) Nodes() []*psbt.Packet {
	nodes := make([]*psbt.Packet, 0)
	// nolint:errcheck
	t.Apply(func(node *TxTree) (bool, error) {
		nodes = append(nodes, node.Root)
		return true, nil
	})
	return nodes
}

// Validate checks the structure of the tree: single input txs, each child
// spending the parent output it is attached to.
func (t *TxTree) Validate() error {
	if t == nil || t.Root == nil {
		return ErrEmptyTree
	}
	return t.Apply(func(node *TxTree) (bool, error) {
		if len(node.Root.UnsignedTx.TxIn) != 1 {
			return false, fmt.Errorf(
				"%w: tx %s has %d inputs", ErrNumberOfInputs,
				node.Root.UnsignedTx.TxID(), len(node.Root.UnsignedTx.TxIn),
			)
		}
		parentHash := node.Root.UnsignedTx.TxHash()
		for outIndex, child := range node.Children {
			if int(outIndex) >= len(node.Root.UnsignedTx.TxOut) {
				return false, fmt.Errorf(
					"%w: output %d of %s does not exist", ErrParentChildMismatch, outIndex, parentHash,
				)
			}
			if len(child.Root.UnsignedTx.TxIn) != 1 {
				return false, fmt.Errorf("%w: child of %s", ErrNumberOfInputs, parentHash)
			}
			prevout := child.Root.UnsignedTx.TxIn[0].PreviousOutPoint
			if prevout.Hash != parentHash || prevout.Index != outIndex {
				return false, fmt.Errorf(
					"%w: %s does not spend %s:%d", ErrParentChildMismatch,
					child.Root.UnsignedTx.TxID(), parentHash, outIndex,
				)
			}
		}
		return true, nil
	})
}
