package script

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
)

// UnspendableKeyHex is the BIP-341 NUMS point H, used as internal key so that
// outputs can only be spent through their script leaves.
const UnspendableKeyHex = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var (
	ErrEmptyScript    = errors.New("empty script")
	ErrNoLeaves       = errors.New("tap tree must have at least one leaf")
	ErrDuplicateLeaf  = errors.New("duplicate tap leaf")
	ErrInvalidTapTree = errors.New("invalid tap tree encoding")
	ErrLeafNotFound   = errors.New("leaf not found in tap tree")
)

var unspendableKey *btcec.PublicKey

func init() {
	buf, _ := hex.DecodeString(UnspendableKeyHex)
	key, err := btcec.ParsePubKey(buf)
	if err != nil {
		panic(fmt.Sprintf("invalid unspendable key: %s", err))
	}
	unspendableKey = key
}

// UnspendableKey returns the NUMS internal key.
func UnspendableKey() *btcec.PublicKey {
	return unspendableKey
}

// TapTree is the taproot commitment to an ordered list of leaf scripts.
type TapTree struct {
	InternalKey *btcec.PublicKey
	OutputKey   *btcec.PublicKey
	PkScript    []byte
	Leaves      [][]byte

	tree *txscript.IndexedTapScriptTree
}

// BuildTapTree commits to the leaves with the NUMS internal key. A single leaf
// is the merkle root itself, more leaves are paired level by level in the
// given order and each branch hashes its children in lexicographic order.
func BuildTapTree(leaves [][]byte) (*TapTree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	tapLeaves := make([]txscript.TapLeaf, 0, len(leaves))
	seen := make(map[string]struct{}, len(leaves))
	for i, leaf := range leaves {
		if len(leaf) == 0 {
			return nil, fmt.Errorf("leaf %d: %w", i, ErrEmptyScript)
		}
		if _, ok := seen[string(leaf)]; ok {
			return nil, fmt.Errorf("leaf %d: %w", i, ErrDuplicateLeaf)
		}
		seen[string(leaf)] = struct{}{}
		tapLeaves = append(tapLeaves, txscript.NewBaseTapLeaf(leaf))
	}

	tree := txscript.AssembleTaprootScriptTree(tapLeaves...)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(unspendableKey, root[:])

	pkScript, err := P2TRScript(outputKey)
	if err != nil {
		return nil, err
	}

	copied := make([][]byte, 0, len(leaves))
	for _, leaf := range leaves {
		copied = append(copied, append([]byte(nil), leaf...))
	}

	return &TapTree{
		InternalKey: unspendableKey,
		OutputKey:   outputKey,
		PkScript:    pkScript,
		Leaves:      copied,
		tree:        tree,
	}, nil
}

// MerkleRoot returns the tap hash of the root node.
func (t *TapTree) MerkleRoot() []byte {
	root := t.tree.RootNode.TapHash()
	return root[:]
}

// Depths returns the depth of every leaf, in leaf order.
func (t *TapTree) Depths() []uint8 {
	depths := make([]uint8, 0, len(t.Leaves))
	for _, proof := range t.tree.LeafMerkleProofs {
		depths = append(depths, uint8(len(proof.InclusionProof)/32))
	}
	return depths
}

// Encode serializes the leaves with the tap tree layout.
func (t *TapTree) Encode() ([]byte, error) {
	return encodeLeaves(t.Leaves, t.Depths())
}

// FindLeaf returns the control block revealing the given leaf script.
func (t *TapTree) FindLeaf(script []byte) (*LeafProof, error) {
	for i, leaf := range t.Leaves {
		if !bytes.Equal(leaf, script) {
			continue
		}
		proof := t.tree.LeafMerkleProofs[i]
		controlBlock := proof.ToControlBlock(t.InternalKey)
		controlBlockBytes, err := controlBlock.ToBytes()
		if err != nil {
			return nil, err
		}
		return &LeafProof{
			Script:       append([]byte(nil), script...),
			ControlBlock: controlBlockBytes,
			MerklePath:   append([]byte(nil), proof.InclusionProof...),
			controlBlock: &controlBlock,
		}, nil
	}
	return nil, fmt.Errorf("%w: %x", ErrLeafNotFound, script)
}

// LeafProof reveals one leaf of a tap tree.
type LeafProof struct {
	Script       []byte
	ControlBlock []byte
	// MerklePath is the concatenation of the 32 byte sibling hashes, from the
	// leaf up to the root.
	MerklePath []byte

	controlBlock *txscript.ControlBlock
}

// Tapscript returns the partially revealed tapscript, as used by the weight
// estimator and the PSBT taproot leaf fields.
func (p *LeafProof) Tapscript() *waddrmgr.Tapscript {
	return &waddrmgr.Tapscript{
		Type:           waddrmgr.TapscriptTypePartialReveal,
		ControlBlock:   p.controlBlock,
		RevealedScript: p.Script,
	}
}

// ParsedControlBlock returns the decoded control block.
func (p *LeafProof) ParsedControlBlock() *txscript.ControlBlock {
	return p.controlBlock
}

// NewLeafProof rebuilds a leaf proof from a serialized control block.
func NewLeafProof(script, controlBlock []byte) (*LeafProof, error) {
	cb, err := txscript.ParseControlBlock(controlBlock)
	if err != nil {
		return nil, err
	}
	return &LeafProof{
		Script:       append([]byte(nil), script...),
		ControlBlock: append([]byte(nil), controlBlock...),
		MerklePath:   append([]byte(nil), cb.InclusionProof...),
		controlBlock: cb,
	}, nil
}

// EncodeTapTree serializes the leaves, in order, as a sequence of
// <depth><leaf version><compact size script length><script>.
func EncodeTapTree(leaves [][]byte) ([]byte, error) {
	tree, err := BuildTapTree(leaves)
	if err != nil {
		return nil, err
	}
	return tree.Encode()
}

func encodeLeaves(leaves [][]byte, depths []uint8) ([]byte, error) {
	var buf bytes.Buffer
	for i, leaf := range leaves {
		buf.WriteByte(depths[i])
		buf.WriteByte(byte(txscript.BaseLeafVersion))
		if err := wire.WriteVarBytes(&buf, 0, leaf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeTapTree parses an encoded tap tree back into its ordered leaves.
// The recorded depths must be exactly the ones BuildTapTree assigns to the
// same leaves, any other shape is rejected.
func DecodeTapTree(encoded []byte) ([][]byte, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTapTree)
	}

	r := bytes.NewReader(encoded)
	leaves := make([][]byte, 0)
	depths := make([]uint8, 0)
	for r.Len() > 0 {
		depth, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTapTree, err)
		}
		version, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: missing leaf version", ErrInvalidTapTree)
		}
		if txscript.TapscriptLeafVersion(version) != txscript.BaseLeafVersion {
			return nil, fmt.Errorf("%w: unsupported leaf version 0x%x", ErrInvalidTapTree, version)
		}
		leaf, err := wire.ReadVarBytes(r, 0, uint32(len(encoded)), "tapscript")
		if err != nil {
			return nil, fmt.Errorf("%w: truncated leaf: %s", ErrInvalidTapTree, err)
		}
		if len(leaf) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTapTree, ErrEmptyScript)
		}
		leaves = append(leaves, leaf)
		depths = append(depths, depth)
	}

	tree, err := BuildTapTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTapTree, err)
	}
	for i, depth := range tree.Depths() {
		if depths[i] != depth {
			return nil, fmt.Errorf(
				"%w: leaf %d has depth %d, expected %d", ErrInvalidTapTree, i, depths[i], depth,
			)
		}
	}
	return leaves, nil
}

// P2TRScript returns the segwit v1 output script of the key.
func P2TRScript(key *btcec.PublicKey) ([]byte, error) {
	return NewProgramBuilder().
		AddOp(OP_1).
		AddData(schnorr.SerializePubKey(key)).
		Script()
}

// ParseP2TRScript returns the output key of a segwit v1 script.
func ParseP2TRScript(pkScript []byte) (*btcec.PublicKey, error) {
	if len(pkScript) != 34 || pkScript[0] != byte(OP_1) || pkScript[1] != byte(OP_DATA_32) {
		return nil, fmt.Errorf("not a p2tr script: %x", pkScript)
	}
	return schnorr.ParsePubKey(pkScript[2:])
}
