package tree

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrMissingVtxoTree      = errors.New("missing vtxo tree")
	ErrMissingAggregateKey  = errors.New("missing aggregate key")
	ErrNoncesNotGenerated   = errors.New("nonces not generated")
	ErrMissingAggNonces     = errors.New("missing aggregated nonces")
	ErrNonceUsed            = errors.New("secret nonce already used")
	ErrNotCosigner          = errors.New("pubkey is not a cosigner of the tx")
	ErrUnknownTx            = errors.New("tx not part of the tree")
	ErrMissingNonces        = errors.New("missing nonces")
	ErrMissingSignatures    = errors.New("missing partial signatures")
	ErrInvalidPartialSig    = errors.New("invalid partial signature")
	ErrInvalidFinalSig      = errors.New("aggregated signature is invalid")
	ErrDuplicateContributor = errors.New("contribution already received")
)

// Musig2Nonce is the public nonce of a signer for one tree tx.
type Musig2Nonce struct {
	PubNonce [musig2.PubNonceSize]byte
}

func (n *Musig2Nonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(n.PubNonce[:]))
}

func (n *Musig2Nonce) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(buf) != musig2.PubNonceSize {
		return fmt.Errorf("invalid nonce length %d", len(buf))
	}
	copy(n.PubNonce[:], buf)
	return nil
}

// TreeNonces maps txids to public nonces.
type TreeNonces map[string]*Musig2Nonce

// TreePartialSigs maps txids to partial signatures. The JSON encoding is the
// hex of the 32 bytes s value.
type TreePartialSigs map[string]*musig2.PartialSignature

func (s TreePartialSigs) MarshalJSON() ([]byte, error) {
	encoded := make(map[string]string, len(s))
	for txid, sig := range s {
		var buf bytes.Buffer
		if err := sig.Encode(&buf); err != nil {
			return nil, err
		}
		encoded[txid] = hex.EncodeToString(buf.Bytes())
	}
	return json.Marshal(encoded)
}

func (s *TreePartialSigs) UnmarshalJSON(data []byte) error {
	encoded := make(map[string]string)
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	sigs := make(TreePartialSigs, len(encoded))
	for txid, sigHex := range encoded {
		buf, err := hex.DecodeString(sigHex)
		if err != nil {
			return err
		}
		sig := &musig2.PartialSignature{}
		if err := sig.Decode(bytes.NewReader(buf)); err != nil {
			return fmt.Errorf("invalid partial signature for %s: %w", txid, err)
		}
		sigs[txid] = sig
	}
	*s = sigs
	return nil
}

// AggregateKeys returns the MuSig2 aggregate of the sorted keys, taproot
// tweaked with scriptRoot when not empty.
func AggregateKeys(keys []*btcec.PublicKey, scriptRoot []byte) (*musig2.AggregateKey, error) {
	if len(keys) == 0 {
		return nil, ErrMissingAggregateKey
	}
	opts := make([]musig2.KeyAggOption, 0, 1)
	if len(scriptRoot) > 0 {
		opts = append(opts, musig2.WithTaprootKeyTweak(scriptRoot))
	}
	key, _, _, err := musig2.AggregateKeys(keys, true, opts...)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// signOpts are the signing options matching the key of AggregateKeys: no
// tweak at all when scriptRoot is empty.
func signOpts(scriptRoot []byte) []musig2.SignOption {
	opts := []musig2.SignOption{musig2.WithSortedKeys()}
	if len(scriptRoot) > 0 {
		opts = append(opts, musig2.WithTaprootSignTweak(scriptRoot))
	}
	return opts
}

func combineOpt(msg [32]byte, keys []*btcec.PublicKey, scriptRoot []byte) musig2.CombineOption {
	if len(scriptRoot) > 0 {
		return musig2.WithTaprootTweakedCombine(msg, keys, scriptRoot, true)
	}
	return musig2.WithTweakedCombine(msg, keys, nil, true)
}

// treeSighashes computes the key path sighash of every tx of the tree. The
// root spends the commitment tx output, any other tx spends its parent.
func treeSighashes(
	vtxoTree *TxTree, commitmentTx *wire.MsgTx,
) (map[string][32]byte, map[string]*wire.TxOut, error) {
	if vtxoTree == nil {
		return nil, nil, ErrMissingVtxoTree
	}

	prevouts := make(map[string]*wire.TxOut)
	rootInput := vtxoTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	if rootInput.Hash != commitmentTx.TxHash() ||
		int(rootInput.Index) >= len(commitmentTx.TxOut) {
		return nil, nil, fmt.Errorf(
			"%w: root spends %s, not an output of %s",
			ErrWrongCommitmentTxid, rootInput, commitmentTx.TxHash(),
		)
	}
	prevouts[vtxoTree.Root.UnsignedTx.TxID()] = commitmentTx.TxOut[rootInput.Index]

	err := vtxoTree.Apply(func(node *TxTree) (bool, error) {
		for outIndex, child := range node.Children {
			if int(outIndex) >= len(node.Root.UnsignedTx.TxOut) {
				return false, fmt.Errorf("%w: output %d", ErrParentChildMismatch, outIndex)
			}
			prevouts[child.Root.UnsignedTx.TxID()] = node.Root.UnsignedTx.TxOut[outIndex]
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}

	sighashes := make(map[string][32]byte, len(prevouts))
	err = vtxoTree.Apply(func(node *TxTree) (bool, error) {
		tx := node.Root.UnsignedTx
		prevout := prevouts[tx.TxID()]
		fetcher := txscript.NewCannedPrevOutputFetcher(prevout.PkScript, prevout.Value)
		message, err := txscript.CalcTaprootSignatureHash(
			txscript.NewTxSigHashes(tx, fetcher), txscript.SigHashDefault, tx, 0, fetcher,
		)
		if err != nil {
			return false, err
		}
		var msg [32]byte
		copy(msg[:], message)
		sighashes[tx.TxID()] = msg
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sighashes, prevouts, nil
}

func cosignersOf(node *TxTree) ([]*btcec.PublicKey, error) {
	keys, err := txutils.GetCosignerKeys(node.Root, 0)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: tx %s", ErrMissingCosigners, node.Root.UnsignedTx.TxID())
	}
	return keys, nil
}

func containsKey(keys []*btcec.PublicKey, key *btcec.PublicKey) bool {
	for _, k := range keys {
		if k.IsEqual(key) {
			return true
		}
	}
	return false
}

// finalNonce returns R = R1 + b*R2 for the aggregated nonce, with
// b = H_noncecoef(aggNonce || xonly(Q) || msg). Partial signatures on the
// wire only carry s, so whoever combines them has to recompute R.
func finalNonce(
	aggNonce [musig2.PubNonceSize]byte, aggKey *musig2.AggregateKey, msg [32]byte,
) (*btcec.PublicKey, error) {
	var buf bytes.Buffer
	buf.Write(aggNonce[:])
	buf.Write(schnorr.SerializePubKey(aggKey.FinalKey))
	buf.Write(msg[:])
	hash := chainhash.TaggedHash([]byte("MuSig/noncecoef"), buf.Bytes())

	var b btcec.ModNScalar
	b.SetByteSlice(hash[:])

	r1, err := btcec.ParseJacobian(aggNonce[:btcec.PubKeyBytesLenCompressed])
	if err != nil {
		return nil, err
	}
	r2, err := btcec.ParseJacobian(aggNonce[btcec.PubKeyBytesLenCompressed:])
	if err != nil {
		return nil, err
	}

	var r btcec.JacobianPoint
	btcec.ScalarMultNonConst(&b, &r2, &r2)
	btcec.AddNonConst(&r1, &r2, &r)
	if (r.X.IsZero() && r.Y.IsZero()) || r.Z.IsZero() {
		btcec.Generator().AsJacobian(&r)
	}
	r.ToAffine()
	return btcec.NewPublicKey(&r.X, &r.Y), nil
}

// SignerSession is the cosigner side of the tree signing protocol: commit to
// nonces, receive the aggregated nonces, produce partial signatures.
type SignerSession interface {
	Init(vtxoTree *TxTree, sweepTapTreeRoot []byte, commitmentTx *wire.MsgTx) error
	GetPublicKey() string
	GetNonces() (TreeNonces, error)
	SetAggregatedNonces(nonces TreeNonces) error
	Sign() (TreePartialSigs, error)
}

type treeSignerSession struct {
	lock sync.Mutex

	secretKey *btcec.PrivateKey
	vtxoTree  *TxTree
	sweepRoot []byte
	sighashes map[string][32]byte
	cosigners map[string][]*btcec.PublicKey

	nonces    map[string]*musig2.Nonces
	usedNonce map[string]bool
	aggNonces TreeNonces
}

// NewTreeSignerSession returns a signer session for the given cosigner key.
func NewTreeSignerSession(signer *btcec.PrivateKey) SignerSession {
	return &treeSignerSession{secretKey: signer}
}

func (s *treeSignerSession) Init(
	vtxoTree *TxTree, sweepTapTreeRoot []byte, commitmentTx *wire.MsgTx,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	sighashes, _, err := treeSighashes(vtxoTree, commitmentTx)
	if err != nil {
		return err
	}

	myKey := s.secretKey.PubKey()
	cosigners := make(map[string][]*btcec.PublicKey)
	err = vtxoTree.Apply(func(node *TxTree) (bool, error) {
		keys, err := cosignersOf(node)
		if err != nil {
			return false, err
		}
		if containsKey(keys, myKey) {
			cosigners[node.Root.UnsignedTx.TxID()] = keys
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	s.vtxoTree = vtxoTree
	s.sweepRoot = sweepTapTreeRoot
	s.sighashes = sighashes
	s.cosigners = cosigners
	s.nonces = nil
	s.usedNonce = make(map[string]bool)
	s.aggNonces = nil
	return nil
}

func (s *treeSignerSession) GetPublicKey() string {
	return hex.EncodeToString(s.secretKey.PubKey().SerializeCompressed())
}

// GetNonces generates one nonce pair per tx the key cosigns. Calling it again
// returns the same public nonces.
func (s *treeSignerSession) GetNonces() (TreeNonces, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.vtxoTree == nil {
		return nil, ErrMissingVtxoTree
	}

	if s.nonces == nil {
		nonces := make(map[string]*musig2.Nonces, len(s.cosigners))
		for txid := range s.cosigners {
			n, err := musig2.GenNonces(musig2.WithPublicKey(s.secretKey.PubKey()))
			if err != nil {
				return nil, err
			}
			nonces[txid] = n
		}
		s.nonces = nonces
	}

	pubNonces := make(TreeNonces, len(s.nonces))
	for txid, n := range s.nonces {
		pubNonces[txid] = &Musig2Nonce{PubNonce: n.PubNonce}
	}
	return pubNonces, nil
}

func (s *treeSignerSession) SetAggregatedNonces(nonces TreeNonces) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for txid := range s.cosigners {
		if _, ok := nonces[txid]; !ok {
			return fmt.Errorf("%w for tx %s", ErrMissingAggNonces, txid)
		}
	}
	s.aggNonces = nonces
	return nil
}

// Sign produces the partial signatures. Each secret nonce is wiped right
// after its signature is produced, a second call fails with ErrNonceUsed.
func (s *treeSignerSession) Sign() (TreePartialSigs, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.vtxoTree == nil {
		return nil, ErrMissingVtxoTree
	}
	if s.aggNonces == nil {
		return nil, ErrMissingAggNonces
	}

	sigs := make(TreePartialSigs, len(s.cosigners))
	for txid, keys := range s.cosigners {
		if s.usedNonce[txid] {
			return nil, fmt.Errorf("%w for tx %s", ErrNonceUsed, txid)
		}
		nonce, ok := s.nonces[txid]
		if !ok {
			return nil, ErrNoncesNotGenerated
		}

		sig, err := musig2.Sign(
			nonce.SecNonce, s.secretKey, s.aggNonces[txid].PubNonce, keys, s.sighashes[txid],
			signOpts(s.sweepRoot)...,
		)
		for i := range nonce.SecNonce {
			nonce.SecNonce[i] = 0
		}
		delete(s.nonces, txid)
		s.usedNonce[txid] = true
		if err != nil {
			return nil, fmt.Errorf("failed to sign tx %s: %w", txid, err)
		}
		sigs[txid] = sig
	}
	return sigs, nil
}

// Coordinator collects the nonces and partial signatures of every cosigner
// and combines them into the final key path signatures of the tree.
type Coordinator struct {
	lock sync.Mutex

	vtxoTree  *TxTree
	sweepRoot []byte
	sighashes map[string][32]byte
	prevouts  map[string]*wire.TxOut
	cosigners map[string][]*btcec.PublicKey
	aggKeys   map[string]*musig2.AggregateKey

	nonces    map[string]map[string][musig2.PubNonceSize]byte
	aggNonces map[string][musig2.PubNonceSize]byte
	sigs      map[string]map[string]*musig2.PartialSignature
	pending   map[string]map[string]*musig2.PartialSignature
}

// NewCoordinator prepares the combination of signatures for the tree.
func NewCoordinator(
	vtxoTree *TxTree, sweepTapTreeRoot []byte, commitmentTx *wire.MsgTx,
) (*Coordinator, error) {
	sighashes, prevouts, err := treeSighashes(vtxoTree, commitmentTx)
	if err != nil {
		return nil, err
	}

	cosigners := make(map[string][]*btcec.PublicKey)
	aggKeys := make(map[string]*musig2.AggregateKey)
	err = vtxoTree.Apply(func(node *TxTree) (bool, error) {
		keys, err := cosignersOf(node)
		if err != nil {
			return false, err
		}
		aggKey, err := AggregateKeys(keys, sweepTapTreeRoot)
		if err != nil {
			return false, err
		}
		txid := node.Root.UnsignedTx.TxID()
		cosigners[txid] = keys
		aggKeys[txid] = aggKey
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		vtxoTree:  vtxoTree,
		sweepRoot: sweepTapTreeRoot,
		sighashes: sighashes,
		prevouts:  prevouts,
		cosigners: cosigners,
		aggKeys:   aggKeys,
		nonces:    make(map[string]map[string][musig2.PubNonceSize]byte),
		aggNonces: make(map[string][musig2.PubNonceSize]byte),
		sigs:      make(map[string]map[string]*musig2.PartialSignature),
		pending:   make(map[string]map[string]*musig2.PartialSignature),
	}, nil
}

func (c *Coordinator) checkCosigner(txid string, pubkey *btcec.PublicKey) error {
	keys, ok := c.cosigners[txid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTx, txid)
	}
	if !containsKey(keys, pubkey) {
		return fmt.Errorf("%w %s", ErrNotCosigner, txid)
	}
	return nil
}

// AddNonce records the nonces of a cosigner. Once every cosigner of a tx
// sent its nonce, the aggregated nonce of the tx is computed and any
// buffered partial signature for it is verified.
func (c *Coordinator) AddNonce(pubkey *btcec.PublicKey, nonces TreeNonces) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	signer := hex.EncodeToString(pubkey.SerializeCompressed())
	for txid := range nonces {
		if err := c.checkCosigner(txid, pubkey); err != nil {
			return err
		}
		if _, ok := c.nonces[txid][signer]; ok {
			return fmt.Errorf("%w: nonce of %s for %s", ErrDuplicateContributor, signer, txid)
		}
	}

	for txid, nonce := range nonces {
		if c.nonces[txid] == nil {
			c.nonces[txid] = make(map[string][musig2.PubNonceSize]byte)
		}
		c.nonces[txid][signer] = nonce.PubNonce

		if len(c.nonces[txid]) != len(c.cosigners[txid]) {
			continue
		}
		pubNonces := make([][musig2.PubNonceSize]byte, 0, len(c.nonces[txid]))
		for _, key := range c.cosigners[txid] {
			pubNonces = append(pubNonces, c.nonces[txid][hex.EncodeToString(key.SerializeCompressed())])
		}
		aggNonce, err := musig2.AggregateNonces(pubNonces)
		if err != nil {
			return fmt.Errorf("failed to aggregate nonces of %s: %w", txid, err)
		}
		c.aggNonces[txid] = aggNonce

		for pendingSigner, sig := range c.pending[txid] {
			if err := c.verifyAndStore(txid, pendingSigner, sig); err != nil {
				return err
			}
		}
		delete(c.pending, txid)
	}
	return nil
}

// AggregatedNonces returns the aggregated nonce of every tx, failing if any
// cosigner has not sent its nonces yet.
func (c *Coordinator) AggregatedNonces() (TreeNonces, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	nonces := make(TreeNonces, len(c.cosigners))
	for txid := range c.cosigners {
		aggNonce, ok := c.aggNonces[txid]
		if !ok {
			return nil, fmt.Errorf("%w for tx %s", ErrMissingNonces, txid)
		}
		nonces[txid] = &Musig2Nonce{PubNonce: aggNonce}
	}
	return nonces, nil
}

// AddSignatures records the partial signatures of a cosigner. Signatures for
// a tx whose nonces are not complete yet are buffered and verified later.
func (c *Coordinator) AddSignatures(pubkey *btcec.PublicKey, sigs TreePartialSigs) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	signer := hex.EncodeToString(pubkey.SerializeCompressed())
	for txid := range sigs {
		if err := c.checkCosigner(txid, pubkey); err != nil {
			return err
		}
		if _, ok := c.sigs[txid][signer]; ok {
			return fmt.Errorf("%w: signature of %s for %s", ErrDuplicateContributor, signer, txid)
		}
	}

	for txid, sig := range sigs {
		if _, ok := c.aggNonces[txid]; !ok {
			if c.pending[txid] == nil {
				c.pending[txid] = make(map[string]*musig2.PartialSignature)
			}
			c.pending[txid][signer] = sig
			continue
		}
		if err := c.verifyAndStore(txid, signer, sig); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) verifyAndStore(txid, signer string, sig *musig2.PartialSignature) error {
	buf, err := hex.DecodeString(signer)
	if err != nil {
		return err
	}
	pubkey, err := btcec.ParsePubKey(buf)
	if err != nil {
		return err
	}

	ok := sig.Verify(
		c.nonces[txid][signer], c.aggNonces[txid], c.cosigners[txid], pubkey, c.sighashes[txid],
		signOpts(c.sweepRoot)...,
	)
	if !ok {
		return fmt.Errorf("%w: signer %s, tx %s", ErrInvalidPartialSig, signer, txid)
	}

	if c.sigs[txid] == nil {
		c.sigs[txid] = make(map[string]*musig2.PartialSignature)
	}
	c.sigs[txid][signer] = sig
	return nil
}

// SignTree combines the partial signatures of every tx and sets the
// resulting key path signatures on the tree.
func (c *Coordinator) SignTree() (*TxTree, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	err := c.vtxoTree.Apply(func(node *TxTree) (bool, error) {
		txid := node.Root.UnsignedTx.TxID()
		keys := c.cosigners[txid]
		if len(c.sigs[txid]) != len(keys) {
			return false, fmt.Errorf(
				"%w for tx %s: %d/%d", ErrMissingSignatures, txid, len(c.sigs[txid]), len(keys),
			)
		}

		msg := c.sighashes[txid]
		r, err := finalNonce(c.aggNonces[txid], c.aggKeys[txid], msg)
		if err != nil {
			return false, err
		}

		partialSigs := make([]*musig2.PartialSignature, 0, len(keys))
		for _, key := range keys {
			partialSigs = append(partialSigs, c.sigs[txid][hex.EncodeToString(key.SerializeCompressed())])
		}
		combined := musig2.CombineSigs(
			r, partialSigs, combineOpt(msg, keys, c.sweepRoot),
		)

		outputKey, err := script.ParseP2TRScript(c.prevouts[txid].PkScript)
		if err != nil {
			return false, err
		}
		if !combined.Verify(msg[:], outputKey) {
			return false, fmt.Errorf("%w for tx %s", ErrInvalidFinalSig, txid)
		}

		node.Root.Inputs[0].TaprootKeySpendSig = combined.Serialize()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return c.vtxoTree, nil
}
