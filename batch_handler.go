package arksdk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/arkade-os/ark-sdk/client"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/arkade-os/ark-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
	log "github.com/sirupsen/logrus"
)

// batchEventsHandler is the BatchEventHandlers of a settlement: it cosigns
// the vtxo tree with the session signers and forfeits the settled vtxos.
type batchEventsHandler struct {
	sessionId string
	transport client.TransportClient
	wallet    wallet.Identity
	config    *types.Config

	// intentId is empty when joining a registration made elsewhere.
	intentId       string
	vtxos          []types.TapscriptsVtxo
	receivers      []types.Receiver
	signerSessions []tree.SignerSession

	batchId        string
	sweepRoot      []byte
	commitmentTx   *wire.MsgTx
	activeSessions []tree.SignerSession
	// forfeitTxids maps every forfeited vtxo to the tx giving it up.
	forfeitTxids map[types.Outpoint]string
}

func newBatchEventsHandler(
	sessionId string, transport client.TransportClient, identity wallet.Identity,
	config *types.Config, intentId string, vtxos []types.TapscriptsVtxo,
	receivers []types.Receiver, signerSessions []tree.SignerSession,
) *batchEventsHandler {
	return &batchEventsHandler{
		sessionId:      sessionId,
		transport:      transport,
		wallet:         identity,
		config:         config,
		intentId:       intentId,
		vtxos:          vtxos,
		receivers:      receivers,
		signerSessions: signerSessions,
		forfeitTxids:   make(map[types.Outpoint]string),
	}
}

func (h *batchEventsHandler) OnBatchStarted(
	ctx context.Context, event client.BatchStartedEvent,
) (bool, error) {
	if h.intentId != "" {
		buf := sha256.Sum256([]byte(h.intentId))
		hashedIntentId := hex.EncodeToString(buf[:])
		if !slices.Contains(event.HashedIntentIds, hashedIntentId) {
			log.Debugf("session %s: batch %s did not select our intent", h.sessionId, event.Id)
			return false, nil
		}
		if err := h.transport.ConfirmRegistration(ctx, h.intentId); err != nil {
			return false, fmt.Errorf("failed to confirm registration: %w", err)
		}
	} else {
		log.Warnf(
			"session %s: joining batch %s for an intent registered elsewhere",
			h.sessionId, event.Id,
		)
	}

	expiry, err := safecast.ToUint32(event.BatchExpiry)
	if err != nil {
		return false, fmt.Errorf("invalid batch expiry %d: %w", event.BatchExpiry, err)
	}
	sweepClosure := &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{h.config.ForfeitPubKey},
		},
		Locktime: script.NewRelativeLocktime(expiry),
	}
	sweepRoot, err := tree.SweepTapTreeRoot(sweepClosure)
	if err != nil {
		return false, err
	}

	h.batchId = event.Id
	h.sweepRoot = sweepRoot
	h.commitmentTx = nil
	h.activeSessions = nil
	log.Infof("session %s: joined batch %s", h.sessionId, event.Id)
	return true, nil
}

func (h *batchEventsHandler) OnTreeTxEvent(_ context.Context, event client.TreeTxEvent) error {
	log.Tracef("session %s: received tree tx %s", h.sessionId, event.Node.Txid)
	return nil
}

func (h *batchEventsHandler) OnTreeSigningStarted(
	ctx context.Context, event client.TreeSigningStartedEvent, vtxoTree *tree.TxTree,
) (bool, error) {
	// without a confirmed registration the batch may belong to someone else
	if h.intentId == "" {
		if err := h.checkReceiversInTree(vtxoTree); err != nil {
			return false, fmt.Errorf("%w: %w", ErrNotInBatch, err)
		}
	}

	h.activeSessions = make([]tree.SignerSession, 0, len(h.signerSessions))
	for _, session := range h.signerSessions {
		if slices.Contains(event.CosignersPubkeys, session.GetPublicKey()) {
			h.activeSessions = append(h.activeSessions, session)
		}
	}
	if len(h.activeSessions) == 0 {
		log.Debugf("session %s: not a cosigner of the vtxo tree", h.sessionId)
		return false, nil
	}

	commitmentPtx, err := psbt.NewFromRawBytes(
		strings.NewReader(event.UnsignedCommitmentTx), true,
	)
	if err != nil {
		return false, fmt.Errorf("failed to parse commitment tx: %w", err)
	}
	h.commitmentTx = commitmentPtx.UnsignedTx

	if err := tree.ValidateVtxoTree(vtxoTree, h.commitmentTx, h.sweepRoot); err != nil {
		return false, fmt.Errorf("invalid vtxo tree: %w", err)
	}
	if err := h.checkReceiversInTree(vtxoTree); err != nil {
		return false, err
	}

	for _, session := range h.activeSessions {
		if err := session.Init(vtxoTree, h.sweepRoot, h.commitmentTx); err != nil {
			return false, fmt.Errorf("failed to init signer session: %w", err)
		}
		nonces, err := session.GetNonces()
		if err != nil {
			return false, err
		}
		if err := h.transport.SubmitTreeNonces(
			ctx, h.batchId, session.GetPublicKey(), nonces,
		); err != nil {
			return false, fmt.Errorf("failed to submit tree nonces: %w", err)
		}
	}
	log.Debugf("session %s: submitted tree nonces", h.sessionId)
	return true, nil
}

func (h *batchEventsHandler) OnTreeNoncesAggregated(
	ctx context.Context, event client.TreeNoncesAggregatedEvent,
) error {
	for _, session := range h.activeSessions {
		if err := session.SetAggregatedNonces(event.Nonces); err != nil {
			return fmt.Errorf("failed to set aggregated nonces: %w", err)
		}
		sigs, err := session.Sign()
		if err != nil {
			return fmt.Errorf("failed to sign vtxo tree: %w", err)
		}
		if err := h.transport.SubmitTreeSignatures(
			ctx, h.batchId, session.GetPublicKey(), sigs,
		); err != nil {
			return fmt.Errorf("failed to submit tree signatures: %w", err)
		}
	}
	log.Debugf("session %s: submitted tree signatures", h.sessionId)
	return nil
}

func (h *batchEventsHandler) OnTreeSignatureEvent(
	_ context.Context, event client.TreeSignatureEvent,
) error {
	log.Tracef("session %s: received signature of tree tx %s", h.sessionId, event.Txid)
	return nil
}

func (h *batchEventsHandler) OnBatchFinalization(
	ctx context.Context, event client.BatchFinalizationEvent,
	vtxoTree, connectorTree *tree.TxTree,
) error {
	if h.intentId == "" {
		if err := h.checkIntentInBatch(event.Tx, vtxoTree); err != nil {
			return err
		}
	}

	forfeited := forfeitableVtxos(h.vtxos)
	if len(forfeited) == 0 {
		return nil
	}

	commitmentPtx, err := psbt.NewFromRawBytes(strings.NewReader(event.Tx), true)
	if err != nil {
		return fmt.Errorf("failed to parse commitment tx: %w", err)
	}
	commitmentTx := commitmentPtx.UnsignedTx
	if h.commitmentTx != nil && h.commitmentTx.TxHash() != commitmentTx.TxHash() {
		return fmt.Errorf(
			"commitment tx changed from %s to %s",
			h.commitmentTx.TxHash(), commitmentTx.TxHash(),
		)
	}

	if connectorTree == nil {
		return fmt.Errorf("missing connector tree")
	}
	if err := tree.ValidateConnectorsTree(commitmentTx, connectorTree); err != nil {
		return fmt.Errorf("invalid connector tree: %w", err)
	}

	connectors := connectorTree.Leaves()
	if len(connectors) < len(forfeited) {
		return fmt.Errorf(
			"got %d connectors for %d vtxos to forfeit", len(connectors), len(forfeited),
		)
	}
	sort.SliceStable(connectors, func(i, j int) bool {
		return connectors[i].UnsignedTx.TxID() < connectors[j].UnsignedTx.TxID()
	})

	forfeitPkScript, err := h.forfeitPkScript()
	if err != nil {
		return err
	}

	signedForfeits := make([]string, 0, len(forfeited))
	forfeitTxids := make(map[types.Outpoint]string, len(forfeited))
	for i, vtxo := range forfeited {
		forfeitTx, err := buildForfeitTx(vtxo, connectors[i], forfeitPkScript)
		if err != nil {
			return fmt.Errorf("failed to build forfeit of %s: %w", vtxo.Outpoint, err)
		}
		b64, err := forfeitTx.B64Encode()
		if err != nil {
			return err
		}
		signed, err := h.wallet.SignTransaction(ctx, b64)
		if err != nil {
			return fmt.Errorf("failed to sign forfeit of %s: %w", vtxo.Outpoint, err)
		}
		signedForfeits = append(signedForfeits, signed)
		forfeitTxids[vtxo.Outpoint] = forfeitTx.UnsignedTx.TxID()
	}

	if err := h.transport.SubmitSignedForfeitTxs(ctx, signedForfeits, ""); err != nil {
		return fmt.Errorf("failed to submit forfeit txs: %w", err)
	}
	h.forfeitTxids = forfeitTxids
	log.Debugf("session %s: submitted %d forfeit txs", h.sessionId, len(signedForfeits))
	return nil
}

func (h *batchEventsHandler) OnBatchFinalized(
	_ context.Context, event client.BatchFinalizedEvent,
) error {
	log.Infof("session %s: batch %s finalized, commitment tx %s", h.sessionId, event.Id, event.Txid)
	return nil
}

func (h *batchEventsHandler) OnBatchFailed(
	_ context.Context, event client.BatchFailedEvent,
) error {
	log.Warnf("session %s: batch %s failed: %s", h.sessionId, event.Id, event.Reason)
	return nil
}

// checkReceiversInTree makes sure every offchain output asked by the intent
// is a leaf of the vtxo tree.
func (h *batchEventsHandler) checkReceiversInTree(vtxoTree *tree.TxTree) error {
	leafOutputs := make([]*wire.TxOut, 0)
	for _, leaf := range vtxoTree.Leaves() {
		for _, out := range leaf.UnsignedTx.TxOut {
			if !txutils.IsAnchor(out) {
				leafOutputs = append(leafOutputs, out)
			}
		}
	}

	for _, receiver := range h.receivers {
		if receiver.IsOnchain() {
			continue
		}
		out, _, err := receiver.ToTxOut(h.config.Network, h.config.Dust)
		if err != nil {
			return err
		}
		found := slices.ContainsFunc(leafOutputs, func(leafOut *wire.TxOut) bool {
			return leafOut.Value == out.Value && bytes.Equal(leafOut.PkScript, out.PkScript)
		})
		if !found {
			return fmt.Errorf(
				"vtxo tree is missing output of %d sats to %s", receiver.Amount, receiver.To,
			)
		}
	}
	return nil
}

// checkIntentInBatch makes sure the batch pays every receiver, offchain ones
// in the vtxo tree and onchain ones in the commitment tx.
func (h *batchEventsHandler) checkIntentInBatch(commitmentTx string, vtxoTree *tree.TxTree) error {
	onchain := make([]*wire.TxOut, 0)
	hasOffchain := false
	for _, receiver := range h.receivers {
		if !receiver.IsOnchain() {
			hasOffchain = true
			continue
		}
		out, _, err := receiver.ToTxOut(h.config.Network, h.config.Dust)
		if err != nil {
			return err
		}
		onchain = append(onchain, out)
	}

	if hasOffchain {
		if vtxoTree == nil {
			return fmt.Errorf("%w: batch has no vtxo tree", ErrNotInBatch)
		}
		if err := h.checkReceiversInTree(vtxoTree); err != nil {
			return fmt.Errorf("%w: %w", ErrNotInBatch, err)
		}
	}
	if len(onchain) == 0 {
		return nil
	}

	ptx, err := psbt.NewFromRawBytes(strings.NewReader(commitmentTx), true)
	if err != nil {
		return fmt.Errorf("failed to parse commitment tx: %w", err)
	}
	for _, out := range onchain {
		found := slices.ContainsFunc(ptx.UnsignedTx.TxOut, func(txOut *wire.TxOut) bool {
			return txOut.Value == out.Value && bytes.Equal(txOut.PkScript, out.PkScript)
		})
		if !found {
			return fmt.Errorf(
				"%w: commitment tx is missing output of %d sats", ErrNotInBatch, out.Value,
			)
		}
	}
	return nil
}

func (h *batchEventsHandler) forfeitPkScript() ([]byte, error) {
	addr, err := btcutil.DecodeAddress(h.config.ForfeitAddress, h.config.Network.Chain)
	if err != nil {
		return nil, fmt.Errorf("invalid forfeit address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

// forfeitableVtxos returns the vtxos to forfeit, ordered by outpoint. The
// i-th of them spends the i-th connector. Swept vtxos have nothing left to
// forfeit.
func forfeitableVtxos(vtxos []types.TapscriptsVtxo) []types.TapscriptsVtxo {
	forfeited := make([]types.TapscriptsVtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if !vtxo.IsRecoverable() {
			forfeited = append(forfeited, vtxo)
		}
	}
	sort.SliceStable(forfeited, func(i, j int) bool {
		return forfeited[i].Outpoint.String() < forfeited[j].Outpoint.String()
	})
	return forfeited
}

func buildForfeitTx(
	vtxo types.TapscriptsVtxo, connector *psbt.Packet, forfeitPkScript []byte,
) (*psbt.Packet, error) {
	vtxoScript, err := script.ParseVtxoScript(vtxo.Tapscripts)
	if err != nil {
		return nil, err
	}
	forfeitClosures := vtxoScript.ForfeitClosures()
	if len(forfeitClosures) == 0 {
		return nil, fmt.Errorf("vtxo script has no forfeit closure")
	}
	forfeitScript, err := forfeitClosures[0].Script()
	if err != nil {
		return nil, err
	}
	tapTree, err := vtxoScript.Build()
	if err != nil {
		return nil, err
	}
	leafProof, err := tapTree.FindLeaf(forfeitScript)
	if err != nil {
		return nil, err
	}

	vtxoOutpoint, err := vtxo.Outpoint.ToWire()
	if err != nil {
		return nil, err
	}
	amount, err := safecast.ToInt64(vtxo.Amount)
	if err != nil {
		return nil, err
	}

	connectorIndex := -1
	for i, out := range connector.UnsignedTx.TxOut {
		if !txutils.IsAnchor(out) {
			connectorIndex = i
			break
		}
	}
	if connectorIndex < 0 {
		return nil, fmt.Errorf("connector %s has no output", connector.UnsignedTx.TxID())
	}
	connectorOutpoint := &wire.OutPoint{
		Hash:  connector.UnsignedTx.TxHash(),
		Index: uint32(connectorIndex),
	}

	forfeitTx, err := tree.BuildForfeitTx(
		tree.ForfeitInput{
			Outpoint: vtxoOutpoint,
			Prevout:  &wire.TxOut{Value: amount, PkScript: tapTree.PkScript},
			Sequence: wire.MaxTxInSequenceNum,
		},
		tree.ForfeitInput{
			Outpoint: connectorOutpoint,
			Prevout:  connector.UnsignedTx.TxOut[connectorIndex],
			Sequence: wire.MaxTxInSequenceNum,
		},
		forfeitPkScript, 0,
	)
	if err != nil {
		return nil, err
	}

	forfeitTx.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: leafProof.ControlBlock,
		Script:       leafProof.Script,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	return forfeitTx, nil
}
