package arksdk

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/client"
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	log "github.com/sirupsen/logrus"
)

// BatchState is the progress of a client inside a batch session.
type BatchState int

const (
	// Registered waits for a batch selecting the intent.
	Registered BatchState = iota
	// NoncesRequested is entered when the server asks for tree nonces.
	NoncesRequested
	NoncesSubmitted
	// SigningRequested is entered once the aggregated nonces are known.
	SigningRequested
	SignaturesSubmitted
	// Finalizing waits for the commitment tx to be published.
	Finalizing
	Finalized
	Failed
)

func (s BatchState) String() string {
	switch s {
	case Registered:
		return "registered"
	case NoncesRequested:
		return "nonces_requested"
	case NoncesSubmitted:
		return "nonces_submitted"
	case SigningRequested:
		return "signing_requested"
	case SignaturesSubmitted:
		return "signatures_submitted"
	case Finalizing:
		return "finalizing"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	ErrBatchFailed         = errors.New("batch failed")
	ErrVtxoTreeMissing     = errors.New("vtxo tree not received")
	ErrInvalidTreeSigBatch = errors.New("tree signature does not target the vtxo tree")
	// ErrNotInBatch is returned by handlers when the joined batch turns out
	// not to include the intent. The session leaves it and waits for the
	// next one.
	ErrNotInBatch = errors.New("intent not included in batch")
)

// BatchEventHandlers react to the events of a batch session the client is
// part of. OnBatchStarted reports whether the batch selected the client,
// OnTreeSigningStarted whether the client cosigns the vtxo tree.
type BatchEventHandlers interface {
	OnBatchStarted(ctx context.Context, event client.BatchStartedEvent) (bool, error)
	OnTreeTxEvent(ctx context.Context, event client.TreeTxEvent) error
	OnTreeSigningStarted(
		ctx context.Context, event client.TreeSigningStartedEvent, vtxoTree *tree.TxTree,
	) (bool, error)
	OnTreeNoncesAggregated(ctx context.Context, event client.TreeNoncesAggregatedEvent) error
	OnTreeSignatureEvent(ctx context.Context, event client.TreeSignatureEvent) error
	OnBatchFinalization(
		ctx context.Context, event client.BatchFinalizationEvent,
		vtxoTree, connectorTree *tree.TxTree,
	) error
	OnBatchFinalized(ctx context.Context, event client.BatchFinalizedEvent) error
	// OnBatchFailed is only called for the batch the client joined.
	OnBatchFailed(ctx context.Context, event client.BatchFailedEvent) error
}

type batchSessionOptions struct {
	signVtxoTree   bool
	replayEventsCh chan<- any
	onStateChange  func(BatchState)
}

type BatchSessionOption func(*batchSessionOptions)

// WithSkipVtxoTreeSigning joins the batch without taking part in the musig2
// session, used when the intent has no offchain outputs.
func WithSkipVtxoTreeSigning() BatchSessionOption {
	return func(o *batchSessionOptions) {
		o.signVtxoTree = false
	}
}

// WithReplay forwards every received event to ch, in order.
func WithReplay(ch chan<- any) BatchSessionOption {
	return func(o *batchSessionOptions) {
		o.replayEventsCh = ch
	}
}

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(BatchState)) BatchSessionOption {
	return func(o *batchSessionOptions) {
		o.onStateChange = fn
	}
}

type batchSession struct {
	opts    batchSessionOptions
	state   BatchState
	joined  bool
	batchId string

	// tree txs are streamed one by one, the trees are built when needed.
	flatVtxoTree      tree.FlatTxTree
	flatConnectorTree tree.FlatTxTree
	vtxoTree          *tree.TxTree
}

func (s *batchSession) setState(state BatchState) {
	if s.state == state {
		return
	}
	log.Debugf("batch %s: %s -> %s", s.batchId, s.state, state)
	s.state = state
	if s.opts.onStateChange != nil {
		s.opts.onStateChange(state)
	}
}

func (s *batchSession) leave() {
	s.joined = false
	s.flatVtxoTree = make(tree.FlatTxTree, 0)
	s.flatConnectorTree = make(tree.FlatTxTree, 0)
	s.vtxoTree = nil
	s.setState(Registered)
	s.batchId = ""
}

func (s *batchSession) getVtxoTree() (*tree.TxTree, error) {
	if s.vtxoTree != nil {
		return s.vtxoTree, nil
	}
	if len(s.flatVtxoTree) == 0 {
		return nil, ErrVtxoTreeMissing
	}
	vtxoTree, err := tree.NewTxTree(s.flatVtxoTree)
	if err != nil {
		return nil, fmt.Errorf("failed to build vtxo tree: %w", err)
	}
	s.vtxoTree = vtxoTree
	return vtxoTree, nil
}

// HandleBatchEvents drives a batch session over the server event stream
// until the batch the client joined is finalized, and returns the txid of
// its commitment tx. Events that do not match the current state are
// ignored. The session ends with an error if ctx is done, the stream fails
// or the joined batch fails.
func HandleBatchEvents(
	ctx context.Context,
	eventsCh <-chan client.BatchEventChannel,
	handlers BatchEventHandlers,
	opts ...BatchSessionOption,
) (string, error) {
	s := &batchSession{
		opts:              batchSessionOptions{signVtxoTree: true},
		state:             Registered,
		flatVtxoTree:      make(tree.FlatTxTree, 0),
		flatConnectorTree: make(tree.FlatTxTree, 0),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}

	for {
		var notify client.BatchEventChannel
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case n, ok := <-eventsCh:
			if !ok {
				return "", client.ErrConnectionClosedByServer
			}
			notify = n
		}
		if notify.Err != nil {
			return "", notify.Err
		}

		if s.opts.replayEventsCh != nil {
			select {
			case s.opts.replayEventsCh <- notify.Event:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		txid, done, err := s.handle(ctx, notify.Event, handlers)
		if errors.Is(err, ErrNotInBatch) && s.joined {
			log.Infof("batch %s: leaving, %s", s.batchId, err)
			s.leave()
			continue
		}
		if err != nil {
			if s.joined {
				s.setState(Failed)
			}
			return "", err
		}
		if done {
			return txid, nil
		}
	}
}

func (s *batchSession) handle(
	ctx context.Context, event any, handlers BatchEventHandlers,
) (string, bool, error) {
	switch e := event.(type) {
	case client.BatchStartedEvent:
		if s.joined {
			return "", false, nil
		}
		joined, err := handlers.OnBatchStarted(ctx, e)
		if err != nil || !joined {
			return "", false, err
		}
		s.joined = true
		s.batchId = e.Id
		if !s.opts.signVtxoTree {
			// no musig2 session, wait for the finalization directly
			s.setState(SignaturesSubmitted)
		}

	case client.TreeTxEvent:
		if !s.joined || s.state >= Finalizing {
			return "", false, nil
		}
		if err := handlers.OnTreeTxEvent(ctx, e); err != nil {
			return "", false, err
		}
		if e.BatchIndex == 0 {
			s.flatVtxoTree = append(s.flatVtxoTree, e.Node)
			s.vtxoTree = nil
		} else {
			s.flatConnectorTree = append(s.flatConnectorTree, e.Node)
		}

	case client.TreeSigningStartedEvent:
		if !s.joined || s.state != Registered {
			return "", false, nil
		}
		vtxoTree, err := s.getVtxoTree()
		if err != nil {
			return "", false, err
		}
		s.setState(NoncesRequested)
		signing, err := handlers.OnTreeSigningStarted(ctx, e, vtxoTree)
		if err != nil {
			return "", false, err
		}
		if !signing {
			s.setState(SignaturesSubmitted)
			return "", false, nil
		}
		s.setState(NoncesSubmitted)

	case client.TreeNoncesAggregatedEvent:
		if !s.joined || s.state != NoncesSubmitted {
			return "", false, nil
		}
		s.setState(SigningRequested)
		if err := handlers.OnTreeNoncesAggregated(ctx, e); err != nil {
			return "", false, err
		}
		s.setState(SignaturesSubmitted)

	case client.TreeSignatureEvent:
		if !s.joined || s.state < NoncesRequested || s.state >= Finalizing {
			return "", false, nil
		}
		vtxoTree, err := s.getVtxoTree()
		if err != nil {
			return "", false, err
		}
		if err := handlers.OnTreeSignatureEvent(ctx, e); err != nil {
			return "", false, err
		}
		if err := addSignatureToTxTree(e, vtxoTree); err != nil {
			return "", false, err
		}

	case client.BatchFinalizationEvent:
		if !s.joined || s.state != SignaturesSubmitted {
			return "", false, nil
		}
		// a batch without offchain outputs has no vtxo tree
		var vtxoTree, connectorTree *tree.TxTree
		if len(s.flatVtxoTree) > 0 {
			var err error
			if vtxoTree, err = s.getVtxoTree(); err != nil {
				return "", false, err
			}
		}
		if len(s.flatConnectorTree) > 0 {
			var err error
			connectorTree, err = tree.NewTxTree(s.flatConnectorTree)
			if err != nil {
				return "", false, fmt.Errorf("failed to build connector tree: %w", err)
			}
		}
		if err := handlers.OnBatchFinalization(ctx, e, vtxoTree, connectorTree); err != nil {
			return "", false, err
		}
		s.setState(Finalizing)
		log.Infof("batch %s: waiting for finalization", s.batchId)

	case client.BatchFinalizedEvent:
		if !s.joined || s.state != Finalizing {
			return "", false, nil
		}
		if err := handlers.OnBatchFinalized(ctx, e); err != nil {
			return "", false, err
		}
		s.setState(Finalized)
		return e.Txid, true, nil

	case client.BatchFailedEvent:
		if !s.joined || (e.Id != "" && e.Id != s.batchId) {
			return "", false, nil
		}
		if err := handlers.OnBatchFailed(ctx, e); err != nil {
			return "", false, err
		}
		return "", false, fmt.Errorf("%w: %s", ErrBatchFailed, e.Reason)
	}

	return "", false, nil
}

func addSignatureToTxTree(event client.TreeSignatureEvent, txTree *tree.TxTree) error {
	if event.BatchIndex != 0 {
		return fmt.Errorf("%w: batch index %d", ErrInvalidTreeSigBatch, event.BatchIndex)
	}

	decodedSig, err := hex.DecodeString(event.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(decodedSig)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}

	node := txTree.Find(event.Txid)
	if node == nil {
		return fmt.Errorf("signed tx %s not in vtxo tree", event.Txid)
	}
	node.Root.Inputs[0].TaprootKeySpendSig = sig.Serialize()
	return nil
}
