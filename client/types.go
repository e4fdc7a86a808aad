package client

import (
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/arkade-os/ark-sdk/types"
)

type Info struct {
	Version             string
	SignerPubKey        string
	ForfeitPubKey       string
	ForfeitAddress      string
	CheckpointTapscript string
	Network             string
	SessionDuration     int64
	UnilateralExitDelay int64
	VtxoTreeExpiry      int64
	Dust                uint64
	VtxoMinAmount       int64
	VtxoMaxAmount       int64
	Fees                types.FeeInfo
}

// BatchEventChannel carries either an event of the batch protocol or the
// error that ended the stream.
type BatchEventChannel struct {
	Event any
	Err   error
}

type StreamStartedEvent struct {
	Id string
}

type BatchStartedEvent struct {
	Id string
	// HashedIntentIds are the sha256 of the ids of the intents selected for
	// the batch.
	HashedIntentIds []string
	BatchExpiry     int64
}

type BatchFinalizationEvent struct {
	Id string
	Tx string
}

type BatchFinalizedEvent struct {
	Id   string
	Txid string
}

type BatchFailedEvent struct {
	Id     string
	Reason string
}

type TreeSigningStartedEvent struct {
	Id                   string
	UnsignedCommitmentTx string
	CosignersPubkeys     []string
}

type TreeNoncesAggregatedEvent struct {
	Id     string
	Nonces tree.TreeNonces
}

type TreeNoncesEvent struct {
	Id     string
	Topic  []string
	Txid   string
	Nonces map[string]*tree.Musig2Nonce
}

// TreeTxEvent delivers one tx of a batch tree. BatchIndex 0 is the vtxo
// tree, any other index the connectors tree.
type TreeTxEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Node       tree.TxTreeNode
}

type TreeSignatureEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Txid       string
	Signature  string
}

type AcceptedOffchainTx struct {
	Txid                string
	FinalArkTx          string
	SignedCheckpointTxs []string
}
