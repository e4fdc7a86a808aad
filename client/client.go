package client

import (
	"context"

	"github.com/arkade-os/ark-sdk/tree"
)

// TransportClient is the Ark server API the SDK consumes.
type TransportClient interface {
	GetInfo(ctx context.Context) (*Info, error)
	RegisterIntent(ctx context.Context, signature, message string) (string, error)
	DeleteIntent(ctx context.Context, signature, message string) error
	ConfirmRegistration(ctx context.Context, intentID string) error
	SubmitTreeNonces(
		ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
	) error
	SubmitTreeSignatures(
		ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
	) error
	SubmitSignedForfeitTxs(
		ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
	) error
	GetEventStream(
		ctx context.Context, topics []string,
	) (<-chan BatchEventChannel, func(), error)
	SubmitTx(
		ctx context.Context, signedArkTx string, checkpointTxs []string,
	) (arkTxid, finalArkTx string, signedCheckpointTxs []string, err error)
	FinalizeTx(ctx context.Context, arkTxid string, finalCheckpointTxs []string) error
	Close()
}
