package arksdk

import (
	"context"

	"github.com/arkade-os/ark-sdk/contract"
	"github.com/arkade-os/ark-sdk/types"
)

var Version string

type Balance struct {
	Spendable   uint64
	Recoverable uint64
}

type ArkClient interface {
	GetVersion() string
	Init(ctx context.Context) error
	GetConfigData(ctx context.Context) (*types.Config, error)
	Receive(ctx context.Context) (offchainAddr string, err error)
	Balance(ctx context.Context) (*Balance, error)
	ListVtxos(ctx context.Context) (spendable, spent []types.Vtxo, err error)
	ListSpendableVtxos(ctx context.Context) ([]types.Vtxo, error)
	SendOffChain(ctx context.Context, receivers []types.Receiver, opts ...Option) (string, error)
	RegisterIntent(
		ctx context.Context, vtxos []types.TapscriptsVtxo, outputs []types.Receiver,
		cosignersPublicKeys []string,
	) (intentID string, err error)
	DeleteIntent(ctx context.Context, vtxos []types.TapscriptsVtxo) error
	Settle(ctx context.Context, opts ...Option) (string, error)
	Contracts() *contract.Manager
	// Watcher is nil unless the client was created with an indexer.
	Watcher() *contract.Watcher
	Stop()
}
