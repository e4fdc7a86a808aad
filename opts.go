package arksdk

import (
	"fmt"
	"time"

	"github.com/arkade-os/ark-sdk/contract"
	"github.com/arkade-os/ark-sdk/indexer"
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/arkade-os/ark-sdk/wallet"
	"github.com/lightningnetwork/lnd/clock"
)

type Option func(options any) error

// SettleOptions allows to customize the vtxo selection and the vtxo tree
// signing process of a settlement.
type SettleOptions struct {
	ExtraSignerSessions    []tree.SignerSession
	WalletSignerDisabled   bool
	SelectRecoverableVtxos bool

	EventsCh chan<- any
}

func newDefaultSettleOptions() *SettleOptions {
	return &SettleOptions{}
}

// name alias, sub-dust vtxos are recoverable vtxos
var WithSubDustVtxos = WithRecoverableVtxos

func WithRecoverableVtxos(o any) error {
	opts, err := checkSettleOptionsType(o)
	if err != nil {
		return err
	}

	opts.SelectRecoverableVtxos = true
	return nil
}

// WithEventsCh replays the batch events of the settlement to ch.
func WithEventsCh(ch chan<- any) Option {
	return func(o any) error {
		opts, err := checkSettleOptionsType(o)
		if err != nil {
			return err
		}

		opts.EventsCh = ch
		return nil
	}
}

// WithoutWalletSigner disables the wallet signer
func WithoutWalletSigner(o any) error {
	opts, err := checkSettleOptionsType(o)
	if err != nil {
		return err
	}

	opts.WalletSignerDisabled = true
	return nil
}

// WithExtraSigner allows to use a set of custom signer for the vtxo tree signing process
func WithExtraSigner(signerSessions ...tree.SignerSession) Option {
	return func(o any) error {
		opts, err := checkSettleOptionsType(o)
		if err != nil {
			return err
		}

		if len(signerSessions) == 0 {
			return fmt.Errorf("no signer sessions provided")
		}

		opts.ExtraSignerSessions = signerSessions
		return nil
	}
}

// SendOffChainOptions customize the coin selection of an offchain payment.
type SendOffChainOptions struct {
	WithoutExpirySorting bool
}

func newDefaultSendOffChainOptions() *SendOffChainOptions {
	return &SendOffChainOptions{}
}

// WithoutExpirySorting selects coins in store order instead of spending the
// ones expiring first.
func WithoutExpirySorting(o any) error {
	opts, ok := o.(*SendOffChainOptions)
	if !ok {
		return fmt.Errorf("invalid options type")
	}

	opts.WithoutExpirySorting = true
	return nil
}

type clientOptions struct {
	indexer        indexer.Indexer
	contractRepo   contract.Repository
	configStore    types.ConfigStore
	scriptBuilder  wallet.VtxoScriptBuilder
	feeEstimator   types.FeeEstimator
	clock          clock.Clock
	watcherOpts    []contract.WatcherOption
	intentValidity time.Duration
	retryDelay     time.Duration
}

func newDefaultClientOptions() clientOptions {
	return clientOptions{
		scriptBuilder:  wallet.NewDefaultScriptBuilder(),
		clock:          clock.NewDefaultClock(),
		intentValidity: 2 * time.Minute,
		retryDelay:     100 * time.Millisecond,
	}
}

type ClientOption func(*clientOptions)

// WithIndexer enables the contract watcher, which keeps the vtxo store in
// sync with the indexer.
func WithIndexer(idx indexer.Indexer) ClientOption {
	return func(o *clientOptions) {
		o.indexer = idx
	}
}

// WithContractRepository persists the contracts, they are kept in memory
// otherwise.
func WithContractRepository(repo contract.Repository) ClientOption {
	return func(o *clientOptions) {
		o.contractRepo = repo
	}
}

// WithConfigStore persists the server config. A client restarted with the
// same store refuses a server whose config changed.
func WithConfigStore(store types.ConfigStore) ClientOption {
	return func(o *clientOptions) {
		o.configStore = store
	}
}

func WithScriptBuilder(builder wallet.VtxoScriptBuilder) ClientOption {
	return func(o *clientOptions) {
		o.scriptBuilder = builder
	}
}

// WithFeeEstimator sets the evaluator of the server intent fee programs,
// intents pay no fees without one.
func WithFeeEstimator(estimator types.FeeEstimator) ClientOption {
	return func(o *clientOptions) {
		o.feeEstimator = estimator
	}
}

func WithClock(c clock.Clock) ClientOption {
	return func(o *clientOptions) {
		o.clock = c
	}
}

func WithWatcherOptions(opts ...contract.WatcherOption) ClientOption {
	return func(o *clientOptions) {
		o.watcherOpts = append(o.watcherOpts, opts...)
	}
}

// WithIntentValidity sets how long a signed intent message stays valid.
func WithIntentValidity(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.intentValidity = d
	}
}

// WithRetryDelay sets the pause between two attempts to join a batch.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.retryDelay = d
	}
}
