package arksdk

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/arkade-os/ark-sdk/client"
	"github.com/arkade-os/ark-sdk/contract"
	"github.com/arkade-os/ark-sdk/intent"
	"github.com/arkade-os/ark-sdk/internal/utils"
	"github.com/arkade-os/ark-sdk/offchain"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/arkade-os/ark-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const maxJoinAttempts = 3

type arkClient struct {
	transport client.TransportClient
	identity  wallet.Identity
	vtxoStore types.VtxoStore
	opts      clientOptions

	lock       sync.RWMutex
	config     *types.Config
	pubkey     *btcec.PublicKey
	address    *wallet.TapscriptsAddress
	addrScript string
	contracts  *contract.Manager
	watcher    *contract.Watcher

	settleGroup singleflight.Group
	flightsLock sync.Mutex
	flights     map[string]*settleFlight
}

// NewArkClient returns a client signing with identity, which must be
// unlocked before Init. The vtxo store is the source of the client coins: it
// is kept in sync by the contract watcher when an indexer is given.
func NewArkClient(
	transport client.TransportClient, identity wallet.Identity, vtxoStore types.VtxoStore,
	opts ...ClientOption,
) (ArkClient, error) {
	if transport == nil {
		return nil, fmt.Errorf("missing transport client")
	}
	if identity == nil {
		return nil, fmt.Errorf("missing identity")
	}
	if vtxoStore == nil {
		return nil, fmt.Errorf("missing vtxo store")
	}

	o := newDefaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &arkClient{
		transport: transport,
		identity:  identity,
		vtxoStore: vtxoStore,
		opts:      o,
	}, nil
}

func (a *arkClient) GetVersion() string {
	return Version
}

func (a *arkClient) Init(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.config != nil {
		return ErrAlreadyInitialized
	}

	info, err := a.transport.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get server info: %w", err)
	}
	config, err := infoToConfig(info)
	if err != nil {
		return err
	}

	if store := a.opts.configStore; store != nil {
		stored, err := store.GetData(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stored config: %w", err)
		}
		if stored != nil {
			expected, actual := configDigest(*stored), configDigest(*config)
			if expected != actual {
				return DigestMismatchError{Expected: expected, Actual: actual}
			}
		} else if err := store.AddData(ctx, *config); err != nil {
			return fmt.Errorf("failed to store config: %w", err)
		}
	}

	pubkey, err := a.identity.GetPublicKey(ctx)
	if err != nil {
		return err
	}
	address, err := wallet.OffchainAddress(
		a.opts.scriptBuilder, pubkey, config.SignerPubKey, config.UnilateralExitDelay,
		config.Network.Addr,
	)
	if err != nil {
		return fmt.Errorf("failed to derive offchain address: %w", err)
	}
	decoded, err := script.DecodeAddress(address.Address)
	if err != nil {
		return err
	}
	pkScript, err := decoded.PkScript()
	if err != nil {
		return err
	}

	repo := a.opts.contractRepo
	if repo == nil {
		repo = contract.NewInMemoryRepository()
	}
	manager, err := contract.NewManager(
		repo, config.SignerPubKey, config.Network.Addr, contract.WithClock(a.opts.clock),
	)
	if err != nil {
		return err
	}
	if err := createDefaultContract(ctx, manager, pubkey, config); err != nil {
		manager.Close()
		return err
	}

	a.config = config
	a.pubkey = pubkey
	a.address = address
	a.addrScript = hex.EncodeToString(pkScript)
	a.contracts = manager

	if a.opts.indexer != nil {
		watcherOpts := append(
			[]contract.WatcherOption{contract.WithVtxoStore(a.vtxoStore)}, a.opts.watcherOpts...,
		)
		a.watcher = contract.NewWatcher(manager, a.opts.indexer, watcherOpts...)
		// the watcher outlives the init call
		if err := a.watcher.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to start contract watcher: %w", err)
		}
	}

	log.Infof("client initialized, offchain address %s", address.Address)
	return nil
}

func createDefaultContract(
	ctx context.Context, manager *contract.Manager, pubkey *btcec.PublicKey,
	config *types.Config,
) error {
	params, err := contract.DefaultParams{
		Owner:     pubkey,
		Server:    config.SignerPubKey,
		ExitDelay: config.UnilateralExitDelay,
	}.Encode()
	if err != nil {
		return err
	}
	if _, err := manager.CreateContract(
		ctx, contract.TypeDefault, params, nil,
	); err != nil && !errors.Is(err, contract.ErrContractExists) {
		return fmt.Errorf("failed to create default contract: %w", err)
	}
	return nil
}

func (a *arkClient) GetConfigData(_ context.Context) (*types.Config, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.config == nil {
		return nil, ErrNotInitialized
	}
	config := *a.config
	return &config, nil
}

func (a *arkClient) Receive(_ context.Context) (string, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.address == nil {
		return "", ErrNotInitialized
	}
	return a.address.Address, nil
}

func (a *arkClient) Balance(ctx context.Context) (*Balance, error) {
	vtxos, err := a.ownedVtxos(ctx)
	if err != nil {
		return nil, err
	}

	balance := &Balance{}
	for _, vtxo := range vtxos {
		switch {
		case vtxo.IsSpendable():
			balance.Spendable += vtxo.Amount
		case vtxo.IsRecoverable():
			balance.Recoverable += vtxo.Amount
		}
	}
	return balance, nil
}

func (a *arkClient) ListVtxos(ctx context.Context) ([]types.Vtxo, []types.Vtxo, error) {
	if err := a.checkInitialized(); err != nil {
		return nil, nil, err
	}
	return a.vtxoStore.GetAllVtxos(ctx)
}

func (a *arkClient) ListSpendableVtxos(ctx context.Context) ([]types.Vtxo, error) {
	vtxos, err := a.ownedVtxos(ctx)
	if err != nil {
		return nil, err
	}

	spendable := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if vtxo.IsSpendable() {
			spendable = append(spendable, vtxo.Vtxo)
		}
	}
	return utils.SortVtxosByExpiry(spendable), nil
}

func (a *arkClient) Contracts() *contract.Manager {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.contracts
}

func (a *arkClient) Watcher() *contract.Watcher {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.watcher
}

func (a *arkClient) Stop() {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.contracts != nil {
		a.contracts.Close()
	}
	a.transport.Close()
}

func (a *arkClient) RegisterIntent(
	ctx context.Context, vtxos []types.TapscriptsVtxo, outputs []types.Receiver,
	cosignersPublicKeys []string,
) (string, error) {
	config, err := a.getConfig()
	if err != nil {
		return "", err
	}

	message, outputsTxOut, err := createRegisterIntentMessage(
		outputs, cosignersPublicKeys, config.Network, config.Dust,
		a.opts.clock.Now(), a.opts.intentValidity,
	)
	if err != nil {
		return "", err
	}
	proof, err := a.signIntentProof(ctx, message, vtxos, outputsTxOut)
	if err != nil {
		return "", err
	}
	return a.transport.RegisterIntent(ctx, proof, message)
}

func (a *arkClient) DeleteIntent(ctx context.Context, vtxos []types.TapscriptsVtxo) error {
	if err := a.checkInitialized(); err != nil {
		return err
	}

	message, err := intent.NewDeleteMessage(a.opts.clock.Now(), a.opts.intentValidity).Encode()
	if err != nil {
		return err
	}
	proof, err := a.signIntentProof(ctx, message, vtxos, nil)
	if err != nil {
		return err
	}
	return a.transport.DeleteIntent(ctx, proof, message)
}

func (a *arkClient) signIntentProof(
	ctx context.Context, message string, vtxos []types.TapscriptsVtxo, outputs []*wire.TxOut,
) (string, error) {
	proof, err := newIntentProof(message, vtxos, outputs)
	if err != nil {
		return "", fmt.Errorf("failed to build intent proof: %w", err)
	}
	unsigned, err := proof.B64Encode()
	if err != nil {
		return "", err
	}
	return a.identity.SignTransaction(ctx, unsigned)
}

// Settle renews all the spendable vtxos of the client, and the recoverable
// ones if asked for, into a single vtxo of the next batch. Calls settling the
// same coins while a previous one is in flight share its result.
func (a *arkClient) Settle(ctx context.Context, opts ...Option) (string, error) {
	settleOpts := newDefaultSettleOptions()
	for _, opt := range opts {
		if err := opt(settleOpts); err != nil {
			return "", err
		}
	}

	config, err := a.getConfig()
	if err != nil {
		return "", err
	}
	if err := a.checkServerConfig(ctx, config); err != nil {
		return "", err
	}

	vtxos, err := a.ownedVtxos(ctx)
	if err != nil {
		return "", err
	}
	selected := selectSettleVtxos(vtxos, config.Dust, settleOpts.SelectRecoverableVtxos)
	if len(selected) == 0 {
		return "", fmt.Errorf("%w: no vtxos to settle", ErrInsufficientFunds)
	}

	address, _, err := a.ownAddress()
	if err != nil {
		return "", err
	}
	total := sumAmounts(selected)
	receivers := []types.Receiver{{To: address.Address, Amount: total, IsChange: true}}
	fees, err := utils.CalculateFees(selected, receivers, a.opts.feeEstimator)
	if err != nil {
		return "", fmt.Errorf("failed to compute fees: %w", err)
	}
	if fees >= total {
		return "", fmt.Errorf("%w: fees %d, amount %d", ErrFeesExceedAmount, fees, total)
	}
	receivers[0].Amount = total - fees

	// The join runs under the flight context: a caller giving up does not
	// abort the settlement for the others. Options other than the events
	// channel are the ones of the call that started the flight.
	flight, leave := a.joinSettleFlight(ctx, settleKey(selected), settleOpts.EventsCh)
	defer leave()

	joinOpts := *settleOpts
	joinOpts.EventsCh = flight.events
	resultCh := a.settleGroup.DoChan(flight.key, func() (any, error) {
		return flight.run(func(flightCtx context.Context) (string, error) {
			return a.joinBatchWithRetry(flightCtx, config, selected, receivers, &joinOpts)
		})
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			log.Debugf("settlement of %d vtxos shared with a concurrent call", len(selected))
		}
		return res.Val.(string), nil
	}
}

func (a *arkClient) joinBatchWithRetry(
	ctx context.Context, config *types.Config, vtxos []types.TapscriptsVtxo,
	receivers []types.Receiver, settleOpts *SettleOptions,
) (string, error) {
	sessionId := uuid.New().String()

	signerSessions := make([]tree.SignerSession, 0, len(settleOpts.ExtraSignerSessions)+1)
	if !settleOpts.WalletSignerDisabled {
		session, err := a.identity.NewVtxoTreeSigner(ctx)
		if err != nil {
			return "", err
		}
		signerSessions = append(signerSessions, session)
	}
	signerSessions = append(signerSessions, settleOpts.ExtraSignerSessions...)
	if len(signerSessions) == 0 {
		return "", ErrNoSignerSessions
	}

	var lastErr error
	for attempt := 1; attempt <= maxJoinAttempts; attempt++ {
		txid, intentId, err := a.joinBatch(
			ctx, sessionId, config, vtxos, receivers, signerSessions, settleOpts,
		)
		if err == nil {
			return txid, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		log.WithError(err).Warnf(
			"session %s: attempt %d/%d to join a batch failed", sessionId, attempt, maxJoinAttempts,
		)

		if intentId != "" {
			if err := a.DeleteIntent(ctx, vtxos); err != nil {
				log.WithError(err).Warnf("session %s: failed to delete intent %s", sessionId, intentId)
			}
		}
		if attempt == maxJoinAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-a.opts.clock.TickAfter(a.opts.retryDelay):
		}
	}
	return "", fmt.Errorf("failed to join a batch after %d attempts: %w", maxJoinAttempts, lastErr)
}

// joinBatch registers an intent for the vtxos and drives the batch session
// until its commitment tx is final. The event stream is opened before the
// registration so that no event of the selected batch is missed.
func (a *arkClient) joinBatch(
	ctx context.Context, sessionId string, config *types.Config,
	vtxos []types.TapscriptsVtxo, receivers []types.Receiver,
	signerSessions []tree.SignerSession, settleOpts *SettleOptions,
) (string, string, error) {
	cosigners := make([]string, 0, len(signerSessions))
	for _, session := range signerSessions {
		cosigners = append(cosigners, session.GetPublicKey())
	}
	topics := slices.Clone(cosigners)
	for _, vtxo := range vtxos {
		topics = append(topics, vtxo.Outpoint.String())
	}

	eventsCh, closeStream, err := a.transport.GetEventStream(ctx, topics)
	if err != nil {
		return "", "", fmt.Errorf("failed to open event stream: %w", err)
	}
	defer closeStream()

	intentId, err := a.RegisterIntent(ctx, vtxos, receivers, cosigners)
	if err != nil {
		if !errors.Is(err, client.ErrIntentAlreadyRegistered) {
			return "", "", fmt.Errorf("failed to register intent: %w", err)
		}
		log.Infof("session %s: intent already registered, joining its batch", sessionId)
		intentId = ""
	} else {
		log.Debugf("session %s: registered intent %s", sessionId, intentId)
	}

	handler := newBatchEventsHandler(
		sessionId, a.transport, a.identity, config, intentId, vtxos, receivers, signerSessions,
	)

	sessionOpts := make([]BatchSessionOption, 0, 2)
	if !hasOffchainOutputs(receivers) {
		sessionOpts = append(sessionOpts, WithSkipVtxoTreeSigning())
	}
	if settleOpts.EventsCh != nil {
		sessionOpts = append(sessionOpts, WithReplay(settleOpts.EventsCh))
	}

	commitmentTxid, err := HandleBatchEvents(ctx, eventsCh, handler, sessionOpts...)
	if err != nil {
		return "", intentId, err
	}

	settled := make(map[types.Outpoint]string, len(vtxos))
	for _, vtxo := range vtxos {
		settledBy, ok := handler.forfeitTxids[vtxo.Outpoint]
		if !ok {
			settledBy = commitmentTxid
		}
		settled[vtxo.Outpoint] = settledBy
	}
	if _, err := a.vtxoStore.SettleVtxos(ctx, settled, commitmentTxid); err != nil {
		log.WithError(err).Warnf("session %s: failed to mark vtxos as settled", sessionId)
	}
	return commitmentTxid, intentId, nil
}

// SendOffChain pays the receivers with a virtual tx cosigned by the server.
// The change, if any, goes back to the client offchain address.
func (a *arkClient) SendOffChain(
	ctx context.Context, receivers []types.Receiver, opts ...Option,
) (string, error) {
	sendOpts := newDefaultSendOffChainOptions()
	for _, opt := range opts {
		if err := opt(sendOpts); err != nil {
			return "", err
		}
	}
	if len(receivers) == 0 {
		return "", fmt.Errorf("%w: missing receivers", ErrInvalidReceiver)
	}

	config, err := a.getConfig()
	if err != nil {
		return "", err
	}

	amount := uint64(0)
	outputs := make([]*wire.TxOut, 0, len(receivers)+1)
	for _, receiver := range receivers {
		if receiver.Amount == 0 {
			return "", fmt.Errorf("%w: zero amount to %s", ErrInvalidReceiver, receiver.To)
		}
		if receiver.IsOnchain() {
			return "", fmt.Errorf("%w: %s is not an offchain address", ErrInvalidReceiver, receiver.To)
		}
		out, _, err := receiver.ToTxOut(config.Network, config.Dust)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidReceiver, err)
		}
		outputs = append(outputs, out)
		amount += receiver.Amount
	}

	address, _, err := a.ownAddress()
	if err != nil {
		return "", err
	}
	owned, err := a.ownedVtxos(ctx)
	if err != nil {
		return "", err
	}
	spendable := make([]types.TapscriptsVtxo, 0, len(owned))
	for _, vtxo := range owned {
		if vtxo.IsSpendable() {
			spendable = append(spendable, vtxo)
		}
	}

	// offchain txs pay no intent fees, the anchor covers the relay fee
	selected, change, err := utils.CoinSelectNormal(
		spendable, amount, config.Dust, sendOpts.WithoutExpirySorting, nil,
	)
	if err != nil {
		return "", err
	}
	if change > 0 {
		changeOut, _, err := types.Receiver{
			To: address.Address, Amount: change, IsChange: true,
		}.ToTxOut(config.Network, config.Dust)
		if err != nil {
			return "", err
		}
		outputs = append(outputs, changeOut)
	}

	inputs, err := toVtxoInputs(selected)
	if err != nil {
		return "", err
	}
	unroll, err := config.CheckpointUnrollClosure()
	if err != nil {
		return "", err
	}
	arkTx, checkpoints, err := offchain.BuildTxs(inputs, outputs, unroll)
	if err != nil {
		return "", fmt.Errorf("failed to build offchain txs: %w", err)
	}

	unsignedArkTx, err := arkTx.B64Encode()
	if err != nil {
		return "", err
	}
	signedArkTx, err := a.identity.SignTransaction(ctx, unsignedArkTx)
	if err != nil {
		return "", fmt.Errorf("failed to sign virtual tx: %w", err)
	}
	unsignedCheckpoints, err := encodePsbts(checkpoints)
	if err != nil {
		return "", err
	}

	arkTxid, finalArkTx, signedCheckpointTxs, err := a.transport.SubmitTx(
		ctx, signedArkTx, unsignedCheckpoints,
	)
	if err != nil {
		return "", fmt.Errorf("failed to submit virtual tx: %w", err)
	}
	if arkTxid != arkTx.UnsignedTx.TxID() {
		return "", fmt.Errorf(
			"%w: expected txid %s, got %s", ErrInvalidServerTx, arkTx.UnsignedTx.TxID(), arkTxid,
		)
	}

	finalPtx, err := psbt.NewFromRawBytes(strings.NewReader(finalArkTx), true)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidServerTx, err)
	}
	if err := verifySignedArk(arkTx, finalPtx, config.SignerPubKey, a.pubkey); err != nil {
		return "", err
	}
	signedCheckpoints, err := decodePsbts(signedCheckpointTxs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidServerTx, err)
	}
	if err := verifySignedCheckpoints(
		checkpoints, signedCheckpoints, config.SignerPubKey,
	); err != nil {
		return "", err
	}
	if err := offchain.ValidateTxGraph(finalPtx, signedCheckpoints, unroll); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidServerTx, err)
	}

	finalCheckpoints := make([]string, 0, len(signedCheckpointTxs))
	for _, checkpoint := range signedCheckpointTxs {
		signed, err := a.identity.SignTransaction(ctx, checkpoint)
		if err != nil {
			return "", fmt.Errorf("failed to sign checkpoint tx: %w", err)
		}
		finalCheckpoints = append(finalCheckpoints, signed)
	}
	if err := a.transport.FinalizeTx(ctx, arkTxid, finalCheckpoints); err != nil {
		return "", fmt.Errorf("failed to finalize virtual tx: %w", err)
	}
	log.Infof("sent %d sats offchain in tx %s", amount, arkTxid)

	a.updateStoreAfterSend(ctx, arkTx, checkpoints, selected)
	return arkTxid, nil
}

// updateStoreAfterSend marks the spent vtxos and adds the preconfirmed ones
// paying the client. Failures are logged only, the watcher fixes the store
// at next resync.
func (a *arkClient) updateStoreAfterSend(
	ctx context.Context, arkTx *psbt.Packet, checkpoints []*psbt.Packet,
	spent []types.TapscriptsVtxo,
) {
	arkTxid := arkTx.UnsignedTx.TxID()
	_, addrScript, err := a.ownAddress()
	if err != nil {
		log.WithError(err).Warn("failed to update vtxo store")
		return
	}

	spentVtxos := make(map[types.Outpoint]string, len(checkpoints))
	for i, outpoint := range offchain.VtxoOutpoints(checkpoints) {
		spentVtxos[types.Outpoint{
			Txid: outpoint.Hash.String(), VOut: outpoint.Index,
		}] = checkpoints[i].UnsignedTx.TxID()
	}
	if _, err := a.vtxoStore.SpendVtxos(ctx, spentVtxos, arkTxid); err != nil {
		log.WithError(err).Warn("failed to mark vtxos as spent")
	}

	var expiresAt time.Time
	commitmentTxids := make([]string, 0)
	for _, vtxo := range spent {
		if !vtxo.ExpiresAt.IsZero() && (expiresAt.IsZero() || vtxo.ExpiresAt.Before(expiresAt)) {
			expiresAt = vtxo.ExpiresAt
		}
		for _, txid := range vtxo.CommitmentTxids {
			if !slices.Contains(commitmentTxids, txid) {
				commitmentTxids = append(commitmentTxids, txid)
			}
		}
	}

	now := a.opts.clock.Now()
	received := make([]types.Vtxo, 0)
	for i, out := range arkTx.UnsignedTx.TxOut {
		if hex.EncodeToString(out.PkScript) != addrScript {
			continue
		}
		received = append(received, types.Vtxo{
			Outpoint:        types.Outpoint{Txid: arkTxid, VOut: uint32(i)},
			Script:          addrScript,
			Amount:          uint64(out.Value),
			CommitmentTxids: commitmentTxids,
			ExpiresAt:       expiresAt,
			CreatedAt:       now,
			Preconfirmed:    true,
		})
	}
	if len(received) == 0 {
		return
	}
	if _, err := a.vtxoStore.AddVtxos(ctx, received); err != nil {
		log.WithError(err).Warn("failed to add change vtxos")
	}
}

// ownedVtxos returns the unspent vtxos locked by the client address.
func (a *arkClient) ownedVtxos(ctx context.Context) ([]types.TapscriptsVtxo, error) {
	address, addrScript, err := a.ownAddress()
	if err != nil {
		return nil, err
	}

	vtxos, err := a.vtxoStore.GetSpendableVtxos(ctx)
	if err != nil {
		return nil, err
	}
	owned := make([]types.TapscriptsVtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if vtxo.Script != addrScript || vtxo.Spent {
			continue
		}
		owned = append(owned, types.TapscriptsVtxo{Vtxo: vtxo, Tapscripts: address.Tapscripts})
	}
	return owned, nil
}

// checkServerConfig refuses to go on if the server config changed since
// the client was initialized.
func (a *arkClient) checkServerConfig(ctx context.Context, config *types.Config) error {
	info, err := a.transport.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get server info: %w", err)
	}
	current, err := infoToConfig(info)
	if err != nil {
		return err
	}
	expected, actual := configDigest(*config), configDigest(*current)
	if expected != actual {
		return DigestMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// ownAddress returns the client offchain address and its output script.
func (a *arkClient) ownAddress() (*wallet.TapscriptsAddress, string, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.address == nil {
		return nil, "", ErrNotInitialized
	}
	return a.address, a.addrScript, nil
}

func (a *arkClient) getConfig() (*types.Config, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.config == nil {
		return nil, ErrNotInitialized
	}
	return a.config, nil
}

func (a *arkClient) checkInitialized() error {
	_, err := a.getConfig()
	return err
}

func hasOffchainOutputs(receivers []types.Receiver) bool {
	return slices.ContainsFunc(receivers, func(r types.Receiver) bool {
		return !r.IsOnchain()
	})
}
