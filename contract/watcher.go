package contract

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arkade-os/ark-sdk/indexer"
	"github.com/arkade-os/ark-sdk/internal/utils"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	log "github.com/sirupsen/logrus"
)

const (
	defaultFailsafeInterval = time.Minute
	changesBufferSize       = 64
)

var (
	ErrWatcherStarted = errors.New("watcher already started")
	ErrStreamClosed   = errors.New("subscription stream closed")
)

type EventType string

const (
	EventVtxoReceived    EventType = "vtxo_received"
	EventVtxoSpent       EventType = "vtxo_spent"
	EventVtxoSwept       EventType = "vtxo_swept"
	EventConnectionReset EventType = "connection_reset"
	EventResynced        EventType = "resynced"
)

// Event is emitted by the watcher. Vtxo events carry the contract the vtxos
// belong to, a connection reset carries the failure.
type Event struct {
	Type       EventType
	ContractID string
	Vtxos      []types.Vtxo
	Err        error
	Timestamp  time.Time
}

type watcherOptions struct {
	failsafeInterval time.Duration
	ticker           ticker.Ticker
	backoff          backoff.BackOff
	vtxoStore        types.VtxoStore
	callback         func(Event)
	clock            clock.Clock
}

type WatcherOption func(*watcherOptions)

// WithFailsafeInterval sets how often a full resync runs regardless of the
// notifications received.
func WithFailsafeInterval(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		o.failsafeInterval = d
	}
}

// WithFailsafeTicker replaces the failsafe ticker, mostly for tests.
func WithFailsafeTicker(t ticker.Ticker) WatcherOption {
	return func(o *watcherOptions) {
		o.ticker = t
	}
}

// WithBackoff replaces the reconnection backoff. Its delays are used as they
// are, without the classification of the failure.
func WithBackoff(b backoff.BackOff) WatcherOption {
	return func(o *watcherOptions) {
		o.backoff = b
	}
}

// WithVtxoStore makes the watcher keep the store in sync with the vtxos of
// the contracts.
func WithVtxoStore(store types.VtxoStore) WatcherOption {
	return func(o *watcherOptions) {
		o.vtxoStore = store
	}
}

// WithEventCallback registers a function called from the watcher loop for
// every event. It must not block.
func WithEventCallback(fn func(Event)) WatcherOption {
	return func(o *watcherOptions) {
		o.callback = fn
	}
}

func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(o *watcherOptions) {
		o.clock = c
	}
}

// Watcher keeps track of the vtxos of the contracts. It subscribes to the
// indexer for the scripts of the active contracts and of the inactive ones
// still holding vtxos. Every state change happens in a single loop.
type Watcher struct {
	manager *Manager
	indexer indexer.Indexer
	opts    watcherOptions
	events  *utils.Broadcaster[Event]

	lock    sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by the loop
	subscriptionId string
	subscribed     map[string]struct{}
	stream         <-chan *indexer.ScriptEvent
	closeStream    func()
	// unspent vtxos by contract id
	vtxos map[string]map[types.Outpoint]types.Vtxo
}

func NewWatcher(manager *Manager, idx indexer.Indexer, opts ...WatcherOption) *Watcher {
	o := watcherOptions{failsafeInterval: defaultFailsafeInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = manager.clock
	}
	if o.ticker == nil {
		o.ticker = ticker.New(o.failsafeInterval)
	}
	return &Watcher{
		manager:    manager,
		indexer:    idx,
		opts:       o,
		events:     utils.NewBroadcaster[Event](),
		subscribed: make(map[string]struct{}),
		vtxos:      make(map[string]map[types.Outpoint]types.Vtxo),
	}
}

// Start runs the watcher loop until Stop is called or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.started {
		return ErrWatcherStarted
	}
	w.started = true

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop terminates the loop and waits for it to return.
func (w *Watcher) Stop() {
	w.lock.Lock()
	cancel, done := w.cancel, w.done
	w.lock.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.events.Close()
}

func (w *Watcher) Subscribe(buf int) <-chan Event {
	return w.events.Subscribe(buf)
}

func (w *Watcher) Unsubscribe(ch <-chan Event) {
	w.events.Unsubscribe(ch)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.disconnect(context.Background(), true)

	changes := w.manager.Subscribe(changesBufferSize)
	defer func() {
		w.manager.Unsubscribe(changes)
	}()

	w.opts.ticker.Resume()
	defer w.opts.ticker.Stop()

	reconnectBackoff := w.opts.backoff
	classify := false
	if reconnectBackoff == nil {
		reconnectBackoff = utils.NewReconnectBackoff()
		classify = true
	}

	var (
		connected bool
		outage    bool
		retry     <-chan time.Time
	)
	fail := func(err error) {
		w.disconnect(ctx, false)
		connected = false
		if ctx.Err() != nil {
			return
		}

		if !outage {
			outage = true
			w.emit(Event{Type: EventConnectionReset, Err: err})
		}

		var delay time.Duration
		if classify {
			var transient bool
			delay, transient = utils.ReconnectDelay(reconnectBackoff, err)
			if !transient {
				log.WithError(err).Warn("watcher: non transient indexer failure")
			}
		} else {
			delay = reconnectBackoff.NextBackOff()
		}
		if delay == backoff.Stop {
			delay = utils.ReconnectConfig.MaxDelay
		}
		log.WithError(err).Warnf("watcher: reconnecting in %s", delay)
		retry = w.opts.clock.TickAfter(delay)
	}

	for {
		if !connected && retry == nil {
			if err := w.connect(ctx); err != nil {
				fail(err)
			} else {
				connected, outage = true, false
				reconnectBackoff.Reset()
			}
		}

		select {
		case <-ctx.Done():
			return

		case <-retry:
			retry = nil

		case event, ok := <-w.stream:
			if !ok {
				fail(ErrStreamClosed)
				continue
			}
			if event.Err != nil {
				fail(event.Err)
				continue
			}
			if err := w.handleScriptEvent(ctx, event); err != nil {
				fail(err)
			}

		case change, ok := <-changes:
			if !ok {
				if w.manager.isClosed() {
					log.Debug("watcher: contract manager closed")
					changes = nil
					continue
				}
				// dropped for being slow: changes were missed, start over
				changes = w.manager.Subscribe(changesBufferSize)
				if connected {
					if err := w.resync(ctx); err != nil {
						fail(err)
					}
				}
				continue
			}
			log.Debugf("watcher: contract %s %s", change.Contract.ID, change.Type)
			if change.Type == ChangeDeleted {
				delete(w.vtxos, change.Contract.ID)
			}
			if connected {
				if err := w.updateSubscription(ctx); err != nil {
					fail(err)
				}
			}

		case <-w.opts.ticker.Ticks():
			if !connected {
				continue
			}
			if err := w.resync(ctx); err != nil {
				fail(err)
			}
		}
	}
}

// connect opens a subscription for the scripts to watch and resyncs all the
// vtxos of the contracts.
func (w *Watcher) connect(ctx context.Context) error {
	contracts, err := w.manager.GetContracts(ctx, Filter{})
	if err != nil {
		return err
	}
	scripts := w.watchedScripts(contracts)

	w.subscriptionId = ""
	w.subscribed = make(map[string]struct{})
	if len(scripts) > 0 {
		subId, err := w.indexer.SubscribeForScripts(ctx, "", scripts)
		if err != nil {
			return fmt.Errorf("failed to subscribe for scripts: %w", err)
		}
		w.subscriptionId = subId
		for _, s := range scripts {
			w.subscribed[s] = struct{}{}
		}
	}
	if err := w.openStream(ctx); err != nil {
		return err
	}
	return w.resync(ctx)
}

func (w *Watcher) openStream(ctx context.Context) error {
	if w.stream != nil || w.subscriptionId == "" {
		return nil
	}
	stream, closeFn, err := w.indexer.GetSubscription(ctx, w.subscriptionId)
	if err != nil {
		return fmt.Errorf("failed to open subscription stream: %w", err)
	}
	w.stream, w.closeStream = stream, closeFn
	return nil
}

func (w *Watcher) disconnect(ctx context.Context, unsubscribe bool) {
	if w.closeStream != nil {
		w.closeStream()
	}
	w.stream, w.closeStream = nil, nil

	if unsubscribe && w.subscriptionId != "" && len(w.subscribed) > 0 {
		scripts := make([]string, 0, len(w.subscribed))
		for s := range w.subscribed {
			scripts = append(scripts, s)
		}
		if err := w.indexer.UnsubscribeForScripts(ctx, w.subscriptionId, scripts); err != nil {
			log.WithError(err).Debug("watcher: failed to unsubscribe")
		}
	}
	w.subscriptionId = ""
	w.subscribed = make(map[string]struct{})
}

// watchedScripts returns the scripts of the active contracts and of the
// inactive ones still holding unspent vtxos.
func (w *Watcher) watchedScripts(contracts []Contract) []string {
	scripts := make([]string, 0, len(contracts))
	for _, c := range contracts {
		if c.IsActive() || len(w.vtxos[c.ID]) > 0 {
			scripts = append(scripts, c.Script)
		}
	}
	return scripts
}

// updateSubscription adds and removes scripts so that the subscription
// covers exactly the watched ones.
func (w *Watcher) updateSubscription(ctx context.Context) error {
	contracts, err := w.manager.GetContracts(ctx, Filter{})
	if err != nil {
		return err
	}
	scripts := w.watchedScripts(contracts)

	toAdd := make([]string, 0)
	for _, s := range scripts {
		if _, ok := w.subscribed[s]; !ok {
			toAdd = append(toAdd, s)
		}
	}
	toRemove := make([]string, 0)
	for s := range w.subscribed {
		if !slices.Contains(scripts, s) {
			toRemove = append(toRemove, s)
		}
	}

	if len(toAdd) > 0 {
		subId, err := w.indexer.SubscribeForScripts(ctx, w.subscriptionId, toAdd)
		if err != nil {
			return fmt.Errorf("failed to subscribe for scripts: %w", err)
		}
		w.subscriptionId = subId
		for _, s := range toAdd {
			w.subscribed[s] = struct{}{}
		}
		if err := w.openStream(ctx); err != nil {
			return err
		}
	}
	if len(toRemove) > 0 {
		if err := w.indexer.UnsubscribeForScripts(ctx, w.subscriptionId, toRemove); err != nil {
			return fmt.Errorf("failed to unsubscribe scripts: %w", err)
		}
		for _, s := range toRemove {
			delete(w.subscribed, s)
		}
	}
	return nil
}

// resync fetches the vtxos of every contract and reports what the
// notifications missed.
func (w *Watcher) resync(ctx context.Context) error {
	contracts, err := w.manager.GetContracts(ctx, Filter{})
	if err != nil {
		return err
	}
	byScript := make(map[string]string, len(contracts))
	scripts := make([]string, 0, len(contracts))
	for _, c := range contracts {
		byScript[c.Script] = c.ID
		scripts = append(scripts, c.Script)
	}

	fetched := make([]types.Vtxo, 0)
	if len(scripts) > 0 {
		if fetched, err = indexer.GetAllVtxos(ctx, w.indexer, scripts); err != nil {
			return fmt.Errorf("failed to fetch vtxos: %w", err)
		}
	}

	received := make(map[string][]types.Vtxo)
	swept := make(map[string][]types.Vtxo)
	spent := make(map[string][]types.Vtxo)
	updated := make(map[string]map[types.Outpoint]types.Vtxo, len(contracts))
	for _, vtxo := range fetched {
		id, ok := byScript[vtxo.Script]
		if !ok {
			continue
		}
		prev, known := w.vtxos[id][vtxo.Outpoint]
		if isSpent(vtxo) {
			if known {
				spent[id] = append(spent[id], vtxo)
			}
			continue
		}
		if updated[id] == nil {
			updated[id] = make(map[types.Outpoint]types.Vtxo)
		}
		updated[id][vtxo.Outpoint] = vtxo
		switch {
		case !known:
			received[id] = append(received[id], vtxo)
		case vtxo.Swept && !prev.Swept:
			swept[id] = append(swept[id], vtxo)
		}
	}
	// vtxos the indexer no longer returns are gone
	for id, vtxos := range w.vtxos {
		if !slices.ContainsFunc(contracts, func(c Contract) bool { return c.ID == id }) {
			continue
		}
		for outpoint, vtxo := range vtxos {
			if _, ok := updated[id][outpoint]; ok {
				continue
			}
			if !slices.ContainsFunc(spent[id], func(v types.Vtxo) bool {
				return v.Outpoint == outpoint
			}) {
				vtxo.Spent = true
				spent[id] = append(spent[id], vtxo)
			}
		}
	}
	w.vtxos = updated

	w.storeVtxos(ctx, received, swept, spent, "")
	w.emitVtxoEvents(EventVtxoReceived, received)
	w.emitVtxoEvents(EventVtxoSwept, swept)
	w.emitVtxoEvents(EventVtxoSpent, spent)

	// inactive contracts may have gained or lost vtxos
	if err := w.updateSubscription(ctx); err != nil {
		return err
	}

	log.Debugf("watcher: resynced %d vtxos of %d contracts", len(fetched), len(contracts))
	w.emit(Event{Type: EventResynced, Vtxos: fetched})
	return nil
}

func (w *Watcher) handleScriptEvent(ctx context.Context, event *indexer.ScriptEvent) error {
	contracts, err := w.manager.GetContracts(ctx, Filter{})
	if err != nil {
		return err
	}
	byScript := make(map[string]string, len(contracts))
	for _, c := range contracts {
		byScript[c.Script] = c.ID
	}

	received := make(map[string][]types.Vtxo)
	swept := make(map[string][]types.Vtxo)
	spent := make(map[string][]types.Vtxo)
	for _, vtxo := range event.NewVtxos {
		if id, ok := byScript[vtxo.Script]; ok {
			if w.vtxos[id] == nil {
				w.vtxos[id] = make(map[types.Outpoint]types.Vtxo)
			}
			w.vtxos[id][vtxo.Outpoint] = vtxo
			received[id] = append(received[id], vtxo)
		}
	}
	for _, vtxo := range event.SweptVtxos {
		if id, ok := byScript[vtxo.Script]; ok {
			vtxo.Swept = true
			if !isSpent(vtxo) {
				if w.vtxos[id] == nil {
					w.vtxos[id] = make(map[types.Outpoint]types.Vtxo)
				}
				w.vtxos[id][vtxo.Outpoint] = vtxo
			}
			swept[id] = append(swept[id], vtxo)
		}
	}
	for _, vtxo := range event.SpentVtxos {
		if id, ok := byScript[vtxo.Script]; ok {
			vtxo.Spent = true
			delete(w.vtxos[id], vtxo.Outpoint)
			if len(w.vtxos[id]) == 0 {
				delete(w.vtxos, id)
			}
			spent[id] = append(spent[id], vtxo)
		}
	}

	w.storeVtxos(ctx, received, swept, spent, event.Txid)
	w.emitVtxoEvents(EventVtxoReceived, received)
	w.emitVtxoEvents(EventVtxoSwept, swept)
	w.emitVtxoEvents(EventVtxoSpent, spent)

	if len(spent) > 0 {
		return w.updateSubscription(ctx)
	}
	return nil
}

func (w *Watcher) storeVtxos(
	ctx context.Context, received, swept, spent map[string][]types.Vtxo, txid string,
) {
	store := w.opts.vtxoStore
	if store == nil {
		return
	}

	if vtxos := flatten(received); len(vtxos) > 0 {
		if _, err := store.AddVtxos(ctx, vtxos); err != nil {
			log.WithError(err).Warn("watcher: failed to add vtxos to store")
		}
	}
	if vtxos := flatten(swept); len(vtxos) > 0 {
		if _, err := store.UpdateVtxos(ctx, vtxos); err != nil {
			log.WithError(err).Warn("watcher: failed to update swept vtxos in store")
		}
	}
	if vtxos := flatten(spent); len(vtxos) > 0 {
		spentBy := make(map[types.Outpoint]string, len(vtxos))
		arkTxid := txid
		for _, vtxo := range vtxos {
			spentBy[vtxo.Outpoint] = vtxo.SpentBy
			if arkTxid == "" {
				arkTxid = vtxo.ArkTxid
			}
		}
		if _, err := store.SpendVtxos(ctx, spentBy, arkTxid); err != nil {
			log.WithError(err).Warn("watcher: failed to spend vtxos in store")
		}
	}
}

func (w *Watcher) emitVtxoEvents(typ EventType, byContract map[string][]types.Vtxo) {
	ids := make([]string, 0, len(byContract))
	for id := range byContract {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		w.emit(Event{Type: typ, ContractID: id, Vtxos: byContract[id]})
	}
}

func (w *Watcher) emit(event Event) {
	event.Timestamp = w.opts.clock.Now()
	if w.opts.callback != nil {
		w.opts.callback(event)
	}
	if dropped := w.events.Publish(event); dropped > 0 {
		log.Warnf("watcher: dropped %d slow event subscribers", dropped)
	}
}

func isSpent(vtxo types.Vtxo) bool {
	return vtxo.Spent || vtxo.Unrolled
}

func flatten(byContract map[string][]types.Vtxo) []types.Vtxo {
	vtxos := make([]types.Vtxo, 0)
	for _, v := range byContract {
		vtxos = append(vtxos, v...)
	}
	return vtxos
}
