package contract

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/arkade-os/ark-sdk/internal/utils"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
)

const defaultMaxUpdateRetries = 5

var ErrManagerClosed = errors.New("contract manager closed")

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Change notifies a write to the repository made through the manager.
type Change struct {
	Type     ChangeType
	Contract Contract
}

type ManagerOption func(*Manager)

func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithHandler registers the handler of a custom contract type, or replaces a
// builtin one.
func WithHandler(h Handler) ManagerOption {
	return func(m *Manager) {
		m.handlers[h.Type()] = h
	}
}

// WithMaxUpdateRetries bounds the compare-and-swap attempts of UpdateContract.
func WithMaxUpdateRetries(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// Manager owns the contracts of the client: it derives their scripts and
// addresses, persists them and tells which of their leaves can be spent.
type Manager struct {
	repo       Repository
	server     *btcec.PublicKey
	hrp        string
	clock      clock.Clock
	handlers   map[string]Handler
	maxRetries int

	changes *utils.Broadcaster[Change]

	lock   sync.RWMutex
	closed bool
}

func NewManager(
	repo Repository, server *btcec.PublicKey, hrp string, opts ...ManagerOption,
) (*Manager, error) {
	if repo == nil {
		return nil, fmt.Errorf("missing contract repository")
	}
	if server == nil {
		return nil, fmt.Errorf("missing server pubkey")
	}
	if hrp == "" {
		return nil, fmt.Errorf("missing address hrp")
	}

	m := &Manager{
		repo:   repo,
		server: server,
		hrp:    hrp,
		clock:  clock.NewDefaultClock(),
		handlers: map[string]Handler{
			TypeDefault: defaultHandler{},
			TypeHTLC:    htlcHandler{},
		},
		maxRetries: defaultMaxUpdateRetries,
		changes:    utils.NewBroadcaster[Change](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Handler(contractType string) (Handler, error) {
	h, ok := m.handlers[contractType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContractType, contractType)
	}
	return h, nil
}

// CreateContract derives the script of the params and stores a new active
// contract for it.
func (m *Manager) CreateContract(
	ctx context.Context, contractType string, params []byte, metadata map[string]string,
) (*Contract, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	h, err := m.Handler(contractType)
	if err != nil {
		return nil, err
	}
	vtxoScript, err := h.VtxoScript(params)
	if err != nil {
		return nil, err
	}
	tapTree, err := vtxoScript.Build()
	if err != nil {
		return nil, err
	}
	addr, err := script.NewAddress(m.hrp, m.server, tapTree).Encode()
	if err != nil {
		return nil, err
	}

	pkScript := hex.EncodeToString(tapTree.PkScript)
	contract := Contract{
		ID:        pkScript,
		Type:      contractType,
		Params:    append([]byte(nil), params...),
		Script:    pkScript,
		Address:   addr,
		State:     StateActive,
		CreatedAt: m.clock.Now(),
		Metadata:  maps.Clone(metadata),
	}
	if err := m.repo.SaveContract(ctx, contract); err != nil {
		return nil, err
	}

	log.Debugf("created %s contract %s", contractType, addr)
	m.publish(ChangeCreated, contract)
	return &contract, nil
}

// CreateContractFromRaw is CreateContract with loosely typed params, see
// Handler.EncodeParams.
func (m *Manager) CreateContractFromRaw(
	ctx context.Context, contractType string, raw map[string]string,
	metadata map[string]string,
) (*Contract, error) {
	h, err := m.Handler(contractType)
	if err != nil {
		return nil, err
	}
	params, err := h.EncodeParams(raw, m.server)
	if err != nil {
		return nil, err
	}
	return m.CreateContract(ctx, contractType, params, metadata)
}

func (m *Manager) GetContracts(ctx context.Context, filter Filter) ([]Contract, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.repo.GetContracts(ctx, filter)
}

func (m *Manager) GetContract(ctx context.Context, id string) (*Contract, error) {
	contracts, err := m.GetContracts(ctx, Filter{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	return &contracts[0], nil
}

// UpdateContract applies fn to the latest stored version of the contract and
// writes it back, starting over when a concurrent write won the race. The
// identity of the contract (id, type, script, address) cannot be changed.
func (m *Manager) UpdateContract(
	ctx context.Context, id string, fn func(*Contract) error,
) (*Contract, error) {
	for attempt := 1; ; attempt++ {
		current, err := m.GetContract(ctx, id)
		if err != nil {
			return nil, err
		}

		updated := clone(*current)
		if err := fn(&updated); err != nil {
			return nil, err
		}
		if updated.ID != current.ID || updated.Type != current.Type ||
			updated.Script != current.Script || updated.Address != current.Address {
			return nil, fmt.Errorf("contract identity cannot be changed")
		}
		if !updated.State.IsValid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidState, updated.State)
		}
		updated.Version = current.Version

		err = m.repo.UpdateContract(ctx, &updated)
		if err == nil {
			m.publish(ChangeUpdated, updated)
			return &updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= m.maxRetries {
			return nil, err
		}
		log.WithError(err).Debugf("retrying update of contract %s", id)
	}
}

func (m *Manager) DeleteContract(ctx context.Context, id string) error {
	contract, err := m.GetContract(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.DeleteContract(ctx, id); err != nil {
		return err
	}
	m.publish(ChangeDeleted, *contract)
	return nil
}

func (m *Manager) SetContractState(ctx context.Context, id string, state State) error {
	if !state.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	_, err := m.UpdateContract(ctx, id, func(c *Contract) error {
		c.State = state
		return nil
	})
	return err
}

// RecordPreimage stores the preimage of an HTLC contract, enabling its claim
// paths. The preimage must match the hash lock.
func (m *Manager) RecordPreimage(ctx context.Context, id string, preimage lntypes.Preimage) error {
	_, err := m.UpdateContract(ctx, id, func(c *Contract) error {
		if c.Type != TypeHTLC {
			return fmt.Errorf("%w: %s contracts have no preimage", ErrInvalidParams, c.Type)
		}
		params, err := DecodeHTLCParams(c.Params)
		if err != nil {
			return err
		}
		params.Preimage = &preimage
		buf, err := params.Encode()
		if err != nil {
			return err
		}
		c.Params = buf
		return nil
	})
	return err
}

// GetSpendablePaths returns the leaves of the contract the role can use now.
// Timelocks measured in seconds are evaluated against the manager's clock.
func (m *Manager) GetSpendablePaths(
	ctx context.Context, id string, role Role, collaborative bool, opts ...PathOption,
) ([]SpendablePath, error) {
	contract, err := m.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := m.Handler(contract.Type)
	if err != nil {
		return nil, err
	}
	return h.SpendablePaths(
		contract.Params, role, collaborative, NewPathContext(m.clock.Now(), opts...),
	)
}

// VtxoScript returns the closures of the contract.
func (m *Manager) VtxoScript(ctx context.Context, id string) (*script.VtxoScript, error) {
	contract, err := m.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := m.Handler(contract.Type)
	if err != nil {
		return nil, err
	}
	return h.VtxoScript(contract.Params)
}

// Subscribe returns a channel of the changes made through the manager. A
// subscriber that does not keep up is dropped and its channel closed.
func (m *Manager) Subscribe(buf int) <-chan Change {
	return m.changes.Subscribe(buf)
}

func (m *Manager) Unsubscribe(ch <-chan Change) {
	m.changes.Unsubscribe(ch)
}

func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.changes.Close()
	m.repo.Close()
}

func (m *Manager) isClosed() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.closed
}

func (m *Manager) checkOpen() error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) publish(typ ChangeType, contract Contract) {
	if dropped := m.changes.Publish(Change{Type: typ, Contract: clone(contract)}); dropped > 0 {
		log.Warnf("dropped %d slow contract change subscribers", dropped)
	}
}
