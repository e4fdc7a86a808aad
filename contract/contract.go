package contract

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	ErrContractNotFound    = errors.New("contract not found")
	ErrContractExists      = errors.New("contract already exists")
	ErrVersionConflict     = errors.New("contract version conflict")
	ErrUnknownContractType = errors.New("unknown contract type")
	ErrInvalidState        = errors.New("invalid contract state")
)

type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
)

func (s State) IsValid() bool {
	return s == StateActive || s == StateInactive
}

const (
	TypeDefault = "default"
	TypeHTLC    = "htlc"
)

// Contract is a set of spending conditions the client watches for vtxos.
// The output script identifies it: ID is the hex of Script.
type Contract struct {
	ID        string
	Type      string
	Params    []byte
	Script    string
	Address   string
	State     State
	CreatedAt time.Time
	Metadata  map[string]string
	// Version is bumped by every write, see Repository.UpdateContract.
	Version uint64
}

func (c Contract) IsActive() bool {
	return c.State == StateActive
}

// Filter selects contracts. Empty fields match everything.
type Filter struct {
	IDs    []string
	Types  []string
	States []State
}

func (f Filter) Match(c Contract) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, c.ID) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, c.Type) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, c.State) {
		return false
	}
	return true
}

// Repository persists contracts.
type Repository interface {
	// SaveContract stores a new contract, ErrContractExists if its id is taken.
	SaveContract(ctx context.Context, contract Contract) error
	GetContracts(ctx context.Context, filter Filter) ([]Contract, error)
	// UpdateContract replaces the stored contract only if its version still
	// equals contract.Version, otherwise it returns ErrVersionConflict. On
	// success contract.Version is incremented.
	UpdateContract(ctx context.Context, contract *Contract) error
	DeleteContract(ctx context.Context, id string) error
	Close()
}

type inmemoryRepository struct {
	lock      sync.RWMutex
	contracts map[string]Contract
}

func NewInMemoryRepository() Repository {
	return &inmemoryRepository{contracts: make(map[string]Contract)}
}

func (r *inmemoryRepository) SaveContract(_ context.Context, contract Contract) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.contracts[contract.ID]; ok {
		return fmt.Errorf("%w: %s", ErrContractExists, contract.ID)
	}
	r.contracts[contract.ID] = clone(contract)
	return nil
}

func (r *inmemoryRepository) GetContracts(_ context.Context, filter Filter) ([]Contract, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	contracts := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		if filter.Match(c) {
			contracts = append(contracts, clone(c))
		}
	}
	SortByCreation(contracts)
	return contracts, nil
}

func (r *inmemoryRepository) UpdateContract(_ context.Context, contract *Contract) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	stored, ok := r.contracts[contract.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContractNotFound, contract.ID)
	}
	if stored.Version != contract.Version {
		return fmt.Errorf(
			"%w: stored %d, got %d", ErrVersionConflict, stored.Version, contract.Version,
		)
	}
	contract.Version++
	r.contracts[contract.ID] = clone(*contract)
	return nil
}

func (r *inmemoryRepository) DeleteContract(_ context.Context, id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.contracts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	delete(r.contracts, id)
	return nil
}

func (r *inmemoryRepository) Close() {}

// SortByCreation orders contracts by creation time, then id.
func SortByCreation(contracts []Contract) {
	sort.SliceStable(contracts, func(i, j int) bool {
		if contracts[i].CreatedAt.Equal(contracts[j].CreatedAt) {
			return contracts[i].ID < contracts[j].ID
		}
		return contracts[i].CreatedAt.Before(contracts[j].CreatedAt)
	})
}

func clone(c Contract) Contract {
	c.Params = slices.Clone(c.Params)
	c.Metadata = maps.Clone(c.Metadata)
	return c
}
