package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/arkade-os/ark-sdk/contract"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	contractStoreDir = "contracts"
)

type contractRepository struct {
	db   *badgerhold.Store
	lock *sync.Mutex
}

type contractRecord struct {
	ID        string
	Type      string
	Params    []byte
	Script    string
	Address   string
	State     string
	CreatedAt time.Time
	Metadata  map[string]string
	Version   uint64
}

func NewContractRepository(dir string, logger badger.Logger) (contract.Repository, error) {
	if dir != "" {
		dir = filepath.Join(dir, contractStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open contract store: %s", err)
	}
	return &contractRepository{
		db:   badgerDb,
		lock: &sync.Mutex{},
	}, nil
}

func (r *contractRepository) SaveContract(_ context.Context, c contract.Contract) error {
	record := toContractRecord(c)
	if err := r.db.Insert(c.ID, &record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("%w: %s", contract.ErrContractExists, c.ID)
		}
		return err
	}
	return nil
}

func (r *contractRepository) GetContracts(
	_ context.Context, filter contract.Filter,
) ([]contract.Contract, error) {
	var records []contractRecord
	if err := r.db.Find(&records, nil); err != nil {
		return nil, err
	}

	contracts := make([]contract.Contract, 0, len(records))
	for _, record := range records {
		c := record.toContract()
		if filter.Match(c) {
			contracts = append(contracts, c)
		}
	}
	contract.SortByCreation(contracts)
	return contracts, nil
}

// UpdateContract reads and writes the record in the same badger transaction,
// the lock serializes writers of this process.
func (r *contractRepository) UpdateContract(_ context.Context, c *contract.Contract) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.db.Badger().Update(func(txn *badger.Txn) error {
		var stored contractRecord
		if err := r.db.TxGet(txn, c.ID, &stored); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", contract.ErrContractNotFound, c.ID)
			}
			return err
		}
		if stored.Version != c.Version {
			return fmt.Errorf(
				"%w: stored %d, got %d", contract.ErrVersionConflict, stored.Version, c.Version,
			)
		}

		record := toContractRecord(*c)
		record.Version++
		if err := r.db.TxUpdate(txn, c.ID, &record); err != nil {
			return err
		}
		c.Version = record.Version
		return nil
	})
}

func (r *contractRepository) DeleteContract(_ context.Context, id string) error {
	if err := r.db.Delete(id, contractRecord{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", contract.ErrContractNotFound, id)
		}
		return err
	}
	return nil
}

func (r *contractRepository) Close() {
	if err := r.db.Close(); err != nil {
		log.Debugf("error on closing contract db: %s", err)
	}
}

func toContractRecord(c contract.Contract) contractRecord {
	return contractRecord{
		ID:        c.ID,
		Type:      c.Type,
		Params:    c.Params,
		Script:    c.Script,
		Address:   c.Address,
		State:     string(c.State),
		CreatedAt: c.CreatedAt,
		Metadata:  c.Metadata,
		Version:   c.Version,
	}
}

func (r contractRecord) toContract() contract.Contract {
	return contract.Contract{
		ID:        r.ID,
		Type:      r.Type,
		Params:    r.Params,
		Script:    r.Script,
		Address:   r.Address,
		State:     contract.State(r.State),
		CreatedAt: r.CreatedAt,
		Metadata:  r.Metadata,
		Version:   r.Version,
	}
}
