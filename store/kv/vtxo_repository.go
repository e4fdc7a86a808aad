package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/arkade-os/ark-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	vtxoStoreDir       = "vtxos"
	vtxoEventsCapacity = 100
)

// vtxoStore caches the vtxos of the client, keyed by outpoint. Every write
// is notified on the event channel, events are dropped if nobody reads them.
type vtxoStore struct {
	db      *badgerhold.Store
	lock    *sync.Mutex
	eventCh chan types.VtxoEvent
}

type vtxoRecord struct {
	Outpoint        types.Outpoint
	Script          string
	Amount          uint64
	CommitmentTxids []string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	Preconfirmed    bool
	Swept           bool
	Unrolled        bool
	Spent           bool
	SpentBy         string
	SettledBy       string
	ArkTxid         string
}

func NewVtxoStore(dir string, logger badger.Logger) (types.VtxoStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, vtxoStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vtxo store: %s", err)
	}
	return &vtxoStore{
		db:      badgerDb,
		lock:    &sync.Mutex{},
		eventCh: make(chan types.VtxoEvent, vtxoEventsCapacity),
	}, nil
}

// AddVtxos inserts the vtxos not stored yet and returns how many were added.
func (s *vtxoStore) AddVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	added := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		record := toVtxoRecord(vtxo)
		if err := s.db.Insert(vtxo.Outpoint.String(), &record); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				continue
			}
			return -1, err
		}
		added = append(added, vtxo)
	}

	s.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	return len(added), nil
}

func (s *vtxoStore) SpendVtxos(
	_ context.Context, spentBy map[types.Outpoint]string, arkTxid string,
) (int, error) {
	return s.markSpent(spentBy, func(vtxo *types.Vtxo) {
		vtxo.ArkTxid = arkTxid
	})
}

func (s *vtxoStore) SettleVtxos(
	_ context.Context, spentBy map[types.Outpoint]string, settledBy string,
) (int, error) {
	return s.markSpent(spentBy, func(vtxo *types.Vtxo) {
		vtxo.SettledBy = settledBy
	})
}

// markSpent flags the known and unspent vtxos of the map as spent. Unknown
// outpoints are ignored.
func (s *vtxoStore) markSpent(
	spentBy map[types.Outpoint]string, apply func(*types.Vtxo),
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	spent := make([]types.Vtxo, 0, len(spentBy))
	for outpoint, by := range spentBy {
		var record vtxoRecord
		if err := s.db.Get(outpoint.String(), &record); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return -1, err
		}
		if record.Spent {
			continue
		}

		vtxo := record.toVtxo()
		vtxo.Spent = true
		vtxo.SpentBy = by
		apply(&vtxo)

		updated := toVtxoRecord(vtxo)
		if err := s.db.Update(outpoint.String(), &updated); err != nil {
			return -1, err
		}
		spent = append(spent, vtxo)
	}

	s.sendEvent(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spent})
	return len(spent), nil
}

// UpdateVtxos upserts the vtxos.
func (s *vtxoStore) UpdateVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, vtxo := range vtxos {
		record := toVtxoRecord(vtxo)
		if err := s.db.Upsert(vtxo.Outpoint.String(), &record); err != nil {
			return -1, err
		}
	}

	s.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: vtxos})
	return len(vtxos), nil
}

func (s *vtxoStore) GetAllVtxos(
	_ context.Context,
) (spendable, spent []types.Vtxo, err error) {
	var records []vtxoRecord
	if err = s.db.Find(&records, nil); err != nil {
		return nil, nil, err
	}

	for _, record := range records {
		vtxo := record.toVtxo()
		if vtxo.Spent || vtxo.Unrolled {
			spent = append(spent, vtxo)
		} else {
			spendable = append(spendable, vtxo)
		}
	}
	return
}

func (s *vtxoStore) GetSpendableVtxos(ctx context.Context) ([]types.Vtxo, error) {
	spendable, _, err := s.GetAllVtxos(ctx)
	return spendable, err
}

func (s *vtxoStore) GetVtxos(
	_ context.Context, keys []types.Outpoint,
) ([]types.Vtxo, error) {
	vtxos := make([]types.Vtxo, 0, len(keys))
	for _, key := range keys {
		var record vtxoRecord
		if err := s.db.Get(key.String(), &record); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return nil, err
		}
		vtxos = append(vtxos, record.toVtxo())
	}
	return vtxos, nil
}

func (s *vtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *vtxoStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the vtxo db: %s", err)
	}
	return nil
}

func (s *vtxoStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing vtxo db: %s", err)
	}
}

func (s *vtxoStore) sendEvent(event types.VtxoEvent) {
	if len(event.Vtxos) <= 0 {
		return
	}
	select {
	case s.eventCh <- event:
	default:
		log.Warnf("vtxo store: dropped %s event, channel full", event.Type)
	}
}

func toVtxoRecord(vtxo types.Vtxo) vtxoRecord {
	return vtxoRecord{
		Outpoint:        vtxo.Outpoint,
		Script:          vtxo.Script,
		Amount:          vtxo.Amount,
		CommitmentTxids: vtxo.CommitmentTxids,
		ExpiresAt:       vtxo.ExpiresAt,
		CreatedAt:       vtxo.CreatedAt,
		Preconfirmed:    vtxo.Preconfirmed,
		Swept:           vtxo.Swept,
		Unrolled:        vtxo.Unrolled,
		Spent:           vtxo.Spent,
		SpentBy:         vtxo.SpentBy,
		SettledBy:       vtxo.SettledBy,
		ArkTxid:         vtxo.ArkTxid,
	}
}

func (r vtxoRecord) toVtxo() types.Vtxo {
	return types.Vtxo{
		Outpoint:        r.Outpoint,
		Script:          r.Script,
		Amount:          r.Amount,
		CommitmentTxids: r.CommitmentTxids,
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       r.CreatedAt,
		Preconfirmed:    r.Preconfirmed,
		Swept:           r.Swept,
		Unrolled:        r.Unrolled,
		Spent:           r.Spent,
		SpentBy:         r.SpentBy,
		SettledBy:       r.SettledBy,
		ArkTxid:         r.ArkTxid,
	}
}
