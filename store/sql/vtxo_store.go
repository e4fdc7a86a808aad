package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/arkade-os/ark-sdk/types"
	log "github.com/sirupsen/logrus"
)

const selectVtxos = `SELECT txid, vout, script, amount, commitment_txids, expires_at,
created_at, preconfirmed, swept, unrolled, spent, spent_by, settled_by, ark_txid
FROM vtxo`

type vtxoStore struct {
	db      *sql.DB
	lock    *sync.Mutex
	eventCh chan types.VtxoEvent
}

func NewVtxoStore(db *sql.DB) types.VtxoStore {
	return &vtxoStore{
		db:      db,
		lock:    &sync.Mutex{},
		eventCh: make(chan types.VtxoEvent, 100),
	}
}

func (s *vtxoStore) AddVtxos(ctx context.Context, vtxos []types.Vtxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	added := make([]types.Vtxo, 0, len(vtxos))
	txBody := func(tx *sql.Tx) error {
		for _, vtxo := range vtxos {
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO vtxo (txid, vout, script, amount, commitment_txids,
				expires_at, created_at, preconfirmed, swept, unrolled, spent, spent_by,
				settled_by, ark_txid) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (txid, vout) DO NOTHING`,
				vtxoArgs(vtxo)...,
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n > 0 {
				added = append(added, vtxo)
			}
		}
		return nil
	}
	if err := execTx(ctx, s.db, txBody); err != nil {
		return -1, err
	}

	s.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	return len(added), nil
}

func (s *vtxoStore) SpendVtxos(
	ctx context.Context, spentBy map[types.Outpoint]string, arkTxid string,
) (int, error) {
	return s.markSpent(ctx, spentBy, "ark_txid", arkTxid)
}

func (s *vtxoStore) SettleVtxos(
	ctx context.Context, spentBy map[types.Outpoint]string, settledBy string,
) (int, error) {
	return s.markSpent(ctx, spentBy, "settled_by", settledBy)
}

func (s *vtxoStore) markSpent(
	ctx context.Context, spentBy map[types.Outpoint]string, column, txid string,
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	spent := make([]types.Vtxo, 0, len(spentBy))
	txBody := func(tx *sql.Tx) error {
		for outpoint, by := range spentBy {
			res, err := tx.ExecContext(
				ctx,
				"UPDATE vtxo SET spent = TRUE, spent_by = ?, "+column+" = ? "+
					"WHERE txid = ? AND vout = ? AND spent = FALSE",
				by, txid, outpoint.Txid, int64(outpoint.VOut),
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				continue
			}

			vtxo, err := scanVtxo(tx.QueryRowContext(
				ctx, selectVtxos+" WHERE txid = ? AND vout = ?",
				outpoint.Txid, int64(outpoint.VOut),
			))
			if err != nil {
				return err
			}
			spent = append(spent, *vtxo)
		}
		return nil
	}
	if err := execTx(ctx, s.db, txBody); err != nil {
		return -1, err
	}

	s.sendEvent(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spent})
	return len(spent), nil
}

func (s *vtxoStore) UpdateVtxos(ctx context.Context, vtxos []types.Vtxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	txBody := func(tx *sql.Tx) error {
		for _, vtxo := range vtxos {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT OR REPLACE INTO vtxo (txid, vout, script, amount,
				commitment_txids, expires_at, created_at, preconfirmed, swept, unrolled,
				spent, spent_by, settled_by, ark_txid)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				vtxoArgs(vtxo)...,
			); err != nil {
				return err
			}
		}
		return nil
	}
	if err := execTx(ctx, s.db, txBody); err != nil {
		return -1, err
	}

	s.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: vtxos})
	return len(vtxos), nil
}

func (s *vtxoStore) GetAllVtxos(
	ctx context.Context,
) (spendable, spent []types.Vtxo, err error) {
	rows, err := s.db.QueryContext(ctx, selectVtxos)
	if err != nil {
		return nil, nil, err
	}
	// nolint:all
	defer rows.Close()

	for rows.Next() {
		vtxo, err := scanVtxo(rows)
		if err != nil {
			return nil, nil, err
		}
		if vtxo.Spent || vtxo.Unrolled {
			spent = append(spent, *vtxo)
		} else {
			spendable = append(spendable, *vtxo)
		}
	}
	err = rows.Err()
	return
}

func (s *vtxoStore) GetSpendableVtxos(ctx context.Context) ([]types.Vtxo, error) {
	spendable, _, err := s.GetAllVtxos(ctx)
	return spendable, err
}

func (s *vtxoStore) GetVtxos(
	ctx context.Context, keys []types.Outpoint,
) ([]types.Vtxo, error) {
	vtxos := make([]types.Vtxo, 0, len(keys))
	for _, key := range keys {
		vtxo, err := scanVtxo(s.db.QueryRowContext(
			ctx, selectVtxos+" WHERE txid = ? AND vout = ?", key.Txid, int64(key.VOut),
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		vtxos = append(vtxos, *vtxo)
	}
	return vtxos, nil
}

func (s *vtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *vtxoStore) Clean(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vtxo"); err != nil {
		return err
	}
	// nolint:all
	s.db.ExecContext(ctx, "VACUUM")
	return nil
}

func (s *vtxoStore) Close() {
	// nolint:all
	s.db.Close()
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

func vtxoArgs(vtxo types.Vtxo) []any {
	var expiresAt, createdAt sql.NullInt64
	if !vtxo.ExpiresAt.IsZero() {
		expiresAt = sql.NullInt64{Int64: vtxo.ExpiresAt.Unix(), Valid: true}
	}
	if !vtxo.CreatedAt.IsZero() {
		createdAt = sql.NullInt64{Int64: vtxo.CreatedAt.Unix(), Valid: true}
	}
	return []any{
		vtxo.Txid, int64(vtxo.VOut), vtxo.Script, int64(vtxo.Amount),
		nullString(strings.Join(vtxo.CommitmentTxids, ",")), expiresAt, createdAt,
		vtxo.Preconfirmed, vtxo.Swept, vtxo.Unrolled, vtxo.Spent,
		nullString(vtxo.SpentBy), nullString(vtxo.SettledBy), nullString(vtxo.ArkTxid),
	}
}

func scanVtxo(row scanner) (*types.Vtxo, error) {
	var (
		vtxo                        types.Vtxo
		vout, amount                int64
		commitmentTxids             sql.NullString
		expiresAt, createdAt        sql.NullInt64
		spentBy, settledBy, arkTxid sql.NullString
	)
	if err := row.Scan(
		&vtxo.Txid, &vout, &vtxo.Script, &amount, &commitmentTxids, &expiresAt,
		&createdAt, &vtxo.Preconfirmed, &vtxo.Swept, &vtxo.Unrolled, &vtxo.Spent,
		&spentBy, &settledBy, &arkTxid,
	); err != nil {
		return nil, err
	}

	vtxo.VOut = uint32(vout)
	vtxo.Amount = uint64(amount)
	if commitmentTxids.Valid && commitmentTxids.String != "" {
		vtxo.CommitmentTxids = strings.Split(commitmentTxids.String, ",")
	}
	if expiresAt.Valid {
		vtxo.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	if createdAt.Valid {
		vtxo.CreatedAt = time.Unix(createdAt.Int64, 0)
	}
	vtxo.SpentBy = spentBy.String
	vtxo.SettledBy = settledBy.String
	vtxo.ArkTxid = arkTxid.String
	return &vtxo, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
