package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arkade-os/ark-sdk/contract"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const selectContracts = `SELECT id, type, params, script, address, state, created_at,
metadata, version FROM contract`

type contractStore struct {
	db *sql.DB
}

// NewContractStore returns a contract repository backed by the given,
// already migrated, db.
func NewContractStore(db *sql.DB) contract.Repository {
	return &contractStore{db}
}

func (s *contractStore) SaveContract(ctx context.Context, c contract.Contract) error {
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO contract (id, type, params, script, address, state, created_at,
		metadata, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Type, c.Params, c.Script, c.Address, string(c.State),
		c.CreatedAt.UnixNano(), metadata, int64(c.Version),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", contract.ErrContractExists, c.ID)
		}
		return err
	}
	return nil
}

func (s *contractStore) GetContracts(
	ctx context.Context, filter contract.Filter,
) ([]contract.Contract, error) {
	query, args := buildContractQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// nolint:all
	defer rows.Close()

	contracts := make([]contract.Contract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	contract.SortByCreation(contracts)
	return contracts, nil
}

// UpdateContract relies on the version check of the UPDATE statement, no
// lock is held between the caller read and this write.
func (s *contractStore) UpdateContract(ctx context.Context, c *contract.Contract) error {
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}

	return execTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE contract SET type = ?, params = ?, script = ?, address = ?,
			state = ?, created_at = ?, metadata = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			c.Type, c.Params, c.Script, c.Address, string(c.State),
			c.CreatedAt.UnixNano(), metadata, c.ID, int64(c.Version),
		)
		if err != nil {
			return err
		}
		updated, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if updated == 1 {
			c.Version++
			return nil
		}

		var stored int64
		err = tx.QueryRowContext(
			ctx, "SELECT version FROM contract WHERE id = ?", c.ID,
		).Scan(&stored)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", contract.ErrContractNotFound, c.ID)
			}
			return err
		}
		return fmt.Errorf(
			"%w: stored %d, got %d", contract.ErrVersionConflict, stored, c.Version,
		)
	})
}

func (s *contractStore) DeleteContract(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM contract WHERE id = ?", id)
	if err != nil {
		return err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", contract.ErrContractNotFound, id)
	}
	return nil
}

func (s *contractStore) Close() {
	// nolint:all
	s.db.Close()
}

func buildContractQuery(filter contract.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		where = append(where, fmt.Sprintf("%s IN (%s)", column, placeholders))
		for _, v := range values {
			args = append(args, v)
		}
	}

	in("id", filter.IDs)
	in("type", filter.Types)
	states := make([]string, 0, len(filter.States))
	for _, state := range filter.States {
		states = append(states, string(state))
	}
	in("state", states)

	query := selectContracts
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (*contract.Contract, error) {
	var (
		c         contract.Contract
		state     string
		createdAt int64
		metadata  sql.NullString
		version   int64
	)
	if err := row.Scan(
		&c.ID, &c.Type, &c.Params, &c.Script, &c.Address, &state, &createdAt,
		&metadata, &version,
	); err != nil {
		return nil, err
	}

	c.State = contract.State(state)
	c.CreatedAt = time.Unix(0, createdAt)
	c.Version = uint64(version)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata of contract %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func encodeMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	buf, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(buf), Valid: true}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
