package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/arkade-os/ark-sdk/contract"
	sqlstore "github.com/arkade-os/ark-sdk/store/sql"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/stretchr/testify/require"
)

func newTestDb(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func TestMigrations(t *testing.T) {
	datadir := newTestDb(t)

	db, err := sqlstore.OpenDb(datadir)
	require.NoError(t, err)
	require.NoError(t, sqlstore.MigrateDb(db))
	// migrating an up to date db is a noop
	require.NoError(t, sqlstore.MigrateDb(db))
	require.NoError(t, db.Close())

	// reopening keeps the schema
	db, err = sqlstore.OpenDb(datadir)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, sqlstore.MigrateDb(db))
}

func TestContractStore(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.OpenDb(newTestDb(t))
	require.NoError(t, err)
	require.NoError(t, sqlstore.MigrateDb(db))

	repo := sqlstore.NewContractStore(db)
	defer repo.Close()

	now := time.Unix(1_700_000_000, 0)
	first := contract.Contract{
		ID:        "5120aa",
		Type:      contract.TypeDefault,
		Params:    []byte{0x01, 0x02},
		Script:    "5120aa",
		Address:   "tark1aa",
		State:     contract.StateActive,
		CreatedAt: now,
		Metadata:  map[string]string{"label": "savings"},
	}
	second := first
	second.ID, second.Script, second.Address = "5120bb", "5120bb", "tark1bb"
	second.Type = contract.TypeHTLC
	second.Metadata = nil
	second.CreatedAt = now.Add(time.Second)

	require.NoError(t, repo.SaveContract(ctx, second))
	require.NoError(t, repo.SaveContract(ctx, first))
	require.ErrorIs(t, repo.SaveContract(ctx, first), contract.ErrContractExists)

	testCases := []struct {
		name     string
		filter   contract.Filter
		expected []string
	}{
		{name: "all", filter: contract.Filter{}, expected: []string{"5120aa", "5120bb"}},
		{
			name:     "by type",
			filter:   contract.Filter{Types: []string{contract.TypeHTLC}},
			expected: []string{"5120bb"},
		},
		{
			name: "by id and state",
			filter: contract.Filter{
				IDs:    []string{"5120aa", "5120bb"},
				States: []contract.State{contract.StateActive},
			},
			expected: []string{"5120aa", "5120bb"},
		},
		{
			name:     "no match",
			filter:   contract.Filter{States: []contract.State{contract.StateInactive}},
			expected: []string{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			contracts, err := repo.GetContracts(ctx, tc.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(contracts))
			for _, c := range contracts {
				ids = append(ids, c.ID)
			}
			require.Equal(t, tc.expected, ids)
		})
	}

	t.Run("fields", func(t *testing.T) {
		got, err := repo.GetContracts(ctx, contract.Filter{IDs: []string{first.ID}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, first, got[0])
	})

	t.Run("update", func(t *testing.T) {
		update := first
		update.State = contract.StateInactive
		require.NoError(t, repo.UpdateContract(ctx, &update))
		require.Equal(t, uint64(1), update.Version)

		stale := first
		err := repo.UpdateContract(ctx, &stale)
		require.ErrorIs(t, err, contract.ErrVersionConflict)

		missing := first
		missing.ID = "5120cc"
		err = repo.UpdateContract(ctx, &missing)
		require.ErrorIs(t, err, contract.ErrContractNotFound)

		got, err := repo.GetContracts(ctx, contract.Filter{
			States: []contract.State{contract.StateInactive},
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, uint64(1), got[0].Version)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.DeleteContract(ctx, second.ID))
		err := repo.DeleteContract(ctx, second.ID)
		require.ErrorIs(t, err, contract.ErrContractNotFound)
	})
}

func TestVtxoStore(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.OpenDb(newTestDb(t))
	require.NoError(t, err)
	require.NoError(t, sqlstore.MigrateDb(db))

	store := sqlstore.NewVtxoStore(db)
	defer store.Close()

	now := time.Unix(1_700_000_000, 0)
	vtxos := []types.Vtxo{
		{
			Outpoint:        types.Outpoint{Txid: "aa", VOut: 0},
			Script:          "5120aa",
			Amount:          1000,
			CommitmentTxids: []string{"c1", "c2"},
			ExpiresAt:       now.Add(time.Hour),
			CreatedAt:       now,
		},
		{
			Outpoint:     types.Outpoint{Txid: "bb", VOut: 3},
			Script:       "5120bb",
			Amount:       500,
			Preconfirmed: true,
		},
	}

	count, err := store.AddVtxos(ctx, vtxos)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, types.VtxosAdded, (<-store.GetEventChannel()).Type)

	count, err = store.AddVtxos(ctx, vtxos)
	require.NoError(t, err)
	require.Zero(t, count)

	got, err := store.GetVtxos(ctx, []types.Outpoint{
		vtxos[0].Outpoint, {Txid: "unknown", VOut: 0},
	})
	require.NoError(t, err)
	require.Equal(t, vtxos[:1], got)

	t.Run("settle", func(t *testing.T) {
		count, err := store.SettleVtxos(ctx, map[types.Outpoint]string{
			vtxos[1].Outpoint: "forfeit",
		}, "commitment")
		require.NoError(t, err)
		require.Equal(t, 1, count)

		event := <-store.GetEventChannel()
		require.Equal(t, types.VtxosSpent, event.Type)
		require.Equal(t, "commitment", event.Vtxos[0].SettledBy)
		require.Equal(t, "forfeit", event.Vtxos[0].SpentBy)

		count, err = store.SpendVtxos(ctx, map[types.Outpoint]string{
			vtxos[1].Outpoint: "checkpoint",
		}, "arktx")
		require.NoError(t, err)
		require.Zero(t, count)

		spendable, spent, err := store.GetAllVtxos(ctx)
		require.NoError(t, err)
		require.Len(t, spendable, 1)
		require.Len(t, spent, 1)
		require.Empty(t, spent[0].ArkTxid)
	})

	t.Run("update", func(t *testing.T) {
		unrolled := vtxos[0]
		unrolled.Unrolled = true
		count, err := store.UpdateVtxos(ctx, []types.Vtxo{unrolled})
		require.NoError(t, err)
		require.Equal(t, 1, count)

		spendable, err := store.GetSpendableVtxos(ctx)
		require.NoError(t, err)
		require.Empty(t, spendable)
	})

	t.Run("clean", func(t *testing.T) {
		require.NoError(t, store.Clean(ctx))
		spendable, spent, err := store.GetAllVtxos(ctx)
		require.NoError(t, err)
		require.Empty(t, spendable)
		require.Empty(t, spent)
	})
}
