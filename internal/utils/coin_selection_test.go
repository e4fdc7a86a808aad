package utils

import (
	"fmt"
	"testing"
	"time"

	"github.com/arkade-os/ark-sdk/types"
	"github.com/stretchr/testify/require"
)

type flatFees struct {
	input  float64
	output float64
}

func (f flatFees) EvalOffchainInput(types.OffchainInput) (float64, error) { return f.input, nil }
func (f flatFees) EvalOnchainInput(types.OnchainInput) (float64, error)   { return f.input, nil }
func (f flatFees) EvalOffchainOutput(types.Output) (float64, error)       { return f.output, nil }
func (f flatFees) EvalOnchainOutput(types.Output) (float64, error)        { return f.output, nil }

func makeVtxo(i int, amount uint64, expiresIn time.Duration) types.TapscriptsVtxo {
	now := time.Now()
	return types.TapscriptsVtxo{
		Vtxo: types.Vtxo{
			Outpoint:  types.Outpoint{Txid: fmt.Sprintf("%064x", i), VOut: 0},
			Amount:    amount,
			ExpiresAt: now.Add(expiresIn),
			CreatedAt: now,
		},
	}
}

func TestFeeToSats(t *testing.T) {
	for _, tt := range []struct {
		fee      float64
		expected uint64
	}{
		{0, 0},
		{-1, 0},
		{0.1, 1},
		{1, 1},
		{1.0001, 2},
		{99.5, 100},
	} {
		t.Run(fmt.Sprint(tt.fee), func(t *testing.T) {
			require.Equal(t, tt.expected, FeeToSats(tt.fee))
		})
	}
}

func TestCalculateFees(t *testing.T) {
	inputs := []types.TapscriptsVtxo{makeVtxo(1, 1000, time.Hour), makeVtxo(2, 1000, time.Hour)}
	receivers := []types.Receiver{{To: "not-an-ark-address", Amount: 500}}

	fees, err := CalculateFees(inputs, receivers, flatFees{input: 0.5, output: 1.2})
	require.NoError(t, err)
	// 2 inputs at ceil(0.5) + 1 output at ceil(1.2)
	require.Equal(t, uint64(4), fees)

	fees, err = CalculateFees(inputs, receivers, nil)
	require.NoError(t, err)
	require.Zero(t, fees)
}

func TestCoinSelectNormal(t *testing.T) {
	vtxos := []types.TapscriptsVtxo{
		makeVtxo(1, 5000, 3*time.Hour),
		makeVtxo(2, 3000, time.Hour),
		makeVtxo(3, 2000, 2*time.Hour),
	}

	t.Run("expiring first", func(t *testing.T) {
		selected, change, err := CoinSelectNormal(vtxos, 4000, 330, false, nil)
		require.NoError(t, err)
		require.Len(t, selected, 2)
		require.Equal(t, uint64(3000), selected[0].Amount)
		require.Equal(t, uint64(2000), selected[1].Amount)
		require.Equal(t, uint64(1000), change)
	})

	t.Run("input order", func(t *testing.T) {
		selected, change, err := CoinSelectNormal(vtxos, 4000, 330, true, nil)
		require.NoError(t, err)
		require.Len(t, selected, 1)
		require.Equal(t, uint64(1000), change)
	})

	t.Run("with fees", func(t *testing.T) {
		selected, change, err := CoinSelectNormal(
			vtxos, 4000, 330, false, flatFees{input: 10, output: 5},
		)
		require.NoError(t, err)
		require.Len(t, selected, 2)
		// 5000 - 4000 - 2*10 - 5
		require.Equal(t, uint64(975), change)
	})

	t.Run("subdust change tops up", func(t *testing.T) {
		selected, change, err := CoinSelectNormal(vtxos, 4900, 330, false, nil)
		require.NoError(t, err)
		require.Len(t, selected, 3)
		require.Equal(t, uint64(5100), change)
	})

	t.Run("subdust change dropped", func(t *testing.T) {
		selected, change, err := CoinSelectNormal(vtxos, 9900, 330, false, nil)
		require.NoError(t, err)
		require.Len(t, selected, 3)
		require.Zero(t, change)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, _, err := CoinSelectNormal(vtxos, 10001, 330, false, nil)
		require.ErrorIs(t, err, ErrInsufficientFunds)

		_, _, err = CoinSelectNormal(vtxos, 9990, 330, false, flatFees{input: 10})
		require.ErrorIs(t, err, ErrInsufficientFunds)
	})
}

func TestSelectRecoverable(t *testing.T) {
	const dust = 1000

	swept := func(i int, amount uint64) types.TapscriptsVtxo {
		v := makeVtxo(i, amount, -time.Hour)
		v.Swept = true
		return v
	}
	subdust := func(i int, amount uint64) types.TapscriptsVtxo {
		return makeVtxo(i, amount, time.Hour)
	}

	for _, tt := range []struct {
		name            string
		vtxos           []types.TapscriptsVtxo
		total           uint64
		count           int
		includesSubdust bool
	}{
		{
			name:            "subdust pushed over dust by swept vtxo",
			vtxos:           []types.TapscriptsVtxo{swept(1, 5000), subdust(2, 600), subdust(3, 500)},
			total:           6100,
			count:           3,
			includesSubdust: true,
		},
		{
			name:  "subdust alone below dust",
			vtxos: []types.TapscriptsVtxo{subdust(1, 500), subdust(2, 400)},
			total: 0,
			count: 0,
		},
		{
			name:            "subdust alone reaching dust",
			vtxos:           []types.TapscriptsVtxo{subdust(1, 600), subdust(2, 500)},
			total:           1100,
			count:           2,
			includesSubdust: true,
		},
		{
			name: "spendable and spent vtxos are ignored",
			vtxos: func() []types.TapscriptsVtxo {
				spent := swept(2, 4000)
				spent.Spent = true
				return []types.TapscriptsVtxo{makeVtxo(1, 5000, time.Hour), spent, swept(3, 2000)}
			}(),
			total: 2000,
			count: 1,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			selection := SelectRecoverable(tt.vtxos, dust)
			require.Equal(t, tt.total, selection.Total)
			require.Len(t, selection.Vtxos, tt.count)
			require.Equal(t, tt.includesSubdust, selection.IncludesSubdust)
		})
	}
}

func TestGroupByAndSort(t *testing.T) {
	vtxos := []types.Vtxo{
		makeVtxo(1, 1, 3*time.Hour).Vtxo,
		makeVtxo(2, 2, time.Hour).Vtxo,
		makeVtxo(3, 3, 2*time.Hour).Vtxo,
	}
	sorted := SortVtxosByExpiry(vtxos)
	require.Equal(t, []uint64{2, 3, 1}, []uint64{sorted[0].Amount, sorted[1].Amount, sorted[2].Amount})

	groups := GroupBy(vtxos, func(v types.Vtxo) string {
		if v.Amount%2 == 0 {
			return "even"
		}
		return "odd"
	})
	require.Len(t, groups["even"], 1)
	require.Len(t, groups["odd"], 2)
}
