package utils

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/arkade-os/ark-sdk/types"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrFeesExceedAmount  = errors.New("fees exceed amount")
)

// FeeToSats rounds a fractional fee up to whole satoshis.
func FeeToSats(fee float64) uint64 {
	if fee <= 0 || math.IsNaN(fee) {
		return 0
	}
	return uint64(math.Ceil(fee))
}

// CalculateFees sums the fees of spending the inputs into the receivers.
// Every term is rounded up on its own.
func CalculateFees(
	inputs []types.TapscriptsVtxo, receivers []types.Receiver, feeEstimator types.FeeEstimator,
) (uint64, error) {
	totalFees := uint64(0)
	if feeEstimator == nil {
		return totalFees, nil
	}

	for _, rv := range receivers {
		var (
			fee float64
			err error
		)
		if rv.IsOnchain() {
			fee, err = feeEstimator.EvalOnchainOutput(rv.ToFeeOutput())
		} else {
			fee, err = feeEstimator.EvalOffchainOutput(rv.ToFeeOutput())
		}
		if err != nil {
			return 0, err
		}
		totalFees += FeeToSats(fee)
	}

	for _, input := range inputs {
		fee, err := feeEstimator.EvalOffchainInput(input.ToFeeInput())
		if err != nil {
			return 0, err
		}
		totalFees += FeeToSats(fee)
	}

	return totalFees, nil
}

// CoinSelectNormal selects vtxos to cover amount plus the fees of spending
// them, preferring the ones expiring first. The returned change is zero when
// it would be below dust and no other coin can top it up.
func CoinSelectNormal(
	vtxos []types.TapscriptsVtxo, amount, dust uint64,
	withoutExpirySorting bool, feeEstimator types.FeeEstimator,
) ([]types.TapscriptsVtxo, uint64, error) {
	selected, notSelected := make([]types.TapscriptsVtxo, 0), make([]types.TapscriptsVtxo, 0)
	selectedAmount := uint64(0)

	candidates := make([]types.TapscriptsVtxo, len(vtxos))
	copy(candidates, vtxos)
	if !withoutExpirySorting {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
		})
	}

	inputFee := func(vtxo types.TapscriptsVtxo) (uint64, error) {
		if feeEstimator == nil {
			return 0, nil
		}
		fee, err := feeEstimator.EvalOffchainInput(vtxo.ToFeeInput())
		if err != nil {
			return 0, err
		}
		return FeeToSats(fee), nil
	}

	for _, vtxo := range candidates {
		if selectedAmount >= amount {
			notSelected = append(notSelected, vtxo)
			continue
		}

		selected = append(selected, vtxo)
		selectedAmount += vtxo.Amount
		fee, err := inputFee(vtxo)
		if err != nil {
			return nil, 0, err
		}
		amount += fee
	}

	if selectedAmount < amount {
		return nil, 0, fmt.Errorf(
			"%w: selected %d, required %d", ErrInsufficientFunds, selectedAmount, amount,
		)
	}

	change := selectedAmount - amount
	if feeEstimator != nil && change > 0 {
		fee, err := feeEstimator.EvalOffchainOutput(types.Output{Amount: change})
		if err != nil {
			return nil, 0, err
		}
		changeFee := FeeToSats(fee)
		if changeFee >= change {
			change = 0
		} else {
			change -= changeFee
		}
	}

	if change > 0 && change < dust {
		if len(notSelected) > 0 {
			extra := notSelected[0]
			fee, err := inputFee(extra)
			if err != nil {
				return nil, 0, err
			}
			if extra.Amount+change > fee {
				selected = append(selected, extra)
				change = extra.Amount + change - fee
			}
		}
		if change < dust {
			change = 0
		}
	}

	return selected, change, nil
}

// RecoverableSelection is the set of coins a settlement can recover.
type RecoverableSelection struct {
	Vtxos           []types.TapscriptsVtxo
	Total           uint64
	IncludesSubdust bool
}

// SelectRecoverable returns the swept and subdust vtxos worth recovering.
// Subdust coins alone cannot be settled: the whole set is left out when its
// total is below dust.
func SelectRecoverable(vtxos []types.TapscriptsVtxo, dust uint64) RecoverableSelection {
	selection := RecoverableSelection{Vtxos: make([]types.TapscriptsVtxo, 0)}
	for _, vtxo := range vtxos {
		if vtxo.Spent || vtxo.Unrolled {
			continue
		}
		subdust := vtxo.IsSubdust(dust)
		if !vtxo.IsRecoverable() && !subdust {
			continue
		}
		selection.Vtxos = append(selection.Vtxos, vtxo)
		selection.Total += vtxo.Amount
		selection.IncludesSubdust = selection.IncludesSubdust || subdust
	}

	if selection.Total < dust {
		return RecoverableSelection{Vtxos: make([]types.TapscriptsVtxo, 0)}
	}
	return selection
}

func SortVtxosByExpiry(vtxos []types.Vtxo) []types.Vtxo {
	sort.SliceStable(vtxos, func(i, j int) bool {
		return vtxos[i].ExpiresAt.Before(vtxos[j].ExpiresAt)
	})
	return vtxos
}

func GroupBy[T any](items []T, keyFn func(T) string) map[string][]T {
	result := make(map[string][]T)
	for _, item := range items {
		key := keyFn(item)
		result[key] = append(result[key], item)
	}
	return result
}
