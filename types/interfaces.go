package types

import (
	"context"
	"time"
)

// ConfigStore persists the server config the client was initialized with.
type ConfigStore interface {
	GetType() string
	GetDatadir() string
	AddData(ctx context.Context, data Config) error
	// GetData returns nil if no config was stored yet.
	GetData(ctx context.Context) (*Config, error)
	CleanData(ctx context.Context) error
	Close()
}

type VtxoStore interface {
	AddVtxos(ctx context.Context, vtxos []Vtxo) (int, error)
	SpendVtxos(
		ctx context.Context, spentVtxos map[Outpoint]string, arkTxid string,
	) (int, error)
	SettleVtxos(
		ctx context.Context, spentVtxos map[Outpoint]string, settledBy string,
	) (int, error)
	UpdateVtxos(ctx context.Context, vtxos []Vtxo) (int, error)
	GetAllVtxos(ctx context.Context) (spendable, spent []Vtxo, err error)
	GetSpendableVtxos(ctx context.Context) ([]Vtxo, error)
	GetVtxos(ctx context.Context, keys []Outpoint) ([]Vtxo, error)
	Clean(ctx context.Context) error
	GetEventChannel() <-chan VtxoEvent
	Close()
}

type VtxoInputType string

const (
	VtxoInputRecoverable  VtxoInputType = "recoverable"
	VtxoInputPreconfirmed VtxoInputType = "preconfirmed"
	VtxoInputSettled      VtxoInputType = "settled"
)

// OffchainInput is what the fee programs know about a spent vtxo.
type OffchainInput struct {
	Amount uint64
	Expiry time.Time
	Birth  time.Time
	Type   VtxoInputType
	Weight uint64
}

type OnchainInput struct {
	Amount uint64
}

type Output struct {
	Amount uint64
	Script string
}

// FeeEstimator evaluates the server fee programs. Results are fractional
// satoshis, callers round them up.
type FeeEstimator interface {
	EvalOffchainInput(input OffchainInput) (float64, error)
	EvalOnchainInput(input OnchainInput) (float64, error)
	EvalOffchainOutput(output Output) (float64, error)
	EvalOnchainOutput(output Output) (float64, error)
}
