package tree

import (
	"fmt"

	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// ForfeitInput is one input of a forfeit tx with the output it spends.
type ForfeitInput struct {
	Outpoint *wire.OutPoint
	Prevout  *wire.TxOut
	Sequence uint32
}

// BuildForfeitTx builds the tx giving a vtxo up to the server once the
// connector output exists: it spends the vtxo and the connector and pays
// their sum to the server's forfeit script, plus the anchor.
func BuildForfeitTx(
	vtxo, connector ForfeitInput, forfeitPkScript []byte, locktime uint32,
) (*psbt.Packet, error) {
	if vtxo.Outpoint == nil || vtxo.Prevout == nil {
		return nil, fmt.Errorf("missing vtxo input")
	}
	if connector.Outpoint == nil || connector.Prevout == nil {
		return nil, fmt.Errorf("missing connector input")
	}

	amount := vtxo.Prevout.Value + connector.Prevout.Value
	outputs := []*wire.TxOut{
		{Value: amount, PkScript: forfeitPkScript},
		txutils.AnchorOutput(),
	}

	ptx, err := psbt.New(
		[]*wire.OutPoint{vtxo.Outpoint, connector.Outpoint},
		outputs,
		txutils.TxVersion,
		locktime,
		[]uint32{vtxo.Sequence, connector.Sequence},
	)
	if err != nil {
		return nil, err
	}

	ptx.Inputs[0].WitnessUtxo = vtxo.Prevout
	ptx.Inputs[1].WitnessUtxo = connector.Prevout
	return ptx, nil
}
