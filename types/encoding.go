package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ParseOutpoint decodes the txid:vout form.
func ParseOutpoint(s string) (Outpoint, error) {
	txid, voutStr, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("invalid outpoint %s", s)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil || len(txid) != 64 {
		return Outpoint{}, fmt.Errorf("invalid txid %s", txid)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("invalid vout %s", voutStr)
	}
	return Outpoint{Txid: txid, VOut: uint32(vout)}, nil
}

func OutpointFromWire(outpoint wire.OutPoint) Outpoint {
	return Outpoint{Txid: outpoint.Hash.String(), VOut: outpoint.Index}
}

func (v Outpoint) ToWire() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(v.Txid)
	if err != nil {
		return nil, err
	}
	return &wire.OutPoint{Hash: *hash, Index: v.VOut}, nil
}
