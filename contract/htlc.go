package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"golang.org/x/crypto/ripemd160"
)

// Leaf order of a virtual HTLC.
const (
	htlcClaim = iota
	htlcRefund
	htlcRefundWithoutReceiver
	htlcUnilateralClaim
	htlcUnilateralRefund
	htlcUnilateralRefundWithoutReceiver
)

func hash160(b []byte) []byte {
	sum := sha256.Sum256(b)
	return ripemd160Sum(sum[:])
}

func ripemd160Sum(b []byte) []byte {
	// nolint
	h := ripemd160.New()
	h.Write(b)
	return h.Sum(nil)
}

// HTLCVtxoScript returns the six leaves of a virtual HTLC:
//
//	claim:                           hash lock + receiver + server
//	refund:                          sender + receiver + server
//	refund without receiver:         sender + server after RefundLocktime
//	unilateral claim:                hash lock + receiver after a delay
//	unilateral refund:               sender + receiver after a delay
//	unilateral refund w/o receiver:  sender after a delay
func HTLCVtxoScript(p HTLCParams) (*script.VtxoScript, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	condition, err := script.NewProgramBuilder().
		AddOp(script.OP_HASH160).
		AddData(p.PreimageHash).
		AddOp(script.OP_EQUAL).
		Program()
	if err != nil {
		return nil, err
	}

	closures := make([]script.Closure, 6)
	closures[htlcClaim] = &script.ConditionMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{p.Receiver, p.Server},
		},
		Condition: condition,
	}
	closures[htlcRefund] = &script.MultisigClosure{
		PubKeys: []*btcec.PublicKey{p.Sender, p.Receiver, p.Server},
	}
	closures[htlcRefundWithoutReceiver] = &script.CLTVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{p.Sender, p.Server},
		},
		Locktime: p.RefundLocktime,
	}
	closures[htlcUnilateralClaim] = &script.ConditionCSVMultisigClosure{
		CSVMultisigClosure: script.CSVMultisigClosure{
			MultisigClosure: script.MultisigClosure{
				PubKeys: []*btcec.PublicKey{p.Receiver},
			},
			Locktime: p.UnilateralClaimDelay,
		},
		Condition: condition,
	}
	closures[htlcUnilateralRefund] = &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{p.Sender, p.Receiver},
		},
		Locktime: p.UnilateralRefundDelay,
	}
	closures[htlcUnilateralRefundWithoutReceiver] = &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{p.Sender},
		},
		Locktime: p.UnilateralRefundWithoutReceiverDelay,
	}
	return &script.VtxoScript{Closures: closures}, nil
}

type htlcHandler struct{}

func (htlcHandler) Type() string {
	return TypeHTLC
}

type rawHTLCParams struct {
	Sender                               string `mapstructure:"sender"`
	Receiver                             string `mapstructure:"receiver"`
	Server                               string `mapstructure:"server"`
	PreimageHash                         string `mapstructure:"preimage_hash"`
	Invoice                              string `mapstructure:"invoice"`
	Preimage                             string `mapstructure:"preimage"`
	RefundLocktime                       uint32 `mapstructure:"refund_locktime"`
	UnilateralClaimDelay                 uint32 `mapstructure:"unilateral_claim_delay"`
	UnilateralRefundDelay                uint32 `mapstructure:"unilateral_refund_delay"`
	UnilateralRefundWithoutReceiverDelay uint32 `mapstructure:"unilateral_refund_without_receiver_delay"`
}

// EncodeParams accepts the hash lock either as preimage_hash, a hash160 or a
// sha256 payment hash, or as the payment hash of a BOLT11 invoice.
func (htlcHandler) EncodeParams(raw map[string]string, server *btcec.PublicKey) ([]byte, error) {
	var params rawHTLCParams
	if err := decodeRaw(raw, &params); err != nil {
		return nil, err
	}

	sender, err := parsePubKey("sender", params.Sender)
	if err != nil {
		return nil, err
	}
	receiver, err := parsePubKey("receiver", params.Receiver)
	if err != nil {
		return nil, err
	}
	serverKey, err := serverPubKey(params.Server, server)
	if err != nil {
		return nil, err
	}
	preimageHash, err := parsePreimageHash(params.PreimageHash, params.Invoice)
	if err != nil {
		return nil, err
	}

	htlc := HTLCParams{
		Sender:                               sender,
		Receiver:                             receiver,
		Server:                               serverKey,
		PreimageHash:                         preimageHash,
		RefundLocktime:                       script.AbsoluteLocktime(params.RefundLocktime),
		UnilateralClaimDelay:                 script.NewRelativeLocktime(params.UnilateralClaimDelay),
		UnilateralRefundDelay:                script.NewRelativeLocktime(params.UnilateralRefundDelay),
		UnilateralRefundWithoutReceiverDelay: script.NewRelativeLocktime(params.UnilateralRefundWithoutReceiverDelay),
	}
	if params.Preimage != "" {
		preimage, err := lntypes.MakePreimageFromStr(params.Preimage)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid preimage: %s", ErrInvalidParams, err)
		}
		htlc.Preimage = &preimage
	}
	return htlc.Encode()
}

func parsePreimageHash(preimageHash, invoice string) ([]byte, error) {
	switch {
	case preimageHash != "" && invoice != "":
		return nil, fmt.Errorf(
			"%w: preimage_hash and invoice are mutually exclusive", ErrInvalidParams,
		)
	case invoice != "":
		bolt11, err := decodepay.Decodepay(invoice)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid invoice: %s", ErrInvalidParams, err)
		}
		preimageHash = bolt11.PaymentHash
	case preimageHash == "":
		return nil, fmt.Errorf("%w: missing preimage_hash or invoice", ErrInvalidParams)
	}

	buf, err := hex.DecodeString(preimageHash)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid preimage hash: %s", ErrInvalidParams, err)
	}
	switch len(buf) {
	case hash160Len:
		return buf, nil
	case sha256.Size:
		return ripemd160Sum(buf), nil
	default:
		return nil, fmt.Errorf(
			"%w: preimage hash must be 20 or 32 bytes, got %d", ErrInvalidParams, len(buf),
		)
	}
}

func (htlcHandler) VtxoScript(buf []byte) (*script.VtxoScript, error) {
	params, err := DecodeHTLCParams(buf)
	if err != nil {
		return nil, err
	}
	return HTLCVtxoScript(*params)
}

func (htlcHandler) SpendablePaths(
	buf []byte, role Role, collaborative bool, ctx PathContext,
) ([]SpendablePath, error) {
	params, err := DecodeHTLCParams(buf)
	if err != nil {
		return nil, err
	}
	vtxoScript, err := HTLCVtxoScript(*params)
	if err != nil {
		return nil, err
	}
	tapTree, err := vtxoScript.Build()
	if err != nil {
		return nil, err
	}

	var preimageWitness wire.TxWitness
	if params.Preimage != nil {
		preimageWitness = wire.TxWitness{params.Preimage[:]}
	}

	type candidate struct {
		leaf     int
		witness  wire.TxWitness
		delay    *script.RelativeLocktime
		locktime script.AbsoluteLocktime
	}
	candidates := make([]candidate, 0, 2)

	switch role {
	case RoleReceiver:
		if preimageWitness == nil {
			return nil, nil
		}
		if collaborative {
			candidates = append(candidates, candidate{leaf: htlcClaim, witness: preimageWitness})
		} else if ctx.RelativeElapsed(params.UnilateralClaimDelay) {
			candidates = append(candidates, candidate{
				leaf: htlcUnilateralClaim, witness: preimageWitness,
				delay: &params.UnilateralClaimDelay,
			})
		}
	case RoleSender:
		if collaborative {
			candidates = append(candidates, candidate{leaf: htlcRefund})
			if ctx.AbsoluteElapsed(params.RefundLocktime) {
				candidates = append(candidates, candidate{
					leaf: htlcRefundWithoutReceiver, locktime: params.RefundLocktime,
				})
			}
			break
		}
		if ctx.RelativeElapsed(params.UnilateralRefundDelay) {
			candidates = append(candidates, candidate{
				leaf: htlcUnilateralRefund, delay: &params.UnilateralRefundDelay,
			})
		}
		if ctx.RelativeElapsed(params.UnilateralRefundWithoutReceiverDelay) {
			candidates = append(candidates, candidate{
				leaf:  htlcUnilateralRefundWithoutReceiver,
				delay: &params.UnilateralRefundWithoutReceiverDelay,
			})
		}
	}

	paths := make([]SpendablePath, 0, len(candidates))
	for _, c := range candidates {
		path, err := newPath(tapTree, vtxoScript.Closures[c.leaf], c.witness)
		if err != nil {
			return nil, err
		}
		if c.delay != nil {
			if path.Sequence, err = script.BIP68Sequence(*c.delay); err != nil {
				return nil, err
			}
		}
		path.LockTime = uint32(c.locktime)
		paths = append(paths, *path)
	}
	return paths, nil
}
