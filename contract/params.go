package contract

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/tlv"
)

var ErrInvalidParams = errors.New("invalid contract params")

const (
	typeDefaultOwner     tlv.Type = 0
	typeDefaultServer    tlv.Type = 2
	typeDefaultExitDelay tlv.Type = 4
)

const (
	typeHTLCSender                               tlv.Type = 0
	typeHTLCReceiver                             tlv.Type = 2
	typeHTLCServer                               tlv.Type = 4
	typeHTLCPreimageHash                         tlv.Type = 6
	typeHTLCRefundLocktime                       tlv.Type = 8
	typeHTLCUnilateralClaimDelay                 tlv.Type = 10
	typeHTLCUnilateralRefundDelay                tlv.Type = 12
	typeHTLCUnilateralRefundWithoutReceiverDelay tlv.Type = 14
	typeHTLCPreimage                             tlv.Type = 16
)

const hash160Len = 20

// DefaultParams are the params of the default vtxo script.
type DefaultParams struct {
	Owner     *btcec.PublicKey
	Server    *btcec.PublicKey
	ExitDelay script.RelativeLocktime
}

func (p DefaultParams) Encode() ([]byte, error) {
	if p.Owner == nil || p.Server == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidParams)
	}
	exitDelay, err := script.BIP68Sequence(p.ExitDelay)
	if err != nil {
		return nil, err
	}

	owner, server := p.Owner, p.Server
	return encodeStream(
		tlv.MakePrimitiveRecord(typeDefaultOwner, &owner),
		tlv.MakePrimitiveRecord(typeDefaultServer, &server),
		tlv.MakePrimitiveRecord(typeDefaultExitDelay, &exitDelay),
	)
}

func DecodeDefaultParams(buf []byte) (*DefaultParams, error) {
	var (
		owner, server *btcec.PublicKey
		exitDelay     uint32
	)
	if err := decodeStream(
		buf, []tlv.Type{typeDefaultOwner, typeDefaultServer, typeDefaultExitDelay},
		tlv.MakePrimitiveRecord(typeDefaultOwner, &owner),
		tlv.MakePrimitiveRecord(typeDefaultServer, &server),
		tlv.MakePrimitiveRecord(typeDefaultExitDelay, &exitDelay),
	); err != nil {
		return nil, err
	}

	delay, err := script.BIP68DecodeSequence(exitDelay)
	if err != nil {
		return nil, err
	}
	return &DefaultParams{Owner: owner, Server: server, ExitDelay: *delay}, nil
}

// HTLCParams are the params of a virtual HTLC. PreimageHash is the hash160
// of the preimage, that is the ripemd160 of the payment hash. Preimage is
// empty until revealed.
type HTLCParams struct {
	Sender                               *btcec.PublicKey
	Receiver                             *btcec.PublicKey
	Server                               *btcec.PublicKey
	PreimageHash                         []byte
	RefundLocktime                       script.AbsoluteLocktime
	UnilateralClaimDelay                 script.RelativeLocktime
	UnilateralRefundDelay                script.RelativeLocktime
	UnilateralRefundWithoutReceiverDelay script.RelativeLocktime
	Preimage                             *lntypes.Preimage
}

func (p HTLCParams) validate() error {
	if p.Sender == nil || p.Receiver == nil || p.Server == nil {
		return fmt.Errorf("%w: missing key", ErrInvalidParams)
	}
	if len(p.PreimageHash) != hash160Len {
		return fmt.Errorf(
			"%w: preimage hash must be %d bytes, got %d",
			ErrInvalidParams, hash160Len, len(p.PreimageHash),
		)
	}
	if p.RefundLocktime == 0 {
		return fmt.Errorf("%w: missing refund locktime", ErrInvalidParams)
	}
	if p.Preimage != nil && !bytes.Equal(hash160(p.Preimage[:]), p.PreimageHash) {
		return fmt.Errorf("%w: preimage does not match hash", ErrInvalidParams)
	}
	return nil
}

func (p HTLCParams) Encode() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	delays := make([]uint32, 0, 3)
	for _, delay := range []script.RelativeLocktime{
		p.UnilateralClaimDelay, p.UnilateralRefundDelay, p.UnilateralRefundWithoutReceiverDelay,
	} {
		sequence, err := script.BIP68Sequence(delay)
		if err != nil {
			return nil, err
		}
		delays = append(delays, sequence)
	}

	sender, receiver, server := p.Sender, p.Receiver, p.Server
	preimageHash := p.PreimageHash
	refundLocktime := uint32(p.RefundLocktime)
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeHTLCSender, &sender),
		tlv.MakePrimitiveRecord(typeHTLCReceiver, &receiver),
		tlv.MakePrimitiveRecord(typeHTLCServer, &server),
		tlv.MakePrimitiveRecord(typeHTLCPreimageHash, &preimageHash),
		tlv.MakePrimitiveRecord(typeHTLCRefundLocktime, &refundLocktime),
		tlv.MakePrimitiveRecord(typeHTLCUnilateralClaimDelay, &delays[0]),
		tlv.MakePrimitiveRecord(typeHTLCUnilateralRefundDelay, &delays[1]),
		tlv.MakePrimitiveRecord(typeHTLCUnilateralRefundWithoutReceiverDelay, &delays[2]),
	}
	if p.Preimage != nil {
		preimage := [32]byte(*p.Preimage)
		records = append(records, tlv.MakePrimitiveRecord(typeHTLCPreimage, &preimage))
	}
	return encodeStream(records...)
}

func DecodeHTLCParams(buf []byte) (*HTLCParams, error) {
	var (
		sender, receiver, server *btcec.PublicKey
		preimageHash             []byte
		refundLocktime           uint32
		delays                   [3]uint32
		preimage                 [32]byte
	)

	required := []tlv.Type{
		typeHTLCSender, typeHTLCReceiver, typeHTLCServer, typeHTLCPreimageHash,
		typeHTLCRefundLocktime, typeHTLCUnilateralClaimDelay, typeHTLCUnilateralRefundDelay,
		typeHTLCUnilateralRefundWithoutReceiverDelay,
	}
	parsed, err := decodeStreamWithTypes(
		buf, required,
		tlv.MakePrimitiveRecord(typeHTLCSender, &sender),
		tlv.MakePrimitiveRecord(typeHTLCReceiver, &receiver),
		tlv.MakePrimitiveRecord(typeHTLCServer, &server),
		tlv.MakePrimitiveRecord(typeHTLCPreimageHash, &preimageHash),
		tlv.MakePrimitiveRecord(typeHTLCRefundLocktime, &refundLocktime),
		tlv.MakePrimitiveRecord(typeHTLCUnilateralClaimDelay, &delays[0]),
		tlv.MakePrimitiveRecord(typeHTLCUnilateralRefundDelay, &delays[1]),
		tlv.MakePrimitiveRecord(typeHTLCUnilateralRefundWithoutReceiverDelay, &delays[2]),
		tlv.MakePrimitiveRecord(typeHTLCPreimage, &preimage),
	)
	if err != nil {
		return nil, err
	}

	relativeDelays := make([]script.RelativeLocktime, 0, len(delays))
	for _, sequence := range delays {
		delay, err := script.BIP68DecodeSequence(sequence)
		if err != nil {
			return nil, err
		}
		relativeDelays = append(relativeDelays, *delay)
	}

	params := &HTLCParams{
		Sender:                               sender,
		Receiver:                             receiver,
		Server:                               server,
		PreimageHash:                         preimageHash,
		RefundLocktime:                       script.AbsoluteLocktime(refundLocktime),
		UnilateralClaimDelay:                 relativeDelays[0],
		UnilateralRefundDelay:                relativeDelays[1],
		UnilateralRefundWithoutReceiverDelay: relativeDelays[2],
	}
	if _, ok := parsed[typeHTLCPreimage]; ok {
		p := lntypes.Preimage(preimage)
		params.Preimage = &p
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStream(buf []byte, required []tlv.Type, records ...tlv.Record) error {
	_, err := decodeStreamWithTypes(buf, required, records...)
	return err
}

func decodeStreamWithTypes(
	buf []byte, required []tlv.Type, records ...tlv.Record,
) (tlv.TypeMap, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}
	for _, typ := range required {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: missing record %d", ErrInvalidParams, typ)
		}
	}
	return parsed, nil
}
