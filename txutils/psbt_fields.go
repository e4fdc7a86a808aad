package txutils

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// ArkPsbtFieldKeyType prefixes the keys of every Ark specific PSBT input
// field. They are stored as unknowns so that generic PSBT tooling keeps them.
const ArkPsbtFieldKeyType = 0xde

var ErrFieldNotFound = errors.New("ark psbt field not found")

// ArkPsbtField describes one Ark PSBT input field and its value codec.
type ArkPsbtField[T any] struct {
	Name   string
	encode func(T) ([]byte, []byte, error)
	decode func(key, value []byte) (T, error)
}

func (f ArkPsbtField[T]) keyPrefix() []byte {
	return append([]byte{ArkPsbtFieldKeyType}, []byte(f.Name)...)
}

// Encode returns the PSBT unknown holding the value.
func (f ArkPsbtField[T]) Encode(value T) (*psbt.Unknown, error) {
	keySuffix, encoded, err := f.encode(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s field: %w", f.Name, err)
	}
	return &psbt.Unknown{
		Key:   append(f.keyPrefix(), keySuffix...),
		Value: encoded,
	}, nil
}

func (f ArkPsbtField[T]) matches(unknown *psbt.Unknown) bool {
	return bytes.HasPrefix(unknown.Key, f.keyPrefix())
}

// SetArkPsbtField adds the field to the given input, replacing an existing
// entry with the same key.
func SetArkPsbtField[T any](ptx *psbt.Packet, inIndex int, field ArkPsbtField[T], value T) error {
	if inIndex < 0 || inIndex >= len(ptx.Inputs) {
		return fmt.Errorf("input index %d out of range", inIndex)
	}
	unknown, err := field.Encode(value)
	if err != nil {
		return err
	}

	input := &ptx.Inputs[inIndex]
	for i, u := range input.Unknowns {
		if bytes.Equal(u.Key, unknown.Key) {
			input.Unknowns[i] = unknown
			return nil
		}
	}
	input.Unknowns = append(input.Unknowns, unknown)
	return nil
}

// GetArkPsbtFields returns every value of the field found in the input.
func GetArkPsbtFields[T any](ptx *psbt.Packet, inIndex int, field ArkPsbtField[T]) ([]T, error) {
	if inIndex < 0 || inIndex >= len(ptx.Inputs) {
		return nil, fmt.Errorf("input index %d out of range", inIndex)
	}
	values := make([]T, 0)
	for _, unknown := range ptx.Inputs[inIndex].Unknowns {
		if !field.matches(unknown) {
			continue
		}
		key := unknown.Key[len(field.keyPrefix()):]
		value, err := field.decode(key, unknown.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s field: %w", field.Name, err)
		}
		values = append(values, value)
	}
	return values, nil
}

// GetArkPsbtField returns the single value of the field in the input.
func GetArkPsbtField[T any](ptx *psbt.Packet, inIndex int, field ArkPsbtField[T]) (T, error) {
	var zero T
	values, err := GetArkPsbtFields(ptx, inIndex, field)
	if err != nil {
		return zero, err
	}
	if len(values) == 0 {
		return zero, fmt.Errorf("%w: %s on input %d", ErrFieldNotFound, field.Name, inIndex)
	}
	return values[0], nil
}

// IndexedCosignerKey is a cosigner pubkey with its position in the cosigner
// list of a tree node.
type IndexedCosignerKey struct {
	Index  uint32
	PubKey *btcec.PublicKey
}

var (
	// VtxoTaprootTreeField holds the leaves of the spent output, in the tap
	// tree encoding.
	VtxoTaprootTreeField = ArkPsbtField[[][]byte]{
		Name: "taptree",
		encode: func(leaves [][]byte) ([]byte, []byte, error) {
			encoded, err := script.EncodeTapTree(leaves)
			return nil, encoded, err
		},
		decode: func(_, value []byte) ([][]byte, error) {
			return script.DecodeTapTree(value)
		},
	}

	// CosignerPublicKeyField is repeated once per cosigner of a tree node,
	// the key suffix is the big endian index of the cosigner.
	CosignerPublicKeyField = ArkPsbtField[IndexedCosignerKey]{
		Name: "cosigner",
		encode: func(k IndexedCosignerKey) ([]byte, []byte, error) {
			if k.PubKey == nil {
				return nil, nil, errors.New("missing pubkey")
			}
			return binary.BigEndian.AppendUint32(nil, k.Index), k.PubKey.SerializeCompressed(), nil
		},
		decode: func(key, value []byte) (IndexedCosignerKey, error) {
			if len(key) != 4 {
				return IndexedCosignerKey{}, fmt.Errorf("invalid cosigner key length %d", len(key))
			}
			pubkey, err := btcec.ParsePubKey(value)
			if err != nil {
				return IndexedCosignerKey{}, err
			}
			return IndexedCosignerKey{Index: binary.BigEndian.Uint32(key), PubKey: pubkey}, nil
		},
	}

	// ConditionWitnessField carries the witness satisfying the condition of a
	// conditional closure.
	ConditionWitnessField = ArkPsbtField[wire.TxWitness]{
		Name: "condition",
		encode: func(witness wire.TxWitness) ([]byte, []byte, error) {
			encoded, err := EncodeWitness(witness)
			return nil, encoded, err
		},
		decode: func(_, value []byte) (wire.TxWitness, error) {
			return DecodeWitness(value)
		},
	}

	// VtxoTreeExpiryField is the relative locktime of the sweep path of a
	// batch output, stored as its BIP-68 sequence.
	VtxoTreeExpiryField = ArkPsbtField[script.RelativeLocktime]{
		Name: "expiry",
		encode: func(locktime script.RelativeLocktime) ([]byte, []byte, error) {
			sequence, err := script.BIP68Sequence(locktime)
			if err != nil {
				return nil, nil, err
			}
			return nil, binary.LittleEndian.AppendUint32(nil, sequence), nil
		},
		decode: func(_, value []byte) (script.RelativeLocktime, error) {
			if len(value) != 4 {
				return script.RelativeLocktime{}, fmt.Errorf("invalid expiry length %d", len(value))
			}
			locktime, err := script.BIP68DecodeSequence(binary.LittleEndian.Uint32(value))
			if err != nil {
				return script.RelativeLocktime{}, err
			}
			return *locktime, nil
		},
	}
)

// GetCosignerKeys returns the cosigners of an input ordered by index.
func GetCosignerKeys(ptx *psbt.Packet, inIndex int) ([]*btcec.PublicKey, error) {
	indexed, err := GetArkPsbtFields(ptx, inIndex, CosignerPublicKeyField)
	if err != nil {
		return nil, err
	}
	keys := make([]*btcec.PublicKey, len(indexed))
	for _, k := range indexed {
		if int(k.Index) >= len(indexed) || keys[k.Index] != nil {
			return nil, fmt.Errorf("invalid cosigner index %d", k.Index)
		}
		keys[k.Index] = k.PubKey
	}
	return keys, nil
}

// AddCosignerKeys records the cosigners of an input.
func AddCosignerKeys(ptx *psbt.Packet, inIndex int, keys []*btcec.PublicKey) error {
	for i, key := range keys {
		err := SetArkPsbtField(
			ptx, inIndex, CosignerPublicKeyField, IndexedCosignerKey{Index: uint32(i), PubKey: key},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// EncodeWitness serializes a witness stack the way PSBT final witnesses are.
func EncodeWitness(witness wire.TxWitness) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(witness))); err != nil {
		return nil, err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeWitness(encoded []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(encoded)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(encoded)) {
		return nil, fmt.Errorf("invalid witness item count %d", count)
	}
	witness := make(wire.TxWitness, 0, count)
	for i := uint64(0); i < count; i++ {
		item, err := wire.ReadVarBytes(r, 0, uint32(len(encoded)), "witness item")
		if err != nil {
			return nil, err
		}
		witness = append(witness, item)
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%d trailing bytes after witness", r.Len())
	}
	return witness, nil
}
