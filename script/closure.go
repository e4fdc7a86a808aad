package script

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrNoPubkeys         = errors.New("closure must have at least one pubkey")
	ErrMissingSignature  = errors.New("missing signature")
	ErrUnknownClosure    = errors.New("script does not match any known closure")
	ErrEmptyCondition    = errors.New("condition must not be empty")
	ErrMissingCondition  = errors.New("missing condition witness")
	ErrInvalidCSVClosure = errors.New("invalid csv closure")
)

// Closure is a single spending condition, the script of one tap leaf.
type Closure interface {
	Script() ([]byte, error)
	// Decode fills the closure from the given script and returns false if the
	// script does not have the closure's shape.
	Decode(script []byte) (bool, error)
	// Witness assembles the leaf spend witness. Signatures are keyed by the
	// hex encoded x-only pubkey of the signer; extra is only used by
	// conditional closures and goes on top of the signatures.
	Witness(controlBlock []byte, sigs map[string][]byte, extra wire.TxWitness) (wire.TxWitness, error)
}

// DecodeClosure returns the most specific closure matching the script. Any
// well formed script that matches no known shape is a ProgramClosure.
func DecodeClosure(script []byte) (Closure, error) {
	if len(script) == 0 {
		return nil, ErrEmptyScript
	}

	candidates := []Closure{
		&MultisigClosure{},
		&CSVMultisigClosure{},
		&CLTVMultisigClosure{},
		&ConditionCSVMultisigClosure{},
		&ConditionMultisigClosure{},
		&ProgramClosure{},
	}
	for _, closure := range candidates {
		ok, err := closure.Decode(script)
		if err != nil {
			return nil, err
		}
		if ok {
			return closure, nil
		}
	}
	return nil, ErrUnknownClosure
}

type MultisigType int

const (
	// MultisigTypeChecksig chains CHECKSIGVERIFY and ends with CHECKSIG.
	MultisigTypeChecksig MultisigType = iota
	// MultisigTypeChecksigAdd accumulates with CHECKSIGADD and ends with
	// <n> NUMEQUAL.
	MultisigTypeChecksigAdd
)

// MultisigClosure is an n-of-n schnorr multisig.
type MultisigClosure struct {
	PubKeys []*btcec.PublicKey
	Type    MultisigType
}

func (c *MultisigClosure) Script() ([]byte, error) {
	program, err := c.program()
	if err != nil {
		return nil, err
	}
	return program.Encode()
}

func (c *MultisigClosure) program() (Program, error) {
	if len(c.PubKeys) == 0 {
		return nil, ErrNoPubkeys
	}

	b := NewProgramBuilder()
	for i, key := range c.PubKeys {
		b.AddData(schnorr.SerializePubKey(key))
		last := i == len(c.PubKeys)-1
		switch {
		case c.Type == MultisigTypeChecksigAdd && i == 0:
			b.AddOp(OP_CHECKSIG)
		case c.Type == MultisigTypeChecksigAdd:
			b.AddOp(OP_CHECKSIGADD)
		case last:
			b.AddOp(OP_CHECKSIG)
		default:
			b.AddOp(OP_CHECKSIGVERIFY)
		}
	}
	if c.Type == MultisigTypeChecksigAdd {
		b.AddInt64(int64(len(c.PubKeys))).AddOp(OP_NUMEQUAL)
	}
	return b.Program()
}

func (c *MultisigClosure) Decode(script []byte) (bool, error) {
	program, err := DecodeProgram(script)
	if err != nil {
		return false, err
	}
	return c.decodeProgram(program), nil
}

func (c *MultisigClosure) decodeProgram(program Program) bool {
	if keys, ok := parseChecksigMultisig(program); ok {
		c.PubKeys, c.Type = keys, MultisigTypeChecksig
		return true
	}
	if keys, ok := parseChecksigAddMultisig(program); ok {
		c.PubKeys, c.Type = keys, MultisigTypeChecksigAdd
		return true
	}
	return false
}

func (c *MultisigClosure) Witness(
	controlBlock []byte, sigs map[string][]byte, _ wire.TxWitness,
) (wire.TxWitness, error) {
	witness, err := c.signatures(sigs)
	if err != nil {
		return nil, err
	}
	script, err := c.Script()
	if err != nil {
		return nil, err
	}
	return append(witness, script, controlBlock), nil
}

// signatures returns the signatures in stack order: the first key is checked
// first so its signature must be on top.
func (c *MultisigClosure) signatures(sigs map[string][]byte) (wire.TxWitness, error) {
	witness := make(wire.TxWitness, 0, len(c.PubKeys))
	for i := len(c.PubKeys) - 1; i >= 0; i-- {
		key := hex.EncodeToString(schnorr.SerializePubKey(c.PubKeys[i]))
		sig, ok := sigs[key]
		if !ok {
			return nil, fmt.Errorf("%w for pubkey %s", ErrMissingSignature, key)
		}
		witness = append(witness, sig)
	}
	return witness, nil
}

// HasPubKey returns whether the key is one of the signers.
func (c *MultisigClosure) HasPubKey(key *btcec.PublicKey) bool {
	xonly := schnorr.SerializePubKey(key)
	for _, k := range c.PubKeys {
		if bytes.Equal(schnorr.SerializePubKey(k), xonly) {
			return true
		}
	}
	return false
}

// CSVMultisigClosure is a multisig spendable once the relative locktime has
// elapsed since the confirmation of the spent output.
type CSVMultisigClosure struct {
	MultisigClosure
	Locktime RelativeLocktime
}

func (c *CSVMultisigClosure) Script() ([]byte, error) {
	sequence, err := BIP68Sequence(c.Locktime)
	if err != nil {
		return nil, err
	}
	multisig, err := c.MultisigClosure.program()
	if err != nil {
		return nil, err
	}
	return NewProgramBuilder().
		AddInt64(int64(sequence)).
		AddOps(OP_CHECKSEQUENCEVERIFY, OP_DROP).
		AddProgram(multisig).
		Script()
}

func (c *CSVMultisigClosure) Decode(script []byte) (bool, error) {
	program, err := DecodeProgram(script)
	if err != nil {
		return false, err
	}
	return c.decodeProgram(program)
}

func (c *CSVMultisigClosure) decodeProgram(program Program) (bool, error) {
	locktime, rest, ok := parseCSVPrefix(program)
	if !ok {
		return false, nil
	}
	if !c.MultisigClosure.decodeProgram(rest) {
		return false, nil
	}
	c.Locktime = *locktime
	return true, nil
}

func (c *CSVMultisigClosure) Witness(
	controlBlock []byte, sigs map[string][]byte, _ wire.TxWitness,
) (wire.TxWitness, error) {
	witness, err := c.signatures(sigs)
	if err != nil {
		return nil, err
	}
	script, err := c.Script()
	if err != nil {
		return nil, err
	}
	return append(witness, script, controlBlock), nil
}

// CLTVMultisigClosure is a multisig spendable only after an absolute
// locktime.
type CLTVMultisigClosure struct {
	MultisigClosure
	Locktime AbsoluteLocktime
}

func (c *CLTVMultisigClosure) Script() ([]byte, error) {
	multisig, err := c.MultisigClosure.program()
	if err != nil {
		return nil, err
	}
	return NewProgramBuilder().
		AddInt64(int64(c.Locktime)).
		AddOps(OP_CHECKLOCKTIMEVERIFY, OP_DROP).
		AddProgram(multisig).
		Script()
}

func (c *CLTVMultisigClosure) Decode(script []byte) (bool, error) {
	program, err := DecodeProgram(script)
	if err != nil {
		return false, err
	}
	if len(program) < 3 ||
		program[1].Op != OP_CHECKLOCKTIMEVERIFY || program[2].Op != OP_DROP {
		return false, nil
	}
	locktime, err := program[0].Int64()
	if err != nil || locktime < 0 || locktime > 0xffffffff {
		return false, nil
	}
	if !c.MultisigClosure.decodeProgram(program[3:]) {
		return false, nil
	}
	c.Locktime = AbsoluteLocktime(locktime)
	return true, nil
}

func (c *CLTVMultisigClosure) Witness(
	controlBlock []byte, sigs map[string][]byte, _ wire.TxWitness,
) (wire.TxWitness, error) {
	witness, err := c.signatures(sigs)
	if err != nil {
		return nil, err
	}
	script, err := c.Script()
	if err != nil {
		return nil, err
	}
	return append(witness, script, controlBlock), nil
}

// ConditionMultisigClosure is a multisig guarded by an arbitrary condition
// program that must leave a truthy value for the trailing OP_VERIFY, for
// example a hash lock.
type ConditionMultisigClosure struct {
	MultisigClosure
	Condition Program
}

func (c *ConditionMultisigClosure) Script() ([]byte, error) {
	if len(c.Condition) == 0 {
		return nil, ErrEmptyCondition
	}
	multisig, err := c.MultisigClosure.program()
	if err != nil {
		return nil, err
	}
	return NewProgramBuilder().
		AddProgram(c.Condition).
		AddOp(OP_VERIFY).
		AddProgram(multisig).
		Script()
}

func (c *ConditionMultisigClosure) Decode(script []byte) (bool, error) {
	program, err := DecodeProgram(script)
	if err != nil {
		return false, err
	}
	condition, rest, ok := splitCondition(program)
	if !ok || !c.MultisigClosure.decodeProgram(rest) {
		return false, nil
	}
	c.Condition = condition
	return true, nil
}

func (c *ConditionMultisigClosure) Witness(
	controlBlock []byte, sigs map[string][]byte, condition wire.TxWitness,
) (wire.TxWitness, error) {
	if len(condition) == 0 {
		return nil, ErrMissingCondition
	}
	witness, err := c.signatures(sigs)
	if err != nil {
		return nil, err
	}
	script, err := c.Script()
	if err != nil {
		return nil, err
	}
	witness = append(witness, condition...)
	return append(witness, script, controlBlock), nil
}

// ConditionCSVMultisigClosure combines a condition with a relative locktime.
type ConditionCSVMultisigClosure struct {
	CSVMultisigClosure
	Condition Program
}

func (c *ConditionCSVMultisigClosure) Script() ([]byte, error) {
	if len(c.Condition) == 0 {
		return nil, ErrEmptyCondition
	}
	csv, err := c.CSVMultisigClosure.Script()
	if err != nil {
		return nil, err
	}
	csvProgram, err := DecodeProgram(csv)
	if err != nil {
		return nil, err
	}
	return NewProgramBuilder().
		AddProgram(c.Condition).
		AddOp(OP_VERIFY).
		AddProgram(csvProgram).
		Script()
}

func (c *ConditionCSVMultisigClosure) Decode(script []byte) (bool, error) {
	program, err := DecodeProgram(script)
	if err != nil {
		return false, err
	}
	condition, rest, ok := splitCondition(program)
	if !ok {
		return false, nil
	}
	if ok, _ := c.CSVMultisigClosure.decodeProgram(rest); !ok {
		return false, nil
	}
	c.Condition = condition
	return true, nil
}

func (c *ConditionCSVMultisigClosure) Witness(
	controlBlock []byte, sigs map[string][]byte, condition wire.TxWitness,
) (wire.TxWitness, error) {
	if len(condition) == 0 {
		return nil, ErrMissingCondition
	}
	witness, err := c.signatures(sigs)
	if err != nil {
		return nil, err
	}
	script, err := c.Script()
	if err != nil {
		return nil, err
	}
	witness = append(witness, condition...)
	return append(witness, script, controlBlock), nil
}

// ProgramClosure is a leaf with custom bytecode, typically using the
// introspection opcodes. It matches any well formed script.
type ProgramClosure struct {
	Program Program
}

func (c *ProgramClosure) Script() ([]byte, error) {
	if len(c.Program) == 0 {
		return nil, ErrEmptyScript
	}
	return c.Program.Encode()
}

func (c *ProgramClosure) Decode(script []byte) (bool, error) {
	program, err := DecodeProgram(script)
	if err != nil {
		return false, err
	}
	if len(program) == 0 {
		return false, nil
	}
	c.Program = program
	return true, nil
}

// Witness for a program leaf is entirely caller provided, the program
// defines what it consumes.
func (c *ProgramClosure) Witness(
	controlBlock []byte, _ map[string][]byte, extra wire.TxWitness,
) (wire.TxWitness, error) {
	script, err := c.Script()
	if err != nil {
		return nil, err
	}
	witness := make(wire.TxWitness, 0, len(extra)+2)
	witness = append(witness, extra...)
	return append(witness, script, controlBlock), nil
}

func parseChecksigMultisig(program Program) ([]*btcec.PublicKey, bool) {
	if len(program) < 2 || len(program)%2 != 0 {
		return nil, false
	}
	keys := make([]*btcec.PublicKey, 0, len(program)/2)
	for i := 0; i < len(program); i += 2 {
		key, ok := parseXOnlyPush(program[i])
		if !ok {
			return nil, false
		}
		want := OP_CHECKSIGVERIFY
		if i == len(program)-2 {
			want = OP_CHECKSIG
		}
		if program[i+1].Op != want {
			return nil, false
		}
		keys = append(keys, key)
	}
	return keys, true
}

func parseChecksigAddMultisig(program Program) ([]*btcec.PublicKey, bool) {
	if len(program) < 4 || len(program)%2 != 0 {
		return nil, false
	}
	n := len(program)/2 - 1
	if program[len(program)-1].Op != OP_NUMEQUAL {
		return nil, false
	}
	if count, err := program[len(program)-2].Int64(); err != nil || count != int64(n) {
		return nil, false
	}
	keys := make([]*btcec.PublicKey, 0, n)
	for i := 0; i < 2*n; i += 2 {
		key, ok := parseXOnlyPush(program[i])
		if !ok {
			return nil, false
		}
		want := OP_CHECKSIGADD
		if i == 0 {
			want = OP_CHECKSIG
		}
		if program[i+1].Op != want {
			return nil, false
		}
		keys = append(keys, key)
	}
	return keys, true
}

func parseXOnlyPush(instr Instruction) (*btcec.PublicKey, bool) {
	if instr.Op != OP_DATA_32 {
		return nil, false
	}
	key, err := schnorr.ParsePubKey(instr.Data)
	if err != nil {
		return nil, false
	}
	return key, true
}

func parseCSVPrefix(program Program) (*RelativeLocktime, Program, bool) {
	if len(program) < 3 ||
		program[1].Op != OP_CHECKSEQUENCEVERIFY || program[2].Op != OP_DROP {
		return nil, nil, false
	}
	sequence, err := program[0].Int64()
	if err != nil || sequence < 0 || sequence > 0xffffffff {
		return nil, nil, false
	}
	locktime, err := BIP68DecodeSequence(uint32(sequence))
	if err != nil {
		return nil, nil, false
	}
	return locktime, program[3:], true
}

// splitCondition splits at the last OP_VERIFY, multisig suffixes never
// contain one.
func splitCondition(program Program) (Program, Program, bool) {
	for i := len(program) - 1; i > 0; i-- {
		if program[i].Op == OP_VERIFY {
			return program[:i], program[i+1:], true
		}
	}
	return nil, nil, false
}
