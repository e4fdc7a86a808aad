package script

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// MaxScriptNumLen is the default maximum byte length of a script number.
	MaxScriptNumLen = 4
	// maxPushSize is the largest data push the builder emits (PUSHDATA2).
	maxPushSize = 0xffff
)

var (
	ErrUnassignedOpcode = errors.New("unassigned opcode")
	ErrTruncatedPush    = errors.New("truncated push")
	ErrPushTooLarge     = errors.New("push exceeds maximum size")
	ErrInvalidPush      = errors.New("push length does not match opcode")
	ErrNotANumber       = errors.New("instruction is not a number")
	ErrNumberOverflow   = errors.New("script number overflow")
	ErrNonMinimalNumber = errors.New("non minimally encoded script number")
)

// ParseError reports the byte offset and opcode where decoding a script
// failed.
type ParseError struct {
	Offset int
	Op     Opcode
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("script parse error at offset %d (%s): %s", e.Offset, e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Instruction is a decoded opcode with its inline data, if any.
type Instruction struct {
	Op   Opcode
	Data []byte
}

// IsPushData returns whether the instruction pushes the given bytes, whatever
// the opcode used for it.
func (i Instruction) IsPushData(data []byte) bool {
	pushed, ok := i.PushedData()
	return ok && string(pushed) == string(data)
}

// PushedData returns the bytes the instruction puts on the stack. Small int
// opcodes are expanded to their script number encoding.
func (i Instruction) PushedData() ([]byte, bool) {
	if i.Op.IsPush() {
		return i.Data, true
	}
	if n, ok := i.Op.SmallInt(); ok {
		return encodeScriptNum(n), true
	}
	return nil, false
}

// Int64 interprets the instruction as a minimally encoded script number.
func (i Instruction) Int64() (int64, error) {
	if n, ok := i.Op.SmallInt(); ok {
		return n, nil
	}
	if !i.Op.IsPush() {
		return 0, ErrNotANumber
	}
	return DecodeScriptNum(i.Data, 5)
}

func (i Instruction) String() string {
	if i.Op.IsPush() {
		return hex.EncodeToString(i.Data)
	}
	return i.Op.String()
}

// Program is an ordered list of instructions.
type Program []Instruction

// DecodeProgram parses raw bytecode. Every byte must be an assigned opcode and
// every push must be complete.
func DecodeProgram(script []byte) (Program, error) {
	program := make(Program, 0)
	for offset := 0; offset < len(script); {
		op := Opcode(script[offset])
		if !op.IsAssigned() {
			return nil, &ParseError{offset, op, ErrUnassignedOpcode}
		}

		start := offset
		offset++

		var dataLen int
		switch {
		case op >= OP_DATA_1 && op <= OP_DATA_75:
			dataLen = int(op)
		case op == OP_PUSHDATA1:
			if len(script)-offset < 1 {
				return nil, &ParseError{start, op, ErrTruncatedPush}
			}
			dataLen = int(script[offset])
			offset++
		case op == OP_PUSHDATA2:
			if len(script)-offset < 2 {
				return nil, &ParseError{start, op, ErrTruncatedPush}
			}
			dataLen = int(binary.LittleEndian.Uint16(script[offset:]))
			offset += 2
		case op == OP_PUSHDATA4:
			if len(script)-offset < 4 {
				return nil, &ParseError{start, op, ErrTruncatedPush}
			}
			l := binary.LittleEndian.Uint32(script[offset:])
			offset += 4
			if uint64(l) > uint64(len(script)-offset) {
				return nil, &ParseError{start, op, ErrTruncatedPush}
			}
			dataLen = int(l)
		default:
			program = append(program, Instruction{Op: op})
			continue
		}

		if len(script)-offset < dataLen {
			return nil, &ParseError{start, op, ErrTruncatedPush}
		}
		data := make([]byte, dataLen)
		copy(data, script[offset:offset+dataLen])
		offset += dataLen

		program = append(program, Instruction{Op: op, Data: data})
	}
	return program, nil
}

// EncodeProgram serializes the instructions as they are, without normalizing
// pushes, so any decoded program encodes back to the same bytes.
func EncodeProgram(program Program) ([]byte, error) {
	buf := make([]byte, 0, len(program)*2)
	for i, instr := range program {
		if !instr.Op.IsAssigned() {
			return nil, fmt.Errorf("instruction %d: %w", i, ErrUnassignedOpcode)
		}

		buf = append(buf, byte(instr.Op))
		switch {
		case instr.Op >= OP_DATA_1 && instr.Op <= OP_DATA_75:
			if len(instr.Data) != int(instr.Op) {
				return nil, fmt.Errorf("instruction %d: %w", i, ErrInvalidPush)
			}
		case instr.Op == OP_PUSHDATA1:
			if len(instr.Data) > 0xff {
				return nil, fmt.Errorf("instruction %d: %w", i, ErrInvalidPush)
			}
			buf = append(buf, byte(len(instr.Data)))
		case instr.Op == OP_PUSHDATA2:
			if len(instr.Data) > maxPushSize {
				return nil, fmt.Errorf("instruction %d: %w", i, ErrInvalidPush)
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(instr.Data)))
		case instr.Op == OP_PUSHDATA4:
			if uint64(len(instr.Data)) > math.MaxUint32 {
				return nil, fmt.Errorf("instruction %d: %w", i, ErrPushTooLarge)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(instr.Data)))
		default:
			if len(instr.Data) > 0 {
				return nil, fmt.Errorf("instruction %d: %w", i, ErrInvalidPush)
			}
			continue
		}
		buf = append(buf, instr.Data...)
	}
	return buf, nil
}

// Encode is a shortcut for EncodeProgram.
func (p Program) Encode() ([]byte, error) {
	return EncodeProgram(p)
}

// String returns the disassembly of the program, one space separated token
// per instruction.
func (p Program) String() string {
	tokens := make([]string, 0, len(p))
	for _, instr := range p {
		tokens = append(tokens, instr.String())
	}
	return strings.Join(tokens, " ")
}

// Disassemble decodes and disassembles a raw script.
func Disassemble(script []byte) (string, error) {
	program, err := DecodeProgram(script)
	if err != nil {
		return "", err
	}
	return program.String(), nil
}

// ProgramBuilder builds scripts using minimal pushes. The first error is
// sticky and returned by Script.
type ProgramBuilder struct {
	program Program
	err     error
}

func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{program: make(Program, 0)}
}

func (b *ProgramBuilder) AddOp(op Opcode) *ProgramBuilder {
	if b.err != nil {
		return b
	}
	if !op.IsAssigned() {
		b.err = fmt.Errorf("%s: %w", op, ErrUnassignedOpcode)
		return b
	}
	if op.IsPush() {
		b.err = fmt.Errorf("%s: use AddData for pushes", op)
		return b
	}
	b.program = append(b.program, Instruction{Op: op})
	return b
}

func (b *ProgramBuilder) AddOps(ops ...Opcode) *ProgramBuilder {
	for _, op := range ops {
		b.AddOp(op)
	}
	return b
}

// AddData pushes data with the smallest possible encoding.
func (b *ProgramBuilder) AddData(data []byte) *ProgramBuilder {
	if b.err != nil {
		return b
	}
	instr, err := minimalPush(data)
	if err != nil {
		b.err = err
		return b
	}
	b.program = append(b.program, instr)
	return b
}

// AddInt64 pushes n as a script number, using a small int opcode for
// -1 and 0..16.
func (b *ProgramBuilder) AddInt64(n int64) *ProgramBuilder {
	if b.err != nil {
		return b
	}
	switch {
	case n == -1:
		b.program = append(b.program, Instruction{Op: OP_1NEGATE})
	case n >= 0 && n <= 16:
		b.program = append(b.program, Instruction{Op: smallIntOpcode(n)})
	default:
		return b.AddData(encodeScriptNum(n))
	}
	return b
}

// AddProgram appends already decoded instructions verbatim.
func (b *ProgramBuilder) AddProgram(program Program) *ProgramBuilder {
	if b.err != nil {
		return b
	}
	b.program = append(b.program, program...)
	return b
}

func (b *ProgramBuilder) Program() (Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.program, nil
}

func (b *ProgramBuilder) Script() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return EncodeProgram(b.program)
}

func minimalPush(data []byte) (Instruction, error) {
	switch l := len(data); {
	case l == 0:
		return Instruction{Op: OP_0}, nil
	case l == 1 && data[0] >= 1 && data[0] <= 16:
		return Instruction{Op: smallIntOpcode(int64(data[0]))}, nil
	case l == 1 && data[0] == 0x81:
		return Instruction{Op: OP_1NEGATE}, nil
	case l <= int(OP_DATA_75):
		return Instruction{Op: Opcode(l), Data: data}, nil
	case l <= 0xff:
		return Instruction{Op: OP_PUSHDATA1, Data: data}, nil
	case l <= maxPushSize:
		return Instruction{Op: OP_PUSHDATA2, Data: data}, nil
	default:
		return Instruction{}, fmt.Errorf("%d bytes: %w", l, ErrPushTooLarge)
	}
}

// encodeScriptNum serializes n as little endian sign magnitude with the sign
// in the most significant bit of the last byte.
func encodeScriptNum(n int64) []byte {
	if n == 0 {
		return nil
	}

	negative := n < 0
	abs := uint64(n)
	if negative {
		abs = uint64(-n)
	}

	result := make([]byte, 0, 9)
	for abs > 0 {
		result = append(result, byte(abs&0xff))
		abs >>= 8
	}

	if result[len(result)-1]&0x80 != 0 {
		extra := byte(0x00)
		if negative {
			extra = 0x80
		}
		result = append(result, extra)
	} else if negative {
		result[len(result)-1] |= 0x80
	}
	return result
}

// DecodeScriptNum parses a minimally encoded script number of at most maxLen
// bytes.
func DecodeScriptNum(b []byte, maxLen int) (int64, error) {
	if len(b) > maxLen {
		return 0, fmt.Errorf("%d bytes, max %d: %w", len(b), maxLen, ErrNumberOverflow)
	}
	if len(b) == 0 {
		return 0, nil
	}

	// The most significant byte may only be zero (or 0x80) if the next byte
	// has its high bit set.
	if b[len(b)-1]&0x7f == 0 {
		if len(b) == 1 || b[len(b)-2]&0x80 == 0 {
			return 0, ErrNonMinimalNumber
		}
	}

	var result int64
	for i, v := range b {
		result |= int64(v) << uint8(8*i)
	}
	if b[len(b)-1]&0x80 != 0 {
		result &= ^(int64(0x80) << uint8(8*(len(b)-1)))
		return -result, nil
	}
	return result, nil
}
