package script

import (
	"fmt"
)

// Opcode is a single byte instruction of the script language. The set of
// assigned opcodes is closed: every value without an entry in opcodeNames is
// rejected by the decoder.
type Opcode byte

// Push and constant opcodes.
const (
	OP_0         Opcode = 0x00
	OP_DATA_1    Opcode = 0x01
	OP_DATA_20   Opcode = 0x14
	OP_DATA_32   Opcode = 0x20
	OP_DATA_33   Opcode = 0x21
	OP_DATA_75   Opcode = 0x4b
	OP_PUSHDATA1 Opcode = 0x4c
	OP_PUSHDATA2 Opcode = 0x4d
	OP_PUSHDATA4 Opcode = 0x4e
	OP_1NEGATE   Opcode = 0x4f
	OP_RESERVED  Opcode = 0x50
	OP_1         Opcode = 0x51
	OP_2         Opcode = 0x52
	OP_3         Opcode = 0x53
	OP_4         Opcode = 0x54
	OP_5         Opcode = 0x55
	OP_6         Opcode = 0x56
	OP_7         Opcode = 0x57
	OP_8         Opcode = 0x58
	OP_9         Opcode = 0x59
	OP_10        Opcode = 0x5a
	OP_11        Opcode = 0x5b
	OP_12        Opcode = 0x5c
	OP_13        Opcode = 0x5d
	OP_14        Opcode = 0x5e
	OP_15        Opcode = 0x5f
	OP_16        Opcode = 0x60

	OP_FALSE = OP_0
	OP_TRUE  = OP_1
)

// Flow control and stack opcodes.
const (
	OP_NOP          Opcode = 0x61
	OP_VER          Opcode = 0x62
	OP_IF           Opcode = 0x63
	OP_NOTIF        Opcode = 0x64
	OP_VERIF        Opcode = 0x65
	OP_VERNOTIF     Opcode = 0x66
	OP_ELSE         Opcode = 0x67
	OP_ENDIF        Opcode = 0x68
	OP_VERIFY       Opcode = 0x69
	OP_RETURN       Opcode = 0x6a
	OP_TOALTSTACK   Opcode = 0x6b
	OP_FROMALTSTACK Opcode = 0x6c
	OP_2DROP        Opcode = 0x6d
	OP_2DUP         Opcode = 0x6e
	OP_3DUP         Opcode = 0x6f
	OP_2OVER        Opcode = 0x70
	OP_2ROT         Opcode = 0x71
	OP_2SWAP        Opcode = 0x72
	OP_IFDUP        Opcode = 0x73
	OP_DEPTH        Opcode = 0x74
	OP_DROP         Opcode = 0x75
	OP_DUP          Opcode = 0x76
	OP_NIP          Opcode = 0x77
	OP_OVER         Opcode = 0x78
	OP_PICK         Opcode = 0x79
	OP_ROLL         Opcode = 0x7a
	OP_ROT          Opcode = 0x7b
	OP_SWAP         Opcode = 0x7c
	OP_TUCK         Opcode = 0x7d
)

// Splice, bitwise and arithmetic opcodes.
const (
	OP_CAT                Opcode = 0x7e
	OP_SUBSTR             Opcode = 0x7f
	OP_LEFT               Opcode = 0x80
	OP_RIGHT              Opcode = 0x81
	OP_SIZE               Opcode = 0x82
	OP_INVERT             Opcode = 0x83
	OP_AND                Opcode = 0x84
	OP_OR                 Opcode = 0x85
	OP_XOR                Opcode = 0x86
	OP_EQUAL              Opcode = 0x87
	OP_EQUALVERIFY        Opcode = 0x88
	OP_RESERVED1          Opcode = 0x89
	OP_RESERVED2          Opcode = 0x8a
	OP_1ADD               Opcode = 0x8b
	OP_1SUB               Opcode = 0x8c
	OP_2MUL               Opcode = 0x8d
	OP_2DIV               Opcode = 0x8e
	OP_NEGATE             Opcode = 0x8f
	OP_ABS                Opcode = 0x90
	OP_NOT                Opcode = 0x91
	OP_0NOTEQUAL          Opcode = 0x92
	OP_ADD                Opcode = 0x93
	OP_SUB                Opcode = 0x94
	OP_MUL                Opcode = 0x95
	OP_DIV                Opcode = 0x96
	OP_MOD                Opcode = 0x97
	OP_LSHIFT             Opcode = 0x98
	OP_RSHIFT             Opcode = 0x99
	OP_BOOLAND            Opcode = 0x9a
	OP_BOOLOR             Opcode = 0x9b
	OP_NUMEQUAL           Opcode = 0x9c
	OP_NUMEQUALVERIFY     Opcode = 0x9d
	OP_NUMNOTEQUAL        Opcode = 0x9e
	OP_LESSTHAN           Opcode = 0x9f
	OP_GREATERTHAN        Opcode = 0xa0
	OP_LESSTHANOREQUAL    Opcode = 0xa1
	OP_GREATERTHANOREQUAL Opcode = 0xa2
	OP_MIN                Opcode = 0xa3
	OP_MAX                Opcode = 0xa4
	OP_WITHIN             Opcode = 0xa5
)

// Crypto and locktime opcodes.
const (
	OP_RIPEMD160           Opcode = 0xa6
	OP_SHA1                Opcode = 0xa7
	OP_SHA256              Opcode = 0xa8
	OP_HASH160             Opcode = 0xa9
	OP_HASH256             Opcode = 0xaa
	OP_CODESEPARATOR       Opcode = 0xab
	OP_CHECKSIG            Opcode = 0xac
	OP_CHECKSIGVERIFY      Opcode = 0xad
	OP_CHECKMULTISIG       Opcode = 0xae
	OP_CHECKMULTISIGVERIFY Opcode = 0xaf
	OP_NOP1                Opcode = 0xb0
	OP_CHECKLOCKTIMEVERIFY Opcode = 0xb1
	OP_CHECKSEQUENCEVERIFY Opcode = 0xb2
	OP_NOP4                Opcode = 0xb3
	OP_NOP5                Opcode = 0xb4
	OP_NOP6                Opcode = 0xb5
	OP_NOP7                Opcode = 0xb6
	OP_NOP8                Opcode = 0xb7
	OP_NOP9                Opcode = 0xb8
	OP_NOP10               Opcode = 0xb9
	OP_CHECKSIGADD         Opcode = 0xba
)

// Introspection and 64-bit arithmetic extension opcodes.
const (
	OP_CHECKSIGFROMSTACK         Opcode = 0xc1
	OP_CHECKSIGFROMSTACKVERIFY   Opcode = 0xc2
	OP_SHA256INITIALIZE          Opcode = 0xc4
	OP_SHA256UPDATE              Opcode = 0xc5
	OP_SHA256FINALIZE            Opcode = 0xc6
	OP_INSPECTINPUTOUTPOINT      Opcode = 0xc7
	OP_INSPECTINPUTASSET         Opcode = 0xc8
	OP_INSPECTINPUTVALUE         Opcode = 0xc9
	OP_INSPECTINPUTSCRIPTPUBKEY  Opcode = 0xca
	OP_INSPECTINPUTSEQUENCE      Opcode = 0xcb
	OP_INSPECTINPUTISSUANCE      Opcode = 0xcc
	OP_PUSHCURRENTINPUTINDEX     Opcode = 0xcd
	OP_INSPECTOUTPUTASSET        Opcode = 0xce
	OP_INSPECTOUTPUTVALUE        Opcode = 0xcf
	OP_INSPECTOUTPUTNONCE        Opcode = 0xd0
	OP_INSPECTOUTPUTSCRIPTPUBKEY Opcode = 0xd1
	OP_INSPECTVERSION            Opcode = 0xd2
	OP_INSPECTLOCKTIME           Opcode = 0xd3
	OP_INSPECTNUMINPUTS          Opcode = 0xd4
	OP_INSPECTNUMOUTPUTS         Opcode = 0xd5
	OP_TXWEIGHT                  Opcode = 0xd6
	OP_ADD64                     Opcode = 0xd7
	OP_SUB64                     Opcode = 0xd8
	OP_MUL64                     Opcode = 0xd9
	OP_DIV64                     Opcode = 0xda
	OP_NEG64                     Opcode = 0xdb
	OP_LESSTHAN64                Opcode = 0xdc
	OP_LESSTHANOREQUAL64         Opcode = 0xdd
	OP_GREATERTHAN64             Opcode = 0xde
	OP_GREATERTHANOREQUAL64      Opcode = 0xdf
	OP_SCRIPTNUMTOLE64           Opcode = 0xe0
	OP_LE64TOSCRIPTNUM           Opcode = 0xe1
	OP_LE32TOLE64                Opcode = 0xe2
	OP_ECMULSCALARVERIFY         Opcode = 0xe3
	OP_TWEAKVERIFY               Opcode = 0xe4
)

// opcodeNames is the numeric to symbolic half of the opcode table. Indexing
// the array literal by the constants above makes a duplicated or out of range
// entry a compile error. Direct data pushes are filled in by init.
var opcodeNames = [256]string{
	OP_0:         "OP_0",
	OP_PUSHDATA1: "OP_PUSHDATA1",
	OP_PUSHDATA2: "OP_PUSHDATA2",
	OP_PUSHDATA4: "OP_PUSHDATA4",
	OP_1NEGATE:   "OP_1NEGATE",
	OP_RESERVED:  "OP_RESERVED",
	OP_1:         "OP_1",
	OP_2:         "OP_2",
	OP_3:         "OP_3",
	OP_4:         "OP_4",
	OP_5:         "OP_5",
	OP_6:         "OP_6",
	OP_7:         "OP_7",
	OP_8:         "OP_8",
	OP_9:         "OP_9",
	OP_10:        "OP_10",
	OP_11:        "OP_11",
	OP_12:        "OP_12",
	OP_13:        "OP_13",
	OP_14:        "OP_14",
	OP_15:        "OP_15",
	OP_16:        "OP_16",

	OP_NOP:          "OP_NOP",
	OP_VER:          "OP_VER",
	OP_IF:           "OP_IF",
	OP_NOTIF:        "OP_NOTIF",
	OP_VERIF:        "OP_VERIF",
	OP_VERNOTIF:     "OP_VERNOTIF",
	OP_ELSE:         "OP_ELSE",
	OP_ENDIF:        "OP_ENDIF",
	OP_VERIFY:       "OP_VERIFY",
	OP_RETURN:       "OP_RETURN",
	OP_TOALTSTACK:   "OP_TOALTSTACK",
	OP_FROMALTSTACK: "OP_FROMALTSTACK",
	OP_2DROP:        "OP_2DROP",
	OP_2DUP:         "OP_2DUP",
	OP_3DUP:         "OP_3DUP",
	OP_2OVER:        "OP_2OVER",
	OP_2ROT:         "OP_2ROT",
	OP_2SWAP:        "OP_2SWAP",
	OP_IFDUP:        "OP_IFDUP",
	OP_DEPTH:        "OP_DEPTH",
	OP_DROP:         "OP_DROP",
	OP_DUP:          "OP_DUP",
	OP_NIP:          "OP_NIP",
	OP_OVER:         "OP_OVER",
	OP_PICK:         "OP_PICK",
	OP_ROLL:         "OP_ROLL",
	OP_ROT:          "OP_ROT",
	OP_SWAP:         "OP_SWAP",
	OP_TUCK:         "OP_TUCK",

	OP_CAT:                "OP_CAT",
	OP_SUBSTR:             "OP_SUBSTR",
	OP_LEFT:               "OP_LEFT",
	OP_RIGHT:              "OP_RIGHT",
	OP_SIZE:               "OP_SIZE",
	OP_INVERT:             "OP_INVERT",
	OP_AND:                "OP_AND",
	OP_OR:                 "OP_OR",
	OP_XOR:                "OP_XOR",
	OP_EQUAL:              "OP_EQUAL",
	OP_EQUALVERIFY:        "OP_EQUALVERIFY",
	OP_RESERVED1:          "OP_RESERVED1",
	OP_RESERVED2:          "OP_RESERVED2",
	OP_1ADD:               "OP_1ADD",
	OP_1SUB:               "OP_1SUB",
	OP_2MUL:               "OP_2MUL",
	OP_2DIV:               "OP_2DIV",
	OP_NEGATE:             "OP_NEGATE",
	OP_ABS:                "OP_ABS",
	OP_NOT:                "OP_NOT",
	OP_0NOTEQUAL:          "OP_0NOTEQUAL",
	OP_ADD:                "OP_ADD",
	OP_SUB:                "OP_SUB",
	OP_MUL:                "OP_MUL",
	OP_DIV:                "OP_DIV",
	OP_MOD:                "OP_MOD",
	OP_LSHIFT:             "OP_LSHIFT",
	OP_RSHIFT:             "OP_RSHIFT",
	OP_BOOLAND:            "OP_BOOLAND",
	OP_BOOLOR:             "OP_BOOLOR",
	OP_NUMEQUAL:           "OP_NUMEQUAL",
	OP_NUMEQUALVERIFY:     "OP_NUMEQUALVERIFY",
	OP_NUMNOTEQUAL:        "OP_NUMNOTEQUAL",
	OP_LESSTHAN:           "OP_LESSTHAN",
	OP_GREATERTHAN:        "OP_GREATERTHAN",
	OP_LESSTHANOREQUAL:    "OP_LESSTHANOREQUAL",
	OP_GREATERTHANOREQUAL: "OP_GREATERTHANOREQUAL",
	OP_MIN:                "OP_MIN",
	OP_MAX:                "OP_MAX",
	OP_WITHIN:             "OP_WITHIN",

	OP_RIPEMD160:           "OP_RIPEMD160",
	OP_SHA1:                "OP_SHA1",
	OP_SHA256:              "OP_SHA256",
	OP_HASH160:             "OP_HASH160",
	OP_HASH256:             "OP_HASH256",
	OP_CODESEPARATOR:       "OP_CODESEPARATOR",
	OP_CHECKSIG:            "OP_CHECKSIG",
	OP_CHECKSIGVERIFY:      "OP_CHECKSIGVERIFY",
	OP_CHECKMULTISIG:       "OP_CHECKMULTISIG",
	OP_CHECKMULTISIGVERIFY: "OP_CHECKMULTISIGVERIFY",
	OP_NOP1:                "OP_NOP1",
	OP_CHECKLOCKTIMEVERIFY: "OP_CHECKLOCKTIMEVERIFY",
	OP_CHECKSEQUENCEVERIFY: "OP_CHECKSEQUENCEVERIFY",
	OP_NOP4:                "OP_NOP4",
	OP_NOP5:                "OP_NOP5",
	OP_NOP6:                "OP_NOP6",
	OP_NOP7:                "OP_NOP7",
	OP_NOP8:                "OP_NOP8",
	OP_NOP9:                "OP_NOP9",
	OP_NOP10:               "OP_NOP10",
	OP_CHECKSIGADD:         "OP_CHECKSIGADD",

	OP_CHECKSIGFROMSTACK:         "OP_CHECKSIGFROMSTACK",
	OP_CHECKSIGFROMSTACKVERIFY:   "OP_CHECKSIGFROMSTACKVERIFY",
	OP_SHA256INITIALIZE:          "OP_SHA256INITIALIZE",
	OP_SHA256UPDATE:              "OP_SHA256UPDATE",
	OP_SHA256FINALIZE:            "OP_SHA256FINALIZE",
	OP_INSPECTINPUTOUTPOINT:      "OP_INSPECTINPUTOUTPOINT",
	OP_INSPECTINPUTASSET:         "OP_INSPECTINPUTASSET",
	OP_INSPECTINPUTVALUE:         "OP_INSPECTINPUTVALUE",
	OP_INSPECTINPUTSCRIPTPUBKEY:  "OP_INSPECTINPUTSCRIPTPUBKEY",
	OP_INSPECTINPUTSEQUENCE:      "OP_INSPECTINPUTSEQUENCE",
	OP_INSPECTINPUTISSUANCE:      "OP_INSPECTINPUTISSUANCE",
	OP_PUSHCURRENTINPUTINDEX:     "OP_PUSHCURRENTINPUTINDEX",
	OP_INSPECTOUTPUTASSET:        "OP_INSPECTOUTPUTASSET",
	OP_INSPECTOUTPUTVALUE:        "OP_INSPECTOUTPUTVALUE",
	OP_INSPECTOUTPUTNONCE:        "OP_INSPECTOUTPUTNONCE",
	OP_INSPECTOUTPUTSCRIPTPUBKEY: "OP_INSPECTOUTPUTSCRIPTPUBKEY",
	OP_INSPECTVERSION:            "OP_INSPECTVERSION",
	OP_INSPECTLOCKTIME:           "OP_INSPECTLOCKTIME",
	OP_INSPECTNUMINPUTS:          "OP_INSPECTNUMINPUTS",
	OP_INSPECTNUMOUTPUTS:         "OP_INSPECTNUMOUTPUTS",
	OP_TXWEIGHT:                  "OP_TXWEIGHT",
	OP_ADD64:                     "OP_ADD64",
	OP_SUB64:                     "OP_SUB64",
	OP_MUL64:                     "OP_MUL64",
	OP_DIV64:                     "OP_DIV64",
	OP_NEG64:                     "OP_NEG64",
	OP_LESSTHAN64:                "OP_LESSTHAN64",
	OP_LESSTHANOREQUAL64:         "OP_LESSTHANOREQUAL64",
	OP_GREATERTHAN64:             "OP_GREATERTHAN64",
	OP_GREATERTHANOREQUAL64:      "OP_GREATERTHANOREQUAL64",
	OP_SCRIPTNUMTOLE64:           "OP_SCRIPTNUMTOLE64",
	OP_LE64TOSCRIPTNUM:           "OP_LE64TOSCRIPTNUM",
	OP_LE32TOLE64:                "OP_LE32TOLE64",
	OP_ECMULSCALARVERIFY:         "OP_ECMULSCALARVERIFY",
	OP_TWEAKVERIFY:               "OP_TWEAKVERIFY",
}

// opcodesByName is the symbolic to numeric half of the opcode table.
var opcodesByName = make(map[string]Opcode, 256)

func init() {
	for op := OP_DATA_1; op <= OP_DATA_75; op++ {
		opcodeNames[op] = fmt.Sprintf("OP_DATA_%d", byte(op))
	}
	for i, name := range opcodeNames {
		if name == "" {
			continue
		}
		opcodesByName[name] = Opcode(i)
	}
	opcodesByName["OP_FALSE"] = OP_0
	opcodesByName["OP_TRUE"] = OP_1
}

// IsAssigned returns whether the opcode belongs to the language.
func (op Opcode) IsAssigned() bool {
	return opcodeNames[op] != ""
}

// IsPush returns whether the opcode is followed by inline data.
func (op Opcode) IsPush() bool {
	return op >= OP_DATA_1 && op <= OP_PUSHDATA4
}

// IsSmallInt returns whether the opcode pushes one of the integers 0..16.
func (op Opcode) IsSmallInt() bool {
	return op == OP_0 || (op >= OP_1 && op <= OP_16)
}

// SmallInt returns the integer pushed by a small int opcode.
func (op Opcode) SmallInt() (int64, bool) {
	switch {
	case op == OP_0:
		return 0, true
	case op == OP_1NEGATE:
		return -1, true
	case op >= OP_1 && op <= OP_16:
		return int64(op-OP_1) + 1, true
	default:
		return 0, false
	}
}

func (op Opcode) String() string {
	if name := opcodeNames[op]; name != "" {
		return name
	}
	return fmt.Sprintf("OP_UNKNOWN%d", byte(op))
}

// OpcodeByName returns the opcode with the given symbolic name.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

func smallIntOpcode(n int64) Opcode {
	if n == 0 {
		return OP_0
	}
	return OP_1 + Opcode(n-1)
}
