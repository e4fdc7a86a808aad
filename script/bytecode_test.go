package script_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/stretchr/testify/require"
)

func TestOpcodeTable(t *testing.T) {
	t.Run("names round trip", func(t *testing.T) {
		for i := 0; i < 256; i++ {
			op := script.Opcode(i)
			if !op.IsAssigned() {
				continue
			}
			got, ok := script.OpcodeByName(op.String())
			require.True(t, ok, op.String())
			require.Equal(t, op, got)
		}
	})

	t.Run("unassigned", func(t *testing.T) {
		for _, b := range []byte{0xbb, 0xc0, 0xc3, 0xe5, 0xff} {
			require.False(t, script.Opcode(b).IsAssigned(), "0x%x", b)
		}
		_, ok := script.OpcodeByName("OP_FOO")
		require.False(t, ok)
	})

	t.Run("extension opcodes", func(t *testing.T) {
		require.Equal(t, "OP_INSPECTOUTPUTVALUE", script.OP_INSPECTOUTPUTVALUE.String())
		require.Equal(t, "OP_DATA_32", script.OP_DATA_32.String())
		op, ok := script.OpcodeByName("OP_TRUE")
		require.True(t, ok)
		require.Equal(t, script.OP_1, op)
	})
}

func TestProgramBuilder(t *testing.T) {
	tests := []struct {
		name     string
		build    func(b *script.ProgramBuilder)
		expected []byte
	}{
		{"zero", func(b *script.ProgramBuilder) { b.AddInt64(0) }, []byte{0x00}},
		{"one", func(b *script.ProgramBuilder) { b.AddInt64(1) }, []byte{0x51}},
		{"sixteen", func(b *script.ProgramBuilder) { b.AddInt64(16) }, []byte{0x60}},
		{"minus one", func(b *script.ProgramBuilder) { b.AddInt64(-1) }, []byte{0x4f}},
		{"seventeen", func(b *script.ProgramBuilder) { b.AddInt64(17) }, []byte{0x01, 0x11}},
		{"144", func(b *script.ProgramBuilder) { b.AddInt64(144) }, []byte{0x02, 0x90, 0x00}},
		{"256", func(b *script.ProgramBuilder) { b.AddInt64(256) }, []byte{0x02, 0x00, 0x01}},
		{"-128", func(b *script.ProgramBuilder) { b.AddInt64(-128) }, []byte{0x02, 0x80, 0x80}},
		{"empty data", func(b *script.ProgramBuilder) { b.AddData(nil) }, []byte{0x00}},
		{"small int data", func(b *script.ProgramBuilder) { b.AddData([]byte{0x05}) }, []byte{0x55}},
		{"zero byte data", func(b *script.ProgramBuilder) { b.AddData([]byte{0x00}) }, []byte{0x01, 0x00}},
		{
			"ops",
			func(b *script.ProgramBuilder) { b.AddOps(script.OP_DUP, script.OP_DROP) },
			[]byte{0x76, 0x75},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := script.NewProgramBuilder()
			tt.build(b)
			got, err := b.Script()
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)

			program, err := script.DecodeProgram(got)
			require.NoError(t, err)
			reencoded, err := program.Encode()
			require.NoError(t, err)
			require.Equal(t, got, reencoded)
		})
	}

	t.Run("pushdata sizes", func(t *testing.T) {
		for _, tt := range []struct {
			size   int
			prefix []byte
		}{
			{75, []byte{0x4b}},
			{76, []byte{0x4c, 0x4c}},
			{255, []byte{0x4c, 0xff}},
			{256, []byte{0x4d, 0x00, 0x01}},
			{65535, []byte{0x4d, 0xff, 0xff}},
		} {
			data := bytes.Repeat([]byte{0xaa}, tt.size)
			got, err := script.NewProgramBuilder().AddData(data).Script()
			require.NoError(t, err)
			require.Equal(t, tt.prefix, got[:len(tt.prefix)])
			require.Len(t, got, len(tt.prefix)+tt.size)
		}
	})

	t.Run("push too large", func(t *testing.T) {
		_, err := script.NewProgramBuilder().AddData(make([]byte, 65536)).Script()
		require.ErrorIs(t, err, script.ErrPushTooLarge)
	})

	t.Run("sticky error", func(t *testing.T) {
		_, err := script.NewProgramBuilder().
			AddOp(script.Opcode(0xff)).
			AddOp(script.OP_DUP).
			Script()
		require.ErrorIs(t, err, script.ErrUnassignedOpcode)
	})
}

func TestDecodeProgram(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		raw := []byte{0x02, 0x90, 0x00, 0xb2, 0x75, 0x4c, 0x01, 0xaa, 0xcf}
		program, err := script.DecodeProgram(raw)
		require.NoError(t, err)
		require.Len(t, program, 5)
		require.Equal(t, "9000 OP_CHECKSEQUENCEVERIFY OP_DROP aa OP_INSPECTOUTPUTVALUE", program.String())

		n, err := program[0].Int64()
		require.NoError(t, err)
		require.Equal(t, int64(144), n)
	})

	t.Run("non minimal pushes round trip", func(t *testing.T) {
		for _, tt := range []struct {
			name string
			raw  []byte
		}{
			{"pushdata1", []byte{0x4c, 0x01, 0xaa, 0x75}},
			{"pushdata2", []byte{0x4d, 0x01, 0x00, 0xaa, 0x75}},
			{"pushdata4", []byte{0x4e, 0x01, 0x00, 0x00, 0x00, 0xaa, 0x75}},
			{"empty pushdata4", []byte{0x4e, 0x00, 0x00, 0x00, 0x00}},
		} {
			t.Run(tt.name, func(t *testing.T) {
				program, err := script.DecodeProgram(tt.raw)
				require.NoError(t, err)

				encoded, err := program.Encode()
				require.NoError(t, err)
				require.Equal(t, tt.raw, encoded)
			})
		}
	})

	tests := []struct {
		name     string
		raw      []byte
		offset   int
		expected error
	}{
		{"truncated direct push", []byte{0x05, 0x01, 0x02}, 0, script.ErrTruncatedPush},
		{"missing pushdata1 length", []byte{0x51, 0x4c}, 1, script.ErrTruncatedPush},
		{"truncated pushdata1", []byte{0x4c, 0x03, 0x01}, 0, script.ErrTruncatedPush},
		{"truncated pushdata2 length", []byte{0x4d, 0x01}, 0, script.ErrTruncatedPush},
		{"truncated pushdata4", []byte{0x4e, 0xff, 0xff, 0xff, 0xff}, 0, script.ErrTruncatedPush},
		{"unassigned opcode", []byte{0x51, 0x51, 0xbb}, 2, script.ErrUnassignedOpcode},
		{"unassigned high opcode", []byte{0xff}, 0, script.ErrUnassignedOpcode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := script.DecodeProgram(tt.raw)
			require.ErrorIs(t, err, tt.expected)

			var parseErr *script.ParseError
			require.True(t, errors.As(err, &parseErr))
			require.Equal(t, tt.offset, parseErr.Offset)
		})
	}
}

func TestScriptNum(t *testing.T) {
	for _, n := range []int64{1, -1, 127, 128, -128, 255, 32767, -32768, 1 << 22, 0x7fffffff} {
		encoded, err := script.NewProgramBuilder().AddInt64(n).Program()
		require.NoError(t, err)
		got, err := encoded[0].Int64()
		require.NoError(t, err)
		require.Equal(t, n, got)
	}

	_, err := script.DecodeScriptNum([]byte{0x01, 0x00}, 4)
	require.ErrorIs(t, err, script.ErrNonMinimalNumber)

	_, err = script.DecodeScriptNum([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, 4)
	require.ErrorIs(t, err, script.ErrNumberOverflow)
}
