package script

import (
	"errors"
	"fmt"
)

const (
	// SequenceLockTimeDisabled disables the relative locktime of an input.
	SequenceLockTimeDisabled = uint32(1 << 31)
	// SequenceLockTimeIsSeconds marks a relative locktime expressed in
	// units of 512 seconds.
	SequenceLockTimeIsSeconds   = uint32(1 << 22)
	SequenceLockTimeMask        = uint32(0x0000ffff)
	SequenceLockTimeGranularity = 9

	// SecondsMod is the granularity of a seconds based relative locktime.
	SecondsMod = 1 << SequenceLockTimeGranularity
	// LocktimeThreshold separates block heights from unix timestamps in
	// absolute locktimes.
	LocktimeThreshold = 500_000_000
)

var (
	ErrInvalidSecondsLocktime = errors.New("seconds locktime must be a multiple of 512")
	ErrLocktimeTooLarge       = errors.New("relative locktime exceeds 16 bits")
	ErrLocktimeDisabled       = errors.New("relative locktime is disabled")
)

type LocktimeType uint

const (
	LocktimeTypeSecond LocktimeType = iota
	LocktimeTypeBlock
)

func (t LocktimeType) String() string {
	if t == LocktimeTypeBlock {
		return "blocks"
	}
	return "seconds"
}

// RelativeLocktime is a BIP-68 relative timelock. Value is a number of blocks
// or a number of seconds depending on Type.
type RelativeLocktime struct {
	Type  LocktimeType
	Value uint32
}

// NewRelativeLocktime interprets values below 512 as blocks and anything else
// as seconds.
func NewRelativeLocktime(value uint32) RelativeLocktime {
	if value >= SecondsMod {
		return RelativeLocktime{Type: LocktimeTypeSecond, Value: value}
	}
	return RelativeLocktime{Type: LocktimeTypeBlock, Value: value}
}

// Seconds returns the locktime in seconds. Block locktimes count 600 seconds
// per block.
func (l RelativeLocktime) Seconds() int64 {
	if l.Type == LocktimeTypeBlock {
		return int64(l.Value) * 600
	}
	return int64(l.Value)
}

// Compare orders locktimes of the same type by value and locktimes of
// different types by their duration in seconds.
func (l RelativeLocktime) Compare(other RelativeLocktime) int {
	if l.Type == other.Type {
		switch {
		case l.Value < other.Value:
			return -1
		case l.Value > other.Value:
			return 1
		default:
			return 0
		}
	}
	switch a, b := l.Seconds(), other.Seconds(); {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (l RelativeLocktime) LessThan(other RelativeLocktime) bool {
	return l.Compare(other) < 0
}

func (l RelativeLocktime) String() string {
	return fmt.Sprintf("%d %s", l.Value, l.Type)
}

// BIP68Sequence returns the input sequence enforcing the locktime.
func BIP68Sequence(locktime RelativeLocktime) (uint32, error) {
	value := locktime.Value
	if locktime.Type == LocktimeTypeSecond {
		if value%SecondsMod != 0 {
			return 0, fmt.Errorf("%d: %w", value, ErrInvalidSecondsLocktime)
		}
		value >>= SequenceLockTimeGranularity
	}
	if value > SequenceLockTimeMask {
		return 0, fmt.Errorf("%d: %w", locktime.Value, ErrLocktimeTooLarge)
	}
	if locktime.Type == LocktimeTypeSecond {
		return SequenceLockTimeIsSeconds | value, nil
	}
	return value, nil
}

// BIP68DecodeSequence is the inverse of BIP68Sequence.
func BIP68DecodeSequence(sequence uint32) (*RelativeLocktime, error) {
	if sequence&SequenceLockTimeDisabled != 0 {
		return nil, ErrLocktimeDisabled
	}

	value := sequence & SequenceLockTimeMask
	if sequence&SequenceLockTimeIsSeconds != 0 {
		return &RelativeLocktime{
			Type: LocktimeTypeSecond, Value: value << SequenceLockTimeGranularity,
		}, nil
	}
	return &RelativeLocktime{Type: LocktimeTypeBlock, Value: value}, nil
}

// AbsoluteLocktime is an nLockTime value, a block height below
// LocktimeThreshold and a unix timestamp above.
type AbsoluteLocktime uint32

func (l AbsoluteLocktime) IsSeconds() bool {
	return l >= LocktimeThreshold
}

// IsSatisfied reports whether a transaction confirmed at the given chain tip
// can use the locktime.
func (l AbsoluteLocktime) IsSatisfied(height uint32, unixTime int64) bool {
	if l.IsSeconds() {
		return unixTime >= int64(l)
	}
	return height >= uint32(l)
}
