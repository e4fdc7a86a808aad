package contract

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/mitchellh/mapstructure"
)

type Role string

const (
	RoleOwner    Role = "owner"
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// SpendablePath is a leaf of the contract that can be used right now by the
// given role. ExtraWitness goes on top of the signatures (ie. a preimage),
// Sequence and LockTime must be set on the spending input and tx.
type SpendablePath struct {
	Leaf         *script.LeafProof
	ExtraWitness wire.TxWitness
	Sequence     uint32
	LockTime     uint32
}

// PathContext is the chain state the timelocked paths are evaluated against.
type PathContext struct {
	now                time.Time
	tipHeight          uint32
	confirmationHeight uint32
	confirmationTime   time.Time
	hasTip             bool
	hasConfirmation    bool
}

func NewPathContext(now time.Time, opts ...PathOption) PathContext {
	ctx := PathContext{now: now}
	for _, opt := range opts {
		opt(&ctx)
	}
	return ctx
}

type PathOption func(*PathContext)

// WithChainTip sets the current block height.
func WithChainTip(height uint32) PathOption {
	return func(c *PathContext) {
		c.tipHeight = height
		c.hasTip = true
	}
}

// WithConfirmation sets when the vtxo being spent was confirmed onchain. Exit
// paths guarded by a relative timelock are reported only once it is known.
func WithConfirmation(height uint32, at time.Time) PathOption {
	return func(c *PathContext) {
		c.confirmationHeight = height
		c.confirmationTime = at
		c.hasConfirmation = true
	}
}

// RelativeElapsed reports whether the relative locktime is satisfied.
func (c PathContext) RelativeElapsed(locktime script.RelativeLocktime) bool {
	if !c.hasConfirmation {
		return false
	}
	if locktime.Type == script.LocktimeTypeBlock {
		return c.hasTip && c.tipHeight >= c.confirmationHeight+locktime.Value
	}
	elapsed := c.now.Sub(c.confirmationTime)
	return elapsed >= time.Duration(locktime.Value)*time.Second
}

func (c PathContext) AbsoluteElapsed(locktime script.AbsoluteLocktime) bool {
	if !locktime.IsSeconds() && !c.hasTip {
		return false
	}
	return locktime.IsSatisfied(c.tipHeight, c.now.Unix())
}

// Handler knows the params and leaves of one contract type.
type Handler interface {
	Type() string
	// EncodeParams builds the binary params from loosely typed values, as
	// given by a CLI or a config file. The server key is filled in when not
	// given.
	EncodeParams(raw map[string]string, server *btcec.PublicKey) ([]byte, error)
	VtxoScript(params []byte) (*script.VtxoScript, error)
	SpendablePaths(
		params []byte, role Role, collaborative bool, ctx PathContext,
	) ([]SpendablePath, error)
}

type defaultHandler struct{}

func (defaultHandler) Type() string {
	return TypeDefault
}

type rawDefaultParams struct {
	Owner     string `mapstructure:"owner"`
	Server    string `mapstructure:"server"`
	ExitDelay uint32 `mapstructure:"exit_delay"`
}

func (defaultHandler) EncodeParams(raw map[string]string, server *btcec.PublicKey) ([]byte, error) {
	var params rawDefaultParams
	if err := decodeRaw(raw, &params); err != nil {
		return nil, err
	}
	owner, err := parsePubKey("owner", params.Owner)
	if err != nil {
		return nil, err
	}
	serverKey, err := serverPubKey(params.Server, server)
	if err != nil {
		return nil, err
	}
	if params.ExitDelay == 0 {
		return nil, fmt.Errorf("%w: missing exit_delay", ErrInvalidParams)
	}

	return DefaultParams{
		Owner:     owner,
		Server:    serverKey,
		ExitDelay: script.NewRelativeLocktime(params.ExitDelay),
	}.Encode()
}

func (defaultHandler) VtxoScript(buf []byte) (*script.VtxoScript, error) {
	params, err := DecodeDefaultParams(buf)
	if err != nil {
		return nil, err
	}
	return script.NewDefaultVtxoScript(params.Owner, params.Server, params.ExitDelay), nil
}

// SpendablePaths of a default contract: the owner can always forfeit with
// the server and can exit alone once the exit delay elapsed.
func (h defaultHandler) SpendablePaths(
	buf []byte, role Role, collaborative bool, ctx PathContext,
) ([]SpendablePath, error) {
	if role != RoleOwner {
		return nil, nil
	}
	params, err := DecodeDefaultParams(buf)
	if err != nil {
		return nil, err
	}
	vtxoScript := script.NewDefaultVtxoScript(params.Owner, params.Server, params.ExitDelay)
	tapTree, err := vtxoScript.Build()
	if err != nil {
		return nil, err
	}

	if collaborative {
		path, err := newPath(tapTree, vtxoScript.Closures[0], nil)
		if err != nil {
			return nil, err
		}
		return []SpendablePath{*path}, nil
	}

	if !ctx.RelativeElapsed(params.ExitDelay) {
		return nil, nil
	}
	path, err := newPath(tapTree, vtxoScript.Closures[1], nil)
	if err != nil {
		return nil, err
	}
	if path.Sequence, err = script.BIP68Sequence(params.ExitDelay); err != nil {
		return nil, err
	}
	return []SpendablePath{*path}, nil
}

func newPath(
	tapTree *script.TapTree, closure script.Closure, extraWitness wire.TxWitness,
) (*SpendablePath, error) {
	leafScript, err := closure.Script()
	if err != nil {
		return nil, err
	}
	leaf, err := tapTree.FindLeaf(leafScript)
	if err != nil {
		return nil, err
	}
	return &SpendablePath{Leaf: leaf, ExtraWitness: extraWitness}, nil
}

func decodeRaw(raw map[string]string, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}
	return nil
}

func parsePubKey(name, value string) (*btcec.PublicKey, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidParams, name)
	}
	buf, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %s", ErrInvalidParams, name, err)
	}
	key, err := btcec.ParsePubKey(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %s", ErrInvalidParams, name, err)
	}
	return key, nil
}

func serverPubKey(value string, fallback *btcec.PublicKey) (*btcec.PublicKey, error) {
	if value == "" && fallback != nil {
		return fallback, nil
	}
	return parsePubKey("server", value)
}
