package script

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	ErrNoExitPath          = errors.New("vtxo script has no exit closure")
	ErrNoForfeitPath       = errors.New("vtxo script has no forfeit closure")
	ErrSignerNotFound      = errors.New("signer pubkey not found in forfeit closure")
	ErrExitDelayTooShort   = errors.New("exit delay is shorter than the minimum allowed")
	ErrInvalidTapscriptHex = errors.New("invalid tapscript hex")
)

// VtxoScript is the ordered list of closures a VTXO output commits to.
type VtxoScript struct {
	Closures []Closure
}

// NewDefaultVtxoScript returns the standard two leaf script: a collaborative
// owner+signer path and an owner-only exit after the delay.
func NewDefaultVtxoScript(owner, signer *btcec.PublicKey, exitDelay RelativeLocktime) *VtxoScript {
	return &VtxoScript{
		Closures: []Closure{
			&MultisigClosure{PubKeys: []*btcec.PublicKey{owner, signer}},
			&CSVMultisigClosure{
				MultisigClosure: MultisigClosure{PubKeys: []*btcec.PublicKey{owner}},
				Locktime:        exitDelay,
			},
		},
	}
}

// ParseVtxoScript decodes hex encoded leaf scripts, preserving their order.
func ParseVtxoScript(tapscripts []string) (*VtxoScript, error) {
	if len(tapscripts) == 0 {
		return nil, ErrNoLeaves
	}
	closures := make([]Closure, 0, len(tapscripts))
	for i, tapscript := range tapscripts {
		buf, err := hex.DecodeString(tapscript)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, ErrInvalidTapscriptHex)
		}
		closure, err := DecodeClosure(buf)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		closures = append(closures, closure)
	}
	return &VtxoScript{Closures: closures}, nil
}

// Scripts returns the leaf scripts in order.
func (v *VtxoScript) Scripts() ([][]byte, error) {
	scripts := make([][]byte, 0, len(v.Closures))
	for i, closure := range v.Closures {
		script, err := closure.Script()
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		scripts = append(scripts, script)
	}
	return scripts, nil
}

// Encode returns the hex encoded leaf scripts.
func (v *VtxoScript) Encode() ([]string, error) {
	scripts, err := v.Scripts()
	if err != nil {
		return nil, err
	}
	encoded := make([]string, 0, len(scripts))
	for _, script := range scripts {
		encoded = append(encoded, hex.EncodeToString(script))
	}
	return encoded, nil
}

// Build commits to the closures.
func (v *VtxoScript) Build() (*TapTree, error) {
	scripts, err := v.Scripts()
	if err != nil {
		return nil, err
	}
	return BuildTapTree(scripts)
}

// ForfeitClosures returns the collaborative closures, the ones requiring no
// relative timelock.
func (v *VtxoScript) ForfeitClosures() []Closure {
	forfeits := make([]Closure, 0)
	for _, closure := range v.Closures {
		switch closure.(type) {
		case *MultisigClosure, *CLTVMultisigClosure, *ConditionMultisigClosure:
			forfeits = append(forfeits, closure)
		}
	}
	return forfeits
}

// ExitClosures returns the unilateral closures, guarded by a relative
// timelock.
func (v *VtxoScript) ExitClosures() []Closure {
	exits := make([]Closure, 0)
	for _, closure := range v.Closures {
		switch closure.(type) {
		case *CSVMultisigClosure, *ConditionCSVMultisigClosure:
			exits = append(exits, closure)
		}
	}
	return exits
}

// SmallestExitDelay returns the shortest relative timelock among the exit
// closures.
func (v *VtxoScript) SmallestExitDelay() (*RelativeLocktime, error) {
	var smallest *RelativeLocktime
	for _, closure := range v.ExitClosures() {
		locktime := exitLocktime(closure)
		if smallest == nil || locktime.LessThan(*smallest) {
			smallest = &locktime
		}
	}
	if smallest == nil {
		return nil, ErrNoExitPath
	}
	return smallest, nil
}

// Validate checks that the script is usable offchain: at least one exit path
// no shorter than minExitDelay, and every forfeit path cosigned by the
// server's signer.
func (v *VtxoScript) Validate(signer *btcec.PublicKey, minExitDelay RelativeLocktime) error {
	forfeits := v.ForfeitClosures()
	if len(forfeits) == 0 {
		return ErrNoForfeitPath
	}
	for i, closure := range forfeits {
		if !multisigOf(closure).HasPubKey(signer) {
			return fmt.Errorf("forfeit closure %d: %w", i, ErrSignerNotFound)
		}
	}

	smallest, err := v.SmallestExitDelay()
	if err != nil {
		return err
	}
	if smallest.LessThan(minExitDelay) {
		return fmt.Errorf("%w: %s < %s", ErrExitDelayTooShort, smallest, minExitDelay)
	}

	if _, err := v.Build(); err != nil {
		return err
	}
	return nil
}

// ClosureForScript returns the closure whose script equals the given one.
func (v *VtxoScript) ClosureForScript(script []byte) (Closure, error) {
	for _, closure := range v.Closures {
		s, err := closure.Script()
		if err != nil {
			return nil, err
		}
		if string(s) == string(script) {
			return closure, nil
		}
	}
	return nil, ErrLeafNotFound
}

func exitLocktime(closure Closure) RelativeLocktime {
	switch c := closure.(type) {
	case *CSVMultisigClosure:
		return c.Locktime
	case *ConditionCSVMultisigClosure:
		return c.Locktime
	}
	return RelativeLocktime{}
}

func multisigOf(closure Closure) *MultisigClosure {
	switch c := closure.(type) {
	case *MultisigClosure:
		return c
	case *CSVMultisigClosure:
		return &c.MultisigClosure
	case *CLTVMultisigClosure:
		return &c.MultisigClosure
	case *ConditionMultisigClosure:
		return &c.MultisigClosure
	case *ConditionCSVMultisigClosure:
		return &c.MultisigClosure
	}
	return &MultisigClosure{}
}

// Signers returns the pubkeys a closure requires signatures from. Program
// closures have none.
func Signers(closure Closure) []*btcec.PublicKey {
	return multisigOf(closure).PubKeys
}
