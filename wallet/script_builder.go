package wallet

import (
	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
)

// VtxoScriptBuilder lets callers provide the leaves of their offchain
// addresses. Implementations must keep a collaborative closure with the
// server key and an exit closure delayed by at least exitDelay, and the
// result must be decodable with script.ParseVtxoScript.
type VtxoScriptBuilder interface {
	BuildOffchainScript(
		userPubKey *btcec.PublicKey,
		signerPubKey *btcec.PublicKey,
		exitDelay script.RelativeLocktime,
	) ([]string, error)
}

type defaultScriptBuilder struct{}

// NewDefaultScriptBuilder returns the builder of the default vtxo script:
// a user+server multisig leaf and a user exit leaf.
func NewDefaultScriptBuilder() VtxoScriptBuilder {
	return &defaultScriptBuilder{}
}

func (d *defaultScriptBuilder) BuildOffchainScript(
	userPubKey *btcec.PublicKey,
	signerPubKey *btcec.PublicKey,
	exitDelay script.RelativeLocktime,
) ([]string, error) {
	vtxoScript := script.NewDefaultVtxoScript(userPubKey, signerPubKey, exitDelay)
	return vtxoScript.Encode()
}

// OffchainAddress builds the user address with the given builder and checks
// the result is a valid vtxo script for the server.
func OffchainAddress(
	builder VtxoScriptBuilder, userPubKey *btcec.PublicKey,
	signerPubKey *btcec.PublicKey, exitDelay script.RelativeLocktime, hrp string,
) (*TapscriptsAddress, error) {
	if builder == nil {
		builder = NewDefaultScriptBuilder()
	}
	tapscripts, err := builder.BuildOffchainScript(userPubKey, signerPubKey, exitDelay)
	if err != nil {
		return nil, err
	}
	vtxoScript, err := script.ParseVtxoScript(tapscripts)
	if err != nil {
		return nil, err
	}
	if err := vtxoScript.Validate(signerPubKey, exitDelay); err != nil {
		return nil, err
	}
	tapTree, err := vtxoScript.Build()
	if err != nil {
		return nil, err
	}
	addr, err := script.NewAddress(hrp, signerPubKey, tapTree).Encode()
	if err != nil {
		return nil, err
	}
	return &TapscriptsAddress{Tapscripts: tapscripts, Address: addr}, nil
}
