package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
)

const (
	InMemoryStore = "inmemory"
	FileStore     = "file"
	KVStore       = "kv"
	SQLStore      = "sql"
)

type Network struct {
	Name  string
	Addr  string
	Chain *chaincfg.Params
}

var (
	Bitcoin        = Network{Name: "bitcoin", Addr: script.HrpMainnet, Chain: &chaincfg.MainNetParams}
	BitcoinTestNet = Network{Name: "testnet", Addr: script.HrpTestnet, Chain: &chaincfg.TestNet3Params}
	BitcoinSigNet  = Network{Name: "signet", Addr: script.HrpTestnet, Chain: &chaincfg.SigNetParams}
	BitcoinRegTest = Network{Name: "regtest", Addr: script.HrpTestnet, Chain: &chaincfg.RegressionNetParams}
)

func NetworkFromString(net string) Network {
	switch net {
	case BitcoinTestNet.Name:
		return BitcoinTestNet
	case BitcoinSigNet.Name:
		return BitcoinSigNet
	case BitcoinRegTest.Name:
		return BitcoinRegTest
	case Bitcoin.Name:
		fallthrough
	default:
		return Bitcoin
	}
}

// Config is the server configuration returned by GetInfo.
type Config struct {
	ServerUrl           string
	SignerPubKey        *btcec.PublicKey
	ForfeitPubKey       *btcec.PublicKey
	ForfeitAddress      string
	Network             Network
	SessionDuration     int64
	UnilateralExitDelay script.RelativeLocktime
	Dust                uint64
	VtxoMinAmount       int64
	VtxoMaxAmount       int64
	CheckpointTapscript string
	Fees                FeeInfo
}

func (c Config) CheckpointExitPath() []byte {
	// nolint
	buf, _ := hex.DecodeString(c.CheckpointTapscript)
	return buf
}

// CheckpointUnrollClosure decodes the server unroll closure every checkpoint
// output commits to.
func (c Config) CheckpointUnrollClosure() (*script.CSVMultisigClosure, error) {
	buf := c.CheckpointExitPath()
	if len(buf) == 0 {
		return nil, fmt.Errorf("missing checkpoint tapscript")
	}
	closure := &script.CSVMultisigClosure{}
	valid, err := closure.Decode(buf)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("checkpoint tapscript is not a csv multisig closure")
	}
	return closure, nil
}

// FeeInfo holds the fee programs of the server, evaluated by a FeeEstimator.
type FeeInfo struct {
	IntentFees IntentFeeInfo
	TxFeeRate  float64
}

type IntentFeeInfo struct {
	OffchainInput  string
	OffchainOutput string
	OnchainInput   string
	OnchainOutput  string
}

type Outpoint struct {
	Txid string
	VOut uint32
}

func (v Outpoint) String() string {
	return fmt.Sprintf("%s:%d", v.Txid, v.VOut)
}

type Vtxo struct {
	Outpoint
	Script          string
	Amount          uint64
	CommitmentTxids []string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	Preconfirmed    bool
	Swept           bool
	Unrolled        bool
	Spent           bool
	SpentBy         string
	SettledBy       string
	ArkTxid         string
}

func (v Vtxo) String() string {
	// nolint
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// IsRecoverable reports a vtxo swept by the server but not spent yet.
func (v Vtxo) IsRecoverable() bool {
	return v.Swept && !v.Spent
}

func (v Vtxo) IsSubdust(dust uint64) bool {
	return v.Amount < dust
}

func (v Vtxo) IsSpendable() bool {
	return !v.Spent && !v.Swept && !v.Unrolled
}

func (v Vtxo) Address(server *btcec.PublicKey, net Network) (string, error) {
	buf, err := hex.DecodeString(v.Script)
	if err != nil {
		return "", err
	}
	pubkey, err := script.ParseP2TRScript(buf)
	if err != nil {
		return "", err
	}

	a := &script.Address{
		HRP:        net.Addr,
		Signer:     server,
		VtxoTapKey: pubkey,
	}
	return a.Encode()
}

// TapscriptsVtxo is a vtxo along with the leaves of its script.
type TapscriptsVtxo struct {
	Vtxo
	Tapscripts []string
}

func (v TapscriptsVtxo) ToFeeInput() OffchainInput {
	return OffchainInput{
		Amount: v.Amount,
		Expiry: v.ExpiresAt,
		Birth:  v.CreatedAt,
		Type:   v.inputType(),
	}
}

func (v TapscriptsVtxo) inputType() VtxoInputType {
	switch {
	case v.Swept:
		return VtxoInputRecoverable
	case v.Preconfirmed:
		return VtxoInputPreconfirmed
	default:
		return VtxoInputSettled
	}
}

type VtxoEventType int

const (
	VtxosAdded VtxoEventType = iota
	VtxosSpent
	VtxosUpdated
)

func (e VtxoEventType) String() string {
	return map[VtxoEventType]string{
		VtxosAdded:   "VTXOS_ADDED",
		VtxosSpent:   "VTXOS_SPENT",
		VtxosUpdated: "VTXOS_UPDATED",
	}[e]
}

type VtxoEvent struct {
	Type  VtxoEventType
	Vtxos []Vtxo
}

type Receiver struct {
	To       string
	Amount   uint64
	IsChange bool
}

func (r Receiver) IsOnchain() bool {
	_, err := script.DecodeAddress(r.To)
	return err != nil
}

// ToTxOut returns the output paying the receiver. Offchain outputs below the
// dust amount pay to the unspendable subdust script.
func (r Receiver) ToTxOut(net Network, dust uint64) (*wire.TxOut, bool, error) {
	amount, err := safecast.ToInt64(r.Amount)
	if err != nil {
		return nil, false, err
	}

	arkAddress, err := script.DecodeAddress(r.To)
	if err != nil {
		// decode onchain address
		btcAddress, err := btcutil.DecodeAddress(r.To, net.Chain)
		if err != nil {
			return nil, false, err
		}
		pkScript, err := txscript.PayToAddrScript(btcAddress)
		if err != nil {
			return nil, false, err
		}
		return &wire.TxOut{Value: amount, PkScript: pkScript}, true, nil
	}

	if arkAddress.HRP != net.Addr {
		return nil, false, fmt.Errorf("address %s is not for network %s", r.To, net.Name)
	}

	var pkScript []byte
	if r.Amount < dust {
		pkScript, err = script.SubDustScript(arkAddress.VtxoTapKey)
	} else {
		pkScript, err = arkAddress.PkScript()
	}
	if err != nil {
		return nil, false, err
	}
	return &wire.TxOut{Value: amount, PkScript: pkScript}, false, nil
}

func (r Receiver) ToFeeOutput() Output {
	return Output{Amount: r.Amount}
}

type Metadata struct {
	Key   string
	Value string
}
