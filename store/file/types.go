package filestore

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
)

type feeData struct {
	TxFeeRate  string        `json:"tx_fee_rate"`
	IntentFees intentFeeData `json:"intent_fees"`
}

type intentFeeData struct {
	OffchainInput  string `json:"offchain_input"`
	OffchainOutput string `json:"offchain_output"`
	OnchainInput   string `json:"onchain_input"`
	OnchainOutput  string `json:"onchain_output"`
}

type storeData struct {
	ServerUrl           string  `json:"server_url"`
	SignerPubKey        string  `json:"signer_pubkey"`
	ForfeitPubKey       string  `json:"forfeit_pubkey"`
	ForfeitAddress      string  `json:"forfeit_address"`
	Network             string  `json:"network"`
	SessionDuration     string  `json:"session_duration"`
	UnilateralExitDelay string  `json:"unilateral_exit_delay"`
	Dust                string  `json:"dust"`
	VtxoMinAmount       string  `json:"vtxo_min_amount"`
	VtxoMaxAmount       string  `json:"vtxo_max_amount"`
	CheckpointTapscript string  `json:"checkpoint_tapscript"`
	Fees                feeData `json:"fees"`
}

func (d storeData) isEmpty() bool {
	return d.ServerUrl == "" && d.SignerPubKey == ""
}

func newStoreData(config types.Config) storeData {
	var signerPubKey, forfeitPubKey string
	if config.SignerPubKey != nil {
		signerPubKey = hex.EncodeToString(config.SignerPubKey.SerializeCompressed())
	}
	if config.ForfeitPubKey != nil {
		forfeitPubKey = hex.EncodeToString(config.ForfeitPubKey.SerializeCompressed())
	}
	return storeData{
		ServerUrl:           config.ServerUrl,
		SignerPubKey:        signerPubKey,
		ForfeitPubKey:       forfeitPubKey,
		ForfeitAddress:      config.ForfeitAddress,
		Network:             config.Network.Name,
		SessionDuration:     strconv.FormatInt(config.SessionDuration, 10),
		UnilateralExitDelay: strconv.FormatUint(uint64(config.UnilateralExitDelay.Value), 10),
		Dust:                strconv.FormatUint(config.Dust, 10),
		VtxoMinAmount:       strconv.FormatInt(config.VtxoMinAmount, 10),
		VtxoMaxAmount:       strconv.FormatInt(config.VtxoMaxAmount, 10),
		CheckpointTapscript: config.CheckpointTapscript,
		Fees: feeData{
			TxFeeRate: strconv.FormatFloat(config.Fees.TxFeeRate, 'f', -1, 64),
			IntentFees: intentFeeData{
				OffchainInput:  config.Fees.IntentFees.OffchainInput,
				OffchainOutput: config.Fees.IntentFees.OffchainOutput,
				OnchainInput:   config.Fees.IntentFees.OnchainInput,
				OnchainOutput:  config.Fees.IntentFees.OnchainOutput,
			},
		},
	}
}

func (d storeData) decode() (*types.Config, error) {
	signerPubKey, err := parsePubKey(d.SignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer pubkey: %w", err)
	}
	var forfeitPubKey *btcec.PublicKey
	if d.ForfeitPubKey != "" {
		if forfeitPubKey, err = parsePubKey(d.ForfeitPubKey); err != nil {
			return nil, fmt.Errorf("invalid forfeit pubkey: %w", err)
		}
	}

	sessionDuration, err := parseInt(d.SessionDuration)
	if err != nil {
		return nil, fmt.Errorf("invalid session duration: %w", err)
	}
	exitDelay, err := strconv.ParseUint(d.UnilateralExitDelay, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid unilateral exit delay: %w", err)
	}
	dust, err := strconv.ParseUint(d.Dust, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid dust: %w", err)
	}
	vtxoMinAmount, err := parseInt(d.VtxoMinAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid vtxo min amount: %w", err)
	}
	vtxoMaxAmount, err := parseInt(d.VtxoMaxAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid vtxo max amount: %w", err)
	}
	txFeeRate := 0.0
	if d.Fees.TxFeeRate != "" {
		if txFeeRate, err = strconv.ParseFloat(d.Fees.TxFeeRate, 64); err != nil {
			return nil, fmt.Errorf("invalid tx fee rate: %w", err)
		}
	}

	return &types.Config{
		ServerUrl:           d.ServerUrl,
		SignerPubKey:        signerPubKey,
		ForfeitPubKey:       forfeitPubKey,
		ForfeitAddress:      d.ForfeitAddress,
		Network:             types.NetworkFromString(d.Network),
		SessionDuration:     sessionDuration,
		UnilateralExitDelay: script.NewRelativeLocktime(uint32(exitDelay)),
		Dust:                dust,
		VtxoMinAmount:       vtxoMinAmount,
		VtxoMaxAmount:       vtxoMaxAmount,
		CheckpointTapscript: d.CheckpointTapscript,
		Fees: types.FeeInfo{
			TxFeeRate: txFeeRate,
			IntentFees: types.IntentFeeInfo{
				OffchainInput:  d.Fees.IntentFees.OffchainInput,
				OffchainOutput: d.Fees.IntentFees.OffchainOutput,
				OnchainInput:   d.Fees.IntentFees.OnchainInput,
				OnchainOutput:  d.Fees.IntentFees.OnchainOutput,
			},
		},
	}, nil
}

func parsePubKey(s string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(buf)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
