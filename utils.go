package arksdk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arkade-os/ark-sdk/client"
	"github.com/arkade-os/ark-sdk/intent"
	"github.com/arkade-os/ark-sdk/internal/utils"
	"github.com/arkade-os/ark-sdk/offchain"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/arkade-os/ark-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
)

func checkSettleOptionsType(o any) (*SettleOptions, error) {
	opts, ok := o.(*SettleOptions)
	if !ok {
		return nil, fmt.Errorf("invalid options type")
	}

	return opts, nil
}

func ecPubkeyFromHex(pubkey string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(buf)
}

func infoToConfig(info *client.Info) (*types.Config, error) {
	signerPubKey, err := ecPubkeyFromHex(info.SignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer pubkey: %w", err)
	}
	forfeitPubKey := signerPubKey
	if info.ForfeitPubKey != "" {
		if forfeitPubKey, err = ecPubkeyFromHex(info.ForfeitPubKey); err != nil {
			return nil, fmt.Errorf("invalid forfeit pubkey: %w", err)
		}
	}
	exitDelay, err := safecast.ToUint32(info.UnilateralExitDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid unilateral exit delay: %w", err)
	}

	config := &types.Config{
		SignerPubKey:        signerPubKey,
		ForfeitPubKey:       forfeitPubKey,
		ForfeitAddress:      info.ForfeitAddress,
		Network:             types.NetworkFromString(info.Network),
		SessionDuration:     info.SessionDuration,
		UnilateralExitDelay: script.NewRelativeLocktime(exitDelay),
		Dust:                info.Dust,
		VtxoMinAmount:       info.VtxoMinAmount,
		VtxoMaxAmount:       info.VtxoMaxAmount,
		CheckpointTapscript: info.CheckpointTapscript,
		Fees:                info.Fees,
	}
	if _, err := config.CheckpointUnrollClosure(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint tapscript: %w", err)
	}
	return config, nil
}

// configDigest hashes the parts of the server config the client vtxos and
// signatures depend on.
func configDigest(config types.Config) string {
	fields := []string{
		hex.EncodeToString(config.SignerPubKey.SerializeCompressed()),
		hex.EncodeToString(config.ForfeitPubKey.SerializeCompressed()),
		config.ForfeitAddress,
		config.Network.Name,
		fmt.Sprintf("%d", config.UnilateralExitDelay.Value),
		fmt.Sprintf("%d", config.Dust),
		config.CheckpointTapscript,
	}
	buf := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(buf[:])
}

// extractCollaborativePath returns the output script of the vtxo and the
// proof of its first forfeit leaf.
func extractCollaborativePath(tapscripts []string) ([]byte, *script.LeafProof, error) {
	vtxoScript, err := script.ParseVtxoScript(tapscripts)
	if err != nil {
		return nil, nil, err
	}

	forfeitClosures := vtxoScript.ForfeitClosures()
	if len(forfeitClosures) <= 0 {
		return nil, nil, fmt.Errorf("no forfeit closures found")
	}
	forfeitScript, err := forfeitClosures[0].Script()
	if err != nil {
		return nil, nil, err
	}

	tapTree, err := vtxoScript.Build()
	if err != nil {
		return nil, nil, err
	}
	leafProof, err := tapTree.FindLeaf(forfeitScript)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get taproot merkle proof: %w", err)
	}
	return tapTree.PkScript, leafProof, nil
}

func tapLeafScript(leafProof *script.LeafProof) []*psbt.TaprootTapLeafScript {
	return []*psbt.TaprootTapLeafScript{{
		ControlBlock: leafProof.ControlBlock,
		Script:       leafProof.Script,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
}

// toIntentInputs converts the vtxos to intent proof inputs, along with the
// leaf each of them is signed with.
func toIntentInputs(
	vtxos []types.TapscriptsVtxo,
) ([]intent.Input, []*script.LeafProof, error) {
	inputs := make([]intent.Input, 0, len(vtxos))
	signingLeaves := make([]*script.LeafProof, 0, len(vtxos))

	for _, coin := range vtxos {
		outpoint, err := coin.Outpoint.ToWire()
		if err != nil {
			return nil, nil, err
		}
		pkScript, leafProof, err := extractCollaborativePath(coin.Tapscripts)
		if err != nil {
			return nil, nil, err
		}
		amount, err := safecast.ToInt64(coin.Amount)
		if err != nil {
			return nil, nil, err
		}

		inputs = append(inputs, intent.Input{
			OutPoint:    outpoint,
			Sequence:    wire.MaxTxInSequenceNum,
			WitnessUtxo: &wire.TxOut{Value: amount, PkScript: pkScript},
		})
		signingLeaves = append(signingLeaves, leafProof)
	}
	return inputs, signingLeaves, nil
}

// newIntentProof builds the unsigned proof of the given message. The
// message input reuses the leaf of the first coin.
func newIntentProof(
	message string, vtxos []types.TapscriptsVtxo, outputs []*wire.TxOut,
) (*intent.Proof, error) {
	inputs, leaves, err := toIntentInputs(vtxos)
	if err != nil {
		return nil, err
	}
	proof, err := intent.New(message, inputs, outputs)
	if err != nil {
		return nil, err
	}

	ptx := (*psbt.Packet)(proof)
	ptx.Inputs[0].TaprootLeafScript = tapLeafScript(leaves[0])
	for i, leaf := range leaves {
		ptx.Inputs[i+1].TaprootLeafScript = tapLeafScript(leaf)

		scripts := make([][]byte, 0, len(vtxos[i].Tapscripts))
		for _, tapscript := range vtxos[i].Tapscripts {
			buf, err := hex.DecodeString(tapscript)
			if err != nil {
				return nil, err
			}
			scripts = append(scripts, buf)
		}
		if err := txutils.SetArkPsbtField(
			ptx, i+1, txutils.VtxoTaprootTreeField, scripts,
		); err != nil {
			return nil, err
		}
	}
	return proof, nil
}

func createRegisterIntentMessage(
	outputs []types.Receiver, cosignersPublicKeys []string, network types.Network,
	dust uint64, now time.Time, validity time.Duration,
) (string, []*wire.TxOut, error) {
	outputsTxOut := make([]*wire.TxOut, 0, len(outputs))
	onchainOutputsIndexes := make([]int, 0)

	for i, output := range outputs {
		txOut, isOnchain, err := output.ToTxOut(network, dust)
		if err != nil {
			return "", nil, err
		}
		if isOnchain {
			onchainOutputsIndexes = append(onchainOutputsIndexes, i)
		}
		outputsTxOut = append(outputsTxOut, txOut)
	}

	message, err := intent.NewRegisterMessage(
		onchainOutputsIndexes, cosignersPublicKeys, now, validity,
	).Encode()
	if err != nil {
		return "", nil, err
	}
	return message, outputsTxOut, nil
}

// selectSettleVtxos returns the vtxos a settlement renews: every spendable
// vtxo worth at least dust, plus the recoverable ones if asked for.
func selectSettleVtxos(
	vtxos []types.TapscriptsVtxo, dust uint64, withRecoverable bool,
) []types.TapscriptsVtxo {
	selected := make([]types.TapscriptsVtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if vtxo.IsSpendable() && !vtxo.IsSubdust(dust) {
			selected = append(selected, vtxo)
		}
	}
	if withRecoverable {
		selected = append(selected, utils.SelectRecoverable(vtxos, dust).Vtxos...)
	}
	return selected
}

// settleKey identifies a coin set regardless of the order of the coins.
func settleKey(vtxos []types.TapscriptsVtxo) string {
	outpoints := make([]string, 0, len(vtxos))
	for _, vtxo := range vtxos {
		outpoints = append(outpoints, vtxo.Outpoint.String())
	}
	sort.Strings(outpoints)
	return strings.Join(outpoints, ",")
}

func sumAmounts(vtxos []types.TapscriptsVtxo) uint64 {
	total := uint64(0)
	for _, vtxo := range vtxos {
		total += vtxo.Amount
	}
	return total
}

// toVtxoInputs spends each vtxo through its first forfeit leaf.
func toVtxoInputs(vtxos []types.TapscriptsVtxo) ([]offchain.VtxoInput, error) {
	inputs := make([]offchain.VtxoInput, 0, len(vtxos))
	for _, vtxo := range vtxos {
		vtxoScript, err := script.ParseVtxoScript(vtxo.Tapscripts)
		if err != nil {
			return nil, err
		}
		forfeitClosures := vtxoScript.ForfeitClosures()
		if len(forfeitClosures) <= 0 {
			return nil, fmt.Errorf("vtxo %s has no forfeit closure", vtxo.Outpoint)
		}
		leaf, err := forfeitClosures[0].Script()
		if err != nil {
			return nil, err
		}
		outpoint, err := vtxo.Outpoint.ToWire()
		if err != nil {
			return nil, err
		}
		amount, err := safecast.ToInt64(vtxo.Amount)
		if err != nil {
			return nil, err
		}

		input, err := offchain.NewVtxoInput(outpoint, amount, vtxoScript, leaf)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, *input)
	}
	return inputs, nil
}

// verifySignedArk checks the virtual tx returned by the server is the one
// the client signed, now carrying valid signatures of both parties.
func verifySignedArk(
	arkTx, signedArkTx *psbt.Packet, signerPubKey, userPubKey *btcec.PublicKey,
) error {
	if arkTx.UnsignedTx.TxID() != signedArkTx.UnsignedTx.TxID() {
		return fmt.Errorf(
			"%w: virtual txid mismatch, expected %s got %s", ErrInvalidServerTx,
			arkTx.UnsignedTx.TxID(), signedArkTx.UnsignedTx.TxID(),
		)
	}
	for i := range signedArkTx.Inputs {
		if err := txutils.VerifyTapscriptSig(signedArkTx, i, signerPubKey); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidServerTx, err)
		}
		if err := txutils.VerifyTapscriptSig(signedArkTx, i, userPubKey); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidServerTx, err)
		}
	}
	return nil
}

// verifySignedCheckpoints matches every checkpoint cosigned by the server
// with one the client built and checks the server signature.
func verifySignedCheckpoints(
	checkpoints, signedCheckpoints []*psbt.Packet, signerPubKey *btcec.PublicKey,
) error {
	if len(checkpoints) != len(signedCheckpoints) {
		return fmt.Errorf(
			"%w: expected %d checkpoints, got %d", ErrInvalidServerTx,
			len(checkpoints), len(signedCheckpoints),
		)
	}
	expected := make(map[string]struct{}, len(checkpoints))
	for _, checkpoint := range checkpoints {
		expected[checkpoint.UnsignedTx.TxID()] = struct{}{}
	}

	for _, signed := range signedCheckpoints {
		txid := signed.UnsignedTx.TxID()
		if _, ok := expected[txid]; !ok {
			return fmt.Errorf("%w: unknown checkpoint %s", ErrInvalidServerTx, txid)
		}
		delete(expected, txid)
		if err := txutils.VerifyTapscriptSig(signed, 0, signerPubKey); err != nil {
			return fmt.Errorf("%w: checkpoint %s: %s", ErrInvalidServerTx, txid, err)
		}
	}
	return nil
}

func decodePsbts(b64s []string) ([]*psbt.Packet, error) {
	ptxs := make([]*psbt.Packet, 0, len(b64s))
	for _, b64 := range b64s {
		ptx, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
		if err != nil {
			return nil, err
		}
		ptxs = append(ptxs, ptx)
	}
	return ptxs, nil
}

func encodePsbts(ptxs []*psbt.Packet) ([]string, error) {
	b64s := make([]string, 0, len(ptxs))
	for _, ptx := range ptxs {
		b64, err := ptx.B64Encode()
		if err != nil {
			return nil, err
		}
		b64s = append(b64s, b64)
	}
	return b64s, nil
}
