package singlekey

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/arkade-os/ark-sdk/internal/utils"
	"github.com/arkade-os/ark-sdk/script"
	"github.com/arkade-os/ark-sdk/tree"
	"github.com/arkade-os/ark-sdk/txutils"
	"github.com/arkade-os/ark-sdk/wallet"
	"github.com/arkade-os/ark-sdk/wallet/singlekey/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotInitialized = errors.New("wallet not initialized")
	ErrLocked         = errors.New("wallet is locked")
	ErrAlreadyCreated = errors.New("wallet already initialized")
)

type singlekeyWallet struct {
	lock sync.RWMutex

	store      store.WalletStore
	walletData *store.WalletData
	privateKey *btcec.PrivateKey
}

// NewWallet returns the identity backed by the key in the given store.
// The wallet starts locked.
func NewWallet(walletStore store.WalletStore) (wallet.Identity, error) {
	w := &singlekeyWallet{store: walletStore}
	data, err := walletStore.GetWallet()
	if err != nil && !errors.Is(err, store.ErrWalletNotFound) {
		return nil, err
	}
	w.walletData = data
	return w, nil
}

func (w *singlekeyWallet) GetType() string {
	return wallet.SingleKeyWallet
}

// Create stores the key, encrypted with the password. An empty seed
// generates a new key. It returns the hex encoded private key.
func (w *singlekeyWallet) Create(
	_ context.Context, password, seed string,
) (string, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletData != nil {
		return "", ErrAlreadyCreated
	}

	var privateKey *btcec.PrivateKey
	if len(seed) <= 0 {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return "", err
		}
		privateKey = key
	} else {
		buf, err := hex.DecodeString(seed)
		if err != nil {
			return "", fmt.Errorf("invalid seed: %w", err)
		}
		if len(buf) != btcec.PrivKeyBytesLen {
			return "", fmt.Errorf("invalid seed length %d", len(buf))
		}
		privateKey, _ = btcec.PrivKeyFromBytes(buf)
	}

	pwd := []byte(password)
	encryptedPrivateKey, err := utils.EncryptAES256(privateKey.Serialize(), pwd)
	if err != nil {
		return "", err
	}

	walletData := store.WalletData{
		EncryptedPrvkey: encryptedPrivateKey,
		PasswordHash:    utils.HashPassword(pwd),
		PubKey:          privateKey.PubKey(),
	}
	if err := w.store.AddWallet(walletData); err != nil {
		return "", err
	}

	w.walletData = &walletData
	return hex.EncodeToString(privateKey.Serialize()), nil
}

func (w *singlekeyWallet) Lock(_ context.Context) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletData == nil {
		return ErrNotInitialized
	}
	w.privateKey = nil
	return nil
}

func (w *singlekeyWallet) Unlock(_ context.Context, password string) (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletData == nil {
		return false, ErrNotInitialized
	}
	if w.privateKey != nil {
		return true, nil
	}

	pwd := []byte(password)
	if !bytes.Equal(w.walletData.PasswordHash, utils.HashPassword(pwd)) {
		return false, utils.ErrInvalidPassword
	}
	buf, err := utils.DecryptAES256(w.walletData.EncryptedPrvkey, pwd)
	if err != nil {
		return false, err
	}

	w.privateKey, _ = btcec.PrivKeyFromBytes(buf)
	return false, nil
}

func (w *singlekeyWallet) IsLocked() bool {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.privateKey == nil
}

func (w *singlekeyWallet) GetPublicKey(_ context.Context) (*btcec.PublicKey, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	if w.walletData == nil {
		return nil, ErrNotInitialized
	}
	return w.walletData.PubKey, nil
}

func (w *singlekeyWallet) SignTransaction(_ context.Context, tx string) (string, error) {
	key, err := w.unlockedKey()
	if err != nil {
		return "", err
	}

	ptx, err := psbt.NewFromRawBytes(bytes.NewBufferString(tx), true)
	if err != nil {
		return "", err
	}

	xonly := schnorr.SerializePubKey(key.PubKey())
	for i, input := range ptx.Inputs {
		if len(input.TaprootLeafScript) == 0 {
			continue
		}
		leaf := input.TaprootLeafScript[0]

		closure, err := script.DecodeClosure(leaf.Script)
		if err != nil {
			// not an ark leaf, someone else signs it
			log.Debugf("skipping input %d: %s", i, err)
			continue
		}
		if !isSigner(closure, key.PubKey()) || hasSignature(input, xonly) {
			continue
		}

		message, err := txutils.TapscriptSighash(ptx, i, leaf.Script)
		if err != nil {
			return "", err
		}
		sig, err := schnorr.Sign(key, message)
		if err != nil {
			return "", err
		}

		sighashType := input.SighashType
		if sighashType == 0 {
			sighashType = txscript.SigHashDefault
		}
		signature := sig.Serialize()
		if sighashType != txscript.SigHashDefault {
			signature = append(signature, byte(sighashType))
		}
		leafHash := txscript.NewBaseTapLeaf(leaf.Script).TapHash()

		ptx.Inputs[i].TaprootScriptSpendSig = append(
			ptx.Inputs[i].TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
				XOnlyPubKey: xonly,
				LeafHash:    leafHash[:],
				Signature:   signature,
				SigHash:     sighashType,
			},
		)
	}

	return ptx.B64Encode()
}

func (w *singlekeyWallet) SignMessage(_ context.Context, message []byte) (string, error) {
	key, err := w.unlockedKey()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(message)
	sig, err := schnorr.Sign(key, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func (w *singlekeyWallet) Dump(_ context.Context) (string, error) {
	key, err := w.unlockedKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Serialize()), nil
}

func (w *singlekeyWallet) NewVtxoTreeSigner(_ context.Context) (tree.SignerSession, error) {
	if w.IsLocked() {
		return nil, ErrLocked
	}
	ephemeralKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return tree.NewTreeSignerSession(ephemeralKey), nil
}

func (w *singlekeyWallet) unlockedKey() (*btcec.PrivateKey, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	if w.walletData == nil {
		return nil, ErrNotInitialized
	}
	if w.privateKey == nil {
		return nil, ErrLocked
	}
	return w.privateKey, nil
}

// VerifyMessage checks a signature made with SignMessage.
func VerifyMessage(pubkey *btcec.PublicKey, message []byte, signature string) (bool, error) {
	buf, err := hex.DecodeString(signature)
	if err != nil {
		return false, err
	}
	sig, err := schnorr.ParseSignature(buf)
	if err != nil {
		return false, err
	}
	hash := sha256.Sum256(message)
	return sig.Verify(hash[:], pubkey), nil
}

func isSigner(closure script.Closure, key *btcec.PublicKey) bool {
	xonly := schnorr.SerializePubKey(key)
	for _, signer := range script.Signers(closure) {
		if bytes.Equal(schnorr.SerializePubKey(signer), xonly) {
			return true
		}
	}
	return false
}

func hasSignature(input psbt.PInput, xonly []byte) bool {
	for _, sig := range input.TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, xonly) {
			return true
		}
	}
	return false
}
