package wallet

import (
	"context"

	"github.com/arkade-os/ark-sdk/tree"
	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	SingleKeyWallet = "singlekey"
)

type TapscriptsAddress struct {
	Tapscripts []string
	Address    string
}

// Identity is the key material the client signs with.
type Identity interface {
	GetType() string
	Create(ctx context.Context, password, seed string) (walletSeed string, err error)
	Lock(ctx context.Context) error
	Unlock(ctx context.Context, password string) (alreadyUnlocked bool, err error)
	IsLocked() bool
	GetPublicKey(ctx context.Context) (*btcec.PublicKey, error)
	// SignTransaction signs every input of the b64 PSBT revealing a leaf
	// that requires the identity key. Other inputs are left untouched.
	SignTransaction(ctx context.Context, tx string) (signedTx string, err error)
	// SignMessage returns the hex encoded schnorr signature of the sha256 of
	// the message, made with the untweaked key.
	SignMessage(ctx context.Context, message []byte) (signature string, err error)
	Dump(ctx context.Context) (seed string, err error)
	// NewVtxoTreeSigner returns a musig2 session for a batch, signing with
	// a fresh ephemeral key.
	NewVtxoTreeSigner(ctx context.Context) (tree.SignerSession, error)
}
