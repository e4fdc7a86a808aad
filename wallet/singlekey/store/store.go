package store

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

var ErrWalletNotFound = errors.New("wallet not found")

type WalletData struct {
	EncryptedPrvkey []byte
	PasswordHash    []byte
	PubKey          *btcec.PublicKey
}

type WalletStore interface {
	AddWallet(data WalletData) error
	GetWallet() (*WalletData, error)
}

type inmemoryStore struct {
	lock sync.RWMutex
	data *WalletData
}

func NewInMemoryStore() WalletStore {
	return &inmemoryStore{}
}

func (s *inmemoryStore) AddWallet(data WalletData) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.data = &data
	return nil
}

func (s *inmemoryStore) GetWallet() (*WalletData, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.data == nil {
		return nil, ErrWalletNotFound
	}
	data := *s.data
	return &data, nil
}
