package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arkade-os/ark-sdk/types"
)

const filename = "state.json"

type configStore struct {
	filePath string
	lock     sync.RWMutex
}

// NewConfigStore returns a config store writing a json file in datadir.
func NewConfigStore(datadir string) (types.ConfigStore, error) {
	if datadir == "" {
		return nil, fmt.Errorf("missing datadir")
	}
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %w", err)
	}
	return &configStore{filePath: filepath.Join(datadir, filename)}, nil
}

func (s *configStore) GetType() string {
	return types.FileStore
}

func (s *configStore) GetDatadir() string {
	return filepath.Dir(s.filePath)
}

func (s *configStore) AddData(_ context.Context, data types.Config) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	buf, err := json.MarshalIndent(newStoreData(data), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// atomic replace of the previous file
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

func (s *configStore) GetData(_ context.Context) (*types.Config, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	buf, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var data storeData
	if err := json.Unmarshal(buf, &data); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if data.isEmpty() {
		return nil, nil
	}
	return data.decode()
}

func (s *configStore) CleanData(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := os.Remove(s.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *configStore) Close() {}
