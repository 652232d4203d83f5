package manual

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"defiflow/models"
)

// FileStore reads manual positions from a JSON file keyed by wallet address.
// The file is reloaded on every read so edits show up without a restart.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store over the given JSON file. A missing file is
// treated as an empty store, not an error.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Positions returns the wallet's stored positions. Wallet keys are matched
// case-insensitively since address checksum casing varies across sources.
func (s *FileStore) Positions(ctx context.Context, wallet string) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manual position file: %w", err)
	}

	var byWallet map[string][]models.Position
	if err := json.Unmarshal(data, &byWallet); err != nil {
		return nil, fmt.Errorf("failed to parse manual position file: %w", err)
	}

	want := strings.ToLower(wallet)
	for key, positions := range byWallet {
		if strings.ToLower(key) == want {
			return positions, nil
		}
	}
	return nil, nil
}
